package inline

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"crawlsched/internal/task"
)

var (
	// ErrDiscarded is returned from Yield/Call inside a routine whose chain
	// was discarded, and reported by steps of a discarded chain.
	ErrDiscarded = errors.New("inline chain discarded")
	// ErrNotSuspended is reported when Resume is called on a chain that is
	// not waiting for a task result.
	ErrNotSuspended = errors.New("inline chain is not suspended")
	ErrNilTask      = errors.New("inline: yielded nil task")
	ErrNilRoutine   = errors.New("inline: called nil routine")
)

// Routine is the body of a suspendable handler. Its return value becomes
// the resume value of the Call that started it.
type Routine func(y *Yielder) (any, error)

// PanicError wraps a panic raised inside a routine.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string { return fmt.Sprintf("inline routine panic: %v", e.Value) }

// Step is the outcome of driving a chain.
//
// Exactly one of the following holds:
//   - Task != nil: the chain is suspended until Resume is called with the
//     task's result.
//   - Done: the top-level routine returned Value and Err.
//   - Err != nil and !Done: the call was rejected (e.g. ErrNotSuspended);
//     the chain state is unchanged.
type Step struct {
	Task  *task.Task
	Done  bool
	Value any
	Err   error
}

type eventKind int

const (
	evYield eventKind = iota
	evCall
	evDone
)

type event struct {
	kind  eventKind
	task  *task.Task
	sub   Routine
	value any
	err   error
}

type resumeMsg struct {
	value any
	err   error
}

type frame struct {
	events chan event
	resume chan resumeMsg
}

// Chain is the frame stack of one top-level inline task execution.
type Chain struct {
	origin *task.Task

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	stack    []*frame
	waiting  bool
	finished bool

	discarded atomic.Bool
	resumes   atomic.Uint64
}

// Start runs r until it first suspends or completes. Yielded tasks get
// Origin set to origin so their results can be routed back to the chain.
func Start(ctx context.Context, origin *task.Task, r Routine) (*Chain, Step) {
	if ctx == nil {
		ctx = context.Background()
	}
	cctx, cancel := context.WithCancel(ctx)
	c := &Chain{origin: origin, ctx: cctx, cancel: cancel}

	c.mu.Lock()
	defer c.mu.Unlock()
	if r == nil {
		c.finish()
		return c, Step{Done: true, Err: ErrNilRoutine}
	}
	c.stack = []*frame{c.spawn(r)}
	return c, c.drive()
}

// Origin returns the top-level task that owns the chain.
func (c *Chain) Origin() *task.Task { return c.origin }

// Depth returns the number of frames currently on the stack.
func (c *Chain) Depth() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.stack)
}

// Resumes returns how many times the chain was resumed.
func (c *Chain) Resumes() uint64 { return c.resumes.Load() }

// Suspended reports whether the chain waits for a task result.
func (c *Chain) Suspended() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.waiting && !c.finished
}

// Resume delivers the result of the last yielded task to the top frame and
// drives the chain to its next suspension or completion.
func (c *Chain) Resume(value any) Step {
	return c.resumeWith(resumeMsg{value: value})
}

// Fail resumes the top frame with err as the result of its yield.
func (c *Chain) Fail(err error) Step {
	return c.resumeWith(resumeMsg{err: err})
}

func (c *Chain) resumeWith(m resumeMsg) Step {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.discarded.Load() {
		return Step{Done: true, Err: ErrDiscarded}
	}
	if c.finished || !c.waiting {
		return Step{Err: ErrNotSuspended}
	}
	c.waiting = false
	c.resumes.Add(1)

	top := c.stack[len(c.stack)-1]
	select {
	case top.resume <- m:
	case <-c.ctx.Done():
		c.finish()
		return Step{Done: true, Err: ErrDiscarded}
	}
	return c.drive()
}

// Discard abandons the chain: suspended frames are never resumed and their
// goroutines exit. Safe to call more than once and concurrently with Resume.
func (c *Chain) Discard() {
	c.discarded.Store(true)
	c.cancel()
}

// finish must be called with mu held.
func (c *Chain) finish() {
	c.finished = true
	c.waiting = false
	c.stack = nil
	c.cancel()
}

// spawn starts r on a new frame. The routine runs immediately; the caller
// must call drive to wait for its first event.
func (c *Chain) spawn(r Routine) *frame {
	f := &frame{events: make(chan event), resume: make(chan resumeMsg)}
	y := &Yielder{f: f, c: c}
	go func() {
		var (
			v   any
			err error
		)
		func() {
			defer func() {
				if p := recover(); p != nil {
					err = &PanicError{Value: p, Stack: debug.Stack()}
				}
			}()
			v, err = r(y)
		}()
		select {
		case f.events <- event{kind: evDone, value: v, err: err}:
		case <-c.ctx.Done():
		}
	}()
	return f
}

// drive handles frame events until the chain suspends on a task or the
// top-level routine completes. Must be called with mu held.
func (c *Chain) drive() Step {
	for {
		top := c.stack[len(c.stack)-1]

		var ev event
		select {
		case ev = <-top.events:
		case <-c.ctx.Done():
			c.finish()
			return Step{Done: true, Err: ErrDiscarded}
		}

		switch ev.kind {
		case evYield:
			if c.origin != nil {
				ev.task.Origin = c.origin
			}
			c.waiting = true
			return Step{Task: ev.task}

		case evCall:
			c.stack = append(c.stack, c.spawn(ev.sub))

		case evDone:
			c.stack = c.stack[:len(c.stack)-1]
			if len(c.stack) == 0 {
				c.finish()
				return Step{Done: true, Value: ev.value, Err: ev.err}
			}
			parent := c.stack[len(c.stack)-1]
			select {
			case parent.resume <- resumeMsg{value: ev.value, err: ev.err}:
			case <-c.ctx.Done():
				c.finish()
				return Step{Done: true, Err: ErrDiscarded}
			}
		}
	}
}

// Yielder is the suspension handle passed to a routine. It must only be used
// from the routine's own goroutine.
type Yielder struct {
	f *frame
	c *Chain
}

// Context is cancelled when the chain is discarded or finishes.
func (y *Yielder) Context() context.Context { return y.c.ctx }

// Origin returns the top-level task of the chain.
func (y *Yielder) Origin() *task.Task { return y.c.origin }

// Yield suspends until the result of t is available.
func (y *Yielder) Yield(t *task.Task) (any, error) {
	if t == nil {
		return nil, ErrNilTask
	}
	return y.suspend(event{kind: evYield, task: t})
}

// Call runs sub as a nested frame. Tasks yielded by sub are resolved before
// Call returns sub's result.
func (y *Yielder) Call(sub Routine) (any, error) {
	if sub == nil {
		return nil, ErrNilRoutine
	}
	return y.suspend(event{kind: evCall, sub: sub})
}

func (y *Yielder) suspend(ev event) (any, error) {
	select {
	case y.f.events <- ev:
	case <-y.c.ctx.Done():
		return nil, ErrDiscarded
	}
	select {
	case m := <-y.f.resume:
		return m.value, m.err
	case <-y.c.ctx.Done():
		return nil, ErrDiscarded
	}
}
