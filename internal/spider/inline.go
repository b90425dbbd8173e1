package spider

import (
	"context"
	"errors"
	"fmt"

	"crawlsched/internal/eventbus"
	"crawlsched/internal/fetch"
	"crawlsched/internal/inline"
	"crawlsched/internal/task"
	logx "crawlsched/pkg/logx"
)

// Inline is the scope of an inline handler. It adds tasks like any handler
// scope and can also wait for a task's response.
type Inline struct {
	sp *Spider
	y  *inline.Yielder
}

// Subroutine is a nested inline routine started with Inline.Call. Its
// returned response becomes the result of Call.
type Subroutine func(in *Inline) (*fetch.Response, error)

func (in *Inline) AddTask(t *task.Task) error { return in.sp.AddTask(t) }
func (in *Inline) Logger() logx.Logger        { return in.sp.log }

// Context ends when the spider stops or the chain is discarded.
func (in *Inline) Context() context.Context { return in.y.Context() }

// Origin is the task whose handler started the chain.
func (in *Inline) Origin() *task.Task { return in.y.Origin() }

// Await queues t and suspends until its response is available. If t is
// abandoned, the chain is discarded and Await returns inline.ErrDiscarded.
func (in *Inline) Await(t *task.Task) (*fetch.Response, error) {
	v, err := in.y.Yield(t)
	if err != nil {
		return nil, err
	}
	return asResponse(v)
}

// Call runs sub as a nested routine; tasks it awaits are resolved before
// Call returns.
func (in *Inline) Call(sub Subroutine) (*fetch.Response, error) {
	if sub == nil {
		return nil, inline.ErrNilRoutine
	}
	v, err := in.y.Call(func(y *inline.Yielder) (any, error) {
		return sub(&Inline{sp: in.sp, y: y})
	})
	if err != nil {
		return nil, err
	}
	return asResponse(v)
}

func asResponse(v any) (*fetch.Response, error) {
	switch r := v.(type) {
	case *fetch.Response:
		return r, nil
	case nil:
		return nil, nil
	default:
		return nil, fmt.Errorf("inline: unexpected resume value %T", v)
	}
}

// startChain runs h for t until it first waits or returns.
func (s *Spider) startChain(ctx context.Context, h InlineHandler, resp *fetch.Response, t *task.Task) {
	c, st := inline.Start(ctx, t, func(y *inline.Yielder) (any, error) {
		return nil, h(&Inline{sp: s, y: y}, resp, t)
	})
	s.chains.Put(c)
	s.advanceChain(c, st)
}

// resumeChain delivers the response of a dependent task to its chain.
func (s *Spider) resumeChain(t *task.Task, resp *fetch.Response) bool {
	c, ok := s.chains.Get(t.Origin)
	if !ok {
		return false
	}
	s.advanceChain(c, c.Resume(resp))
	return true
}

// advanceChain queues the next awaited task or retires a finished chain.
func (s *Spider) advanceChain(c *inline.Chain, st inline.Step) {
	origin := c.Origin()
	info := func(err error) eventbus.ChainInfo {
		e := eventbus.ChainInfo{OriginID: origin.ID, Depth: c.Depth(), Resumes: c.Resumes()}
		if err != nil {
			e.Err = err.Error()
		}
		return e
	}

	if st.Task != nil {
		dep := st.Task
		if _, has := dep.Priority(); !has {
			if p, ok := origin.Priority(); ok {
				dep.SetPriority(p, true)
			}
		}
		if err := s.AddTask(dep); err != nil {
			s.log.Warn("inline task rejected; discarding chain",
				logx.String("origin", origin.URL), logx.String("url", dep.URL), logx.Err(err))
			if s.chains.Discard(origin) {
				eventbus.Emit(s.bus, eventbus.ChainFinished, info(err))
			}
			return
		}
		eventbus.Emit(s.bus, eventbus.ChainSuspended, info(nil))
		return
	}

	if !st.Done {
		// Resume rejected; the chain state is unchanged.
		s.log.Debug("inline resume rejected", logx.String("origin", origin.URL), logx.Err(st.Err))
		return
	}
	s.chains.Delete(origin)
	if st.Err != nil && !errors.Is(st.Err, inline.ErrDiscarded) {
		s.handlerFailed(origin, st.Err)
	}
	eventbus.Emit(s.bus, eventbus.ChainFinished, info(st.Err))
}
