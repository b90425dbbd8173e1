package inline

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crawlsched/internal/task"
)

// runChain drives a chain to completion, answering every yielded task with
// its URL, and returns the order in which URLs were fetched.
func runChain(t *testing.T, c *Chain, st Step) ([]string, Step) {
	t.Helper()
	var fetched []string
	for i := 0; !st.Done; i++ {
		require.NotNil(t, st.Task, "step %d: %+v", i, st)
		require.Less(t, i, 100, "chain does not terminate")
		fetched = append(fetched, st.Task.URL)
		st = c.Resume(st.Task.URL)
	}
	return fetched, st
}

func TestNestedSubroutineOrder(t *testing.T) {
	var calls []string
	var results []string

	subroutine := func(y *Yielder) (any, error) {
		var last any
		for x := 0; x < 2; x++ {
			res, err := y.Yield(task.MustNew("", task.WithURL(fmt.Sprintf("/?foo=subtask%d", x))))
			if err != nil {
				return nil, err
			}
			results = append(results, res.(string))
			calls = append(calls, fmt.Sprintf("subinline%d", x))
			last = res
		}
		return last, nil
	}

	origin := task.MustNew("inline", task.WithURL("/?foo=start"))
	top := func(y *Yielder) (any, error) {
		calls = append(calls, "generator")
		for x := 0; x < 3; x++ {
			res, err := y.Yield(task.MustNew("", task.WithURL(fmt.Sprintf("/?foo=%d", x))))
			if err != nil {
				return nil, err
			}
			results = append(results, res.(string))
			calls = append(calls, fmt.Sprintf("inline%d", x))

			res, err = y.Call(subroutine)
			if err != nil {
				return nil, err
			}
			results = append(results, res.(string))
		}
		return "done", nil
	}

	c, st := Start(context.Background(), origin, top)
	require.NotNil(t, st.Task)
	assert.Same(t, origin, st.Task.Origin)

	fetched, st := runChain(t, c, st)
	require.NoError(t, st.Err)
	assert.Equal(t, "done", st.Value)

	assert.Equal(t, []string{
		"generator",
		"inline0", "subinline0", "subinline1",
		"inline1", "subinline0", "subinline1",
		"inline2", "subinline0", "subinline1",
	}, calls)
	assert.Equal(t, []string{
		"/?foo=0", "/?foo=subtask0", "/?foo=subtask1", "/?foo=subtask1",
		"/?foo=1", "/?foo=subtask0", "/?foo=subtask1", "/?foo=subtask1",
		"/?foo=2", "/?foo=subtask0", "/?foo=subtask1", "/?foo=subtask1",
	}, results)
	assert.Equal(t, []string{
		"/?foo=0", "/?foo=subtask0", "/?foo=subtask1",
		"/?foo=1", "/?foo=subtask0", "/?foo=subtask1",
		"/?foo=2", "/?foo=subtask0", "/?foo=subtask1",
	}, fetched)
	assert.Equal(t, 0, c.Depth())
	assert.False(t, c.Suspended())
}

func TestDepthTracksNestedFrames(t *testing.T) {
	sub := func(y *Yielder) (any, error) {
		return y.Yield(task.MustNew("", task.WithURL("inner")))
	}
	c, st := Start(context.Background(), task.MustNew("x", task.WithURL("x")), func(y *Yielder) (any, error) {
		if _, err := y.Yield(task.MustNew("", task.WithURL("outer"))); err != nil {
			return nil, err
		}
		return y.Call(sub)
	})
	require.Equal(t, "outer", st.Task.URL)
	assert.Equal(t, 1, c.Depth())

	st = c.Resume("r1")
	require.Equal(t, "inner", st.Task.URL)
	assert.Equal(t, 2, c.Depth())

	st = c.Resume("r2")
	require.True(t, st.Done)
	assert.Equal(t, "r2", st.Value)
}

func TestCompletesWithoutYield(t *testing.T) {
	_, st := Start(context.Background(), nil, func(y *Yielder) (any, error) {
		return 42, nil
	})
	assert.True(t, st.Done)
	assert.Equal(t, 42, st.Value)
}

func TestRoutineErrorAndPanic(t *testing.T) {
	boom := errors.New("boom")
	_, st := Start(context.Background(), nil, func(y *Yielder) (any, error) { return nil, boom })
	assert.True(t, st.Done)
	assert.ErrorIs(t, st.Err, boom)

	_, st = Start(context.Background(), nil, func(y *Yielder) (any, error) { panic("bad") })
	assert.True(t, st.Done)
	var pe *PanicError
	require.ErrorAs(t, st.Err, &pe)
	assert.Equal(t, "bad", pe.Value)
}

func TestFailPropagatesToYield(t *testing.T) {
	netErr := errors.New("gave up")
	c, st := Start(context.Background(), nil, func(y *Yielder) (any, error) {
		_, err := y.Yield(task.MustNew("", task.WithURL("x")))
		return "handled", err
	})
	require.NotNil(t, st.Task)
	st = c.Fail(netErr)
	assert.True(t, st.Done)
	assert.Equal(t, "handled", st.Value)
	assert.ErrorIs(t, st.Err, netErr)
}

func TestResumeWhenNotSuspended(t *testing.T) {
	c, st := Start(context.Background(), nil, func(y *Yielder) (any, error) { return nil, nil })
	require.True(t, st.Done)
	st = c.Resume("late")
	assert.False(t, st.Done)
	assert.ErrorIs(t, st.Err, ErrNotSuspended)
}

func TestDiscardReleasesFrames(t *testing.T) {
	before := runtime.NumGoroutine()

	exited := make(chan error, 1)
	innerDone := make(chan struct{})
	c, st := Start(context.Background(), nil, func(y *Yielder) (any, error) {
		_, err := y.Call(func(y *Yielder) (any, error) {
			defer close(innerDone)
			return y.Yield(task.MustNew("", task.WithURL("never")))
		})
		exited <- err
		return nil, err
	})
	require.NotNil(t, st.Task)

	c.Discard()
	st = c.Resume("ignored")
	assert.True(t, st.Done)
	assert.ErrorIs(t, st.Err, ErrDiscarded)

	select {
	case err := <-exited:
		assert.ErrorIs(t, err, ErrDiscarded)
	case <-time.After(2 * time.Second):
		t.Fatal("outer frame was not released")
	}

	select {
	case <-innerDone:
	case <-time.After(2 * time.Second):
		t.Fatal("nested frame was not released")
	}

	// Polled from the test goroutine itself; frame goroutines finish
	// shortly after their routines return.
	deadline := time.Now().Add(2 * time.Second)
	for runtime.NumGoroutine() > before && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	assert.LessOrEqual(t, runtime.NumGoroutine(), before)
}

func TestIndependentChainsInterleave(t *testing.T) {
	mk := func(name string) (*Chain, Step) {
		return Start(context.Background(), task.MustNew(name, task.WithURL(name)), func(y *Yielder) (any, error) {
			a, err := y.Yield(task.MustNew("", task.WithURL(name+"/1")))
			if err != nil {
				return nil, err
			}
			b, err := y.Yield(task.MustNew("", task.WithURL(name+"/2")))
			if err != nil {
				return nil, err
			}
			return a.(string) + "+" + b.(string), nil
		})
	}
	c1, s1 := mk("a")
	c2, s2 := mk("b")

	s2 = c2.Resume(s2.Task.URL)
	s1 = c1.Resume(s1.Task.URL)
	s1 = c1.Resume(s1.Task.URL)
	s2 = c2.Resume(s2.Task.URL)

	assert.Equal(t, "a/1+a/2", s1.Value)
	assert.Equal(t, "b/1+b/2", s2.Value)
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	origin := task.MustNew("inline", task.WithURL("x"))
	c, st := Start(context.Background(), origin, func(y *Yielder) (any, error) {
		return y.Yield(task.MustNew("", task.WithURL("dep")))
	})
	require.NotNil(t, st.Task)

	r.Put(c)
	got, ok := r.Get(st.Task.Origin)
	require.True(t, ok)
	assert.Same(t, c, got)
	assert.Equal(t, 1, r.Len())

	other := task.MustNew("inline", task.WithURL("x"))
	_, ok = r.Get(other)
	assert.False(t, ok, "chains are keyed by task instance, not name")

	assert.Equal(t, 1, r.DiscardAll())
	assert.Equal(t, 0, r.Len())
	assert.ErrorIs(t, c.Resume("x").Err, ErrDiscarded)
}
