package spider

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crawlsched/internal/eventbus"
	"crawlsched/internal/fetch"
	"crawlsched/internal/queue"
	"crawlsched/internal/seed"
	"crawlsched/internal/storage"
	"crawlsched/internal/task"
	logx "crawlsched/pkg/logx"
)

// statusServer answers every request with status and counts hits.
func statusServer(t *testing.T, status int) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(status)
		_, _ = w.Write([]byte("body:" + r.URL.RawQuery))
	}))
	t.Cleanup(srv.Close)
	return srv, &hits
}

func fastConfig() Config {
	return Config{
		Workers: 2,
		Retry:   RetryPolicy{Base: time.Millisecond, MaxDelay: 5 * time.Millisecond},
	}
}

func newTestSpider(t *testing.T, cfg Config, reg *Registry, deps Deps) *Spider {
	t.Helper()
	if deps.Fetcher == nil {
		deps.Fetcher = fetch.New(fetch.Options{Timeout: 2 * time.Second}, logx.Nop())
	}
	s, err := New(cfg, reg, deps)
	require.NoError(t, err)
	return s
}

func run(t *testing.T, s *Spider) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.Run(ctx)
}

type tokens struct {
	mu   sync.Mutex
	list []string
}

func (k *tokens) add(v string) {
	k.mu.Lock()
	k.list = append(k.list, v)
	k.mu.Unlock()
}

func (k *tokens) get() []string {
	k.mu.Lock()
	defer k.mu.Unlock()
	return append([]string(nil), k.list...)
}

func TestRawTaskDispatchesInvalidStatus(t *testing.T) {
	srv, _ := statusServer(t, http.StatusBadGateway)

	for _, tc := range []struct {
		raw  bool
		want int
	}{
		{raw: false, want: 0},
		{raw: true, want: 2},
	} {
		var calls atomic.Int32
		reg := NewRegistry().Handle("page", func(sc task.Scope, resp *fetch.Response, tk *task.Task) error {
			calls.Add(1)
			assert.Equal(t, http.StatusBadGateway, resp.Status)
			return nil
		})
		cfg := fastConfig()
		cfg.NetworkTryLimit = 1
		s := newTestSpider(t, cfg, reg, Deps{})
		for i := 0; i < 2; i++ {
			require.NoError(t, s.AddTask(task.MustNew("page", task.WithURL(srv.URL), task.WithRaw(tc.raw))))
		}
		require.NoError(t, run(t, s))
		assert.EqualValues(t, tc.want, calls.Load(), "raw=%v", tc.raw)
	}
}

func TestValidStatusIsDispatched(t *testing.T) {
	srv, _ := statusServer(t, http.StatusTeapot)

	var got atomic.Int32
	reg := NewRegistry().Handle("page", func(sc task.Scope, resp *fetch.Response, tk *task.Task) error {
		got.Store(int32(resp.Status))
		return nil
	})
	cfg := fastConfig()
	cfg.NetworkTryLimit = 1
	s := newTestSpider(t, cfg, reg, Deps{})
	require.NoError(t, s.AddTask(task.MustNew("page", task.WithURL(srv.URL), task.WithValidStatus(http.StatusTeapot))))
	require.NoError(t, run(t, s))
	assert.EqualValues(t, http.StatusTeapot, got.Load())
}

func TestNotFoundIsValid(t *testing.T) {
	srv, hits := statusServer(t, http.StatusNotFound)

	var calls atomic.Int32
	reg := NewRegistry().Handle("page", func(sc task.Scope, resp *fetch.Response, tk *task.Task) error {
		calls.Add(1)
		return nil
	})
	s := newTestSpider(t, fastConfig(), reg, Deps{})
	require.NoError(t, s.AddTask(task.MustNew("page", task.WithURL(srv.URL))))
	require.NoError(t, run(t, s))
	assert.EqualValues(t, 1, calls.Load())
	assert.EqualValues(t, 1, hits.Load())
}

func TestCallbackOverridesHandler(t *testing.T) {
	srv, _ := statusServer(t, http.StatusOK)

	var got tokens
	reg := NewRegistry().Handle("page", func(sc task.Scope, resp *fetch.Response, tk *task.Task) error {
		got.add("0_handler")
		return nil
	})
	fn := func(sc task.Scope, resp *fetch.Response, tk *task.Task) error {
		got.add("1_func")
		return nil
	}

	s := newTestSpider(t, fastConfig(), reg, Deps{})
	require.NoError(t, s.AddTask(task.MustNew("page", task.WithURL(srv.URL))))
	for i := 0; i < 3; i++ {
		require.NoError(t, s.AddTask(task.MustNew("page", task.WithURL(srv.URL), task.WithCallback(fn))))
	}
	require.NoError(t, run(t, s))
	assert.ElementsMatch(t, []string{"0_handler", "1_func", "1_func", "1_func"}, got.get())
}

func TestSameURLProcessedTwiceWithoutDedup(t *testing.T) {
	srv, hits := statusServer(t, http.StatusOK)

	var calls atomic.Int32
	reg := NewRegistry().Handle("page", func(sc task.Scope, resp *fetch.Response, tk *task.Task) error {
		calls.Add(1)
		return nil
	})
	s := newTestSpider(t, fastConfig(), reg, Deps{})
	require.NoError(t, s.AddTask(task.MustNew("page", task.WithURL(srv.URL))))
	require.NoError(t, s.AddTask(task.MustNew("page", task.WithURL(srv.URL))))
	require.NoError(t, run(t, s))
	assert.EqualValues(t, 2, calls.Load())
	assert.EqualValues(t, 2, hits.Load())
}

func TestHandlerAddsTasks(t *testing.T) {
	srv, _ := statusServer(t, http.StatusOK)

	var got tokens
	reg := NewRegistry().
		Handle("page", func(sc task.Scope, resp *fetch.Response, tk *task.Task) error {
			got.add("page")
			return sc.AddTask(task.MustNew("detail", task.WithURL(srv.URL+"/?id=1")))
		}).
		Handle("detail", func(sc task.Scope, resp *fetch.Response, tk *task.Task) error {
			got.add(string(resp.Body))
			return nil
		})
	s := newTestSpider(t, fastConfig(), reg, Deps{})
	require.NoError(t, s.AddTask(task.MustNew("page", task.WithURL(srv.URL))))
	require.NoError(t, run(t, s))
	assert.Equal(t, []string{"page", "body:id=1"}, got.get())
}

func TestInlineHandlerTrace(t *testing.T) {
	srv, _ := statusServer(t, http.StatusOK)

	var events, responses tokens
	reg := NewRegistry().HandleInline("parse", func(in *Inline, resp *fetch.Response, tk *task.Task) error {
		responses.add(string(resp.Body))
		events.add("yield")
		r, err := in.Await(task.MustNew("", task.WithURL(srv.URL+"/?foo=1")))
		if err != nil {
			return err
		}
		responses.add(string(r.Body))

		r, err = in.Call(func(sub *Inline) (*fetch.Response, error) {
			events.add("sub")
			return sub.Await(task.MustNew("", task.WithURL(srv.URL+"/?foo=2")))
		})
		if err != nil {
			return err
		}
		responses.add(string(r.Body))
		events.add("end")
		return nil
	})

	s := newTestSpider(t, fastConfig(), reg, Deps{})
	require.NoError(t, s.AddTask(task.MustNew("parse", task.WithURL(srv.URL+"/?foo=0"))))
	require.NoError(t, run(t, s))

	assert.Equal(t, []string{"yield", "sub", "end"}, events.get())
	assert.Equal(t, []string{"body:foo=0", "body:foo=1", "body:foo=2"}, responses.get())
	assert.Zero(t, s.Snapshot().Chains)
}

func TestInlineDependentAbandonDiscardsChain(t *testing.T) {
	ok, _ := statusServer(t, http.StatusOK)
	bad, _ := statusServer(t, http.StatusInternalServerError)

	var reached atomic.Bool
	var fallbackErr atomic.Value
	reg := NewRegistry().
		HandleInline("parse", func(in *Inline, resp *fetch.Response, tk *task.Task) error {
			_, err := in.Await(task.MustNew("dep", task.WithURL(bad.URL)))
			if err == nil {
				reached.Store(true)
			}
			return err
		}).
		Fallback("dep_fallback", func(sc task.Scope, tk *task.Task, err error) {
			fallbackErr.Store(err)
		})

	cfg := fastConfig()
	cfg.NetworkTryLimit = 2
	s := newTestSpider(t, cfg, reg, Deps{})
	require.NoError(t, s.AddTask(task.MustNew("parse", task.WithURL(ok.URL))))
	require.NoError(t, run(t, s))

	assert.False(t, reached.Load())
	var nerr *NetworkError
	require.ErrorAs(t, fallbackErr.Load().(error), &nerr)
	assert.Equal(t, 2, nerr.Tries)
	assert.Equal(t, http.StatusInternalServerError, nerr.Status)
	snap := s.Snapshot()
	assert.Zero(t, snap.Chains)
	assert.EqualValues(t, 0, snap.Counters.Failed)
}

func TestFallbackResolution(t *testing.T) {
	srv, _ := statusServer(t, http.StatusInternalServerError)

	var got tokens
	reg := NewRegistry().
		Fallback("page_fallback", func(sc task.Scope, tk *task.Task, err error) { got.add("page_fallback") }).
		Fallback("custom", func(sc task.Scope, tk *task.Task, err error) { got.add("custom") })
	onError := func(sc task.Scope, tk *task.Task, err error) { got.add("error_callback") }

	cfg := fastConfig()
	cfg.NetworkTryLimit = 2
	s := newTestSpider(t, cfg, reg, Deps{})
	require.NoError(t, s.AddTask(task.MustNew("page", task.WithURL(srv.URL))))
	require.NoError(t, s.AddTask(task.MustNew("page", task.WithURL(srv.URL), task.WithFallbackName("custom"))))
	require.NoError(t, s.AddTask(task.MustNew("page", task.WithURL(srv.URL), task.WithErrorCallback(onError))))
	require.NoError(t, s.AddTask(task.MustNew("orphan", task.WithURL(srv.URL))))
	require.NoError(t, run(t, s))

	assert.ElementsMatch(t, []string{"page_fallback", "custom", "error_callback"}, got.get())
	assert.EqualValues(t, 4, s.Snapshot().Counters.Abandoned)
}

func TestInvalidURLInvokesFallback(t *testing.T) {
	var gotErr error
	reg := NewRegistry().Fallback("page_fallback", func(sc task.Scope, tk *task.Task, err error) { gotErr = err })
	s := newTestSpider(t, fastConfig(), reg, Deps{})

	err := s.AddTask(task.MustNew("page", task.WithURL("http://[bad")))
	require.ErrorIs(t, err, ErrInvalidURL)
	require.ErrorIs(t, gotErr, ErrInvalidURL)
	assert.EqualValues(t, 1, s.Snapshot().Counters.Rejected)
	assert.Zero(t, s.Snapshot().Queued)
}

func TestTaskTryLimitRejects(t *testing.T) {
	var calls atomic.Int32
	reg := NewRegistry().Fallback("page_fallback", func(sc task.Scope, tk *task.Task, err error) {
		assert.ErrorIs(t, err, ErrTaskTryLimit)
		calls.Add(1)
	})
	cfg := fastConfig()
	cfg.TaskTryLimit = 3
	s := newTestSpider(t, cfg, reg, Deps{})

	require.NoError(t, s.AddTask(task.MustNew("page", task.WithURL("http://example.com/"), task.WithTaskTryCount(3))))
	err := s.AddTask(task.MustNew("page", task.WithURL("http://example.com/"), task.WithTaskTryCount(4)))
	require.ErrorIs(t, err, ErrTaskTryLimit)
	assert.EqualValues(t, 1, calls.Load())
	assert.Equal(t, 1, s.Snapshot().Queued)
}

func TestRelativeURL(t *testing.T) {
	s := newTestSpider(t, fastConfig(), NewRegistry(), Deps{})
	err := s.AddTask(task.MustNew("page", task.WithURL("/items?p=2")))
	require.ErrorIs(t, err, task.ErrMisuse)

	cfg := fastConfig()
	cfg.BaseURL = "http://example.com/catalog/"
	s = newTestSpider(t, cfg, NewRegistry(), Deps{})
	tk := task.MustNew("page", task.WithURL("items?p=2"))
	require.NoError(t, s.AddTask(tk))
	assert.Equal(t, "http://example.com/catalog/items?p=2", tk.URL)
}

func TestNewRejectsBadConfig(t *testing.T) {
	fetcher := fetch.New(fetch.Options{}, logx.Nop())

	_, err := New(Config{BaseURL: "/relative"}, NewRegistry(), Deps{Fetcher: fetcher})
	assert.ErrorIs(t, err, task.ErrMisuse)

	cfg := Config{}
	cfg.Priority.Mode = "bogus"
	_, err = New(cfg, NewRegistry(), Deps{Fetcher: fetcher})
	assert.ErrorIs(t, err, task.ErrMisuse)

	_, err = New(Config{}, nil, Deps{Fetcher: fetcher})
	assert.ErrorIs(t, err, task.ErrMisuse)
	_, err = New(Config{}, NewRegistry(), Deps{})
	assert.ErrorIs(t, err, task.ErrMisuse)
}

func TestMissingHandlerIsFatal(t *testing.T) {
	srv, _ := statusServer(t, http.StatusOK)
	s := newTestSpider(t, fastConfig(), NewRegistry(), Deps{})
	require.NoError(t, s.AddTask(task.MustNew("missing", task.WithURL(srv.URL))))

	err := run(t, s)
	require.ErrorIs(t, err, task.ErrNoHandler)
	var nh *task.NoHandlerError
	require.ErrorAs(t, err, &nh)
	assert.Equal(t, "missing", nh.Name)
}

func TestHandlerErrorAndPanicAreCounted(t *testing.T) {
	srv, _ := statusServer(t, http.StatusOK)
	reg := NewRegistry().
		Handle("boom", func(sc task.Scope, resp *fetch.Response, tk *task.Task) error { panic("boom") }).
		Handle("fail", func(sc task.Scope, resp *fetch.Response, tk *task.Task) error { return errors.New("parse") })

	s := newTestSpider(t, fastConfig(), reg, Deps{})
	require.NoError(t, s.AddTask(task.MustNew("boom", task.WithURL(srv.URL))))
	require.NoError(t, s.AddTask(task.MustNew("fail", task.WithURL(srv.URL))))
	require.NoError(t, run(t, s))

	snap := s.Snapshot()
	assert.EqualValues(t, 2, snap.Counters.Failed)
	assert.EqualValues(t, 2, snap.Counters.Dispatched)
}

func TestRetryUntilSuccess(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) <= 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte("ok"))
	}))
	defer srv.Close()

	var tries atomic.Int32
	reg := NewRegistry().Handle("page", func(sc task.Scope, resp *fetch.Response, tk *task.Task) error {
		tries.Store(int32(tk.NetworkTryCount))
		return nil
	})
	cfg := fastConfig()
	cfg.Workers = 1
	cfg.NetworkTryLimit = 5
	s := newTestSpider(t, cfg, reg, Deps{})
	require.NoError(t, s.AddTask(task.MustNew("page", task.WithURL(srv.URL))))
	require.NoError(t, run(t, s))

	assert.EqualValues(t, 3, tries.Load())
	snap := s.Snapshot()
	assert.EqualValues(t, 2, snap.Counters.Retried)
	assert.EqualValues(t, 1, snap.Counters.Dispatched)
	outcomes := make([]string, 0, len(snap.History))
	for _, h := range snap.History {
		outcomes = append(outcomes, h.Outcome)
	}
	assert.Equal(t, []string{storage.OutcomeRetry, storage.OutcomeRetry, storage.OutcomeDone}, outcomes)
}

func TestTransportErrorRawDispatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	addr := srv.URL
	srv.Close()

	var gotErr atomic.Value
	fn := func(sc task.Scope, resp *fetch.Response, tk *task.Task) error {
		gotErr.Store(resp.Err)
		return nil
	}
	cfg := fastConfig()
	cfg.NetworkTryLimit = 1
	s := newTestSpider(t, cfg, NewRegistry(), Deps{})
	require.NoError(t, s.AddTask(task.MustNew("raw", task.WithURL(addr), task.WithRaw(true), task.WithCallback(fn))))
	require.NoError(t, run(t, s))
	require.ErrorIs(t, gotErr.Load().(error), fetch.ErrTransport)
}

func openStore(t *testing.T) storage.Store {
	t.Helper()
	st, err := storage.Open(storage.Config{Driver: "file", Path: filepath.Join(t.TempDir(), "crawl.db")}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestDedupWithSeenTTL(t *testing.T) {
	srv, hits := statusServer(t, http.StatusOK)
	st := openStore(t)

	reg := NewRegistry().Handle("page", func(sc task.Scope, resp *fetch.Response, tk *task.Task) error { return nil })
	cfg := fastConfig()
	cfg.SeenTTL = time.Hour
	s := newTestSpider(t, cfg, reg, Deps{Store: st})

	require.NoError(t, s.AddTask(task.MustNew("page", task.WithURL(srv.URL))))
	require.ErrorIs(t, s.AddTask(task.MustNew("page", task.WithURL(srv.URL))), queue.ErrDuplicate)
	require.NoError(t, s.AddTask(task.MustNew("page", task.WithURL(srv.URL+"/?other"))))
	require.NoError(t, run(t, s))

	assert.EqualValues(t, 2, hits.Load())
	assert.EqualValues(t, 1, s.Snapshot().Counters.Duplicates)
}

func TestCacheServesSecondRun(t *testing.T) {
	srv, hits := statusServer(t, http.StatusOK)
	st := openStore(t)

	var fromCache []bool
	var mu sync.Mutex
	reg := NewRegistry().Handle("page", func(sc task.Scope, resp *fetch.Response, tk *task.Task) error {
		mu.Lock()
		fromCache = append(fromCache, resp.FromCache)
		mu.Unlock()
		assert.Equal(t, "body:", string(resp.Body))
		return nil
	})

	for i := 0; i < 2; i++ {
		s := newTestSpider(t, fastConfig(), reg, Deps{Store: st})
		require.NoError(t, s.AddTask(task.MustNew("page", task.WithURL(srv.URL))))
		require.NoError(t, run(t, s))
	}
	s := newTestSpider(t, fastConfig(), reg, Deps{Store: st})
	require.NoError(t, s.AddTask(task.MustNew("page", task.WithURL(srv.URL), task.WithDisableCache(true))))
	require.NoError(t, run(t, s))

	assert.Equal(t, []bool{false, true, false}, fromCache)
	assert.EqualValues(t, 2, hits.Load())
}

func TestGeneratorFeedsRun(t *testing.T) {
	srv, _ := statusServer(t, http.StatusOK)

	var got tokens
	reg := NewRegistry().Handle("page", func(sc task.Scope, resp *fetch.Response, tk *task.Task) error {
		got.add(string(resp.Body))
		return nil
	})
	gen := seed.URLs("page", []string{srv.URL + "/?a", srv.URL + "/?b", " "})
	bus := eventbus.New()
	events, unsub := bus.Subscribe(256)
	defer unsub()

	s := newTestSpider(t, fastConfig(), reg, Deps{Generator: gen, Bus: bus})
	require.NoError(t, run(t, s))
	assert.ElementsMatch(t, []string{"body:a", "body:b"}, got.get())

	counts := map[string]int{}
	for len(events) > 0 {
		counts[(<-events).Type]++
	}
	assert.Equal(t, 2, counts[eventbus.TaskAdded])
	assert.Equal(t, 2, counts[eventbus.TaskDispatched])
}

func TestAddedEventsDescribeTaskAtEnqueue(t *testing.T) {
	srv, hits := statusServer(t, http.StatusBadGateway)

	bus := eventbus.New()
	events, unsub := bus.Subscribe(256)
	defer unsub()
	cfg := fastConfig()
	cfg.NetworkTryLimit = 3
	s := newTestSpider(t, cfg, NewRegistry().Handle("page", func(task.Scope, *fetch.Response, *task.Task) error {
		return nil
	}), Deps{Bus: bus})
	require.NoError(t, s.AddTask(task.MustNew("page", task.WithURL(srv.URL))))
	require.NoError(t, run(t, s))
	require.EqualValues(t, 3, hits.Load())

	var added, retried []int
	for len(events) > 0 {
		e := <-events
		info, ok := e.Data.(eventbus.TaskInfo)
		if !ok {
			continue
		}
		switch e.Type {
		case eventbus.TaskAdded:
			added = append(added, info.NetworkTryCount)
		case eventbus.TaskRetry:
			retried = append(retried, info.NetworkTryCount)
		}
	}
	assert.ElementsMatch(t, []int{0, 1, 2}, added)
	assert.ElementsMatch(t, []int{1, 2}, retried)
}

func TestKeepAliveRunsUntilCancelled(t *testing.T) {
	srv, _ := statusServer(t, http.StatusOK)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	reg := NewRegistry().Handle("page", func(sc task.Scope, resp *fetch.Response, tk *task.Task) error {
		cancel()
		return nil
	})
	cfg := fastConfig()
	cfg.KeepAlive = true
	s := newTestSpider(t, cfg, reg, Deps{})
	require.NoError(t, s.AddTask(task.MustNew("page", task.WithURL(srv.URL))))
	require.NoError(t, s.Run(ctx))

	require.ErrorIs(t, s.Run(context.Background()), ErrRunning)
	require.ErrorIs(t, s.AddTask(task.MustNew("page", task.WithURL(srv.URL))), ErrStopped)
}

func TestHostCircuitDefersTasks(t *testing.T) {
	srv, hits := statusServer(t, http.StatusBadGateway)

	cfg := fastConfig()
	cfg.Workers = 1
	cfg.NetworkTryLimit = 1
	cfg.Circuit = CircuitPolicy{TripFailures: 1, BaseDelay: 20 * time.Millisecond, MaxDelay: 20 * time.Millisecond}
	s := newTestSpider(t, cfg, NewRegistry(), Deps{})
	for i := 0; i < 2; i++ {
		require.NoError(t, s.AddTask(task.MustNew("page", task.WithURL(srv.URL))))
	}
	require.NoError(t, run(t, s))

	snap := s.Snapshot()
	assert.EqualValues(t, 2, hits.Load())
	assert.EqualValues(t, 2, snap.Counters.Abandoned)
	assert.GreaterOrEqual(t, snap.Counters.Deferred, uint64(1))
	assert.Equal(t, 1, snap.CircuitHosts)
}
