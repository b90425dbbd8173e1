package spider

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net/url"
	"runtime/debug"
	"time"

	"crawlsched/internal/eventbus"
	"crawlsched/internal/fetch"
	"crawlsched/internal/queue"
	"crawlsched/internal/storage"
	"crawlsched/internal/task"
	logx "crawlsched/pkg/logx"
)

// hostRetryDelay is how long a task waits when its host is at capacity.
const hostRetryDelay = 100 * time.Millisecond

func (s *Spider) worker(ctx context.Context, idx int) error {
	rng := rand.New(rand.NewSource(time.Now().UnixNano() ^ (int64(idx) << 32)))
	for {
		t, err := s.q.Pop(ctx)
		if err != nil {
			if errors.Is(err, queue.ErrClosed) || ctx.Err() != nil {
				return nil
			}
			return err
		}
		release, ok := s.admit(t)
		if !ok {
			continue
		}
		s.inFlight.Add(1)
		s.execute(ctx, t, rng)
		s.inFlight.Add(-1)
		release()
		s.done()
	}
}

// admit applies the host circuit breaker and host concurrency cap. A task
// that may not run now goes back to the queue with a schedule time.
func (s *Spider) admit(t *task.Task) (release func(), ok bool) {
	cfg := s.config()
	host := hostOf(t.URL)
	now := time.Now()

	if open, until := s.circuits.isOpen(now, host, cfg.Circuit); open {
		s.requeue(t, until, "circuit-open")
		return nil, false
	}
	hs := s.hosts.get(host, cfg.HostConcurrency)
	if hs == nil {
		return func() {}, true
	}
	if !hs.tryAcquire() {
		s.requeue(t, now.Add(hostRetryDelay), "host-busy")
		return nil, false
	}
	return hs.release, true
}

func (s *Spider) requeue(t *task.Task, at time.Time, reason string) {
	t.ScheduleTime = at
	s.deferred.Add(1)
	s.log.Trace("task deferred", logx.String("url", t.URL), logx.String("reason", reason), logx.Time("until", at))
	if err := s.q.Push(t); err != nil {
		s.done()
	}
}

func hostOf(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return u.Host
}

// execute runs one network try of t and handles its outcome.
func (s *Spider) execute(ctx context.Context, t *task.Task, rng *rand.Rand) {
	start := time.Now()
	t.NetworkTryCount++

	resp, ferr := s.obtain(ctx, t)
	if ctx.Err() != nil {
		s.log.Debug("task interrupted", logx.String("url", t.URL))
		return
	}
	fromCache := resp != nil && resp.FromCache
	if fromCache {
		s.cacheHits.Add(1)
	} else {
		network := ferr != nil || (resp != nil && resp.Status >= 500)
		if s.circuits.record(time.Now(), hostOf(t.URL), s.config().Circuit, network) {
			s.log.Warn("host circuit opened", logx.String("host", hostOf(t.URL)))
		}
	}

	if !t.Raw && (ferr != nil || !validResponse(t, resp)) {
		s.retryOrAbandon(t, resp, ferr, start, rng)
		return
	}
	if ferr != nil {
		resp = &fetch.Response{URL: t.URL, Config: t.RequestConfig(), Err: ferr, FetchedAt: time.Now()}
	}
	if !fromCache && ferr == nil {
		s.storeCache(t, resp)
	}

	s.dispatched.Add(1)
	eventbus.Emit(s.bus, eventbus.TaskDispatched, taskInfo(t, resp.Status, ""))
	err := s.dispatch(t, resp)
	outcome := storage.OutcomeDone
	if err != nil {
		outcome = storage.OutcomeFailed
		s.handlerFailed(t, err)
	}
	s.record(t, start, outcome, resp.Status, fromCache, err)
}

// obtain returns the cached response for t when allowed, or fetches it.
func (s *Spider) obtain(ctx context.Context, t *task.Task) (*fetch.Response, error) {
	cfg := t.RequestConfig()
	if resp, ok := s.loadCache(ctx, t, cfg); ok {
		return resp, nil
	}
	return s.fetcher.Fetch(ctx, cfg, t.UseProxylist)
}

func cacheable(t *task.Task, cfg *fetch.Config) bool {
	return !t.DisableCache && cfg.EffectiveMethod() == "GET"
}

func (s *Spider) loadCache(ctx context.Context, t *task.Task, cfg *fetch.Config) (*fetch.Response, bool) {
	if s.store == nil || t.RefreshCache || !cacheable(t, cfg) {
		return nil, false
	}
	e, ok, err := s.store.GetCache(ctx, queue.DedupKey(t))
	if err != nil {
		s.log.Debug("cache read failed", logx.String("url", t.URL), logx.Err(err))
		return nil, false
	}
	if !ok || (t.CacheTimeout > 0 && e.Age(time.Now()) > t.CacheTimeout) {
		return nil, false
	}
	return &fetch.Response{
		URL:       e.URL,
		Status:    e.Status,
		Header:    e.Header,
		Body:      e.Body,
		Config:    cfg,
		FromCache: true,
		FetchedAt: e.StoredAt,
	}, true
}

func (s *Spider) storeCache(t *task.Task, resp *fetch.Response) {
	if s.store == nil || resp.Status >= 400 || resp.Truncated || !cacheable(t, t.RequestConfig()) {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := s.store.PutCache(ctx, storage.CacheEntry{
		Key:      queue.DedupKey(t),
		URL:      resp.URL,
		Status:   resp.Status,
		Header:   resp.Header,
		Body:     resp.Body,
		StoredAt: resp.FetchedAt,
	})
	if err != nil {
		s.log.Debug("cache write failed", logx.String("url", t.URL), logx.Err(err))
	}
}

// retryOrAbandon re-queues a failed network try while tries remain.
func (s *Spider) retryOrAbandon(t *task.Task, resp *fetch.Response, ferr error, start time.Time, rng *rand.Rand) {
	cfg := s.config()
	status := 0
	if resp != nil {
		status = resp.Status
	}
	if ferr == nil {
		ferr = &fetch.StatusError{URL: t.URL, Status: status}
	}

	if t.NetworkTryCount < cfg.NetworkTryLimit {
		delay := backoffDelayWithHint(cfg.Retry, t.NetworkTryCount, resp, rng)
		next, err := t.Clone(
			task.WithNetworkTryCount(t.NetworkTryCount),
			task.WithTaskTryCount(t.TaskTryCount),
			task.WithRefreshCache(true),
			task.WithDelay(delay),
		)
		var info eventbus.TaskInfo
		if err == nil {
			info = taskInfo(next, status, ferr.Error())
			err = s.enqueue(next)
		}
		if err == nil {
			s.retried.Add(1)
			s.log.Debug("task retry scheduled",
				logx.String("url", t.URL), logx.Int("try", t.NetworkTryCount+1),
				logx.Duration("delay", delay), logx.Err(ferr))
			s.record(t, start, storage.OutcomeRetry, status, false, ferr)
			eventbus.Emit(s.bus, eventbus.TaskRetry, info)
			return
		}
		if !errors.Is(err, ErrStopped) {
			s.log.Warn("task retry failed", logx.String("url", t.URL), logx.Err(err))
		}
	}

	nerr := &NetworkError{URL: t.URL, Tries: t.NetworkTryCount, Status: status, Err: ferr}
	s.abandoned.Add(1)
	s.log.Info("task abandoned", logx.String("url", t.URL), logx.Int("tries", t.NetworkTryCount), logx.Err(ferr))
	s.record(t, start, storage.OutcomeAbandoned, status, false, nerr)
	eventbus.Emit(s.bus, eventbus.TaskAbandoned, taskInfo(t, status, nerr.Error()))
	s.giveUp(t, nerr)
}

// giveUp calls the task's error callback or, without one, its fallback
// handler. A waiting inline chain is discarded.
func (s *Spider) giveUp(t *task.Task, err error) {
	if t.Origin != nil && s.chains.Discard(t.Origin) {
		s.log.Debug("inline chain discarded", logx.String("origin", t.Origin.URL), logx.String("url", t.URL))
		eventbus.Emit(s.bus, eventbus.ChainFinished, eventbus.ChainInfo{OriginID: t.Origin.ID, Err: err.Error()})
	}
	switch {
	case t.ErrorCallback != nil:
		s.safeCall("error callback", t, func() { t.ErrorCallback(s, t, err) })
	default:
		if fb, ok := t.FallbackHandler(s.reg); ok {
			s.safeCall("fallback", t, func() { fb(s, t, err) })
		}
	}
}

func (s *Spider) safeCall(what string, t *task.Task, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error(what+" panicked", logx.String("url", t.URL), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
		}
	}()
	fn()
}

// dispatch hands resp to the consumer of t.
func (s *Spider) dispatch(t *task.Task, resp *fetch.Response) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
			s.log.Error("handler panicked", logx.String("task", t.Name), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
		}
	}()

	if t.Origin != nil {
		if !s.resumeChain(t, resp) {
			s.log.Debug("dropping result of discarded inline chain", logx.String("url", t.URL))
		}
		return nil
	}
	if t.Callback != nil {
		return t.Callback(s, resp, t)
	}
	h, ih := s.reg.lookup(t.Name)
	switch {
	case h != nil:
		return h(s, resp, t)
	case ih != nil:
		s.startChain(s.sup.Context(), ih, resp, t)
		return nil
	default:
		return &task.NoHandlerError{Name: t.Name}
	}
}

// handlerFailed logs a handler error. A missing handler is fatal to the run.
func (s *Spider) handlerFailed(t *task.Task, err error) {
	s.failed.Add(1)
	if errors.Is(err, task.ErrNoHandler) {
		s.fatal(err)
		s.log.Error("no handler for task", logx.String("task", t.Name), logx.String("url", t.URL))
	} else {
		s.log.Warn("handler failed", logx.String("task", t.Name), logx.String("url", t.URL), logx.Err(err))
	}
	eventbus.Emit(s.bus, eventbus.TaskFailed, taskInfo(t, 0, err.Error()))
}
