package spider

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"crawlsched/internal/eventbus"
	"crawlsched/internal/fetch"
	"crawlsched/internal/inline"
	"crawlsched/internal/queue"
	rtsup "crawlsched/internal/runtime/supervisor"
	"crawlsched/internal/seed"
	"crawlsched/internal/storage"
	"crawlsched/internal/task"
	"crawlsched/internal/task/priority"
	logx "crawlsched/pkg/logx"
)

// Fetcher performs one network try. *fetch.Client implements it.
type Fetcher interface {
	Fetch(ctx context.Context, cfg *fetch.Config, useProxylist bool) (*fetch.Response, error)
}

// Deps are the collaborators of a Spider. Queue defaults to an in-memory
// queue; Store, Bus and Generator are optional.
type Deps struct {
	Queue     queue.Queue
	Fetcher   Fetcher
	Store     storage.Store
	Log       logx.Logger
	Bus       eventbus.Bus
	Generator seed.Generator
}

// Spider schedules and executes tasks. A Spider runs once.
type Spider struct {
	mu   sync.Mutex
	cfg  Config
	prio *priority.Policy
	base *url.URL
	sup  *rtsup.Supervisor
	ran  bool

	reg     *Registry
	q       queue.Queue
	fetcher Fetcher
	store   storage.Store
	log     logx.Logger
	bus     eventbus.Bus
	gen     seed.Generator

	chains   *inline.Registry
	circuits circuitStore
	hosts    hostLimiter

	// pending counts tasks queued or executing plus open run guards; the
	// crawl is drained when it drops to zero.
	pending  atomic.Int64
	inFlight atomic.Int32
	closed   atomic.Bool

	added, rejected, duplicates    atomic.Uint64
	dispatched, retried, abandoned atomic.Uint64
	failed, cacheHits, deferred    atomic.Uint64

	fatalOnce sync.Once
	fatalErr  error

	hmu     sync.Mutex
	history []HistoryItem
}

// New validates cfg and wires deps. An unknown priority mode or a relative
// base URL is a misuse error.
func New(cfg Config, reg *Registry, deps Deps) (*Spider, error) {
	if reg == nil {
		return nil, task.Misusef("spider: registry is nil")
	}
	if deps.Fetcher == nil {
		return nil, task.Misusef("spider: fetcher is nil")
	}
	cfg = cfg.withDefaults()
	prio, err := priority.New(cfg.Priority)
	if err != nil {
		return nil, err
	}
	base, err := parseBase(cfg.BaseURL)
	if err != nil {
		return nil, err
	}
	if deps.Queue == nil {
		deps.Queue = queue.NewMemory()
	}
	log := deps.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Spider{
		cfg:     cfg,
		prio:    prio,
		base:    base,
		reg:     reg,
		q:       deps.Queue,
		fetcher: deps.Fetcher,
		store:   deps.Store,
		log:     log.With(logx.String("comp", "spider")),
		bus:     deps.Bus,
		gen:     deps.Generator,
		chains:  inline.NewRegistry(),
	}, nil
}

func parseBase(raw string) (*url.URL, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	u, err := url.Parse(raw)
	if err != nil || !u.IsAbs() {
		return nil, task.Misusef("spider: base url %q is not absolute", raw)
	}
	return u, nil
}

func (s *Spider) config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// Apply swaps tunables at runtime. Worker count and KeepAlive only take
// effect on the next Run.
func (s *Spider) Apply(cfg Config) error {
	cfg = cfg.withDefaults()
	prio, err := priority.New(cfg.Priority)
	if err != nil {
		return err
	}
	base, err := parseBase(cfg.BaseURL)
	if err != nil {
		return err
	}
	s.mu.Lock()
	prev := s.cfg
	cfg.KeepAlive = prev.KeepAlive
	s.cfg, s.prio, s.base = cfg, prio, base
	running := s.ran
	s.mu.Unlock()
	if running && prev.Workers != cfg.Workers {
		s.log.Info("worker count change applies on next run",
			logx.Int("current", prev.Workers), logx.Int("next", cfg.Workers))
	}
	return nil
}

// Logger implements task.Scope.
func (s *Spider) Logger() logx.Logger { return s.log }

// Registry returns the handler registry.
func (s *Spider) Registry() *Registry { return s.reg }

// AddTask validates t and queues it.
//
// Rejections: a task past the task try limit (ErrTaskTryLimit), an
// unparseable URL (ErrInvalidURL) and, with dedup enabled, a request seen
// within the dedup window (queue.ErrDuplicate). The first two also invoke the
// task's error callback or fallback. A relative URL without a base URL is a
// misuse error.
func (s *Spider) AddTask(t *task.Task) error {
	return s.add(t, true)
}

func (s *Spider) add(t *task.Task, dedup bool) error {
	if t == nil {
		return task.Misusef("spider: nil task")
	}
	if s.closed.Load() {
		return ErrStopped
	}
	s.mu.Lock()
	cfg, prio, base := s.cfg, s.prio, s.base
	s.mu.Unlock()

	if t.TaskTryCount > cfg.TaskTryLimit {
		err := fmt.Errorf("%w: %d > %d", ErrTaskTryLimit, t.TaskTryCount, cfg.TaskTryLimit)
		s.reject(t, "task-try-count", err)
		return err
	}
	if err := s.resolveURL(t, base); err != nil {
		if errors.Is(err, task.ErrMisuse) {
			return err
		}
		s.reject(t, "invalid-url", err)
		return err
	}
	if dedup && t.Origin == nil {
		dup, err := s.markSeen(t, cfg.SeenTTL)
		if err != nil {
			s.log.Warn("dedup lookup failed", logx.String("url", t.URL), logx.Err(err))
		}
		if dup {
			s.duplicates.Add(1)
			s.log.Trace("task skipped (seen)", logx.String("url", t.URL))
			return queue.ErrDuplicate
		}
	}
	prio.Assign(t)
	return s.enqueue(t)
}

// enqueue hands t to the queue. A worker may own t as soon as Push returns,
// so t must not be read afterwards.
func (s *Spider) enqueue(t *task.Task) error {
	info := taskInfo(t, 0, "")
	s.pending.Add(1)
	if err := s.q.Push(t); err != nil {
		s.done()
		if errors.Is(err, queue.ErrClosed) {
			return ErrStopped
		}
		return err
	}
	s.added.Add(1)
	eventbus.Emit(s.bus, eventbus.TaskAdded, info)
	return nil
}

// resolveURL makes the task URL absolute against base.
func (s *Spider) resolveURL(t *task.Task, base *url.URL) error {
	raw := strings.TrimSpace(t.URL)
	u, err := url.Parse(raw)
	if err != nil || raw == "" {
		return fmt.Errorf("%w: %q", ErrInvalidURL, t.URL)
	}
	if !u.IsAbs() {
		if base == nil {
			return task.Misusef("could not resolve relative url %q: base url is not set", t.URL)
		}
		u = base.ResolveReference(u)
	}
	if u.Host == "" {
		return fmt.Errorf("%w: %q has no host", ErrInvalidURL, t.URL)
	}
	if abs := u.String(); abs != t.URL {
		t.SetURL(abs)
	}
	return nil
}

// markSeen reports whether t's request was seen within ttl and records it.
func (s *Spider) markSeen(t *task.Task, ttl time.Duration) (bool, error) {
	if s.store == nil || ttl <= 0 {
		return false, nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	key := queue.DedupKey(t)
	if _, ok, err := s.store.GetSeen(ctx, key); err != nil || ok {
		return ok, err
	}
	return false, s.store.PutSeen(ctx, key, time.Now().Add(ttl))
}

// reject gives up on a task before it is queued.
func (s *Spider) reject(t *task.Task, reason string, err error) {
	s.rejected.Add(1)
	s.log.Debug("task rejected", logx.String("url", t.URL), logx.String("reason", reason), logx.Err(err))
	s.record(t, time.Now(), storage.OutcomeRejected, 0, false, err)
	eventbus.Emit(s.bus, eventbus.TaskRejected, taskInfo(t, 0, reason))
	s.giveUp(t, err)
}

// done releases one pending unit and closes the queue once the crawl drained.
func (s *Spider) done() {
	if s.pending.Add(-1) > 0 {
		return
	}
	s.mu.Lock()
	keep, ran := s.cfg.KeepAlive, s.ran
	s.mu.Unlock()
	if ran && !keep {
		s.stop()
	}
}

func (s *Spider) stop() {
	if s.closed.CompareAndSwap(false, true) {
		s.q.Close()
	}
}

func (s *Spider) fatal(err error) {
	s.fatalOnce.Do(func() { s.fatalErr = err })
}

// Run executes tasks until the crawl drains or ctx ends. The task generator,
// if any, runs concurrently with the workers. Run returns the first fatal
// error, such as a task without a handler.
func (s *Spider) Run(ctx context.Context) error {
	s.mu.Lock()
	if s.ran {
		s.mu.Unlock()
		return ErrRunning
	}
	s.ran = true
	cfg := s.cfg
	sup := rtsup.New(ctx, rtsup.WithLogger(s.log))
	s.sup = sup
	s.mu.Unlock()

	runCtx := sup.Context()
	start := time.Now()
	s.log.Info("spider started", logx.Int("workers", cfg.Workers), logx.Int64("queued", s.pending.Load()))

	// Guard so an empty queue does not stop the run before the generator
	// has had a chance to add tasks.
	s.pending.Add(1)

	for i := 0; i < cfg.Workers; i++ {
		sup.GoRestart(fmt.Sprintf("worker-%d", i), func(ctx context.Context) error {
			return s.worker(ctx, i)
		})
	}
	if s.gen != nil {
		s.pending.Add(1)
		sup.Go(task.ReservedName, func(ctx context.Context) error {
			defer s.done()
			if err := seed.RunGenerator(ctx, s.gen, s); err != nil && ctx.Err() == nil {
				s.log.Warn("task generator failed", logx.Err(err))
			}
			return nil
		})
	}
	s.done()

	go func() {
		<-runCtx.Done()
		s.stop()
	}()

	_ = sup.Wait(context.Background())
	sup.Cancel()
	discarded := s.chains.DiscardAll()

	snap := s.Snapshot()
	s.log.Info("spider stopped",
		logx.Duration("took", time.Since(start)),
		logx.Uint64("dispatched", snap.Counters.Dispatched),
		logx.Uint64("retried", snap.Counters.Retried),
		logx.Uint64("abandoned", snap.Counters.Abandoned),
		logx.Uint64("failed", snap.Counters.Failed),
		logx.Int("chains_discarded", discarded))

	if s.fatalErr != nil {
		return s.fatalErr
	}
	if err := ctx.Err(); err != nil && !cfg.KeepAlive && s.pending.Load() > 0 {
		return err
	}
	return nil
}

func (s *Spider) journal(e storage.JournalEntry) {
	if s.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.store.AppendJournal(ctx, e); err != nil {
		s.log.Debug("journal append failed", logx.Err(err))
	}
}

func taskInfo(t *task.Task, status int, reason string) eventbus.TaskInfo {
	p, _ := t.Priority()
	info := eventbus.TaskInfo{
		ID:              t.ID,
		Name:            t.Name,
		URL:             t.URL,
		Priority:        p,
		NetworkTryCount: t.NetworkTryCount,
		TaskTryCount:    t.TaskTryCount,
		Status:          status,
		Reason:          reason,
	}
	if !t.ScheduleTime.IsZero() {
		info.Delay = max(time.Until(t.ScheduleTime), 0)
	}
	return info
}
