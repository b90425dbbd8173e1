package seed

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"crawlsched/internal/eventbus"
	"crawlsched/internal/queue"
	"crawlsched/internal/task"
	logx "crawlsched/pkg/logx"
)

// Generator emits tasks through sc. It runs once when the crawl starts and
// again on every scheduled activation.
type Generator func(ctx context.Context, sc task.Scope) error

// URLs returns a generator that adds one task named name per URL.
func URLs(name string, urls []string, opts ...task.Option) Generator {
	return func(ctx context.Context, sc task.Scope) error {
		var errs []error
		for _, u := range urls {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			u = strings.TrimSpace(u)
			if u == "" {
				continue
			}
			t, err := task.New(name, append([]task.Option{task.WithURL(u)}, opts...)...)
			if err != nil {
				return err
			}
			if err := sc.AddTask(t); err != nil && !errors.Is(err, queue.ErrDuplicate) {
				errs = append(errs, fmt.Errorf("%s: %w", u, err))
			}
		}
		return errors.Join(errs...)
	}
}

type Config struct {
	Schedule string
	Timezone string
	// Spread caps the random delay of the first interval run.
	Spread time.Duration
}

// Service re-runs a Generator on a schedule.
type Service struct {
	cfg   Config
	sched Schedule
	gen   Generator
	scope task.Scope
	log   logx.Logger
	bus   eventbus.Bus

	parser cron.Parser
	rng    *rand.Rand

	mu      sync.Mutex
	c       *cron.Cron
	entry   cron.EntryID
	running atomic.Bool
	runs    atomic.Uint64
	fails   atomic.Uint64
}

// New validates cfg.Schedule. scope receives the generated tasks.
func New(cfg Config, gen Generator, scope task.Scope, log logx.Logger, bus eventbus.Bus) (*Service, error) {
	if gen == nil {
		return nil, errors.New("seed: generator is nil")
	}
	if scope == nil {
		return nil, errors.New("seed: scope is nil")
	}
	sched, err := ParseSchedule(cfg.Schedule)
	if err != nil {
		return nil, err
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		cfg:    cfg,
		sched:  sched,
		gen:    gen,
		scope:  scope,
		log:    log.With(logx.String("comp", "seed")),
		bus:    bus,
		parser: cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	if sched.Kind == KindCron {
		if _, err := s.parser.Parse(sched.Cron); err != nil {
			return nil, fmt.Errorf("seed schedule %q: %w", sched.Cron, err)
		}
	}
	return s, nil
}

// RunOnce runs the generator now. Overlapping runs are skipped.
func (s *Service) RunOnce(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		s.log.Debug("seed run skipped; previous run still active")
		return nil
	}
	defer s.running.Store(false)

	start := time.Now()
	err := RunGenerator(ctx, s.gen, s.scope)
	n := s.runs.Add(1)
	if err != nil {
		s.fails.Add(1)
		s.log.Warn("seed run failed", logx.Uint64("run", n), logx.Err(err))
	} else {
		s.log.Info("seed run finished", logx.Uint64("run", n), logx.Duration("took", time.Since(start)))
	}
	eventbus.Emit(s.bus, eventbus.SeedRun, map[string]any{"run": n, "ok": err == nil})
	return err
}

// RunGenerator calls gen, converting a panic into an error.
func RunGenerator(ctx context.Context, gen Generator, sc task.Scope) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task generator panicked: %v", r)
		}
	}()
	return gen(ctx, sc)
}

func (s *Service) location() *time.Location {
	if tz := strings.TrimSpace(s.cfg.Timezone); tz != "" {
		if loc, err := time.LoadLocation(tz); err == nil {
			return loc
		}
		s.log.Warn("invalid seed timezone; using local", logx.String("tz", tz))
	}
	return time.Local
}

// Start registers the schedule. Runs stop when ctx ends or Stop is called.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return nil
	}
	loc := s.location()
	c := cron.New(cron.WithParser(s.parser), cron.WithLocation(loc), cron.WithLogger(cronLogger{s.log}))

	var (
		sch    cron.Schedule
		jitter time.Duration
		err    error
	)
	switch s.sched.Kind {
	case KindInterval:
		sch, jitter = intervalWithSpread(s.sched.Every, s.cfg.Spread, time.Now().In(loc), s.rng)
	default:
		sch, err = s.parser.Parse(s.sched.Cron)
		if err != nil {
			return err
		}
	}
	s.entry = c.Schedule(sch, cron.FuncJob(func() {
		if ctx.Err() != nil {
			return
		}
		_ = s.RunOnce(ctx)
	}))
	c.Start()
	s.c = c

	s.log.Info("seed schedule started",
		logx.String("schedule", strings.TrimSpace(s.cfg.Schedule)),
		logx.String("tz", loc.String()),
		logx.Duration("first_jitter", jitter))
	go func() {
		<-ctx.Done()
		s.Stop(context.Background())
	}()
	return nil
}

// Next is the next scheduled activation, or zero when not started.
func (s *Service) Next() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c == nil {
		return time.Time{}
	}
	return s.c.Entry(s.entry).Next
}

// Runs counts finished generator runs and failures.
func (s *Service) Runs() (runs, fails uint64) { return s.runs.Load(), s.fails.Load() }

// Stop unregisters the schedule and waits for a running job, bounded by ctx.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.c
	s.c = nil
	s.mu.Unlock()
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
}

// cronLogger routes robfig/cron logs into logx.
type cronLogger struct{ log logx.Logger }

func (l cronLogger) Info(msg string, kv ...any) {
	l.log.Trace("cron: "+msg, kvFields(kv)...)
}

func (l cronLogger) Error(err error, msg string, kv ...any) {
	l.log.Error("cron: "+msg, append(kvFields(kv), logx.Err(err))...)
}

func kvFields(kv []any) []logx.Field {
	out := make([]logx.Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		out = append(out, logx.Any(fmt.Sprint(kv[i]), kv[i+1]))
	}
	return out
}
