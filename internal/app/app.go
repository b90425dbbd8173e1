package app

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"crawlsched/internal/config"
	"crawlsched/internal/eventbus"
	"crawlsched/internal/fetch"
	"crawlsched/internal/observability/status"
	rtsup "crawlsched/internal/runtime/supervisor"
	"crawlsched/internal/seed"
	"crawlsched/internal/spider"
	"crawlsched/internal/storage"
	logx "crawlsched/pkg/logx"
	"crawlsched/plugins/page"
)

// App wires the crawler from a config file: logging, storage, the fetch
// client, the spider with the built-in page handler and the seed schedule.
type App struct {
	cfgm *config.Manager
	sup  *rtsup.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	client *fetch.Client
	pages  *page.Plugin
	spider *spider.Spider
	seeds  *seed.Service
	status *status.Service
}

func New(ctx context.Context, cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load(ctx)
	if err != nil {
		return nil, err
	}
	d, err := config.ParseDurations(cfg)
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLogging(cfg))
	cfgm.SetLogger(log.With(logx.String("comp", "config")))
	appLog := log.With(logx.String("comp", "app"))

	bus := eventbus.New()

	var store storage.Store
	if sc, enabled := mapStorageConfig(cfg, d); enabled {
		store, err = storage.Open(sc, log.With(logx.String("comp", "storage")))
		if err != nil {
			_ = logSvc.Close()
			return nil, err
		}
		appLog.Info("storage enabled", logx.String("driver", sc.Driver))
	}

	a := &App{cfgm: cfgm, log: appLog, logs: logSvc, bus: bus, store: store}
	if err := a.build(cfg, d, log); err != nil {
		a.closeResources()
		return nil, err
	}
	return a, nil
}

func (a *App) build(cfg *config.Config, d config.Durations, log logx.Logger) error {
	fopts, err := mapFetchOptions(cfg, d)
	if err != nil {
		return err
	}
	a.client = fetch.New(fopts, log.With(logx.String("comp", "fetch")))

	a.pages = page.New(mapPageConfig(cfg))
	reg := spider.NewRegistry()
	a.pages.Register(reg)

	var gen seed.Generator
	if len(cfg.Seed.URLs) > 0 {
		gen = seed.URLs(a.pages.Name(), cfg.Seed.URLs)
	}
	a.spider, err = spider.New(mapSpiderConfig(cfg, d), reg, spider.Deps{
		Fetcher:   a.client,
		Store:     a.store,
		Log:       log,
		Bus:       a.bus,
		Generator: gen,
	})
	if err != nil {
		return err
	}

	a.status = status.New(mapStatusConfig(cfg, d), func() any { return a.spider.Snapshot() }, log)

	if strings.TrimSpace(cfg.Seed.Schedule) != "" {
		if gen == nil {
			return errors.New("seed.schedule requires seed.urls")
		}
		a.seeds, err = seed.New(mapSeedConfig(cfg, d), gen, a.spider, log, a.bus)
		if err != nil {
			return err
		}
	}
	return nil
}

// Spider exposes the scheduler so callers can register more handlers or
// add tasks before Run.
func (a *App) Spider() *spider.Spider { return a.spider }

func (a *App) Logger() logx.Logger { return a.log }

// Run crawls until the queue drains or, with a seed schedule, until ctx
// ends. Config changes are applied while it runs.
func (a *App) Run(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log))
	c := a.sup.Context()

	a.sup.Go("config.watch", a.cfgm.Watch)
	a.sup.Go("config.reload", a.reloadLoop)
	a.sup.Go("eventbus.log", a.logEvents)
	a.sup.Go("systemd.notify", a.notifyLoop)
	if a.status.Enabled() {
		a.status.Start(c)
	}

	if a.seeds != nil {
		if err := a.seeds.Start(c); err != nil {
			a.sup.Cancel()
			return err
		}
	}

	a.log.Info("crawler started", logx.String("config", a.cfgm.Path()), logx.Bool("scheduled", a.seeds != nil))
	err := a.spider.Run(c)
	a.sup.Cancel()

	pages, links, failed := a.pages.Stats()
	a.log.Info("crawler finished",
		logx.Uint64("pages", pages), logx.Uint64("links", links), logx.Uint64("abandoned", failed), logx.Err(err))
	return err
}

// Close stops background services and releases storage and log sinks.
// Each step is bounded so one component cannot stall shutdown.
func (a *App) Close(ctx context.Context) error {
	if a.sup != nil {
		a.sup.Cancel()
	}
	var errs []error
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx, cancel := context.WithTimeout(ctx, max)
		defer cancel()

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
		}
	}

	step("seed", 2*time.Second, func(c context.Context) error {
		if a.seeds != nil {
			a.seeds.Stop(c)
		}
		return nil
	})
	step("status", time.Second, func(c context.Context) error {
		if a.status != nil {
			a.status.Stop(c)
		}
		return nil
	})
	step("supervisor", 2*time.Second, func(c context.Context) error {
		if a.sup == nil {
			return nil
		}
		return a.sup.Wait(c)
	})
	a.log.Info("stopped")
	a.closeResources()
	return errors.Join(errs...)
}

func (a *App) closeResources() {
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.Warn("storage close failed", logx.Err(err))
		}
	}
	if a.logs != nil {
		_ = a.logs.Close()
	}
}

func (a *App) logEvents(ctx context.Context) error {
	events, unsub := a.bus.Subscribe(256)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return nil
		case e, ok := <-events:
			if !ok {
				return nil
			}
			a.log.Trace("event", logx.String("type", e.Type), logx.Any("data", e.Data))
		}
	}
}

func (a *App) reloadLoop(ctx context.Context) error {
	sub := a.cfgm.Subscribe(8)
	defer a.cfgm.Unsubscribe(sub)
	last := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return nil
		case next, ok := <-sub:
			if !ok {
				return nil
			}
			// Keep only the latest config of a burst.
			for drained := false; !drained; {
				select {
				case newer := <-sub:
					if newer != nil {
						next = newer
					}
				default:
					drained = true
				}
			}
			a.apply(last, next)
			last = next
		}
	}
}

// apply pushes a committed config to the running components.
func (a *App) apply(prev, next *config.Config) {
	sections, attrs := config.SummarizeChange(prev, next)
	if len(sections) == 0 {
		a.log.Debug("config reload received, but no effective changes detected")
		return
	}
	d, err := config.ParseDurations(next)
	if err != nil {
		a.log.Warn("invalid config durations; keeping previous", logx.Err(err))
		return
	}

	a.logs.Apply(mapLogging(next))
	if fopts, err := mapFetchOptions(next, d); err != nil {
		a.log.Warn("invalid fetch config; keeping previous", logx.Err(err))
	} else {
		a.client.Apply(fopts)
	}
	if err := a.spider.Apply(mapSpiderConfig(next, d)); err != nil {
		a.log.Warn("invalid spider config; keeping previous", logx.Err(err))
	}
	a.pages.Apply(mapPageConfig(next))
	if a.sup != nil {
		a.status.Reconfigure(a.sup.Context(), mapStatusConfig(next, d))
	}

	if slices.Contains(sections, "storage") {
		a.log.Warn("storage config changed; restart required for changes to take effect")
	}
	if !slicesEqualTrim(prev.Seed.URLs, next.Seed.URLs) || prev.Seed.Schedule != next.Seed.Schedule ||
		prev.Seed.Timezone != next.Seed.Timezone || prev.Seed.Task != next.Seed.Task {
		a.log.Warn("seed urls or schedule changed; restart required for changes to take effect")
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config applied", fields...)
}

func slicesEqualTrim(a, b []string) bool {
	return slices.EqualFunc(a, b, func(x, y string) bool { return strings.TrimSpace(x) == strings.TrimSpace(y) })
}
