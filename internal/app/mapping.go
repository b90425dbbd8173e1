package app

import (
	"fmt"
	"strings"

	"crawlsched/internal/config"
	"crawlsched/internal/fetch"
	"crawlsched/internal/observability/status"
	"crawlsched/internal/seed"
	"crawlsched/internal/spider"
	"crawlsched/internal/storage"
	"crawlsched/internal/task/priority"
	logx "crawlsched/pkg/logx"
	"crawlsched/plugins/page"
)

func mapLogging(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapSpiderConfig(cfg *config.Config, d config.Durations) spider.Config {
	sp := cfg.Spider
	return spider.Config{
		Workers:         sp.Workers,
		NetworkTryLimit: sp.NetworkTryLimit,
		TaskTryLimit:    sp.TaskTryLimit,
		BaseURL:         sp.BaseURL,
		HistorySize:     sp.HistorySize,
		HostConcurrency: sp.HostConcurrency,
		SeenTTL:         d.SeenTTL,
		KeepAlive:       strings.TrimSpace(cfg.Seed.Schedule) != "",
		Priority: priority.Config{
			Mode:    sp.Priority.Mode,
			Min:     sp.Priority.Min,
			Max:     sp.Priority.Max,
			Default: sp.Priority.Default,
		},
		Retry: spider.RetryPolicy{
			Base:     d.RetryBase,
			MaxDelay: d.RetryMaxDelay,
			Jitter:   sp.Retry.Jitter,
		},
		Circuit: spider.CircuitPolicy{
			TripFailures: sp.Circuit.TripFailures,
			BaseDelay:    d.CircuitBase,
			MaxDelay:     d.CircuitMax,
			ResetAfter:   d.CircuitReset,
		},
	}
}

// mapFetchOptions merges inline proxies with the proxy file, if any.
func mapFetchOptions(cfg *config.Config, d config.Durations) (fetch.Options, error) {
	fc := cfg.Fetch
	proxies := append([]string(nil), fc.Proxies...)
	if path := strings.TrimSpace(fc.ProxyFile); path != "" {
		list, err := fetch.LoadProxyList(path)
		if err != nil {
			return fetch.Options{}, fmt.Errorf("fetch.proxy_file: %w", err)
		}
		proxies = append(proxies, list...)
	}
	return fetch.Options{
		Timeout:      d.FetchTimeout,
		UserAgent:    fc.UserAgent,
		RatePerHost:  fc.RatePerHost,
		Burst:        fc.Burst,
		Proxies:      proxies,
		ProxyType:    fc.ProxyType,
		MaxBodyBytes: fc.MaxBodyBytes,
	}, nil
}

func mapStorageConfig(cfg *config.Config, d config.Durations) (storage.Config, bool) {
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	if driver == "" || driver == "none" {
		return storage.Config{}, false
	}
	return storage.Config{Driver: driver, Path: strings.TrimSpace(sc.Path), BusyTimeout: d.BusyTimeout}, true
}

func mapPageConfig(cfg *config.Config) page.Config {
	return page.Config{
		Task:        cfg.Seed.Task,
		FollowLinks: cfg.Seed.FollowLinks,
		MaxDepth:    cfg.Seed.MaxDepth,
	}
}

func mapSeedConfig(cfg *config.Config, d config.Durations) seed.Config {
	return seed.Config{
		Schedule: cfg.Seed.Schedule,
		Timezone: cfg.Seed.Timezone,
		Spread:   d.SeedSpread,
	}
}

func mapStatusConfig(cfg *config.Config, d config.Durations) status.Config {
	st := cfg.Status
	return status.Config{
		Enabled:       st.Enabled,
		Addr:          strings.TrimSpace(st.Addr),
		Token:         strings.TrimSpace(st.Token),
		AllowInsecure: st.AllowInsecure,
		Pprof:         st.Pprof,
		ReadTimeout:   d.StatusRead,
		IdleTimeout:   d.StatusIdle,
	}
}
