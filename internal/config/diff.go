package config

import (
	"reflect"
	"strings"

	logx "crawlsched/pkg/logx"
)

// SummarizeChange lists the sections that differ between two configs and
// fields safe to log about the new values. Proxy addresses are never logged.
func SummarizeChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	var (
		changed []string
		attrs   []logx.Field
	)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}
	if !reflect.DeepEqual(oldCfg.Spider, newCfg.Spider) {
		changed = append(changed, "spider")
		attrs = append(attrs,
			logx.Int("spider.workers", newCfg.Spider.Workers),
			logx.Int("spider.network_try_limit", newCfg.Spider.NetworkTryLimit),
			logx.Int("spider.task_try_limit", newCfg.Spider.TaskTryLimit),
			logx.Int("spider.circuit.trip_failures", newCfg.Spider.Circuit.TripFailures),
		)
	}
	if !reflect.DeepEqual(oldCfg.Fetch, newCfg.Fetch) {
		changed = append(changed, "fetch")
		attrs = append(attrs,
			logx.String("fetch.timeout", strings.TrimSpace(newCfg.Fetch.Timeout)),
			logx.Any("fetch.rate_per_host", newCfg.Fetch.RatePerHost),
			logx.Int("fetch.burst", newCfg.Fetch.Burst),
			logx.Int("fetch.proxies", len(newCfg.Fetch.Proxies)),
			logx.Bool("fetch.proxy_file_set", strings.TrimSpace(newCfg.Fetch.ProxyFile) != ""),
		)
	}
	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		changed = append(changed, "storage")
		attrs = append(attrs, logx.String("storage.driver", newCfg.Storage.Driver))
	}
	if !reflect.DeepEqual(oldCfg.Seed, newCfg.Seed) {
		changed = append(changed, "seed")
		attrs = append(attrs,
			logx.Int("seed.urls", len(newCfg.Seed.URLs)),
			logx.String("seed.schedule", newCfg.Seed.Schedule),
		)
	}
	if !reflect.DeepEqual(oldCfg.Status, newCfg.Status) {
		changed = append(changed, "status")
		attrs = append(attrs,
			logx.Bool("status.enabled", newCfg.Status.Enabled),
			logx.String("status.addr", newCfg.Status.Addr),
			logx.Bool("status.pprof", newCfg.Status.Pprof),
			logx.Bool("status.token_set", strings.TrimSpace(newCfg.Status.Token) != ""),
		)
	}
	return changed, attrs
}
