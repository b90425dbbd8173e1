package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"
)

// Durations holds every duration field of a Config, parsed.
type Durations struct {
	SeenTTL       time.Duration
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
	CircuitBase   time.Duration
	CircuitMax    time.Duration
	CircuitReset  time.Duration
	FetchTimeout  time.Duration
	BusyTimeout   time.Duration
	SeedSpread    time.Duration
	StatusRead    time.Duration
	StatusIdle    time.Duration
}

const (
	defaultStatusRead = 5 * time.Second
	defaultStatusIdle = 2 * time.Minute
)

// ParseDurations parses all duration strings, reporting every bad field.
// Status timeouts fall back to their defaults when unset.
func ParseDurations(cfg *Config) (Durations, error) {
	var (
		d    Durations
		errs []error
	)
	parse := func(dst *time.Duration, path, raw string) {
		v, err := ParseDurationField(path, raw)
		if err != nil {
			errs = append(errs, err)
			return
		}
		*dst = v
	}
	parseOr := func(dst *time.Duration, path, raw string, def time.Duration) {
		v, err := ParseDurationOrDefault(path, raw, def)
		if err != nil {
			errs = append(errs, err)
			return
		}
		*dst = v
	}
	if cfg == nil {
		return d, errors.New("config is nil")
	}
	parse(&d.SeenTTL, "spider.seen_ttl", cfg.Spider.SeenTTL)
	parse(&d.RetryBase, "spider.retry.base", cfg.Spider.Retry.Base)
	parse(&d.RetryMaxDelay, "spider.retry.max_delay", cfg.Spider.Retry.MaxDelay)
	parse(&d.CircuitBase, "spider.circuit.base_delay", cfg.Spider.Circuit.BaseDelay)
	parse(&d.CircuitMax, "spider.circuit.max_delay", cfg.Spider.Circuit.MaxDelay)
	parse(&d.CircuitReset, "spider.circuit.reset_after", cfg.Spider.Circuit.ResetAfter)
	parse(&d.FetchTimeout, "fetch.timeout", cfg.Fetch.Timeout)
	parse(&d.BusyTimeout, "storage.busy_timeout", cfg.Storage.BusyTimeout)
	parse(&d.SeedSpread, "seed.spread", cfg.Seed.Spread)
	parseOr(&d.StatusRead, "status.read_timeout", cfg.Status.ReadTimeout, defaultStatusRead)
	parseOr(&d.StatusIdle, "status.idle_timeout", cfg.Status.IdleTimeout, defaultStatusIdle)
	return d, errors.Join(errs...)
}

// Validate checks a parsed config before it is committed.
func Validate(cfg *Config) error {
	if _, err := ParseDurations(cfg); err != nil {
		return err
	}
	var errs []error
	sp := cfg.Spider
	if sp.Workers < 0 {
		errs = append(errs, errors.New("spider.workers must be >= 0"))
	}
	if sp.NetworkTryLimit < 0 || sp.TaskTryLimit < 0 {
		errs = append(errs, errors.New("spider try limits must be >= 0"))
	}
	if sp.HostConcurrency < 0 {
		errs = append(errs, errors.New("spider.host_concurrency must be >= 0"))
	}
	switch strings.ToLower(strings.TrimSpace(sp.Priority.Mode)) {
	case "", "random", "const":
	default:
		errs = append(errs, fmt.Errorf("spider.priority.mode: unknown mode %q", sp.Priority.Mode))
	}
	if p := sp.Priority; p.Min != nil && p.Max != nil && *p.Min > *p.Max {
		errs = append(errs, errors.New("spider.priority.min must be <= max"))
	}
	if j := sp.Retry.Jitter; j != nil && (*j < 0 || *j > 1) {
		errs = append(errs, errors.New("spider.retry.jitter must be within [0,1]"))
	}
	if s := strings.TrimSpace(sp.BaseURL); s != "" {
		if u, err := url.Parse(s); err != nil || !u.IsAbs() {
			errs = append(errs, fmt.Errorf("spider.base_url: %q is not an absolute URL", s))
		}
	}
	if cfg.Fetch.RatePerHost < 0 || cfg.Fetch.Burst < 0 {
		errs = append(errs, errors.New("fetch rate_per_host and burst must be >= 0"))
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)) {
	case "", "none":
	case "file", "sqlite", "sqlite3":
		if strings.TrimSpace(cfg.Storage.Path) == "" {
			errs = append(errs, errors.New("storage.path is required"))
		}
	default:
		errs = append(errs, fmt.Errorf("storage.driver: unknown driver %q", cfg.Storage.Driver))
	}
	if tz := strings.TrimSpace(cfg.Seed.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			errs = append(errs, fmt.Errorf("seed.timezone: %w", err))
		}
	}
	for i, raw := range cfg.Seed.URLs {
		if u, err := url.Parse(strings.TrimSpace(raw)); err != nil || u.Host == "" {
			errs = append(errs, fmt.Errorf("seed.urls[%d]: %q is not an absolute URL", i, raw))
		}
	}
	if st := cfg.Status; st.Enabled && strings.TrimSpace(st.Addr) != "" {
		addr := strings.TrimSpace(st.Addr)
		if _, _, err := net.SplitHostPort(addr); err != nil {
			errs = append(errs, fmt.Errorf("status.addr: invalid %q (expected host:port)", addr))
		} else if !st.AllowInsecure && strings.TrimSpace(st.Token) == "" && !isLoopback(addr) {
			errs = append(errs, errors.New("status: binding to non-loopback addr requires token or allow_insecure=true"))
		}
	}
	if cfg.Seed.MaxDepth < 0 {
		errs = append(errs, errors.New("seed.max_depth must be >= 0"))
	}
	return errors.Join(errs...)
}

func isLoopback(addr string) bool {
	h, _, err := net.SplitHostPort(addr)
	if err != nil || strings.TrimSpace(h) == "" {
		return false
	}
	if strings.EqualFold(h, "localhost") {
		return true
	}
	ip := net.ParseIP(h)
	return ip != nil && ip.IsLoopback()
}
