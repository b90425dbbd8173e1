package config

// Config is the crawler configuration file.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
type Config struct {
	Logging LoggingConfig `json:"logging"`
	Spider  SpiderConfig  `json:"spider"`
	Fetch   FetchConfig   `json:"fetch"`
	Storage StorageConfig `json:"storage"`
	Seed    SeedConfig    `json:"seed"`
	Status  StatusConfig  `json:"status"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// SpiderConfig controls task execution.
//
// Defaults (when fields are omitted/zero):
//   - workers: 4
//   - network_try_limit: 10
//   - task_try_limit: 10
//   - history_size: 200
type SpiderConfig struct {
	Workers         int    `json:"workers,omitempty"`
	NetworkTryLimit int    `json:"network_try_limit,omitempty"`
	TaskTryLimit    int    `json:"task_try_limit,omitempty"`
	BaseURL         string `json:"base_url,omitempty"`
	HistorySize     int    `json:"history_size,omitempty"`
	// HostConcurrency caps in-flight fetches per host; 0 means unlimited.
	HostConcurrency int `json:"host_concurrency,omitempty"`
	// SeenTTL enables request dedup through storage for this long.
	SeenTTL string `json:"seen_ttl,omitempty"`

	Priority PriorityConfig `json:"priority"`
	Retry    RetryConfig    `json:"retry"`
	Circuit  CircuitConfig  `json:"circuit"`
}

// PriorityConfig selects how tasks without an explicit priority get one.
// Mode is "random" (default) or "const".
type PriorityConfig struct {
	Mode    string `json:"mode,omitempty"`
	Min     *int   `json:"min,omitempty"`
	Max     *int   `json:"max,omitempty"`
	Default *int   `json:"default,omitempty"`
}

type RetryConfig struct {
	Base     string `json:"base,omitempty"`
	MaxDelay string `json:"max_delay,omitempty"`
	// Jitter is a fraction in [0,1] of the computed delay; unset means 0.2.
	Jitter *float64 `json:"jitter,omitempty"`
}

// CircuitConfig controls per-host circuit breaking. Zero TripFailures
// disables it.
type CircuitConfig struct {
	TripFailures int    `json:"trip_failures,omitempty"`
	BaseDelay    string `json:"base_delay,omitempty"`
	MaxDelay     string `json:"max_delay,omitempty"`
	ResetAfter   string `json:"reset_after,omitempty"`
}

type FetchConfig struct {
	Timeout      string   `json:"timeout,omitempty"`
	UserAgent    string   `json:"user_agent,omitempty"`
	RatePerHost  float64  `json:"rate_per_host,omitempty"`
	Burst        int      `json:"burst,omitempty"`
	MaxBodyBytes int64    `json:"max_body_bytes,omitempty"`
	ProxyFile    string   `json:"proxy_file,omitempty"`
	Proxies      []string `json:"proxies,omitempty"`
	ProxyType    string   `json:"proxy_type,omitempty"`
}

// StorageConfig controls the optional persistence layer.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/crawl.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite only
}

// SeedConfig lists start URLs and how often to re-seed them.
// An empty Schedule seeds once and the crawl ends when the queue drains.
type SeedConfig struct {
	URLs     []string `json:"urls"`
	Task     string   `json:"task,omitempty"`
	Schedule string   `json:"schedule,omitempty"`
	Timezone string   `json:"timezone,omitempty"`
	// Spread staggers the first scheduled run by a random offset up to this long.
	Spread string `json:"spread,omitempty"`
	// FollowLinks makes the built-in page handler queue same-host links.
	FollowLinks bool `json:"follow_links,omitempty"`
	MaxDepth    int  `json:"max_depth,omitempty"`
}

// StatusConfig controls the status HTTP server (/healthz, /status and
// optional pprof). It binds to 127.0.0.1:6060 unless Addr says otherwise;
// a non-loopback Addr needs Token or AllowInsecure.
type StatusConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`
	Token         string `json:"token,omitempty"`
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	Pprof         bool   `json:"pprof,omitempty"`
	ReadTimeout   string `json:"read_timeout,omitempty"`
	IdleTimeout   string `json:"idle_timeout,omitempty"`
}
