package fetch

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	logx "crawlsched/pkg/logx"
)

const defaultMaxBody = 16 << 20

// Options configures the HTTP client.
type Options struct {
	Timeout   time.Duration
	UserAgent string

	// RatePerHost limits requests per second to a single host. 0 disables.
	RatePerHost float64
	Burst       int

	Proxies   []string
	ProxyType string

	MaxBodyBytes int64
}

// Client is the default network collaborator: net/http with per-host rate
// limiting and proxylist rotation.
type Client struct {
	mu   sync.Mutex
	opt  Options
	log  logx.Logger
	base *http.Transport
	rng  *rand.Rand

	limiters   map[string]*rate.Limiter
	transports map[string]*http.Transport
}

func New(opt Options, log logx.Logger) *Client {
	if log.IsZero() {
		log = logx.Nop()
	}
	base, _ := http.DefaultTransport.(*http.Transport)
	if base != nil {
		base = base.Clone()
	} else {
		base = &http.Transport{}
	}
	return &Client{
		opt:        withDefaults(opt),
		log:        log,
		base:       base,
		rng:        rand.New(rand.NewSource(time.Now().UnixNano())),
		limiters:   map[string]*rate.Limiter{},
		transports: map[string]*http.Transport{},
	}
}

func withDefaults(o Options) Options {
	if o.Timeout <= 0 {
		o.Timeout = 15 * time.Second
	}
	if strings.TrimSpace(o.UserAgent) == "" {
		o.UserAgent = "crawlsched/1.0"
	}
	if o.Burst <= 0 {
		o.Burst = 1
	}
	if o.MaxBodyBytes <= 0 {
		o.MaxBodyBytes = defaultMaxBody
	}
	return o
}

// Apply swaps options at runtime. Existing per-host limiters are retuned in place.
func (c *Client) Apply(opt Options) {
	opt = withDefaults(opt)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.opt = opt
	for _, l := range c.limiters {
		l.SetLimit(rate.Limit(opt.RatePerHost))
		l.SetBurst(opt.Burst)
	}
}

// Fetch performs one network try for cfg.
func (c *Client) Fetch(ctx context.Context, cfg *Config, useProxylist bool) (*Response, error) {
	if cfg == nil || strings.TrimSpace(cfg.URL) == "" {
		return nil, fmt.Errorf("fetch: empty url")
	}
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("fetch: parse url %q: %w", cfg.URL, err)
	}

	c.mu.Lock()
	opt := c.opt
	c.mu.Unlock()

	if lim := c.limiterFor(u.Host, opt); lim != nil {
		if err := lim.Wait(ctx); err != nil {
			return nil, fmt.Errorf("%w: rate wait: %v", ErrTransport, err)
		}
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = opt.Timeout
	}
	rctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var body io.Reader
	if len(cfg.Body) > 0 {
		body = bytes.NewReader(cfg.Body)
	}
	req, err := http.NewRequestWithContext(rctx, cfg.EffectiveMethod(), u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("fetch: build request: %w", err)
	}
	for k, vs := range cfg.Header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	ua := cfg.UserAgent
	if ua == "" {
		ua = opt.UserAgent
	}
	req.Header.Set("User-Agent", ua)

	hc := &http.Client{Transport: c.transportFor(cfg, useProxylist, opt)}
	resp, err := hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransport, err)
	}
	defer resp.Body.Close()

	b, err := io.ReadAll(io.LimitReader(resp.Body, opt.MaxBodyBytes+1))
	if err != nil {
		return nil, fmt.Errorf("%w: read body: %v", ErrTransport, err)
	}
	truncated := int64(len(b)) > opt.MaxBodyBytes
	if truncated {
		b = b[:opt.MaxBodyBytes]
		c.log.Debug("response body truncated", logx.String("url", u.String()), logx.Int64("limit", opt.MaxBodyBytes))
	}

	used := cfg.Copy()
	used.URL = u.String()
	return &Response{
		URL:       resp.Request.URL.String(),
		Status:    resp.StatusCode,
		Header:    resp.Header,
		Body:      b,
		Truncated: truncated,
		Config:    used,
		FetchedAt: time.Now(),
	}, nil
}

func (c *Client) limiterFor(host string, opt Options) *rate.Limiter {
	if opt.RatePerHost <= 0 || host == "" {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	l := c.limiters[host]
	if l == nil {
		l = rate.NewLimiter(rate.Limit(opt.RatePerHost), opt.Burst)
		c.limiters[host] = l
	}
	return l
}

func (c *Client) transportFor(cfg *Config, useProxylist bool, opt Options) http.RoundTripper {
	proxy := strings.TrimSpace(cfg.Proxy)
	typ := cfg.ProxyType
	if proxy == "" && useProxylist && len(opt.Proxies) > 0 {
		c.mu.Lock()
		proxy = opt.Proxies[c.rng.Intn(len(opt.Proxies))]
		c.mu.Unlock()
		typ = opt.ProxyType
	}
	if proxy == "" {
		return c.base
	}

	raw := proxyURL(proxy, typ)
	c.mu.Lock()
	defer c.mu.Unlock()
	if tr := c.transports[raw]; tr != nil {
		return tr
	}
	pu, err := url.Parse(raw)
	if err != nil {
		c.log.Warn("invalid proxy; using direct connection", logx.String("proxy", raw), logx.Err(err))
		return c.base
	}
	tr := c.base.Clone()
	tr.Proxy = http.ProxyURL(pu)
	c.transports[raw] = tr
	return tr
}
