package fetch

import (
	"net/http"
	"strings"
	"time"
)

// Config is a fully materialized network request configuration.
//
// A task either carries a plain URL or one of these; when it carries a Config,
// the task URL is always read back from Config.URL.
type Config struct {
	URL       string
	Method    string
	Header    http.Header
	Body      []byte
	UserAgent string

	// Proxy overrides proxylist selection when set ("host:port" or a URL).
	Proxy     string
	ProxyType string

	Timeout time.Duration
}

// Copy returns a deep, independent clone of c.
func (c *Config) Copy() *Config {
	if c == nil {
		return nil
	}
	cp := *c
	if c.Header != nil {
		cp.Header = c.Header.Clone()
	}
	if c.Body != nil {
		cp.Body = append([]byte(nil), c.Body...)
	}
	return &cp
}

// EffectiveMethod is Method, or GET/POST inferred from the body.
func (c *Config) EffectiveMethod() string {
	m := strings.ToUpper(strings.TrimSpace(c.Method))
	if m == "" {
		if len(c.Body) > 0 {
			return http.MethodPost
		}
		return http.MethodGet
	}
	return m
}

// Builder is a mutable, higher-level request object. Handlers keep one around,
// point it at a new URL and hand it to a task; the task snapshots it through
// DumpConfig so later mutations of the builder do not leak into queued tasks.
type Builder struct {
	cfg Config
}

func NewBuilder() *Builder {
	return &Builder{cfg: Config{Header: http.Header{}}}
}

// BuilderFrom starts a builder from an existing configuration.
func BuilderFrom(c *Config) *Builder {
	b := NewBuilder()
	if c != nil {
		b.cfg = *c.Copy()
		if b.cfg.Header == nil {
			b.cfg.Header = http.Header{}
		}
	}
	return b
}

func (b *Builder) SetURL(u string) *Builder        { b.cfg.URL = u; return b }
func (b *Builder) SetMethod(m string) *Builder     { b.cfg.Method = m; return b }
func (b *Builder) SetUserAgent(ua string) *Builder { b.cfg.UserAgent = ua; return b }
func (b *Builder) SetBody(p []byte) *Builder       { b.cfg.Body = append([]byte(nil), p...); return b }
func (b *Builder) SetProxy(p, typ string) *Builder {
	b.cfg.Proxy, b.cfg.ProxyType = p, typ
	return b
}
func (b *Builder) SetTimeout(d time.Duration) *Builder { b.cfg.Timeout = d; return b }
func (b *Builder) SetHeader(k, v string) *Builder {
	b.cfg.Header.Set(k, v)
	return b
}

// URL returns the builder's current target.
func (b *Builder) URL() string { return b.cfg.URL }

// DumpConfig snapshots the builder.
func (b *Builder) DumpConfig() *Config { return b.cfg.Copy() }
