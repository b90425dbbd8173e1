package task

import (
	"time"

	"crawlsched/internal/fetch"
)

// Option configures a task at construction or overrides a field on Clone.
//
// Clone distinguishes "not given" from "given the zero value", so every
// option records that it was set.
type Option func(*settings)

type settings struct {
	name *string

	url    *string
	grab   RequestBuilder
	config *fetch.Config

	priority         *int
	priorityIsCustom *bool
	networkTryCount  *int
	taskTryCount     *int
	disableCache     *bool
	refreshCache     *bool
	cacheTimeout     *time.Duration
	validStatus      *[]int
	useProxylist     *bool
	delay            *time.Duration
	raw              *bool

	callback         Handler
	callbackSet      bool
	fallbackName     *string
	errorCallback    ErrorHandler
	errorCallbackSet bool

	origin    *Task
	originSet bool

	extra map[string]any
}

func collect(opts []Option) settings {
	var s settings
	for _, o := range opts {
		if o != nil {
			o(&s)
		}
	}
	return s
}

func (s *settings) targets() (url, grab, config bool) {
	return s.url != nil, s.grab != nil, s.config != nil
}

// checkTargets enforces the url/grab/config mutual exclusion.
func (s *settings) checkTargets() error {
	u, g, c := s.targets()
	switch {
	case u && g:
		return Misusef("options url and grab could not be used together")
	case u && c:
		return Misusef("options url and config could not be used together")
	case g && c:
		return Misusef("options grab and config could not be used together")
	}
	return nil
}

func ptr[T any](v T) *T { return &v }

// WithURL sets the task target to a plain URL.
func WithURL(u string) Option { return func(s *settings) { s.url = ptr(u) } }

// WithGrab sets the target from a request builder; the builder is snapshotted.
func WithGrab(b RequestBuilder) Option { return func(s *settings) { s.grab = b } }

// WithConfig sets the target from a request configuration; it is copied.
func WithConfig(c *fetch.Config) Option { return func(s *settings) { s.config = c } }

// WithName renames the task. Only meaningful for Clone.
func WithName(name string) Option { return func(s *settings) { s.name = ptr(name) } }

// WithPriority sets an explicit priority that the priority policy never overwrites.
func WithPriority(p int) Option {
	return func(s *settings) {
		s.priority = ptr(p)
		if s.priorityIsCustom == nil {
			s.priorityIsCustom = ptr(true)
		}
	}
}

// WithPriorityIsCustom marks whether the priority was chosen by the caller.
func WithPriorityIsCustom(v bool) Option { return func(s *settings) { s.priorityIsCustom = ptr(v) } }

func WithNetworkTryCount(n int) Option { return func(s *settings) { s.networkTryCount = ptr(n) } }
func WithTaskTryCount(n int) Option    { return func(s *settings) { s.taskTryCount = ptr(n) } }
func WithDisableCache(v bool) Option   { return func(s *settings) { s.disableCache = ptr(v) } }
func WithRefreshCache(v bool) Option   { return func(s *settings) { s.refreshCache = ptr(v) } }

// WithCacheTimeout bounds the age of a cached response that may be reused.
func WithCacheTimeout(d time.Duration) Option { return func(s *settings) { s.cacheTimeout = ptr(d) } }

// WithValidStatus lists extra HTTP status codes treated as success.
func WithValidStatus(codes ...int) Option {
	return func(s *settings) {
		cp := append([]int(nil), codes...)
		s.validStatus = &cp
	}
}

func WithUseProxylist(v bool) Option { return func(s *settings) { s.useProxylist = ptr(v) } }

// WithDelay postpones the task: it is not ready before now+d.
func WithDelay(d time.Duration) Option { return func(s *settings) { s.delay = ptr(d) } }

// WithRaw dispatches the task regardless of status or network error.
func WithRaw(v bool) Option { return func(s *settings) { s.raw = ptr(v) } }

// WithCallback routes the result to h instead of the named handler.
func WithCallback(h Handler) Option {
	return func(s *settings) { s.callback, s.callbackSet = h, true }
}

func WithFallbackName(name string) Option { return func(s *settings) { s.fallbackName = ptr(name) } }

func WithErrorCallback(h ErrorHandler) Option {
	return func(s *settings) { s.errorCallback, s.errorCallbackSet = h, true }
}

// WithOrigin ties a dependent task to the top-level task of an inline chain.
func WithOrigin(origin *Task) Option {
	return func(s *settings) { s.origin, s.originSet = origin, true }
}

// WithExtra attaches a caller-defined attribute.
func WithExtra(key string, v any) Option {
	return func(s *settings) {
		if s.extra == nil {
			s.extra = map[string]any{}
		}
		s.extra[key] = v
	}
}
