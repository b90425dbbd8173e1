package task

import (
	"time"

	"github.com/google/uuid"

	"crawlsched/internal/fetch"
)

// ReservedName cannot be used as a task name: it belongs to the spider's
// initial task generator.
const ReservedName = "generator"

// Now is the clock used for schedule times. Tests replace it.
var Now = func() time.Time { return time.Now().UTC() }

// Task is one crawl request plus its execution bookkeeping.
//
// Exactly one of URL or Request is the source of the target: when Request is
// set, URL mirrors Request.URL. Fields are mutated only by the worker that
// currently owns the task.
type Task struct {
	ID   string
	Name string

	URL     string
	Request *fetch.Config

	priority    int
	hasPriority bool
	// PriorityIsCustom distinguishes an explicit priority from one assigned
	// by the spider's priority policy.
	PriorityIsCustom bool

	NetworkTryCount int
	TaskTryCount    int

	DisableCache bool
	RefreshCache bool
	CacheTimeout time.Duration

	ValidStatus  []int
	UseProxylist bool
	Raw          bool

	// ScheduleTime is zero for tasks that may run immediately.
	ScheduleTime  time.Time
	OriginalDelay time.Duration

	Callback      Handler
	FallbackName  string
	ErrorCallback ErrorHandler

	// Origin is the top-level task of the inline chain waiting for this
	// task's result, or nil.
	Origin *Task

	extra map[string]any
}

// New builds a task. Exactly one of WithURL, WithGrab or WithConfig must be
// given.
func New(name string, opts ...Option) (*Task, error) {
	if name == ReservedName {
		return nil, Misusef("task name could not be %q", ReservedName)
	}
	s := collect(opts)

	u, g, c := s.targets()
	if !u && !g && !c {
		return nil, Misusef("either url, grab or config option of task should be set")
	}
	if err := s.checkTargets(); err != nil {
		return nil, err
	}
	if s.raw != nil && *s.raw && s.errorCallbackSet && s.errorCallback != nil {
		return nil, Misusef("options raw and error callback could not be used together")
	}

	t := &Task{
		ID:               uuid.NewString(),
		Name:             name,
		PriorityIsCustom: true,
		TaskTryCount:     1,
		UseProxylist:     true,
	}
	switch {
	case g:
		t.setupConfig(s.grab.DumpConfig())
	case c:
		t.setupConfig(s.config)
	default:
		t.URL = *s.url
	}

	var delay time.Duration
	if s.delay != nil {
		delay = *s.delay
	}
	t.processDelay(delay)
	t.applyFields(&s)
	if t.Name == ReservedName {
		return nil, Misusef("task name could not be %q", ReservedName)
	}
	return t, nil
}

// MustNew is New for static task definitions; it panics on misuse.
func MustNew(name string, opts ...Option) *Task {
	t, err := New(name, opts...)
	if err != nil {
		panic(err)
	}
	return t
}

func (t *Task) setupConfig(c *fetch.Config) {
	t.Request = c.Copy()
	if t.Request == nil {
		t.Request = &fetch.Config{}
	}
	t.URL = t.Request.URL
}

func (t *Task) processDelay(delay time.Duration) {
	if delay != 0 {
		t.ScheduleTime = Now().Add(delay)
		t.OriginalDelay = delay
		return
	}
	t.ScheduleTime = time.Time{}
	t.OriginalDelay = 0
}

// applyFields copies every non-target setting onto t.
func (t *Task) applyFields(s *settings) {
	if s.name != nil {
		t.Name = *s.name
	}
	if s.priority != nil {
		t.priority, t.hasPriority = *s.priority, true
	}
	if s.priorityIsCustom != nil {
		t.PriorityIsCustom = *s.priorityIsCustom
	}
	if s.networkTryCount != nil {
		t.NetworkTryCount = *s.networkTryCount
	}
	if s.taskTryCount != nil {
		t.TaskTryCount = *s.taskTryCount
	}
	if s.disableCache != nil {
		t.DisableCache = *s.disableCache
	}
	if s.refreshCache != nil {
		t.RefreshCache = *s.refreshCache
	}
	if s.cacheTimeout != nil {
		t.CacheTimeout = *s.cacheTimeout
	}
	if s.validStatus != nil {
		t.ValidStatus = *s.validStatus
	}
	if s.useProxylist != nil {
		t.UseProxylist = *s.useProxylist
	}
	if s.raw != nil {
		t.Raw = *s.raw
	}
	if s.callbackSet {
		t.Callback = s.callback
	}
	if s.fallbackName != nil {
		t.FallbackName = *s.fallbackName
	}
	if s.errorCallbackSet {
		t.ErrorCallback = s.errorCallback
	}
	if s.originSet {
		t.Origin = s.origin
	}
	for k, v := range s.extra {
		t.Set(k, v)
	}
}

// Clone returns a fresh logical attempt of t.
//
// Unless overridden: NetworkTryCount resets to 0, TaskTryCount is t's plus
// one, DisableCache and RefreshCache reset to false. The schedule time is
// recomputed from the WithDelay override only, so a clone without one runs
// immediately even if t was delayed.
func (t *Task) Clone(opts ...Option) (*Task, error) {
	s := collect(opts)
	if err := s.checkTargets(); err != nil {
		return nil, err
	}

	c := t.copy()
	if s.networkTryCount == nil {
		c.NetworkTryCount = 0
	}
	if s.taskTryCount == nil {
		c.TaskTryCount = t.TaskTryCount + 1
	}
	if s.refreshCache == nil {
		c.RefreshCache = false
	}
	if s.disableCache == nil {
		c.DisableCache = false
	}

	u, g, cf := s.targets()
	switch {
	case g:
		c.setupConfig(s.grab.DumpConfig())
	case cf:
		c.setupConfig(s.config)
	case u:
		c.URL = *s.url
		if c.Request != nil {
			c.Request.URL = *s.url
		}
	}

	c.applyFields(&s)

	var delay time.Duration
	if s.delay != nil {
		delay = *s.delay
	}
	c.processDelay(delay)

	if c.Name == ReservedName {
		return nil, Misusef("task name could not be %q", ReservedName)
	}
	if c.Raw && c.ErrorCallback != nil {
		return nil, Misusef("options raw and error callback could not be used together")
	}
	return c, nil
}

// copy is a field-for-field copy with its own ID, extra map and request config.
func (t *Task) copy() *Task {
	c := *t
	c.ID = uuid.NewString()
	if t.Request != nil {
		c.Request = t.Request.Copy()
		c.URL = c.Request.URL
	}
	if t.ValidStatus != nil {
		c.ValidStatus = append([]int(nil), t.ValidStatus...)
	}
	c.extra = nil
	for k, v := range t.extra {
		c.Set(k, v)
	}
	return &c
}

// Priority returns the task priority and whether one has been set.
func (t *Task) Priority() (int, bool) { return t.priority, t.hasPriority }

// SetPriority assigns a priority; custom tells whether the caller chose it.
func (t *Task) SetPriority(p int, custom bool) {
	t.priority, t.hasPriority = p, true
	t.PriorityIsCustom = custom
}

// Less orders tasks by priority, lower first. A task without priority is
// never less than another task and sorts after every prioritized one.
func (t *Task) Less(o *Task) bool {
	if !t.hasPriority {
		return false
	}
	if !o.hasPriority {
		return true
	}
	return t.priority < o.priority
}

// PriorityEqual mirrors the legacy weak equality: tasks compare equal when
// either priority is unset or zero, otherwise when priorities match. It is
// kept for ordering containers only; task identity is pointer identity.
func (t *Task) PriorityEqual(o *Task) bool {
	if !t.hasPriority || !o.hasPriority || t.priority == 0 || o.priority == 0 {
		return true
	}
	return t.priority == o.priority
}

// Ready reports whether the task may run at now.
func (t *Task) Ready(now time.Time) bool {
	return t.ScheduleTime.IsZero() || !now.Before(t.ScheduleTime)
}

// IsValidStatus reports whether code is listed in ValidStatus.
func (t *Task) IsValidStatus(code int) bool {
	for _, c := range t.ValidStatus {
		if c == code {
			return true
		}
	}
	return false
}

// RequestConfig returns the configuration to fetch: a copy of Request, or a
// minimal one built from URL.
func (t *Task) RequestConfig() *fetch.Config {
	if t.Request != nil {
		return t.Request.Copy()
	}
	return &fetch.Config{URL: t.URL}
}

// SetURL replaces the target, keeping Request in sync.
func (t *Task) SetURL(u string) {
	t.URL = u
	if t.Request != nil {
		t.Request.URL = u
	}
}

// FallbackHandler resolves the handler to call when the task is abandoned:
// FallbackName if set, otherwise "<name>_fallback" if registered.
func (t *Task) FallbackHandler(r FallbackResolver) (FallbackHandler, bool) {
	if r == nil {
		return nil, false
	}
	if t.FallbackName != "" {
		return r.LookupFallback(t.FallbackName)
	}
	if t.Name != "" {
		return r.LookupFallback(t.Name + "_fallback")
	}
	return nil, false
}

func (t *Task) String() string { return "<Task: " + t.URL + ">" }
