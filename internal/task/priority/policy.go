// Package priority assigns priorities to tasks submitted without one.
package priority

import (
	"math/rand"
	"strings"
	"sync"
	"time"

	"crawlsched/internal/task"
)

const (
	ModeRandom = "random"
	ModeConst  = "const"

	DefaultMin      = 80
	DefaultMax      = 100
	DefaultPriority = 10
)

// Config selects the assignment mode.
//
// Mode "random" draws uniformly from [Min, Max]; "const" always uses
// Default. An empty mode means random. Nil bounds and a nil Default take
// the package defaults, so zero is a usable priority.
type Config struct {
	Mode    string
	Min     *int
	Max     *int
	Default *int
}

// Int returns a pointer to v, for Config fields.
func Int(v int) *int { return &v }

type settings struct {
	mode          string
	min, max, def int
}

// Policy assigns priorities. Safe for concurrent use.
type Policy struct {
	cfg settings

	mu  sync.Mutex
	rng *rand.Rand
}

// New validates cfg. An unknown mode is a misuse reported here, never at
// assignment time.
func New(cfg Config) (*Policy, error) {
	mode := strings.ToLower(strings.TrimSpace(cfg.Mode))
	switch mode {
	case "":
		mode = ModeRandom
	case ModeRandom, ModeConst:
	default:
		return nil, task.Misusef("value of priority mode option %q is not supported", cfg.Mode)
	}
	st := settings{mode: mode, min: DefaultMin, max: DefaultMax, def: DefaultPriority}
	if cfg.Min != nil {
		st.min = *cfg.Min
	}
	if cfg.Max != nil {
		st.max = *cfg.Max
	}
	if cfg.Default != nil {
		st.def = *cfg.Default
	}
	if st.min > st.max {
		return nil, task.Misusef("priority range [%d, %d] is empty", st.min, st.max)
	}
	return &Policy{cfg: st, rng: rand.New(rand.NewSource(time.Now().UnixNano()))}, nil
}

// Mode returns the effective mode.
func (p *Policy) Mode() string { return p.cfg.mode }

// Generate returns the next auto-assigned priority.
func (p *Policy) Generate() int {
	if p.cfg.mode == ModeConst {
		return p.cfg.def
	}
	p.mu.Lock()
	n := p.cfg.min + p.rng.Intn(p.cfg.max-p.cfg.min+1)
	p.mu.Unlock()
	return n
}

// Assign fills in the priority of t unless the caller set it explicitly.
// It reports whether a priority was assigned.
func (p *Policy) Assign(t *task.Task) bool {
	if _, has := t.Priority(); has && t.PriorityIsCustom {
		return false
	}
	t.SetPriority(p.Generate(), false)
	return true
}
