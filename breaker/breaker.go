// Package breaker implements the per-origin circuit breaker of spec §4.5:
// a Closed/Open/HalfOpen state machine gating upstream calls, with
// failure counts left unwindowed in Closed state — a deliberate
// simplification the spec carries over from the source (§9 "Circuit
// breaker without windowing").
package breaker

import (
	"sync"
	"time"
)

// State is one of the three circuit states.
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Config is the per-origin breaker configuration of §6's circuit breaker
// schema.
type Config struct {
	FailureThreshold int
	ResetTimeout     time.Duration
	SuccessThreshold int
}

// Breaker is a single origin's circuit breaker. Zero value is not usable;
// construct with New.
type Breaker struct {
	cfg Config
	now func() time.Time

	mu            sync.Mutex
	state         State
	failureCount  int
	successCount  int
	openedAt      time.Time
	lastFailureAt time.Time
}

// New creates a breaker in the Closed state.
func New(cfg Config) *Breaker {
	return &Breaker{cfg: cfg, now: time.Now, state: Closed}
}

// ShouldAllow implements should_allow(): true in Closed and HalfOpen, and
// in Open only once the reset timeout has elapsed, in which case it
// transitions to HalfOpen as a side effect (§4.5's table entry "Open,
// probe, -> HalfOpen").
func (b *Breaker) ShouldAllow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Closed, HalfOpen:
		return true
	case Open:
		if b.now().Sub(b.openedAt) >= b.cfg.ResetTimeout {
			b.state = HalfOpen
			b.successCount = 0
			b.failureCount = 0
			return true
		}
		return false
	default:
		return false
	}
}

// RecordSuccess applies the "success" transitions of §4.5's table.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Closed:
		b.failureCount = 0
	case HalfOpen:
		b.successCount++
		if b.successCount >= b.cfg.SuccessThreshold {
			b.state = Closed
			b.failureCount = 0
			b.successCount = 0
		}
	}
}

// RecordFailure applies the "failure" transitions of §4.5's table.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	b.lastFailureAt = now

	switch b.state {
	case Closed:
		b.failureCount++
		if b.failureCount >= b.cfg.FailureThreshold {
			b.state = Open
			b.openedAt = now
			b.successCount = 0
		}
	case HalfOpen:
		b.state = Open
		b.openedAt = now
	}
}

// Snapshot is the point-in-time state exposed via circuit_states().
type Snapshot struct {
	State         State
	FailureCount  int
	SuccessCount  int
	OpenedAt      time.Time
	LastFailureAt time.Time
}

func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Snapshot{
		State:         b.state,
		FailureCount:  b.failureCount,
		SuccessCount:  b.successCount,
		OpenedAt:      b.openedAt,
		LastFailureAt: b.lastFailureAt,
	}
}

// Manager keeps one Breaker per origin name, created lazily and never
// removed, per §4.5 "The manager keeps one breaker per origin name".
type Manager struct {
	cfg Config

	mu       sync.Mutex
	breakers map[string]*Breaker
}

// NewManager creates a Manager that lazily constructs breakers with cfg.
func NewManager(cfg Config) *Manager {
	return &Manager{cfg: cfg, breakers: make(map[string]*Breaker)}
}

// Get returns the breaker for origin, creating it on first reference.
func (m *Manager) Get(origin string) *Breaker {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.breakers[origin]
	if !ok {
		b = New(m.cfg)
		m.breakers[origin] = b
	}
	return b
}

// States implements circuit_states(): a snapshot of every origin breaker
// created so far.
func (m *Manager) States() map[string]Snapshot {
	m.mu.Lock()
	origins := make([]string, 0, len(m.breakers))
	breakers := make([]*Breaker, 0, len(m.breakers))
	for o, b := range m.breakers {
		origins = append(origins, o)
		breakers = append(breakers, b)
	}
	m.mu.Unlock()

	out := make(map[string]Snapshot, len(origins))
	for i, o := range origins {
		out[o] = breakers[i].Snapshot()
	}
	return out
}
