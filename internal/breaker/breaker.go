// Package breaker implements the three-state admission controller that
// fronts the gateway's publish path. closed admits everything; open rejects
// immediately; half_open admits exactly one probe after the cooldown and
// closes or reopens on that probe's outcome.
package breaker

import (
	"errors"
	"sync"
	"time"
)

// State is the breaker position.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

// String returns the wire form used in health payloads and GetStatus.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

var (
	// ErrOpen is returned while the cooldown window is running.
	ErrOpen = errors.New("breaker: open")
	// ErrProbeInFlight is returned in half_open when the single probe slot
	// is already taken.
	ErrProbeInFlight = errors.New("breaker: probe in flight")
)

// Counts accumulates request outcomes within the current generation.
type Counts struct {
	Requests             uint32
	TotalSuccesses       uint32
	TotalFailures        uint32
	ConsecutiveSuccesses uint32
	ConsecutiveFailures  uint32
}

func (c *Counts) clear() {
	*c = Counts{}
}

func (c *Counts) onSuccess() {
	c.Requests++
	c.TotalSuccesses++
	c.ConsecutiveSuccesses++
	c.ConsecutiveFailures = 0
}

func (c *Counts) onFailure() {
	c.Requests++
	c.TotalFailures++
	c.ConsecutiveFailures++
	c.ConsecutiveSuccesses = 0
}

// Config holds breaker tuning.
type Config struct {
	// Name identifies the breaker in logs and state-change hooks.
	Name string

	// FailureThreshold is the number of consecutive failures in closed
	// state that trips the breaker.
	FailureThreshold uint32

	// Cooldown is how long the breaker stays open before allowing a probe.
	Cooldown time.Duration

	// OnStateChange is invoked after every transition.
	OnStateChange func(name string, from, to State)
}

func (c *Config) withDefaults() Config {
	out := Config{Name: "default", FailureThreshold: 5, Cooldown: 30 * time.Second}
	if c == nil {
		return out
	}
	if c.Name != "" {
		out.Name = c.Name
	}
	if c.FailureThreshold > 0 {
		out.FailureThreshold = c.FailureThreshold
	}
	if c.Cooldown > 0 {
		out.Cooldown = c.Cooldown
	}
	out.OnStateChange = c.OnStateChange
	return out
}

// Breaker is safe for concurrent use. Construct one per destination and pass
// it to the handlers that need it.
type Breaker struct {
	cfg Config

	mu         sync.Mutex
	state      State
	generation uint64
	counts     Counts
	openUntil  time.Time
	probing    bool
}

// New creates a breaker in the closed state. A nil config selects the
// defaults (threshold 5, cooldown 30s).
func New(cfg *Config) *Breaker {
	return &Breaker{cfg: cfg.withDefaults()}
}

// Name returns the configured name.
func (b *Breaker) Name() string { return b.cfg.Name }

// State reports the current state, applying the open→half_open timer.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, _ := b.currentState(time.Now())
	return s
}

// Counts returns a copy of the current generation's counters.
func (b *Breaker) Counts() Counts {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.counts
}

// Allow asks for admission. On success it returns a done callback that must
// be invoked exactly once with the request outcome; results reported after a
// state transition are discarded as stale. On rejection done is nil and err
// is ErrOpen or ErrProbeInFlight.
func (b *Breaker) Allow() (done func(success bool), err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	state, generation := b.currentState(now)

	switch state {
	case StateOpen:
		return nil, ErrOpen
	case StateHalfOpen:
		if b.probing {
			return nil, ErrProbeInFlight
		}
		b.probing = true
	}

	return func(success bool) {
		b.afterRequest(generation, success)
	}, nil
}

// Execute wraps fn with admission control and outcome recording. Rejections
// are returned without calling fn.
func (b *Breaker) Execute(fn func() error) error {
	done, err := b.Allow()
	if err != nil {
		return err
	}
	err = fn()
	done(err == nil)
	return err
}

func (b *Breaker) afterRequest(generation uint64, success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	state, current := b.currentState(now)
	if generation != current {
		return // stale: a transition happened while the request ran
	}

	if success {
		b.onSuccess(state, now)
	} else {
		b.onFailure(state, now)
	}
}

func (b *Breaker) onSuccess(state State, now time.Time) {
	switch state {
	case StateClosed:
		b.counts.onSuccess()
	case StateHalfOpen:
		// One successful probe closes the breaker.
		b.setState(StateClosed, now)
	}
}

func (b *Breaker) onFailure(state State, now time.Time) {
	switch state {
	case StateClosed:
		b.counts.onFailure()
		if b.counts.ConsecutiveFailures >= b.cfg.FailureThreshold {
			b.setState(StateOpen, now)
		}
	case StateHalfOpen:
		b.setState(StateOpen, now)
	}
}

// currentState applies the cooldown timer. Callers hold b.mu.
func (b *Breaker) currentState(now time.Time) (State, uint64) {
	if b.state == StateOpen && !b.openUntil.After(now) {
		b.setState(StateHalfOpen, now)
	}
	return b.state, b.generation
}

func (b *Breaker) setState(state State, now time.Time) {
	if b.state == state {
		return
	}
	prev := b.state
	b.state = state
	b.generation++
	b.counts.clear()
	b.probing = false
	if state == StateOpen {
		b.openUntil = now.Add(b.cfg.Cooldown)
	}
	if b.cfg.OnStateChange != nil {
		b.cfg.OnStateChange(b.cfg.Name, prev, state)
	}
}
