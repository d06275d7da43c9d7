// Package resilience guards the provider connection against retry storms.
//
// [Breaker] is a three-state circuit breaker (closed → open → half-open)
// whose outcomes are reported asynchronously: a session start is admitted
// with [Breaker.Allow] and its result arrives later, when the transport
// either opens or fails. A run of failures opens the breaker so further
// starts are rejected with [ErrOpen] until the cooldown has elapsed; then a
// single probe is admitted and its outcome closes or re-opens the breaker.
//
// All methods are safe for concurrent use.
package resilience

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrOpen is returned by [Breaker.Allow] while the breaker rejects attempts.
var ErrOpen = errors.New("resilience: circuit open")

// State is the operating mode of a [Breaker].
type State int

const (
	// StateClosed admits every attempt.
	StateClosed State = iota

	// StateOpen rejects attempts until the cooldown elapses.
	StateOpen

	// StateHalfOpen admits one probe attempt.
	StateHalfOpen
)

// String returns the lower-case state name.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Config tunes a [Breaker].
type Config struct {
	// Name labels log lines.
	Name string

	// MaxFailures is the number of consecutive failures that opens the
	// breaker. Default: 3.
	MaxFailures int

	// Cooldown is how long the breaker stays open before admitting a probe.
	// Default: 30s.
	Cooldown time.Duration

	// Logger receives state transitions. Default: slog.Default().
	Logger *slog.Logger

	// Now replaces time.Now in tests.
	Now func() time.Time
}

// Breaker counts consecutive failed attempts and sheds new ones while open.
type Breaker struct {
	name        string
	maxFailures int
	cooldown    time.Duration
	logger      *slog.Logger
	now         func() time.Time

	mu       sync.Mutex
	state    State
	failures int
	openedAt time.Time
	probing  bool
}

// New returns a closed [Breaker]. Zero config fields take their defaults.
func New(cfg Config) *Breaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 3
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 30 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Breaker{
		name:        cfg.Name,
		maxFailures: cfg.MaxFailures,
		cooldown:    cfg.Cooldown,
		logger:      cfg.Logger,
		now:         cfg.Now,
	}
}

// Allow admits an attempt or returns [ErrOpen]. In half-open only one probe
// is outstanding at a time; its outcome must be reported with Success or
// Failure.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateOpen:
		if b.now().Sub(b.openedAt) < b.cooldown {
			return ErrOpen
		}
		b.state = StateHalfOpen
		b.logger.Info("resilience: breaker half-open", "name", b.name)
		fallthrough
	case StateHalfOpen:
		if b.probing {
			return ErrOpen
		}
		b.probing = true
	}
	return nil
}

// Success records a successful attempt and closes the breaker.
func (b *Breaker) Success() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state != StateClosed {
		b.logger.Info("resilience: breaker closed", "name", b.name)
	}
	b.state = StateClosed
	b.failures = 0
	b.probing = false
}

// Failure records a failed attempt. A failed probe re-opens the breaker at
// once; in closed state MaxFailures consecutive failures open it.
func (b *Breaker) Failure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures++
	switch {
	case b.state == StateHalfOpen:
		b.trip("probe failed")
	case b.state == StateClosed && b.failures >= b.maxFailures:
		b.trip("too many consecutive failures")
	}
}

// trip opens the breaker. Must be called with b.mu held.
func (b *Breaker) trip(reason string) {
	b.state = StateOpen
	b.openedAt = b.now()
	b.probing = false
	b.logger.Warn("resilience: breaker opened",
		"name", b.name,
		"reason", reason,
		"consecutive_failures", b.failures,
		"cooldown", b.cooldown,
	)
}

// Release withdraws an admitted attempt that never reached the guarded
// service, so a half-open breaker admits the next probe.
func (b *Breaker) Release() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.probing = false
}

// State returns the current state. An open breaker whose cooldown has
// elapsed reports [StateHalfOpen]; the transition itself happens on the
// next Allow.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateOpen && b.now().Sub(b.openedAt) >= b.cooldown {
		return StateHalfOpen
	}
	return b.state
}

// RetryAfter returns how long until an open breaker admits a probe, or zero.
func (b *Breaker) RetryAfter() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != StateOpen {
		return 0
	}
	return max(b.cooldown-b.now().Sub(b.openedAt), 0)
}

// Reset forces the breaker closed and clears the failure count.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = StateClosed
	b.failures = 0
	b.probing = false
	b.logger.Info("resilience: breaker reset", "name", b.name)
}
