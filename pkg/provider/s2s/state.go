package s2s

import (
	"fmt"
	"sync"
)

// SessionState is the lifecycle state of a [Session].
type SessionState int

const (
	StateIdle SessionState = iota
	StateConnecting
	StateOpen
	StateClosing
	StateClosed
	StateErrored
)

// String returns the lower-case state name.
func (s SessionState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	case StateErrored:
		return "errored"
	default:
		return fmt.Sprintf("SessionState(%d)", int(s))
	}
}

// IsTerminal reports whether no further transition is possible.
func (s SessionState) IsTerminal() bool {
	return s == StateClosed || s == StateErrored
}

// MarshalText implements encoding.TextMarshaler.
func (s SessionState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// CanTransition reports whether moving from s to next is a legal step of the
// session state machine:
//
//	Idle → Connecting → Open → Closing → Closed
//
// Idle and Connecting may also go straight to Closing, and every
// non-terminal state may fall into Errored.
func (s SessionState) CanTransition(next SessionState) bool {
	if s.IsTerminal() {
		return false
	}
	if next == StateErrored {
		return true
	}
	switch s {
	case StateIdle:
		return next == StateConnecting || next == StateClosing
	case StateConnecting:
		return next == StateOpen || next == StateClosing
	case StateOpen:
		return next == StateClosing
	case StateClosing:
		return next == StateClosed
	}
	return false
}

// ── Lifecycle ──────────────────────────────────────────────────────────────────

// Lifecycle is the state machine and event stream shared by transport
// implementations.
//
// State may be read and changed from any goroutine. The event channel has a
// single writer: [Lifecycle.Emit] and [Lifecycle.Finish] must only be called
// from the goroutine that pumps server messages.
type Lifecycle struct {
	mu       sync.Mutex
	state    SessionState
	onChange func(from, to SessionState)

	events   chan ServerEvent
	finished chan struct{}
	once     sync.Once
}

// NewLifecycle returns a Lifecycle in [StateIdle] with an event buffer of the
// given size.
func NewLifecycle(buffer int) *Lifecycle {
	if buffer < 0 {
		buffer = 0
	}
	return &Lifecycle{
		events:   make(chan ServerEvent, buffer),
		finished: make(chan struct{}),
	}
}

// OnChange registers fn to be called after every successful transition. It is
// called without the internal lock held.
func (l *Lifecycle) OnChange(fn func(from, to SessionState)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onChange = fn
}

// State returns the current state.
func (l *Lifecycle) State() SessionState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Transition moves to next if the step is legal. It reports whether the state
// changed.
func (l *Lifecycle) Transition(next SessionState) bool {
	l.mu.Lock()
	from := l.state
	if !from.CanTransition(next) {
		l.mu.Unlock()
		return false
	}
	l.state = next
	fn := l.onChange
	l.mu.Unlock()

	if fn != nil {
		fn(from, next)
	}
	return true
}

// Events returns the receive side of the event stream.
func (l *Lifecycle) Events() <-chan ServerEvent { return l.events }

// Finished is closed once the terminal event has been published.
func (l *Lifecycle) Finished() <-chan struct{} { return l.finished }

// Emit delivers a non-terminal event, blocking until the consumer accepts it
// or stop is closed. It reports whether the event was delivered.
func (l *Lifecycle) Emit(stop <-chan struct{}, ev ServerEvent) bool {
	select {
	case <-l.finished:
		return false
	default:
	}
	select {
	case l.events <- ev:
		return true
	case <-stop:
		return false
	}
}

// Finish publishes the terminal event and closes the stream. A
// [ConnectionError] moves the state to [StateErrored]; any other event walks
// the state through [StateClosing] to [StateClosed]. The terminal event is
// offered without blocking: a consumer that stopped reading only observes
// the closed channel. Finish is idempotent.
func (l *Lifecycle) Finish(ev ServerEvent) {
	l.once.Do(func() {
		if _, failed := ev.(ConnectionError); failed {
			l.Transition(StateErrored)
		} else {
			if l.State() != StateClosing {
				l.Transition(StateClosing)
			}
			l.Transition(StateClosed)
		}
		select {
		case l.events <- ev:
		default:
		}
		close(l.events)
		close(l.finished)
	})
}
