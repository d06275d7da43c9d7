// Package mock provides test doubles for the s2s package interfaces.
//
// Use Provider to verify Connect calls and hand out controllable sessions.
// Use Session to push server events the way a real transport would and to
// inspect which chunks the caller sent.
//
// Example:
//
//	p := &mock.Provider{}
//	sess := p.Connect(ctx, cfg).(*mock.Session)
//	sess.Open()
//	sess.Push(s2s.TranscriptDelta{Side: s2s.Model, Text: "hi"})
//	sess.Finish(s2s.Closed{})
package mock

import (
	"context"
	"fmt"
	"sync"

	"github.com/MrWong99/parley/pkg/audio"
	"github.com/MrWong99/parley/pkg/provider/s2s"
)

// ConnectCall records a single invocation of Provider.Connect.
type ConnectCall struct {
	Ctx context.Context
	Cfg s2s.SessionConfig
}

// Provider is a mock implementation of s2s.Provider.
type Provider struct {
	mu sync.Mutex

	// ProviderName is returned by Name. Defaults to "mock".
	ProviderName string

	// Input and Output are returned by InputFormat and OutputFormat. Zero
	// values default to 16 kHz and 24 kHz mono.
	Input  audio.Format
	Output audio.Format

	// AutoOpen makes every new session transition to Open and emit [s2s.Opened]
	// right after Connect.
	AutoOpen bool

	// FailWith, if non-nil, makes every new session terminate immediately with
	// a ConnectionError wrapping it.
	FailWith error

	// EventBuffer is the event channel size for new sessions. Defaults to 64.
	EventBuffer int

	// VoiceList is returned by Voices.
	VoiceList []s2s.Voice

	// ConnectCalls records every call to Connect in order.
	ConnectCalls []ConnectCall

	sessions []*Session
}

// Name returns ProviderName or "mock".
func (p *Provider) Name() string {
	if p.ProviderName == "" {
		return "mock"
	}
	return p.ProviderName
}

// InputFormat returns Input or 16 kHz mono.
func (p *Provider) InputFormat() audio.Format {
	if p.Input.SampleRate == 0 {
		return audio.Format{SampleRate: audio.DefaultInputRate, Channels: 1}
	}
	return p.Input
}

// OutputFormat returns Output or 24 kHz mono.
func (p *Provider) OutputFormat() audio.Format {
	if p.Output.SampleRate == 0 {
		return audio.Format{SampleRate: audio.DefaultOutputRate, Channels: 1}
	}
	return p.Output
}

// Voices returns VoiceList.
func (p *Provider) Voices() []s2s.Voice { return p.VoiceList }

// Connect records the call and returns a new Session in Connecting.
func (p *Provider) Connect(ctx context.Context, cfg s2s.SessionConfig) s2s.Session {
	p.mu.Lock()
	p.ConnectCalls = append(p.ConnectCalls, ConnectCall{Ctx: ctx, Cfg: cfg})
	buf := p.EventBuffer
	if buf <= 0 {
		buf = 64
	}
	sess := NewSession(fmt.Sprintf("mock-%d", len(p.sessions)+1), buf)
	p.sessions = append(p.sessions, sess)
	autoOpen, failWith := p.AutoOpen, p.FailWith
	p.mu.Unlock()

	switch {
	case failWith != nil:
		sess.Finish(s2s.ConnectionError{Reason: "connect", Err: failWith})
	case autoOpen:
		sess.Open()
	}
	return sess
}

// Sessions returns every session handed out by Connect, oldest first.
func (p *Provider) Sessions() []*Session {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*Session(nil), p.sessions...)
}

// Last returns the most recent session, or nil.
func (p *Provider) Last() *Session {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.sessions) == 0 {
		return nil
	}
	return p.sessions[len(p.sessions)-1]
}

// Reset clears all recorded calls.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ConnectCalls = nil
	p.sessions = nil
}

var _ s2s.Provider = (*Provider)(nil)

// Session is a mock implementation of s2s.Session.
//
// Push and Finish may be called from any goroutine; they are serialised so
// the underlying Lifecycle keeps a single writer.
type Session struct {
	id string
	lc *s2s.Lifecycle

	pushMu sync.Mutex
	stop   chan struct{}

	mu             sync.Mutex
	sent           []audio.MediaChunk
	droppedSends   int
	closeCallCount int
	stopOnce       sync.Once
}

// NewSession returns a Session in Connecting with the given event buffer.
func NewSession(id string, buffer int) *Session {
	s := &Session{
		id:   id,
		lc:   s2s.NewLifecycle(buffer),
		stop: make(chan struct{}),
	}
	s.lc.Transition(s2s.StateConnecting)
	return s
}

// ID returns the session ID.
func (s *Session) ID() string { return s.id }

// State returns the current lifecycle state.
func (s *Session) State() s2s.SessionState { return s.lc.State() }

// Events returns the event channel.
func (s *Session) Events() <-chan s2s.ServerEvent { return s.lc.Events() }

// Send records chunk if the session is Open and counts it as dropped otherwise.
func (s *Session) Send(chunk audio.MediaChunk) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lc.State() != s2s.StateOpen {
		s.droppedSends++
		return
	}
	s.sent = append(s.sent, chunk)
}

// Close moves the session to Closing and publishes [s2s.Closed].
func (s *Session) Close() error {
	s.mu.Lock()
	s.closeCallCount++
	s.mu.Unlock()

	if s.lc.State().IsTerminal() {
		return nil
	}
	s.lc.Transition(s2s.StateClosing)
	s.stopOnce.Do(func() { close(s.stop) })
	s.Finish(s2s.Closed{})
	return nil
}

// Open transitions to Open and emits [s2s.Opened].
func (s *Session) Open() {
	if s.lc.Transition(s2s.StateOpen) {
		s.Push(s2s.Opened{})
	}
}

// Push emits a non-terminal event. It blocks while the event buffer is full
// and gives up once the session is closed. It reports whether the event was
// delivered.
func (s *Session) Push(ev s2s.ServerEvent) bool {
	s.pushMu.Lock()
	defer s.pushMu.Unlock()
	return s.lc.Emit(s.stop, ev)
}

// Finish publishes a terminal event and closes the event channel.
func (s *Session) Finish(ev s2s.ServerEvent) {
	s.stopOnce.Do(func() { close(s.stop) })
	s.pushMu.Lock()
	defer s.pushMu.Unlock()
	s.lc.Finish(ev)
}

// Sent returns a copy of every chunk accepted by Send.
func (s *Session) Sent() []audio.MediaChunk {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]audio.MediaChunk(nil), s.sent...)
}

// DroppedSends returns how many Send calls arrived outside Open.
func (s *Session) DroppedSends() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.droppedSends
}

// CloseCallCount returns how many times Close was called.
func (s *Session) CloseCallCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeCallCount
}

var _ s2s.Session = (*Session)(nil)
