// Package s2s defines the contract for Speech-to-Speech (S2S) streaming
// transports.
//
// An S2S transport wraps a real-time voice model that accepts raw microphone
// audio and answers with synthesised speech plus transcripts of both sides,
// all over a single persistent bidirectional connection. Examples include the
// Gemini Live API and the OpenAI Realtime API.
//
// The central abstraction is [Session]: outbound audio goes in through
// [Session.Send]; everything the server says comes out of [Session.Events] as
// a closed set of [ServerEvent] variants, in arrival order.
//
// Connecting is asynchronous. [Provider.Connect] never fails synchronously;
// handshake and network failures surface as a [ConnectionError] event.
//
// All implementations must be safe for concurrent use.
package s2s

import (
	"context"

	"github.com/MrWong99/parley/pkg/audio"
)

// SessionConfig is the initial configuration for a new S2S session.
type SessionConfig struct {
	// Voice is the provider-specific prebuilt voice name (e.g., "Zephyr").
	// Empty selects the provider default.
	Voice string

	// Instructions is the system-level prompt for the model.
	Instructions string

	// InputTranscription asks the server to transcribe the user's speech.
	InputTranscription bool

	// OutputTranscription asks the server to transcribe the model's speech.
	OutputTranscription bool
}

// Session is one live connection to a remote S2S endpoint.
//
// The session is the hot path of the voice pipeline; every method must
// return quickly and must never block the caller's audio thread.
//
// Callers must call Close when the session is no longer needed.
type Session interface {
	// ID returns a unique identifier for this session, used in logs.
	ID() string

	// State returns the current lifecycle state.
	State() SessionState

	// Send transmits one chunk of captured audio. Chunks sent while the
	// session is not [StateOpen] are silently dropped; a lost frame must
	// never break the session. Send may block on the socket write but
	// never on the server's response.
	Send(chunk audio.MediaChunk)

	// Events returns the channel on which server events are delivered in
	// strict arrival order. Exactly one terminal event ([Closed] or
	// [ConnectionError]) is delivered last, after which the channel is
	// closed. Consumers must drain it promptly.
	Events() <-chan ServerEvent

	// Close transitions the session to [StateClosing] then [StateClosed] and
	// releases the connection. Close is idempotent and may be called from any
	// state, including after the session already closed or errored.
	Close() error
}

// Provider is the abstraction over any S2S backend.
//
// Implementations must be safe for concurrent use.
type Provider interface {
	// Name returns the registry name of the backend (e.g., "gemini-live").
	Name() string

	// Connect starts connecting a new session and returns it immediately in
	// [StateConnecting]. The ctx bounds the connection attempt only. The
	// session reports [Opened] once the remote end acknowledges the setup.
	Connect(ctx context.Context, cfg SessionConfig) Session

	// InputFormat is the audio format the caller should capture and send.
	InputFormat() audio.Format

	// OutputFormat is the audio format of [AudioChunk] payloads.
	OutputFormat() audio.Format

	// Voices lists the prebuilt voices the backend offers.
	Voices() []Voice
}

// Voice describes one prebuilt voice.
type Voice struct {
	ID     string `json:"id"`
	Label  string `json:"label"`
	Gender string `json:"gender,omitempty"`
}
