package s2s

import (
	"fmt"

	"github.com/MrWong99/parley/pkg/audio"
)

// Side identifies which party a transcript belongs to.
type Side int

const (
	// User is the human speaking into the microphone.
	User Side = iota

	// Model is the remote voice model.
	Model
)

// String returns the lower-case role name.
func (s Side) String() string {
	switch s {
	case User:
		return "user"
	case Model:
		return "model"
	default:
		return "unknown"
	}
}

// ServerEvent is a message received from the remote endpoint.
//
// The set of variants is closed: only types in this package implement it.
// Consumers switch over the concrete types:
//
//	switch ev := ev.(type) {
//	case s2s.Opened:
//	case s2s.TranscriptDelta:
//	case s2s.TurnComplete:
//	case s2s.AudioChunk:
//	case s2s.Interrupted:
//	case s2s.ConnectionError:
//	case s2s.Closed:
//	}
type ServerEvent interface {
	// Kind returns a short stable name for logs and metrics.
	Kind() string

	serverEvent()
}

// Opened reports that the remote end acknowledged the session setup. Audio
// may be sent from now on.
type Opened struct{}

// TranscriptDelta carries a fragment of transcript text for one side.
type TranscriptDelta struct {
	Side Side
	Text string
}

// TurnComplete marks the end of a conversational turn.
type TurnComplete struct{}

// AudioChunk carries one piece of synthesised model speech.
type AudioChunk struct {
	Chunk audio.MediaChunk
}

// Interrupted signals barge-in: the user started talking over the model, so
// all queued model audio must stop immediately.
type Interrupted struct{}

// ConnectionError is the terminal event for a failed session. It is never
// retried by the transport.
type ConnectionError struct {
	Reason string
	Err    error
}

// Error implements error, so the event can be returned or wrapped directly.
func (e ConnectionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Reason, e.Err)
	}
	return e.Reason
}

// Unwrap returns the underlying cause.
func (e ConnectionError) Unwrap() error { return e.Err }

// Closed is the terminal event for a session that ended cleanly, either
// because the caller closed it or because the server closed the connection.
type Closed struct{}

func (Opened) Kind() string          { return "opened" }
func (TranscriptDelta) Kind() string { return "transcript_delta" }
func (TurnComplete) Kind() string    { return "turn_complete" }
func (AudioChunk) Kind() string      { return "audio_chunk" }
func (Interrupted) Kind() string     { return "interrupted" }
func (ConnectionError) Kind() string { return "connection_error" }
func (Closed) Kind() string          { return "closed" }

func (Opened) serverEvent()          {}
func (TranscriptDelta) serverEvent() {}
func (TurnComplete) serverEvent()    {}
func (AudioChunk) serverEvent()      {}
func (Interrupted) serverEvent()     {}
func (ConnectionError) serverEvent() {}
func (Closed) serverEvent()          {}

// IsTerminal reports whether ev ends an event stream.
func IsTerminal(ev ServerEvent) bool {
	switch ev.(type) {
	case Closed, ConnectionError:
		return true
	default:
		return false
	}
}
