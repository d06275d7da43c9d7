// Package openai implements the s2s.Provider interface for OpenAI's Realtime API.
//
// It establishes a bidirectional WebSocket connection to the OpenAI Realtime
// endpoint and exchanges JSON events according to the Realtime API protocol.
// Audio is transmitted as base64-encoded PCM16 at 24 kHz; captured audio at
// any other rate is resampled before it is appended to the input buffer.
// Server-side voice activity detection drives turn-taking, so a
// speech_started event doubles as the barge-in signal.
package openai

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/MrWong99/parley/pkg/audio"
	"github.com/MrWong99/parley/pkg/provider/s2s"
)

// Compile-time assertions that Provider and session satisfy the s2s interfaces.
var _ s2s.Provider = (*Provider)(nil)
var _ s2s.Session = (*session)(nil)

// Name is the registry name of this backend.
const Name = "openai-realtime"

const (
	defaultModel   = "gpt-4o-realtime-preview"
	defaultBaseURL = "wss://api.openai.com/v1/realtime"

	// transcriptionModel is used for the user side when input transcription
	// is requested.
	transcriptionModel = "whisper-1"

	// sampleRate is the only PCM16 rate the Realtime API accepts.
	sampleRate = 24000

	defaultConnectTimeout = 10 * time.Second
	defaultEventBuffer    = 64
)

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithModel sets the OpenAI model used for sessions.
func WithModel(model string) Option {
	return func(p *Provider) {
		if model != "" {
			p.model = model
		}
	}
}

// WithBaseURL overrides the base WebSocket URL. Primarily used in tests to
// point at a local mock server.
func WithBaseURL(url string) Option {
	return func(p *Provider) {
		if url != "" {
			p.baseURL = url
		}
	}
}

// WithConnectTimeout bounds the dial plus the wait for session.created.
func WithConnectTimeout(d time.Duration) Option {
	return func(p *Provider) {
		if d > 0 {
			p.connectTimeout = d
		}
	}
}

// WithEventBuffer sets the capacity of each session's event channel.
func WithEventBuffer(n int) Option {
	return func(p *Provider) {
		if n > 0 {
			p.eventBuffer = n
		}
	}
}

// WithLogger sets the logger. Defaults to [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(p *Provider) {
		if l != nil {
			p.logger = l
		}
	}
}

// ── Provider ───────────────────────────────────────────────────────────────────

// Provider implements s2s.Provider for OpenAI's Realtime API.
type Provider struct {
	apiKey         string
	model          string
	baseURL        string
	connectTimeout time.Duration
	eventBuffer    int
	logger         *slog.Logger
}

// New creates a new OpenAI Realtime Provider with the given API key and options.
func New(apiKey string, opts ...Option) *Provider {
	p := &Provider{
		apiKey:         apiKey,
		model:          defaultModel,
		baseURL:        defaultBaseURL,
		connectTimeout: defaultConnectTimeout,
		eventBuffer:    defaultEventBuffer,
		logger:         slog.Default(),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Name returns "openai-realtime".
func (p *Provider) Name() string { return Name }

// InputFormat is 24 kHz mono PCM16. Chunks tagged with another rate are
// resampled on Send.
func (p *Provider) InputFormat() audio.Format {
	return audio.Format{SampleRate: sampleRate, Channels: 1}
}

// OutputFormat is 24 kHz mono PCM16.
func (p *Provider) OutputFormat() audio.Format {
	return audio.Format{SampleRate: sampleRate, Channels: 1}
}

// Voices returns the built-in Realtime voices.
func (p *Provider) Voices() []s2s.Voice {
	return []s2s.Voice{
		{ID: "alloy", Label: "Alloy"},
		{ID: "ash", Label: "Ash"},
		{ID: "ballad", Label: "Ballad"},
		{ID: "coral", Label: "Coral"},
		{ID: "echo", Label: "Echo"},
		{ID: "sage", Label: "Sage"},
		{ID: "shimmer", Label: "Shimmer"},
		{ID: "verse", Label: "Verse"},
	}
}

// Connect starts a new Realtime session in the background and returns it in
// Connecting. Dial failures surface as a ConnectionError event.
func (p *Provider) Connect(ctx context.Context, cfg s2s.SessionConfig) s2s.Session {
	sessCtx, sessCancel := context.WithCancel(context.Background())
	sess := &session{
		id:         uuid.NewString(),
		lc:         s2s.NewLifecycle(p.eventBuffer),
		ctx:        sessCtx,
		cancel:     sessCancel,
		userDeltas: make(map[string]bool),
	}
	sess.logger = p.logger.With("provider", Name, "session_id", sess.id)
	sess.lc.Transition(s2s.StateConnecting)

	go sess.run(ctx, p, cfg)
	return sess
}

// ── Protocol message types (outgoing) ─────────────────────────────────────────

type sessionUpdateMessage struct {
	EventID string        `json:"event_id"`
	Type    string        `json:"type"`
	Session sessionParams `json:"session"`
}

type sessionParams struct {
	Modalities              []string          `json:"modalities"`
	Voice                   string            `json:"voice,omitempty"`
	Instructions            string            `json:"instructions,omitempty"`
	InputAudioFormat        string            `json:"input_audio_format"`
	OutputAudioFormat       string            `json:"output_audio_format"`
	InputAudioTranscription *transcriptionCfg `json:"input_audio_transcription,omitempty"`
	TurnDetection           turnDetection     `json:"turn_detection"`
}

type transcriptionCfg struct {
	Model string `json:"model"`
}

type turnDetection struct {
	Type string `json:"type"`
}

type appendAudioMessage struct {
	Type  string `json:"type"`
	Audio string `json:"audio"` // base64-encoded PCM16
}

// ── Protocol message types (incoming) ─────────────────────────────────────────

// serverErrorDetail represents the nested error object in an OpenAI Realtime
// error event: {"type":"error","error":{"type":"...","code":"...","message":"..."}}.
type serverErrorDetail struct {
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

type serverEvent struct {
	Type   string `json:"type"`
	ItemID string `json:"item_id,omitempty"`

	// response.*audio.delta, response.*audio_transcript.delta,
	// conversation.item.input_audio_transcription.delta
	Delta string `json:"delta,omitempty"`

	// conversation.item.input_audio_transcription.completed
	Transcript string `json:"transcript,omitempty"`

	Error *serverErrorDetail `json:"error,omitempty"`
}

func (e *serverErrorDetail) asError() error {
	switch {
	case e == nil:
		return errors.New("openai: unknown error")
	case e.Code != "":
		return fmt.Errorf("openai: %s (%s): %s", e.Type, e.Code, e.Message)
	default:
		return fmt.Errorf("openai: %s: %s", e.Type, e.Message)
	}
}

// ── session ────────────────────────────────────────────────────────────────────

type session struct {
	id     string
	lc     *s2s.Lifecycle
	logger *slog.Logger

	mu   sync.Mutex
	conn *websocket.Conn

	// userDeltas remembers input items that streamed transcription deltas, so
	// their completed event does not repeat the text. Owned by the receive
	// goroutine.
	userDeltas map[string]bool

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

// run dials, configures the session and pumps server events. It is the only
// writer of the event stream.
func (s *session) run(ctx context.Context, p *Provider, cfg s2s.SessionConfig) {
	dialCtx, dialCancel := context.WithTimeout(s.ctx, p.connectTimeout)
	stop := context.AfterFunc(ctx, dialCancel)
	conn, err := s.handshake(dialCtx, p, cfg)
	stop()
	dialCancel()
	if err != nil {
		s.fail("connect", err)
		return
	}
	defer conn.CloseNow()

	if !s.lc.Transition(s2s.StateOpen) {
		s.lc.Finish(s2s.Closed{})
		return
	}
	s.logger.Info("openai: session open", "model", p.model)
	if !s.lc.Emit(s.ctx.Done(), s2s.Opened{}) {
		s.lc.Finish(s2s.Closed{})
		return
	}
	s.receiveLoop(conn)
}

// handshake dials, sends session.update and waits for the server to confirm
// the session.
func (s *session) handshake(ctx context.Context, p *Provider, cfg s2s.SessionConfig) (*websocket.Conn, error) {
	wsURL := p.baseURL + "?model=" + url.QueryEscape(p.model)
	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{
			"Authorization": []string{"Bearer " + p.apiKey},
			"OpenAI-Beta":   []string{"realtime=v1"},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("openai: dial: %w", err)
	}
	conn.SetReadLimit(-1)
	ok := false
	defer func() {
		if !ok {
			conn.CloseNow()
		}
	}()

	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()

	if err := writeJSON(ctx, conn, buildSessionUpdate(cfg)); err != nil {
		return nil, fmt.Errorf("openai: session update: %w", err)
	}

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return nil, fmt.Errorf("openai: await session: %w", err)
		}
		var ev serverEvent
		if err := sonic.Unmarshal(data, &ev); err != nil {
			s.logger.Debug("openai: skipping malformed event", "bytes", len(data), "err", err)
			continue
		}
		switch ev.Type {
		case "session.created", "session.updated":
			ok = true
			return conn, nil
		case "error":
			return nil, ev.Error.asError()
		}
	}
}

func buildSessionUpdate(cfg s2s.SessionConfig) sessionUpdateMessage {
	msg := sessionUpdateMessage{
		EventID: "evt_" + uuid.NewString()[:12],
		Type:    "session.update",
		Session: sessionParams{
			Modalities:        []string{"audio", "text"},
			Voice:             cfg.Voice,
			Instructions:      cfg.Instructions,
			InputAudioFormat:  "pcm16",
			OutputAudioFormat: "pcm16",
			TurnDetection:     turnDetection{Type: "server_vad"},
		},
	}
	if cfg.InputTranscription {
		msg.Session.InputAudioTranscription = &transcriptionCfg{Model: transcriptionModel}
	}
	return msg
}

// writeJSON marshals v and writes it as a text WebSocket message.
func writeJSON(ctx context.Context, conn *websocket.Conn, v any) error {
	data, err := sonic.Marshal(v)
	if err != nil {
		return fmt.Errorf("openai: marshal: %w", err)
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

// receiveLoop reads events from the WebSocket and publishes their
// translations.
func (s *session) receiveLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(s.ctx)
		if err != nil {
			if s.ctx.Err() != nil || websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				s.lc.Finish(s2s.Closed{})
				return
			}
			s.fail("read", err)
			return
		}

		var raw serverEvent
		if err := sonic.Unmarshal(data, &raw); err != nil {
			s.logger.Debug("openai: skipping malformed event", "bytes", len(data), "err", err)
			continue
		}

		ev := s.translate(&raw)
		if ev == nil {
			continue
		}
		if s2s.IsTerminal(ev) {
			s.lc.Finish(ev)
			return
		}
		if !s.lc.Emit(s.ctx.Done(), ev) {
			s.lc.Finish(s2s.Closed{})
			return
		}
	}
}

// translate maps one Realtime event onto at most one ServerEvent. Transport
// failures are reported by receiveLoop, never by translate.
func (s *session) translate(ev *serverEvent) s2s.ServerEvent {
	switch ev.Type {
	case "response.output_audio.delta", "response.audio.delta":
		data, err := audio.DecodeTransportSafe(ev.Delta)
		if err != nil {
			s.logger.Warn("openai: dropping undecodable audio delta", "bytes", len(ev.Delta), "err", err)
			return nil
		}
		if len(data) == 0 {
			return nil
		}
		return s2s.AudioChunk{Chunk: audio.MediaChunk{Data: data, MIMEType: audio.PCMMIMEType(sampleRate)}}

	case "response.output_audio_transcript.delta", "response.audio_transcript.delta":
		if ev.Delta == "" {
			return nil
		}
		return s2s.TranscriptDelta{Side: s2s.Model, Text: ev.Delta}

	case "conversation.item.input_audio_transcription.delta":
		if ev.Delta == "" {
			return nil
		}
		s.userDeltas[ev.ItemID] = true
		return s2s.TranscriptDelta{Side: s2s.User, Text: ev.Delta}

	case "conversation.item.input_audio_transcription.completed":
		streamed := s.userDeltas[ev.ItemID]
		delete(s.userDeltas, ev.ItemID)
		if streamed || ev.Transcript == "" {
			return nil
		}
		return s2s.TranscriptDelta{Side: s2s.User, Text: ev.Transcript}

	case "input_audio_buffer.speech_started":
		return s2s.Interrupted{}

	case "response.done":
		return s2s.TurnComplete{}

	case "error":
		// Error events reject one client request; the session stays usable.
		s.logger.Warn("openai: server rejected request", "err", ev.Error.asError())
		return nil
	}
	return nil
}

// fail finishes the session. A failure caused by Close is reported as Closed.
func (s *session) fail(reason string, err error) {
	if s.lc.State() == s2s.StateClosing || errors.Is(s.ctx.Err(), context.Canceled) {
		s.lc.Finish(s2s.Closed{})
		return
	}
	s.logger.Warn("openai: session failed", "reason", reason, "err", err)
	s.lc.Finish(s2s.ConnectionError{Reason: reason, Err: err})
}

// ── Session methods ────────────────────────────────────────────────────────────

// ID returns the session's UUID.
func (s *session) ID() string { return s.id }

// State returns the lifecycle state.
func (s *session) State() s2s.SessionState { return s.lc.State() }

// Events returns the server event stream.
func (s *session) Events() <-chan s2s.ServerEvent { return s.lc.Events() }

// Send appends one captured PCM16 chunk to the input audio buffer, resampling
// it to 24 kHz when the chunk carries another rate. Chunks arriving outside
// Open are dropped.
func (s *session) Send(chunk audio.MediaChunk) {
	if s.lc.State() != s2s.StateOpen || len(chunk.Data) == 0 {
		return
	}
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return
	}

	rate, err := audio.ParsePCMRate(chunk.MIMEType, sampleRate)
	if err != nil {
		s.logger.Debug("openai: dropping chunk with unsupported format", "mime", chunk.MIMEType, "err", err)
		return
	}
	if rate != sampleRate {
		chunk = audio.ResampleChunk(chunk, rate, sampleRate)
	}

	msg := appendAudioMessage{
		Type:  "input_audio_buffer.append",
		Audio: audio.EncodeTransportSafe(chunk.Data),
	}
	if err := writeJSON(s.ctx, conn, msg); err != nil && s.ctx.Err() == nil {
		s.logger.Debug("openai: send failed", "bytes", len(chunk.Data), "err", err)
	}
}

// Close terminates the session and releases all resources. Idempotent.
func (s *session) Close() error {
	s.closeOnce.Do(func() {
		s.lc.Transition(s2s.StateClosing)
		s.cancel() // unblocks dial, handshake and receiveLoop

		s.mu.Lock()
		conn := s.conn
		s.mu.Unlock()
		if conn != nil {
			_ = conn.Close(websocket.StatusNormalClosure, "session closed")
		}
	})
	return nil
}
