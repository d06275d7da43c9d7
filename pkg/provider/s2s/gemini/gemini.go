// Package gemini implements the s2s.Provider interface for Google's Gemini Live API.
//
// It establishes a bidirectional WebSocket connection to the Gemini Live endpoint
// and exchanges JSON messages according to the BidiGenerateContent protocol.
// Audio travels as base64-encoded PCM chunks in both directions; transcripts of
// the user's and the model's speech arrive interleaved with the audio.
package gemini

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
const Name = "gemini-live"

const (
	defaultModel   = "gemini-2.5-flash-native-audio-preview-12-2025"
	defaultBaseURL = "wss://generativelanguage.googleapis.com/ws"
	endpointPath   = "/google.ai.generativelanguage.v1beta.GenerativeService.BidiGenerateContent"

	defaultConnectTimeout = 10 * time.Second
	defaultEventBuffer    = 64

	keepaliveInterval = 20 * time.Second
	keepaliveTimeout  = 5 * time.Second
)

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithModel sets the Gemini model used for sessions.
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

// WithConnectTimeout bounds the WebSocket dial plus the setup handshake.
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

// Provider implements s2s.Provider for Google's Gemini Live API.
type Provider struct {
	apiKey         string
	model          string
	baseURL        string
	connectTimeout time.Duration
	eventBuffer    int
	logger         *slog.Logger
}

// New creates a new Gemini Live Provider with the given API key and options.
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

// Name returns "gemini-live".
func (p *Provider) Name() string { return Name }

// InputFormat is 16 kHz mono PCM.
func (p *Provider) InputFormat() audio.Format {
	return audio.Format{SampleRate: audio.DefaultInputRate, Channels: 1}
}

// OutputFormat is 24 kHz mono PCM.
func (p *Provider) OutputFormat() audio.Format {
	return audio.Format{SampleRate: audio.DefaultOutputRate, Channels: 1}
}

// Voices returns the prebuilt voices offered by Gemini Live.
func (p *Provider) Voices() []s2s.Voice {
	return []s2s.Voice{
		{ID: "Zephyr", Label: "Bright", Gender: "female"},
		{ID: "Puck", Label: "Upbeat", Gender: "male"},
		{ID: "Charon", Label: "Informative", Gender: "male"},
		{ID: "Kore", Label: "Firm", Gender: "female"},
		{ID: "Fenrir", Label: "Excitable", Gender: "male"},
		{ID: "Aoede", Label: "Breezy", Gender: "female"},
	}
}

// Connect starts a new Gemini Live session in the background and returns it
// in Connecting. Dial and setup failures surface as a ConnectionError event.
func (p *Provider) Connect(ctx context.Context, cfg s2s.SessionConfig) s2s.Session {
	sessCtx, sessCancel := context.WithCancel(context.Background())
	sess := &session{
		id:     uuid.NewString(),
		lc:     s2s.NewLifecycle(p.eventBuffer),
		ctx:    sessCtx,
		cancel: sessCancel,
		done:   make(chan struct{}),
	}
	sess.logger = p.logger.With("provider", Name, "session_id", sess.id)
	sess.lc.Transition(s2s.StateConnecting)

	go sess.run(ctx, p, cfg)
	return sess
}

func (p *Provider) endpoint() string {
	return p.baseURL + endpointPath + "?key=" + url.QueryEscape(p.apiKey)
}

// ── Protocol message types (outgoing) ─────────────────────────────────────────

type setupMessage struct {
	Setup setupConfig `json:"setup"`
}

type setupConfig struct {
	Model                    string           `json:"model"`
	GenerationConfig         generationConfig `json:"generationConfig"`
	SystemInstruction        *content         `json:"systemInstruction,omitempty"`
	InputAudioTranscription  *struct{}        `json:"inputAudioTranscription,omitempty"`
	OutputAudioTranscription *struct{}        `json:"outputAudioTranscription,omitempty"`
}

type generationConfig struct {
	ResponseModalities []string      `json:"responseModalities"`
	SpeechConfig       *speechConfig `json:"speechConfig,omitempty"`
}

type speechConfig struct {
	VoiceConfig voiceConfig `json:"voiceConfig"`
}

type voiceConfig struct {
	PrebuiltVoiceConfig prebuiltVoiceConfig `json:"prebuiltVoiceConfig"`
}

type prebuiltVoiceConfig struct {
	VoiceName string `json:"voiceName"`
}

type content struct {
	Parts []part `json:"parts"`
}

type part struct {
	Text       string      `json:"text,omitempty"`
	InlineData *inlineData `json:"inlineData,omitempty"`
}

type inlineData struct {
	MIMEType string `json:"mimeType"`
	Data     string `json:"data"` // base64-encoded
}

type realtimeInputMessage struct {
	RealtimeInput realtimeInput `json:"realtimeInput"`
}

type realtimeInput struct {
	MediaChunks []inlineData `json:"mediaChunks"`
}

// ── Protocol message types (incoming) ─────────────────────────────────────────

type serverMessage struct {
	SetupComplete *struct{}      `json:"setupComplete,omitempty"`
	ServerContent *serverContent `json:"serverContent,omitempty"`
	GoAway        *goAway        `json:"goAway,omitempty"`
	Error         *geminiError   `json:"error,omitempty"`
}

type geminiError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Status  string `json:"status,omitempty"`
}

type goAway struct {
	TimeLeft string `json:"timeLeft"`
}

type serverContent struct {
	ModelTurn           *content       `json:"modelTurn,omitempty"`
	TurnComplete        bool           `json:"turnComplete,omitempty"`
	Interrupted         bool           `json:"interrupted,omitempty"`
	InputTranscription  *transcription `json:"inputTranscription,omitempty"`
	OutputTranscription *transcription `json:"outputTranscription,omitempty"`
}

type transcription struct {
	Text string `json:"text"`
}

// ── session ────────────────────────────────────────────────────────────────────

type session struct {
	id     string
	lc     *s2s.Lifecycle
	logger *slog.Logger

	mu   sync.Mutex
	conn *websocket.Conn

	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
}

// run dials, performs the setup handshake and then pumps server messages.
// It is the only writer of the event stream.
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
	s.logger.Info("gemini: session open", "model", p.model)
	if !s.lc.Emit(s.ctx.Done(), s2s.Opened{}) {
		s.lc.Finish(s2s.Closed{})
		return
	}

	go s.keepaliveLoop(conn)
	s.receiveLoop(conn)
}

// handshake dials the endpoint, sends the setup message and waits for
// setupComplete.
func (s *session) handshake(ctx context.Context, p *Provider, cfg s2s.SessionConfig) (*websocket.Conn, error) {
	conn, _, err := websocket.Dial(ctx, p.endpoint(), &websocket.DialOptions{
		HTTPHeader: http.Header{
			"Content-Type": []string{"application/json"},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("gemini: dial: %w", err)
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

	if err := writeJSON(ctx, conn, buildSetup(p.model, cfg)); err != nil {
		return nil, fmt.Errorf("gemini: setup: %w", err)
	}

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return nil, fmt.Errorf("gemini: await setup: %w", err)
		}
		var msg serverMessage
		if err := sonic.Unmarshal(data, &msg); err != nil {
			s.logger.Debug("gemini: skipping malformed frame", "bytes", len(data), "err", err)
			continue
		}
		if msg.Error != nil {
			return nil, msg.Error.asError()
		}
		if msg.SetupComplete != nil {
			ok = true
			return conn, nil
		}
	}
}

func buildSetup(model string, cfg s2s.SessionConfig) setupMessage {
	msg := setupMessage{
		Setup: setupConfig{
			Model: "models/" + model,
			GenerationConfig: generationConfig{
				ResponseModalities: []string{"AUDIO"},
			},
		},
	}
	if cfg.Instructions != "" {
		msg.Setup.SystemInstruction = &content{Parts: []part{{Text: cfg.Instructions}}}
	}
	if cfg.Voice != "" {
		msg.Setup.GenerationConfig.SpeechConfig = &speechConfig{
			VoiceConfig: voiceConfig{
				PrebuiltVoiceConfig: prebuiltVoiceConfig{VoiceName: cfg.Voice},
			},
		}
	}
	if cfg.InputTranscription {
		msg.Setup.InputAudioTranscription = &struct{}{}
	}
	if cfg.OutputTranscription {
		msg.Setup.OutputAudioTranscription = &struct{}{}
	}
	return msg
}

// writeJSON marshals v and writes it as a text WebSocket message.
func writeJSON(ctx context.Context, conn *websocket.Conn, v any) error {
	data, err := sonic.Marshal(v)
	if err != nil {
		return fmt.Errorf("gemini: marshal: %w", err)
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

// receiveLoop reads messages from the WebSocket and publishes their events.
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

		var msg serverMessage
		if err := sonic.Unmarshal(data, &msg); err != nil {
			s.logger.Debug("gemini: skipping malformed frame", "bytes", len(data), "err", err)
			continue
		}

		for _, ev := range s.translate(&msg) {
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
}

// translate maps one server message onto zero or more events, in the order
// user transcript, model transcript, turn completion, audio, interruption.
func (s *session) translate(msg *serverMessage) []s2s.ServerEvent {
	if msg.Error != nil {
		return []s2s.ServerEvent{s2s.ConnectionError{Reason: "server error", Err: msg.Error.asError()}}
	}
	if msg.GoAway != nil {
		s.logger.Warn("gemini: server going away", "time_left", msg.GoAway.TimeLeft)
	}
	sc := msg.ServerContent
	if sc == nil {
		return nil
	}

	var events []s2s.ServerEvent
	if sc.InputTranscription != nil && sc.InputTranscription.Text != "" {
		events = append(events, s2s.TranscriptDelta{Side: s2s.User, Text: sc.InputTranscription.Text})
	}
	if sc.OutputTranscription != nil && sc.OutputTranscription.Text != "" {
		events = append(events, s2s.TranscriptDelta{Side: s2s.Model, Text: sc.OutputTranscription.Text})
	}
	if sc.TurnComplete {
		events = append(events, s2s.TurnComplete{})
	}
	if sc.ModelTurn != nil {
		for _, p := range sc.ModelTurn.Parts {
			if p.InlineData == nil {
				continue
			}
			data, err := audio.DecodeTransportSafe(p.InlineData.Data)
			if err != nil {
				s.logger.Warn("gemini: dropping undecodable audio part",
					"bytes", len(p.InlineData.Data), "mime", p.InlineData.MIMEType, "err", err)
				continue
			}
			if len(data) == 0 {
				continue
			}
			mime := p.InlineData.MIMEType
			if mime == "" {
				mime = audio.PCMMIMEType(audio.DefaultOutputRate)
			}
			events = append(events, s2s.AudioChunk{Chunk: audio.MediaChunk{Data: data, MIMEType: mime}})
		}
	}
	if sc.Interrupted {
		events = append(events, s2s.Interrupted{})
	}
	return events
}

func (e *geminiError) asError() error {
	msg := e.Message
	if msg == "" {
		msg = "unknown error"
	}
	if e.Code != 0 {
		return fmt.Errorf("gemini: %d %s: %s", e.Code, e.Status, msg)
	}
	return fmt.Errorf("gemini: %s", msg)
}

// fail finishes the session. A failure caused by Close is reported as Closed.
func (s *session) fail(reason string, err error) {
	if s.lc.State() == s2s.StateClosing || errors.Is(s.ctx.Err(), context.Canceled) {
		s.lc.Finish(s2s.Closed{})
		return
	}
	s.logger.Warn("gemini: session failed", "reason", reason, "err", err)
	s.lc.Finish(s2s.ConnectionError{Reason: reason, Err: err})
}

// keepaliveLoop sends WebSocket pings to keep the Gemini Live connection alive.
func (s *session) keepaliveLoop(conn *websocket.Conn) {
	ticker := time.NewTicker(keepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-s.lc.Finished():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(s.ctx, keepaliveTimeout)
			if err := conn.Ping(pingCtx); err != nil {
				s.logger.Debug("gemini: keepalive ping failed", "err", err)
			}
			cancel()
		}
	}
}

// ── Session methods ────────────────────────────────────────────────────────────

// ID returns the session's UUID.
func (s *session) ID() string { return s.id }

// State returns the lifecycle state.
func (s *session) State() s2s.SessionState { return s.lc.State() }

// Events returns the server event stream.
func (s *session) Events() <-chan s2s.ServerEvent { return s.lc.Events() }

// Send delivers one captured PCM chunk (16 kHz, s16le, mono) to the model.
// Chunks arriving outside Open are dropped.
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

	mime := chunk.MIMEType
	if mime == "" {
		mime = audio.PCMMIMEType(audio.DefaultInputRate)
	}
	msg := realtimeInputMessage{
		RealtimeInput: realtimeInput{
			MediaChunks: []inlineData{{MIMEType: mime, Data: audio.EncodeTransportSafe(chunk.Data)}},
		},
	}
	if err := writeJSON(s.ctx, conn, msg); err != nil && s.ctx.Err() == nil {
		s.logger.Debug("gemini: send failed", "bytes", len(chunk.Data), "err", err)
	}
}

// Close terminates the session and releases all resources. Idempotent.
func (s *session) Close() error {
	s.closeOnce.Do(func() {
		s.lc.Transition(s2s.StateClosing)
		close(s.done)
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
