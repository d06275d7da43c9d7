package app

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/bytedance/sonic"

	"github.com/MrWong99/parley/internal/observe"
	"github.com/MrWong99/parley/internal/resilience"
	"github.com/MrWong99/parley/internal/session"
	"github.com/MrWong99/parley/internal/transcript"
	"github.com/MrWong99/parley/pkg/provider/s2s"
)

// maxBodyBytes caps request bodies on the control API.
const maxBodyBytes = 64 << 10

// statusResponse is the body of GET /api/session.
type statusResponse struct {
	Status    s2s.SessionState        `json:"status"`
	SessionID string                  `json:"session_id,omitempty"`
	Provider  string                  `json:"provider"`
	Voice     string                  `json:"voice,omitempty"`
	Turns     []transcript.TurnRecord `json:"turns"`
}

// startRequest carries optional overrides for POST /api/session/start. Nil
// fields keep the configured values.
type startRequest struct {
	Voice               *string `json:"voice"`
	Instructions        *string `json:"instructions"`
	InputTranscription  *bool   `json:"input_transcription"`
	OutputTranscription *bool   `json:"output_transcription"`
}

func (s startRequest) apply(cfg s2s.SessionConfig) s2s.SessionConfig {
	if s.Voice != nil {
		cfg.Voice = *s.Voice
	}
	if s.Instructions != nil {
		cfg.Instructions = *s.Instructions
	}
	if s.InputTranscription != nil {
		cfg.InputTranscription = *s.InputTranscription
	}
	if s.OutputTranscription != nil {
		cfg.OutputTranscription = *s.OutputTranscription
	}
	return cfg
}

type errorResponse struct {
	Error string `json:"error"`
}

// Handler returns the HTTP handler for the control API, the health probes and
// /metrics, instrumented with request metrics.
func (a *App) Handler() http.Handler {
	mux := http.NewServeMux()
	a.health.Register(mux)
	if a.promHTTP != nil {
		mux.Handle("GET /metrics", a.promHTTP)
	}
	mux.HandleFunc("GET /api/session", a.handleStatus)
	mux.HandleFunc("POST /api/session/start", a.handleStart)
	mux.HandleFunc("POST /api/session/stop", a.handleStop)
	mux.HandleFunc("GET /api/session/text", a.handleText)
	mux.HandleFunc("DELETE /api/session/turns", a.handleClearTurns)
	mux.HandleFunc("GET /api/voices", a.handleVoices)
	return observe.Middleware(a.metrics)(mux)
}

func (a *App) statusBody() statusResponse {
	turns := a.ctrl.Turns()
	if turns == nil {
		turns = []transcript.TurnRecord{}
	}
	return statusResponse{
		Status:    a.ctrl.Status(),
		SessionID: a.ctrl.SessionID(),
		Provider:  a.provider.Name(),
		Voice:     a.ctrl.SessionConfig().Voice,
		Turns:     turns,
	}
}

func (a *App) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, a.statusBody())
}

func (a *App) handleStart(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if len(body) > 0 {
		var req startRequest
		if err := sonic.Unmarshal(body, &req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		a.ctrl.SetSessionConfig(req.apply(a.ctrl.SessionConfig()))
	}

	if err := a.StartSession(r.Context()); err != nil {
		status := http.StatusInternalServerError
		switch {
		case errors.Is(err, resilience.ErrOpen):
			status = http.StatusServiceUnavailable
			secs := int(a.breaker.RetryAfter().Round(time.Second) / time.Second)
			w.Header().Set("Retry-After", strconv.Itoa(max(secs, 1)))
		case errors.Is(err, session.ErrDeviceUnavailable):
			status = http.StatusServiceUnavailable
		}
		a.logger.Warn("app: session start failed", "err", err)
		writeError(w, status, err)
		return
	}
	writeJSON(w, http.StatusAccepted, a.statusBody())
}

func (a *App) handleStop(w http.ResponseWriter, _ *http.Request) {
	if err := a.ctrl.Stop(); err != nil {
		// Teardown errors do not leave anything running.
		a.logger.Warn("app: session teardown reported errors", "err", err)
	}
	writeJSON(w, http.StatusOK, a.statusBody())
}

func (a *App) handleText(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, a.ctrl.Transcript().Text())
}

func (a *App) handleClearTurns(w http.ResponseWriter, _ *http.Request) {
	a.ctrl.ClearTurns()
	w.WriteHeader(http.StatusNoContent)
}

func (a *App) handleVoices(w http.ResponseWriter, _ *http.Request) {
	voices := a.provider.Voices()
	if voices == nil {
		voices = []s2s.Voice{}
	}
	writeJSON(w, http.StatusOK, voices)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := sonic.Marshal(v)
	if err != nil {
		http.Error(w, `{"error":"encode response"}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}
