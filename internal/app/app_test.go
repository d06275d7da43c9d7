package app_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/bytedance/sonic"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/metric/noop"

	"github.com/MrWong99/parley/internal/app"
	"github.com/MrWong99/parley/internal/config"
	"github.com/MrWong99/parley/internal/observe"
	"github.com/MrWong99/parley/internal/resilience"
	audiomock "github.com/MrWong99/parley/pkg/audio/mock"
	"github.com/MrWong99/parley/pkg/provider/s2s"
	s2smock "github.com/MrWong99/parley/pkg/provider/s2s/mock"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

// testConfig returns a defaulted config pointing at the mock provider.
func testConfig() *config.Config {
	cfg := &config.Config{
		Provider: config.ProviderConfig{Name: "mock"},
		Session:  config.SessionConfig{Voice: "Puck", OutputTranscription: true},
	}
	cfg.ApplyDefaults()
	cfg.Audio.BlockFrames = 160
	return cfg
}

type testApp struct {
	app      *app.App
	provider *s2smock.Provider
	devices  *audiomock.Devices
	server   *httptest.Server
}

func newTestApp(t *testing.T, cfg *config.Config, opts ...app.Option) *testApp {
	t.Helper()
	if cfg == nil {
		cfg = testConfig()
	}
	p := &s2smock.Provider{
		AutoOpen:  true,
		VoiceList: []s2s.Voice{{ID: "Puck", Label: "Puck"}, {ID: "Kore", Label: "Kore"}},
	}
	devs := &audiomock.Devices{}
	m, err := observe.NewMetrics(noop.NewMeterProvider())
	require.NoError(t, err)

	opts = append([]app.Option{
		app.WithProvider(p),
		app.WithDevices(devs),
		app.WithMetrics(m),
		app.WithLogger(slog.New(slog.DiscardHandler)),
	}, opts...)
	a, err := app.New(cfg, opts...)
	require.NoError(t, err)

	srv := httptest.NewServer(a.Handler())
	t.Cleanup(func() {
		srv.Close()
		_ = a.Shutdown(context.Background())
	})
	return &testApp{app: a, provider: p, devices: devs, server: srv}
}

func (ta *testApp) do(t *testing.T, method, path, body string) (*http.Response, string) {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, ta.server.URL+path, r)
	require.NoError(t, err)
	resp, err := ta.server.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, string(data)
}

type statusBody struct {
	Status    string `json:"status"`
	SessionID string `json:"session_id"`
	Provider  string `json:"provider"`
	Voice     string `json:"voice"`
	Turns     []struct {
		Role string `json:"role"`
		Text string `json:"text"`
		Turn int    `json:"turn"`
	} `json:"turns"`
}

func decodeStatus(t *testing.T, body string) statusBody {
	t.Helper()
	var s statusBody
	require.NoError(t, sonic.UnmarshalString(body, &s))
	return s
}

// ─── New ─────────────────────────────────────────────────────────────────────

func TestNew_UnregisteredProvider(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.Provider.Name = "nope"
	_, err := app.New(cfg,
		app.WithRegistry(config.NewRegistry()),
		app.WithDevices(&audiomock.Devices{}),
	)
	require.Error(t, err)
	assert.ErrorIs(t, err, config.ErrProviderNotRegistered)
}

func TestNew_ProviderFromRegistry(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.Provider.Model = "m-1"

	var got config.ProviderConfig
	reg := config.NewRegistry()
	reg.Register("mock", func(pc config.ProviderConfig) (s2s.Provider, error) {
		got = pc
		return &s2smock.Provider{}, nil
	})

	a, err := app.New(cfg,
		app.WithRegistry(reg),
		app.WithDevices(&audiomock.Devices{}),
		app.WithLogger(slog.New(slog.DiscardHandler)),
	)
	require.NoError(t, err)
	assert.Equal(t, "mock", a.Provider().Name())
	assert.Equal(t, "m-1", got.Model)
	assert.Equal(t, "Puck", a.Controller().SessionConfig().Voice)
}

func TestNew_FactoryError(t *testing.T) {
	t.Parallel()

	boom := errors.New("boom")
	reg := config.NewRegistry()
	reg.Register("mock", func(config.ProviderConfig) (s2s.Provider, error) { return nil, boom })

	_, err := app.New(testConfig(), app.WithRegistry(reg), app.WithDevices(&audiomock.Devices{}))
	assert.ErrorIs(t, err, boom)
}

func TestRegisterBuiltinProviders(t *testing.T) {
	t.Parallel()

	reg := config.NewRegistry()
	app.RegisterBuiltinProviders(reg, slog.New(slog.DiscardHandler))
	assert.Equal(t, []string{config.ProviderGemini, config.ProviderOpenAI}, reg.Names())

	for _, name := range reg.Names() {
		p, err := reg.Create(config.ProviderConfig{Name: name, APIKey: "k", ConnectTimeout: time.Second})
		require.NoError(t, err)
		assert.Equal(t, name, p.Name())
		assert.NotEmpty(t, p.Voices())
	}
}

// ─── API ─────────────────────────────────────────────────────────────────────

func TestAPI_StatusIdle(t *testing.T) {
	t.Parallel()
	ta := newTestApp(t, nil)

	resp, body := ta.do(t, http.MethodGet, "/api/session", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	s := decodeStatus(t, body)
	assert.Equal(t, "idle", s.Status)
	assert.Equal(t, "mock", s.Provider)
	assert.Equal(t, "Puck", s.Voice)
	assert.Empty(t, s.SessionID)
	assert.NotNil(t, s.Turns)
}

func TestAPI_StartAndStop(t *testing.T) {
	t.Parallel()
	ta := newTestApp(t, nil)

	resp, body := ta.do(t, http.MethodPost, "/api/session/start", "")
	require.Equal(t, http.StatusAccepted, resp.StatusCode, body)
	assert.Equal(t, "mock-1", decodeStatus(t, body).SessionID)

	require.Eventually(t, func() bool {
		return ta.app.Controller().Status() == s2s.StateOpen
	}, waitFor, tick)
	require.Eventually(t, func() bool {
		c := ta.devices.LastCapture()
		return c != nil && c.Started()
	}, waitFor, tick)

	resp, body = ta.do(t, http.MethodPost, "/api/session/stop", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "idle", decodeStatus(t, body).Status)
	assert.Equal(t, 1, ta.provider.Last().CloseCallCount())
	assert.True(t, ta.devices.LastCapture().Closed())
	assert.True(t, ta.devices.LastPlayback().Closed())
}

func TestAPI_StartOverrides(t *testing.T) {
	t.Parallel()
	ta := newTestApp(t, nil)

	resp, body := ta.do(t, http.MethodPost, "/api/session/start",
		`{"voice":"Kore","input_transcription":true}`)
	require.Equal(t, http.StatusAccepted, resp.StatusCode, body)

	require.Len(t, ta.provider.ConnectCalls, 1)
	cfg := ta.provider.ConnectCalls[0].Cfg
	assert.Equal(t, "Kore", cfg.Voice)
	assert.True(t, cfg.InputTranscription)
	assert.True(t, cfg.OutputTranscription, "unset fields keep the configured value")
	assert.Equal(t, "Kore", decodeStatus(t, body).Voice)
}

func TestAPI_StartErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		body   string
		setup  func(*audiomock.Devices)
		status int
	}{
		{name: "malformed body", body: `{"voice":`, status: http.StatusBadRequest},
		{
			name:   "microphone unavailable",
			setup:  func(d *audiomock.Devices) { d.CaptureErr = errors.New("no mic") },
			status: http.StatusServiceUnavailable,
		},
		{
			name:   "speaker unavailable",
			setup:  func(d *audiomock.Devices) { d.PlaybackErr = errors.New("no speaker") },
			status: http.StatusServiceUnavailable,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			ta := newTestApp(t, nil)
			if tt.setup != nil {
				tt.setup(ta.devices)
			}

			resp, body := ta.do(t, http.MethodPost, "/api/session/start", tt.body)
			assert.Equal(t, tt.status, resp.StatusCode)

			var e struct {
				Error string `json:"error"`
			}
			require.NoError(t, sonic.UnmarshalString(body, &e))
			assert.NotEmpty(t, e.Error)
			assert.Empty(t, ta.provider.ConnectCalls)
			assert.Equal(t, s2s.StateIdle, ta.app.Controller().Status())
		})
	}
}

func TestAPI_TranscriptEndpoints(t *testing.T) {
	t.Parallel()
	ta := newTestApp(t, nil)

	resp, _ := ta.do(t, http.MethodPost, "/api/session/start", "")
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	sess := ta.provider.Last()
	require.True(t, sess.Push(s2s.TranscriptDelta{Side: s2s.User, Text: "hello "}))
	require.True(t, sess.Push(s2s.TranscriptDelta{Side: s2s.User, Text: "there"}))
	require.True(t, sess.Push(s2s.TranscriptDelta{Side: s2s.Model, Text: "hi"}))
	require.True(t, sess.Push(s2s.TurnComplete{}))

	require.Eventually(t, func() bool { return len(ta.app.Controller().Turns()) == 2 }, waitFor, tick)

	_, body := ta.do(t, http.MethodGet, "/api/session", "")
	s := decodeStatus(t, body)
	require.Len(t, s.Turns, 2)
	assert.Equal(t, "user", s.Turns[0].Role)
	assert.Equal(t, "hello there", s.Turns[0].Text)
	assert.Equal(t, "model", s.Turns[1].Role)
	assert.Equal(t, 0, s.Turns[1].Turn)

	resp, body = ta.do(t, http.MethodGet, "/api/session/text", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, strings.HasPrefix(resp.Header.Get("Content-Type"), "text/plain"))
	assert.Equal(t, "hello there\nhi", body)

	resp, _ = ta.do(t, http.MethodDelete, "/api/session/turns", "")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Empty(t, ta.app.Controller().Turns())
}

func TestAPI_Voices(t *testing.T) {
	t.Parallel()
	ta := newTestApp(t, nil)

	resp, body := ta.do(t, http.MethodGet, "/api/voices", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var voices []s2s.Voice
	require.NoError(t, sonic.UnmarshalString(body, &voices))
	require.Len(t, voices, 2)
	assert.Equal(t, "Kore", voices[1].ID)
}

func TestAPI_MethodNotAllowed(t *testing.T) {
	t.Parallel()
	ta := newTestApp(t, nil)

	resp, _ := ta.do(t, http.MethodGet, "/api/session/start", "")
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestAPI_Metrics(t *testing.T) {
	t.Parallel()

	metrics := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, "parley_up 1\n")
	})
	ta := newTestApp(t, nil, app.WithMetricsHandler(metrics))

	resp, body := ta.do(t, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body, "parley_up")
}

func TestAPI_Readyz(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		provider string
		apiKey   string
		want     int
	}{
		{name: "keyless provider", provider: "mock", want: http.StatusOK},
		{name: "key present", provider: config.ProviderGemini, apiKey: "k", want: http.StatusOK},
		{name: "key missing", provider: config.ProviderOpenAI, want: http.StatusServiceUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := testConfig()
			cfg.Provider.Name = tt.provider
			cfg.Provider.APIKey = tt.apiKey
			ta := newTestApp(t, cfg)

			resp, _ := ta.do(t, http.MethodGet, "/readyz", "")
			assert.Equal(t, tt.want, resp.StatusCode)
		})
	}
}

func TestAPI_ReadyzAfterSessionError(t *testing.T) {
	t.Parallel()
	ta := newTestApp(t, nil)
	ta.provider.FailWith = errors.New("handshake refused")

	resp, _ := ta.do(t, http.MethodPost, "/api/session/start", "")
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	require.Eventually(t, func() bool {
		return ta.app.Controller().Status() == s2s.StateErrored
	}, waitFor, tick)

	resp, body := ta.do(t, http.MethodGet, "/readyz", "")
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Contains(t, body, "last session failed")
}

func TestAPI_ConnectGuardRejectsAfterFailures(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.Provider.MaxConnectFailures = 1
	cfg.Provider.FailureCooldown = time.Hour
	ta := newTestApp(t, cfg)
	ta.provider.FailWith = errors.New("invalid api key")

	resp, _ := ta.do(t, http.MethodPost, "/api/session/start", "")
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	require.Eventually(t, func() bool {
		_, body := ta.do(t, http.MethodGet, "/readyz", "")
		return strings.Contains(body, "circuit open")
	}, waitFor, tick)

	resp, body := ta.do(t, http.MethodPost, "/api/session/start", "")
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("Retry-After"))
	assert.Contains(t, body, "circuit open")
	assert.Len(t, ta.provider.Sessions(), 1, "rejected start must not connect")
}

func TestStartSession_DeviceFailureDoesNotCount(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.Provider.MaxConnectFailures = 1
	ta := newTestApp(t, cfg)
	ta.devices.CaptureErr = errors.New("no mic")

	for range 3 {
		err := ta.app.StartSession(context.Background())
		require.Error(t, err)
		assert.NotErrorIs(t, err, resilience.ErrOpen)
	}
}

// ─── Config reload ───────────────────────────────────────────────────────────

func TestApplyConfig(t *testing.T) {
	t.Parallel()

	level := new(slog.LevelVar)
	old := testConfig()
	ta := newTestApp(t, old, app.WithLevelVar(level))

	next := testConfig()
	next.Session.Voice = "Kore"
	next.Log.Level = config.LogDebug
	next.Server.ListenAddr = ":9999"
	ta.app.ApplyConfig(old, next)

	assert.Equal(t, "Kore", ta.app.Controller().SessionConfig().Voice)
	assert.Equal(t, slog.LevelDebug, level.Level())
}

func TestApplyConfig_NoChange(t *testing.T) {
	t.Parallel()

	level := new(slog.LevelVar)
	level.Set(slog.LevelWarn)
	cfg := testConfig()
	ta := newTestApp(t, cfg, app.WithLevelVar(level))

	ta.app.ApplyConfig(cfg, testConfig())
	assert.Equal(t, slog.LevelWarn, level.Level())
	assert.Equal(t, "Puck", ta.app.Controller().SessionConfig().Voice)
}

// ─── Lifecycle ───────────────────────────────────────────────────────────────

func TestServe_StopsOnCancel(t *testing.T) {
	t.Parallel()
	ta := newTestApp(t, nil)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- ta.app.Serve(ctx, ln) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + ln.Addr().String() + "/healthz")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, waitFor, tick)

	cancel()
	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(waitFor):
		t.Fatal("Serve did not return after cancel")
	}
}

func TestShutdown_StopsSession(t *testing.T) {
	t.Parallel()
	ta := newTestApp(t, nil)

	require.NoError(t, ta.app.Controller().Start(context.Background()))
	require.Eventually(t, func() bool {
		return ta.app.Controller().Status() == s2s.StateOpen
	}, waitFor, tick)

	require.NoError(t, ta.app.Shutdown(context.Background()))
	assert.Equal(t, s2s.StateIdle, ta.app.Controller().Status())
	assert.Equal(t, 1, ta.provider.Last().CloseCallCount())

	// Second call is a no-op.
	require.NoError(t, ta.app.Shutdown(context.Background()))
}

func TestShutdown_ExpiredContext(t *testing.T) {
	t.Parallel()
	ta := newTestApp(t, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, ta.app.Shutdown(ctx), context.Canceled)
}
