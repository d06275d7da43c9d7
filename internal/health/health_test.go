package health

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/bytedance/sonic"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decode(t *testing.T, rec *httptest.ResponseRecorder) result {
	t.Helper()
	var body result
	require.NoError(t, sonic.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

func ok(context.Context) error { return nil }

func TestHealthz_AlwaysReturns200(t *testing.T) {
	rec := httptest.NewRecorder()
	New(Checker{Name: "broken", Check: func(context.Context) error { return errors.New("x") }}).
		Healthz(rec, httptest.NewRequest("GET", "/healthz", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json; charset=utf-8", rec.Header().Get("Content-Type"))
	assert.Equal(t, "ok", decode(t, rec).Status)
}

func TestReadyz(t *testing.T) {
	tests := []struct {
		name       string
		checkers   []Checker
		wantCode   int
		wantStatus string
		wantChecks map[string]string
	}{
		{
			name:       "no checkers",
			wantCode:   http.StatusOK,
			wantStatus: "ok",
		},
		{
			name: "all pass",
			checkers: []Checker{
				{Name: "provider", Check: ok},
				{Name: "devices", Check: ok},
			},
			wantCode:   http.StatusOK,
			wantStatus: "ok",
			wantChecks: map[string]string{"provider": "ok", "devices": "ok"},
		},
		{
			name: "one fails",
			checkers: []Checker{
				{Name: "provider", Check: ok},
				{Name: "devices", Check: func(context.Context) error { return errors.New("no speaker") }},
			},
			wantCode:   http.StatusServiceUnavailable,
			wantStatus: "fail",
			wantChecks: map[string]string{"provider": "ok", "devices": "fail: no speaker"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			New(tt.checkers...).Readyz(rec, httptest.NewRequest("GET", "/readyz", nil))

			assert.Equal(t, tt.wantCode, rec.Code)
			body := decode(t, rec)
			assert.Equal(t, tt.wantStatus, body.Status)
			if tt.wantChecks != nil {
				assert.Equal(t, tt.wantChecks, body.Checks)
			}
		})
	}
}

func TestReadyz_CheckerTimeout(t *testing.T) {
	h := New(Checker{Name: "slow", Check: func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}})
	h.timeout = 20 * time.Millisecond

	rec := httptest.NewRecorder()
	h.Readyz(rec, httptest.NewRequest("GET", "/readyz", nil))

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, decode(t, rec).Checks["slow"], "deadline exceeded")
}

func TestRegister_RoutesWork(t *testing.T) {
	mux := http.NewServeMux()
	New().Register(mux)

	for _, path := range []string{"/healthz", "/readyz"} {
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, httptest.NewRequest("GET", path, nil))
		assert.Equal(t, http.StatusOK, rec.Code, path)
	}

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest("POST", "/healthz", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}
