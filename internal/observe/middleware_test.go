package observe

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// testSetup creates both metrics and tracing infrastructure for middleware tests.
func testSetup(t *testing.T) (*Metrics, *sdkmetric.ManualReader, *tracetest.InMemoryExporter) {
	t.Helper()
	m, reader := newTestMetrics(t)
	return m, reader, useTestTracer(t)
}

// routeAttrs returns the attribute maps of every duration data point.
func routeAttrs(t *testing.T, reader *sdkmetric.ManualReader) []map[string]string {
	t.Helper()
	met := findMetric(collect(t, reader), "parley.http.request.duration")
	require.NotNil(t, met, "duration metric not found")
	hist, ok := met.Data.(metricdata.Histogram[float64])
	require.True(t, ok, "metric is not a histogram")

	var out []map[string]string
	for _, dp := range hist.DataPoints {
		attrs := map[string]string{}
		for _, kv := range dp.Attributes.ToSlice() {
			attrs[string(kv.Key)] = kv.Value.Emit()
		}
		out = append(out, attrs)
	}
	return out
}

func TestMiddleware_SetsCorrelationID(t *testing.T) {
	m, _, _ := testSetup(t)

	var capturedCID string
	handler := Middleware(m)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		capturedCID = CorrelationID(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("GET", "/test", nil))

	assert.Len(t, capturedCID, 32)
	assert.Equal(t, capturedCID, rec.Header().Get("X-Correlation-ID"))
}

func TestMiddleware_CreatesSpan(t *testing.T) {
	m, _, exp := testSetup(t)

	handler := Middleware(m)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/span-test", nil))

	spans := exp.GetSpans()
	require.NotEmpty(t, spans)
	assert.Equal(t, "HTTP GET /span-test", spans[0].Name)
}

func TestMiddleware_RecordsMuxPattern(t *testing.T) {
	m, reader, _ := testSetup(t)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/session/turns/{n}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	handler := Middleware(m)(mux)

	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/api/session/turns/1", nil))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/api/session/turns/2", nil))

	points := routeAttrs(t, reader)
	require.Len(t, points, 1)
	assert.Equal(t, "GET", points[0]["method"])
	assert.Equal(t, "GET /api/session/turns/{n}", points[0]["route"])
	assert.Equal(t, "200", points[0]["status"])
}

func TestMiddleware_UnmatchedRoute(t *testing.T) {
	m, reader, _ := testSetup(t)

	handler := Middleware(m)(http.NewServeMux())
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/nope/1", nil))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/nope/2", nil))

	points := routeAttrs(t, reader)
	require.Len(t, points, 1)
	assert.Equal(t, unmatchedRoute, points[0]["route"])
	assert.Equal(t, "404", points[0]["status"])
}

func TestMiddleware_CapturesStatusCode(t *testing.T) {
	m, _, exp := testSetup(t)

	handler := Middleware(m)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("GET", "/not-found", nil))

	assert.Equal(t, http.StatusNotFound, rec.Code)

	spans := exp.GetSpans()
	require.NotEmpty(t, spans)
	found := false
	for _, a := range spans[0].Attributes {
		if string(a.Key) == "http.response.status_code" && a.Value.AsInt64() == 404 {
			found = true
		}
	}
	assert.True(t, found, "span missing http.response.status_code attribute")
}

func TestMiddleware_PropagatesW3CTraceContext(t *testing.T) {
	m, _, _ := testSetup(t)

	var capturedCID string
	handler := Middleware(m)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		capturedCID = CorrelationID(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest("GET", "/propagate", nil)
	req.Header.Set("traceparent", "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	const want = "4bf92f3577b34da6a3ce929d0e0e4736"
	assert.Equal(t, want, capturedCID)
	assert.Equal(t, want, rec.Header().Get("X-Correlation-ID"))
}

func TestIsProbe(t *testing.T) {
	assert.True(t, isProbe("/healthz"))
	assert.True(t, isProbe("/readyz"))
	assert.True(t, isProbe("/metrics"))
	assert.False(t, isProbe("/api/session"))
}

