package telemetry

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestNewTracerProviderRecordsAndLogsSpans(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zapcore.DebugLevel)
	recorder := tracetest.NewSpanRecorder()
	tp, err := NewTracerProvider(context.Background(), Config{
		ServiceName: "analyzer-test",
		Version:     "v0.0.1",
		SampleRatio: 1,
		LogSpans:    true,
	}, zap.New(core), recorder)
	require.NoError(t, err)
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	_, span := tp.Tracer("test").Start(context.Background(), "stage.execute")
	span.End()

	ended := recorder.Ended()
	require.Len(t, ended, 1)
	require.Equal(t, "stage.execute", ended[0].Name())

	var service string
	for _, kv := range ended[0].Resource().Attributes() {
		if kv.Key == "service.name" {
			service = kv.Value.AsString()
		}
	}
	require.Equal(t, "analyzer-test", service)

	entries := logs.FilterMessage("span finished").All()
	require.Len(t, entries, 1)
	require.Equal(t, "stage.execute", entries[0].ContextMap()["span"])
}

func TestNewTracerProviderZeroRatioDropsRootSpans(t *testing.T) {
	t.Parallel()

	recorder := tracetest.NewSpanRecorder()
	tp, err := NewTracerProvider(context.Background(), Config{ServiceName: "analyzer-test"}, nil, recorder)
	require.NoError(t, err)
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	_, span := tp.Tracer("test").Start(context.Background(), "dropped")
	span.End()
	require.Empty(t, recorder.Ended())
}

func TestInstallDisabledIsNoop(t *testing.T) {
	t.Parallel()

	shutdown, err := Install(context.Background(), Config{}, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, Shutdown(shutdown, time.Second))
	require.NoError(t, Shutdown(nil, time.Second))
}

func TestMiddlewareRecordsRoute(t *testing.T) {
	t.Parallel()

	r := chi.NewRouter()
	r.Use(Middleware)
	r.Get("/v1/runs/{run_id}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/runs/abc", nil))
	require.Equal(t, http.StatusTeapot, rec.Code)
}

var _ sdktrace.SpanProcessor = (*logProcessor)(nil)
