package telemetry_test

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"

	"github.com/neexbeast/weather-lookup/internal/telemetry"
)

func TestSetup_NoURLIsNoop(t *testing.T) {
	shutdown, err := telemetry.Setup("weather-lookup", "test", "")
	require.NoError(t, err)
	require.NotNil(t, shutdown)
	assert.NoError(t, shutdown(context.Background()))
}

func TestSetup_InvalidURL(t *testing.T) {
	_, err := telemetry.Setup("weather-lookup", "test", "not a url")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "zipkin")
}

func TestSetup_ExportsSpansOnShutdown(t *testing.T) {
	var posts atomic.Int32
	collector := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.Copy(io.Discard, r.Body)
		posts.Add(1)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer collector.Close()

	prev := otel.GetTracerProvider()
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	shutdown, err := telemetry.Setup("weather-lookup", "test", collector.URL+"/api/v2/spans")
	require.NoError(t, err)

	_, span := otel.Tracer("weather").Start(context.Background(), "test-span")
	span.End()

	require.NoError(t, shutdown(context.Background()))
	assert.GreaterOrEqual(t, posts.Load(), int32(1))
}
