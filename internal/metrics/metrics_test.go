package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestGatewayCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewGateway(reg)

	m.Connections.Inc()
	m.Published.WithLabelValues("ok").Inc()
	m.Published.WithLabelValues("ok").Inc()
	m.Closures.WithLabelValues("session_expired").Inc()

	require.InDelta(t, 1, testutil.ToFloat64(m.Connections), 0)
	require.InDelta(t, 2, testutil.ToFloat64(m.Published.WithLabelValues("ok")), 0)
	// connections, published{ok}, delivered, closures{session_expired}
	n, err := testutil.GatherAndCount(reg)
	require.NoError(t, err)
	require.Equal(t, 4, n)
}

func TestHandlerExposesWorkerMetrics(t *testing.T) {
	reg := NewRegistry()
	m := NewWorker(reg)
	m.Processed.WithLabelValues("replied").Inc()
	m.InferenceSeconds.Observe(0.3)

	rec := httptest.NewRecorder()
	Handler(reg).ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)

	text := string(body)
	require.True(t, strings.Contains(text, `chatrelay_worker_processed_total{outcome="replied"} 1`))
	require.True(t, strings.Contains(text, "chatrelay_worker_inference_seconds_count 1"))
	require.True(t, strings.Contains(text, "go_goroutines"))
}
