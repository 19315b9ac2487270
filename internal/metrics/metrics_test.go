package metrics_test

import (
	"io"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jason-s-yu/verdict/internal/metrics"
)

func TestCounters(t *testing.T) {
	m := metrics.New()
	m.GameStarted()
	m.GameEnded("score_reached")
	m.Rejected("submitCards", "FailedPrecondition")
	m.ConnectionOpened()
	m.ConnectionOpened()
	m.ConnectionClosed()

	assert.Equal(t, 1.0, testutil.ToFloat64(m.GamesStarted))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.GamesEnded.WithLabelValues("score_reached")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.LiveConnections))

	m.SetEventQueueDepth(7)
	assert.Equal(t, 7.0, testutil.ToFloat64(m.EventQueueDepth))

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "verdict_rejected_actions_total")
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *metrics.Metrics
	assert.NotPanics(t, func() {
		m.GameStarted()
		m.BroadcastDropped()
		m.Rejected("x", "y")
		m.SetEventQueueDepth(3)
	})
}
