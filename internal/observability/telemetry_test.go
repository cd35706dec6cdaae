package observability

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lvonguyen/patternforge/internal/detection"
)

var _ detection.MetricsRecorder = (*Metrics)(nil)

func TestMetricsRecorder(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.EventAnalyzed(2*time.Millisecond, 1)
	m.EventAnalyzed(time.Millisecond, 0)
	m.AlertRaised("brute_force", "high")
	m.AlertRaised("brute_force", "high")
	m.PatternError("Broken")
	m.StateSize(42, 7, 3)
	m.SinkPublish(nil)
	m.SinkPublish(errors.New("down"))
	m.ObserveRequest(http.MethodPost, "/api/v1/events", 200, time.Millisecond)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.EventsAnalyzed))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.AlertsRaised.WithLabelValues("brute_force", "high")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.PatternErrors.WithLabelValues("Broken")))
	assert.Equal(t, 42.0, testutil.ToFloat64(m.HistorySize))
	assert.Equal(t, 7.0, testutil.ToFloat64(m.TrackedIPs))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.TrackedUsers))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SinkPublishes.WithLabelValues("error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RequestsTotal.WithLabelValues("POST", "/api/v1/events", "200")))
}

func TestNewTelemetryIsolatedRegistries(t *testing.T) {
	cfg := DefaultConfig()
	cfg.LogLevel = "error"

	first, err := New(cfg)
	require.NoError(t, err)
	second, err := New(cfg)
	require.NoError(t, err)
	require.NotNil(t, first.Metrics())
	require.NotNil(t, second.Metrics())

	first.Metrics().AlertRaised("malware", "critical")

	rr := httptest.NewRecorder()
	first.MetricsHandler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body, _ := io.ReadAll(rr.Body)
	assert.Contains(t, string(body), `patternforge_alerts_raised_total{category="malware",severity="critical"} 1`)

	rr = httptest.NewRecorder()
	second.MetricsHandler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body, _ = io.ReadAll(rr.Body)
	assert.NotContains(t, string(body), `category="malware"`)

	assert.NoError(t, first.Shutdown(context.Background()))
	assert.NoError(t, second.Shutdown(context.Background()))
}

func TestMetricsDisabled(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MetricsEnabled = false
	tel, err := New(cfg)
	require.NoError(t, err)
	assert.Nil(t, tel.Metrics())
	tel.StartSystemMetricsCollector(context.Background(), time.Millisecond)
	require.NotNil(t, tel.Tracer())
}

func TestNewLoggerLevels(t *testing.T) {
	for _, level := range []string{"debug", "info", "warn", "error", "bogus"} {
		cfg := DefaultConfig()
		cfg.LogLevel = level
		logger, err := NewLogger(cfg)
		require.NoError(t, err, level)
		assert.NotNil(t, logger)
	}

	cfg := DefaultConfig()
	cfg.LogFormat = "console"
	cfg.LogLevel = "debug"
	logger, err := NewLogger(cfg)
	require.NoError(t, err)
	assert.True(t, logger.Core().Enabled(-1))
}
