package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ObserveAnalysis(time.Millisecond)
		m.CaptureDropped()
		m.PhonemeEmitted("AA")
		m.TimelineLoaded(3)
		m.ObserveTick(time.Millisecond)
		m.VisemeChanged()
		m.ObserveSync(time.Millisecond, time.Millisecond, 0.5)
		m.Corrected()
		m.BufferEvent("underrun")
		m.PerformanceWarning("player")
		m.SetStreamClients(1)
	})
}

func TestCollectors(t *testing.T) {
	m := New()

	m.ObserveAnalysis(2 * time.Millisecond)
	m.ObserveAnalysis(3 * time.Millisecond)
	m.PhonemeEmitted("AA")
	m.PhonemeEmitted("AA")
	m.PhonemeEmitted("S")
	m.BufferEvent("underrun")
	m.ObserveSync(-20*time.Millisecond, 40*time.Millisecond, 0.9)
	m.TimelineLoaded(7)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.FramesAnalyzed))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.PhonemesEmitted.WithLabelValues("AA")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.PhonemesEmitted.WithLabelValues("S")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.BufferEvents.WithLabelValues("underrun")))
	assert.InDelta(t, -0.02, testutil.ToFloat64(m.SyncOffset), 1e-9)
	assert.InDelta(t, 0.9, testutil.ToFloat64(m.SyncQuality), 1e-9)
	assert.Equal(t, 7.0, testutil.ToFloat64(m.TimelineEntries))
}

func TestHandlerServesRegistry(t *testing.T) {
	m := New()
	m.Corrected()

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "cortex_lipsync_sync_corrections_total 1"))
}
