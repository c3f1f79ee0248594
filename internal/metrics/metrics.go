// Package metrics exposes Prometheus collectors for the lip-sync pipeline.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the pipeline collectors on a private registry. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	Registry *prometheus.Registry

	FramesAnalyzed   prometheus.Counter
	FramesDropped    prometheus.Counter
	PhonemesEmitted  *prometheus.CounterVec
	AnalysisDuration prometheus.Histogram

	TimelineEntries prometheus.Gauge
	PlayerTicks     prometheus.Counter
	TickDuration    prometheus.Histogram
	VisemeChanges   prometheus.Counter

	SyncOffset      prometheus.Gauge
	SyncQuality     prometheus.Gauge
	MeasuredLatency prometheus.Gauge
	SyncCorrections prometheus.Counter
	BufferEvents    *prometheus.CounterVec

	PerformanceWarnings *prometheus.CounterVec
	StreamClients       prometheus.Gauge
}

// New registers all collectors on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		Registry: reg,

		FramesAnalyzed: factory.NewCounter(prometheus.CounterOpts{
			Name: "cortex_lipsync_frames_analyzed_total",
			Help: "Total number of audio frames analyzed",
		}),
		FramesDropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "cortex_lipsync_capture_chunks_dropped_total",
			Help: "Capture chunks dropped because the analysis queue was full",
		}),
		PhonemesEmitted: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cortex_lipsync_phonemes_total",
				Help: "Phoneme events emitted by the analysis pipeline",
			},
			[]string{"symbol"},
		),
		AnalysisDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "cortex_lipsync_analysis_duration_seconds",
			Help:    "Time spent analyzing one frame",
			Buckets: prometheus.ExponentialBuckets(0.0001, 2, 12),
		}),

		TimelineEntries: factory.NewGauge(prometheus.GaugeOpts{
			Name: "cortex_lipsync_timeline_entries",
			Help: "Entries in the currently loaded timeline",
		}),
		PlayerTicks: factory.NewCounter(prometheus.CounterOpts{
			Name: "cortex_lipsync_player_ticks_total",
			Help: "Resolution ticks executed by the player",
		}),
		TickDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "cortex_lipsync_tick_duration_seconds",
			Help:    "Time spent resolving one output frame",
			Buckets: prometheus.ExponentialBuckets(0.00005, 2, 12),
		}),
		VisemeChanges: factory.NewCounter(prometheus.CounterOpts{
			Name: "cortex_lipsync_viseme_changes_total",
			Help: "Primary viseme changes during playback",
		}),

		SyncOffset: factory.NewGauge(prometheus.GaugeOpts{
			Name: "cortex_lipsync_sync_audio_offset_seconds",
			Help: "Current audio offset applied by the sync controller",
		}),
		SyncQuality: factory.NewGauge(prometheus.GaugeOpts{
			Name: "cortex_lipsync_sync_quality",
			Help: "Sync quality score between 0 and 1",
		}),
		MeasuredLatency: factory.NewGauge(prometheus.GaugeOpts{
			Name: "cortex_lipsync_measured_latency_seconds",
			Help: "Moving average of measured output latency",
		}),
		SyncCorrections: factory.NewCounter(prometheus.CounterOpts{
			Name: "cortex_lipsync_sync_corrections_total",
			Help: "Drift corrections applied",
		}),
		BufferEvents: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cortex_lipsync_buffer_events_total",
				Help: "Buffer underrun and overrun events",
			},
			[]string{"kind"},
		),

		PerformanceWarnings: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cortex_lipsync_performance_warnings_total",
				Help: "Processing steps that exceeded their CPU budget",
			},
			[]string{"component"},
		),
		StreamClients: factory.NewGauge(prometheus.GaugeOpts{
			Name: "cortex_lipsync_stream_clients",
			Help: "Connected WebSocket clients",
		}),
	}
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{Registry: m.Registry})
}

func (m *Metrics) ObserveAnalysis(d time.Duration) {
	if m == nil {
		return
	}
	m.FramesAnalyzed.Inc()
	m.AnalysisDuration.Observe(d.Seconds())
}

func (m *Metrics) CaptureDropped() {
	if m == nil {
		return
	}
	m.FramesDropped.Inc()
}

func (m *Metrics) PhonemeEmitted(symbol string) {
	if m == nil {
		return
	}
	m.PhonemesEmitted.WithLabelValues(symbol).Inc()
}

func (m *Metrics) TimelineLoaded(entries int) {
	if m == nil {
		return
	}
	m.TimelineEntries.Set(float64(entries))
}

func (m *Metrics) ObserveTick(d time.Duration) {
	if m == nil {
		return
	}
	m.PlayerTicks.Inc()
	m.TickDuration.Observe(d.Seconds())
}

func (m *Metrics) VisemeChanged() {
	if m == nil {
		return
	}
	m.VisemeChanges.Inc()
}

// ObserveSync records one controller snapshot.
func (m *Metrics) ObserveSync(audioOffset, latency time.Duration, quality float64) {
	if m == nil {
		return
	}
	m.SyncOffset.Set(audioOffset.Seconds())
	m.MeasuredLatency.Set(latency.Seconds())
	m.SyncQuality.Set(quality)
}

func (m *Metrics) Corrected() {
	if m == nil {
		return
	}
	m.SyncCorrections.Inc()
}

// BufferEvent counts an "underrun" or "overrun".
func (m *Metrics) BufferEvent(kind string) {
	if m == nil {
		return
	}
	m.BufferEvents.WithLabelValues(kind).Inc()
}

func (m *Metrics) PerformanceWarning(component string) {
	if m == nil {
		return
	}
	m.PerformanceWarnings.WithLabelValues(component).Inc()
}

func (m *Metrics) SetStreamClients(n int) {
	if m == nil {
		return
	}
	m.StreamClients.Set(float64(n))
}
