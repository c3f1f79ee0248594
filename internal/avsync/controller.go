// Package avsync keeps visual output aligned with audio playback: master
// clock, drift correction, latency tracking, buffer health and calibration.
package avsync

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/normanking/cortexlipsync/internal/bus"
	"github.com/normanking/cortexlipsync/internal/metrics"
	"github.com/rs/zerolog"
)

// Common errors
var (
	ErrNotActive          = errors.New("sync controller not active")
	ErrCalibrationTimeout = errors.New("sync calibration timed out")
	ErrNoToneSink         = errors.New("no calibration tone sink")
)

// Target latency bounds for adaptive sync.
const (
	MinTargetLatency = 10 * time.Millisecond
	MaxTargetLatency = 100 * time.Millisecond
)

// Penalty scale for the quality score.
const penaltyScale = float64(100 * time.Millisecond)

// Status is the controller lifecycle state.
type Status int

const (
	StatusUninitialized Status = iota
	StatusActive
	StatusStopped
)

func (s Status) String() string {
	switch s {
	case StatusActive:
		return "active"
	case StatusStopped:
		return "stopped"
	default:
		return "uninitialized"
	}
}

// LatencyProvider reports the current output latency, e.g. device base
// latency plus queued output.
type LatencyProvider interface {
	Latency() time.Duration
}

// LatencyFunc adapts a function to LatencyProvider.
type LatencyFunc func() time.Duration

func (f LatencyFunc) Latency() time.Duration { return f() }

// ToneSink plays a calibration tone. The returned channel is closed when
// the tone has actually finished playing.
type ToneSink interface {
	PlayTone(freqHz float64, d time.Duration) (<-chan struct{}, error)
}

// BufferSource reports audio and video buffer occupancy.
type BufferSource interface {
	BufferLevels() (audio, video time.Duration)
}

// TimestampSource reports the current audio and video presentation times.
// ok is false when nothing is playing.
type TimestampSource interface {
	Timestamps() (audio, video time.Duration, ok bool)
}

// Config holds synchronization tunables.
type Config struct {
	DriftThreshold     time.Duration
	CorrectionFactor   float64
	CorrectionInterval time.Duration
	HistorySize        int
	TargetLatency      time.Duration
	AdaptiveSync       bool
	LatencySamples     int
	TargetBufferSize   time.Duration
	TickRate           float64
	QualityDelta       float64
	UseWallClock       bool

	CalibrationTimeout  time.Duration
	CalibrationTone     float64
	CalibrationDuration time.Duration
}

// DefaultConfig returns sensible defaults
func DefaultConfig() *Config {
	return &Config{
		DriftThreshold:      10 * time.Millisecond,
		CorrectionFactor:    0.1,
		CorrectionInterval:  time.Second,
		HistorySize:         10,
		TargetLatency:       50 * time.Millisecond,
		AdaptiveSync:        true,
		LatencySamples:      10,
		TargetBufferSize:    100 * time.Millisecond,
		TickRate:            60,
		QualityDelta:        0.05,
		CalibrationTimeout:  2 * time.Second,
		CalibrationTone:     1000,
		CalibrationDuration: 100 * time.Millisecond,
	}
}

// BufferStatus is buffer health at one tick.
type BufferStatus struct {
	AudioBufferLevel time.Duration `json:"audioBufferLevel"`
	VideoBufferLevel time.Duration `json:"videoBufferLevel"`
	UnderrunCount    int           `json:"underrunCount"`
	OverrunCount     int           `json:"overrunCount"`
	TargetBufferSize time.Duration `json:"targetBufferSize"`
}

// SyncState is an immutable snapshot published by the controller.
type SyncState struct {
	Status          Status        `json:"status"`
	AudioOffset     time.Duration `json:"audioOffset"`
	VideoOffset     time.Duration `json:"videoOffset"`
	MasterClockTime time.Duration `json:"masterClockTime"`
	SyncQuality     float64       `json:"syncQuality"`
	MeasuredLatency time.Duration `json:"measuredLatency"`
	TargetLatency   time.Duration `json:"targetLatency"`
	AvgDrift        time.Duration `json:"avgDrift"`
	Corrections     int           `json:"corrections"`
	Buffer          BufferStatus  `json:"buffer"`
}

// bufferFlags remembers which conditions are currently in effect so each
// episode is counted once.
type bufferFlags struct {
	under, over bool
}

// Controller owns audio/video offsets and the sync quality score. Every
// mutation happens under mu and ends with a fresh snapshot; readers use
// State without locking.
type Controller struct {
	eventBus   *bus.EventBus
	metrics    *metrics.Metrics
	logger     zerolog.Logger
	clock      Clock
	buffers    BufferSource
	timestamps TimestampSource

	mu       sync.Mutex
	cfg      Config
	status   Status
	latency  LatencyProvider
	tone     ToneSink
	origin   time.Duration
	snapshot atomic.Pointer[SyncState]

	audioOffset     time.Duration
	videoOffset     time.Duration
	history         []time.Duration
	avgDrift        time.Duration
	lastCorrection  time.Duration
	corrections     int
	latencyWindow   []time.Duration
	measuredLatency time.Duration
	targetLatency   time.Duration
	quality         float64
	notifiedQuality float64

	audioLevel, videoLevel time.Duration
	audioFlags, videoFlags bufferFlags
	underruns, overruns    int
}

// Option customizes a Controller.
type Option func(*Controller)

// WithClock overrides the master clock chosen at initialization.
func WithClock(c Clock) Option {
	return func(ctl *Controller) { ctl.clock = c }
}

// WithBufferSource samples buffer levels on every tick.
func WithBufferSource(s BufferSource) Option {
	return func(ctl *Controller) { ctl.buffers = s }
}

// WithTimestampSource feeds Synchronize on every tick.
func WithTimestampSource(s TimestampSource) Option {
	return func(ctl *Controller) { ctl.timestamps = s }
}

// NewController creates an uninitialized controller; nil config uses
// defaults.
func NewController(cfg *Config, eventBus *bus.EventBus, m *metrics.Metrics, logger zerolog.Logger, opts ...Option) *Controller {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	c := &Controller{
		cfg:      *cfg,
		eventBus: eventBus,
		metrics:  m,
		logger:   logger.With().Str("component", "avsync").Logger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.snapshot.Store(&SyncState{})
	return c
}

// Initialize picks the master clock, takes a first latency sample and
// becomes active. latency and tone may be nil.
func (c *Controller) Initialize(latency LatencyProvider, tone ToneSink) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.status == StatusActive {
		return nil
	}
	if c.clock == nil {
		if c.cfg.UseWallClock {
			c.clock = NewWallClock()
		} else {
			c.clock = NewMonotonicClock()
		}
	}

	c.latency = latency
	c.tone = tone
	c.origin = c.clock.Now()
	c.lastCorrection = c.origin
	c.audioOffset, c.videoOffset = 0, 0
	c.history = c.history[:0]
	c.avgDrift = 0
	c.corrections = 0
	c.latencyWindow = c.latencyWindow[:0]
	c.measuredLatency = 0
	c.targetLatency = clampLatency(c.cfg.TargetLatency)
	c.audioFlags, c.videoFlags = bufferFlags{}, bufferFlags{}
	c.underruns, c.overruns = 0, 0
	c.status = StatusActive

	c.measureLatencyLocked()
	c.quality = c.computeQualityLocked()
	c.notifiedQuality = c.quality
	c.publishLocked()

	c.logger.Info().
		Dur("target_latency", c.targetLatency).
		Bool("adaptive", c.cfg.AdaptiveSync).
		Msg("Sync controller initialized")
	return nil
}

// Stop halts the controller. Subsequent Synchronize calls fail.
func (c *Controller) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.status != StatusActive {
		return
	}
	c.status = StatusStopped
	c.publishLocked()
	c.logger.Info().Int("corrections", c.corrections).Msg("Sync controller stopped")
}

// Status returns the lifecycle state.
func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// State returns the latest snapshot without locking.
func (c *Controller) State() SyncState {
	return *c.snapshot.Load()
}

// Config returns a copy of the current configuration.
func (c *Controller) Config() Config {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cfg
}

// UpdateConfig swaps tunables. Offsets and history are kept.
func (c *Controller) UpdateConfig(cfg Config) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cfg = cfg
	if !cfg.AdaptiveSync {
		c.targetLatency = clampLatency(cfg.TargetLatency)
	}
	c.logger.Info().
		Dur("drift_threshold", cfg.DriftThreshold).
		Float64("correction_factor", cfg.CorrectionFactor).
		Msg("Sync config updated")
}

// Synchronize records the offset between audio and video presentation
// times and gently corrects the audio offset when the average drift stays
// above threshold.
func (c *Controller) Synchronize(audioTS, videoTS time.Duration) (SyncState, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.status != StatusActive {
		return c.State(), ErrNotActive
	}
	c.synchronizeLocked(audioTS, videoTS)
	c.updateQualityLocked()
	return *c.publishLocked(), nil
}

func (c *Controller) synchronizeLocked(audioTS, videoTS time.Duration) {
	offset := (audioTS + c.audioOffset) - (videoTS + c.videoOffset)
	c.history = append(c.history, offset)
	if size := max(c.cfg.HistorySize, 1); len(c.history) > size {
		c.history = c.history[len(c.history)-size:]
	}
	c.avgDrift = mean(c.history)

	now := c.clock.Now()
	if abs(c.avgDrift) <= c.cfg.DriftThreshold || now-c.lastCorrection < c.cfg.CorrectionInterval {
		return
	}

	correction := time.Duration(math.Round(-float64(c.avgDrift) * c.cfg.CorrectionFactor))
	c.audioOffset += correction
	c.lastCorrection = now
	c.corrections++
	c.metrics.Corrected()

	c.logger.Debug().
		Dur("drift", c.avgDrift).
		Dur("correction", correction).
		Dur("audio_offset", c.audioOffset).
		Msg("Drift corrected")
	c.publishEvent(bus.EventTypeSyncDrift, map[string]any{
		"drift":        c.avgDrift,
		"correction":   correction,
		"audio_offset": c.audioOffset,
	})
}

// MeasureLatency samples the latency provider and returns the moving
// average. With adaptive sync the target latency follows the measurement.
func (c *Controller) MeasureLatency() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.measureLatencyLocked()
	c.updateQualityLocked()
	c.publishLocked()
	return c.measuredLatency
}

func (c *Controller) measureLatencyLocked() {
	if c.latency == nil {
		return
	}
	c.latencyWindow = append(c.latencyWindow, c.latency.Latency())
	if size := max(c.cfg.LatencySamples, 1); len(c.latencyWindow) > size {
		c.latencyWindow = c.latencyWindow[len(c.latencyWindow)-size:]
	}
	c.measuredLatency = mean(c.latencyWindow)

	if c.cfg.AdaptiveSync {
		c.targetLatency = clampLatency(c.targetLatency + (c.measuredLatency-c.targetLatency)/10)
	}
}

// UpdateBuffers records buffer levels and signals underrun and overrun.
// Each new episode is counted once and clears the drift history.
func (c *Controller) UpdateBuffers(audioLevel, videoLevel time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.updateBuffersLocked(audioLevel, videoLevel)
	c.publishLocked()
}

func (c *Controller) updateBuffersLocked(audioLevel, videoLevel time.Duration) {
	c.audioLevel, c.videoLevel = audioLevel, videoLevel
	target := c.cfg.TargetBufferSize
	if target <= 0 {
		return
	}
	c.checkBuffer("audio", audioLevel, target, &c.audioFlags)
	c.checkBuffer("video", videoLevel, target, &c.videoFlags)
}

func (c *Controller) checkBuffer(kind string, level, target time.Duration, flags *bufferFlags) {
	under := level < target/10
	over := level > 2*target

	if under && !flags.under {
		c.underruns++
		c.bufferEpisode(bus.EventTypeBufferUnderrun, "underrun", kind, level)
	}
	if over && !flags.over {
		c.overruns++
		c.bufferEpisode(bus.EventTypeBufferOverrun, "overrun", kind, level)
	}
	flags.under, flags.over = under, over
}

func (c *Controller) bufferEpisode(t bus.EventType, label, kind string, level time.Duration) {
	c.history = c.history[:0]
	c.avgDrift = 0
	c.metrics.BufferEvent(label)
	c.logger.Warn().Str("buffer", kind).Dur("level", level).Msg("Buffer " + label)
	c.publishEvent(t, map[string]any{
		"type":      kind,
		"level":     level,
		"timestamp": c.clock.Now(),
	})
}

// CalibrateSync plays a tone and sets the audio offset from how late it
// finished relative to its scheduled duration. It waits at most the
// calibration timeout.
func (c *Controller) CalibrateSync(ctx context.Context) (time.Duration, error) {
	c.mu.Lock()
	if c.status != StatusActive {
		c.mu.Unlock()
		return 0, ErrNotActive
	}
	tone, cfg, clock := c.tone, c.cfg, c.clock
	c.mu.Unlock()

	if tone == nil {
		return 0, ErrNoToneSink
	}

	start := clock.Now()
	done, err := tone.PlayTone(cfg.CalibrationTone, cfg.CalibrationDuration)
	if err != nil {
		return 0, fmt.Errorf("play calibration tone: %w", err)
	}

	timer := time.NewTimer(cfg.CalibrationTimeout)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	case <-timer.C:
		c.logger.Warn().Dur("timeout", cfg.CalibrationTimeout).Msg("Calibration tone did not complete")
		c.publishEvent(bus.EventTypeError, map[string]any{
			"kind":    "calibration_timeout",
			"timeout": cfg.CalibrationTimeout,
		})
		return 0, ErrCalibrationTimeout
	case <-done:
	}

	actual := clock.Now() - start
	latency := actual - cfg.CalibrationDuration

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.status != StatusActive {
		return 0, ErrNotActive
	}
	c.audioOffset = -latency
	c.history = c.history[:0]
	c.avgDrift = 0
	c.lastCorrection = clock.Now()
	c.updateQualityLocked()
	c.publishLocked()

	c.logger.Info().Dur("latency", latency).Dur("audio_offset", c.audioOffset).Msg("Sync calibrated")
	c.publishEvent(bus.EventTypeCalibrated, map[string]any{
		"latency":      latency,
		"audio_offset": c.audioOffset,
	})
	return latency, nil
}

// Tick runs one synchronization step: latency, buffers, timestamps,
// quality and snapshot.
func (c *Controller) Tick() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.status != StatusActive {
		return
	}

	c.measureLatencyLocked()
	if c.buffers != nil {
		a, v := c.buffers.BufferLevels()
		c.updateBuffersLocked(a, v)
	}
	if c.timestamps != nil {
		if a, v, ok := c.timestamps.Timestamps(); ok {
			c.synchronizeLocked(a, v)
		}
	}
	c.updateQualityLocked()
	s := c.publishLocked()
	c.metrics.ObserveSync(s.AudioOffset, s.MeasuredLatency, s.SyncQuality)
}

// Run ticks until ctx is cancelled.
func (c *Controller) Run(ctx context.Context) error {
	rate := c.Config().TickRate
	if rate <= 0 {
		rate = 60
	}
	ticker := time.NewTicker(time.Duration(float64(time.Second) / rate))
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			c.Tick()
		}
	}
}

func (c *Controller) computeQualityLocked() float64 {
	offsetPenalty := math.Min(1, float64(abs(c.audioOffset)+abs(c.videoOffset))/penaltyScale)
	latencyPenalty := math.Min(1, math.Max(0, float64(c.measuredLatency-c.targetLatency))/penaltyScale)
	return math.Max(0, 1-offsetPenalty-latencyPenalty)
}

func (c *Controller) updateQualityLocked() {
	c.quality = c.computeQualityLocked()
	if math.Abs(c.quality-c.notifiedQuality) > c.cfg.QualityDelta {
		c.publishEvent(bus.EventTypeQualityChange, map[string]any{
			"score":    c.quality,
			"previous": c.notifiedQuality,
		})
		c.notifiedQuality = c.quality
	}
}

func (c *Controller) publishLocked() *SyncState {
	s := &SyncState{
		Status:          c.status,
		AudioOffset:     c.audioOffset,
		VideoOffset:     c.videoOffset,
		SyncQuality:     c.quality,
		MeasuredLatency: c.measuredLatency,
		TargetLatency:   c.targetLatency,
		AvgDrift:        c.avgDrift,
		Corrections:     c.corrections,
		Buffer: BufferStatus{
			AudioBufferLevel: c.audioLevel,
			VideoBufferLevel: c.videoLevel,
			UnderrunCount:    c.underruns,
			OverrunCount:     c.overruns,
			TargetBufferSize: c.cfg.TargetBufferSize,
		},
	}
	if c.clock != nil {
		s.MasterClockTime = c.clock.Now() - c.origin
	}
	c.snapshot.Store(s)
	return s
}

func (c *Controller) publishEvent(t bus.EventType, data map[string]any) {
	if c.eventBus == nil {
		return
	}
	c.eventBus.Publish(bus.Event{Type: t, Data: data})
}

func clampLatency(d time.Duration) time.Duration {
	return min(max(d, MinTargetLatency), MaxTargetLatency)
}

func mean(xs []time.Duration) time.Duration {
	if len(xs) == 0 {
		return 0
	}
	var sum time.Duration
	for _, x := range xs {
		sum += x
	}
	return sum / time.Duration(len(xs))
}

func abs(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
