package avsync

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/normanking/cortexlipsync/internal/bus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const ms = time.Millisecond

type fakeTone struct {
	clock *ManualClock
	delay time.Duration
	hang  bool
	err   error
}

func (f *fakeTone) PlayTone(_ float64, d time.Duration) (<-chan struct{}, error) {
	if f.err != nil {
		return nil, f.err
	}
	ch := make(chan struct{})
	if f.hang {
		return ch, nil
	}
	f.clock.Advance(d + f.delay)
	close(ch)
	return ch, nil
}

type fakeSources struct {
	mu           sync.Mutex
	audio, video time.Duration
	playing      bool
}

func (f *fakeSources) BufferLevels() (time.Duration, time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return 50 * ms, 50 * ms
}

func (f *fakeSources) Timestamps() (time.Duration, time.Duration, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.audio, f.video, f.playing
}

func newTestController(t *testing.T, cfg *Config, eb *bus.EventBus, opts ...Option) (*Controller, *ManualClock) {
	t.Helper()
	clock := NewManualClock(0)
	opts = append([]Option{WithClock(clock)}, opts...)
	return NewController(cfg, eb, nil, zerolog.Nop(), opts...), clock
}

func collect(eb *bus.EventBus, types ...bus.EventType) chan bus.Event {
	ch := make(chan bus.Event, 64)
	eb.SubscribeMultiple(types, func(e bus.Event) { ch <- e })
	return ch
}

func waitEvent(t *testing.T, ch chan bus.Event) bus.Event {
	t.Helper()
	select {
	case e := <-ch:
		return e
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
		return bus.Event{}
	}
}

func TestController_NotActive(t *testing.T) {
	c, _ := newTestController(t, nil, nil)

	_, err := c.Synchronize(0, 0)
	assert.ErrorIs(t, err, ErrNotActive)
	_, err = c.CalibrateSync(context.Background())
	assert.ErrorIs(t, err, ErrNotActive)

	require.NoError(t, c.Initialize(nil, nil))
	assert.Equal(t, StatusActive, c.Status())
	_, err = c.Synchronize(0, 0)
	assert.NoError(t, err)

	c.Stop()
	assert.Equal(t, StatusStopped, c.Status())
	assert.Equal(t, StatusStopped, c.State().Status)
	_, err = c.Synchronize(0, 0)
	assert.ErrorIs(t, err, ErrNotActive)
}

func TestController_DriftConverges(t *testing.T) {
	c, clock := newTestController(t, nil, nil)
	require.NoError(t, c.Initialize(nil, nil))
	cfg := c.Config()

	var (
		lastDrift   = time.Duration(1 << 62)
		corrections int
		settled     bool
	)
	for cycle := 0; cycle < 40; cycle++ {
		now := clock.Advance(time.Second)
		var s SyncState
		for i := 0; i < cfg.HistorySize; i++ {
			var err error
			s, err = c.Synchronize(now+60*ms, now)
			require.NoError(t, err)
		}

		if s.Corrections == corrections {
			settled = true
			assert.LessOrEqual(t, abs(s.AvgDrift), cfg.DriftThreshold)
			continue
		}
		require.False(t, settled, "correction fired after drift settled (cycle %d)", cycle)
		assert.Equal(t, corrections+1, s.Corrections, "one correction per interval")
		assert.Less(t, s.AvgDrift, lastDrift, "drift shrinks every cycle")
		lastDrift = s.AvgDrift
		corrections = s.Corrections
	}

	require.True(t, settled)
	assert.Greater(t, corrections, 10)
	assert.Negative(t, c.State().AudioOffset)
}

func TestController_CorrectionSpacing(t *testing.T) {
	eb := bus.NewEventBus()
	drift := collect(eb, bus.EventTypeSyncDrift)
	c, clock := newTestController(t, nil, eb)
	require.NoError(t, c.Initialize(nil, nil))

	s, _ := c.Synchronize(40*ms, 0)
	assert.Zero(t, s.Corrections, "first interval not yet elapsed")

	clock.Advance(time.Second)
	s, _ = c.Synchronize(40*ms, 0)
	assert.Equal(t, 1, s.Corrections)

	clock.Advance(500 * ms)
	s, _ = c.Synchronize(40*ms, 0)
	assert.Equal(t, 1, s.Corrections)

	e := waitEvent(t, drift)
	assert.Equal(t, 40*ms, e.Data["drift"])
	assert.Equal(t, -4*ms, e.Data["correction"])
}

func TestController_SmallDriftIgnored(t *testing.T) {
	c, clock := newTestController(t, nil, nil)
	require.NoError(t, c.Initialize(nil, nil))

	for i := 0; i < 5; i++ {
		now := clock.Advance(time.Second)
		s, err := c.Synchronize(now+8*ms, now)
		require.NoError(t, err)
		assert.Zero(t, s.Corrections)
		assert.Equal(t, 8*ms, s.AvgDrift)
	}
	assert.Zero(t, c.State().AudioOffset)
}

func TestController_MeasureLatency(t *testing.T) {
	tests := []struct {
		name       string
		adaptive   bool
		latency    time.Duration
		wantTarget time.Duration
	}{
		{"adaptive clamps high", true, 500 * ms, MaxTargetLatency},
		{"adaptive clamps low", true, 0, MinTargetLatency},
		{"fixed target", false, 500 * ms, 50 * ms},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.AdaptiveSync = tt.adaptive
			c, _ := newTestController(t, cfg, nil)
			require.NoError(t, c.Initialize(LatencyFunc(func() time.Duration { return tt.latency }), nil))

			var got time.Duration
			for i := 0; i < 200; i++ {
				got = c.MeasureLatency()
			}
			assert.Equal(t, tt.latency, got)
			assert.Equal(t, tt.wantTarget, c.State().TargetLatency)
		})
	}
}

func TestController_LatencyMovingAverage(t *testing.T) {
	var n time.Duration
	provider := LatencyFunc(func() time.Duration {
		n++
		return n * ms
	})
	c, _ := newTestController(t, nil, nil)
	require.NoError(t, c.Initialize(provider, nil))

	for i := 0; i < 14; i++ {
		c.MeasureLatency()
	}
	// 15 samples taken, window holds 6..15
	assert.Equal(t, 10500*time.Microsecond, c.State().MeasuredLatency)
}

func TestController_Quality(t *testing.T) {
	eb := bus.NewEventBus()
	quality := collect(eb, bus.EventTypeQualityChange)

	latency := 50 * ms
	cfg := DefaultConfig()
	cfg.AdaptiveSync = false
	c, clock := newTestController(t, cfg, eb)
	tone := &fakeTone{clock: clock, delay: 30 * ms}
	require.NoError(t, c.Initialize(LatencyFunc(func() time.Duration { return latency }), tone))
	assert.Equal(t, 1.0, c.State().SyncQuality)

	_, err := c.CalibrateSync(context.Background())
	require.NoError(t, err)
	assert.InDelta(t, 0.7, c.State().SyncQuality, 1e-9)

	e := waitEvent(t, quality)
	assert.InDelta(t, 0.7, e.Data["score"].(float64), 1e-9)

	latency = 250 * ms
	for i := 0; i < 10; i++ {
		c.MeasureLatency()
	}
	assert.Zero(t, c.State().SyncQuality, "penalties floor at zero")
}

func TestController_Buffers(t *testing.T) {
	eb := bus.NewEventBus()
	events := collect(eb, bus.EventTypeBufferUnderrun, bus.EventTypeBufferOverrun)
	c, clock := newTestController(t, nil, eb)
	require.NoError(t, c.Initialize(nil, nil))

	clock.Advance(time.Second)
	c.Synchronize(30*ms, 0)
	require.NotZero(t, c.State().AvgDrift)

	steps := []struct {
		audio, video time.Duration
		under, over  int
	}{
		{5 * ms, 50 * ms, 1, 0},
		{5 * ms, 50 * ms, 1, 0},
		{50 * ms, 50 * ms, 1, 0},
		{5 * ms, 50 * ms, 2, 0},
		{50 * ms, 250 * ms, 2, 1},
		{50 * ms, 300 * ms, 2, 1},
		{5 * ms, 5 * ms, 4, 1},
	}
	for i, st := range steps {
		c.UpdateBuffers(st.audio, st.video)
		s := c.State()
		assert.Equal(t, st.under, s.Buffer.UnderrunCount, "step %d", i)
		assert.Equal(t, st.over, s.Buffer.OverrunCount, "step %d", i)
		assert.Equal(t, st.audio, s.Buffer.AudioBufferLevel)
		assert.Equal(t, 100*ms, s.Buffer.TargetBufferSize)
	}
	assert.Zero(t, c.State().AvgDrift, "buffer episodes reset drift history")

	e := waitEvent(t, events)
	assert.Contains(t, []string{"audio", "video"}, e.Data["type"])
}

func TestController_Calibrate(t *testing.T) {
	eb := bus.NewEventBus()
	calibrated := collect(eb, bus.EventTypeCalibrated)
	c, clock := newTestController(t, nil, eb)
	require.NoError(t, c.Initialize(nil, &fakeTone{clock: clock, delay: 35 * ms}))

	latency, err := c.CalibrateSync(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 35*ms, latency)
	assert.Equal(t, -35*ms, c.State().AudioOffset)

	e := waitEvent(t, calibrated)
	assert.Equal(t, 35*ms, e.Data["latency"])
}

func TestController_CalibrateFailures(t *testing.T) {
	boom := errors.New("device busy")

	t.Run("no tone sink", func(t *testing.T) {
		c, _ := newTestController(t, nil, nil)
		require.NoError(t, c.Initialize(nil, nil))
		_, err := c.CalibrateSync(context.Background())
		assert.ErrorIs(t, err, ErrNoToneSink)
	})

	t.Run("tone error", func(t *testing.T) {
		c, clock := newTestController(t, nil, nil)
		require.NoError(t, c.Initialize(nil, &fakeTone{clock: clock, err: boom}))
		_, err := c.CalibrateSync(context.Background())
		assert.ErrorIs(t, err, boom)
	})

	t.Run("timeout", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.CalibrationTimeout = 20 * ms
		c, clock := newTestController(t, cfg, nil)
		require.NoError(t, c.Initialize(nil, &fakeTone{clock: clock, hang: true}))
		_, err := c.CalibrateSync(context.Background())
		assert.ErrorIs(t, err, ErrCalibrationTimeout)
		assert.Zero(t, c.State().AudioOffset)
	})

	t.Run("cancelled", func(t *testing.T) {
		c, clock := newTestController(t, nil, nil)
		require.NoError(t, c.Initialize(nil, &fakeTone{clock: clock, hang: true}))
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err := c.CalibrateSync(ctx)
		assert.ErrorIs(t, err, context.Canceled)
	})
}

func TestController_TickUsesSources(t *testing.T) {
	src := &fakeSources{audio: 70 * ms, video: 50 * ms, playing: true}
	c, clock := newTestController(t, nil, nil, WithBufferSource(src), WithTimestampSource(src))
	require.NoError(t, c.Initialize(nil, nil))

	clock.Advance(250 * ms)
	c.Tick()
	s := c.State()
	assert.Equal(t, 20*ms, s.AvgDrift)
	assert.Equal(t, 50*ms, s.Buffer.AudioBufferLevel)
	assert.Equal(t, 250*ms, s.MasterClockTime)
}

func TestController_RunAndConcurrentReads(t *testing.T) {
	src := &fakeSources{audio: 10 * ms, video: 0, playing: true}
	c := NewController(&Config{TickRate: 200, HistorySize: 10, TargetBufferSize: 100 * ms},
		nil, nil, zerolog.Nop(), WithTimestampSource(src))
	require.NoError(t, c.Initialize(nil, nil))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	require.Eventually(t, func() bool {
		return c.State().AvgDrift == 10*ms
	}, time.Second, 5*ms)
	cancel()
	assert.NoError(t, <-done)
}

func TestClocks(t *testing.T) {
	m := NewManualClock(5 * ms)
	assert.Equal(t, 5*ms, m.Now())
	assert.Equal(t, 15*ms, m.Advance(10*ms))
	m.Set(time.Second)
	assert.Equal(t, time.Second, m.Now())

	mono := NewMonotonicClock()
	a := mono.Now()
	time.Sleep(2 * ms)
	assert.Greater(t, mono.Now(), a)

	wall := NewWallClock()
	assert.GreaterOrEqual(t, wall.Now(), time.Duration(0))
}
