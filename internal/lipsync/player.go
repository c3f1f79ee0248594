package lipsync

import (
	"context"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/normanking/cortexlipsync/internal/bus"
	"github.com/normanking/cortexlipsync/internal/metrics"
	"github.com/normanking/cortexlipsync/internal/viseme"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// Clock supplies the media time the player resolves against.
type Clock interface {
	Now() time.Duration
}

// ClockFunc adapts a function to Clock.
type ClockFunc func() time.Duration

func (f ClockFunc) Now() time.Duration { return f() }

// Frame is the mouth state delivered once per tick.
type Frame struct {
	Time        time.Duration            `json:"time"`
	Shape       viseme.MouthShape        `json:"shape"`
	Primary     string                   `json:"primary"`
	Blendshapes viseme.BlendshapeWeights `json:"blendshapes"`
}

// FrameSink receives frames on the player goroutine and must not block.
type FrameSink interface {
	WriteFrame(Frame)
}

// FrameSinkFunc adapts a function to FrameSink.
type FrameSinkFunc func(Frame)

func (f FrameSinkFunc) WriteFrame(fr Frame) { f(fr) }

// PlayerConfig holds playback tunables.
type PlayerConfig struct {
	TargetFrameRate float64
	Curve           viseme.Curve
	SmoothingWindow time.Duration
	// TemporalResolution snaps resolve times down to this step; 0 disables.
	TemporalResolution time.Duration
	// SpatialResolution quantizes output shapes to this many steps; 0 disables.
	SpatialResolution int
	CPUUsageLimit     float64
}

// DefaultPlayerConfig returns sensible defaults
func DefaultPlayerConfig() *PlayerConfig {
	return &PlayerConfig{
		TargetFrameRate: 60,
		Curve:           viseme.CurveEaseInOut,
		SmoothingWindow: 30 * time.Millisecond,
		CPUUsageLimit:   0.8,
	}
}

// FramePeriod returns the tick interval.
func (c PlayerConfig) FramePeriod() time.Duration {
	if c.TargetFrameRate <= 0 {
		return time.Second / 60
	}
	return time.Duration(float64(time.Second) / c.TargetFrameRate)
}

// Player resolves the loaded timeline once per tick and delivers frames.
// Timelines are swapped atomically; the player keeps a private copy whose
// entries it marks as processed.
type Player struct {
	engine   *Engine
	clock    Clock
	eventBus *bus.EventBus
	metrics  *metrics.Metrics
	logger   zerolog.Logger
	limiter  *rate.Limiter

	cfgMu sync.RWMutex
	cfg   PlayerConfig

	timeline   atomic.Pointer[Timeline]
	continuing atomic.Bool

	sinkMu sync.RWMutex
	sinks  []FrameSink

	// Tick state, guarded by tickMu
	tickMu          sync.Mutex
	loaded          *Timeline
	active          map[entryKey]TimelineEntry
	cursor          int
	primary         string
	current         viseme.MouthShape
	transitionFrom  viseme.MouthShape
	transitionStart time.Duration
	transitionDur   time.Duration
	lastTime        time.Duration
	hasLast         bool
}

// NewPlayer creates a player; nil config uses defaults.
func NewPlayer(engine *Engine, clock Clock, cfg *PlayerConfig, eventBus *bus.EventBus, m *metrics.Metrics, logger zerolog.Logger) *Player {
	if cfg == nil {
		cfg = DefaultPlayerConfig()
	}
	p := &Player{
		engine:   engine,
		clock:    clock,
		eventBus: eventBus,
		metrics:  m,
		logger:   logger.With().Str("component", "player").Logger(),
		limiter:  rate.NewLimiter(rate.Every(time.Second), 1),
		cfg:      *cfg,
	}
	p.resetLocked(nil)
	return p
}

// Config returns a copy of the player configuration.
func (p *Player) Config() PlayerConfig {
	p.cfgMu.RLock()
	defer p.cfgMu.RUnlock()
	return p.cfg
}

// UpdateConfig applies new tunables from the next tick on.
func (p *Player) UpdateConfig(cfg PlayerConfig) {
	p.cfgMu.Lock()
	p.cfg = cfg
	p.cfgMu.Unlock()
	p.logger.Info().
		Float64("frame_rate", cfg.TargetFrameRate).
		Str("curve", string(cfg.Curve)).
		Dur("smoothing", cfg.SmoothingWindow).
		Msg("Player config updated")
}

// AddSink registers a frame consumer.
func (p *Player) AddSink(s FrameSink) {
	p.sinkMu.Lock()
	defer p.sinkMu.Unlock()
	p.sinks = append(p.sinks, s)
}

// entryKey identifies an entry across timelines that continue each other.
type entryKey struct {
	start  time.Duration
	viseme string
}

func keyOf(e TimelineEntry) entryKey { return entryKey{start: e.Start, viseme: e.VisemeID} }

// Load publishes a new timeline. The previous one is discarded.
func (p *Player) Load(tl *Timeline) {
	p.continuing.Store(false)
	private := p.store(tl)
	if private == nil {
		return
	}
	p.metrics.TimelineLoaded(len(private.Entries))
	p.logger.Debug().Str("timeline", private.ID).Int("entries", len(private.Entries)).Msg("Timeline loaded")
	p.publish(bus.EventTypeTimelineLoaded, map[string]any{
		"timeline_id": private.ID,
		"entries":     len(private.Entries),
		"duration":    private.Duration,
	})
}

// Extend swaps in a timeline that continues the current one. The mouth
// state and the set of playing entries carry over, so entries present in
// both timelines are not announced again.
func (p *Player) Extend(tl *Timeline) {
	p.continuing.Store(true)
	p.store(tl)
}

func (p *Player) store(tl *Timeline) *Timeline {
	private := tl.Clone()
	if private != nil {
		for i := range private.Entries {
			private.Entries[i].Processed = false
		}
	}
	p.timeline.Store(private)
	return private
}

// Clear discards the current timeline.
func (p *Player) Clear() {
	p.timeline.Store(nil)
}

// Timeline returns a copy of the loaded timeline with its processed flags.
func (p *Player) Timeline() *Timeline {
	p.tickMu.Lock()
	defer p.tickMu.Unlock()
	return p.timeline.Load().Clone()
}

// Run ticks at the target frame rate until ctx is cancelled. No frame is
// delivered after Run returns.
func (p *Player) Run(ctx context.Context) error {
	period := p.Config().FramePeriod()
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	p.logger.Info().Dur("period", period).Msg("Player started")
	defer p.logger.Info().Msg("Player stopped")

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			p.Tick(p.clock.Now())
			if next := p.Config().FramePeriod(); next != period {
				period = next
				ticker.Reset(period)
			}
		}
	}
}

func (p *Player) resetLocked(tl *Timeline) {
	neutral := p.engine.Library().Active().Neutral()
	p.loaded = tl
	p.active = make(map[entryKey]TimelineEntry)
	p.cursor = 0
	p.primary = neutral.ID
	p.current = neutral.Shape.Clone()
	p.transitionDur = 0
	p.hasLast = false
}

// Tick resolves the frame for media time t and delivers it to all sinks.
func (p *Player) Tick(t time.Duration) Frame {
	started := time.Now()
	cfg := p.Config()

	p.tickMu.Lock()
	tl := p.timeline.Load()
	if tl != p.loaded {
		if p.continuing.Swap(false) && tl != nil {
			p.loaded = tl
			p.cursor = 0
		} else {
			p.resetLocked(tl)
		}
	}

	rt := t
	if cfg.TemporalResolution > 0 {
		rt = t.Truncate(cfg.TemporalResolution)
	}
	res := p.engine.Resolve(tl, rt)
	p.trackEntries(tl, res, rt)

	if res.Primary != p.primary {
		p.publish(bus.EventTypeVisemeChange, map[string]any{
			"from":  p.primary,
			"to":    res.Primary,
			"blend": res.Share,
			"time":  rt,
		})
		p.metrics.VisemeChanged()
		p.transitionFrom = p.current
		p.transitionStart = rt
		p.transitionDur = p.engine.Library().Active().TransitionFor(res.Primary).EaseIn
		p.primary = res.Primary
	}

	target := res.Shape
	if p.transitionDur > 0 && rt >= p.transitionStart && rt < p.transitionStart+p.transitionDur {
		k := float64(rt-p.transitionStart) / float64(p.transitionDur)
		target = viseme.Interpolate(p.transitionFrom, target, k, cfg.Curve)
	}
	if cfg.SmoothingWindow > 0 && p.hasLast && t > p.lastTime {
		alpha := 1 - math.Exp(-float64(t-p.lastTime)/float64(cfg.SmoothingWindow))
		target = viseme.Lerp(p.current, target, alpha)
	}
	p.current = target
	p.lastTime = t
	p.hasLast = true
	p.tickMu.Unlock()

	out := target.Quantize(cfg.SpatialResolution)
	frame := Frame{
		Time:        t,
		Shape:       out,
		Primary:     res.Primary,
		Blendshapes: out.Blendshapes(),
	}

	p.sinkMu.RLock()
	for _, s := range p.sinks {
		s.WriteFrame(frame)
	}
	p.sinkMu.RUnlock()

	elapsed := time.Since(started)
	p.metrics.ObserveTick(elapsed)
	budget := time.Duration(cfg.CPUUsageLimit * float64(cfg.FramePeriod()))
	if budget > 0 && elapsed > budget && p.limiter.Allow() {
		p.logger.Warn().Dur("elapsed", elapsed).Dur("budget", budget).Msg("Frame resolution over budget")
		p.metrics.PerformanceWarning("player")
		p.publish(bus.EventTypePerformanceWarning, map[string]any{
			"component": "player",
			"elapsed":   elapsed,
			"budget":    budget,
		})
	}
	return frame
}

// trackEntries emits entry start/end notifications and marks entries whose
// end has passed as processed. Entries are matched by start and viseme so a
// continued timeline does not restart them.
func (p *Player) trackEntries(tl *Timeline, res Resolution, t time.Duration) {
	now := make(map[entryKey]TimelineEntry, len(res.Active))
	if tl != nil {
		for _, i := range res.Active {
			e := tl.Entries[i]
			k := keyOf(e)
			now[k] = e
			if _, ok := p.active[k]; !ok {
				p.publishEntry(bus.EventTypeEntryStart, e)
			}
		}
	}
	for k, e := range p.active {
		if _, ok := now[k]; !ok {
			p.publishEntry(bus.EventTypeEntryEnd, e)
		}
	}
	p.active = now

	if tl == nil {
		return
	}
	for p.cursor < len(tl.Entries) && tl.Entries[p.cursor].End < t {
		tl.Entries[p.cursor].Processed = true
		p.cursor++
	}
}

func (p *Player) publishEntry(t bus.EventType, e TimelineEntry) {
	p.publish(t, map[string]any{
		"viseme": e.VisemeID,
		"start":  e.Start,
		"end":    e.End,
	})
}

func (p *Player) publish(t bus.EventType, data map[string]any) {
	if p.eventBus == nil {
		return
	}
	p.eventBus.Publish(bus.Event{Type: t, Data: data})
}
