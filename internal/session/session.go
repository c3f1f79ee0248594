// Package session wires analysis, timeline playback and A/V synchronization
// into one lip-sync run.
package session

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/normanking/cortexlipsync/internal/audio"
	"github.com/normanking/cortexlipsync/internal/avsync"
	"github.com/normanking/cortexlipsync/internal/bus"
	"github.com/normanking/cortexlipsync/internal/config"
	"github.com/normanking/cortexlipsync/internal/lipsync"
	"github.com/normanking/cortexlipsync/internal/metrics"
	"github.com/normanking/cortexlipsync/internal/viseme"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// ErrBusy is returned when a run is started while another is active.
var ErrBusy = errors.New("session already running")

const (
	// liveWindow bounds how much phoneme history a live timeline keeps.
	liveWindow  = 5 * time.Second
	liveRefresh = 50 * time.Millisecond
)

// Output is the audio device a session plays through. Its position is the
// master media clock.
type Output interface {
	Play(samples []float64, sampleRate int) (<-chan struct{}, error)
	PlayTone(freqHz float64, d time.Duration) (<-chan struct{}, error)
	Position() time.Duration
	Buffered() time.Duration
	Latency() time.Duration
	Stop() error
}

// Source is a live capture that feeds the session's processor.
type Source interface {
	Start() error
	Stop() error
}

// Options configures a Session.
type Options struct {
	Config  *config.Config
	Logger  zerolog.Logger
	Metrics *metrics.Metrics
	Bus     *bus.EventBus
	Sinks   []lipsync.FrameSink
}

// Result is the analysis of one utterance.
type Result struct {
	Phonemes []audio.PhonemeEvent `json:"phonemes"`
	Timeline *lipsync.Timeline    `json:"timeline"`
}

// PlayOptions tunes a single playback.
type PlayOptions struct {
	// Calibrate measures output latency with a tone before playback.
	Calibrate bool
}

// Session owns the long-lived components shared by every run.
type Session struct {
	logger    zerolog.Logger
	bus       *bus.EventBus
	metrics   *metrics.Metrics
	library   *viseme.Manager
	processor *audio.Processor
	engine    *lipsync.Engine

	mu         sync.Mutex
	cfg        *config.Config
	sinks      []lipsync.FrameSink
	running    bool
	cancel     context.CancelFunc
	done       chan struct{}
	player     *lipsync.Player
	controller *avsync.Controller
}

// New builds a session from configuration. Library documents listed in the
// config are imported before the configured library is selected.
func New(opts Options) (*Session, error) {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := opts.Logger.With().Str("component", "session").Logger()
	eventBus := opts.Bus
	if eventBus == nil {
		eventBus = bus.NewEventBus()
	}

	library := viseme.NewManager(opts.Logger)
	for _, path := range cfg.Library.Paths {
		if err := importLibrary(library, path); err != nil {
			return nil, fmt.Errorf("import library %s: %w", path, err)
		}
	}
	if cfg.Library.Name != "" {
		if err := library.Select(cfg.Library.Name); err != nil {
			return nil, err
		}
	}

	analysis := cfg.AnalysisSettings()
	var classifier audio.Classifier = audio.NewHeuristicClassifier(analysis)
	if cfg.Classifier.Provider == "remote" {
		classifier = audio.NewRemoteClassifier(cfg.Classifier.URL, analysis.ConfidenceThreshold, opts.Logger)
	}
	processor, err := audio.NewProcessor(analysis, opts.Logger,
		audio.WithClassifier(classifier),
		audio.WithEventBus(eventBus),
		audio.WithMetrics(opts.Metrics),
		audio.WithRetention(liveWindow),
	)
	if err != nil {
		return nil, err
	}

	engineCfg := cfg.EngineSettings()
	s := &Session{
		logger:    logger,
		bus:       eventBus,
		metrics:   opts.Metrics,
		library:   library,
		processor: processor,
		engine:    lipsync.NewEngine(library, &engineCfg, opts.Logger),
		cfg:       cfg,
		sinks:     opts.Sinks,
	}
	logger.Info().
		Str("library", library.Active().Name).
		Str("classifier", cfg.Classifier.Provider).
		Msg("Session ready")
	return s, nil
}

func importLibrary(m *viseme.Manager, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = m.Import(f, viseme.FormatFromPath(path))
	return err
}

// Bus returns the session event bus.
func (s *Session) Bus() *bus.EventBus { return s.bus }

// Library returns the viseme library manager.
func (s *Session) Library() *viseme.Manager { return s.library }

// Engine returns the timeline engine.
func (s *Session) Engine() *lipsync.Engine { return s.engine }

// Processor returns the analysis pipeline. Live capture submits to it.
func (s *Session) Processor() *audio.Processor { return s.processor }

// AddSink registers a frame consumer for subsequent runs.
func (s *Session) AddSink(sink lipsync.FrameSink) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sinks = append(s.sinks, sink)
}

// Analyze extracts phonemes from a buffer and builds its timeline.
func (s *Session) Analyze(ctx context.Context, buf *audio.Buffer) (*Result, error) {
	ctx, release, err := s.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	started := time.Now()
	phonemes, err := s.processor.ProcessBuffer(ctx, buf.Samples, buf.SampleRate)
	if err != nil {
		return nil, fmt.Errorf("analyze: %w", err)
	}
	tl := s.engine.BuildTimeline(phonemes, buf.Duration())
	s.logger.Info().
		Int("phonemes", len(phonemes)).
		Int("entries", len(tl.Entries)).
		Dur("duration", tl.Duration).
		Dur("elapsed", time.Since(started)).
		Msg("Audio analyzed")
	return &Result{Phonemes: phonemes, Timeline: tl}, nil
}

// Prepare builds the timeline for an utterance. Provider timing wins over
// text, and text wins over acoustic analysis. A nil buffer requires text or
// timing and length.
func (s *Session) Prepare(ctx context.Context, buf *audio.Buffer, text string, timing *lipsync.ProviderTiming, length time.Duration) (*Result, error) {
	if buf != nil {
		length = buf.Duration()
	}
	switch {
	case timing != nil && (len(timing.Phonemes) > 0 || len(timing.Words) > 0):
		return &Result{Timeline: s.engine.BuildTimelineFromProvider(timing, text, length)}, nil
	case text != "":
		return &Result{Timeline: s.engine.BuildTimelineFromText(text, length)}, nil
	case buf != nil:
		return s.Analyze(ctx, buf)
	default:
		return nil, fmt.Errorf("%w: nothing to build a timeline from", audio.ErrInvalidFormat)
	}
}

// Play plays buf through out while the timeline drives frames to every
// sink. It returns when playback drains or ctx is cancelled; no frame is
// delivered after it returns.
func (s *Session) Play(ctx context.Context, tl *lipsync.Timeline, buf *audio.Buffer, out Output, opts PlayOptions) error {
	ctx, release, err := s.acquire(ctx)
	if err != nil {
		return err
	}
	defer release()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	cfg := s.currentConfig()
	tracker := &frameTracker{}
	probe := &playbackProbe{out: out, frames: tracker, length: tl.Duration}
	ctl := avsync.NewController(cfg.SyncSettings(), s.bus, s.metrics, s.logger,
		avsync.WithBufferSource(probe),
		avsync.WithTimestampSource(probe),
	)
	if err := ctl.Initialize(out, out); err != nil {
		return err
	}
	defer ctl.Stop()

	if opts.Calibrate {
		latency, err := ctl.CalibrateSync(ctx)
		switch {
		case err == nil:
			s.logger.Info().Dur("latency", latency).Msg("Output calibrated")
		case errors.Is(err, avsync.ErrCalibrationTimeout):
			s.logger.Warn().Msg("Calibration timed out, playing uncalibrated")
		default:
			return fmt.Errorf("calibrate: %w", err)
		}
	}

	clock := lipsync.ClockFunc(func() time.Duration {
		return out.Position() + ctl.State().AudioOffset
	})
	player := s.newPlayer(cfg, clock, tracker)
	player.Load(tl)
	s.setActive(player, ctl)
	defer s.setActive(nil, nil)

	done, err := out.Play(buf.Samples, buf.SampleRate)
	if err != nil {
		return fmt.Errorf("start playback: %w", err)
	}
	defer out.Stop()

	s.logger.Info().Str("timeline", tl.ID).Dur("duration", tl.Duration).Msg("Playback started")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return player.Run(gctx) })
	g.Go(func() error { return ctl.Run(gctx) })
	g.Go(func() error {
		select {
		case <-done:
		case <-gctx.Done():
		}
		cancel()
		return nil
	})
	err = g.Wait()
	player.Clear()

	state := ctl.State()
	s.logger.Info().
		Float64("quality", state.SyncQuality).
		Dur("avg_drift", state.AvgDrift).
		Int("corrections", state.Corrections).
		Msg("Playback finished")
	return err
}

// Calibrate measures output latency with a test tone.
func (s *Session) Calibrate(ctx context.Context, out Output) (time.Duration, error) {
	ctx, release, err := s.acquire(ctx)
	if err != nil {
		return 0, err
	}
	defer release()

	ctl := avsync.NewController(s.currentConfig().SyncSettings(), s.bus, s.metrics, s.logger)
	if err := ctl.Initialize(out, out); err != nil {
		return 0, err
	}
	defer ctl.Stop()
	return ctl.CalibrateSync(ctx)
}

// Live analyzes captured audio as it arrives and drives frames from a
// rolling timeline rebuilt on every finalized phoneme and on a short
// refresh interval. The frame clock
// trails the capture position by one analysis frame.
func (s *Session) Live(ctx context.Context, src Source) error {
	ctx, release, err := s.acquire(ctx)
	if err != nil {
		return err
	}
	defer release()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.processor.Reset()
	analysis := s.processor.Config()
	delay := time.Duration(analysis.FrameSize) * time.Second / time.Duration(analysis.SampleRate)
	clock := lipsync.ClockFunc(func() time.Duration {
		return max(0, s.processor.Position()-delay)
	})

	cfg := s.currentConfig()
	player := s.newPlayer(cfg, clock, nil)
	s.setActive(player, nil)
	defer s.setActive(nil, nil)

	updates := make(chan struct{}, 1)
	s.processor.OnPhoneme(func(audio.PhonemeEvent) {
		select {
		case updates <- struct{}{}:
		default:
		}
	})
	defer s.processor.OnPhoneme(nil)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.processor.Run(gctx) })
	g.Go(func() error { return player.Run(gctx) })
	g.Go(func() error {
		refresh := time.NewTicker(liveRefresh)
		defer refresh.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-updates:
			case <-refresh.C:
			}
			player.Extend(s.rollingTimeline())
		}
	})

	if err := src.Start(); err != nil {
		cancel()
		g.Wait()
		return fmt.Errorf("start capture: %w", err)
	}
	s.logger.Info().Dur("delay", delay).Msg("Live lip-sync started")

	err = g.Wait()
	if stopErr := src.Stop(); stopErr != nil {
		s.logger.Warn().Err(stopErr).Msg("Failed to stop capture")
	}
	player.Clear()
	s.logger.Info().Int("phonemes", len(s.processor.Phonemes())).Msg("Live lip-sync stopped")
	return err
}

// rollingTimeline covers the stream up to the current position using only
// recent phonemes, including the one still being merged.
func (s *Session) rollingTimeline() *lipsync.Timeline {
	recent, pos := s.processor.Snapshot(s.processor.Position() - liveWindow)
	return s.engine.BuildTimeline(recent, pos)
}

func (s *Session) newPlayer(cfg *config.Config, clock lipsync.Clock, extra lipsync.FrameSink) *lipsync.Player {
	pc := cfg.PlayerSettings()
	player := lipsync.NewPlayer(s.engine, clock, &pc, s.bus, s.metrics, s.logger)
	if extra != nil {
		player.AddSink(extra)
	}
	s.mu.Lock()
	for _, sink := range s.sinks {
		player.AddSink(sink)
	}
	s.mu.Unlock()
	return player
}

// ApplyConfig hot-swaps tunables into the engine and any active run.
// Analysis and library settings take effect on the next session.
func (s *Session) ApplyConfig(cfg *config.Config) {
	s.mu.Lock()
	s.cfg = cfg
	player, ctl := s.player, s.controller
	s.mu.Unlock()

	s.engine.UpdateConfig(cfg.EngineSettings())
	if player != nil {
		player.UpdateConfig(cfg.PlayerSettings())
	}
	if ctl != nil {
		ctl.UpdateConfig(*cfg.SyncSettings())
	}
	s.logger.Info().Bool("active", player != nil).Msg("Configuration applied")
}

// SyncState returns the active controller state, if any.
func (s *Session) SyncState() (avsync.SyncState, bool) {
	s.mu.Lock()
	ctl := s.controller
	s.mu.Unlock()
	if ctl == nil {
		return avsync.SyncState{}, false
	}
	return ctl.State(), true
}

func (s *Session) currentConfig() *config.Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

func (s *Session) setActive(p *lipsync.Player, c *avsync.Controller) {
	s.mu.Lock()
	s.player, s.controller = p, c
	s.mu.Unlock()
}

// acquire marks the session busy and derives the run context that Stop
// cancels. The returned release must be called when the run returns.
func (s *Session) acquire(ctx context.Context) (context.Context, func(), error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil, nil, ErrBusy
	}
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	s.running, s.cancel, s.done = true, cancel, done

	release := func() {
		cancel()
		s.mu.Lock()
		s.running, s.cancel, s.done = false, nil, nil
		s.mu.Unlock()
		close(done)
	}
	return ctx, release, nil
}

// Stop cancels the active run and waits for it to return. No frame is
// delivered after Stop returns.
func (s *Session) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// frameTracker remembers the last delivered frame and when it arrived.
type frameTracker struct {
	mu   sync.Mutex
	last lipsync.Frame
	at   time.Time
	seen bool
}

func (f *frameTracker) WriteFrame(fr lipsync.Frame) {
	f.mu.Lock()
	f.last, f.at, f.seen = fr, time.Now(), true
	f.mu.Unlock()
}

// visualTime extrapolates the last frame time to now.
func (f *frameTracker) visualTime() (time.Duration, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.seen {
		return 0, false
	}
	return f.last.Time + time.Since(f.at), true
}

// playbackProbe reports buffer levels and presentation timestamps to the
// sync controller.
type playbackProbe struct {
	out    Output
	frames *frameTracker
	length time.Duration
}

func (p *playbackProbe) BufferLevels() (audioLevel, videoLevel time.Duration) {
	audioLevel = p.out.Buffered()
	videoLevel = p.length
	if t, ok := p.frames.visualTime(); ok {
		videoLevel = max(0, p.length-t)
	}
	return audioLevel, videoLevel
}

func (p *playbackProbe) Timestamps() (audioTS, videoTS time.Duration, ok bool) {
	videoTS, ok = p.frames.visualTime()
	if !ok {
		return 0, 0, false
	}
	return p.out.Position(), videoTS, true
}
