package audio

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/normanking/cortexlipsync/internal/bus"
	"github.com/normanking/cortexlipsync/internal/metrics"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// Processor runs the analysis pipeline over a sample stream: framing,
// features, voice activity and classification. Capture callbacks hand
// samples to Submit; a single worker started with Run does the analysis.
type Processor struct {
	cfg        *AnalysisConfig
	analyzer   *Analyzer
	vad        *VAD
	classifier Classifier
	eventBus   *bus.EventBus
	metrics    *metrics.Metrics
	logger     zerolog.Logger
	limiter    *rate.Limiter
	retention  time.Duration

	queue   chan []float32
	dropped atomic.Uint64

	// Worker state, guarded by procMu
	procMu     sync.Mutex
	ring       *RingBuffer
	sampleRate int
	position   int64 // sample index of the next frame start
	pending    *PhonemeEvent
	pendingN   int

	mu       sync.RWMutex
	phonemes []PhonemeEvent

	callbackMu sync.RWMutex
	onPhoneme  func(PhonemeEvent)
}

// ProcessorOption customizes a Processor.
type ProcessorOption func(*Processor)

// WithClassifier replaces the heuristic classifier.
func WithClassifier(c Classifier) ProcessorOption {
	return func(p *Processor) { p.classifier = c }
}

// WithEventBus publishes speech, phoneme and warning events.
func WithEventBus(b *bus.EventBus) ProcessorOption {
	return func(p *Processor) { p.eventBus = b }
}

// WithMetrics records pipeline metrics.
func WithMetrics(m *metrics.Metrics) ProcessorOption {
	return func(p *Processor) { p.metrics = m }
}

// WithRetention bounds the history kept while streaming: events that ended
// more than d before the stream position are discarded. ProcessBuffer keeps
// everything.
func WithRetention(d time.Duration) ProcessorOption {
	return func(p *Processor) { p.retention = d }
}

// NewProcessor creates a processor; nil config uses defaults.
func NewProcessor(cfg *AnalysisConfig, logger zerolog.Logger, opts ...ProcessorOption) (*Processor, error) {
	if cfg == nil {
		cfg = DefaultAnalysisConfig()
	}
	if cfg.SampleRate <= 0 || cfg.FrameSize <= 0 || cfg.HopSize <= 0 || cfg.HopSize > cfg.FrameSize {
		return nil, fmt.Errorf("%w: rate=%d frame=%d hop=%d", ErrInvalidFormat, cfg.SampleRate, cfg.FrameSize, cfg.HopSize)
	}
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = 64
	}

	p := &Processor{
		cfg:        cfg,
		analyzer:   NewAnalyzer(cfg),
		vad:        NewVAD(VADConfigFrom(cfg)),
		classifier: NewHeuristicClassifier(cfg),
		logger:     logger.With().Str("component", "audio").Logger(),
		limiter:    rate.NewLimiter(rate.Every(time.Second), 1),
		queue:      make(chan []float32, queueSize),
		ring:       NewRingBuffer(cfg.FrameSize * 4),
		sampleRate: cfg.SampleRate,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Config returns the analysis configuration.
func (p *Processor) Config() *AnalysisConfig {
	return p.cfg
}

// OnPhoneme registers a callback for finalized phoneme events
func (p *Processor) OnPhoneme(callback func(PhonemeEvent)) {
	p.callbackMu.Lock()
	defer p.callbackMu.Unlock()
	p.onPhoneme = callback
}

// Submit queues a chunk of capture samples without blocking. It reports
// false and counts a drop when the queue is full.
func (p *Processor) Submit(samples []float32) bool {
	chunk := make([]float32, len(samples))
	copy(chunk, samples)

	select {
	case p.queue <- chunk:
		return true
	default:
		p.dropped.Add(1)
		p.metrics.CaptureDropped()
		return false
	}
}

// Dropped returns the number of chunks rejected by Submit.
func (p *Processor) Dropped() uint64 {
	return p.dropped.Load()
}

// Run consumes submitted samples until ctx is cancelled.
func (p *Processor) Run(ctx context.Context) error {
	p.logger.Info().Int("sample_rate", p.cfg.SampleRate).Msg("Audio processor started")
	defer p.logger.Info().Msg("Audio processor stopped")

	for {
		select {
		case <-ctx.Done():
			p.procMu.Lock()
			p.flush()
			p.procMu.Unlock()
			return nil
		case chunk := <-p.queue:
			p.procMu.Lock()
			p.consume(ctx, Float32ToFloat64(chunk))
			p.prune()
			p.procMu.Unlock()
		}
	}
}

// ProcessBuffer analyzes a complete buffer synchronously and returns its
// phoneme events. Previous state is discarded.
func (p *Processor) ProcessBuffer(ctx context.Context, samples []float64, sampleRate int) ([]PhonemeEvent, error) {
	if sampleRate <= 0 {
		return nil, fmt.Errorf("%w: sample rate %d", ErrInvalidFormat, sampleRate)
	}
	p.Reset()

	p.procMu.Lock()
	p.sampleRate = sampleRate
	for off := 0; off < len(samples); off += p.cfg.HopSize {
		if err := ctx.Err(); err != nil {
			p.procMu.Unlock()
			return nil, err
		}
		end := min(off+p.cfg.HopSize, len(samples))
		p.consume(ctx, samples[off:end])
	}
	p.flush()
	p.procMu.Unlock()

	return p.Phonemes(), nil
}

// Phonemes returns the finalized events so far.
func (p *Processor) Phonemes() []PhonemeEvent {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]PhonemeEvent, len(p.phonemes))
	copy(out, p.phonemes)
	return out
}

// Snapshot returns the events ending at or after from, including the one
// still being merged, together with the stream position they cover.
func (p *Processor) Snapshot(from time.Duration) ([]PhonemeEvent, time.Duration) {
	p.procMu.Lock()
	defer p.procMu.Unlock()

	p.mu.RLock()
	i := p.firstEndingAt(from)
	events := make([]PhonemeEvent, len(p.phonemes)-i, len(p.phonemes)-i+1)
	copy(events, p.phonemes[i:])
	p.mu.RUnlock()

	if p.pending != nil && p.pending.End() >= from {
		events = append(events, *p.pending)
	}
	return events, p.sampleTime(p.position)
}

// firstEndingAt returns the index of the first event ending at or after t.
// Events are finalized in order, so ends are non-decreasing.
func (p *Processor) firstEndingAt(t time.Duration) int {
	return sort.Search(len(p.phonemes), func(i int) bool { return p.phonemes[i].End() >= t })
}

// prune drops events older than the retention horizon. Caller holds procMu.
func (p *Processor) prune() {
	if p.retention <= 0 {
		return
	}
	horizon := p.sampleTime(p.position) - p.retention
	p.mu.Lock()
	if i := p.firstEndingAt(horizon); i > 0 {
		n := copy(p.phonemes, p.phonemes[i:])
		clear(p.phonemes[n:])
		p.phonemes = p.phonemes[:n]
	}
	p.mu.Unlock()
}

// Retained returns the number of finalized events currently kept.
func (p *Processor) Retained() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.phonemes)
}

// Position returns the stream time of the next frame.
func (p *Processor) Position() time.Duration {
	p.procMu.Lock()
	defer p.procMu.Unlock()
	return p.sampleTime(p.position)
}

// Reset clears all analysis state and collected events.
func (p *Processor) Reset() {
	p.procMu.Lock()
	p.ring.Clear()
	p.position = 0
	p.pending = nil
	p.pendingN = 0
	p.sampleRate = p.cfg.SampleRate
	p.analyzer.Reset()
	p.vad.Reset()
	p.procMu.Unlock()

	p.mu.Lock()
	p.phonemes = nil
	p.mu.Unlock()
}

func (p *Processor) sampleTime(n int64) time.Duration {
	return time.Duration(n) * time.Second / time.Duration(p.sampleRate)
}

// consume pushes samples through the ring and analyzes every complete
// frame. Writes never exceed free space so no sample is overwritten.
func (p *Processor) consume(ctx context.Context, samples []float64) {
	for len(samples) > 0 {
		n := min(p.ring.Free(), len(samples))
		p.ring.Write(samples[:n])
		samples = samples[n:]

		for p.ring.Len() >= p.cfg.FrameSize {
			frame := AudioFrame{
				Samples:    p.ring.Peek(p.cfg.FrameSize),
				SampleRate: p.sampleRate,
				Timestamp:  p.sampleTime(p.position),
			}
			p.processFrame(ctx, frame)
			p.ring.Discard(p.cfg.HopSize)
			p.position += int64(p.cfg.HopSize)
		}
	}
}

func (p *Processor) processFrame(ctx context.Context, frame AudioFrame) {
	start := time.Now()
	hop := p.sampleTime(int64(p.cfg.HopSize))

	feat := p.analyzer.Analyze(frame)
	va, change := p.vad.Process(feat)

	switch change {
	case SegmentStarted:
		p.logger.Debug().Dur("at", frame.Timestamp).Msg("Speech started")
		p.publish(bus.EventTypeSpeechStart, map[string]any{"timestamp": frame.Timestamp})
	case SegmentEnded:
		p.flush()
		p.logger.Debug().Dur("at", frame.Timestamp).Msg("Speech ended")
		p.publish(bus.EventTypeSpeechEnd, map[string]any{"timestamp": frame.Timestamp})
	}

	if va.IsVoice {
		ev, err := p.classifier.Classify(ctx, feat, hop)
		switch {
		case err != nil:
			p.logger.Warn().Err(err).Msg("Phoneme classification failed")
			p.publish(bus.EventTypeError, map[string]any{"component": "audio", "error": err.Error()})
			p.flush()
		case ev == nil:
			p.flush()
		default:
			p.accept(*ev)
		}
	} else {
		p.flush()
	}

	elapsed := time.Since(start)
	p.metrics.ObserveAnalysis(elapsed)
	budget := time.Duration(p.cfg.CPUUsageLimit * float64(hop))
	if budget > 0 && elapsed > budget && p.limiter.Allow() {
		p.logger.Warn().Dur("elapsed", elapsed).Dur("budget", budget).Msg("Frame analysis over budget")
		p.metrics.PerformanceWarning("audio")
		p.publish(bus.EventTypePerformanceWarning, map[string]any{
			"component": "audio",
			"elapsed":   elapsed,
			"budget":    budget,
		})
	}
}

// accept merges ev into the pending event when it continues the same
// symbol, otherwise finalizes the pending event first.
func (p *Processor) accept(ev PhonemeEvent) {
	if p.pending != nil && p.pending.Symbol == ev.Symbol && ev.Start <= p.pending.End() {
		n := float64(p.pendingN)
		p.pending.Confidence = (p.pending.Confidence*n + ev.Confidence) / (n + 1)
		p.pending.Intensity = max(p.pending.Intensity, ev.Intensity)
		p.pending.Duration = ev.End() - p.pending.Start
		if len(ev.Formants) > 0 {
			p.pending.Formants = ev.Formants
		}
		p.pendingN++
		return
	}

	p.flush()
	p.pending = &ev
	p.pendingN = 1
}

func (p *Processor) flush() {
	if p.pending == nil {
		return
	}
	ev := *p.pending
	p.pending = nil
	p.pendingN = 0

	p.mu.Lock()
	p.phonemes = append(p.phonemes, ev)
	p.mu.Unlock()

	p.metrics.PhonemeEmitted(ev.Symbol)
	p.publish(bus.EventTypePhoneme, map[string]any{
		"symbol":     ev.Symbol,
		"confidence": ev.Confidence,
		"start":      ev.Start,
		"duration":   ev.Duration,
	})

	p.callbackMu.RLock()
	callback := p.onPhoneme
	p.callbackMu.RUnlock()
	if callback != nil {
		callback(ev)
	}
}

func (p *Processor) publish(t bus.EventType, data map[string]any) {
	if p.eventBus == nil {
		return
	}
	p.eventBus.Publish(bus.Event{Type: t, Data: data})
}
