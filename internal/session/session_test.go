package session

import (
	"context"
	"math"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/normanking/cortexlipsync/internal/audio"
	"github.com/normanking/cortexlipsync/internal/bus"
	"github.com/normanking/cortexlipsync/internal/config"
	"github.com/normanking/cortexlipsync/internal/lipsync"
	"github.com/normanking/cortexlipsync/internal/viseme"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const ms = time.Millisecond

// fakeOutput plays in wall-clock time without a device.
type fakeOutput struct {
	mu        sync.Mutex
	started   time.Time
	length    time.Duration
	toneDelay time.Duration
	toneHang  bool
	stops     int
}

func (o *fakeOutput) Play(samples []float64, sampleRate int) (<-chan struct{}, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.started = time.Now()
	o.length = time.Duration(len(samples)) * time.Second / time.Duration(sampleRate)
	done := make(chan struct{})
	time.AfterFunc(o.length, func() { close(done) })
	return done, nil
}

func (o *fakeOutput) PlayTone(_ float64, d time.Duration) (<-chan struct{}, error) {
	done := make(chan struct{})
	if !o.toneHang {
		time.AfterFunc(d+o.toneDelay, func() { close(done) })
	}
	return done, nil
}

func (o *fakeOutput) Position() time.Duration {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.started.IsZero() {
		return 0
	}
	return min(time.Since(o.started), o.length)
}

func (o *fakeOutput) Buffered() time.Duration { return 20 * ms }
func (o *fakeOutput) Latency() time.Duration  { return 30 * ms }

func (o *fakeOutput) Stop() error {
	o.mu.Lock()
	o.stops++
	o.mu.Unlock()
	return nil
}

type frameRecorder struct {
	mu     sync.Mutex
	frames []lipsync.Frame
}

func (r *frameRecorder) WriteFrame(f lipsync.Frame) {
	r.mu.Lock()
	r.frames = append(r.frames, f)
	r.mu.Unlock()
}

func (r *frameRecorder) snapshot() []lipsync.Frame {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]lipsync.Frame(nil), r.frames...)
}

func (r *frameRecorder) saw(primary string) bool {
	for _, f := range r.snapshot() {
		if f.Primary == primary {
			return true
		}
	}
	return false
}

func sine(freq, amp float64, sampleRate, n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = amp * math.Sin(2*math.Pi*freq*float64(i)/float64(sampleRate))
	}
	return out
}

func newTestSession(t *testing.T, cfg *config.Config) (*Session, *frameRecorder) {
	t.Helper()
	rec := &frameRecorder{}
	s, err := New(Options{Config: cfg, Logger: zerolog.Nop(), Sinks: []lipsync.FrameSink{rec}})
	require.NoError(t, err)
	return s, rec
}

func TestNew_ImportsAndSelectsLibrary(t *testing.T) {
	base, _ := newTestSession(t, nil)
	path := filepath.Join(t.TempDir(), "custom.yaml")
	f, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, base.Library().Export(base.Library().Active().Name, f, viseme.FormatYAML))
	require.NoError(t, f.Close())

	cfg := config.DefaultConfig()
	cfg.Library.Paths = []string{path}
	s, _ := newTestSession(t, cfg)
	assert.Equal(t, base.Library().Active().Name, s.Library().Active().Name)

	cfg = config.DefaultConfig()
	cfg.Library.Paths = []string{filepath.Join(t.TempDir(), "missing.json")}
	_, err = New(Options{Config: cfg, Logger: zerolog.Nop()})
	assert.Error(t, err)

	cfg = config.DefaultConfig()
	cfg.Library.Name = "no-such-library"
	_, err = New(Options{Config: cfg, Logger: zerolog.Nop()})
	assert.Error(t, err)
}

func TestAnalyze_BuildsTimeline(t *testing.T) {
	s, _ := newTestSession(t, nil)
	buf := &audio.Buffer{Samples: append(sine(200, 0.5, 16000, 8000), make([]float64, 8000)...), SampleRate: 16000}

	res, err := s.Analyze(context.Background(), buf)
	require.NoError(t, err)

	require.NotEmpty(t, res.Phonemes)
	assert.Equal(t, audio.PhonemeOpenBack, res.Phonemes[0].Symbol)
	assert.Equal(t, buf.Duration(), res.Timeline.Duration)
	assert.True(t, lipsync.Coverage(res.Timeline.Entries, res.Timeline.Duration))

	ids := make(map[string]bool)
	for _, e := range res.Timeline.Entries {
		ids[e.VisemeID] = true
	}
	assert.True(t, ids["aa"])
}

func TestPrepare_SourcePriority(t *testing.T) {
	s, _ := newTestSession(t, nil)
	ctx := context.Background()

	timing := &lipsync.ProviderTiming{Phonemes: []lipsync.PhonemeTiming{
		{Phoneme: "M", StartMs: 0, DurationMs: 100},
		{Phoneme: "AA", StartMs: 100, DurationMs: 200},
	}}
	res, err := s.Prepare(ctx, nil, "ignored", timing, 400*ms)
	require.NoError(t, err)
	assert.Equal(t, 400*ms, res.Timeline.Duration)
	assert.Equal(t, "pp", res.Timeline.Entries[0].VisemeID)

	res, err = s.Prepare(ctx, nil, "hello", nil, 500*ms)
	require.NoError(t, err)
	assert.Equal(t, 500*ms, res.Timeline.Duration)
	assert.Nil(t, res.Phonemes)

	_, err = s.Prepare(ctx, nil, "", nil, time.Second)
	assert.ErrorIs(t, err, audio.ErrInvalidFormat)
}

func TestPlay_DrivesFramesUntilDrained(t *testing.T) {
	eb := bus.NewEventBus()
	var loaded sync.WaitGroup
	loaded.Add(1)
	var once sync.Once
	eb.Subscribe(bus.EventTypeTimelineLoaded, func(bus.Event) { once.Do(loaded.Done) })

	rec := &frameRecorder{}
	s, err := New(Options{Logger: zerolog.Nop(), Bus: eb, Sinks: []lipsync.FrameSink{rec}})
	require.NoError(t, err)

	buf := &audio.Buffer{Samples: make([]float64, 6400), SampleRate: 16000}
	res, err := s.Prepare(context.Background(), buf, "papa", nil, 0)
	require.NoError(t, err)

	out := &fakeOutput{}
	started := time.Now()
	require.NoError(t, s.Play(context.Background(), res.Timeline, buf, out, PlayOptions{}))
	assert.GreaterOrEqual(t, time.Since(started), 400*ms)

	loaded.Wait()
	frames := rec.snapshot()
	assert.Greater(t, len(frames), 10)
	assert.True(t, rec.saw("pp"))
	assert.Equal(t, 1, out.stops)

	time.Sleep(50 * ms)
	assert.Len(t, rec.snapshot(), len(frames), "no frames after Play returns")

	_, active := s.SyncState()
	assert.False(t, active)
}

func TestPlay_CancelStopsEarly(t *testing.T) {
	s, rec := newTestSession(t, nil)
	buf := &audio.Buffer{Samples: make([]float64, 16000*5), SampleRate: 16000}
	res, err := s.Prepare(context.Background(), buf, "long utterance", nil, 0)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 150*ms)
	defer cancel()
	started := time.Now()
	require.NoError(t, s.Play(ctx, res.Timeline, buf, &fakeOutput{}, PlayOptions{}))
	assert.Less(t, time.Since(started), 2*time.Second)
	assert.NotEmpty(t, rec.snapshot())
}

func TestPlay_Calibration(t *testing.T) {
	tests := []struct {
		name string
		out  *fakeOutput
		want bus.EventType
	}{
		{"measured", &fakeOutput{toneDelay: 20 * ms}, bus.EventTypeCalibrated},
		{"timeout continues uncalibrated", &fakeOutput{toneHang: true}, bus.EventTypeError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			eb := bus.NewEventBus()
			seen := make(chan struct{}, 1)
			eb.Subscribe(tt.want, func(bus.Event) {
				select {
				case seen <- struct{}{}:
				default:
				}
			})

			cfg := config.DefaultConfig()
			cfg.Sync.CalibrationTimeout = 200 * ms
			rec := &frameRecorder{}
			s, err := New(Options{Config: cfg, Logger: zerolog.Nop(), Bus: eb, Sinks: []lipsync.FrameSink{rec}})
			require.NoError(t, err)

			buf := &audio.Buffer{Samples: make([]float64, 3200), SampleRate: 16000}
			res, err := s.Prepare(context.Background(), buf, "ma", nil, 0)
			require.NoError(t, err)

			require.NoError(t, s.Play(context.Background(), res.Timeline, buf, tt.out, PlayOptions{Calibrate: true}))
			assert.NotEmpty(t, rec.snapshot(), "playback runs either way")
			select {
			case <-seen:
			case <-time.After(time.Second):
				t.Fatalf("no %s event", tt.want)
			}
		})
	}
}

func TestCalibrate(t *testing.T) {
	s, _ := newTestSession(t, nil)
	latency, err := s.Calibrate(context.Background(), &fakeOutput{toneDelay: 25 * ms})
	require.NoError(t, err)
	assert.InDelta(t, float64(25*ms), float64(latency), float64(20*ms))
}

func TestSession_Busy(t *testing.T) {
	s, _ := newTestSession(t, nil)
	_, release, err := s.acquire(context.Background())
	require.NoError(t, err)
	defer release()

	_, err = s.Analyze(context.Background(), &audio.Buffer{Samples: make([]float64, 160), SampleRate: 16000})
	assert.ErrorIs(t, err, ErrBusy)
	_, err = s.Calibrate(context.Background(), &fakeOutput{})
	assert.ErrorIs(t, err, ErrBusy)
}

func TestSession_Stop(t *testing.T) {
	s, rec := newTestSession(t, nil)
	s.Stop()

	buf := &audio.Buffer{Samples: make([]float64, 16000*5), SampleRate: 16000}
	res, err := s.Prepare(context.Background(), buf, "a long sentence", nil, 0)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- s.Play(context.Background(), res.Timeline, buf, &fakeOutput{}, PlayOptions{}) }()
	require.Eventually(t, func() bool { return len(rec.snapshot()) > 3 }, 2*time.Second, 5*ms)

	s.Stop()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Play still running after Stop")
	}
	n := len(rec.snapshot())
	time.Sleep(50 * ms)
	assert.Len(t, rec.snapshot(), n)

	_, release, err := s.acquire(context.Background())
	require.NoError(t, err, "session reusable after Stop")
	release()
}

// pacedSource submits audio to the processor in real time.
type pacedSource struct {
	proc    *audio.Processor
	samples []float64
	stopped chan struct{}
	once    sync.Once
}

func (p *pacedSource) Start() error {
	go func() {
		chunk := make([]float32, 512)
		ticker := time.NewTicker(32 * ms)
		defer ticker.Stop()
		for off := 0; off+512 <= len(p.samples); off += 512 {
			select {
			case <-p.stopped:
				return
			case <-ticker.C:
			}
			for i := range chunk {
				chunk[i] = float32(p.samples[off+i])
			}
			p.proc.Submit(chunk)
		}
	}()
	return nil
}

func (p *pacedSource) Stop() error {
	p.once.Do(func() { close(p.stopped) })
	return nil
}

func TestLive_FramesFollowCapture(t *testing.T) {
	s, rec := newTestSession(t, nil)
	src := &pacedSource{
		proc:    s.Processor(),
		samples: append(sine(200, 0.5, 16000, 16384), make([]float64, 8192)...),
		stopped: make(chan struct{}),
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Live(ctx, src) }()

	require.Eventually(t, func() bool { return rec.saw("aa") }, 3*time.Second, 10*ms,
		"vowel shows while it is still being spoken")

	cfg := config.DefaultConfig()
	cfg.LipSync.TargetFrameRate = 30
	s.ApplyConfig(cfg)
	assert.Equal(t, cfg.EngineSettings(), s.Engine().Config())

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("live run did not stop")
	}

	n := len(rec.snapshot())
	time.Sleep(50 * ms)
	assert.Len(t, rec.snapshot(), n)
	assert.NotEmpty(t, s.Processor().Phonemes())
}
