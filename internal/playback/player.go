// Package playback plays analysed audio through oto and exposes the
// playback position as the master media clock.
package playback

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ebitengine/oto/v3"
	"github.com/normanking/cortexlipsync/internal/audio"
	"github.com/rs/zerolog"
)

// ErrClosed is returned after Close.
var ErrClosed = errors.New("playback closed")

const (
	channels       = 1
	bytesPerSample = 2
	pollInterval   = 5 * time.Millisecond
	toneAmplitude  = 0.4
)

// Config configures the output device.
type Config struct {
	SampleRate int           // 44100 or 48000 Hz
	BufferSize time.Duration // device buffer
	Volume     float64       // 0.0 to 1.0
}

// DefaultConfig returns the default output configuration.
func DefaultConfig() Config {
	return Config{
		SampleRate: 48000,
		BufferSize: 40 * time.Millisecond,
		Volume:     1.0,
	}
}

func validateConfig(cfg Config) error {
	if cfg.SampleRate != 44100 && cfg.SampleRate != 48000 {
		return fmt.Errorf("sample rate must be 44100 or 48000 Hz, got %d", cfg.SampleRate)
	}
	if cfg.Volume < 0 || cfg.Volume > 1 {
		return fmt.Errorf("volume must be between 0.0 and 1.0, got %f", cfg.Volume)
	}
	return nil
}

// countingReader keeps the PCM data alive for oto and records how many
// bytes the device has pulled.
type countingReader struct {
	r    *bytes.Reader
	read atomic.Int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.read.Add(int64(n))
	return n, err
}

// position converts device consumption into audible media time.
func position(consumed int64, buffered int, sampleRate int, total time.Duration) time.Duration {
	played := consumed - int64(buffered)
	if played <= 0 || sampleRate <= 0 {
		return 0
	}
	d := time.Duration(played) * time.Second / time.Duration(sampleRate*channels*bytesPerSample)
	return min(d, total)
}

// Player owns the oto context and at most one active stream.
type Player struct {
	ctx    *oto.Context
	cfg    Config
	logger zerolog.Logger

	mu       sync.Mutex
	player   *oto.Player
	src      *countingReader
	duration time.Duration
	done     chan struct{}
	closed   bool
}

// New opens the default output device. oto allows a single context per
// process, so create one Player and share it.
func New(cfg Config, logger zerolog.Logger) (*Player, error) {
	if err := validateConfig(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	ctx, ready, err := oto.NewContext(&oto.NewContextOptions{
		SampleRate:   cfg.SampleRate,
		ChannelCount: channels,
		Format:       oto.FormatSignedInt16LE,
		BufferSize:   cfg.BufferSize,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: oto context: %v", audio.ErrInitialization, err)
	}
	<-ready

	return &Player{
		ctx:    ctx,
		cfg:    cfg,
		logger: logger.With().Str("component", "playback").Logger(),
	}, nil
}

// SampleRate returns the device rate.
func (p *Player) SampleRate() int {
	return p.cfg.SampleRate
}

// Play starts the samples, replacing anything already playing. The returned
// channel is closed once the last sample has left the device buffer.
func (p *Player) Play(samples []float64, sampleRate int) (<-chan struct{}, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, ErrClosed
	}
	p.stopLocked()

	pcm := audio.FloatToPCM16(audio.Resample(samples, sampleRate, p.cfg.SampleRate))
	src := &countingReader{r: bytes.NewReader(pcm)}
	player := p.ctx.NewPlayer(src)
	player.SetVolume(p.cfg.Volume)

	p.player = player
	p.src = src
	p.duration = time.Duration(len(pcm)/bytesPerSample) * time.Second / time.Duration(p.cfg.SampleRate)
	p.done = make(chan struct{})

	player.Play()
	go p.watch(player, p.done)

	p.logger.Debug().Dur("duration", p.duration).Msg("Playback started")
	return p.done, nil
}

// PlayTone plays a calibration sine for d.
func (p *Player) PlayTone(freqHz float64, d time.Duration) (<-chan struct{}, error) {
	return p.Play(audio.Tone(freqHz, d, p.cfg.SampleRate, toneAmplitude), p.cfg.SampleRate)
}

// watch closes done once the stream is drained or replaced.
func (p *Player) watch(player *oto.Player, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for range ticker.C {
		p.mu.Lock()
		current := p.player == player
		p.mu.Unlock()
		if !current {
			return
		}
		if !player.IsPlaying() && player.BufferedSize() == 0 {
			if err := player.Err(); err != nil && !errors.Is(err, io.EOF) {
				p.logger.Warn().Err(err).Msg("Playback ended with error")
			}
			return
		}
	}
}

// Position returns the audible position of the current stream.
func (p *Player) Position() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.player == nil {
		return 0
	}
	return position(p.src.read.Load(), p.player.BufferedSize(), p.cfg.SampleRate, p.duration)
}

// Now implements the lip-sync clock.
func (p *Player) Now() time.Duration {
	return p.Position()
}

// Buffered returns how much audio is queued in the device buffer.
func (p *Player) Buffered() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.player == nil {
		return 0
	}
	return time.Duration(p.player.BufferedSize()/bytesPerSample) * time.Second / time.Duration(p.cfg.SampleRate)
}

// Latency reports queued output plus the configured device buffer.
func (p *Player) Latency() time.Duration {
	return p.Buffered() + p.cfg.BufferSize
}

// Stop halts the current stream.
func (p *Player) Stop() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stopLocked()
}

func (p *Player) stopLocked() error {
	if p.player == nil {
		return nil
	}
	p.player.Pause()
	err := p.player.Close()
	p.player = nil
	p.src = nil
	p.duration = 0
	return err
}

// Close stops playback and suspends the device.
func (p *Player) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	if err := p.stopLocked(); err != nil {
		return err
	}
	return p.ctx.Suspend()
}
