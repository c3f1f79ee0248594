// Package capture streams microphone audio from PortAudio into the
// analysis pipeline.
package capture

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gordonklaus/portaudio"
	"github.com/normanking/cortexlipsync/internal/audio"
	"github.com/rs/zerolog"
)

// ErrAlreadyRunning is returned by Start on a running capture.
var ErrAlreadyRunning = errors.New("capture already running")

// Sink accepts captured chunks without blocking. It reports false when the
// chunk was dropped.
type Sink interface {
	Submit(samples []float32) bool
}

// Config holds configuration for audio capture
type Config struct {
	SampleRate      float64
	FramesPerBuffer int
	Channels        int
	DeviceName      string // empty = default input
}

// DefaultConfig returns default capture configuration
func DefaultConfig() Config {
	return Config{
		SampleRate:      16000,
		FramesPerBuffer: 512,
		Channels:        1,
	}
}

// DeviceInfo holds information about an input device
type DeviceInfo struct {
	Name              string
	MaxInputChannels  int
	DefaultSampleRate float64
	IsDefault         bool
}

// Capture delivers microphone buffers to a Sink from the PortAudio callback.
type Capture struct {
	cfg    Config
	sink   Sink
	logger zerolog.Logger

	mu      sync.Mutex
	stream  *portaudio.Stream
	running bool
	mono    []float32

	delivered atomic.Uint64
	dropped   atomic.Uint64
}

// New initializes PortAudio. Call Close to release it.
func New(cfg Config, sink Sink, logger zerolog.Logger) (*Capture, error) {
	if cfg.Channels <= 0 {
		cfg.Channels = 1
	}
	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("%w: portaudio: %v", audio.ErrInitialization, err)
	}
	return &Capture{
		cfg:    cfg,
		sink:   sink,
		logger: logger.With().Str("component", "capture").Logger(),
		mono:   make([]float32, cfg.FramesPerBuffer),
	}, nil
}

// Start opens the input stream. An unknown device name falls back to the
// default input.
func (c *Capture) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.running {
		return ErrAlreadyRunning
	}

	device, err := c.inputDevice()
	if err != nil {
		return fmt.Errorf("%w: %v", audio.ErrInitialization, err)
	}
	params := portaudio.LowLatencyParameters(device, nil)
	params.Input.Channels = c.cfg.Channels
	params.SampleRate = c.cfg.SampleRate
	params.FramesPerBuffer = c.cfg.FramesPerBuffer

	stream, err := portaudio.OpenStream(params, c.callback)
	if err != nil {
		return fmt.Errorf("%w: open input stream: %v", audio.ErrInitialization, err)
	}
	if err := stream.Start(); err != nil {
		stream.Close()
		return fmt.Errorf("%w: start input stream: %v", audio.ErrInitialization, err)
	}

	c.stream = stream
	c.running = true
	c.logger.Info().
		Str("device", device.Name).
		Float64("sample_rate", c.cfg.SampleRate).
		Int("frames_per_buffer", c.cfg.FramesPerBuffer).
		Msg("Capture started")
	return nil
}

func (c *Capture) inputDevice() (*portaudio.DeviceInfo, error) {
	if c.cfg.DeviceName != "" && c.cfg.DeviceName != "default" {
		devices, err := portaudio.Devices()
		if err != nil {
			return nil, err
		}
		for _, dev := range devices {
			if dev.Name == c.cfg.DeviceName && dev.MaxInputChannels > 0 {
				return dev, nil
			}
		}
		c.logger.Warn().Str("device", c.cfg.DeviceName).Msg("Input device not found, using default")
	}
	return portaudio.DefaultInputDevice()
}

// callback runs on the PortAudio thread and must not block.
func (c *Capture) callback(in []float32) {
	c.deliver(in)
}

func (c *Capture) deliver(in []float32) {
	samples := in
	if ch := c.cfg.Channels; ch > 1 {
		n := len(in) / ch
		if cap(c.mono) < n {
			c.mono = make([]float32, n)
		}
		samples = c.mono[:n]
		for i := range samples {
			var sum float32
			for j := 0; j < ch; j++ {
				sum += in[i*ch+j]
			}
			samples[i] = sum / float32(ch)
		}
	}

	if c.sink.Submit(samples) {
		c.delivered.Add(1)
	} else {
		c.dropped.Add(1)
	}
}

// Stats returns delivered and dropped buffer counts.
func (c *Capture) Stats() (delivered, dropped uint64) {
	return c.delivered.Load(), c.dropped.Load()
}

// Latency returns the input latency reported by the open stream.
func (c *Capture) Latency() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stream == nil {
		return 0
	}
	return c.stream.Info().InputLatency
}

// Running reports whether the stream is open.
func (c *Capture) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

// Stop closes the input stream.
func (c *Capture) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.running {
		return nil
	}
	c.running = false

	if err := c.stream.Stop(); err != nil {
		c.logger.Warn().Err(err).Msg("Failed to stop input stream")
	}
	err := c.stream.Close()
	c.stream = nil

	delivered, dropped := c.Stats()
	c.logger.Info().Uint64("delivered", delivered).Uint64("dropped", dropped).Msg("Capture stopped")
	if err != nil {
		return fmt.Errorf("failed to close audio stream: %w", err)
	}
	return nil
}

// Close stops capture and terminates PortAudio.
func (c *Capture) Close() error {
	if err := c.Stop(); err != nil {
		return err
	}
	if err := portaudio.Terminate(); err != nil {
		return fmt.Errorf("failed to terminate PortAudio: %w", err)
	}
	return nil
}

// ListInputDevices returns the available input devices.
func ListInputDevices() ([]DeviceInfo, error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("%w: portaudio: %v", audio.ErrInitialization, err)
	}
	defer portaudio.Terminate()

	devices, err := portaudio.Devices()
	if err != nil {
		return nil, fmt.Errorf("failed to get devices: %w", err)
	}

	var defaultName string
	if def, err := portaudio.DefaultInputDevice(); err == nil && def != nil {
		defaultName = def.Name
	}

	var out []DeviceInfo
	for _, dev := range devices {
		if dev.MaxInputChannels > 0 {
			out = append(out, DeviceInfo{
				Name:              dev.Name,
				MaxInputChannels:  dev.MaxInputChannels,
				DefaultSampleRate: dev.DefaultSampleRate,
				IsDefault:         dev.Name == defaultName,
			})
		}
	}
	return out, nil
}
