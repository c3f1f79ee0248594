package capture

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingSink struct {
	accept bool
	chunks [][]float32
}

func (s *recordingSink) Submit(samples []float32) bool {
	s.chunks = append(s.chunks, append([]float32(nil), samples...))
	return s.accept
}

func newTestCapture(channels int, sink Sink) *Capture {
	return &Capture{
		cfg:    Config{SampleRate: 16000, FramesPerBuffer: 4, Channels: channels},
		sink:   sink,
		logger: zerolog.Nop(),
		mono:   make([]float32, 4),
	}
}

func TestDeliver_Mono(t *testing.T) {
	sink := &recordingSink{accept: true}
	c := newTestCapture(1, sink)

	c.deliver([]float32{0.1, 0.2, 0.3, 0.4})

	require.Len(t, sink.chunks, 1)
	assert.Equal(t, []float32{0.1, 0.2, 0.3, 0.4}, sink.chunks[0])
	delivered, dropped := c.Stats()
	assert.Equal(t, uint64(1), delivered)
	assert.Zero(t, dropped)
}

func TestDeliver_DownmixesStereo(t *testing.T) {
	sink := &recordingSink{accept: true}
	c := newTestCapture(2, sink)

	c.deliver([]float32{1, 0, 0.5, 0.5, -1, 1, 0.25, 0.75})

	require.Len(t, sink.chunks, 1)
	assert.Equal(t, []float32{0.5, 0.5, 0, 0.5}, sink.chunks[0])
}

func TestDeliver_CountsDrops(t *testing.T) {
	sink := &recordingSink{accept: false}
	c := newTestCapture(1, sink)

	c.deliver([]float32{0})
	c.deliver([]float32{0})

	delivered, dropped := c.Stats()
	assert.Zero(t, delivered)
	assert.Equal(t, uint64(2), dropped)
}

func TestStop_NotRunning(t *testing.T) {
	c := newTestCapture(1, &recordingSink{})
	assert.NoError(t, c.Stop())
	assert.False(t, c.Running())
}
