package audio

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"time"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// Buffer is decoded mono audio.
type Buffer struct {
	Samples    []float64
	SampleRate int
}

// Duration returns the playback length of the buffer.
func (b *Buffer) Duration() time.Duration {
	if b == nil || b.SampleRate <= 0 {
		return 0
	}
	return time.Duration(len(b.Samples)) * time.Second / time.Duration(b.SampleRate)
}

// PCM16 encodes the buffer as little-endian signed 16-bit samples.
func (b *Buffer) PCM16() []byte {
	return FloatToPCM16(b.Samples)
}

// OpenWAV decodes a WAV file.
func OpenWAV(path string) (*Buffer, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInitialization, err)
	}
	defer f.Close()
	return DecodeWAV(f)
}

// DecodeWAV reads PCM WAV data and downmixes it to mono in [-1,1].
func DecodeWAV(r io.ReadSeeker) (*Buffer, error) {
	dec := wav.NewDecoder(r)
	if !dec.IsValidFile() {
		return nil, fmt.Errorf("%w: not a valid wav file", ErrInvalidFormat)
	}

	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidFormat, err)
	}
	if buf.Format == nil || buf.Format.SampleRate <= 0 || buf.Format.NumChannels <= 0 {
		return nil, fmt.Errorf("%w: missing format", ErrInvalidFormat)
	}

	bitDepth := buf.SourceBitDepth
	if bitDepth == 0 {
		bitDepth = int(dec.BitDepth)
	}
	return &Buffer{
		Samples:    downmix(buf, bitDepth),
		SampleRate: buf.Format.SampleRate,
	}, nil
}

func downmix(buf *goaudio.IntBuffer, bitDepth int) []float64 {
	if bitDepth <= 0 {
		bitDepth = 16
	}
	channels := buf.Format.NumChannels
	scale := math.Pow(2, float64(bitDepth-1))
	offset := 0.0
	if bitDepth == 8 {
		// 8-bit WAV is unsigned.
		offset = scale
	}

	frames := len(buf.Data) / channels
	out := make([]float64, frames)
	for i := 0; i < frames; i++ {
		var sum float64
		for ch := 0; ch < channels; ch++ {
			sum += (float64(buf.Data[i*channels+ch]) - offset) / scale
		}
		out[i] = sum / float64(channels)
	}
	return out
}

// EncodeWAV writes mono samples as 16-bit PCM WAV.
func EncodeWAV(w io.WriteSeeker, samples []float64, sampleRate int) error {
	enc := wav.NewEncoder(w, sampleRate, 16, 1, 1)
	data := make([]int, len(samples))
	for i, s := range samples {
		data[i] = int(floatToInt16(s))
	}
	buf := &goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: 1, SampleRate: sampleRate},
		Data:           data,
		SourceBitDepth: 16,
	}
	if err := enc.Write(buf); err != nil {
		return fmt.Errorf("write wav: %w", err)
	}
	return enc.Close()
}

// PCM16ToFloat converts little-endian signed 16-bit PCM to [-1,1].
func PCM16ToFloat(data []byte) []float64 {
	out := make([]float64, len(data)/2)
	for i := range out {
		out[i] = float64(int16(binary.LittleEndian.Uint16(data[2*i:]))) / 32768.0
	}
	return out
}

// FloatToPCM16 converts samples to little-endian signed 16-bit PCM.
func FloatToPCM16(samples []float64) []byte {
	out := make([]byte, 2*len(samples))
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[2*i:], uint16(floatToInt16(s)))
	}
	return out
}

// Float32ToFloat64 widens capture buffers.
func Float32ToFloat64(in []float32) []float64 {
	out := make([]float64, len(in))
	for i, s := range in {
		out[i] = float64(s)
	}
	return out
}

func floatToInt16(s float64) int16 {
	if s > 1 {
		s = 1
	} else if s < -1 {
		s = -1
	}
	return int16(math.Round(s * 32767))
}

// RMS computes root mean square energy of raw PCM bytes. Supported depths
// are 8-bit unsigned, 16-bit signed and 32-bit float.
func RMS(audioData []byte, bitDepth int) float64 {
	if len(audioData) == 0 {
		return 0
	}

	var sum float64
	var count int

	switch bitDepth {
	case 16:
		for i := 0; i+1 < len(audioData); i += 2 {
			sample := int16(audioData[i]) | int16(audioData[i+1])<<8
			normalized := float64(sample) / 32768.0
			sum += normalized * normalized
			count++
		}
	case 32:
		for i := 0; i+3 < len(audioData); i += 4 {
			bits := uint32(audioData[i]) | uint32(audioData[i+1])<<8 | uint32(audioData[i+2])<<16 | uint32(audioData[i+3])<<24
			sample := math.Float32frombits(bits)
			sum += float64(sample * sample)
			count++
		}
	default:
		for _, b := range audioData {
			normalized := (float64(b) - 128.0) / 128.0
			sum += normalized * normalized
			count++
		}
	}

	if count == 0 {
		return 0
	}
	return math.Sqrt(sum / float64(count))
}

// Resample converts samples between rates by linear interpolation.
func Resample(samples []float64, from, to int) []float64 {
	if from <= 0 || to <= 0 || from == to || len(samples) == 0 {
		out := make([]float64, len(samples))
		copy(out, samples)
		return out
	}

	n := int(int64(len(samples)) * int64(to) / int64(from))
	out := make([]float64, n)
	step := float64(from) / float64(to)
	last := len(samples) - 1
	for i := range out {
		pos := float64(i) * step
		j := int(pos)
		if j >= last {
			out[i] = samples[last]
			continue
		}
		frac := pos - float64(j)
		out[i] = samples[j]*(1-frac) + samples[j+1]*frac
	}
	return out
}

// Tone synthesizes a sine at freqHz with short linear fades to avoid clicks.
func Tone(freqHz float64, d time.Duration, sampleRate int, amplitude float64) []float64 {
	n := int(int64(d) * int64(sampleRate) / int64(time.Second))
	out := make([]float64, n)
	fade := min(sampleRate/200, n/2)
	for i := range out {
		gain := amplitude
		if i < fade {
			gain *= float64(i) / float64(fade)
		} else if n-1-i < fade {
			gain *= float64(n-1-i) / float64(fade)
		}
		out[i] = gain * math.Sin(2*math.Pi*freqHz*float64(i)/float64(sampleRate))
	}
	return out
}
