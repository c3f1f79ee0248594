// Package audio turns PCM samples into spectral and temporal features, voice
// activity decisions and coarse phoneme events.
package audio

import (
	"errors"
	"time"
)

// Common errors
var (
	ErrInitialization = errors.New("audio initialization failed")
	ErrInvalidFormat  = errors.New("invalid audio format")
	ErrEmptyFrame     = errors.New("audio frame has no samples")
	ErrQueueFull      = errors.New("audio queue full")
)

// WindowType selects the analysis window applied before the FFT.
type WindowType string

const (
	WindowHanning     WindowType = "hanning"
	WindowHamming     WindowType = "hamming"
	WindowBlackman    WindowType = "blackman"
	WindowRectangular WindowType = "rectangular"
	WindowKaiser      WindowType = "kaiser"
)

// AudioFrame is one analysis window of mono samples in [-1,1].
type AudioFrame struct {
	Samples    []float64
	SampleRate int
	Timestamp  time.Duration
}

// Duration returns the length of the frame.
func (f AudioFrame) Duration() time.Duration {
	if f.SampleRate <= 0 {
		return 0
	}
	return time.Duration(len(f.Samples)) * time.Second / time.Duration(f.SampleRate)
}

// AudioFeatures are the per-frame measurements used by VAD and
// classification.
type AudioFeatures struct {
	Timestamp time.Duration `json:"timestamp"`

	Amplitude        float64 `json:"amplitude"`        // mean absolute sample
	Energy           float64 `json:"energy"`           // mean square
	RMS              float64 `json:"rms"`
	ZeroCrossingRate float64 `json:"zeroCrossingRate"` // crossings per sample pair

	SpectralCentroid  float64 `json:"spectralCentroid"`  // Hz
	SpectralBandwidth float64 `json:"spectralBandwidth"` // Hz
	SpectralRolloff   float64 `json:"spectralRolloff"`   // Hz
	SpectralFlux      float64 `json:"spectralFlux"`
	SpectralFlatness  float64 `json:"spectralFlatness"` // 0 tonal .. 1 noise

	// Pitch is the fundamental frequency in Hz, 0 when unvoiced.
	Pitch        float64   `json:"pitch"`
	PitchClarity float64   `json:"pitchClarity"`
	Formants     []float64 `json:"formants,omitempty"`
}

// HasPitch reports whether a valid fundamental frequency was found.
func (f AudioFeatures) HasPitch() bool {
	return f.Pitch > 0
}

// VoiceActivity is the result of voice-activity detection for one frame.
type VoiceActivity struct {
	IsVoice    bool    `json:"isVoice"`
	Confidence float64 `json:"confidence"`
}

// PhonemeEvent is a coarse speech-sound estimate with timing.
type PhonemeEvent struct {
	Symbol     string        `json:"symbol"`
	Confidence float64       `json:"confidence"`
	Start      time.Duration `json:"start"`
	Duration   time.Duration `json:"duration"`
	Intensity  float64       `json:"intensity"`
	Formants   []float64     `json:"formants,omitempty"`
}

// End returns Start + Duration.
func (p PhonemeEvent) End() time.Duration {
	return p.Start + p.Duration
}

// AnalysisConfig holds the analysis pipeline tunables.
type AnalysisConfig struct {
	SampleRate int        `json:"sample_rate"`
	FrameSize  int        `json:"frame_size"` // samples per analysis window
	HopSize    int        `json:"hop_size"`   // samples between window starts
	Window     WindowType `json:"window"`
	KaiserBeta float64    `json:"kaiser_beta"`

	MinPitchHz       float64 `json:"min_pitch_hz"`
	MaxPitchHz       float64 `json:"max_pitch_hz"`
	VoicingThreshold float64 `json:"voicing_threshold"` // minimum normalized autocorrelation
	RolloffPercent   float64 `json:"rolloff_percent"`

	// VAD cues
	EnergyThreshold float64 `json:"energy_threshold"`
	ZCRThreshold    float64 `json:"zcr_threshold"`
	AmplitudeFloor  float64 `json:"amplitude_floor"`

	// Classification
	ConfidenceThreshold float64 `json:"confidence_threshold"`
	LowCentroidHz       float64 `json:"low_centroid_hz"`
	HighCentroidHz      float64 `json:"high_centroid_hz"`
	LoudConsonant       float64 `json:"loud_consonant"` // amplitude splitting plosive-like from fricative-like

	// Processing
	QueueSize     int     `json:"queue_size"`
	CPUUsageLimit float64 `json:"cpu_usage_limit"` // share of a hop period analysis may take
}

// DefaultAnalysisConfig returns sensible defaults
func DefaultAnalysisConfig() *AnalysisConfig {
	return &AnalysisConfig{
		SampleRate:          16000,
		FrameSize:           1024,
		HopSize:             512,
		Window:              WindowHanning,
		KaiserBeta:          8.6,
		MinPitchHz:          80,
		MaxPitchHz:          800,
		VoicingThreshold:    0.3,
		RolloffPercent:      0.85,
		EnergyThreshold:     0.001,
		ZCRThreshold:        0.3,
		AmplitudeFloor:      0.01,
		ConfidenceThreshold: 0.7,
		LowCentroidHz:       1000,
		HighCentroidHz:      2000,
		LoudConsonant:       0.1,
		QueueSize:           64,
		CPUUsageLimit:       0.8,
	}
}

// HopDuration returns the time between consecutive frames.
func (c *AnalysisConfig) HopDuration() time.Duration {
	if c.SampleRate <= 0 {
		return 0
	}
	return time.Duration(c.HopSize) * time.Second / time.Duration(c.SampleRate)
}
