package audio

import (
	"sync"
)

// VAD scores frames with three independent cues and tracks speech segments
// with a short hangover so single quiet frames do not split a segment.
type VAD struct {
	config *VADConfig
	mu     sync.RWMutex

	// State
	isActive     bool
	silentFrames int
}

// VADConfig holds VAD configuration
type VADConfig struct {
	EnergyThreshold float64 `json:"energy_threshold"` // default 0.001
	ZCRThreshold    float64 `json:"zcr_threshold"`    // voiced frames cross zero less often, default 0.3
	AmplitudeFloor  float64 `json:"amplitude_floor"`  // default 0.01
	HangoverFrames  int     `json:"hangover_frames"`  // silent frames before a segment ends, default 8
}

// DefaultVADConfig returns sensible defaults
func DefaultVADConfig() *VADConfig {
	return &VADConfig{
		EnergyThreshold: 0.001,
		ZCRThreshold:    0.3,
		AmplitudeFloor:  0.01,
		HangoverFrames:  8,
	}
}

// VADConfigFrom takes the VAD cues from an analysis config.
func VADConfigFrom(cfg *AnalysisConfig) *VADConfig {
	vc := DefaultVADConfig()
	vc.EnergyThreshold = cfg.EnergyThreshold
	vc.ZCRThreshold = cfg.ZCRThreshold
	vc.AmplitudeFloor = cfg.AmplitudeFloor
	return vc
}

// NewVAD creates a new VAD instance
func NewVAD(config *VADConfig) *VAD {
	if config == nil {
		config = DefaultVADConfig()
	}
	return &VAD{config: config}
}

// DetectVoiceActivity averages the energy, zero-crossing and amplitude cues.
// A frame is voice when more than half of the cues agree.
func (v *VAD) DetectVoiceActivity(f AudioFeatures) VoiceActivity {
	v.mu.RLock()
	cfg := *v.config
	v.mu.RUnlock()

	cues := 0
	if f.Energy > cfg.EnergyThreshold {
		cues++
	}
	if f.ZeroCrossingRate < cfg.ZCRThreshold {
		cues++
	}
	if f.Amplitude > cfg.AmplitudeFloor {
		cues++
	}
	avg := float64(cues) / 3
	return VoiceActivity{IsVoice: avg > 0.5, Confidence: avg}
}

// SegmentChange reports a speech segment boundary.
type SegmentChange int

const (
	SegmentNone SegmentChange = iota
	SegmentStarted
	SegmentEnded
)

// Process scores a frame and updates the segment state.
func (v *VAD) Process(f AudioFeatures) (VoiceActivity, SegmentChange) {
	va := v.DetectVoiceActivity(f)

	v.mu.Lock()
	defer v.mu.Unlock()

	if va.IsVoice {
		v.silentFrames = 0
		if !v.isActive {
			v.isActive = true
			return va, SegmentStarted
		}
		return va, SegmentNone
	}

	if v.isActive {
		v.silentFrames++
		if v.silentFrames > v.config.HangoverFrames {
			v.isActive = false
			v.silentFrames = 0
			return va, SegmentEnded
		}
	}
	return va, SegmentNone
}

// IsActive returns whether speech is currently detected
func (v *VAD) IsActive() bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.isActive
}

// Reset clears VAD state
func (v *VAD) Reset() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.isActive = false
	v.silentFrames = 0
}

// UpdateConfig updates VAD configuration
func (v *VAD) UpdateConfig(config *VADConfig) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.config = config
}
