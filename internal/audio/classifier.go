package audio

import (
	"context"
	"math"
	"time"
)

// Coarse phoneme classes produced by the heuristic classifier.
const (
	PhonemeOpenBack   = "AA" // low centroid vowel
	PhonemeCloseFront = "IY" // high centroid vowel
	PhonemeMidBack    = "OW" // mid centroid vowel
	PhonemePlosive    = "T"  // loud unvoiced
	PhonemeFricative  = "S"  // soft unvoiced
)

// Classifier estimates a phoneme from frame features. A nil event with a nil
// error means nothing confident enough was heard.
type Classifier interface {
	Classify(ctx context.Context, f AudioFeatures, duration time.Duration) (*PhonemeEvent, error)
}

// HeuristicClassifier bands voiced frames by spectral centroid and unvoiced
// frames by amplitude. It is a placeholder for a trained classifier.
type HeuristicClassifier struct {
	cfg *AnalysisConfig
}

// NewHeuristicClassifier creates a classifier; nil config uses defaults.
func NewHeuristicClassifier(cfg *AnalysisConfig) *HeuristicClassifier {
	if cfg == nil {
		cfg = DefaultAnalysisConfig()
	}
	return &HeuristicClassifier{cfg: cfg}
}

// Classify implements Classifier. It never fails.
func (c *HeuristicClassifier) Classify(_ context.Context, f AudioFeatures, duration time.Duration) (*PhonemeEvent, error) {
	return c.ClassifyPhoneme(f, f.Timestamp, duration), nil
}

// ClassifyPhoneme returns the coarse class for a frame starting at
// timestamp, or nil for silence and low-confidence frames.
func (c *HeuristicClassifier) ClassifyPhoneme(f AudioFeatures, timestamp, duration time.Duration) *PhonemeEvent {
	if f.Energy < c.cfg.EnergyThreshold {
		return nil
	}

	var symbol string
	var confidence float64
	if f.HasPitch() {
		switch {
		case f.SpectralCentroid < c.cfg.LowCentroidHz:
			symbol = PhonemeOpenBack
		case f.SpectralCentroid > c.cfg.HighCentroidHz:
			symbol = PhonemeCloseFront
		default:
			symbol = PhonemeMidBack
		}
		confidence = f.PitchClarity
	} else {
		symbol = PhonemeFricative
		if f.Amplitude > c.cfg.LoudConsonant {
			symbol = PhonemePlosive
		}
		confidence = math.Min(1, 0.5+f.ZeroCrossingRate)
	}

	if confidence < c.cfg.ConfidenceThreshold {
		return nil
	}

	return &PhonemeEvent{
		Symbol:     symbol,
		Confidence: math.Min(1, math.Max(0, confidence)),
		Start:      timestamp,
		Duration:   duration,
		Intensity:  math.Min(1, f.Amplitude*10),
		Formants:   f.Formants,
	}
}
