package audio

import (
	"math"
	"sync"

	"gonum.org/v1/gonum/dsp/fourier"
)

// Analyzer extracts AudioFeatures from frames. Apart from the previous
// magnitude spectrum kept for flux, Analyze depends only on its input.
type Analyzer struct {
	mu  sync.Mutex
	cfg *AnalysisConfig

	frameLen int
	fftSize  int
	fft      *fourier.FFT
	window   []float64
	winSum   float64
	buf      []float64
	coeffs   []complex128
	prevMag  []float64
}

// NewAnalyzer creates an analyzer; nil config uses defaults.
func NewAnalyzer(cfg *AnalysisConfig) *Analyzer {
	if cfg == nil {
		cfg = DefaultAnalysisConfig()
	}
	return &Analyzer{cfg: cfg}
}

// Reset drops the spectral history.
func (a *Analyzer) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.prevMag = nil
}

// prepare sizes the FFT and window for frames of n samples.
func (a *Analyzer) prepare(n int) {
	if n == a.frameLen && a.fft != nil {
		return
	}
	size := 1
	for size < n {
		size <<= 1
	}
	a.frameLen = n
	a.fftSize = size
	a.fft = fourier.NewFFT(size)
	a.window = windowCoefficients(a.cfg.Window, n, a.cfg.KaiserBeta)
	a.winSum = 0
	for _, w := range a.window {
		a.winSum += w
	}
	a.buf = make([]float64, size)
	a.coeffs = make([]complex128, size/2+1)
	a.prevMag = nil
}

// Analyze computes features for one frame. An empty frame yields zero
// features at the frame's timestamp.
func (a *Analyzer) Analyze(frame AudioFrame) AudioFeatures {
	feat := AudioFeatures{Timestamp: frame.Timestamp}
	n := len(frame.Samples)
	if n == 0 || frame.SampleRate <= 0 {
		return feat
	}

	feat.Amplitude, feat.Energy, feat.ZeroCrossingRate = temporalFeatures(frame.Samples)
	feat.RMS = math.Sqrt(feat.Energy)
	feat.Pitch, feat.PitchClarity = detectPitch(frame.Samples, frame.SampleRate,
		a.cfg.MinPitchHz, a.cfg.MaxPitchHz, a.cfg.VoicingThreshold)

	a.mu.Lock()
	defer a.mu.Unlock()

	sp := a.spectrum(frame)
	rolloff := a.cfg.RolloffPercent
	if rolloff <= 0 || rolloff > 1 {
		rolloff = 0.85
	}
	feat.SpectralCentroid, feat.SpectralBandwidth, feat.SpectralRolloff = spectralShape(sp, rolloff)
	feat.SpectralFlatness = spectralFlatness(sp)
	feat.SpectralFlux = spectralFlux(sp.mag, a.prevMag)
	feat.Formants = formants(sp)
	a.prevMag = sp.mag

	return feat
}

// spectrum windows, zero-pads and transforms the frame. Magnitudes pass
// through decibels so the floor applies before any feature math.
func (a *Analyzer) spectrum(frame AudioFrame) spectrum {
	a.prepare(len(frame.Samples))

	for i := range a.buf {
		a.buf[i] = 0
	}
	for i, s := range frame.Samples {
		a.buf[i] = s * a.window[i]
	}
	a.coeffs = a.fft.Coefficients(a.coeffs, a.buf)

	scale := 1.0
	if a.winSum > 0 {
		scale = 2 / a.winSum
	}
	binHz := float64(frame.SampleRate) / float64(a.fftSize)

	sp := spectrum{
		mag:  make([]float64, len(a.coeffs)),
		freq: make([]float64, len(a.coeffs)),
	}
	for i, c := range a.coeffs {
		m := math.Hypot(real(c), imag(c)) * scale
		sp.mag[i] = fromDB(toDB(m))
		sp.freq[i] = float64(i) * binHz
	}
	return sp
}

// temporalFeatures returns mean absolute amplitude, mean square energy and
// zero-crossing rate.
func temporalFeatures(samples []float64) (amplitude, energy, zcr float64) {
	n := len(samples)
	if n == 0 {
		return 0, 0, 0
	}
	crossings := 0
	for i, s := range samples {
		amplitude += math.Abs(s)
		energy += s * s
		if i > 0 && (s >= 0) != (samples[i-1] >= 0) {
			crossings++
		}
	}
	amplitude /= float64(n)
	energy /= float64(n)
	if n > 1 {
		zcr = float64(crossings) / float64(n-1)
	}
	return amplitude, energy, zcr
}
