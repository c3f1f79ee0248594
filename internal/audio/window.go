package audio

import (
	"fmt"
	"math"
	"strings"

	"gonum.org/v1/gonum/dsp/window"
)

// ParseWindow accepts a window name. "hann" is an alias of hanning.
func ParseWindow(name string) (WindowType, error) {
	switch strings.ToLower(name) {
	case "", "hanning", "hann":
		return WindowHanning, nil
	case "hamming":
		return WindowHamming, nil
	case "blackman":
		return WindowBlackman, nil
	case "rectangular", "rect", "none":
		return WindowRectangular, nil
	case "kaiser":
		return WindowKaiser, nil
	}
	return "", fmt.Errorf("%w: unknown window %q", ErrInvalidFormat, name)
}

// windowCoefficients returns the weights of a window of length n.
func windowCoefficients(kind WindowType, n int, beta float64) []float64 {
	w := make([]float64, n)
	for i := range w {
		w[i] = 1
	}
	if n < 2 {
		return w
	}
	switch kind {
	case WindowHamming:
		return window.Hamming(w)
	case WindowBlackman:
		return window.Blackman(w)
	case WindowRectangular:
		return window.Rectangular(w)
	case WindowKaiser:
		return kaiser(w, beta)
	default:
		return window.Hann(w)
	}
}

// kaiser multiplies seq in place by a Kaiser window with shape beta.
func kaiser(seq []float64, beta float64) []float64 {
	n := len(seq)
	denom := besselI0(beta)
	for i := range seq {
		r := 2*float64(i)/float64(n-1) - 1
		seq[i] *= besselI0(beta*math.Sqrt(1-r*r)) / denom
	}
	return seq
}

// besselI0 is the zeroth-order modified Bessel function of the first kind,
// summed from its power series.
func besselI0(x float64) float64 {
	sum, term := 1.0, 1.0
	half := x / 2
	for k := 1; k < 64; k++ {
		term *= (half / float64(k)) * (half / float64(k))
		sum += term
		if term < sum*1e-16 {
			break
		}
	}
	return sum
}
