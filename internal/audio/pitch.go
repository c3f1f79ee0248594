package audio

import "math"

// peakTolerance keeps the shortest lag whose correlation is within this
// fraction of the global maximum, so whole-period multiples do not win on
// rounding noise.
const peakTolerance = 0.97

// detectPitch estimates the fundamental frequency by normalized
// autocorrelation over the lags covering [minHz, maxHz]. It returns the
// pitch (0 when the best correlation is below voicing) and the correlation
// of the chosen lag.
func detectPitch(samples []float64, sampleRate int, minHz, maxHz, voicing float64) (pitch, clarity float64) {
	n := len(samples)
	if n < 4 || sampleRate <= 0 || minHz <= 0 || maxHz <= minHz {
		return 0, 0
	}

	minLag := int(math.Floor(float64(sampleRate) / maxHz))
	if minLag < 1 {
		minLag = 1
	}
	maxLag := int(math.Ceil(float64(sampleRate) / minHz))
	if maxLag > n/2 {
		maxLag = n / 2
	}
	if maxLag <= minLag {
		return 0, 0
	}

	// Remove DC so offsets do not read as periodicity.
	var mean float64
	for _, s := range samples {
		mean += s
	}
	mean /= float64(n)
	x := make([]float64, n)
	for i, s := range samples {
		x[i] = s - mean
	}

	corr := make([]float64, maxLag+2)
	best := 0.0
	for lag := minLag; lag <= maxLag+1 && lag < n; lag++ {
		var num, e0, e1 float64
		for i := 0; i+lag < n; i++ {
			num += x[i] * x[i+lag]
			e0 += x[i] * x[i]
			e1 += x[i+lag] * x[i+lag]
		}
		if e0 == 0 || e1 == 0 {
			continue
		}
		corr[lag] = num / math.Sqrt(e0*e1)
		if lag <= maxLag && corr[lag] > best {
			best = corr[lag]
		}
	}
	if best <= 0 {
		return 0, 0
	}

	chosen := -1
	for lag := minLag; lag <= maxLag; lag++ {
		if corr[lag] < best*peakTolerance {
			continue
		}
		// Walk to the top of this peak.
		for lag+1 <= maxLag && corr[lag+1] > corr[lag] {
			lag++
		}
		chosen = lag
		break
	}
	if chosen < 0 {
		return 0, 0
	}
	clarity = corr[chosen]
	if clarity < voicing {
		return 0, clarity
	}

	period := float64(chosen)
	if chosen > minLag && chosen+1 < len(corr) {
		a, b, c := corr[chosen-1], corr[chosen], corr[chosen+1]
		if d := a - 2*b + c; d != 0 {
			shift := 0.5 * (a - c) / d
			if math.Abs(shift) < 1 {
				period += shift
			}
		}
	}

	pitch = float64(sampleRate) / period
	if pitch < minHz || pitch > maxHz {
		return 0, clarity
	}
	return pitch, clarity
}
