package audio

import (
	"math"
	"sort"
)

const (
	// magnitudeFloorDB is the lowest level a spectral bin is allowed to take.
	magnitudeFloorDB = -100.0

	formantLowHz  = 200.0
	formantHighHz = 3500.0
	maxFormants   = 3
)

// spectrum holds the magnitude of the non-negative frequency bins.
type spectrum struct {
	mag  []float64
	freq []float64
}

// toDB converts a linear magnitude to decibels, floored at magnitudeFloorDB.
func toDB(m float64) float64 {
	if m <= 0 {
		return magnitudeFloorDB
	}
	return math.Max(20*math.Log10(m), magnitudeFloorDB)
}

func fromDB(db float64) float64 {
	return math.Pow(10, db/20)
}

// spectralShape computes centroid, bandwidth and rolloff in Hz. Bin 0 (DC)
// is ignored.
func spectralShape(s spectrum, rolloffPercent float64) (centroid, bandwidth, rolloff float64) {
	var total, weighted float64
	for i := 1; i < len(s.mag); i++ {
		total += s.mag[i]
		weighted += s.freq[i] * s.mag[i]
	}
	if total == 0 {
		return 0, 0, 0
	}
	centroid = weighted / total

	var spread float64
	for i := 1; i < len(s.mag); i++ {
		d := s.freq[i] - centroid
		spread += s.mag[i] * d * d
	}
	bandwidth = math.Sqrt(spread / total)

	target := rolloffPercent * total
	var cum float64
	rolloff = s.freq[len(s.freq)-1]
	for i := 1; i < len(s.mag); i++ {
		cum += s.mag[i]
		if cum >= target {
			rolloff = s.freq[i]
			break
		}
	}
	return centroid, bandwidth, rolloff
}

// spectralFlatness is the ratio of geometric to arithmetic mean power.
func spectralFlatness(s spectrum) float64 {
	if len(s.mag) < 2 {
		return 0
	}
	var logSum, sum float64
	n := 0
	for i := 1; i < len(s.mag); i++ {
		p := s.mag[i] * s.mag[i]
		logSum += math.Log(p)
		sum += p
		n++
	}
	mean := sum / float64(n)
	if mean == 0 {
		return 0
	}
	return math.Exp(logSum/float64(n)) / mean
}

// spectralFlux is the L2 norm of the magnitude increase since prev.
func spectralFlux(cur, prev []float64) float64 {
	if len(prev) != len(cur) {
		return 0
	}
	var sum float64
	for i := range cur {
		if d := cur[i] - prev[i]; d > 0 {
			sum += d * d
		}
	}
	return math.Sqrt(sum)
}

// formants returns up to three prominent spectral peaks between 200 and
// 3500 Hz, in ascending frequency.
func formants(s spectrum) []float64 {
	type peak struct{ freq, mag float64 }

	var inBandMax float64
	for i := 1; i < len(s.mag); i++ {
		if s.freq[i] >= formantLowHz && s.freq[i] <= formantHighHz {
			inBandMax = math.Max(inBandMax, s.mag[i])
		}
	}
	floor := fromDB(magnitudeFloorDB)
	if inBandMax <= floor {
		return nil
	}

	var peaks []peak
	for i := 1; i+1 < len(s.mag); i++ {
		f := s.freq[i]
		if f < formantLowHz || f > formantHighHz {
			continue
		}
		m := s.mag[i]
		if m > s.mag[i-1] && m >= s.mag[i+1] && m >= 0.1*inBandMax {
			peaks = append(peaks, peak{f, m})
		}
	}
	if len(peaks) == 0 {
		return nil
	}

	sort.Slice(peaks, func(i, j int) bool { return peaks[i].mag > peaks[j].mag })
	if len(peaks) > maxFormants {
		peaks = peaks[:maxFormants]
	}
	out := make([]float64, len(peaks))
	for i, p := range peaks {
		out[i] = p.freq
	}
	sort.Float64s(out)
	return out
}
