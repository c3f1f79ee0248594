package viseme

import (
	"fmt"
	"math"
	"strings"
)

// Curve selects the easing applied to an interpolation parameter.
type Curve string

const (
	CurveLinear    Curve = "linear"
	CurveEaseIn    Curve = "easeIn"
	CurveEaseOut   Curve = "easeOut"
	CurveEaseInOut Curve = "easeInOut"
	CurveCubic     Curve = "cubic"
	CurveBezier    Curve = "bezier"
)

// Curves lists every supported curve.
var Curves = []Curve{CurveLinear, CurveEaseIn, CurveEaseOut, CurveEaseInOut, CurveCubic, CurveBezier}

// ParseCurve accepts a curve name case-insensitively. Empty means linear.
func ParseCurve(name string) (Curve, error) {
	if name == "" {
		return CurveLinear, nil
	}
	for _, c := range Curves {
		if strings.EqualFold(string(c), name) {
			return c, nil
		}
	}
	switch strings.ToLower(name) {
	case "ease-in", "ease_in":
		return CurveEaseIn, nil
	case "ease-out", "ease_out":
		return CurveEaseOut, nil
	case "ease-in-out", "ease_in_out":
		return CurveEaseInOut, nil
	}
	return "", fmt.Errorf("unknown interpolation curve %q", name)
}

// Valid reports whether c names a supported curve.
func (c Curve) Valid() bool {
	for _, k := range Curves {
		if c == k {
			return true
		}
	}
	return false
}

// Apply maps t in [0,1] through the curve. Out-of-range t is clamped and the
// endpoints map exactly to 0 and 1.
func (c Curve) Apply(t float64) float64 {
	if math.IsNaN(t) || t <= 0 {
		return 0
	}
	if t >= 1 {
		return 1
	}
	switch c {
	case CurveEaseIn:
		return easeInCubic(t)
	case CurveEaseOut:
		return easeOutCubic(t)
	case CurveEaseInOut:
		return easeInOutCubic(t)
	case CurveCubic:
		return t * t * (3 - 2*t)
	case CurveBezier:
		return cssEase(t)
	default:
		return t
	}
}

func easeInCubic(t float64) float64 {
	return t * t * t
}

func easeOutCubic(t float64) float64 {
	return 1 - math.Pow(1-t, 3)
}

func easeInOutCubic(t float64) float64 {
	if t < 0.5 {
		return 4 * t * t * t
	}
	return 1 - math.Pow(-2*t+2, 3)/2
}

// cssEase approximates cubic-bezier(0.25, 0.1, 0.25, 1.0).
func cssEase(t float64) float64 {
	const x1, y1, x2, y2 = 0.25, 0.1, 0.25, 1.0
	bez := func(u, p1, p2 float64) float64 {
		v := 1 - u
		return 3*v*v*u*p1 + 3*v*u*u*p2 + u*u*u
	}
	dbez := func(u, p1, p2 float64) float64 {
		v := 1 - u
		return 3*v*v*p1 + 6*v*u*(p2-p1) + 3*u*u*(1-p2)
	}

	// Newton iterations on x(u) = t, bisection fallback when the slope flattens.
	u := t
	for i := 0; i < 8; i++ {
		x := bez(u, x1, x2) - t
		if math.Abs(x) < 1e-7 {
			return bez(u, y1, y2)
		}
		d := dbez(u, x1, x2)
		if math.Abs(d) < 1e-6 {
			break
		}
		u -= x / d
	}
	lo, hi := 0.0, 1.0
	u = t
	for i := 0; i < 30; i++ {
		x := bez(u, x1, x2)
		if math.Abs(x-t) < 1e-7 {
			break
		}
		if x < t {
			lo = u
		} else {
			hi = u
		}
		u = (lo + hi) / 2
	}
	return bez(u, y1, y2)
}
