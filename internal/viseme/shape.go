// Package viseme holds mouth-shape targets, viseme libraries and the
// interpolation and blending primitives used by the lip-sync engine.
package viseme

import (
	"fmt"
	"math"
	"sort"
)

// MouthShape is a normalized mouth pose. Every field is in [0,1].
type MouthShape struct {
	JawOpen         float64 `json:"jawOpen" yaml:"jawOpen"`
	LipWidth        float64 `json:"lipWidth" yaml:"lipWidth"`
	LipHeight       float64 `json:"lipHeight" yaml:"lipHeight"`
	LipProtrusion   float64 `json:"lipProtrusion" yaml:"lipProtrusion"`
	UpperLipRaise   float64 `json:"upperLipRaise" yaml:"upperLipRaise"`
	LowerLipDepress float64 `json:"lowerLipDepress" yaml:"lowerLipDepress"`
	CornerLipPull   float64 `json:"cornerLipPull" yaml:"cornerLipPull"`
	TonguePosition  float64 `json:"tonguePosition" yaml:"tonguePosition"`
	TeethVisibility float64 `json:"teethVisibility" yaml:"teethVisibility"`

	// Custom carries named blend-shape extensions beyond the nine core fields.
	Custom map[string]float64 `json:"custom,omitempty" yaml:"custom,omitempty"`
}

// ShapeFieldCount is the number of core MouthShape fields.
const ShapeFieldCount = 9

// ShapeFieldNames lists the core fields in Values() order.
var ShapeFieldNames = [ShapeFieldCount]string{
	"jawOpen",
	"lipWidth",
	"lipHeight",
	"lipProtrusion",
	"upperLipRaise",
	"lowerLipDepress",
	"cornerLipPull",
	"tonguePosition",
	"teethVisibility",
}

// Values returns the core fields as an array.
func (s MouthShape) Values() [ShapeFieldCount]float64 {
	return [ShapeFieldCount]float64{
		s.JawOpen,
		s.LipWidth,
		s.LipHeight,
		s.LipProtrusion,
		s.UpperLipRaise,
		s.LowerLipDepress,
		s.CornerLipPull,
		s.TonguePosition,
		s.TeethVisibility,
	}
}

// ShapeFromValues builds a MouthShape from core field values.
func ShapeFromValues(v [ShapeFieldCount]float64) MouthShape {
	return MouthShape{
		JawOpen:         v[0],
		LipWidth:        v[1],
		LipHeight:       v[2],
		LipProtrusion:   v[3],
		UpperLipRaise:   v[4],
		LowerLipDepress: v[5],
		CornerLipPull:   v[6],
		TonguePosition:  v[7],
		TeethVisibility: v[8],
	}
}

// Clone returns a deep copy.
func (s MouthShape) Clone() MouthShape {
	out := s
	if s.Custom != nil {
		out.Custom = make(map[string]float64, len(s.Custom))
		for k, v := range s.Custom {
			out.Custom[k] = v
		}
	}
	return out
}

// Validate reports the first field outside [0,1].
func (s MouthShape) Validate() error {
	for i, v := range s.Values() {
		if !inUnit(v) {
			return fmt.Errorf("%s=%v out of range [0,1]", ShapeFieldNames[i], v)
		}
	}
	keys := make([]string, 0, len(s.Custom))
	for k := range s.Custom {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if k == "" {
			return fmt.Errorf("custom blend shape with empty name")
		}
		if v := s.Custom[k]; !inUnit(v) {
			return fmt.Errorf("custom %s=%v out of range [0,1]", k, v)
		}
	}
	return nil
}

// Clamped returns a copy with every field forced into [0,1].
// NaN becomes 0.
func (s MouthShape) Clamped() MouthShape {
	v := s.Values()
	for i := range v {
		v[i] = clamp01(v[i])
	}
	out := ShapeFromValues(v)
	if len(s.Custom) > 0 {
		out.Custom = make(map[string]float64, len(s.Custom))
		for k, c := range s.Custom {
			out.Custom[k] = clamp01(c)
		}
	}
	return out
}

// Quantize snaps every field to the nearest multiple of 1/steps.
// steps <= 0 leaves the shape untouched.
func (s MouthShape) Quantize(steps int) MouthShape {
	if steps <= 0 {
		return s
	}
	q := func(x float64) float64 {
		return math.Round(x*float64(steps)) / float64(steps)
	}
	v := s.Values()
	for i := range v {
		v[i] = q(v[i])
	}
	out := ShapeFromValues(v)
	if len(s.Custom) > 0 {
		out.Custom = make(map[string]float64, len(s.Custom))
		for k, c := range s.Custom {
			out.Custom[k] = q(c)
		}
	}
	return out
}

func inUnit(v float64) bool {
	return !math.IsNaN(v) && v >= 0 && v <= 1
}

func clamp01(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// customKeys returns the sorted union of custom keys across shapes.
func customKeys(shapes ...MouthShape) []string {
	seen := make(map[string]struct{})
	for _, s := range shapes {
		for k := range s.Custom {
			seen[k] = struct{}{}
		}
	}
	if len(seen) == 0 {
		return nil
	}
	keys := make([]string, 0, len(seen))
	for k := range seen {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
