package viseme

// WeightedShape is one contribution to a Blend.
type WeightedShape struct {
	Shape  MouthShape
	Weight float64
}

// Interpolate eases t through curve and linearly mixes every field of from
// and to. Custom keys present on either side take part, missing keys count
// as 0. At the endpoints the matching input is returned unchanged.
func Interpolate(from, to MouthShape, t float64, curve Curve) MouthShape {
	k := curve.Apply(t)
	if k == 0 {
		return from.Clone()
	}
	if k == 1 {
		return to.Clone()
	}

	a, b := from.Values(), to.Values()
	var v [ShapeFieldCount]float64
	for i := range v {
		v[i] = a[i]*(1-k) + b[i]*k
	}
	out := ShapeFromValues(v)

	if keys := customKeys(from, to); len(keys) > 0 {
		out.Custom = make(map[string]float64, len(keys))
		for _, key := range keys {
			out.Custom[key] = from.Custom[key]*(1-k) + to.Custom[key]*k
		}
	}
	return out
}

// Blend returns the weight-normalized average of the inputs. Negative
// weights count as zero; when the total is zero the neutral shape is
// returned. The result is clamped to [0,1].
func Blend(entries []WeightedShape, neutral MouthShape) MouthShape {
	var total float64
	shapes := make([]MouthShape, 0, len(entries))
	for _, e := range entries {
		if e.Weight > 0 {
			total += e.Weight
		}
		shapes = append(shapes, e.Shape)
	}
	if total <= 0 {
		return neutral.Clone()
	}

	var sum [ShapeFieldCount]float64
	for _, e := range entries {
		if e.Weight <= 0 {
			continue
		}
		v := e.Shape.Values()
		for i := range sum {
			sum[i] += v[i] * e.Weight
		}
	}
	for i := range sum {
		sum[i] /= total
	}
	out := ShapeFromValues(sum)

	if keys := customKeys(shapes...); len(keys) > 0 {
		out.Custom = make(map[string]float64, len(keys))
		for _, key := range keys {
			var acc float64
			for _, e := range entries {
				if e.Weight > 0 {
					acc += e.Shape.Custom[key] * e.Weight
				}
			}
			out.Custom[key] = acc / total
		}
	}
	return out.Clamped()
}

// Lerp mixes two shapes linearly without easing.
func Lerp(from, to MouthShape, k float64) MouthShape {
	return Interpolate(from, to, clamp01(k), CurveLinear)
}
