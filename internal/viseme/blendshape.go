package viseme

// BlendshapeIndex addresses one of the 52 ARKit face blend shapes.
type BlendshapeIndex int

const (
	BrowDownLeft BlendshapeIndex = iota
	BrowDownRight
	BrowInnerUp
	BrowOuterUpLeft
	BrowOuterUpRight
	CheekPuff
	CheekSquintLeft
	CheekSquintRight
	EyeBlinkLeft
	EyeBlinkRight
	EyeLookDownLeft
	EyeLookDownRight
	EyeLookInLeft
	EyeLookInRight
	EyeLookOutLeft
	EyeLookOutRight
	EyeLookUpLeft
	EyeLookUpRight
	EyeSquintLeft
	EyeSquintRight
	EyeWideLeft
	EyeWideRight
	JawForward
	JawLeft
	JawOpen
	JawRight
	MouthClose
	MouthDimpleLeft
	MouthDimpleRight
	MouthFrownLeft
	MouthFrownRight
	MouthFunnel
	MouthLeft
	MouthLowerDownLeft
	MouthLowerDownRight
	MouthPressLeft
	MouthPressRight
	MouthPucker
	MouthRight
	MouthRollLower
	MouthRollUpper
	MouthShrugLower
	MouthShrugUpper
	MouthSmileLeft
	MouthSmileRight
	MouthStretchLeft
	MouthStretchRight
	MouthUpperUpLeft
	MouthUpperUpRight
	NoseSneerLeft
	NoseSneerRight
	TongueOut
	BlendshapeCount
)

var BlendshapeNames = [BlendshapeCount]string{
	"browDownLeft", "browDownRight", "browInnerUp", "browOuterUpLeft", "browOuterUpRight",
	"cheekPuff", "cheekSquintLeft", "cheekSquintRight",
	"eyeBlinkLeft", "eyeBlinkRight", "eyeLookDownLeft", "eyeLookDownRight",
	"eyeLookInLeft", "eyeLookInRight", "eyeLookOutLeft", "eyeLookOutRight",
	"eyeLookUpLeft", "eyeLookUpRight", "eyeSquintLeft", "eyeSquintRight",
	"eyeWideLeft", "eyeWideRight",
	"jawForward", "jawLeft", "jawOpen", "jawRight",
	"mouthClose", "mouthDimpleLeft", "mouthDimpleRight", "mouthFrownLeft", "mouthFrownRight",
	"mouthFunnel", "mouthLeft", "mouthLowerDownLeft", "mouthLowerDownRight",
	"mouthPressLeft", "mouthPressRight", "mouthPucker", "mouthRight",
	"mouthRollLower", "mouthRollUpper", "mouthShrugLower", "mouthShrugUpper",
	"mouthSmileLeft", "mouthSmileRight", "mouthStretchLeft", "mouthStretchRight",
	"mouthUpperUpLeft", "mouthUpperUpRight",
	"noseSneerLeft", "noseSneerRight", "tongueOut",
}

// BlendshapeWeights is a dense ARKit weight vector.
type BlendshapeWeights [BlendshapeCount]float32

func (w *BlendshapeWeights) Set(idx BlendshapeIndex, value float32) {
	if value < 0 {
		value = 0
	}
	if value > 1 {
		value = 1
	}
	w[idx] = value
}

func (w *BlendshapeWeights) Get(idx BlendshapeIndex) float32 {
	return w[idx]
}

// add accumulates into a weight, saturating at 1.
func (w *BlendshapeWeights) add(idx BlendshapeIndex, value float64) {
	w.Set(idx, w[idx]+float32(value))
}

// Named returns the non-zero weights keyed by ARKit name.
func (w *BlendshapeWeights) Named() map[string]float32 {
	out := make(map[string]float32)
	for i, v := range w {
		if v > 0 {
			out[BlendshapeNames[i]] = v
		}
	}
	return out
}

func BlendshapeIndexFromName(name string) BlendshapeIndex {
	for i, n := range BlendshapeNames {
		if n == name {
			return BlendshapeIndex(i)
		}
	}
	return -1
}

// Blendshapes projects the shape onto ARKit weights. Custom keys that name
// an ARKit blend shape are added on top of the projection.
func (s MouthShape) Blendshapes() BlendshapeWeights {
	var w BlendshapeWeights
	c := s.Clamped()

	w.add(JawOpen, c.JawOpen)

	// Lips pressed together when the jaw is shut and the lips are not parted.
	closed := (1 - c.JawOpen) * (1 - c.LipHeight)
	w.add(MouthClose, closed*0.5*(1-c.LipProtrusion))

	w.add(MouthStretchLeft, 0.6*max(0.0, c.LipWidth-0.5)*2)
	w.add(MouthStretchRight, 0.6*max(0.0, c.LipWidth-0.5)*2)

	w.add(MouthPucker, c.LipProtrusion*(1-c.LipHeight*0.5))
	w.add(MouthFunnel, c.LipProtrusion*c.LipHeight)

	w.add(MouthUpperUpLeft, c.UpperLipRaise)
	w.add(MouthUpperUpRight, c.UpperLipRaise)
	w.add(MouthLowerDownLeft, c.LowerLipDepress)
	w.add(MouthLowerDownRight, c.LowerLipDepress)

	w.add(MouthSmileLeft, c.CornerLipPull)
	w.add(MouthSmileRight, c.CornerLipPull)

	// Only the tip of the tongue range is visible outside the teeth.
	w.add(TongueOut, max(0.0, c.TonguePosition-0.8)*5*c.JawOpen)
	w.add(MouthRollLower, c.TeethVisibility*0.3*c.LowerLipDepress)

	for name, v := range c.Custom {
		if idx := BlendshapeIndexFromName(name); idx >= 0 {
			w.add(idx, v)
		}
	}
	return w
}
