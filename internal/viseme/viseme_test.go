package viseme

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testShape(v float64) MouthShape {
	return MouthShape{
		JawOpen:         v,
		LipWidth:        v / 2,
		LipHeight:       v,
		LipProtrusion:   1 - v,
		UpperLipRaise:   v / 3,
		LowerLipDepress: v,
		CornerLipPull:   v / 4,
		TonguePosition:  1 - v/2,
		TeethVisibility: v,
	}
}

func TestInterpolate_EndpointsExact(t *testing.T) {
	a := testShape(0.1)
	a.Custom = map[string]float64{"cheekPuff": 0.3}
	b := testShape(0.7)
	b.Custom = map[string]float64{"mouthDimpleLeft": 0.6}

	for _, curve := range Curves {
		t.Run(string(curve), func(t *testing.T) {
			assert.Equal(t, a, Interpolate(a, b, 0, curve))
			assert.Equal(t, b, Interpolate(a, b, 1, curve))
		})
	}
}

func TestInterpolate_Midpoint(t *testing.T) {
	a := MouthShape{JawOpen: 0, Custom: map[string]float64{"x": 1}}
	b := MouthShape{JawOpen: 1}

	mid := Interpolate(a, b, 0.5, CurveLinear)
	assert.InDelta(t, 0.5, mid.JawOpen, 1e-9)
	assert.InDelta(t, 0.5, mid.Custom["x"], 1e-9)

	eased := Interpolate(a, b, 0.25, CurveEaseIn)
	assert.InDelta(t, 0.015625, eased.JawOpen, 1e-9)
}

func TestCurveApply_Bounds(t *testing.T) {
	for _, curve := range Curves {
		prev := 0.0
		for i := 0; i <= 20; i++ {
			x := float64(i) / 20
			y := curve.Apply(x)
			assert.GreaterOrEqual(t, y, -1e-9, "curve %s at %v", curve, x)
			assert.LessOrEqual(t, y, 1+1e-9, "curve %s at %v", curve, x)
			assert.GreaterOrEqual(t, y, prev-1e-6, "curve %s must not decrease", curve)
			prev = y
		}
		assert.Equal(t, 0.0, curve.Apply(-1))
		assert.Equal(t, 1.0, curve.Apply(2))
	}
}

func TestParseCurve(t *testing.T) {
	c, err := ParseCurve("ease-in-out")
	require.NoError(t, err)
	assert.Equal(t, CurveEaseInOut, c)

	c, err = ParseCurve("BEZIER")
	require.NoError(t, err)
	assert.Equal(t, CurveBezier, c)

	_, err = ParseCurve("wobble")
	assert.Error(t, err)
}

func TestBlend(t *testing.T) {
	a := testShape(0.2)
	b := testShape(0.8)
	neutral := MouthShape{LipWidth: 0.5}

	tests := []struct {
		name   string
		wA, wB float64
	}{
		{"equal", 1, 1},
		{"skewed", 0.25, 0.75},
		{"one side", 0, 0.4},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := Blend([]WeightedShape{{a, tt.wA}, {b, tt.wB}}, neutral)
			av, bv, ov := a.Values(), b.Values(), out.Values()
			for i := range ov {
				want := (av[i]*tt.wA + bv[i]*tt.wB) / (tt.wA + tt.wB)
				assert.InDelta(t, want, ov[i], 1e-9, ShapeFieldNames[i])
			}
		})
	}

	t.Run("zero weight returns neutral", func(t *testing.T) {
		out := Blend([]WeightedShape{{a, 0}, {b, 0}}, neutral)
		assert.Equal(t, neutral, out)
	})

	t.Run("empty returns neutral", func(t *testing.T) {
		assert.Equal(t, neutral, Blend(nil, neutral))
	})

	t.Run("custom keys missing count as zero", func(t *testing.T) {
		x := MouthShape{Custom: map[string]float64{"tongueOut": 1}}
		y := MouthShape{}
		out := Blend([]WeightedShape{{x, 1}, {y, 3}}, neutral)
		assert.InDelta(t, 0.25, out.Custom["tongueOut"], 1e-9)
	})
}

func TestMouthShape_Validate(t *testing.T) {
	assert.NoError(t, testShape(0.5).Validate())

	bad := testShape(0.5)
	bad.LipWidth = 1.5
	assert.Error(t, bad.Validate())

	badCustom := testShape(0.5)
	badCustom.Custom = map[string]float64{"jawLeft": -0.1}
	assert.Error(t, badCustom.Validate())

	clamped := bad.Clamped()
	assert.Equal(t, 1.0, clamped.LipWidth)
}

func TestMouthShape_Quantize(t *testing.T) {
	s := MouthShape{JawOpen: 0.26, LipWidth: 0.74}
	q := s.Quantize(4)
	assert.InDelta(t, 0.25, q.JawOpen, 1e-12)
	assert.InDelta(t, 0.75, q.LipWidth, 1e-12)
	assert.Equal(t, s, s.Quantize(0))
}

func TestBuiltinLibraries(t *testing.T) {
	want := map[string]int{
		LibraryPhonetic:   21,
		LibrarySimplified: 11,
		LibraryIPA:        22,
		LibraryOculus:     15,
	}
	libs := BuiltinLibraries()
	require.Len(t, libs, len(want))
	for _, lib := range libs {
		t.Run(lib.Name, func(t *testing.T) {
			require.NoError(t, lib.Validate())
			assert.Len(t, lib.Visemes, want[lib.Name])
			assert.Equal(t, SilenceID, lib.Neutral().ID)

			for _, sym := range []string{"AA", "IY", "OW", "T", "S", "sil", "h", "i", "th"} {
				_, ok := lib.MapPhoneme(sym)
				assert.True(t, ok, "symbol %q unmapped", sym)
			}
		})
	}
}

func TestLibrary_MapPhoneme(t *testing.T) {
	oculus, ok := BuiltinLibrary(LibraryOculus)
	require.True(t, ok)

	tests := []struct {
		symbol string
		want   string
	}{
		{"p", "PP"},
		{"TH", "TH"},
		{"th", "TH"},
		{"sh", "CH"},
		{"a", "aa"},
		{"w", "ou"},
		{"h", "aa"},
		{"IY", "ih"},
	}
	for _, tt := range tests {
		v, ok := oculus.MapPhoneme(tt.symbol)
		require.True(t, ok, tt.symbol)
		assert.Equal(t, tt.want, v.ID, tt.symbol)
	}

	ipa, _ := BuiltinLibrary(LibraryIPA)
	v, ok := ipa.MapPhoneme("i")
	require.True(t, ok)
	assert.Equal(t, "iy", v.ID)

	_, ok = oculus.MapPhoneme("@@")
	assert.False(t, ok)
}

func TestLibrary_ValidateErrors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Library)
		substr string
	}{
		{"missing name", func(l *Library) { l.Name = "" }, "name is required"},
		{"empty set", func(l *Library) { l.Visemes = nil; l.PhonemeMap = nil }, "no visemes"},
		{"missing viseme id", func(l *Library) { l.Visemes[1].ID = "" }, "id is required"},
		{"missing viseme name", func(l *Library) { l.Visemes[1].Name = "" }, "name is required"},
		{"out of range", func(l *Library) { l.Visemes[2].Shape.JawOpen = 1.5 }, "out of range"},
		{"unknown target", func(l *Library) { l.PhonemeMap["zz"] = "nope" }, "unknown viseme"},
		{"negative transition", func(l *Library) { l.DefaultTransition.Hold = -time.Millisecond }, "negative"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			lib, _ := BuiltinLibrary(LibrarySimplified)
			tt.mutate(lib)
			err := lib.Validate()
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrLibraryValidation)
			assert.Contains(t, err.Error(), tt.substr)
		})
	}
}

func TestManager_RejectKeepsActive(t *testing.T) {
	m := NewManager(zerolog.Nop())
	require.NoError(t, m.Select(LibraryOculus))

	bad, _ := BuiltinLibrary(LibrarySimplified)
	bad.Name = "custom"
	bad.Visemes[3].Shape.LipHeight = 1.5

	err := m.Register(bad)
	require.ErrorIs(t, err, ErrLibraryValidation)
	assert.Equal(t, LibraryOculus, m.Active().Name)
	assert.NotContains(t, m.List(), "custom")

	var buf bytes.Buffer
	require.NoError(t, Encode(&buf, bad, FormatJSON))
	_, err = m.Import(&buf, FormatJSON)
	require.ErrorIs(t, err, ErrLibraryValidation)
	assert.Equal(t, LibraryOculus, m.Active().Name)
}

func TestManager_ImportActivates(t *testing.T) {
	m := NewManager(zerolog.Nop())

	custom, _ := BuiltinLibrary(LibrarySimplified)
	custom.Name = "studio"
	custom.Version = "2.1.0"

	var buf bytes.Buffer
	require.NoError(t, Encode(&buf, custom, FormatYAML))

	lib, err := m.Import(&buf, FormatYAML)
	require.NoError(t, err)
	assert.Equal(t, "studio", lib.Name)
	assert.Equal(t, "studio", m.Active().Name)
	assert.Equal(t, []string{"ipa", "oculus", "phonetic", "simplified", "studio"}, m.List())
}

func TestManager_SelectUnknown(t *testing.T) {
	m := NewManager(zerolog.Nop())
	err := m.Select("missing")
	assert.ErrorIs(t, err, ErrLibraryNotFound)
	assert.Equal(t, DefaultLibrary, m.Active().Name)
}

func TestManager_InterpolateAndBlend(t *testing.T) {
	m := NewManager(zerolog.Nop())
	aa, _ := m.Active().Viseme("aa")

	assert.Equal(t, aa.Shape, m.Interpolate("sil", "aa", 1, CurveEaseInOut))
	assert.Equal(t, m.Neutral(), m.Interpolate("unknown", "sil", 0, CurveLinear))
	assert.Equal(t, m.Neutral(), m.Blend(nil))
}

func TestDocumentRoundTrip(t *testing.T) {
	for _, format := range []Format{FormatJSON, FormatYAML} {
		t.Run(string(format), func(t *testing.T) {
			src, _ := BuiltinLibrary(LibraryIPA)
			src.Visemes[0].Shape.Custom = map[string]float64{"cheekPuff": 0.125}
			src.Visemes[4].Transition.Hold = 17*time.Millisecond + 250*time.Microsecond

			var buf bytes.Buffer
			require.NoError(t, Encode(&buf, src, format))

			got, err := Decode(&buf, format)
			require.NoError(t, err)
			assert.Equal(t, toDocument(src), toDocument(got))
			assert.NoError(t, got.Validate())
		})
	}
}

func TestDecode_RejectsUnknownFields(t *testing.T) {
	_, err := Decode(strings.NewReader(`{"name":"x","bogus":1}`), FormatJSON)
	assert.Error(t, err)

	_, err = Decode(strings.NewReader(`{}`), Format("toml"))
	assert.ErrorIs(t, err, ErrUnknownFormat)
}

func TestFormatFromPath(t *testing.T) {
	assert.Equal(t, FormatYAML, FormatFromPath("lib.YML"))
	assert.Equal(t, FormatJSON, FormatFromPath("lib.json"))
	assert.Equal(t, FormatJSON, FormatFromPath("lib"))
}

func TestBlendshapes(t *testing.T) {
	s := MouthShape{JawOpen: 0.6, CornerLipPull: 0.4, Custom: map[string]float64{"cheekPuff": 0.5, "notAShape": 1}}
	w := s.Blendshapes()

	assert.InDelta(t, 0.6, w.Get(JawOpen), 1e-6)
	assert.InDelta(t, 0.4, w.Get(MouthSmileLeft), 1e-6)
	assert.InDelta(t, 0.5, w.Get(CheekPuff), 1e-6)

	named := w.Named()
	assert.Contains(t, named, "jawOpen")
	assert.NotContains(t, named, "notAShape")
	assert.Equal(t, BlendshapeIndex(-1), BlendshapeIndexFromName("notAShape"))
}
