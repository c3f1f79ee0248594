package lipsync

import (
	"math/rand"
	"strings"
	"testing"
	"time"

	"github.com/normanking/cortexlipsync/internal/audio"
	"github.com/normanking/cortexlipsync/internal/viseme"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const ms = time.Millisecond

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	return NewEngine(viseme.NewManager(zerolog.Nop()), nil, zerolog.Nop())
}

func ph(symbol string, start, dur time.Duration, conf float64) audio.PhonemeEvent {
	return audio.PhonemeEvent{Symbol: symbol, Start: start, Duration: dur, Confidence: conf}
}

func visemeIDs(entries []TimelineEntry) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.VisemeID
	}
	return out
}

func assertTimelineInvariants(t *testing.T, entries []TimelineEntry, length time.Duration) {
	t.Helper()
	require.NotEmpty(t, entries)
	assert.True(t, Coverage(entries, length), "entries must cover [0, L]")
	assert.Equal(t, time.Duration(0), entries[0].Start)
	assert.Equal(t, length, entries[len(entries)-1].End)
	for i, e := range entries {
		assert.Greater(t, e.End, e.Start)
		if len(entries) > 1 {
			assert.GreaterOrEqual(t, e.Duration(), 30*ms, "entry %d too short", i)
		}
		if i > 0 {
			prev := entries[i-1]
			assert.Equal(t, prev.End, e.Start, "entry %d leaves a gap", i)
			if prev.VisemeID == e.VisemeID {
				assert.GreaterOrEqual(t, e.Start-prev.End, 10*ms, "adjacent %q not merged", e.VisemeID)
			}
		}
	}
}

func TestBuildTimeline_CoverageProperty(t *testing.T) {
	e := newTestEngine(t)
	rng := rand.New(rand.NewSource(42))
	symbols := []string{"AA", "IY", "OW", "T", "S", "M", "F", "xx", "sil"}

	for run := 0; run < 200; run++ {
		length := time.Duration(rng.Intn(3000)+1) * ms
		var phonemes []audio.PhonemeEvent
		for i := rng.Intn(30); i > 0; i-- {
			phonemes = append(phonemes, ph(
				symbols[rng.Intn(len(symbols))],
				time.Duration(rng.Intn(3200)-100)*ms,
				time.Duration(rng.Intn(700))*ms,
				rng.Float64(),
			))
		}

		tl := e.BuildTimeline(phonemes, length)
		assertTimelineInvariants(t, tl.Entries, length)
		assert.Equal(t, length, tl.Duration)
	}
}

func TestBuildTimeline_Empty(t *testing.T) {
	e := newTestEngine(t)

	tl := e.BuildTimeline(nil, 0)
	assert.Empty(t, tl.Entries)
	assert.Equal(t, viseme.LibraryPhonetic, tl.Library)
	assert.NotEmpty(t, tl.ID)

	tl = e.BuildTimeline(nil, time.Second)
	require.Len(t, tl.Entries, 1)
	assert.Equal(t, viseme.SilenceID, tl.Entries[0].VisemeID)
	assert.Equal(t, time.Second, tl.Entries[0].End)
}

func TestBuildTimeline_Mapping(t *testing.T) {
	e := newTestEngine(t)
	tl := e.BuildTimeline([]audio.PhonemeEvent{
		ph("M", 100*ms, 80*ms, 0.9),
		ph("AA", 180*ms, 120*ms, 0.8),
		ph("unknown", 300*ms, 100*ms, 0.7),
	}, 500*ms)

	assert.Equal(t, []string{"sil", "pp", "aa", "sil"}, visemeIDs(tl.Entries))
	assert.InDelta(t, 0.9, tl.Entries[1].Weight, 1e-12)
	assert.Equal(t, "M", tl.Entries[1].Phoneme)
	assertTimelineInvariants(t, tl.Entries, 500*ms)
}

func TestBuildTimeline_TruncatesOverlapAndCaps(t *testing.T) {
	e := newTestEngine(t)
	tl := e.BuildTimeline([]audio.PhonemeEvent{
		ph("AA", 0, 2*time.Second, 1),
		ph("M", 300*ms, 100*ms, 1),
	}, time.Second)

	require.Len(t, tl.Entries, 3)
	assert.Equal(t, "aa", tl.Entries[0].VisemeID)
	assert.Equal(t, 300*ms, tl.Entries[0].End, "truncated at the next phoneme")
	assert.Equal(t, "pp", tl.Entries[1].VisemeID)
	assert.Equal(t, "sil", tl.Entries[2].VisemeID)

	tl = e.BuildTimeline([]audio.PhonemeEvent{ph("AA", 0, 2*time.Second, 1)}, time.Second)
	require.Len(t, tl.Entries, 2)
	assert.Equal(t, 500*ms, tl.Entries[0].End, "capped at the maximum phoneme duration")
}

func TestBuildTimeline_Coarticulation(t *testing.T) {
	e := newTestEngine(t)
	tl := e.BuildTimeline([]audio.PhonemeEvent{
		ph("AA", 0, 50*ms, 1),
		ph("IY", 50*ms, 50*ms, 1),
		ph("T", 100*ms, 50*ms, 1),
	}, 150*ms)

	require.Len(t, tl.Entries, 3)

	first := tl.Entries[0].Coarticulation
	require.NotNil(t, first)
	require.Len(t, first.Influences, 1, "T is a full look-ahead away")
	assert.Equal(t, "iy", first.Influences[0].VisemeID)
	assert.Equal(t, 50*ms, first.Influences[0].Offset)
	assert.InDelta(t, 0.7*0.5, first.Strength, 1e-9)

	mid := tl.Entries[1].Coarticulation
	require.NotNil(t, mid)
	require.Len(t, mid.Influences, 2)
	assert.InDelta(t, 0.35+0.15, mid.Strength, 1e-9)
}

func TestFillGaps(t *testing.T) {
	entries := []TimelineEntry{
		{Start: 100 * ms, End: 200 * ms, VisemeID: "aa", Weight: 1},
		{Start: 250 * ms, End: 300 * ms, VisemeID: "pp", Weight: 1},
	}
	out := FillGaps(entries, 400*ms, "sil")

	assert.Equal(t, []string{"sil", "aa", "sil", "pp", "sil"}, visemeIDs(out))
	assert.True(t, Coverage(out, 400*ms))
	assert.Equal(t, viseme.SilencePhoneme, out[0].Phoneme)
	assert.Len(t, entries, 2, "input untouched")
}

func TestOptimizeTimeline(t *testing.T) {
	tests := []struct {
		name    string
		entries []TimelineEntry
		want    []TimelineEntry
	}{
		{
			name: "merges same viseme across small gap",
			entries: []TimelineEntry{
				{Start: 0, End: 100 * ms, VisemeID: "aa", Weight: 0.5},
				{Start: 105 * ms, End: 200 * ms, VisemeID: "aa", Weight: 0.8},
			},
			want: []TimelineEntry{{Start: 0, End: 200 * ms, VisemeID: "aa", Weight: 0.8}},
		},
		{
			name: "keeps same viseme across large gap",
			entries: []TimelineEntry{
				{Start: 0, End: 100 * ms, VisemeID: "aa", Weight: 1},
				{Start: 110 * ms, End: 200 * ms, VisemeID: "aa", Weight: 1},
			},
			want: []TimelineEntry{
				{Start: 0, End: 100 * ms, VisemeID: "aa", Weight: 1},
				{Start: 110 * ms, End: 200 * ms, VisemeID: "aa", Weight: 1},
			},
		},
		{
			name: "absorbs short entry into previous",
			entries: []TimelineEntry{
				{Start: 0, End: 100 * ms, VisemeID: "aa", Weight: 1},
				{Start: 100 * ms, End: 120 * ms, VisemeID: "pp", Weight: 1},
				{Start: 120 * ms, End: 200 * ms, VisemeID: "iy", Weight: 1},
			},
			want: []TimelineEntry{
				{Start: 0, End: 120 * ms, VisemeID: "aa", Weight: 1},
				{Start: 120 * ms, End: 200 * ms, VisemeID: "iy", Weight: 1},
			},
		},
		{
			name: "short first entry goes to next",
			entries: []TimelineEntry{
				{Start: 0, End: 10 * ms, VisemeID: "pp", Weight: 1},
				{Start: 10 * ms, End: 200 * ms, VisemeID: "iy", Weight: 1},
			},
			want: []TimelineEntry{{Start: 0, End: 200 * ms, VisemeID: "iy", Weight: 1}},
		},
		{
			name: "absorption enables merge",
			entries: []TimelineEntry{
				{Start: 0, End: 100 * ms, VisemeID: "aa", Weight: 1},
				{Start: 100 * ms, End: 110 * ms, VisemeID: "pp", Weight: 1},
				{Start: 110 * ms, End: 200 * ms, VisemeID: "aa", Weight: 1},
			},
			want: []TimelineEntry{{Start: 0, End: 200 * ms, VisemeID: "aa", Weight: 1}},
		},
		{
			name:    "sole short entry survives",
			entries: []TimelineEntry{{Start: 0, End: 5 * ms, VisemeID: "pp", Weight: 1}},
			want:    []TimelineEntry{{Start: 0, End: 5 * ms, VisemeID: "pp", Weight: 1}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, OptimizeTimeline(tt.entries, 10*ms, 30*ms))
		})
	}
}

func TestTextToPhonemes_Hi(t *testing.T) {
	events := TextToPhonemes("hi", 400*ms)

	require.Len(t, events, 3)
	assert.Equal(t, "h", events[0].Symbol)
	assert.Equal(t, "i", events[1].Symbol)
	assert.Equal(t, viseme.SilencePhoneme, events[2].Symbol)

	third := time.Duration(400 * int64(ms) / 3)
	assert.Equal(t, time.Duration(0), events[0].Start)
	assert.Equal(t, third, events[0].Duration)
	assert.Equal(t, third, events[1].Start)
	assert.Equal(t, 400*ms, events[2].End())
	for _, ev := range events {
		assert.InDelta(t, float64(133*ms), float64(ev.Duration), float64(ms))
	}
}

func TestBuildTimelineFromText_Hi(t *testing.T) {
	tl := newTestEngine(t).BuildTimelineFromText("hi", 400*ms)

	require.Len(t, tl.Entries, 3)
	assert.Equal(t, []string{"ah", "ih", "sil"}, visemeIDs(tl.Entries))
	assert.Equal(t, []string{"h", "i", "sil"}, []string{tl.Entries[0].Phoneme, tl.Entries[1].Phoneme, tl.Entries[2].Phoneme})
	assert.Equal(t, 400*ms, tl.Entries[2].End)
}

func TestTextToPhonemes_Digraphs(t *testing.T) {
	events := TextToPhonemes("The thing, 42!", time.Second)

	var symbols []string
	for _, ev := range events {
		symbols = append(symbols, ev.Symbol)
	}
	assert.Equal(t, "th e sil th i ng sil", strings.Join(symbols, " "))
}

func TestTextToPhonemes_Degenerate(t *testing.T) {
	assert.Empty(t, TextToPhonemes("", time.Second))
	assert.Empty(t, TextToPhonemes("   ", time.Second))
	assert.Empty(t, TextToPhonemes("hello", 0))

	tl := newTestEngine(t).BuildTimelineFromText("", time.Second)
	require.Len(t, tl.Entries, 1)
	assert.Equal(t, viseme.SilenceID, tl.Entries[0].VisemeID)
}

func TestBuildTimelineFromWords(t *testing.T) {
	tl := newTestEngine(t).BuildTimelineFromWords([]WordTiming{
		{Word: "ma", StartMs: 100, EndMs: 300},
		{Word: "pa", StartMs: 500, EndMs: 700},
	}, 800*ms)

	assert.Equal(t, []string{"sil", "pp", "aa", "sil", "pp", "aa", "sil"}, visemeIDs(tl.Entries))
	assertTimelineInvariants(t, tl.Entries, 800*ms)
}

func TestProviderTiming(t *testing.T) {
	doc := `{"phonemes":[{"phoneme":"M","start_ms":0,"duration_ms":100},{"phoneme":"AA","start_ms":100,"duration_ms":150,"confidence":0.6}]}`
	pt, err := DecodeProviderTiming(strings.NewReader(doc))
	require.NoError(t, err)

	events := PhonemesFromProvider(pt.Phonemes)
	require.Len(t, events, 2)
	assert.Equal(t, 1.0, events[0].Confidence)
	assert.Equal(t, 100*ms, events[1].Start)
	assert.Equal(t, 150*ms, events[1].Duration)

	tl := newTestEngine(t).BuildTimelineFromProvider(pt, "ignored", 300*ms)
	assert.Equal(t, []string{"pp", "aa", "sil"}, visemeIDs(tl.Entries))

	_, err = DecodeProviderTiming(strings.NewReader("{"))
	assert.Error(t, err)
}

func TestResolve_Blend(t *testing.T) {
	e := newTestEngine(t)
	lib := e.Library().Active()
	aa, _ := lib.Viseme("aa")
	pp, _ := lib.Viseme("pp")

	tl := &Timeline{Duration: 300 * ms, Entries: []TimelineEntry{
		{Start: 0, End: 200 * ms, VisemeID: "aa", Weight: 0.25},
		{Start: 100 * ms, End: 300 * ms, VisemeID: "pp", Weight: 0.75},
	}}

	res := e.Resolve(tl, 150*ms)
	assert.Equal(t, []int{0, 1}, res.Active)
	assert.Equal(t, "pp", res.Primary)
	assert.InDelta(t, 0.75, res.Share, 1e-12)

	a, b, got := aa.Shape.Values(), pp.Shape.Values(), res.Shape.Values()
	for i := range got {
		assert.InDelta(t, a[i]*0.25+b[i]*0.75, got[i], 1e-9, viseme.ShapeFieldNames[i])
	}

	single := e.Resolve(tl, 50*ms)
	assert.Equal(t, "aa", single.Primary)
	assert.Equal(t, aa.Shape, single.Shape)
}

func TestResolve_TiesAndNeutral(t *testing.T) {
	e := newTestEngine(t)
	tl := &Timeline{Entries: []TimelineEntry{
		{Start: 0, End: 100 * ms, VisemeID: "ff", Weight: 0.5},
		{Start: 0, End: 100 * ms, VisemeID: "ss", Weight: 0.5},
	}}

	assert.Equal(t, "ff", e.Resolve(tl, 50*ms).Primary, "first entry wins ties")

	neutral := e.Library().Neutral()
	none := e.Resolve(tl, 200*ms)
	assert.Empty(t, none.Active)
	assert.Equal(t, viseme.SilenceID, none.Primary)
	assert.Equal(t, neutral, none.Shape)

	assert.Equal(t, neutral, e.Resolve(nil, 0).Shape)

	zero := &Timeline{Entries: []TimelineEntry{{Start: 0, End: 100 * ms, VisemeID: "aa", Weight: 0}}}
	assert.Equal(t, neutral, e.Resolve(zero, 50*ms).Shape, "zero weight falls back to neutral")
}

func TestResolve_CoarticulationAndEmotion(t *testing.T) {
	e := newTestEngine(t)
	lib := e.Library().Active()
	aa, _ := lib.Viseme("aa")
	uw, _ := lib.Viseme("uw")

	tl := &Timeline{Entries: []TimelineEntry{{
		Start: 0, End: 100 * ms, VisemeID: "aa", Weight: 1,
		Coarticulation: &CoarticulationData{
			Influences: []Influence{{VisemeID: "uw", Weight: 0.7}},
			Strength:   0.8,
		},
	}}}

	got := e.Resolve(tl, 50*ms).Shape
	want := viseme.Lerp(aa.Shape, uw.Shape, 0.8*0.25)
	assert.InDelta(t, want.LipProtrusion, got.LipProtrusion, 1e-9)
	assert.InDelta(t, want.JawOpen, got.JawOpen, 1e-9)

	tl.Entries[0].Coarticulation = nil
	smile := viseme.MouthShape{CornerLipPull: 1, LipWidth: 1}
	tl.Entries[0].Emotion = &EmotionOverlay{Name: "happy", Intensity: 0.5, Shape: smile}
	got = e.Resolve(tl, 50*ms).Shape
	assert.InDelta(t, aa.Shape.CornerLipPull*0.5+0.5, got.CornerLipPull, 1e-9)
}
