package lipsync

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"
	"unicode"

	"github.com/normanking/cortexlipsync/internal/audio"
	"github.com/normanking/cortexlipsync/internal/viseme"
)

// digraphs are letter pairs spoken as one sound.
var digraphs = map[string]bool{"th": true, "ch": true, "sh": true, "ng": true}

// graphemes splits a word into one phoneme symbol per relevant letter,
// treating digraphs as one. Non-letters are skipped.
func graphemes(word string) []string {
	var letters []rune
	for _, r := range strings.ToLower(word) {
		if unicode.IsLetter(r) {
			letters = append(letters, r)
		}
	}

	var out []string
	for i := 0; i < len(letters); i++ {
		if i+1 < len(letters) {
			if pair := string(letters[i : i+2]); digraphs[pair] {
				out = append(out, pair)
				i++
				continue
			}
		}
		out = append(out, string(letters[i]))
	}
	return out
}

// TextToPhonemes is a deterministic grapheme heuristic: one phoneme per
// letter, a silence after every whitespace-delimited word, all spread evenly
// over duration.
func TextToPhonemes(text string, duration time.Duration) []audio.PhonemeEvent {
	var symbols []string
	for _, word := range strings.Fields(text) {
		g := graphemes(word)
		if len(g) == 0 {
			continue
		}
		symbols = append(symbols, g...)
		symbols = append(symbols, viseme.SilencePhoneme)
	}
	return spread(symbols, 0, duration)
}

// spread distributes symbols evenly over [start, start+duration] with
// integer boundaries so the last event ends exactly at the end.
func spread(symbols []string, start, duration time.Duration) []audio.PhonemeEvent {
	n := int64(len(symbols))
	if n == 0 || duration <= 0 {
		return nil
	}
	out := make([]audio.PhonemeEvent, len(symbols))
	for i, sym := range symbols {
		from := time.Duration(int64(duration) * int64(i) / n)
		to := time.Duration(int64(duration) * int64(i+1) / n)
		out[i] = audio.PhonemeEvent{
			Symbol:     sym,
			Confidence: 1,
			Start:      start + from,
			Duration:   to - from,
			Intensity:  1,
		}
	}
	return out
}

// BuildTimelineFromText is the no-audio fallback.
func (e *Engine) BuildTimelineFromText(text string, duration time.Duration) *Timeline {
	return e.BuildTimeline(TextToPhonemes(text, duration), duration)
}

// WordTiming is a word boundary reported by a speech provider.
type WordTiming struct {
	Word    string  `json:"word"`
	StartMs float64 `json:"start_ms"`
	EndMs   float64 `json:"end_ms"`
}

func (w WordTiming) Start() time.Duration { return msToDuration(w.StartMs) }
func (w WordTiming) End() time.Duration   { return msToDuration(w.EndMs) }

// PhonemeTiming is a phoneme reported by a speech provider.
type PhonemeTiming struct {
	Phoneme    string  `json:"phoneme"`
	StartMs    float64 `json:"start_ms"`
	DurationMs float64 `json:"duration_ms"`
	Confidence float64 `json:"confidence,omitempty"`
}

// ProviderTiming is the optional timing document accompanying synthesized
// audio.
type ProviderTiming struct {
	Words    []WordTiming    `json:"words,omitempty"`
	Phonemes []PhonemeTiming `json:"phonemes,omitempty"`
}

// DecodeProviderTiming reads a provider timing document.
func DecodeProviderTiming(r io.Reader) (*ProviderTiming, error) {
	var pt ProviderTiming
	if err := json.NewDecoder(r).Decode(&pt); err != nil {
		return nil, fmt.Errorf("decode provider timing: %w", err)
	}
	return &pt, nil
}

// PhonemesFromProvider converts provider phoneme timing. Missing
// confidence counts as certain.
func PhonemesFromProvider(timings []PhonemeTiming) []audio.PhonemeEvent {
	out := make([]audio.PhonemeEvent, 0, len(timings))
	for _, t := range timings {
		conf := t.Confidence
		if conf <= 0 {
			conf = 1
		}
		out = append(out, audio.PhonemeEvent{
			Symbol:     t.Phoneme,
			Confidence: conf,
			Start:      msToDuration(t.StartMs),
			Duration:   msToDuration(t.DurationMs),
			Intensity:  1,
		})
	}
	return out
}

// BuildTimelineFromWords spreads each word's letters over its own span.
// The space between words becomes silence.
func (e *Engine) BuildTimelineFromWords(words []WordTiming, length time.Duration) *Timeline {
	var phonemes []audio.PhonemeEvent
	for _, w := range words {
		phonemes = append(phonemes, spread(graphemes(w.Word), w.Start(), w.End()-w.Start())...)
	}
	return e.BuildTimeline(phonemes, length)
}

// BuildTimelineFromProvider prefers phoneme timing, then word timing, then
// the text heuristic.
func (e *Engine) BuildTimelineFromProvider(pt *ProviderTiming, text string, length time.Duration) *Timeline {
	switch {
	case pt != nil && len(pt.Phonemes) > 0:
		return e.BuildTimeline(PhonemesFromProvider(pt.Phonemes), length)
	case pt != nil && len(pt.Words) > 0:
		return e.BuildTimelineFromWords(pt.Words, length)
	default:
		return e.BuildTimelineFromText(text, length)
	}
}

func msToDuration(ms float64) time.Duration {
	return time.Duration(ms * float64(time.Millisecond))
}
