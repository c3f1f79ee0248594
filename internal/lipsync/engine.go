package lipsync

import (
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/normanking/cortexlipsync/internal/audio"
	"github.com/normanking/cortexlipsync/internal/viseme"
	"github.com/rs/zerolog"
)

// Category similarity used for co-articulation strength.
const (
	similarityVowels     = 0.7
	similarityConsonants = 0.5
	similarityMixed      = 0.3
)

// Engine turns phoneme events into timelines using the active viseme
// library. Unknown phonemes and empty input fall back to the neutral
// viseme; construction never fails.
type Engine struct {
	library *viseme.Manager
	logger  zerolog.Logger

	mu  sync.RWMutex
	cfg Config
}

// NewEngine creates an engine; nil config uses defaults.
func NewEngine(library *viseme.Manager, cfg *Config, logger zerolog.Logger) *Engine {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	return &Engine{
		library: library,
		cfg:     *cfg,
		logger:  logger.With().Str("component", "lipsync").Logger(),
	}
}

// Library returns the viseme manager backing the engine.
func (e *Engine) Library() *viseme.Manager {
	return e.library
}

// Config returns a copy of the current configuration.
func (e *Engine) Config() Config {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.cfg
}

// UpdateConfig replaces the configuration for subsequent builds.
func (e *Engine) UpdateConfig(cfg Config) {
	e.mu.Lock()
	e.cfg = cfg
	e.mu.Unlock()
	e.logger.Info().
		Dur("look_ahead", cfg.LookAhead).
		Dur("min_duration", cfg.MinPhonemeDuration).
		Msg("Timeline config updated")
}

// BuildTimeline maps phonemes onto visemes over [0, length], attaches
// co-articulation, fills gaps with silence and optimizes the result.
func (e *Engine) BuildTimeline(phonemes []audio.PhonemeEvent, length time.Duration) *Timeline {
	cfg := e.Config()
	lib := e.library.Active()

	tl := &Timeline{
		ID:        uuid.NewString(),
		Library:   lib.Name,
		Duration:  max(length, 0),
		CreatedAt: time.Now(),
	}
	if length <= 0 {
		return tl
	}

	events := normalizePhonemes(phonemes, length, cfg.MaxPhonemeDuration)
	entries := make([]TimelineEntry, 0, len(events))
	unmapped := 0
	for _, ev := range events {
		v, ok := e.library.MapPhoneme(ev.Symbol)
		if !ok {
			unmapped++
		}
		entries = append(entries, TimelineEntry{
			Start:    ev.Start,
			End:      ev.End(),
			VisemeID: v.ID,
			Weight:   clampUnit(ev.Confidence),
			Phoneme:  ev.Symbol,
		})
	}
	if unmapped > 0 {
		e.logger.Debug().Int("count", unmapped).Msg("Unmapped phonemes resolved to neutral viseme")
	}

	e.attachCoarticulation(entries, cfg)

	entries = FillGaps(entries, length, lib.Neutral().ID)
	entries = OptimizeTimeline(entries, cfg.MergeGap, cfg.MinPhonemeDuration)
	tl.Entries = entries

	e.logger.Debug().
		Str("timeline", tl.ID).
		Int("phonemes", len(phonemes)).
		Int("entries", len(entries)).
		Dur("length", length).
		Msg("Timeline built")
	return tl
}

// FillGaps inserts silence entries into every leading, inner and trailing
// gap so that sorted, non-overlapping entries cover [0, length].
func (e *Engine) FillGaps(entries []TimelineEntry, length time.Duration) []TimelineEntry {
	return FillGaps(entries, length, e.library.Active().Neutral().ID)
}

// OptimizeTimeline applies the engine's merge gap and minimum duration.
func (e *Engine) OptimizeTimeline(entries []TimelineEntry) []TimelineEntry {
	cfg := e.Config()
	return OptimizeTimeline(entries, cfg.MergeGap, cfg.MinPhonemeDuration)
}

// normalizePhonemes sorts events and clamps them into [0, length] with
// overlaps truncated and durations capped. Events that end up empty are
// dropped.
func normalizePhonemes(in []audio.PhonemeEvent, length, maxDur time.Duration) []audio.PhonemeEvent {
	events := make([]audio.PhonemeEvent, 0, len(in))
	for _, ev := range in {
		if ev.Start >= length || ev.Duration <= 0 {
			continue
		}
		end := min(ev.End(), length)
		if maxDur > 0 {
			end = min(end, ev.Start+maxDur)
		}
		ev.Start = max(ev.Start, 0)
		ev.Duration = end - ev.Start
		events = append(events, ev)
	}
	sort.SliceStable(events, func(i, j int) bool { return events[i].Start < events[j].Start })

	out := events[:0]
	for i, ev := range events {
		if i+1 < len(events) && events[i+1].Start < ev.End() {
			ev.Duration = events[i+1].Start - ev.Start
		}
		if ev.Duration > 0 {
			out = append(out, ev)
		}
	}
	return out
}

// attachCoarticulation computes neighbor influences within the look-ahead
// window. Silence neither pulls nor is pulled.
func (e *Engine) attachCoarticulation(entries []TimelineEntry, cfg Config) {
	if cfg.LookAhead <= 0 || cfg.NeighborCount <= 0 {
		return
	}
	for i := range entries {
		cur := &entries[i]
		if viseme.IsSilencePhoneme(cur.Phoneme) {
			continue
		}
		var data CoarticulationData
		lo, hi := max(0, i-cfg.NeighborCount), min(len(entries)-1, i+cfg.NeighborCount)
		for j := lo; j <= hi; j++ {
			if j == i {
				continue
			}
			nb := entries[j]
			if viseme.IsSilencePhoneme(nb.Phoneme) {
				continue
			}
			offset := nb.Start - cur.Start
			proximity := 1 - math.Abs(float64(offset))/float64(cfg.LookAhead)
			if proximity <= 0 {
				continue
			}
			w := categorySimilarity(cur.Phoneme, nb.Phoneme) * proximity
			data.Influences = append(data.Influences, Influence{
				VisemeID: nb.VisemeID,
				Phoneme:  nb.Phoneme,
				Offset:   offset,
				Weight:   w,
			})
			data.Strength += w
		}
		if len(data.Influences) > 0 {
			data.Strength = min(1, data.Strength)
			cur.Coarticulation = &data
		}
	}
}

func categorySimilarity(a, b string) float64 {
	va, vb := viseme.IsVowelPhoneme(a), viseme.IsVowelPhoneme(b)
	switch {
	case va && vb:
		return similarityVowels
	case !va && !vb:
		return similarityConsonants
	default:
		return similarityMixed
	}
}

func clampUnit(v float64) float64 {
	if v < 0 || math.IsNaN(v) {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
