// Package lipsync builds viseme timelines from phoneme streams or text and
// resolves them into mouth shapes during playback.
package lipsync

import (
	"time"

	"github.com/normanking/cortexlipsync/internal/viseme"
)

// TimelineEntry holds one viseme target over [Start, End].
type TimelineEntry struct {
	Start          time.Duration       `json:"start"`
	End            time.Duration       `json:"end"`
	VisemeID       string              `json:"visemeId"`
	Weight         float64             `json:"weight"`
	Phoneme        string              `json:"phoneme,omitempty"`
	Coarticulation *CoarticulationData `json:"coarticulation,omitempty"`
	Emotion        *EmotionOverlay     `json:"emotion,omitempty"`
	// Processed is set by the player once playback has moved past the entry.
	Processed bool `json:"processed"`
}

// Duration returns End - Start.
func (e TimelineEntry) Duration() time.Duration {
	return e.End - e.Start
}

// Contains reports whether t lies within the closed entry interval.
func (e TimelineEntry) Contains(t time.Duration) bool {
	return e.Start <= t && t <= e.End
}

func (e TimelineEntry) clone() TimelineEntry {
	if e.Coarticulation != nil {
		c := *e.Coarticulation
		c.Influences = append([]Influence(nil), c.Influences...)
		e.Coarticulation = &c
	}
	if e.Emotion != nil {
		em := *e.Emotion
		em.Shape = em.Shape.Clone()
		e.Emotion = &em
	}
	return e
}

// Influence is the pull of one neighboring phoneme.
type Influence struct {
	VisemeID string        `json:"visemeId"`
	Phoneme  string        `json:"phoneme"`
	Offset   time.Duration `json:"offset"` // neighbor start minus entry start
	Weight   float64       `json:"weight"`
}

// CoarticulationData describes how neighbors shape the realized viseme.
type CoarticulationData struct {
	Influences []Influence `json:"influences"`
	Strength   float64     `json:"strength"` // total, in [0,1]
}

// EmotionOverlay biases an entry toward an expression shape.
type EmotionOverlay struct {
	Name      string            `json:"name"`
	Intensity float64           `json:"intensity"`
	Shape     viseme.MouthShape `json:"shape"`
}

// Timeline is an ordered, gap-free sequence of entries for one utterance.
type Timeline struct {
	ID        string          `json:"id"`
	Library   string          `json:"library"`
	Duration  time.Duration   `json:"duration"`
	Entries   []TimelineEntry `json:"entries"`
	CreatedAt time.Time       `json:"createdAt"`
}

// Clone returns a deep copy.
func (t *Timeline) Clone() *Timeline {
	if t == nil {
		return nil
	}
	out := *t
	out.Entries = make([]TimelineEntry, len(t.Entries))
	for i, e := range t.Entries {
		out.Entries[i] = e.clone()
	}
	return &out
}

// Config holds timeline construction tunables.
type Config struct {
	LookAhead          time.Duration
	NeighborCount      int
	MinPhonemeDuration time.Duration
	MaxPhonemeDuration time.Duration
	MergeGap           time.Duration
	// CoarticulationBlend scales how far a shape leans toward its neighbors.
	CoarticulationBlend float64
}

// DefaultConfig returns sensible defaults
func DefaultConfig() *Config {
	return &Config{
		LookAhead:           100 * time.Millisecond,
		NeighborCount:       2,
		MinPhonemeDuration:  30 * time.Millisecond,
		MaxPhonemeDuration:  500 * time.Millisecond,
		MergeGap:            10 * time.Millisecond,
		CoarticulationBlend: 0.25,
	}
}
