package lipsync

import (
	"time"

	"github.com/normanking/cortexlipsync/internal/viseme"
)

// FillGaps returns entries with silence entries inserted into every
// leading, inner and trailing gap of [0, length]. Entries must be sorted by
// start and must not overlap.
func FillGaps(entries []TimelineEntry, length time.Duration, silenceID string) []TimelineEntry {
	out := make([]TimelineEntry, 0, 2*len(entries)+1)
	silence := func(start, end time.Duration) TimelineEntry {
		return TimelineEntry{
			Start:    start,
			End:      end,
			VisemeID: silenceID,
			Weight:   1,
			Phoneme:  viseme.SilencePhoneme,
		}
	}

	var cursor time.Duration
	for _, e := range entries {
		if e.Start > cursor {
			out = append(out, silence(cursor, e.Start))
		}
		out = append(out, e.clone())
		cursor = max(cursor, e.End)
	}
	if cursor < length {
		out = append(out, silence(cursor, length))
	}
	return out
}

// OptimizeTimeline repeatedly merges adjacent same-viseme entries separated
// by less than mergeGap and absorbs entries shorter than minDuration into a
// neighbor, until nothing changes. A sole entry is never removed.
func OptimizeTimeline(entries []TimelineEntry, mergeGap, minDuration time.Duration) []TimelineEntry {
	out := make([]TimelineEntry, len(entries))
	for i, e := range entries {
		out[i] = e.clone()
	}

	for changed := true; changed; {
		changed = false

		merged := make([]TimelineEntry, 0, len(out))
		for _, e := range out {
			if n := len(merged); n > 0 {
				last := &merged[n-1]
				if last.VisemeID == e.VisemeID && e.Start-last.End < mergeGap {
					last.End = max(last.End, e.End)
					last.Weight = max(last.Weight, e.Weight)
					changed = true
					continue
				}
			}
			merged = append(merged, e)
		}
		out = merged

		if len(out) < 2 {
			break
		}
		for i := range out {
			if out[i].Duration() >= minDuration {
				continue
			}
			if i > 0 {
				out[i-1].End = max(out[i-1].End, out[i].End)
			} else {
				out[1].Start = min(out[1].Start, out[0].Start)
			}
			out = append(out[:i], out[i+1:]...)
			changed = true
			break
		}
	}
	return out
}

// Coverage reports whether sorted entries cover [0, length] without gaps.
func Coverage(entries []TimelineEntry, length time.Duration) bool {
	var cursor time.Duration
	for _, e := range entries {
		if e.Start > cursor || e.End <= e.Start {
			return false
		}
		cursor = max(cursor, e.End)
	}
	return cursor >= length
}
