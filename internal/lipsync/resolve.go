package lipsync

import (
	"sort"
	"time"

	"github.com/normanking/cortexlipsync/internal/viseme"
)

// Resolution is the mouth state at one instant.
type Resolution struct {
	Shape   viseme.MouthShape
	Primary string
	// Active holds the indexes of entries containing the instant.
	Active []int
	// Share is the primary entry's portion of the total active weight.
	Share float64
}

// Resolve blends every entry active at t, weighted by entry weight. The
// primary viseme is the heaviest entry, first wins on ties. With nothing
// active the neutral shape is returned.
func (e *Engine) Resolve(tl *Timeline, t time.Duration) Resolution {
	lib := e.library.Active()
	neutral := lib.Neutral()
	res := Resolution{Shape: neutral.Shape.Clone(), Primary: neutral.ID, Share: 1}
	if tl == nil || len(tl.Entries) == 0 {
		return res
	}

	entries := tl.Entries
	first := sort.Search(len(entries), func(i int) bool { return entries[i].End >= t })
	for i := first; i < len(entries) && entries[i].Start <= t; i++ {
		if entries[i].Contains(t) {
			res.Active = append(res.Active, i)
		}
	}
	if len(res.Active) == 0 {
		return res
	}

	blendCoef := e.Config().CoarticulationBlend
	weighted := make([]viseme.WeightedShape, 0, len(res.Active))
	best := -1
	var total float64
	for _, i := range res.Active {
		entry := entries[i]
		weighted = append(weighted, viseme.WeightedShape{
			Shape:  e.realize(lib, entry, blendCoef),
			Weight: entry.Weight,
		})
		total += max(entry.Weight, 0)
		if best < 0 || entry.Weight > entries[best].Weight {
			best = i
		}
	}

	res.Primary = entries[best].VisemeID
	if total > 0 {
		res.Share = max(entries[best].Weight, 0) / total
	}
	res.Shape = viseme.Blend(weighted, neutral.Shape)
	return res
}

// realize returns the entry's shape after co-articulation and emotion.
func (e *Engine) realize(lib *viseme.Library, entry TimelineEntry, blendCoef float64) viseme.MouthShape {
	v, ok := lib.Viseme(entry.VisemeID)
	if !ok {
		v = lib.Neutral()
	}
	shape := v.Shape

	if c := entry.Coarticulation; c != nil && c.Strength > 0 && blendCoef > 0 {
		pulls := make([]viseme.WeightedShape, 0, len(c.Influences))
		for _, in := range c.Influences {
			nb, ok := lib.Viseme(in.VisemeID)
			if !ok {
				continue
			}
			pulls = append(pulls, viseme.WeightedShape{Shape: nb.Shape, Weight: in.Weight})
		}
		if len(pulls) > 0 {
			target := viseme.Blend(pulls, shape)
			shape = viseme.Lerp(shape, target, c.Strength*blendCoef)
		}
	}

	if em := entry.Emotion; em != nil && em.Intensity > 0 {
		shape = viseme.Lerp(shape, em.Shape, clampUnit(em.Intensity))
	}
	return shape
}
