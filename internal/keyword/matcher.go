package keyword

import (
	"sort"
	"strings"
)

// Match confidences: a whole-word boundary match is certain, a substring
// match is weaker and must clear the keyword's threshold.
const (
	wholeWordConfidence = 1.0
	substringConfidence = 0.8
)

// Hit is a detected keyword with its talking points. Never persisted on its
// own; embedded in segment and transcript metadata.
type Hit struct {
	ID            int64          `json:"id"`
	Keyword       string         `json:"keyword"`
	Description   string         `json:"description"`
	Confidence    float64        `json:"confidence"`
	TalkingPoints []TalkingPoint `json:"talking_points"`
}

// Match scores text against the index and returns hits ordered by descending
// confidence. Ties keep index insertion order; downstream consumers surface
// the first hit as primary, so the sort must be stable. Empty text yields an
// empty result. Safe for concurrent use.
func (idx *Index) Match(text string) []Hit {
	if text == "" {
		return nil
	}

	snap := idx.current()
	lower := strings.ToLower(text)

	var hits []Hit
	for i := range snap.entries {
		e := &snap.entries[i]

		if e.wordPattern.MatchString(lower) {
			hits = append(hits, newHit(e, wholeWordConfidence))
			continue
		}

		if strings.Contains(lower, e.lowerText) && substringConfidence >= idx.thresholdFor(e) {
			hits = append(hits, newHit(e, substringConfidence))
		}
	}

	sort.SliceStable(hits, func(a, b int) bool {
		return hits[a].Confidence > hits[b].Confidence
	})

	return hits
}

func newHit(e *Entry, confidence float64) Hit {
	return Hit{
		ID:            e.ID,
		Keyword:       e.Text,
		Description:   e.Description,
		Confidence:    confidence,
		TalkingPoints: e.TalkingPoints,
	}
}
