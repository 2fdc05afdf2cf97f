// Package keyword holds the refreshable keyword index and the text matcher
// that scores transcribed text against it.
package keyword

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/darango91/aiaudiopipeline/internal/store"
)

// Repository is the slice of the storage collaborator the index needs.
type Repository interface {
	ListKeywords(ctx context.Context) ([]store.Keyword, error)
	GetKeywordByText(ctx context.Context, text string) (*store.Keyword, error)
	TalkingPointsByKeyword(ctx context.Context, keywordID int64) ([]store.TalkingPoint, error)
}

// TalkingPoint is suggested content for a detected keyword, ordered by
// descending priority.
type TalkingPoint struct {
	ID       int64  `json:"id"`
	Title    string `json:"title"`
	Content  string `json:"content"`
	Priority int    `json:"priority"`
}

// Entry is one indexed keyword with its talking points.
type Entry struct {
	ID            int64
	Text          string
	Description   string
	Threshold     float64
	TalkingPoints []TalkingPoint

	wordPattern *regexp.Regexp // whole-word match against lowercased text
	lowerText   string
}

// snapshot is an immutable view of the index. Readers hold a snapshot for the
// duration of one match; Load swaps the whole thing at once.
type snapshot struct {
	entries []Entry          // insertion order, ties in match results depend on it
	byText  map[string]int   // lowercased keyword text -> entries index
}

// Index is a refreshable, concurrency-safe mapping from keyword text to
// threshold and talking points.
type Index struct {
	repo             Repository
	defaultThreshold float64
	logger           zerolog.Logger

	mu   sync.RWMutex
	snap *snapshot
}

// NewIndex creates an empty index. Call Load to populate it.
func NewIndex(repo Repository, defaultThreshold float64, logger zerolog.Logger) *Index {
	return &Index{
		repo:             repo,
		defaultThreshold: defaultThreshold,
		logger:           logger,
		snap:             &snapshot{byText: map[string]int{}},
	}
}

// Load fetches all keywords and talking points and atomically swaps in a new
// snapshot. On failure the previous snapshot is retained untouched.
func (idx *Index) Load(ctx context.Context) error {
	keywords, err := idx.repo.ListKeywords(ctx)
	if err != nil {
		idx.logger.Warn().Err(err).Msg("Keyword reload failed, keeping previous snapshot")
		return fmt.Errorf("list keywords: %w", err)
	}

	next := &snapshot{byText: make(map[string]int, len(keywords))}
	for _, kw := range keywords {
		points, err := idx.repo.TalkingPointsByKeyword(ctx, kw.ID)
		if err != nil {
			idx.logger.Warn().Err(err).Str("keyword", kw.Text).Msg("Keyword reload failed, keeping previous snapshot")
			return fmt.Errorf("talking points for %q: %w", kw.Text, err)
		}
		appendEntry(next, newEntry(kw, points))
	}

	idx.mu.Lock()
	idx.snap = next
	idx.mu.Unlock()

	idx.logger.Info().Int("keywords", len(next.entries)).Msg("Keyword index loaded")
	return nil
}

// Lookup returns the indexed entry for a keyword text, fetching and caching
// it from storage if it is not in the snapshot. Returns nil if the keyword
// does not exist.
func (idx *Index) Lookup(ctx context.Context, text string) *Entry {
	lower := strings.ToLower(text)

	idx.mu.RLock()
	snap := idx.snap
	idx.mu.RUnlock()

	if i, ok := snap.byText[lower]; ok {
		return &snap.entries[i]
	}

	// Best-effort single-keyword fetch.
	kw, err := idx.repo.GetKeywordByText(ctx, text)
	if err != nil || kw == nil {
		if err != nil {
			idx.logger.Warn().Err(err).Str("keyword", text).Msg("Keyword lookup failed")
		}
		return nil
	}
	points, err := idx.repo.TalkingPointsByKeyword(ctx, kw.ID)
	if err != nil {
		idx.logger.Warn().Err(err).Str("keyword", text).Msg("Talking point fetch failed")
		return nil
	}

	entry := newEntry(*kw, points)

	// Copy-on-write append so concurrent matchers never see a half-built map.
	idx.mu.Lock()
	defer idx.mu.Unlock()
	if i, ok := idx.snap.byText[lower]; ok {
		return &idx.snap.entries[i]
	}
	next := &snapshot{
		entries: make([]Entry, len(idx.snap.entries), len(idx.snap.entries)+1),
		byText:  make(map[string]int, len(idx.snap.byText)+1),
	}
	copy(next.entries, idx.snap.entries)
	for k, v := range idx.snap.byText {
		next.byText[k] = v
	}
	appendEntry(next, entry)
	idx.snap = next
	return &next.entries[len(next.entries)-1]
}

// Size returns the number of indexed keywords.
func (idx *Index) Size() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return len(idx.snap.entries)
}

func (idx *Index) current() *snapshot {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return idx.snap
}

func (idx *Index) thresholdFor(e *Entry) float64 {
	if e.Threshold > 0 {
		return e.Threshold
	}
	return idx.defaultThreshold
}

func newEntry(kw store.Keyword, points []store.TalkingPoint) Entry {
	tps := make([]TalkingPoint, 0, len(points))
	for _, tp := range points {
		tps = append(tps, TalkingPoint{ID: tp.ID, Title: tp.Title, Content: tp.Content, Priority: tp.Priority})
	}
	lower := strings.ToLower(kw.Text)
	return Entry{
		ID:            kw.ID,
		Text:          kw.Text,
		Description:   kw.Description,
		Threshold:     kw.Threshold,
		TalkingPoints: tps,
		wordPattern:   regexp.MustCompile(`\b` + regexp.QuoteMeta(lower) + `\b`),
		lowerText:     lower,
	}
}

func appendEntry(s *snapshot, e Entry) {
	if _, ok := s.byText[e.lowerText]; ok {
		return
	}
	s.entries = append(s.entries, e)
	s.byText[e.lowerText] = len(s.entries) - 1
}
