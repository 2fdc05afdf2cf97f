// Package pipeline contains the session-scoped streaming core: chunk
// sequencing, per-chunk transcription orchestration, and transcript
// finalization.
package pipeline

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/darango91/aiaudiopipeline/internal/keyword"
	"github.com/darango91/aiaudiopipeline/internal/observability"
)

// Segment is a time-bounded span of transcribed text with its keyword hits.
// JSON tags define the shape embedded in event payloads and transcript
// metadata.
type Segment struct {
	Text             string        `json:"text"`
	StartTime        float64       `json:"start_time"`
	EndTime          float64       `json:"end_time"`
	Speaker          *string       `json:"speaker"`
	IsProspect       bool          `json:"is_prospect"`
	Confidence       float64       `json:"confidence"`
	DetectedKeywords []keyword.Hit `json:"detected_keywords"`
}

// noSequence sits below the valid range; the first accepted chunk may carry
// sequence number 0.
const noSequence = -1

type chunkRecord struct {
	sequence int64
	segments []Segment
}

// sessionState is the per-session sequencing state. All access goes through
// its own mutex so two in-flight chunks for the same session cannot both pass
// the check-and-set.
type sessionState struct {
	mu           sync.Mutex
	lastSequence int64
	chunks       []chunkRecord
	lastActivity time.Time
}

// Sequencer enforces chunk ordering per session and buffers transcribed
// segments until finalize. Sessions are created on first chunk and destroyed
// on finalize, abandon, or idle eviction.
type Sequencer struct {
	mu       sync.Mutex
	sessions map[string]*sessionState
	logger   zerolog.Logger
}

// NewSequencer creates an empty sequencer.
func NewSequencer(logger zerolog.Logger) *Sequencer {
	return &Sequencer{
		sessions: make(map[string]*sessionState),
		logger:   logger,
	}
}

// Accept decides whether a chunk enters the pipeline. A sequence number at or
// below the highest accepted one is rejected and leaves all state untouched;
// stale chunks are dropped, never reprocessed. The check-and-set is atomic
// per session.
func (s *Sequencer) Accept(sessionID string, sequence int64) bool {
	state := s.stateFor(sessionID)

	state.mu.Lock()
	defer state.mu.Unlock()

	if sequence <= state.lastSequence {
		s.logger.Warn().
			Str("session_id", sessionID).
			Int64("sequence", sequence).
			Int64("last_accepted", state.lastSequence).
			Msg("Rejecting stale or out-of-order chunk")
		return false
	}

	state.lastSequence = sequence
	state.lastActivity = time.Now()
	return true
}

// Record buffers the transcribed segments for an accepted chunk.
func (s *Sequencer) Record(sessionID string, sequence int64, segments []Segment) {
	state := s.stateFor(sessionID)

	state.mu.Lock()
	defer state.mu.Unlock()
	state.chunks = append(state.chunks, chunkRecord{sequence: sequence, segments: segments})
	state.lastActivity = time.Now()
}

// Finalize returns all recorded segments ordered by ascending chunk sequence
// number — submission order, not completion order — and removes the session's
// state.
func (s *Sequencer) Finalize(sessionID string) []Segment {
	state := s.remove(sessionID, "completed")
	if state == nil {
		return nil
	}

	state.mu.Lock()
	defer state.mu.Unlock()

	sort.SliceStable(state.chunks, func(a, b int) bool {
		return state.chunks[a].sequence < state.chunks[b].sequence
	})

	var segments []Segment
	for _, chunk := range state.chunks {
		segments = append(segments, chunk.segments...)
	}
	return segments
}

// Abandon removes a session's state without finalizing. Used on error paths
// so a later terminal chunk cannot assemble a corrupted partial transcript.
func (s *Sequencer) Abandon(sessionID string) {
	s.remove(sessionID, "error")
}

// ActiveSessions returns the number of sessions with in-flight state.
func (s *Sequencer) ActiveSessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// RunJanitor evicts sessions idle longer than idleTimeout, calling onEvict
// for each so the caller can emit an event. Blocks until ctx is cancelled.
// The observed design leaked abandoned sessions forever; the timeout is
// configurable because no particular duration is inherent to the problem.
func (s *Sequencer) RunJanitor(ctx context.Context, interval, idleTimeout time.Duration, onEvict func(sessionID string)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, sessionID := range s.evictIdle(idleTimeout) {
				s.logger.Warn().
					Str("session_id", sessionID).
					Dur("idle_timeout", idleTimeout).
					Msg("Evicting idle session state")
				if onEvict != nil {
					onEvict(sessionID)
				}
			}
		}
	}
}

func (s *Sequencer) evictIdle(idleTimeout time.Duration) []string {
	cutoff := time.Now().Add(-idleTimeout)

	s.mu.Lock()
	var evicted []string
	for sessionID, state := range s.sessions {
		state.mu.Lock()
		idle := state.lastActivity.Before(cutoff)
		state.mu.Unlock()
		if idle {
			delete(s.sessions, sessionID)
			evicted = append(evicted, sessionID)
		}
	}
	s.mu.Unlock()

	for range evicted {
		observability.RecordSessionEnd("evicted")
	}
	return evicted
}

// stateFor returns the session's state, creating it on first use.
func (s *Sequencer) stateFor(sessionID string) *sessionState {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, ok := s.sessions[sessionID]
	if !ok {
		state = &sessionState{lastSequence: noSequence, lastActivity: time.Now()}
		s.sessions[sessionID] = state
		observability.RecordSessionStart()
	}
	return state
}

func (s *Sequencer) remove(sessionID, outcome string) *sessionState {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, ok := s.sessions[sessionID]
	if !ok {
		return nil
	}
	delete(s.sessions, sessionID)
	observability.RecordSessionEnd(outcome)
	return state
}
