package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/darango91/aiaudiopipeline/internal/events"
	"github.com/darango91/aiaudiopipeline/internal/keyword"
	"github.com/darango91/aiaudiopipeline/internal/observability"
	"github.com/darango91/aiaudiopipeline/internal/store"
	"github.com/darango91/aiaudiopipeline/internal/transcribe"
)

// Store is the persistence surface the processor needs. *store.Store
// satisfies it.
type Store interface {
	CreateTranscript(ctx context.Context, sessionID string, t *store.Transcript) (*store.Transcript, error)
	UpdateSession(ctx context.Context, sessionID string, update store.SessionUpdate) (*store.Session, error)
}

// Matcher finds keyword hits in a piece of text. *keyword.Index satisfies it.
type Matcher interface {
	Match(text string) []keyword.Hit
}

// Publisher fans an event out to the session's subscribers. Delivery is
// best-effort; failures never propagate back into the pipeline. *events.Hub
// satisfies it.
type Publisher interface {
	Publish(ctx context.Context, event events.Event)
}

// Chunk is one sequenced piece of session audio. Timestamp is the
// producer-supplied offset in seconds from session start. AudioPath is where
// the terminal chunk's audio was stored on disk; it ends up on the persisted
// transcript. Cleanup, when set, releases any backing temporary resource and
// runs exactly once per processed chunk.
type Chunk struct {
	SessionID string
	Sequence  int64
	Timestamp float64
	Final     bool
	Audio     []byte
	AudioPath string
	Cleanup   func()
}

// Processor drives a chunk through the full pipeline: ordering check,
// transcription, keyword matching, event fan-out, and on the terminal chunk
// transcript assembly and persistence.
type Processor struct {
	transcriber       transcribe.Transcriber
	matcher           Matcher
	sequencer         *Sequencer
	store             Store
	hub               Publisher
	transcribeTimeout time.Duration
	logger            zerolog.Logger
}

// NewProcessor wires the pipeline stages together.
func NewProcessor(transcriber transcribe.Transcriber, matcher Matcher, sequencer *Sequencer, st Store, hub Publisher, transcribeTimeout time.Duration) *Processor {
	return &Processor{
		transcriber:       transcriber,
		matcher:           matcher,
		sequencer:         sequencer,
		store:             st,
		hub:               hub,
		transcribeTimeout: transcribeTimeout,
		logger:            observability.GetLogger().With().Str("component", "processor").Logger(),
	}
}

// ProcessChunk runs one chunk through the pipeline. Stale chunks are dropped
// silently toward the caller; transcription failures abandon the session and
// surface as an error event. Transcription is attempted once per chunk, never
// retried.
func (p *Processor) ProcessChunk(ctx context.Context, chunk Chunk) error {
	if chunk.Cleanup != nil {
		defer chunk.Cleanup()
	}

	logger := p.logger.With().
		Str("session_id", chunk.SessionID).
		Int64("sequence", chunk.Sequence).
		Float64("timestamp", chunk.Timestamp).
		Str("correlation_id", observability.NewCorrelationID()).
		Logger()

	if !p.sequencer.Accept(chunk.SessionID, chunk.Sequence) {
		observability.RecordChunk("rejected")
		return nil
	}

	tctx, cancel := context.WithTimeout(ctx, p.transcribeTimeout)
	defer cancel()

	start := time.Now()
	result, err := p.transcriber.Transcribe(tctx, chunk.Audio)
	observability.RecordTranscription(start, err == nil)
	if err != nil {
		observability.RecordChunk("failed")
		logger.Error().Err(err).Msg("Transcription failed, abandoning session")
		p.fail(ctx, chunk.SessionID, fmt.Errorf("transcription failed: %w", err))
		return err
	}

	segments := p.annotate(ctx, chunk.SessionID, result)
	p.sequencer.Record(chunk.SessionID, chunk.Sequence, segments)
	observability.RecordChunk("accepted")

	if !chunk.Final {
		p.hub.Publish(ctx, events.New(events.PartialTranscription, chunk.SessionID, map[string]any{
			"segments":          segments,
			"detected_keywords": collectHits(segments),
		}))
		return nil
	}

	ordered := p.sequencer.Finalize(chunk.SessionID)
	logger.Info().Int("segments", len(ordered)).Msg("Finalizing session transcript")
	return p.complete(ctx, chunk.SessionID, ordered, result.Language, chunk.AudioPath)
}

// ProcessFile transcribes a complete uploaded recording in one shot, outside
// any chunk sequencing.
func (p *Processor) ProcessFile(ctx context.Context, sessionID string, audio []byte, audioPath string) error {
	logger := p.logger.With().
		Str("session_id", sessionID).
		Str("correlation_id", observability.NewCorrelationID()).
		Logger()

	tctx, cancel := context.WithTimeout(ctx, p.transcribeTimeout)
	defer cancel()

	start := time.Now()
	result, err := p.transcriber.Transcribe(tctx, audio)
	observability.RecordTranscription(start, err == nil)
	if err != nil {
		logger.Error().Err(err).Msg("File transcription failed")
		p.fail(ctx, sessionID, fmt.Errorf("transcription failed: %w", err))
		return err
	}

	segments := p.annotate(ctx, sessionID, result)
	logger.Info().Int("segments", len(segments)).Msg("File transcribed")
	return p.complete(ctx, sessionID, segments, result.Language, audioPath)
}

// annotate converts transcriber segments into pipeline segments, running the
// keyword matcher over each and emitting a keyword_detected event per hit.
func (p *Processor) annotate(ctx context.Context, sessionID string, result *transcribe.Result) []Segment {
	segments := make([]Segment, 0, len(result.Segments))
	for _, raw := range result.Segments {
		segment := Segment{
			Text:       raw.Text,
			StartTime:  raw.Start,
			EndTime:    raw.End,
			Confidence: raw.Confidence,
		}
		segment.DetectedKeywords = p.matcher.Match(raw.Text)

		for _, hit := range segment.DetectedKeywords {
			observability.RecordKeywordHit(hit.Keyword)
			p.hub.Publish(ctx, events.New(events.KeywordDetected, sessionID, map[string]any{
				"keyword":   hit,
				"segment":   segment,
				"timestamp": segment.StartTime,
			}))
		}

		segments = append(segments, segment)
	}
	return segments
}

// complete assembles the full transcript, persists it with segment metadata,
// marks the session completed, and emits transcription_complete.
func (p *Processor) complete(ctx context.Context, sessionID string, segments []Segment, language, audioPath string) error {
	texts := make([]string, 0, len(segments))
	for _, segment := range segments {
		texts = append(texts, segment.Text)
	}
	fullText := strings.Join(texts, " ")

	hits := collectHits(segments)

	var duration *float64
	if len(segments) > 0 {
		end := segments[len(segments)-1].EndTime
		duration = &end
	}

	metadata, err := json.Marshal(map[string]any{
		"segments":          segments,
		"detected_keywords": hits,
	})
	if err != nil {
		p.fail(ctx, sessionID, fmt.Errorf("encoding transcript metadata: %w", err))
		return err
	}

	if language == "" {
		language = "en"
	}

	transcript, err := p.store.CreateTranscript(ctx, sessionID, &store.Transcript{
		Text:          fullText,
		Language:      language,
		Duration:      duration,
		AudioFilePath: audioPath,
		Metadata:      metadata,
	})
	if err != nil {
		p.fail(ctx, sessionID, fmt.Errorf("persisting transcript: %w", err))
		return err
	}
	if transcript == nil {
		err := fmt.Errorf("session %s not found", sessionID)
		p.fail(ctx, sessionID, err)
		return err
	}

	status := store.SessionCompleted
	if _, err := p.store.UpdateSession(ctx, sessionID, store.SessionUpdate{Status: &status, Duration: duration}); err != nil {
		p.logger.Warn().Err(err).Str("session_id", sessionID).Msg("Failed to mark session completed")
	}

	p.hub.Publish(ctx, events.New(events.TranscriptionComplete, sessionID, map[string]any{
		"transcript":        fullText,
		"detected_keywords": hits,
	}))
	return nil
}

// fail abandons any in-flight session state, marks the session errored, and
// tells subscribers. Best effort on the store update; the error event always
// goes out.
func (p *Processor) fail(ctx context.Context, sessionID string, cause error) {
	p.sequencer.Abandon(sessionID)
	observability.RecordError("pipeline", "processor")

	status := store.SessionError
	if _, err := p.store.UpdateSession(ctx, sessionID, store.SessionUpdate{Status: &status}); err != nil {
		p.logger.Warn().Err(err).Str("session_id", sessionID).Msg("Failed to mark session errored")
	}

	p.hub.Publish(ctx, events.New(events.Error, sessionID, map[string]any{
		"error": cause.Error(),
	}))
}

// EvictSession is the janitor's eviction callback: discard any buffered state
// and notify subscribers that the session timed out.
func (p *Processor) EvictSession(sessionID string) {
	p.hub.Publish(context.Background(), events.New(events.Error, sessionID, map[string]any{
		"error": "session evicted after inactivity timeout",
	}))
}

// collectHits unions the keyword hits across segments, deduplicated by
// keyword id in first-seen order.
func collectHits(segments []Segment) []keyword.Hit {
	seen := make(map[int64]bool)
	var hits []keyword.Hit
	for _, segment := range segments {
		for _, hit := range segment.DetectedKeywords {
			if seen[hit.ID] {
				continue
			}
			seen[hit.ID] = true
			hits = append(hits, hit)
		}
	}
	return hits
}
