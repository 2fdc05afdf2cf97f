package transcribe

import (
	"bytes"
	"context"
	"fmt"
	"time"

	listenv1rest "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/listen/v1/rest"
	api "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/listen/v1/rest/interfaces"
	interfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/interfaces"
	listenClient "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/listen"
	"github.com/rs/zerolog"

	"github.com/darango91/aiaudiopipeline/internal/config"
	"github.com/darango91/aiaudiopipeline/internal/observability"
	"github.com/darango91/aiaudiopipeline/internal/resilience"
)

// DeepgramClient implements Transcriber using Deepgram's prerecorded API.
// Calls fail fast; the pipeline never retries a chunk, so the only protection
// here is the circuit breaker that stops hammering a failing upstream.
type DeepgramClient struct {
	api            *listenv1rest.Client
	options        *interfaces.PreRecordedTranscriptionOptions
	circuitBreaker *resilience.CircuitBreaker
	logger         zerolog.Logger
}

// NewDeepgramClient creates a Deepgram prerecorded transcription client.
func NewDeepgramClient(cfg *config.Config) *DeepgramClient {
	rest := listenClient.NewREST(cfg.DeepgramAPIKey, &interfaces.ClientOptions{})

	circuitBreaker := resilience.NewCircuitBreaker(
		"deepgram",
		cfg.CircuitBreakerMaxFailures,
		time.Duration(cfg.CircuitBreakerResetTimeout)*time.Second,
	)

	return &DeepgramClient{
		api: listenv1rest.New(rest),
		options: &interfaces.PreRecordedTranscriptionOptions{
			Model:      cfg.DeepgramModel,
			Language:   cfg.DeepgramLanguage,
			Punctuate:  true,
			Utterances: true, // utterances carry the per-segment timing we need
		},
		circuitBreaker: circuitBreaker,
		logger:         observability.GetLogger().With().Str("component", "deepgram").Logger(),
	}
}

// Transcribe sends audio to Deepgram and normalizes the response into Result.
func (d *DeepgramClient) Transcribe(ctx context.Context, audio []byte) (*Result, error) {
	var result *Result

	err := d.circuitBreaker.Call(func() error {
		resp, err := d.api.FromStream(ctx, bytes.NewReader(audio), d.options)
		if err != nil {
			return fmt.Errorf("deepgram transcription: %w", err)
		}
		result = d.normalize(resp)
		return nil
	})

	observability.UpdateCircuitBreakerState("deepgram", int(d.circuitBreaker.GetState()))
	if err != nil {
		observability.IncrementCircuitBreakerFailures("deepgram")
		return nil, err
	}

	d.logger.Debug().
		Int("segments", len(result.Segments)).
		Float64("duration", result.Duration).
		Msg("Transcription completed")
	return result, nil
}

// normalize flattens the provider response into the Result contract. All
// shape handling lives here; the core never inspects provider types.
func (d *DeepgramClient) normalize(resp *api.PreRecordedResponse) *Result {
	result := &Result{Language: d.options.Language}
	if resp == nil {
		return result
	}

	if resp.Metadata != nil {
		result.Duration = resp.Metadata.Duration
	}
	if resp.Results == nil {
		return result
	}

	for _, utt := range resp.Results.Utterances {
		if utt.Transcript == "" {
			continue
		}
		result.Segments = append(result.Segments, Segment{
			Text:       utt.Transcript,
			Start:      utt.Start,
			End:        utt.End,
			Confidence: utt.Confidence,
		})
	}

	// Some short clips come back with no utterances; fall back to the best
	// alternative as a single segment spanning the whole clip.
	if len(result.Segments) == 0 && len(resp.Results.Channels) > 0 {
		alts := resp.Results.Channels[0].Alternatives
		if len(alts) > 0 && alts[0].Transcript != "" {
			result.Segments = append(result.Segments, Segment{
				Text:       alts[0].Transcript,
				Start:      0,
				End:        result.Duration,
				Confidence: alts[0].Confidence,
			})
		}
	}

	return result
}

// Healthy reports whether the circuit to Deepgram is closed; used by the
// readiness probe without spending an API call.
func (d *DeepgramClient) Healthy() bool {
	return d.circuitBreaker.GetState() != resilience.StateOpen
}
