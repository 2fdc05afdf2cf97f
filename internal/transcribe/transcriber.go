// Package transcribe defines the speech-to-text collaborator contract and the
// Deepgram implementation of it. The rest of the pipeline only ever sees the
// normalized Result type.
package transcribe

import "context"

// Segment is a time-bounded span of transcribed text.
type Segment struct {
	Text       string
	Start      float64 // seconds from the start of the audio
	End        float64
	Confidence float64 // 0.0 to 1.0
}

// Result is the single deserialization contract for a transcription response.
type Result struct {
	Segments []Segment
	Language string
	Duration float64 // seconds, 0 if the provider did not report it
}

// Transcriber converts raw audio bytes into transcribed segments.
type Transcriber interface {
	Transcribe(ctx context.Context, audio []byte) (*Result, error)
}
