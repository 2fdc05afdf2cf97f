// Package events delivers pipeline events to live session subscribers and,
// optionally, across processes through a redis broker bridge.
package events

import (
	"encoding/json"
	"time"
)

// Type enumerates the event kinds carried on the wire.
type Type string

const (
	KeywordDetected       Type = "keyword_detected"
	TranscriptionUpdate   Type = "transcription_update"
	TranscriptionComplete Type = "transcription_complete"
	PartialTranscription  Type = "partial_transcription"
	SessionStatus         Type = "session_status"
	Error                 Type = "error"
)

// Event is the stable wire shape shared by all event kinds.
type Event struct {
	Type      Type           `json:"type"`
	SessionID string         `json:"session_id"`
	Timestamp time.Time      `json:"timestamp"`
	Payload   map[string]any `json:"payload"`
}

// New builds an event stamped with the current UTC time.
func New(t Type, sessionID string, payload map[string]any) Event {
	return Event{
		Type:      t,
		SessionID: sessionID,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	}
}

// Marshal serializes the event for delivery. Timestamps marshal as RFC 3339.
func (e Event) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// Topic returns the broker topic events for a session are published on.
func Topic(sessionID string) string {
	return "notifications:" + sessionID
}
