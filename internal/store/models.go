// Package store provides SQLite persistence for sessions, transcripts,
// keywords and talking points.
package store

import (
	"encoding/json"
	"time"
)

// Session statuses.
const (
	SessionActive    = "active"
	SessionCompleted = "completed"
	SessionError     = "error"
)

// Session represents a recording session.
type Session struct {
	ID          int64
	SessionID   string // opaque UUID handed to producers
	Title       string
	Description string
	Status      string
	Duration    *float64 // total duration in seconds, once known
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Transcript is the persisted aggregate for a completed session or uploaded
// file. Metadata carries the ordered segment list and aggregated keyword hits.
type Transcript struct {
	ID            int64
	SessionID     int64 // references Session.ID
	AudioFilePath string
	Text          string
	Language      string
	Duration      *float64
	Metadata      json.RawMessage
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Keyword is a configured detection target.
type Keyword struct {
	ID          int64
	Text        string
	Description string
	Threshold   float64
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// TalkingPoint is suggested content attached to a keyword, ranked by priority.
type TalkingPoint struct {
	ID        int64
	KeywordID int64
	Title     string
	Content   string
	Priority  int
	CreatedAt time.Time
	UpdatedAt time.Time
}

// SessionUpdate carries the mutable session fields; nil means unchanged.
type SessionUpdate struct {
	Title       *string
	Description *string
	Status      *string
	Duration    *float64
}

// KeywordUpdate carries the mutable keyword fields; nil means unchanged.
type KeywordUpdate struct {
	Text        *string
	Description *string
	Threshold   *float64
}

// TalkingPointUpdate carries the mutable talking point fields; nil means unchanged.
type TalkingPointUpdate struct {
	Title    *string
	Content  *string
	Priority *int
}
