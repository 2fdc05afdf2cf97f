package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// Store wraps the SQLite database holding sessions, transcripts and keyword
// configuration. All operations are transactional at single-call granularity.
type Store struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id  TEXT NOT NULL UNIQUE,
	title       TEXT,
	description TEXT,
	status      TEXT NOT NULL DEFAULT 'active',
	duration    REAL,
	created_at  TIMESTAMP NOT NULL,
	updated_at  TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_sessions_session_id ON sessions(session_id);

CREATE TABLE IF NOT EXISTS transcripts (
	id              INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id      INTEGER NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
	audio_file_path TEXT,
	text            TEXT NOT NULL,
	language        TEXT,
	duration        REAL,
	metadata        TEXT,
	created_at      TIMESTAMP NOT NULL,
	updated_at      TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_transcripts_session_id ON transcripts(session_id);

CREATE TABLE IF NOT EXISTS keywords (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	text        TEXT NOT NULL,
	description TEXT,
	threshold   REAL NOT NULL DEFAULT 0.7,
	created_at  TIMESTAMP NOT NULL,
	updated_at  TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS talking_points (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	keyword_id INTEGER NOT NULL REFERENCES keywords(id) ON DELETE CASCADE,
	title      TEXT NOT NULL,
	content    TEXT NOT NULL,
	priority   INTEGER NOT NULL DEFAULT 1,
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_talking_points_keyword_id ON talking_points(keyword_id);
`

// Open opens (creating if necessary) the database at path.
func Open(path string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping verifies the database connection; used by the readiness probe.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// --- Sessions ---

// CreateSession creates a new session with a fresh opaque identifier.
func (s *Store) CreateSession(ctx context.Context, title, description string) (*Session, error) {
	now := time.Now().UTC()
	sessionID := uuid.New().String()

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (session_id, title, description, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, sessionID, title, description, SessionActive, now, now)
	if err != nil {
		return nil, fmt.Errorf("insert session: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("session id: %w", err)
	}

	return &Session{
		ID:          id,
		SessionID:   sessionID,
		Title:       title,
		Description: description,
		Status:      SessionActive,
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}

// GetSession returns the session with the given opaque identifier, or nil if
// it does not exist.
func (s *Store) GetSession(ctx context.Context, sessionID string) (*Session, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, session_id, title, description, status, duration, created_at, updated_at
		FROM sessions
		WHERE session_id = ?
	`, sessionID)
	return scanSession(row)
}

// ListSessions returns sessions ordered by creation time, newest first.
func (s *Store) ListSessions(ctx context.Context, limit, offset int) ([]Session, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, title, description, status, duration, created_at, updated_at
		FROM sessions
		ORDER BY created_at DESC
		LIMIT ? OFFSET ?
	`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()

	var sessions []Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, *sess)
	}
	return sessions, rows.Err()
}

// UpdateSession applies a partial update; returns the updated session or nil
// if it does not exist.
func (s *Store) UpdateSession(ctx context.Context, sessionID string, update SessionUpdate) (*Session, error) {
	sess, err := s.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess == nil {
		return nil, nil
	}

	if update.Title != nil {
		sess.Title = *update.Title
	}
	if update.Description != nil {
		sess.Description = *update.Description
	}
	if update.Status != nil {
		sess.Status = *update.Status
	}
	if update.Duration != nil {
		sess.Duration = update.Duration
	}
	sess.UpdatedAt = time.Now().UTC()

	_, err = s.db.ExecContext(ctx, `
		UPDATE sessions
		SET title = ?, description = ?, status = ?, duration = ?, updated_at = ?
		WHERE session_id = ?
	`, sess.Title, sess.Description, sess.Status, sess.Duration, sess.UpdatedAt, sessionID)
	if err != nil {
		return nil, fmt.Errorf("update session: %w", err)
	}
	return sess, nil
}

// UpdateSessionStatus sets the lifecycle status of a session.
func (s *Store) UpdateSessionStatus(ctx context.Context, sessionID, status string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET status = ?, updated_at = ? WHERE session_id = ?
	`, status, time.Now().UTC(), sessionID)
	if err != nil {
		return fmt.Errorf("update session status: %w", err)
	}
	return nil
}

// --- Transcripts ---

// CreateTranscript persists a transcript for the session with the given
// opaque identifier. Returns nil if the session does not exist.
func (s *Store) CreateTranscript(ctx context.Context, sessionID string, t *Transcript) (*Transcript, error) {
	sess, err := s.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess == nil {
		return nil, nil
	}

	now := time.Now().UTC()
	var meta any
	if t.Metadata != nil {
		meta = string(t.Metadata)
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO transcripts (session_id, audio_file_path, text, language, duration, metadata, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, sess.ID, t.AudioFilePath, t.Text, t.Language, t.Duration, meta, now, now)
	if err != nil {
		return nil, fmt.Errorf("insert transcript: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("transcript id: %w", err)
	}

	t.ID = id
	t.SessionID = sess.ID
	t.CreatedAt = now
	t.UpdatedAt = now
	return t, nil
}

// TranscriptsBySession returns all transcripts for a session, oldest first.
func (s *Store) TranscriptsBySession(ctx context.Context, sessionID string) ([]Transcript, error) {
	sess, err := s.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess == nil {
		return nil, nil
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, audio_file_path, text, language, duration, metadata, created_at, updated_at
		FROM transcripts
		WHERE session_id = ?
		ORDER BY created_at ASC
	`, sess.ID)
	if err != nil {
		return nil, fmt.Errorf("query transcripts: %w", err)
	}
	defer rows.Close()

	var transcripts []Transcript
	for rows.Next() {
		var t Transcript
		var filePath, language, meta sql.NullString
		var duration sql.NullFloat64
		if err := rows.Scan(&t.ID, &t.SessionID, &filePath, &t.Text, &language,
			&duration, &meta, &t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan transcript: %w", err)
		}
		t.AudioFilePath = filePath.String
		t.Language = language.String
		if duration.Valid {
			d := duration.Float64
			t.Duration = &d
		}
		if meta.Valid {
			t.Metadata = json.RawMessage(meta.String)
		}
		transcripts = append(transcripts, t)
	}
	return transcripts, rows.Err()
}

// --- Keywords ---

// ListKeywords returns all keywords in insertion order. Matcher ordering
// depends on this being stable.
func (s *Store) ListKeywords(ctx context.Context) ([]Keyword, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, text, description, threshold, created_at, updated_at
		FROM keywords
		ORDER BY id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("query keywords: %w", err)
	}
	defer rows.Close()

	var keywords []Keyword
	for rows.Next() {
		kw, err := scanKeyword(rows)
		if err != nil {
			return nil, err
		}
		keywords = append(keywords, *kw)
	}
	return keywords, rows.Err()
}

// GetKeyword returns a keyword by id, or nil if absent.
func (s *Store) GetKeyword(ctx context.Context, id int64) (*Keyword, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, text, description, threshold, created_at, updated_at
		FROM keywords WHERE id = ?
	`, id)
	kw, err := scanKeyword(row)
	if err == errNoRow {
		return nil, nil
	}
	return kw, err
}

// GetKeywordByText returns a keyword by text, case-insensitively, or nil.
func (s *Store) GetKeywordByText(ctx context.Context, text string) (*Keyword, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, text, description, threshold, created_at, updated_at
		FROM keywords WHERE text = ? COLLATE NOCASE
	`, text)
	kw, err := scanKeyword(row)
	if err == errNoRow {
		return nil, nil
	}
	return kw, err
}

// CreateKeyword creates a new keyword.
func (s *Store) CreateKeyword(ctx context.Context, text, description string, threshold float64) (*Keyword, error) {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO keywords (text, description, threshold, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
	`, text, description, threshold, now, now)
	if err != nil {
		return nil, fmt.Errorf("insert keyword: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("keyword id: %w", err)
	}
	return &Keyword{ID: id, Text: text, Description: description, Threshold: threshold, CreatedAt: now, UpdatedAt: now}, nil
}

// UpdateKeyword applies a partial update; returns nil if the keyword is absent.
func (s *Store) UpdateKeyword(ctx context.Context, id int64, update KeywordUpdate) (*Keyword, error) {
	kw, err := s.GetKeyword(ctx, id)
	if err != nil {
		return nil, err
	}
	if kw == nil {
		return nil, nil
	}

	if update.Text != nil {
		kw.Text = *update.Text
	}
	if update.Description != nil {
		kw.Description = *update.Description
	}
	if update.Threshold != nil {
		kw.Threshold = *update.Threshold
	}
	kw.UpdatedAt = time.Now().UTC()

	_, err = s.db.ExecContext(ctx, `
		UPDATE keywords SET text = ?, description = ?, threshold = ?, updated_at = ? WHERE id = ?
	`, kw.Text, kw.Description, kw.Threshold, kw.UpdatedAt, id)
	if err != nil {
		return nil, fmt.Errorf("update keyword: %w", err)
	}
	return kw, nil
}

// DeleteKeyword deletes a keyword and its talking points.
func (s *Store) DeleteKeyword(ctx context.Context, id int64) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM keywords WHERE id = ?`, id)
	if err != nil {
		return false, fmt.Errorf("delete keyword: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// --- Talking points ---

// TalkingPointsByKeyword returns talking points for a keyword ordered by
// descending priority.
func (s *Store) TalkingPointsByKeyword(ctx context.Context, keywordID int64) ([]TalkingPoint, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, keyword_id, title, content, priority, created_at, updated_at
		FROM talking_points
		WHERE keyword_id = ?
		ORDER BY priority DESC, id ASC
	`, keywordID)
	if err != nil {
		return nil, fmt.Errorf("query talking points: %w", err)
	}
	defer rows.Close()

	var points []TalkingPoint
	for rows.Next() {
		var tp TalkingPoint
		if err := rows.Scan(&tp.ID, &tp.KeywordID, &tp.Title, &tp.Content,
			&tp.Priority, &tp.CreatedAt, &tp.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan talking point: %w", err)
		}
		points = append(points, tp)
	}
	return points, rows.Err()
}

// CreateTalkingPoint creates a talking point under a keyword.
func (s *Store) CreateTalkingPoint(ctx context.Context, keywordID int64, title, content string, priority int) (*TalkingPoint, error) {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO talking_points (keyword_id, title, content, priority, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, keywordID, title, content, priority, now, now)
	if err != nil {
		return nil, fmt.Errorf("insert talking point: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("talking point id: %w", err)
	}
	return &TalkingPoint{ID: id, KeywordID: keywordID, Title: title, Content: content, Priority: priority, CreatedAt: now, UpdatedAt: now}, nil
}

// UpdateTalkingPoint applies a partial update; returns nil if absent.
func (s *Store) UpdateTalkingPoint(ctx context.Context, id int64, update TalkingPointUpdate) (*TalkingPoint, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, keyword_id, title, content, priority, created_at, updated_at
		FROM talking_points WHERE id = ?
	`, id)

	var tp TalkingPoint
	if err := row.Scan(&tp.ID, &tp.KeywordID, &tp.Title, &tp.Content,
		&tp.Priority, &tp.CreatedAt, &tp.UpdatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("scan talking point: %w", err)
	}

	if update.Title != nil {
		tp.Title = *update.Title
	}
	if update.Content != nil {
		tp.Content = *update.Content
	}
	if update.Priority != nil {
		tp.Priority = *update.Priority
	}
	tp.UpdatedAt = time.Now().UTC()

	_, err := s.db.ExecContext(ctx, `
		UPDATE talking_points SET title = ?, content = ?, priority = ?, updated_at = ? WHERE id = ?
	`, tp.Title, tp.Content, tp.Priority, tp.UpdatedAt, id)
	if err != nil {
		return nil, fmt.Errorf("update talking point: %w", err)
	}
	return &tp, nil
}

// DeleteTalkingPoint deletes a talking point.
func (s *Store) DeleteTalkingPoint(ctx context.Context, id int64) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM talking_points WHERE id = ?`, id)
	if err != nil {
		return false, fmt.Errorf("delete talking point: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// --- scan helpers ---

var errNoRow = sql.ErrNoRows

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*Session, error) {
	var sess Session
	var title, description sql.NullString
	var duration sql.NullFloat64

	if err := row.Scan(&sess.ID, &sess.SessionID, &title, &description,
		&sess.Status, &duration, &sess.CreatedAt, &sess.UpdatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("scan session: %w", err)
	}

	sess.Title = title.String
	sess.Description = description.String
	if duration.Valid {
		d := duration.Float64
		sess.Duration = &d
	}
	return &sess, nil
}

func scanKeyword(row rowScanner) (*Keyword, error) {
	var kw Keyword
	var description sql.NullString
	if err := row.Scan(&kw.ID, &kw.Text, &description, &kw.Threshold,
		&kw.CreatedAt, &kw.UpdatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, errNoRow
		}
		return nil, fmt.Errorf("scan keyword: %w", err)
	}
	kw.Description = description.String
	return &kw, nil
}
