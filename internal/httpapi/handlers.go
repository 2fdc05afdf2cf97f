// Package httpapi exposes the REST and websocket surface: session and
// keyword management, audio upload, chunk ingestion and the realtime event
// feed.
package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/darango91/aiaudiopipeline/internal/config"
	"github.com/darango91/aiaudiopipeline/internal/events"
	"github.com/darango91/aiaudiopipeline/internal/keyword"
	"github.com/darango91/aiaudiopipeline/internal/observability"
	"github.com/darango91/aiaudiopipeline/internal/pipeline"
	"github.com/darango91/aiaudiopipeline/internal/store"
)

// API bundles the handler dependencies.
type API struct {
	cfg       *config.Config
	store     *store.Store
	index     *keyword.Index
	processor *pipeline.Processor
	hub       *events.Hub
	logger    zerolog.Logger
}

// New creates the API layer.
func New(cfg *config.Config, st *store.Store, index *keyword.Index, processor *pipeline.Processor, hub *events.Hub) *API {
	return &API{
		cfg:       cfg,
		store:     st,
		index:     index,
		processor: processor,
		hub:       hub,
		logger:    observability.GetLogger().With().Str("component", "httpapi").Logger(),
	}
}

// Routes registers every endpoint on the mux.
func (a *API) Routes(mux *http.ServeMux) {
	mux.HandleFunc("POST /audio/sessions", a.createSession)
	mux.HandleFunc("GET /audio/sessions", a.listSessions)
	mux.HandleFunc("GET /audio/sessions/{id}", a.getSession)
	mux.HandleFunc("PUT /audio/sessions/{id}", a.updateSession)
	mux.HandleFunc("GET /audio/sessions/{id}/transcripts", a.listTranscripts)

	mux.HandleFunc("POST /audio/upload", a.uploadAudio)
	mux.HandleFunc("POST /audio/chunks", a.ingestChunk)

	mux.HandleFunc("GET /keywords", a.listKeywords)
	mux.HandleFunc("POST /keywords", a.createKeyword)
	mux.HandleFunc("GET /keywords/{id}", a.getKeyword)
	mux.HandleFunc("PUT /keywords/{id}", a.updateKeyword)
	mux.HandleFunc("DELETE /keywords/{id}", a.deleteKeyword)
	mux.HandleFunc("GET /keywords/{id}/talking-points", a.listTalkingPoints)
	mux.HandleFunc("POST /keywords/{id}/talking-points", a.createTalkingPoint)
	mux.HandleFunc("PUT /talking-points/{id}", a.updateTalkingPoint)
	mux.HandleFunc("DELETE /talking-points/{id}", a.deleteTalkingPoint)

	mux.HandleFunc("GET /ws/connect/{session_id}", a.connectWS)
}

type sessionResponse struct {
	ID          int64    `json:"id"`
	SessionID   string   `json:"session_id"`
	Title       string   `json:"title"`
	Description string   `json:"description"`
	Status      string   `json:"status"`
	Duration    *float64 `json:"duration"`
	CreatedAt   string   `json:"created_at"`
	UpdatedAt   string   `json:"updated_at"`
}

type transcriptResponse struct {
	ID            int64           `json:"id"`
	SessionID     int64           `json:"session_id"`
	AudioFilePath string          `json:"audio_file_path,omitempty"`
	Text          string          `json:"text"`
	Language      string          `json:"language"`
	Duration      *float64        `json:"duration"`
	Metadata      json.RawMessage `json:"metadata,omitempty"`
	CreatedAt     string          `json:"created_at"`
}

type keywordResponse struct {
	ID          int64   `json:"id"`
	Text        string  `json:"text"`
	Description string  `json:"description"`
	Threshold   float64 `json:"threshold"`
}

type talkingPointResponse struct {
	ID        int64  `json:"id"`
	KeywordID int64  `json:"keyword_id"`
	Title     string `json:"title"`
	Content   string `json:"content"`
	Priority  int    `json:"priority"`
}

func toSessionResponse(s *store.Session) sessionResponse {
	return sessionResponse{
		ID:          s.ID,
		SessionID:   s.SessionID,
		Title:       s.Title,
		Description: s.Description,
		Status:      s.Status,
		Duration:    s.Duration,
		CreatedAt:   s.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt:   s.UpdatedAt.UTC().Format(time.RFC3339),
	}
}

func toKeywordResponse(k *store.Keyword) keywordResponse {
	return keywordResponse{ID: k.ID, Text: k.Text, Description: k.Description, Threshold: k.Threshold}
}

func toTalkingPointResponse(tp *store.TalkingPoint) talkingPointResponse {
	return talkingPointResponse{ID: tp.ID, KeywordID: tp.KeywordID, Title: tp.Title, Content: tp.Content, Priority: tp.Priority}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// --- sessions ---

func (a *API) createSession(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Title       string `json:"title"`
		Description string `json:"description"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.Title) == "" {
		writeError(w, http.StatusBadRequest, "title is required")
		return
	}

	sess, err := a.store.CreateSession(r.Context(), req.Title, req.Description)
	if err != nil {
		a.logger.Error().Err(err).Msg("Failed to create session")
		writeError(w, http.StatusInternalServerError, "failed to create session")
		return
	}
	writeJSON(w, http.StatusCreated, toSessionResponse(sess))
}

func (a *API) listSessions(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))

	sessions, err := a.store.ListSessions(r.Context(), limit, offset)
	if err != nil {
		a.logger.Error().Err(err).Msg("Failed to list sessions")
		writeError(w, http.StatusInternalServerError, "failed to list sessions")
		return
	}

	out := make([]sessionResponse, 0, len(sessions))
	for i := range sessions {
		out = append(out, toSessionResponse(&sessions[i]))
	}
	writeJSON(w, http.StatusOK, out)
}

func (a *API) getSession(w http.ResponseWriter, r *http.Request) {
	sess, ok := a.lookupSession(w, r, r.PathValue("id"))
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, toSessionResponse(sess))
}

func (a *API) updateSession(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Title       *string `json:"title"`
		Description *string `json:"description"`
		Status      *string `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if req.Status != nil {
		switch *req.Status {
		case store.SessionActive, store.SessionCompleted, store.SessionError:
		default:
			writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid status %q", *req.Status))
			return
		}
	}

	sess, err := a.store.UpdateSession(r.Context(), r.PathValue("id"), store.SessionUpdate{
		Title:       req.Title,
		Description: req.Description,
		Status:      req.Status,
	})
	if err != nil {
		a.logger.Error().Err(err).Msg("Failed to update session")
		writeError(w, http.StatusInternalServerError, "failed to update session")
		return
	}
	if sess == nil {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	writeJSON(w, http.StatusOK, toSessionResponse(sess))
}

func (a *API) listTranscripts(w http.ResponseWriter, r *http.Request) {
	sess, ok := a.lookupSession(w, r, r.PathValue("id"))
	if !ok {
		return
	}

	transcripts, err := a.store.TranscriptsBySession(r.Context(), sess.SessionID)
	if err != nil {
		a.logger.Error().Err(err).Msg("Failed to list transcripts")
		writeError(w, http.StatusInternalServerError, "failed to list transcripts")
		return
	}

	startFilter, err := parseTimeParam(r, "start_time")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	endFilter, err := parseTimeParam(r, "end_time")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	out := make([]transcriptResponse, 0, len(transcripts))
	for _, t := range transcripts {
		if startFilter != nil && t.CreatedAt.Before(*startFilter) {
			continue
		}
		if endFilter != nil && t.CreatedAt.After(*endFilter) {
			continue
		}
		out = append(out, transcriptResponse{
			ID:            t.ID,
			SessionID:     t.SessionID,
			AudioFilePath: t.AudioFilePath,
			Text:          t.Text,
			Language:      t.Language,
			Duration:      t.Duration,
			Metadata:      t.Metadata,
			CreatedAt:     t.CreatedAt.UTC().Format(time.RFC3339),
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func parseTimeParam(r *http.Request, name string) (*time.Time, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return nil, fmt.Errorf("invalid %s: expected RFC3339 timestamp", name)
	}
	return &t, nil
}

// --- audio ingestion ---

func (a *API) uploadAudio(w http.ResponseWriter, r *http.Request) {
	maxBytes := int64(a.cfg.MaxAudioSizeMB) << 20
	r.Body = http.MaxBytesReader(w, r.Body, maxBytes+1)

	if err := r.ParseMultipartForm(maxBytes); err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, fmt.Sprintf("audio exceeds %d MB limit", a.cfg.MaxAudioSizeMB))
		return
	}

	sessionID := r.FormValue("session_id")
	sess, ok := a.lookupSession(w, r, sessionID)
	if !ok {
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "missing file field")
		return
	}
	defer file.Close()

	ext := strings.TrimPrefix(strings.ToLower(filepath.Ext(header.Filename)), ".")
	if !a.cfg.SupportsFormat(ext) {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unsupported audio format %q", ext))
		return
	}

	audio, err := io.ReadAll(io.LimitReader(file, maxBytes+1))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to read audio")
		return
	}
	if int64(len(audio)) > maxBytes {
		writeError(w, http.StatusRequestEntityTooLarge, fmt.Sprintf("audio exceeds %d MB limit", a.cfg.MaxAudioSizeMB))
		return
	}

	path, err := a.saveAudio(sess.SessionID, ext, audio)
	if err != nil {
		a.logger.Error().Err(err).Str("session_id", sess.SessionID).Msg("Failed to store uploaded audio")
		writeError(w, http.StatusInternalServerError, "failed to store audio")
		return
	}

	// Transcription runs in the background; the client watches the websocket
	// feed for progress.
	go func() {
		if err := a.processor.ProcessFile(context.Background(), sess.SessionID, audio, path); err != nil {
			a.logger.Error().Err(err).Str("session_id", sess.SessionID).Msg("Background file processing failed")
		}
	}()

	writeJSON(w, http.StatusAccepted, map[string]any{
		"status":     "processing",
		"session_id": sess.SessionID,
		"file_path":  path,
	})
}

func (a *API) ingestChunk(w http.ResponseWriter, r *http.Request) {
	maxBytes := int64(a.cfg.MaxAudioSizeMB) << 20
	r.Body = http.MaxBytesReader(w, r.Body, maxBytes+1)

	if err := r.ParseMultipartForm(maxBytes); err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, fmt.Sprintf("chunk exceeds %d MB limit", a.cfg.MaxAudioSizeMB))
		return
	}

	sess, ok := a.lookupSession(w, r, r.FormValue("session_id"))
	if !ok {
		return
	}

	sequence, err := strconv.ParseInt(r.FormValue("sequence_number"), 10, 64)
	if err != nil || sequence < 0 {
		writeError(w, http.StatusBadRequest, "sequence_number must be a non-negative integer")
		return
	}

	timestamp := 0.0
	if raw := r.FormValue("timestamp"); raw != "" {
		timestamp, err = strconv.ParseFloat(raw, 64)
		if err != nil || timestamp < 0 {
			writeError(w, http.StatusBadRequest, "timestamp must be a non-negative number of seconds")
			return
		}
	}

	isFinal := false
	if raw := r.FormValue("is_final"); raw != "" {
		isFinal, err = strconv.ParseBool(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "is_final must be a boolean")
			return
		}
	}

	file, _, err := r.FormFile("audio_chunk")
	if err != nil {
		writeError(w, http.StatusBadRequest, "missing audio_chunk field")
		return
	}
	defer file.Close()

	audio, err := io.ReadAll(io.LimitReader(file, maxBytes+1))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to read chunk")
		return
	}
	if int64(len(audio)) > maxBytes {
		writeError(w, http.StatusRequestEntityTooLarge, fmt.Sprintf("chunk exceeds %d MB limit", a.cfg.MaxAudioSizeMB))
		return
	}
	if len(audio) == 0 {
		writeError(w, http.StatusBadRequest, "empty audio chunk")
		return
	}

	// Terminal chunk audio is kept on disk; its path lands on the transcript.
	audioPath := ""
	if isFinal {
		audioPath, err = a.saveAudio(sess.SessionID, "wav", audio)
		if err != nil {
			a.logger.Warn().Err(err).Str("session_id", sess.SessionID).Msg("Failed to persist terminal chunk audio")
			audioPath = ""
		}
	}

	chunk := pipeline.Chunk{
		SessionID: sess.SessionID,
		Sequence:  sequence,
		Timestamp: timestamp,
		Final:     isFinal,
		Audio:     audio,
		AudioPath: audioPath,
	}
	go func() {
		if err := a.processor.ProcessChunk(context.Background(), chunk); err != nil {
			a.logger.Error().Err(err).
				Str("session_id", chunk.SessionID).
				Int64("sequence", chunk.Sequence).
				Msg("Background chunk processing failed")
		}
	}()

	writeJSON(w, http.StatusAccepted, map[string]any{
		"status":          "accepted",
		"session_id":      sess.SessionID,
		"sequence_number": sequence,
		"is_final":        isFinal,
	})
}

func (a *API) saveAudio(sessionID, ext string, audio []byte) (string, error) {
	dir := filepath.Join(a.cfg.AudioStoragePath, sessionID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("creating audio directory: %w", err)
	}
	path := filepath.Join(dir, fmt.Sprintf("%s.%s", uuid.New().String(), ext))
	if err := os.WriteFile(path, audio, 0o644); err != nil {
		return "", fmt.Errorf("writing audio file: %w", err)
	}
	return path, nil
}

// lookupSession resolves a session id or writes a 400/404/500 response.
func (a *API) lookupSession(w http.ResponseWriter, r *http.Request, sessionID string) (*store.Session, bool) {
	if sessionID == "" {
		writeError(w, http.StatusBadRequest, "session_id is required")
		return nil, false
	}
	sess, err := a.store.GetSession(r.Context(), sessionID)
	if err != nil {
		a.logger.Error().Err(err).Str("session_id", sessionID).Msg("Failed to look up session")
		writeError(w, http.StatusInternalServerError, "failed to look up session")
		return nil, false
	}
	if sess == nil {
		writeError(w, http.StatusNotFound, "session not found")
		return nil, false
	}
	return sess, true
}

// --- keywords ---

func (a *API) listKeywords(w http.ResponseWriter, r *http.Request) {
	keywords, err := a.store.ListKeywords(r.Context())
	if err != nil {
		a.logger.Error().Err(err).Msg("Failed to list keywords")
		writeError(w, http.StatusInternalServerError, "failed to list keywords")
		return
	}
	out := make([]keywordResponse, 0, len(keywords))
	for i := range keywords {
		out = append(out, toKeywordResponse(&keywords[i]))
	}
	writeJSON(w, http.StatusOK, out)
}

func (a *API) createKeyword(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Text        string   `json:"text"`
		Description string   `json:"description"`
		Threshold   *float64 `json:"threshold"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		writeError(w, http.StatusBadRequest, "text is required")
		return
	}

	threshold := a.cfg.DefaultKeywordThreshold
	if req.Threshold != nil {
		threshold = *req.Threshold
	}
	if threshold < 0 || threshold > 1 {
		writeError(w, http.StatusBadRequest, "threshold must be between 0 and 1")
		return
	}

	if existing, err := a.store.GetKeywordByText(r.Context(), req.Text); err == nil && existing != nil {
		writeError(w, http.StatusConflict, "keyword already exists")
		return
	}

	kw, err := a.store.CreateKeyword(r.Context(), req.Text, req.Description, threshold)
	if err != nil {
		a.logger.Error().Err(err).Msg("Failed to create keyword")
		writeError(w, http.StatusInternalServerError, "failed to create keyword")
		return
	}
	a.reloadIndex(r.Context())
	writeJSON(w, http.StatusCreated, toKeywordResponse(kw))
}

func (a *API) getKeyword(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	kw, err := a.store.GetKeyword(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to look up keyword")
		return
	}
	if kw == nil {
		writeError(w, http.StatusNotFound, "keyword not found")
		return
	}
	writeJSON(w, http.StatusOK, toKeywordResponse(kw))
}

func (a *API) updateKeyword(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req struct {
		Text        *string  `json:"text"`
		Description *string  `json:"description"`
		Threshold   *float64 `json:"threshold"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Threshold != nil && (*req.Threshold < 0 || *req.Threshold > 1) {
		writeError(w, http.StatusBadRequest, "threshold must be between 0 and 1")
		return
	}

	kw, err := a.store.UpdateKeyword(r.Context(), id, store.KeywordUpdate{
		Text:        req.Text,
		Description: req.Description,
		Threshold:   req.Threshold,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to update keyword")
		return
	}
	if kw == nil {
		writeError(w, http.StatusNotFound, "keyword not found")
		return
	}
	a.reloadIndex(r.Context())
	writeJSON(w, http.StatusOK, toKeywordResponse(kw))
}

func (a *API) deleteKeyword(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	deleted, err := a.store.DeleteKeyword(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to delete keyword")
		return
	}
	if !deleted {
		writeError(w, http.StatusNotFound, "keyword not found")
		return
	}
	a.reloadIndex(r.Context())
	w.WriteHeader(http.StatusNoContent)
}

// --- talking points ---

func (a *API) listTalkingPoints(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	points, err := a.store.TalkingPointsByKeyword(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list talking points")
		return
	}
	out := make([]talkingPointResponse, 0, len(points))
	for i := range points {
		out = append(out, toTalkingPointResponse(&points[i]))
	}
	writeJSON(w, http.StatusOK, out)
}

func (a *API) createTalkingPoint(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	kw, err := a.store.GetKeyword(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to look up keyword")
		return
	}
	if kw == nil {
		writeError(w, http.StatusNotFound, "keyword not found")
		return
	}

	var req struct {
		Title    string `json:"title"`
		Content  string `json:"content"`
		Priority int    `json:"priority"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.Title) == "" {
		writeError(w, http.StatusBadRequest, "title is required")
		return
	}

	tp, err := a.store.CreateTalkingPoint(r.Context(), id, req.Title, req.Content, req.Priority)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to create talking point")
		return
	}
	a.reloadIndex(r.Context())
	writeJSON(w, http.StatusCreated, toTalkingPointResponse(tp))
}

func (a *API) updateTalkingPoint(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req struct {
		Title    *string `json:"title"`
		Content  *string `json:"content"`
		Priority *int    `json:"priority"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	tp, err := a.store.UpdateTalkingPoint(r.Context(), id, store.TalkingPointUpdate{
		Title:    req.Title,
		Content:  req.Content,
		Priority: req.Priority,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to update talking point")
		return
	}
	if tp == nil {
		writeError(w, http.StatusNotFound, "talking point not found")
		return
	}
	a.reloadIndex(r.Context())
	writeJSON(w, http.StatusOK, toTalkingPointResponse(tp))
}

func (a *API) deleteTalkingPoint(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	deleted, err := a.store.DeleteTalkingPoint(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to delete talking point")
		return
	}
	if !deleted {
		writeError(w, http.StatusNotFound, "talking point not found")
		return
	}
	a.reloadIndex(r.Context())
	w.WriteHeader(http.StatusNoContent)
}

// reloadIndex refreshes the in-memory matcher after any keyword mutation.
// Failures keep the previous snapshot, so detection continues on stale data
// rather than stopping.
func (a *API) reloadIndex(ctx context.Context) {
	if err := a.index.Load(ctx); err != nil {
		a.logger.Warn().Err(err).Msg("Keyword index reload failed, keeping previous snapshot")
	}
}

func pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "invalid id")
		return 0, false
	}
	return id, true
}
