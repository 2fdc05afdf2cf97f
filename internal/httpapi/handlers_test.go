package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/darango91/aiaudiopipeline/internal/config"
	"github.com/darango91/aiaudiopipeline/internal/events"
	"github.com/darango91/aiaudiopipeline/internal/keyword"
	"github.com/darango91/aiaudiopipeline/internal/pipeline"
	"github.com/darango91/aiaudiopipeline/internal/store"
	"github.com/darango91/aiaudiopipeline/internal/transcribe"
)

type echoTranscriber struct{}

func (echoTranscriber) Transcribe(ctx context.Context, audio []byte) (*transcribe.Result, error) {
	text := string(audio)
	return &transcribe.Result{
		Segments: []transcribe.Segment{{Text: text, Start: 0, End: float64(len(text)), Confidence: 0.9}},
		Language: "en",
		Duration: float64(len(text)),
	}, nil
}

type testEnv struct {
	api   *API
	store *store.Store
	index *keyword.Index
	mux   *http.ServeMux
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	dir := t.TempDir()
	st, err := store.Open(filepath.Join(dir, "test.sqlite"))
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	cfg := &config.Config{
		MaxAudioSizeMB:          1,
		SupportedAudioFormats:   []string{"wav", "mp3"},
		DefaultKeywordThreshold: 0.7,
		AudioStoragePath:        filepath.Join(dir, "audio"),
	}

	index := keyword.NewIndex(st, cfg.DefaultKeywordThreshold, zerolog.Nop())
	if err := index.Load(context.Background()); err != nil {
		t.Fatalf("Failed to load index: %v", err)
	}

	hub := events.NewHub(nil, zerolog.Nop())
	sequencer := pipeline.NewSequencer(zerolog.Nop())
	processor := pipeline.NewProcessor(echoTranscriber{}, index, sequencer, st, hub, 5*time.Second)

	api := New(cfg, st, index, processor, hub)
	mux := http.NewServeMux()
	api.Routes(mux)

	return &testEnv{api: api, store: st, index: index, mux: mux}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("Failed to marshal request body: %v", err)
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	e.mux.ServeHTTP(rec, req)
	return rec
}

func (e *testEnv) createSession(t *testing.T, title string) string {
	t.Helper()
	rec := e.do(t, http.MethodPost, "/audio/sessions", map[string]string{"title": title})
	if rec.Code != http.StatusCreated {
		t.Fatalf("Expected 201 creating session, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		SessionID string `json:"session_id"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to decode session response: %v", err)
	}
	return resp.SessionID
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("Condition not met before timeout")
}

func TestSessionLifecycle(t *testing.T) {
	env := newTestEnv(t)

	sessionID := env.createSession(t, "Discovery call")

	rec := env.do(t, http.MethodGet, "/audio/sessions/"+sessionID, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200 fetching session, got %d", rec.Code)
	}
	var got struct {
		Title  string `json:"title"`
		Status string `json:"status"`
	}
	json.Unmarshal(rec.Body.Bytes(), &got)
	if got.Title != "Discovery call" || got.Status != store.SessionActive {
		t.Errorf("Unexpected session response: %+v", got)
	}

	rec = env.do(t, http.MethodPut, "/audio/sessions/"+sessionID, map[string]string{"title": "Renamed"})
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200 updating session, got %d", rec.Code)
	}
	json.Unmarshal(rec.Body.Bytes(), &got)
	if got.Title != "Renamed" {
		t.Errorf("Expected updated title, got %q", got.Title)
	}
}

func TestGetUnknownSessionReturns404(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/audio/sessions/does-not-exist", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("Expected 404, got %d", rec.Code)
	}
}

func TestCreateSessionRequiresTitle(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/audio/sessions", map[string]string{"title": "  "})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for blank title, got %d", rec.Code)
	}
}

func TestUpdateSessionRejectsInvalidStatus(t *testing.T) {
	env := newTestEnv(t)
	sessionID := env.createSession(t, "s")

	rec := env.do(t, http.MethodPut, "/audio/sessions/"+sessionID, map[string]string{"status": "paused"})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for unknown status, got %d", rec.Code)
	}
}

func TestKeywordCRUDReloadsIndex(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/keywords", map[string]any{"text": "pricing", "description": "money talk"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("Expected 201 creating keyword, got %d: %s", rec.Code, rec.Body.String())
	}
	var kw struct {
		ID        int64   `json:"id"`
		Threshold float64 `json:"threshold"`
	}
	json.Unmarshal(rec.Body.Bytes(), &kw)
	if kw.Threshold != 0.7 {
		t.Errorf("Expected default threshold 0.7, got %v", kw.Threshold)
	}
	if env.index.Size() != 1 {
		t.Errorf("Expected index reloaded after create, size=%d", env.index.Size())
	}

	// Duplicate text is rejected.
	rec = env.do(t, http.MethodPost, "/keywords", map[string]any{"text": "Pricing"})
	if rec.Code != http.StatusConflict {
		t.Errorf("Expected 409 for duplicate keyword, got %d", rec.Code)
	}

	rec = env.do(t, http.MethodDelete, fmt.Sprintf("/keywords/%d", kw.ID), nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("Expected 204 deleting keyword, got %d", rec.Code)
	}
	if env.index.Size() != 0 {
		t.Errorf("Expected index reloaded after delete, size=%d", env.index.Size())
	}
}

func TestCreateKeywordValidatesThreshold(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/keywords", map[string]any{"text": "x", "threshold": 1.5})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for out-of-range threshold, got %d", rec.Code)
	}
}

func TestTalkingPointCRUD(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/keywords", map[string]any{"text": "budget"})
	var kw struct {
		ID int64 `json:"id"`
	}
	json.Unmarshal(rec.Body.Bytes(), &kw)

	rec = env.do(t, http.MethodPost, fmt.Sprintf("/keywords/%d/talking-points", kw.ID), map[string]any{
		"title": "ROI", "content": "lead with savings", "priority": 2,
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("Expected 201 creating talking point, got %d: %s", rec.Code, rec.Body.String())
	}
	var tp struct {
		ID int64 `json:"id"`
	}
	json.Unmarshal(rec.Body.Bytes(), &tp)

	rec = env.do(t, http.MethodGet, fmt.Sprintf("/keywords/%d/talking-points", kw.ID), nil)
	var points []talkingPointResponse
	json.Unmarshal(rec.Body.Bytes(), &points)
	if len(points) != 1 || points[0].Title != "ROI" {
		t.Errorf("Unexpected talking points: %+v", points)
	}

	rec = env.do(t, http.MethodDelete, fmt.Sprintf("/talking-points/%d", tp.ID), nil)
	if rec.Code != http.StatusNoContent {
		t.Errorf("Expected 204 deleting talking point, got %d", rec.Code)
	}
}

func multipartBody(t *testing.T, fields map[string]string, fileField, filename string, audio []byte) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, v := range fields {
		if err := mw.WriteField(k, v); err != nil {
			t.Fatalf("Failed to write form field: %v", err)
		}
	}
	if fileField != "" {
		fw, err := mw.CreateFormFile(fileField, filename)
		if err != nil {
			t.Fatalf("Failed to create form file: %v", err)
		}
		fw.Write(audio)
	}
	mw.Close()
	return &buf, mw.FormDataContentType()
}

func (e *testEnv) postMultipart(t *testing.T, path string, body *bytes.Buffer, contentType string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	e.mux.ServeHTTP(rec, req)
	return rec
}

func TestUploadRejectsUnknownSession(t *testing.T) {
	env := newTestEnv(t)

	body, ct := multipartBody(t, map[string]string{"session_id": "ghost"}, "file", "a.wav", []byte("x"))
	rec := env.postMultipart(t, "/audio/upload", body, ct)
	if rec.Code != http.StatusNotFound {
		t.Errorf("Expected 404 for unknown session, got %d", rec.Code)
	}
}

func TestUploadRejectsUnsupportedFormat(t *testing.T) {
	env := newTestEnv(t)
	sessionID := env.createSession(t, "s")

	body, ct := multipartBody(t, map[string]string{"session_id": sessionID}, "file", "notes.txt", []byte("x"))
	rec := env.postMultipart(t, "/audio/upload", body, ct)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for unsupported format, got %d", rec.Code)
	}
}

func TestUploadProcessesFileInBackground(t *testing.T) {
	env := newTestEnv(t)
	sessionID := env.createSession(t, "s")

	body, ct := multipartBody(t, map[string]string{"session_id": sessionID}, "file", "call.wav", []byte("full recording"))
	rec := env.postMultipart(t, "/audio/upload", body, ct)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("Expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		Status string `json:"status"`
	}
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp.Status != "processing" {
		t.Errorf("Expected pending status, got %q", resp.Status)
	}

	waitFor(t, 2*time.Second, func() bool {
		transcripts, err := env.store.TranscriptsBySession(context.Background(), sessionID)
		return err == nil && len(transcripts) == 1 && transcripts[0].Text == "full recording"
	})

	transcripts, err := env.store.TranscriptsBySession(context.Background(), sessionID)
	if err != nil || len(transcripts) != 1 {
		t.Fatalf("Expected 1 transcript, got %d (err %v)", len(transcripts), err)
	}
	if !strings.HasPrefix(transcripts[0].AudioFilePath, env.api.cfg.AudioStoragePath) {
		t.Errorf("Expected stored audio path on the transcript, got %q", transcripts[0].AudioFilePath)
	}
}

type collectingSink struct {
	messages chan []byte
}

func (s *collectingSink) Send(data []byte) error {
	s.messages <- data
	return nil
}

func TestChunkIngestionAssemblesTranscript(t *testing.T) {
	env := newTestEnv(t)
	sessionID := env.createSession(t, "s")

	sink := &collectingSink{messages: make(chan []byte, 16)}
	env.api.hub.Subscribe(sessionID, sink)

	post := func(seq string, final string, audio []byte) *httptest.ResponseRecorder {
		body, ct := multipartBody(t, map[string]string{
			"session_id":      sessionID,
			"sequence_number": seq,
			"timestamp":       "0",
			"is_final":        final,
		}, "audio_chunk", "chunk.wav", audio)
		return env.postMultipart(t, "/audio/chunks", body, ct)
	}

	if rec := post("0", "false", []byte("hello")); rec.Code != http.StatusAccepted {
		t.Fatalf("Expected 202 for chunk 0, got %d: %s", rec.Code, rec.Body.String())
	}

	// Chunks are processed asynchronously; wait for chunk 0's partial event
	// so the terminal chunk cannot outrun it.
	select {
	case data := <-sink.messages:
		var msg struct {
			Type string `json:"type"`
		}
		json.Unmarshal(data, &msg)
		if msg.Type != "partial_transcription" {
			t.Fatalf("Expected partial_transcription first, got %s", data)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Timed out waiting for partial_transcription")
	}

	if rec := post("1", "true", []byte("world")); rec.Code != http.StatusAccepted {
		t.Fatalf("Expected 202 for terminal chunk, got %d", rec.Code)
	}

	waitFor(t, 2*time.Second, func() bool {
		transcripts, err := env.store.TranscriptsBySession(context.Background(), sessionID)
		return err == nil && len(transcripts) == 1 && transcripts[0].Text == "hello world"
	})

	transcripts, err := env.store.TranscriptsBySession(context.Background(), sessionID)
	if err != nil || len(transcripts) != 1 {
		t.Fatalf("Expected 1 transcript, got %d (err %v)", len(transcripts), err)
	}
	if !strings.HasPrefix(transcripts[0].AudioFilePath, env.api.cfg.AudioStoragePath) {
		t.Errorf("Expected terminal chunk audio path on the transcript, got %q", transcripts[0].AudioFilePath)
	}

	sess, _ := env.store.GetSession(context.Background(), sessionID)
	if sess.Status != store.SessionCompleted {
		t.Errorf("Expected session completed, got %q", sess.Status)
	}
}

func TestChunkIngestionValidatesSequenceNumber(t *testing.T) {
	env := newTestEnv(t)
	sessionID := env.createSession(t, "s")

	body, ct := multipartBody(t, map[string]string{
		"session_id":      sessionID,
		"sequence_number": "nope",
	}, "audio_chunk", "chunk.wav", []byte("x"))
	rec := env.postMultipart(t, "/audio/chunks", body, ct)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for bad sequence_number, got %d", rec.Code)
	}
}

func TestChunkIngestionRejectsEmptyAudio(t *testing.T) {
	env := newTestEnv(t)
	sessionID := env.createSession(t, "s")

	body, ct := multipartBody(t, map[string]string{
		"session_id":      sessionID,
		"sequence_number": "0",
	}, "audio_chunk", "chunk.wav", nil)
	rec := env.postMultipart(t, "/audio/chunks", body, ct)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for empty chunk, got %d", rec.Code)
	}
}

func TestTranscriptTimeFilterRejectsBadTimestamp(t *testing.T) {
	env := newTestEnv(t)
	sessionID := env.createSession(t, "s")

	rec := env.do(t, http.MethodGet, "/audio/sessions/"+sessionID+"/transcripts?start_time=yesterday", nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for bad start_time, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "RFC3339") {
		t.Errorf("Expected format hint in error, got %s", rec.Body.String())
	}
}
