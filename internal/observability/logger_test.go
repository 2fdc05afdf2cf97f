package observability

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

func TestWithSessionTagsEveryLine(t *testing.T) {
	var buf bytes.Buffer
	logger := WithSession("sess-123").Output(&buf)

	logger.Info().Msg("subscriber connected")

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("Expected JSON log line, got %q: %v", buf.String(), err)
	}
	if line["session_id"] != "sess-123" {
		t.Errorf("Expected session_id on the line, got %v", line["session_id"])
	}
}

func TestNewCorrelationIDUnique(t *testing.T) {
	a, b := NewCorrelationID(), NewCorrelationID()
	if a == b {
		t.Error("Expected distinct correlation IDs")
	}
	if strings.TrimSpace(a) == "" {
		t.Error("Expected a non-empty correlation ID")
	}
}
