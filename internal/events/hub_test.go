package events

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/rs/zerolog"
)

// fakeSink records delivered payloads and can be made to fail.
type fakeSink struct {
	mu       sync.Mutex
	received [][]byte
	fail     bool
}

func (f *fakeSink) Send(data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return errors.New("send failed")
	}
	f.received = append(f.received, data)
	return nil
}

func (f *fakeSink) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.received)
}

func newTestHub() *Hub {
	return NewHub(nil, zerolog.Nop())
}

func TestSubscribe_Idempotent(t *testing.T) {
	hub := newTestHub()
	sink := &fakeSink{}

	hub.Subscribe("abc", sink)
	hub.Subscribe("abc", sink)

	if hub.SubscriberCount("abc") != 1 {
		t.Errorf("Expected 1 subscriber after duplicate subscribe, got %d", hub.SubscriberCount("abc"))
	}
}

func TestUnsubscribe_RemovesEmptySession(t *testing.T) {
	hub := newTestHub()
	sink := &fakeSink{}

	hub.Subscribe("abc", sink)
	hub.Unsubscribe("abc", sink)

	hub.mu.RLock()
	_, exists := hub.subscribers["abc"]
	hub.mu.RUnlock()
	if exists {
		t.Error("Expected empty session entry to be removed from the registry")
	}
}

func TestPublish_DeliversToAllSubscribers(t *testing.T) {
	hub := newTestHub()
	a := &fakeSink{}
	b := &fakeSink{}
	hub.Subscribe("abc", a)
	hub.Subscribe("abc", b)
	hub.Subscribe("other", &fakeSink{})

	hub.Publish(context.Background(), New(SessionStatus, "abc", map[string]any{"status": "active"}))

	if a.count() != 1 || b.count() != 1 {
		t.Errorf("Expected both subscribers to receive the event, got %d and %d", a.count(), b.count())
	}
}

func TestPublish_WireShape(t *testing.T) {
	hub := newTestHub()
	sink := &fakeSink{}
	hub.Subscribe("abc", sink)

	hub.Publish(context.Background(), New(KeywordDetected, "abc", map[string]any{"keyword": "pricing"}))

	if sink.count() != 1 {
		t.Fatalf("Expected 1 delivery, got %d", sink.count())
	}

	var decoded struct {
		Type      string         `json:"type"`
		SessionID string         `json:"session_id"`
		Timestamp string         `json:"timestamp"`
		Payload   map[string]any `json:"payload"`
	}
	if err := json.Unmarshal(sink.received[0], &decoded); err != nil {
		t.Fatalf("Delivered payload is not valid JSON: %v", err)
	}
	if decoded.Type != "keyword_detected" {
		t.Errorf("Expected type 'keyword_detected', got '%s'", decoded.Type)
	}
	if decoded.SessionID != "abc" {
		t.Errorf("Expected session_id 'abc', got '%s'", decoded.SessionID)
	}
	if decoded.Timestamp == "" {
		t.Error("Expected an ISO-8601 timestamp")
	}
	if decoded.Payload["keyword"] != "pricing" {
		t.Errorf("Expected payload keyword 'pricing', got %v", decoded.Payload["keyword"])
	}
}

func TestPublish_PrunesFailingSubscriber(t *testing.T) {
	hub := newTestHub()
	good1 := &fakeSink{}
	good2 := &fakeSink{}
	bad := &fakeSink{fail: true}
	hub.Subscribe("abc", good1)
	hub.Subscribe("abc", good2)
	hub.Subscribe("abc", bad)

	hub.Publish(context.Background(), New(SessionStatus, "abc", nil))

	if good1.count() != 1 || good2.count() != 1 {
		t.Errorf("Expected healthy subscribers to receive the event, got %d and %d", good1.count(), good2.count())
	}
	if hub.SubscriberCount("abc") != 2 {
		t.Errorf("Expected failing subscriber to be pruned, registry has %d", hub.SubscriberCount("abc"))
	}

	// Second publish reaches only the two survivors.
	hub.Publish(context.Background(), New(SessionStatus, "abc", nil))
	if good1.count() != 2 || good2.count() != 2 {
		t.Errorf("Expected survivors to receive second event, got %d and %d", good1.count(), good2.count())
	}
	if bad.count() != 0 {
		t.Errorf("Expected failing subscriber to receive nothing, got %d", bad.count())
	}
}

func TestPublish_NoSubscribers(t *testing.T) {
	hub := newTestHub()
	// Must not panic or error with nobody listening.
	hub.Publish(context.Background(), New(Error, "ghost", map[string]any{"error": "x"}))
}

// failingBroker always errors; local delivery must be unaffected.
type failingBroker struct{ calls int }

func (f *failingBroker) Publish(ctx context.Context, topic string, payload []byte) error {
	f.calls++
	return errors.New("broker down")
}

func TestPublish_BrokerFailureDoesNotBlockLocal(t *testing.T) {
	broker := &failingBroker{}
	hub := NewHub(broker, zerolog.Nop())
	sink := &fakeSink{}
	hub.Subscribe("abc", sink)

	hub.Publish(context.Background(), New(SessionStatus, "abc", nil))

	if sink.count() != 1 {
		t.Errorf("Expected local delivery despite broker failure, got %d", sink.count())
	}
	if broker.calls != 1 {
		t.Errorf("Expected broker to be attempted once, got %d", broker.calls)
	}
}

func TestDeliverLocal(t *testing.T) {
	hub := newTestHub()
	sink := &fakeSink{}
	hub.Subscribe("abc", sink)

	hub.DeliverLocal("abc", []byte(`{"type":"session_status"}`))

	if sink.count() != 1 {
		t.Errorf("Expected local delivery, got %d", sink.count())
	}
}

func TestConcurrentSubscribePublish(t *testing.T) {
	hub := newTestHub()

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sink := &fakeSink{}
			for j := 0; j < 50; j++ {
				hub.Subscribe("abc", sink)
				hub.Publish(context.Background(), New(SessionStatus, "abc", nil))
				hub.Unsubscribe("abc", sink)
			}
		}()
	}
	wg.Wait()

	if hub.SubscriberCount("abc") != 0 {
		t.Errorf("Expected empty registry after churn, got %d", hub.SubscriberCount("abc"))
	}
}
