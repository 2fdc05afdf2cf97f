package events

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/darango91/aiaudiopipeline/internal/observability"
)

// Sink is a live subscriber handle. The hub treats it opaquely: it only needs
// to push serialized payloads and learn of failure through the returned error.
// The transport layer owns the handle's lifetime.
type Sink interface {
	Send(data []byte) error
}

// Broker extends fan-out across processes. Optional; a nil broker means
// single-process delivery only.
type Broker interface {
	Publish(ctx context.Context, topic string, payload []byte) error
}

// Hub maintains the per-session registry of live subscribers and delivers
// events to all of them, pruning handles whose delivery fails.
type Hub struct {
	mu          sync.RWMutex
	subscribers map[string]map[Sink]struct{}

	broker Broker
	logger zerolog.Logger
}

// NewHub creates a hub. broker may be nil.
func NewHub(broker Broker, logger zerolog.Logger) *Hub {
	return &Hub{
		subscribers: make(map[string]map[Sink]struct{}),
		broker:      broker,
		logger:      logger,
	}
}

// Subscribe registers a sink under a session. Idempotent.
func (h *Hub) Subscribe(sessionID string, sink Sink) {
	h.mu.Lock()
	defer h.mu.Unlock()

	set, ok := h.subscribers[sessionID]
	if !ok {
		set = make(map[Sink]struct{})
		h.subscribers[sessionID] = set
	}
	if _, exists := set[sink]; exists {
		return
	}
	set[sink] = struct{}{}
	observability.RecordSubscriberAdded()
}

// Unsubscribe removes a sink; empty session entries are removed entirely so
// abandoned sessions do not leak registry slots.
func (h *Hub) Unsubscribe(sessionID string, sink Sink) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(sessionID, sink, false)
}

// SubscriberCount returns the number of live sinks for a session.
func (h *Hub) SubscriberCount(sessionID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers[sessionID])
}

// Publish delivers an event to every current subscriber of its session and
// forwards it to the broker when one is configured. Delivery is best-effort
// and independent per sink: one dead subscriber never blocks the rest, and
// broker failure never blocks local delivery. Events are not queued or
// replayed.
func (h *Hub) Publish(ctx context.Context, event Event) {
	data, err := event.Marshal()
	if err != nil {
		h.logger.Error().Err(err).Str("type", string(event.Type)).Msg("Failed to serialize event")
		observability.RecordError("event_marshal", "events")
		return
	}

	observability.RecordEventPublished(string(event.Type))
	h.deliver(event.SessionID, data)

	if h.broker != nil {
		if err := h.broker.Publish(ctx, Topic(event.SessionID), data); err != nil {
			h.logger.Warn().Err(err).
				Str("session_id", event.SessionID).
				Msg("Broker publish failed, local delivery unaffected")
			observability.RecordError("broker_publish", "events")
		}
	}
}

// DeliverLocal pushes an already-serialized event to local subscribers only.
// Used by the broker bridge when replaying events from other processes.
func (h *Hub) DeliverLocal(sessionID string, data []byte) {
	h.deliver(sessionID, data)
}

func (h *Hub) deliver(sessionID string, data []byte) {
	// Stable snapshot: concurrent subscribe/unsubscribe must not corrupt the
	// delivery pass, and the registry is never mutated while iterating.
	h.mu.RLock()
	sinks := make([]Sink, 0, len(h.subscribers[sessionID]))
	for sink := range h.subscribers[sessionID] {
		sinks = append(sinks, sink)
	}
	h.mu.RUnlock()

	var failed []Sink
	for _, sink := range sinks {
		if err := sink.Send(data); err != nil {
			h.logger.Warn().Err(err).
				Str("session_id", sessionID).
				Msg("Subscriber delivery failed, pruning")
			failed = append(failed, sink)
		}
	}

	if len(failed) == 0 {
		return
	}

	h.mu.Lock()
	for _, sink := range failed {
		h.removeLocked(sessionID, sink, true)
	}
	h.mu.Unlock()
}

// removeLocked removes a sink; caller holds h.mu.
func (h *Hub) removeLocked(sessionID string, sink Sink, pruned bool) {
	set, ok := h.subscribers[sessionID]
	if !ok {
		return
	}
	if _, exists := set[sink]; !exists {
		return
	}
	delete(set, sink)
	if len(set) == 0 {
		delete(h.subscribers, sessionID)
	}
	if pruned {
		observability.RecordSubscriberPruned()
	} else {
		observability.RecordSubscriberRemoved()
	}
}
