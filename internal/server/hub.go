package server

import (
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/waterbug/repsync/pkg/api"
)

// Hub fans repository events out to connected sessions. Sessions register
// once after the handshake and pick their topics via Subscribe; Broadcast
// delivers one frame to every subscriber of a topic except the session the
// change originated from (it already knows).
type Hub struct {
	logger *slog.Logger

	mu       sync.RWMutex
	sessions map[*Session]struct{}
	topics   map[string]map[*Session]struct{}
}

func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		logger:   logger,
		sessions: make(map[*Session]struct{}),
		topics:   make(map[string]map[*Session]struct{}),
	}
}

// Register adds a session to the hub. Until Subscribe is called the session
// receives nothing.
func (h *Hub) Register(sess *Session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sessions[sess] = struct{}{}
}

// Unregister drops the session from every topic. Safe to call for a session
// that was never registered.
func (h *Hub) Unregister(sess *Session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.sessions, sess)
	for topic, subs := range h.topics {
		delete(subs, sess)
		if len(subs) == 0 {
			delete(h.topics, topic)
		}
	}
}

// Subscribe adds the session to the given topics. Duplicate subscriptions
// are no-ops; unknown sessions are registered implicitly.
func (h *Hub) Subscribe(sess *Session, topics []string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sessions[sess] = struct{}{}
	for _, topic := range topics {
		subs, ok := h.topics[topic]
		if !ok {
			subs = make(map[*Session]struct{})
			h.topics[topic] = subs
		}
		subs[sess] = struct{}{}
	}
}

// Broadcast marshals payload once and queues an event frame on every
// subscriber of topic except the originating session. Slow sessions drop
// frames rather than stall the hub; the client resolves any gap on its
// next periodic sync.
func (h *Hub) Broadcast(topic, subject string, payload any, except *Session) {
	raw, err := json.Marshal(payload)
	if err != nil {
		h.logger.Error("event payload marshal failed", "topic", topic, "subject", subject, "error", err)
		return
	}
	env := &api.Envelope{
		Type:    api.FrameEvent,
		Topic:   topic,
		Subject: subject,
		Payload: raw,
	}

	h.mu.RLock()
	targets := make([]*Session, 0, len(h.topics[topic]))
	for sess := range h.topics[topic] {
		if sess != except {
			targets = append(targets, sess)
		}
	}
	h.mu.RUnlock()

	dropped := 0
	for _, sess := range targets {
		if !sess.deliver(env) {
			dropped++
		}
	}
	if dropped > 0 {
		h.logger.Warn("event dropped for slow sessions", "topic", topic, "subject", subject, "sessions", dropped)
	}
}

// Shutdown asks every connected session to close. Used on server stop;
// the HTTP shutdown path does not reach hijacked websocket connections.
func (h *Hub) Shutdown() {
	h.mu.RLock()
	sessions := make([]*Session, 0, len(h.sessions))
	for sess := range h.sessions {
		sessions = append(sessions, sess)
	}
	h.mu.RUnlock()

	for _, sess := range sessions {
		sess.shutdown()
	}
}

// Count reports the number of registered sessions.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}
