// Package presence implements the presence registry: the
// live agent_id → session index every other component (router, mailbox
// fallback, HTTP /api/agents) reads to find out who's connected.
package presence

import (
	"sync"
	"time"

	"github.com/agentcom/hub/internal/bus"
)

// SessionHandle is the subset of a live session the registry needs to push
// asynchronous frames to a connected agent. internal/session implements
// this; keeping it as an interface here lets presence stay independent of
// the WebSocket transport.
type SessionHandle interface {
	AgentID() string
	Push(frameType string, payload any) error
}

// Entry is a snapshot of one agent's presence state.
type Entry struct {
	AgentID    string
	Meta       map[string]any
	Status     string
	LastSeenMS int64
	Handle     SessionHandle
}

// Registry tracks connected agents and publishes join/leave/status events.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*Entry
	bus     *bus.Bus
	now     func() time.Time
}

// New creates a Registry that publishes events on b.
func New(b *bus.Bus) *Registry {
	return &Registry{
		entries: make(map[string]*Entry),
		bus:     b,
		now:     time.Now,
	}
}

// Register records agent_id as present with meta. Idempotent: a second
// call for an already-present agent updates its metadata and handle
// in place rather than erroring.
func (r *Registry) Register(agentID string, meta map[string]any, handle SessionHandle) {
	r.mu.Lock()
	_, existed := r.entries[agentID]
	r.entries[agentID] = &Entry{
		AgentID:    agentID,
		Meta:       meta,
		Status:     "online",
		LastSeenMS: r.now().UnixMilli(),
		Handle:     handle,
	}
	r.mu.Unlock()

	evtType := "agent_joined"
	if existed {
		evtType = "agent_updated"
	}
	r.bus.Publish("presence", map[string]any{"type": evtType, "agent_id": agentID, "meta": meta})
}

// Unregister removes agent_id from the registry and publishes agent_left.
func (r *Registry) Unregister(agentID string) {
	r.mu.Lock()
	_, ok := r.entries[agentID]
	delete(r.entries, agentID)
	r.mu.Unlock()

	if ok {
		r.bus.Publish("presence", map[string]any{"type": "agent_left", "agent_id": agentID})
	}
}

// Touch updates last_seen_ms for agentID without publishing an event.
func (r *Registry) Touch(agentID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[agentID]; ok {
		e.LastSeenMS = r.now().UnixMilli()
	}
}

// UpdateStatus changes an agent's reported status and publishes
// status_changed.
func (r *Registry) UpdateStatus(agentID, status string) {
	r.mu.Lock()
	e, ok := r.entries[agentID]
	if ok {
		e.Status = status
		e.LastSeenMS = r.now().UnixMilli()
	}
	r.mu.Unlock()

	if ok {
		r.bus.Publish("presence", map[string]any{"type": "status_changed", "agent_id": agentID, "status": status})
	}
}

// List returns a snapshot of every currently registered entry.
func (r *Registry) List() []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Entry, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, *e)
	}
	return out
}

// Lookup returns the session handle for agentID, or nil if offline.
func (r *Registry) Lookup(agentID string) SessionHandle {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, ok := r.entries[agentID]; ok {
		return e.Handle
	}
	return nil
}

// Present reports whether agentID currently has a live session.
func (r *Registry) Present(agentID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.entries[agentID]
	return ok
}
