// Package router implements message routing: deciding
// whether an outbound message broadcasts, delivers directly to a live
// session, or bounces as agent_offline.
package router

import (
	"github.com/agentcom/hub/internal/bus"
	"github.com/agentcom/hub/internal/presence"
	aerrors "github.com/agentcom/hub/pkg/errors"
)

// Result describes how a routed message was handled.
type Result string

const (
	ResultBroadcast Result = "broadcast"
	ResultDelivered Result = "delivered"
)

// Router ties the presence registry to the event bus to decide delivery.
type Router struct {
	presence *presence.Registry
	bus      *bus.Bus
}

// New creates a Router over the given presence registry and bus.
func New(p *presence.Registry, b *bus.Bus) *Router {
	return &Router{presence: p, bus: b}
}

// Route delivers msg:
//   - to == "" or "broadcast" -> publish on the "messages" topic
//   - to names a live agent   -> push {type: message, ...} directly to its session
//   - otherwise                -> ErrAgentOffline (caller may fall back to the mailbox)
func (r *Router) Route(to string, msg any) (Result, error) {
	if to == "" || to == "broadcast" {
		r.bus.Publish("messages", msg)
		return ResultBroadcast, nil
	}

	handle := r.presence.Lookup(to)
	if handle == nil {
		return "", aerrors.ErrAgentOffline
	}
	if err := handle.Push("message", msg); err != nil {
		return "", err
	}
	return ResultDelivered, nil
}
