// Package session implements the per-connection WebSocket handler: a
// two-state machine (unidentified / identified) that verifies the first
// frame against Auth, registers with Presence, subscribes to the agent's
// topics on the bus, and dispatches every subsequent frame by its "type"
// tag. The server, never the client, sets the "from" field on anything
// routed onward, closing off spoofing.
//
// Each connection gets an outbox channel drained by a dedicated writeLoop
// goroutine, a wrMu serializing writes (gorilla/websocket forbids
// concurrent writers), and a closeOnce-guarded closeNow so disconnecting
// from any of three places (read error, write error, external
// force-close) only ever runs once.
package session

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agentcom/hub/internal/auth"
	"github.com/agentcom/hub/internal/bus"
	"github.com/agentcom/hub/internal/channels"
	"github.com/agentcom/hub/internal/mailbox"
	"github.com/agentcom/hub/internal/presence"
	"github.com/agentcom/hub/internal/ratelimit"
	"github.com/agentcom/hub/internal/router"
	"github.com/agentcom/hub/internal/tasks"
	"github.com/agentcom/hub/internal/threads"
	aerrors "github.com/agentcom/hub/pkg/errors"
	"github.com/agentcom/hub/pkg/logger"
	"github.com/agentcom/hub/pkg/util"
)

const (
	defaultOutboxSize      = 64
	defaultDebugBufferSize = 8192
	maxFrameBytes          = 1 << 20

	// TextMessage mirrors gorilla/websocket.TextMessage's wire value. Kept
	// as a local constant so this package never imports gorilla/websocket;
	// the httpapi layer is the only place a real *websocket.Conn appears.
	TextMessage = 1
)

// Conn is the subset of *websocket.Conn the session needs. A real
// *websocket.Conn satisfies this unmodified; tests exercise dispatch logic
// against a fake.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	SetWriteDeadline(t time.Time) error
	SetReadLimit(limit int64)
	Close() error
}

// Deps collects every component the session dispatches frames into.
type Deps struct {
	Auth      *auth.Store
	Presence  *presence.Registry
	Router    *router.Router
	Mailbox   *mailbox.Mailbox
	Channels  *channels.Registry
	Threads   *threads.Index
	RateLimit *ratelimit.Limiter
	Tasks     *tasks.Queue
	Bus       *bus.Bus
}

// inFrame is the union of every field any client->server frame type might
// carry. Unused fields for a given "type" are simply left zero.
type inFrame struct {
	Type       string          `json:"type"`
	AgentID    string          `json:"agent_id,omitempty"`
	Token      string          `json:"token,omitempty"`
	Meta       map[string]any  `json:"meta,omitempty"`
	To         string          `json:"to,omitempty"`
	Kind       string          `json:"kind,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	ReplyTo    string          `json:"reply_to,omitempty"`
	ID         string          `json:"id,omitempty"`
	Status     string          `json:"status,omitempty"`
	Channel    string          `json:"channel,omitempty"`
	Since      int64           `json:"since,omitempty"`
	Limit      int             `json:"limit,omitempty"`
	TaskID     string          `json:"task_id,omitempty"`
	Generation int64           `json:"generation,omitempty"`
	Result     json.RawMessage `json:"result,omitempty"`
	Error      string          `json:"error,omitempty"`
}

// Session is one connection's state machine. It implements
// presence.SessionHandle (AgentID, Push) and exposes Close so the Reaper
// can force-disconnect it.
type Session struct {
	deps   Deps
	ws     Conn
	connID string

	mu         sync.Mutex
	agentID    string
	identified bool

	wrMu      sync.Mutex
	outbox    chan []byte
	closeCh   chan struct{}
	closeOnce sync.Once

	subsMu sync.Mutex
	subs   map[string]*bus.Subscription

	debugMu  sync.Mutex
	debugBuf *bytes.Buffer
	debug    *util.LimitedWriter

	now func() time.Time
}

// New creates a Session bound to ws. connID identifies it in logs and as
// the bus subscriber-id prefix; the caller (httpapi) mints conn-N ids
// from a monotonic counter.
func New(deps Deps, ws Conn, connID string) *Session {
	buf := &bytes.Buffer{}
	return &Session{
		deps:     deps,
		ws:       ws,
		connID:   connID,
		outbox:   make(chan []byte, defaultOutboxSize),
		closeCh:  make(chan struct{}),
		subs:     make(map[string]*bus.Subscription),
		debugBuf: buf,
		debug:    util.NewLimitedWriter(buf, defaultDebugBufferSize),
		now:      time.Now,
	}
}

// Serve runs the connection to completion: launches the write loop, then
// reads frames until the connection closes or the read fails. It blocks;
// callers run it from the goroutine handling the HTTP upgrade.
func (s *Session) Serve(ctx context.Context) {
	s.ws.SetReadLimit(maxFrameBytes)
	util.SafeGo(s.writeLoop)
	s.readLoop(ctx)
}

// AgentID implements presence.SessionHandle.
func (s *Session) AgentID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.agentID
}

func (s *Session) identifiedAgent() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.agentID, s.identified
}

// Push implements presence.SessionHandle: it builds a frame tagged
// frameType and enqueues it for delivery. A map[string]any payload is
// merged into the frame directly (the shape every bus event already uses);
// anything else is nested under "payload".
func (s *Session) Push(frameType string, payload any) error {
	frame := map[string]any{}
	if m, ok := payload.(map[string]any); ok {
		for k, v := range m {
			frame[k] = v
		}
	} else if payload != nil {
		frame["payload"] = payload
	}
	frame["type"] = frameType
	return s.send(frame)
}

// Close implements the Reaper's duck-typed closer interface: it forces the
// connection shut, which unwinds readLoop's cleanup path exactly as a
// client-initiated disconnect would.
func (s *Session) Close() error {
	s.closeNow()
	return nil
}

// DebugFrames returns every frame written to this connection so far, up to
// the bounded replay buffer's capacity — for post-mortem logging on an
// unexpected disconnect, not a live introspection feed.
func (s *Session) DebugFrames() []byte {
	s.debugMu.Lock()
	defer s.debugMu.Unlock()
	out := make([]byte, s.debugBuf.Len())
	copy(out, s.debugBuf.Bytes())
	return out
}

func (s *Session) writeLoop() {
	for {
		select {
		case <-s.closeCh:
			return
		case data, ok := <-s.outbox:
			if !ok {
				return
			}
			if err := s.writeMsg(data); err != nil {
				logger.Warn("session: write failed, closing", logger.FieldError, err)
				s.closeNow()
				return
			}
		}
	}
}

func (s *Session) writeMsg(data []byte) error {
	s.wrMu.Lock()
	defer s.wrMu.Unlock()
	_ = s.ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return s.ws.WriteMessage(TextMessage, data)
}

func (s *Session) readLoop(ctx context.Context) {
	defer s.cleanup()
	defer func() {
		if r := recover(); r != nil {
			logger.Error("session: readLoop panicked", logger.FieldError, r)
		}
	}()

	for {
		_, data, err := s.ws.ReadMessage()
		if err != nil {
			return
		}
		s.handleRaw(ctx, data)
	}
}

func (s *Session) cleanup() {
	agentID, identified := s.identifiedAgent()
	if identified {
		s.deps.Presence.Unregister(agentID)
	}

	s.subsMu.Lock()
	subs := s.subs
	s.subs = make(map[string]*bus.Subscription)
	s.subsMu.Unlock()
	for _, sub := range subs {
		s.deps.Bus.Unsubscribe(sub.ID)
	}

	s.closeNow()
}

func (s *Session) closeNow() {
	s.closeOnce.Do(func() {
		close(s.closeCh)
		_ = s.ws.Close()
	})
}

func (s *Session) send(frame map[string]any) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return aerrors.Wrap(err, "Session.send", "marshal frame")
	}

	s.debugMu.Lock()
	_, _ = s.debug.Write(data)
	_, _ = s.debug.Write([]byte("\n"))
	s.debugMu.Unlock()

	select {
	case <-s.closeCh:
		return aerrors.ErrInternal
	default:
	}

	select {
	case s.outbox <- data:
		return nil
	default:
		logger.Warn("session: outbox full, disconnecting", logger.FieldAgentID, s.AgentID())
		s.closeNow()
		return aerrors.ErrInternal
	}
}

func (s *Session) sendError(slug string, extra map[string]any) {
	frame := map[string]any{"type": "error", "error": slug}
	for k, v := range extra {
		frame[k] = v
	}
	_ = s.send(frame)
}

// subscribeTopic registers a forwarding goroutine for one bus topic, unless
// already subscribed. Each topic gets its own bus.Subscription rather than
// one shared select loop; bus.Subscribe/Unsubscribe already give each
// subscriber an independent channel, so fanning the forwarding out this way
// needs no dynamic select.
func (s *Session) subscribeTopic(filter string) {
	s.subsMu.Lock()
	if _, ok := s.subs[filter]; ok {
		s.subsMu.Unlock()
		return
	}
	sub := s.deps.Bus.Subscribe(s.connID+":"+filter, filter)
	s.subs[filter] = sub
	s.subsMu.Unlock()

	util.SafeGo(func() {
		for evt := range sub.Ch {
			s.handleBusEvent(evt)
		}
	})
}

func (s *Session) unsubscribeTopic(filter string) {
	s.subsMu.Lock()
	sub, ok := s.subs[filter]
	if ok {
		delete(s.subs, filter)
	}
	s.subsMu.Unlock()
	if ok {
		s.deps.Bus.Unsubscribe(sub.ID)
	}
}

// handleBusEvent pushes an asynchronous bus event to the client, suppressing
// any event this session's own agent originated.
func (s *Session) handleBusEvent(evt bus.Event) {
	m, ok := evt.Payload.(map[string]any)
	if !ok {
		return
	}
	self := s.AgentID()
	if from, _ := m["from"].(string); from != "" && from == self {
		return
	}
	if agentID, _ := m["agent_id"].(string); agentID != "" && agentID == self {
		return
	}
	_ = s.Push(frameTypeFor(evt.Topic, m), m)
}

func frameTypeFor(topic string, payload map[string]any) string {
	switch {
	case topic == "messages":
		return "message"
	case topic == "presence":
		if t, _ := payload["type"].(string); t != "" {
			return t
		}
		return "presence"
	case strings.HasPrefix(topic, "channel:"):
		return "channel_message"
	default:
		if t, _ := payload["type"].(string); t != "" {
			return t
		}
		return "event"
	}
}

func (s *Session) handleRaw(ctx context.Context, data []byte) {
	var f inFrame
	if err := json.Unmarshal(data, &f); err != nil {
		s.sendError("invalid_json", nil)
		return
	}

	if _, identified := s.identifiedAgent(); !identified {
		if f.Type != "identify" {
			s.sendError("not_identified", nil)
			return
		}
		s.handleIdentify(&f)
		return
	}

	s.deps.Presence.Touch(s.AgentID())

	switch f.Type {
	case "identify":
		s.handleIdentify(&f)
	case "message":
		s.handleMessage(ctx, &f)
	case "status":
		s.handleStatus(&f)
	case "list_agents":
		s.handleListAgents()
	case "list_channels":
		s.handleListChannels()
	case "channel_subscribe":
		s.handleChannelSubscribe(ctx, &f)
	case "channel_unsubscribe":
		s.handleChannelUnsubscribe(ctx, &f)
	case "channel_publish":
		s.handleChannelPublish(ctx, &f)
	case "channel_history":
		s.handleChannelHistory(&f)
	case "ping":
		s.handlePing()
	case "task_accepted", "task_progress", "task_complete", "task_failed", "task_recovering":
		s.handleTaskFrame(ctx, &f)
	default:
		s.sendError("unknown_message_type", map[string]any{"received_type": f.Type})
	}
}

func (s *Session) handleIdentify(f *inFrame) {
	agentID, ok := s.deps.Auth.Verify(f.Token)
	if !ok {
		s.sendError("invalid_token", nil)
		return
	}
	if f.AgentID != "" && f.AgentID != agentID {
		s.sendError("token_agent_mismatch", nil)
		return
	}

	s.mu.Lock()
	s.agentID = agentID
	s.identified = true
	s.mu.Unlock()

	s.deps.Presence.Register(agentID, f.Meta, s)
	s.subscribeTopic("messages")
	s.subscribeTopic("presence")
	for _, name := range s.deps.Channels.MemberOf(agentID) {
		s.subscribeTopic("channel:" + name)
	}

	s.send(map[string]any{"type": "identified", "agent_id": agentID})
}

func (s *Session) handleMessage(ctx context.Context, f *inFrame) {
	kind := f.Kind
	if kind == "" {
		kind = "chat"
	}
	dec := s.deps.RateLimit.Check(s.AgentID(), "ws", TierForKind(kind))
	if !dec.Allow {
		retryMS := s.deps.RateLimit.RecordViolation(s.AgentID())
		s.sendError("rate_limited", map[string]any{"retry_after_ms": retryMS})
		return
	}

	id := f.ID
	if id == "" {
		id = uuid.NewString()
	}
	msg := map[string]any{
		"id":           id,
		"from":         s.AgentID(),
		"to":           f.To,
		"kind":         kind,
		"payload":      f.Payload,
		"timestamp_ms": s.now().UnixMilli(),
	}
	if f.ReplyTo != "" {
		msg["reply_to"] = f.ReplyTo
	}

	var status string
	result, err := s.deps.Router.Route(f.To, msg)
	switch {
	case err == nil:
		status = string(result)
	case errors.Is(err, aerrors.ErrAgentOffline):
		if _, mErr := s.deps.Mailbox.Enqueue(ctx, f.To, msg); mErr != nil {
			s.sendError("internal", map[string]any{"to": f.To})
			return
		}
		status = "mailboxed"
	default:
		s.sendError("internal", map[string]any{"to": f.To})
		return
	}

	if s.deps.Threads != nil {
		_ = s.deps.Threads.IndexMessage(ctx, threads.Message{
			ID:        id,
			ReplyTo:   f.ReplyTo,
			Timestamp: s.now().UnixMilli(),
			Payload:   f.Payload,
		})
	}

	s.send(map[string]any{"type": "message_sent", "id": id, "to": f.To, "status": status})
}

// TierForKind maps a message kind to its rate-limit tier: presence-ish
// traffic (ping, status) is light, request/response traffic is heavy,
// everything else is normal. The HTTP surface shares this mapping so a
// message costs the same no matter which channel carried it.
func TierForKind(kind string) string {
	switch kind {
	case "ping", "status":
		return "light"
	case "request", "response":
		return "heavy"
	default:
		return "normal"
	}
}

func (s *Session) handleStatus(f *inFrame) {
	s.deps.Presence.UpdateStatus(s.AgentID(), f.Status)
}

func (s *Session) handleListAgents() {
	entries := s.deps.Presence.List()
	agents := make([]map[string]any, 0, len(entries))
	for _, e := range entries {
		agents = append(agents, map[string]any{
			"agent_id":     e.AgentID,
			"status":       e.Status,
			"meta":         e.Meta,
			"last_seen_ms": e.LastSeenMS,
		})
	}
	s.send(map[string]any{"type": "agents", "agents": agents})
}

func (s *Session) handleListChannels() {
	s.send(map[string]any{"type": "channels", "channels": s.deps.Channels.List()})
}

func (s *Session) handleChannelSubscribe(ctx context.Context, f *inFrame) {
	if err := s.deps.Channels.Subscribe(ctx, f.Channel, s.AgentID()); err != nil {
		s.sendError("internal", map[string]any{"channel": f.Channel})
		return
	}
	name := channels.Normalize(f.Channel)
	s.subscribeTopic("channel:" + name)
	s.send(map[string]any{"type": "channel_subscribed", "channel": name})
}

func (s *Session) handleChannelUnsubscribe(ctx context.Context, f *inFrame) {
	if err := s.deps.Channels.Unsubscribe(ctx, f.Channel, s.AgentID()); err != nil {
		s.sendError("internal", map[string]any{"channel": f.Channel})
		return
	}
	name := channels.Normalize(f.Channel)
	s.unsubscribeTopic("channel:" + name)
	s.send(map[string]any{"type": "channel_unsubscribed", "channel": name})
}

func (s *Session) handleChannelPublish(ctx context.Context, f *inFrame) {
	seq, err := s.deps.Channels.Publish(ctx, f.Channel, s.AgentID(), f.Payload)
	if err != nil {
		if errors.Is(err, aerrors.ErrChannelNotFound) {
			s.sendError("channel_not_found", map[string]any{"channel": f.Channel})
			return
		}
		s.sendError("internal", map[string]any{"channel": f.Channel})
		return
	}
	s.send(map[string]any{"type": "channel_published", "channel": channels.Normalize(f.Channel), "seq": seq})
}

func (s *Session) handleChannelHistory(f *inFrame) {
	h, err := s.deps.Channels.History(f.Channel, channels.HistoryOpts{Since: f.Since, Limit: f.Limit})
	if err != nil {
		if errors.Is(err, aerrors.ErrChannelNotFound) {
			s.sendError("channel_not_found", map[string]any{"channel": f.Channel})
			return
		}
		s.sendError("internal", map[string]any{"channel": f.Channel})
		return
	}
	s.send(map[string]any{"type": "channel_history", "channel": channels.Normalize(f.Channel), "entries": h})
}

func (s *Session) handlePing() {
	s.deps.Presence.Touch(s.AgentID())
	s.send(map[string]any{"type": "pong"})
}

func (s *Session) handleTaskFrame(ctx context.Context, f *inFrame) {
	switch f.Type {
	case "task_accepted", "task_progress":
		if err := s.deps.Tasks.UpdateProgress(ctx, f.TaskID); err != nil {
			s.sendNotFoundOrInternal(err, f.TaskID)
			return
		}
		s.send(map[string]any{"type": "task_ack", "task_id": f.TaskID, "status": strings.TrimPrefix(f.Type, "task_")})

	case "task_complete":
		t, err := s.deps.Tasks.CompleteTask(ctx, f.TaskID, f.Generation, f.Result)
		s.ackTaskLifecycle(f.TaskID, "task_complete_failed", "complete", t, err)

	case "task_failed":
		outcome, t, err := s.deps.Tasks.FailTask(ctx, f.TaskID, f.Generation, f.Error)
		if err != nil {
			s.sendGenerationOrNotFound(err, "task_fail_failed", f.TaskID)
			return
		}
		s.send(map[string]any{"type": "task_ack", "task_id": f.TaskID, "status": string(outcome), "generation": t.Generation})

	case "task_recovering":
		outcome, t, err := s.deps.Tasks.RecoverTask(ctx, f.TaskID, s.AgentID())
		if err != nil {
			s.sendError("internal", map[string]any{"task_id": f.TaskID})
			return
		}
		resp := map[string]any{"type": "task_ack", "task_id": f.TaskID, "status": string(outcome)}
		if t != nil {
			resp["generation"] = t.Generation
		}
		s.send(resp)
	}
}

func (s *Session) ackTaskLifecycle(taskID, failType, okStatus string, t *tasks.Task, err error) {
	if err != nil {
		s.sendGenerationOrNotFound(err, failType, taskID)
		return
	}
	s.send(map[string]any{"type": "task_ack", "task_id": taskID, "status": okStatus, "generation": t.Generation})
}

func (s *Session) sendGenerationOrNotFound(err error, failType, taskID string) {
	var gm *aerrors.GenerationMismatchError
	if errors.As(err, &gm) {
		s.sendError(failType, map[string]any{"task_id": taskID, "expected_generation": gm.Expected, "got_generation": gm.Got})
		return
	}
	s.sendNotFoundOrInternal(err, taskID)
}

func (s *Session) sendNotFoundOrInternal(err error, taskID string) {
	if errors.Is(err, aerrors.ErrNotFound) {
		s.sendError("not_found", map[string]any{"task_id": taskID})
		return
	}
	s.sendError("internal", map[string]any{"task_id": taskID})
}
