// Package channels implements named pub/sub channels: agents
// subscribe to a channel by name, publish into it, and can replay recent
// history. Publication fans out over the bus on topic
// "channel:<normalized_name>".
package channels

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/agentcom/hub/internal/bus"
	"github.com/agentcom/hub/internal/kvstore"
	aerrors "github.com/agentcom/hub/pkg/errors"
)

// HistoryEntry is one published channel message, replayable via History.
type HistoryEntry struct {
	Seq       int64           `json:"seq"`
	From      string          `json:"from"`
	Msg       json.RawMessage `json:"msg"`
	Timestamp int64           `json:"ts_ms"`
}

type channelState struct {
	members map[string]bool
	history []HistoryEntry
	seq     int64
}

// Registry owns every channel's membership and history, persisted through
// a kvstore table keyed by normalized channel name.
type Registry struct {
	mu      sync.Mutex
	store   *kvstore.Store
	bus     *bus.Bus
	chans   map[string]*channelState
	histMax int
	now     func() time.Time
}

// New opens a Registry over store, rebuilding in-memory channel state from
// persisted records.
func New(ctx context.Context, store *kvstore.Store, b *bus.Bus, historyLimit int) (*Registry, error) {
	r := &Registry{store: store, bus: b, chans: make(map[string]*channelState), histMax: historyLimit, now: time.Now}

	_, err := store.Fold(ctx, func(k string, v []byte, acc any) (any, error) {
		var rec persistedChannel
		if err := json.Unmarshal(v, &rec); err != nil {
			return acc, nil
		}
		cs := &channelState{members: make(map[string]bool), history: rec.History, seq: rec.Seq}
		for _, m := range rec.Members {
			cs.members[m] = true
		}
		// Older records have no persisted seq; recover it from history.
		for _, h := range rec.History {
			if h.Seq > cs.seq {
				cs.seq = h.Seq
			}
		}
		r.chans[k] = cs
		return acc, nil
	}, nil)
	if err != nil {
		return nil, aerrors.Wrap(err, "channels.New", "rebuild channel state")
	}
	return r, nil
}

type persistedChannel struct {
	Members []string       `json:"members"`
	History []HistoryEntry `json:"history"`
	Seq     int64          `json:"seq"`
}

// Normalize trims and lowercases a channel name; the normalized form is
// the persistent key.
func Normalize(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// Subscribe adds agent to a channel's membership, creating it if absent.
func (r *Registry) Subscribe(ctx context.Context, name, agent string) error {
	name = Normalize(name)
	r.mu.Lock()
	cs, ok := r.chans[name]
	if !ok {
		cs = &channelState{members: make(map[string]bool)}
		r.chans[name] = cs
	}
	cs.members[agent] = true
	err := r.persistLocked(ctx, name, cs)
	r.mu.Unlock()
	return err
}

// Unsubscribe removes agent from a channel's membership.
func (r *Registry) Unsubscribe(ctx context.Context, name, agent string) error {
	name = Normalize(name)
	r.mu.Lock()
	defer r.mu.Unlock()

	cs, ok := r.chans[name]
	if !ok {
		return nil
	}
	delete(cs.members, agent)
	return r.persistLocked(ctx, name, cs)
}

// Publish fans msg out to channel subscribers via the bus topic
// "channel:<name>" and appends it to the channel's bounded history. The
// publishing agent does not receive an echo of its own message (the
// session handler enforces that suppression using From).
func (r *Registry) Publish(ctx context.Context, name, from string, msg any) (int64, error) {
	name = Normalize(name)
	raw, err := json.Marshal(msg)
	if err != nil {
		return 0, aerrors.Wrap(err, "Registry.Publish", "marshal message")
	}

	r.mu.Lock()
	cs, ok := r.chans[name]
	if !ok {
		r.mu.Unlock()
		return 0, aerrors.ErrChannelNotFound
	}
	cs.seq++
	entry := HistoryEntry{Seq: cs.seq, From: from, Msg: raw, Timestamp: r.now().UnixMilli()}
	cs.history = append(cs.history, entry)
	if len(cs.history) > r.histMax {
		cs.history = cs.history[len(cs.history)-r.histMax:]
	}
	err = r.persistLocked(ctx, name, cs)
	r.mu.Unlock()
	if err != nil {
		return 0, err
	}

	r.bus.Publish("channel:"+name, map[string]any{"from": from, "msg": json.RawMessage(raw), "seq": entry.Seq})
	return entry.Seq, nil
}

// HistoryOpts bounds a History query.
type HistoryOpts struct {
	Limit int
	Since int64
}

// History returns entries with seq > opts.Since, newest first, capped at
// opts.Limit (0 means no cap beyond the channel's retained history).
func (r *Registry) History(name string, opts HistoryOpts) ([]HistoryEntry, error) {
	name = Normalize(name)
	r.mu.Lock()
	defer r.mu.Unlock()

	cs, ok := r.chans[name]
	if !ok {
		return nil, aerrors.ErrChannelNotFound
	}

	var out []HistoryEntry
	for _, h := range cs.history {
		if h.Seq > opts.Since {
			out = append(out, h)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq > out[j].Seq })
	if opts.Limit > 0 && len(out) > opts.Limit {
		out = out[:opts.Limit]
	}
	return out, nil
}

// ChannelInfo is the list() view of one channel.
type ChannelInfo struct {
	Name        string `json:"name"`
	MemberCount int    `json:"member_count"`
}

// List returns every known channel.
func (r *Registry) List() []ChannelInfo {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]ChannelInfo, 0, len(r.chans))
	for name, cs := range r.chans {
		out = append(out, ChannelInfo{Name: name, MemberCount: len(cs.members)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// MemberOf returns the normalized names of every channel agent currently
// belongs to, sorted for deterministic iteration (used on identify to
// resubscribe to previously-joined channels).
func (r *Registry) MemberOf(agent string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []string
	for name, cs := range r.chans {
		if cs.members[agent] {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

func (r *Registry) persistLocked(ctx context.Context, name string, cs *channelState) error {
	members := make([]string, 0, len(cs.members))
	for m := range cs.members {
		members = append(members, m)
	}
	rec := persistedChannel{Members: members, History: cs.history, Seq: cs.seq}
	data, err := json.Marshal(rec)
	if err != nil {
		return aerrors.Wrap(err, "channels.persist", "marshal channel record")
	}
	return r.store.Put(ctx, name, data)
}
