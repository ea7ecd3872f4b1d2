// Package mailbox implements the offline-delivery mailbox:
// messages a disconnected agent couldn't receive directly sit here until
// it polls or reconnects, bounded per-agent and evicted by age.
package mailbox

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/agentcom/hub/internal/kvstore"
	aerrors "github.com/agentcom/hub/pkg/errors"
)

// Entry is one stored mailbox message.
type Entry struct {
	Agent    string          `json:"agent"`
	Seq      int64           `json:"seq"`
	Msg      json.RawMessage `json:"msg"`
	StoredAt int64           `json:"stored_at_ms"`
}

// Mailbox persists entries keyed "<agent>:<seq zero-padded>" so ascending
// key order matches ascending seq order for a given agent.
type Mailbox struct {
	mu          sync.Mutex
	store       *kvstore.Store
	seq         int64
	maxPerAgent int
	ttl         time.Duration
	now         func() time.Time
}

// New opens a Mailbox over store, recovering the sequence counter by
// scanning every stored entry for the current maximum.
func New(ctx context.Context, store *kvstore.Store, maxPerAgent int, ttl time.Duration) (*Mailbox, error) {
	m := &Mailbox{store: store, maxPerAgent: maxPerAgent, ttl: ttl, now: time.Now}

	maxSeq, err := store.Fold(ctx, func(k string, v []byte, acc any) (any, error) {
		var e Entry
		if err := json.Unmarshal(v, &e); err != nil {
			return acc, nil
		}
		if e.Seq > acc.(int64) {
			return e.Seq, nil
		}
		return acc, nil
	}, int64(0))
	if err != nil {
		return nil, aerrors.Wrap(err, "mailbox.New", "recover sequence counter")
	}
	m.seq = maxSeq.(int64)
	return m, nil
}

func key(agent string, seq int64) string {
	return fmt.Sprintf("%s:%020d", agent, seq)
}

// Enqueue assigns the next global sequence number to msg, stores it, and
// trims the agent's mailbox down to maxPerAgent by deleting the oldest
// entries.
func (m *Mailbox) Enqueue(ctx context.Context, agent string, msg any) (int64, error) {
	raw, err := json.Marshal(msg)
	if err != nil {
		return 0, aerrors.Wrap(err, "Mailbox.Enqueue", "marshal message")
	}

	m.mu.Lock()
	m.seq++
	seq := m.seq
	m.mu.Unlock()

	entry := Entry{Agent: agent, Seq: seq, Msg: raw, StoredAt: m.now().UnixMilli()}
	data, err := json.Marshal(entry)
	if err != nil {
		return 0, aerrors.Wrap(err, "Mailbox.Enqueue", "marshal entry")
	}

	if err := m.store.Put(ctx, key(agent, seq), data); err != nil {
		return 0, err
	}
	if err := m.trim(ctx, agent); err != nil {
		return seq, err
	}
	return seq, nil
}

// Poll returns every entry for agent with seq > sinceSeq, ascending, along
// with the caller's advanced cursor. The cursor never moves backward: with
// no newer entries (e.g. right after an ack emptied the mailbox) the
// caller gets its own sinceSeq back.
func (m *Mailbox) Poll(ctx context.Context, agent string, sinceSeq int64) ([]Entry, int64, error) {
	entries, err := m.agentEntries(ctx, agent)
	if err != nil {
		return nil, 0, err
	}

	var out []Entry
	lastSeq := sinceSeq
	for _, e := range entries {
		if e.Seq > lastSeq {
			lastSeq = e.Seq
		}
		if e.Seq > sinceSeq {
			out = append(out, e)
		}
	}
	return out, lastSeq, nil
}

// Ack deletes every entry for agent with seq <= upToSeq.
func (m *Mailbox) Ack(ctx context.Context, agent string, upToSeq int64) error {
	entries, err := m.agentEntries(ctx, agent)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if e.Seq <= upToSeq {
			if err := m.store.Delete(ctx, key(agent, e.Seq)); err != nil {
				return err
			}
		}
	}
	return nil
}

// Sweep removes entries older than ttl across every agent. Intended to run
// on an hourly timer.
func (m *Mailbox) Sweep(ctx context.Context) (int, error) {
	cutoff := m.now().Add(-m.ttl).UnixMilli()
	stale, err := m.store.Select(ctx, func(k string, v []byte) bool {
		var e Entry
		if err := json.Unmarshal(v, &e); err != nil {
			return false
		}
		return e.StoredAt < cutoff
	})
	if err != nil {
		return 0, err
	}
	for k := range stale {
		if err := m.store.Delete(ctx, k); err != nil {
			return 0, err
		}
	}
	return len(stale), nil
}

func (m *Mailbox) agentEntries(ctx context.Context, agent string) ([]Entry, error) {
	prefix := agent + ":"
	matches, err := m.store.Select(ctx, func(k string, v []byte) bool {
		return strings.HasPrefix(k, prefix)
	})
	if err != nil {
		return nil, err
	}

	entries := make([]Entry, 0, len(matches))
	for _, v := range matches {
		var e Entry
		if err := json.Unmarshal(v, &e); err != nil {
			continue
		}
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Seq < entries[j].Seq })
	return entries, nil
}

func (m *Mailbox) trim(ctx context.Context, agent string) error {
	entries, err := m.agentEntries(ctx, agent)
	if err != nil {
		return err
	}
	if len(entries) <= m.maxPerAgent {
		return nil
	}
	excess := entries[:len(entries)-m.maxPerAgent]
	for _, e := range excess {
		if err := m.store.Delete(ctx, key(agent, e.Seq)); err != nil {
			return err
		}
	}
	return nil
}
