// Package threads implements the thread index: every routed
// message is indexed by id, and reply_to links are walked to reconstruct
// conversation trees. A bounded LRU cache sits in front of the kvstore so
// repeated get_thread calls for a hot conversation don't re-walk storage.
package threads

import (
	"context"
	"encoding/json"
	"sort"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/agentcom/hub/internal/kvstore"
	aerrors "github.com/agentcom/hub/pkg/errors"
)

// Message is the minimal shape threads needs to index; callers store
// whatever richer envelope they have as Payload.
type Message struct {
	ID        string          `json:"id"`
	ReplyTo   string          `json:"reply_to,omitempty"`
	Children  []string        `json:"children,omitempty"`
	Timestamp int64           `json:"ts_ms"`
	Payload   json.RawMessage `json:"payload"`
}

// Index persists the message graph and caches hot lookups.
type Index struct {
	store *kvstore.Store
	cache *lru.Cache[string, Message]
}

// New opens an Index over store with a read cache of cacheSize entries.
func New(store *kvstore.Store, cacheSize int) (*Index, error) {
	c, err := lru.New[string, Message](cacheSize)
	if err != nil {
		return nil, aerrors.Wrap(err, "threads.New", "create LRU cache")
	}
	return &Index{store: store, cache: c}, nil
}

// IndexMessage stores msg and, if ReplyTo is set, appends msg.ID to the
// parent's children list (deduplicated).
func (idx *Index) IndexMessage(ctx context.Context, msg Message) error {
	if err := idx.put(ctx, msg); err != nil {
		return err
	}

	if msg.ReplyTo == "" {
		return nil
	}

	parent, err := idx.get(ctx, msg.ReplyTo)
	if err != nil {
		return err
	}
	if parent == nil {
		return nil // parent not indexed (yet); children link is best-effort
	}
	for _, c := range parent.Children {
		if c == msg.ID {
			return nil
		}
	}
	parent.Children = append(parent.Children, msg.ID)
	return idx.put(ctx, *parent)
}

// GetRoot walks reply_to pointers upward from id and returns the root
// message of its thread.
func (idx *Index) GetRoot(ctx context.Context, id string) (*Message, error) {
	msg, err := idx.get(ctx, id)
	if err != nil {
		return nil, err
	}
	if msg == nil {
		return nil, aerrors.ErrNotFound
	}

	seen := map[string]bool{msg.ID: true}
	cur := msg
	for cur.ReplyTo != "" {
		if seen[cur.ReplyTo] {
			break // cyclic reply_to chain; stop rather than loop forever
		}
		seen[cur.ReplyTo] = true
		parent, err := idx.get(ctx, cur.ReplyTo)
		if err != nil {
			return nil, err
		}
		if parent == nil {
			break
		}
		cur = parent
	}
	return cur, nil
}

// GetReplies returns the direct children of id only.
func (idx *Index) GetReplies(ctx context.Context, id string) ([]Message, error) {
	msg, err := idx.get(ctx, id)
	if err != nil {
		return nil, err
	}
	if msg == nil {
		return nil, aerrors.ErrNotFound
	}

	out := make([]Message, 0, len(msg.Children))
	for _, childID := range msg.Children {
		child, err := idx.get(ctx, childID)
		if err != nil {
			return nil, err
		}
		if child != nil {
			out = append(out, *child)
		}
	}
	return out, nil
}

// GetThread walks to the root of id's conversation, then depth-first
// collects the whole subtree, sorted by timestamp.
func (idx *Index) GetThread(ctx context.Context, id string) ([]Message, error) {
	root, err := idx.GetRoot(ctx, id)
	if err != nil {
		return nil, err
	}

	var out []Message
	visited := map[string]bool{}
	var walk func(m *Message) error
	walk = func(m *Message) error {
		if m == nil || visited[m.ID] {
			return nil
		}
		visited[m.ID] = true
		out = append(out, *m)
		for _, childID := range m.Children {
			child, err := idx.get(ctx, childID)
			if err != nil {
				return err
			}
			if err := walk(child); err != nil {
				return err
			}
		}
		return nil
	}
	if err := walk(root); err != nil {
		return nil, err
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp < out[j].Timestamp })
	return out, nil
}

func (idx *Index) get(ctx context.Context, id string) (*Message, error) {
	if m, ok := idx.cache.Get(id); ok {
		return &m, nil
	}

	data, err := idx.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if data == nil {
		return nil, nil
	}

	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, aerrors.Wrap(err, "threads.get", "unmarshal message")
	}
	idx.cache.Add(id, m)
	return &m, nil
}

func (idx *Index) put(ctx context.Context, msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return aerrors.Wrap(err, "threads.put", "marshal message")
	}
	if err := idx.store.Put(ctx, msg.ID, data); err != nil {
		return err
	}
	idx.cache.Add(msg.ID, msg)
	return nil
}
