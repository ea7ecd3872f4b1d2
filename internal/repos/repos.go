// Package repos tracks the repositories goals reference: each submitted
// goal naming a repo upserts a registry record, so operators can see which
// repositories the hub has been asked to work in and how often.
package repos

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/agentcom/hub/internal/kvstore"
	aerrors "github.com/agentcom/hub/pkg/errors"
)

// Record is one tracked repository.
type Record struct {
	Name      string `json:"name"`
	GoalCount int    `json:"goal_count"`
	FirstSeen int64  `json:"first_seen_ms"`
	LastSeen  int64  `json:"last_seen_ms"`
}

// Registry persists repo records through a kvstore table keyed by name.
type Registry struct {
	mu    sync.Mutex
	store *kvstore.Store
	now   func() time.Time
}

// New opens a Registry over store.
func New(store *kvstore.Store) *Registry {
	return &Registry{store: store, now: time.Now}
}

// Touch upserts the record for name, bumping its goal count and last-seen
// timestamp. An empty name is a no-op.
func (r *Registry) Touch(ctx context.Context, name string) error {
	if name == "" {
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now().UnixMilli()
	rec := Record{Name: name, FirstSeen: now}

	data, err := r.store.Get(ctx, name)
	if err != nil {
		return err
	}
	if data != nil {
		if err := json.Unmarshal(data, &rec); err != nil {
			return aerrors.Wrap(err, "repos.Touch", "unmarshal record")
		}
	}
	rec.GoalCount++
	rec.LastSeen = now

	out, err := json.Marshal(rec)
	if err != nil {
		return aerrors.Wrap(err, "repos.Touch", "marshal record")
	}
	return r.store.Put(ctx, name, out)
}

// Get returns the record for name, or nil if never seen.
func (r *Registry) Get(ctx context.Context, name string) (*Record, error) {
	data, err := r.store.Get(ctx, name)
	if err != nil {
		return nil, err
	}
	if data == nil {
		return nil, nil
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, aerrors.Wrap(err, "repos.Get", "unmarshal record")
	}
	return &rec, nil
}

// List returns every tracked repo sorted by name.
func (r *Registry) List(ctx context.Context) ([]Record, error) {
	all, err := r.store.Select(ctx, func(k string, v []byte) bool { return true })
	if err != nil {
		return nil, err
	}
	out := make([]Record, 0, len(all))
	for _, v := range all {
		var rec Record
		if err := json.Unmarshal(v, &rec); err != nil {
			continue
		}
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}
