// Package goals implements the goal backlog: durable goal storage plus an
// in-memory priority heap covering exactly the goals currently in status
// "submitted".
package goals

import (
	"container/heap"
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/agentcom/hub/internal/bus"
	"github.com/agentcom/hub/internal/kvstore"
	aerrors "github.com/agentcom/hub/pkg/errors"
)

// newGoalID mints a "goal-<16hex>" id.
func newGoalID() string {
	var b [8]byte
	_, _ = rand.Read(b[:])
	return fmt.Sprintf("goal-%s", hex.EncodeToString(b[:]))
}

const (
	StatusSubmitted   = "submitted"
	StatusDecomposing = "decomposing"
	StatusExecuting   = "executing"
	StatusVerifying   = "verifying"
	StatusComplete    = "complete"
	StatusFailed      = "failed"
)

const maxHistoryEntries = 50

// transitions is the allowed status graph. Keys are "from", values the
// set of valid "to" states.
var transitions = map[string]map[string]bool{
	StatusSubmitted:   {StatusDecomposing: true},
	StatusDecomposing: {StatusExecuting: true, StatusFailed: true},
	StatusExecuting:   {StatusVerifying: true, StatusFailed: true},
	StatusVerifying:   {StatusComplete: true, StatusFailed: true, StatusExecuting: true},
}

// HistoryEntry records one status the goal passed through.
type HistoryEntry struct {
	Status    string `json:"status"`
	Timestamp int64  `json:"ts_ms"`
	Reason    string `json:"reason,omitempty"`
}

// Goal is a persisted unit of work submitted to the backlog.
type Goal struct {
	ID              string          `json:"id"`
	Description     string          `json:"description"`
	SuccessCriteria string          `json:"success_criteria,omitempty"`
	Priority        int             `json:"priority"`
	Status          string          `json:"status"`
	Source          string          `json:"source,omitempty"`
	Tags            []string        `json:"tags,omitempty"`
	Repo            string          `json:"repo,omitempty"`
	FileHints       []string        `json:"file_hints,omitempty"`
	Metadata        json.RawMessage `json:"metadata,omitempty"`
	DependsOn       []string        `json:"depends_on,omitempty"`
	ChildTaskIDs    []string        `json:"child_task_ids,omitempty"`
	CreatedAt       int64           `json:"created_at_ms"`
	UpdatedAt       int64           `json:"updated_at_ms"`
	History         []HistoryEntry  `json:"history"`
}

// heapItem is one entry in the priority index: (priority, created_at, id).
type heapItem struct {
	priority  int
	createdAt int64
	id        string
}

type priorityHeap []heapItem

func (h priorityHeap) Len() int { return len(h) }
func (h priorityHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority < h[j].priority
	}
	return h[i].createdAt < h[j].createdAt
}
func (h priorityHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *priorityHeap) Push(x any)   { *h = append(*h, x.(heapItem)) }
func (h *priorityHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// Backlog owns persisted goals and the submitted-priority index.
type Backlog struct {
	mu    sync.Mutex
	store *kvstore.Store
	bus   *bus.Bus
	index priorityHeap
	now   func() time.Time
}

// New opens a Backlog over store, rebuilding the priority index by
// scanning every persisted goal currently in status submitted.
func New(ctx context.Context, store *kvstore.Store, b *bus.Bus) (*Backlog, error) {
	bl := &Backlog{store: store, bus: b, now: time.Now}

	_, err := store.Fold(ctx, func(k string, v []byte, acc any) (any, error) {
		var g Goal
		if err := json.Unmarshal(v, &g); err != nil {
			return acc, nil
		}
		if g.Status == StatusSubmitted {
			heap.Push(&bl.index, heapItem{priority: g.Priority, createdAt: g.CreatedAt, id: g.ID})
		}
		return acc, nil
	}, nil)
	if err != nil {
		return nil, aerrors.Wrap(err, "goals.New", "rebuild priority index")
	}
	return bl, nil
}

// SubmitParams is the caller-supplied input to Submit. Priority 0 means
// "use the default" (2, "normal").
type SubmitParams struct {
	Description     string
	SuccessCriteria string
	Priority        int
	Source          string
	Tags            []string
	Repo            string
	FileHints       []string
	Metadata        json.RawMessage
	DependsOn       []string
}

// Submit creates a new goal in status submitted.
func (bl *Backlog) Submit(ctx context.Context, p SubmitParams) (*Goal, error) {
	priority := p.Priority
	if priority == 0 {
		priority = 2
	}

	now := bl.now().UnixMilli()
	g := &Goal{
		ID:              newGoalID(),
		Description:     p.Description,
		SuccessCriteria: p.SuccessCriteria,
		Priority:        priority,
		Status:          StatusSubmitted,
		Source:          p.Source,
		Tags:            p.Tags,
		Repo:            p.Repo,
		FileHints:       p.FileHints,
		Metadata:        p.Metadata,
		DependsOn:       p.DependsOn,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	bl.mu.Lock()
	err := bl.persistLocked(ctx, g)
	if err == nil {
		heap.Push(&bl.index, heapItem{priority: g.Priority, createdAt: g.CreatedAt, id: g.ID})
	}
	bl.mu.Unlock()
	if err != nil {
		return nil, err
	}

	bl.bus.Publish("goals", map[string]any{"type": "goal_submitted", "goal_id": g.ID})
	return g, nil
}

// TransitionOpts carries caller context for a transition; Reason is
// recorded on the history entry the transition appends.
type TransitionOpts struct {
	Reason string
}

// Transition moves a goal to newStatus if the move is legal, persisting
// the change and publishing "goal_<new_status>".
func (bl *Backlog) Transition(ctx context.Context, id, newStatus string, opts TransitionOpts) (*Goal, error) {
	bl.mu.Lock()
	g, err := bl.getLocked(ctx, id)
	if err != nil {
		bl.mu.Unlock()
		return nil, err
	}
	if g == nil {
		bl.mu.Unlock()
		return nil, aerrors.ErrNotFound
	}

	allowed := transitions[g.Status]
	if !allowed[newStatus] {
		bl.mu.Unlock()
		return nil, aerrors.NewInvalidTransition(g.Status, newStatus)
	}

	from := g.Status
	g.Status = newStatus
	g.UpdatedAt = bl.now().UnixMilli()
	g.History = append(g.History, HistoryEntry{Status: newStatus, Timestamp: g.UpdatedAt, Reason: opts.Reason})
	if len(g.History) > maxHistoryEntries {
		g.History = g.History[len(g.History)-maxHistoryEntries:]
	}

	err = bl.persistLocked(ctx, g)
	if err == nil && from == StatusSubmitted {
		bl.removeFromIndexLocked(id)
	}
	bl.mu.Unlock()
	if err != nil {
		return nil, err
	}

	bl.bus.Publish("goals", map[string]any{"type": "goal_" + newStatus, "goal_id": id})
	return g, nil
}

// Dequeue atomically transitions the highest-priority submitted goal to
// decomposing and returns it. Stale index entries (a goal the index still
// references but that's no longer in storage, or no longer submitted) are
// skipped by retrying with the next head.
func (bl *Backlog) Dequeue(ctx context.Context) (*Goal, error) {
	for {
		bl.mu.Lock()
		if bl.index.Len() == 0 {
			bl.mu.Unlock()
			return nil, nil
		}
		head := heap.Pop(&bl.index).(heapItem)
		g, err := bl.getLocked(ctx, head.id)
		if err != nil {
			bl.mu.Unlock()
			return nil, err
		}
		if g == nil || g.Status != StatusSubmitted {
			bl.mu.Unlock()
			continue // stale index entry; retry with next head
		}

		g.Status = StatusDecomposing
		g.UpdatedAt = bl.now().UnixMilli()
		g.History = append(g.History, HistoryEntry{Status: StatusDecomposing, Timestamp: g.UpdatedAt})
		err = bl.persistLocked(ctx, g)
		bl.mu.Unlock()
		if err != nil {
			return nil, err
		}

		bl.bus.Publish("goals", map[string]any{"type": "goal_decomposing", "goal_id": g.ID})
		return g, nil
	}
}

// ListFilters narrows List's results; zero values mean "no filter".
type ListFilters struct {
	Status string
}

// List returns every goal matching filters, sorted by (priority asc,
// created_at asc).
func (bl *Backlog) List(ctx context.Context, filters ListFilters) ([]Goal, error) {
	all, err := bl.store.Select(ctx, func(k string, v []byte) bool { return true })
	if err != nil {
		return nil, err
	}

	out := make([]Goal, 0, len(all))
	for _, v := range all {
		var g Goal
		if err := json.Unmarshal(v, &g); err != nil {
			continue
		}
		if filters.Status != "" && g.Status != filters.Status {
			continue
		}
		out = append(out, g)
	}
	sortGoals(out)
	return out, nil
}

// Get returns a single goal by id, or nil if absent.
func (bl *Backlog) Get(ctx context.Context, id string) (*Goal, error) {
	bl.mu.Lock()
	defer bl.mu.Unlock()
	return bl.getLocked(ctx, id)
}

// Stats summarizes goal counts per status.
type Stats struct {
	Total    int            `json:"total"`
	ByStatus map[string]int `json:"by_status"`
}

// Stats computes counts across every persisted goal.
func (bl *Backlog) Stats(ctx context.Context) (Stats, error) {
	goals, err := bl.List(ctx, ListFilters{})
	if err != nil {
		return Stats{}, err
	}
	s := Stats{Total: len(goals), ByStatus: map[string]int{}}
	for _, g := range goals {
		s.ByStatus[g.Status]++
	}
	return s, nil
}

// Delete removes a goal permanently.
func (bl *Backlog) Delete(ctx context.Context, id string) error {
	bl.mu.Lock()
	defer bl.mu.Unlock()
	bl.removeFromIndexLocked(id)
	return bl.store.Delete(ctx, id)
}

func (bl *Backlog) getLocked(ctx context.Context, id string) (*Goal, error) {
	data, err := bl.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if data == nil {
		return nil, nil
	}
	var g Goal
	if err := json.Unmarshal(data, &g); err != nil {
		return nil, aerrors.Wrap(err, "goals.get", "unmarshal goal")
	}
	return &g, nil
}

func (bl *Backlog) persistLocked(ctx context.Context, g *Goal) error {
	data, err := json.Marshal(g)
	if err != nil {
		return aerrors.Wrap(err, "goals.persist", "marshal goal")
	}
	return bl.store.Put(ctx, g.ID, data)
}

func (bl *Backlog) removeFromIndexLocked(id string) {
	for i, item := range bl.index {
		if item.id == id {
			heap.Remove(&bl.index, i)
			return
		}
	}
}

func sortGoals(goals []Goal) {
	sort.Slice(goals, func(i, j int) bool {
		if goals[i].Priority != goals[j].Priority {
			return goals[i].Priority < goals[j].Priority
		}
		return goals[i].CreatedAt < goals[j].CreatedAt
	})
}
