// Package tasks implements the task queue: a durable queue of executable
// work items with generation-fenced assignment, retry/dead-letter
// handling, and orphan reclamation.
//
// Each assignment bumps a monotonic generation counter, and any complete
// or fail frame that doesn't carry the current generation is discarded
// instead of mutating state. RecoverTask takes no generation; it checks
// only that the caller is the task's current assignee. Reclaim does the
// same bump so a stale worker's late frames land on a dead generation
// forever.
package tasks

import (
	"container/heap"
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/agentcom/hub/internal/bus"
	"github.com/agentcom/hub/internal/kvstore"
	"github.com/agentcom/hub/internal/taskrouter"
	aerrors "github.com/agentcom/hub/pkg/errors"
	"github.com/google/uuid"
)

const (
	StatusQueued     = "queued"
	StatusAssigned   = "assigned"
	StatusWorking    = "working"
	StatusComplete   = "complete"
	StatusFailed     = "failed"
	StatusDeadLetter = "dead_letter"
)

// defaultMaxRetries applies when a caller submits a task without an explicit
// MaxRetries (0 means "use the default").
const defaultMaxRetries = 3

// FailOutcome is what FailTask decided to do with a failed assignment.
type FailOutcome string

const (
	FailRetried    FailOutcome = "retried"
	FailDeadLetter FailOutcome = "dead_letter"
)

// RecoverOutcome is what RecoverTask tells a reconnecting worker to do.
type RecoverOutcome string

const (
	RecoverReassign RecoverOutcome = "reassign"
	RecoverContinue RecoverOutcome = "continue"
)

// Task is a persisted unit of assignable work.
type Task struct {
	ID             string               `json:"id"`
	GoalID         string               `json:"goal_id,omitempty"`
	Description    string               `json:"description"`
	Metadata       json.RawMessage      `json:"metadata"`
	Priority       int                  `json:"priority"`
	Status         string               `json:"status"`
	Generation     int64                `json:"generation"`
	AssignedTo     string               `json:"assigned_to,omitempty"`
	AssignedAt     int64                `json:"assigned_at_ms,omitempty"`
	LastProgressAt int64                `json:"last_progress_at_ms,omitempty"`
	Retries        int                  `json:"retries"`
	MaxRetries     int                  `json:"max_retries"`
	Result         json.RawMessage      `json:"result,omitempty"`
	Error          string               `json:"error,omitempty"`
	RequiredCaps   []string             `json:"required_caps,omitempty"`
	CreatedAt      int64                `json:"created_at_ms"`
	Decision       *taskrouter.Decision `json:"decision,omitempty"`

	// PendingReassign marks a task ReclaimStale already bumped the
	// generation on. AssignNext must not bump it a second time when
	// handing the task to its next assignee: the reclaim bump alone is
	// the generation the reassigned worker gets.
	PendingReassign bool `json:"pending_reassign,omitempty"`
}

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

// Queue owns persisted tasks and the in-memory priority index over tasks
// currently in status queued.
type Queue struct {
	mu    sync.Mutex
	store *kvstore.Store
	bus   *bus.Bus
	index priorityHeap
	now   func() time.Time
}

// New opens a Queue over store, rebuilding the priority index by scanning
// every persisted task currently in status queued.
func New(ctx context.Context, store *kvstore.Store, b *bus.Bus) (*Queue, error) {
	q := &Queue{store: store, bus: b, now: time.Now}

	_, err := store.Fold(ctx, func(k string, v []byte, acc any) (any, error) {
		var t Task
		if err := json.Unmarshal(v, &t); err != nil {
			return acc, nil
		}
		if t.Status == StatusQueued {
			heap.Push(&q.index, heapItem{priority: t.Priority, createdAt: t.CreatedAt, id: t.ID})
		}
		return acc, nil
	}, nil)
	if err != nil {
		return nil, aerrors.Wrap(err, "tasks.New", "rebuild priority index")
	}
	return q, nil
}

// EnqueueParams is the caller-supplied input to Enqueue.
type EnqueueParams struct {
	GoalID       string
	Description  string
	Metadata     json.RawMessage
	Priority     int
	MaxRetries   int
	RequiredCaps []string
	Decision     *taskrouter.Decision
}

// Enqueue creates a new task in status queued.
func (q *Queue) Enqueue(ctx context.Context, p EnqueueParams) (*Task, error) {
	maxRetries := p.MaxRetries
	if maxRetries == 0 {
		maxRetries = defaultMaxRetries
	}

	t := &Task{
		ID:           uuid.NewString(),
		GoalID:       p.GoalID,
		Description:  p.Description,
		Metadata:     p.Metadata,
		Priority:     p.Priority,
		Status:       StatusQueued,
		MaxRetries:   maxRetries,
		RequiredCaps: p.RequiredCaps,
		CreatedAt:    q.now().UnixMilli(),
		Decision:     p.Decision,
	}

	q.mu.Lock()
	err := q.persistLocked(ctx, t)
	if err == nil {
		heap.Push(&q.index, heapItem{priority: t.Priority, createdAt: t.CreatedAt, id: t.ID})
	}
	q.mu.Unlock()
	if err != nil {
		return nil, err
	}

	q.bus.Publish("tasks", map[string]any{"type": "task_queued", "task_id": t.ID})
	return t, nil
}

// AssignNext pops the highest-priority queued task whose RequiredCaps are a
// subset of agentCaps, bumps its generation, and marks it assigned to agent.
// Returns nil, nil if no eligible task is queued.
func (q *Queue) AssignNext(ctx context.Context, agent string, agentCaps []string) (*Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var skipped []heapItem
	defer func() {
		for _, s := range skipped {
			heap.Push(&q.index, s)
		}
	}()

	for q.index.Len() > 0 {
		head := heap.Pop(&q.index).(heapItem)
		t, err := q.getLocked(ctx, head.id)
		if err != nil {
			return nil, err
		}
		if t == nil || t.Status != StatusQueued {
			continue // stale index entry; try the next head
		}
		if !hasAllCaps(agentCaps, t.RequiredCaps) {
			skipped = append(skipped, head)
			continue
		}

		if t.PendingReassign {
			// ReclaimStale already bumped the generation for this cycle;
			// the worker that picks it up next receives that generation,
			// not a further increment.
			t.PendingReassign = false
		} else {
			t.Generation++
		}
		t.Status = StatusAssigned
		t.AssignedTo = agent
		now := q.now().UnixMilli()
		t.AssignedAt = now
		t.LastProgressAt = now
		if err := q.persistLocked(ctx, t); err != nil {
			return nil, err
		}

		q.bus.Publish("tasks", map[string]any{"type": "task_assign", "task_id": t.ID, "agent_id": agent, "generation": t.Generation})
		return t, nil
	}
	return nil, nil
}

// UpdateProgress bumps last_progress_at for an in-flight task. It has no
// other effect and does not participate in generation fencing.
func (q *Queue) UpdateProgress(ctx context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	t, err := q.getLocked(ctx, id)
	if err != nil {
		return err
	}
	if t == nil {
		return aerrors.ErrNotFound
	}
	t.LastProgressAt = q.now().UnixMilli()
	return q.persistLocked(ctx, t)
}

// CompleteTask marks a task complete if generation matches the task's
// current generation; a stale generation is discarded without mutation.
func (q *Queue) CompleteTask(ctx context.Context, id string, generation int64, result json.RawMessage) (*Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	t, err := q.getLocked(ctx, id)
	if err != nil {
		return nil, err
	}
	if t == nil {
		return nil, aerrors.ErrNotFound
	}
	if t.Generation != generation {
		return nil, aerrors.NewGenerationMismatch("task_complete_failed", t.Generation, generation)
	}

	t.Status = StatusComplete
	t.Result = result
	if err := q.persistLocked(ctx, t); err != nil {
		return nil, err
	}

	q.bus.Publish("tasks", map[string]any{"type": "task_complete", "task_id": t.ID})
	return t, nil
}

// FailTask retries or dead-letters a task if generation matches; a stale
// generation is discarded without mutation.
func (q *Queue) FailTask(ctx context.Context, id string, generation int64, errMsg string) (FailOutcome, *Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	t, err := q.getLocked(ctx, id)
	if err != nil {
		return "", nil, err
	}
	if t == nil {
		return "", nil, aerrors.ErrNotFound
	}
	if t.Generation != generation {
		return "", nil, aerrors.NewGenerationMismatch("task_fail_failed", t.Generation, generation)
	}

	t.Error = errMsg
	var outcome FailOutcome
	if t.Retries < t.MaxRetries {
		t.Retries++
		t.Status = StatusQueued
		t.AssignedTo = ""
		outcome = FailRetried
	} else {
		t.Status = StatusDeadLetter
		outcome = FailDeadLetter
	}

	if err := q.persistLocked(ctx, t); err != nil {
		return "", nil, err
	}
	if outcome == FailRetried {
		heap.Push(&q.index, heapItem{priority: t.Priority, createdAt: t.CreatedAt, id: t.ID})
		q.bus.Publish("tasks", map[string]any{"type": "task_retry", "task_id": t.ID})
	} else {
		q.bus.Publish("tasks", map[string]any{"type": "task_dead_letter", "task_id": t.ID})
	}
	return outcome, t, nil
}

// RecoverTask lets a reconnecting worker ask whether it still owns a task.
func (q *Queue) RecoverTask(ctx context.Context, id, caller string) (RecoverOutcome, *Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	t, err := q.getLocked(ctx, id)
	if err != nil {
		return "", nil, err
	}
	if t == nil {
		return RecoverReassign, nil, nil
	}
	if t.AssignedTo != caller {
		return RecoverReassign, nil, nil
	}

	t.LastProgressAt = q.now().UnixMilli()
	if err := q.persistLocked(ctx, t); err != nil {
		return "", nil, err
	}
	return RecoverContinue, t, nil
}

// ReclaimStale sweeps tasks in assigned/working whose owning agent is no
// longer present, or whose last_progress_at exceeds orphanThreshold. Each
// reclaimed task has its generation bumped and is requeued.
//
// The initial unlocked scan only nominates candidate ids; each candidate
// is re-fetched and re-checked under q.mu before mutation, so a
// CompleteTask/FailTask that lands between scan and reclaim wins — the
// reclaim sees the finished status and leaves the task alone instead of
// clobbering its result with a requeue.
func (q *Queue) ReclaimStale(ctx context.Context, present func(agent string) bool, orphanThreshold time.Duration) (int, error) {
	candidates, err := q.store.Select(ctx, func(k string, v []byte) bool {
		var t Task
		if err := json.Unmarshal(v, &t); err != nil {
			return false
		}
		return t.Status == StatusAssigned || t.Status == StatusWorking
	})
	if err != nil {
		return 0, err
	}

	reclaimed := 0
	for id := range candidates {
		q.mu.Lock()
		t, err := q.getLocked(ctx, id)
		if err != nil {
			q.mu.Unlock()
			return reclaimed, err
		}
		if t == nil || (t.Status != StatusAssigned && t.Status != StatusWorking) {
			q.mu.Unlock()
			continue
		}
		stale := !present(t.AssignedTo) ||
			q.now().Sub(time.UnixMilli(t.LastProgressAt)) > orphanThreshold
		if !stale {
			q.mu.Unlock()
			continue
		}

		t.Generation++
		t.PendingReassign = true
		t.AssignedTo = ""
		t.Status = StatusQueued
		err = q.persistLocked(ctx, t)
		if err == nil {
			heap.Push(&q.index, heapItem{priority: t.Priority, createdAt: t.CreatedAt, id: t.ID})
		}
		q.mu.Unlock()
		if err != nil {
			return reclaimed, err
		}

		q.bus.Publish("tasks", map[string]any{"type": "task_reclaim", "task_id": t.ID, "generation": t.Generation})
		reclaimed++
	}
	return reclaimed, nil
}

// Get returns a single task by id, or nil if absent.
func (q *Queue) Get(ctx context.Context, id string) (*Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.getLocked(ctx, id)
}

// ListFilters narrows List's results; zero values mean "no filter".
type ListFilters struct {
	Status string
}

// List returns every task matching filters.
func (q *Queue) List(ctx context.Context, filters ListFilters) ([]Task, error) {
	all, err := q.store.Select(ctx, func(k string, v []byte) bool { return true })
	if err != nil {
		return nil, err
	}
	out := make([]Task, 0, len(all))
	for _, v := range all {
		var t Task
		if err := json.Unmarshal(v, &t); err != nil {
			continue
		}
		if filters.Status != "" && t.Status != filters.Status {
			continue
		}
		out = append(out, t)
	}
	return out, nil
}

func (q *Queue) getLocked(ctx context.Context, id string) (*Task, error) {
	data, err := q.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if data == nil {
		return nil, nil
	}
	var t Task
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, aerrors.Wrap(err, "tasks.get", "unmarshal task")
	}
	return &t, nil
}

func (q *Queue) persistLocked(ctx context.Context, t *Task) error {
	data, err := json.Marshal(t)
	if err != nil {
		return aerrors.Wrap(err, "tasks.persist", "marshal task")
	}
	return q.store.Put(ctx, t.ID, data)
}

// hasAllCaps reports whether every entry in required is present in have.
// An empty required list always matches.
func hasAllCaps(have, required []string) bool {
	if len(required) == 0 {
		return true
	}
	set := make(map[string]bool, len(have))
	for _, c := range have {
		set[c] = true
	}
	for _, c := range required {
		if !set[c] {
			return false
		}
	}
	return true
}
