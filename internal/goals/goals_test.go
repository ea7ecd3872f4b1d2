package goals

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/agentcom/hub/internal/bus"
	"github.com/agentcom/hub/internal/kvstore"
	aerrors "github.com/agentcom/hub/pkg/errors"
)

func newTestBacklog(t *testing.T) (*Backlog, *bus.Bus) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "goals.db")
	store, err := kvstore.Open(path, "goals")
	if err != nil {
		t.Fatalf("kvstore.Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	b := bus.New()
	bl, err := New(context.Background(), store, b)
	if err != nil {
		t.Fatalf("goals.New: %v", err)
	}
	return bl, b
}

func TestSubmitDefaultsPriorityAndStatus(t *testing.T) {
	bl, b := newTestBacklog(t)
	sub := b.Subscribe("watcher", "goals")
	ctx := context.Background()

	g, err := bl.Submit(ctx, SubmitParams{})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if g.Priority != 2 {
		t.Errorf("Priority = %d, want 2", g.Priority)
	}
	if g.Status != StatusSubmitted {
		t.Errorf("Status = %q, want submitted", g.Status)
	}

	select {
	case evt := <-sub.Ch:
		m := evt.Payload.(map[string]any)
		if m["type"] != "goal_submitted" {
			t.Errorf("event type = %v, want goal_submitted", m["type"])
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for goal_submitted")
	}
}

func TestValidTransitionSequence(t *testing.T) {
	bl, _ := newTestBacklog(t)
	ctx := context.Background()

	g, _ := bl.Submit(ctx, SubmitParams{})
	for _, to := range []string{StatusDecomposing, StatusExecuting, StatusVerifying, StatusComplete} {
		got, err := bl.Transition(ctx, g.ID, to, TransitionOpts{})
		if err != nil {
			t.Fatalf("Transition to %s: %v", to, err)
		}
		if got.Status != to {
			t.Errorf("Status = %q, want %q", got.Status, to)
		}
	}
}

func TestInvalidTransitionRejected(t *testing.T) {
	bl, _ := newTestBacklog(t)
	ctx := context.Background()

	g, _ := bl.Submit(ctx, SubmitParams{})
	_, err := bl.Transition(ctx, g.ID, StatusComplete, TransitionOpts{})

	var it *aerrors.InvalidTransitionError
	if !errors.As(err, &it) {
		t.Fatalf("expected InvalidTransitionError, got %v", err)
	}
	if it.From != StatusSubmitted || it.To != StatusComplete {
		t.Errorf("From/To = %q/%q, want submitted/complete", it.From, it.To)
	}
}

func TestTransitionLeavingSubmittedRemovesFromIndex(t *testing.T) {
	bl, _ := newTestBacklog(t)
	ctx := context.Background()

	g1, _ := bl.Submit(ctx, SubmitParams{Priority: 1})
	bl.Submit(ctx, SubmitParams{Priority: 2})

	bl.Transition(ctx, g1.ID, StatusDecomposing, TransitionOpts{})

	deq, err := bl.Dequeue(ctx)
	if err != nil {
		t.Fatalf("Dequeue: %v", err)
	}
	if deq.Priority != 2 {
		t.Errorf("expected the remaining priority-2 goal to dequeue next, got priority %d", deq.Priority)
	}
}

func TestDequeuePicksHighestPriorityThenOldest(t *testing.T) {
	bl, _ := newTestBacklog(t)
	ctx := context.Background()

	bl.Submit(ctx, SubmitParams{Priority: 3})
	g2, _ := bl.Submit(ctx, SubmitParams{Priority: 1})
	bl.Submit(ctx, SubmitParams{Priority: 2})

	got, err := bl.Dequeue(ctx)
	if err != nil {
		t.Fatalf("Dequeue: %v", err)
	}
	if got.ID != g2.ID {
		t.Errorf("Dequeue picked %s, want the priority-1 goal %s", got.ID, g2.ID)
	}
	if got.Status != StatusDecomposing {
		t.Errorf("Status after dequeue = %q, want decomposing", got.Status)
	}
}

func TestDequeueEmptyReturnsNil(t *testing.T) {
	bl, _ := newTestBacklog(t)
	got, err := bl.Dequeue(context.Background())
	if err != nil {
		t.Fatalf("Dequeue: %v", err)
	}
	if got != nil {
		t.Errorf("Dequeue = %+v, want nil on empty backlog", got)
	}
}

func TestListFiltersByStatus(t *testing.T) {
	bl, _ := newTestBacklog(t)
	ctx := context.Background()

	g1, _ := bl.Submit(ctx, SubmitParams{})
	bl.Submit(ctx, SubmitParams{})
	bl.Transition(ctx, g1.ID, StatusDecomposing, TransitionOpts{})

	submitted, err := bl.List(ctx, ListFilters{Status: StatusSubmitted})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(submitted) != 1 {
		t.Errorf("List(submitted) len = %d, want 1", len(submitted))
	}
}

func TestDeleteRemovesGoal(t *testing.T) {
	bl, _ := newTestBacklog(t)
	ctx := context.Background()

	g, _ := bl.Submit(ctx, SubmitParams{})
	if err := bl.Delete(ctx, g.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	got, err := bl.Get(ctx, g.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got != nil {
		t.Errorf("Get after delete = %+v, want nil", got)
	}
}

func TestStatsCountsByStatus(t *testing.T) {
	bl, _ := newTestBacklog(t)
	ctx := context.Background()

	bl.Submit(ctx, SubmitParams{})
	g2, _ := bl.Submit(ctx, SubmitParams{})
	bl.Transition(ctx, g2.ID, StatusDecomposing, TransitionOpts{})

	stats, err := bl.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.Total != 2 {
		t.Errorf("Total = %d, want 2", stats.Total)
	}
	if stats.ByStatus[StatusSubmitted] != 1 || stats.ByStatus[StatusDecomposing] != 1 {
		t.Errorf("ByStatus = %+v, want 1 each", stats.ByStatus)
	}
}

func TestIndexRebuildsOnReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "goals.db")
	ctx := context.Background()
	b := bus.New()

	store1, err := kvstore.Open(path, "goals")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	bl1, err := New(ctx, store1, b)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	bl1.Submit(ctx, SubmitParams{Priority: 1})
	store1.Close()

	store2, err := kvstore.Open(path, "goals")
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer store2.Close()
	bl2, err := New(ctx, store2, b)
	if err != nil {
		t.Fatalf("New after reopen: %v", err)
	}

	got, err := bl2.Dequeue(ctx)
	if err != nil {
		t.Fatalf("Dequeue after reopen: %v", err)
	}
	if got == nil {
		t.Fatal("expected rebuilt index to surface the persisted submitted goal")
	}
}
