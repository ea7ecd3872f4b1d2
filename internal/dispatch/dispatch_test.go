package dispatch

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/agentcom/hub/internal/bus"
	"github.com/agentcom/hub/internal/goals"
	"github.com/agentcom/hub/internal/kvstore"
	"github.com/agentcom/hub/internal/presence"
	"github.com/agentcom/hub/internal/taskrouter"
	"github.com/agentcom/hub/internal/tasks"
)

type fakeHandle struct {
	id     string
	pushed []map[string]any
}

func (f *fakeHandle) AgentID() string { return f.id }
func (f *fakeHandle) Push(frameType string, payload any) error {
	m, _ := payload.(map[string]any)
	f.pushed = append(f.pushed, m)
	return nil
}

func newTestDispatcher(t *testing.T) (*Dispatcher, *goals.Backlog, *tasks.Queue, *presence.Registry) {
	t.Helper()
	b := bus.New()
	p := presence.New(b)

	goalsStore, err := kvstore.Open(filepath.Join(t.TempDir(), "goals.db"), "goals")
	if err != nil {
		t.Fatalf("kvstore.Open goals: %v", err)
	}
	t.Cleanup(func() { goalsStore.Close() })
	gb, err := goals.New(context.Background(), goalsStore, b)
	if err != nil {
		t.Fatalf("goals.New: %v", err)
	}

	tasksStore, err := kvstore.Open(filepath.Join(t.TempDir(), "tasks.db"), "tasks")
	if err != nil {
		t.Fatalf("kvstore.Open tasks: %v", err)
	}
	t.Cleanup(func() { tasksStore.Close() })
	tq, err := tasks.New(context.Background(), tasksStore, b)
	if err != nil {
		t.Fatalf("tasks.New: %v", err)
	}

	router, err := taskrouter.New()
	if err != nil {
		t.Fatalf("taskrouter.New: %v", err)
	}

	d := New(gb, tq, p, router, Config{Interval: time.Hour})
	return d, gb, tq, p
}

func TestRunOnceDecomposesAssignsAndPushes(t *testing.T) {
	d, gb, tq, p := newTestDispatcher(t)
	ctx := context.Background()

	g, err := gb.Submit(ctx, goals.SubmitParams{Description: "wire up the new endpoint"})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	h := &fakeHandle{id: "agent-a0"}
	p.Register("agent-a0", nil, h)

	d.RunOnce(ctx)

	queued, err := tq.List(ctx, tasks.ListFilters{})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(queued) != 1 {
		t.Fatalf("len(tasks) = %d, want 1", len(queued))
	}
	if queued[0].GoalID != g.ID {
		t.Errorf("task GoalID = %q, want %q", queued[0].GoalID, g.ID)
	}
	if queued[0].Status != tasks.StatusAssigned {
		t.Errorf("task Status = %q, want assigned", queued[0].Status)
	}
	if queued[0].AssignedTo != "agent-a0" {
		t.Errorf("task AssignedTo = %q, want agent-a0", queued[0].AssignedTo)
	}

	if len(h.pushed) != 1 {
		t.Fatalf("pushed frames = %d, want 1", len(h.pushed))
	}
	if h.pushed[0]["task_id"] != queued[0].ID {
		t.Errorf("pushed task_id = %v, want %v", h.pushed[0]["task_id"], queued[0].ID)
	}

	got, err := gb.Get(ctx, g.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != goals.StatusExecuting {
		t.Errorf("goal Status = %q, want executing", got.Status)
	}
}

func TestAssignReadySkipsAgentsAlreadyCarryingATask(t *testing.T) {
	d, _, tq, p := newTestDispatcher(t)
	ctx := context.Background()

	tq.Enqueue(ctx, tasks.EnqueueParams{Description: "first"})
	tq.Enqueue(ctx, tasks.EnqueueParams{Description: "second"})

	h := &fakeHandle{id: "agent-a0"}
	p.Register("agent-a0", nil, h)

	d.assignReady(ctx)
	if len(h.pushed) != 1 {
		t.Fatalf("first assignReady pushed %d frames, want 1", len(h.pushed))
	}

	d.assignReady(ctx)
	if len(h.pushed) != 1 {
		t.Errorf("second assignReady pushed %d frames, want still 1 (agent already busy)", len(h.pushed))
	}
}

func TestReconcileGoalsCompletesGoalOnTaskComplete(t *testing.T) {
	d, gb, tq, _ := newTestDispatcher(t)
	ctx := context.Background()

	g, _ := gb.Submit(ctx, goals.SubmitParams{Description: "small fix"})
	gb.Dequeue(ctx)
	t_, _ := tq.Enqueue(ctx, tasks.EnqueueParams{GoalID: g.ID, Description: g.Description})
	gb.Transition(ctx, g.ID, goals.StatusExecuting, goals.TransitionOpts{})

	assigned, _ := tq.AssignNext(ctx, "agent-a0", nil)
	if assigned.ID != t_.ID {
		t.Fatalf("assigned %s, want %s", assigned.ID, t_.ID)
	}
	if _, err := tq.CompleteTask(ctx, assigned.ID, assigned.Generation, nil); err != nil {
		t.Fatalf("CompleteTask: %v", err)
	}

	d.reconcileGoals(ctx)

	got, _ := gb.Get(ctx, g.ID)
	if got.Status != goals.StatusComplete {
		t.Errorf("goal Status = %q, want complete", got.Status)
	}
}
