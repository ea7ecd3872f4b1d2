package reaper

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/agentcom/hub/internal/bus"
	"github.com/agentcom/hub/internal/kvstore"
	"github.com/agentcom/hub/internal/presence"
	"github.com/agentcom/hub/internal/tasks"
)

type fakeHandle struct {
	id     string
	closed bool
}

func (f *fakeHandle) AgentID() string                          { return f.id }
func (f *fakeHandle) Push(frameType string, payload any) error { return nil }
func (f *fakeHandle) Close() error                             { f.closed = true; return nil }

func newTestReaper(t *testing.T) (*Reaper, *presence.Registry, *tasks.Queue) {
	t.Helper()
	b := bus.New()
	p := presence.New(b)

	path := filepath.Join(t.TempDir(), "tasks.db")
	store, err := kvstore.Open(path, "tasks")
	if err != nil {
		t.Fatalf("kvstore.Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	q, err := tasks.New(context.Background(), store, b)
	if err != nil {
		t.Fatalf("tasks.New: %v", err)
	}

	r := New(p, q, Config{
		Interval:        time.Hour,
		IdleTimeout:     time.Minute,
		OrphanThreshold: time.Minute,
	})
	return r, p, q
}

func TestSweepReapsIdleSession(t *testing.T) {
	r, p, _ := newTestReaper(t)
	h := &fakeHandle{id: "agent-a0"}
	p.Register("agent-a0", nil, h)

	r.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	r.Sweep(context.Background())

	if !h.closed {
		t.Error("expected idle session handle to be closed")
	}
	if p.Present("agent-a0") {
		t.Error("expected idle agent to be unregistered")
	}
}

func TestSweepLeavesFreshSessionAlone(t *testing.T) {
	r, p, _ := newTestReaper(t)
	h := &fakeHandle{id: "agent-a0"}
	p.Register("agent-a0", nil, h)

	r.Sweep(context.Background())

	if h.closed {
		t.Error("fresh session should not be closed")
	}
	if !p.Present("agent-a0") {
		t.Error("fresh session should still be present")
	}
}

func TestSweepReclaimsOrphanedTasks(t *testing.T) {
	r, p, q := newTestReaper(t)
	ctx := context.Background()

	q.Enqueue(ctx, tasks.EnqueueParams{Description: "work"})
	assigned, err := q.AssignNext(ctx, "agent-ghost", nil)
	if err != nil || assigned == nil {
		t.Fatalf("AssignNext: %+v, %v", assigned, err)
	}
	// agent-ghost was never registered with presence, so it reads as absent.
	_ = p

	r.Sweep(ctx)

	got, err := q.Get(ctx, assigned.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != tasks.StatusQueued {
		t.Errorf("Status = %q, want queued after reclamation", got.Status)
	}
}

func TestStartStop(t *testing.T) {
	r, _, _ := newTestReaper(t)
	r.Start(context.Background())
	r.Stop()
}
