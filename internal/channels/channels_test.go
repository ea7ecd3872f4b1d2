package channels

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/agentcom/hub/internal/bus"
	"github.com/agentcom/hub/internal/kvstore"
	aerrors "github.com/agentcom/hub/pkg/errors"
)

func newTestRegistry(t *testing.T) (*Registry, *bus.Bus) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "channels.db")
	store, err := kvstore.Open(path, "channels")
	if err != nil {
		t.Fatalf("kvstore.Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	b := bus.New()
	r, err := New(context.Background(), store, b, 100)
	if err != nil {
		t.Fatalf("channels.New: %v", err)
	}
	return r, b
}

func TestSubscribeAndPublish(t *testing.T) {
	r, b := newTestRegistry(t)
	ctx := context.Background()
	sub := b.Subscribe("watcher", "channel:eng")

	if err := r.Subscribe(ctx, "Eng", "agent-a0"); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	seq, err := r.Publish(ctx, "eng", "agent-a0", map[string]string{"body": "hi"})
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if seq != 1 {
		t.Errorf("seq = %d, want 1", seq)
	}

	select {
	case evt := <-sub.Ch:
		m := evt.Payload.(map[string]any)
		if m["from"] != "agent-a0" {
			t.Errorf("from = %v, want agent-a0", m["from"])
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for channel fan-out")
	}
}

func TestChannelNamesNormalized(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()

	r.Subscribe(ctx, "  Eng  ", "agent-a0")
	list := r.List()
	if len(list) != 1 || list[0].Name != "eng" {
		t.Fatalf("List = %+v, want single entry named eng", list)
	}
}

func TestPublishUnknownChannelErrors(t *testing.T) {
	r, _ := newTestRegistry(t)
	_, err := r.Publish(context.Background(), "nope", "agent-a0", "hi")
	if err != aerrors.ErrChannelNotFound {
		t.Errorf("err = %v, want ErrChannelNotFound", err)
	}
}

func TestHistoryRespectsSinceAndLimit(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()
	r.Subscribe(ctx, "eng", "agent-a0")

	var lastSeq int64
	for i := 0; i < 5; i++ {
		seq, err := r.Publish(ctx, "eng", "agent-a0", i)
		if err != nil {
			t.Fatalf("Publish: %v", err)
		}
		lastSeq = seq
	}

	h, err := r.History("eng", HistoryOpts{Since: lastSeq - 2, Limit: 0})
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(h) != 2 {
		t.Fatalf("History len = %d, want 2", len(h))
	}

	limited, err := r.History("eng", HistoryOpts{Limit: 1})
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(limited) != 1 {
		t.Fatalf("History limited len = %d, want 1", len(limited))
	}
}

func TestSeqIsPerChannel(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()
	r.Subscribe(ctx, "eng", "agent-a0")
	r.Subscribe(ctx, "ops", "agent-a0")

	for i := 0; i < 3; i++ {
		if _, err := r.Publish(ctx, "eng", "agent-a0", i); err != nil {
			t.Fatalf("Publish eng: %v", err)
		}
	}
	seq, err := r.Publish(ctx, "ops", "agent-a0", "first")
	if err != nil {
		t.Fatalf("Publish ops: %v", err)
	}
	if seq != 1 {
		t.Errorf("ops seq = %d, want 1 (independent of eng's counter)", seq)
	}
}

func TestUnsubscribeRemovesMember(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()
	r.Subscribe(ctx, "eng", "agent-a0")
	r.Unsubscribe(ctx, "eng", "agent-a0")

	list := r.List()
	if list[0].MemberCount != 0 {
		t.Errorf("MemberCount = %d, want 0", list[0].MemberCount)
	}
}

func TestMemberOfReturnsJoinedChannelsSorted(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()

	r.Subscribe(ctx, "zeta", "agent-a0")
	r.Subscribe(ctx, "eng", "agent-a0")
	r.Subscribe(ctx, "random", "agent-b1")

	got := r.MemberOf("agent-a0")
	want := []string{"eng", "zeta"}
	if len(got) != len(want) {
		t.Fatalf("MemberOf = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("MemberOf[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestMemberOfEmptyForUnknownAgent(t *testing.T) {
	r, _ := newTestRegistry(t)
	r.Subscribe(context.Background(), "eng", "agent-a0")

	got := r.MemberOf("agent-nobody")
	if len(got) != 0 {
		t.Errorf("MemberOf = %v, want empty", got)
	}
}

func TestStateRebuildsFromPersistedRecords(t *testing.T) {
	path := filepath.Join(t.TempDir(), "channels.db")
	ctx := context.Background()
	b := bus.New()

	store1, err := kvstore.Open(path, "channels")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	r1, err := New(ctx, store1, b, 100)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	r1.Subscribe(ctx, "eng", "agent-a0")
	r1.Publish(ctx, "eng", "agent-a0", "persisted message")
	store1.Close()

	store2, err := kvstore.Open(path, "channels")
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer store2.Close()
	r2, err := New(ctx, store2, b, 100)
	if err != nil {
		t.Fatalf("New after reopen: %v", err)
	}

	h, err := r2.History("eng", HistoryOpts{})
	if err != nil {
		t.Fatalf("History after reopen: %v", err)
	}
	if len(h) != 1 {
		t.Fatalf("History after reopen len = %d, want 1", len(h))
	}
	var body string
	if err := json.Unmarshal(h[0].Msg, &body); err != nil {
		t.Fatalf("unmarshal history msg: %v", err)
	}
	if body != "persisted message" {
		t.Errorf("body = %q, want %q", body, "persisted message")
	}
}
