package kvstore

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
)

func TestPutGetDelete(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path, "goals")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	ctx := context.Background()
	if err := s.Put(ctx, "g1", []byte(`{"id":"g1"}`)); err != nil {
		t.Fatalf("Put: %v", err)
	}

	v, err := s.Get(ctx, "g1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(v) != `{"id":"g1"}` {
		t.Errorf("Get = %q, want %q", v, `{"id":"g1"}`)
	}

	if err := s.Delete(ctx, "g1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	v, err = s.Get(ctx, "g1")
	if err != nil {
		t.Fatalf("Get after delete: %v", err)
	}
	if v != nil {
		t.Errorf("Get after delete = %v, want nil", v)
	}
}

func TestGetMissingReturnsNilNil(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path, "tasks")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	v, err := s.Get(context.Background(), "missing")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if v != nil {
		t.Errorf("Get missing = %v, want nil", v)
	}
}

func TestPutOverwrites(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path, "tasks")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()
	ctx := context.Background()

	if err := s.Put(ctx, "k", []byte("v1")); err != nil {
		t.Fatal(err)
	}
	if err := s.Put(ctx, "k", []byte("v2")); err != nil {
		t.Fatal(err)
	}
	v, _ := s.Get(ctx, "k")
	if string(v) != "v2" {
		t.Errorf("Get = %q, want v2", v)
	}
}

func TestFoldAndSelect(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path, "mailbox")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()
	ctx := context.Background()

	for _, kv := range []struct{ k, v string }{
		{"a1", "even"}, {"a2", "odd"}, {"a3", "even"}, {"a4", "odd"},
	} {
		if err := s.Put(ctx, kv.k, []byte(kv.v)); err != nil {
			t.Fatal(err)
		}
	}

	count, err := s.Fold(ctx, func(k string, v []byte, acc any) (any, error) {
		return acc.(int) + 1, nil
	}, 0)
	if err != nil {
		t.Fatalf("Fold: %v", err)
	}
	if count.(int) != 4 {
		t.Errorf("Fold count = %v, want 4", count)
	}

	evens, err := s.Select(ctx, func(k string, v []byte) bool {
		return string(v) == "even"
	})
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if len(evens) != 2 {
		t.Errorf("Select evens = %d entries, want 2", len(evens))
	}
}

func TestOpenTwiceConcurrentlyRejected(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")
	s1, err := Open(path, "goals")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s1.Close()

	_, err = Open(path, "goals")
	if err == nil {
		t.Fatal("expected second concurrent Open on same path to fail")
	}
}

func TestCloseReleasesPath(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")
	s1, err := Open(path, "goals")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := s1.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	s2, err := Open(path, "goals")
	if err != nil {
		t.Fatalf("Open after Close should succeed: %v", err)
	}
	defer s2.Close()
}

func TestCompactForceRepairOnHealthyDB(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path, "goals")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()
	ctx := context.Background()
	_ = s.Put(ctx, "k", []byte("v"))

	if err := s.Compact(ctx, true); err != nil {
		t.Fatalf("Compact(forceRepair=true) on healthy db: %v", err)
	}
}

func TestSyncIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path, "goals")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	if err := s.Sync(context.Background()); err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if err := s.Sync(context.Background()); err != nil {
		t.Fatalf("second Sync: %v", err)
	}
}

func TestOnCorruptionNotRequired(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path, "goals")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	s.OnCorruption(func(table, reason string) {})

	if err := s.Put(context.Background(), "k", []byte("v")); err != nil {
		t.Fatalf("Put with corruption handler installed: %v", err)
	}
}

func TestIsCorruptionMatchesKnownSignatures(t *testing.T) {
	for _, msg := range []string{
		"sqlite: SQLITE_CORRUPT: database disk image is malformed",
		"SQLITE_NOTADB: file is not a database",
	} {
		if !isCorruption(errors.New(msg)) {
			t.Errorf("isCorruption(%q) = false, want true", msg)
		}
	}
	if isCorruption(errors.New("no such table: goals")) {
		t.Error("isCorruption matched an unrelated error")
	}
}
