package logger

import (
	"bytes"
	"context"
	"log/slog"
	"sync"
	"testing"
)

func TestInitSwitchesHandlerKind(t *testing.T) {
	Init("production")
	if _, ok := Get().Handler().(*slog.JSONHandler); !ok {
		t.Errorf("production env should select a JSON handler, got %T", Get().Handler())
	}

	Init("development")
	if _, ok := Get().Handler().(*slog.JSONHandler); ok {
		t.Errorf("development env should not select the JSON handler")
	}
}

func TestFromContextFallsBackToDefault(t *testing.T) {
	if FromContext(context.Background()) != Get() {
		t.Error("FromContext with no attached logger should return the default logger")
	}
}

func TestWithContextRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	custom := slog.New(slog.NewTextHandler(&buf, nil))
	ctx := WithContext(context.Background(), custom)

	if FromContext(ctx) != custom {
		t.Error("FromContext did not return the attached logger")
	}
}

func TestConcurrentAccess(t *testing.T) {
	Init("production")
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			Info("concurrent log", FieldComponent, "test")
			_ = Get()
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		Init("development")
	}()
	wg.Wait()
}

func TestMultiHandlerFanOut(t *testing.T) {
	var a, b bytes.Buffer
	h := NewMultiHandler(
		slog.NewTextHandler(&a, nil),
		slog.NewTextHandler(&b, nil),
	)
	l := slog.New(h)
	l.Info("hello", "k", "v")

	if a.Len() == 0 || b.Len() == 0 {
		t.Fatal("expected both handlers to receive the record")
	}
}

func TestMultiHandlerWithAttrsPropagates(t *testing.T) {
	var buf bytes.Buffer
	h := NewMultiHandler(slog.NewTextHandler(&buf, nil))
	l := slog.New(h).With(FieldComponent, "bus")
	l.Info("published")

	if !bytes.Contains(buf.Bytes(), []byte(FieldComponent)) {
		t.Error("expected attribute propagated through WithAttrs to appear in output")
	}
}
