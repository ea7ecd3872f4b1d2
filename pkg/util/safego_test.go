package util

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestSafeGo_NormalExecution(t *testing.T) {
	var done atomic.Bool
	SafeGo(func() {
		done.Store(true)
	})
	time.Sleep(50 * time.Millisecond)
	if !done.Load() {
		t.Error("SafeGo: function was not executed")
	}
}

func TestSafeGo_PanicDoesNotPropagate(t *testing.T) {
	// a panic inside fn must not propagate to the caller
	var wg sync.WaitGroup
	wg.Add(1)

	SafeGo(func() {
		defer wg.Done()
		panic("test panic")
	})

	// if the panic escaped, the test process would crash before this line
	wg.Wait()
}

func TestSafeGo_PanicWithError(t *testing.T) {
	var wg sync.WaitGroup
	wg.Add(1)
	SafeGo(func() {
		defer wg.Done()
		panic(42) // non-string panic value
	})
	wg.Wait()
}

func TestSafeGo_MultipleConcurrent(t *testing.T) {
	const n = 100
	var counter atomic.Int32
	var wg sync.WaitGroup
	wg.Add(n)

	for i := 0; i < n; i++ {
		SafeGo(func() {
			defer wg.Done()
			counter.Add(1)
		})
	}

	wg.Wait()
	if got := counter.Load(); got != n {
		t.Errorf("SafeGo concurrent: executed %d/%d", got, n)
	}
}
