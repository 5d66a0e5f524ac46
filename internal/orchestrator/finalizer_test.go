package orchestrator

import (
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestFinalizerReleaseRunsOnce(t *testing.T) {
	var calls atomic.Int32
	f := NewFinalizer(zerolog.Nop(), func() { calls.Add(1) })

	f.Release()
	f.Release()

	if got := calls.Load(); got != 1 {
		t.Fatalf("release ran %d times, want 1", got)
	}
}

func TestFinalizerFiresOnSignal(t *testing.T) {
	var calls atomic.Int32
	exited := make(chan int, 1)

	f := NewFinalizer(zerolog.Nop(), func() { calls.Add(1) })
	f.exit = func(code int) { exited <- code }

	f.signals <- syscall.SIGTERM

	select {
	case code := <-exited:
		if code != 1 {
			t.Errorf("exit code = %d, want 1", code)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("finalizer never fired on signal")
	}
	if got := calls.Load(); got != 1 {
		t.Fatalf("release ran %d times, want 1", got)
	}
}
