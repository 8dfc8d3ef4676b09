package engine

import (
	"context"
	"testing"
	"time"
)

func TestParseGoroutineHeader(t *testing.T) {
	t.Parallel()
	cases := []struct {
		in   string
		want uint64
	}{
		{"goroutine 1 [running]:", 1},
		{"goroutine 1234 [chan receive]:", 1234},
		{"goroutine 42 [select, 3 minutes]:", 42},
		{"not a header", 0},
		{"goroutine x [running]:", 0},
	}
	for _, tc := range cases {
		if got := parseGoroutineHeader([]byte(tc.in)); got != tc.want {
			t.Fatalf("parseGoroutineHeader(%q) = %d, want %d", tc.in, got, tc.want)
		}
	}
}

func TestWaitingState(t *testing.T) {
	t.Parallel()
	waiting := []string{
		"chan receive", "chan send", "select", "semacquire",
		"sync.Mutex.Lock", "sleep", "IO wait", "wait",
	}
	for _, s := range waiting {
		if !WaitingState(s) {
			t.Fatalf("WaitingState(%q) = false, want true", s)
		}
	}
	for _, s := range []string{"running", "runnable", "syscall"} {
		if WaitingState(s) {
			t.Fatalf("WaitingState(%q) = true, want false", s)
		}
	}
}

func TestGoroutineThreadLifecycle(t *testing.T) {
	t.Parallel()
	gate := make(chan struct{})
	started := make(chan struct{})

	th := GoroutineFactory{}.NewThread(func(ctx context.Context) {
		close(started)
		<-gate
	})
	th.SetName("worker-1")
	th.SetPriority(7)

	if th.Alive() {
		t.Fatalf("thread alive before Start")
	}
	th.Start()
	<-started
	if !th.Alive() {
		t.Fatalf("thread not alive after Start")
	}
	if th.Name() != "worker-1" || th.Priority() != 7 {
		t.Fatalf("name/priority lost: %q/%d", th.Name(), th.Priority())
	}

	// The worker is parked on a channel receive; sampling must find it.
	deadline := time.Now().Add(5 * time.Second)
	for {
		stack, state, ok := th.Sample()
		if ok && state == "chan receive" {
			if stack == "" {
				t.Fatalf("empty stack for sampled goroutine")
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("never sampled a blocked worker (ok=%v state=%q)", ok, state)
		}
		time.Sleep(5 * time.Millisecond)
	}

	close(gate)
	deadline = time.Now().Add(5 * time.Second)
	for th.Alive() {
		if time.Now().After(deadline) {
			t.Fatalf("thread still alive after callable returned")
		}
		time.Sleep(2 * time.Millisecond)
	}
	if _, _, ok := th.Sample(); ok {
		t.Fatalf("finished thread still sampleable")
	}
}

func TestGoroutineThreadInterrupt(t *testing.T) {
	t.Parallel()
	stopped := make(chan struct{})
	th := GoroutineFactory{}.NewThread(func(ctx context.Context) {
		<-ctx.Done()
		close(stopped)
	})
	th.Start()
	th.Interrupt()
	select {
	case <-stopped:
	case <-time.After(5 * time.Second):
		t.Fatalf("Interrupt did not cancel the thread context")
	}
}

func TestGoroutineThreadPriorityClamped(t *testing.T) {
	t.Parallel()
	th := GoroutineFactory{}.NewThread(func(context.Context) {})
	th.SetPriority(0)
	if got := th.Priority(); got != MinPriority {
		t.Fatalf("priority = %d, want clamp to %d", got, MinPriority)
	}
	th.SetPriority(99)
	if got := th.Priority(); got != MaxPriority {
		t.Fatalf("priority = %d, want clamp to %d", got, MaxPriority)
	}
}
