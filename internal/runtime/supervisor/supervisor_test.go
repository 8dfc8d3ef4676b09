package supervisor

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestGoCapturesFirstError(t *testing.T) {
	t.Parallel()
	s := New(context.Background())

	boom := errors.New("boom")
	s.Go("failing", func(context.Context) error { return boom })
	s.Go0("fine", func(context.Context) {})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := s.Stop(ctx)
	if !errors.Is(err, boom) {
		t.Fatalf("Stop: got %v, want wrapped boom", err)
	}
}

func TestGoRecoversPanic(t *testing.T) {
	t.Parallel()
	s := New(context.Background())
	s.Go0("panicky", func(context.Context) { panic("ouch") })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Stop(ctx); err == nil {
		t.Fatalf("panic did not surface as supervisor error")
	}
}

func TestCancelOnError(t *testing.T) {
	t.Parallel()
	s := New(context.Background(), WithCancelOnError(true))

	released := make(chan struct{})
	s.Go0("waiter", func(ctx context.Context) {
		<-ctx.Done()
		close(released)
	})
	s.Go("trigger", func(context.Context) error { return errors.New("fatal") })

	select {
	case <-released:
	case <-time.After(5 * time.Second):
		t.Fatalf("first error did not cancel sibling goroutines")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = s.Wait(ctx)
}

func TestContextCancellationIsClean(t *testing.T) {
	t.Parallel()
	s := New(context.Background())
	s.Go("loyal", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Stop(ctx); err != nil {
		t.Fatalf("Stop after cancellation: %v", err)
	}
}

func TestGoRestartStopsOnCleanExit(t *testing.T) {
	t.Parallel()
	s := New(context.Background())

	ran := make(chan struct{})
	s.GoRestart("once", func(context.Context) error {
		close(ran)
		return nil
	})
	select {
	case <-ran:
	case <-time.After(5 * time.Second):
		t.Fatalf("restartable goroutine never ran")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}

func TestCounters(t *testing.T) {
	t.Parallel()
	s := New(context.Background())
	gate := make(chan struct{})
	s.Go0("held", func(context.Context) { <-gate })

	deadline := time.Now().Add(5 * time.Second)
	for s.Counters().Active != 1 {
		if time.Now().After(deadline) {
			t.Fatalf("active counter never reached 1: %+v", s.Counters())
		}
		time.Sleep(2 * time.Millisecond)
	}
	close(gate)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if c := s.Counters(); c.Active != 0 || c.Started != 1 {
		t.Fatalf("counters after stop = %+v", c)
	}
}
