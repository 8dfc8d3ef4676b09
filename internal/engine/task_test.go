package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func newTestExecutor(t *testing.T, name string) *Executor {
	t.Helper()
	e := NewExecutor(ExecutorConfig{Name: name, Priority: NormPriority})
	t.Cleanup(func() { e.ShutDown(false) })
	return e
}

func waitUntil(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestTaskSubmitAndWait(t *testing.T) {
	t.Parallel()
	e := newTestExecutor(t, "submit")

	var ran atomic.Bool
	task := e.CreateTask(func(ctx context.Context, _ *Task) error {
		ran.Store(true)
		return nil
	}).SetName("simple")

	if _, err := task.Submit(); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if err := task.WaitForFinish(); err != nil {
		t.Fatalf("WaitForFinish: %v", err)
	}
	if !ran.Load() {
		t.Fatalf("callable did not run")
	}
	if !task.HasFinished() || !task.IsStarted() || !task.IsSubmitted() {
		t.Fatalf("unexpected terminal state: finished=%v started=%v submitted=%v",
			task.HasFinished(), task.IsStarted(), task.IsSubmitted())
	}
	if task.StartTime().IsZero() {
		t.Fatalf("start time not recorded")
	}
}

func TestTaskDoubleSubmitFails(t *testing.T) {
	t.Parallel()
	e := newTestExecutor(t, "double")

	task := e.CreateTask(func(context.Context, *Task) error { return nil })
	if _, err := task.Submit(); err != nil {
		t.Fatalf("first Submit: %v", err)
	}
	if _, err := task.Submit(); !IsTaskState(err, ReasonAlreadySubmitted) {
		t.Fatalf("second Submit: got %v, want already-submitted", err)
	}
}

func TestTaskWaitUnsubmittedFails(t *testing.T) {
	t.Parallel()
	e := newTestExecutor(t, "unsubmitted")

	task := e.CreateTask(func(context.Context, *Task) error { return nil })
	if err := task.WaitForFinish(); !IsTaskState(err, ReasonNotSubmitted) {
		t.Fatalf("WaitForFinish: got %v, want not-submitted", err)
	}
}

func TestTaskAbortBeforeSubmit(t *testing.T) {
	t.Parallel()
	e := newTestExecutor(t, "abort-created")

	task := e.CreateTask(func(context.Context, *Task) error {
		t.Error("aborted task must not run")
		return nil
	})
	if !task.Abort() {
		t.Fatalf("Abort on unsubmitted task must succeed")
	}
	if _, err := task.Submit(); !IsTaskState(err, ReasonAborted) {
		t.Fatalf("Submit after abort: got %v, want aborted", err)
	}
}

func TestTaskAbortQueued(t *testing.T) {
	t.Parallel()
	e := newTestExecutor(t, "abort-queued")

	if err := e.Suspend(true, NormPriority, false); err != nil {
		t.Fatalf("Suspend: %v", err)
	}
	task := e.CreateTask(func(context.Context, *Task) error {
		t.Error("aborted task must not run")
		return nil
	})
	if _, err := task.Submit(); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if !task.Abort() {
		t.Fatalf("Abort on queued task must succeed")
	}
	if snap := e.Snapshot(); snap.QueueLen != 0 {
		t.Fatalf("queue not empty after abort: %d", snap.QueueLen)
	}
	e.ResumeFromSuspension()
	if err := task.WaitForFinish(); !IsTaskState(err, ReasonAborted) {
		t.Fatalf("WaitForFinish: got %v, want aborted", err)
	}
}

func TestTaskAbortAfterStartIsCooperative(t *testing.T) {
	t.Parallel()
	e := newTestExecutor(t, "abort-started")

	task := e.CreateTask(func(ctx context.Context, _ *Task) error {
		<-ctx.Done()
		return ctx.Err()
	})
	if _, err := task.Submit(); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if err := task.WaitForStarting(); err != nil {
		t.Fatalf("WaitForStarting: %v", err)
	}
	if task.Abort() {
		t.Fatalf("Abort after start must report false")
	}
	if !task.IsAborted() {
		t.Fatalf("abort flag not recorded")
	}
	waitUntil(t, "interrupted task to finish", task.HasFinished)
}

func TestTaskErrorHandler(t *testing.T) {
	t.Parallel()
	e := newTestExecutor(t, "errhandler")

	boom := errors.New("boom")
	var handled atomic.Bool
	task := e.CreateTask(func(context.Context, *Task) error { return boom }).
		SetErrorHandler(func(_ *Task, err error) bool {
			handled.Store(true)
			return true
		})
	if _, err := task.Submit(); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if err := task.WaitForFinish(); err != nil {
		t.Fatalf("WaitForFinish: %v", err)
	}
	if !handled.Load() {
		t.Fatalf("error handler not offered the error")
	}
	var ee *ExecutionError
	if !errors.As(task.Err(), &ee) || !errors.Is(task.Err(), boom) {
		t.Fatalf("Err() = %v, want ExecutionError wrapping boom", task.Err())
	}
}

func TestTaskPanicIsCaptured(t *testing.T) {
	t.Parallel()
	e := newTestExecutor(t, "panics")

	task := e.CreateTask(func(context.Context, *Task) error { panic("kaboom") })
	if _, err := task.Submit(); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if err := task.WaitForFinish(); err != nil {
		t.Fatalf("WaitForFinish: %v", err)
	}
	var ee *ExecutionError
	if !errors.As(task.Err(), &ee) || !ee.Panic {
		t.Fatalf("Err() = %v, want panic ExecutionError", task.Err())
	}
}

func TestTaskWaitTimeoutLeavesStateUnchanged(t *testing.T) {
	t.Parallel()
	e := newTestExecutor(t, "timeout")

	gate := make(chan struct{})
	task := e.CreateTask(func(context.Context, *Task) error {
		<-gate
		return nil
	})
	if _, err := task.Submit(); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if err := task.WaitForFinish(WithTimeout(30 * time.Millisecond)); err != nil {
		t.Fatalf("timed WaitForFinish: %v", err)
	}
	if task.HasFinished() {
		t.Fatalf("task finished before gate opened")
	}
	close(gate)
	if err := task.WaitForFinish(); err != nil {
		t.Fatalf("WaitForFinish: %v", err)
	}
}

func TestRunOnlyOnceDeduplicates(t *testing.T) {
	t.Parallel()
	e := newTestExecutor(t, "dedup")

	gate := make(chan struct{})
	var runs atomic.Int32
	mk := func() *Task {
		return e.CreateTask(func(context.Context, *Task) error {
			runs.Add(1)
			<-gate
			return nil
		})
	}

	first := mk()
	if err := first.RunOnlyOnce("job", nil); err != nil {
		t.Fatalf("RunOnlyOnce: %v", err)
	}
	if _, err := first.Submit(); err != nil {
		t.Fatalf("Submit first: %v", err)
	}
	if err := first.WaitForStarting(); err != nil {
		t.Fatalf("WaitForStarting: %v", err)
	}

	dup := mk()
	if err := dup.RunOnlyOnce("job", nil); err != nil {
		t.Fatalf("RunOnlyOnce dup: %v", err)
	}
	rep, err := dup.Submit()
	if err != nil {
		t.Fatalf("Submit dup: %v", err)
	}
	if rep != first {
		t.Fatalf("duplicate submission did not return the live representative")
	}

	close(gate)
	if err := first.WaitForFinish(); err != nil {
		t.Fatalf("WaitForFinish: %v", err)
	}
	waitUntil(t, "once id release", func() bool { return e.registry.size() == 0 })

	again := e.CreateTask(func(context.Context, *Task) error {
		runs.Add(1)
		return nil
	})
	if err := again.RunOnlyOnce("job", nil); err != nil {
		t.Fatalf("RunOnlyOnce again: %v", err)
	}
	if _, err := again.Submit(); err != nil {
		t.Fatalf("Submit again: %v", err)
	}
	if err := again.WaitForFinish(); err != nil {
		t.Fatalf("WaitForFinish again: %v", err)
	}
	if got := runs.Load(); got != 2 {
		t.Fatalf("runs = %d, want 2", got)
	}
}

func TestRunOnlyOnceConcurrentSubmitters(t *testing.T) {
	t.Parallel()
	e := newTestExecutor(t, "dedup-race")

	gate := make(chan struct{})
	var runs atomic.Int32
	const submitters = 16

	var wg sync.WaitGroup
	for i := 0; i < submitters; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			task := e.CreateTask(func(context.Context, *Task) error {
				runs.Add(1)
				<-gate
				return nil
			})
			if err := task.RunOnlyOnce("contended", nil); err != nil {
				t.Errorf("RunOnlyOnce: %v", err)
				return
			}
			if _, err := task.Submit(); err != nil {
				t.Errorf("Submit: %v", err)
			}
		}()
	}
	wg.Wait()

	waitUntil(t, "single run to start", func() bool { return runs.Load() == 1 })
	close(gate)
	waitUntil(t, "lane drain", func() bool {
		snap := e.Snapshot()
		return snap.QueueLen == 0 && snap.InExecution == 0
	})
	if got := runs.Load(); got != 1 {
		t.Fatalf("runs = %d, want exactly 1", got)
	}
}

func TestRunOnlyOnceAlreadyRanShortCircuits(t *testing.T) {
	t.Parallel()
	e := newTestExecutor(t, "already-ran")

	task := e.CreateTask(func(context.Context, *Task) error {
		t.Error("short-circuited task must not run")
		return nil
	})
	if err := task.RunOnlyOnce("done", func() bool { return true }); err != nil {
		t.Fatalf("RunOnlyOnce: %v", err)
	}
	rep, err := task.Submit()
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if rep != task {
		t.Fatalf("short-circuit must hand back the same task")
	}
	if snap := e.Snapshot(); snap.QueueLen != 0 {
		t.Fatalf("short-circuited task reached the queue")
	}
}

func TestProducerTaskJoin(t *testing.T) {
	t.Parallel()
	e := newTestExecutor(t, "producer")

	p := NewProducerTask(e, func(context.Context, *ProducerTask[int]) (int, error) {
		return 42, nil
	})
	if _, err := p.Submit(); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	v, err := p.Join()
	if err != nil {
		t.Fatalf("Join: %v", err)
	}
	if v != 42 {
		t.Fatalf("Join = %d, want 42", v)
	}
	if p.Get() != 42 {
		t.Fatalf("Get = %d, want 42", p.Get())
	}
}

func TestProducerTaskError(t *testing.T) {
	t.Parallel()
	e := newTestExecutor(t, "producer-err")

	boom := errors.New("no value")
	pt := NewProducerTask(e, func(context.Context, *ProducerTask[string]) (string, error) {
		return "", boom
	})
	pt.SetErrorHandler(func(*Task, error) bool { return true })
	if _, err := pt.Submit(); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if _, err := pt.Join(); err != nil {
		t.Fatalf("Join: %v", err)
	}
	if !errors.Is(pt.Err(), boom) {
		t.Fatalf("Err() = %v, want wrapped boom", pt.Err())
	}
}

func TestCreationTracking(t *testing.T) {
	t.Parallel()
	e := NewExecutor(ExecutorConfig{Name: "tracked", Priority: NormPriority, CreationTracking: true})
	t.Cleanup(func() { e.ShutDown(false) })

	task := e.CreateTask(func(context.Context, *Task) error { return nil })
	if task.CreatorFrames() == "" {
		t.Fatalf("creator frames not captured")
	}

	e.SetCreationTracking(false)
	untracked := e.CreateTask(func(context.Context, *Task) error { return nil })
	if untracked.CreatorFrames() != "" {
		t.Fatalf("creator frames captured with tracking off")
	}
}
