package engine

import (
	"context"
	"strings"
	"testing"
	"time"
)

func TestMonitorMarksBlockedTask(t *testing.T) {
	t.Parallel()
	g := NewGroup(GroupConfig{Name: "watchdog", Lanes: []LaneConfig{{Priority: NormPriority}}})
	t.Cleanup(func() { g.ShutDown(false) })

	gate := make(chan struct{})
	t.Cleanup(func() { close(gate) })

	task := g.CreateTask(func(context.Context, *Task) error {
		<-gate
		return nil
	}).SetName("stuck")
	if _, err := task.Submit(); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if err := task.WaitForStarting(); err != nil {
		t.Fatalf("WaitForStarting: %v", err)
	}

	g.StartMonitoring(MonitorConfig{
		Interval:            20 * time.Millisecond,
		DeadlockedThreshold: 40 * time.Millisecond,
		Policy:              PolicyMark,
	})
	t.Cleanup(g.StopMonitoring)

	waitUntil(t, "deadlock flag", task.IsProbablyDeadlocked)

	if err := task.WaitForFinish(); !IsTaskState(err, ReasonDeadlocked) {
		t.Fatalf("WaitForFinish: got %v, want deadlocked", err)
	}
	if err := task.WaitForFinish(IgnoreDeadlocked()); err != nil {
		t.Fatalf("WaitForFinish(IgnoreDeadlocked): %v", err)
	}

	// The flagged task is detached, so lane drains no longer hang on it.
	if err := g.byPriority(NormPriority).WaitForTasksEnding(MaxPriority, true, true); err != nil {
		t.Fatalf("WaitForTasksEnding after detach: %v", err)
	}

	th := task.threadRef()
	if th == nil || !strings.HasPrefix(th.Name(), "PROBABLE DEAD-LOCKED THREAD -> ") {
		t.Fatalf("worker not renamed: %q", th.Name())
	}
}

func TestMonitorKillPolicyAbortsTask(t *testing.T) {
	t.Parallel()
	g := NewGroup(GroupConfig{Name: "killer", Lanes: []LaneConfig{{Priority: NormPriority}}})
	t.Cleanup(func() { g.ShutDown(false) })

	gate := make(chan struct{})
	defer close(gate)

	task := g.CreateTask(func(ctx context.Context, _ *Task) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-gate:
			return nil
		}
	}).SetName("doomed")
	task.SetErrorHandler(func(*Task, error) bool { return true })
	if _, err := task.Submit(); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if err := task.WaitForStarting(); err != nil {
		t.Fatalf("WaitForStarting: %v", err)
	}

	g.StartMonitoring(MonitorConfig{
		Interval:            20 * time.Millisecond,
		DeadlockedThreshold: 40 * time.Millisecond,
		Policy:              PolicyKill,
	})
	t.Cleanup(g.StopMonitoring)

	waitUntil(t, "deadlock flag", task.IsProbablyDeadlocked)
	waitUntil(t, "abort flag", task.IsAborted)
	waitUntil(t, "interrupted task to return", task.HasFinished)
}

func TestMonitorLeavesHealthyTasksAlone(t *testing.T) {
	t.Parallel()
	g := NewGroup(GroupConfig{Name: "healthy", Lanes: []LaneConfig{{Priority: NormPriority}}})
	t.Cleanup(func() { g.ShutDown(false) })

	g.StartMonitoring(MonitorConfig{
		Interval:            10 * time.Millisecond,
		DeadlockedThreshold: 2 * time.Second,
		Policy:              PolicyMark,
	})
	t.Cleanup(g.StopMonitoring)

	// Finishes well below the age threshold, so sampling never flags it.
	task := g.CreateTask(func(context.Context, *Task) error {
		time.Sleep(60 * time.Millisecond)
		return nil
	})
	if _, err := task.Submit(); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if err := task.WaitForFinish(); err != nil {
		t.Fatalf("WaitForFinish: %v", err)
	}
	if task.IsProbablyDeadlocked() {
		t.Fatalf("finished task flagged as deadlocked")
	}
}
