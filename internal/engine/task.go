package engine

import (
	"context"
	"fmt"
	"runtime"
	"runtime/debug"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Callable is the unit of work bound to a Task. The context is the worker
// thread's context; it is cancelled when the task is interrupted (kill policy
// or cooperative abort after start). Returned errors never propagate to the
// dispatcher: they are offered to the task's error handler and otherwise
// logged, and the task is still marked finished.
type Callable func(ctx context.Context, t *Task) error

// Task is one schedulable unit of work.
//
// Lifecycle: Created -> Submitted -> (Queued) -> Executing -> Finished | Aborted.
// A finished or aborted task is terminal and can never be submitted, started
// or aborted again. All state transitions are guarded by the task's own lock
// and announced through a broadcast channel, so waiters re-check predicates
// in a loop and spurious wakeups cannot cause premature returns.
type Task struct {
	mu      sync.Mutex
	changed chan struct{}

	name     string
	priority int

	run     Callable
	invoke  func(ctx context.Context) error // producer override; nil for plain tasks
	wrapper any                             // back-pointer to the ProducerTask, if any

	runOnlyOnce bool
	onceID      string
	alreadyRan  func() bool

	submitted          bool
	aborted            bool
	finished           bool
	probablyDeadlocked bool
	startTime          time.Time

	thread Thread
	err    error

	errHandler func(t *Task, err error) bool

	exec  *Executor // bound owner: at creation for lane tasks, at dispatch for group tasks
	group *Group    // set for group-created tasks; lane resolution is late-bound

	creator string // formatted creation frames when tracking is enabled
}

func newTask(run Callable, priority int, exec *Executor, group *Group, tracking bool) *Task {
	t := &Task{}
	initTask(t, run, priority, exec, group, tracking)
	return t
}

// initTask initializes a task in place; embedders use it to avoid copying
// the task's lock after construction.
func initTask(t *Task, run Callable, priority int, exec *Executor, group *Group, tracking bool) {
	t.changed = make(chan struct{})
	t.priority = priority
	t.run = run
	t.exec = exec
	t.group = group
	if tracking {
		// Creator frames inside this package are filtered out, so the skip
		// only needs to clear the runtime.Callers frame itself.
		t.creator = captureCreator(2)
	}
}

// notifyLocked announces a state change to every waiter. Callers must hold mu.
func (t *Task) notifyLocked() {
	close(t.changed)
	t.changed = make(chan struct{})
}

func (t *Task) Name() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.name
}

func (t *Task) SetName(name string) *Task {
	t.mu.Lock()
	t.name = name
	t.mu.Unlock()
	return t
}

// SetErrorHandler installs a handler offered every error raised by the
// callable. Returning true marks the error as handled (it is not logged).
func (t *Task) SetErrorHandler(fn func(t *Task, err error) bool) *Task {
	t.mu.Lock()
	t.errHandler = fn
	t.mu.Unlock()
	return t
}

// RunOnlyOnce marks the task for process-wide deduplication by id. It must be
// called before Submit. alreadyRan, when non-nil, short-circuits submission
// entirely if it reports the work already happened.
func (t *Task) RunOnlyOnce(id string, alreadyRan func() bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.submitted {
		return &TaskStateError{Task: t.name, Reason: ReasonAlreadySubmitted}
	}
	t.runOnlyOnce = true
	t.onceID = id
	t.alreadyRan = alreadyRan
	return nil
}

func (t *Task) Priority() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.priority
}

// ChangePriority updates the task's priority. For group-created tasks still in
// a queue this re-homes the queue entry to the lane resolved for the new
// priority; once started only the worker thread's hint changes.
func (t *Task) ChangePriority(priority int) {
	if t.group != nil {
		t.group.ChangePriority(t, priority)
		return
	}
	t.setPriorityHint(priority)
}

func (t *Task) setPriorityHint(priority int) {
	t.mu.Lock()
	t.priority = priority
	th := t.thread
	t.mu.Unlock()
	if th != nil {
		th.SetPriority(priority)
	}
}

func (t *Task) IsSubmitted() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.submitted
}

func (t *Task) IsStarted() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return !t.startTime.IsZero()
}

func (t *Task) HasFinished() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.finished
}

func (t *Task) IsAborted() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.aborted
}

func (t *Task) IsProbablyDeadlocked() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.probablyDeadlocked
}

// StartTime returns the time execution began, or the zero time if the task
// has not started.
func (t *Task) StartTime() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.startTime
}

// Err returns the error captured from the callable, if any.
func (t *Task) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

// CreatorFrames returns the formatted creation call-site frames, or "" when
// creation tracking was disabled for this task.
func (t *Task) CreatorFrames() string { return t.creator }

// Submit transitions Created -> Submitted exactly once and hands the task to
// its owning lane's queue. For run-once tasks the returned task may be a
// different, pre-existing representative with the same id.
func (t *Task) Submit() (*Task, error) {
	t.mu.Lock()
	if t.aborted {
		name := t.name
		t.mu.Unlock()
		return nil, &TaskStateError{Task: name, Reason: ReasonAborted}
	}
	if t.submitted {
		name := t.name
		t.mu.Unlock()
		return nil, &TaskStateError{Task: name, Reason: ReasonAlreadySubmitted}
	}
	t.submitted = true
	t.mu.Unlock()

	ex := t.routeExecutor()
	if ex == nil {
		t.unsubmit()
		return nil, ErrTerminated
	}
	rep, err := ex.addToQueue(t, false)
	if err != nil {
		t.unsubmit()
		return nil, err
	}
	return rep, nil
}

// unsubmit rolls back a rejected submission so the task does not look
// submitted to waiters that would otherwise block on it forever.
func (t *Task) unsubmit() {
	t.mu.Lock()
	t.submitted = false
	t.notifyLocked()
	t.mu.Unlock()
}

// routeExecutor resolves the lane currently owning this task.
func (t *Task) routeExecutor() *Executor {
	t.mu.Lock()
	ex := t.exec
	group := t.group
	priority := t.priority
	t.mu.Unlock()
	if ex != nil {
		return ex
	}
	if group != nil {
		return group.byPriority(priority)
	}
	return nil
}

// Abort cancels the task if it has not started: it is removed from its queue
// synchronously and marked aborted. After start it only records an abort
// request and interrupts the worker (cooperative). Reports whether execution
// was actually prevented. Safe to call multiple times.
func (t *Task) Abort() bool {
	t.mu.Lock()
	if !t.submitted {
		if !t.aborted {
			t.aborted = true
			t.notifyLocked()
		}
		t.mu.Unlock()
		return true
	}
	t.mu.Unlock()

	if t.group != nil {
		return t.group.Abort(t)
	}
	if ex := t.routeExecutor(); ex != nil {
		return ex.Abort(t)
	}
	return t.IsAborted()
}

type waitOptions struct {
	timeout          time.Duration
	ignoreDeadlocked bool
}

// WaitOption tunes WaitForStarting / WaitForFinish / Join.
type WaitOption func(*waitOptions)

// WithTimeout bounds the wait. On expiry the call returns nil with state
// unchanged; the caller must re-check state rather than assume success.
func WithTimeout(d time.Duration) WaitOption {
	return func(o *waitOptions) { o.timeout = d }
}

// IgnoreDeadlocked makes the wait treat a probably-deadlocked flag as a
// terminal wakeup instead of an error.
func IgnoreDeadlocked() WaitOption {
	return func(o *waitOptions) { o.ignoreDeadlocked = true }
}

// WaitForStarting blocks the calling thread until the task has started.
func (t *Task) WaitForStarting(opts ...WaitOption) error {
	return t.waitCond(func(t *Task) bool { return !t.startTime.IsZero() }, opts)
}

// WaitForFinish blocks the calling thread until the task has finished.
func (t *Task) WaitForFinish(opts ...WaitOption) error {
	return t.waitCond(func(t *Task) bool { return t.finished }, opts)
}

// waitCond re-checks done (called with the task lock held) in a loop around a
// broadcast wait, so neither spurious wakeups nor racing state changes can be
// lost. A worker thread calling into its own task returns immediately.
func (t *Task) waitCond(done func(*Task) bool, opts []WaitOption) error {
	var o waitOptions
	for _, opt := range opts {
		opt(&o)
	}

	t.mu.Lock()
	th := t.thread
	t.mu.Unlock()
	if mc, ok := th.(interface{ matchesCurrent() bool }); ok && mc.matchesCurrent() {
		return nil
	}

	var expired <-chan time.Time
	if o.timeout > 0 {
		timer := time.NewTimer(o.timeout)
		defer timer.Stop()
		expired = timer.C
	}

	for {
		t.mu.Lock()
		if !t.submitted {
			name := t.name
			t.mu.Unlock()
			return &TaskStateError{Task: name, Reason: ReasonNotSubmitted}
		}
		if done(t) {
			t.mu.Unlock()
			return nil
		}
		if t.probablyDeadlocked {
			name := t.name
			t.mu.Unlock()
			if o.ignoreDeadlocked {
				return nil
			}
			return &TaskStateError{Task: name, Reason: ReasonDeadlocked}
		}
		if t.aborted {
			name := t.name
			t.mu.Unlock()
			return &TaskStateError{Task: name, Reason: ReasonAborted}
		}
		ch := t.changed
		t.mu.Unlock()

		select {
		case <-ch:
		case <-expired:
			return nil
		}
	}
}

// execute runs on the task's freshly supplied worker thread.
func (t *Task) execute(e *Executor, ctx context.Context) {
	t.mu.Lock()
	if t.aborted {
		t.notifyLocked()
		t.mu.Unlock()
		e.removeInExecution(t)
		e.freeOnce(t)
		return
	}
	started := time.Now()
	t.startTime = started
	t.exec = e
	t.notifyLocked()
	t.mu.Unlock()

	e.publishTask(EventTaskStarted, t, 0, nil)

	err := t.invokeCallable(ctx)
	if err != nil {
		t.mu.Lock()
		t.err = err
		handler := t.errHandler
		t.mu.Unlock()
		if handler == nil || !handler(t, err) {
			e.logTaskFailure(t, err)
		}
	}

	t.mu.Lock()
	t.finished = true
	t.notifyLocked()
	t.mu.Unlock()

	e.taskFinished(t, time.Since(started), err)
}

func (t *Task) invokeCallable(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &ExecutionError{
				Task:  t.Name(),
				Panic: true,
				Wrapped: fmt.Errorf("%v\n%s", r,
					strings.TrimSpace(string(debug.Stack()))),
			}
		}
	}()
	t.mu.Lock()
	invoke := t.invoke
	run := t.run
	t.mu.Unlock()
	if invoke != nil {
		if err := invoke(ctx); err != nil {
			return &ExecutionError{Task: t.Name(), Wrapped: err}
		}
		return nil
	}
	if run == nil {
		return nil
	}
	if err := run(ctx, t); err != nil {
		return &ExecutionError{Task: t.Name(), Wrapped: err}
	}
	return nil
}

func (t *Task) markAborted() {
	t.mu.Lock()
	if !t.aborted {
		t.aborted = true
		t.notifyLocked()
	}
	t.mu.Unlock()
}

func (t *Task) markProbablyDeadlocked() {
	t.mu.Lock()
	if !t.probablyDeadlocked {
		t.probablyDeadlocked = true
		t.notifyLocked()
	}
	t.mu.Unlock()
}

func (t *Task) onceKey() (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.onceID, t.runOnlyOnce
}

func (t *Task) threadRef() Thread {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.thread
}

// detach removes the task from its lane's in-flight bookkeeping and frees its
// run-once id, so lane drains do not hang on it forever. Used by the monitor.
func (t *Task) detach() {
	t.mu.Lock()
	e := t.exec
	t.mu.Unlock()
	if e != nil {
		e.removeInExecution(t)
		e.freeOnce(t)
	}
}

// InfoString renders the task state for diagnostics, including the worker
// stack (when sampled) and the creation call-site (when tracked).
func (t *Task) InfoString() string {
	t.mu.Lock()
	name := t.name
	priority := t.priority
	started := !t.startTime.IsZero()
	aborted := t.aborted
	finished := t.finished
	th := t.thread
	t.mu.Unlock()

	var b strings.Builder
	b.WriteString("task ")
	if name != "" {
		b.WriteString(name + " ")
	}
	b.WriteString("priority=" + strconv.Itoa(priority))
	b.WriteString(" started=" + strconv.FormatBool(started))
	b.WriteString(" aborted=" + strconv.FormatBool(aborted))
	b.WriteString(" finished=" + strconv.FormatBool(finished))
	if th != nil {
		if stack, state, ok := th.Sample(); ok {
			b.WriteString(" worker=" + th.Name() + " [" + state + "]\n")
			b.WriteString(stack)
		}
	}
	if t.creator != "" {
		b.WriteString("\ncreated by:\n" + t.creator)
	}
	return b.String()
}

func captureCreator(skip int) string {
	pcs := make([]uintptr, 16)
	n := runtime.Callers(skip, pcs)
	frames := runtime.CallersFrames(pcs[:n])
	var b strings.Builder
	for {
		fr, more := frames.Next()
		if fr.File != "" && !strings.Contains(fr.Function, "laned/internal/engine.") {
			if b.Len() > 0 {
				b.WriteString("\n")
			}
			b.WriteString("  " + fr.Function + " " + fr.File + ":" + strconv.Itoa(fr.Line))
		}
		if !more {
			break
		}
	}
	return b.String()
}
