package engine

import (
	"context"
	"strconv"
	"sync"
	"time"

	"laned/internal/eventbus"
	"laned/pkg/logx"
)

// ExecutorConfig configures one priority lane.
type ExecutorConfig struct {
	Name     string
	Priority int
	// Daemon is a recorded lane attribute surfaced in snapshots and thread
	// names; goroutine-backed threads have no daemon semantics.
	Daemon  bool
	Factory ThreadFactory
	// CreationTracking captures the creator call-site of every task for
	// failure diagnostics.
	CreationTracking bool
	// Registry is the run-once dedup registry. Lanes belonging to one Group
	// share a single registry; nil means a private one.
	Registry *OnceRegistry
	Logger   logx.Logger
	Bus      eventbus.Bus
	// ShutdownKey, when non-nil, restricts ShutDown to callers presenting the
	// same key (capability check, not an invariant).
	ShutdownKey any
}

// Executor is one priority lane: an unbounded FIFO queue drained by a single
// dispatcher goroutine that binds each task to a fresh worker thread.
//
// The queue, the in-flight set and the run-once registry are the only
// structures touched by multiple threads; each is guarded by its own lock.
// Wakeups use broadcast channels (closed + replaced under the lane lock), so
// an enqueue racing the dispatcher's idle check can never be lost: the
// dispatcher reads the current channel instance under the lock and any later
// signal closes that same instance.
type Executor struct {
	name        string
	daemon      bool
	factory     ThreadFactory
	log         logx.Logger
	bus         eventbus.Bus
	registry    *OnceRegistry
	shutdownKey any

	mu              sync.Mutex
	queue           []*Task
	inExecution     map[*Task]struct{}
	suspended       bool
	terminated      bool
	tracking        bool
	defaultPriority int
	executedCount   uint64
	workerIndex     uint64

	wake          chan struct{} // work added / lane state changed
	drained       chan struct{} // dispatcher observed an empty queue
	suspensionAck chan struct{} // dispatcher parked due to suspension
	resumed       chan struct{} // suspension lifted

	dispatcherDone chan struct{}
}

// NewExecutor creates a lane and starts its dispatcher.
func NewExecutor(cfg ExecutorConfig) *Executor {
	if cfg.Factory == nil {
		cfg.Factory = GoroutineFactory{}
	}
	if cfg.Registry == nil {
		cfg.Registry = NewOnceRegistry()
	}
	if cfg.Priority < MinPriority || cfg.Priority > MaxPriority {
		cfg.Priority = NormPriority
	}
	if cfg.Logger.IsZero() {
		cfg.Logger = logx.Nop()
	}
	e := &Executor{
		name:            cfg.Name,
		daemon:          cfg.Daemon,
		factory:         cfg.Factory,
		log:             cfg.Logger.With(logx.String("lane", cfg.Name)),
		bus:             cfg.Bus,
		registry:        cfg.Registry,
		shutdownKey:     cfg.ShutdownKey,
		tracking:        cfg.CreationTracking,
		defaultPriority: cfg.Priority,
		inExecution:     map[*Task]struct{}{},
		wake:            make(chan struct{}),
		drained:         make(chan struct{}),
		suspensionAck:   make(chan struct{}),
		resumed:         make(chan struct{}),
		dispatcherDone:  make(chan struct{}),
	}

	launcher := e.factory.NewThread(func(context.Context) { e.dispatch() })
	launcher.SetName(e.name + " launcher")
	launcher.SetPriority(e.defaultPriority)
	launcher.Start()
	return e
}

// signalAll wakes every waiter on the channel and arms a fresh one.
// Callers must hold e.mu.
func signalAll(chp *chan struct{}) {
	close(*chp)
	*chp = make(chan struct{})
}

func (e *Executor) Name() string { return e.name }

func (e *Executor) DefaultPriority() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.defaultPriority
}

func (e *Executor) IsSuspended() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.suspended
}

func (e *Executor) IsTerminated() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.terminated
}

// ExecutedCount reports how many tasks this lane has finished.
func (e *Executor) ExecutedCount() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.executedCount
}

// SetCreationTracking toggles creator call-site capture for tasks created
// after the call.
func (e *Executor) SetCreationTracking(enabled bool) {
	e.mu.Lock()
	e.tracking = enabled
	e.mu.Unlock()
}

func (e *Executor) creationTracking() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.tracking
}

// CreateTask builds a task owned by this lane at its default priority. The
// task is a pure value until Submit.
func (e *Executor) CreateTask(run Callable) *Task {
	return newTask(run, e.DefaultPriority(), e, nil, e.creationTracking())
}

// dispatch is the lane's single dispatcher loop.
func (e *Executor) dispatch() {
	defer close(e.dispatcherDone)
	for {
		e.mu.Lock()
		if e.terminated {
			e.mu.Unlock()
			return
		}
		if e.suspended {
			signalAll(&e.suspensionAck)
			resumed := e.resumed
			e.mu.Unlock()
			<-resumed
			continue
		}
		if len(e.queue) > 0 {
			t := e.queue[0]
			e.queue = e.queue[1:]
			// In-flight membership starts at the pop, under the lane lock:
			// a popped task must never be invisible to drain and shutdown
			// waits while its worker goroutine is still being scheduled.
			e.inExecution[t] = struct{}{}
			e.workerIndex++
			idx := e.workerIndex
			e.mu.Unlock()
			e.launch(t, idx)
			continue
		}
		signalAll(&e.drained)
		wake := e.wake
		e.mu.Unlock()
		<-wake
	}
}

// launch binds the task to a fresh worker thread and starts it. Launching
// never blocks the dispatcher.
func (e *Executor) launch(t *Task, idx uint64) {
	th := e.factory.NewThread(func(ctx context.Context) { t.execute(e, ctx) })
	t.mu.Lock()
	t.thread = th
	name := t.name
	priority := t.priority
	t.mu.Unlock()

	if name != "" {
		th.SetName(e.name + " - " + name)
	} else {
		th.SetName(e.name + " worker " + strconv.FormatUint(idx, 10))
	}
	th.SetPriority(priority)
	th.Start()
}

// addToQueue appends the task unless it is run-once and an identical id is
// already live; then the pre-existing representative is returned instead and
// the new task is discarded.
func (e *Executor) addToQueue(t *Task, skipDedupCheck bool) (*Task, error) {
	if !skipDedupCheck {
		t.mu.Lock()
		once := t.runOnlyOnce
		id := t.onceID
		already := t.alreadyRan
		t.mu.Unlock()
		if once {
			if already != nil && already() {
				return t, nil
			}
			if rep, loaded := e.registry.register(id, t); loaded {
				return rep, nil
			}
		}
	}

	e.mu.Lock()
	if e.terminated {
		e.mu.Unlock()
		e.freeOnce(t)
		return nil, ErrTerminated
	}
	e.queue = append(e.queue, t)
	signalAll(&e.wake)
	e.mu.Unlock()

	e.publishTask(EventTaskSubmitted, t, 0, nil)
	return t, nil
}

func (e *Executor) removeInExecution(t *Task) {
	e.mu.Lock()
	delete(e.inExecution, t)
	e.mu.Unlock()
}

func (e *Executor) taskFinished(t *Task, dur time.Duration, err error) {
	e.mu.Lock()
	delete(e.inExecution, t)
	e.executedCount++
	e.mu.Unlock()
	e.freeOnce(t)

	if err != nil {
		e.publishTask(EventTaskFailed, t, dur, err)
	} else {
		e.publishTask(EventTaskFinished, t, dur, nil)
	}
}

func (e *Executor) freeOnce(t *Task) {
	t.mu.Lock()
	once := t.runOnlyOnce
	id := t.onceID
	t.mu.Unlock()
	if once {
		e.registry.free(id, t)
	}
}

// Abort removes a not-yet-started task from the queue and marks it aborted.
// For run-once tasks the registry id is freed so a future identical
// submission is not permanently blocked. Returns false when the task had
// already started (the abort flag is still recorded and the worker
// interrupted, cooperatively).
func (e *Executor) Abort(t *Task) bool {
	t.mu.Lock()
	if !t.submitted {
		if !t.aborted {
			t.aborted = true
			t.notifyLocked()
		}
		t.mu.Unlock()
		return true
	}
	started := !t.startTime.IsZero()
	once := t.runOnlyOnce
	id := t.onceID
	t.mu.Unlock()

	if started {
		t.markAborted()
		if th := t.threadRef(); th != nil {
			th.Interrupt()
		}
		e.publishTask(EventTaskAborted, t, 0, nil)
		return false
	}

	if once {
		// The caller may hold a discarded duplicate; the live entry in the
		// queue is whatever task is registered under the id.
		e.mu.Lock()
		for i, queued := range e.queue {
			if qid, qOnce := queued.onceKey(); qOnce && qid == id {
				e.queue = append(e.queue[:i], e.queue[i+1:]...)
				e.mu.Unlock()
				queued.markAborted()
				t.markAborted()
				e.registry.free(id, queued)
				e.publishTask(EventTaskAborted, queued, 0, nil)
				return true
			}
		}
		e.mu.Unlock()
		return t.IsAborted()
	}

	e.mu.Lock()
	removed := false
	for i, queued := range e.queue {
		if queued == t {
			e.queue = append(e.queue[:i], e.queue[i+1:]...)
			removed = true
			break
		}
	}
	e.mu.Unlock()

	if removed {
		t.markAborted()
		e.publishTask(EventTaskAborted, t, 0, nil)
		return true
	}
	return t.IsAborted()
}

// removeQueued detaches a queued task during priority re-homing. Reports
// whether the task was still queued here.
func (e *Executor) removeQueued(t *Task) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i, queued := range e.queue {
		if queued == t {
			e.queue = append(e.queue[:i], e.queue[i+1:]...)
			return true
		}
	}
	return false
}

// WaitForTasksEnding blocks until the queue drains and all in-flight tasks
// finish. With waitForNewlyAdded it loops until a quiescent point is observed
// with nothing queued and nothing in flight (re-checked after each wait:
// quiescence detection is inherently check-then-act).
func (e *Executor) WaitForTasksEnding(priority int, waitForNewlyAdded, ignoreDeadlocked bool) error {
	for {
		e.bumpQueuedPriorities(priority)
		e.waitQueueDrain()
		if err := e.waitInExecutionEnding(priority, ignoreDeadlocked); err != nil {
			return err
		}
		if !waitForNewlyAdded {
			return nil
		}
		e.mu.Lock()
		quiescent := len(e.queue) == 0 && len(e.inExecution) == 0
		e.mu.Unlock()
		if quiescent {
			return nil
		}
	}
}

func (e *Executor) bumpQueuedPriorities(priority int) {
	e.mu.Lock()
	queued := append([]*Task(nil), e.queue...)
	e.mu.Unlock()
	for _, t := range queued {
		t.setPriorityHint(priority)
	}
}

// waitQueueDrain blocks until the dispatcher observes an empty queue.
func (e *Executor) waitQueueDrain() {
	for {
		e.mu.Lock()
		if len(e.queue) == 0 || e.terminated {
			e.mu.Unlock()
			return
		}
		drained := e.drained
		e.mu.Unlock()
		<-drained
	}
}

// waitInExecutionEnding waits for every currently in-flight task, raising the
// workers' priority hints for the duration. Tasks aborted after start are
// treated as ended (they are removed from the in-flight set when their
// callable returns, but their waiters fail fast on the aborted flag).
func (e *Executor) waitInExecutionEnding(priority int, ignoreDeadlocked bool) error {
	e.mu.Lock()
	inFlight := make([]*Task, 0, len(e.inExecution))
	for t := range e.inExecution {
		inFlight = append(inFlight, t)
	}
	e.mu.Unlock()

	opts := []WaitOption{}
	if ignoreDeadlocked {
		opts = append(opts, IgnoreDeadlocked())
	}
	for _, t := range inFlight {
		if th := t.threadRef(); th != nil {
			th.SetPriority(priority)
		}
		if err := t.WaitForFinish(opts...); err != nil {
			if IsTaskState(err, ReasonAborted) {
				continue
			}
			return err
		}
	}
	return nil
}

// Suspend halts dispatching. Immediate: set the flag, wait for in-flight
// tasks, wake the dispatcher and block until it acknowledges parking.
// Deferred: wait for in-flight tasks, then inject a run-once sentinel that
// flips the flag from inside the dispatch stream, so FIFO-ordered tasks
// already queued ahead of it still run before suspension takes effect.
func (e *Executor) Suspend(immediately bool, priority int, ignoreDeadlocked bool) error {
	e.mu.Lock()
	if e.terminated {
		e.mu.Unlock()
		return ErrTerminated
	}
	if e.suspended {
		e.mu.Unlock()
		return nil
	}

	if immediately {
		e.suspended = true
		ack := e.suspensionAck
		signalAll(&e.wake)
		e.mu.Unlock()

		if err := e.waitInExecutionEnding(priority, ignoreDeadlocked); err != nil {
			return err
		}
		<-ack
		e.publishLane(EventLaneSuspended)
		return nil
	}
	e.mu.Unlock()

	if err := e.waitInExecutionEnding(priority, ignoreDeadlocked); err != nil {
		return err
	}
	sentinel := e.newSuspendingTask(priority)
	rep, err := sentinel.Submit()
	if err != nil {
		return err
	}
	opts := []WaitOption{}
	if ignoreDeadlocked {
		opts = append(opts, IgnoreDeadlocked())
	}
	if err := rep.WaitForFinish(opts...); err != nil {
		return err
	}
	// Tasks dispatched ahead of the sentinel may still be running.
	if err := e.waitInExecutionEnding(priority, ignoreDeadlocked); err != nil {
		return err
	}
	e.publishLane(EventLaneSuspended)
	return nil
}

func (e *Executor) newSuspendingTask(priority int) *Task {
	t := newTask(func(context.Context, *Task) error {
		e.mu.Lock()
		e.suspended = true
		e.mu.Unlock()
		return nil
	}, priority, e, nil, false)
	t.SetName("suspend sentinel")
	_ = t.RunOnlyOnce("suspend:"+e.name, e.IsSuspended)
	return t
}

// ResumeFromSuspension clears the suspended flag and wakes both the parked
// dispatcher and any caller blocked in the suspend handshake.
func (e *Executor) ResumeFromSuspension() {
	e.mu.Lock()
	wasSuspended := e.suspended
	e.suspended = false
	signalAll(&e.resumed)
	signalAll(&e.wake)
	e.mu.Unlock()
	if wasSuspended {
		e.publishLane(EventLaneResumed)
	}
}

// ShutDown terminates the lane: suspend (gracefully when
// waitForTasksTermination, else immediately), mark terminated, clear the
// queue and in-flight set, resume the dispatcher so it can observe
// termination and exit, and block until it actually has. Idempotent; a lane
// created with a ShutdownKey refuses the keyless form.
func (e *Executor) ShutDown(waitForTasksTermination bool) bool {
	return e.ShutDownWithKey(nil, waitForTasksTermination)
}

func (e *Executor) ShutDownWithKey(key any, waitForTasksTermination bool) bool {
	if e.shutdownKey != nil && key != e.shutdownKey {
		e.log.Warn("shutdown refused: caller does not hold the shutdown capability")
		return false
	}
	if e.IsTerminated() {
		return true
	}

	if err := e.Suspend(!waitForTasksTermination, e.DefaultPriority(), true); err != nil && err != ErrTerminated {
		e.log.Warn("suspension during shutdown did not complete cleanly", logx.Err(err))
	}
	e.LogStatus()

	e.mu.Lock()
	e.terminated = true
	queued := e.queue
	e.queue = nil
	e.inExecution = map[*Task]struct{}{}
	signalAll(&e.wake)
	e.mu.Unlock()

	for _, t := range queued {
		e.freeOnce(t)
	}
	e.ResumeFromSuspension()
	<-e.dispatcherDone
	e.publishLane(EventLaneTerminated)
	return true
}

// Snapshot is a point-in-time diagnostic view of the lane.
type Snapshot struct {
	Name        string `json:"name"`
	Priority    int    `json:"priority"`
	Daemon      bool   `json:"daemon"`
	QueueLen    int    `json:"queue_len"`
	InExecution int    `json:"in_execution"`
	Executed    uint64 `json:"executed"`
	Suspended   bool   `json:"suspended"`
	Terminated  bool   `json:"terminated"`
}

func (e *Executor) Snapshot() Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	return Snapshot{
		Name:        e.name,
		Priority:    e.defaultPriority,
		Daemon:      e.daemon,
		QueueLen:    len(e.queue),
		InExecution: len(e.inExecution),
		Executed:    e.executedCount,
		Suspended:   e.suspended,
		Terminated:  e.terminated,
	}
}

// LogStatus logs launched/pending counters for operator visibility.
func (e *Executor) LogStatus() {
	snap := e.Snapshot()
	e.log.Info("lane status",
		logx.Uint64("executed", snap.Executed),
		logx.Int("queued", snap.QueueLen),
		logx.Int("in_execution", snap.InExecution),
		logx.Bool("suspended", snap.Suspended),
	)
}

// InfoString renders queued and in-flight task details.
func (e *Executor) InfoString() string {
	e.mu.Lock()
	queued := append([]*Task(nil), e.queue...)
	inFlight := make([]*Task, 0, len(e.inExecution))
	for t := range e.inExecution {
		inFlight = append(inFlight, t)
	}
	e.mu.Unlock()

	out := ""
	if len(queued) > 0 {
		out += e.name + " - tasks to be executed:\n"
		for _, t := range queued {
			out += t.InfoString() + "\n"
		}
	}
	if len(inFlight) > 0 {
		out += e.name + " - tasks in execution:\n"
		for _, t := range inFlight {
			out += t.InfoString() + "\n"
		}
	}
	return out
}

// allInExecution snapshots the in-flight set for the monitor.
func (e *Executor) allInExecution() []*Task {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*Task, 0, len(e.inExecution))
	for t := range e.inExecution {
		out = append(out, t)
	}
	return out
}

func (e *Executor) publishTask(typ string, t *Task, dur time.Duration, err error) {
	if e.bus == nil {
		return
	}
	ev := TaskEvent{
		Lane:     e.name,
		Name:     t.Name(),
		Priority: t.Priority(),
		Started:  t.StartTime(),
		Duration: dur,
	}
	if err != nil {
		ev.Error = err.Error()
	}
	e.bus.Publish(eventbus.Event{Type: typ, Data: ev})
}

func (e *Executor) publishLane(typ string) {
	if e.bus == nil {
		return
	}
	e.bus.Publish(eventbus.Event{Type: typ, Data: LaneEvent{Lane: e.name, Priority: e.DefaultPriority()}})
}

func (e *Executor) logTaskFailure(t *Task, err error) {
	fields := []logx.Field{logx.String("task", t.Name()), logx.Err(err)}
	if info := t.CreatorFrames(); info != "" {
		fields = append(fields, logx.Stack(info))
	}
	e.log.Error("task execution failed", fields...)
}
