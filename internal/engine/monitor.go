package engine

import (
	"sync"
	"time"

	"golang.org/x/time/rate"

	"laned/pkg/logx"
)

// DeadlockPolicy selects what the monitor does with a probably-deadlocked
// task.
type DeadlockPolicy string

const (
	// PolicyMark flags the task, renames its worker and detaches it from
	// lane bookkeeping so drains stop waiting on it.
	PolicyMark DeadlockPolicy = "mark"
	// PolicyKill additionally interrupts the worker and marks the task
	// aborted.
	PolicyKill DeadlockPolicy = "kill"
)

// MonitorConfig tunes the deadlock watchdog.
type MonitorConfig struct {
	// Interval between sampling passes.
	Interval time.Duration
	// DeadlockedThreshold is the minimum age of an in-flight task before it
	// is eligible for deadlock detection.
	DeadlockedThreshold time.Duration
	Policy              DeadlockPolicy
	// LogAllTasks dumps full queued/in-flight details each pass.
	LogAllTasks bool
}

func (c *MonitorConfig) defaults() {
	if c.Interval <= 0 {
		c.Interval = 30 * time.Second
	}
	if c.DeadlockedThreshold <= 0 {
		c.DeadlockedThreshold = 5 * time.Minute
	}
	if c.Policy == "" {
		c.Policy = PolicyMark
	}
}

// Monitor periodically samples the worker stacks of a Group's in-flight
// tasks. A task older than the threshold whose worker sits in a waiting
// scheduler state with the same stack across two consecutive passes is
// treated as probably deadlocked and handled per the configured policy.
type Monitor struct {
	group *Group
	cfg   MonitorConfig
	log   logx.Logger
	warn  *rate.Limiter

	mu         sync.Mutex
	lastStacks map[*Task]string

	done chan struct{}
	wg   sync.WaitGroup
}

func newMonitor(g *Group, cfg MonitorConfig, log logx.Logger) *Monitor {
	cfg.defaults()
	return &Monitor{
		group:      g,
		cfg:        cfg,
		log:        log.With(logx.String("component", "monitor")),
		warn:       rate.NewLimiter(rate.Every(time.Minute), 5),
		lastStacks: map[*Task]string{},
		done:       make(chan struct{}),
	}
}

func (m *Monitor) start() {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.cfg.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-m.done:
				return
			case <-ticker.C:
				m.pass()
			}
		}
	}()
}

func (m *Monitor) stop() {
	close(m.done)
	m.wg.Wait()
}

func (m *Monitor) pass() {
	if m.cfg.LogAllTasks {
		if info := m.group.InfoString(); info != "" {
			m.log.Info("tasks overview", logx.String("detail", info))
		}
	}

	inFlight := m.group.AllTasksInExecution()
	live := make(map[*Task]struct{}, len(inFlight))
	now := time.Now()

	for _, t := range inFlight {
		live[t] = struct{}{}
		if t.HasFinished() || t.IsAborted() || t.IsProbablyDeadlocked() {
			continue
		}
		started := t.StartTime()
		if started.IsZero() || now.Sub(started) < m.cfg.DeadlockedThreshold {
			continue
		}
		th := t.threadRef()
		if th == nil || !th.Alive() {
			continue
		}
		stack, state, ok := th.Sample()
		if !ok || !WaitingState(state) {
			m.forget(t)
			continue
		}
		prev, seen := m.remember(t, stack)
		if !seen || prev != stack {
			continue
		}
		m.flag(t, th, state)
	}

	// Drop cached stacks of tasks no longer in flight.
	m.mu.Lock()
	for t := range m.lastStacks {
		if _, ok := live[t]; !ok {
			delete(m.lastStacks, t)
		}
	}
	m.mu.Unlock()
}

// remember stores the latest stack and returns the previous one.
func (m *Monitor) remember(t *Task, stack string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	prev, seen := m.lastStacks[t]
	m.lastStacks[t] = stack
	return prev, seen
}

func (m *Monitor) forget(t *Task) {
	m.mu.Lock()
	delete(m.lastStacks, t)
	m.mu.Unlock()
}

func (m *Monitor) flag(t *Task, th Thread, state string) {
	t.markProbablyDeadlocked()
	th.SetName("PROBABLE DEAD-LOCKED THREAD -> " + th.Name())
	t.detach()

	if m.warn.Allow() {
		m.log.Warn("task is probably dead locked",
			logx.String("task", t.Name()),
			logx.String("worker", th.Name()),
			logx.String("state", state),
			logx.Duration("age", time.Since(t.StartTime())),
		)
	}

	if m.cfg.Policy == PolicyKill {
		th.Interrupt()
		t.markAborted()
	}

	t.mu.Lock()
	e := t.exec
	t.mu.Unlock()
	if e != nil {
		e.publishTask(EventTaskDeadlocked, t, time.Since(t.StartTime()), nil)
	}
	m.forget(t)
}
