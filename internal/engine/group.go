package engine

import (
	"sort"
	"strconv"
	"sync"

	"laned/internal/eventbus"
	"laned/pkg/logx"
)

// LaneConfig describes one priority band of a Group.
type LaneConfig struct {
	Priority int
	Name     string
	Daemon   bool
}

// GroupConfig configures a Group. Lanes with duplicate priorities collapse to
// the first entry; an empty Lanes list yields a single lane at NormPriority.
type GroupConfig struct {
	Name             string
	Daemon           bool
	Factory          ThreadFactory
	Lanes            []LaneConfig
	CreationTracking bool
	Logger           logx.Logger
	Bus              eventbus.Bus
	ShutdownKey      any
}

// Group routes tasks to one Executor per configured priority band. Lanes are
// created lazily, exactly once, on first use; until then the Group is a pure
// value and costs nothing.
type Group struct {
	cfg      GroupConfig
	log      logx.Logger
	registry *OnceRegistry

	initOnce sync.Once

	mu       sync.Mutex
	lanes    map[int]*Executor // sparse, keyed by band priority
	bands    []int             // sorted ascending
	tracking bool
	monitor  *Monitor
}

// NewGroup builds a Group. No lanes exist until the first task is routed.
func NewGroup(cfg GroupConfig) *Group {
	if cfg.Factory == nil {
		cfg.Factory = GoroutineFactory{}
	}
	if cfg.Logger.IsZero() {
		cfg.Logger = logx.Nop()
	}
	if len(cfg.Lanes) == 0 {
		cfg.Lanes = []LaneConfig{{Priority: NormPriority}}
	}
	return &Group{
		cfg:      cfg,
		log:      cfg.Logger.With(logx.String("group", cfg.Name)),
		registry: NewOnceRegistry(),
		tracking: cfg.CreationTracking,
	}
}

func (g *Group) Name() string { return g.cfg.Name }

func (g *Group) init() {
	g.initOnce.Do(func() {
		g.mu.Lock()
		defer g.mu.Unlock()
		g.lanes = map[int]*Executor{}
		for _, lc := range g.cfg.Lanes {
			p := lc.Priority
			if p < MinPriority {
				p = MinPriority
			}
			if p > MaxPriority {
				p = MaxPriority
			}
			if _, exists := g.lanes[p]; exists {
				continue
			}
			name := lc.Name
			if name == "" {
				name = g.cfg.Name + " executor " + priorityLabel(p)
			}
			g.lanes[p] = NewExecutor(ExecutorConfig{
				Name:             name,
				Priority:         p,
				Daemon:           lc.Daemon || g.cfg.Daemon,
				Factory:          g.cfg.Factory,
				CreationTracking: g.tracking,
				Registry:         g.registry,
				Logger:           g.cfg.Logger,
				Bus:              g.cfg.Bus,
				ShutdownKey:      g.cfg.ShutdownKey,
			})
			g.bands = append(g.bands, p)
		}
		sort.Ints(g.bands)
	})
}

func priorityLabel(p int) string {
	switch p {
	case MinPriority:
		return "min"
	case NormPriority:
		return "norm"
	case MaxPriority:
		return "max"
	default:
		return "p" + strconv.Itoa(p)
	}
}

// byPriority resolves the lane serving the requested priority: the exact band
// if configured, else the smallest configured band at or above the request,
// else the highest band.
func (g *Group) byPriority(priority int) *Executor {
	g.init()
	g.mu.Lock()
	defer g.mu.Unlock()
	if priority < MinPriority {
		priority = MinPriority
	}
	if priority > MaxPriority {
		priority = MaxPriority
	}
	if e, ok := g.lanes[priority]; ok {
		return e
	}
	for _, band := range g.bands {
		if band >= priority {
			return g.lanes[band]
		}
	}
	return g.lanes[g.bands[len(g.bands)-1]]
}

// Lanes returns all executors in ascending band order.
func (g *Group) Lanes() []*Executor {
	g.init()
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]*Executor, 0, len(g.bands))
	for _, band := range g.bands {
		out = append(out, g.lanes[band])
	}
	return out
}

// lanesCallerLast orders lanes so the band serving the caller's priority is
// processed last; fan-out operations use it so the caller's own lane does not
// starve the others.
func (g *Group) lanesCallerLast(priority int) []*Executor {
	caller := g.byPriority(priority)
	out := make([]*Executor, 0, len(g.bands))
	for _, e := range g.Lanes() {
		if e != caller {
			out = append(out, e)
		}
	}
	return append(out, caller)
}

func (g *Group) creationTracking() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.tracking
}

// SetCreationTracking toggles creator call-site capture for tasks created
// after the call, across all lanes.
func (g *Group) SetCreationTracking(enabled bool) {
	g.mu.Lock()
	g.tracking = enabled
	lanes := g.lanes
	g.mu.Unlock()
	for _, e := range lanes {
		e.SetCreationTracking(enabled)
	}
}

// CreateTask builds a task routed through this group at NormPriority.
func (g *Group) CreateTask(run Callable) *Task {
	return g.CreateTaskWithPriority(run, NormPriority)
}

// CreateTaskWithPriority builds a task routed through this group. The owning
// lane is resolved from the task's priority at submission, so a priority
// change before Submit re-routes it.
func (g *Group) CreateTaskWithPriority(run Callable, priority int) *Task {
	return newTask(run, priority, nil, g, g.creationTracking())
}

// ChangePriority re-homes a group task. While the task is still queued it is
// removed from the old lane's queue and re-enqueued into the lane resolved
// for the new priority, skipping the dedup check (the task already holds its
// run-once registration). Once started only the worker's hint changes.
func (g *Group) ChangePriority(t *Task, priority int) {
	t.mu.Lock()
	old := t.priority
	if old == priority {
		t.mu.Unlock()
		return
	}
	submitted := t.submitted
	started := !t.startTime.IsZero()
	t.priority = priority
	th := t.thread
	t.mu.Unlock()

	if !submitted || started {
		if th != nil {
			th.SetPriority(priority)
		}
		return
	}

	oldLane := g.byPriority(old)
	newLane := g.byPriority(priority)
	if oldLane == newLane {
		return
	}
	if oldLane.removeQueued(t) {
		if _, err := newLane.addToQueue(t, true); err != nil {
			g.log.Warn("priority change lost a task to lane termination",
				logx.String("task", t.Name()), logx.Err(err))
			t.markAborted()
		}
	}
}

// Abort routes an abort to the lane owning the task.
func (g *Group) Abort(t *Task) bool {
	return g.byPriority(t.Priority()).Abort(t)
}

// AllTasksInExecution snapshots the in-flight tasks across every lane.
func (g *Group) AllTasksInExecution() []*Task {
	var out []*Task
	for _, e := range g.Lanes() {
		out = append(out, e.allInExecution()...)
	}
	return out
}

// WaitForTasksEnding drains every lane, the caller's-priority lane last, and
// loops while new tasks keep arriving anywhere in the group.
func (g *Group) WaitForTasksEnding(priority int, waitForNewlyAdded, ignoreDeadlocked bool) error {
	for {
		for _, e := range g.lanesCallerLast(priority) {
			if err := e.WaitForTasksEnding(priority, waitForNewlyAdded, ignoreDeadlocked); err != nil {
				return err
			}
		}
		if !waitForNewlyAdded || g.quiescent() {
			return nil
		}
	}
}

func (g *Group) quiescent() bool {
	for _, e := range g.Lanes() {
		snap := e.Snapshot()
		if snap.QueueLen > 0 || snap.InExecution > 0 {
			return false
		}
	}
	return true
}

// ShutDown terminates every lane (caller's-priority lane last) and stops the
// monitor. With waitForTasksTermination lanes drain first.
func (g *Group) ShutDown(waitForTasksTermination bool) bool {
	return g.ShutDownWithKey(nil, waitForTasksTermination)
}

func (g *Group) ShutDownWithKey(key any, waitForTasksTermination bool) bool {
	g.StopMonitoring()
	ok := true
	for _, e := range g.lanesCallerLast(NormPriority) {
		if !e.ShutDownWithKey(key, waitForTasksTermination) {
			ok = false
		}
	}
	return ok
}

// StartMonitoring attaches and starts a deadlock watchdog over this group.
// A second call with a monitor already running is a no-op.
func (g *Group) StartMonitoring(cfg MonitorConfig) *Monitor {
	g.init()
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.monitor != nil {
		return g.monitor
	}
	g.monitor = newMonitor(g, cfg, g.log)
	g.monitor.start()
	return g.monitor
}

func (g *Group) StopMonitoring() {
	g.mu.Lock()
	m := g.monitor
	g.monitor = nil
	g.mu.Unlock()
	if m != nil {
		m.stop()
	}
}

// GroupSnapshot aggregates per-lane snapshots.
type GroupSnapshot struct {
	Name  string     `json:"name"`
	Lanes []Snapshot `json:"lanes"`
}

func (g *Group) Snapshot() GroupSnapshot {
	snap := GroupSnapshot{Name: g.cfg.Name}
	for _, e := range g.Lanes() {
		snap.Lanes = append(snap.Lanes, e.Snapshot())
	}
	return snap
}

// InfoString renders queued and in-flight task details across all lanes.
func (g *Group) InfoString() string {
	out := ""
	for _, e := range g.Lanes() {
		out += e.InfoString()
	}
	return out
}

// LogStatus logs per-lane counters.
func (g *Group) LogStatus() {
	for _, e := range g.Lanes() {
		e.LogStatus()
	}
}
