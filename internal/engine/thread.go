package engine

import (
	"bytes"
	"context"
	"runtime"
	"strconv"
	"strings"
	"sync"
)

// Thread priority hints, mirroring the usual 1..10 band numbering.
// For goroutine-backed threads the hint has no OS effect; it is retained for
// routing, naming and diagnostics.
const (
	MinPriority  = 1
	NormPriority = 5
	MaxPriority  = 10
)

// Thread is a nameable, priority-settable unit of concurrent execution bound
// to a callable at creation time and not yet started. The engine never spawns
// goroutines for task work directly; it always goes through a ThreadFactory.
type Thread interface {
	// Start begins execution of the bound callable. Must be called at most once.
	Start()
	Name() string
	SetName(name string)
	Priority() int
	SetPriority(priority int)
	// Interrupt requests cooperative cancellation by cancelling the context
	// passed to the callable.
	Interrupt()
	// Alive reports whether the callable has started and not yet returned.
	Alive() bool
	// Sample captures the thread's current call stack and scheduler state.
	// ok is false when the thread is not running or cannot be located.
	Sample() (stack string, state string, ok bool)
}

// ThreadFactory produces fresh, not-yet-started Threads.
type ThreadFactory interface {
	NewThread(run func(ctx context.Context)) Thread
}

// GoroutineFactory is the default ThreadFactory: one fresh goroutine per
// thread, with stack sampling backed by the runtime's all-goroutine dump.
type GoroutineFactory struct{}

func (GoroutineFactory) NewThread(run func(ctx context.Context)) Thread {
	ctx, cancel := context.WithCancel(context.Background())
	return &goroutineThread{
		run:      run,
		ctx:      ctx,
		cancel:   cancel,
		priority: NormPriority,
		done:     make(chan struct{}),
	}
}

type goroutineThread struct {
	run    func(ctx context.Context)
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu       sync.Mutex
	name     string
	priority int
	gid      uint64
	started  bool
	finished bool
}

func (t *goroutineThread) Start() {
	t.mu.Lock()
	if t.started {
		t.mu.Unlock()
		return
	}
	t.started = true
	t.mu.Unlock()

	go func() {
		gid := currentGoroutineID()
		t.mu.Lock()
		t.gid = gid
		t.mu.Unlock()

		defer func() {
			t.mu.Lock()
			t.finished = true
			t.mu.Unlock()
			close(t.done)
			t.cancel()
		}()
		t.run(t.ctx)
	}()
}

func (t *goroutineThread) Name() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.name
}

func (t *goroutineThread) SetName(name string) {
	t.mu.Lock()
	t.name = name
	t.mu.Unlock()
}

func (t *goroutineThread) Priority() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.priority
}

func (t *goroutineThread) SetPriority(priority int) {
	if priority < MinPriority {
		priority = MinPriority
	}
	if priority > MaxPriority {
		priority = MaxPriority
	}
	t.mu.Lock()
	t.priority = priority
	t.mu.Unlock()
}

func (t *goroutineThread) Interrupt() { t.cancel() }

func (t *goroutineThread) Alive() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.started && !t.finished
}

// matchesCurrent reports whether the calling goroutine is this thread's worker.
func (t *goroutineThread) matchesCurrent() bool {
	t.mu.Lock()
	gid := t.gid
	running := t.started && !t.finished
	t.mu.Unlock()
	if !running || gid == 0 {
		return false
	}
	return currentGoroutineID() == gid
}

func (t *goroutineThread) Sample() (string, string, bool) {
	t.mu.Lock()
	gid := t.gid
	running := t.started && !t.finished
	t.mu.Unlock()
	if !running || gid == 0 {
		return "", "", false
	}
	return sampleGoroutine(gid)
}

// WaitingState reports whether a sampled goroutine state means the goroutine
// is blocked or waiting (as opposed to running or runnable).
func WaitingState(state string) bool {
	switch {
	case strings.HasPrefix(state, "chan send"),
		strings.HasPrefix(state, "chan receive"),
		strings.HasPrefix(state, "select"),
		strings.HasPrefix(state, "semacquire"),
		strings.HasPrefix(state, "sync."),
		strings.HasPrefix(state, "sleep"),
		strings.HasPrefix(state, "IO wait"),
		strings.HasPrefix(state, "wait"):
		return true
	}
	return false
}

// currentGoroutineID parses the calling goroutine's id from its stack header.
// This is diagnostics-only plumbing (self-wait detection and monitor sampling).
func currentGoroutineID() uint64 {
	buf := make([]byte, 64)
	n := runtime.Stack(buf, false)
	return parseGoroutineHeader(buf[:n])
}

func parseGoroutineHeader(b []byte) uint64 {
	const prefix = "goroutine "
	if !bytes.HasPrefix(b, []byte(prefix)) {
		return 0
	}
	b = b[len(prefix):]
	i := bytes.IndexByte(b, ' ')
	if i <= 0 {
		return 0
	}
	id, err := strconv.ParseUint(string(b[:i]), 10, 64)
	if err != nil {
		return 0
	}
	return id
}

// sampleGoroutine locates a goroutine by id in the runtime's all-goroutine
// dump and returns its stack body (without the header, whose wait-duration
// annotation changes over time) and scheduler state.
func sampleGoroutine(gid uint64) (string, string, bool) {
	buf := make([]byte, 1<<20)
	for {
		n := runtime.Stack(buf, true)
		if n < len(buf) {
			buf = buf[:n]
			break
		}
		buf = make([]byte, len(buf)*2)
	}

	marker := "goroutine " + strconv.FormatUint(gid, 10) + " ["
	for _, section := range strings.Split(string(buf), "\n\n") {
		if !strings.HasPrefix(section, marker) {
			continue
		}
		header, body, found := strings.Cut(section, "\n")
		if !found {
			return "", "", false
		}
		state := strings.TrimSuffix(header[len(marker):], "]:")
		// Drop the ", N minutes" wait annotation.
		if i := strings.Index(state, ","); i >= 0 {
			state = state[:i]
		}
		return body, state, true
	}
	return "", "", false
}
