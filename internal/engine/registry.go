package engine

import "sync"

// OnceRegistry maps run-once ids to their live representative task: the task
// currently queued or in flight under that id. It is injected into each
// Executor (a Group shares one across its lanes) so its lifetime matches the
// owning runtime's, not the process's.
type OnceRegistry struct {
	mu    sync.Mutex
	tasks map[string]*Task
}

func NewOnceRegistry() *OnceRegistry {
	return &OnceRegistry{tasks: map[string]*Task{}}
}

// register installs t as the representative for id unless one is already
// live. Returns the representative and whether it pre-existed.
func (r *OnceRegistry) register(id string, t *Task) (*Task, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rep, ok := r.tasks[id]; ok {
		return rep, true
	}
	r.tasks[id] = t
	return t, false
}

// free releases id, but only while t is still its representative, so a
// re-registered id is never clobbered by a stale finisher.
func (r *OnceRegistry) free(id string, t *Task) {
	r.mu.Lock()
	if rep, ok := r.tasks[id]; ok && rep == t {
		delete(r.tasks, id)
	}
	r.mu.Unlock()
}

func (r *OnceRegistry) lookup(id string) *Task {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.tasks[id]
}

func (r *OnceRegistry) size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.tasks)
}
