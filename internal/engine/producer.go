package engine

import "context"

// ProducerCallable yields a result value captured by the task for joiners.
type ProducerCallable[T any] func(ctx context.Context, p *ProducerTask[T]) (T, error)

// ProducerTask is a Task whose callable produces a value. Join blocks until
// the task finishes and returns the captured result; Get is a non-blocking
// peek at whatever has been captured so far.
type ProducerTask[T any] struct {
	Task
	result T
}

// NewProducerTask creates a producer task owned by the given lane.
func NewProducerTask[T any](e *Executor, run ProducerCallable[T]) *ProducerTask[T] {
	p := &ProducerTask[T]{}
	initTask(&p.Task, nil, e.DefaultPriority(), e, nil, e.creationTracking())
	p.bind(run)
	return p
}

// NewGroupProducerTask creates a producer task routed through a Group; the
// owning lane is resolved from the task's current priority at submission and
// re-resolved after priority changes.
func NewGroupProducerTask[T any](g *Group, priority int, run ProducerCallable[T]) *ProducerTask[T] {
	p := &ProducerTask[T]{}
	initTask(&p.Task, nil, priority, nil, g, g.creationTracking())
	p.bind(run)
	return p
}

func (p *ProducerTask[T]) bind(run ProducerCallable[T]) {
	p.Task.wrapper = p
	p.Task.invoke = func(ctx context.Context) error {
		v, err := run(ctx, p)
		p.Task.mu.Lock()
		p.result = v
		p.Task.mu.Unlock()
		return err
	}
}

// Submit submits the underlying task; for run-once producers the returned
// task may be a pre-existing representative with the same id.
func (p *ProducerTask[T]) Submit() (*ProducerTask[T], error) {
	rep, err := p.Task.Submit()
	if err != nil {
		return nil, err
	}
	if rep == &p.Task {
		return p, nil
	}
	if w, ok := rep.wrapper.(*ProducerTask[T]); ok {
		return w, nil
	}
	// Representative registered under the same id is not a producer of T;
	// callers still get the raw task semantics through p.
	return p, nil
}

// Join waits for the task to finish and returns the produced value.
func (p *ProducerTask[T]) Join(opts ...WaitOption) (T, error) {
	if err := p.WaitForFinish(opts...); err != nil {
		var zero T
		return zero, err
	}
	return p.Get(), nil
}

// Get returns the result captured so far without blocking.
func (p *ProducerTask[T]) Get() T {
	p.Task.mu.Lock()
	defer p.Task.mu.Unlock()
	return p.result
}
