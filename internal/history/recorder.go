package history

import (
	"context"

	"laned/internal/engine"
	"laned/internal/eventbus"
	logx "laned/pkg/logx"
)

// Recorder subscribes to task lifecycle events and turns terminal ones into
// history records: the ring always, the sqlite store when present.
type Recorder struct {
	ring  *Ring
	store *Store
	log   logx.Logger

	unsub func()
	done  chan struct{}
}

func NewRecorder(ring *Ring, store *Store, log logx.Logger) *Recorder {
	return &Recorder{
		ring:  ring,
		store: store,
		log:   log.With(logx.String("component", "history")),
		done:  make(chan struct{}),
	}
}

// Start consumes events until ctx is done or Stop is called.
func (r *Recorder) Start(ctx context.Context, bus eventbus.Bus) {
	ch, unsub := bus.Subscribe("task.", 64)
	r.unsub = unsub
	go func() {
		defer close(r.done)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-ch:
				if !ok {
					return
				}
				r.record(ctx, ev)
			}
		}
	}()
}

// Stop unsubscribes and waits for the consumer to exit.
func (r *Recorder) Stop() {
	if r.unsub != nil {
		r.unsub()
	}
	<-r.done
}

func (r *Recorder) record(ctx context.Context, ev eventbus.Event) {
	var outcome Outcome
	switch ev.Type {
	case engine.EventTaskFinished:
		outcome = OutcomeOK
	case engine.EventTaskFailed:
		outcome = OutcomeFailed
	case engine.EventTaskAborted:
		outcome = OutcomeAborted
	case engine.EventTaskDeadlocked:
		outcome = OutcomeDeadlocked
	default:
		return
	}
	te, ok := ev.Data.(engine.TaskEvent)
	if !ok {
		return
	}

	rec := Record{
		Lane:     te.Lane,
		Task:     te.Name,
		Priority: te.Priority,
		Started:  te.Started,
		Duration: te.Duration,
		Outcome:  outcome,
		Error:    te.Error,
	}
	r.ring.Add(rec)
	if r.store != nil {
		if err := r.store.Append(ctx, rec); err != nil {
			r.log.Warn("history append failed", logx.String("task", rec.Task), logx.Err(err))
		}
	}
}
