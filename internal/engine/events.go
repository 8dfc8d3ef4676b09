package engine

import "time"

// Event types published on the bus.
const (
	EventTaskSubmitted  = "task.submitted"
	EventTaskStarted    = "task.started"
	EventTaskFinished   = "task.finished"
	EventTaskFailed     = "task.failed"
	EventTaskAborted    = "task.aborted"
	EventTaskDeadlocked = "task.deadlocked"

	EventLaneSuspended  = "lane.suspended"
	EventLaneResumed    = "lane.resumed"
	EventLaneTerminated = "lane.terminated"
)

// TaskEvent is the payload attached to task lifecycle events.
type TaskEvent struct {
	Lane     string        `json:"lane"`
	Name     string        `json:"name"`
	Priority int           `json:"priority"`
	Started  time.Time     `json:"started,omitzero"`
	Duration time.Duration `json:"duration,omitempty"`
	Error    string        `json:"error,omitempty"`
}

// LaneEvent is the payload attached to lane lifecycle events.
type LaneEvent struct {
	Lane     string `json:"lane"`
	Priority int    `json:"priority"`
}
