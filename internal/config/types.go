package config

// Config is the root of laned's configuration file (YAML or JSON).
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Engine    EngineConfig    `json:"engine"`
	Monitor   MonitorConfig   `json:"monitor,omitempty"`
	History   HistoryConfig   `json:"history,omitempty"`
	Scheduler SchedulerConfig `json:"scheduler,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// EngineConfig describes the task group and its priority lanes.
type EngineConfig struct {
	// Name labels the group in logs and snapshots. Default "main".
	Name string `json:"name,omitempty"`
	// Lanes lists the priority bands. Empty means one lane at priority 5.
	Lanes []LaneConfig `json:"lanes,omitempty"`
	// CreationTracking captures the creator call-site of every task for
	// failure diagnostics. Costs a stack walk per task.
	CreationTracking bool `json:"creation_tracking,omitempty"`
	Daemon           bool `json:"daemon,omitempty"`
}

type LaneConfig struct {
	Priority int    `json:"priority"`
	Name     string `json:"name,omitempty"`
	Daemon   bool   `json:"daemon,omitempty"`
}

// MonitorConfig controls the deadlock watchdog.
type MonitorConfig struct {
	Enabled bool `json:"enabled"`
	// Interval between sampling passes. Default "30s".
	Interval string `json:"interval,omitempty"`
	// DeadlockedThreshold is the minimum in-flight age before a task is
	// eligible for deadlock detection. Default "5m".
	DeadlockedThreshold string `json:"deadlocked_threshold,omitempty"`
	// Policy is "mark" (default) or "kill".
	Policy      string `json:"policy,omitempty"`
	LogAllTasks bool   `json:"log_all_tasks,omitempty"`
}

// HistoryConfig controls the execution-history recorder.
type HistoryConfig struct {
	Enabled bool `json:"enabled"`
	// Size bounds the in-memory ring. Default 200.
	Size int `json:"size,omitempty"`
	// Path, when set, enables sqlite persistence of completed-run records.
	Path string `json:"path,omitempty"`
	// BusyTimeout is the sqlite busy timeout. Default "5s".
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

// SchedulerConfig controls the recurring-submission service.
type SchedulerConfig struct {
	Enabled  bool   `json:"enabled"`
	Timezone string `json:"timezone,omitempty"`
	// RatePerSec caps task submissions per second across all jobs.
	// 0 disables the cap.
	RatePerSec int         `json:"rate_per_sec,omitempty"`
	Jobs       []JobConfig `json:"jobs,omitempty"`
}

// JobConfig describes one recurring job. Schedule accepts standard cron
// ("*/5 * * * *"), "@every 55m", a bare interval ("10m"), or a daily wall
// time ("HH:MM").
type JobConfig struct {
	Name     string `json:"name"`
	Schedule string `json:"schedule"`
	// Command is executed through the shell when the job fires.
	Command string `json:"command"`
	// Priority selects the engine lane. Default 5.
	Priority int `json:"priority,omitempty"`
	// Timeout bounds one run. "0s" disables the bound.
	Timeout string `json:"timeout,omitempty"`
	// SkipIfRunning maps the job onto a run-once id so overlapping fires
	// collapse into the in-flight run.
	SkipIfRunning bool `json:"skip_if_running,omitempty"`
}
