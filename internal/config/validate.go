package config

import (
	"fmt"
)

// Validate checks cross-field constraints the decoder cannot express.
func (c *Config) Validate() error {
	seen := map[int]string{}
	for i, lane := range c.Engine.Lanes {
		path := fmt.Sprintf("engine.lanes[%d]", i)
		if lane.Priority < 1 || lane.Priority > 10 {
			return fmt.Errorf("%s.priority: %d out of range [1,10]", path, lane.Priority)
		}
		if prev, dup := seen[lane.Priority]; dup {
			return fmt.Errorf("%s.priority: %d already used by %s", path, lane.Priority, prev)
		}
		seen[lane.Priority] = path
	}

	if c.Monitor.Enabled {
		switch c.Monitor.Policy {
		case "", "mark", "kill":
		default:
			return fmt.Errorf("monitor.policy: %q is not \"mark\" or \"kill\"", c.Monitor.Policy)
		}
		if _, err := ParseDurationField("monitor.interval", c.Monitor.Interval); err != nil {
			return err
		}
		if _, err := ParseDurationField("monitor.deadlocked_threshold", c.Monitor.DeadlockedThreshold); err != nil {
			return err
		}
	}

	if c.History.Enabled {
		if c.History.Size < 0 {
			return fmt.Errorf("history.size: must be >= 0")
		}
		if _, err := ParseDurationField("history.busy_timeout", c.History.BusyTimeout); err != nil {
			return err
		}
	}

	if c.Scheduler.Enabled {
		names := map[string]struct{}{}
		for i, job := range c.Scheduler.Jobs {
			path := fmt.Sprintf("scheduler.jobs[%d]", i)
			if job.Name == "" {
				return fmt.Errorf("%s.name: required", path)
			}
			if _, dup := names[job.Name]; dup {
				return fmt.Errorf("%s.name: duplicate job %q", path, job.Name)
			}
			names[job.Name] = struct{}{}
			if job.Schedule == "" {
				return fmt.Errorf("%s.schedule: required", path)
			}
			if job.Command == "" {
				return fmt.Errorf("%s.command: required", path)
			}
			if job.Priority != 0 && (job.Priority < 1 || job.Priority > 10) {
				return fmt.Errorf("%s.priority: %d out of range [1,10]", path, job.Priority)
			}
			if _, err := ParseDurationField(path+".timeout", job.Timeout); err != nil {
				return err
			}
		}
		if c.Scheduler.RatePerSec < 0 {
			return fmt.Errorf("scheduler.rate_per_sec: must be >= 0")
		}
	}

	return nil
}
