// Package scheduler fires configured jobs on cron or interval schedules and
// submits them as engine tasks at their configured priority.
package scheduler

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/time/rate"

	"laned/internal/config"
	"laned/internal/engine"
	logx "laned/pkg/logx"
)

// Service owns one cron runner. Job fires are translated into engine task
// submissions; a job's command runs on the engine's worker thread, bounded by
// the job timeout. skip_if_running maps onto the engine's run-once dedup, so
// an overlapping fire collapses into the in-flight run.
type Service struct {
	group *engine.Group
	log   logx.Logger

	mu      sync.Mutex
	cfg     config.SchedulerConfig
	c       *cron.Cron
	limiter *rate.Limiter
	parser  cron.Parser
	running bool
}

func New(cfg config.SchedulerConfig, group *engine.Group, log logx.Logger) *Service {
	return &Service{
		group: group,
		log:   log.With(logx.String("component", "scheduler")),
		cfg:   cfg,
		// SecondOptional allows both 5-field and 6-field (with seconds) cron specs.
		parser: cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
	}
}

// Start registers all configured jobs and starts the cron runner.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}
	if !s.cfg.Enabled {
		s.log.Debug("scheduler disabled")
		return nil
	}

	loc := time.Local
	if tz := strings.TrimSpace(s.cfg.Timezone); tz != "" {
		l, err := time.LoadLocation(tz)
		if err != nil {
			return fmt.Errorf("scheduler.timezone: %w", err)
		}
		loc = l
	}

	if s.cfg.RatePerSec > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(s.cfg.RatePerSec), s.cfg.RatePerSec)
	} else {
		s.limiter = nil
	}

	s.c = cron.New(cron.WithParser(s.parser), cron.WithLocation(loc))
	for _, job := range s.cfg.Jobs {
		if err := s.registerLocked(job); err != nil {
			s.c = nil
			return err
		}
	}
	s.c.Start()
	s.running = true
	s.log.Info("scheduler started", logx.Int("jobs", len(s.cfg.Jobs)))
	return nil
}

// Stop halts the cron runner and waits for in-progress fire callbacks. It
// does not wait for the engine tasks the fires submitted.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.c
	s.c = nil
	s.running = false
	s.mu.Unlock()
	if c == nil {
		return
	}
	stopCtx := c.Stop()
	select {
	case <-stopCtx.Done():
	case <-ctx.Done():
	}
}

// Apply restarts the runner with a new configuration.
func (s *Service) Apply(ctx context.Context, cfg config.SchedulerConfig) error {
	s.Stop(ctx)
	s.mu.Lock()
	s.cfg = cfg
	s.mu.Unlock()
	return s.Start(ctx)
}

func (s *Service) registerLocked(job config.JobConfig) error {
	spec, err := ParseSchedule(job.Schedule)
	if err != nil {
		return fmt.Errorf("job %q: %w", job.Name, err)
	}
	timeout, err := config.ParseDurationField("scheduler.jobs."+job.Name+".timeout", job.Timeout)
	if err != nil {
		return err
	}

	fire := func() { s.fire(job, timeout) }
	switch spec.Kind {
	case SpecCron:
		if _, err := s.c.AddFunc(spec.Cron, fire); err != nil {
			return fmt.Errorf("job %q: invalid cron %q: %w", job.Name, spec.Cron, err)
		}
	case SpecInterval:
		s.c.Schedule(cron.Every(spec.Every), cron.FuncJob(fire))
	}
	return nil
}

func (s *Service) fire(job config.JobConfig, timeout time.Duration) {
	s.mu.Lock()
	limiter := s.limiter
	s.mu.Unlock()
	if limiter != nil && !limiter.Allow() {
		s.log.Warn("job fire dropped by rate limit", logx.String("job", job.Name))
		return
	}

	priority := job.Priority
	if priority == 0 {
		priority = engine.NormPriority
	}

	t := s.group.CreateTaskWithPriority(func(taskCtx context.Context, _ *engine.Task) error {
		return runCommand(taskCtx, job.Command, timeout)
	}, priority)
	t.SetName("job " + job.Name)
	if job.SkipIfRunning {
		if err := t.RunOnlyOnce("job:"+job.Name, nil); err != nil {
			s.log.Warn("job dedup setup failed", logx.String("job", job.Name), logx.Err(err))
			return
		}
	}

	rep, err := t.Submit()
	if err != nil {
		s.log.Warn("job submission failed", logx.String("job", job.Name), logx.Err(err))
		return
	}
	if rep != t {
		s.log.Debug("job already running; fire collapsed", logx.String("job", job.Name))
	}
}

func runCommand(ctx context.Context, command string, timeout time.Duration) error {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	cmd := exec.CommandContext(ctx, "/bin/sh", "-c", command)
	out, err := cmd.CombinedOutput()
	if err != nil {
		detail := strings.TrimSpace(string(out))
		if detail != "" {
			return fmt.Errorf("%w: %s", err, detail)
		}
		return err
	}
	return nil
}
