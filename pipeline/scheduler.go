package pipeline

import (
	"context"
	"fmt"
	"sync"

	"github.com/robfig/cron/v3"

	"github.com/invanchor/invanchor/log"
)

// ScheduleConfig holds the cron expressions driving the recurring jobs.
// Expressions use the standard five-field syntax plus @every descriptors.
type ScheduleConfig struct {
	Upload string
	Batch  string
	Submit string
}

// DefaultScheduleConfig returns the default cadence: upload every 10
// seconds, batch every 15 minutes, submit every 10 minutes.
func DefaultScheduleConfig() ScheduleConfig {
	return ScheduleConfig{
		Upload: "@every 10s",
		Batch:  "*/15 * * * *",
		Submit: "*/10 * * * *",
	}
}

// Scheduler drives the recurring jobs on their cron schedules. It
// implements daemon.Service: Start launches the cron loop, Stop cancels the
// run context and waits for in-flight jobs to finish.
type Scheduler struct {
	cfg    ScheduleConfig
	jobs   []Job
	exprs  map[string]string
	logger *log.Logger

	cron   *cron.Cron
	cancel context.CancelFunc
	ctx    context.Context

	// inflight serializes each job against itself: a tick that fires while
	// the previous run of the same job is still going is skipped.
	inflight sync.Map
	wg       sync.WaitGroup
}

// NewScheduler wires the given jobs to their configured expressions. Jobs
// are matched by Name(); jobs without an expression are not scheduled.
func NewScheduler(cfg ScheduleConfig, logger *log.Logger, jobs ...Job) *Scheduler {
	if logger == nil {
		logger = log.Default()
	}
	return &Scheduler{
		cfg:    cfg,
		jobs:   jobs,
		logger: logger.Module("scheduler"),
		exprs: map[string]string{
			"upload": cfg.Upload,
			"batch":  cfg.Batch,
			"submit": cfg.Submit,
		},
	}
}

func (s *Scheduler) Name() string { return "scheduler" }

// Start registers every job with the cron runner and begins ticking.
func (s *Scheduler) Start() error {
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.cron = cron.New()

	for _, job := range s.jobs {
		expr, ok := s.exprs[job.Name()]
		if !ok || expr == "" {
			continue
		}
		job := job
		if _, err := s.cron.AddFunc(expr, func() { s.tick(job) }); err != nil {
			return fmt.Errorf("scheduler: schedule %s (%q): %w", job.Name(), expr, err)
		}
		s.logger.Info("job scheduled", "job", job.Name(), "cron", expr)
	}

	s.cron.Start()
	return nil
}

// Stop halts the cron loop, cancels running jobs, and waits for them.
func (s *Scheduler) Stop() error {
	if s.cron == nil {
		return nil
	}
	s.cancel()
	<-s.cron.Stop().Done()
	s.wg.Wait()
	return nil
}

// tick runs one scheduled execution of job, skipping if the previous run of
// the same job has not finished.
func (s *Scheduler) tick(job Job) {
	if _, busy := s.inflight.LoadOrStore(job.Name(), struct{}{}); busy {
		s.logger.Warn("previous run still in flight, skipping tick", "job", job.Name())
		return
	}
	s.wg.Add(1)
	defer s.wg.Done()
	defer s.inflight.Delete(job.Name())

	res, err := job.Execute(s.ctx, Options{})
	if err != nil {
		s.logger.Error("job run failed", "job", job.Name(), "err", err)
		return
	}
	if res != (Result{}) {
		s.logger.Info("job run finished", "job", job.Name(),
			"success", res.Success, "failure", res.Failure, "skipped", res.Skipped)
	}
}

// Trigger runs a named job once, outside its schedule. The HTTP control
// surface uses it for manual runs.
func (s *Scheduler) Trigger(ctx context.Context, name string, opts Options) (Result, error) {
	for _, job := range s.jobs {
		if job.Name() == name {
			return job.Execute(ctx, opts)
		}
	}
	return Result{}, fmt.Errorf("scheduler: unknown job %q", name)
}

// JobNames lists the registered jobs in registration order.
func (s *Scheduler) JobNames() []string {
	names := make([]string, len(s.jobs))
	for i, job := range s.jobs {
		names[i] = job.Name()
	}
	return names
}
