// services/scheduler.go
package services

import (
	"context"
	"time"

	"game-reward-ledger/logger"

	"github.com/go-co-op/gocron/v2"
)

// Job is a periodic background task.
type Job interface {
	GetName() string
	GetSchedule() gocron.JobDefinition
	Execute()
}

// Scheduler runs the settlement maintenance jobs. A job that overruns its
// interval is rescheduled rather than run twice.
type Scheduler struct {
	sched gocron.Scheduler
	log   *logger.Logger
}

func NewScheduler(log *logger.Logger) (*Scheduler, error) {
	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, err
	}
	return &Scheduler{sched: s, log: log.Named("scheduler")}, nil
}

func (s *Scheduler) Register(jobs ...Job) error {
	for _, job := range jobs {
		_, err := s.sched.NewJob(
			job.GetSchedule(),
			gocron.NewTask(job.Execute),
			gocron.WithName(job.GetName()),
			gocron.WithSingletonMode(gocron.LimitModeReschedule),
		)
		if err != nil {
			return err
		}
		s.log.Info("registered job %s", job.GetName())
	}
	return nil
}

func (s *Scheduler) Start() {
	s.sched.Start()
	s.log.Info("scheduler started")
}

func (s *Scheduler) Shutdown() {
	if err := s.sched.Shutdown(); err != nil {
		s.log.Error("failed to shutdown scheduler: %v", err)
	}
	s.log.Info("scheduler stopped")
}

// RetryDrainJob drains the failed-attempt queue every interval.
type RetryDrainJob struct {
	ctx        context.Context
	supervisor *RetrySupervisor
	every      time.Duration
	opts       DrainOptions
}

func NewRetryDrainJob(ctx context.Context, s *RetrySupervisor, every time.Duration, opts DrainOptions) *RetryDrainJob {
	return &RetryDrainJob{ctx: ctx, supervisor: s, every: every, opts: opts}
}

func (j *RetryDrainJob) GetName() string { return "retry_supervisor" }

func (j *RetryDrainJob) GetSchedule() gocron.JobDefinition { return gocron.DurationJob(j.every) }

func (j *RetryDrainJob) Execute() {
	if _, err := j.supervisor.DrainFailed(j.ctx, j.opts); err != nil {
		j.supervisor.log.Error("drain failed attempts: %v", err)
	}
}

// OrphanRepairJob restores rewards left without a pending entry or submission.
type OrphanRepairJob struct {
	ctx    context.Context
	repair *RepairService
	every  time.Duration
	grace  time.Duration
}

func NewOrphanRepairJob(ctx context.Context, r *RepairService, every, grace time.Duration) *OrphanRepairJob {
	return &OrphanRepairJob{ctx: ctx, repair: r, every: every, grace: grace}
}

func (j *OrphanRepairJob) GetName() string { return "orphan_repair" }

func (j *OrphanRepairJob) GetSchedule() gocron.JobDefinition { return gocron.DurationJob(j.every) }

func (j *OrphanRepairJob) Execute() {
	if _, err := j.repair.RepairOrphans(j.ctx, j.grace); err != nil {
		j.repair.Log.Error("orphan repair: %v", err)
	}
}
