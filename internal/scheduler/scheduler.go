package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/rastro/internal/clock"
	"github.com/smallbiznis/rastro/internal/config"
	obsmetrics "github.com/smallbiznis/rastro/internal/observability/metrics"
	"github.com/smallbiznis/rastro/internal/ratelimit"
	ticketdomain "github.com/smallbiznis/rastro/internal/ticketcounter/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const JobClearManualReset = "clear_manual_reset"

var ErrInvalidConfig = errors.New("invalid_scheduler_config")

type Params struct {
	fx.In

	DB        *gorm.DB
	Log       *zap.Logger
	GenID     *snowflake.Node
	Clock     clock.Clock
	TicketSvc ticketdomain.Service
	Ticketing *config.TicketingConfigHolder
	Locker    *ratelimit.Locker `optional:"true"`
	Config    Config            `optional:"true"`
}

type Scheduler struct {
	db        *gorm.DB
	log       *zap.Logger
	cfg       Config
	genID     *snowflake.Node
	clock     clock.Clock
	ticketSvc ticketdomain.Service
	ticketing *config.TicketingConfigHolder
	locker    *ratelimit.Locker
}

func New(p Params) (*Scheduler, error) {
	if p.DB == nil || p.Log == nil || p.GenID == nil || p.Clock == nil || p.TicketSvc == nil || p.Ticketing == nil {
		return nil, ErrInvalidConfig
	}
	return &Scheduler{
		db:        p.DB,
		log:       p.Log.Named("scheduler").With(zap.String("component", "scheduler")),
		cfg:       p.Config.withDefaults(),
		genID:     p.GenID,
		clock:     p.Clock,
		ticketSvc: p.TicketSvc,
		ticketing: p.Ticketing,
		locker:    p.Locker,
	}, nil
}

func (s *Scheduler) runJob(
	parent context.Context,
	name string,
	timeout time.Duration,
	fn func(ctx context.Context) error,
) error {
	start := s.clock.Now()
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	ctx, run, owner := s.ensureJobRun(ctx, name)
	if owner {
		s.logJobStart(ctx, run)
	}
	log := s.logger(ctx).With(
		zap.String("job", name),
		zap.String("run_id", run.runID),
	)
	schedMetrics := obsmetrics.Scheduler()
	schedMetrics.IncJobRun(name)

	err := fn(ctx)
	schedMetrics.ObserveJobDuration(name, s.clock.Now().Sub(start))
	if owner {
		if err != nil && run.errors == 0 {
			run.IncError()
		}
		s.logJobFinish(ctx, run)
	}
	if err == nil {
		return nil
	}

	// deadline is a soft timeout; the next tick resumes the work
	isTimeout := errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)
	if isTimeout {
		schedMetrics.IncJobTimeout(name)
	}
	schedMetrics.IncJobError(name, err)
	if isTimeout {
		log.Warn("job timed out",
			zap.Duration("timeout", timeout),
			zap.Error(err),
		)
		return nil
	}

	return fmt.Errorf("%s: %w", name, err)
}

func (s *Scheduler) RunOnce(parent context.Context) error {
	var err error

	jobs := []struct {
		Name    string
		Enabled bool
		Run     func(context.Context) error
	}{
		{JobClearManualReset, s.isJobEnabled(JobClearManualReset), func(ctx context.Context) error {
			return s.runJob(ctx, JobClearManualReset, s.cfg.JobTimeout, s.ClearManualResetJob)
		}},
	}

	for _, job := range jobs {
		if job.Enabled {
			err = errors.Join(err, job.Run(parent))
		}
	}

	return err
}

func (s *Scheduler) RunForever(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.RunInterval)
	defer ticker.Stop()
	nextRun := time.Now().Add(s.cfg.RunInterval)
	schedMetrics := obsmetrics.Scheduler()

	for {
		if err := s.RunOnce(ctx); err != nil {
			s.log.Warn("scheduler run failed", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return
		case tick := <-ticker.C:
			if lag := tick.Sub(nextRun); lag > 0 {
				schedMetrics.ObserveRunLoopLag(lag)
			}
			nextRun = tick.Add(s.cfg.RunInterval)
		}
	}
}

func (s *Scheduler) isJobEnabled(jobName string) bool {
	// an empty list enables every job (monolith mode)
	if len(s.cfg.EnabledJobs) == 0 {
		return true
	}
	for _, enabled := range s.cfg.EnabledJobs {
		if strings.EqualFold(enabled, jobName) {
			return true
		}
	}
	return false
}

// ClearManualResetJob ends manual epochs once per calendar period so counters
// go back to healing against the ledger.
func (s *Scheduler) ClearManualResetJob(ctx context.Context) error {
	ctx, run, owner := s.ensureJobRun(ctx, JobClearManualReset)
	if owner {
		s.logJobStart(ctx, run)
		defer s.logJobFinish(ctx, run)
	}

	now := s.clock.Now().UTC()
	run.period = PeriodKey(s.cfg.Period, now, s.ticketing.Get().Location())

	var lease *ratelimit.Lease
	if s.locker != nil {
		var err error
		lease, err = s.locker.TryAcquire(ctx, "scheduler:"+JobClearManualReset, s.cfg.LockTTL)
		switch {
		case err != nil:
			// the period claim below still guards against double runs
			s.logger(ctx).Warn("scheduler.lock.unavailable", zap.String("job", run.job), zap.Error(err))
		case lease == nil:
			s.logJobSkipped(ctx, run, obsmetrics.SchedulerJobSkippedLockHeld)
			return nil
		default:
			defer func() {
				if err := lease.Release(context.WithoutCancel(ctx)); err != nil {
					s.logger(ctx).Warn("scheduler.lock.release_failed", zap.String("job", run.job), zap.Error(err))
				}
			}()
		}
	}

	record, outcome, err := s.claimJobRun(ctx, JobClearManualReset, run.period, now)
	if err != nil {
		s.logSchedulerError(ctx, run, "scheduler.job_run.claim.failed", err)
		return err
	}
	switch outcome {
	case claimAlreadyRan:
		s.logJobSkipped(ctx, run, obsmetrics.SchedulerJobSkippedAlreadyRan)
		return nil
	case claimInProgress:
		s.logJobSkipped(ctx, run, obsmetrics.SchedulerJobSkippedInProgress)
		return nil
	}

	// The claim may have waited on the database; restart the lease clock before the pass.
	if lease.Held() {
		if err := lease.Extend(ctx, s.cfg.LockTTL); err != nil {
			s.logger(ctx).Warn("scheduler.lock.extend_failed", zap.String("job", run.job), zap.Error(err))
		}
	}

	cleared, jobErr := s.ticketSvc.ClearManualResetFlags(ctx)
	run.AddProcessed(cleared)
	obsmetrics.Scheduler().AddBatchProcessed(JobClearManualReset, obsmetrics.LockResourceLocationCounters, int(cleared))
	if jobErr != nil {
		s.logSchedulerError(ctx, run, "scheduler.clear_manual_reset.failed", jobErr,
			zap.Int64("cleared", cleared),
			zap.String("period", run.period),
		)
	}

	if err := s.finishJobRun(ctx, record, cleared, jobErr); err != nil {
		s.logSchedulerError(ctx, run, "scheduler.job_run.finish.failed", err)
		return errors.Join(jobErr, err)
	}
	return jobErr
}
