package scheduler

import (
	"context"
	"time"

	obscontext "github.com/smallbiznis/rastro/internal/observability/context"
	obslogger "github.com/smallbiznis/rastro/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/rastro/internal/observability/metrics"
	"go.uber.org/zap"
)

const (
	jobOutcomeCompleted = "completed"
	jobOutcomeFailed    = "failed"
	jobOutcomeSkipped   = "skipped"
)

// jobRun is the log bookkeeping for one tick of one job.
type jobRun struct {
	job        string
	runID      string
	period     string
	startedAt  time.Time
	processed  int64
	errors     int
	skipReason string
}

type jobRunKey struct{}

func (r *jobRun) AddProcessed(count int64) {
	if r == nil || count <= 0 {
		return
	}
	r.processed += count
}

func (r *jobRun) IncError() {
	if r == nil {
		return
	}
	r.errors++
}

func (r *jobRun) outcome() string {
	switch {
	case r.skipReason != "":
		return jobOutcomeSkipped
	case r.errors > 0:
		return jobOutcomeFailed
	default:
		return jobOutcomeCompleted
	}
}

func (s *Scheduler) ensureJobRun(ctx context.Context, job string) (context.Context, *jobRun, bool) {
	if ctx == nil {
		ctx = context.Background()
	}
	if existing := jobRunFromContext(ctx); existing != nil {
		return ctx, existing, false
	}
	run := &jobRun{
		job:       job,
		runID:     s.genID.Generate().String(),
		startedAt: s.clock.Now(),
	}
	ctx = context.WithValue(ctx, jobRunKey{}, run)
	ctx = obscontext.WithRequestID(ctx, run.runID)
	ctx = s.withLogContext(ctx)
	return ctx, run, true
}

func jobRunFromContext(ctx context.Context) *jobRun {
	if ctx == nil {
		return nil
	}
	if run, ok := ctx.Value(jobRunKey{}).(*jobRun); ok {
		return run
	}
	return nil
}

func (s *Scheduler) withLogContext(ctx context.Context) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return obscontext.WithActor(ctx, "system", "scheduler")
}

func (s *Scheduler) logger(ctx context.Context) *zap.Logger {
	return obslogger.WithContext(ctx, s.log)
}

func (s *Scheduler) logJobStart(ctx context.Context, run *jobRun) {
	if run == nil {
		return
	}
	s.logger(ctx).Info("scheduler.job.start",
		zap.String("job", run.job),
		zap.String("run_id", run.runID),
		zap.Duration("lock_ttl", s.cfg.LockTTL),
	)
}

func (s *Scheduler) logJobFinish(ctx context.Context, run *jobRun) {
	if run == nil {
		return
	}
	outcome := run.outcome()
	fields := []zap.Field{
		zap.String("job", run.job),
		zap.String("run_id", run.runID),
		zap.String("period", run.period),
		zap.String("outcome", outcome),
		zap.Int64("duration_ms", s.clock.Now().Sub(run.startedAt).Milliseconds()),
		zap.Int64("processed_count", run.processed),
		zap.Int("error_count", run.errors),
	}
	if run.skipReason != "" {
		fields = append(fields, zap.String("skip_reason", run.skipReason))
	}

	log := s.logger(ctx)
	switch outcome {
	case jobOutcomeFailed:
		log.Warn("scheduler.job.finish", fields...)
	case jobOutcomeSkipped:
		// Every replica but one skips each tick.
		log.Debug("scheduler.job.finish", fields...)
	default:
		log.Info("scheduler.job.finish", fields...)
	}
}

func (s *Scheduler) logJobSkipped(ctx context.Context, run *jobRun, reason string) {
	if run == nil {
		return
	}
	run.skipReason = reason
	obsmetrics.Scheduler().IncJobSkipped(run.job, reason)
}

func (s *Scheduler) logSchedulerError(ctx context.Context, run *jobRun, msg string, err error, fields ...zap.Field) {
	if err == nil {
		return
	}
	job := ""
	if run != nil {
		run.IncError()
		job = run.job
	}
	baseFields := []zap.Field{
		zap.String("job", job),
		zap.String("error_type", obsmetrics.ClassifySchedulerErrorType(err)),
		zap.String("error", err.Error()),
		zap.Bool("retryable", obsmetrics.IsSchedulerErrorRetryable(err)),
	}
	s.logger(ctx).Error(msg, append(baseFields, fields...)...)
}
