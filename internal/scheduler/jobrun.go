package scheduler

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	obsmetrics "github.com/smallbiznis/rastro/internal/observability/metrics"
	"github.com/smallbiznis/rastro/pkg/db"
)

const (
	JobRunStatusRunning   = "running"
	JobRunStatusSucceeded = "succeeded"
	JobRunStatusFailed    = "failed"
)

// JobRun records that a job owns a calendar period. The unique key on
// (job_name, period_key) is what keeps a period from running twice.
type JobRun struct {
	ID         snowflake.ID `gorm:"primaryKey"`
	JobName    string       `gorm:"type:varchar(64);not null;uniqueIndex:uq_scheduler_job_runs_period,priority:1"`
	PeriodKey  string       `gorm:"type:varchar(32);not null;uniqueIndex:uq_scheduler_job_runs_period,priority:2"`
	Status     string       `gorm:"type:varchar(16);not null"`
	Processed  int64        `gorm:"not null;default:0"`
	Error      *string      `gorm:"type:text"`
	StartedAt  time.Time    `gorm:"not null"`
	FinishedAt *time.Time
}

// TableName sets the database table name.
func (JobRun) TableName() string { return "scheduler_job_runs" }

type claimOutcome int

const (
	claimAcquired claimOutcome = iota
	claimAlreadyRan
	claimInProgress
)

// claimJobRun inserts the period row, or takes over one that failed or went stale.
func (s *Scheduler) claimJobRun(ctx context.Context, job, period string, now time.Time) (*JobRun, claimOutcome, error) {
	lockStart := time.Now()
	defer func() {
		obsmetrics.Scheduler().ObserveDBLockWait(obsmetrics.LockResourceJobRuns, time.Since(lockStart))
	}()

	run := &JobRun{
		ID:        s.genID.Generate(),
		JobName:   job,
		PeriodKey: period,
		Status:    JobRunStatusRunning,
		StartedAt: now,
	}
	err := s.db.WithContext(ctx).Create(run).Error
	if err == nil {
		return run, claimAcquired, nil
	}
	if !db.IsDuplicateKeyErr(err) {
		return nil, claimInProgress, err
	}

	var existing JobRun
	if err := s.db.WithContext(ctx).
		Where("job_name = ? AND period_key = ?", job, period).
		Take(&existing).Error; err != nil {
		return nil, claimInProgress, err
	}
	if existing.Status == JobRunStatusSucceeded {
		return &existing, claimAlreadyRan, nil
	}

	staleBefore := now.Add(-s.cfg.StaleRunThreshold)
	result := s.db.WithContext(ctx).Exec(
		`UPDATE scheduler_job_runs
		 SET status = ?, started_at = ?, finished_at = NULL, error = NULL, processed = 0
		 WHERE id = ?
		   AND (status = ? OR (status = ? AND started_at <= ?))`,
		JobRunStatusRunning,
		now,
		existing.ID,
		JobRunStatusFailed,
		JobRunStatusRunning,
		staleBefore,
	)
	if result.Error != nil {
		return nil, claimInProgress, result.Error
	}
	if result.RowsAffected == 0 {
		return &existing, claimInProgress, nil
	}

	existing.Status = JobRunStatusRunning
	existing.StartedAt = now
	existing.FinishedAt = nil
	existing.Error = nil
	existing.Processed = 0
	return &existing, claimAcquired, nil
}

// finishJobRun stores the outcome even when the job context already expired.
func (s *Scheduler) finishJobRun(ctx context.Context, run *JobRun, processed int64, jobErr error) error {
	if run == nil {
		return errors.New("job run is required")
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	now := s.clock.Now().UTC()
	status := JobRunStatusSucceeded
	var errText *string
	if jobErr != nil {
		status = JobRunStatusFailed
		msg := jobErr.Error()
		errText = &msg
	}

	return s.db.WithContext(ctx).
		Model(&JobRun{}).
		Where("id = ?", run.ID).
		Updates(map[string]any{
			"status":      status,
			"processed":   processed,
			"error":       errText,
			"finished_at": now,
		}).Error
}
