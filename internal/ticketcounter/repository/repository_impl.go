package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/smallbiznis/rastro/internal/ticketcounter/domain"
	"github.com/smallbiznis/rastro/pkg/db"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type repo struct {
	db *gorm.DB
}

func Provide(conn *gorm.DB) domain.Repository {
	return &repo{db: conn}
}

func (r *repo) WithTrx(tx *gorm.DB) domain.Repository {
	if tx == nil {
		return r
	}
	return &repo{db: tx}
}

// WithLockTimeout runs fn with the row lock wait bounded by timeout. Postgres scopes
// the setting to the transaction; MySQL only has a session variable, so the previous
// value is put back before the pooled connection is handed to anyone else.
func (r *repo) WithLockTimeout(ctx context.Context, timeout time.Duration, fn func() error) error {
	if timeout <= 0 {
		return fn()
	}

	var previous int64
	if r.db.Dialector.Name() == db.TypeMySQL {
		if err := r.db.WithContext(ctx).Raw("SELECT @@SESSION.innodb_lock_wait_timeout").Scan(&previous).Error; err != nil {
			return err
		}
	}

	set, restore := lockTimeoutStatements(r.db.Dialector.Name(), timeout, previous)
	if set != "" {
		if err := r.db.WithContext(ctx).Exec(set).Error; err != nil {
			return err
		}
	}

	err := fn()
	if restore != "" {
		if restoreErr := r.db.WithContext(context.WithoutCancel(ctx)).Exec(restore).Error; restoreErr != nil {
			return errors.Join(err, fmt.Errorf("restore lock timeout: %w", restoreErr))
		}
	}
	return err
}

// lockTimeoutStatements returns the statement that applies timeout and, when the
// setting outlives the transaction, the one that puts previous back.
func lockTimeoutStatements(dialect string, timeout time.Duration, previous int64) (string, string) {
	switch dialect {
	case db.TypePostgres:
		return fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", timeout.Milliseconds()), ""
	case db.TypeMySQL:
		// innodb only accepts whole seconds.
		seconds := int64(timeout / time.Second)
		if seconds < 1 {
			seconds = 1
		}
		if previous <= 0 {
			previous = 50
		}
		return fmt.Sprintf("SET SESSION innodb_lock_wait_timeout = %d", seconds),
			fmt.Sprintf("SET SESSION innodb_lock_wait_timeout = %d", previous)
	default:
		return "", ""
	}
}

func (r *repo) LockForUpdate(ctx context.Context, locationID int64) (*domain.LocationCounter, error) {
	query := `SELECT location_id, current_value, epoch_started_at, manual_reset_active, created_at, updated_at
		 FROM location_counters
		 WHERE location_id = ?`
	if !db.IsSQLite(r.db) {
		query += " FOR UPDATE"
	}

	var counters []domain.LocationCounter
	if err := r.db.WithContext(ctx).Raw(query, locationID).Scan(&counters).Error; err != nil {
		return nil, err
	}
	if len(counters) == 0 {
		return nil, nil
	}
	return &counters[0], nil
}

func (r *repo) CreateIfAbsent(ctx context.Context, counter *domain.LocationCounter) error {
	if counter == nil {
		return errors.New("location counter is required")
	}
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "location_id"}},
			DoNothing: true,
		}).
		Create(counter).Error
}

func (r *repo) SaveValue(ctx context.Context, locationID int64, value int64, now time.Time) error {
	result := r.db.WithContext(ctx).Exec(
		`UPDATE location_counters
		 SET current_value = ?, updated_at = ?
		 WHERE location_id = ?`,
		value,
		now.UTC(),
		locationID,
	)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("location counter %d: %w", locationID, gorm.ErrRecordNotFound)
	}
	return nil
}

func (r *repo) Reset(ctx context.Context, locationID int64, now time.Time) error {
	result := r.db.WithContext(ctx).Exec(
		`UPDATE location_counters
		 SET current_value = 0, epoch_started_at = ?, manual_reset_active = ?, updated_at = ?
		 WHERE location_id = ?`,
		now.UTC(),
		true,
		now.UTC(),
		locationID,
	)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("location counter %d: %w", locationID, gorm.ErrRecordNotFound)
	}
	return nil
}

func (r *repo) Get(ctx context.Context, locationID int64) (*domain.LocationCounter, error) {
	var counter domain.LocationCounter
	err := r.db.WithContext(ctx).
		Where("location_id = ?", locationID).
		Take(&counter).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &counter, nil
}

func (r *repo) ListManualReset(ctx context.Context, cutoff time.Time, limit int) ([]int64, error) {
	var ids []int64
	stmt := r.db.WithContext(ctx).
		Model(&domain.LocationCounter{}).
		Where("manual_reset_active = ? AND epoch_started_at <= ?", true, cutoff.UTC()).
		Order("location_id")
	if limit > 0 {
		stmt = stmt.Limit(limit)
	}
	if err := stmt.Pluck("location_id", &ids).Error; err != nil {
		return nil, err
	}
	return ids, nil
}

// LockManualReset locks the rows of locationIDs that still carry the flag with an
// epoch at or before cutoff, and returns their ids.
func (r *repo) LockManualReset(ctx context.Context, locationIDs []int64, cutoff time.Time) ([]int64, error) {
	if len(locationIDs) == 0 {
		return nil, nil
	}
	query := `SELECT location_id FROM location_counters
		 WHERE location_id IN ? AND manual_reset_active = ? AND epoch_started_at <= ?
		 ORDER BY location_id`
	if !db.IsSQLite(r.db) {
		query += " FOR UPDATE"
	}

	var ids []int64
	if err := r.db.WithContext(ctx).Raw(query, locationIDs, true, cutoff.UTC()).Scan(&ids).Error; err != nil {
		return nil, err
	}
	return ids, nil
}

// ClearManualReset drops the flag for the given rows. Rows whose epoch started after
// cutoff were reset while the clear was running and keep their flag.
func (r *repo) ClearManualReset(ctx context.Context, locationIDs []int64, cutoff time.Time, now time.Time) (int64, error) {
	if len(locationIDs) == 0 {
		return 0, nil
	}
	result := r.db.WithContext(ctx).Exec(
		`UPDATE location_counters
		 SET manual_reset_active = ?, updated_at = ?
		 WHERE location_id IN ? AND manual_reset_active = ? AND epoch_started_at <= ?`,
		false,
		now.UTC(),
		locationIDs,
		true,
		cutoff.UTC(),
	)
	if result.Error != nil {
		return 0, result.Error
	}
	return result.RowsAffected, nil
}
