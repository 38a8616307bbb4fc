package domain

import (
	"context"
	"time"

	"gorm.io/gorm"
)

type Repository interface {
	WithTrx(tx *gorm.DB) Repository
	// WithLockTimeout runs fn with row lock waits bounded by timeout and leaves the
	// connection's own setting as it found it.
	WithLockTimeout(ctx context.Context, timeout time.Duration, fn func() error) error
	// LockForUpdate returns the locked row or nil when the location has no counter yet.
	LockForUpdate(ctx context.Context, locationID int64) (*LocationCounter, error)
	CreateIfAbsent(ctx context.Context, counter *LocationCounter) error
	SaveValue(ctx context.Context, locationID int64, value int64, now time.Time) error
	Reset(ctx context.Context, locationID int64, now time.Time) error
	Get(ctx context.Context, locationID int64) (*LocationCounter, error)
	ListManualReset(ctx context.Context, cutoff time.Time, limit int) ([]int64, error)
	LockManualReset(ctx context.Context, locationIDs []int64, cutoff time.Time) ([]int64, error)
	ClearManualReset(ctx context.Context, locationIDs []int64, cutoff time.Time, now time.Time) (int64, error)
}
