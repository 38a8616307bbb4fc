package repository

import (
	"context"
	"strings"

	"github.com/smallbiznis/rastro/internal/audit/domain"
	"gorm.io/gorm"
)

// insertBatchSize bounds a single INSERT when a clear pass audits many counters at once.
const insertBatchSize = 200

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, entries []*domain.AuditLog) error {
	switch len(entries) {
	case 0:
		return nil
	case 1:
		return db.WithContext(ctx).Create(entries[0]).Error
	default:
		return db.WithContext(ctx).CreateInBatches(entries, insertBatchSize).Error
	}
}

// List returns one location's trail newest first. It fetches Limit+1 rows so the
// caller can tell whether another page exists.
func (r *repo) List(ctx context.Context, db *gorm.DB, filter domain.ListFilter) ([]*domain.AuditLog, error) {
	var logs []*domain.AuditLog
	stmt := db.WithContext(ctx).
		Model(&domain.AuditLog{}).
		Scopes(matchFilter(filter), afterCursor(filter.Cursor)).
		Order("created_at desc, id desc")
	if filter.Limit > 0 {
		stmt = stmt.Limit(filter.Limit + 1)
	}

	if err := stmt.Find(&logs).Error; err != nil {
		return nil, err
	}
	return logs, nil
}

func matchFilter(filter domain.ListFilter) func(*gorm.DB) *gorm.DB {
	return func(tx *gorm.DB) *gorm.DB {
		tx = tx.Where("location_id = ?", filter.LocationID)
		if action := strings.TrimSpace(filter.Action); action != "" {
			tx = tx.Where("action = ?", action)
		}
		if actorID := strings.TrimSpace(filter.ActorID); actorID != "" {
			tx = tx.Where("actor_id = ?", actorID)
		}
		if filter.StartAt != nil {
			tx = tx.Where("created_at >= ?", filter.StartAt.UTC())
		}
		if filter.EndAt != nil {
			tx = tx.Where("created_at <= ?", filter.EndAt.UTC())
		}
		return tx
	}
}

// afterCursor continues the (created_at, id) keyset below the last row served.
func afterCursor(cursor *domain.AuditCursor) func(*gorm.DB) *gorm.DB {
	return func(tx *gorm.DB) *gorm.DB {
		if cursor == nil {
			return tx
		}
		return tx.Where("created_at < ? OR (created_at = ? AND id < ?)",
			cursor.CreatedAt, cursor.CreatedAt, cursor.ID)
	}
}
