package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/smallbiznis/rastro/internal/ledger/domain"
	"gorm.io/gorm"
)

type reader struct {
	db *gorm.DB
}

func Provide(db *gorm.DB) domain.Reader {
	return &reader{db: db}
}

func (r *reader) WithTrx(tx *gorm.DB) domain.Reader {
	if tx == nil {
		return r
	}
	return &reader{db: tx}
}

func (r *reader) MaxTicketSince(ctx context.Context, locationID int64, since time.Time) (int64, error) {
	var maxTicket int64
	err := r.db.WithContext(ctx).Raw(
		`SELECT COALESCE(MAX(ticket_number), 0)
		 FROM guide_lines
		 WHERE location_id = ? AND created_at >= ?`,
		locationID,
		since.UTC(),
	).Scan(&maxTicket).Error
	if err != nil {
		return 0, fmt.Errorf("%w: %w", domain.ErrLedgerUnavailable, err)
	}
	return maxTicket, nil
}
