package domain

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
)

// Reader answers questions about ticket numbers already committed to the ledger.
type Reader interface {
	// MaxTicketSince returns the highest ticket number recorded for the location
	// at or after since, or 0 when there is none.
	MaxTicketSince(ctx context.Context, locationID int64, since time.Time) (int64, error)
	WithTrx(tx *gorm.DB) Reader
}

var ErrLedgerUnavailable = errors.New("ledger_unavailable")
