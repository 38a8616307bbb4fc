package domain

import (
	"context"
	"errors"
	"time"

	"github.com/smallbiznis/rastro/pkg/db/pagination"
	"gorm.io/gorm"
)

// Entry describes one audited change to a location counter.
type Entry struct {
	LocationID int64
	Action     string
	ActorType  string
	ActorID    string
	Metadata   map[string]any
}

type ListAuditLogRequest struct {
	pagination.Pagination
	LocationID int64
	Action     string
	ActorID    string
	StartAt    *time.Time
	EndAt      *time.Time
}

type ListAuditLogResponse struct {
	pagination.PageInfo
	AuditLogs []AuditLog `json:"audit_logs"`
}

type Service interface {
	// Record writes entries through conn so callers can keep them inside their transaction.
	// A nil conn uses the service's own handle.
	Record(ctx context.Context, conn *gorm.DB, entries ...Entry) error
	List(ctx context.Context, req ListAuditLogRequest) (ListAuditLogResponse, error)
}

var (
	ErrInvalidLocation  = errors.New("invalid_location")
	ErrInvalidPageToken = errors.New("invalid_page_token")
	ErrInvalidTimeRange = errors.New("invalid_time_range")
	ErrInvalidAction    = errors.New("invalid_action")
)
