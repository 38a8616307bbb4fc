package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type ActorType string

const (
	ActorTypeSystem   ActorType = "system"
	ActorTypeOperator ActorType = "operator"
)

const (
	ActionCounterReset       = "ticket_counter.reset"
	ActionManualResetCleared = "ticket_counter.manual_reset_cleared"
	ActionInvariantViolation = "ticket_counter.invariant_violation"
)

// AuditLog is an append-only record of operator and system actions on counters.
type AuditLog struct {
	ID         snowflake.ID      `gorm:"primaryKey" json:"id"`
	LocationID int64             `gorm:"not null;index:idx_ticket_counter_audit_location_created,priority:1" json:"location_id"`
	Action     string            `gorm:"type:varchar(64);not null" json:"action"`
	ActorType  string            `gorm:"type:varchar(32);not null" json:"actor_type"`
	ActorID    *string           `gorm:"type:varchar(128)" json:"actor_id,omitempty"`
	Metadata   datatypes.JSONMap `json:"metadata,omitempty"`
	CreatedAt  time.Time         `gorm:"not null;index:idx_ticket_counter_audit_location_created,priority:2" json:"created_at"`
}

// TableName sets the database table name.
func (AuditLog) TableName() string { return "ticket_counter_audit_logs" }

type AuditCursor struct {
	ID        snowflake.ID
	CreatedAt time.Time
}

type ListFilter struct {
	LocationID int64
	Action     string
	ActorID    string
	StartAt    *time.Time
	EndAt      *time.Time
	Cursor     *AuditCursor
	Limit      int
}

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, entries []*AuditLog) error
	List(ctx context.Context, db *gorm.DB, filter ListFilter) ([]*AuditLog, error)
}
