package domain

import "time"

// LocationCounter is the persistent ticket sequence state of one location.
type LocationCounter struct {
	LocationID        int64     `gorm:"primaryKey;autoIncrement:false"`
	CurrentValue      int64     `gorm:"not null;default:0"`
	EpochStartedAt    time.Time `gorm:"not null"`
	ManualResetActive bool      `gorm:"not null;default:false;index"`
	CreatedAt         time.Time `gorm:"not null"`
	UpdatedAt         time.Time `gorm:"not null"`
}

// TableName sets the database table name.
func (LocationCounter) TableName() string { return "location_counters" }

type CounterState string

const (
	// CounterStateFresh means the location has never allocated a ticket.
	CounterStateFresh CounterState = "fresh"
	// CounterStateReconciling means allocations heal against the ledger.
	CounterStateReconciling CounterState = "reconciling"
	// CounterStateManualEpoch means an operator reset is in force and the ledger is ignored.
	CounterStateManualEpoch CounterState = "manual_epoch"
)

func StateOf(counter *LocationCounter) CounterState {
	switch {
	case counter == nil:
		return CounterStateFresh
	case counter.ManualResetActive:
		return CounterStateManualEpoch
	default:
		return CounterStateReconciling
	}
}

type CounterResponse struct {
	LocationID        int64        `json:"location_id"`
	State             CounterState `json:"state"`
	CurrentValue      int64        `json:"current_value"`
	ManualResetActive bool         `json:"manual_reset_active"`
	EpochPolicy       string       `json:"epoch_policy"`
	EpochStartedAt    *time.Time   `json:"epoch_started_at,omitempty"`
	ReconcileSince    *time.Time   `json:"reconcile_since,omitempty"`
	UpdatedAt         *time.Time   `json:"updated_at,omitempty"`
}

type ResetCounterRequest struct {
	LocationID int64
	ActorID    string
	Reason     string
}
