package domain

import "time"

// TicketRecord is a committed guide line carrying an issued ticket number.
// Rows are written by the guide workflow; this service only reads them.
type TicketRecord struct {
	ID           int64     `gorm:"primaryKey"`
	LocationID   int64     `gorm:"not null;index:idx_guide_lines_location_created,priority:1"`
	GuideID      int64     `gorm:"not null;index"`
	TicketNumber int64     `gorm:"not null"`
	CreatedAt    time.Time `gorm:"not null;index:idx_guide_lines_location_created,priority:2"`
}

// TableName sets the database table name.
func (TicketRecord) TableName() string { return "guide_lines" }
