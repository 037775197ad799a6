package eventlog

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// EventRow is the persisted form of one committed protocol event.
type EventRow struct {
	Seq        uint64    `gorm:"primaryKey;autoIncrement"`
	ID         uuid.UUID `gorm:"type:uuid;uniqueIndex"`
	Type       string    `gorm:"size:64;index"`
	Market     string    `gorm:"size:64;index"`
	Account    string    `gorm:"size:42;index"`
	Attributes string    `gorm:"type:text"`
	CreatedAt  time.Time
}

// TableName pins the table name independent of the struct name.
func (EventRow) TableName() string { return "lending_events" }

// AutoMigrate creates or updates the event log schema.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(&EventRow{})
}
