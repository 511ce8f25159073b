package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

const (
	BookingStatusConfirmed = "confirmed"
	BookingStatusCompleted = "completed"
	BookingStatusCancelled = "cancelled"
)

// Booking is the marketplace booking row. TotalPrice is in minor currency units.
type Booking struct {
	ID          uuid.UUID  `gorm:"type:uuid;primary_key" json:"id"`
	CustomerID  uuid.UUID  `gorm:"type:uuid;not null" json:"customer_id"`
	DetailerID  uuid.UUID  `gorm:"type:uuid;not null;index" json:"detailer_id"`
	Status      string     `gorm:"size:20;not null;default:'pending_payment'" json:"status"`
	TotalPrice  int64      `gorm:"not null" json:"total_price"`
	Currency    string     `gorm:"size:3;not null;default:'usd'" json:"currency"`
	ScheduledAt *time.Time `json:"scheduled_at"`
	CompletedAt *time.Time `json:"completed_at"`

	Detailer Detailer `gorm:"foreignkey:DetailerID" json:"-"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (b *Booking) BeforeCreate(tx *gorm.DB) error {
	if b.ID == uuid.Nil {
		b.ID = uuid.New()
	}
	return nil
}
