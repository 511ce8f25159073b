package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

type BatchStatus string

const (
	BatchPending    BatchStatus = "pending"
	BatchProcessing BatchStatus = "processing"
	BatchSucceeded  BatchStatus = "succeeded"
	BatchFailed     BatchStatus = "failed"
)

// WeeklyPayoutBatch aggregates one detailer's pending transfers for a
// Monday-Sunday week into a single processor transfer.
type WeeklyPayoutBatch struct {
	ID                  uuid.UUID   `gorm:"type:uuid;primary_key" json:"id"`
	DetailerID          uuid.UUID   `gorm:"type:uuid;not null;index" json:"detailer_id"`
	WeekStartDate       time.Time   `gorm:"not null;index" json:"week_start_date"`
	WeekEndDate         time.Time   `gorm:"not null" json:"week_end_date"`
	TotalAmount         int64       `gorm:"not null" json:"total_amount"`
	TotalTransfers      int         `gorm:"not null" json:"total_transfers"`
	Currency            string      `gorm:"size:3;not null" json:"currency"`
	Status              BatchStatus `gorm:"size:20;not null;index;default:'pending'" json:"status"`
	ProcessorTransferID *string     `gorm:"size:255;index" json:"processor_transfer_id"`
	ErrorMessage        *string     `gorm:"type:text" json:"error_message"`
	StatementURL        *string     `gorm:"type:text" json:"statement_url"`

	Detailer  Detailer         `gorm:"foreignkey:DetailerID" json:"-"`
	Transfers []TransferRecord `gorm:"foreignkey:BatchID" json:"transfers,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (b *WeeklyPayoutBatch) BeforeCreate(tx *gorm.DB) error {
	if b.ID == uuid.Nil {
		b.ID = uuid.New()
	}
	return nil
}
