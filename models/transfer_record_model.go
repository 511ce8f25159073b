package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

type TransferStatus string

const (
	TransferPending      TransferStatus = "pending"
	TransferProcessing   TransferStatus = "processing"
	TransferSucceeded    TransferStatus = "succeeded"
	TransferFailed       TransferStatus = "failed"
	TransferRetryPending TransferStatus = "retry_pending"
)

// TransferRecord is one payout intent per completed booking.
// Amount + PlatformFee always equals GrossAmount.
type TransferRecord struct {
	ID                  uuid.UUID      `gorm:"type:uuid;primary_key" json:"id"`
	BookingID           uuid.UUID      `gorm:"type:uuid;not null;uniqueIndex" json:"booking_id"`
	DetailerID          uuid.UUID      `gorm:"type:uuid;not null;index" json:"detailer_id"`
	GrossAmount         int64          `gorm:"not null" json:"gross_amount"`
	Amount              int64          `gorm:"not null" json:"amount"`
	PlatformFee         int64          `gorm:"not null" json:"platform_fee"`
	PricingModel        string         `gorm:"size:20;not null" json:"pricing_model"`
	Currency            string         `gorm:"size:3;not null" json:"currency"`
	Status              TransferStatus `gorm:"size:20;not null;index;default:'pending'" json:"status"`
	ProcessorTransferID *string        `gorm:"size:255;index" json:"processor_transfer_id"`
	BatchID             *uuid.UUID     `gorm:"type:uuid;index" json:"batch_id"`
	LastBatchID         *uuid.UUID     `gorm:"type:uuid;index" json:"last_batch_id"`
	ErrorMessage        *string        `gorm:"type:text" json:"error_message"`
	RetryCount          int            `gorm:"not null;default:0" json:"retry_count"`
	RequeueCount        int            `gorm:"not null;default:0" json:"requeue_count"`
	Retryable           bool           `gorm:"not null;default:true" json:"retryable"`
	// IdempotencyKey holds the key of an individual attempt until the
	// processor gives a definite answer for it.
	IdempotencyKey *string `gorm:"size:255" json:"idempotency_key,omitempty"`

	CreatedAt time.Time `gorm:"index" json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (r *TransferRecord) BeforeCreate(tx *gorm.DB) error {
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	return nil
}

func (r TransferRecord) IsLocked() bool {
	return r.Status == TransferSucceeded || r.Status == TransferProcessing
}
