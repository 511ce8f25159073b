package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

const (
	PricingModelPercentage   = "percentage"
	PricingModelSubscription = "subscription"
)

// Detailer is the payee directory entry. PayoutAccountID is the processor-side
// connected account that can receive transfers.
type Detailer struct {
	ID              uuid.UUID  `gorm:"type:uuid;primary_key" json:"id"`
	FullName        string     `gorm:"size:255;not null" json:"full_name"`
	Email           string     `gorm:"size:255;not null;unique" json:"email"`
	OrganizationID  *uuid.UUID `gorm:"type:uuid;index" json:"organization_id"`
	PayoutAccountID *string    `gorm:"size:255" json:"payout_account_id"`
	PricingModel    string     `gorm:"size:20;not null;default:'percentage'" json:"pricing_model"`

	CreatedAt time.Time `json:"-"`
	UpdatedAt time.Time `json:"-"`
}

func (d *Detailer) BeforeCreate(tx *gorm.DB) error {
	if d.ID == uuid.Nil {
		d.ID = uuid.New()
	}
	return nil
}

func (d Detailer) IsIndependent() bool {
	return d.OrganizationID == nil
}

func (d Detailer) HasPayoutDestination() bool {
	return d.PayoutAccountID != nil && *d.PayoutAccountID != ""
}
