package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// DetailerFeeOverride replaces the default platform fee percentage for one
// detailer. An empty PricingModel applies to every model.
type DetailerFeeOverride struct {
	DetailerID   uuid.UUID       `gorm:"type:uuid;primaryKey" json:"detailer_id"`
	PricingModel string          `gorm:"size:20;not null;default:''" json:"pricing_model"`
	Percentage   decimal.Decimal `gorm:"type:numeric(5,2);not null" json:"percentage"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
