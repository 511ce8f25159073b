package services

import (
	"context"
	"fmt"

	"github.com/anjiri1684/detailer_payouts/models"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var hundred = decimal.NewFromInt(100)

// FeeOverride replaces the default percentage for one detailer. An empty
// PricingModel applies to every pricing model.
type FeeOverride struct {
	PricingModel string
	Percentage   decimal.Decimal
}

type FeeConfig struct {
	PercentageFeeDefault   decimal.Decimal
	SubscriptionFeeDefault decimal.Decimal
	PerDetailerOverrides   map[uuid.UUID]FeeOverride
	MaxRetries             int
}

type FeeBreakdown struct {
	GrossAmount int64
	PlatformFee int64
	Payout      int64
	Percentage  decimal.Decimal
}

func (c FeeConfig) EffectivePercentage(pricingModel string, detailerID uuid.UUID) (decimal.Decimal, error) {
	var pct decimal.Decimal
	switch pricingModel {
	case models.PricingModelPercentage:
		pct = c.PercentageFeeDefault
	case models.PricingModelSubscription:
		pct = c.SubscriptionFeeDefault
	default:
		return decimal.Zero, fmt.Errorf("%w: %q", ErrUnknownPricingModel, pricingModel)
	}

	if o, ok := c.PerDetailerOverrides[detailerID]; ok {
		if o.PricingModel == "" || o.PricingModel == pricingModel {
			pct = o.Percentage
		}
	}
	return pct, nil
}

// ComputeFee splits a gross booking amount into platform fee and payout. The
// fee is rounded half-up to a whole minor unit and the payout is always the
// remainder, so fee + payout == gross.
func (c FeeConfig) ComputeFee(gross int64, pricingModel string, detailerID uuid.UUID) (FeeBreakdown, error) {
	if gross < 0 {
		return FeeBreakdown{}, fmt.Errorf("%w: %d", ErrNegativeAmount, gross)
	}
	pct, err := c.EffectivePercentage(pricingModel, detailerID)
	if err != nil {
		return FeeBreakdown{}, err
	}

	fee := decimal.NewFromInt(gross).Mul(pct).Div(hundred).Round(0).IntPart()
	return FeeBreakdown{
		GrossAmount: gross,
		PlatformFee: fee,
		Payout:      gross - fee,
		Percentage:  pct,
	}, nil
}

// FeeConfigLoader combines configured defaults with the overrides stored in
// detailer_fee_overrides.
type FeeConfigLoader struct {
	db       *gorm.DB
	defaults FeeConfig
}

func NewFeeConfigLoader(db *gorm.DB, defaults FeeConfig) *FeeConfigLoader {
	return &FeeConfigLoader{db: db, defaults: defaults}
}

func (l *FeeConfigLoader) Load(ctx context.Context) (FeeConfig, error) {
	var rows []models.DetailerFeeOverride
	if err := l.db.WithContext(ctx).Find(&rows).Error; err != nil {
		return FeeConfig{}, fmt.Errorf("load fee overrides: %w", err)
	}

	cfg := l.defaults
	cfg.PerDetailerOverrides = make(map[uuid.UUID]FeeOverride, len(rows)+len(l.defaults.PerDetailerOverrides))
	for id, o := range l.defaults.PerDetailerOverrides {
		cfg.PerDetailerOverrides[id] = o
	}
	for _, row := range rows {
		cfg.PerDetailerOverrides[row.DetailerID] = FeeOverride{
			PricingModel: row.PricingModel,
			Percentage:   row.Percentage,
		}
	}
	return cfg, nil
}

// SaveOverride inserts or replaces the fee override of one detailer. It only
// affects records created or refreshed afterwards.
func (l *FeeConfigLoader) SaveOverride(ctx context.Context, o *models.DetailerFeeOverride) error {
	if o.Percentage.IsNegative() || o.Percentage.GreaterThan(hundred) {
		return fmt.Errorf("%w, got %s", ErrInvalidFeePercent, o.Percentage)
	}
	switch o.PricingModel {
	case "", models.PricingModelPercentage, models.PricingModelSubscription:
	default:
		return fmt.Errorf("%w: %q", ErrUnknownPricingModel, o.PricingModel)
	}

	err := l.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "detailer_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"pricing_model", "percentage", "updated_at"}),
	}).Create(o).Error
	if err != nil {
		return fmt.Errorf("save fee override for %s: %w", o.DetailerID, err)
	}
	return nil
}
