package services

import (
	"context"
	"errors"
	"fmt"

	"github.com/anjiri1684/detailer_payouts/models"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Directory is the read-only view of bookings and detailers owned by the
// marketplace.
type Directory struct {
	db *gorm.DB
}

func NewDirectory(db *gorm.DB) *Directory {
	return &Directory{db: db}
}

func (d *Directory) Detailer(ctx context.Context, id uuid.UUID) (*models.Detailer, error) {
	var detailer models.Detailer
	err := d.db.WithContext(ctx).First(&detailer, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrDetailerNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get detailer %s: %w", id, err)
	}
	return &detailer, nil
}

func (d *Directory) Detailers(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]models.Detailer, error) {
	out := make(map[uuid.UUID]models.Detailer, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	var rows []models.Detailer
	if err := d.db.WithContext(ctx).Where("id IN ?", ids).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("get detailers: %w", err)
	}
	for _, row := range rows {
		out[row.ID] = row
	}
	return out, nil
}

func (d *Directory) Booking(ctx context.Context, id uuid.UUID) (*models.Booking, error) {
	var booking models.Booking
	err := d.db.WithContext(ctx).First(&booking, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrBookingNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get booking %s: %w", id, err)
	}
	return &booking, nil
}
