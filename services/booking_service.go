package services

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/anjiri1684/detailer_payouts/models"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// BookingService is the booking completion event source: it moves a booking
// to completed and records the detailer's payout.
type BookingService struct {
	db        *gorm.DB
	transfers *TransferService
	now       func() time.Time
}

func NewBookingService(db *gorm.DB, transfers *TransferService) *BookingService {
	return &BookingService{db: db, transfers: transfers, now: time.Now}
}

// Complete is idempotent: completing an already completed booking only
// re-runs transfer creation.
func (s *BookingService) Complete(ctx context.Context, bookingID, detailerID uuid.UUID) (*CreateResult, error) {
	var booking models.Booking
	err := s.db.WithContext(ctx).First(&booking, "id = ?", bookingID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrBookingNotFound, bookingID)
	}
	if err != nil {
		return nil, fmt.Errorf("get booking %s: %w", bookingID, err)
	}
	if booking.DetailerID != detailerID {
		return nil, ErrBookingNotOwned
	}

	switch booking.Status {
	case models.BookingStatusCompleted:
	case models.BookingStatusConfirmed:
		now := s.now()
		if booking.ScheduledAt != nil && booking.ScheduledAt.After(now) {
			return nil, ErrBookingNotFinished
		}
		res := s.db.WithContext(ctx).Model(&models.Booking{}).
			Where("id = ? AND status = ?", booking.ID, models.BookingStatusConfirmed).
			Updates(map[string]interface{}{
				"status":       models.BookingStatusCompleted,
				"completed_at": now,
			})
		if res.Error != nil {
			return nil, fmt.Errorf("complete booking %s: %w", booking.ID, res.Error)
		}
		if res.RowsAffected == 1 {
			log.Printf("Booking %s marked as completed", booking.ID)
		}
	default:
		return nil, fmt.Errorf("%w: booking is %s", ErrBookingNotConfirmed, booking.Status)
	}

	return s.transfers.CreateForBooking(ctx, BookingCompletion{
		BookingID:   booking.ID,
		DetailerID:  booking.DetailerID,
		GrossAmount: booking.TotalPrice,
		Currency:    booking.Currency,
	})
}
