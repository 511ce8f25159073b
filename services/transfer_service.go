package services

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/anjiri1684/detailer_payouts/models"
	"github.com/anjiri1684/detailer_payouts/payments"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

type CreateOutcome string

const (
	OutcomeCreated          CreateOutcome = "created"
	OutcomeUpdated          CreateOutcome = "updated"
	OutcomeUnchanged        CreateOutcome = "unchanged"
	OutcomeNotApplicable    CreateOutcome = "not_applicable"
	OutcomeFailedValidation CreateOutcome = "failed_validation"
)

// BookingCompletion is the payload of a booking completion event.
type BookingCompletion struct {
	BookingID   uuid.UUID
	DetailerID  uuid.UUID
	GrossAmount int64
	Currency    string
}

type CreateResult struct {
	Outcome CreateOutcome          `json:"outcome"`
	Record  *models.TransferRecord `json:"record,omitempty"`
}

type TransferService struct {
	store     *TransferStore
	directory *Directory
	fees      *FeeConfigLoader
	executor  *TransferExecutor
	currency  string
}

func NewTransferService(store *TransferStore, directory *Directory, fees *FeeConfigLoader, executor *TransferExecutor, currency string) *TransferService {
	return &TransferService{
		store:     store,
		directory: directory,
		fees:      fees,
		executor:  executor,
		currency:  strings.ToLower(currency),
	}
}

// CreateForBooking records the payout owed for a completed booking. It is
// safe to call repeatedly: a succeeded or in-flight record is returned as is,
// any other existing record is refreshed and reset to pending.
func (s *TransferService) CreateForBooking(ctx context.Context, in BookingCompletion) (*CreateResult, error) {
	detailer, err := s.directory.Detailer(ctx, in.DetailerID)
	if err != nil {
		return nil, err
	}
	if !detailer.IsIndependent() {
		log.Printf("Skipping transfer for booking %s: detailer %s belongs to an organization", in.BookingID, detailer.ID)
		return &CreateResult{Outcome: OutcomeNotApplicable}, nil
	}

	cfg, err := s.fees.Load(ctx)
	if err != nil {
		return nil, err
	}
	fee, err := cfg.ComputeFee(in.GrossAmount, detailer.PricingModel, detailer.ID)
	if err != nil {
		return nil, fmt.Errorf("compute fee for booking %s: %w", in.BookingID, err)
	}

	currency := strings.ToLower(in.Currency)
	if currency == "" {
		currency = s.currency
	}

	rec, outcome, err := s.upsert(ctx, in, detailer.PricingModel, currency, fee)
	if err != nil {
		return nil, err
	}
	if outcome == OutcomeUnchanged {
		return &CreateResult{Outcome: outcome, Record: rec}, nil
	}

	if !detailer.HasPayoutDestination() {
		if _, err := s.store.Transition(ctx, []uuid.UUID{rec.ID}, []models.TransferStatus{models.TransferPending}, map[string]interface{}{
			"status":        models.TransferFailed,
			"error_message": ErrNoPayoutDestination.Error(),
			"retryable":     false,
		}); err != nil {
			return nil, err
		}
		log.Printf("🔥 Transfer %s for booking %s failed: %v", rec.ID, in.BookingID, ErrNoPayoutDestination)
		if rec, err = s.store.GetByID(ctx, rec.ID); err != nil {
			return nil, err
		}
		return &CreateResult{Outcome: OutcomeFailedValidation, Record: rec}, nil
	}

	log.Printf("✅ Transfer record %s %s for booking %s: gross=%d fee=%d payout=%d",
		rec.ID, outcome, in.BookingID, fee.GrossAmount, fee.PlatformFee, fee.Payout)
	return &CreateResult{Outcome: outcome, Record: rec}, nil
}

// CreateForCompletedBooking looks the booking up and records its payout.
func (s *TransferService) CreateForCompletedBooking(ctx context.Context, bookingID uuid.UUID) (*CreateResult, error) {
	booking, err := s.directory.Booking(ctx, bookingID)
	if err != nil {
		return nil, err
	}
	if booking.Status != models.BookingStatusCompleted {
		return nil, fmt.Errorf("%w: booking %s is %s", ErrBookingNotCompleted, booking.ID, booking.Status)
	}
	return s.CreateForBooking(ctx, BookingCompletion{
		BookingID:   booking.ID,
		DetailerID:  booking.DetailerID,
		GrossAmount: booking.TotalPrice,
		Currency:    booking.Currency,
	})
}

func (s *TransferService) upsert(ctx context.Context, in BookingCompletion, pricingModel, currency string, fee FeeBreakdown) (*models.TransferRecord, CreateOutcome, error) {
	// Two passes: a concurrent creator can win the insert or move the row
	// between our read and our conditional write.
	for attempt := 0; attempt < 2; attempt++ {
		existing, err := s.store.GetByBookingID(ctx, in.BookingID)
		if errors.Is(err, ErrRecordNotFound) {
			rec := &models.TransferRecord{
				BookingID:    in.BookingID,
				DetailerID:   in.DetailerID,
				GrossAmount:  fee.GrossAmount,
				Amount:       fee.Payout,
				PlatformFee:  fee.PlatformFee,
				PricingModel: pricingModel,
				Currency:     currency,
				Status:       models.TransferPending,
				Retryable:    true,
			}
			err := s.store.Insert(ctx, rec)
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				continue
			}
			if err != nil {
				return nil, "", err
			}
			return rec, OutcomeCreated, nil
		}
		if err != nil {
			return nil, "", err
		}

		if existing.IsLocked() {
			return existing, OutcomeUnchanged, nil
		}

		moved, err := s.store.Transition(ctx, []uuid.UUID{existing.ID},
			[]models.TransferStatus{models.TransferPending, models.TransferRetryPending, models.TransferFailed},
			map[string]interface{}{
				"detailer_id":           in.DetailerID,
				"gross_amount":          fee.GrossAmount,
				"amount":                fee.Payout,
				"platform_fee":          fee.PlatformFee,
				"pricing_model":         pricingModel,
				"currency":              currency,
				"status":                models.TransferPending,
				"error_message":         nil,
				"batch_id":              nil,
				"processor_transfer_id": nil,
				"retryable":             true,
			})
		if err != nil {
			return nil, "", err
		}
		if moved == 0 {
			continue
		}
		rec, err := s.store.GetByID(ctx, existing.ID)
		if err != nil {
			return nil, "", err
		}
		return rec, OutcomeUpdated, nil
	}
	return nil, "", fmt.Errorf("transfer record for booking %s changed concurrently, try again", in.BookingID)
}

// DispatchRecord pays one pending, unbatched record immediately instead of
// waiting for the weekly batch.
func (s *TransferService) DispatchRecord(ctx context.Context, id uuid.UUID) (*models.TransferRecord, error) {
	rec, err := s.store.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec.Status != models.TransferPending || rec.BatchID != nil {
		return rec, fmt.Errorf("%w: record %s is %s", ErrInvalidTransition, rec.ID, rec.Status)
	}
	if rec.Amount <= 0 {
		return rec, ErrNothingToPay
	}

	detailer, err := s.directory.Detailer(ctx, rec.DetailerID)
	if err != nil {
		return nil, err
	}
	if !detailer.IsIndependent() {
		return rec, ErrNotApplicable
	}
	if !detailer.HasPayoutDestination() {
		if _, err := s.store.Transition(ctx, []uuid.UUID{rec.ID}, []models.TransferStatus{models.TransferPending}, map[string]interface{}{
			"status":        models.TransferFailed,
			"error_message": ErrNoPayoutDestination.Error(),
			"retryable":     false,
		}); err != nil {
			return nil, err
		}
		return rec, ErrNoPayoutDestination
	}

	key := attemptKey(rec, 0)
	moved, err := s.store.Transition(ctx, []uuid.UUID{rec.ID}, []models.TransferStatus{models.TransferPending},
		map[string]interface{}{"status": models.TransferProcessing, "idempotency_key": key})
	if err != nil {
		return nil, err
	}
	if moved == 0 {
		return rec, fmt.Errorf("%w: record %s was claimed by another run", ErrInvalidTransition, rec.ID)
	}

	transferID, execErr := s.executor.Execute(ctx, kindIndividual, recordTransferRequest(rec, *detailer.PayoutAccountID, key))
	if execErr != nil {
		log.Printf("🔥 Dispatch of transfer %s failed: %v", rec.ID, execErr)
		updates := map[string]interface{}{
			"status":        models.TransferRetryPending,
			"error_message": execErr.Error(),
		}
		if !payments.IsOutcomeUnknown(execErr) {
			updates["idempotency_key"] = nil
		}
		if _, err := s.store.Transition(ctx, []uuid.UUID{rec.ID}, []models.TransferStatus{models.TransferProcessing}, updates); err != nil {
			return nil, err
		}
	} else {
		if _, err := s.store.Transition(ctx, []uuid.UUID{rec.ID}, []models.TransferStatus{models.TransferProcessing}, map[string]interface{}{
			"processor_transfer_id": transferID,
			"error_message":         nil,
			"idempotency_key":       nil,
		}); err != nil {
			return nil, err
		}
		log.Printf("✅ Transfer %s dispatched as %s", rec.ID, transferID)
	}

	updated, err := s.store.GetByID(ctx, rec.ID)
	if err != nil {
		return nil, err
	}
	return updated, execErr
}

// Requeue hands a frozen failed record back to the retry coordinator with a
// fresh retry budget. The requeue count keeps the new attempts' keys apart
// from the ones already spent.
func (s *TransferService) Requeue(ctx context.Context, id uuid.UUID) (*models.TransferRecord, error) {
	moved, err := s.store.Transition(ctx, []uuid.UUID{id}, []models.TransferStatus{models.TransferFailed}, map[string]interface{}{
		"status":        models.TransferRetryPending,
		"retry_count":   0,
		"requeue_count": gorm.Expr("requeue_count + 1"),
		"retryable":     true,
	})
	if err != nil {
		return nil, err
	}
	rec, err := s.store.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if moved == 0 {
		return rec, fmt.Errorf("%w: record %s is %s", ErrInvalidTransition, rec.ID, rec.Status)
	}
	log.Printf("Transfer %s requeued for retry by operator", rec.ID)
	return rec, nil
}

func (s *TransferService) List(ctx context.Context, f TransferFilter) ([]models.TransferRecord, error) {
	return s.store.List(ctx, f)
}

func (s *TransferService) ListBatches(ctx context.Context, status models.BatchStatus, limit int) ([]models.WeeklyPayoutBatch, error) {
	return s.store.ListBatches(ctx, status, limit)
}

// attemptKey names one individual attempt. A stored key whose outcome is
// still unknown wins so the processor replays it instead of paying twice.
func attemptKey(rec *models.TransferRecord, attempt int) string {
	if rec.IdempotencyKey != nil && *rec.IdempotencyKey != "" {
		return *rec.IdempotencyKey
	}
	return fmt.Sprintf("transfer-%s-r%d-attempt-%d", rec.ID, rec.RequeueCount, attempt)
}

func recordTransferRequest(rec *models.TransferRecord, destination, idempotencyKey string) payments.TransferRequest {
	return payments.TransferRequest{
		Destination:    destination,
		Amount:         rec.Amount,
		Currency:       rec.Currency,
		IdempotencyKey: idempotencyKey,
		Description:    fmt.Sprintf("Payout for booking %s", rec.BookingID),
		Metadata: map[string]string{
			"transfer_record_id": rec.ID.String(),
			"booking_id":         rec.BookingID.String(),
			"detailer_id":        rec.DetailerID.String(),
		},
	}
}
