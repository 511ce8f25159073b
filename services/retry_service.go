package services

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/anjiri1684/detailer_payouts/models"
	"github.com/anjiri1684/detailer_payouts/payments"
	"github.com/google/uuid"
)

type RetryRunSummary struct {
	Success           bool     `json:"success"`
	Selected          int      `json:"selected"`
	Attempted         int      `json:"attempted"`
	Dispatched        int      `json:"dispatched"`
	RetryPending      int      `json:"retry_pending"`
	Exhausted         int      `json:"exhausted"`
	PermanentlyFailed int      `json:"permanently_failed"`
	Skipped           int      `json:"skipped"`
	Errors            []string `json:"errors,omitempty"`
}

func (s *RetryRunSummary) RunSucceeded() bool { return s.Success }
func (s *RetryRunSummary) ErrorCount() int { return len(s.Errors) }

type RetryService struct {
	store     *TransferStore
	directory *Directory
	fees      *FeeConfigLoader
	executor  *TransferExecutor
	batchSize int
}

func NewRetryService(store *TransferStore, directory *Directory, fees *FeeConfigLoader, executor *TransferExecutor, batchSize int) *RetryService {
	if batchSize <= 0 {
		batchSize = 50
	}
	return &RetryService{
		store:     store,
		directory: directory,
		fees:      fees,
		executor:  executor,
		batchSize: batchSize,
	}
}

// RunRetries re-dispatches the oldest failed transfers that still have retry
// budget. Every attempt consumes budget whatever its outcome.
func (s *RetryService) RunRetries(ctx context.Context) (*RetryRunSummary, error) {
	log.Println("Running job: RetryFailedTransfers...")
	summary := &RetryRunSummary{}

	cfg, err := s.fees.Load(ctx)
	if err != nil {
		summary.Errors = append(summary.Errors, err.Error())
		return summary, err
	}

	candidates, err := s.store.RetryCandidates(ctx, cfg.MaxRetries, s.batchSize)
	if err != nil {
		summary.Errors = append(summary.Errors, err.Error())
		return summary, err
	}
	summary.Selected = len(candidates)
	if len(candidates) == 0 {
		log.Println("No transfers to retry.")
		summary.Success = true
		return summary, nil
	}

	for i := range candidates {
		if ctx.Err() != nil {
			summary.Errors = append(summary.Errors, fmt.Sprintf("run interrupted: %v", ctx.Err()))
			break
		}
		if err := s.retryOne(ctx, &candidates[i], cfg.MaxRetries, summary); err != nil {
			summary.Errors = append(summary.Errors, fmt.Sprintf("transfer %s: %v", candidates[i].ID, err))
		}
	}

	summary.Success = true
	log.Printf("Retry run: %d attempted, %d dispatched, %d exhausted, %d permanently failed",
		summary.Attempted, summary.Dispatched, summary.Exhausted, summary.PermanentlyFailed)
	return summary, nil
}

func (s *RetryService) retryOne(ctx context.Context, rec *models.TransferRecord, maxRetries int, summary *RetryRunSummary) error {
	destination, reason, err := s.validate(ctx, rec)
	if err != nil {
		return err
	}
	if reason != "" {
		moved, err := s.store.Transition(ctx, []uuid.UUID{rec.ID},
			[]models.TransferStatus{models.TransferRetryPending, models.TransferFailed},
			map[string]interface{}{
				"status":        models.TransferFailed,
				"error_message": reason,
				"retryable":     false,
			})
		if err != nil {
			return err
		}
		if moved == 0 {
			summary.Skipped++
			return nil
		}
		summary.PermanentlyFailed++
		log.Printf("🔥 Transfer %s permanently failed: %s", rec.ID, reason)
		return errors.New(reason)
	}

	attempt := rec.RetryCount + 1
	key := attemptKey(rec, attempt)
	claimed, err := s.store.ClaimRetry(ctx, rec.ID, rec.RetryCount, key)
	if err != nil {
		return err
	}
	if claimed == 0 {
		summary.Skipped++
		return nil
	}
	summary.Attempted++

	transferID, execErr := s.executor.Execute(ctx, kindRetry, recordTransferRequest(rec, destination, key))
	if execErr == nil {
		if _, err := s.store.Transition(ctx, []uuid.UUID{rec.ID}, []models.TransferStatus{models.TransferProcessing}, map[string]interface{}{
			"processor_transfer_id": transferID,
			"error_message":         nil,
			"idempotency_key":       nil,
		}); err != nil {
			return err
		}
		summary.Dispatched++
		log.Printf("✅ Retry %d of transfer %s dispatched as %s", attempt, rec.ID, transferID)
		return nil
	}

	updates := map[string]interface{}{
		"status":        models.TransferRetryPending,
		"error_message": execErr.Error(),
	}
	if payments.IsOutcomeUnknown(execErr) {
		log.Printf("⚠️ Retry %d of transfer %s has no definite outcome, key %s will be reused", attempt, rec.ID, key)
	} else {
		updates["idempotency_key"] = nil
	}
	if attempt >= maxRetries {
		updates["status"] = models.TransferFailed
		updates["error_message"] = fmt.Sprintf("%s; max retries reached", execErr.Error())
	}
	if _, err := s.store.Transition(ctx, []uuid.UUID{rec.ID}, []models.TransferStatus{models.TransferProcessing}, updates); err != nil {
		return err
	}
	if attempt >= maxRetries {
		summary.Exhausted++
		log.Printf("🔥 Transfer %s exhausted its %d retries: %v", rec.ID, maxRetries, execErr)
		return fmt.Errorf("%v; max retries reached", execErr)
	}
	summary.RetryPending++
	return fmt.Errorf("attempt %d: %w", attempt, execErr)
}

// validate re-checks the structural preconditions of a payout. A non-empty
// reason means retrying can never succeed.
func (s *RetryService) validate(ctx context.Context, rec *models.TransferRecord) (destination, reason string, err error) {
	booking, err := s.directory.Booking(ctx, rec.BookingID)
	if errors.Is(err, ErrBookingNotFound) {
		return "", fmt.Sprintf("booking %s no longer exists", rec.BookingID), nil
	}
	if err != nil {
		return "", "", err
	}
	if booking.Status != models.BookingStatusCompleted {
		return "", fmt.Sprintf("booking %s is no longer completed (status %s)", booking.ID, booking.Status), nil
	}

	detailer, err := s.directory.Detailer(ctx, rec.DetailerID)
	if errors.Is(err, ErrDetailerNotFound) {
		return "", fmt.Sprintf("detailer %s no longer exists", rec.DetailerID), nil
	}
	if err != nil {
		return "", "", err
	}
	if !detailer.IsIndependent() {
		return "", "detailer now belongs to an organization", nil
	}
	if !detailer.HasPayoutDestination() {
		return "", ErrNoPayoutDestination.Error(), nil
	}
	if rec.Amount <= 0 {
		return "", ErrNothingToPay.Error(), nil
	}
	return *detailer.PayoutAccountID, "", nil
}
