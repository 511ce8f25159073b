package services

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/anjiri1684/detailer_payouts/models"
	"github.com/anjiri1684/detailer_payouts/payments"
	"github.com/google/uuid"
)

const dateLayout = "2006-01-02"

var (
	errClaimConflict = errors.New("records changed while the batch was being created")
	errBatchDeferred = errors.New("batch deferred")
)

// WeekWindow is a Monday 00:00 to next Monday 00:00 interval.
type WeekWindow struct {
	Start time.Time
	End   time.Time
}

// LastDay is the Sunday that closes the week.
func (w WeekWindow) LastDay() time.Time {
	return w.End.AddDate(0, 0, -1)
}

func (w WeekWindow) String() string {
	return w.Start.Format(dateLayout) + " - " + w.LastDay().Format(dateLayout)
}

func WeekContaining(day time.Time, loc *time.Location) WeekWindow {
	if loc == nil {
		loc = time.UTC
	}
	t := day.In(loc)
	offset := (int(t.Weekday()) + 6) % 7
	start := time.Date(t.Year(), t.Month(), t.Day()-offset, 0, 0, 0, 0, loc)
	return WeekWindow{Start: start, End: start.AddDate(0, 0, 7)}
}

// PreviousWeek is the last full week before the one containing now.
func PreviousWeek(now time.Time, loc *time.Location) WeekWindow {
	current := WeekContaining(now, loc)
	return WeekWindow{Start: current.Start.AddDate(0, 0, -7), End: current.Start}
}

// StatementScheduler produces payout statements for dispatched batches.
type StatementScheduler interface {
	Schedule(batch models.WeeklyPayoutBatch)
}

type WeeklyRunSummary struct {
	Success           bool     `json:"success"`
	WeekStart         string   `json:"week_start"`
	WeekEnd           string   `json:"week_end"`
	RecordsSelected   int      `json:"records_selected"`
	BatchesCreated    int      `json:"batches_created"`
	BatchesDispatched int      `json:"batches_dispatched"`
	BatchesFailed     int      `json:"batches_failed"`
	BatchesDeferred   int      `json:"batches_deferred"`
	BatchesResumed    int      `json:"batches_resumed"`
	DetailersSkipped  int      `json:"detailers_skipped"`
	TotalAmount       int64    `json:"total_amount"`
	Errors            []string `json:"errors,omitempty"`
}

func (s *WeeklyRunSummary) RunSucceeded() bool { return s.Success }
func (s *WeeklyRunSummary) ErrorCount() int { return len(s.Errors) }

type WeeklyPayoutService struct {
	store      *TransferStore
	directory  *Directory
	executor   *TransferExecutor
	statements StatementScheduler
	location   *time.Location
	now        func() time.Time
}

func NewWeeklyPayoutService(store *TransferStore, directory *Directory, executor *TransferExecutor, statements StatementScheduler, location *time.Location) *WeeklyPayoutService {
	if location == nil {
		location = time.UTC
	}
	return &WeeklyPayoutService{
		store:      store,
		directory:  directory,
		executor:   executor,
		statements: statements,
		location:   location,
		now:        time.Now,
	}
}

// RunWeekly batches the previous full week.
func (s *WeeklyPayoutService) RunWeekly(ctx context.Context) (*WeeklyRunSummary, error) {
	return s.runWindow(ctx, PreviousWeek(s.now(), s.location))
}

// RunForWeek batches the week containing day. Operators use it to re-batch
// records that a failed batch returned to pending.
func (s *WeeklyPayoutService) RunForWeek(ctx context.Context, day time.Time) (*WeeklyRunSummary, error) {
	return s.runWindow(ctx, WeekContaining(day, s.location))
}

type payoutGroup struct {
	detailerID uuid.UUID
	currency   string
	records    []models.TransferRecord
	total      int64
}

func (s *WeeklyPayoutService) runWindow(ctx context.Context, week WeekWindow) (*WeeklyRunSummary, error) {
	log.Printf("Running job: WeeklyPayouts for %s...", week)
	summary := &WeeklyRunSummary{
		WeekStart: week.Start.Format(dateLayout),
		WeekEnd:   week.LastDay().Format(dateLayout),
	}

	s.resumePendingBatches(ctx, summary)

	records, err := s.store.PendingForWeek(ctx, week.Start, week.End)
	if err != nil {
		summary.Errors = append(summary.Errors, err.Error())
		return summary, err
	}
	summary.RecordsSelected = len(records)
	if len(records) == 0 {
		log.Println("No pending transfers found for the week.")
		summary.Success = true
		return summary, nil
	}

	groups := groupByDetailer(records)
	ids := make([]uuid.UUID, 0, len(groups))
	for _, g := range groups {
		ids = append(ids, g.detailerID)
	}
	detailers, err := s.directory.Detailers(ctx, ids)
	if err != nil {
		summary.Errors = append(summary.Errors, err.Error())
		return summary, err
	}

	for _, g := range groups {
		if ctx.Err() != nil {
			summary.Errors = append(summary.Errors, fmt.Sprintf("run interrupted: %v", ctx.Err()))
			break
		}
		if g.total <= 0 {
			summary.DetailersSkipped++
			continue
		}
		if err := s.payGroup(ctx, week, g, detailers, summary); err != nil {
			log.Printf("🔥 Weekly payout for detailer %s failed: %v", g.detailerID, err)
			summary.Errors = append(summary.Errors, fmt.Sprintf("detailer %s: %v", g.detailerID, err))
		}
	}

	summary.Success = true
	log.Printf("Weekly payouts for %s: %d batches dispatched, %d failed, %d deferred, %d errors",
		week, summary.BatchesDispatched, summary.BatchesFailed, summary.BatchesDeferred, len(summary.Errors))
	return summary, nil
}

func groupByDetailer(records []models.TransferRecord) []*payoutGroup {
	type key struct {
		detailerID uuid.UUID
		currency   string
	}
	index := make(map[key]*payoutGroup)
	var groups []*payoutGroup
	for _, rec := range records {
		k := key{rec.DetailerID, rec.Currency}
		g, ok := index[k]
		if !ok {
			g = &payoutGroup{detailerID: rec.DetailerID, currency: rec.Currency}
			index[k] = g
			groups = append(groups, g)
		}
		g.records = append(g.records, rec)
		g.total += rec.Amount
	}
	return groups
}

func (s *WeeklyPayoutService) payGroup(ctx context.Context, week WeekWindow, g *payoutGroup, detailers map[uuid.UUID]models.Detailer, summary *WeeklyRunSummary) error {
	memberIDs := make([]uuid.UUID, len(g.records))
	for i, rec := range g.records {
		memberIDs[i] = rec.ID
	}

	detailer, ok := detailers[g.detailerID]
	if !ok {
		return ErrDetailerNotFound
	}
	if !detailer.HasPayoutDestination() {
		if _, err := s.store.Transition(ctx, memberIDs, []models.TransferStatus{models.TransferPending}, map[string]interface{}{
			"status":        models.TransferFailed,
			"error_message": ErrNoPayoutDestination.Error(),
			"retryable":     false,
		}); err != nil {
			return err
		}
		return ErrNoPayoutDestination
	}

	batch := models.WeeklyPayoutBatch{
		DetailerID:     g.detailerID,
		WeekStartDate:  week.Start,
		WeekEndDate:    week.LastDay(),
		TotalAmount:    g.total,
		TotalTransfers: len(g.records),
		Currency:       g.currency,
		Status:         models.BatchPending,
	}
	err := s.store.withTx(ctx, func(tx *TransferStore) error {
		if err := tx.CreateBatch(ctx, &batch); err != nil {
			return err
		}
		claimed, err := tx.ClaimForBatch(ctx, memberIDs, batch.ID)
		if err != nil {
			return err
		}
		if claimed != int64(len(memberIDs)) {
			return fmt.Errorf("%w: claimed %d of %d", errClaimConflict, claimed, len(memberIDs))
		}
		return nil
	})
	if err != nil {
		return err
	}
	summary.BatchesCreated++

	if err := s.dispatchBatch(ctx, &batch, *detailer.PayoutAccountID); err != nil {
		countBatchError(summary, err)
		return err
	}
	summary.BatchesDispatched++
	summary.TotalAmount += batch.TotalAmount
	return nil
}

// dispatchBatch sends the aggregated transfer for a batch whose members are
// already claimed. The batch id is the idempotency key so a resumed batch can
// never be paid twice.
func (s *WeeklyPayoutService) dispatchBatch(ctx context.Context, batch *models.WeeklyPayoutBatch, destination string) error {
	req := payments.TransferRequest{
		Destination:    destination,
		Amount:         batch.TotalAmount,
		Currency:       batch.Currency,
		IdempotencyKey: batch.ID.String(),
		Description: fmt.Sprintf("Weekly payout %s - %s",
			batch.WeekStartDate.Format(dateLayout), batch.WeekEndDate.Format(dateLayout)),
		Metadata: map[string]string{
			"batch_id":        batch.ID.String(),
			"detailer_id":     batch.DetailerID.String(),
			"week_start":      batch.WeekStartDate.Format(dateLayout),
			"total_transfers": fmt.Sprintf("%d", batch.TotalTransfers),
		},
	}

	transferID, execErr := s.executor.Execute(ctx, kindBatch, req)
	if payments.IsOutcomeUnknown(execErr) {
		return s.deferBatch(ctx, batch, execErr)
	}
	if execErr != nil {
		return s.failBatch(ctx, batch, execErr)
	}

	var moved int64
	err := s.store.withTx(ctx, func(tx *TransferStore) error {
		var err error
		moved, err = tx.TransitionBatch(ctx, batch.ID, []models.BatchStatus{models.BatchPending}, map[string]interface{}{
			"status":                models.BatchProcessing,
			"processor_transfer_id": transferID,
			"error_message":         nil,
		})
		if err != nil || moved == 0 {
			return err
		}
		_, err = tx.AssignBatchTransfer(ctx, batch.ID, transferID)
		return err
	})
	if err != nil {
		return fmt.Errorf("record transfer %s for batch %s: %w", transferID, batch.ID, err)
	}
	if moved == 0 {
		return nil
	}

	batch.Status = models.BatchProcessing
	batch.ProcessorTransferID = &transferID
	log.Printf("✅ Batch %s dispatched as %s: %d transfers, amount=%d", batch.ID, transferID, batch.TotalTransfers, batch.TotalAmount)
	if s.statements != nil {
		s.statements.Schedule(*batch)
	}
	return nil
}

// failBatch marks a never-dispatched batch failed and returns its members
// to pending so a later run can pick them up.
func (s *WeeklyPayoutService) failBatch(ctx context.Context, batch *models.WeeklyPayoutBatch, cause error) error {
	err := s.store.withTx(ctx, func(tx *TransferStore) error {
		moved, err := tx.TransitionBatch(ctx, batch.ID, []models.BatchStatus{models.BatchPending}, map[string]interface{}{
			"status":        models.BatchFailed,
			"error_message": cause.Error(),
		})
		if err != nil || moved == 0 {
			return err
		}
		_, err = tx.ReleaseBatch(ctx, batch.ID)
		return err
	})
	if err != nil {
		return fmt.Errorf("%v (recording failure: %w)", cause, err)
	}
	batch.Status = models.BatchFailed
	return cause
}

// deferBatch keeps a batch whose transfer may have reached the processor
// pending with its members claimed. The next run resends it under the same
// key and picks up whatever the processor already did.
func (s *WeeklyPayoutService) deferBatch(ctx context.Context, batch *models.WeeklyPayoutBatch, cause error) error {
	_, err := s.store.TransitionBatch(context.WithoutCancel(ctx), batch.ID, []models.BatchStatus{models.BatchPending}, map[string]interface{}{
		"error_message": cause.Error(),
	})
	if err != nil {
		return fmt.Errorf("%v (recording deferral: %w)", cause, err)
	}
	log.Printf("⚠️ Batch %s has no definite outcome and stays pending: %v", batch.ID, cause)
	return fmt.Errorf("%w: %w", errBatchDeferred, cause)
}

func countBatchError(summary *WeeklyRunSummary, err error) {
	if errors.Is(err, errBatchDeferred) {
		summary.BatchesDeferred++
		return
	}
	summary.BatchesFailed++
}

// resumePendingBatches finishes batches an interrupted run created but never
// dispatched, and resends deferred ones.
func (s *WeeklyPayoutService) resumePendingBatches(ctx context.Context, summary *WeeklyRunSummary) {
	batches, err := s.store.BatchesInStatus(ctx, models.BatchPending)
	if err != nil {
		summary.Errors = append(summary.Errors, err.Error())
		return
	}
	for i := range batches {
		batch := &batches[i]
		detailer, err := s.directory.Detailer(ctx, batch.DetailerID)
		switch {
		case err != nil:
		case !detailer.HasPayoutDestination():
			err = s.failBatch(ctx, batch, ErrNoPayoutDestination)
		default:
			err = s.dispatchBatch(ctx, batch, *detailer.PayoutAccountID)
		}
		if err != nil {
			countBatchError(summary, err)
			summary.Errors = append(summary.Errors, fmt.Sprintf("resume batch %s: %v", batch.ID, err))
			continue
		}
		summary.BatchesResumed++
		summary.TotalAmount += batch.TotalAmount
	}
}
