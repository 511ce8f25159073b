package services

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/anjiri1684/detailer_payouts/models"
	"github.com/anjiri1684/detailer_payouts/payments"
	"github.com/google/uuid"
)

// TransferTarget is one processor transfer awaiting settlement: either an
// individually dispatched record or a weekly batch with its members.
type TransferTarget interface {
	ProcessorTransferID() string
	isTransferTarget()
}

type IndividualTarget struct {
	Record models.TransferRecord
}

type BatchedTarget struct {
	Batch   models.WeeklyPayoutBatch
	Members []models.TransferRecord
}

func (t IndividualTarget) ProcessorTransferID() string { return deref(t.Record.ProcessorTransferID) }
func (t BatchedTarget) ProcessorTransferID() string    { return deref(t.Batch.ProcessorTransferID) }

func (IndividualTarget) isTransferTarget() {}
func (BatchedTarget) isTransferTarget()    {}

type ReconcileRunSummary struct {
	Success          bool     `json:"success"`
	TransfersChecked int      `json:"transfers_checked"`
	Succeeded        int      `json:"succeeded"`
	Failed           int      `json:"failed"`
	Unresolved       int      `json:"unresolved"`
	RecordsUpdated   int64    `json:"records_updated"`
	OrphansRecovered int64    `json:"orphans_recovered"`
	Errors           []string `json:"errors,omitempty"`
}

func (s *ReconcileRunSummary) RunSucceeded() bool { return s.Success }
func (s *ReconcileRunSummary) ErrorCount() int { return len(s.Errors) }

type ReconcileService struct {
	store       *TransferStore
	fees        *FeeConfigLoader
	executor    *TransferExecutor
	orphanAfter time.Duration
	now         func() time.Time
}

func NewReconcileService(store *TransferStore, fees *FeeConfigLoader, executor *TransferExecutor, orphanAfter time.Duration) *ReconcileService {
	return &ReconcileService{
		store:       store,
		fees:        fees,
		executor:    executor,
		orphanAfter: orphanAfter,
		now:         time.Now,
	}
}

// RunReconcile polls the processor once per in-flight transfer id and
// finalizes local state. Unrecognized processor states are left alone.
func (s *ReconcileService) RunReconcile(ctx context.Context) (*ReconcileRunSummary, error) {
	log.Println("Running job: SyncTransferStatus...")
	summary := &ReconcileRunSummary{}

	cfg, err := s.fees.Load(ctx)
	if err != nil {
		summary.Errors = append(summary.Errors, err.Error())
		return summary, err
	}

	s.recoverOrphans(ctx, summary)

	targets, err := s.collectTargets(ctx)
	if err != nil {
		summary.Errors = append(summary.Errors, err.Error())
		return summary, err
	}
	if len(targets) == 0 {
		log.Println("No in-flight transfers to reconcile.")
		summary.Success = true
		return summary, nil
	}

	states := make(map[string]*payments.TransferState)
	for _, target := range targets {
		if ctx.Err() != nil {
			summary.Errors = append(summary.Errors, fmt.Sprintf("run interrupted: %v", ctx.Err()))
			break
		}
		id := target.ProcessorTransferID()
		state, ok := states[id]
		if !ok {
			state, err = s.executor.Retrieve(ctx, id)
			if err != nil {
				summary.Errors = append(summary.Errors, fmt.Sprintf("retrieve %s: %v", id, err))
				continue
			}
			states[id] = state
			summary.TransfersChecked++
		}
		if err := s.apply(ctx, target, state, cfg.MaxRetries, summary); err != nil {
			summary.Errors = append(summary.Errors, fmt.Sprintf("transfer %s: %v", id, err))
		}
	}

	summary.Success = true
	log.Printf("Reconcile run: %d checked, %d succeeded, %d failed, %d unresolved",
		summary.TransfersChecked, summary.Succeeded, summary.Failed, summary.Unresolved)
	return summary, nil
}

// collectTargets groups processing rows by processor transfer id. Members of
// a processing batch are settled through the batch.
func (s *ReconcileService) collectTargets(ctx context.Context) ([]TransferTarget, error) {
	batches, err := s.store.BatchesInStatus(ctx, models.BatchProcessing)
	if err != nil {
		return nil, err
	}

	var targets []TransferTarget
	batchTransferIDs := make(map[string]bool, len(batches))
	for _, b := range batches {
		if b.ProcessorTransferID == nil {
			continue
		}
		members, err := s.store.BatchMembers(ctx, b.ID)
		if err != nil {
			return nil, err
		}
		batchTransferIDs[*b.ProcessorTransferID] = true
		targets = append(targets, BatchedTarget{Batch: b, Members: members})
	}

	records, err := s.store.Processing(ctx)
	if err != nil {
		return nil, err
	}
	for _, rec := range records {
		if batchTransferIDs[deref(rec.ProcessorTransferID)] {
			continue
		}
		targets = append(targets, IndividualTarget{Record: rec})
	}
	return targets, nil
}

func (s *ReconcileService) apply(ctx context.Context, target TransferTarget, state *payments.TransferState, maxRetries int, summary *ReconcileRunSummary) error {
	settlement := state.Settlement()
	switch settlement {
	case payments.SettlementPaid, payments.SettlementFailed:
	default:
		log.Printf("⚠️ Transfer %s has unrecognized processor status %q, leaving it processing", state.ID, state.Status)
		reconciledTransfers.WithLabelValues("unresolved").Inc()
		summary.Unresolved++
		return nil
	}

	var err error
	switch t := target.(type) {
	case BatchedTarget:
		err = s.settleBatch(ctx, t, settlement, state, maxRetries, summary)
	case IndividualTarget:
		err = settleRecords(ctx, s.store, []models.TransferRecord{t.Record}, settlement, state, maxRetries, summary)
	default:
		err = fmt.Errorf("unsupported transfer target %T", target)
	}
	if err != nil {
		return err
	}

	if settlement == payments.SettlementPaid {
		reconciledTransfers.WithLabelValues("succeeded").Inc()
		summary.Succeeded++
	} else {
		reconciledTransfers.WithLabelValues("failed").Inc()
		summary.Failed++
		log.Printf("🔥 Transfer %s failed at the processor: %s", state.ID, state.Reason())
	}
	return nil
}

func (s *ReconcileService) settleBatch(ctx context.Context, t BatchedTarget, settlement payments.Settlement, state *payments.TransferState, maxRetries int, summary *ReconcileRunSummary) error {
	return s.store.withTx(ctx, func(tx *TransferStore) error {
		updates := map[string]interface{}{"status": models.BatchSucceeded}
		if settlement == payments.SettlementFailed {
			updates = map[string]interface{}{
				"status":        models.BatchFailed,
				"error_message": state.Reason(),
			}
		}
		moved, err := tx.TransitionBatch(ctx, t.Batch.ID, []models.BatchStatus{models.BatchProcessing}, updates)
		if err != nil || moved == 0 {
			return err
		}
		return settleRecords(ctx, tx, t.Members, settlement, state, maxRetries, summary)
	})
}

// settleRecords fans a processor outcome out to records that are still
// processing under that transfer id.
func settleRecords(ctx context.Context, store *TransferStore, records []models.TransferRecord, settlement payments.Settlement, state *payments.TransferState, maxRetries int, summary *ReconcileRunSummary) error {
	var ids, exhaustedIDs []uuid.UUID
	for _, rec := range records {
		if rec.Status != models.TransferProcessing || deref(rec.ProcessorTransferID) != state.ID {
			continue
		}
		if settlement == payments.SettlementFailed && rec.RetryCount >= maxRetries {
			exhaustedIDs = append(exhaustedIDs, rec.ID)
		} else {
			ids = append(ids, rec.ID)
		}
	}

	processing := []models.TransferStatus{models.TransferProcessing}
	if settlement == payments.SettlementPaid {
		moved, err := store.Transition(ctx, ids, processing, map[string]interface{}{
			"status":        models.TransferSucceeded,
			"error_message": nil,
		})
		summary.RecordsUpdated += moved
		return err
	}

	reason := state.Reason()
	moved, err := store.Transition(ctx, ids, processing, map[string]interface{}{
		"status":        models.TransferRetryPending,
		"error_message": reason,
	})
	if err != nil {
		return err
	}
	summary.RecordsUpdated += moved

	moved, err = store.Transition(ctx, exhaustedIDs, processing, map[string]interface{}{
		"status":        models.TransferFailed,
		"error_message": reason + "; max retries reached",
	})
	summary.RecordsUpdated += moved
	return err
}

func (s *ReconcileService) recoverOrphans(ctx context.Context, summary *ReconcileRunSummary) {
	if s.orphanAfter <= 0 {
		return
	}
	orphans, err := s.store.OrphanClaims(ctx, s.now().Add(-s.orphanAfter))
	if err != nil {
		summary.Errors = append(summary.Errors, err.Error())
		return
	}
	if len(orphans) == 0 {
		return
	}
	ids := make([]uuid.UUID, len(orphans))
	for i, rec := range orphans {
		ids[i] = rec.ID
	}
	moved, err := s.store.ReleaseOrphans(ctx, ids, "dispatch was interrupted before the processor confirmed the transfer")
	if err != nil {
		summary.Errors = append(summary.Errors, err.Error())
		return
	}
	if moved > 0 {
		log.Printf("⚠️ Returned %d interrupted transfer claim(s) to the retry pool", moved)
	}
	summary.OrphansRecovered = moved
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
