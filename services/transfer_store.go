package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/anjiri1684/detailer_payouts/models"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"
)

// TransferStore persists transfer records and weekly batches. Status changes
// go through conditional updates guarded by the expected prior status; a
// zero row count means another run already moved the row.
type TransferStore struct {
	db *gorm.DB
}

func NewTransferStore(db *gorm.DB) *TransferStore {
	return &TransferStore{db: db}
}

type TransferFilter struct {
	Status     models.TransferStatus
	DetailerID *uuid.UUID
	BatchID    *uuid.UUID
	From       *time.Time
	To         *time.Time
	Limit      int
}

func isUniqueViolation(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func (s *TransferStore) withTx(ctx context.Context, fn func(tx *TransferStore) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&TransferStore{db: tx})
	})
}

func (s *TransferStore) GetByID(ctx context.Context, id uuid.UUID) (*models.TransferRecord, error) {
	var rec models.TransferRecord
	err := s.db.WithContext(ctx).First(&rec, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrRecordNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get transfer record %s: %w", id, err)
	}
	return &rec, nil
}

func (s *TransferStore) GetByBookingID(ctx context.Context, bookingID uuid.UUID) (*models.TransferRecord, error) {
	var rec models.TransferRecord
	err := s.db.WithContext(ctx).Where("booking_id = ?", bookingID).First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrRecordNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get transfer record for booking %s: %w", bookingID, err)
	}
	return &rec, nil
}

// Insert returns gorm.ErrDuplicatedKey when a record for the booking exists.
func (s *TransferStore) Insert(ctx context.Context, rec *models.TransferRecord) error {
	err := s.db.WithContext(ctx).Create(rec).Error
	if isUniqueViolation(err) {
		return gorm.ErrDuplicatedKey
	}
	if err != nil {
		return fmt.Errorf("insert transfer record: %w", err)
	}
	return nil
}

// Transition applies updates to the records in ids that are still in one of
// the from statuses and reports how many rows moved.
func (s *TransferStore) Transition(ctx context.Context, ids []uuid.UUID, from []models.TransferStatus, updates map[string]interface{}) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	res := s.db.WithContext(ctx).Model(&models.TransferRecord{}).
		Where("id IN ? AND status IN ?", ids, from).
		Updates(updates)
	if res.Error != nil {
		return 0, fmt.Errorf("update transfer records: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// ClaimForBatch links unbatched pending records to a batch and moves them to
// processing.
func (s *TransferStore) ClaimForBatch(ctx context.Context, ids []uuid.UUID, batchID uuid.UUID) (int64, error) {
	res := s.db.WithContext(ctx).Model(&models.TransferRecord{}).
		Where("id IN ? AND status = ? AND batch_id IS NULL", ids, models.TransferPending).
		Updates(map[string]interface{}{
			"batch_id":      batchID,
			"last_batch_id": batchID,
			"status":        models.TransferProcessing,
		})
	if res.Error != nil {
		return 0, fmt.Errorf("claim records for batch %s: %w", batchID, res.Error)
	}
	return res.RowsAffected, nil
}

// ReleaseBatch returns the still-processing members of a batch that never
// reached the processor to pending and unlinks them.
func (s *TransferStore) ReleaseBatch(ctx context.Context, batchID uuid.UUID) (int64, error) {
	res := s.db.WithContext(ctx).Model(&models.TransferRecord{}).
		Where("batch_id = ? AND status = ? AND processor_transfer_id IS NULL", batchID, models.TransferProcessing).
		Updates(map[string]interface{}{
			"batch_id": nil,
			"status":   models.TransferPending,
		})
	if res.Error != nil {
		return 0, fmt.Errorf("release batch %s: %w", batchID, res.Error)
	}
	return res.RowsAffected, nil
}

func (s *TransferStore) List(ctx context.Context, f TransferFilter) ([]models.TransferRecord, error) {
	q := s.db.WithContext(ctx).Model(&models.TransferRecord{})
	if f.Status != "" {
		q = q.Where("status = ?", f.Status)
	}
	if f.DetailerID != nil {
		q = q.Where("detailer_id = ?", *f.DetailerID)
	}
	if f.BatchID != nil {
		q = q.Where("batch_id = ?", *f.BatchID)
	}
	if f.From != nil {
		q = q.Where("created_at >= ?", f.From.UTC())
	}
	if f.To != nil {
		q = q.Where("created_at < ?", f.To.UTC())
	}
	if f.Limit > 0 {
		q = q.Limit(f.Limit)
	}

	var recs []models.TransferRecord
	if err := q.Order("created_at ASC").Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("list transfer records: %w", err)
	}
	return recs, nil
}

// PendingForWeek selects unbatched pending records created in [start, end)
// that belong to independent detailers.
func (s *TransferStore) PendingForWeek(ctx context.Context, start, end time.Time) ([]models.TransferRecord, error) {
	var recs []models.TransferRecord
	err := s.db.WithContext(ctx).
		Joins("JOIN detailers ON detailers.id = transfer_records.detailer_id").
		Where("transfer_records.status = ? AND transfer_records.batch_id IS NULL", models.TransferPending).
		Where("transfer_records.created_at >= ? AND transfer_records.created_at < ?", start.UTC(), end.UTC()).
		Where("detailers.organization_id IS NULL").
		Order("transfer_records.created_at ASC").
		Find(&recs).Error
	if err != nil {
		return nil, fmt.Errorf("select pending records for week: %w", err)
	}
	return recs, nil
}

// RetryCandidates returns the oldest retryable records that still have
// budget left.
func (s *TransferStore) RetryCandidates(ctx context.Context, maxRetries, limit int) ([]models.TransferRecord, error) {
	var recs []models.TransferRecord
	err := s.db.WithContext(ctx).
		Where("status IN ? AND retryable = ? AND retry_count < ?",
			[]models.TransferStatus{models.TransferRetryPending, models.TransferFailed}, true, maxRetries).
		Order("updated_at ASC, created_at ASC").
		Limit(limit).
		Find(&recs).Error
	if err != nil {
		return nil, fmt.Errorf("select retry candidates: %w", err)
	}
	return recs, nil
}

func (s *TransferStore) Processing(ctx context.Context) ([]models.TransferRecord, error) {
	var recs []models.TransferRecord
	err := s.db.WithContext(ctx).
		Where("status = ? AND processor_transfer_id IS NOT NULL", models.TransferProcessing).
		Order("created_at ASC").
		Find(&recs).Error
	if err != nil {
		return nil, fmt.Errorf("select processing records: %w", err)
	}
	return recs, nil
}

// OrphanClaims finds records claimed for a processor call that never
// recorded a processor transfer id.
func (s *TransferStore) OrphanClaims(ctx context.Context, before time.Time) ([]models.TransferRecord, error) {
	var recs []models.TransferRecord
	err := s.db.WithContext(ctx).
		Where("status = ? AND processor_transfer_id IS NULL AND batch_id IS NULL AND updated_at < ?", models.TransferProcessing, before.UTC()).
		Find(&recs).Error
	if err != nil {
		return nil, fmt.Errorf("select orphaned claims: %w", err)
	}
	return recs, nil
}

func (s *TransferStore) CreateBatch(ctx context.Context, b *models.WeeklyPayoutBatch) error {
	if err := s.db.WithContext(ctx).Omit("Detailer", "Transfers").Create(b).Error; err != nil {
		return fmt.Errorf("create payout batch: %w", err)
	}
	return nil
}

func (s *TransferStore) GetBatch(ctx context.Context, id uuid.UUID) (*models.WeeklyPayoutBatch, error) {
	var b models.WeeklyPayoutBatch
	err := s.db.WithContext(ctx).First(&b, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrBatchNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get payout batch %s: %w", id, err)
	}
	return &b, nil
}

func (s *TransferStore) TransitionBatch(ctx context.Context, id uuid.UUID, from []models.BatchStatus, updates map[string]interface{}) (int64, error) {
	res := s.db.WithContext(ctx).Model(&models.WeeklyPayoutBatch{}).
		Where("id = ? AND status IN ?", id, from).
		Updates(updates)
	if res.Error != nil {
		return 0, fmt.Errorf("update payout batch %s: %w", id, res.Error)
	}
	return res.RowsAffected, nil
}

func (s *TransferStore) ListBatches(ctx context.Context, status models.BatchStatus, limit int) ([]models.WeeklyPayoutBatch, error) {
	q := s.db.WithContext(ctx).Model(&models.WeeklyPayoutBatch{})
	if status != "" {
		q = q.Where("status = ?", status)
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	var batches []models.WeeklyPayoutBatch
	if err := q.Order("week_start_date DESC, created_at DESC").Find(&batches).Error; err != nil {
		return nil, fmt.Errorf("list payout batches: %w", err)
	}
	return batches, nil
}

// BatchesInStatus returns batches in status, oldest first.
func (s *TransferStore) BatchesInStatus(ctx context.Context, status models.BatchStatus) ([]models.WeeklyPayoutBatch, error) {
	var batches []models.WeeklyPayoutBatch
	err := s.db.WithContext(ctx).
		Where("status = ?", status).
		Order("created_at ASC").
		Find(&batches).Error
	if err != nil {
		return nil, fmt.Errorf("select %s batches: %w", status, err)
	}
	return batches, nil
}

func (s *TransferStore) BatchMembers(ctx context.Context, batchID uuid.UUID) ([]models.TransferRecord, error) {
	var recs []models.TransferRecord
	err := s.db.WithContext(ctx).Where("batch_id = ?", batchID).Order("created_at ASC").Find(&recs).Error
	if err != nil {
		return nil, fmt.Errorf("select members of batch %s: %w", batchID, err)
	}
	return recs, nil
}

func (s *TransferStore) SetStatementURL(ctx context.Context, batchID uuid.UUID, url string) error {
	err := s.db.WithContext(ctx).Model(&models.WeeklyPayoutBatch{}).
		Where("id = ?", batchID).
		Update("statement_url", url).Error
	if err != nil {
		return fmt.Errorf("store statement url for batch %s: %w", batchID, err)
	}
	return nil
}

// AssignBatchTransfer stamps the processor transfer id on every in-flight
// member of a batch.
func (s *TransferStore) AssignBatchTransfer(ctx context.Context, batchID uuid.UUID, transferID string) (int64, error) {
	res := s.db.WithContext(ctx).Model(&models.TransferRecord{}).
		Where("batch_id = ? AND status = ?", batchID, models.TransferProcessing).
		Updates(map[string]interface{}{
			"processor_transfer_id": transferID,
			"error_message":         nil,
		})
	if res.Error != nil {
		return 0, fmt.Errorf("assign transfer %s to batch %s: %w", transferID, batchID, res.Error)
	}
	return res.RowsAffected, nil
}

// ClaimRetry moves a retry candidate to processing, consumes one attempt and
// stores the key the attempt will use. It matches only if nobody else claimed
// the same attempt first. The batch link survives in last_batch_id.
func (s *TransferStore) ClaimRetry(ctx context.Context, id uuid.UUID, seenRetryCount int, idempotencyKey string) (int64, error) {
	res := s.db.WithContext(ctx).Model(&models.TransferRecord{}).
		Where("id = ? AND status IN ? AND retryable = ? AND retry_count = ?", id,
			[]models.TransferStatus{models.TransferRetryPending, models.TransferFailed}, true, seenRetryCount).
		Updates(map[string]interface{}{
			"status":                models.TransferProcessing,
			"retry_count":           seenRetryCount + 1,
			"processor_transfer_id": nil,
			"batch_id":              nil,
			"idempotency_key":       idempotencyKey,
		})
	if res.Error != nil {
		return 0, fmt.Errorf("claim retry for %s: %w", id, res.Error)
	}
	return res.RowsAffected, nil
}

// ReleaseOrphans returns stale claims that never got a processor transfer id
// to the retry pool.
func (s *TransferStore) ReleaseOrphans(ctx context.Context, ids []uuid.UUID, reason string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	res := s.db.WithContext(ctx).Model(&models.TransferRecord{}).
		Where("id IN ? AND status = ? AND processor_transfer_id IS NULL", ids, models.TransferProcessing).
		Updates(map[string]interface{}{
			"status":        models.TransferRetryPending,
			"error_message": reason,
		})
	if res.Error != nil {
		return 0, fmt.Errorf("release orphaned claims: %w", res.Error)
	}
	return res.RowsAffected, nil
}
