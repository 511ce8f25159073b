package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/anjiri1684/detailer_payouts/database"
	"github.com/anjiri1684/detailer_payouts/models"
	"github.com/anjiri1684/detailer_payouts/payments"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// wednesday is the reference "today" for weekly runs: the previous week is
// Monday 2024-05-06 through Sunday 2024-05-12.
var wednesday = time.Date(2024, 5, 15, 10, 0, 0, 0, time.UTC)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		SkipDefaultTransaction:                   true,
		DisableForeignKeyConstraintWhenMigrating: true,
		TranslateError:                           true,
		Logger:                                   logger.Default.LogMode(logger.Silent),
		NowFunc:                                  func() time.Time { return time.Now().UTC().Truncate(time.Second) },
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })

	if err := database.Migrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

type fakeProcessor struct {
	mu        sync.Mutex
	requests  []payments.TransferRequest
	byKey     map[string]string
	failures  map[string]error
	failAll   error
	states    map[string]*payments.TransferState
	retrieved map[string]int
	block     bool
	// lostReplies accepts that many transfers and then drops the reply.
	lostReplies int
}

func newFakeProcessor() *fakeProcessor {
	return &fakeProcessor{
		byKey:     make(map[string]string),
		failures:  make(map[string]error),
		states:    make(map[string]*payments.TransferState),
		retrieved: make(map[string]int),
	}
}

func (f *fakeProcessor) CreateTransfer(ctx context.Context, req payments.TransferRequest) (*payments.Transfer, error) {
	if f.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	f.requests = append(f.requests, req)
	if f.failAll != nil {
		return nil, f.failAll
	}
	if err, ok := f.failures[req.Destination]; ok {
		return nil, err
	}
	if id, ok := f.byKey[req.IdempotencyKey]; ok && req.IdempotencyKey != "" {
		return &payments.Transfer{ID: id, Status: payments.StatusPending}, nil
	}
	id := fmt.Sprintf("tr_%d", len(f.requests))
	f.byKey[req.IdempotencyKey] = id
	if f.lostReplies > 0 {
		f.lostReplies--
		return nil, fmt.Errorf("read reply for %s: %w", req.IdempotencyKey, context.DeadlineExceeded)
	}
	return &payments.Transfer{ID: id, Status: payments.StatusPending}, nil
}

func (f *fakeProcessor) RetrieveTransfer(ctx context.Context, id string) (*payments.TransferState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.retrieved[id]++
	if state, ok := f.states[id]; ok {
		s := *state
		s.ID = id
		return &s, nil
	}
	return nil, errors.New("no such transfer")
}

func (f *fakeProcessor) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

// created counts the distinct transfers the processor accepted.
func (f *fakeProcessor) created() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.byKey)
}

type fixture struct {
	db        *gorm.DB
	store     *TransferStore
	directory *Directory
	fees      *FeeConfigLoader
	processor *fakeProcessor
	executor  *TransferExecutor
	transfers *TransferService
	weekly    *WeeklyPayoutService
	retry     *RetryService
	reconcile *ReconcileService
}

func testFeeConfig() FeeConfig {
	return FeeConfig{
		PercentageFeeDefault:   decimal.NewFromInt(15),
		SubscriptionFeeDefault: decimal.NewFromInt(3),
		MaxRetries:             3,
	}
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	db := newTestDB(t)
	f := &fixture{
		db:        db,
		store:     NewTransferStore(db),
		directory: NewDirectory(db),
		fees:      NewFeeConfigLoader(db, testFeeConfig()),
		processor: newFakeProcessor(),
	}
	f.executor = NewTransferExecutor(f.processor, time.Second)
	f.transfers = NewTransferService(f.store, f.directory, f.fees, f.executor, "usd")
	f.weekly = NewWeeklyPayoutService(f.store, f.directory, f.executor, nil, time.UTC)
	f.weekly.now = func() time.Time { return wednesday }
	f.retry = NewRetryService(f.store, f.directory, f.fees, f.executor, 50)
	f.reconcile = NewReconcileService(f.store, f.fees, f.executor, time.Hour)
	return f
}

type detailerOpts struct {
	destination  string
	organization bool
	pricingModel string
}

func (f *fixture) detailer(t *testing.T, opts detailerOpts) models.Detailer {
	t.Helper()

	d := models.Detailer{
		FullName:     "Sam Shine",
		Email:        uuid.NewString() + "@example.com",
		PricingModel: opts.pricingModel,
	}
	if d.PricingModel == "" {
		d.PricingModel = models.PricingModelPercentage
	}
	if opts.destination != "" {
		dest := opts.destination
		d.PayoutAccountID = &dest
	}
	if opts.organization {
		org := uuid.New()
		d.OrganizationID = &org
	}
	if err := f.db.Create(&d).Error; err != nil {
		t.Fatalf("create detailer: %v", err)
	}
	return d
}

func (f *fixture) booking(t *testing.T, detailerID uuid.UUID, total int64, status string) models.Booking {
	t.Helper()

	b := models.Booking{
		CustomerID: uuid.New(),
		DetailerID: detailerID,
		Status:     status,
		TotalPrice: total,
		Currency:   "usd",
	}
	if err := f.db.Create(&b).Error; err != nil {
		t.Fatalf("create booking: %v", err)
	}
	return b
}

// record inserts a transfer record as is. Zero CreatedAt/UpdatedAt default to
// the reference Wednesday's previous week.
func (f *fixture) record(t *testing.T, rec models.TransferRecord) models.TransferRecord {
	t.Helper()

	if rec.BookingID == uuid.Nil {
		rec.BookingID = f.booking(t, rec.DetailerID, rec.Amount+rec.PlatformFee, models.BookingStatusCompleted).ID
	}
	if rec.Status == "" {
		rec.Status = models.TransferPending
	}
	if rec.Currency == "" {
		rec.Currency = "usd"
	}
	if rec.PricingModel == "" {
		rec.PricingModel = models.PricingModelPercentage
	}
	if rec.GrossAmount == 0 {
		rec.GrossAmount = rec.Amount + rec.PlatformFee
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Date(2024, 5, 8, 12, 0, 0, 0, time.UTC)
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = rec.CreatedAt
	}
	rec.Retryable = true
	if err := f.db.Create(&rec).Error; err != nil {
		t.Fatalf("create transfer record: %v", err)
	}
	return rec
}

func (f *fixture) markNonRetryable(t *testing.T, id uuid.UUID) {
	t.Helper()

	err := f.db.Model(&models.TransferRecord{}).Where("id = ?", id).UpdateColumn("retryable", false).Error
	if err != nil {
		t.Fatalf("mark %s non-retryable: %v", id, err)
	}
}

func (f *fixture) reload(t *testing.T, id uuid.UUID) models.TransferRecord {
	t.Helper()

	rec, err := f.store.GetByID(context.Background(), id)
	if err != nil {
		t.Fatalf("reload record %s: %v", id, err)
	}
	return *rec
}

func (f *fixture) reloadBatch(t *testing.T, id uuid.UUID) models.WeeklyPayoutBatch {
	t.Helper()

	b, err := f.store.GetBatch(context.Background(), id)
	if err != nil {
		t.Fatalf("reload batch %s: %v", id, err)
	}
	return *b
}

func strPtr(s string) *string { return &s }
