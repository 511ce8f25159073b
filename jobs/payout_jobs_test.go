package jobs

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/anjiri1684/detailer_payouts/database"
	"github.com/anjiri1684/detailer_payouts/models"
	"github.com/anjiri1684/detailer_payouts/payments"
	"github.com/anjiri1684/detailer_payouts/services"
	"github.com/bytedance/sonic"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type recordingNotifier struct {
	mu   sync.Mutex
	runs []models.PayoutJobRun
}

func (n *recordingNotifier) Publish(run models.PayoutJobRun) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.runs = append(n.runs, run)
}

func newTestJobs(t *testing.T) (*PayoutJobs, *recordingNotifier, *gorm.DB) {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		SkipDefaultTransaction:                   true,
		DisableForeignKeyConstraintWhenMigrating: true,
		TranslateError:                           true,
		Logger:                                   logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, _ := db.DB()
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })
	if err := database.Migrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	store := services.NewTransferStore(db)
	directory := services.NewDirectory(db)
	fees := services.NewFeeConfigLoader(db, services.FeeConfig{
		PercentageFeeDefault:   decimal.NewFromInt(15),
		SubscriptionFeeDefault: decimal.NewFromInt(3),
		MaxRetries:             3,
	})
	executor := services.NewTransferExecutor(payments.NewStubProcessor(), time.Second)

	notifier := &recordingNotifier{}
	j := NewPayoutJobs(db,
		services.NewWeeklyPayoutService(store, directory, executor, nil, time.UTC),
		services.NewRetryService(store, directory, fees, executor, 50),
		services.NewReconcileService(store, fees, executor, time.Hour),
		notifier,
	)
	return j, notifier, db
}

func TestJobRunsArePersistedAndPublished(t *testing.T) {
	j, notifier, _ := newTestJobs(t)
	ctx := context.Background()

	run, err := j.RunRetries(ctx, TriggerManual)
	if err != nil {
		t.Fatalf("RunRetries: %v", err)
	}
	if run.Job != models.JobRetryTransfers || run.Trigger != TriggerManual || !run.Success {
		t.Errorf("run = %+v", run)
	}

	var summary services.RetryRunSummary
	if err := sonic.Unmarshal(run.Summary, &summary); err != nil {
		t.Fatalf("decode summary: %v", err)
	}
	if !summary.Success || summary.Selected != 0 {
		t.Errorf("summary = %+v", summary)
	}

	if _, err := j.RunReconcile(ctx, TriggerSchedule); err != nil {
		t.Fatalf("RunReconcile: %v", err)
	}

	runs, err := j.RecentRuns(ctx, "", 10)
	if err != nil {
		t.Fatalf("RecentRuns: %v", err)
	}
	if len(runs) != 2 {
		t.Fatalf("runs = %d, want 2", len(runs))
	}
	only, err := j.RecentRuns(ctx, models.JobReconcile, 10)
	if err != nil {
		t.Fatalf("RecentRuns filtered: %v", err)
	}
	if len(only) != 1 || only[0].Job != models.JobReconcile {
		t.Errorf("filtered runs = %+v", only)
	}

	if len(notifier.runs) != 2 {
		t.Errorf("published runs = %d, want 2", len(notifier.runs))
	}
}

func TestWeeklyJobForSpecificWeek(t *testing.T) {
	j, _, db := newTestJobs(t)
	ctx := context.Background()

	dest := "acct_stub"
	d := models.Detailer{FullName: "Pat Polish", Email: "pat@example.com", PayoutAccountID: &dest, PricingModel: models.PricingModelPercentage}
	db.Create(&d)
	db.Create(&models.TransferRecord{
		BookingID:    uuid.New(),
		DetailerID:   d.ID,
		GrossAmount:  10000,
		Amount:       8500,
		PlatformFee:  1500,
		PricingModel: models.PricingModelPercentage,
		Currency:     "usd",
		Status:       models.TransferPending,
		Retryable:    true,
		CreatedAt:    time.Date(2024, 3, 5, 10, 0, 0, 0, time.UTC),
	})

	run, err := j.RunWeeklyFor(ctx, TriggerManual, time.Date(2024, 3, 7, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("RunWeeklyFor: %v", err)
	}

	var summary services.WeeklyRunSummary
	if err := sonic.Unmarshal(run.Summary, &summary); err != nil {
		t.Fatalf("decode summary: %v", err)
	}
	if summary.WeekStart != "2024-03-04" || summary.BatchesDispatched != 1 || summary.TotalAmount != 8500 {
		t.Errorf("summary = %+v", summary)
	}
}

func TestStartSchedulerRejectsBadSpec(t *testing.T) {
	j, _, _ := newTestJobs(t)

	_, err := StartScheduler(context.Background(), Schedule{Weekly: "every wednesday", Retry: "*/15 * * * *", Reconcile: "0 */6 * * *"}, j)
	if err == nil {
		t.Fatal("expected error for invalid cron spec")
	}
}

func TestStartSchedulerRegistersJobs(t *testing.T) {
	j, _, _ := newTestJobs(t)

	c, err := StartScheduler(context.Background(), Schedule{Weekly: "0 6 * * 3", Retry: "*/15 * * * *", Reconcile: "0 */6 * * *"}, j)
	if err != nil {
		t.Fatalf("StartScheduler: %v", err)
	}
	defer c.Stop()

	if got := len(c.Entries()); got != 3 {
		t.Errorf("entries = %d, want 3", got)
	}
}

var (
	_ runSummary = (*services.WeeklyRunSummary)(nil)
	_ runSummary = (*services.RetryRunSummary)(nil)
	_ runSummary = (*services.ReconcileRunSummary)(nil)
)

func TestReconcileRunSummaryKeepsCounts(t *testing.T) {
	j, _, _ := newTestJobs(t)

	run, err := j.RunReconcile(context.Background(), TriggerManual)
	if err != nil {
		t.Fatalf("RunReconcile: %v", err)
	}
	if !run.Success {
		t.Errorf("run success = false, want true")
	}

	var summary map[string]interface{}
	if err := sonic.Unmarshal(run.Summary, &summary); err != nil {
		t.Fatalf("decode summary: %v", err)
	}
	if got, ok := summary["succeeded"].(float64); !ok || got != 0 {
		t.Errorf("summary succeeded = %v, want count 0", summary["succeeded"])
	}
	if summary["success"] != true {
		t.Errorf("summary success = %v, want true", summary["success"])
	}
}
