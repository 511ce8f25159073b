package jobs

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/anjiri1684/detailer_payouts/models"
	"github.com/anjiri1684/detailer_payouts/services"
	"github.com/bytedance/sonic"
	"gorm.io/gorm"
)

const (
	TriggerSchedule = "schedule"
	TriggerManual   = "manual"
	TriggerCLI      = "cli"
)

// RunNotifier receives every finished job run.
type RunNotifier interface {
	Publish(run models.PayoutJobRun)
}

type runSummary interface {
	RunSucceeded() bool
	ErrorCount() int
}

// PayoutJobs wraps the scheduled payout entry points, records each run in
// payout_job_runs and notifies listeners.
type PayoutJobs struct {
	db        *gorm.DB
	weekly    *services.WeeklyPayoutService
	retry     *services.RetryService
	reconcile *services.ReconcileService
	notifier  RunNotifier
}

func NewPayoutJobs(db *gorm.DB, weekly *services.WeeklyPayoutService, retry *services.RetryService, reconcile *services.ReconcileService, notifier RunNotifier) *PayoutJobs {
	return &PayoutJobs{
		db:        db,
		weekly:    weekly,
		retry:     retry,
		reconcile: reconcile,
		notifier:  notifier,
	}
}

func (j *PayoutJobs) RunWeekly(ctx context.Context, trigger string) (*models.PayoutJobRun, error) {
	return execute(ctx, j, models.JobWeeklyPayouts, trigger, j.weekly.RunWeekly)
}

func (j *PayoutJobs) RunWeeklyFor(ctx context.Context, trigger string, day time.Time) (*models.PayoutJobRun, error) {
	return execute(ctx, j, models.JobWeeklyPayouts, trigger, func(ctx context.Context) (*services.WeeklyRunSummary, error) {
		return j.weekly.RunForWeek(ctx, day)
	})
}

func (j *PayoutJobs) RunRetries(ctx context.Context, trigger string) (*models.PayoutJobRun, error) {
	return execute(ctx, j, models.JobRetryTransfers, trigger, j.retry.RunRetries)
}

func (j *PayoutJobs) RunReconcile(ctx context.Context, trigger string) (*models.PayoutJobRun, error) {
	return execute(ctx, j, models.JobReconcile, trigger, j.reconcile.RunReconcile)
}

func (j *PayoutJobs) RecentRuns(ctx context.Context, job string, limit int) ([]models.PayoutJobRun, error) {
	q := j.db.WithContext(ctx).Order("started_at DESC")
	if job != "" {
		q = q.Where("job = ?", job)
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	var runs []models.PayoutJobRun
	if err := q.Find(&runs).Error; err != nil {
		return nil, fmt.Errorf("list job runs: %w", err)
	}
	return runs, nil
}

// execute runs one job and persists its summary. A fatal job error is still
// recorded; the returned error only reports that fatal error or a failure to
// persist the run.
func execute[S runSummary](ctx context.Context, j *PayoutJobs, job, trigger string, run func(context.Context) (S, error)) (*models.PayoutJobRun, error) {
	started := time.Now().UTC()
	summary, runErr := run(ctx)

	payload, err := sonic.Marshal(summary)
	if err != nil {
		return nil, fmt.Errorf("encode %s summary: %w", job, err)
	}

	record := models.PayoutJobRun{
		Job:        job,
		Trigger:    trigger,
		Success:    runErr == nil && summary.RunSucceeded(),
		ErrorCount: summary.ErrorCount(),
		Summary:    payload,
		StartedAt:  started,
		FinishedAt: time.Now().UTC(),
	}
	if err := j.db.WithContext(context.WithoutCancel(ctx)).Create(&record).Error; err != nil {
		log.Printf("🔥 Failed to record %s run: %v", job, err)
		return &record, fmt.Errorf("record %s run: %w", job, err)
	}

	result := "success"
	if !record.Success {
		result = "failure"
	}
	services.ObserveJobRun(job, result)

	if j.notifier != nil {
		j.notifier.Publish(record)
	}
	if runErr != nil {
		log.Printf("🔥 Job %s failed: %v", job, runErr)
		return &record, runErr
	}
	return &record, nil
}
