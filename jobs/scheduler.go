package jobs

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/robfig/cron/v3"
)

type Schedule struct {
	Weekly    string
	Retry     string
	Reconcile string
	Location  *time.Location
}

// StartScheduler registers the payout jobs. Overlapping runs of the same job
// are skipped.
func StartScheduler(ctx context.Context, sched Schedule, j *PayoutJobs) (*cron.Cron, error) {
	loc := sched.Location
	if loc == nil {
		loc = time.UTC
	}
	c := cron.New(
		cron.WithLocation(loc),
		cron.WithChain(
			cron.Recover(cron.DefaultLogger),
			cron.SkipIfStillRunning(cron.DefaultLogger),
		),
	)

	entries := []struct {
		name string
		spec string
		run  func(context.Context, string) error
	}{
		{"weekly payouts", sched.Weekly, func(ctx context.Context, trigger string) error {
			_, err := j.RunWeekly(ctx, trigger)
			return err
		}},
		{"transfer retries", sched.Retry, func(ctx context.Context, trigger string) error {
			_, err := j.RunRetries(ctx, trigger)
			return err
		}},
		{"transfer reconciliation", sched.Reconcile, func(ctx context.Context, trigger string) error {
			_, err := j.RunReconcile(ctx, trigger)
			return err
		}},
	}

	for _, e := range entries {
		e := e
		if _, err := c.AddFunc(e.spec, func() {
			if err := e.run(ctx, TriggerSchedule); err != nil {
				log.Printf("🔥 Scheduled %s run failed: %v", e.name, err)
			}
		}); err != nil {
			return nil, fmt.Errorf("schedule %s (%q): %w", e.name, e.spec, err)
		}
	}

	c.Start()
	log.Println("✅ Payout cron jobs scheduled successfully.")
	return c, nil
}
