package main

import (
	"fmt"
	"os"
	"time"

	"github.com/anjiri1684/detailer_payouts/app"
	config "github.com/anjiri1684/detailer_payouts/configs"
	"github.com/anjiri1684/detailer_payouts/jobs"
	"github.com/anjiri1684/detailer_payouts/models"
	"github.com/bytedance/sonic"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

func connect() (*app.Container, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	return app.New(cfg)
}

func printJSON(v interface{}) error {
	out, err := sonic.ConfigStd.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(os.Stdout, string(out))
	return err
}

// printRun prints the stored run and turns an unsuccessful run into a
// non-zero exit.
func printRun(run *models.PayoutJobRun, err error) error {
	if run != nil {
		if perr := printJSON(run); perr != nil {
			return perr
		}
	}
	if err != nil {
		return err
	}
	if !run.Success {
		return fmt.Errorf("%s run finished with %d errors", run.Job, run.ErrorCount)
	}
	return nil
}

func weeklyCmd() *cobra.Command {
	var weekOf string
	cmd := &cobra.Command{
		Use:   "weekly",
		Short: "Batch and pay last week's pending transfers",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := connect()
			if err != nil {
				return err
			}
			defer c.WaitStatements()

			if weekOf == "" {
				return printRun(c.Jobs.RunWeekly(cmd.Context(), jobs.TriggerCLI))
			}
			day, err := time.ParseInLocation("2006-01-02", weekOf, c.Config.PayoutLocation)
			if err != nil {
				return fmt.Errorf("invalid --week-of %q, use YYYY-MM-DD", weekOf)
			}
			return printRun(c.Jobs.RunWeeklyFor(cmd.Context(), jobs.TriggerCLI, day))
		},
	}
	cmd.Flags().StringVar(&weekOf, "week-of", "", "Any day (YYYY-MM-DD) of the Monday-Sunday week to pay")
	return cmd
}

func retryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "retry",
		Short: "Retry failed transfers that still have attempts left",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := connect()
			if err != nil {
				return err
			}
			return printRun(c.Jobs.RunRetries(cmd.Context(), jobs.TriggerCLI))
		},
	}
}

func reconcileCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile",
		Short: "Sync in-flight transfers with the payment processor",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := connect()
			if err != nil {
				return err
			}
			return printRun(c.Jobs.RunReconcile(cmd.Context(), jobs.TriggerCLI))
		},
	}
}

func createCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "create [booking-id]",
		Short: "Create or refresh the transfer record of a completed booking",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			bookingID, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid booking id %q", args[0])
			}
			c, err := connect()
			if err != nil {
				return err
			}
			result, err := c.Transfers.CreateForCompletedBooking(cmd.Context(), bookingID)
			if err != nil {
				return err
			}
			return printJSON(result)
		},
	}
}

func runsCmd() *cobra.Command {
	var (
		job   string
		limit int
	)
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "Show recent job runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := connect()
			if err != nil {
				return err
			}
			runs, err := c.Jobs.RecentRuns(cmd.Context(), job, limit)
			if err != nil {
				return err
			}
			return printJSON(runs)
		},
	}
	cmd.Flags().StringVarP(&job, "job", "j", "", "Filter by job (weekly_payouts, retry_transfers, reconcile_transfers)")
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Maximum runs")
	return cmd
}
