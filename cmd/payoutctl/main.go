package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

func main() {
	rootCmd := &cobra.Command{
		Use:          "payoutctl",
		Short:        "Run detailer payout jobs by hand",
		SilenceUsage: true,
	}

	rootCmd.AddCommand(weeklyCmd())
	rootCmd.AddCommand(retryCmd())
	rootCmd.AddCommand(reconcileCmd())
	rootCmd.AddCommand(createCmd())
	rootCmd.AddCommand(runsCmd())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		stop()
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
