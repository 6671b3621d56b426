package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/relay-llm/relay/pkg/config"
	"github.com/relay-llm/relay/pkg/retry"
)

func newRetryCmd() *cobra.Command {
	var (
		configPath string
		hours      int
	)

	cmd := &cobra.Command{
		Use:   "retry",
		Short: "Inspect the retry/fallback audit log",
	}

	statsCmd := &cobra.Command{
		Use:   "stats",
		Short: "Show retry statistics for the last 24 hours",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			l, err := retry.NewLog(cfg.DBPath)
			if err != nil {
				return err
			}
			defer func() { _ = l.Close() }()

			ctx := context.Background()
			stats, err := l.Stats(ctx)
			if err != nil {
				return err
			}
			rate, err := l.FailureRate(ctx, hours)
			if err != nil {
				return err
			}

			fmt.Printf("Requests:     %d\n", stats.TotalRequests)
			fmt.Printf("Succeeded:    %d\n", stats.SuccessfulAttempts)
			fmt.Printf("Failed:       %d\n", stats.FailedAttempts)
			fmt.Printf("Retries:      %d\n", stats.RetryCount)
			fmt.Printf("Avg duration: %.0f ms\n", stats.AvgDurationMs)
			fmt.Printf("Failure rate (%dh): %.1f%%\n", hours, rate*100)
			return nil
		},
	}
	statsCmd.Flags().IntVar(&hours, "hours", 24, "failure-rate window in hours")

	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", "relay.yaml", "path to config file")
	cmd.AddCommand(statsCmd)
	return cmd
}
