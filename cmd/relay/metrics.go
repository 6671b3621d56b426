package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/relay-llm/relay/pkg/config"
	"github.com/relay-llm/relay/pkg/metrics"
)

func newMetricsCmd() *cobra.Command {
	var (
		configPath string
		userID     int64
		days       int
		interval   string
	)

	cmd := &cobra.Command{
		Use:   "metrics",
		Short: "Query recorded usage metrics",
	}

	openRecorder := func() (*metrics.Recorder, error) {
		cfg, err := config.Load(configPath)
		if err != nil {
			return nil, err
		}
		return metrics.NewRecorder(cfg.DBPath)
	}

	dashboardCmd := &cobra.Command{
		Use:   "dashboard",
		Short: "Show aggregate usage statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			rec, err := openRecorder()
			if err != nil {
				return err
			}
			defer func() { _ = rec.Close() }()

			stats, err := rec.DashboardStats(context.Background(), userID, days)
			if err != nil {
				return err
			}

			fmt.Printf("Requests:     %d\n", stats.TotalRequests)
			fmt.Printf("Errors:       %d (%.1f%%)\n", stats.Errors, stats.ErrorRate*100)
			fmt.Printf("Cache hits:   %d (%.1f%%)\n", stats.CacheHits, stats.CacheHitRate*100)
			fmt.Printf("Avg duration: %.0f ms\n", stats.AvgDuration)
			fmt.Printf("Avg tok/sec:  %.1f\n", stats.AvgTokensPerSec)
			fmt.Printf("Total tokens: %d\n", stats.TotalTokens)

			if len(stats.ByModel) > 0 {
				fmt.Println()
				w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
				fmt.Fprintln(w, "MODEL\tREQUESTS\tAVG MS\tAVG TPS\tTOKENS\tERRORS")
				for _, m := range stats.ByModel {
					fmt.Fprintf(w, "%s\t%d\t%.0f\t%.1f\t%d\t%d\n",
						m.Model, m.Requests, m.AvgDuration, m.AvgTPS, m.TotalTokens, m.Errors)
				}
				if err := w.Flush(); err != nil {
					return err
				}
			}

			if stats.Ratings.TotalRated > 0 {
				fmt.Printf("\nRatings: %d up / %d down (%.0f%% satisfaction)\n",
					stats.Ratings.Positive, stats.Ratings.Negative, stats.Ratings.SatisfactionRate*100)
			}
			return nil
		},
	}

	timeseriesCmd := &cobra.Command{
		Use:   "timeseries",
		Short: "Show request volume over time",
		RunE: func(cmd *cobra.Command, args []string) error {
			rec, err := openRecorder()
			if err != nil {
				return err
			}
			defer func() { _ = rec.Close() }()

			buckets, err := rec.TimeSeries(context.Background(), userID, days, interval)
			if err != nil {
				return err
			}
			if len(buckets) == 0 {
				fmt.Println("No metrics found.")
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "BUCKET\tREQUESTS\tAVG MS\tTOKENS\tERRORS")
			for _, b := range buckets {
				fmt.Fprintf(w, "%s\t%d\t%.0f\t%d\t%d\n",
					b.Bucket, b.Requests, b.AvgDuration, b.TotalTokens, b.Errors)
			}
			return w.Flush()
		},
	}
	timeseriesCmd.Flags().StringVar(&interval, "interval", "day", "bucket size: hour, day, or week")

	endpointsCmd := &cobra.Command{
		Use:   "endpoints",
		Short: "Show per-endpoint statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			rec, err := openRecorder()
			if err != nil {
				return err
			}
			defer func() { _ = rec.Close() }()

			stats, err := rec.EndpointStats(context.Background(), userID, days)
			if err != nil {
				return err
			}
			if len(stats) == 0 {
				fmt.Println("No metrics found.")
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ENDPOINT\tREQUESTS\tAVG MS\tERRORS")
			for _, e := range stats {
				fmt.Fprintf(w, "%s\t%d\t%.0f\t%d\n", e.Endpoint, e.Requests, e.AvgDuration, e.Errors)
			}
			return w.Flush()
		},
	}

	var limit int
	recentCmd := &cobra.Command{
		Use:   "recent",
		Short: "List the most recent requests",
		RunE: func(cmd *cobra.Command, args []string) error {
			rec, err := openRecorder()
			if err != nil {
				return err
			}
			defer func() { _ = rec.Close() }()

			rows, err := rec.Recent(context.Background(), userID, limit)
			if err != nil {
				return err
			}
			if len(rows) == 0 {
				fmt.Println("No metrics found.")
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tUSER\tMODEL\tENDPOINT\tTOKENS\tMS\tCACHED\tERROR")
			for _, m := range rows {
				fmt.Fprintf(w, "%d\t%d\t%s\t%s\t%d\t%d\t%v\t%v\n",
					m.ID, m.UserID, m.Model, m.Endpoint, m.TotalTokens, m.DurationMs, m.Cached, m.Error)
			}
			return w.Flush()
		},
	}
	recentCmd.Flags().IntVar(&limit, "limit", 50, "maximum rows to list")

	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", "relay.yaml", "path to config file")
	cmd.PersistentFlags().Int64Var(&userID, "user", 0, "filter by user id (0 = all)")
	cmd.PersistentFlags().IntVar(&days, "days", 7, "window in days")
	cmd.AddCommand(dashboardCmd, timeseriesCmd, endpointsCmd, recentCmd)
	return cmd
}
