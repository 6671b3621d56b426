package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/relay-llm/relay/pkg/auth"
	"github.com/relay-llm/relay/pkg/config"
	"github.com/relay-llm/relay/pkg/cost"
	"github.com/relay-llm/relay/pkg/metrics"
)

func newCostCmd() *cobra.Command {
	var (
		configPath string
		userID     int64
		period     string
		projection bool
	)

	cmd := &cobra.Command{
		Use:   "cost",
		Short: "Show estimated spend by model",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}

			rec, err := metrics.NewRecorder(cfg.DBPath)
			if err != nil {
				return err
			}
			defer func() { _ = rec.Close() }()

			calc := cost.New(cfg.Pricing, rec)
			ctx := context.Background()

			if projection {
				p, err := calc.Projection(ctx, userID, 7)
				if err != nil {
					return err
				}
				fmt.Printf("Daily average (last %d days): $%.6f\n", p.BasisDays, p.DailyAverage)
				fmt.Printf("Projected 30-day spend:       $%.6f\n", p.Projected30d)
				return nil
			}

			summary, err := calc.Summary(ctx, userID, period)
			if err != nil {
				return err
			}
			if len(summary.Breakdown) == 0 {
				fmt.Println("No usage data found.")
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "MODEL\tREQUESTS\tPROMPT\tRESPONSE\tCOST")
			for _, m := range summary.Breakdown {
				fmt.Fprintf(w, "%s\t%d\t%d\t%d\t$%.6f\n",
					m.Model, m.RequestCount, m.PromptTokens, m.ResponseTokens, m.TotalCost)
			}
			if err := w.Flush(); err != nil {
				return err
			}
			fmt.Printf("\nTotal (%s): $%.6f %s\n", summary.Period, summary.TotalCost, summary.Currency)
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "relay.yaml", "path to config file")
	cmd.Flags().Int64Var(&userID, "user", 0, "filter by user id (0 = all)")
	cmd.Flags().StringVar(&period, "period", "month", "period: day, week, month, quarter, or year")
	cmd.Flags().BoolVar(&projection, "projection", false, "show projected 30-day spend")
	return cmd
}

func newTokenCmd() *cobra.Command {
	var (
		configPath string
		userID     int64
		username   string
		admin      bool
	)

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a bearer token for gateway access",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}

			authn := auth.New(cfg.Auth.Secret, cfg.Auth.TokenTTL)
			token, err := authn.Issue(userID, username, admin)
			if err != nil {
				return err
			}
			fmt.Println(token)
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "relay.yaml", "path to config file")
	cmd.Flags().Int64Var(&userID, "user", 1, "user id to embed in the token")
	cmd.Flags().StringVar(&username, "username", "local", "username to embed in the token")
	cmd.Flags().BoolVar(&admin, "admin", false, "grant admin privileges")
	return cmd
}
