package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	cachepkg "github.com/relay-llm/relay/pkg/cache/sqlite"
	"github.com/relay-llm/relay/pkg/config"
)

func newCacheCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Manage the response cache",
	}

	openCache := func() (*cachepkg.Cache, error) {
		cfg, err := config.Load(configPath)
		if err != nil {
			return nil, err
		}
		return cachepkg.New(cfg.DBPath, cfg.Cache.DefaultTTL)
	}

	statsCmd := &cobra.Command{
		Use:   "stats",
		Short: "Show cache statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := openCache()
			if err != nil {
				return err
			}
			defer func() { _ = c.Close() }()

			stats, err := c.Stats(context.Background())
			if err != nil {
				return err
			}
			fmt.Printf("Entries: %d\nHits:    %d\nAvg:     %.2f\nExpired: %d\n",
				stats.TotalEntries, stats.TotalHits, stats.AvgHits, stats.ExpiredEntries)
			return nil
		},
	}

	var pattern string
	var expiredOnly bool
	clearCmd := &cobra.Command{
		Use:   "clear",
		Short: "Clear cache entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := openCache()
			if err != nil {
				return err
			}
			defer func() { _ = c.Close() }()

			var n int64
			if expiredOnly {
				n, err = c.ClearExpired(context.Background())
			} else {
				n, err = c.Invalidate(context.Background(), pattern)
			}
			if err != nil {
				return err
			}
			fmt.Printf("Cleared %d cache entries.\n", n)
			return nil
		},
	}
	clearCmd.Flags().BoolVar(&expiredOnly, "expired", false, "only clear expired entries")
	clearCmd.Flags().StringVar(&pattern, "pattern", "", "only clear entries whose prompt contains this substring")

	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", "relay.yaml", "path to config file")
	cmd.AddCommand(statsCmd, clearCmd)
	return cmd
}
