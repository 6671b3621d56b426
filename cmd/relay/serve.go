package main

import (
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/relay-llm/relay/pkg/auth"
	cachepkg "github.com/relay-llm/relay/pkg/cache/sqlite"
	"github.com/relay-llm/relay/pkg/config"
	"github.com/relay-llm/relay/pkg/cost"
	"github.com/relay-llm/relay/pkg/gateway"
	"github.com/relay-llm/relay/pkg/metrics"
	"github.com/relay-llm/relay/pkg/ollama"
	"github.com/relay-llm/relay/pkg/retry"
)

func newServeCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the relay gateway server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}

			logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

			var cache *cachepkg.Cache
			if cfg.Cache.Enabled {
				cache, err = cachepkg.New(cfg.DBPath, cfg.Cache.DefaultTTL)
				if err != nil {
					return err
				}
				defer func() { _ = cache.Close() }()
			}

			retryLog, err := retry.NewLog(cfg.DBPath)
			if err != nil {
				return err
			}
			defer func() { _ = retryLog.Close() }()

			recorder, err := metrics.NewRecorder(cfg.DBPath)
			if err != nil {
				return err
			}
			defer func() { _ = recorder.Close() }()

			backend := ollama.NewClient(cfg.Ollama.URL, cfg.Ollama.Timeout)
			controller := retry.New(backend, retryLog, cfg.Retry.MaxRetries, cfg.Retry.FallbackModels)
			costs := cost.New(cfg.Pricing, recorder)
			authn := auth.New(cfg.Auth.Secret, cfg.Auth.TokenTTL)

			srv := gateway.New(cfg, backend, cache, controller, retryLog, recorder, costs, authn, logger, version)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return srv.ListenAndServe(ctx)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "relay.yaml", "path to config file")
	return cmd
}
