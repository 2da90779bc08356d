package cmd

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/xiaot623/difychat/internal/app"
	"github.com/xiaot623/difychat/internal/telemetry"
)

func newServeCommand(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the backend API and the display gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := root.cfg
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if cfg.Telemetry.Enabled {
				shutdown, err := telemetry.Init(ctx, cfg.Telemetry.Dir)
				if err != nil {
					return err
				}
				defer shutdown()
			}

			log.Info().
				Int("port", cfg.Server.Port).
				Str("database", cfg.Database.URL).
				Str("relay_mode", cfg.Relay.Mode).
				Str("dify_mode", cfg.Dify.Mode).
				Bool("redis_cache", cfg.Redis.Cache).
				Bool("redis_stream", cfg.Redis.Stream).
				Msg("starting difychat")

			a, err := app.New(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.Run(ctx); err != nil {
				return err
			}
			log.Info().Msg("difychat stopped")
			return nil
		},
	}
}
