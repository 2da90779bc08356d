// Package cmd holds the difychat command line.
package cmd

import (
	"io"
	"os"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/xiaot623/difychat/internal/config"
	"github.com/xiaot623/difychat/internal/domain"
	"github.com/xiaot623/difychat/internal/telemetry"
)

type rootOptions struct {
	configPath string
	logLevel   string

	cfg       *config.Config
	logCloser io.Closer
}

// clientOptions are the credentials client commands act with.
type clientOptions struct {
	userID        int64
	token         string
	providerToken string
}

func (o clientOptions) credentials() (domain.Credentials, error) {
	creds := domain.Credentials{UserID: o.userID, Token: o.token, ProviderToken: o.providerToken}
	if !creds.Valid() {
		return creds, errors.Wrap(domain.ErrMissingPrerequisite, "--user and --token are required")
	}
	return creds, nil
}

func (o *clientOptions) bind(cmd *cobra.Command) {
	cmd.Flags().Int64Var(&o.userID, "user", 0, "acting user id")
	cmd.Flags().StringVar(&o.token, "token", os.Getenv("DIFYCHAT_TOKEN"), "backend bearer token")
	cmd.Flags().StringVar(&o.providerToken, "provider-token", os.Getenv("DIFYCHAT_PROVIDER_TOKEN"), "provider bearer token")
}

// NewRootCommand builds the difychat command tree.
func NewRootCommand() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:           "difychat",
		Short:         "Chat session backend, relay and display gateway for Dify chatbots",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(opts.configPath)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("log-level") {
				cfg.Log.Level = opts.logLevel
			}
			closer, err := telemetry.InitLogger(cfg.Log.Level, cfg.Log.File)
			if err != nil {
				return err
			}
			opts.cfg = cfg
			opts.logCloser = closer
			return nil
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			if opts.logCloser != nil {
				return opts.logCloser.Close()
			}
			return nil
		},
	}
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "path to a YAML config file")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "info", "log level (debug, info, warn, error)")

	root.AddCommand(
		newServeCommand(opts),
		newSessionsCommand(opts),
		newSendCommand(opts),
		newChatCommand(opts),
	)
	return root
}

// Execute runs the command line and exits non-zero on failure.
func Execute() {
	if err := NewRootCommand().Execute(); err != nil {
		log.Error().Err(err).Msg("command failed")
		os.Exit(1)
	}
}
