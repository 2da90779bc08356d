package cmd

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/xiaot623/difychat/internal/adapter/backend"
	"github.com/xiaot623/difychat/internal/app"
	"github.com/xiaot623/difychat/internal/domain"
	"github.com/xiaot623/difychat/internal/orchestrator"
	"github.com/xiaot623/difychat/internal/relay"
)

func newSendCommand(root *rootOptions) *cobra.Command {
	var client clientOptions
	var chatbotID, sessionID int64
	var difyChatbotID string

	cmd := &cobra.Command{
		Use:   "send [text]",
		Short: "Send one message and print the reply",
		Long: "Send one message to a chatbot. Without --session the latest session is used, " +
			"and a new one is created when the chatbot has none.",
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			creds, err := client.credentials()
			if err != nil {
				return err
			}
			cfg := root.cfg
			if creds.ProviderToken == "" && cfg.Relay.Mode == "sync" {
				creds.ProviderToken = creds.Token
			}

			completer, err := app.NewRelayCompleter(cfg)
			if err != nil {
				return err
			}
			store := backend.NewClient(cfg.Backend.BaseURL, cfg.Backend.Timeout)
			orch := orchestrator.New(store, relay.New(store, completer), creds)

			ctx := cmd.Context()
			if err := orch.SelectChatbot(ctx, domain.BotRef{ChatbotID: chatbotID, DifyChatbotID: difyChatbotID}); err != nil {
				return err
			}
			if sessionID != 0 {
				if err := orch.SelectSession(ctx, sessionID); err != nil {
					return err
				}
			}

			out, err := orch.Send(ctx, strings.Join(args, " "))
			if err != nil {
				return err
			}
			if out.UserMessageErr != nil {
				return errors.Wrap(out.UserMessageErr, "message was not saved")
			}
			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "session %d\n", orch.Snapshot().SelectedSessionID)
			if !out.Answered {
				fmt.Fprintln(w, "(no reply)")
				return nil
			}
			fmt.Fprintln(w, out.Answer)
			return nil
		},
	}
	client.bind(cmd)
	cmd.Flags().Int64Var(&chatbotID, "chatbot", 0, "chatbot id")
	cmd.Flags().StringVar(&difyChatbotID, "dify-id", "", "provider-side chatbot id")
	cmd.Flags().Int64Var(&sessionID, "session", 0, "session id (default: latest)")
	_ = cmd.MarkFlagRequired("chatbot")
	return cmd
}
