package cmd

import (
	"encoding/json"

	"github.com/spf13/cobra"

	"github.com/xiaot623/difychat/internal/adapter/backend"
)

func newSessionsCommand(root *rootOptions) *cobra.Command {
	var client clientOptions
	var chatbotID int64

	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "List chat sessions, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			creds, err := client.credentials()
			if err != nil {
				return err
			}
			c := backend.NewClient(root.cfg.Backend.BaseURL, root.cfg.Backend.Timeout)
			sessions, err := c.ListSessions(cmd.Context(), creds, chatbotID)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(sessions)
		},
	}
	client.bind(cmd)
	cmd.Flags().Int64Var(&chatbotID, "chatbot", 0, "only sessions of this chatbot")
	return cmd
}
