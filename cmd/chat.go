package cmd

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/xiaot623/difychat/internal/gatewayclient"
	"github.com/xiaot623/difychat/internal/orchestrator"
	"github.com/xiaot623/difychat/internal/protocol"
)

func newChatCommand(root *rootOptions) *cobra.Command {
	var client clientOptions
	var addr, difyChatbotID string
	var chatbotID int64

	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Interactive chat through the display gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			if addr == "" {
				addr = "ws://localhost" + root.cfg.Server.Addr() + "/ws"
			}
			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "Connecting to %s...\n", addr)

			c, err := gatewayclient.Dial(cmd.Context(), addr)
			if err != nil {
				return err
			}
			defer c.Close()

			connID, err := c.Hello(client.userID, client.token, client.providerToken)
			if err != nil {
				return err
			}
			fmt.Fprintf(w, "Connected as %s\n", connID)

			if err := c.SelectChatbot(chatbotID, difyChatbotID); err != nil {
				return err
			}

			printer := &viewPrinter{w: w}
			go func() {
				if err := c.ReadFrames(printer.handle); err != nil {
					log.Error().Err(err).Msg("gateway connection lost")
				}
			}()

			fmt.Fprintln(w, "\nType a message and press Enter to send.")
			fmt.Fprintln(w, "Commands: /new, /session <id>, /delete <id>, /quit")
			return repl(cmd.InOrStdin(), w, c)
		},
	}
	client.bind(cmd)
	cmd.Flags().StringVar(&addr, "addr", "", "gateway address (default: ws://localhost:<server.port>/ws)")
	cmd.Flags().Int64Var(&chatbotID, "chatbot", 0, "chatbot id")
	cmd.Flags().StringVar(&difyChatbotID, "dify-id", "", "provider-side chatbot id")
	_ = cmd.MarkFlagRequired("chatbot")
	return cmd
}

func repl(in io.Reader, w io.Writer, c *gatewayclient.Client) error {
	scanner := bufio.NewScanner(in)
	for {
		fmt.Fprint(w, "> ")
		if !scanner.Scan() {
			return scanner.Err()
		}
		input := strings.TrimSpace(scanner.Text())
		if input == "" {
			continue
		}

		var err error
		switch {
		case input == "/quit":
			fmt.Fprintln(w, "Bye!")
			return nil
		case input == "/new":
			err = c.NewSession()
		case strings.HasPrefix(input, "/session "):
			err = withID(input, c.SelectSession)
		case strings.HasPrefix(input, "/delete "):
			err = withID(input, c.DeleteSession)
		default:
			err = c.Send(input)
		}
		if err != nil {
			fmt.Fprintf(w, "error: %v\n", err)
		}
	}
}

func withID(input string, fn func(int64) error) error {
	fields := strings.Fields(input)
	id, err := strconv.ParseInt(fields[len(fields)-1], 10, 64)
	if err != nil {
		return fmt.Errorf("invalid id %q", fields[len(fields)-1])
	}
	return fn(id)
}

// viewPrinter prints messages as they appear in successive snapshots.
type viewPrinter struct {
	w       io.Writer
	session int64
	shown   int
}

func (p *viewPrinter) handle(f gatewayclient.Frame) error {
	switch f.Type {
	case protocol.TypeError:
		fmt.Fprintf(p.w, "\n[error] %s: %s\n", f.Code, f.Message)
	case protocol.TypeSnapshot:
		snap, err := f.Snapshot()
		if err != nil {
			return err
		}
		p.print(snap.View)
	}
	return nil
}

func (p *viewPrinter) print(v orchestrator.View) {
	if v.SelectedSessionID != p.session {
		p.session = v.SelectedSessionID
		p.shown = 0
		if p.session != 0 {
			fmt.Fprintf(p.w, "\n-- session %d --\n", p.session)
		}
	}
	// A snapshot taken mid-load may carry fewer messages than already shown.
	if len(v.Messages) < p.shown {
		return
	}
	for _, m := range v.Messages[p.shown:] {
		fmt.Fprintf(p.w, "[%s] %s\n", m.Role, m.Content)
	}
	p.shown = len(v.Messages)
}
