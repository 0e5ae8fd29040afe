package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/MegaGrindStone/rag-web-ui/internal/conversation"
	"github.com/MegaGrindStone/rag-web-ui/internal/services"
	"github.com/MegaGrindStone/rag-web-ui/internal/stream"
	"github.com/spf13/cobra"
)

const errLoggerKey = "err"

func (a *app) askCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ask <chat-id> <message>",
		Short: "Send a message and stream the answer",
		Long: `Send a message to a chat and print the answer as it is generated.
Press Ctrl-C to stop the answer; nothing is added to the chat in that case.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.cfg.Backend.validate(); err != nil {
				return err
			}

			var tokens stream.TokenSource = services.StaticToken(a.cfg.Backend.Token)
			authorID := ""
			if a.cfg.Backend.Token == "" {
				boltDB, err := services.NewBoltDB(a.cfg.StorePath)
				if err != nil {
					return err
				}
				defer boltDB.Close()
				tokens = boltDB
				if creds, err := boltDB.Credentials(cmd.Context()); err == nil {
					authorID = creds.UserID
				}
			}

			ctrl := stream.NewController(
				stream.NewHTTPTransport(nil),
				tokens,
				a.cfg.Backend.BaseURL,
				a.cfg.Backend.StreamPath,
				a.logger,
			)
			conv := conversation.NewReconciler(conversation.NewViewModel(args[0], nil), ctrl, authorID, a.logger)

			return ask(cmd.Context(), conv, args[1], cmd.OutOrStdout(), cmd.ErrOrStderr())
		},
	}
}

// ask sends content through conv, printing the answer to out as it grows and progress to errOut.
func ask(ctx context.Context, conv *conversation.Reconciler, content string, out, errOut io.Writer) error {
	var printed string
	outcome, err := conv.Send(ctx, content, stream.Callbacks{
		OnStatus: func(status string) {
			fmt.Fprintf(errOut, "[%s]\n", status)
		},
		OnPartialText: func(text string) {
			if strings.HasPrefix(text, printed) {
				fmt.Fprint(out, text[len(printed):])
			} else {
				// A guardrail replaced the answer.
				fmt.Fprint(out, "\n"+text)
			}
			printed = text
		},
		OnWarning: func(warning string) {
			fmt.Fprintf(errOut, "warning: %s\n", warning)
		},
	})
	if err != nil {
		if printed != "" {
			fmt.Fprintln(out)
		}
		return errors.New(conversation.FailureReason(err))
	}
	if outcome.Cancelled() {
		if printed != "" {
			fmt.Fprintln(out)
		}
		fmt.Fprintln(errOut, "cancelled")
		return nil
	}

	if outcome.Text != printed {
		fmt.Fprint(out, strings.TrimPrefix(outcome.Text, printed))
	}
	fmt.Fprintln(out)

	if outcome.Blocked {
		fmt.Fprintf(errOut, "blocked: %s\n", outcome.BlockReason)
	}
	for i, c := range outcome.Citations {
		if c.Page > 0 {
			fmt.Fprintf(out, "[%d] %s, p. %d\n", i+1, c.Filename, c.Page)
		} else {
			fmt.Fprintf(out, "[%d] %s\n", i+1, c.Filename)
		}
	}
	return nil
}
