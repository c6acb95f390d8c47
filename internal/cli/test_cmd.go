package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Martian-dev/nerve-gmail/internal/normalize"
)

func newTestCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "test <user>",
		Short: "Test Gmail API access",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runTest(cmd.Context(), args[0])
		},
	}
}

func (a *app) runTest(ctx context.Context, user string) error {
	fmt.Fprintf(a.out, "Testing Gmail access for %s...\n", user)

	src, err := a.source()
	if err != nil {
		return err
	}
	mb, err := src.Mailbox(ctx, user)
	if err != nil {
		return err
	}

	profile, err := mb.Profile(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(a.out, "  Email: %s\n", profile.Email)
	fmt.Fprintf(a.out, "  Total messages: %d\n", profile.MessagesTotal)
	fmt.Fprintf(a.out, "  Total threads: %d\n", profile.ThreadsTotal)

	ids, err := mb.ListMessages(ctx, "", 1)
	if err != nil {
		return err
	}
	if len(ids) > 0 {
		msg, err := mb.FetchMessage(ctx, ids[0])
		if err != nil {
			return err
		}
		header := func(name string) string {
			if msg.Payload != nil {
				if v := normalize.Header(msg.Payload.Headers, name); v != "" {
					return v
				}
			}
			return "N/A"
		}
		fmt.Fprintf(a.out, "\n  Latest email:\n")
		fmt.Fprintf(a.out, "    Subject: %s\n", header("Subject"))
		fmt.Fprintf(a.out, "    From: %s\n", header("From"))
		fmt.Fprintf(a.out, "    Date: %s\n", header("Date"))
	}

	fmt.Fprintln(a.out, "\nGmail access OK!")
	return nil
}
