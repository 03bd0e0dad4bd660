package main

import (
	"fmt"
	"strings"

	"github.com/danmuck/pipeline/internal/protocol/session"
	"github.com/spf13/cobra"
)

func newSendCmd(root *rootOptions) *cobra.Command {
	var as string
	cmd := &cobra.Command{
		Use:   "send TARGET MESSAGE...",
		Short: "Send a text message to a registered terminal",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := root.dial(cmd)
			if err != nil {
				return err
			}
			defer c.Close()

			ctx, cancel := root.requestContext(cmd)
			defer cancel()
			msg := session.Send{
				Sender:  as,
				Target:  args[0],
				Payload: strings.Join(args[1:], " "),
			}
			if err := c.Send(ctx, msg); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "sent to %s\n", msg.Target)
			return nil
		},
	}
	cmd.Flags().StringVar(&as, "as", "", "sender name shown to the target")
	return cmd
}
