package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/danmuck/pipeline/internal/protocol/session"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

func newExecCmd(root *rootOptions) *cobra.Command {
	var (
		as       string
		callback bool
		wait     bool
	)
	cmd := &cobra.Command{
		Use:   "exec TARGET COMMAND...",
		Short: "Run a shell command in a registered terminal's working directory",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := root.dial(cmd)
			if err != nil {
				return err
			}
			defer c.Close()

			req := session.Exec{
				Sender:        as,
				Target:        args[0],
				Command:       strings.Join(args[1:], " "),
				WantsCallback: callback || wait,
			}
			out := cmd.OutOrStdout()

			if wait {
				name := as
				if name == "" {
					name = "exec-" + uuid.NewString()[:8]
				}
				wd, _ := os.Getwd()
				ctx, cancel := root.requestContext(cmd)
				err := c.Register(ctx, session.Register{Name: name, WorkDir: wd, PID: uint32(os.Getpid())})
				cancel()
				if err != nil {
					return err
				}
			}

			ctx, cancel := root.requestContext(cmd)
			ack, err := c.Exec(ctx, req)
			cancel()
			if err != nil {
				return err
			}
			if !wait {
				fmt.Fprintf(out, "dispatched %s to %s\n", ack.RequestID, ack.Target)
				return nil
			}

			res, err := c.AwaitResult(cmd.Context(), ack.RequestID)
			if err != nil {
				return err
			}
			_, _ = out.Write(res.Stdout)
			_, _ = cmd.ErrOrStderr().Write(res.Stderr)
			if res.Failed {
				fmt.Fprintf(cmd.ErrOrStderr(), "pipeline: %s\n", res.Detail)
			}
			if res.ExitCode != 0 {
				code := int(res.ExitCode)
				if code < 0 {
					code = 1
				}
				return exitCodeError{code: code}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&as, "as", "", "requester name; with --wait it is registered for the callback")
	cmd.Flags().BoolVar(&callback, "callback", false, "ask for the result to be sent back to the requester")
	cmd.Flags().BoolVar(&wait, "wait", false, "register, wait for the result and exit with the remote status")
	return cmd
}
