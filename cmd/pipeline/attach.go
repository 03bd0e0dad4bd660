package main

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/danmuck/pipeline/internal/client"
	"github.com/danmuck/pipeline/internal/protocol/session"
	"github.com/spf13/cobra"
)

func newAttachCmd(root *rootOptions) *cobra.Command {
	var cwd string
	cmd := &cobra.Command{
		Use:   "attach NAME",
		Short: "Register this terminal under NAME and print what it receives",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if cwd == "" {
				wd, err := os.Getwd()
				if err != nil {
					return err
				}
				cwd = wd
			}
			c, err := root.dial(cmd)
			if err != nil {
				return err
			}
			defer c.Close()

			ctx, cancel := root.requestContext(cmd)
			err = c.Register(ctx, session.Register{Name: args[0], WorkDir: cwd, PID: uint32(os.Getpid())})
			cancel()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "attached as %s (cwd %s)\n", args[0], cwd)
			p := newInboundPrinter(out)

			for {
				select {
				case <-cmd.Context().Done():
					return nil
				case in, ok := <-c.Inbound():
					if !ok {
						return c.Err()
					}
					p.print(in)
				}
			}
		},
	}
	cmd.Flags().StringVar(&cwd, "cwd", "", "working directory for remote commands (default current directory)")
	return cmd
}

// inboundPrinter renders frames for an attached terminal. Output of commands
// this terminal ran is labelled with the command.
type inboundPrinter struct {
	w       io.Writer
	running map[string]string
}

func newInboundPrinter(w io.Writer) *inboundPrinter {
	return &inboundPrinter{w: w, running: make(map[string]string)}
}

func (p *inboundPrinter) print(in client.Inbound) {
	w := p.w
	switch {
	case in.Message != nil:
		fmt.Fprintf(w, "[%s] %s: %s\n", stamp(in.Message.TimestampMS), senderLabel(in.Message.Sender), in.Message.Payload)
	case in.Command != nil:
		p.running[in.Command.RequestID] = in.Command.Command
		fmt.Fprintf(w, "[exec %s] %s: %s\n", in.Command.RequestID, senderLabel(in.Command.Sender), in.Command.Command)
	case in.Output != nil:
		r := in.Output
		command := p.running[r.RequestID]
		delete(p.running, r.RequestID)
		fmt.Fprintf(w, "[done %s] %s exit=%d\n", r.RequestID, command, r.ExitCode)
		writeOutput(w, r)
	case in.Result != nil:
		fmt.Fprintf(w, "[result %s] exit=%d\n", in.Result.RequestID, in.Result.ExitCode)
		writeOutput(w, in.Result)
	case in.Error != nil:
		fmt.Fprintf(w, "[error] %s: %s\n", in.Error.Code, in.Error.Detail)
	}
}

func writeOutput(w io.Writer, r *session.ExecResult) {
	if len(r.Stdout) > 0 {
		fmt.Fprintf(w, "%s", r.Stdout)
	}
	if len(r.Stderr) > 0 {
		fmt.Fprintf(w, "%s", r.Stderr)
	}
	if r.Failed || r.Detail != "" {
		fmt.Fprintf(w, "detail: %s\n", r.Detail)
	}
}

func senderLabel(sender string) string {
	if sender == "" {
		return "anonymous"
	}
	return sender
}

func stamp(ms uint64) string {
	if ms == 0 {
		return time.Now().Format(time.TimeOnly)
	}
	return time.UnixMilli(int64(ms)).Format(time.TimeOnly)
}
