package tools

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"time"
)

const (
	DefaultShell          = "/bin/sh"
	DefaultMaxOutputBytes = 1 << 20

	// ExitSpawnFailed is reported when the shell could not be started.
	ExitSpawnFailed int32 = 127
	// ExitAborted is reported when the command was killed by timeout or shutdown.
	ExitAborted int32 = -1

	waitDelay = 2 * time.Second
)

// Request describes one shell command.
type Request struct {
	Shell          string
	Command        string
	Dir            string
	Timeout        time.Duration // 0 means no limit
	MaxOutputBytes int
}

// Result is the outcome of a command. A non-zero exit status is not a
// failure; Failed is set only when the command could not run to completion.
type Result struct {
	ExitCode  int32
	Stdout    []byte
	Stderr    []byte
	Truncated bool
	Failed    bool
	Detail    string
	Duration  time.Duration
}

// CommandRunner abstracts shell command execution.
type CommandRunner interface {
	Run(ctx context.Context, req Request) Result
}

// ShellRunner executes commands on the local host through `<shell> -c`.
type ShellRunner struct{}

func (r ShellRunner) Run(ctx context.Context, req Request) Result {
	shell := req.Shell
	if shell == "" {
		shell = DefaultShell
	}
	limit := req.MaxOutputBytes
	if limit <= 0 {
		limit = DefaultMaxOutputBytes
	}
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, shell, "-c", req.Command)
	cmd.Dir = req.Dir
	cmd.WaitDelay = waitDelay
	stdout := &cappedBuffer{limit: limit}
	stderr := &cappedBuffer{limit: limit}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	started := time.Now()
	err := cmd.Run()
	res := Result{
		Stdout:    stdout.Bytes(),
		Stderr:    stderr.Bytes(),
		Truncated: stdout.truncated || stderr.truncated,
		Duration:  time.Since(started),
	}
	if ctxErr := ctx.Err(); ctxErr != nil && err != nil {
		res.ExitCode = ExitAborted
		res.Failed = true
		res.Detail = fmt.Sprintf("command aborted: %v", ctxErr)
		return res
	}
	if err == nil {
		return res
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		res.ExitCode = int32(exitErr.ExitCode())
		if res.ExitCode < 0 {
			res.Failed = true
			res.Detail = exitErr.String()
		}
		return res
	}

	res.ExitCode = ExitSpawnFailed
	res.Failed = true
	res.Detail = err.Error()
	return res
}

// cappedBuffer keeps the first limit bytes and silently discards the rest so
// the child never blocks on a full pipe.
type cappedBuffer struct {
	buf       bytes.Buffer
	limit     int
	truncated bool
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	room := b.limit - b.buf.Len()
	if room <= 0 {
		b.truncated = b.truncated || len(p) > 0
		return len(p), nil
	}
	if len(p) > room {
		b.buf.Write(p[:room])
		b.truncated = true
		return len(p), nil
	}
	b.buf.Write(p)
	return len(p), nil
}

func (b *cappedBuffer) Bytes() []byte {
	return b.buf.Bytes()
}
