package main

import (
	"bytes"
	"context"
	"errors"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/danmuck/pipeline/internal/broker"
	"github.com/danmuck/pipeline/internal/client"
	"github.com/danmuck/pipeline/internal/protocol/session"
	"github.com/danmuck/pipeline/internal/testutil/testlog"
)

func startTestBroker(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- broker.New(broker.Config{}).Serve(ctx, ln) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return ln.Addr().String()
}

func runCLI(t *testing.T, addr string, args ...string) (string, error) {
	t.Helper()
	cfgPath := writeConfig(t, "")
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(append([]string{"--config", cfgPath, "--addr", addr}, args...))
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := cmd.ExecuteContext(ctx)
	return out.String(), err
}

func attachTerminal(t *testing.T, addr, name string) *client.Client {
	t.Helper()
	cfg := client.DefaultConfig()
	cfg.Address = addr
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, err := client.Dial(ctx, cfg)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	if err := c.Register(ctx, session.Register{Name: name}); err != nil {
		t.Fatalf("register: %v", err)
	}
	return c
}

func TestListCommand(t *testing.T) {
	testlog.Start(t)
	addr := startTestBroker(t)
	out, err := runCLI(t, addr, "list")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if !strings.Contains(out, "no terminals registered") {
		t.Fatalf("unexpected output: %q", out)
	}
	attachTerminal(t, addr, "main")
	out, err = runCLI(t, addr, "list")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if strings.TrimSpace(out) != "main" {
		t.Fatalf("unexpected output: %q", out)
	}
}

func TestSendCommand(t *testing.T) {
	testlog.Start(t)
	addr := startTestBroker(t)
	target := attachTerminal(t, addr, "main")

	if _, err := runCLI(t, addr, "send", "--as", "cli", "main", "hello", "there"); err != nil {
		t.Fatalf("send: %v", err)
	}
	select {
	case in := <-target.Inbound():
		if in.Message == nil || in.Message.Payload != "hello there" || in.Message.Sender != "cli" {
			t.Fatalf("unexpected inbound: %+v", in)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("message not delivered")
	}

	if _, err := runCLI(t, addr, "send", "nobody", "hi"); !errors.Is(err, client.ErrTargetNotFound) {
		t.Fatalf("expected ErrTargetNotFound, got %v", err)
	}
}

func TestExecWaitPrintsOutputAndExitCode(t *testing.T) {
	testlog.Start(t)
	addr := startTestBroker(t)
	attachTerminal(t, addr, "main")

	out, err := runCLI(t, addr, "exec", "--wait", "main", "echo", "ok")
	if err != nil {
		t.Fatalf("exec: %v", err)
	}
	if strings.TrimSpace(out) != "ok" {
		t.Fatalf("unexpected output: %q", out)
	}

	_, err = runCLI(t, addr, "exec", "--wait", "main", "exit 3")
	var exit exitCodeError
	if !errors.As(err, &exit) || exit.code != 3 {
		t.Fatalf("expected exit code 3, got %v", err)
	}
}

func TestExecWithoutWaitReportsRequestID(t *testing.T) {
	testlog.Start(t)
	addr := startTestBroker(t)
	attachTerminal(t, addr, "main")

	out, err := runCLI(t, addr, "exec", "main", "true")
	if err != nil {
		t.Fatalf("exec: %v", err)
	}
	if !strings.HasPrefix(out, "dispatched ") || !strings.Contains(out, " to main") {
		t.Fatalf("unexpected output: %q", out)
	}
}

func TestPrintInbound(t *testing.T) {
	testlog.Start(t)
	var buf bytes.Buffer
	p := newInboundPrinter(&buf)
	p.print(client.Inbound{Message: &session.Send{Sender: "", Payload: "hi", TimestampMS: 1}})
	p.print(client.Inbound{Result: &session.ExecResult{RequestID: "r1", ExitCode: 2, Stdout: []byte("x\n")}})
	p.print(client.Inbound{Command: &session.Exec{RequestID: "r2", Sender: "helper", Target: "main", Command: "make test"}})
	p.print(client.Inbound{Output: &session.ExecResult{RequestID: "r2", ExitCode: 1, Stderr: []byte("FAIL\n")}})
	out := buf.String()
	for _, want := range []string{
		"anonymous: hi",
		"[result r1] exit=2",
		"[exec r2] helper: make test",
		"[done r2] make test exit=1\nFAIL\n",
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("missing %q in output: %q", want, out)
		}
	}
	if len(p.running) != 0 {
		t.Fatalf("finished command still tracked: %v", p.running)
	}
}
