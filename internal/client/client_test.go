package client

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/danmuck/pipeline/internal/protocol/frame"
	"github.com/danmuck/pipeline/internal/protocol/schema"
	"github.com/danmuck/pipeline/internal/protocol/session"
	"github.com/danmuck/pipeline/internal/testutil/testlog"
)

// fakeBroker answers each request with the frame built by respond.
func fakeBroker(t *testing.T, respond func(conn net.Conn, fr frame.Frame)) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { _ = ln.Close() })
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			fr, err := frame.ReadFrame(conn, frame.DefaultLimits())
			if err != nil {
				return
			}
			respond(conn, fr)
		}
	}()
	return ln.Addr().String()
}

func dialTest(t *testing.T, addr string) *Client {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Address = addr
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, err := Dial(ctx, cfg)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func testCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestRemoteErrorMatchesSentinels(t *testing.T) {
	testlog.Start(t)
	cases := map[string]error{
		session.CodeNameConflict:   ErrNameConflict,
		session.CodeTargetNotFound: ErrTargetNotFound,
		session.CodeProtocolError:  ErrProtocol,
	}
	for code, want := range cases {
		err := error(&RemoteError{Code: code, Detail: "x"})
		if !errors.Is(err, want) {
			t.Fatalf("code %s does not match %v", code, want)
		}
	}
	if errors.Is(&RemoteError{Code: "Other"}, ErrProtocol) {
		t.Fatalf("unknown code matched ErrProtocol")
	}
}

func TestDialRequiresAddress(t *testing.T) {
	testlog.Start(t)
	if _, err := Dial(context.Background(), DefaultConfig()); !errors.Is(err, ErrAddressRequired) {
		t.Fatalf("expected ErrAddressRequired, got %v", err)
	}
}

func TestDialRetriesThenFails(t *testing.T) {
	testlog.Start(t)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	_ = ln.Close()

	cfg := DefaultConfig()
	cfg.Address = addr
	cfg.MaxConnectAttempts = 2
	cfg.Session.Backoff.InitialDelay = 10 * time.Millisecond
	cfg.Session.Backoff.Jitter = false
	if _, err := Dial(testCtx(t), cfg); err == nil {
		t.Fatalf("expected dial failure")
	}
}

func TestResponsesMatchedByMessageID(t *testing.T) {
	testlog.Start(t)
	addr := fakeBroker(t, func(conn net.Conn, fr frame.Frame) {
		switch fr.Header.MessageType {
		case schema.MsgList:
			payload, _ := session.EncodeListResponseFrame(fr.Header.MessageID, []string{"b", "a"})
			_, _ = conn.Write(payload)
		case schema.MsgSend:
			payload, _ := session.EncodeErrorFrame(fr.Header.MessageID, session.ErrorReply{
				Code:   session.CodeTargetNotFound,
				Detail: "nobody",
			})
			_, _ = conn.Write(payload)
		}
	})
	c := dialTest(t, addr)

	names, err := c.List(testCtx(t))
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(names) != 2 || names[0] != "a" {
		t.Fatalf("unexpected names: %v", names)
	}
	err = c.Send(testCtx(t), session.Send{Target: "nobody", Payload: "x"})
	var remote *RemoteError
	if !errors.As(err, &remote) || remote.Detail != "nobody" || !errors.Is(err, ErrTargetNotFound) {
		t.Fatalf("expected remote TargetNotFound, got %v", err)
	}
}

func TestUnsolicitedFramesGoToInbound(t *testing.T) {
	testlog.Start(t)
	addr := fakeBroker(t, func(conn net.Conn, fr frame.Frame) {
		if fr.Header.MessageType != schema.MsgRegister {
			return
		}
		result, _ := session.EncodeExecResultFrame(0, session.ExecResult{RequestID: "req-1", ExitCode: 4})
		_, _ = conn.Write(result)
		ack, _ := session.EncodeRegisterAckFrame(fr.Header.MessageID, "main")
		_, _ = conn.Write(ack)
	})
	c := dialTest(t, addr)

	if err := c.Register(testCtx(t), session.Register{Name: "main"}); err != nil {
		t.Fatalf("register: %v", err)
	}
	res, err := c.AwaitResult(testCtx(t), "req-1")
	if err != nil {
		t.Fatalf("await result: %v", err)
	}
	if res.ExitCode != 4 {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestRequestFailsWhenConnectionDrops(t *testing.T) {
	testlog.Start(t)
	addr := fakeBroker(t, func(conn net.Conn, fr frame.Frame) {
		_ = conn.Close()
	})
	c := dialTest(t, addr)

	if _, err := c.List(testCtx(t)); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	select {
	case <-c.Done():
	case <-time.After(5 * time.Second):
		t.Fatalf("client not marked done")
	}
	if _, ok := <-c.Inbound(); ok {
		t.Fatalf("inbound not closed")
	}
}
