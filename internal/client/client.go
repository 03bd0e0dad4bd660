package client

import (
	"bufio"
	"context"
	"fmt"
	"math/rand"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/pipeline/internal/logging"
	"github.com/danmuck/pipeline/internal/protocol/frame"
	"github.com/danmuck/pipeline/internal/protocol/schema"
	"github.com/danmuck/pipeline/internal/protocol/session"
	"github.com/rs/zerolog"
)

const inboundBuffer = 64

type Config struct {
	Address            string
	Session            session.Config
	MaxConnectAttempts int // 0 retries until ctx is done
}

func DefaultConfig() Config {
	return Config{
		Session:            session.DefaultConfig(),
		MaxConnectAttempts: 1,
	}
}

// Inbound is one unsolicited frame pushed by the broker. Exactly one field
// is set.
type Inbound struct {
	Message *session.Send
	Command *session.Exec
	Result  *session.ExecResult
	Output  *session.ExecResult
	Error   *session.ErrorReply
}

// Client is one connection to the broker. Requests may be issued from
// several goroutines; responses are matched by message id.
type Client struct {
	cfg  Config
	conn net.Conn
	log  zerolog.Logger

	nextID  atomic.Uint64
	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[uint64]chan frame.Frame
	err     error

	inbound   chan Inbound
	closing   chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// Dial connects to the broker, retrying with backoff up to
// MaxConnectAttempts.
func Dial(ctx context.Context, cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.Address) == "" {
		return nil, ErrAddressRequired
	}
	cfg.Session = cfg.Session.WithDefaults()
	logger := logging.Component("client").With().Str("addr", cfg.Address).Logger()
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))

	var attempt int
	for {
		attempt++
		dialer := net.Dialer{Timeout: cfg.Session.ConnectTimeout}
		conn, err := dialer.DialContext(ctx, "tcp", cfg.Address)
		if err == nil {
			return newClient(cfg, conn, logger), nil
		}
		logger.Debug().Err(err).Int("attempt", attempt).Msg("client.Dial failed")
		if cfg.MaxConnectAttempts > 0 && attempt >= cfg.MaxConnectAttempts {
			return nil, err
		}
		if err := session.SleepBackoff(ctx, cfg.Session.Backoff, attempt, rng); err != nil {
			return nil, err
		}
	}
}

func newClient(cfg Config, conn net.Conn, logger zerolog.Logger) *Client {
	c := &Client{
		cfg:     cfg,
		conn:    conn,
		log:     logger,
		pending: make(map[uint64]chan frame.Frame),
		inbound: make(chan Inbound, inboundBuffer),
		closing: make(chan struct{}),
		done:    make(chan struct{}),
	}
	go c.readLoop()
	return c
}

// Inbound delivers unsolicited frames. It is closed when the connection ends.
// Callers that register must drain it.
func (c *Client) Inbound() <-chan Inbound {
	return c.inbound
}

// Done is closed once the connection is gone.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Err reports why the connection ended, or nil while it is open.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *Client) Close() error {
	err := c.shutdown()
	<-c.done
	return err
}

func (c *Client) shutdown() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closing)
		err = c.conn.Close()
	})
	return err
}

// Register binds name to this connection.
func (c *Client) Register(ctx context.Context, reg session.Register) error {
	fr, err := c.request(ctx, func(id uint64) ([]byte, error) {
		return session.EncodeRegisterFrame(id, reg)
	})
	if err != nil {
		return err
	}
	return expectType(fr, schema.MsgRegister)
}

// Unregister drops this connection's name; it succeeds when none is bound.
func (c *Client) Unregister(ctx context.Context) (string, error) {
	fr, err := c.request(ctx, session.EncodeUnregisterFrame)
	if err != nil {
		return "", err
	}
	if err := expectType(fr, schema.MsgUnregister); err != nil {
		return "", err
	}
	return session.DecodeUnregisterFrame(fr)
}

// Send hands a message to the broker; it returns once the target has been
// resolved and the message queued for it.
func (c *Client) Send(ctx context.Context, msg session.Send) error {
	fr, err := c.request(ctx, func(id uint64) ([]byte, error) {
		return session.EncodeSendFrame(id, msg)
	})
	if err != nil {
		return err
	}
	return expectType(fr, schema.MsgSend)
}

// Exec asks the broker to run cmd.Command on cmd.Target and returns the
// accepted request with its id filled in.
func (c *Client) Exec(ctx context.Context, cmd session.Exec) (session.Exec, error) {
	cmd.RequestID = ""
	fr, err := c.request(ctx, func(id uint64) ([]byte, error) {
		return session.EncodeExecFrame(id, cmd)
	})
	if err != nil {
		return session.Exec{}, err
	}
	if err := expectType(fr, schema.MsgExec); err != nil {
		return session.Exec{}, err
	}
	return session.DecodeExecFrame(fr)
}

// List returns the registered names in lexical order.
func (c *Client) List(ctx context.Context) ([]string, error) {
	fr, err := c.request(ctx, session.EncodeListFrame)
	if err != nil {
		return nil, err
	}
	if err := expectType(fr, schema.MsgList); err != nil {
		return nil, err
	}
	return session.DecodeListFrame(fr)
}

// AwaitResult reads Inbound until the EXEC_RESULT for requestID arrives.
// Other inbound frames are discarded.
func (c *Client) AwaitResult(ctx context.Context, requestID string) (session.ExecResult, error) {
	for {
		select {
		case <-ctx.Done():
			return session.ExecResult{}, ctx.Err()
		case in, ok := <-c.inbound:
			if !ok {
				return session.ExecResult{}, c.closedErr()
			}
			if in.Result != nil && in.Result.RequestID == requestID {
				return *in.Result, nil
			}
		}
	}
}

func (c *Client) request(ctx context.Context, encode func(id uint64) ([]byte, error)) (frame.Frame, error) {
	id := c.nextID.Add(1)
	payload, err := encode(id)
	if err != nil {
		return frame.Frame{}, err
	}
	ch := make(chan frame.Frame, 1)
	c.mu.Lock()
	if c.err != nil {
		err := c.err
		c.mu.Unlock()
		return frame.Frame{}, err
	}
	c.pending[id] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	if err := c.write(payload); err != nil {
		return frame.Frame{}, err
	}
	select {
	case <-ctx.Done():
		return frame.Frame{}, ctx.Err()
	case <-c.done:
		return frame.Frame{}, c.closedErr()
	case fr := <-ch:
		if fr.Header.IsError() {
			reply, err := session.DecodeErrorFrame(fr)
			if err != nil {
				return frame.Frame{}, err
			}
			return frame.Frame{}, &RemoteError{Code: reply.Code, Detail: reply.Detail}
		}
		return fr, nil
	}
}

func (c *Client) write(payload []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(c.cfg.Session.WriteTimeout))
	if _, err := c.conn.Write(payload); err != nil {
		return fmt.Errorf("%w: %v", ErrClosed, err)
	}
	return nil
}

func (c *Client) readLoop() {
	reader := bufio.NewReader(c.conn)
	var err error
	defer func() {
		c.mu.Lock()
		if err == nil {
			err = ErrClosed
		}
		c.err = err
		c.mu.Unlock()
		_ = c.shutdown()
		close(c.done)
		close(c.inbound)
	}()
	for {
		var fr frame.Frame
		fr, err = session.ReadFrame(reader, c.cfg.Session.Limits)
		if err != nil {
			c.log.Debug().Err(err).Msg("client.readLoop stopped")
			err = fmt.Errorf("%w: %v", ErrClosed, err)
			return
		}
		if fr.Header.IsResponse() && fr.Header.MessageID != 0 {
			c.resolve(fr)
			continue
		}
		in, derr := decodeInbound(fr)
		if derr != nil {
			c.log.Warn().Err(derr).Str("type", schema.MessageName(fr.Header.MessageType)).Msg("client.readLoop dropped frame")
			continue
		}
		select {
		case c.inbound <- in:
		case <-c.closing:
			return
		}
	}
}

func (c *Client) resolve(fr frame.Frame) {
	c.mu.Lock()
	ch, ok := c.pending[fr.Header.MessageID]
	delete(c.pending, fr.Header.MessageID)
	c.mu.Unlock()
	if !ok {
		c.log.Debug().Uint64("message_id", fr.Header.MessageID).Msg("client.readLoop response without request")
		return
	}
	ch <- fr
}

func (c *Client) closedErr() error {
	if err := c.Err(); err != nil {
		return err
	}
	return ErrClosed
}

func decodeInbound(fr frame.Frame) (Inbound, error) {
	switch fr.Header.MessageType {
	case schema.MsgSend:
		msg, err := session.DecodeSendFrame(fr)
		return Inbound{Message: &msg}, err
	case schema.MsgExec:
		cmd, err := session.DecodeExecFrame(fr)
		return Inbound{Command: &cmd}, err
	case schema.MsgExecResult:
		res, err := session.DecodeExecResultFrame(fr)
		return Inbound{Result: &res}, err
	case schema.MsgExecOutput:
		out, err := session.DecodeExecOutputFrame(fr)
		return Inbound{Output: &out}, err
	case schema.MsgError:
		reply, err := session.DecodeErrorFrame(fr)
		return Inbound{Error: &reply}, err
	default:
		return Inbound{}, fmt.Errorf("%w: %s", ErrUnexpectedResponse, schema.MessageName(fr.Header.MessageType))
	}
}

func expectType(fr frame.Frame, messageType uint32) error {
	if fr.Header.MessageType != messageType {
		return fmt.Errorf(
			"%w: got %s want %s",
			ErrUnexpectedResponse,
			schema.MessageName(fr.Header.MessageType),
			schema.MessageName(messageType),
		)
	}
	return nil
}
