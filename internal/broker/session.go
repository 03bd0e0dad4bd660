package broker

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/pipeline/internal/events"
	"github.com/danmuck/pipeline/internal/observability"
	"github.com/danmuck/pipeline/internal/protocol/frame"
	"github.com/danmuck/pipeline/internal/protocol/schema"
	"github.com/danmuck/pipeline/internal/protocol/session"
	"github.com/danmuck/pipeline/internal/registry"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

var (
	ErrSessionClosed = errors.New("broker: session closed")
	ErrSlowConsumer  = errors.New("broker: session outbox full")

	errTooManyProtocolErrors = errors.New("broker: too many protocol errors")
)

// Session owns one terminal connection. Frames are read and handled in order
// by a single goroutine; all writes go through the outbox to a single writer.
type Session struct {
	id     uint64
	conn   net.Conn
	broker *Broker
	cfg    session.Config
	outbox *session.Outbox
	log    zerolog.Logger

	closed     atomic.Bool
	closeOnce  sync.Once
	writerDone chan struct{}

	mu      sync.Mutex
	name    string
	workDir string

	protocolErrors int
}

var _ registry.Handle = (*Session)(nil)

func newSession(id uint64, conn net.Conn, b *Broker) *Session {
	return &Session{
		id:         id,
		conn:       conn,
		broker:     b,
		cfg:        b.cfg.Session,
		outbox:     session.NewOutbox(b.cfg.Session.OutboxSize),
		log:        b.log.With().Uint64("session", id).Str("remote", conn.RemoteAddr().String()).Logger(),
		writerDone: make(chan struct{}),
	}
}

func (s *Session) Alive() bool {
	return !s.closed.Load()
}

// Deliver enqueues one encoded frame. A full outbox closes the session.
func (s *Session) Deliver(payload []byte) error {
	if s.closed.Load() {
		return ErrSessionClosed
	}
	err := s.outbox.Push(payload)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, session.ErrOutboxFull):
		s.log.Warn().Str("name", s.Name()).Int("outbox", s.cfg.OutboxSize).Msg("broker.Session.Deliver slow consumer, closing")
		s.Close()
		return ErrSlowConsumer
	default:
		return ErrSessionClosed
	}
}

func (s *Session) WorkDir() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.workDir
}

// Name returns the registered name, or "" before REGISTER.
func (s *Session) Name() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.name
}

// Close marks the session dead and closes the connection, unblocking the
// reader. Teardown completes on the reader goroutine.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		_ = s.conn.Close()
	})
}

func (s *Session) run(ctx context.Context) {
	go s.writeLoop()
	defer s.teardown()

	reader := bufio.NewReader(s.conn)
	for {
		if ctx.Err() != nil {
			return
		}
		if s.cfg.IdleTimeout > 0 {
			_ = s.conn.SetReadDeadline(time.Now().Add(s.cfg.IdleTimeout))
		}
		fr, err := session.ReadFrame(reader, s.cfg.Limits)
		if err != nil {
			s.readFailed(err)
			return
		}
		observability.RecordFrame(schema.MessageName(fr.Header.MessageType), observability.DirectionIn)
		if err := s.handle(fr); err != nil {
			s.log.Warn().Err(err).Str("name", s.Name()).Msg("broker.Session.run closing")
			return
		}
	}
}

func (s *Session) readFailed(err error) {
	switch {
	case errors.Is(err, io.EOF), s.closed.Load():
		s.log.Debug().Msg("broker.Session.run peer closed")
	case frame.IsStreamError(err):
		observability.RecordProtocolError()
		s.log.Warn().Err(err).Msg("broker.Session.run undecodable stream")
		s.replyError(0, session.CodeProtocolError, err.Error())
	default:
		s.log.Debug().Err(err).Msg("broker.Session.run connection lost")
	}
}

func (s *Session) writeLoop() {
	defer close(s.writerDone)
	for payload := range s.outbox.Items() {
		if s.cfg.WriteTimeout > 0 {
			_ = s.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
		}
		if _, err := s.conn.Write(payload); err != nil {
			if !s.closed.Load() {
				s.log.Debug().Err(err).Msg("broker.Session.writeLoop write failed")
			}
			s.Close()
			return
		}
		if len(payload) >= int(frame.FixedHeaderLen) {
			if h, err := frame.DecodeHeader(payload[:frame.FixedHeaderLen]); err == nil {
				observability.RecordFrame(schema.MessageName(h.MessageType), observability.DirectionOut)
			}
		}
	}
}

// teardown unregisters the session, flushes queued frames and closes the
// connection.
func (s *Session) teardown() {
	s.closed.Store(true)
	s.unbind()
	s.outbox.Close()
	<-s.writerDone
	s.Close()
}

func (s *Session) unbind() string {
	s.mu.Lock()
	name := s.name
	s.name = ""
	s.workDir = ""
	s.mu.Unlock()
	if name == "" {
		return ""
	}
	if s.broker.reg.UnregisterIf(name, s) {
		observability.SetRegisteredTerminals(s.broker.reg.Len())
		s.log.Info().Str("name", name).Msg("broker.Session unregistered")
		s.broker.publish(events.Event{Kind: events.KindTerminalUnregistered, Name: name})
	}
	return name
}

func (s *Session) handle(fr frame.Frame) error {
	id := fr.Header.MessageID
	if fr.Header.IsResponse() {
		return s.protocolError(id, fmt.Errorf("%w: response flag on request", session.ErrInvalidFrame))
	}
	switch fr.Header.MessageType {
	case schema.MsgRegister:
		return s.handleRegister(fr)
	case schema.MsgUnregister:
		name := s.unbind()
		return s.reply(session.EncodeUnregisterAckFrame(id, name))
	case schema.MsgSend:
		return s.handleSend(fr)
	case schema.MsgExec:
		return s.handleExec(fr)
	case schema.MsgList:
		if _, err := session.DecodeListFrame(fr); err != nil {
			return s.protocolError(id, err)
		}
		return s.reply(session.EncodeListResponseFrame(id, s.broker.reg.List()))
	default:
		return s.protocolError(id, fmt.Errorf(
			"%w: %s not accepted from terminals",
			session.ErrUnexpectedMessage,
			schema.MessageName(fr.Header.MessageType),
		))
	}
}

func (s *Session) handleRegister(fr frame.Frame) error {
	id := fr.Header.MessageID
	reg, err := session.DecodeRegisterFrame(fr)
	if err != nil {
		return s.protocolError(id, err)
	}
	if cur := s.Name(); cur != "" {
		return s.protocolError(id, fmt.Errorf("%w: already registered as %q", session.ErrInvalidFrame, cur))
	}
	if err := s.broker.reg.Register(reg.Name, s); err != nil {
		if errors.Is(err, registry.ErrNameConflict) {
			s.log.Info().Str("name", reg.Name).Msg("broker.Session.handleRegister name conflict")
			return s.replyError(id, session.CodeNameConflict, err.Error())
		}
		return s.protocolError(id, err)
	}
	s.mu.Lock()
	s.name = reg.Name
	s.workDir = reg.WorkDir
	s.mu.Unlock()
	observability.SetRegisteredTerminals(s.broker.reg.Len())
	s.log.Info().
		Str("name", reg.Name).
		Str("work_dir", reg.WorkDir).
		Uint32("pid", reg.PID).
		Msg("broker.Session.handleRegister registered")
	s.broker.publish(events.Event{Kind: events.KindTerminalRegistered, Name: reg.Name})
	return s.reply(session.EncodeRegisterAckFrame(id, reg.Name))
}

func (s *Session) handleSend(fr frame.Frame) error {
	id := fr.Header.MessageID
	msg, err := session.DecodeSendFrame(fr)
	if err != nil {
		return s.protocolError(id, err)
	}
	err = s.broker.router.RouteMessage(Message{
		Sender:  s.senderName(msg.Sender),
		Target:  msg.Target,
		Payload: msg.Payload,
		SentAt:  time.Now(),
	})
	if err != nil {
		return s.routeError(id, err)
	}
	return s.reply(session.EncodeSendAckFrame(id, msg.Target))
}

func (s *Session) handleExec(fr frame.Frame) error {
	id := fr.Header.MessageID
	cmd, err := session.DecodeExecFrame(fr)
	if err != nil {
		return s.protocolError(id, err)
	}
	req := CommandRequest{
		ID:            uuid.NewString(),
		Sender:        s.senderName(cmd.Sender),
		Target:        cmd.Target,
		Command:       cmd.Command,
		WantsCallback: cmd.WantsCallback,
	}
	var ackErr error
	err = s.broker.router.RouteCommand(req, func(req CommandRequest) {
		ackErr = s.reply(session.EncodeExecAckFrame(id, session.Exec{
			RequestID:     req.ID,
			Sender:        req.Sender,
			Target:        req.Target,
			Command:       req.Command,
			WantsCallback: req.WantsCallback,
		}))
	})
	if err != nil {
		if errors.Is(err, ErrExecutorClosed) {
			return err
		}
		return s.routeError(id, err)
	}
	return ackErr
}

// senderName is the registered name when there is one; unregistered
// connections speak for whoever they claim to be.
func (s *Session) senderName(claimed string) string {
	if name := s.Name(); name != "" {
		return name
	}
	return claimed
}

func (s *Session) routeError(id uint64, err error) error {
	if errors.Is(err, ErrTargetNotFound) {
		return s.replyError(id, session.CodeTargetNotFound, err.Error())
	}
	return s.protocolError(id, err)
}

// protocolError answers a malformed request and closes the connection once
// the configured limit is reached.
func (s *Session) protocolError(id uint64, cause error) error {
	observability.RecordProtocolError()
	s.protocolErrors++
	s.log.Warn().Err(cause).Int("count", s.protocolErrors).Msg("broker.Session protocol error")
	if err := s.replyError(id, session.CodeProtocolError, cause.Error()); err != nil {
		return err
	}
	if s.protocolErrors >= s.cfg.MaxProtocolErrors {
		return errTooManyProtocolErrors
	}
	return nil
}

func (s *Session) replyError(id uint64, code, detail string) error {
	return s.reply(session.EncodeErrorFrame(id, session.ErrorReply{Code: code, Detail: detail}))
}

func (s *Session) reply(payload []byte, err error) error {
	if err != nil {
		return err
	}
	return s.Deliver(payload)
}
