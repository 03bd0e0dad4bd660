package events

import (
	"context"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// NATSSink publishes events as JSON on <prefix><kind>.
type NATSSink struct {
	nc     *nats.Conn
	prefix string
	log    zerolog.Logger
	closed chan struct{}
}

const drainTimeout = 5 * time.Second

func NewNATSSink(url, prefix string, logger zerolog.Logger) (*NATSSink, error) {
	closed := make(chan struct{})
	opts := []nats.Option{
		nats.Name("pipeline-broker"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.DrainTimeout(drainTimeout),
		nats.ClosedHandler(func(*nats.Conn) {
			close(closed)
		}),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			logger.Warn().Err(err).Msg("events.nats disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info().Str("url", nc.ConnectedUrl()).Msg("events.nats reconnected")
		}),
	}
	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, err
	}
	logger.Info().Str("url", url).Str("prefix", prefix).Msg("events.NewNATSSink connected")
	return &NATSSink{nc: nc, prefix: prefix, log: logger, closed: closed}, nil
}

func (s *NATSSink) Publish(ctx context.Context, ev Event) error {
	if s.nc == nil || s.nc.IsClosed() {
		return ErrNotConnected
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	payload, err := Encode(ev)
	if err != nil {
		return err
	}
	return s.nc.Publish(Subject(s.prefix, ev.Kind), payload)
}

// Close drains buffered events and waits for the connection to close.
func (s *NATSSink) Close() {
	if s.nc == nil {
		return
	}
	if err := s.nc.Drain(); err != nil {
		s.log.Warn().Err(err).Msg("events.NATSSink.Close drain failed")
		s.nc.Close()
		return
	}
	if !awaitClosed(s.closed, drainTimeout+time.Second) {
		s.log.Warn().Dur("timeout", drainTimeout).Msg("events.NATSSink.Close drain timed out")
		s.nc.Close()
	}
}

func awaitClosed(closed <-chan struct{}, timeout time.Duration) bool {
	if closed == nil {
		return false
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-closed:
		return true
	case <-timer.C:
		return false
	}
}
