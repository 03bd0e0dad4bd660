package broker

import (
	"context"
	"errors"
	"net"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/danmuck/pipeline/internal/events"
	"github.com/danmuck/pipeline/internal/logging"
	"github.com/danmuck/pipeline/internal/observability"
	"github.com/danmuck/pipeline/internal/registry"
	"github.com/danmuck/pipeline/internal/tools"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Broker accepts terminal connections and wires sessions to the registry,
// router and executor.
type Broker struct {
	cfg    Config
	reg    *registry.Registry
	exec   *Executor
	router *Router
	sink   events.Sink
	log    zerolog.Logger

	nextID atomic.Uint64

	sessionsMu sync.Mutex
	sessions   map[*Session]struct{}
	wg         sync.WaitGroup
}

// Option customises a Broker at construction.
type Option func(*options)

type options struct {
	sink   events.Sink
	runner tools.CommandRunner
	logger *zerolog.Logger
}

// WithSink mirrors broker events to sink.
func WithSink(sink events.Sink) Option {
	return func(o *options) { o.sink = sink }
}

// WithRunner replaces the shell runner used by the executor.
func WithRunner(runner tools.CommandRunner) Option {
	return func(o *options) { o.runner = runner }
}

func WithLogger(logger zerolog.Logger) Option {
	return func(o *options) { o.logger = &logger }
}

func New(cfg Config, opts ...Option) *Broker {
	cfg = cfg.WithDefaults()
	o := options{sink: events.NopSink{}}
	for _, opt := range opts {
		opt(&o)
	}
	logger := logging.Component("broker")
	if o.logger != nil {
		logger = *o.logger
	}
	reg := registry.New()
	exec := NewExecutor(cfg, o.runner, logger)
	return &Broker{
		cfg:      cfg,
		reg:      reg,
		exec:     exec,
		router:   NewRouter(reg, exec, o.sink, logger),
		sink:     o.sink,
		log:      logger,
		sessions: make(map[*Session]struct{}),
	}
}

func (b *Broker) Registry() *registry.Registry {
	return b.reg
}

// RunContext serves terminals and, when configured, the metrics endpoint
// until ctx is done or either listener fails.
func (b *Broker) RunContext(ctx context.Context) error {
	if err := b.cfg.Validate(); err != nil {
		return err
	}
	ln, err := net.Listen("tcp", b.cfg.ListenAddr)
	if err != nil {
		return err
	}
	var metricsLn net.Listener
	if addr := strings.TrimSpace(b.cfg.MetricsAddr); addr != "" {
		metricsLn, err = net.Listen("tcp", addr)
		if err != nil {
			_ = ln.Close()
			return err
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return b.Serve(gctx, ln)
	})
	if metricsLn != nil {
		g.Go(func() error {
			return observability.ServeMetrics(gctx, metricsLn)
		})
	}
	return g.Wait()
}

// Serve accepts terminals on ln until ctx is done. On return every session is
// closed, the registry is empty and in-flight commands have finished.
func (b *Broker) Serve(ctx context.Context, ln net.Listener) error {
	if err := b.cfg.Validate(); err != nil {
		return err
	}
	observability.RegisterMetrics()
	defer b.shutdown()
	defer ln.Close()

	stopped := make(chan struct{})
	defer close(stopped)
	go func() {
		select {
		case <-ctx.Done():
		case <-stopped:
		}
		_ = ln.Close()
		b.closeAllSessions()
	}()

	b.log.Info().
		Str("addr", ln.Addr().String()).
		Str("exec_policy", string(b.cfg.ExecPolicy)).
		Msg("broker.Serve listening")
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		s := newSession(b.nextID.Add(1), conn, b)
		if !b.trackSession(s) {
			_ = conn.Close()
			continue
		}
		go func() {
			defer b.wg.Done()
			defer b.untrackSession(s)
			s.run(ctx)
		}()
	}
}

func (b *Broker) shutdown() {
	b.closeAllSessions()
	b.wg.Wait()
	b.exec.Close()
	b.reg.Clear()
	observability.SetRegisteredTerminals(0)
	b.log.Info().Msg("broker.Serve stopped")
}

func (b *Broker) publish(ev events.Event) {
	if err := b.sink.Publish(context.Background(), ev); err != nil {
		b.log.Debug().Err(err).Str("kind", ev.Kind).Msg("broker.publish failed")
	}
}

// trackSession registers s for shutdown; it fails once shutdown started.
func (b *Broker) trackSession(s *Session) bool {
	b.sessionsMu.Lock()
	defer b.sessionsMu.Unlock()
	if b.sessions == nil {
		return false
	}
	b.sessions[s] = struct{}{}
	b.wg.Add(1)
	active := len(b.sessions)
	observability.SessionOpened()
	s.log.Info().Int("active_sessions", active).Msg("broker.Serve client connected")
	return true
}

func (b *Broker) untrackSession(s *Session) {
	b.sessionsMu.Lock()
	defer b.sessionsMu.Unlock()
	if _, ok := b.sessions[s]; ok {
		delete(b.sessions, s)
	}
	observability.SessionClosed()
	s.log.Info().Int("active_sessions", len(b.sessions)).Msg("broker.Serve client disconnected")
}

// closeAllSessions closes every tracked session and refuses new ones.
func (b *Broker) closeAllSessions() {
	b.sessionsMu.Lock()
	sessions := b.sessions
	b.sessions = nil
	b.sessionsMu.Unlock()
	for s := range sessions {
		s.Close()
	}
}
