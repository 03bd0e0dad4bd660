package broker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/danmuck/pipeline/internal/observability"
	"github.com/danmuck/pipeline/internal/registry"
	"github.com/danmuck/pipeline/internal/tools"
	"github.com/rs/zerolog"
)

var ErrExecutorClosed = errors.New("broker: executor closed")

// CommandRequest is one EXEC accepted for a target.
type CommandRequest struct {
	ID            string
	Sender        string
	Target        string
	Command       string
	WantsCallback bool
	Dir           string
}

// CommandResult is produced exactly once per CommandRequest.
type CommandResult struct {
	RequestID   string
	ExitCode    int32
	Stdout      []byte
	Stderr      []byte
	Failed      bool
	Detail      string
	Duration    time.Duration
	CompletedAt time.Time
}

type job struct {
	req  CommandRequest
	done func(CommandResult)
}

// lane holds commands waiting behind the one currently running for a target.
type lane struct {
	queue []job
}

// Executor runs remote commands off the session read path.
type Executor struct {
	policy    ExecPolicy
	shell     string
	timeout   time.Duration
	maxOutput int
	runner    tools.CommandRunner
	log       zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	closed bool
	lanes  map[registry.Handle]*lane
}

func NewExecutor(cfg Config, runner tools.CommandRunner, logger zerolog.Logger) *Executor {
	cfg = cfg.WithDefaults()
	if runner == nil {
		runner = tools.ShellRunner{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Executor{
		policy:    cfg.ExecPolicy,
		shell:     cfg.Shell,
		timeout:   cfg.ExecTimeout,
		maxOutput: cfg.MaxOutputBytes,
		runner:    runner,
		log:       logger,
		ctx:       ctx,
		cancel:    cancel,
		lanes:     make(map[registry.Handle]*lane),
	}
}

// Submit schedules req against target and returns without waiting. done is
// called exactly once with the result, from an executor goroutine.
func (e *Executor) Submit(target registry.Handle, req CommandRequest, done func(CommandResult)) error {
	j := job{req: req, done: done}
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrExecutorClosed
	}
	e.wg.Add(1)
	if e.policy == PolicyConcurrent {
		e.mu.Unlock()
		go func() {
			defer e.wg.Done()
			e.run(j)
		}()
		return nil
	}
	if l, ok := e.lanes[target]; ok {
		l.queue = append(l.queue, j)
		depth := len(l.queue)
		e.mu.Unlock()
		e.log.Debug().
			Str("request_id", req.ID).
			Str("target", req.Target).
			Int("queued", depth).
			Msg("broker.Executor.Submit queued behind running command")
		return nil
	}
	e.lanes[target] = &lane{}
	e.mu.Unlock()
	go e.drain(target, j)
	return nil
}

// drain runs j and then every job queued on the same lane, removing the lane
// once it is empty.
func (e *Executor) drain(target registry.Handle, j job) {
	for {
		e.run(j)
		e.wg.Done()

		e.mu.Lock()
		l := e.lanes[target]
		if len(l.queue) == 0 {
			delete(e.lanes, target)
			e.mu.Unlock()
			return
		}
		j = l.queue[0]
		l.queue[0] = job{}
		l.queue = l.queue[1:]
		e.mu.Unlock()
	}
}

func (e *Executor) run(j job) {
	req := j.req
	e.log.Info().
		Str("request_id", req.ID).
		Str("sender", req.Sender).
		Str("target", req.Target).
		Str("dir", req.Dir).
		Str("command", req.Command).
		Msg("broker.Executor.run start")

	out := e.runner.Run(e.ctx, tools.Request{
		Shell:          e.shell,
		Command:        req.Command,
		Dir:            req.Dir,
		Timeout:        e.timeout,
		MaxOutputBytes: e.maxOutput,
	})
	res := CommandResult{
		RequestID:   req.ID,
		ExitCode:    out.ExitCode,
		Stdout:      out.Stdout,
		Stderr:      out.Stderr,
		Failed:      out.Failed,
		Detail:      out.Detail,
		Duration:    out.Duration,
		CompletedAt: time.Now(),
	}
	if out.Truncated && res.Detail == "" {
		res.Detail = "output truncated"
	}
	observability.RecordExec(string(e.policy), res.ExitCode, res.Failed, res.Duration)

	ev := e.log.Info()
	if res.Failed {
		ev = e.log.Warn().Str("detail", res.Detail)
	}
	ev.Str("request_id", req.ID).
		Str("target", req.Target).
		Int32("exit_code", res.ExitCode).
		Bool("truncated", out.Truncated).
		Dur("duration", res.Duration).
		Msg("broker.Executor.run done")

	if j.done != nil {
		j.done(res)
	}
}

// Close rejects new work, aborts running commands and waits for every
// accepted command to report.
func (e *Executor) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		e.wg.Wait()
		return
	}
	e.closed = true
	e.mu.Unlock()
	e.cancel()
	e.wg.Wait()
}
