package broker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/danmuck/pipeline/internal/events"
	"github.com/danmuck/pipeline/internal/observability"
	"github.com/danmuck/pipeline/internal/protocol/frame"
	"github.com/danmuck/pipeline/internal/protocol/session"
	"github.com/danmuck/pipeline/internal/registry"
	"github.com/rs/zerolog"
)

var (
	ErrTargetNotFound = errors.New("broker: target not found")
	ErrRequesterGone  = errors.New("broker: requester not registered")
)

// resultFieldReserve is the EXEC_RESULT payload room kept for everything
// other than stdout and stderr.
const resultFieldReserve = 64 << 10

var resultOutputBudget = int(frame.DefaultLimits().MaxPayloadBytes) - resultFieldReserve

// Message is one SEND in flight. It is never stored.
type Message struct {
	Sender  string
	Target  string
	Payload string
	SentAt  time.Time
}

// Router resolves target names through the registry and hands frames to the
// resolved session. Resolution is a point-in-time lookup; nothing is queued
// for a name that is not bound.
type Router struct {
	reg  *registry.Registry
	exec *Executor
	sink events.Sink
	log  zerolog.Logger
}

func NewRouter(reg *registry.Registry, exec *Executor, sink events.Sink, logger zerolog.Logger) *Router {
	if sink == nil {
		sink = events.NopSink{}
	}
	return &Router{reg: reg, exec: exec, sink: sink, log: logger}
}

// RouteMessage delivers msg to its target or returns ErrTargetNotFound.
func (r *Router) RouteMessage(msg Message) error {
	h, err := r.reg.Lookup(msg.Target)
	if err != nil {
		observability.RecordRoute(observability.RouteMessage, observability.OutcomeTargetNotFound)
		return fmt.Errorf("%w: %q", ErrTargetNotFound, msg.Target)
	}
	payload, err := session.EncodeSendFrame(0, session.Send{
		Sender:      msg.Sender,
		Target:      msg.Target,
		Payload:     msg.Payload,
		TimestampMS: uint64(msg.SentAt.UnixMilli()),
	})
	if err != nil {
		return err
	}
	if err := h.Deliver(payload); err != nil {
		r.log.Warn().Err(err).Str("target", msg.Target).Msg("broker.Router.RouteMessage deliver failed")
		observability.RecordRoute(observability.RouteMessage, observability.OutcomeTargetNotFound)
		return fmt.Errorf("%w: %q", ErrTargetNotFound, msg.Target)
	}
	observability.RecordRoute(observability.RouteMessage, observability.OutcomeDelivered)
	r.log.Debug().Str("sender", msg.Sender).Str("target", msg.Target).Msg("broker.Router.RouteMessage delivered")
	r.publish(events.Event{
		Kind:        events.KindMessageRouted,
		Sender:      msg.Sender,
		Target:      msg.Target,
		TimestampMS: msg.SentAt.UnixMilli(),
	})
	return nil
}

// RouteCommand notifies the target, calls accepted and then dispatches req to
// the executor. accepted runs before any result can be delivered, so the
// requester sees its acknowledgement first.
func (r *Router) RouteCommand(req CommandRequest, accepted func(CommandRequest)) error {
	h, err := r.reg.Lookup(req.Target)
	if err != nil {
		observability.RecordRoute(observability.RouteCommand, observability.OutcomeTargetNotFound)
		return fmt.Errorf("%w: %q", ErrTargetNotFound, req.Target)
	}
	notice, err := session.EncodeExecFrame(0, session.Exec{
		RequestID:     req.ID,
		Sender:        req.Sender,
		Target:        req.Target,
		Command:       req.Command,
		WantsCallback: req.WantsCallback,
	})
	if err != nil {
		return err
	}
	if err := h.Deliver(notice); err != nil {
		r.log.Warn().Err(err).Str("target", req.Target).Msg("broker.Router.RouteCommand notify failed")
		observability.RecordRoute(observability.RouteCommand, observability.OutcomeTargetNotFound)
		return fmt.Errorf("%w: %q", ErrTargetNotFound, req.Target)
	}
	req.Dir = h.WorkDir()
	if accepted != nil {
		accepted(req)
	}
	observability.RecordRoute(observability.RouteCommand, observability.OutcomeDelivered)
	return r.exec.Submit(h, req, func(res CommandResult) {
		r.completed(req, res, h)
	})
}

// completed delivers the callback, echoes the outcome to the target terminal
// as EXEC_OUTPUT and then publishes the completion event.
func (r *Router) completed(req CommandRequest, res CommandResult, target registry.Handle) {
	if req.WantsCallback {
		err := r.DeliverResult(res, req.Sender)
		switch {
		case err == nil:
		case errors.Is(err, ErrRequesterGone):
			r.log.Info().
				Err(err).
				Str("request_id", req.ID).
				Str("sender", req.Sender).
				Msg("broker.Router.DeliverResult dropped")
		default:
			r.log.Warn().
				Err(err).
				Str("request_id", req.ID).
				Str("sender", req.Sender).
				Msg("broker.Router.DeliverResult failed")
		}
	}
	r.echoResult(req, res, target)
	code := res.ExitCode
	r.publish(events.Event{
		Kind:        events.KindCommandCompleted,
		Sender:      req.Sender,
		Target:      req.Target,
		RequestID:   req.ID,
		ExitCode:    &code,
		Failed:      res.Failed,
		TimestampMS: res.CompletedAt.UnixMilli(),
	})
}

// DeliverResult sends an EXEC_RESULT to requester if it is still registered.
// Results are never retried.
func (r *Router) DeliverResult(res CommandResult, requester string) error {
	if requester == "" {
		observability.RecordRoute(observability.RouteResult, observability.OutcomeRequesterGone)
		return fmt.Errorf("%w: anonymous requester", ErrRequesterGone)
	}
	h, err := r.reg.Lookup(requester)
	if err != nil {
		observability.RecordRoute(observability.RouteResult, observability.OutcomeRequesterGone)
		return fmt.Errorf("%w: %q", ErrRequesterGone, requester)
	}
	payload, err := encodeResult(session.EncodeExecResultFrame, res)
	if err != nil {
		observability.RecordRoute(observability.RouteResult, observability.OutcomeEncodeFailed)
		return err
	}
	if err := h.Deliver(payload); err != nil {
		observability.RecordRoute(observability.RouteResult, observability.OutcomeRequesterGone)
		return fmt.Errorf("%w: %q: %v", ErrRequesterGone, requester, err)
	}
	observability.RecordRoute(observability.RouteResult, observability.OutcomeDelivered)
	return nil
}

// echoResult shows the outcome on the target terminal that ran the command.
// Loss is logged and never reported to the requester.
func (r *Router) echoResult(req CommandRequest, res CommandResult, target registry.Handle) {
	if target == nil || !target.Alive() {
		return
	}
	payload, err := encodeResult(session.EncodeExecOutputFrame, res)
	if err != nil {
		r.log.Warn().Err(err).Str("request_id", req.ID).Msg("broker.Router.echoResult encode failed")
		return
	}
	if err := target.Deliver(payload); err != nil {
		r.log.Debug().Err(err).Str("request_id", req.ID).Str("target", req.Target).Msg("broker.Router.echoResult dropped")
	}
}

// encodeResult builds an unsolicited result frame with encode, trimming
// output that would not fit in one frame.
func encodeResult(encode func(uint64, session.ExecResult) ([]byte, error), res CommandResult) ([]byte, error) {
	stdout, stderr, cut := fitResultOutput(res.Stdout, res.Stderr, resultOutputBudget)
	detail := res.Detail
	if cut {
		detail = appendDetail(detail, "output truncated")
	}
	payload, err := encode(0, session.ExecResult{
		RequestID:   res.RequestID,
		ExitCode:    res.ExitCode,
		Stdout:      stdout,
		Stderr:      stderr,
		Failed:      res.Failed,
		Detail:      detail,
		TimestampMS: uint64(res.CompletedAt.UnixMilli()),
	})
	if err != nil {
		return nil, fmt.Errorf("broker: encode result %s: %w", res.RequestID, err)
	}
	return payload, nil
}

// fitResultOutput cuts stdout and stderr so together they fit in budget
// bytes. A stream under half the budget is kept whole and the other gets the
// rest.
func fitResultOutput(stdout, stderr []byte, budget int) ([]byte, []byte, bool) {
	if len(stdout)+len(stderr) <= budget {
		return stdout, stderr, false
	}
	half := budget / 2
	switch {
	case len(stdout) <= half:
		stderr = stderr[:budget-len(stdout)]
	case len(stderr) <= half:
		stdout = stdout[:budget-len(stderr)]
	default:
		stdout = stdout[:half]
		stderr = stderr[:budget-half]
	}
	return stdout, stderr, true
}

func appendDetail(detail, note string) string {
	switch {
	case detail == "":
		return note
	case strings.Contains(detail, note):
		return detail
	default:
		return detail + "; " + note
	}
}

func (r *Router) publish(ev events.Event) {
	if err := r.sink.Publish(context.Background(), ev); err != nil {
		r.log.Debug().Err(err).Str("kind", ev.Kind).Msg("broker.Router.publish failed")
	}
}
