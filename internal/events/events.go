package events

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"
)

// Event kinds, appended to the subject prefix.
const (
	KindTerminalRegistered   = "terminal.registered"
	KindTerminalUnregistered = "terminal.unregistered"
	KindMessageRouted        = "message.routed"
	KindCommandCompleted     = "command.completed"
)

const DefaultSubjectPrefix = "pipeline."

var ErrNotConnected = errors.New("events: not connected")

// Event is a broker-side observation mirrored to external subscribers.
// Message payloads and command output are never included.
type Event struct {
	Kind        string `json:"kind"`
	Name        string `json:"name,omitempty"`
	Sender      string `json:"sender,omitempty"`
	Target      string `json:"target,omitempty"`
	RequestID   string `json:"request_id,omitempty"`
	ExitCode    *int32 `json:"exit_code,omitempty"`
	Failed      bool   `json:"failed,omitempty"`
	TimestampMS int64  `json:"timestamp_ms"`
}

// Sink receives broker events. Publish must not block on slow subscribers.
type Sink interface {
	Publish(ctx context.Context, ev Event) error
	Close()
}

// NopSink discards every event.
type NopSink struct{}

func (NopSink) Publish(context.Context, Event) error { return nil }
func (NopSink) Close()                               {}

// Subject joins prefix and kind, tolerating a missing trailing dot.
func Subject(prefix, kind string) string {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	if !strings.HasSuffix(prefix, ".") {
		prefix += "."
	}
	return prefix + kind
}

// Encode stamps a missing timestamp and marshals ev.
func Encode(ev Event) ([]byte, error) {
	if ev.TimestampMS == 0 {
		ev.TimestampMS = time.Now().UnixMilli()
	}
	return json.Marshal(ev)
}
