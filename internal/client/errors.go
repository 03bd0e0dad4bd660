package client

import (
	"errors"
	"fmt"

	"github.com/danmuck/pipeline/internal/protocol/session"
)

var (
	ErrAddressRequired    = errors.New("client: broker address required")
	ErrClosed             = errors.New("client: connection closed")
	ErrUnexpectedResponse = errors.New("client: unexpected response")

	ErrNameConflict   = errors.New("client: name conflict")
	ErrTargetNotFound = errors.New("client: target not found")
	ErrProtocol       = errors.New("client: protocol error")
)

// RemoteError is an ERROR frame returned by the broker.
type RemoteError struct {
	Code   string
	Detail string
}

func (e *RemoteError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("broker: %s", e.Code)
	}
	return fmt.Sprintf("broker: %s: %s", e.Code, e.Detail)
}

// Is matches the sentinel for the error code.
func (e *RemoteError) Is(target error) bool {
	switch e.Code {
	case session.CodeNameConflict:
		return target == ErrNameConflict
	case session.CodeTargetNotFound:
		return target == ErrTargetNotFound
	case session.CodeProtocolError:
		return target == ErrProtocol
	}
	return false
}
