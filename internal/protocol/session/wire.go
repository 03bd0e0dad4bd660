package session

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/danmuck/pipeline/internal/protocol/frame"
	"github.com/danmuck/pipeline/internal/protocol/schema"
	"github.com/danmuck/pipeline/internal/protocol/tlv"
)

// Error codes carried by ERROR frames.
const (
	CodeNameConflict   = "NameConflict"
	CodeTargetNotFound = "TargetNotFound"
	CodeProtocolError  = "ProtocolError"
)

var (
	ErrUnexpectedMessage = errors.New("session: unexpected message type")
	ErrInvalidFrame      = errors.New("session: invalid frame")
)

// ReadFrame reads one framed message from the stream.
func ReadFrame(r io.Reader, limits frame.Limits) (frame.Frame, error) {
	return frame.ReadFrame(r, limits)
}

// encodeFrame validates fields against the schema and marshals one frame.
func encodeFrame(messageID uint64, messageType uint32, flags uint32, fields []tlv.Field) ([]byte, error) {
	if err := schema.Validate(messageType, fields); err != nil {
		return nil, err
	}
	return frame.Marshal(frame.Frame{
		Header: frame.Header{
			MessageID:   messageID,
			MessageType: messageType,
			Flags:       flags,
		},
		Payload: tlv.EncodeFields(fields),
	}, frame.DefaultLimits())
}

// decodeFields checks the frame type and returns schema-validated fields.
func decodeFields(f frame.Frame, messageType uint32) ([]tlv.Field, error) {
	if f.Header.MessageType != messageType {
		return nil, fmt.Errorf(
			"%w: got %s want %s",
			ErrUnexpectedMessage,
			schema.MessageName(f.Header.MessageType),
			schema.MessageName(messageType),
		)
	}
	fields, err := tlv.DecodeFields(f.Payload)
	if err != nil {
		return nil, err
	}
	if err := schema.Validate(messageType, fields); err != nil {
		return nil, err
	}
	return fields, nil
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidFrame, fmt.Sprintf(format, args...))
}

func appendOptionalString(fields []tlv.Field, id uint16, v string) []tlv.Field {
	if v = strings.TrimSpace(v); v != "" {
		fields = append(fields, tlv.String(id, v))
	}
	return fields
}

func getString(fields []tlv.Field, id uint16) string {
	f, ok := tlv.GetField(fields, id)
	if !ok {
		return ""
	}
	return string(f.Value)
}

func getBytes(fields []tlv.Field, id uint16) []byte {
	f, ok := tlv.GetField(fields, id)
	if !ok {
		return nil
	}
	return f.Value
}

func getBool(fields []tlv.Field, id uint16) (bool, error) {
	f, ok := tlv.GetField(fields, id)
	if !ok {
		return false, nil
	}
	return tlv.BoolFromBytes(f.Value)
}

func getU32(fields []tlv.Field, id uint16) (uint32, error) {
	f, ok := tlv.GetField(fields, id)
	if !ok {
		return 0, nil
	}
	return tlv.U32FromBytes(f.Value)
}

func getU64(fields []tlv.Field, id uint16) (uint64, error) {
	f, ok := tlv.GetField(fields, id)
	if !ok {
		return 0, nil
	}
	return tlv.U64FromBytes(f.Value)
}
