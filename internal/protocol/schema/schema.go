package schema

import (
	"fmt"

	"github.com/danmuck/pipeline/internal/protocol/tlv"
	"github.com/rs/zerolog/log"
)

// Message type IDs.
const (
	MsgRegister   uint32 = 1
	MsgSend       uint32 = 2
	MsgExec       uint32 = 3
	MsgExecResult uint32 = 4
	MsgList       uint32 = 5
	MsgError      uint32 = 6
	MsgUnregister uint32 = 7
	MsgExecOutput uint32 = 8
)

// Field IDs.
const (
	FieldName          uint16 = 1
	FieldSender        uint16 = 2
	FieldTarget        uint16 = 3
	FieldPayload       uint16 = 4
	FieldRequestID     uint16 = 5
	FieldCommand       uint16 = 6
	FieldWantsCallback uint16 = 7
	FieldExitCode      uint16 = 8
	FieldStdout        uint16 = 9
	FieldStderr        uint16 = 10
	FieldFailed        uint16 = 11
	FieldCode          uint16 = 12
	FieldDetail        uint16 = 13
	FieldWorkDir       uint16 = 14
	FieldPID           uint16 = 15
	FieldTimestampMS   uint16 = 16
)

// MessageName returns the wire name used in logs and metrics labels.
func MessageName(messageType uint32) string {
	switch messageType {
	case MsgRegister:
		return "REGISTER"
	case MsgSend:
		return "SEND"
	case MsgExec:
		return "EXEC"
	case MsgExecResult:
		return "EXEC_RESULT"
	case MsgList:
		return "LIST"
	case MsgError:
		return "ERROR"
	case MsgUnregister:
		return "UNREGISTER"
	case MsgExecOutput:
		return "EXEC_OUTPUT"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", messageType)
	}
}

type Requirement struct {
	ID   uint16
	Type uint8
}

type ValidationError struct {
	MessageType uint32
	FieldID     uint16
	Reason      string
}

func (e ValidationError) Error() string {
	if e.FieldID == 0 {
		return fmt.Sprintf("schema: message_type=%d: %s", e.MessageType, e.Reason)
	}
	return fmt.Sprintf("schema: message_type=%d field=%d: %s", e.MessageType, e.FieldID, e.Reason)
}

// requirements lists the fields every frame of a type carries in both
// directions. Direction-specific fields are checked by the wire codecs.
var requirements = map[uint32][]Requirement{
	MsgRegister: {
		{FieldName, tlv.TypeString},
	},
	MsgSend: {
		{FieldTarget, tlv.TypeString},
	},
	MsgExec: {
		{FieldTarget, tlv.TypeString},
		{FieldCommand, tlv.TypeString},
	},
	MsgExecResult: {
		{FieldRequestID, tlv.TypeString},
		{FieldExitCode, tlv.TypeU32},
		{FieldStdout, tlv.TypeBytes},
		{FieldStderr, tlv.TypeBytes},
	},
	MsgExecOutput: {
		{FieldRequestID, tlv.TypeString},
		{FieldExitCode, tlv.TypeU32},
		{FieldStdout, tlv.TypeBytes},
		{FieldStderr, tlv.TypeBytes},
	},
	MsgList:       {},
	MsgUnregister: {},
	MsgError: {
		{FieldCode, tlv.TypeString},
		{FieldDetail, tlv.TypeString},
	},
}

// optional types are enforced whenever the field is present.
var optional = map[uint16]uint8{
	FieldName:          tlv.TypeString,
	FieldSender:        tlv.TypeString,
	FieldPayload:       tlv.TypeString,
	FieldRequestID:     tlv.TypeString,
	FieldWantsCallback: tlv.TypeBool,
	FieldFailed:        tlv.TypeBool,
	FieldWorkDir:       tlv.TypeString,
	FieldPID:           tlv.TypeU32,
	FieldTimestampMS:   tlv.TypeU64,
}

// Validate enforces required fields and field types for a message type.
// Unknown fields are ignored.
func Validate(messageType uint32, fields []tlv.Field) error {
	log.Trace().Uint32("message_type", messageType).Int("fields", len(fields)).Msg("schema.Validate")
	reqs, ok := requirements[messageType]
	if !ok {
		log.Debug().Uint32("message_type", messageType).Msg("schema.Validate unknown message_type")
		return ValidationError{MessageType: messageType, Reason: "unknown message_type"}
	}
	for _, req := range reqs {
		f, found := tlv.GetField(fields, req.ID)
		if !found {
			log.Debug().
				Uint32("message_type", messageType).
				Uint16("field_id", req.ID).
				Msg("schema.Validate missing field")
			return ValidationError{MessageType: messageType, FieldID: req.ID, Reason: "missing required field"}
		}
		if f.Type != req.Type {
			log.Debug().
				Uint32("message_type", messageType).
				Uint16("field_id", req.ID).
				Uint8("got", f.Type).
				Uint8("want", req.Type).
				Msg("schema.Validate type mismatch")
			return ValidationError{MessageType: messageType, FieldID: req.ID, Reason: "type mismatch"}
		}
	}
	for _, f := range fields {
		want, known := optional[f.ID]
		if known && f.Type != want {
			return ValidationError{MessageType: messageType, FieldID: f.ID, Reason: "type mismatch"}
		}
	}
	return nil
}
