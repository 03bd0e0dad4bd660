package session

import (
	"strings"

	"github.com/danmuck/pipeline/internal/protocol/frame"
	"github.com/danmuck/pipeline/internal/protocol/schema"
	"github.com/danmuck/pipeline/internal/protocol/tlv"
)

// Send is the SEND payload, used both for the sender's request and for the
// copy delivered to the target.
type Send struct {
	Sender      string
	Target      string
	Payload     string
	TimestampMS uint64
}

func (s Send) Validate() error {
	if strings.TrimSpace(s.Target) == "" {
		return invalid("send missing target")
	}
	return nil
}

func EncodeSendFrame(messageID uint64, msg Send) ([]byte, error) {
	if err := msg.Validate(); err != nil {
		return nil, err
	}
	fields := []tlv.Field{
		tlv.String(schema.FieldTarget, msg.Target),
		tlv.String(schema.FieldPayload, msg.Payload),
	}
	fields = appendOptionalString(fields, schema.FieldSender, msg.Sender)
	if msg.TimestampMS != 0 {
		fields = append(fields, tlv.U64(schema.FieldTimestampMS, msg.TimestampMS))
	}
	return encodeFrame(messageID, schema.MsgSend, 0, fields)
}

// DecodeSendFrame decodes a SEND request or delivery. The payload field must
// be present even when empty.
func DecodeSendFrame(f frame.Frame) (Send, error) {
	fields, err := decodeFields(f, schema.MsgSend)
	if err != nil {
		return Send{}, err
	}
	if _, ok := tlv.GetField(fields, schema.FieldPayload); !ok {
		return Send{}, invalid("send missing payload")
	}
	ts, err := getU64(fields, schema.FieldTimestampMS)
	if err != nil {
		return Send{}, err
	}
	msg := Send{
		Sender:      getString(fields, schema.FieldSender),
		Target:      getString(fields, schema.FieldTarget),
		Payload:     getString(fields, schema.FieldPayload),
		TimestampMS: ts,
	}
	if err := msg.Validate(); err != nil {
		return Send{}, err
	}
	return msg, nil
}

// EncodeSendAckFrame confirms the message was handed to the target's outbox.
func EncodeSendAckFrame(messageID uint64, target string) ([]byte, error) {
	return encodeFrame(messageID, schema.MsgSend, frame.FlagIsResponse, []tlv.Field{
		tlv.String(schema.FieldTarget, target),
	})
}

func DecodeSendAckFrame(f frame.Frame) (string, error) {
	fields, err := decodeFields(f, schema.MsgSend)
	if err != nil {
		return "", err
	}
	return getString(fields, schema.FieldTarget), nil
}
