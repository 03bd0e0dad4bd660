package session

import (
	"strings"

	"github.com/danmuck/pipeline/internal/protocol/frame"
	"github.com/danmuck/pipeline/internal/protocol/schema"
	"github.com/danmuck/pipeline/internal/protocol/tlv"
)

// Exec is the EXEC payload. RequestID is empty on the requester's frame and
// filled by the broker on the ack and on the target notice.
type Exec struct {
	RequestID     string
	Sender        string
	Target        string
	Command       string
	WantsCallback bool
}

func (e Exec) Validate() error {
	if strings.TrimSpace(e.Target) == "" {
		return invalid("exec missing target")
	}
	if strings.TrimSpace(e.Command) == "" {
		return invalid("exec missing command")
	}
	return nil
}

// ExecResult is the EXEC_RESULT payload delivered to a requester that asked
// for a callback.
type ExecResult struct {
	RequestID   string
	ExitCode    int32
	Stdout      []byte
	Stderr      []byte
	Failed      bool
	Detail      string
	TimestampMS uint64
}

func (r ExecResult) Validate() error {
	if strings.TrimSpace(r.RequestID) == "" {
		return invalid("exec_result missing request_id")
	}
	return nil
}

func EncodeExecFrame(messageID uint64, cmd Exec) ([]byte, error) {
	return encodeExec(messageID, 0, cmd)
}

// EncodeExecAckFrame accepts an EXEC and hands the requester its request id.
func EncodeExecAckFrame(messageID uint64, cmd Exec) ([]byte, error) {
	if strings.TrimSpace(cmd.RequestID) == "" {
		return nil, invalid("exec ack missing request_id")
	}
	return encodeExec(messageID, frame.FlagIsResponse, cmd)
}

func encodeExec(messageID uint64, flags uint32, cmd Exec) ([]byte, error) {
	if err := cmd.Validate(); err != nil {
		return nil, err
	}
	fields := []tlv.Field{
		tlv.String(schema.FieldTarget, cmd.Target),
		tlv.String(schema.FieldCommand, cmd.Command),
		tlv.Bool(schema.FieldWantsCallback, cmd.WantsCallback),
	}
	fields = appendOptionalString(fields, schema.FieldRequestID, cmd.RequestID)
	fields = appendOptionalString(fields, schema.FieldSender, cmd.Sender)
	return encodeFrame(messageID, schema.MsgExec, flags, fields)
}

func DecodeExecFrame(f frame.Frame) (Exec, error) {
	fields, err := decodeFields(f, schema.MsgExec)
	if err != nil {
		return Exec{}, err
	}
	wants, err := getBool(fields, schema.FieldWantsCallback)
	if err != nil {
		return Exec{}, err
	}
	cmd := Exec{
		RequestID:     getString(fields, schema.FieldRequestID),
		Sender:        getString(fields, schema.FieldSender),
		Target:        getString(fields, schema.FieldTarget),
		Command:       getString(fields, schema.FieldCommand),
		WantsCallback: wants,
	}
	if err := cmd.Validate(); err != nil {
		return Exec{}, err
	}
	return cmd, nil
}

func EncodeExecResultFrame(messageID uint64, res ExecResult) ([]byte, error) {
	return encodeExecResult(messageID, schema.MsgExecResult, res)
}

// EncodeExecOutputFrame shows a finished command to the terminal that ran it.
// It carries the same fields as EXEC_RESULT.
func EncodeExecOutputFrame(messageID uint64, res ExecResult) ([]byte, error) {
	return encodeExecResult(messageID, schema.MsgExecOutput, res)
}

func encodeExecResult(messageID uint64, messageType uint32, res ExecResult) ([]byte, error) {
	if err := res.Validate(); err != nil {
		return nil, err
	}
	fields := []tlv.Field{
		tlv.String(schema.FieldRequestID, res.RequestID),
		tlv.U32(schema.FieldExitCode, uint32(res.ExitCode)),
		tlv.Bytes(schema.FieldStdout, res.Stdout),
		tlv.Bytes(schema.FieldStderr, res.Stderr),
		tlv.Bool(schema.FieldFailed, res.Failed),
	}
	fields = appendOptionalString(fields, schema.FieldDetail, res.Detail)
	if res.TimestampMS != 0 {
		fields = append(fields, tlv.U64(schema.FieldTimestampMS, res.TimestampMS))
	}
	return encodeFrame(messageID, messageType, 0, fields)
}

func DecodeExecResultFrame(f frame.Frame) (ExecResult, error) {
	return decodeExecResult(f, schema.MsgExecResult)
}

func DecodeExecOutputFrame(f frame.Frame) (ExecResult, error) {
	return decodeExecResult(f, schema.MsgExecOutput)
}

func decodeExecResult(f frame.Frame, messageType uint32) (ExecResult, error) {
	fields, err := decodeFields(f, messageType)
	if err != nil {
		return ExecResult{}, err
	}
	code, err := getU32(fields, schema.FieldExitCode)
	if err != nil {
		return ExecResult{}, err
	}
	failed, err := getBool(fields, schema.FieldFailed)
	if err != nil {
		return ExecResult{}, err
	}
	ts, err := getU64(fields, schema.FieldTimestampMS)
	if err != nil {
		return ExecResult{}, err
	}
	res := ExecResult{
		RequestID:   getString(fields, schema.FieldRequestID),
		ExitCode:    int32(code),
		Stdout:      getBytes(fields, schema.FieldStdout),
		Stderr:      getBytes(fields, schema.FieldStderr),
		Failed:      failed,
		Detail:      getString(fields, schema.FieldDetail),
		TimestampMS: ts,
	}
	if err := res.Validate(); err != nil {
		return ExecResult{}, err
	}
	return res, nil
}
