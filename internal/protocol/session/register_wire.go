package session

import (
	"strings"

	"github.com/danmuck/pipeline/internal/protocol/frame"
	"github.com/danmuck/pipeline/internal/protocol/schema"
	"github.com/danmuck/pipeline/internal/protocol/tlv"
)

// Register is the terminal->broker REGISTER payload.
type Register struct {
	Name    string
	WorkDir string
	PID     uint32
}

func (r Register) Validate() error {
	if strings.TrimSpace(r.Name) == "" {
		return invalid("register missing name")
	}
	return nil
}

func EncodeRegisterFrame(messageID uint64, reg Register) ([]byte, error) {
	if err := reg.Validate(); err != nil {
		return nil, err
	}
	fields := []tlv.Field{tlv.String(schema.FieldName, reg.Name)}
	fields = appendOptionalString(fields, schema.FieldWorkDir, reg.WorkDir)
	if reg.PID != 0 {
		fields = append(fields, tlv.U32(schema.FieldPID, reg.PID))
	}
	return encodeFrame(messageID, schema.MsgRegister, 0, fields)
}

func DecodeRegisterFrame(f frame.Frame) (Register, error) {
	fields, err := decodeFields(f, schema.MsgRegister)
	if err != nil {
		return Register{}, err
	}
	pid, err := getU32(fields, schema.FieldPID)
	if err != nil {
		return Register{}, err
	}
	reg := Register{
		Name:    getString(fields, schema.FieldName),
		WorkDir: getString(fields, schema.FieldWorkDir),
		PID:     pid,
	}
	if err := reg.Validate(); err != nil {
		return Register{}, err
	}
	return reg, nil
}

// EncodeRegisterAckFrame acknowledges a successful REGISTER.
func EncodeRegisterAckFrame(messageID uint64, name string) ([]byte, error) {
	return encodeFrame(messageID, schema.MsgRegister, frame.FlagIsResponse, []tlv.Field{
		tlv.String(schema.FieldName, name),
	})
}

func EncodeUnregisterFrame(messageID uint64) ([]byte, error) {
	return encodeFrame(messageID, schema.MsgUnregister, 0, nil)
}

// EncodeUnregisterAckFrame acknowledges UNREGISTER; name is empty when the
// session held no registration.
func EncodeUnregisterAckFrame(messageID uint64, name string) ([]byte, error) {
	fields := appendOptionalString(nil, schema.FieldName, name)
	return encodeFrame(messageID, schema.MsgUnregister, frame.FlagIsResponse, fields)
}

func DecodeUnregisterFrame(f frame.Frame) (string, error) {
	fields, err := decodeFields(f, schema.MsgUnregister)
	if err != nil {
		return "", err
	}
	return getString(fields, schema.FieldName), nil
}
