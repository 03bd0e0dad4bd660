package session

import (
	"sort"
	"strings"

	"github.com/danmuck/pipeline/internal/protocol/frame"
	"github.com/danmuck/pipeline/internal/protocol/schema"
	"github.com/danmuck/pipeline/internal/protocol/tlv"
)

func EncodeListFrame(messageID uint64) ([]byte, error) {
	return encodeFrame(messageID, schema.MsgList, 0, nil)
}

// EncodeListResponseFrame carries one name field per registered terminal,
// sorted lexically.
func EncodeListResponseFrame(messageID uint64, names []string) ([]byte, error) {
	sorted := append([]string(nil), names...)
	sort.Strings(sorted)
	fields := make([]tlv.Field, 0, len(sorted))
	for _, name := range sorted {
		fields = append(fields, tlv.String(schema.FieldName, name))
	}
	return encodeFrame(messageID, schema.MsgList, frame.FlagIsResponse, fields)
}

func DecodeListFrame(f frame.Frame) ([]string, error) {
	fields, err := decodeFields(f, schema.MsgList)
	if err != nil {
		return nil, err
	}
	matches := tlv.GetFields(fields, schema.FieldName)
	names := make([]string, 0, len(matches))
	for _, m := range matches {
		names = append(names, string(m.Value))
	}
	return names, nil
}

// ErrorReply is the ERROR payload sent in place of a normal response.
type ErrorReply struct {
	Code   string
	Detail string
}

func (e ErrorReply) Validate() error {
	if strings.TrimSpace(e.Code) == "" {
		return invalid("error missing code")
	}
	return nil
}

// EncodeErrorFrame answers messageID with an error. A zero messageID marks an
// unsolicited error, such as one sent right before the broker drops a stream.
func EncodeErrorFrame(messageID uint64, e ErrorReply) ([]byte, error) {
	if err := e.Validate(); err != nil {
		return nil, err
	}
	return encodeFrame(messageID, schema.MsgError, frame.FlagIsResponse|frame.FlagIsError, []tlv.Field{
		tlv.String(schema.FieldCode, e.Code),
		tlv.String(schema.FieldDetail, e.Detail),
	})
}

func DecodeErrorFrame(f frame.Frame) (ErrorReply, error) {
	fields, err := decodeFields(f, schema.MsgError)
	if err != nil {
		return ErrorReply{}, err
	}
	e := ErrorReply{
		Code:   getString(fields, schema.FieldCode),
		Detail: getString(fields, schema.FieldDetail),
	}
	if err := e.Validate(); err != nil {
		return ErrorReply{}, err
	}
	return e, nil
}
