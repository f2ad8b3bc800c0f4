package session

import (
	"errors"
	"fmt"
	"strings"

	"github.com/danmuck/decexec/internal/correlation"
	"github.com/danmuck/decexec/internal/protocol/frame"
	"github.com/danmuck/decexec/internal/protocol/schema"
	"github.com/danmuck/decexec/internal/protocol/tlv"
)

// Remote error codes carried in error frames.
const (
	CodeBadRequest   uint32 = 400
	CodeUnauthorized uint32 = 401
	CodeUnknownApp   uint32 = 404
	CodeRateLimited  uint32 = 429
	CodeAppFailure   uint32 = 500
)

const (
	StatusOK     = "ok"
	StatusFailed = "failed"
)

var (
	ErrInvalidExec       = errors.New("session: invalid exec request")
	ErrInvalidExecResult = errors.New("session: invalid exec result")
	ErrUnexpectedMessage = errors.New("session: unexpected message type")
)

// ExecRequest is the wire shape of one per-node Exec call.
type ExecRequest struct {
	AppName     string
	AppUID      uint64
	Correlation correlation.ID
	ClientID    string
	FuncName    string
	InFiles     []string
	OutFiles    []string
	Args        []string
}

func (r ExecRequest) Validate() error {
	if strings.TrimSpace(r.AppName) == "" {
		return fmt.Errorf("%w: missing app_name", ErrInvalidExec)
	}
	if strings.TrimSpace(r.FuncName) == "" {
		return fmt.Errorf("%w: missing func_name", ErrInvalidExec)
	}
	if r.Correlation.IsZero() {
		return fmt.Errorf("%w: missing correlation_id", ErrInvalidExec)
	}
	return nil
}

// ExecResult is one node's reply to an Exec call.
type ExecResult struct {
	NodeID      string         `json:"node_id"`
	Correlation correlation.ID `json:"correlation_id"`
	Status      string         `json:"status"`
	ExitCode    uint32         `json:"exit_code"`
	Stdout      string         `json:"stdout,omitempty"`
	Stderr      string         `json:"stderr,omitempty"`
}

func (r ExecResult) Validate() error {
	if strings.TrimSpace(r.NodeID) == "" {
		return fmt.Errorf("%w: missing node_id", ErrInvalidExecResult)
	}
	if strings.TrimSpace(r.Status) == "" {
		return fmt.Errorf("%w: missing status", ErrInvalidExecResult)
	}
	if r.Correlation.IsZero() {
		return fmt.Errorf("%w: missing correlation_id", ErrInvalidExecResult)
	}
	return nil
}

// RemoteError is an executor-side rejection delivered as an error frame.
type RemoteError struct {
	Correlation correlation.ID
	Code        uint32
	Message     string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("session: remote error code=%d: %s", e.Code, e.Message)
}

func EncodeExecFrame(messageID uint64, req ExecRequest) ([]byte, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	hi, lo := correlation.Split(req.Correlation)
	fields := []tlv.Field{
		tlv.String(schema.FieldAppName, req.AppName),
		tlv.U64(schema.FieldAppUID, req.AppUID),
		tlv.U64(schema.FieldCorrelationHi, hi),
		tlv.U64(schema.FieldCorrelationLo, lo),
		tlv.String(schema.FieldClientID, req.ClientID),
		tlv.String(schema.FieldFuncName, req.FuncName),
		tlv.StringList(schema.FieldInFiles, req.InFiles),
		tlv.StringList(schema.FieldOutFiles, req.OutFiles),
		tlv.StringList(schema.FieldArgs, req.Args),
	}
	if err := schema.Validate(schema.MsgExec, fields); err != nil {
		return nil, err
	}
	return frame.Marshal(messageID, schema.MsgExec, 0, tlv.EncodeFields(fields))
}

func DecodeExecFrame(f frame.Frame) (ExecRequest, error) {
	if f.Header.MessageType != schema.MsgExec {
		return ExecRequest{}, fmt.Errorf("%w: %s", ErrUnexpectedMessage, schema.MessageName(f.Header.MessageType))
	}
	fields, err := tlv.DecodeFields(f.Payload)
	if err != nil {
		return ExecRequest{}, err
	}
	if err := schema.Validate(schema.MsgExec, fields); err != nil {
		return ExecRequest{}, err
	}
	d := fieldDecoder{fields: fields}
	req := ExecRequest{
		AppName:     d.str(schema.FieldAppName),
		AppUID:      d.u64(schema.FieldAppUID),
		Correlation: d.correlation(),
		ClientID:    d.str(schema.FieldClientID),
		FuncName:    d.str(schema.FieldFuncName),
		InFiles:     d.list(schema.FieldInFiles),
		OutFiles:    d.list(schema.FieldOutFiles),
		Args:        d.list(schema.FieldArgs),
	}
	if d.err != nil {
		return ExecRequest{}, d.err
	}
	if err := req.Validate(); err != nil {
		return ExecRequest{}, err
	}
	return req, nil
}

func EncodeExecResultFrame(messageID uint64, res ExecResult) ([]byte, error) {
	if err := res.Validate(); err != nil {
		return nil, err
	}
	hi, lo := correlation.Split(res.Correlation)
	fields := []tlv.Field{
		tlv.U64(schema.FieldCorrelationHi, hi),
		tlv.U64(schema.FieldCorrelationLo, lo),
		tlv.String(schema.FieldNodeID, res.NodeID),
		tlv.String(schema.FieldStatus, res.Status),
		tlv.U32(schema.FieldExitCode, res.ExitCode),
	}
	if res.Stdout != "" {
		fields = append(fields, tlv.Bytes(schema.FieldStdout, []byte(res.Stdout)))
	}
	if res.Stderr != "" {
		fields = append(fields, tlv.Bytes(schema.FieldStderr, []byte(res.Stderr)))
	}
	if err := schema.Validate(schema.MsgExecResult, fields); err != nil {
		return nil, err
	}
	return frame.Marshal(messageID, schema.MsgExecResult, frame.FlagIsResponse, tlv.EncodeFields(fields))
}

func EncodeErrorFrame(messageID uint64, rerr RemoteError) ([]byte, error) {
	hi, lo := correlation.Split(rerr.Correlation)
	fields := []tlv.Field{
		tlv.U64(schema.FieldCorrelationHi, hi),
		tlv.U64(schema.FieldCorrelationLo, lo),
		tlv.U32(schema.FieldErrorCode, rerr.Code),
		tlv.String(schema.FieldErrorMessage, rerr.Message),
	}
	if err := schema.Validate(schema.MsgError, fields); err != nil {
		return nil, err
	}
	return frame.Marshal(messageID, schema.MsgError, frame.FlagIsResponse|frame.FlagIsError, tlv.EncodeFields(fields))
}

// DecodeReply decodes an executor reply frame. An error frame is returned as
// a *RemoteError; any other non-result frame is ErrUnexpectedMessage.
func DecodeReply(f frame.Frame) (ExecResult, error) {
	switch f.Header.MessageType {
	case schema.MsgExecResult:
		return decodeExecResult(f)
	case schema.MsgError:
		rerr, err := decodeRemoteError(f)
		if err != nil {
			return ExecResult{}, err
		}
		return ExecResult{}, rerr
	default:
		return ExecResult{}, fmt.Errorf("%w: %s", ErrUnexpectedMessage, schema.MessageName(f.Header.MessageType))
	}
}

func decodeExecResult(f frame.Frame) (ExecResult, error) {
	fields, err := tlv.DecodeFields(f.Payload)
	if err != nil {
		return ExecResult{}, err
	}
	if err := schema.Validate(schema.MsgExecResult, fields); err != nil {
		return ExecResult{}, err
	}
	d := fieldDecoder{fields: fields}
	res := ExecResult{
		NodeID:      d.str(schema.FieldNodeID),
		Correlation: d.correlation(),
		Status:      d.str(schema.FieldStatus),
		ExitCode:    d.u32(schema.FieldExitCode),
		Stdout:      d.optionalBytes(schema.FieldStdout),
		Stderr:      d.optionalBytes(schema.FieldStderr),
	}
	if d.err != nil {
		return ExecResult{}, d.err
	}
	if err := res.Validate(); err != nil {
		return ExecResult{}, err
	}
	return res, nil
}

func decodeRemoteError(f frame.Frame) (*RemoteError, error) {
	fields, err := tlv.DecodeFields(f.Payload)
	if err != nil {
		return nil, err
	}
	if err := schema.Validate(schema.MsgError, fields); err != nil {
		return nil, err
	}
	d := fieldDecoder{fields: fields}
	rerr := &RemoteError{
		Correlation: d.correlation(),
		Code:        d.u32(schema.FieldErrorCode),
		Message:     d.str(schema.FieldErrorMessage),
	}
	if d.err != nil {
		return nil, d.err
	}
	return rerr, nil
}

// fieldDecoder reads schema-validated fields and keeps the first error.
type fieldDecoder struct {
	fields []tlv.Field
	err    error
}

func (d *fieldDecoder) field(id uint16) (tlv.Field, bool) {
	if d.err != nil {
		return tlv.Field{}, false
	}
	return tlv.GetField(d.fields, id)
}

func (d *fieldDecoder) str(id uint16) string {
	f, ok := d.field(id)
	if !ok {
		return ""
	}
	v, err := f.AsString()
	d.err = err
	return v
}

func (d *fieldDecoder) u32(id uint16) uint32 {
	f, ok := d.field(id)
	if !ok {
		return 0
	}
	v, err := f.AsU32()
	d.err = err
	return v
}

func (d *fieldDecoder) u64(id uint16) uint64 {
	f, ok := d.field(id)
	if !ok {
		return 0
	}
	v, err := f.AsU64()
	d.err = err
	return v
}

func (d *fieldDecoder) list(id uint16) []string {
	f, ok := d.field(id)
	if !ok {
		return nil
	}
	v, err := f.AsStringList()
	d.err = err
	return v
}

func (d *fieldDecoder) optionalBytes(id uint16) string {
	f, ok := d.field(id)
	if !ok {
		return ""
	}
	v, err := f.AsBytes()
	d.err = err
	return string(v)
}

func (d *fieldDecoder) correlation() correlation.ID {
	hi := d.u64(schema.FieldCorrelationHi)
	lo := d.u64(schema.FieldCorrelationLo)
	return correlation.Join(hi, lo)
}
