package schema

import (
	"fmt"

	"github.com/danmuck/decexec/internal/protocol/tlv"
	"github.com/rs/zerolog/log"
)

// Message type IDs carried in the frame header.
const (
	MsgExec       uint32 = 1
	MsgExecResult uint32 = 2
	MsgError      uint32 = 3
)

// Field IDs for exec request payloads.
const (
	FieldAppName       uint16 = 1
	FieldAppUID        uint16 = 2
	FieldCorrelationHi uint16 = 3
	FieldCorrelationLo uint16 = 4
	FieldClientID      uint16 = 5
	FieldFuncName      uint16 = 6
	FieldInFiles       uint16 = 7
	FieldOutFiles      uint16 = 8
	FieldArgs          uint16 = 9
)

// Field IDs for executor replies.
const (
	FieldNodeID   uint16 = 100
	FieldStatus   uint16 = 101
	FieldExitCode uint16 = 102
	FieldStdout   uint16 = 103
	FieldStderr   uint16 = 104

	FieldErrorCode    uint16 = 200
	FieldErrorMessage uint16 = 201
)

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
		return fmt.Sprintf("schema: message_type=%s: %s", MessageName(e.MessageType), e.Reason)
	}
	return fmt.Sprintf("schema: message_type=%s field=%d: %s", MessageName(e.MessageType), e.FieldID, e.Reason)
}

var requirements = map[uint32][]Requirement{
	MsgExec: {
		{FieldAppName, tlv.TypeString},
		{FieldAppUID, tlv.TypeU64},
		{FieldCorrelationHi, tlv.TypeU64},
		{FieldCorrelationLo, tlv.TypeU64},
		{FieldClientID, tlv.TypeString},
		{FieldFuncName, tlv.TypeString},
		{FieldInFiles, tlv.TypeStringList},
		{FieldOutFiles, tlv.TypeStringList},
		{FieldArgs, tlv.TypeStringList},
	},
	MsgExecResult: {
		{FieldCorrelationHi, tlv.TypeU64},
		{FieldCorrelationLo, tlv.TypeU64},
		{FieldNodeID, tlv.TypeString},
		{FieldStatus, tlv.TypeString},
		{FieldExitCode, tlv.TypeU32},
	},
	MsgError: {
		{FieldCorrelationHi, tlv.TypeU64},
		{FieldCorrelationLo, tlv.TypeU64},
		{FieldErrorCode, tlv.TypeU32},
		{FieldErrorMessage, tlv.TypeString},
	},
}

// MessageName returns the contract name of a message type for logs and errors.
func MessageName(messageType uint32) string {
	switch messageType {
	case MsgExec:
		return "exec"
	case MsgExecResult:
		return "exec.result"
	case MsgError:
		return "error"
	default:
		return fmt.Sprintf("unknown(%d)", messageType)
	}
}

// Validate enforces required fields and required field types for a message type.
// Unknown fields are ignored.
func Validate(messageType uint32, fields []tlv.Field) error {
	reqs, ok := requirements[messageType]
	if !ok {
		log.Error().Uint32("message_type", messageType).Msg("schema: unknown message type")
		return ValidationError{MessageType: messageType, Reason: "unknown message_type"}
	}
	for _, req := range reqs {
		f, found := tlv.GetField(fields, req.ID)
		if !found {
			log.Debug().
				Str("message", MessageName(messageType)).
				Uint16("field_id", req.ID).
				Msg("schema: missing required field")
			return ValidationError{MessageType: messageType, FieldID: req.ID, Reason: "missing required field"}
		}
		if f.Type != req.Type {
			log.Debug().
				Str("message", MessageName(messageType)).
				Uint16("field_id", req.ID).
				Uint8("got", f.Type).
				Uint8("want", req.Type).
				Msg("schema: field type mismatch")
			return ValidationError{MessageType: messageType, FieldID: req.ID, Reason: "type mismatch"}
		}
	}
	return nil
}
