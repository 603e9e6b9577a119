package schema

import (
	"fmt"

	logs "github.com/danmuck/lattice/internal/logging"
	"github.com/danmuck/lattice/internal/protocol/tlv"
)

// Message type IDs carried in frame.Header.MessageType.
const (
	MsgInvocation       uint32 = 1
	MsgResponse         uint32 = 2
	MsgHeartbeat        uint32 = 3
	MsgEvent            uint32 = 4
	MsgInventoryRequest uint32 = 5
	MsgInventory        uint32 = 6
	MsgHealthProbe      uint32 = 7
	MsgHealthReply      uint32 = 8
	MsgCommand          uint32 = 9
	MsgCommandAck       uint32 = 10

	// Nested records; never framed on their own.
	MsgLinkRecord     uint32 = 100
	MsgActorRecord    uint32 = 101
	MsgProviderRecord uint32 = 102
)

// Field IDs, grouped by the record that introduces them.
const (
	FieldCorrelationID uint16 = 1
	FieldTimestampMS   uint16 = 2

	FieldOrigin       uint16 = 100
	FieldTarget       uint16 = 101
	FieldContract     uint16 = 102
	FieldOperation    uint16 = 103
	FieldPayload      uint16 = 104
	FieldLinkName     uint16 = 105
	FieldTraceContext uint16 = 106
	FieldOriginHost   uint16 = 107

	FieldLatticeID   uint16 = 200
	FieldHostID      uint16 = 201
	FieldEpoch       uint16 = 202
	FieldSeq         uint16 = 203
	FieldHeartbeatMS uint16 = 204
	FieldLabels      uint16 = 205
	FieldActor       uint16 = 210
	FieldProvider    uint16 = 211
	FieldLink        uint16 = 212

	FieldEventID    uint16 = 300
	FieldEventKind  uint16 = 301
	FieldActorID    uint16 = 302
	FieldCount      uint16 = 303
	FieldProviderID uint16 = 304
	FieldHealthy    uint16 = 305
	FieldState      uint16 = 306

	FieldErrorMessage uint16 = 400
	FieldErrorCode    uint16 = 401

	FieldSource     uint16 = 500
	FieldConfig     uint16 = 501
	FieldGeneration uint16 = 502

	FieldCommandID   uint16 = 600
	FieldCommandKind uint16 = 601
	FieldRef         uint16 = 602
	FieldAccepted    uint16 = 603
	FieldMessage     uint16 = 604
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
		return fmt.Sprintf("schema: message_type=%d: %s", e.MessageType, e.Reason)
	}
	return fmt.Sprintf("schema: message_type=%d field=%d: %s", e.MessageType, e.FieldID, e.Reason)
}

var requirements = map[uint32][]Requirement{
	MsgInvocation: {
		{FieldCorrelationID, tlv.TypeString},
		{FieldOrigin, tlv.TypeString},
		{FieldTarget, tlv.TypeString},
		{FieldContract, tlv.TypeString},
		{FieldOperation, tlv.TypeString},
		{FieldPayload, tlv.TypeBytes},
	},
	MsgResponse: {
		{FieldCorrelationID, tlv.TypeString},
		{FieldPayload, tlv.TypeBytes},
	},
	MsgHeartbeat: {
		{FieldLatticeID, tlv.TypeString},
		{FieldHostID, tlv.TypeString},
		{FieldEpoch, tlv.TypeU64},
		{FieldSeq, tlv.TypeU64},
		{FieldHeartbeatMS, tlv.TypeU64},
		{FieldTimestampMS, tlv.TypeU64},
	},
	MsgEvent: {
		{FieldEventID, tlv.TypeString},
		{FieldEventKind, tlv.TypeString},
		{FieldLatticeID, tlv.TypeString},
		{FieldHostID, tlv.TypeString},
		{FieldEpoch, tlv.TypeU64},
		{FieldSeq, tlv.TypeU64},
		{FieldTimestampMS, tlv.TypeU64},
	},
	MsgInventoryRequest: {},
	MsgInventory: {
		{FieldLatticeID, tlv.TypeString},
		{FieldHostID, tlv.TypeString},
		{FieldEpoch, tlv.TypeU64},
		{FieldTimestampMS, tlv.TypeU64},
	},
	MsgHealthProbe: {
		{FieldProviderID, tlv.TypeString},
		{FieldLinkName, tlv.TypeString},
	},
	MsgHealthReply: {
		{FieldHealthy, tlv.TypeBool},
	},
	MsgCommand: {
		{FieldCommandID, tlv.TypeString},
		{FieldCommandKind, tlv.TypeString},
	},
	MsgCommandAck: {
		{FieldCommandID, tlv.TypeString},
		{FieldAccepted, tlv.TypeBool},
	},
	MsgLinkRecord: {
		{FieldSource, tlv.TypeString},
		{FieldTarget, tlv.TypeString},
		{FieldContract, tlv.TypeString},
		{FieldLinkName, tlv.TypeString},
	},
	MsgActorRecord: {
		{FieldActorID, tlv.TypeString},
		{FieldCount, tlv.TypeU32},
	},
	MsgProviderRecord: {
		{FieldProviderID, tlv.TypeString},
		{FieldLinkName, tlv.TypeString},
		{FieldState, tlv.TypeString},
	},
}

// Validate enforces required fields and required field types for a message type.
// Unknown fields are ignored so peers can add fields without breaking older readers.
func Validate(messageType uint32, fields []tlv.Field) error {
	logs.Tracef("schema.Validate message_type=%d fields=%d", messageType, len(fields))
	reqs, ok := requirements[messageType]
	if !ok {
		logs.Errf("schema.Validate unknown message_type=%d", messageType)
		return ValidationError{MessageType: messageType, Reason: "unknown message_type"}
	}
	for _, req := range reqs {
		f, found := tlv.GetField(fields, req.ID)
		if !found {
			logs.Debugf(
				"schema.Validate missing field message_type=%d field_id=%d",
				messageType,
				req.ID,
			)
			return ValidationError{MessageType: messageType, FieldID: req.ID, Reason: "missing required field"}
		}
		if f.Type != req.Type {
			logs.Debugf(
				"schema.Validate type mismatch message_type=%d field_id=%d got=%d want=%d",
				messageType,
				req.ID,
				f.Type,
				req.Type,
			)
			return ValidationError{MessageType: messageType, FieldID: req.ID, Reason: "type mismatch"}
		}
	}
	return nil
}
