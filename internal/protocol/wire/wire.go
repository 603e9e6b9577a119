package wire

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/danmuck/lattice/internal/protocol/frame"
	"github.com/danmuck/lattice/internal/protocol/schema"
	"github.com/danmuck/lattice/internal/protocol/tlv"
)

var (
	ErrInvalidMessage = errors.New("wire: invalid message")
	ErrUnexpectedType = errors.New("wire: unexpected message type")
)

var messageSeq atomic.Uint64

// NextMessageID returns a process-unique frame message id.
func NextMessageID() uint64 {
	return messageSeq.Add(1)
}

// Open unmarshals a bus message body and checks its message type.
func Open(body []byte, want uint32) (frame.Frame, error) {
	f, err := frame.Unmarshal(body)
	if err != nil {
		return frame.Frame{}, err
	}
	if f.Header.MessageType != want {
		return frame.Frame{}, fmt.Errorf("%w: got %d want %d", ErrUnexpectedType, f.Header.MessageType, want)
	}
	return f, nil
}

func seal(messageType uint32, flags uint32, auth []byte, fields []tlv.Field) ([]byte, error) {
	if err := schema.Validate(messageType, fields); err != nil {
		return nil, err
	}
	return frame.Marshal(frame.Frame{
		Header: frame.Header{
			MessageID:   NextMessageID(),
			MessageType: messageType,
			Flags:       flags,
		},
		Auth:    auth,
		Payload: tlv.EncodeFields(fields),
	})
}

func fieldsOf(f frame.Frame, messageType uint32) ([]tlv.Field, error) {
	if f.Header.MessageType != messageType {
		return nil, fmt.Errorf("%w: got %d want %d", ErrUnexpectedType, f.Header.MessageType, messageType)
	}
	return nested(f.Payload, messageType)
}

func nested(b []byte, messageType uint32) ([]tlv.Field, error) {
	fields, err := tlv.DecodeFields(b)
	if err != nil {
		return nil, err
	}
	if err := schema.Validate(messageType, fields); err != nil {
		return nil, err
	}
	return fields, nil
}

func getString(fields []tlv.Field, id uint16) string {
	f, _ := tlv.GetField(fields, id)
	return string(f.Value)
}

func getBytes(fields []tlv.Field, id uint16) []byte {
	f, ok := tlv.GetField(fields, id)
	if !ok {
		return nil
	}
	return f.Value
}

func getU64(fields []tlv.Field, id uint16) (uint64, error) {
	f, ok := tlv.GetField(fields, id)
	if !ok {
		return 0, nil
	}
	if err := tlv.MustType(f, tlv.TypeU64); err != nil {
		return 0, err
	}
	return tlv.U64FromBytes(f.Value)
}

func getU32(fields []tlv.Field, id uint16) (uint32, error) {
	f, ok := tlv.GetField(fields, id)
	if !ok {
		return 0, nil
	}
	if err := tlv.MustType(f, tlv.TypeU32); err != nil {
		return 0, err
	}
	return tlv.U32FromBytes(f.Value)
}

func getBool(fields []tlv.Field, id uint16) (bool, bool, error) {
	f, ok := tlv.GetField(fields, id)
	if !ok {
		return false, false, nil
	}
	if err := tlv.MustType(f, tlv.TypeBool); err != nil {
		return false, false, err
	}
	v, err := tlv.BoolFromBytes(f.Value)
	return v, true, err
}

func getMap(fields []tlv.Field, id uint16) (map[string]string, error) {
	f, ok := tlv.GetField(fields, id)
	if !ok {
		return nil, nil
	}
	return tlv.MapFromField(f)
}

func appendString(fields []tlv.Field, id uint16, v string) []tlv.Field {
	if v == "" {
		return fields
	}
	return append(fields, tlv.String(id, v))
}

func appendMap(fields []tlv.Field, id uint16, m map[string]string) []tlv.Field {
	if len(m) == 0 {
		return fields
	}
	return append(fields, tlv.Map(id, m))
}
