package tlv

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
)

const HeaderLen = 7

var (
	ErrShortFieldHeader = errors.New("tlv: short field header")
	ErrShortFieldValue  = errors.New("tlv: short field value")
)

// Type IDs carried in every field header.
const (
	TypeU8     uint8 = 1
	TypeU16    uint8 = 2
	TypeU32    uint8 = 3
	TypeU64    uint8 = 4
	TypeBool   uint8 = 5
	TypeString uint8 = 6
	TypeBytes  uint8 = 7
	// TypeMap holds a nested field list of alternating key/value strings.
	TypeMap uint8 = 8
)

// Field is one decoded TLV field.
type Field struct {
	ID    uint16
	Type  uint8
	Value []byte
}

func EncodeField(f Field) []byte {
	buf := make([]byte, HeaderLen+len(f.Value))
	binary.BigEndian.PutUint16(buf[0:2], f.ID)
	buf[2] = f.Type
	binary.BigEndian.PutUint32(buf[3:7], uint32(len(f.Value)))
	copy(buf[7:], f.Value)
	return buf
}

func DecodeFields(payload []byte) ([]Field, error) {
	fields := make([]Field, 0)
	i := 0
	for i < len(payload) {
		if len(payload)-i < HeaderLen {
			return nil, ErrShortFieldHeader
		}
		id := binary.BigEndian.Uint16(payload[i : i+2])
		typeID := payload[i+2]
		l := binary.BigEndian.Uint32(payload[i+3 : i+7])
		i += HeaderLen
		if uint32(len(payload)-i) < l {
			return nil, ErrShortFieldValue
		}
		val := make([]byte, l)
		copy(val, payload[i:i+int(l)])
		i += int(l)
		fields = append(fields, Field{ID: id, Type: typeID, Value: val})
	}
	return fields, nil
}

func EncodeFields(fields []Field) []byte {
	size := 0
	for _, f := range fields {
		size += HeaderLen + len(f.Value)
	}
	out := make([]byte, 0, size)
	for _, f := range fields {
		out = append(out, EncodeField(f)...)
	}
	return out
}

// GetField returns the first field with id.
func GetField(fields []Field, id uint16) (Field, bool) {
	for _, f := range fields {
		if f.ID == id {
			return f, true
		}
	}
	return Field{}, false
}

// GetFields returns every field with id in wire order; repeated fields encode lists.
func GetFields(fields []Field, id uint16) []Field {
	var out []Field
	for _, f := range fields {
		if f.ID == id {
			out = append(out, f)
		}
	}
	return out
}

func MustType(f Field, expected uint8) error {
	if f.Type != expected {
		return fmt.Errorf("tlv: field %d type mismatch: got %d want %d", f.ID, f.Type, expected)
	}
	return nil
}

func String(id uint16, v string) Field {
	return Field{ID: id, Type: TypeString, Value: []byte(v)}
}

func Bytes(id uint16, v []byte) Field {
	return Field{ID: id, Type: TypeBytes, Value: v}
}

func U32(id uint16, v uint32) Field {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, v)
	return Field{ID: id, Type: TypeU32, Value: b}
}

func U64(id uint16, v uint64) Field {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return Field{ID: id, Type: TypeU64, Value: b}
}

func Bool(id uint16, v bool) Field {
	b := []byte{0}
	if v {
		b[0] = 1
	}
	return Field{ID: id, Type: TypeBool, Value: b}
}

// Map encodes m as a nested field list with sorted keys so output is deterministic.
func Map(id uint16, m map[string]string) Field {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	inner := make([]Field, 0, 2*len(keys))
	for _, k := range keys {
		inner = append(inner, String(1, k), String(2, m[k]))
	}
	return Field{ID: id, Type: TypeMap, Value: EncodeFields(inner)}
}

// MapFromField decodes a TypeMap field produced by Map.
func MapFromField(f Field) (map[string]string, error) {
	if err := MustType(f, TypeMap); err != nil {
		return nil, err
	}
	inner, err := DecodeFields(f.Value)
	if err != nil {
		return nil, err
	}
	if len(inner)%2 != 0 {
		return nil, fmt.Errorf("tlv: field %d map has odd entry count %d", f.ID, len(inner))
	}
	out := make(map[string]string, len(inner)/2)
	for i := 0; i < len(inner); i += 2 {
		k, v := inner[i], inner[i+1]
		if k.ID != 1 || v.ID != 2 {
			return nil, fmt.Errorf("tlv: field %d map entry %d out of order", f.ID, i/2)
		}
		out[string(k.Value)] = string(v.Value)
	}
	return out, nil
}

func U32FromBytes(b []byte) (uint32, error) {
	if len(b) != 4 {
		return 0, fmt.Errorf("tlv: invalid u32 length: %d", len(b))
	}
	return binary.BigEndian.Uint32(b), nil
}

func U64FromBytes(b []byte) (uint64, error) {
	if len(b) != 8 {
		return 0, fmt.Errorf("tlv: invalid u64 length: %d", len(b))
	}
	return binary.BigEndian.Uint64(b), nil
}

func BoolFromBytes(b []byte) (bool, error) {
	if len(b) != 1 {
		return false, fmt.Errorf("tlv: invalid bool length: %d", len(b))
	}
	return b[0] != 0, nil
}
