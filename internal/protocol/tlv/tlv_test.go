package tlv

import (
	"bytes"
	"errors"
	"testing"
)

func TestEncodeDecodeFieldsRoundTripPreservesUnknown(t *testing.T) {
	in := []Field{
		String(1, "corr-1"),
		{ID: 9999, Type: TypeBytes, Value: []byte{0xAA, 0xBB}}, // unknown field id
	}
	b := EncodeFields(in)
	out, err := DecodeFields(b)
	if err != nil {
		t.Fatalf("decode fields: %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("expected 2 fields, got %d", len(out))
	}
	if out[1].ID != 9999 || out[1].Type != TypeBytes || !bytes.Equal(out[1].Value, []byte{0xAA, 0xBB}) {
		t.Fatalf("unknown field not preserved: %+v", out[1])
	}
}

func TestDecodeFieldsMalformedHeaderIsDeterministic(t *testing.T) {
	_, err := DecodeFields([]byte{1, 2, 3})
	if !errors.Is(err, ErrShortFieldHeader) {
		t.Fatalf("expected ErrShortFieldHeader, got %v", err)
	}
}

func TestDecodeFieldsMalformedLengthIsDeterministic(t *testing.T) {
	// id=1, type=string, len=5, value only 2 bytes
	payload := []byte{0, 1, TypeString, 0, 0, 0, 5, 'a', 'b'}
	_, err := DecodeFields(payload)
	if !errors.Is(err, ErrShortFieldValue) {
		t.Fatalf("expected ErrShortFieldValue, got %v", err)
	}
}

func TestRepeatedFieldsKeepWireOrder(t *testing.T) {
	fields, err := DecodeFields(EncodeFields([]Field{
		String(5, "wasmcloud:blobstore"),
		String(6, "other"),
		String(5, "wasmcloud:keyvalue"),
	}))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	got := GetFields(fields, 5)
	if len(got) != 2 || string(got[0].Value) != "wasmcloud:blobstore" || string(got[1].Value) != "wasmcloud:keyvalue" {
		t.Fatalf("unexpected repeated fields: %+v", got)
	}
}

func TestMapFieldRoundTrip(t *testing.T) {
	in := map[string]string{"URL": "redis://127.0.0.1", "ROOT": "/tmp", "": "empty-key"}
	f := Map(40, in)
	b := f.Value
	again := Map(40, in)
	if !bytes.Equal(b, again.Value) {
		t.Fatalf("map encoding not deterministic")
	}
	out, err := MapFromField(f)
	if err != nil {
		t.Fatalf("decode map: %v", err)
	}
	if len(out) != len(in) {
		t.Fatalf("size mismatch: %+v", out)
	}
	for k, v := range in {
		if out[k] != v {
			t.Fatalf("key %q: got %q want %q", k, out[k], v)
		}
	}
}

func TestMapFromFieldRejectsWrongType(t *testing.T) {
	if _, err := MapFromField(String(1, "x")); err == nil {
		t.Fatalf("expected type mismatch")
	}
}

func TestScalarHelpers(t *testing.T) {
	if v, err := U64FromBytes(U64(1, 42).Value); err != nil || v != 42 {
		t.Fatalf("u64: %d %v", v, err)
	}
	if v, err := U32FromBytes(U32(1, 7).Value); err != nil || v != 7 {
		t.Fatalf("u32: %d %v", v, err)
	}
	if v, err := BoolFromBytes(Bool(1, true).Value); err != nil || !v {
		t.Fatalf("bool: %v %v", v, err)
	}
	if _, err := U64FromBytes([]byte{1}); err == nil {
		t.Fatalf("expected length error")
	}
}
