// Package frame is the envelope around every lattice bus message: a fixed
// 24-byte header, an optional claims envelope and a TLV payload.
//
//	0  magic        u32  "LATT"
//	4  version      u8
//	5  flags        u8
//	6  message_type u16
//	8  message_id   u64
//	16 auth_len     u32
//	20 payload_len  u32
//
// All integers are big endian. A bus message body holds exactly one frame.
package frame

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

const (
	// Magic marks lattice frames ("LATT").
	Magic     uint32 = 0x4C415454
	Version   uint8  = 2
	HeaderLen        = 24

	FlagHasAuth    uint32 = 0x01
	FlagIsResponse uint32 = 0x02
	FlagIsError    uint32 = 0x04
	knownFlags            = FlagHasAuth | FlagIsResponse | FlagIsError

	MaxAuthBytes    = 64 << 10
	MaxPayloadBytes = 8 << 20
)

var (
	ErrShortHeader     = errors.New("frame: short header")
	ErrBadMagic        = errors.New("frame: bad magic")
	ErrUnsupportedVer  = errors.New("frame: unsupported version")
	ErrUnknownFlags    = errors.New("frame: unknown flags")
	ErrTypeOutOfRange  = errors.New("frame: message type out of range")
	ErrAuthFlag        = errors.New("frame: auth flag disagrees with auth length")
	ErrAuthTooLarge    = errors.New("frame: auth too large")
	ErrPayloadTooLarge = errors.New("frame: payload too large")
	ErrTruncated       = errors.New("frame: body shorter than declared lengths")
	ErrTrailingBytes   = errors.New("frame: trailing bytes after payload")
)

type Header struct {
	Magic       uint32
	Version     uint8
	Flags       uint32
	MessageType uint32
	MessageID   uint64
}

// Frame is one complete wire message. Auth holds the sender's claims
// envelope when the message is attested.
type Frame struct {
	Header  Header
	Auth    []byte
	Payload []byte
}

// IsResponse reports whether the frame answers a request.
func (f Frame) IsResponse() bool { return f.Header.Flags&FlagIsResponse != 0 }

// IsError reports whether the frame carries a remote failure.
func (f Frame) IsError() bool { return f.Header.Flags&FlagIsError != 0 }

// Marshal encodes f as a bus message body. Magic, Version and FlagHasAuth
// are set from the frame itself.
func Marshal(f Frame) ([]byte, error) {
	h := f.Header
	if h.MessageType > math.MaxUint16 {
		return nil, fmt.Errorf("%w: %d", ErrTypeOutOfRange, h.MessageType)
	}
	if len(f.Auth) > MaxAuthBytes {
		return nil, ErrAuthTooLarge
	}
	if len(f.Payload) > MaxPayloadBytes {
		return nil, ErrPayloadTooLarge
	}
	flags := h.Flags &^ FlagHasAuth
	if len(f.Auth) > 0 {
		flags |= FlagHasAuth
	}
	if flags&^knownFlags != 0 {
		return nil, fmt.Errorf("%w: 0x%02x", ErrUnknownFlags, flags&^knownFlags)
	}

	out := make([]byte, HeaderLen, HeaderLen+len(f.Auth)+len(f.Payload))
	binary.BigEndian.PutUint32(out[0:4], Magic)
	out[4] = Version
	out[5] = byte(flags)
	binary.BigEndian.PutUint16(out[6:8], uint16(h.MessageType))
	binary.BigEndian.PutUint64(out[8:16], h.MessageID)
	binary.BigEndian.PutUint32(out[16:20], uint32(len(f.Auth)))
	binary.BigEndian.PutUint32(out[20:24], uint32(len(f.Payload)))
	out = append(out, f.Auth...)
	return append(out, f.Payload...), nil
}

// Unmarshal decodes exactly one frame from a bus message body.
func Unmarshal(b []byte) (Frame, error) {
	if len(b) < HeaderLen {
		return Frame{}, ErrShortHeader
	}
	h := Header{
		Magic:       binary.BigEndian.Uint32(b[0:4]),
		Version:     b[4],
		Flags:       uint32(b[5]),
		MessageType: uint32(binary.BigEndian.Uint16(b[6:8])),
		MessageID:   binary.BigEndian.Uint64(b[8:16]),
	}
	if h.Magic != Magic {
		return Frame{}, fmt.Errorf("%w: 0x%08x", ErrBadMagic, h.Magic)
	}
	if h.Version != Version {
		return Frame{}, fmt.Errorf("%w: %d", ErrUnsupportedVer, h.Version)
	}
	if h.Flags&^knownFlags != 0 {
		return Frame{}, fmt.Errorf("%w: 0x%02x", ErrUnknownFlags, h.Flags&^knownFlags)
	}
	authLen := uint64(binary.BigEndian.Uint32(b[16:20]))
	payloadLen := uint64(binary.BigEndian.Uint32(b[20:24]))
	if (authLen > 0) != (h.Flags&FlagHasAuth != 0) {
		return Frame{}, ErrAuthFlag
	}
	if authLen > MaxAuthBytes {
		return Frame{}, ErrAuthTooLarge
	}
	if payloadLen > MaxPayloadBytes {
		return Frame{}, ErrPayloadTooLarge
	}
	body := b[HeaderLen:]
	need := authLen + payloadLen
	switch {
	case uint64(len(body)) < need:
		return Frame{}, fmt.Errorf("%w: have %d want %d", ErrTruncated, len(body), need)
	case uint64(len(body)) > need:
		return Frame{}, ErrTrailingBytes
	}
	f := Frame{Header: h}
	if authLen > 0 {
		f.Auth = bytes.Clone(body[:authLen])
	}
	if payloadLen > 0 {
		f.Payload = bytes.Clone(body[authLen:need])
	}
	return f, nil
}
