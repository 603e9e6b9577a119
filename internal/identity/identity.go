// Package identity mints and parses keypair identities.
//
// An identity is the printable public half of an ed25519 keypair: one kind
// byte, the 32-byte public key and a CRC-16 checksum, base32 encoded without
// padding. The kind byte is chosen so the string starts with a readable letter
// (O operator, A account, M module/actor, V provider, N host). Seeds use the same
// scheme behind an S prefix.
package identity

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base32"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
)

var (
	ErrInvalidEncoding = errors.New("identity: invalid encoding")
	ErrInvalidChecksum = errors.New("identity: invalid checksum")
	ErrInvalidKind     = errors.New("identity: invalid kind")
	ErrInvalidSeed     = errors.New("identity: invalid seed")
	ErrSignature       = errors.New("identity: signature verification failed")
)

// Kind is the leading byte of an encoded identity.
type Kind byte

const (
	KindAccount  Kind = 0
	KindModule   Kind = 12 << 3
	KindHost     Kind = 13 << 3
	KindOperator Kind = 14 << 3
	KindProvider Kind = 21 << 3

	kindSeed byte = 18 << 3
)

func (k Kind) String() string {
	switch k {
	case KindAccount:
		return "account"
	case KindModule:
		return "module"
	case KindHost:
		return "host"
	case KindOperator:
		return "operator"
	case KindProvider:
		return "provider"
	default:
		return fmt.Sprintf("kind(%d)", byte(k))
	}
}

// Issuer reports whether identities of this kind may sign claims.
func (k Kind) Issuer() bool {
	return k == KindAccount || k == KindOperator
}

func knownKind(k Kind) bool {
	switch k {
	case KindAccount, KindModule, KindHost, KindOperator, KindProvider:
		return true
	}
	return false
}

var b32 = base32.StdEncoding.WithPadding(base32.NoPadding)

// ID is an encoded public identity. The zero value is invalid.
type ID string

// Parse decodes and checks raw, returning it as an ID.
func Parse(raw string) (ID, error) {
	id := ID(strings.TrimSpace(raw))
	if _, _, err := id.decode(); err != nil {
		return "", err
	}
	return id, nil
}

func (id ID) String() string { return string(id) }

// Validate checks encoding, checksum and kind.
func (id ID) Validate() error {
	_, _, err := id.decode()
	return err
}

// Kind returns the identity kind, or an error when id is malformed.
func (id ID) Kind() (Kind, error) {
	k, _, err := id.decode()
	return k, err
}

// PublicKey returns the ed25519 public key encoded in id.
func (id ID) PublicKey() (ed25519.PublicKey, error) {
	_, pub, err := id.decode()
	return pub, err
}

// Verify checks sig over msg against id's public key.
func (id ID) Verify(msg, sig []byte) error {
	pub, err := id.PublicKey()
	if err != nil {
		return err
	}
	if !ed25519.Verify(pub, msg, sig) {
		return ErrSignature
	}
	return nil
}

func (id ID) decode() (Kind, ed25519.PublicKey, error) {
	raw, err := decodeChecked(string(id))
	if err != nil {
		return 0, nil, err
	}
	if len(raw) != 1+ed25519.PublicKeySize {
		return 0, nil, fmt.Errorf("%w: length %d", ErrInvalidEncoding, len(raw))
	}
	k := Kind(raw[0])
	if !knownKind(k) {
		return 0, nil, fmt.Errorf("%w: %d", ErrInvalidKind, raw[0])
	}
	return k, ed25519.PublicKey(bytes.Clone(raw[1:])), nil
}

// KeyPair holds a private key and the kind its public identity is minted as.
type KeyPair struct {
	kind Kind
	priv ed25519.PrivateKey
}

// Generate mints a fresh keypair of kind k.
func Generate(k Kind) (*KeyPair, error) {
	if !knownKind(k) {
		return nil, fmt.Errorf("%w: %d", ErrInvalidKind, byte(k))
	}
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	return &KeyPair{kind: k, priv: priv}, nil
}

// FromSeed restores a keypair from an encoded seed produced by KeyPair.Seed.
func FromSeed(seed string) (*KeyPair, error) {
	raw, err := decodeChecked(strings.TrimSpace(seed))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSeed, err)
	}
	if len(raw) != 2+ed25519.SeedSize {
		return nil, fmt.Errorf("%w: length %d", ErrInvalidSeed, len(raw))
	}
	if raw[0]&0xF8 != kindSeed {
		return nil, fmt.Errorf("%w: missing seed prefix", ErrInvalidSeed)
	}
	k := Kind((raw[0]&0x07)<<5 | (raw[1]&0xF8)>>3)
	if !knownKind(k) {
		return nil, fmt.Errorf("%w: %d", ErrInvalidKind, byte(k))
	}
	return &KeyPair{kind: k, priv: ed25519.NewKeyFromSeed(raw[2:])}, nil
}

func (k *KeyPair) Kind() Kind { return k.kind }

// Public returns the encoded public identity.
func (k *KeyPair) Public() ID {
	pub := k.priv.Public().(ed25519.PublicKey)
	raw := make([]byte, 0, 1+len(pub))
	raw = append(raw, byte(k.kind))
	raw = append(raw, pub...)
	return ID(encodeChecked(raw))
}

// Seed returns the encoded private seed. Treat it as a secret.
func (k *KeyPair) Seed() string {
	raw := make([]byte, 0, 2+ed25519.SeedSize)
	raw = append(raw, kindSeed|byte(k.kind)>>5, byte(k.kind)<<3)
	raw = append(raw, k.priv.Seed()...)
	return encodeChecked(raw)
}

func (k *KeyPair) Sign(msg []byte) []byte {
	return ed25519.Sign(k.priv, msg)
}

// PrivateKey exposes the signing key for envelope encoders.
func (k *KeyPair) PrivateKey() ed25519.PrivateKey {
	return k.priv
}

func encodeChecked(raw []byte) string {
	buf := make([]byte, len(raw)+2)
	copy(buf, raw)
	binary.LittleEndian.PutUint16(buf[len(raw):], crc16(raw))
	return b32.EncodeToString(buf)
}

func decodeChecked(s string) ([]byte, error) {
	if s == "" {
		return nil, fmt.Errorf("%w: empty", ErrInvalidEncoding)
	}
	buf, err := b32.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEncoding, err)
	}
	if len(buf) < 3 {
		return nil, fmt.Errorf("%w: too short", ErrInvalidEncoding)
	}
	raw, sum := buf[:len(buf)-2], binary.LittleEndian.Uint16(buf[len(buf)-2:])
	if crc16(raw) != sum {
		return nil, ErrInvalidChecksum
	}
	return raw, nil
}

// crc16 is CRC-16/XMODEM (poly 0x1021, init 0).
func crc16(b []byte) uint16 {
	var crc uint16
	for _, c := range b {
		crc ^= uint16(c) << 8
		for i := 0; i < 8; i++ {
			if crc&0x8000 != 0 {
				crc = crc<<1 ^ 0x1021
			} else {
				crc <<= 1
			}
		}
	}
	return crc
}
