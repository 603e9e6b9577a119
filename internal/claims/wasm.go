package claims

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/danmuck/lattice/internal/identity"
)

// SectionName is the wasm custom section that carries the envelope.
const SectionName = "jwt"

var (
	ErrMalformedModule = errors.New("claims: malformed wasm module")
	ErrNoClaims        = errors.New("claims: module has no claims section")
)

var wasmHeader = []byte{0x00, 'a', 's', 'm', 0x01, 0x00, 0x00, 0x00}

type section struct {
	id    byte
	name  string
	data  []byte
	start int
	end   int
}

// Extract returns the envelope embedded in module.
func Extract(module []byte) (string, error) {
	sections, err := parseSections(module)
	if err != nil {
		return "", err
	}
	for _, s := range sections {
		if s.id == 0 && s.name == SectionName {
			return string(s.data), nil
		}
	}
	return "", ErrNoClaims
}

// Embed returns a copy of module whose only claims section holds envelope.
func Embed(module []byte, envelope string) ([]byte, error) {
	stripped, err := strip(module)
	if err != nil {
		return nil, err
	}
	var body bytes.Buffer
	body.Write(uleb128(uint32(len(SectionName))))
	body.WriteString(SectionName)
	body.WriteString(envelope)

	out := bytes.NewBuffer(stripped)
	out.WriteByte(0)
	out.Write(uleb128(uint32(body.Len())))
	out.Write(body.Bytes())
	return out.Bytes(), nil
}

// ModuleHash is the hex SHA-256 of module with every claims section removed,
// so it is stable across re-signing.
func ModuleHash(module []byte) (string, error) {
	stripped, err := strip(module)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(stripped)
	return hex.EncodeToString(sum[:]), nil
}

// Sign stamps c with the module hash, encodes it with issuer and embeds the
// envelope, returning the signed module and the envelope.
func Sign(module []byte, c Claims, issuer *identity.KeyPair) ([]byte, string, error) {
	hash, err := ModuleHash(module)
	if err != nil {
		return nil, "", err
	}
	c.ModuleHash = hash
	envelope, err := Encode(c, issuer)
	if err != nil {
		return nil, "", err
	}
	signed, err := Embed(module, envelope)
	if err != nil {
		return nil, "", err
	}
	return signed, envelope, nil
}

func strip(module []byte) ([]byte, error) {
	sections, err := parseSections(module)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, len(module))
	out = append(out, module[:len(wasmHeader)]...)
	for _, s := range sections {
		if s.id == 0 && s.name == SectionName {
			continue
		}
		out = append(out, module[s.start:s.end]...)
	}
	return out, nil
}

func parseSections(module []byte) ([]section, error) {
	if len(module) < len(wasmHeader) || !bytes.Equal(module[:4], wasmHeader[:4]) {
		return nil, fmt.Errorf("%w: bad magic", ErrMalformedModule)
	}
	var out []section
	i := len(wasmHeader)
	for i < len(module) {
		start := i
		id := module[i]
		i++
		size, n, err := readULEB128(module[i:])
		if err != nil {
			return nil, err
		}
		i += n
		if uint64(len(module)-i) < uint64(size) {
			return nil, fmt.Errorf("%w: section %d overruns module", ErrMalformedModule, id)
		}
		payload := module[i : i+int(size)]
		i += int(size)
		s := section{id: id, start: start, end: i}
		if id == 0 {
			nameLen, m, err := readULEB128(payload)
			if err != nil {
				return nil, err
			}
			if uint64(len(payload)-m) < uint64(nameLen) {
				return nil, fmt.Errorf("%w: custom section name overruns section", ErrMalformedModule)
			}
			s.name = string(payload[m : m+int(nameLen)])
			s.data = payload[m+int(nameLen):]
		}
		out = append(out, s)
	}
	return out, nil
}

func readULEB128(b []byte) (uint32, int, error) {
	var v uint32
	var shift uint
	for i := 0; i < len(b) && i < 5; i++ {
		v |= uint32(b[i]&0x7f) << shift
		if b[i]&0x80 == 0 {
			return v, i + 1, nil
		}
		shift += 7
	}
	return 0, 0, fmt.Errorf("%w: bad leb128", ErrMalformedModule)
}

func uleb128(v uint32) []byte {
	var out []byte
	for {
		c := byte(v & 0x7f)
		v >>= 7
		if v != 0 {
			c |= 0x80
		}
		out = append(out, c)
		if v == 0 {
			return out
		}
	}
}
