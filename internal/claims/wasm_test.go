package claims

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/danmuck/lattice/internal/identity"
)

// minimalModule is a valid wasm header followed by an empty type section.
func minimalModule() []byte {
	return []byte{0x00, 'a', 's', 'm', 0x01, 0x00, 0x00, 0x00, 0x01, 0x01, 0x00}
}

func TestSignEmbedsExtractableEnvelope(t *testing.T) {
	issuer := mustKey(t, identity.KindAccount)
	c := actorClaims(t, issuer, "wasmcloud:keyvalue")

	signed, env, err := Sign(minimalModule(), c, issuer)
	require.NoError(t, err)

	got, err := Extract(signed)
	require.NoError(t, err)
	assert.Equal(t, env, got)

	decoded, err := CheckSignature(got)
	require.NoError(t, err)
	hash, err := ModuleHash(signed)
	require.NoError(t, err)
	assert.Equal(t, hash, decoded.ModuleHash)
}

func TestResignReplacesSectionAndKeepsHash(t *testing.T) {
	issuer := mustKey(t, identity.KindAccount)
	c := actorClaims(t, issuer, "wasmcloud:keyvalue")

	first, _, err := Sign(minimalModule(), c, issuer)
	require.NoError(t, err)

	c.Revision++
	c.IssuedAt = c.IssuedAt.Add(time.Second)
	second, env, err := Sign(first, c, issuer)
	require.NoError(t, err)

	sections, err := parseSections(second)
	require.NoError(t, err)
	count := 0
	for _, s := range sections {
		if s.id == 0 && s.name == SectionName {
			count++
		}
	}
	assert.Equal(t, 1, count)

	got, err := Extract(second)
	require.NoError(t, err)
	assert.Equal(t, env, got)

	h1, _ := ModuleHash(first)
	h2, _ := ModuleHash(second)
	h0, _ := ModuleHash(minimalModule())
	assert.Equal(t, h0, h1)
	assert.Equal(t, h1, h2)
}

func TestExtractErrors(t *testing.T) {
	_, err := Extract(minimalModule())
	assert.ErrorIs(t, err, ErrNoClaims)

	_, err = Extract([]byte("not wasm at all"))
	assert.ErrorIs(t, err, ErrMalformedModule)

	truncated := append(minimalModule(), 0x00, 0x10, 0x01)
	_, err = Extract(truncated)
	assert.ErrorIs(t, err, ErrMalformedModule)
}

func TestLEB128RoundTrip(t *testing.T) {
	for _, v := range []uint32{0, 1, 127, 128, 300, 1 << 20, 1<<32 - 1} {
		got, n, err := readULEB128(uleb128(v))
		require.NoError(t, err)
		assert.Equal(t, v, got)
		assert.Equal(t, len(uleb128(v)), n)
	}
}
