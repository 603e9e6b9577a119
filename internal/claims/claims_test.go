package claims

import (
	"encoding/base64"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/danmuck/lattice/internal/identity"
)

func mustKey(t *testing.T, kind identity.Kind) *identity.KeyPair {
	t.Helper()
	kp, err := identity.Generate(kind)
	require.NoError(t, err)
	return kp
}

func actorClaims(t *testing.T, issuer *identity.KeyPair, caps ...string) Claims {
	t.Helper()
	now := time.Now().UTC().Truncate(time.Second)
	return Claims{
		Subject:      mustKey(t, identity.KindModule).Public(),
		Issuer:       issuer.Public(),
		Name:         "echo",
		Capabilities: caps,
		Revision:     3,
		IssuedAt:     now,
		ExpiresAt:    now.Add(time.Hour),
		RevocationID: "nonce-1",
	}
}

func TestEncodeCheckSignatureRoundTrip(t *testing.T) {
	issuer := mustKey(t, identity.KindAccount)
	in := actorClaims(t, issuer, "wasmcloud:blobstore", "wasmcloud:keyvalue")

	env, err := Encode(in, issuer)
	require.NoError(t, err)
	assert.Equal(t, 2, strings.Count(env, "."))

	out, err := CheckSignature(env)
	require.NoError(t, err)
	assert.Equal(t, in.Subject, out.Subject)
	assert.Equal(t, in.Issuer, out.Issuer)
	assert.Equal(t, in.Capabilities, out.Capabilities)
	assert.Equal(t, in.Name, out.Name)
	assert.Equal(t, in.Revision, out.Revision)
	assert.Equal(t, in.RevocationID, out.RevocationID)
	assert.True(t, in.IssuedAt.Equal(out.IssuedAt))
	assert.True(t, in.ExpiresAt.Equal(out.ExpiresAt))
	assert.True(t, out.NotBefore.IsZero())
}

func TestEncodeFillsIssuerFromKey(t *testing.T) {
	issuer := mustKey(t, identity.KindOperator)
	in := actorClaims(t, issuer, "wasmcloud:httpserver")
	in.Issuer = ""

	env, err := Encode(in, issuer)
	require.NoError(t, err)
	out, err := Decode(env)
	require.NoError(t, err)
	assert.Equal(t, issuer.Public(), out.Issuer)
}

func TestEncodeRejectsInvalidClaims(t *testing.T) {
	issuer := mustKey(t, identity.KindAccount)

	empty := actorClaims(t, issuer)
	_, err := Encode(empty, issuer)
	assert.ErrorIs(t, err, ErrEncoding, "empty capability set")

	bad := actorClaims(t, issuer, "wasmcloud:keyvalue")
	bad.Subject = "MNOTANIDENTITY"
	_, err = Encode(bad, issuer)
	assert.ErrorIs(t, err, ErrEncoding, "malformed subject")

	dup := actorClaims(t, issuer, "wasmcloud:keyvalue", "wasmcloud:keyvalue")
	_, err = Encode(dup, issuer)
	assert.ErrorIs(t, err, ErrEncoding, "duplicate capability")

	mismatch := actorClaims(t, issuer, "wasmcloud:keyvalue")
	_, err = Encode(mismatch, mustKey(t, identity.KindAccount))
	assert.ErrorIs(t, err, ErrEncoding, "issuer mismatch")

	actorKey := mustKey(t, identity.KindModule)
	selfSigned := actorClaims(t, actorKey, "wasmcloud:keyvalue")
	_, err = Encode(selfSigned, actorKey)
	assert.ErrorIs(t, err, ErrEncoding, "module keys cannot issue")

	provider := Claims{
		Subject:  mustKey(t, identity.KindProvider).Public(),
		IssuedAt: time.Now(),
	}
	_, err = Encode(provider, issuer)
	assert.ErrorIs(t, err, ErrEncoding, "provider without contract")
}

func TestDecodeMalformedEnvelope(t *testing.T) {
	for _, env := range []string{"", "abc", "a.b.c", "a.b"} {
		_, err := Decode(env)
		assert.ErrorIsf(t, err, ErrMalformedEnvelope, "envelope=%q", env)
	}
}

func TestDecodeRejectsForeignAlgorithm(t *testing.T) {
	header := base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"HS256","typ":"JWT"}`))
	payload := base64.RawURLEncoding.EncodeToString([]byte(`{"sub":"x"}`))
	_, err := Decode(header + "." + payload + ".sig")
	assert.ErrorIs(t, err, ErrMalformedEnvelope)
}

func TestCheckSignatureDetectsTampering(t *testing.T) {
	issuer := mustKey(t, identity.KindAccount)
	in := actorClaims(t, issuer, "wasmcloud:blobstore")
	env, err := Encode(in, issuer)
	require.NoError(t, err)

	forged := in
	forged.Capabilities = []string{"wasmcloud:blobstore", "wasmcloud:keyvalue"}
	forgedEnv, err := Encode(forged, issuer)
	require.NoError(t, err)

	parts := strings.Split(env, ".")
	forgedParts := strings.Split(forgedEnv, ".")
	spliced := parts[0] + "." + forgedParts[1] + "." + parts[2]

	_, err = Decode(spliced)
	require.NoError(t, err, "structure is still valid")
	_, err = CheckSignature(spliced)
	assert.ErrorIs(t, err, ErrSignatureInvalid)
}

func TestHasCapability(t *testing.T) {
	issuer := mustKey(t, identity.KindAccount)
	c := actorClaims(t, issuer, "wasmcloud:blobstore")
	assert.True(t, c.Has("wasmcloud:blobstore"))
	assert.False(t, c.Has("wasmcloud:keyvalue"))
	assert.False(t, c.Has(""))

	p := Claims{Contract: "wasmcloud:keyvalue"}
	assert.True(t, p.Has("wasmcloud:keyvalue"))
}

func TestExpiryWindow(t *testing.T) {
	now := time.Now()
	c := Claims{NotBefore: now, ExpiresAt: now.Add(time.Minute)}
	assert.False(t, c.Expired(now))
	assert.True(t, c.Expired(now.Add(time.Minute)))
	assert.True(t, c.Premature(now.Add(-time.Second)))
	assert.False(t, Claims{}.Expired(now.Add(100*365*24*time.Hour)))
}
