// Package claims encodes and decodes the signed claims envelope carried by
// actor and provider artifacts.
//
// The envelope is a compact JWT signed with EdDSA by the issuer's keypair.
// Decode only checks structure; signature checks live in CheckSignature so
// callers can separate "malformed" from "not trusted".
package claims

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/danmuck/lattice/internal/identity"
)

var (
	ErrMalformedEnvelope = errors.New("claims: malformed envelope")
	ErrEncoding          = errors.New("claims: encoding error")
	ErrSignatureInvalid  = errors.New("claims: signature invalid")
)

const algorithm = "EdDSA"

// Claims is the decoded content of a claims envelope. Timestamps have one
// second resolution; a zero ExpiresAt or NotBefore means unbounded.
type Claims struct {
	Subject      identity.ID
	Issuer       identity.ID
	Name         string
	Capabilities []string
	// Contract is set on provider claims and names the contract implemented.
	Contract     string
	Revision     int
	ModuleHash   string
	IssuedAt     time.Time
	NotBefore    time.Time
	ExpiresAt    time.Time
	RevocationID string
}

// SubjectKind returns the kind of the subject identity.
func (c Claims) SubjectKind() (identity.Kind, error) {
	return c.Subject.Kind()
}

// Has reports whether contract is in the capability set. A provider's own
// contract is always part of its set.
func (c Claims) Has(contract string) bool {
	if contract == "" {
		return false
	}
	if c.Contract == contract {
		return true
	}
	return slices.Contains(c.Capabilities, contract)
}

// Expired reports whether the claims are past their expiry at now.
func (c Claims) Expired(now time.Time) bool {
	return !c.ExpiresAt.IsZero() && !now.Before(c.ExpiresAt)
}

// Premature reports whether the claims are not yet valid at now.
func (c Claims) Premature(now time.Time) bool {
	return !c.NotBefore.IsZero() && now.Before(c.NotBefore)
}

type metadata struct {
	Name     string   `json:"name,omitempty"`
	Caps     []string `json:"caps,omitempty"`
	Contract string   `json:"contract_id,omitempty"`
	Revision int      `json:"rev,omitempty"`
	Hash     string   `json:"hash,omitempty"`
}

type jwtClaims struct {
	jwt.RegisteredClaims
	Lattice metadata `json:"lattice"`
}

// Encode signs c with issuer and returns the compact envelope. An empty
// Issuer is filled from the key.
func Encode(c Claims, issuer *identity.KeyPair) (string, error) {
	if issuer == nil {
		return "", fmt.Errorf("%w: issuer key required", ErrEncoding)
	}
	if !issuer.Kind().Issuer() {
		return "", fmt.Errorf("%w: %s keys cannot issue claims", ErrEncoding, issuer.Kind())
	}
	if c.Issuer == "" {
		c.Issuer = issuer.Public()
	}
	if c.Issuer != issuer.Public() {
		return "", fmt.Errorf("%w: issuer %s does not match signing key", ErrEncoding, c.Issuer)
	}
	if err := validateForEncode(c); err != nil {
		return "", err
	}

	reg := jwt.RegisteredClaims{
		Issuer:   c.Issuer.String(),
		Subject:  c.Subject.String(),
		IssuedAt: jwt.NewNumericDate(c.IssuedAt),
		ID:       c.RevocationID,
	}
	if !c.ExpiresAt.IsZero() {
		reg.ExpiresAt = jwt.NewNumericDate(c.ExpiresAt)
	}
	if !c.NotBefore.IsZero() {
		reg.NotBefore = jwt.NewNumericDate(c.NotBefore)
	}
	token := jwt.NewWithClaims(jwt.SigningMethodEdDSA, jwtClaims{
		RegisteredClaims: reg,
		Lattice: metadata{
			Name:     c.Name,
			Caps:     c.Capabilities,
			Contract: c.Contract,
			Revision: c.Revision,
			Hash:     c.ModuleHash,
		},
	})
	envelope, err := token.SignedString(issuer.PrivateKey())
	if err != nil {
		return "", fmt.Errorf("%w: sign: %v", ErrEncoding, err)
	}
	return envelope, nil
}

func validateForEncode(c Claims) error {
	kind, err := c.Subject.Kind()
	if err != nil {
		return fmt.Errorf("%w: subject: %v", ErrEncoding, err)
	}
	if c.IssuedAt.IsZero() {
		return fmt.Errorf("%w: issued_at required", ErrEncoding)
	}
	if !c.ExpiresAt.IsZero() && !c.ExpiresAt.After(c.IssuedAt) {
		return fmt.Errorf("%w: expires_at must follow issued_at", ErrEncoding)
	}
	seen := make(map[string]struct{}, len(c.Capabilities))
	for _, capability := range c.Capabilities {
		if strings.TrimSpace(capability) == "" {
			return fmt.Errorf("%w: empty capability", ErrEncoding)
		}
		if _, dup := seen[capability]; dup {
			return fmt.Errorf("%w: duplicate capability %q", ErrEncoding, capability)
		}
		seen[capability] = struct{}{}
	}
	switch kind {
	case identity.KindModule:
		if len(c.Capabilities) == 0 {
			return fmt.Errorf("%w: actor claims need at least one capability", ErrEncoding)
		}
	case identity.KindProvider:
		if strings.TrimSpace(c.Contract) == "" {
			return fmt.Errorf("%w: provider claims need a contract", ErrEncoding)
		}
	default:
		return fmt.Errorf("%w: subject kind %s cannot carry claims", ErrEncoding, kind)
	}
	return nil
}

// Decode parses envelope without checking its signature.
func Decode(envelope string) (Claims, error) {
	var raw jwtClaims
	token, _, err := jwt.NewParser().ParseUnverified(strings.TrimSpace(envelope), &raw)
	if err != nil {
		return Claims{}, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	if token.Method == nil || token.Method.Alg() != algorithm {
		return Claims{}, fmt.Errorf("%w: unsupported alg %v", ErrMalformedEnvelope, token.Header["alg"])
	}
	return fromJWT(raw)
}

// CheckSignature decodes envelope and verifies it against the issuer identity
// named inside it. Time bounds are not checked here.
func CheckSignature(envelope string) (Claims, error) {
	c, err := Decode(envelope)
	if err != nil {
		return Claims{}, err
	}
	pub, err := c.Issuer.PublicKey()
	if err != nil {
		return Claims{}, fmt.Errorf("%w: issuer: %v", ErrMalformedEnvelope, err)
	}
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{algorithm}),
		jwt.WithoutClaimsValidation(),
	)
	_, err = parser.ParseWithClaims(strings.TrimSpace(envelope), &jwtClaims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodEd25519); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return pub, nil
	})
	if err != nil {
		return Claims{}, fmt.Errorf("%w: %v", ErrSignatureInvalid, err)
	}
	return c, nil
}

func fromJWT(raw jwtClaims) (Claims, error) {
	sub, err := identity.Parse(raw.Subject)
	if err != nil {
		return Claims{}, fmt.Errorf("%w: subject: %v", ErrMalformedEnvelope, err)
	}
	iss, err := identity.Parse(raw.Issuer)
	if err != nil {
		return Claims{}, fmt.Errorf("%w: issuer: %v", ErrMalformedEnvelope, err)
	}
	if kind, _ := iss.Kind(); !kind.Issuer() {
		return Claims{}, fmt.Errorf("%w: issuer kind %s", ErrMalformedEnvelope, kind)
	}
	if raw.IssuedAt == nil {
		return Claims{}, fmt.Errorf("%w: missing iat", ErrMalformedEnvelope)
	}
	c := Claims{
		Subject:      sub,
		Issuer:       iss,
		Name:         raw.Lattice.Name,
		Capabilities: raw.Lattice.Caps,
		Contract:     raw.Lattice.Contract,
		Revision:     raw.Lattice.Revision,
		ModuleHash:   raw.Lattice.Hash,
		IssuedAt:     raw.IssuedAt.Time.UTC(),
		RevocationID: raw.ID,
	}
	if raw.ExpiresAt != nil {
		c.ExpiresAt = raw.ExpiresAt.Time.UTC()
	}
	if raw.NotBefore != nil {
		c.NotBefore = raw.NotBefore.Time.UTC()
	}
	return c, nil
}
