// Package attest decides whether a claims envelope may run and which
// contracts its subject may invoke.
package attest

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/danmuck/lattice/internal/claims"
	"github.com/danmuck/lattice/internal/identity"
	logs "github.com/danmuck/lattice/internal/logging"
)

var (
	ErrAttestation = errors.New("attest: attestation failed")

	ErrSignatureInvalid = fmt.Errorf("%w: signature invalid", ErrAttestation)
	ErrExpired          = fmt.Errorf("%w: expired", ErrAttestation)
	ErrNotYetValid      = fmt.Errorf("%w: not yet valid", ErrAttestation)
	ErrRevoked          = fmt.Errorf("%w: revoked", ErrAttestation)
	ErrUntrustedIssuer  = fmt.Errorf("%w: untrusted issuer", ErrAttestation)
)

// Config controls verification policy.
type Config struct {
	// TrustedIssuers limits accepted issuers; empty accepts any issuer whose
	// signature verifies.
	TrustedIssuers []identity.ID
	// CacheSize bounds the number of memoized signature checks.
	CacheSize int
	// CacheTTL bounds how long a memoized signature check is reused.
	CacheTTL time.Duration
}

func DefaultConfig() Config {
	return Config{
		CacheSize: 1024,
		CacheTTL:  10 * time.Minute,
	}
}

// Verifier checks envelopes. It is safe for concurrent use.
type Verifier struct {
	trusted map[identity.ID]struct{}
	revoked *RevocationList
	sigs    *expirable.LRU[string, claims.Claims]
}

// NewVerifier builds a verifier; a nil revocation list disables revocation.
func NewVerifier(cfg Config, revoked *RevocationList) *Verifier {
	def := DefaultConfig()
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = def.CacheSize
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = def.CacheTTL
	}
	if revoked == nil {
		revoked = NewRevocationList()
	}
	trusted := make(map[identity.ID]struct{}, len(cfg.TrustedIssuers))
	for _, id := range cfg.TrustedIssuers {
		if strings.TrimSpace(id.String()) == "" {
			continue
		}
		trusted[id] = struct{}{}
	}
	return &Verifier{
		trusted: trusted,
		revoked: revoked,
		sigs:    expirable.NewLRU[string, claims.Claims](cfg.CacheSize, nil, cfg.CacheTTL),
	}
}

// Revocations exposes the list this verifier consults.
func (v *Verifier) Revocations() *RevocationList {
	return v.revoked
}

// Verify decodes envelope and checks signature, issuer trust, validity window
// and revocation at now. Only the signature check is memoized; time bounds and
// revocation are evaluated on every call.
func (v *Verifier) Verify(envelope string, now time.Time) (claims.Claims, error) {
	c, err := v.checkSignature(envelope)
	if err != nil {
		return claims.Claims{}, err
	}
	if len(v.trusted) > 0 {
		if _, ok := v.trusted[c.Issuer]; !ok {
			logs.Warnf("attest.Verifier.Verify untrusted issuer=%s subject=%s", c.Issuer, c.Subject)
			return claims.Claims{}, fmt.Errorf("%w: %s", ErrUntrustedIssuer, c.Issuer)
		}
	}
	if c.Premature(now) {
		return claims.Claims{}, fmt.Errorf("%w: subject=%s not_before=%s", ErrNotYetValid, c.Subject, c.NotBefore.Format(time.RFC3339))
	}
	if c.Expired(now) {
		return claims.Claims{}, fmt.Errorf("%w: subject=%s expires_at=%s", ErrExpired, c.Subject, c.ExpiresAt.Format(time.RFC3339))
	}
	if v.revoked.IsRevoked(c) {
		logs.Warnf("attest.Verifier.Verify revoked subject=%s jti=%q", c.Subject, c.RevocationID)
		return claims.Claims{}, fmt.Errorf("%w: subject=%s", ErrRevoked, c.Subject)
	}
	return c, nil
}

func (v *Verifier) checkSignature(envelope string) (claims.Claims, error) {
	key := strings.TrimSpace(envelope)
	if c, ok := v.sigs.Get(key); ok {
		return c, nil
	}
	c, err := claims.CheckSignature(key)
	switch {
	case err == nil:
	case errors.Is(err, claims.ErrSignatureInvalid):
		return claims.Claims{}, fmt.Errorf("%w: %v", ErrSignatureInvalid, err)
	default:
		// Matches both ErrAttestation and claims.ErrMalformedEnvelope.
		return claims.Claims{}, fmt.Errorf("%w: %w", ErrAttestation, err)
	}
	v.sigs.Add(key, c)
	return c, nil
}

// Authorize reports whether c permits invoking operation on contract. It is
// pure: the decision depends only on the capability set.
func Authorize(c claims.Claims, contract, operation string) bool {
	return c.Has(contract)
}
