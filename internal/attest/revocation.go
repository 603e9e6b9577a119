package attest

import (
	"strings"
	"sync"
	"time"

	"github.com/danmuck/lattice/internal/claims"
	"github.com/danmuck/lattice/internal/identity"
)

// RevocationList records revoked envelopes by revocation id and revoked
// subjects by cutoff time. Every change bumps Epoch.
type RevocationList struct {
	mu       sync.RWMutex
	ids      map[string]struct{}
	subjects map[identity.ID]time.Time
	epoch    uint64
}

func NewRevocationList() *RevocationList {
	return &RevocationList{
		ids:      make(map[string]struct{}),
		subjects: make(map[identity.ID]time.Time),
	}
}

// Revoke marks one envelope revocation id as revoked.
func (r *RevocationList) Revoke(revocationID string) uint64 {
	key := strings.TrimSpace(revocationID)
	r.mu.Lock()
	defer r.mu.Unlock()
	if key == "" {
		return r.epoch
	}
	if _, ok := r.ids[key]; !ok {
		r.ids[key] = struct{}{}
		r.epoch++
	}
	return r.epoch
}

// RevokeSubject revokes every envelope for subject issued at or before cutoff.
func (r *RevocationList) RevokeSubject(subject identity.ID, cutoff time.Time) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	if prev, ok := r.subjects[subject]; !ok || cutoff.After(prev) {
		r.subjects[subject] = cutoff
		r.epoch++
	}
	return r.epoch
}

func (r *RevocationList) IsRevoked(c claims.Claims) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if c.RevocationID != "" {
		if _, ok := r.ids[c.RevocationID]; ok {
			return true
		}
	}
	if cutoff, ok := r.subjects[c.Subject]; ok && !c.IssuedAt.After(cutoff) {
		return true
	}
	return false
}

func (r *RevocationList) Epoch() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.epoch
}
