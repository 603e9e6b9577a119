package host

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/danmuck/lattice/internal/identity"
	"github.com/danmuck/lattice/internal/lattice"
	"github.com/danmuck/lattice/internal/protocol/wire"
	"github.com/danmuck/lattice/internal/provider"
)

// ClaimsSuffix names the signed claims file kept beside a provider binary.
const ClaimsSuffix = ".jwt"

// pathResolver is implemented by sources that map a ref to a local file.
type pathResolver interface {
	Resolve(ref string) (string, error)
}

// workloads exposes the supervisor and provider manager to the control plane.
type workloads struct {
	s *Service
}

var _ lattice.Runtime = workloads{}

func (w workloads) StartActor(ctx context.Context, ref string, count int) (identity.ID, error) {
	a, err := w.s.actors.Start(ctx, ref, count)
	if err != nil {
		return "", err
	}
	return a.ID, nil
}

func (w workloads) StopActor(ctx context.Context, id identity.ID, count int) error {
	_, err := w.s.actors.Stop(ctx, id, count)
	return err
}

func (w workloads) ScaleActor(ctx context.Context, id identity.ID, count int) error {
	_, err := w.s.actors.Scale(ctx, id, count)
	return err
}

// StartProvider resolves ref to an executable and reads its claims from the
// sidecar file ref+ClaimsSuffix.
func (w workloads) StartProvider(ctx context.Context, ref, linkName string, config map[string]string) (identity.ID, error) {
	path := ref
	if r, ok := w.s.source.(pathResolver); ok {
		p, err := r.Resolve(ref)
		if err != nil {
			return "", err
		}
		path = p
	}
	envelope, err := w.s.source.Fetch(ctx, ref+ClaimsSuffix)
	if err != nil {
		return "", fmt.Errorf("host: provider claims for %s: %w", ref, err)
	}
	inst, err := w.s.providers.Start(ctx, provider.StartRequest{
		Envelope: strings.TrimSpace(string(envelope)),
		LinkName: linkName,
		Path:     path,
		Config:   config,
	})
	if err != nil {
		return "", err
	}
	return inst.ProviderID, nil
}

func (w workloads) StopProvider(ctx context.Context, id identity.ID, linkName string) error {
	return w.s.providers.Stop(ctx, id, linkName)
}

func (w workloads) Actors() []wire.ActorRecord {
	list := w.s.actors.List()
	out := make([]wire.ActorRecord, 0, len(list))
	for _, a := range list {
		out = append(out, wire.ActorRecord{ActorID: a.ID.String(), Count: uint32(a.Count)})
	}
	return out
}

// Providers lists instances that have not reached a terminal state.
func (w workloads) Providers() []wire.ProviderRecord {
	list := w.s.providers.List()
	out := make([]wire.ProviderRecord, 0, len(list))
	for _, p := range list {
		if p.State.Terminal() {
			continue
		}
		out = append(out, wire.ProviderRecord{
			ProviderID: p.ProviderID.String(),
			LinkName:   p.LinkName,
			Contract:   p.Contract,
			State:      string(p.State),
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ProviderID != out[j].ProviderID {
			return out[i].ProviderID < out[j].ProviderID
		}
		return out[i].LinkName < out[j].LinkName
	})
	return out
}
