package lattice

import (
	"context"
	"maps"

	"github.com/danmuck/lattice/internal/actor"
	"github.com/danmuck/lattice/internal/identity"
	"github.com/danmuck/lattice/internal/links"
	logs "github.com/danmuck/lattice/internal/logging"
	"github.com/danmuck/lattice/internal/protocol/wire"
	"github.com/danmuck/lattice/internal/provider"
)

var (
	_ provider.Announcer = (*Plane)(nil)
	_ actor.Announcer    = (*Plane)(nil)
)

func linkRecord(d links.Definition) wire.LinkRecord {
	return wire.LinkRecord{
		Source:   d.Source.String(),
		Target:   d.Target.String(),
		Contract: d.Contract,
		LinkName: links.NormalizeLinkName(d.LinkName),
		Config:   maps.Clone(d.Config),
	}
}

func linkDefinition(l wire.LinkRecord) links.Definition {
	return links.Definition{
		Source:   identity.ID(l.Source),
		Target:   identity.ID(l.Target),
		Contract: l.Contract,
		LinkName: l.LinkName,
		Config:   maps.Clone(l.Config),
	}
}

// PutLink publishes a link_put for def. The registry changes when the event
// is applied, here and on every other host.
func (p *Plane) PutLink(ctx context.Context, def links.Definition) (wire.Event, error) {
	if err := def.Validate(); err != nil {
		return wire.Event{}, err
	}
	rec := linkRecord(def)
	return p.Emit(ctx, wire.Event{Kind: wire.EventLinkPut, Link: &rec})
}

// RemoveLink publishes a link_removed for the key.
func (p *Plane) RemoveLink(ctx context.Context, source identity.ID, contract, linkName string) (wire.Event, error) {
	k := links.NewKey(source, contract, linkName)
	rec := wire.LinkRecord{
		Source:   k.Source.String(),
		Contract: k.Contract,
		LinkName: k.LinkName,
	}
	if e, ok := p.registry.Lookup(k.Source, k.Contract, k.LinkName); ok {
		rec.Target = e.Target.String()
	}
	return p.Emit(ctx, wire.Event{Kind: wire.EventLinkRemoved, Link: &rec})
}

func (p *Plane) announce(ev wire.Event) {
	if _, err := p.Emit(p.baseContext(), ev); err != nil {
		logs.Warnf("lattice.Plane.announce kind=%s err=%v", ev.Kind, err)
	}
}

func (p *Plane) ActorStarted(id identity.ID, count int) {
	p.announce(wire.Event{Kind: wire.EventActorStarted, ActorID: id.String(), Count: uint32(count)})
}

func (p *Plane) ActorStopped(id identity.ID, remaining int) {
	p.announce(wire.Event{Kind: wire.EventActorStopped, ActorID: id.String(), Count: uint32(remaining)})
}

func (p *Plane) ProviderStarted(inst provider.Instance) {
	p.announce(wire.Event{
		Kind:       wire.EventProviderStarted,
		ProviderID: inst.ProviderID.String(),
		LinkName:   inst.LinkName,
		Contract:   inst.Contract,
		Healthy:    true,
	})
}

// Withdrawing marks the instance unhealthy and waits until this host's
// registry reflects it, so the caller can drain knowing no new calls are
// routed here.
func (p *Plane) Withdrawing(inst provider.Instance) {
	ev := p.stampEvent(wire.Event{
		Kind:       wire.EventProviderHealth,
		ProviderID: inst.ProviderID.String(),
		LinkName:   inst.LinkName,
		Contract:   inst.Contract,
		Healthy:    false,
	})
	ctx := p.baseContext()
	if err := p.applyNow(ctx, fact{event: &ev}); err != nil {
		logs.Warnf("lattice.Plane.Withdrawing provider=%s link=%q err=%v", inst.ProviderID, inst.LinkName, err)
	}
	if err := p.publishEvent(ctx, ev); err != nil {
		logs.Warnf("lattice.Plane.Withdrawing publish provider=%s err=%v", inst.ProviderID, err)
	}
}

func (p *Plane) ProviderStopped(inst provider.Instance) {
	p.announce(wire.Event{
		Kind:       wire.EventProviderStopped,
		ProviderID: inst.ProviderID.String(),
		LinkName:   inst.LinkName,
		Contract:   inst.Contract,
	})
}

func (p *Plane) ProviderHealth(inst provider.Instance, healthy bool) {
	p.announce(wire.Event{
		Kind:       wire.EventProviderHealth,
		ProviderID: inst.ProviderID.String(),
		LinkName:   inst.LinkName,
		Contract:   inst.Contract,
		Healthy:    healthy,
	})
}
