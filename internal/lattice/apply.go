package lattice

import (
	"time"

	"github.com/google/uuid"

	"github.com/danmuck/lattice/internal/bus"
	"github.com/danmuck/lattice/internal/identity"
	"github.com/danmuck/lattice/internal/links"
	logs "github.com/danmuck/lattice/internal/logging"
	"github.com/danmuck/lattice/internal/protocol/schema"
	"github.com/danmuck/lattice/internal/protocol/wire"
	"github.com/danmuck/lattice/internal/provider"
)

const (
	kindHeartbeat = "heartbeat"

	healthyState   = string(provider.StateHealthy)
	unhealthyState = string(provider.StateUnhealthy)
)

func newEventID() string { return uuid.NewString() }

func (p *Plane) onHeartbeat(m bus.Message) {
	f, err := wire.Open(m.Data, schema.MsgHeartbeat)
	if err != nil {
		p.sink.Event(kindHeartbeat, ResultMalformed)
		logs.Warnf("lattice.Plane.onHeartbeat subject=%q err=%v", m.Subject, err)
		return
	}
	hb, err := wire.DecodeHeartbeat(f)
	if err != nil {
		p.sink.Event(kindHeartbeat, ResultMalformed)
		logs.Warnf("lattice.Plane.onHeartbeat subject=%q err=%v", m.Subject, err)
		return
	}
	if err := p.enqueue(fact{heartbeat: &hb}); err != nil {
		p.sink.Event(kindHeartbeat, ResultDropped)
		logs.Warnf("lattice.Plane.onHeartbeat host=%s err=%v", hb.HostID, err)
	}
}

func (p *Plane) onEvent(m bus.Message) {
	f, err := wire.Open(m.Data, schema.MsgEvent)
	if err != nil {
		p.sink.Event("unknown", ResultMalformed)
		logs.Warnf("lattice.Plane.onEvent subject=%q err=%v", m.Subject, err)
		return
	}
	ev, err := wire.DecodeEvent(f)
	if err != nil {
		p.sink.Event(ev.Kind, ResultMalformed)
		logs.Warnf("lattice.Plane.onEvent subject=%q err=%v", m.Subject, err)
		return
	}
	if err := p.enqueue(fact{event: &ev}); err != nil {
		p.sink.Event(ev.Kind, ResultDropped)
		logs.Warnf("lattice.Plane.onEvent kind=%s event=%s err=%v", ev.Kind, ev.EventID, err)
	}
}

// applyHeartbeat replaces a host's snapshot. Entities changed by events
// newer than the heartbeat keep their event state.
func (p *Plane) applyHeartbeat(hb wire.Heartbeat, now time.Time) {
	if hb.LatticeID != p.cfg.LatticeID {
		p.sink.Event(kindHeartbeat, ResultIgnored)
		return
	}
	if p.departedSince(hb.HostID, hb.Stamp) {
		p.sink.Event(kindHeartbeat, ResultStale)
		logs.Debugf("lattice.Plane.applyHeartbeat departed host=%s got=%d/%d", hb.HostID, hb.Stamp.Epoch, hb.Stamp.Seq)
		return
	}
	prev, known := p.hosts.get(hb.HostID)
	if known && !prev.Stamp.Less(hb.Stamp) {
		if prev.Stamp == hb.Stamp {
			p.sink.Event(kindHeartbeat, ResultDuplicate)
		} else {
			p.sink.Event(kindHeartbeat, ResultStale)
			logs.Debugf("lattice.Plane.applyHeartbeat stale host=%s have=%d/%d got=%d/%d", hb.HostID, prev.Stamp.Epoch, prev.Stamp.Seq, hb.Stamp.Epoch, hb.Stamp.Seq)
		}
		return
	}

	next := HostRecord{
		HostID:    hb.HostID,
		LatticeID: hb.LatticeID,
		Labels:    hb.Labels,
		Interval:  hb.Interval,
		LastSeen:  now,
		Stamp:     hb.Stamp,
	}.clone()
	for _, a := range hb.Actors {
		if a.Count > 0 {
			next.Actors[a.ActorID] = a.Count
		}
	}
	for _, pr := range hb.Providers {
		pr.LinkName = links.NormalizeLinkName(pr.LinkName)
		next.Providers[providerKey(pr.ProviderID, pr.LinkName)] = pr
	}

	touched := map[string]struct{}{}
	for _, pr := range next.Providers {
		touched[pr.ProviderID] = struct{}{}
	}
	if known {
		// Keep entity state that is newer than this snapshot.
		for entity, s := range prev.stamps {
			if !hb.Stamp.Less(s) {
				continue
			}
			next.stamps[entity] = s
			p.carryEntity(prev, &next, entity)
		}
		for _, pr := range prev.Providers {
			touched[pr.ProviderID] = struct{}{}
		}
	}
	p.hosts.put(next)
	p.departed.Remove(hb.HostID)
	if !known {
		logs.Infof("lattice.Plane.applyHeartbeat host joined host=%s lattice=%q interval=%s", hb.HostID, hb.LatticeID, hb.Interval)
	}
	p.sink.Event(kindHeartbeat, ResultApplied)
	p.reroute(touched, now)
	p.sink.RunningHosts(len(p.hosts.live(now, p.cfg.LivenessMisses)))
}

// carryEntity copies entity state from prev into next, including removal.
func (p *Plane) carryEntity(prev HostRecord, next *HostRecord, entity string) {
	for id, n := range prev.Actors {
		if actorEntity(id) == entity {
			next.Actors[id] = n
			return
		}
	}
	for key, pr := range prev.Providers {
		if providerEntity(pr.ProviderID, pr.LinkName) == entity {
			next.Providers[key] = pr
			return
		}
	}
	// Removed by a newer event: drop what the snapshot still listed.
	for id := range next.Actors {
		if actorEntity(id) == entity {
			delete(next.Actors, id)
		}
	}
	for key, pr := range next.Providers {
		if providerEntity(pr.ProviderID, pr.LinkName) == entity {
			delete(next.Providers, key)
		}
	}
}

func (p *Plane) applyEvent(ev wire.Event, now time.Time) {
	if err := ev.Validate(); err != nil {
		p.sink.Event(ev.Kind, ResultMalformed)
		logs.Warnf("lattice.Plane.applyEvent kind=%s err=%v", ev.Kind, err)
		return
	}
	if ev.LatticeID != p.cfg.LatticeID {
		p.sink.Event(ev.Kind, ResultIgnored)
		return
	}
	if _, dup := p.seen.Get(ev.EventID); dup {
		p.sink.Event(ev.Kind, ResultDuplicate)
		return
	}
	p.seen.Add(ev.EventID, struct{}{})

	var result string
	switch ev.Kind {
	case wire.EventLinkPut:
		result = p.applyLinkPut(ev)
	case wire.EventLinkRemoved:
		result = p.applyLinkRemoved(ev)
	case wire.EventHostStopped:
		result = p.applyHostStopped(ev, now)
	default:
		result = p.applyHostFact(ev, now)
	}
	p.sink.Event(ev.Kind, result)
	logs.Debugf("lattice.Plane.applyEvent kind=%s host=%s event=%s result=%s", ev.Kind, ev.HostID, ev.EventID, result)
}

func (p *Plane) applyLinkPut(ev wire.Event) string {
	def := linkDefinition(*ev.Link)
	entry, changed, err := p.registry.Put(def)
	if err != nil {
		logs.Warnf("lattice.Plane.applyLinkPut event=%s err=%v", ev.EventID, err)
		return ResultMalformed
	}
	if !changed {
		return ResultDuplicate
	}
	logs.Infof("lattice.Plane.applyLinkPut source=%s contract=%q link=%q target=%s gen=%d", entry.Source, entry.Contract, entry.LinkName, entry.Target, entry.Generation)
	return ResultApplied
}

func (p *Plane) applyLinkRemoved(ev wire.Event) string {
	l := ev.Link
	def, ok := p.registry.Remove(identity.ID(l.Source), l.Contract, l.LinkName)
	if !ok {
		return ResultDuplicate
	}
	logs.Infof("lattice.Plane.applyLinkRemoved source=%s contract=%q link=%q target=%s", def.Source, def.Contract, def.LinkName, def.Target)
	return ResultApplied
}

func (p *Plane) applyHostStopped(ev wire.Event, now time.Time) string {
	if p.departedSince(ev.HostID, ev.Stamp) {
		return ResultDuplicate
	}
	prev, ok := p.hosts.get(ev.HostID)
	if !ok {
		// Stopped before anything else from it arrived.
		p.departed.Add(ev.HostID, ev.Stamp)
		return ResultApplied
	}
	if ev.Stamp.Less(prev.Stamp) {
		return ResultStale
	}
	last := prev.latest()
	if last.Less(ev.Stamp) {
		last = ev.Stamp
	}
	p.departed.Add(ev.HostID, last)
	p.hosts.remove(ev.HostID)
	touched := map[string]struct{}{}
	for _, pr := range prev.Providers {
		touched[pr.ProviderID] = struct{}{}
	}
	p.reroute(touched, now)
	p.sink.RunningHosts(len(p.hosts.live(now, p.cfg.LivenessMisses)))
	logs.Infof("lattice.Plane.applyHostStopped host=%s", ev.HostID)
	return ResultApplied
}

// applyHostFact applies actor and provider events, creating the host record
// when this is the first fact seen from that host.
func (p *Plane) applyHostFact(ev wire.Event, now time.Time) string {
	if p.departedSince(ev.HostID, ev.Stamp) {
		return ResultStale
	}
	rec, known := p.hosts.get(ev.HostID)
	if !known {
		rec = HostRecord{
			HostID:    ev.HostID,
			LatticeID: ev.LatticeID,
			Interval:  p.cfg.HeartbeatInterval,
		}
	}
	rec = rec.clone()

	var entity string
	switch ev.Kind {
	case wire.EventActorStarted, wire.EventActorStopped:
		entity = actorEntity(ev.ActorID)
	default:
		entity = providerEntity(ev.ProviderID, links.NormalizeLinkName(ev.LinkName))
	}
	if known && !rec.newest(entity).Less(ev.Stamp) {
		return ResultStale
	}
	rec.stamps[entity] = ev.Stamp
	rec.LastSeen = now

	touched := map[string]struct{}{}
	switch ev.Kind {
	case wire.EventActorStarted, wire.EventActorStopped:
		if ev.Count == 0 {
			delete(rec.Actors, ev.ActorID)
		} else {
			rec.Actors[ev.ActorID] = ev.Count
		}
	case wire.EventProviderStarted, wire.EventProviderHealth:
		state := healthyState
		if ev.Kind == wire.EventProviderHealth && !ev.Healthy {
			state = unhealthyState
		}
		link := links.NormalizeLinkName(ev.LinkName)
		key := providerKey(ev.ProviderID, link)
		pr := rec.Providers[key]
		pr.ProviderID = ev.ProviderID
		pr.LinkName = link
		if ev.Contract != "" {
			pr.Contract = ev.Contract
		}
		pr.State = state
		rec.Providers[key] = pr
		touched[ev.ProviderID] = struct{}{}
	case wire.EventProviderStopped:
		delete(rec.Providers, providerKey(ev.ProviderID, links.NormalizeLinkName(ev.LinkName)))
		touched[ev.ProviderID] = struct{}{}
	}
	p.hosts.put(rec)
	p.departed.Remove(ev.HostID)
	p.reroute(touched, now)
	return ResultApplied
}

// departedSince reports whether hostID stopped or aged out at or after s.
// Facts it published before leaving must not bring it back.
func (p *Plane) departedSince(hostID string, s wire.Stamp) bool {
	last, ok := p.departed.Get(hostID)
	return ok && !last.Less(s)
}

// reroute withdraws or restores each provider's links depending on whether
// any live host still runs it healthy.
func (p *Plane) reroute(providers map[string]struct{}, now time.Time) {
	for id := range providers {
		target := identity.ID(id)
		if p.hosts.healthyAnywhere(id, now, p.cfg.LivenessMisses) {
			if p.registry.Restore(target) {
				logs.Infof("lattice.Plane.reroute restored target=%s", target)
			}
			continue
		}
		if p.registry.Withdraw(target) {
			logs.Infof("lattice.Plane.reroute withdrawn target=%s", target)
		}
	}
}

// sweep forgets hosts that have gone silent and reroutes their providers.
func (p *Plane) sweep() {
	now := p.now()
	var dead []string
	touched := map[string]struct{}{}
	for id, r := range p.hosts.load() {
		if r.Live(now, p.cfg.LivenessMisses) {
			continue
		}
		dead = append(dead, id)
		p.departed.Add(id, r.latest())
		for _, pr := range r.Providers {
			touched[pr.ProviderID] = struct{}{}
		}
	}
	if len(dead) == 0 {
		return
	}
	p.hosts.remove(dead...)
	p.reroute(touched, now)
	p.sink.RunningHosts(len(p.hosts.live(now, p.cfg.LivenessMisses)))
	logs.Warnf("lattice.Plane.sweep aged out hosts=%v", dead)
}
