package lattice

import (
	"maps"
	"sort"
	"sync/atomic"
	"time"

	"github.com/danmuck/lattice/internal/protocol/wire"
	"github.com/danmuck/lattice/internal/provider"
)

// HostRecord is one host as observed through heartbeats and host-scoped
// events. Records handed to readers are copies.
type HostRecord struct {
	HostID    string
	LatticeID string
	Labels    map[string]string
	Interval  time.Duration
	LastSeen  time.Time
	// Stamp is the stamp of the last applied heartbeat snapshot.
	Stamp     wire.Stamp
	Actors    map[string]uint32
	Providers map[string]wire.ProviderRecord

	// stamps holds the newest event stamp applied per entity key.
	stamps map[string]wire.Stamp
}

// ActorInstance is the count of one actor on one host.
type ActorInstance struct {
	ActorID string
	HostID  string
	Count   uint32
}

// Live reports whether the host was heard from within misses heartbeat
// intervals of now.
func (r HostRecord) Live(now time.Time, misses int) bool {
	if misses <= 0 {
		misses = DefaultLivenessMisses
	}
	return now.Sub(r.LastSeen) <= r.Interval*time.Duration(misses)
}

func (r HostRecord) clone() HostRecord {
	out := r
	out.Labels = maps.Clone(r.Labels)
	out.Actors = maps.Clone(r.Actors)
	out.Providers = maps.Clone(r.Providers)
	out.stamps = maps.Clone(r.stamps)
	if out.Actors == nil {
		out.Actors = map[string]uint32{}
	}
	if out.Providers == nil {
		out.Providers = map[string]wire.ProviderRecord{}
	}
	if out.stamps == nil {
		out.stamps = map[string]wire.Stamp{}
	}
	return out
}

// newest is the latest stamp known for entity: its own event stamp or the
// snapshot stamp, whichever is later.
func (r HostRecord) newest(entity string) wire.Stamp {
	s := r.Stamp
	if es, ok := r.stamps[entity]; ok && s.Less(es) {
		s = es
	}
	return s
}

// latest is the newest stamp applied to the record from any fact.
func (r HostRecord) latest() wire.Stamp {
	s := r.Stamp
	for _, es := range r.stamps {
		if s.Less(es) {
			s = es
		}
	}
	return s
}

func actorEntity(id string) string { return "actor/" + id }

func providerEntity(id, link string) string { return "provider/" + providerKey(id, link) }

func providerKey(id, link string) string { return id + "/" + link }

// hostTable is a copy-on-write host map. Only the application loop writes it.
type hostTable struct {
	cur atomic.Pointer[map[string]HostRecord]
}

func newHostTable() *hostTable {
	t := &hostTable{}
	empty := map[string]HostRecord{}
	t.cur.Store(&empty)
	return t
}

func (t *hostTable) load() map[string]HostRecord { return *t.cur.Load() }

func (t *hostTable) get(id string) (HostRecord, bool) {
	r, ok := t.load()[id]
	return r, ok
}

func (t *hostTable) put(r HostRecord) {
	next := maps.Clone(t.load())
	next[r.HostID] = r
	t.cur.Store(&next)
}

func (t *hostTable) remove(ids ...string) {
	next := maps.Clone(t.load())
	for _, id := range ids {
		delete(next, id)
	}
	t.cur.Store(&next)
}

// live returns copies of hosts alive at now, sorted by id.
func (t *hostTable) live(now time.Time, misses int) []HostRecord {
	out := make([]HostRecord, 0)
	for _, r := range t.load() {
		if r.Live(now, misses) {
			out = append(out, r.clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].HostID < out[j].HostID })
	return out
}

// healthyAnywhere reports whether any live host runs providerID in a
// routable state.
func (t *hostTable) healthyAnywhere(providerID string, now time.Time, misses int) bool {
	for _, r := range t.load() {
		if !r.Live(now, misses) {
			continue
		}
		for _, p := range r.Providers {
			if p.ProviderID == providerID && provider.State(p.State) == provider.StateHealthy {
				return true
			}
		}
	}
	return false
}
