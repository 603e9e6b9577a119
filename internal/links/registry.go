// Package links stores link definitions for one host.
//
// Reads go through an immutable snapshot published with an atomic pointer, so
// Resolve never blocks and always sees a whole update or none of it. Writes
// are serialized and copy the snapshot; the control plane is the only writer.
package links

import (
	"errors"
	"fmt"
	"maps"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/danmuck/lattice/internal/identity"
)

// DefaultLinkName is used when a definition or lookup names no link.
const DefaultLinkName = "default"

var ErrInvalidDefinition = errors.New("links: invalid definition")

// Key identifies one link: a source may hold one link per contract and name.
type Key struct {
	Source   identity.ID
	Contract string
	LinkName string
}

func NewKey(source identity.ID, contract, linkName string) Key {
	return Key{
		Source:   identity.ID(strings.TrimSpace(source.String())),
		Contract: strings.TrimSpace(contract),
		LinkName: NormalizeLinkName(linkName),
	}
}

func NormalizeLinkName(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return DefaultLinkName
	}
	return name
}

// Definition binds a source actor to a target provider for a contract.
type Definition struct {
	Source   identity.ID
	Target   identity.ID
	Contract string
	LinkName string
	Config   map[string]string
}

// clone copies d so callers cannot reach the stored Config map.
func (d Definition) clone() Definition {
	d.Config = maps.Clone(d.Config)
	return d
}

func (d Definition) Key() Key {
	return NewKey(d.Source, d.Contract, d.LinkName)
}

func (d Definition) normalized() Definition {
	k := d.Key()
	out := Definition{
		Source:   k.Source,
		Target:   identity.ID(strings.TrimSpace(d.Target.String())),
		Contract: k.Contract,
		LinkName: k.LinkName,
		Config:   maps.Clone(d.Config),
	}
	if out.Config == nil {
		out.Config = map[string]string{}
	}
	return out
}

// Validate checks required fields and contract id format.
func (d Definition) Validate() error {
	d = d.normalized()
	if d.Source == "" || d.Target == "" {
		return fmt.Errorf("%w: source and target are required", ErrInvalidDefinition)
	}
	if !ValidContractID(d.Contract) {
		return fmt.Errorf("%w: invalid contract %q", ErrInvalidDefinition, d.Contract)
	}
	if !isValidName(d.LinkName) {
		return fmt.Errorf("%w: invalid link name %q", ErrInvalidDefinition, d.LinkName)
	}
	return nil
}

func (d Definition) sameAs(o Definition) bool {
	return d.Target == o.Target && maps.Equal(d.Config, o.Config)
}

// Entry is a stored definition stamped with the registry generation that wrote it.
type Entry struct {
	Definition
	Generation uint64
}

type snapshot struct {
	entries   map[Key]Entry
	withdrawn map[identity.ID]struct{}
}

// Registry is the per-host link store.
type Registry struct {
	mu  sync.Mutex
	gen uint64
	cur atomic.Pointer[snapshot]
}

func NewRegistry() *Registry {
	r := &Registry{}
	r.cur.Store(&snapshot{
		entries:   map[Key]Entry{},
		withdrawn: map[identity.ID]struct{}{},
	})
	return r
}

// Put stores def, superseding any definition under the same key. Putting an
// identical definition again is a no-op and reports changed=false.
func (r *Registry) Put(def Definition) (Entry, bool, error) {
	if err := def.Validate(); err != nil {
		return Entry{}, false, err
	}
	def = def.normalized()
	key := def.Key()

	r.mu.Lock()
	defer r.mu.Unlock()
	cur := r.cur.Load()
	if prev, ok := cur.entries[key]; ok && prev.sameAs(def) {
		return prev, false, nil
	}
	next := r.clone(cur)
	r.gen++
	e := Entry{Definition: def, Generation: r.gen}
	next.entries[key] = e
	r.cur.Store(next)
	return e, true, nil
}

// Remove deletes the definition under key. Removing a missing key is a no-op.
func (r *Registry) Remove(source identity.ID, contract, linkName string) (Definition, bool) {
	key := NewKey(source, contract, linkName)

	r.mu.Lock()
	defer r.mu.Unlock()
	cur := r.cur.Load()
	prev, ok := cur.entries[key]
	if !ok {
		return Definition{}, false
	}
	next := r.clone(cur)
	delete(next.entries, key)
	r.gen++
	r.cur.Store(next)
	return prev.Definition, true
}

// Resolve returns the routable definition for the key. Definitions whose
// target is withdrawn do not resolve.
func (r *Registry) Resolve(source identity.ID, contract, linkName string) (Definition, bool) {
	snap := r.cur.Load()
	e, ok := snap.entries[NewKey(source, contract, linkName)]
	if !ok {
		return Definition{}, false
	}
	if _, out := snap.withdrawn[e.Target]; out {
		return Definition{}, false
	}
	return e.Definition.clone(), true
}

// Lookup returns the stored entry for the key, withdrawn or not.
func (r *Registry) Lookup(source identity.ID, contract, linkName string) (Entry, bool) {
	e, ok := r.cur.Load().entries[NewKey(source, contract, linkName)]
	e.Definition = e.Definition.clone()
	return e, ok
}

// ForTarget lists definitions addressed to target in key order.
func (r *Registry) ForTarget(target identity.ID) []Definition {
	var out []Definition
	for _, e := range r.All() {
		if e.Target == target {
			out = append(out, e.Definition)
		}
	}
	return out
}

// All lists every stored entry in key order.
func (r *Registry) All() []Entry {
	snap := r.cur.Load()
	out := make([]Entry, 0, len(snap.entries))
	for _, e := range snap.entries {
		e.Definition = e.Definition.clone()
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].Key(), out[j].Key()
		if a.Source != b.Source {
			return a.Source < b.Source
		}
		if a.Contract != b.Contract {
			return a.Contract < b.Contract
		}
		return a.LinkName < b.LinkName
	})
	return out
}

func (r *Registry) Len() int {
	return len(r.cur.Load().entries)
}

// Withdraw hides every definition targeting target from Resolve without
// deleting it. It reports whether the target was newly withdrawn.
func (r *Registry) Withdraw(target identity.ID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur := r.cur.Load()
	if _, ok := cur.withdrawn[target]; ok {
		return false
	}
	next := r.clone(cur)
	next.withdrawn[target] = struct{}{}
	r.gen++
	r.cur.Store(next)
	return true
}

// Restore makes a withdrawn target routable again.
func (r *Registry) Restore(target identity.ID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur := r.cur.Load()
	if _, ok := cur.withdrawn[target]; !ok {
		return false
	}
	next := r.clone(cur)
	delete(next.withdrawn, target)
	r.gen++
	r.cur.Store(next)
	return true
}

func (r *Registry) Withdrawn(target identity.ID) bool {
	_, ok := r.cur.Load().withdrawn[target]
	return ok
}

// Generation returns the number of applied mutations.
func (r *Registry) Generation() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.gen
}

func (r *Registry) clone(cur *snapshot) *snapshot {
	return &snapshot{
		entries:   maps.Clone(cur.entries),
		withdrawn: maps.Clone(cur.withdrawn),
	}
}

// ValidContractID accepts ids like "wasmcloud:keyvalue": lowercase segments
// joined by one colon.
func ValidContractID(id string) bool {
	ns, name, ok := strings.Cut(id, ":")
	if !ok || strings.Contains(name, ":") {
		return false
	}
	return isValidName(ns) && isValidName(name)
}

func isValidName(id string) bool {
	if id == "" {
		return false
	}
	lastSep := false
	for i := 0; i < len(id); i++ {
		c := id[i]
		isLower := c >= 'a' && c <= 'z'
		isDigit := c >= '0' && c <= '9'
		isSep := c == '.' || c == '-' || c == '_'
		if !(isLower || isDigit || isSep) {
			return false
		}
		if i == 0 || i == len(id)-1 {
			if isSep {
				return false
			}
		}
		if isSep && lastSep {
			return false
		}
		lastSep = isSep
	}
	return true
}
