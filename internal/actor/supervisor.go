// Package actor runs verified components on this host and serves their rpc
// subjects through the dispatcher.
package actor

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/lattice/internal/artifact"
	"github.com/danmuck/lattice/internal/attest"
	"github.com/danmuck/lattice/internal/claims"
	"github.com/danmuck/lattice/internal/dispatch"
	"github.com/danmuck/lattice/internal/identity"
	logs "github.com/danmuck/lattice/internal/logging"
	"github.com/danmuck/lattice/internal/protocol/wire"
)

var (
	ErrNoEngine     = errors.New("actor: no component runtime configured")
	ErrNotRunning   = errors.New("actor: not running")
	ErrInvalidCount = errors.New("actor: invalid instance count")
	ErrNotAnActor   = errors.New("actor: claims subject is not a module")
	// ErrHashMismatch means the module bytes differ from the ones the claims were signed over.
	ErrHashMismatch = fmt.Errorf("%w: module hash mismatch", attest.ErrAttestation)
)

// MaxInstances bounds the instance count of one actor on one host.
const MaxInstances = 1024

// Dispatcher is the slice of *dispatch.Dispatcher the supervisor needs.
type Dispatcher interface {
	Invoke(ctx context.Context, req dispatch.Request) (dispatch.Result, error)
	Serve(target identity.ID, h dispatch.Handler) error
	Unserve(target identity.ID) error
}

// Announcer publishes actor count changes.
type Announcer interface {
	ActorStarted(id identity.ID, count int)
	ActorStopped(id identity.ID, remaining int)
}

// Actor is a point-in-time view of one running actor.
type Actor struct {
	ID           identity.ID
	Name         string
	Ref          string
	Issuer       identity.ID
	Capabilities []string
	Count        int
	StartedAt    time.Time
}

type running struct {
	claims    claims.Claims
	envelope  string
	ref       string
	module    []byte
	startedAt time.Time

	mu        sync.RWMutex
	instances []Instance
	next      atomic.Uint64
}

func (r *running) view() Actor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return Actor{
		ID:           r.claims.Subject,
		Name:         r.claims.Name,
		Ref:          r.ref,
		Issuer:       r.claims.Issuer,
		Capabilities: append([]string(nil), r.claims.Capabilities...),
		Count:        len(r.instances),
		StartedAt:    r.startedAt,
	}
}

// pick returns instances round robin.
func (r *running) pick() (Instance, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.instances) == 0 {
		return nil, false
	}
	n := r.next.Add(1)
	return r.instances[int(n%uint64(len(r.instances)))], true
}

type Supervisor struct {
	engine     Engine
	source     artifact.Source
	verifier   *attest.Verifier
	dispatcher Dispatcher
	announcer  Announcer
	now        func() time.Time

	// ops serializes lifecycle changes; reads go through mu.
	ops    sync.Mutex
	mu     sync.RWMutex
	actors map[identity.ID]*running
}

func NewSupervisor(engine Engine, source artifact.Source, verifier *attest.Verifier, dispatcher Dispatcher, announcer Announcer) *Supervisor {
	if source == nil {
		source = artifact.FileSource{}
	}
	if verifier == nil {
		verifier = attest.NewVerifier(attest.DefaultConfig(), nil)
	}
	if announcer == nil {
		announcer = nopAnnouncer{}
	}
	return &Supervisor{
		engine:     engine,
		source:     source,
		verifier:   verifier,
		dispatcher: dispatcher,
		announcer:  announcer,
		now:        time.Now,
		actors:     make(map[identity.ID]*running),
	}
}

// Start fetches ref, verifies its embedded claims and runs count instances.
// Starting an actor that already runs adds count instances to it.
func (s *Supervisor) Start(ctx context.Context, ref string, count int) (Actor, error) {
	if count <= 0 || count > MaxInstances {
		return Actor{}, fmt.Errorf("%w: %d", ErrInvalidCount, count)
	}
	if s.engine == nil {
		return Actor{}, ErrNoEngine
	}
	module, err := s.source.Fetch(ctx, ref)
	if err != nil {
		return Actor{}, err
	}
	envelope, err := claims.Extract(module)
	if err != nil {
		return Actor{}, err
	}
	c, err := s.verifier.Verify(envelope, s.now())
	if err != nil {
		return Actor{}, err
	}
	if kind, err := c.SubjectKind(); err != nil || kind != identity.KindModule {
		return Actor{}, fmt.Errorf("%w: %s", ErrNotAnActor, c.Subject)
	}
	if c.ModuleHash != "" {
		hash, err := claims.ModuleHash(module)
		if err != nil {
			return Actor{}, err
		}
		if hash != c.ModuleHash {
			return Actor{}, fmt.Errorf("%w: subject=%s", ErrHashMismatch, c.Subject)
		}
	}

	s.ops.Lock()
	defer s.ops.Unlock()

	s.mu.RLock()
	r, exists := s.actors[c.Subject]
	s.mu.RUnlock()
	if exists {
		view, err := s.scaleUp(ctx, r, r.view().Count+count)
		if err != nil {
			return view, err
		}
		s.announcer.ActorStarted(view.ID, view.Count)
		return view, nil
	}

	r = &running{claims: c, envelope: envelope, ref: ref, module: module, startedAt: s.now()}
	if _, err := s.scaleUp(ctx, r, count); err != nil {
		return Actor{}, err
	}
	if err := s.dispatcher.Serve(c.Subject, s.handler(r)); err != nil {
		s.closeInstances(ctx, r, 0)
		return Actor{}, err
	}
	s.mu.Lock()
	s.actors[c.Subject] = r
	s.mu.Unlock()

	view := r.view()
	s.announcer.ActorStarted(view.ID, view.Count)
	logs.Infof("actor.Supervisor.Start actor=%s name=%q ref=%q count=%d", view.ID, view.Name, ref, view.Count)
	return view, nil
}

// Scale sets the instance count of a running actor; zero stops it.
func (s *Supervisor) Scale(ctx context.Context, id identity.ID, count int) (Actor, error) {
	if count < 0 || count > MaxInstances {
		return Actor{}, fmt.Errorf("%w: %d", ErrInvalidCount, count)
	}
	s.ops.Lock()
	defer s.ops.Unlock()

	s.mu.RLock()
	r, ok := s.actors[id]
	s.mu.RUnlock()
	if !ok {
		return Actor{}, fmt.Errorf("%w: %s", ErrNotRunning, id)
	}
	current := r.view().Count
	switch {
	case count > current:
		view, err := s.scaleUp(ctx, r, count)
		if err != nil {
			return view, err
		}
		s.announcer.ActorStarted(id, view.Count)
		return view, nil
	case count < current:
		return s.stop(ctx, id, r, current-count), nil
	default:
		return r.view(), nil
	}
}

// Stop removes count instances, or all of them when count <= 0.
func (s *Supervisor) Stop(ctx context.Context, id identity.ID, count int) (Actor, error) {
	s.ops.Lock()
	defer s.ops.Unlock()

	s.mu.RLock()
	r, ok := s.actors[id]
	s.mu.RUnlock()
	if !ok {
		return Actor{}, fmt.Errorf("%w: %s", ErrNotRunning, id)
	}
	current := r.view().Count
	if count <= 0 || count > current {
		count = current
	}
	return s.stop(ctx, id, r, count), nil
}

// Shutdown stops every actor.
func (s *Supervisor) Shutdown(ctx context.Context) {
	for _, a := range s.List() {
		if _, err := s.Stop(ctx, a.ID, 0); err != nil && !errors.Is(err, ErrNotRunning) {
			logs.Warnf("actor.Supervisor.Shutdown actor=%s err=%v", a.ID, err)
		}
	}
}

func (s *Supervisor) stop(ctx context.Context, id identity.ID, r *running, count int) Actor {
	remaining := r.view().Count - count
	if remaining <= 0 {
		if err := s.dispatcher.Unserve(id); err != nil {
			logs.Warnf("actor.Supervisor.stop unserve actor=%s err=%v", id, err)
		}
		s.mu.Lock()
		delete(s.actors, id)
		s.mu.Unlock()
		remaining = 0
	}
	s.closeInstances(ctx, r, remaining)
	view := r.view()
	s.announcer.ActorStopped(id, view.Count)
	logs.Infof("actor.Supervisor.Stop actor=%s stopped=%d remaining=%d", id, count, view.Count)
	return view
}

func (s *Supervisor) scaleUp(ctx context.Context, r *running, target int) (Actor, error) {
	if target > MaxInstances {
		return r.view(), fmt.Errorf("%w: %d", ErrInvalidCount, target)
	}
	host := hostCalls{dispatcher: s.dispatcher, claims: r.claims, envelope: r.envelope}
	base := r.view().Count
	for r.view().Count < target {
		inst, err := s.engine.Instantiate(ctx, r.module, host)
		if err != nil {
			// All or nothing: drop what this call added.
			s.closeInstances(ctx, r, base)
			return r.view(), fmt.Errorf("actor: instantiate %s: %w", r.claims.Subject, err)
		}
		r.mu.Lock()
		r.instances = append(r.instances, inst)
		r.mu.Unlock()
	}
	return r.view(), nil
}

// closeInstances trims r down to keep instances.
func (s *Supervisor) closeInstances(ctx context.Context, r *running, keep int) {
	r.mu.Lock()
	if keep > len(r.instances) {
		keep = len(r.instances)
	}
	drop := r.instances[keep:]
	r.instances = r.instances[:keep:keep]
	r.mu.Unlock()
	for _, inst := range drop {
		if err := inst.Close(ctx); err != nil {
			logs.Warnf("actor.Supervisor close instance actor=%s err=%v", r.claims.Subject, err)
		}
	}
}

func (s *Supervisor) handler(r *running) dispatch.Handler {
	return func(ctx context.Context, inv wire.Invocation) ([]byte, error) {
		inst, ok := r.pick()
		if !ok {
			return nil, &dispatch.RemoteError{Target: inv.Target, Message: "actor has no instances", Code: dispatch.CodeNotServed}
		}
		return inst.Call(ctx, inv.Operation, inv.Payload)
	}
}

func (s *Supervisor) Get(id identity.ID) (Actor, bool) {
	s.mu.RLock()
	r, ok := s.actors[id]
	s.mu.RUnlock()
	if !ok {
		return Actor{}, false
	}
	return r.view(), true
}

// List returns running actors ordered by id.
func (s *Supervisor) List() []Actor {
	s.mu.RLock()
	out := make([]Actor, 0, len(s.actors))
	for _, r := range s.actors {
		out = append(out, r.view())
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// hostCalls routes an instance's outbound calls through the dispatcher under
// the actor's own claims.
type hostCalls struct {
	dispatcher Dispatcher
	claims     claims.Claims
	envelope   string
}

func (h hostCalls) HostCall(ctx context.Context, linkName, contract, operation string, payload []byte) ([]byte, error) {
	res, err := h.dispatcher.Invoke(ctx, dispatch.Request{
		Origin:    h.claims,
		Envelope:  h.envelope,
		Contract:  contract,
		Operation: operation,
		LinkName:  linkName,
		Payload:   payload,
	})
	if err != nil {
		return nil, err
	}
	return res.Payload, nil
}

type nopAnnouncer struct{}

func (nopAnnouncer) ActorStarted(identity.ID, int) {}
func (nopAnnouncer) ActorStopped(identity.ID, int) {}
