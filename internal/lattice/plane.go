// Package lattice keeps this host's view of the lattice: which hosts are
// alive, what they run, and which links exist. Every inbound fact is a
// message into one application loop, the only writer of host records and of
// the link registry.
package lattice

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/time/rate"

	"github.com/danmuck/lattice/internal/bus"
	"github.com/danmuck/lattice/internal/identity"
	"github.com/danmuck/lattice/internal/links"
	logs "github.com/danmuck/lattice/internal/logging"
	"github.com/danmuck/lattice/internal/observability"
	"github.com/danmuck/lattice/internal/protocol"
	"github.com/danmuck/lattice/internal/protocol/wire"
)

var (
	ErrQueueFull      = errors.New("lattice: apply queue full")
	ErrRateLimited    = errors.New("lattice: rate limited")
	ErrNoRuntime      = errors.New("lattice: host runs no workloads")
	ErrInvalidCommand = errors.New("lattice: invalid command")
)

const (
	DefaultHeartbeatInterval = 15 * time.Second
	DefaultLivenessMisses    = 3
)

// Event application results reported to the telemetry sink.
const (
	ResultApplied   = "applied"
	ResultDuplicate = "duplicate"
	ResultStale     = "stale"
	ResultMalformed = "malformed"
	ResultDropped   = "dropped"
	ResultIgnored   = "ignored"
)

type Config struct {
	LatticeID         string
	HostID            identity.ID
	Labels            map[string]string
	HeartbeatInterval time.Duration
	LivenessMisses    int

	QueueSize      int
	SeenEvents     int
	Departed       int
	QueryRate      rate.Limit
	QueryBurst     int
	ApplyTimeout   time.Duration
	CommandTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		LatticeID:         protocol.DefaultLattice,
		HeartbeatInterval: DefaultHeartbeatInterval,
		LivenessMisses:    DefaultLivenessMisses,
		QueueSize:         1024,
		SeenEvents:        4096,
		Departed:          1024,
		QueryRate:         50,
		QueryBurst:        20,
		ApplyTimeout:      2 * time.Second,
		CommandTimeout:    45 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if strings.TrimSpace(c.LatticeID) == "" {
		c.LatticeID = def.LatticeID
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = def.HeartbeatInterval
	}
	if c.LivenessMisses <= 0 {
		c.LivenessMisses = def.LivenessMisses
	}
	if c.QueueSize <= 0 {
		c.QueueSize = def.QueueSize
	}
	if c.SeenEvents <= 0 {
		c.SeenEvents = def.SeenEvents
	}
	if c.Departed <= 0 {
		c.Departed = def.Departed
	}
	if c.QueryRate <= 0 {
		c.QueryRate = def.QueryRate
	}
	if c.QueryBurst <= 0 {
		c.QueryBurst = def.QueryBurst
	}
	if c.ApplyTimeout <= 0 {
		c.ApplyTimeout = def.ApplyTimeout
	}
	if c.CommandTimeout <= 0 {
		c.CommandTimeout = def.CommandTimeout
	}
	return c
}

// Runtime is what this host runs. Commands are executed through it and
// heartbeats and inventory replies are built from it. A nil Runtime makes
// the plane an observer that rejects commands.
type Runtime interface {
	StartActor(ctx context.Context, ref string, count int) (identity.ID, error)
	StopActor(ctx context.Context, id identity.ID, count int) error
	ScaleActor(ctx context.Context, id identity.ID, count int) error
	StartProvider(ctx context.Context, ref, linkName string, config map[string]string) (identity.ID, error)
	StopProvider(ctx context.Context, id identity.ID, linkName string) error
	Actors() []wire.ActorRecord
	Providers() []wire.ProviderRecord
}

// fact is one unit of work for the application loop.
type fact struct {
	heartbeat *wire.Heartbeat
	event     *wire.Event
	done      chan struct{}
}

type Plane struct {
	cfg      Config
	conn     bus.Conn
	subjects protocol.Subjects
	registry *links.Registry
	runtime  Runtime
	sink     observability.Sink
	now      func() time.Time

	hosts *hostTable
	seen  *lru.Cache[string, struct{}]
	// departed holds the last stamp of hosts that stopped or aged out.
	departed *lru.Cache[string, wire.Stamp]
	limiter  *rate.Limiter
	queue    chan fact

	epoch uint64
	seq   atomic.Uint64

	mu      sync.Mutex
	subs    []bus.Subscription
	runCtx  context.Context
	started bool
	stopped bool
}

// New builds a plane writing into registry. registry must not be written by
// anything else.
func New(cfg Config, conn bus.Conn, registry *links.Registry, runtime Runtime, sink observability.Sink) *Plane {
	cfg = cfg.withDefaults()
	if sink == nil {
		sink = observability.Nop{}
	}
	if registry == nil {
		registry = links.NewRegistry()
	}
	seen, _ := lru.New[string, struct{}](cfg.SeenEvents)
	departed, _ := lru.New[string, wire.Stamp](cfg.Departed)
	return &Plane{
		cfg:      cfg,
		conn:     conn,
		subjects: protocol.NewSubjects(cfg.LatticeID),
		registry: registry,
		runtime:  runtime,
		sink:     sink,
		now:      time.Now,
		hosts:    newHostTable(),
		seen:     seen,
		departed: departed,
		limiter:  rate.NewLimiter(cfg.QueryRate, cfg.QueryBurst),
		queue:    make(chan fact, cfg.QueueSize),
		epoch:    uint64(time.Now().UnixNano()),
		runCtx:   context.Background(),
	}
}

func (p *Plane) Config() Config { return p.cfg }

func (p *Plane) Registry() *links.Registry { return p.registry }

// Start subscribes to heartbeats, events, and this host's inventory and
// command subjects. Facts are queued until Run drains them.
func (p *Plane) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return nil
	}
	self := p.cfg.HostID.String()
	routes := []struct {
		subject string
		handler bus.Handler
	}{
		{p.subjects.Heartbeat(), p.onHeartbeat},
		{p.subjects.Events(), p.onEvent},
		{p.subjects.Inventory(self), p.onInventory},
		{p.subjects.Commands(self), p.onCommand},
	}
	for _, r := range routes {
		sub, err := p.conn.Subscribe(r.subject, r.handler)
		if err != nil {
			p.unsubscribeLocked()
			return fmt.Errorf("lattice: subscribe %s: %w", r.subject, err)
		}
		p.subs = append(p.subs, sub)
	}
	p.started = true
	logs.Infof("lattice.Plane.Start lattice=%q host=%s", p.cfg.LatticeID, self)
	return nil
}

func (p *Plane) unsubscribeLocked() {
	for _, sub := range p.subs {
		_ = sub.Unsubscribe()
	}
	p.subs = nil
}

// Run is the application loop. It applies queued facts in arrival order and
// ages out silent hosts every heartbeat interval until ctx ends.
func (p *Plane) Run(ctx context.Context) error {
	p.mu.Lock()
	p.runCtx = ctx
	p.mu.Unlock()

	sweep := time.NewTicker(p.cfg.HeartbeatInterval)
	defer sweep.Stop()
	logs.Infof("lattice.Plane.Run host=%s interval=%s", p.cfg.HostID, p.cfg.HeartbeatInterval)
	for {
		select {
		case <-ctx.Done():
			return nil
		case f := <-p.queue:
			p.apply(f)
		case <-sweep.C:
			p.sweep()
		}
	}
}

func (p *Plane) apply(f fact) {
	now := p.now()
	switch {
	case f.heartbeat != nil:
		p.applyHeartbeat(*f.heartbeat, now)
	case f.event != nil:
		p.applyEvent(*f.event, now)
	}
	if f.done != nil {
		close(f.done)
	}
}

// enqueue hands f to the loop without blocking the caller.
func (p *Plane) enqueue(f fact) error {
	select {
	case p.queue <- f:
		return nil
	default:
		return ErrQueueFull
	}
}

// applyNow queues f and waits until the loop has applied it.
func (p *Plane) applyNow(ctx context.Context, f fact) error {
	f.done = make(chan struct{})
	ctx, cancel := context.WithTimeout(ctx, p.cfg.ApplyTimeout)
	defer cancel()
	select {
	case p.queue <- f:
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", ErrQueueFull, ctx.Err())
	}
	select {
	case <-f.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Plane) nextStamp() wire.Stamp {
	return wire.Stamp{Epoch: p.epoch, Seq: p.seq.Add(1)}
}

// Emit stamps a host-scoped event from this host, applies it locally and
// publishes it to the lattice.
func (p *Plane) Emit(ctx context.Context, ev wire.Event) (wire.Event, error) {
	ev = p.stampEvent(ev)
	if err := ev.Validate(); err != nil {
		return ev, err
	}
	if err := p.enqueue(fact{event: &ev}); err != nil {
		p.sink.Event(ev.Kind, ResultDropped)
		logs.Warnf("lattice.Plane.Emit local apply dropped kind=%s event=%s err=%v", ev.Kind, ev.EventID, err)
	}
	return ev, p.publishEvent(ctx, ev)
}

func (p *Plane) stampEvent(ev wire.Event) wire.Event {
	ev.EventID = newEventID()
	ev.LatticeID = p.cfg.LatticeID
	ev.HostID = p.cfg.HostID.String()
	ev.Stamp = p.nextStamp()
	ev.TimestampMS = uint64(p.now().UnixMilli())
	return ev
}

func (p *Plane) publishEvent(ctx context.Context, ev wire.Event) error {
	body, err := wire.EncodeEvent(ev)
	if err != nil {
		return err
	}
	if err := p.conn.Publish(ctx, p.subjects.Event(ev.Kind), "", body); err != nil {
		logs.Warnf("lattice.Plane.publishEvent kind=%s event=%s err=%v", ev.Kind, ev.EventID, err)
		return err
	}
	logs.Debugf("lattice.Plane.publishEvent kind=%s event=%s seq=%d", ev.Kind, ev.EventID, ev.Stamp.Seq)
	return nil
}

// Heartbeat builds this host's current heartbeat.
func (p *Plane) Heartbeat() wire.Heartbeat {
	hb := wire.Heartbeat{
		LatticeID:   p.cfg.LatticeID,
		HostID:      p.cfg.HostID.String(),
		Stamp:       p.nextStamp(),
		Interval:    p.cfg.HeartbeatInterval,
		TimestampMS: uint64(p.now().UnixMilli()),
		Labels:      p.cfg.Labels,
	}
	if p.runtime != nil {
		hb.Actors = p.runtime.Actors()
		hb.Providers = p.runtime.Providers()
	}
	return hb
}

// PublishHeartbeat applies this host's heartbeat locally and publishes it.
func (p *Plane) PublishHeartbeat(ctx context.Context) error {
	hb := p.Heartbeat()
	body, err := wire.EncodeHeartbeat(hb)
	if err != nil {
		return err
	}
	if err := p.enqueue(fact{heartbeat: &hb}); err != nil {
		logs.Warnf("lattice.Plane.PublishHeartbeat local apply dropped err=%v", err)
	}
	if err := p.conn.Publish(ctx, p.subjects.Heartbeat(), "", body); err != nil {
		logs.Warnf("lattice.Plane.PublishHeartbeat host=%s err=%v", hb.HostID, err)
		return err
	}
	logs.Tracef("lattice.Plane.PublishHeartbeat host=%s seq=%d actors=%d providers=%d", hb.HostID, hb.Stamp.Seq, len(hb.Actors), len(hb.Providers))
	return nil
}

// Stop announces host_stopped and drops every subscription.
func (p *Plane) Stop(ctx context.Context) error {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return nil
	}
	p.stopped = true
	started := p.started
	p.mu.Unlock()

	var err error
	if started {
		ev := p.stampEvent(wire.Event{Kind: wire.EventHostStopped})
		err = p.publishEvent(ctx, ev)
	}
	p.mu.Lock()
	p.unsubscribeLocked()
	p.mu.Unlock()
	logs.Infof("lattice.Plane.Stop host=%s", p.cfg.HostID)
	return err
}

// Hosts returns copies of every host considered alive at now.
func (p *Plane) Hosts(now time.Time) []HostRecord {
	return p.hosts.live(now, p.cfg.LivenessMisses)
}

// Host returns the record for hostID if it is alive at now.
func (p *Plane) Host(hostID string, now time.Time) (HostRecord, bool) {
	r, ok := p.hosts.get(hostID)
	if !ok || !r.Live(now, p.cfg.LivenessMisses) {
		return HostRecord{}, false
	}
	return r.clone(), true
}

// ActorInstances lists the hosts running actorID at now.
func (p *Plane) ActorInstances(actorID string, now time.Time) []ActorInstance {
	var out []ActorInstance
	for _, r := range p.Hosts(now) {
		if n := r.Actors[actorID]; n > 0 {
			out = append(out, ActorInstance{ActorID: actorID, HostID: r.HostID, Count: n})
		}
	}
	return out
}

// ActorCount is the sum of actorID instances across live hosts.
func (p *Plane) ActorCount(actorID string, now time.Time) int {
	total := 0
	for _, inst := range p.ActorInstances(actorID, now) {
		total += int(inst.Count)
	}
	return total
}

// RunningHosts lists live hosts running providerID in the healthy state.
func (p *Plane) RunningHosts(providerID string, now time.Time) []string {
	var out []string
	for _, r := range p.Hosts(now) {
		for _, pr := range r.Providers {
			if pr.ProviderID == providerID && pr.State == healthyState {
				out = append(out, r.HostID)
				break
			}
		}
	}
	return out
}

// Inventory is this host's local snapshot, as served to inventory requests.
func (p *Plane) Inventory() wire.Inventory {
	inv := wire.Inventory{
		LatticeID:   p.cfg.LatticeID,
		HostID:      p.cfg.HostID.String(),
		Epoch:       p.epoch,
		TimestampMS: uint64(p.now().UnixMilli()),
		Labels:      p.cfg.Labels,
	}
	if p.runtime != nil {
		inv.Actors = p.runtime.Actors()
		inv.Providers = p.runtime.Providers()
	}
	for _, e := range p.registry.All() {
		inv.Links = append(inv.Links, linkRecord(e.Definition))
	}
	return inv
}

func (p *Plane) baseContext() context.Context {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.runCtx
}
