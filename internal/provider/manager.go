// Package provider starts, health-checks and stops capability provider
// processes. Each instance has an explicit state machine and only the
// Manager holds process handles.
package provider

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/danmuck/lattice/internal/attest"
	"github.com/danmuck/lattice/internal/claims"
	"github.com/danmuck/lattice/internal/identity"
	"github.com/danmuck/lattice/internal/links"
	logs "github.com/danmuck/lattice/internal/logging"
	"github.com/danmuck/lattice/internal/observability"
	"github.com/danmuck/lattice/internal/protocol"
)

type Config struct {
	LatticeID string
	HostID    identity.ID
	BusAddr   string

	StartTimeout  time.Duration
	StartPoll     time.Duration
	ProbeInterval time.Duration
	ProbeTimeout  time.Duration
	MissThreshold int
	MissWindow    time.Duration
	DrainGrace    time.Duration
	KillGrace     time.Duration
}

func DefaultConfig() Config {
	return Config{
		LatticeID:     protocol.DefaultLattice,
		StartTimeout:  30 * time.Second,
		StartPoll:     250 * time.Millisecond,
		ProbeInterval: 10 * time.Second,
		ProbeTimeout:  2 * time.Second,
		MissThreshold: 3,
		MissWindow:    60 * time.Second,
		DrainGrace:    5 * time.Second,
		KillGrace:     5 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if strings.TrimSpace(c.LatticeID) == "" {
		c.LatticeID = def.LatticeID
	}
	if c.StartTimeout <= 0 {
		c.StartTimeout = def.StartTimeout
	}
	if c.StartPoll <= 0 {
		c.StartPoll = def.StartPoll
	}
	if c.ProbeInterval <= 0 {
		c.ProbeInterval = def.ProbeInterval
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = def.ProbeTimeout
	}
	if c.MissThreshold <= 0 {
		c.MissThreshold = def.MissThreshold
	}
	if c.MissWindow <= 0 {
		c.MissWindow = def.MissWindow
	}
	if c.DrainGrace <= 0 {
		c.DrainGrace = def.DrainGrace
	}
	if c.KillGrace <= 0 {
		c.KillGrace = def.KillGrace
	}
	return c
}

// Announcer is told about lifecycle changes so they can be published and so
// routing can stop before a process goes away.
type Announcer interface {
	ProviderStarted(inst Instance)
	// Withdrawing is called before draining; no new invocations should be
	// routed to the instance once it returns.
	Withdrawing(inst Instance)
	ProviderStopped(inst Instance)
	ProviderHealth(inst Instance, healthy bool)
}

// InFlightCounter reports invocations still awaiting replies from a target.
type InFlightCounter interface {
	InFlight(target identity.ID) int
}

// LinkLister lists link definitions addressed to a provider.
type LinkLister interface {
	ForTarget(target identity.ID) []links.Definition
}

type Deps struct {
	Verifier  *attest.Verifier
	Launcher  Launcher
	Prober    Prober
	Announcer Announcer
	InFlight  InFlightCounter
	Links     LinkLister
	Sink      observability.Sink
}

// StartRequest names a provider artifact and the claims that admit it.
type StartRequest struct {
	Envelope string
	LinkName string
	Path     string
	Args     []string
	Env      []string
	Config   map[string]string
}

// Key identifies one provider instance on a host.
type Key struct {
	ProviderID identity.ID
	LinkName   string
}

func NewKey(id identity.ID, linkName string) Key {
	return Key{ProviderID: id, LinkName: links.NormalizeLinkName(linkName)}
}

// Instance is a point-in-time view of one provider instance.
type Instance struct {
	ProviderID  identity.ID
	LinkName    string
	Contract    string
	Name        string
	State       State
	Pid         int
	StartedAt   time.Time
	LastHealthy time.Time
	Misses      int
}

type instance struct {
	mu     sync.Mutex
	info   Instance
	claims claims.Claims
	proc   Process
	misses []time.Time

	// life ends when Stop begins; it aborts a pending start and the watch loop.
	life     context.Context
	cancel   context.CancelFunc
	settled  chan struct{}
	loopDone chan struct{}
}

func (i *instance) snapshot() Instance {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.info
}

type Manager struct {
	cfg  Config
	deps Deps
	now  func() time.Time

	mu        sync.Mutex
	instances map[Key]*instance
}

func NewManager(cfg Config, deps Deps) *Manager {
	if deps.Verifier == nil {
		deps.Verifier = attest.NewVerifier(attest.DefaultConfig(), nil)
	}
	if deps.Launcher == nil {
		deps.Launcher = ExecLauncher{}
	}
	if deps.Announcer == nil {
		deps.Announcer = nopAnnouncer{}
	}
	if deps.Sink == nil {
		deps.Sink = observability.Nop{}
	}
	return &Manager{
		cfg:       cfg.withDefaults(),
		deps:      deps,
		now:       time.Now,
		instances: make(map[Key]*instance),
	}
}

// Start verifies the provider claims, launches the process and waits for
// its first healthy probe. Failures are not retried.
func (m *Manager) Start(ctx context.Context, req StartRequest) (Instance, error) {
	c, err := m.deps.Verifier.Verify(req.Envelope, m.now())
	if err != nil {
		return Instance{}, fmt.Errorf("%w: %w", ErrStartFailure, err)
	}
	if kind, err := c.SubjectKind(); err != nil || kind != identity.KindProvider || c.Contract == "" {
		return Instance{}, fmt.Errorf("%w: claims for %s do not describe a provider", ErrStartFailure, c.Subject)
	}
	key := NewKey(c.Subject, req.LinkName)
	life, cancel := context.WithCancel(context.Background())
	inst := &instance{
		life:    life,
		cancel:  cancel,
		settled: make(chan struct{}),
		info: Instance{
			ProviderID: c.Subject,
			LinkName:   key.LinkName,
			Contract:   c.Contract,
			Name:       c.Name,
			State:      StateRequested,
		},
		claims: c,
	}

	m.mu.Lock()
	if existing, ok := m.instances[key]; ok && !existing.snapshot().State.Terminal() {
		m.mu.Unlock()
		return Instance{}, fmt.Errorf("%w: %s link=%q", ErrAlreadyRunning, key.ProviderID, key.LinkName)
	}
	m.instances[key] = inst
	m.mu.Unlock()
	defer close(inst.settled)

	startCtx, stopStart := context.WithCancel(ctx)
	defer stopStart()
	defer context.AfterFunc(life, stopStart)()

	m.setState(inst, StateStarting)
	hostData := HostData{
		LatticeID:  m.cfg.LatticeID,
		HostID:     m.cfg.HostID.String(),
		ProviderID: key.ProviderID.String(),
		LinkName:   key.LinkName,
		Contract:   c.Contract,
		BusAddr:    m.cfg.BusAddr,
		Config:     req.Config,
	}
	if m.deps.Links != nil {
		hostData.Links = linkData(m.deps.Links.ForTarget(key.ProviderID), key.LinkName)
	}
	proc, err := m.deps.Launcher.Launch(startCtx, LaunchSpec{
		ProviderID: key.ProviderID,
		LinkName:   key.LinkName,
		Path:       req.Path,
		Args:       req.Args,
		Env:        req.Env,
		HostData:   hostData,
	})
	if err != nil {
		if life.Err() != nil {
			return inst.snapshot(), errStoppedWhileStarting
		}
		m.setState(inst, StateFailed)
		return inst.snapshot(), fmt.Errorf("%w: %w", ErrStartFailure, err)
	}
	inst.mu.Lock()
	inst.proc = proc
	inst.info.Pid = proc.Pid()
	inst.mu.Unlock()

	if err := m.awaitHealthy(startCtx, key, proc); err != nil {
		if life.Err() != nil {
			return inst.snapshot(), errStoppedWhileStarting
		}
		m.terminate(proc)
		m.setState(inst, StateFailed)
		logs.Warnf("provider.Manager.Start failed provider=%s link=%q err=%v", key.ProviderID, key.LinkName, err)
		return inst.snapshot(), fmt.Errorf("%w: %w", ErrStartFailure, err)
	}

	now := m.now()
	snap, ok := m.transition(inst, StateHealthy, func(i *instance) {
		i.info.StartedAt = now
		i.info.LastHealthy = now
		i.loopDone = make(chan struct{})
	})
	if !ok {
		// Stop moved the instance to Stopping after the last probe.
		return snap, errStoppedWhileStarting
	}
	go m.watch(life, key, inst)

	m.deps.Announcer.ProviderStarted(snap)
	logs.Infof("provider.Manager.Start provider=%s link=%q contract=%q pid=%d", key.ProviderID, key.LinkName, c.Contract, snap.Pid)
	return snap, nil
}

func (m *Manager) awaitHealthy(ctx context.Context, key Key, proc Process) error {
	ctx, cancel := context.WithTimeout(ctx, m.cfg.StartTimeout)
	defer cancel()
	poll := time.NewTicker(m.cfg.StartPoll)
	defer poll.Stop()

	var lastErr error = ErrHealthCheckFailure
	for {
		err := m.probe(ctx, key)
		if err == nil {
			return nil
		}
		lastErr = err
		select {
		case <-proc.Done():
			return fmt.Errorf("process exited before becoming healthy: %v", proc.Err())
		case <-ctx.Done():
			return fmt.Errorf("no healthy probe within %s: %w", m.cfg.StartTimeout, lastErr)
		case <-poll.C:
		}
	}
}

func (m *Manager) probe(ctx context.Context, key Key) error {
	if m.deps.Prober == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, m.cfg.ProbeTimeout)
	defer cancel()
	return m.deps.Prober.Probe(ctx, key.ProviderID, key.LinkName)
}

func (m *Manager) watch(ctx context.Context, key Key, inst *instance) {
	defer close(inst.loopDone)
	contract := inst.snapshot().Contract
	ticker := time.NewTicker(m.cfg.ProbeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-inst.proc.Done():
			m.exited(key, inst)
			return
		case <-ticker.C:
			err := m.probe(ctx, key)
			if ctx.Err() != nil {
				return
			}
			m.deps.Sink.ProviderProbe(contract, err == nil)
			m.record(inst, err)
		}
	}
}

// record folds one probe result into the instance. MissThreshold consecutive
// misses inside MissWindow demote Healthy to Unhealthy; any success promotes
// it back. The process is never killed for failing probes.
func (m *Manager) record(inst *instance, probeErr error) {
	now := m.now()
	var target State
	inst.mu.Lock()
	if probeErr == nil {
		inst.misses = inst.misses[:0]
		inst.info.Misses = 0
		inst.info.LastHealthy = now
		if inst.info.State == StateUnhealthy {
			target = StateHealthy
		}
	} else {
		inst.misses = append(inst.misses, now)
		cutoff := now.Add(-m.cfg.MissWindow)
		for len(inst.misses) > 0 && inst.misses[0].Before(cutoff) {
			inst.misses = inst.misses[1:]
		}
		inst.info.Misses = len(inst.misses)
		if inst.info.State == StateHealthy && len(inst.misses) >= m.cfg.MissThreshold {
			target = StateUnhealthy
		}
	}
	inst.mu.Unlock()

	if target == "" {
		return
	}
	snap, ok := m.setState(inst, target)
	if !ok {
		return
	}
	healthy := target == StateHealthy
	if healthy {
		logs.Infof("provider.Manager promoted provider=%s link=%q", snap.ProviderID, snap.LinkName)
	} else {
		logs.Warnf("provider.Manager demoted provider=%s link=%q misses=%d err=%v", snap.ProviderID, snap.LinkName, snap.Misses, probeErr)
	}
	m.deps.Announcer.ProviderHealth(snap, healthy)
}

// exited handles a process that ended without Stop.
func (m *Manager) exited(key Key, inst *instance) {
	snap, ok := m.setState(inst, StateStopping)
	if !ok {
		return
	}
	logs.Warnf("provider.Manager process exited provider=%s link=%q err=%v", key.ProviderID, key.LinkName, inst.proc.Err())
	m.deps.Announcer.Withdrawing(snap)
	m.finish(key, inst)
}

// Stop withdraws the instance from routing, drains in-flight invocations up
// to DrainGrace, then interrupts the process and kills it after KillGrace.
// An instance still Starting is stopped too: its start is aborted and Start
// returns ErrStartFailure.
func (m *Manager) Stop(ctx context.Context, id identity.ID, linkName string) error {
	key := NewKey(id, linkName)
	m.mu.Lock()
	inst, ok := m.instances[key]
	m.mu.Unlock()
	if !ok || !inst.snapshot().State.Stoppable() {
		return fmt.Errorf("%w: %s link=%q", ErrNotRunning, key.ProviderID, key.LinkName)
	}
	snap, ok := m.setState(inst, StateStopping)
	if !ok {
		return fmt.Errorf("%w: %s link=%q", ErrNotRunning, key.ProviderID, key.LinkName)
	}
	m.deps.Announcer.Withdrawing(snap)
	m.drain(ctx, key.ProviderID)

	inst.cancel()
	<-inst.settled
	inst.mu.Lock()
	proc, loopDone := inst.proc, inst.loopDone
	inst.mu.Unlock()
	if loopDone != nil {
		<-loopDone
	}
	if proc != nil {
		m.terminate(proc)
	}
	m.finish(key, inst)
	return nil
}

func (m *Manager) finish(key Key, inst *instance) {
	snap, _ := m.setState(inst, StateStopped)
	m.mu.Lock()
	if m.instances[key] == inst {
		delete(m.instances, key)
	}
	m.mu.Unlock()
	m.deps.Announcer.ProviderStopped(snap)
	logs.Infof("provider.Manager stopped provider=%s link=%q", key.ProviderID, key.LinkName)
}

func (m *Manager) drain(ctx context.Context, id identity.ID) {
	if m.deps.InFlight == nil {
		return
	}
	deadline := time.NewTimer(m.cfg.DrainGrace)
	defer deadline.Stop()
	poll := time.NewTicker(10 * time.Millisecond)
	defer poll.Stop()
	for {
		n := m.deps.InFlight.InFlight(id)
		if n == 0 {
			return
		}
		select {
		case <-deadline.C:
			logs.Warnf("provider.Manager drain grace elapsed provider=%s in_flight=%d", id, n)
			return
		case <-ctx.Done():
			return
		case <-poll.C:
		}
	}
}

func (m *Manager) terminate(proc Process) {
	select {
	case <-proc.Done():
		return
	default:
	}
	if err := proc.Interrupt(); err != nil {
		logs.Debugf("provider.Manager interrupt pid=%d err=%v", proc.Pid(), err)
	}
	grace := time.NewTimer(m.cfg.KillGrace)
	defer grace.Stop()
	select {
	case <-proc.Done():
		return
	case <-grace.C:
	}
	logs.Warnf("provider.Manager kill pid=%d after %s", proc.Pid(), m.cfg.KillGrace)
	if err := proc.Kill(); err != nil {
		logs.Warnf("provider.Manager kill pid=%d err=%v", proc.Pid(), err)
	}
	select {
	case <-proc.Done():
	case <-time.After(m.cfg.KillGrace):
		logs.Errf("provider.Manager pid=%d did not exit after kill", proc.Pid())
	}
}

// setState applies one transition if the state machine allows it.
func (m *Manager) setState(inst *instance, to State) (Instance, bool) {
	return m.transition(inst, to, nil)
}

// transition is setState with enter applied under the instance lock in the
// same step as the state change.
func (m *Manager) transition(inst *instance, to State, enter func(*instance)) (Instance, bool) {
	inst.mu.Lock()
	from := inst.info.State
	if !from.CanTransition(to) {
		snap := inst.info
		inst.mu.Unlock()
		return snap, false
	}
	if enter != nil {
		enter(inst)
	}
	inst.info.State = to
	snap := inst.info
	inst.mu.Unlock()
	m.deps.Sink.ProviderTransition(snap.Contract, string(to))
	logs.Debugf("provider.Manager transition provider=%s link=%q %s->%s", snap.ProviderID, snap.LinkName, from, to)
	return snap, true
}

// Shutdown stops every instance that is starting or running.
func (m *Manager) Shutdown(ctx context.Context) error {
	var errs []error
	for _, inst := range m.List() {
		if !inst.State.Stoppable() {
			continue
		}
		if err := m.Stop(ctx, inst.ProviderID, inst.LinkName); err != nil && !errors.Is(err, ErrNotRunning) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m *Manager) Get(id identity.ID, linkName string) (Instance, bool) {
	m.mu.Lock()
	inst, ok := m.instances[NewKey(id, linkName)]
	m.mu.Unlock()
	if !ok {
		return Instance{}, false
	}
	return inst.snapshot(), true
}

// List returns every tracked instance ordered by provider and link name.
func (m *Manager) List() []Instance {
	m.mu.Lock()
	all := make([]*instance, 0, len(m.instances))
	for _, inst := range m.instances {
		all = append(all, inst)
	}
	m.mu.Unlock()
	out := make([]Instance, 0, len(all))
	for _, inst := range all {
		out = append(out, inst.snapshot())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ProviderID != out[j].ProviderID {
			return out[i].ProviderID < out[j].ProviderID
		}
		return out[i].LinkName < out[j].LinkName
	})
	return out
}

type nopAnnouncer struct{}

func (nopAnnouncer) ProviderStarted(Instance)      {}
func (nopAnnouncer) Withdrawing(Instance)          {}
func (nopAnnouncer) ProviderStopped(Instance)      {}
func (nopAnnouncer) ProviderHealth(Instance, bool) {}
