package provider

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/danmuck/lattice/internal/attest"
	"github.com/danmuck/lattice/internal/bus/membus"
	"github.com/danmuck/lattice/internal/claims"
	"github.com/danmuck/lattice/internal/identity"
	"github.com/danmuck/lattice/internal/links"
	"github.com/danmuck/lattice/internal/protocol"
	"github.com/danmuck/lattice/internal/testutil/testlog"
)

const keyvalue = "wasmcloud:keyvalue"

type fakeProcess struct {
	pid          int
	ignoreSignal bool
	journal      *journal

	once        sync.Once
	done        chan struct{}
	interrupted atomic.Bool
	killed      atomic.Bool
}

func newFakeProcess(j *journal) *fakeProcess {
	return &fakeProcess{pid: 4242, journal: j, done: make(chan struct{})}
}

func (p *fakeProcess) exit()                 { p.once.Do(func() { close(p.done) }) }
func (p *fakeProcess) Pid() int              { return p.pid }
func (p *fakeProcess) Done() <-chan struct{} { return p.done }
func (p *fakeProcess) Err() error            { return nil }

func (p *fakeProcess) Interrupt() error {
	p.interrupted.Store(true)
	p.journal.add("interrupt")
	if !p.ignoreSignal {
		p.exit()
	}
	return nil
}

func (p *fakeProcess) Kill() error {
	p.killed.Store(true)
	p.journal.add("kill")
	p.exit()
	return nil
}

type fakeLauncher struct {
	mu    sync.Mutex
	specs []LaunchSpec
	proc  *fakeProcess
	err   error
}

func (l *fakeLauncher) Launch(_ context.Context, spec LaunchSpec) (Process, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.specs = append(l.specs, spec)
	if l.err != nil {
		return nil, l.err
	}
	return l.proc, nil
}

type fakeProber struct {
	healthy atomic.Bool
	calls   atomic.Int64
}

func (p *fakeProber) Probe(context.Context, identity.ID, string) error {
	p.calls.Add(1)
	if p.healthy.Load() {
		return nil
	}
	return ErrHealthCheckFailure
}

type journal struct {
	mu      sync.Mutex
	entries []string
}

func (j *journal) add(entry string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.entries = append(j.entries, entry)
}

func (j *journal) list() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]string(nil), j.entries...)
}

func (j *journal) has(entry string) bool {
	for _, e := range j.list() {
		if e == entry {
			return true
		}
	}
	return false
}

type journalAnnouncer struct{ j *journal }

func (a journalAnnouncer) ProviderStarted(Instance) { a.j.add("started") }
func (a journalAnnouncer) Withdrawing(Instance)     { a.j.add("withdrawing") }
func (a journalAnnouncer) ProviderStopped(Instance) { a.j.add("stopped") }
func (a journalAnnouncer) ProviderHealth(_ Instance, healthy bool) {
	if healthy {
		a.j.add("healthy")
		return
	}
	a.j.add("unhealthy")
}

type counter struct{ n atomic.Int64 }

func (c *counter) InFlight(identity.ID) int { return int(c.n.Load()) }

type fixture struct {
	issuer   *identity.KeyPair
	provider *identity.KeyPair
	actor    *identity.KeyPair
	journal  *journal
	launcher *fakeLauncher
	prober   *fakeProber
	inflight *counter
	registry *links.Registry
	mgr      *Manager
}

func fastConfig() Config {
	cfg := DefaultConfig()
	cfg.LatticeID = "test"
	cfg.StartTimeout = 500 * time.Millisecond
	cfg.StartPoll = 5 * time.Millisecond
	cfg.ProbeInterval = 10 * time.Millisecond
	cfg.ProbeTimeout = 5 * time.Millisecond
	cfg.DrainGrace = time.Second
	cfg.KillGrace = 50 * time.Millisecond
	return cfg
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	issuer, err := identity.Generate(identity.KindAccount)
	require.NoError(t, err)
	provider, err := identity.Generate(identity.KindProvider)
	require.NoError(t, err)
	actor, err := identity.Generate(identity.KindModule)
	require.NoError(t, err)
	host, err := identity.Generate(identity.KindHost)
	require.NoError(t, err)
	cfg.HostID = host.Public()

	j := &journal{}
	f := &fixture{
		issuer:   issuer,
		provider: provider,
		actor:    actor,
		journal:  j,
		launcher: &fakeLauncher{proc: newFakeProcess(j)},
		prober:   &fakeProber{},
		inflight: &counter{},
		registry: links.NewRegistry(),
	}
	f.prober.healthy.Store(true)
	f.mgr = NewManager(cfg, Deps{
		Launcher:  f.launcher,
		Prober:    f.prober,
		Announcer: journalAnnouncer{j: j},
		InFlight:  f.inflight,
		Links:     f.registry,
	})
	t.Cleanup(func() { _ = f.mgr.Shutdown(context.Background()) })
	return f
}

func (f *fixture) envelope(t *testing.T, subject *identity.KeyPair, mutate func(*claims.Claims)) string {
	t.Helper()
	now := time.Now().UTC().Truncate(time.Second)
	c := claims.Claims{
		Subject:   subject.Public(),
		Issuer:    f.issuer.Public(),
		Name:      "kv-redis",
		Contract:  keyvalue,
		IssuedAt:  now.Add(-time.Minute),
		ExpiresAt: now.Add(time.Hour),
	}
	if mutate != nil {
		mutate(&c)
	}
	env, err := claims.Encode(c, f.issuer)
	require.NoError(t, err)
	return env
}

func (f *fixture) start(t *testing.T) Instance {
	t.Helper()
	inst, err := f.mgr.Start(context.Background(), StartRequest{Envelope: f.envelope(t, f.provider, nil), Path: "kv-redis"})
	require.NoError(t, err)
	return inst
}

func TestStartWaitsForHealthyAndPassesLinks(t *testing.T) {
	testlog.Start(t)
	f := newFixture(t, fastConfig())
	_, _, err := f.registry.Put(links.Definition{
		Source:   f.actor.Public(),
		Target:   f.provider.Public(),
		Contract: keyvalue,
		Config:   map[string]string{"URL": "redis://127.0.0.1:6379"},
	})
	require.NoError(t, err)

	f.prober.healthy.Store(false)
	go func() {
		time.Sleep(30 * time.Millisecond)
		f.prober.healthy.Store(true)
	}()
	inst := f.start(t)

	assert.Equal(t, StateHealthy, inst.State)
	assert.Equal(t, keyvalue, inst.Contract)
	assert.Equal(t, links.DefaultLinkName, inst.LinkName)
	assert.Equal(t, 4242, inst.Pid)
	assert.GreaterOrEqual(t, f.prober.calls.Load(), int64(2))
	assert.True(t, f.journal.has("started"))

	require.Len(t, f.launcher.specs, 1)
	hd := f.launcher.specs[0].HostData
	assert.Equal(t, "test", hd.LatticeID)
	assert.Equal(t, f.provider.Public().String(), hd.ProviderID)
	require.Len(t, hd.Links, 1)
	assert.Equal(t, f.actor.Public().String(), hd.Links[0].ActorID)
	assert.Equal(t, "redis://127.0.0.1:6379", hd.Links[0].Values["URL"])
}

func TestStartFailsWhenNeverHealthy(t *testing.T) {
	testlog.Start(t)
	cfg := fastConfig()
	cfg.StartTimeout = 60 * time.Millisecond
	f := newFixture(t, cfg)
	f.prober.healthy.Store(false)

	inst, err := f.mgr.Start(context.Background(), StartRequest{Envelope: f.envelope(t, f.provider, nil), Path: "kv"})
	require.ErrorIs(t, err, ErrStartFailure)
	assert.Equal(t, StateFailed, inst.State)
	assert.True(t, f.launcher.proc.interrupted.Load())
	assert.False(t, f.journal.has("started"))
}

func TestStartFailsOnLaunchError(t *testing.T) {
	testlog.Start(t)
	f := newFixture(t, fastConfig())
	f.launcher.err = errors.New("exec format error")

	_, err := f.mgr.Start(context.Background(), StartRequest{Envelope: f.envelope(t, f.provider, nil), Path: "kv"})
	require.ErrorIs(t, err, ErrStartFailure)
	got, ok := f.mgr.Get(f.provider.Public(), "")
	require.True(t, ok)
	assert.Equal(t, StateFailed, got.State)

	// A failed instance does not block a later start.
	f.launcher.err = nil
	f.start(t)
}

func TestStartRejectsBadClaims(t *testing.T) {
	testlog.Start(t)
	f := newFixture(t, fastConfig())

	actorEnv := f.envelope(t, f.actor, func(c *claims.Claims) {
		c.Contract = ""
		c.Capabilities = []string{keyvalue}
	})
	_, err := f.mgr.Start(context.Background(), StartRequest{Envelope: actorEnv, Path: "kv"})
	require.ErrorIs(t, err, ErrStartFailure)

	expired := f.envelope(t, f.provider, func(c *claims.Claims) {
		c.IssuedAt = time.Now().Add(-2 * time.Hour).Truncate(time.Second)
		c.ExpiresAt = time.Now().Add(-time.Hour).Truncate(time.Second)
	})
	_, err = f.mgr.Start(context.Background(), StartRequest{Envelope: expired, Path: "kv"})
	require.ErrorIs(t, err, ErrStartFailure)
	require.ErrorIs(t, err, attest.ErrExpired)
	assert.Empty(t, f.launcher.specs)
}

func TestStartTwiceIsRejected(t *testing.T) {
	testlog.Start(t)
	f := newFixture(t, fastConfig())
	f.start(t)
	_, err := f.mgr.Start(context.Background(), StartRequest{Envelope: f.envelope(t, f.provider, nil), Path: "kv"})
	require.ErrorIs(t, err, ErrAlreadyRunning)
}

func TestThreeMissedProbesDemoteWithoutKilling(t *testing.T) {
	testlog.Start(t)
	f := newFixture(t, fastConfig())
	f.start(t)

	f.prober.healthy.Store(false)
	require.Eventually(t, func() bool { return f.journal.has("unhealthy") }, time.Second, 5*time.Millisecond)
	inst, ok := f.mgr.Get(f.provider.Public(), "default")
	require.True(t, ok)
	assert.Equal(t, StateUnhealthy, inst.State)
	assert.GreaterOrEqual(t, inst.Misses, 3)
	assert.False(t, f.launcher.proc.interrupted.Load())
	assert.False(t, f.launcher.proc.killed.Load())

	f.prober.healthy.Store(true)
	require.Eventually(t, func() bool { return f.journal.has("healthy") }, time.Second, 5*time.Millisecond)
	inst, _ = f.mgr.Get(f.provider.Public(), "default")
	assert.Equal(t, StateHealthy, inst.State)
	assert.Zero(t, inst.Misses)
}

func TestMissesOutsideWindowDoNotDemote(t *testing.T) {
	testlog.Start(t)
	cfg := fastConfig()
	cfg.MissWindow = 40 * time.Millisecond
	cfg.ProbeInterval = 30 * time.Millisecond
	f := newFixture(t, cfg)
	f.start(t)

	f.prober.healthy.Store(false)
	time.Sleep(250 * time.Millisecond)
	assert.False(t, f.journal.has("unhealthy"))
	inst, _ := f.mgr.Get(f.provider.Public(), "")
	assert.Equal(t, StateHealthy, inst.State)
}

func TestStopWithdrawsDrainsThenInterrupts(t *testing.T) {
	testlog.Start(t)
	f := newFixture(t, fastConfig())
	f.start(t)
	f.inflight.n.Store(1)

	stopped := make(chan error, 1)
	go func() { stopped <- f.mgr.Stop(context.Background(), f.provider.Public(), "") }()

	require.Eventually(t, func() bool { return f.journal.has("withdrawing") }, time.Second, 5*time.Millisecond)
	time.Sleep(30 * time.Millisecond)
	assert.False(t, f.journal.has("interrupt"), "interrupted before drain")

	f.inflight.n.Store(0)
	require.NoError(t, <-stopped)
	assert.Equal(t, []string{"started", "withdrawing", "interrupt", "stopped"}, f.journal.list())
	_, ok := f.mgr.Get(f.provider.Public(), "")
	assert.False(t, ok)

	require.ErrorIs(t, f.mgr.Stop(context.Background(), f.provider.Public(), ""), ErrNotRunning)
}

func TestStopWhileStartingAbortsStart(t *testing.T) {
	testlog.Start(t)
	cfg := fastConfig()
	cfg.StartTimeout = 10 * time.Second
	f := newFixture(t, cfg)
	f.prober.healthy.Store(false)

	type result struct {
		inst Instance
		err  error
	}
	started := make(chan result, 1)
	go func() {
		inst, err := f.mgr.Start(context.Background(), StartRequest{Envelope: f.envelope(t, f.provider, nil), Path: "kv"})
		started <- result{inst, err}
	}()
	require.Eventually(t, func() bool {
		inst, ok := f.mgr.Get(f.provider.Public(), "")
		return ok && inst.State == StateStarting && inst.Pid == 4242
	}, time.Second, 5*time.Millisecond)

	begin := time.Now()
	require.NoError(t, f.mgr.Stop(context.Background(), f.provider.Public(), ""))
	select {
	case r := <-started:
		require.ErrorIs(t, r.err, ErrStartFailure)
	case <-time.After(time.Second):
		t.Fatalf("start still waiting after stop")
	}
	assert.Less(t, time.Since(begin), time.Second)
	assert.True(t, f.launcher.proc.interrupted.Load())
	assert.Equal(t, []string{"withdrawing", "interrupt", "stopped"}, f.journal.list())
	_, ok := f.mgr.Get(f.provider.Public(), "")
	assert.False(t, ok)
}

func TestStopRacingStartLeavesNoInstance(t *testing.T) {
	testlog.Start(t)
	f := newFixture(t, fastConfig())

	for i := 0; i < 20; i++ {
		f.launcher.mu.Lock()
		f.launcher.proc = newFakeProcess(f.journal)
		f.launcher.mu.Unlock()

		done := make(chan error, 1)
		go func() {
			_, err := f.mgr.Start(context.Background(), StartRequest{Envelope: f.envelope(t, f.provider, nil), Path: "kv"})
			done <- err
		}()
		require.Eventually(t, func() bool {
			err := f.mgr.Stop(context.Background(), f.provider.Public(), "")
			return err == nil
		}, time.Second, time.Millisecond)

		if err := <-done; err != nil {
			require.ErrorIs(t, err, ErrStartFailure)
		}
		require.Empty(t, f.mgr.List())
	}
}

func TestStopKillsAfterGrace(t *testing.T) {
	testlog.Start(t)
	f := newFixture(t, fastConfig())
	f.launcher.proc.ignoreSignal = true
	f.start(t)

	require.NoError(t, f.mgr.Stop(context.Background(), f.provider.Public(), ""))
	assert.True(t, f.launcher.proc.killed.Load())
	assert.Equal(t, []string{"started", "withdrawing", "interrupt", "kill", "stopped"}, f.journal.list())
}

func TestUnexpectedExitIsStopped(t *testing.T) {
	testlog.Start(t)
	f := newFixture(t, fastConfig())
	f.start(t)

	f.launcher.proc.exit()
	require.Eventually(t, func() bool { return f.journal.has("stopped") }, time.Second, 5*time.Millisecond)
	assert.True(t, f.journal.has("withdrawing"))
	assert.Empty(t, f.mgr.List())
}

func TestStateTransitions(t *testing.T) {
	testlog.Start(t)
	allowed := [][2]State{
		{StateRequested, StateStarting},
		{StateStarting, StateHealthy},
		{StateStarting, StateFailed},
		{StateStarting, StateStopping},
		{StateHealthy, StateUnhealthy},
		{StateUnhealthy, StateHealthy},
		{StateUnhealthy, StateStopping},
		{StateStopping, StateStopped},
	}
	for _, tr := range allowed {
		assert.True(t, tr[0].CanTransition(tr[1]), "%s -> %s", tr[0], tr[1])
	}
	denied := [][2]State{
		{StateStopped, StateHealthy},
		{StateFailed, StateStarting},
		{StateStopping, StateHealthy},
		{StateRequested, StateHealthy},
	}
	for _, tr := range denied {
		assert.False(t, tr[0].CanTransition(tr[1]), "%s -> %s", tr[0], tr[1])
	}
	assert.True(t, StateStopped.Terminal())
	assert.True(t, StateUnhealthy.Routable())
	assert.False(t, StateStarting.Routable())
	assert.True(t, StateStarting.Stoppable())
	assert.True(t, StateUnhealthy.Stoppable())
	assert.False(t, StateRequested.Stoppable())
	assert.False(t, StateStopping.Stoppable())
}

func TestHostDataEncoding(t *testing.T) {
	testlog.Start(t)
	in := HostData{
		LatticeID:  "default",
		HostID:     "NHOST",
		ProviderID: "VPROV",
		LinkName:   "default",
		Contract:   keyvalue,
		Links:      []LinkData{{ActorID: "MACT", ProviderID: "VPROV", LinkName: "default", Contract: keyvalue, Values: map[string]string{"k": "v"}}},
	}
	line, err := in.Encode()
	require.NoError(t, err)
	assert.NotContains(t, line, "{")
	out, err := DecodeHostData(line + "\n")
	require.NoError(t, err)
	assert.Equal(t, in, out)

	_, err = DecodeHostData("not base64!")
	assert.Error(t, err)
}

func TestExecLauncherWritesHostDataToStdin(t *testing.T) {
	testlog.Start(t)
	sh, err := exec.LookPath("sh")
	if err != nil {
		t.Skip("sh not available")
	}
	dir := t.TempDir()
	out := filepath.Join(dir, "hostdata")
	spec := LaunchSpec{
		ProviderID: "VPROV",
		LinkName:   "default",
		Path:       sh,
		Args:       []string{"-c", `read line; printf '%s' "$line" > "$OUT"; exec sleep 30`},
		Env:        []string{"OUT=" + out},
		HostData:   HostData{LatticeID: "default", HostID: "NHOST", ProviderID: "VPROV", LinkName: "default", Contract: keyvalue},
	}
	p, err := ExecLauncher{LogDir: filepath.Join(dir, "logs")}.Launch(context.Background(), spec)
	require.NoError(t, err)
	assert.Positive(t, p.Pid())

	require.Eventually(t, func() bool {
		b, err := os.ReadFile(out)
		return err == nil && len(b) > 0
	}, 2*time.Second, 10*time.Millisecond)
	raw, err := os.ReadFile(out)
	require.NoError(t, err)
	hd, err := DecodeHostData(string(raw))
	require.NoError(t, err)
	assert.Equal(t, keyvalue, hd.Contract)

	require.NoError(t, p.Kill())
	select {
	case <-p.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("process did not exit after kill")
	}
	_, err = os.Stat(filepath.Join(dir, "logs", "VPROV.default.log"))
	assert.NoError(t, err)
}

func TestBusProberAgainstServeHealth(t *testing.T) {
	testlog.Start(t)
	b := membus.New()
	providerConn, hostConn := b.Connect(), b.Connect()
	defer providerConn.Close()
	defer hostConn.Close()
	subjects := protocol.NewSubjects("test")

	var healthy atomic.Bool
	healthy.Store(true)
	_, err := ServeHealth(providerConn, subjects, "VPROV", "default", func() (bool, string) {
		if healthy.Load() {
			return true, ""
		}
		return false, "backend down"
	})
	require.NoError(t, err)

	prober := BusProber{Conn: hostConn, Subjects: subjects, HostID: "NHOST"}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, prober.Probe(ctx, "VPROV", "default"))

	healthy.Store(false)
	err = prober.Probe(ctx, "VPROV", "default")
	require.ErrorIs(t, err, ErrHealthCheckFailure)
	assert.True(t, strings.Contains(err.Error(), "backend down"))

	short, cancelShort := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancelShort()
	require.ErrorIs(t, prober.Probe(short, "VOTHER", "default"), ErrHealthCheckFailure)
}
