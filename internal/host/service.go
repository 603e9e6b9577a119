// Package host assembles one lattice host: bus connection, attestation,
// link registry, dispatcher, actor supervisor, provider manager, control
// plane and admin surface.
package host

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/danmuck/lattice/internal/actor"
	"github.com/danmuck/lattice/internal/admin"
	"github.com/danmuck/lattice/internal/artifact"
	"github.com/danmuck/lattice/internal/attest"
	"github.com/danmuck/lattice/internal/bus"
	"github.com/danmuck/lattice/internal/bus/membus"
	"github.com/danmuck/lattice/internal/bus/redisbus"
	"github.com/danmuck/lattice/internal/dispatch"
	"github.com/danmuck/lattice/internal/identity"
	"github.com/danmuck/lattice/internal/lattice"
	"github.com/danmuck/lattice/internal/links"
	logs "github.com/danmuck/lattice/internal/logging"
	"github.com/danmuck/lattice/internal/observability"
	"github.com/danmuck/lattice/internal/protocol"
	"github.com/danmuck/lattice/internal/provider"
)

var (
	ErrInvalidHeartbeatInterval = errors.New("host: invalid heartbeat interval")
	ErrInvalidBus               = errors.New("host: invalid bus kind")
	ErrInvalidHostSeed          = errors.New("host: seed is not a host key")
	ErrInvalidIssuer            = errors.New("host: invalid trusted issuer")
	ErrNotBootstrapped          = errors.New("host: service not bootstrapped")
)

// BusKind selects the transport a host connects with.
type BusKind string

const (
	BusMemory BusKind = "memory"
	BusRedis  BusKind = "redis"
)

// ServiceConfig configures one host process.
type ServiceConfig struct {
	// HostSeed is an encoded host key seed. Empty generates a fresh key.
	HostSeed  string
	LatticeID string
	Labels    map[string]string

	Bus   BusKind
	Redis redisbus.Config

	HeartbeatInterval time.Duration
	LivenessMisses    int
	RPCTimeout        time.Duration

	ProbeInterval        time.Duration
	ProbeTimeout         time.Duration
	ProbeMissThreshold   int
	ProbeMissWindow      time.Duration
	ProviderStartTimeout time.Duration
	DrainGrace           time.Duration
	KillGrace            time.Duration

	TrustedIssuers  []string
	VerifyCacheSize int

	ArtifactRoot   string
	ProviderLogDir string

	// AdminAddr enables the HTTP admin surface when set.
	AdminAddr   string
	CORSOrigins []string
}

func DefaultServiceConfig() ServiceConfig {
	prov := provider.DefaultConfig()
	return ServiceConfig{
		LatticeID:            protocol.DefaultLattice,
		Bus:                  BusMemory,
		Redis:                redisbus.DefaultConfig(),
		HeartbeatInterval:    lattice.DefaultHeartbeatInterval,
		LivenessMisses:       lattice.DefaultLivenessMisses,
		RPCTimeout:           dispatch.DefaultTimeout,
		ProbeInterval:        prov.ProbeInterval,
		ProbeTimeout:         prov.ProbeTimeout,
		ProbeMissThreshold:   prov.MissThreshold,
		ProbeMissWindow:      prov.MissWindow,
		ProviderStartTimeout: prov.StartTimeout,
		DrainGrace:           prov.DrainGrace,
		KillGrace:            prov.KillGrace,
		VerifyCacheSize:      attest.DefaultConfig().CacheSize,
	}
}

// Validate checks the fields bootstrap cannot default.
func (c ServiceConfig) Validate() error {
	if c.HeartbeatInterval <= 0 {
		return ErrInvalidHeartbeatInterval
	}
	switch c.Bus {
	case BusMemory, BusRedis:
	default:
		return fmt.Errorf("%w: %q", ErrInvalidBus, c.Bus)
	}
	if c.Bus == BusRedis {
		if err := c.Redis.ValidateTransport(); err != nil {
			return err
		}
	}
	if _, err := c.trustedIssuers(); err != nil {
		return err
	}
	return nil
}

func (c ServiceConfig) trustedIssuers() ([]identity.ID, error) {
	out := make([]identity.ID, 0, len(c.TrustedIssuers))
	for _, raw := range c.TrustedIssuers {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		id, err := identity.Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: %q: %v", ErrInvalidIssuer, raw, err)
		}
		out = append(out, id)
	}
	return out, nil
}

// Deps overrides collaborators that normally come from config. A nil field
// selects the default.
type Deps struct {
	// Conn replaces the configured bus. The service does not close it.
	Conn     bus.Conn
	Engine   actor.Engine
	Launcher provider.Launcher
	Prober   provider.Prober
	Source   artifact.Source
}

// Service runs one host until its context ends.
type Service struct {
	cfg  ServiceConfig
	deps Deps

	key      *identity.KeyPair
	conn     bus.Conn
	ownsConn bool

	verifier   *attest.Verifier
	registry   *links.Registry
	dispatcher *dispatch.Dispatcher
	plane      *lattice.Plane
	providers  *provider.Manager
	actors     *actor.Supervisor
	admin      *admin.Server
	source     artifact.Source
}

func NewService() *Service {
	return NewServiceWithConfig(DefaultServiceConfig(), Deps{})
}

func NewServiceWithConfig(cfg ServiceConfig, deps Deps) *Service {
	if strings.TrimSpace(cfg.LatticeID) == "" {
		cfg.LatticeID = protocol.DefaultLattice
	}
	if cfg.Bus == "" {
		cfg.Bus = BusMemory
	}
	return &Service{cfg: cfg, deps: deps}
}

// Run blocks until SIGINT or SIGTERM, then drains and stops the host.
func (s *Service) Run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := s.bootstrap(ctx); err != nil {
		return err
	}
	return s.serve(ctx)
}

func (s *Service) HostID() identity.ID {
	if s.key == nil {
		return ""
	}
	return s.key.Public()
}

func (s *Service) Plane() *lattice.Plane { return s.plane }

func (s *Service) Actors() *actor.Supervisor { return s.actors }

func (s *Service) Providers() *provider.Manager { return s.providers }

func (s *Service) Dispatcher() *dispatch.Dispatcher { return s.dispatcher }

func (s *Service) bootstrap(ctx context.Context) error {
	if err := s.cfg.Validate(); err != nil {
		return err
	}
	key, err := s.hostKey()
	if err != nil {
		return err
	}
	s.key = key
	hostID := key.Public()

	if err := s.connect(ctx); err != nil {
		return err
	}

	issuers, _ := s.cfg.trustedIssuers()
	s.verifier = attest.NewVerifier(attest.Config{
		TrustedIssuers: issuers,
		CacheSize:      s.cfg.VerifyCacheSize,
	}, nil)
	s.registry = links.NewRegistry()
	sink := observability.Prometheus()

	s.dispatcher = dispatch.New(dispatch.Config{
		LatticeID: s.cfg.LatticeID,
		HostID:    hostID,
		Timeout:   s.cfg.RPCTimeout,
	}, s.conn, s.registry, s.verifier, sink)
	if err := s.dispatcher.Start(); err != nil {
		s.closeConn()
		return err
	}

	s.plane = lattice.New(lattice.Config{
		LatticeID:         s.cfg.LatticeID,
		HostID:            hostID,
		Labels:            s.cfg.Labels,
		HeartbeatInterval: s.cfg.HeartbeatInterval,
		LivenessMisses:    s.cfg.LivenessMisses,
	}, s.conn, s.registry, workloads{s}, sink)

	s.source = s.deps.Source
	if s.source == nil {
		s.source = artifact.FileSource{Root: s.cfg.ArtifactRoot}
	}
	prober := s.deps.Prober
	if prober == nil {
		prober = provider.BusProber{Conn: s.conn, Subjects: protocol.NewSubjects(s.cfg.LatticeID), HostID: hostID.String()}
	}
	launcher := s.deps.Launcher
	if launcher == nil {
		launcher = provider.ExecLauncher{LogDir: s.cfg.ProviderLogDir}
	}
	busAddr := ""
	if s.cfg.Bus == BusRedis {
		busAddr = s.cfg.Redis.Addr
	}
	s.providers = provider.NewManager(provider.Config{
		LatticeID:     s.cfg.LatticeID,
		HostID:        hostID,
		BusAddr:       busAddr,
		StartTimeout:  s.cfg.ProviderStartTimeout,
		ProbeInterval: s.cfg.ProbeInterval,
		ProbeTimeout:  s.cfg.ProbeTimeout,
		MissThreshold: s.cfg.ProbeMissThreshold,
		MissWindow:    s.cfg.ProbeMissWindow,
		DrainGrace:    s.cfg.DrainGrace,
		KillGrace:     s.cfg.KillGrace,
	}, provider.Deps{
		Verifier:  s.verifier,
		Launcher:  launcher,
		Prober:    prober,
		Announcer: s.plane,
		InFlight:  s.dispatcher,
		Links:     s.registry,
		Sink:      sink,
	})
	s.actors = actor.NewSupervisor(s.deps.Engine, s.source, s.verifier, s.dispatcher, s.plane)

	if strings.TrimSpace(s.cfg.AdminAddr) != "" {
		s.admin = admin.New(admin.Config{
			Addr:        s.cfg.AdminAddr,
			CORSOrigins: s.cfg.CORSOrigins,
		}, s.plane, observability.InitLogger("lattice-host", hostID.String()))
	}

	if err := s.plane.Start(); err != nil {
		_ = s.dispatcher.Close()
		s.closeConn()
		return err
	}
	logs.Infof(
		"host.Service.bootstrap ready host=%s lattice=%q bus=%s engine=%v admin=%q",
		hostID,
		s.cfg.LatticeID,
		s.cfg.Bus,
		s.deps.Engine != nil,
		s.cfg.AdminAddr,
	)
	return nil
}

func (s *Service) hostKey() (*identity.KeyPair, error) {
	seed := strings.TrimSpace(s.cfg.HostSeed)
	if seed == "" {
		return identity.Generate(identity.KindHost)
	}
	key, err := identity.FromSeed(seed)
	if err != nil {
		return nil, err
	}
	if key.Kind() != identity.KindHost {
		return nil, fmt.Errorf("%w: kind %s", ErrInvalidHostSeed, key.Kind())
	}
	return key, nil
}

func (s *Service) connect(ctx context.Context) error {
	if s.deps.Conn != nil {
		s.conn = s.deps.Conn
		return nil
	}
	switch s.cfg.Bus {
	case BusRedis:
		conn, err := redisbus.Dial(ctx, s.cfg.Redis)
		if err != nil {
			return err
		}
		s.conn = conn
	default:
		s.conn = membus.New().Connect()
	}
	s.ownsConn = true
	return nil
}

func (s *Service) closeConn() {
	if s.ownsConn && s.conn != nil {
		_ = s.conn.Close()
	}
}

// serve runs the heartbeat loop and admin surface until ctx ends or one of
// them fails, then shuts the host down. The plane loop outlives ctx so
// providers can still be withdrawn while draining.
func (s *Service) serve(ctx context.Context) error {
	if s.plane == nil {
		return ErrNotBootstrapped
	}
	loopCtx, stopLoop := context.WithCancel(context.Background())
	loopDone := make(chan struct{})
	go func() {
		defer close(loopDone)
		_ = s.plane.Run(loopCtx)
	}()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.heartbeat(gctx) })
	if s.admin != nil {
		g.Go(func() error { return s.admin.Serve(gctx) })
	}
	err := g.Wait()
	logs.Infof("host.Service.serve shutdown host=%s err=%v", s.HostID(), err)

	s.shutdown()
	stopLoop()
	<-loopDone
	s.closeConn()
	return err
}

func (s *Service) heartbeat(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		if err := s.plane.PublishHeartbeat(ctx); err != nil && ctx.Err() == nil {
			logs.Warnf("host.Service.heartbeat host=%s err=%v", s.HostID(), err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		logs.Debugf(
			"host.Service.heartbeat host=%s actors=%d providers=%d links=%d hosts=%d",
			s.HostID(),
			len(s.actors.List()),
			len(s.providers.List()),
			s.registry.Len(),
			len(s.plane.Hosts(time.Now())),
		)
	}
}

func (s *Service) shutdown() {
	grace := s.cfg.DrainGrace + s.cfg.KillGrace + 5*time.Second
	ctx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()

	s.actors.Shutdown(ctx)
	if err := s.providers.Shutdown(ctx); err != nil {
		logs.Warnf("host.Service.shutdown providers err=%v", err)
	}
	if err := s.plane.Stop(ctx); err != nil {
		logs.Warnf("host.Service.shutdown plane err=%v", err)
	}
	if err := s.dispatcher.Close(); err != nil {
		logs.Warnf("host.Service.shutdown dispatcher err=%v", err)
	}
}
