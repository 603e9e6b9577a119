// Package admin serves the host's read-only HTTP surface: health, metrics,
// the local inventory and the observed lattice.
package admin

import (
	"context"
	"errors"
	"net/http"
	"sort"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/danmuck/lattice/internal/lattice"
	logs "github.com/danmuck/lattice/internal/logging"
	"github.com/danmuck/lattice/internal/observability"
	"github.com/danmuck/lattice/internal/protocol/wire"
)

const Version = "0.1.0"

// State is the view the admin surface reads. *lattice.Plane satisfies it.
type State interface {
	Inventory() wire.Inventory
	Hosts(now time.Time) []lattice.HostRecord
	Host(hostID string, now time.Time) (lattice.HostRecord, bool)
}

type Config struct {
	Addr            string
	CORSOrigins     []string
	ShutdownTimeout time.Duration
}

type Server struct {
	cfg      Config
	state    State
	router   *gin.Engine
	appeared time.Time
	now      func() time.Time
}

func New(cfg Config, state State, logger zerolog.Logger) *Server {
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 5 * time.Second
	}
	hostID := state.Inventory().HostID
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observability.RequestLogger(logger))
	r.Use(observability.RequestMetricsMiddleware(hostID))
	r.Use(cors.New(cors.Config{
		AllowOrigins: normalizeOrigins(cfg.CORSOrigins),
		AllowMethods: []string{"GET"},
		AllowHeaders: []string{"Origin", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))
	_ = r.SetTrustedProxies([]string{"127.0.0.1", "::1"})

	s := &Server{
		cfg:      cfg,
		state:    state,
		router:   r,
		appeared: time.Now(),
		now:      time.Now,
	}
	s.registerRoutes(hostID)
	return s
}

func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) registerRoutes(hostID string) {
	s.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"uptime":  time.Since(s.appeared).String(),
			"host":    hostID,
			"version": Version,
		})
	})

	s.router.GET("/metrics", gin.WrapH(observability.Handler()))

	s.router.GET("/inventory", func(c *gin.Context) {
		c.JSON(http.StatusOK, inventoryView(s.state.Inventory()))
	})

	s.router.GET("/lattice/hosts", func(c *gin.Context) {
		hosts := s.state.Hosts(s.now())
		out := make([]hostJSON, 0, len(hosts))
		for _, h := range hosts {
			out = append(out, hostView(h))
		}
		c.JSON(http.StatusOK, gin.H{"hosts": out})
	})

	s.router.GET("/lattice/hosts/:host", func(c *gin.Context) {
		h, ok := s.state.Host(c.Param("host"), s.now())
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "host not found"})
			return
		}
		c.JSON(http.StatusOK, hostView(h))
	})
}

// Serve listens on cfg.Addr until ctx ends, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errs := make(chan error, 1)
	go func() {
		logs.Infof("admin.Server.Serve listening addr=%q", s.cfg.Addr)
		errs <- srv.ListenAndServe()
	}()
	select {
	case err := <-errs:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logs.Warnf("admin.Server.Serve shutdown err=%v", err)
		return err
	}
	logs.Infof("admin.Server.Serve stopped addr=%q", s.cfg.Addr)
	return nil
}

func normalizeOrigins(origins []string) []string {
	if len(origins) == 0 {
		return []string{"http://localhost:3000"}
	}
	return origins
}

type actorJSON struct {
	ActorID string `json:"actor_id"`
	Count   uint32 `json:"count"`
}

type providerJSON struct {
	ProviderID string `json:"provider_id"`
	LinkName   string `json:"link_name"`
	Contract   string `json:"contract"`
	State      string `json:"state"`
}

type linkJSON struct {
	Source   string            `json:"source"`
	Target   string            `json:"target"`
	Contract string            `json:"contract"`
	LinkName string            `json:"link_name"`
	Config   map[string]string `json:"config,omitempty"`
}

type inventoryJSON struct {
	LatticeID string            `json:"lattice_id"`
	HostID    string            `json:"host_id"`
	Labels    map[string]string `json:"labels,omitempty"`
	Actors    []actorJSON       `json:"actors"`
	Providers []providerJSON    `json:"providers"`
	Links     []linkJSON        `json:"links"`
}

type hostJSON struct {
	HostID    string            `json:"host_id"`
	LatticeID string            `json:"lattice_id"`
	Labels    map[string]string `json:"labels,omitempty"`
	Interval  string            `json:"heartbeat_interval"`
	LastSeen  time.Time         `json:"last_seen"`
	Actors    []actorJSON       `json:"actors"`
	Providers []providerJSON    `json:"providers"`
}

func inventoryView(inv wire.Inventory) inventoryJSON {
	out := inventoryJSON{
		LatticeID: inv.LatticeID,
		HostID:    inv.HostID,
		Labels:    inv.Labels,
		Actors:    make([]actorJSON, 0, len(inv.Actors)),
		Providers: make([]providerJSON, 0, len(inv.Providers)),
		Links:     make([]linkJSON, 0, len(inv.Links)),
	}
	for _, a := range inv.Actors {
		out.Actors = append(out.Actors, actorJSON{ActorID: a.ActorID, Count: a.Count})
	}
	for _, p := range inv.Providers {
		out.Providers = append(out.Providers, providerView(p))
	}
	for _, l := range inv.Links {
		out.Links = append(out.Links, linkJSON{
			Source:   l.Source,
			Target:   l.Target,
			Contract: l.Contract,
			LinkName: l.LinkName,
			Config:   l.Config,
		})
	}
	return out
}

func providerView(p wire.ProviderRecord) providerJSON {
	return providerJSON{ProviderID: p.ProviderID, LinkName: p.LinkName, Contract: p.Contract, State: p.State}
}

func hostView(h lattice.HostRecord) hostJSON {
	out := hostJSON{
		HostID:    h.HostID,
		LatticeID: h.LatticeID,
		Labels:    h.Labels,
		Interval:  h.Interval.String(),
		LastSeen:  h.LastSeen,
		Actors:    make([]actorJSON, 0, len(h.Actors)),
		Providers: make([]providerJSON, 0, len(h.Providers)),
	}
	for id, n := range h.Actors {
		out.Actors = append(out.Actors, actorJSON{ActorID: id, Count: n})
	}
	sort.Slice(out.Actors, func(i, j int) bool { return out.Actors[i].ActorID < out.Actors[j].ActorID })
	for _, p := range h.Providers {
		out.Providers = append(out.Providers, providerView(p))
	}
	sort.Slice(out.Providers, func(i, j int) bool {
		a, b := out.Providers[i], out.Providers[j]
		if a.ProviderID != b.ProviderID {
			return a.ProviderID < b.ProviderID
		}
		return a.LinkName < b.LinkName
	})
	return out
}
