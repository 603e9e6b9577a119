package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/danmuck/lattice/internal/bus/redisbus"
	"github.com/danmuck/lattice/internal/host"
)

type fileConfig struct {
	Lattice           string            `toml:"lattice"`
	HostSeed          string            `toml:"host_seed"`
	Labels            map[string]string `toml:"labels"`
	Bus               string            `toml:"bus"`
	HeartbeatInterval string            `toml:"heartbeat_interval"`
	LivenessMisses    int               `toml:"liveness_misses"`
	RPCTimeout        string            `toml:"rpc_timeout"`
	TrustedIssuers    []string          `toml:"trusted_issuers"`
	VerifyCacheSize   int               `toml:"verify_cache_size"`
	ArtifactRoot      string            `toml:"artifact_root"`
	ProviderLogDir    string            `toml:"provider_log_dir"`
	AdminAddr         string            `toml:"admin_addr"`
	CORSOrigins       []string          `toml:"cors_origins"`

	Redis    redisFileConfig    `toml:"redis"`
	Provider providerFileConfig `toml:"provider"`
}

type redisFileConfig struct {
	Addr         string `toml:"addr"`
	Username     string `toml:"username"`
	Password     string `toml:"password"`
	DB           int    `toml:"db"`
	DialTimeout  string `toml:"dial_timeout"`
	DialAttempts int    `toml:"dial_attempts"`
	SecurityMode string `toml:"security_mode"`
	TLS          struct {
		Enabled    bool   `toml:"enabled"`
		Mutual     bool   `toml:"mutual"`
		CertFile   string `toml:"cert_file"`
		KeyFile    string `toml:"key_file"`
		CAFile     string `toml:"ca_file"`
		ServerName string `toml:"server_name"`
	} `toml:"tls"`
}

type providerFileConfig struct {
	StartTimeout  string `toml:"start_timeout"`
	ProbeInterval string `toml:"probe_interval"`
	ProbeTimeout  string `toml:"probe_timeout"`
	MissThreshold int    `toml:"miss_threshold"`
	MissWindow    string `toml:"miss_window"`
	DrainGrace    string `toml:"drain_grace"`
	KillGrace     string `toml:"kill_grace"`
}

// loadServiceConfig overlays the keys present in path onto
// host.DefaultServiceConfig.
func loadServiceConfig(path string) (host.ServiceConfig, error) {
	cfg := host.DefaultServiceConfig()

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return host.ServiceConfig{}, fmt.Errorf("load host config: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return host.ServiceConfig{}, fmt.Errorf("load host config: unknown key %q", undecoded[0].String())
	}

	if meta.IsDefined("lattice") {
		if v := strings.TrimSpace(raw.Lattice); v != "" {
			cfg.LatticeID = v
		}
	}
	if meta.IsDefined("host_seed") {
		cfg.HostSeed = strings.TrimSpace(raw.HostSeed)
	}
	if meta.IsDefined("labels") {
		cfg.Labels = raw.Labels
	}
	if meta.IsDefined("bus") {
		cfg.Bus = host.BusKind(strings.ToLower(strings.TrimSpace(raw.Bus)))
	}
	if meta.IsDefined("liveness_misses") {
		cfg.LivenessMisses = raw.LivenessMisses
	}
	if meta.IsDefined("trusted_issuers") {
		cfg.TrustedIssuers = normalizeList(raw.TrustedIssuers)
	}
	if meta.IsDefined("verify_cache_size") {
		cfg.VerifyCacheSize = raw.VerifyCacheSize
	}
	if meta.IsDefined("artifact_root") {
		cfg.ArtifactRoot = strings.TrimSpace(raw.ArtifactRoot)
	}
	if meta.IsDefined("provider_log_dir") {
		cfg.ProviderLogDir = strings.TrimSpace(raw.ProviderLogDir)
	}
	if meta.IsDefined("admin_addr") {
		cfg.AdminAddr = strings.TrimSpace(raw.AdminAddr)
	}
	if meta.IsDefined("cors_origins") {
		cfg.CORSOrigins = normalizeList(raw.CORSOrigins)
	}

	durations := []struct {
		key []string
		raw string
		dst *time.Duration
	}{
		{[]string{"heartbeat_interval"}, raw.HeartbeatInterval, &cfg.HeartbeatInterval},
		{[]string{"rpc_timeout"}, raw.RPCTimeout, &cfg.RPCTimeout},
		{[]string{"redis", "dial_timeout"}, raw.Redis.DialTimeout, &cfg.Redis.DialTimeout},
		{[]string{"provider", "start_timeout"}, raw.Provider.StartTimeout, &cfg.ProviderStartTimeout},
		{[]string{"provider", "probe_interval"}, raw.Provider.ProbeInterval, &cfg.ProbeInterval},
		{[]string{"provider", "probe_timeout"}, raw.Provider.ProbeTimeout, &cfg.ProbeTimeout},
		{[]string{"provider", "miss_window"}, raw.Provider.MissWindow, &cfg.ProbeMissWindow},
		{[]string{"provider", "drain_grace"}, raw.Provider.DrainGrace, &cfg.DrainGrace},
		{[]string{"provider", "kill_grace"}, raw.Provider.KillGrace, &cfg.KillGrace},
	}
	for _, d := range durations {
		if !meta.IsDefined(d.key...) {
			continue
		}
		v, err := time.ParseDuration(strings.TrimSpace(d.raw))
		if err != nil {
			return host.ServiceConfig{}, fmt.Errorf("parse %s: %w", strings.Join(d.key, "."), err)
		}
		*d.dst = v
	}

	if meta.IsDefined("provider", "miss_threshold") {
		cfg.ProbeMissThreshold = raw.Provider.MissThreshold
	}

	if meta.IsDefined("redis", "addr") {
		cfg.Redis.Addr = strings.TrimSpace(raw.Redis.Addr)
	}
	if meta.IsDefined("redis", "username") {
		cfg.Redis.Username = raw.Redis.Username
	}
	if meta.IsDefined("redis", "password") {
		cfg.Redis.Password = raw.Redis.Password
	}
	if meta.IsDefined("redis", "db") {
		cfg.Redis.DB = raw.Redis.DB
	}
	if meta.IsDefined("redis", "dial_attempts") {
		cfg.Redis.DialAttempts = raw.Redis.DialAttempts
	}
	if meta.IsDefined("redis", "security_mode") {
		cfg.Redis.SecurityMode = redisbus.NormalizeSecurityMode(redisbus.SecurityMode(raw.Redis.SecurityMode))
	}
	if meta.IsDefined("redis", "tls") {
		t := raw.Redis.TLS
		cfg.Redis.TLS = redisbus.TLSConfig{
			Enabled:    t.Enabled,
			Mutual:     t.Mutual,
			CertFile:   strings.TrimSpace(t.CertFile),
			KeyFile:    strings.TrimSpace(t.KeyFile),
			CAFile:     strings.TrimSpace(t.CAFile),
			ServerName: strings.TrimSpace(t.ServerName),
		}
	}

	if err := cfg.Validate(); err != nil {
		return host.ServiceConfig{}, err
	}
	return cfg, nil
}

func normalizeList(in []string) []string {
	out := make([]string, 0, len(in))
	for _, v := range in {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		out = append(out, v)
	}
	return out
}

// resolveWorkspaceRoot walks up from the working directory until rel exists.
func resolveWorkspaceRoot(rel string) string {
	dir, err := os.Getwd()
	if err != nil {
		return "."
	}
	for {
		if _, err := os.Stat(filepath.Join(dir, rel)); err == nil {
			return dir
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "."
		}
		dir = parent
	}
}
