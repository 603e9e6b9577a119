package logging

import (
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

// Environment overrides, read once by Configure.
const (
	EnvLogLevel     = "LATTICE_LOG_LEVEL"
	EnvLogFormat    = "LATTICE_LOG_FORMAT"
	EnvLogTimestamp = "LATTICE_LOG_TIMESTAMP"
	EnvLogNoColor   = "LATTICE_LOG_NOCOLOR"
)

type Profile int

const (
	ProfileRuntime Profile = iota
	ProfileTest
)

var configureOnce sync.Once

func ConfigureRuntime() { Configure(ProfileRuntime) }

func ConfigureTests() { Configure(ProfileTest) }

// Configure installs the process logger for profile once; later calls are no-ops.
func Configure(profile Profile) {
	configureOnce.Do(func() {
		cfg := profileConfig(profile)
		overrideFromEnv(&cfg, os.Getenv)
		Apply(cfg)
	})
}

func profileConfig(profile Profile) Config {
	cfg := DefaultConfig()
	if profile == ProfileTest {
		cfg.Level = zerolog.DebugLevel
		cfg.Timestamp = false
		cfg.NoColor = true
	}
	return cfg
}

func overrideFromEnv(cfg *Config, getenv func(string) string) {
	if lvl, ok := parseLevel(getenv(EnvLogLevel)); ok {
		cfg.Level = lvl
	}
	switch strings.ToLower(strings.TrimSpace(getenv(EnvLogFormat))) {
	case "json":
		cfg.Bypass = true
	case "console", "text":
		cfg.Bypass = false
	}
	if v, err := strconv.ParseBool(strings.TrimSpace(getenv(EnvLogTimestamp))); err == nil {
		cfg.Timestamp = v
	}
	if v, err := strconv.ParseBool(strings.TrimSpace(getenv(EnvLogNoColor))); err == nil {
		cfg.NoColor = v
	}
}

// parseLevel accepts zerolog level names plus a few aliases.
func parseLevel(raw string) (zerolog.Level, bool) {
	raw = strings.ToLower(strings.TrimSpace(raw))
	switch raw {
	case "":
		return zerolog.InfoLevel, false
	case "warning":
		return zerolog.WarnLevel, true
	case "off", "none", "disable":
		return zerolog.Disabled, true
	}
	lvl, err := zerolog.ParseLevel(raw)
	if err != nil || lvl == zerolog.NoLevel {
		return zerolog.InfoLevel, false
	}
	return lvl, true
}
