package logging

import (
	"io"
	"os"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// Config controls the process-wide printf logger.
type Config struct {
	Level     zerolog.Level
	Timestamp bool
	NoColor   bool
	// Bypass writes raw JSON lines instead of the console format.
	Bypass bool
	Out    io.Writer
}

func DefaultConfig() Config {
	return Config{
		Level:     zerolog.InfoLevel,
		Timestamp: true,
		Out:       os.Stderr,
	}
}

var current atomic.Pointer[zerolog.Logger]

func init() {
	Apply(DefaultConfig())
}

// Apply replaces the process logger unconditionally.
func Apply(cfg Config) {
	out := cfg.Out
	if out == nil {
		out = os.Stderr
	}
	if !cfg.Bypass {
		cw := zerolog.ConsoleWriter{
			Out:        out,
			NoColor:    cfg.NoColor,
			TimeFormat: time.RFC3339,
		}
		if !cfg.Timestamp {
			cw.PartsExclude = []string{zerolog.TimestampFieldName}
		}
		out = cw
	}
	ctx := zerolog.New(out).Level(cfg.Level).With()
	if cfg.Timestamp {
		ctx = ctx.Timestamp()
	}
	l := ctx.Logger()
	current.Store(&l)
}

// Logger returns the active zerolog logger for structured call sites.
func Logger() *zerolog.Logger {
	return current.Load()
}

func Tracef(format string, args ...any) { current.Load().Trace().Msgf(format, args...) }
func Debugf(format string, args ...any) { current.Load().Debug().Msgf(format, args...) }
func Infof(format string, args ...any)  { current.Load().Info().Msgf(format, args...) }
func Warnf(format string, args ...any)  { current.Load().Warn().Msgf(format, args...) }
func Errf(format string, args ...any)   { current.Load().Error().Msgf(format, args...) }

// Logf writes at no level so it is emitted regardless of the configured threshold.
func Logf(format string, args ...any) { current.Load().Log().Msgf(format, args...) }
