package observability

import (
	"github.com/rs/zerolog"

	logs "github.com/danmuck/lattice/internal/logging"
)

// InitLogger derives a component logger from the process logger, tagged with
// the app name and the host identity.
func InitLogger(app, hostID string) zerolog.Logger {
	ctx := logs.Logger().With().Str("app", app)
	if hostID != "" {
		ctx = ctx.Str("host", hostID)
	}
	return ctx.Logger()
}
