package setup

import (
	"log/slog"
	"sync/atomic"

	"github.com/cochaviz/benchjail/internal/logging"
)

var packageLogger atomic.Pointer[slog.Logger]

// SetLogger sets the logger host checks report to. nil restores
// slog.Default.
func SetLogger(logger *slog.Logger) {
	packageLogger.Store(logger)
}

func getLogger() *slog.Logger {
	return logging.Ensure(packageLogger.Load())
}
