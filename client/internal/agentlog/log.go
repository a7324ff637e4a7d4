// Package agentlog provides centralized logging setup for frpc.
package agentlog

import (
	"io"
	"os"
	"time"

	"frpc/shared/logging"
)

var (
	// Log is the process logger.
	Log *logging.Logger

	// Events keeps recent warnings and errors for the admin endpoint.
	Events *logging.EventRing
)

// Options controls Init.
type Options struct {
	// Level from the configuration file. FRPC_LOG_LEVEL is applied first
	// and this overrides it when set.
	Level  string
	JSON   bool
	Output io.Writer
}

// Init builds the process logger, installs it as the global logger and
// attaches the event ring.
func Init(opts Options) *logging.Logger {
	out := opts.Output
	if out == nil {
		out = os.Stderr
	}
	Log = logging.New(logging.Config{
		Level:      logging.LevelInfo,
		Output:     out,
		Component:  "frpc",
		JSONFormat: opts.JSON,
		RateLimit:  100 * time.Millisecond,
	})
	Log.SetLevelFromEnv()
	if opts.Level != "" {
		Log.SetLevel(logging.ParseLevel(opts.Level))
	}

	Events = logging.NewEventRing(500, logging.LevelWarn)
	Log.AddHook(Events.Hook())

	logging.SetGlobal(Log)
	return Log
}

func logger() *logging.Logger {
	if Log == nil {
		return logging.Global()
	}
	return Log
}

// System returns a logger for process-level events.
func System() *logging.Logger {
	return logger().WithCategory(logging.CatSystem)
}

// Control returns a logger for control channel events.
func Control() *logging.Logger {
	return logger().WithCategory(logging.CatControl)
}

// Admin returns a logger for the admin endpoint.
func Admin() *logging.Logger {
	return logger().WithCategory(logging.CatAdmin)
}

// F is a shortcut for creating field maps.
func F(keyvals ...any) map[string]any {
	return logging.F(keyvals...)
}
