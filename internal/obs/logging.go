// Package obs contains observability utilities such as logging and tracing.
package obs

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

// Logger is the global structured logger used by the service.
//
// Logger is exported to allow other packages to use it for logging.
// It starts as a discarding logger so packages stay usable before InitLogger.
var Logger = slog.New(slog.NewJSONHandler(io.Discard, nil))

// InitLogger initializes the global Logger with a JSON handler writing to stdout.
// The level is taken from LOG_LEVEL (debug, info, warn, error; default info).
func InitLogger() {
	InitLoggerTo(os.Stdout, os.Getenv("LOG_LEVEL"))
}

// InitLoggerTo initializes the global Logger writing JSON lines to w.
func InitLoggerTo(w io.Writer, level string) {
	h := slog.NewJSONHandler(w, &slog.HandlerOptions{Level: parseLevel(level)})
	Logger = slog.New(h)
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Tracer returns a tracer from the globally registered provider.
// Without an installed SDK the provider is a no-op.
func Tracer(name string) trace.Tracer {
	return otel.Tracer("github.com/midastechnical/storefront-sync/" + name)
}
