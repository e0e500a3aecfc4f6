// Package obslog provides the structured logger threaded through
// econn/ecall/wcall. It mirrors ManuGH-xg2g's internal/log package
// (Configure + a package-level zerolog.Logger) rather than the teacher's
// bare log.Printf, which under-serves a signaling core whose failures are
// diagnosed from logs alone.
package obslog

import (
	"io"
	"os"
	"sync"

	"github.com/rs/zerolog"
)

// Config configures the global logger.
type Config struct {
	Level   string    // "debug", "info", "warn", "error"; default "info"
	Output  io.Writer // default os.Stdout
	Service string    // default "callcore"
}

var (
	mu   sync.RWMutex
	base = zerolog.New(os.Stdout).With().Timestamp().Str("service", "callcore").Logger()
)

// Configure installs the global logger. Safe to call more than once; the
// most recent call wins. Callers and goroutines spawned before a
// later Configure keep using whatever *zerolog.Logger they already captured.
func Configure(cfg Config) {
	level := zerolog.InfoLevel
	if cfg.Level != "" {
		if parsed, err := zerolog.ParseLevel(cfg.Level); err == nil {
			level = parsed
		}
	}
	writer := cfg.Output
	if writer == nil {
		writer = os.Stdout
	}
	service := cfg.Service
	if service == "" {
		service = "callcore"
	}

	mu.Lock()
	defer mu.Unlock()
	base = zerolog.New(writer).Level(level).With().
		Timestamp().
		Str("service", service).
		Logger()
}

// L returns the current global logger.
func L() *zerolog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	l := base
	return &l
}

// For returns a child logger pre-tagged with a convid, the most common
// correlation key across econn/ecall/wcall log lines.
func For(convid string) *zerolog.Logger {
	l := L().With().Str("convid", convid).Logger()
	return &l
}
