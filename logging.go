package fiberhook

import (
	"os"
	"sync"

	"github.com/rs/zerolog"
)

// log is the package's structured logger, in the spirit of sylar's
// single g_logger "system" channel: informational only, never load
// bearing for control flow. Callers embedding this module can replace
// it with SetLogger to route output through their own zerolog
// pipeline.
var (
	logMu sync.RWMutex
	log   = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
		With().Timestamp().Str("component", "fiberhook").Logger()
)

// SetLogger replaces the package-level logger. Intended for embedding
// applications that already maintain a zerolog.Logger and want
// fiberhook's diagnostics routed through it.
func SetLogger(l zerolog.Logger) {
	logMu.Lock()
	defer logMu.Unlock()
	log = l
}

func getLogger() *zerolog.Logger {
	logMu.RLock()
	defer logMu.RUnlock()
	l := log
	return &l
}
