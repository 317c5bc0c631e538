package observability

import (
	"log"
	"sync/atomic"
)

var debug atomic.Bool

// SetDebug enables or disables debug-level log lines.
func SetDebug(on bool) { debug.Store(on) }

// DebugEnabled reports whether debug logging is on.
func DebugEnabled() bool { return debug.Load() }

// Debugf logs through the standard logger when debug logging is enabled.
func Debugf(format string, args ...interface{}) {
	if debug.Load() {
		log.Printf("DEBUG: "+format, args...)
	}
}
