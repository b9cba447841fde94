// Package lifecycle tracks process readiness for the health endpoint.
package lifecycle

import "sync/atomic"

// Process states reported by /health.
const (
	StateStarting     = "starting"
	StateReady        = "ready"
	StateShuttingDown = "shutting-down"
)

var (
	ready        atomic.Bool
	shuttingDown atomic.Bool
)

// SetReady marks startup complete (stores opened, default cities loaded).
func SetReady(v bool) {
	ready.Store(v)
}

// IsReady returns true once startup is complete and shutdown has not begun.
func IsReady() bool {
	return ready.Load() && !shuttingDown.Load()
}

// SetShuttingDown sets the shutdown flag. Call when SIGTERM/SIGINT received.
// Health handler returns 503 with status shutting-down while true.
func SetShuttingDown(v bool) {
	shuttingDown.Store(v)
}

// IsShuttingDown returns true if the process is draining and should not receive new traffic.
func IsShuttingDown() bool {
	return shuttingDown.Load()
}

// State returns the current process state. Shutdown wins over readiness.
func State() string {
	switch {
	case shuttingDown.Load():
		return StateShuttingDown
	case ready.Load():
		return StateReady
	default:
		return StateStarting
	}
}
