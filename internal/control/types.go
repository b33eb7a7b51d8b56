package control

import (
	"errors"
	"os"
	"path/filepath"
	"time"

	"github.com/tu500/ffsuspend/internal/engine"
	"github.com/tu500/ffsuspend/internal/metrics"
)

const (
	// SocketFileName is the filename of the control socket within the runtime dir.
	SocketFileName = "control.sock"

	// Action names supported by the control protocol.
	ActionStatus  = "status"
	ActionResume  = "resume"
	ActionInhibit = "inhibit"
	ActionMetrics = "metrics"
	ActionReload  = "reload"
	ActionHistory = "history"

	// Response statuses.
	StatusOK    = "ok"
	StatusError = "error"
)

// Request represents a control API request.
type Request struct {
	Action string         `json:"action"`
	Params map[string]any `json:"params,omitempty"`
}

// Response represents a control API response.
type Response struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
	Data   any    `json:"data,omitempty"`
}

// StatusSnapshot is the daemon state returned by the status action.
type StatusSnapshot = engine.Status

// MetricsSnapshot is the counter state returned by the metrics action.
type MetricsSnapshot = metrics.Snapshot

// HistoryEntry is one journaled transition returned by the history action.
type HistoryEntry struct {
	Program     string    `json:"program"`
	From        string    `json:"from"`
	To          string    `json:"to"`
	Reason      string    `json:"reason"`
	Forced      bool      `json:"forced"`
	SignalError string    `json:"signalError,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// HistoryResult captures the transitions returned by the history action.
type HistoryResult struct {
	Transitions []HistoryEntry `json:"transitions"`
}

// DefaultSocketPath returns the expected location of the control socket.
func DefaultSocketPath() (string, error) {
	if env := os.Getenv("FFSUSPEND_CONTROL_SOCKET"); env != "" {
		return env, nil
	}
	runtimeDir := os.Getenv("XDG_RUNTIME_DIR")
	base := runtimeDir
	if base == "" {
		base = os.TempDir()
		if base == "" {
			return "", errors.New("no runtime directory available")
		}
	}
	return filepath.Join(base, "ffsuspend", SocketFileName), nil
}
