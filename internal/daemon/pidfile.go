// Package daemon manages the optional PID file.
package daemon

import (
	"fmt"
	"os"
)

// PIDFile writes and removes the daemon's PID file.
type PIDFile struct {
	path string
}

// New returns a PID file handle for the given path.
func New(path string) *PIDFile {
	return &PIDFile{path: path}
}

// Write stores the current process ID.
func (p *PIDFile) Write() error {
	pid := os.Getpid()
	if err := os.WriteFile(p.path, fmt.Appendf(nil, "%d\n", pid), 0o644); err != nil {
		return fmt.Errorf("write pid file: %w", err)
	}
	return nil
}

// Remove deletes the PID file; a missing file is not an error.
func (p *PIDFile) Remove() error {
	if err := os.Remove(p.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove pid file: %w", err)
	}
	return nil
}
