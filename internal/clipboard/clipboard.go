// Package clipboard provides a bounded-time read of the X clipboard.
package clipboard

import (
	"context"
	"os/exec"
	"time"
)

// ReadTimeout bounds a single clipboard read. The selection owner answers
// the xsel request; an unresponsive owner must not stall event processing.
const ReadTimeout = 100 * time.Millisecond

// Read returns the clipboard contents, or nil when the read timed out or
// failed. An empty clipboard yields an empty, non-nil slice; nil strictly
// means "no answer".
func Read(ctx context.Context) []byte {
	ctx, cancel := context.WithTimeout(ctx, ReadTimeout)
	defer cancel()
	out, err := exec.CommandContext(ctx, "xsel", "-b").Output()
	if err != nil {
		return nil
	}
	if out == nil {
		out = []byte{}
	}
	return out
}
