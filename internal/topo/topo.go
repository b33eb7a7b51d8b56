// Package topo answers process and window topology queries by shelling out
// to ps and xdotool.
package topo

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
)

// Client shells out to the system tools backing the topology queries.
type Client struct {
	PSBinary      string
	XdotoolBinary string
}

// NewClient returns a client using the binaries on PATH.
func NewClient() *Client {
	return &Client{PSBinary: "ps", XdotoolBinary: "xdotool"}
}

// ProcessIDsByName returns the PIDs of all processes whose executable
// basename matches name. Processes disappearing mid-scan simply drop out of
// the listing; only a failure to run ps itself is an error.
func (c *Client) ProcessIDsByName(ctx context.Context, name string) (map[int]struct{}, error) {
	out, err := exec.CommandContext(ctx, c.PSBinary, "ax").Output()
	if err != nil {
		return nil, fmt.Errorf("list processes: %w", err)
	}
	return parseProcessList(out, name), nil
}

// parseProcessList scans ps ax output for command tokens matching name,
// either exactly or as the basename of an absolute path.
func parseProcessList(out []byte, name string) map[int]struct{} {
	pids := make(map[int]struct{})
	lines := bytes.Split(out, []byte("\n"))
	for i, line := range lines {
		if i == 0 {
			// header
			continue
		}
		fields := strings.Fields(string(line))
		if len(fields) < 5 {
			continue
		}
		command := fields[4]
		if command != name && !strings.HasSuffix(command, "/"+name) {
			continue
		}
		pid, err := strconv.Atoi(fields[0])
		if err != nil {
			continue
		}
		pids[pid] = struct{}{}
	}
	return pids
}

// WindowIDsForPID returns the X window IDs owned by pid. xdotool exits
// non-zero when it finds no windows; that is an empty result, not an error.
func (c *Client) WindowIDsForPID(ctx context.Context, pid int) (map[int]struct{}, error) {
	out, err := exec.CommandContext(ctx, c.XdotoolBinary, "search", "--pid", strconv.Itoa(pid)).Output()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return map[int]struct{}{}, nil
		}
		return nil, fmt.Errorf("search windows for pid %d: %w", pid, err)
	}
	return parseWindowIDs(out)
}

func parseWindowIDs(out []byte) (map[int]struct{}, error) {
	ids := make(map[int]struct{})
	for _, line := range strings.Split(strings.TrimSpace(string(out)), "\n") {
		if line == "" {
			continue
		}
		id, err := strconv.Atoi(strings.TrimSpace(line))
		if err != nil {
			return nil, fmt.Errorf("unexpected window id %q", line)
		}
		ids[id] = struct{}{}
	}
	return ids, nil
}
