package ipc

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/tu500/ffsuspend/internal/state"
)

// Client wraps i3-msg shell-outs.
type Client struct {
	Binary string
}

// NewClient returns an i3-msg client using the binary on PATH.
func NewClient() *Client {
	return &Client{Binary: "i3-msg"}
}

func (c *Client) run(ctx context.Context, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, c.Binary, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("i3-msg %s: %v: %s", strings.Join(args, " "), err, stderr.String())
	}
	return stdout.Bytes(), nil
}

// GetTree fetches and decodes the full container tree.
func (c *Client) GetTree(ctx context.Context) (*Tree, error) {
	data, err := c.run(ctx, "-t", "get_tree")
	if err != nil {
		return nil, err
	}
	return DecodeTree(data)
}

// VisibleWorkspaces returns the per-output workspace visibility snapshot.
func (c *Client) VisibleWorkspaces(ctx context.Context) ([]state.WorkspaceVisibility, error) {
	data, err := c.run(ctx, "-t", "get_workspaces")
	if err != nil {
		return nil, err
	}
	var raw []struct {
		Name    string `json:"name"`
		Output  string `json:"output"`
		Visible bool   `json:"visible"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("decode workspaces: %w", err)
	}
	rows := make([]state.WorkspaceVisibility, 0, len(raw))
	for _, ws := range raw {
		rows = append(rows, state.WorkspaceVisibility{
			Name:    ws.Name,
			Output:  ws.Output,
			Visible: ws.Visible,
		})
	}
	return rows, nil
}

// Subscribe launches a persistent i3-msg subscription for window and
// workspace events and streams the decoded events until the subprocess exits
// or the context is cancelled. The channel is closed when the producer exits;
// a decode failure is delivered as a final EventError before closing.
func (c *Client) Subscribe(ctx context.Context, logger *logrus.Entry) (<-chan Event, error) {
	cmd := exec.CommandContext(ctx, c.Binary, "-t", "subscribe", "-m", `[ "window", "workspace" ]`)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("subscribe pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start subscription: %w", err)
	}
	events := make(chan Event)
	go func() {
		defer close(events)
		defer func() {
			if err := cmd.Wait(); err != nil && ctx.Err() == nil {
				logger.Warnf("subscription process exited: %v", err)
			}
		}()
		scanner := bufio.NewScanner(stdout)
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)
		for scanner.Scan() {
			ev, err := DecodeEvent(scanner.Bytes())
			if err != nil {
				select {
				case events <- Event{Kind: EventError, Err: err}:
				case <-ctx.Done():
				}
				return
			}
			select {
			case events <- ev:
			case <-ctx.Done():
				return
			}
		}
		if err := scanner.Err(); err != nil && ctx.Err() == nil {
			select {
			case events <- Event{Kind: EventError, Err: fmt.Errorf("read event stream: %w", err)}:
			case <-ctx.Done():
			}
		}
	}()
	return events, nil
}
