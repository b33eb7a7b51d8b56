package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/tu500/ffsuspend/internal/control"
)

const (
	// defaultTimeout is used when the caller does not provide a context deadline.
	defaultTimeout = 3 * time.Second
)

// Client talks to the running daemon over its control socket.
type Client struct {
	socketPath string
}

type (
	// StatusSnapshot is the daemon state returned by the status action.
	StatusSnapshot = control.StatusSnapshot
	// MetricsSnapshot is the counter state returned by the metrics action.
	MetricsSnapshot = control.MetricsSnapshot
	// HistoryResult captures the transitions returned by the history action.
	HistoryResult = control.HistoryResult
)

// New creates a client that connects to the provided socket path. When path
// is empty, the default runtime path is used.
func New(path string) (*Client, error) {
	if path == "" {
		var err error
		path, err = control.DefaultSocketPath()
		if err != nil {
			return nil, err
		}
	}
	return &Client{socketPath: path}, nil
}

// Status retrieves per-program tracker state and the visible workspace map.
func (c *Client) Status(ctx context.Context) (StatusSnapshot, error) {
	var status StatusSnapshot
	if err := c.do(ctx, control.Request{Action: control.ActionStatus}, &status); err != nil {
		return StatusSnapshot{}, err
	}
	return status, nil
}

// Resume force-continues the named program, or all programs when name is empty.
func (c *Client) Resume(ctx context.Context, program string) error {
	params := map[string]any{}
	if program != "" {
		params["program"] = program
	}
	return c.do(ctx, control.Request{Action: control.ActionResume, Params: params}, nil)
}

// Inhibit latches the stop inhibit on the named visible program, or on all
// visible programs when name is empty.
func (c *Client) Inhibit(ctx context.Context, program string) error {
	params := map[string]any{}
	if program != "" {
		params["program"] = program
	}
	return c.do(ctx, control.Request{Action: control.ActionInhibit, Params: params}, nil)
}

// Metrics retrieves the daemon's counter snapshot.
func (c *Client) Metrics(ctx context.Context) (MetricsSnapshot, error) {
	var snap MetricsSnapshot
	if err := c.do(ctx, control.Request{Action: control.ActionMetrics}, &snap); err != nil {
		return MetricsSnapshot{}, err
	}
	return snap, nil
}

// Reload asks the daemon to reload its configuration.
func (c *Client) Reload(ctx context.Context) error {
	return c.do(ctx, control.Request{Action: control.ActionReload}, nil)
}

// History retrieves recent journaled transitions, newest first.
func (c *Client) History(ctx context.Context, program string, limit int) (HistoryResult, error) {
	params := map[string]any{}
	if program != "" {
		params["program"] = program
	}
	if limit > 0 {
		params["limit"] = limit
	}
	var result HistoryResult
	if err := c.do(ctx, control.Request{Action: control.ActionHistory, Params: params}, &result); err != nil {
		return HistoryResult{}, err
	}
	return result, nil
}

func (c *Client) do(ctx context.Context, req control.Request, out any) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, defaultTimeout)
		defer cancel()
	}
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", c.socketPath)
	if err != nil {
		return fmt.Errorf("dial control socket: %w", err)
	}
	defer conn.Close()
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	if err := json.NewEncoder(conn).Encode(req); err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	var resp control.Response
	if err := json.NewDecoder(conn).Decode(&resp); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	if resp.Status != control.StatusOK {
		if resp.Error == "" {
			resp.Error = "unknown control error"
		}
		return errors.New(resp.Error)
	}
	if out == nil || resp.Data == nil {
		return nil
	}
	data, err := json.Marshal(resp.Data)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	return nil
}
