package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/tu500/ffsuspend/internal/engine"
	"github.com/tu500/ffsuspend/internal/journal"
	"github.com/tu500/ffsuspend/internal/metrics"
)

// Server hosts the daemon control socket and serves requests.
type Server struct {
	engine     *engine.Engine
	metrics    *metrics.Collector
	journal    *journal.Store
	logger     *logrus.Entry
	reload     func(reason string) error
	socketPath string

	mu       sync.Mutex
	listener net.Listener
}

// NewServer creates a new control server. journal may be nil when the
// transition journal is disabled.
func NewServer(eng *engine.Engine, collector *metrics.Collector, store *journal.Store, logger *logrus.Entry, reload func(reason string) error) (*Server, error) {
	path, err := DefaultSocketPath()
	if err != nil {
		return nil, err
	}
	return &Server{
		engine:     eng,
		metrics:    collector,
		journal:    store,
		logger:     logger,
		reload:     reload,
		socketPath: path,
	}, nil
}

// Serve listens on the control socket until the context is cancelled.
func (s *Server) Serve(ctx context.Context) error {
	if err := s.prepareSocket(); err != nil {
		return err
	}
	s.logger.Infof("control server listening on %s", s.socketPath)
	defer s.cleanup()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		if s.listener != nil {
			s.listener.Close()
		}
		s.mu.Unlock()
	}()

	for {
		conn, err := s.accept(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, net.ErrClosed) {
				return nil
			}
			if ctx.Err() != nil {
				return nil
			}
			s.logger.Errorf("control accept error: %v", err)
			continue
		}
		go s.handle(ctx, conn)
	}
}

func (s *Server) accept(ctx context.Context) (net.Conn, error) {
	s.mu.Lock()
	listener := s.listener
	s.mu.Unlock()
	if listener == nil {
		return nil, context.Canceled
	}
	conn, err := listener.Accept()
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, err
	}
	return conn, nil
}

func (s *Server) prepareSocket() error {
	dir := filepath.Dir(s.socketPath)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create control dir: %w", err)
	}
	if err := os.Remove(s.socketPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove stale socket: %w", err)
	}
	listener, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("listen on control socket: %w", err)
	}
	if err := os.Chmod(s.socketPath, 0o600); err != nil {
		listener.Close()
		return fmt.Errorf("chmod control socket: %w", err)
	}
	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()
	return nil
}

func (s *Server) cleanup() {
	s.mu.Lock()
	listener := s.listener
	s.listener = nil
	s.mu.Unlock()
	if listener != nil {
		listener.Close()
	}
	if err := os.Remove(s.socketPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		s.logger.Warnf("remove control socket: %v", err)
	}
}

func (s *Server) handle(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	dec := json.NewDecoder(conn)
	var req Request
	if err := dec.Decode(&req); err != nil {
		s.writeError(conn, fmt.Errorf("decode request: %w", err))
		return
	}
	switch req.Action {
	case ActionStatus:
		s.handleStatus(ctx, conn)
	case ActionResume:
		s.handleResume(ctx, conn, req.Params)
	case ActionInhibit:
		s.handleInhibit(ctx, conn, req.Params)
	case ActionMetrics:
		s.writeOK(conn, s.metrics.Snapshot())
	case ActionReload:
		s.handleReload(conn)
	case ActionHistory:
		s.handleHistory(conn, req.Params)
	default:
		s.writeError(conn, fmt.Errorf("unknown action %q", req.Action))
	}
}

func (s *Server) handleStatus(ctx context.Context, conn net.Conn) {
	status, err := s.engine.Status(ctx)
	if err != nil {
		s.writeError(conn, err)
		return
	}
	s.writeOK(conn, status)
}

func (s *Server) handleResume(ctx context.Context, conn net.Conn, params map[string]any) {
	program, _ := params["program"].(string)
	if err := s.engine.Resume(ctx, program); err != nil {
		s.writeError(conn, err)
		return
	}
	s.writeOK(conn, nil)
}

func (s *Server) handleInhibit(ctx context.Context, conn net.Conn, params map[string]any) {
	program, _ := params["program"].(string)
	if err := s.engine.Inhibit(ctx, program); err != nil {
		s.writeError(conn, err)
		return
	}
	s.writeOK(conn, nil)
}

func (s *Server) handleReload(conn net.Conn) {
	if s.reload == nil {
		s.writeError(conn, errors.New("reload not supported"))
		return
	}
	if err := s.reload("control request"); err != nil {
		s.writeError(conn, err)
		return
	}
	s.writeOK(conn, nil)
}

func (s *Server) handleHistory(conn net.Conn, params map[string]any) {
	if s.journal == nil {
		s.writeError(conn, errors.New("journal disabled"))
		return
	}
	program, _ := params["program"].(string)
	limit := 0
	if v, ok := params["limit"].(float64); ok {
		limit = int(v)
	}
	transitions, err := s.journal.Recent(program, limit)
	if err != nil {
		s.writeError(conn, err)
		return
	}
	result := HistoryResult{Transitions: make([]HistoryEntry, 0, len(transitions))}
	for _, t := range transitions {
		result.Transitions = append(result.Transitions, HistoryEntry{
			Program:     t.Program,
			From:        t.From,
			To:          t.To,
			Reason:      t.Reason,
			Forced:      t.Forced,
			SignalError: t.SignalError,
			Timestamp:   t.Timestamp,
		})
	}
	s.writeOK(conn, result)
}

func (s *Server) writeOK(conn net.Conn, data any) {
	resp := Response{Status: StatusOK}
	if data != nil {
		resp.Data = data
	}
	_ = json.NewEncoder(conn).Encode(resp)
}

func (s *Server) writeError(conn net.Conn, err error) {
	resp := Response{Status: StatusError}
	if err != nil {
		resp.Error = err.Error()
	}
	_ = json.NewEncoder(conn).Encode(resp)
}
