package main

import (
	"context"
	"errors"
	"io"
	"os"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/tu500/ffsuspend/internal/config"
)

func discardLogger() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logrus.NewEntry(l)
}

// The control server exits almost immediately once cancelled, while the
// engine is still force-continuing every tracker. Shutdown must not complete
// until the engine is done.
func TestSuperviseWaitsForEngineCleanupOnSignal(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	engineErrs := make(chan error, 1)
	serverErrs := make(chan error, 1)
	sigs := make(chan os.Signal, 1)
	var cleanupDone atomic.Bool

	go func() {
		<-ctx.Done()
		serverErrs <- nil
	}()
	go func() {
		<-ctx.Done()
		// Stand-in for the per-tracker force-continue pass.
		time.Sleep(100 * time.Millisecond)
		cleanupDone.Store(true)
		engineErrs <- ctx.Err()
	}()

	sigs <- syscall.SIGTERM
	err := supervise(cancel, discardLogger(), engineErrs, serverErrs, nil, sigs, nil)
	if err != nil {
		t.Fatalf("supervise: %v", err)
	}
	if !cleanupDone.Load() {
		t.Error("supervise returned before the engine finished its cleanup")
	}
}

func TestSuperviseReportsEngineError(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	engineErrs := make(chan error, 1)
	serverErrs := make(chan error, 1)
	go func() {
		<-ctx.Done()
		serverErrs <- nil
	}()

	engineErr := errors.New("event stream closed")
	engineErrs <- engineErr
	err := supervise(cancel, discardLogger(), engineErrs, serverErrs, nil, nil, nil)
	if !errors.Is(err, engineErr) {
		t.Errorf("supervise error = %v, want wrapped %v", err, engineErr)
	}
}

func TestSuperviseServerFailureStillWaitsForEngine(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	engineErrs := make(chan error, 1)
	serverErrs := make(chan error, 1)
	var cleanupDone atomic.Bool
	go func() {
		<-ctx.Done()
		time.Sleep(100 * time.Millisecond)
		cleanupDone.Store(true)
		engineErrs <- ctx.Err()
	}()

	serverErrs <- errors.New("listen on control socket: address in use")
	err := supervise(cancel, discardLogger(), engineErrs, serverErrs, nil, nil, nil)
	if err != nil {
		t.Fatalf("supervise: %v", err)
	}
	if !cleanupDone.Load() {
		t.Error("supervise returned before the engine finished its cleanup")
	}
}

func parseFlags(t *testing.T, args ...string) (*cobra.Command, *options) {
	t.Helper()
	opts := &options{}
	cmd := &cobra.Command{Use: "ffsuspend"}
	registerFlags(cmd, opts)
	if err := cmd.Flags().Parse(args); err != nil {
		t.Fatalf("parse flags: %v", err)
	}
	return cmd, opts
}

func TestApplyFlagsJournalToggles(t *testing.T) {
	cmd, opts := parseFlags(t, "--journal")
	cfg := config.Default()
	applyFlags(cmd, opts, cfg, nil)
	if !cfg.Journal.Enabled {
		t.Error("--journal did not enable the journal")
	}

	cmd, opts = parseFlags(t, "--no-journal")
	cfg = config.Default()
	cfg.Journal.Enabled = true
	applyFlags(cmd, opts, cfg, nil)
	if cfg.Journal.Enabled {
		t.Error("--no-journal did not disable the journal")
	}

	cmd, opts = parseFlags(t, "--journal", "--no-journal")
	cfg = config.Default()
	applyFlags(cmd, opts, cfg, nil)
	if cfg.Journal.Enabled {
		t.Error("--no-journal did not take precedence over --journal")
	}

	cmd, opts = parseFlags(t, "--journal-path", "/tmp/j.db")
	cfg = config.Default()
	applyFlags(cmd, opts, cfg, nil)
	if !cfg.Journal.Enabled || cfg.Journal.Path != "/tmp/j.db" {
		t.Errorf("--journal-path: enabled=%v path=%q", cfg.Journal.Enabled, cfg.Journal.Path)
	}
}

func TestApplyFlagsProgramsOverrideConfig(t *testing.T) {
	cmd, opts := parseFlags(t)
	cfg := config.Default()
	cfg.Programs = []string{"from-config"}
	applyFlags(cmd, opts, cfg, []string{"mumble", "gajim"})
	if len(cfg.Programs) != 2 || cfg.Programs[0] != "mumble" {
		t.Errorf("programs = %v, want positional args to win", cfg.Programs)
	}
}
