package engine

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/tu500/ffsuspend/internal/ipc"
	"github.com/tu500/ffsuspend/internal/journal"
	"github.com/tu500/ffsuspend/internal/metrics"
	"github.com/tu500/ffsuspend/internal/state"
)

// RunState is the tracker's belief about its process group. It reflects the
// last signal issued, not a confirmed OS-level state.
type RunState string

const (
	RunStateRunning RunState = "running"
	RunStateStopped RunState = "stopped"
)

// Tracker owns the monitoring state of one program: its last-observed PIDs
// and window IDs, the workspaces those windows occupy, the assumed run state,
// and the one-shot inhibit override.
type Tracker struct {
	name       string
	pids       map[int]struct{}
	windowIDs  map[int]struct{}
	workspaces map[string]struct{}
	runState   RunState
	inhibited  bool

	topo    Topology
	signals Signaler
	metrics *metrics.Collector
	journal transitionRecorder
	logger  *logrus.Entry
}

// transitionRecorder is the slice of the journal the tracker needs; nil
// disables journaling.
type transitionRecorder interface {
	Record(t *journal.Transition) error
}

func newTracker(name string, topo Topology, signals Signaler, collector *metrics.Collector, journal transitionRecorder, logger *logrus.Entry) *Tracker {
	return &Tracker{
		name:       name,
		pids:       map[int]struct{}{},
		windowIDs:  map[int]struct{}{},
		workspaces: map[string]struct{}{},
		// Assume running at startup; nothing has been signaled yet.
		runState: RunStateRunning,
		topo:     topo,
		signals:  signals,
		metrics:  collector,
		journal:  journal,
		logger:   logger,
	}
}

// Name returns the monitored binary name.
func (t *Tracker) Name() string { return t.name }

// RunState returns the tracker's assumed process-group state.
func (t *Tracker) RunState() RunState { return t.runState }

// Inhibited reports whether the next stop transition is suppressed.
func (t *Tracker) Inhibited() bool { return t.inhibited }

// OccupiedWorkspaces returns a copy of the workspaces the program's windows
// currently occupy.
func (t *Tracker) OccupiedWorkspaces() map[string]struct{} {
	out := make(map[string]struct{}, len(t.workspaces))
	for ws := range t.workspaces {
		out[ws] = struct{}{}
	}
	return out
}

// KnownPIDs returns a copy of the last-observed PID set.
func (t *Tracker) KnownPIDs() map[int]struct{} {
	out := make(map[int]struct{}, len(t.pids))
	for pid := range t.pids {
		out[pid] = struct{}{}
	}
	return out
}

// refreshOccupancy re-derives which workspaces the program occupies. With
// movedOnly set, the cached PID and window sets are reused and only workspace
// membership is re-queried: a move event cannot create processes or windows.
// A nil tree is fetched fresh when the workspace query runs.
func (t *Tracker) refreshOccupancy(ctx context.Context, wm WM, movedOnly bool, tree *ipc.Tree) error {
	t.logger.Debugf("refreshing occupancy (movedOnly=%v)", movedOnly)
	t.metrics.RecordRefresh(t.name)

	updateWorkspaces := movedOnly

	if !movedOnly {
		pids, err := t.topo.ProcessIDsByName(ctx, t.name)
		if err != nil {
			return err
		}
		if !intSetsEqual(pids, t.pids) {
			t.logger.Debugf("new pids: %v", sortedInts(pids))
			t.pids = pids
		}
		if len(pids) == 0 {
			// No process, so no window anywhere; stale occupancy is
			// harmless because the window events that revive the program
			// trigger a full refresh.
			return nil
		}
		windowIDs := make(map[int]struct{})
		for pid := range pids {
			ids, err := t.topo.WindowIDsForPID(ctx, pid)
			if err != nil {
				return err
			}
			for id := range ids {
				windowIDs[id] = struct{}{}
			}
		}
		if !intSetsEqual(windowIDs, t.windowIDs) {
			t.logger.Debugf("new window ids: %v", sortedInts(windowIDs))
			t.windowIDs = windowIDs
			updateWorkspaces = true
		}
	}

	if !updateWorkspaces {
		return nil
	}
	if tree == nil {
		fresh, err := wm.GetTree(ctx)
		if err != nil {
			return err
		}
		tree = fresh
	}
	workspaces, err := tree.WorkspacesContaining(t.windowIDs)
	if err != nil {
		return err
	}
	if !stringSetsEqual(workspaces, t.workspaces) {
		t.logger.Debugf("new workspace list: %v", sortedStrings(workspaces))
		t.workspaces = workspaces
	}
	return nil
}

// targetState derives the desired run state from current visibility: running
// iff any occupied workspace is visible on some output.
func (t *Tracker) targetState(registry *state.Registry) RunState {
	for ws := range t.workspaces {
		if registry.Visible(ws) {
			return RunStateRunning
		}
	}
	return RunStateStopped
}

// inhibitIfVisible latches the inhibit flag when the program is currently on
// a visible workspace. The caller invokes this before applying a focus
// change, so the latch is judged against the outgoing visible set.
func (t *Tracker) inhibitIfVisible(registry *state.Registry) {
	if t.targetState(registry) == RunStateRunning {
		t.logger.Infof("inhibiting")
		t.inhibited = true
		t.metrics.RecordInhibit(t.name)
	}
}

// reconcile drives the assumed run state toward the target state. A pending
// stop is suppressed while inhibited; reaching a running target clears the
// inhibit unconditionally.
func (t *Tracker) reconcile(ctx context.Context, registry *state.Registry) {
	target := t.targetState(registry)

	switch {
	case target == RunStateStopped && t.runState == RunStateRunning:
		if t.inhibited {
			t.logger.Debugf("not stopping, inhibited")
			return
		}
		t.sendStop(ctx, "reconcile")
	case target == RunStateRunning:
		t.inhibited = false
		if t.runState == RunStateStopped {
			t.sendContinue(ctx, "reconcile", false)
		}
	}
}

// forceRunning unconditionally issues a continue, regardless of assumed
// state. Used at shutdown and on explicit resume requests so no monitored
// program is ever left stopped.
func (t *Tracker) forceRunning(ctx context.Context, reason string) {
	t.sendContinue(ctx, reason, true)
}

func (t *Tracker) sendStop(ctx context.Context, reason string) {
	t.logger.Infof("stopping")
	entry := &journal.Transition{
		Program: t.name,
		From:    string(t.runState),
		To:      string(RunStateStopped),
		Reason:  reason,
	}
	if err := t.signals.Stop(ctx, t.name); err != nil {
		// Swallowed: state advances on intent, not confirmation.
		t.logger.Warnf("stop signal failed: %v", err)
		t.metrics.RecordSignalError(t.name)
		entry.SignalError = err.Error()
	}
	t.runState = RunStateStopped
	t.metrics.RecordStop(t.name)
	t.record(entry)
}

func (t *Tracker) sendContinue(ctx context.Context, reason string, forced bool) {
	t.logger.Infof("continuing")
	entry := &journal.Transition{
		Program: t.name,
		From:    string(t.runState),
		To:      string(RunStateRunning),
		Reason:  reason,
		Forced:  forced,
	}
	if err := t.signals.Continue(ctx, t.name); err != nil {
		t.logger.Warnf("continue signal failed: %v", err)
		t.metrics.RecordSignalError(t.name)
		entry.SignalError = err.Error()
	}
	t.runState = RunStateRunning
	t.metrics.RecordContinue(t.name)
	t.record(entry)
}

func (t *Tracker) record(entry *journal.Transition) {
	if t.journal == nil {
		return
	}
	if err := t.journal.Record(entry); err != nil {
		t.logger.Warnf("journal write failed: %v", err)
	}
}

func intSetsEqual(a, b map[int]struct{}) bool {
	if len(a) != len(b) {
		return false
	}
	for k := range a {
		if _, ok := b[k]; !ok {
			return false
		}
	}
	return true
}

func stringSetsEqual(a, b map[string]struct{}) bool {
	if len(a) != len(b) {
		return false
	}
	for k := range a {
		if _, ok := b[k]; !ok {
			return false
		}
	}
	return true
}
