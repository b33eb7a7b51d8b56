package engine

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tu500/ffsuspend/internal/ipc"
	"github.com/tu500/ffsuspend/internal/metrics"
	"github.com/tu500/ffsuspend/internal/state"
)

// WM abstracts the window-manager queries the engine needs.
type WM interface {
	GetTree(ctx context.Context) (*ipc.Tree, error)
	VisibleWorkspaces(ctx context.Context) ([]state.WorkspaceVisibility, error)
}

// Topology abstracts the process and window queries the trackers need.
type Topology interface {
	ProcessIDsByName(ctx context.Context, name string) (map[int]struct{}, error)
	WindowIDsForPID(ctx context.Context, pid int) (map[int]struct{}, error)
}

// Signaler stops and continues a program's process group by name. Failures
// are reported but never block state advancement.
type Signaler interface {
	Stop(ctx context.Context, name string) error
	Continue(ctx context.Context, name string) error
}

// ClipboardFunc performs one bounded clipboard read; nil means no answer.
type ClipboardFunc func(ctx context.Context) []byte

// SubscribeFunc opens the window-manager event stream.
type SubscribeFunc func(ctx context.Context, logger *logrus.Entry) (<-chan ipc.Event, error)

// Deps bundles the external capabilities the engine consumes.
type Deps struct {
	WM        WM
	Topology  Topology
	Signals   Signaler
	Clipboard ClipboardFunc
	Subscribe SubscribeFunc
	Metrics   *metrics.Collector
	Journal   transitionRecorder
	Logger    *logrus.Entry
}

// Engine owns the visibility registry and the per-program trackers and
// reconciles them against the window-manager event stream. All state is
// confined to the Run goroutine; external requests are serialized into the
// loop through a command channel.
type Engine struct {
	deps           Deps
	checkClipboard bool

	registry *state.Registry
	trackers []*Tracker

	lastClip []byte
	haveClip bool

	requests chan request
}

type request struct {
	fn   func(ctx context.Context)
	done chan struct{}
}

// cleanupTimeout bounds the force-continue pass at shutdown. The parent
// context is usually already cancelled by then.
const cleanupTimeout = 5 * time.Second

// New creates an engine monitoring the given program names.
func New(deps Deps, programs []string, checkClipboard bool) *Engine {
	e := &Engine{
		deps:           deps,
		checkClipboard: checkClipboard,
		registry:       state.NewRegistry(),
		requests:       make(chan request),
	}
	for _, name := range programs {
		e.trackers = append(e.trackers, e.newTracker(name))
	}
	return e
}

func (e *Engine) newTracker(name string) *Tracker {
	return newTracker(name, e.deps.Topology, e.deps.Signals, e.deps.Metrics, e.deps.Journal, e.deps.Logger.WithField("program", name))
}

// Run drives the reconciliation loop until the context is cancelled, the
// event stream ends, or a query fails. Whichever way it exits, every tracker
// is forced back to running first; that is the one guarantee that must
// survive any failure.
func (e *Engine) Run(ctx context.Context) error {
	defer e.cleanup()

	if e.checkClipboard {
		if c := e.deps.Clipboard(ctx); c != nil {
			e.lastClip = c
			e.haveClip = true
		}
	}
	if err := e.rebuildVisible(ctx); err != nil {
		return err
	}
	for _, t := range e.trackers {
		if err := t.refreshOccupancy(ctx, e.deps.WM, false, nil); err != nil {
			return err
		}
	}
	e.reconcileAll(ctx)

	events, err := e.deps.Subscribe(ctx, e.deps.Logger)
	if err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case req := <-e.requests:
			req.fn(ctx)
			close(req.done)
		case ev, ok := <-events:
			if !ok {
				return fmt.Errorf("event stream closed")
			}
			if ev.Kind == ipc.EventError {
				return fmt.Errorf("event stream: %w", ev.Err)
			}
			e.deps.Metrics.RecordEvent(ev.Kind.String())
			if err := e.handleEvent(ctx, ev); err != nil {
				return err
			}
		}
	}
}

func (e *Engine) handleEvent(ctx context.Context, ev ipc.Event) error {
	switch ev.Kind {
	case ipc.EventWorkspaceFocus:
		// The clipboard check runs against the outgoing visible set: a copy
		// made just before switching away keeps the source program up for
		// one more focus change.
		if e.checkClipboard && e.clipboardChanged(ctx) {
			e.deps.Logger.Debugf("clipboard changed")
			for _, t := range e.trackers {
				t.inhibitIfVisible(e.registry)
			}
		}
		e.registry.ApplyFocus(ev.Output, ev.Workspace)
		e.reconcileAll(ctx)
	case ipc.EventWindowNew, ipc.EventWindowClose:
		if err := e.refreshAll(ctx, false); err != nil {
			return err
		}
		e.reconcileAll(ctx)
	case ipc.EventWindowMove:
		if err := e.refreshAll(ctx, true); err != nil {
			return err
		}
		e.reconcileAll(ctx)
	case ipc.EventIgnored:
	}
	return nil
}

// refreshAll refreshes every tracker against one shared tree snapshot.
// Occupancy queries are cheap next to the cost of missing a transition, so
// no attempt is made to guess which tracker an event belongs to.
func (e *Engine) refreshAll(ctx context.Context, movedOnly bool) error {
	tree, err := e.deps.WM.GetTree(ctx)
	if err != nil {
		return err
	}
	for _, t := range e.trackers {
		if err := t.refreshOccupancy(ctx, e.deps.WM, movedOnly, tree); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) reconcileAll(ctx context.Context) {
	for _, t := range e.trackers {
		t.reconcile(ctx, e.registry)
	}
}

func (e *Engine) rebuildVisible(ctx context.Context) error {
	rows, err := e.deps.WM.VisibleWorkspaces(ctx)
	if err != nil {
		return err
	}
	e.registry.RebuildFull(rows)
	return nil
}

// clipboardChanged polls the clipboard and reports whether its contents
// differ from the last successful read. A timed-out read is never a change;
// the first successful read after startup counts as one unless the startup
// baseline was seeded.
func (e *Engine) clipboardChanged(ctx context.Context) bool {
	c := e.deps.Clipboard(ctx)
	if c == nil {
		return false
	}
	changed := !e.haveClip || !bytes.Equal(c, e.lastClip)
	e.lastClip = c
	e.haveClip = true
	return changed
}

func (e *Engine) cleanup() {
	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()
	e.deps.Logger.Infof("continuing all monitored programs")
	for _, t := range e.trackers {
		t.forceRunning(ctx, "shutdown")
	}
}

// do runs fn inside the engine loop, preserving the single-writer discipline
// for registry and tracker state. It fails only when the engine is not
// serving requests before ctx expires.
func (e *Engine) do(ctx context.Context, fn func(ctx context.Context)) error {
	req := request{fn: fn, done: make(chan struct{})}
	select {
	case e.requests <- req:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-req.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TrackerStatus is the externally visible state of one tracker.
type TrackerStatus struct {
	Program            string   `json:"program"`
	RunState           string   `json:"runState"`
	Inhibited          bool     `json:"inhibited"`
	OccupiedWorkspaces []string `json:"occupiedWorkspaces,omitempty"`
	KnownPIDs          []int    `json:"knownPids,omitempty"`
}

// Status is a point-in-time snapshot of the engine for the control API.
type Status struct {
	Programs          []TrackerStatus   `json:"programs"`
	VisibleWorkspaces map[string]string `json:"visibleWorkspaces"`
	ClipboardChecking bool              `json:"clipboardChecking"`
}

// Status captures the current tracker and visibility state.
func (e *Engine) Status(ctx context.Context) (Status, error) {
	var status Status
	err := e.do(ctx, func(context.Context) {
		status.ClipboardChecking = e.checkClipboard
		status.VisibleWorkspaces = e.registry.Snapshot()
		for _, t := range e.trackers {
			status.Programs = append(status.Programs, TrackerStatus{
				Program:            t.Name(),
				RunState:           string(t.RunState()),
				Inhibited:          t.Inhibited(),
				OccupiedWorkspaces: sortedStrings(t.OccupiedWorkspaces()),
				KnownPIDs:          sortedInts(t.KnownPIDs()),
			})
		}
	})
	return status, err
}

// Resume force-continues one program, or every program when name is empty.
func (e *Engine) Resume(ctx context.Context, name string) error {
	found := false
	err := e.do(ctx, func(ctx context.Context) {
		for _, t := range e.trackers {
			if name == "" || t.Name() == name {
				t.forceRunning(ctx, "control")
				found = true
			}
		}
	})
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("unknown program %q", name)
	}
	return nil
}

// Inhibit latches the inhibit flag on one currently-visible program, or on
// every visible program when name is empty.
func (e *Engine) Inhibit(ctx context.Context, name string) error {
	found := name == ""
	err := e.do(ctx, func(context.Context) {
		for _, t := range e.trackers {
			if name == "" || t.Name() == name {
				t.inhibitIfVisible(e.registry)
				found = true
			}
		}
	})
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("unknown program %q", name)
	}
	return nil
}

// Reconfigure replaces the monitored program set and the clipboard flag.
// Trackers that disappear from the set are force-continued before being
// dropped; new ones start running and refresh immediately.
func (e *Engine) Reconfigure(ctx context.Context, programs []string, checkClipboard bool) error {
	var refreshErr error
	err := e.do(ctx, func(ctx context.Context) {
		e.checkClipboard = checkClipboard
		wanted := make(map[string]struct{}, len(programs))
		for _, name := range programs {
			wanted[name] = struct{}{}
		}
		kept := e.trackers[:0]
		existing := make(map[string]struct{})
		for _, t := range e.trackers {
			if _, ok := wanted[t.Name()]; ok {
				kept = append(kept, t)
				existing[t.Name()] = struct{}{}
				continue
			}
			e.deps.Logger.Infof("dropping %s from monitoring", t.Name())
			t.forceRunning(ctx, "reload")
		}
		e.trackers = kept
		for _, name := range programs {
			if _, ok := existing[name]; ok {
				continue
			}
			e.deps.Logger.Infof("monitoring %s", name)
			t := e.newTracker(name)
			e.trackers = append(e.trackers, t)
			if err := t.refreshOccupancy(ctx, e.deps.WM, false, nil); err != nil {
				refreshErr = err
				continue
			}
			t.reconcile(ctx, e.registry)
		}
	})
	if err != nil {
		return err
	}
	return refreshErr
}

func sortedStrings(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for s := range set {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

func sortedInts(set map[int]struct{}) []int {
	out := make([]int, 0, len(set))
	for n := range set {
		out = append(out, n)
	}
	sort.Ints(out)
	return out
}
