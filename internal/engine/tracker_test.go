package engine

import (
	"context"
	"errors"
	"testing"

	"github.com/tu500/ffsuspend/internal/metrics"
	"github.com/tu500/ffsuspend/internal/state"
)

func TestTrackerSignalFailureAdvancesState(t *testing.T) {
	signals := &fakeSignaler{
		stopErr: errors.New("no such process group"),
		contErr: errors.New("no such process group"),
	}
	collector := metrics.NewCollector()
	tr := newTracker("mumble", &fakeTopo{}, signals, collector, nil, testLogger())

	ctx := context.Background()
	tr.sendStop(ctx, "reconcile")
	if tr.RunState() != RunStateStopped {
		t.Errorf("run state = %q, want stopped despite signal failure", tr.RunState())
	}
	tr.forceRunning(ctx, "shutdown")
	if tr.RunState() != RunStateRunning {
		t.Errorf("run state = %q, want running despite signal failure", tr.RunState())
	}

	snap := collector.Snapshot()
	if snap.Totals.SignalErrors != 2 {
		t.Errorf("signal errors = %d, want 2", snap.Totals.SignalErrors)
	}
	if snap.Totals.Stops != 1 || snap.Totals.Continues != 1 {
		t.Errorf("stops/continues = %d/%d, want 1/1", snap.Totals.Stops, snap.Totals.Continues)
	}
}

func TestTrackerNoProcessSkipsWindowAndTreeQueries(t *testing.T) {
	topo := &fakeTopo{pids: map[string][]int{}, windows: map[int][]int{}}
	wm := &fakeWM{}
	tr := newTracker("mumble", topo, &fakeSignaler{}, nil, nil, testLogger())

	if err := tr.refreshOccupancy(context.Background(), wm, false, nil); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if _, windowCalls := topo.counts(); windowCalls != 0 {
		t.Errorf("window queries = %d, want 0 without processes", windowCalls)
	}
	if wm.treeCallCount() != 0 {
		t.Errorf("tree queries = %d, want 0 without processes", wm.treeCallCount())
	}
}

func TestTrackerReconcileIsIdempotent(t *testing.T) {
	signals := &fakeSignaler{}
	tr := newTracker("mumble", &fakeTopo{}, signals, nil, nil, testLogger())
	tr.workspaces = map[string]struct{}{"2": {}}

	registry := state.NewRegistry()
	registry.ApplyFocus("eDP-1", "1")

	ctx := context.Background()
	tr.reconcile(ctx, registry)
	tr.reconcile(ctx, registry)
	tr.reconcile(ctx, registry)
	if got := signals.callLog(); len(got) != 1 {
		t.Errorf("signal calls = %v, want exactly one stop", got)
	}

	registry.ApplyFocus("eDP-1", "2")
	tr.reconcile(ctx, registry)
	tr.reconcile(ctx, registry)
	want := 2
	if got := signals.callLog(); len(got) != want {
		t.Errorf("signal calls = %v, want one stop and one continue", got)
	}
}
