package engine

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/sirupsen/logrus"

	"github.com/tu500/ffsuspend/internal/ipc"
	"github.com/tu500/ffsuspend/internal/metrics"
	"github.com/tu500/ffsuspend/internal/state"
)

type fakeWM struct {
	mu        sync.Mutex
	rows      []state.WorkspaceVisibility
	tree      *ipc.Tree
	treeCalls int
}

func (w *fakeWM) GetTree(context.Context) (*ipc.Tree, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.treeCalls++
	return w.tree, nil
}

func (w *fakeWM) VisibleWorkspaces(context.Context) ([]state.WorkspaceVisibility, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]state.WorkspaceVisibility(nil), w.rows...), nil
}

func (w *fakeWM) setTree(tree *ipc.Tree) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.tree = tree
}

func (w *fakeWM) treeCallCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.treeCalls
}

type fakeTopo struct {
	mu           sync.Mutex
	pids         map[string][]int
	windows      map[int][]int
	processCalls int
	windowCalls  int
}

func (f *fakeTopo) ProcessIDsByName(_ context.Context, name string) (map[int]struct{}, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.processCalls++
	out := make(map[int]struct{})
	for _, pid := range f.pids[name] {
		out[pid] = struct{}{}
	}
	return out, nil
}

func (f *fakeTopo) WindowIDsForPID(_ context.Context, pid int) (map[int]struct{}, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.windowCalls++
	out := make(map[int]struct{})
	for _, id := range f.windows[pid] {
		out[id] = struct{}{}
	}
	return out, nil
}

func (f *fakeTopo) resetCounts() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.processCalls = 0
	f.windowCalls = 0
}

func (f *fakeTopo) counts() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.processCalls, f.windowCalls
}

type fakeSignaler struct {
	mu      sync.Mutex
	calls   []string
	stopErr error
	contErr error
}

func (f *fakeSignaler) Stop(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "stop:"+name)
	return f.stopErr
}

func (f *fakeSignaler) Continue(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "continue:"+name)
	return f.contErr
}

func (f *fakeSignaler) callLog() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

type fakeClipboard struct {
	mu    sync.Mutex
	value []byte
}

func (f *fakeClipboard) set(value []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.value = value
}

func (f *fakeClipboard) read(context.Context) []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.value
}

type jsonNode struct {
	Type   string     `json:"type"`
	Name   string     `json:"name,omitempty"`
	Window *int       `json:"window,omitempty"`
	Nodes  []jsonNode `json:"nodes,omitempty"`
}

// mustTree builds a tree from output name to workspace name to the window IDs
// placed on that workspace.
func mustTree(t *testing.T, outputs map[string]map[string][]int) *ipc.Tree {
	t.Helper()
	root := jsonNode{Type: "root"}
	for outputName, workspaces := range outputs {
		content := jsonNode{Type: "con", Name: "content"}
		for wsName, windowIDs := range workspaces {
			ws := jsonNode{Type: "workspace", Name: wsName}
			for _, id := range windowIDs {
				id := id
				ws.Nodes = append(ws.Nodes, jsonNode{Type: "con", Window: &id})
			}
			content.Nodes = append(content.Nodes, ws)
		}
		root.Nodes = append(root.Nodes, jsonNode{Type: "output", Name: outputName, Nodes: []jsonNode{content}})
	}
	data, err := json.Marshal(root)
	if err != nil {
		t.Fatalf("marshal tree: %v", err)
	}
	tree, err := ipc.DecodeTree(data)
	if err != nil {
		t.Fatalf("decode tree: %v", err)
	}
	return tree
}

func testLogger() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logrus.NewEntry(l)
}

type harness struct {
	t       *testing.T
	wm      *fakeWM
	topo    *fakeTopo
	signals *fakeSignaler
	clip    *fakeClipboard
	events  chan ipc.Event
	eng     *Engine
	cancel  context.CancelFunc
	done    chan error
}

func newHarness(t *testing.T, programs []string, checkClipboard bool, wm *fakeWM, topo *fakeTopo) *harness {
	t.Helper()
	h := &harness{
		t:       t,
		wm:      wm,
		topo:    topo,
		signals: &fakeSignaler{},
		clip:    &fakeClipboard{},
		events:  make(chan ipc.Event),
		done:    make(chan error, 1),
	}
	h.eng = New(Deps{
		WM:        wm,
		Topology:  topo,
		Signals:   h.signals,
		Clipboard: h.clip.read,
		Subscribe: func(context.Context, *logrus.Entry) (<-chan ipc.Event, error) {
			return h.events, nil
		},
		Metrics: metrics.NewCollector(),
		Logger:  testLogger(),
	}, programs, checkClipboard)
	return h
}

func (h *harness) start() {
	h.t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	go func() {
		h.done <- h.eng.Run(ctx)
	}()
	// Wait for the loop to serve requests before the test proceeds.
	h.status()
}

// send delivers one event; the unbuffered channel means the engine has
// consumed the previous event once the send returns.
func (h *harness) send(ev ipc.Event) {
	select {
	case h.events <- ev:
	case <-time.After(5 * time.Second):
		h.t.Fatal("engine did not consume event")
	}
}

// status synchronizes with the loop: the request is only served once any
// in-flight event has been fully handled.
func (h *harness) status() Status {
	h.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	status, err := h.eng.Status(ctx)
	if err != nil {
		h.t.Fatalf("status: %v", err)
	}
	return status
}

func (h *harness) stop() error {
	h.t.Helper()
	h.cancel()
	select {
	case err := <-h.done:
		return err
	case <-time.After(5 * time.Second):
		h.t.Fatal("engine did not exit")
		return nil
	}
}

func (h *harness) trackerStatus(program string) TrackerStatus {
	h.t.Helper()
	for _, p := range h.status().Programs {
		if p.Program == program {
			return p
		}
	}
	h.t.Fatalf("no tracker for %q", program)
	return TrackerStatus{}
}

func focusEvent(output, workspace string) ipc.Event {
	return ipc.Event{Kind: ipc.EventWorkspaceFocus, Output: output, Workspace: workspace}
}

func TestEngineStopsHiddenProgramAtStartup(t *testing.T) {
	wm := &fakeWM{
		rows: []state.WorkspaceVisibility{{Name: "1", Output: "eDP-1", Visible: true}},
		tree: mustTree(t, map[string]map[string][]int{
			"eDP-1": {"1": nil, "2": {100}},
		}),
	}
	topo := &fakeTopo{
		pids:    map[string][]int{"mumble": {10}},
		windows: map[int][]int{10: {100}},
	}
	h := newHarness(t, []string{"mumble"}, false, wm, topo)
	h.start()

	if got := h.trackerStatus("mumble"); got.RunState != string(RunStateStopped) {
		t.Errorf("run state = %q, want stopped", got.RunState)
	}
	if diff := cmp.Diff([]string{"stop:mumble"}, h.signals.callLog()); diff != "" {
		t.Errorf("signal calls mismatch (-want +got):\n%s", diff)
	}

	if err := h.stop(); !errors.Is(err, context.Canceled) {
		t.Errorf("run error = %v, want context.Canceled", err)
	}
	calls := h.signals.callLog()
	if calls[len(calls)-1] != "continue:mumble" {
		t.Errorf("last call = %q, want forced continue", calls[len(calls)-1])
	}
	if got := h.eng.trackers[0].RunState(); got != RunStateRunning {
		t.Errorf("post-shutdown run state = %q, want running", got)
	}
}

func TestEngineFocusTogglesRunState(t *testing.T) {
	wm := &fakeWM{
		rows: []state.WorkspaceVisibility{{Name: "1", Output: "eDP-1", Visible: true}},
		tree: mustTree(t, map[string]map[string][]int{
			"eDP-1": {"1": {100}, "2": nil},
		}),
	}
	topo := &fakeTopo{
		pids:    map[string][]int{"mumble": {10}},
		windows: map[int][]int{10: {100}},
	}
	h := newHarness(t, []string{"mumble"}, false, wm, topo)
	h.start()
	defer h.stop()

	// Visible at startup, nothing to do.
	if got := h.signals.callLog(); len(got) != 0 {
		t.Fatalf("unexpected signals at startup: %v", got)
	}

	h.send(focusEvent("eDP-1", "2"))
	if got := h.trackerStatus("mumble"); got.RunState != string(RunStateStopped) {
		t.Errorf("after focus away: run state = %q, want stopped", got.RunState)
	}

	h.send(focusEvent("eDP-1", "1"))
	if got := h.trackerStatus("mumble"); got.RunState != string(RunStateRunning) {
		t.Errorf("after focus back: run state = %q, want running", got.RunState)
	}

	// Repeated focus on an already-visible workspace issues nothing new.
	h.send(focusEvent("eDP-1", "1"))
	want := []string{"stop:mumble", "continue:mumble"}
	if diff := cmp.Diff(want, h.signals.callLog()); diff != "" {
		t.Errorf("signal calls mismatch (-want +got):\n%s", diff)
	}
}

func TestEngineSecondOutputKeepsProgramRunning(t *testing.T) {
	wm := &fakeWM{
		rows: []state.WorkspaceVisibility{
			{Name: "1", Output: "eDP-1", Visible: true},
			{Name: "3", Output: "HDMI-1", Visible: true},
			{Name: "2", Output: "eDP-1", Visible: false},
		},
		tree: mustTree(t, map[string]map[string][]int{
			"eDP-1":  {"1": nil, "2": nil},
			"HDMI-1": {"3": {100}},
		}),
	}
	topo := &fakeTopo{
		pids:    map[string][]int{"mumble": {10}},
		windows: map[int][]int{10: {100}},
	}
	h := newHarness(t, []string{"mumble"}, false, wm, topo)
	h.start()
	defer h.stop()

	// Focus changes on the laptop output never hide workspace 3.
	h.send(focusEvent("eDP-1", "2"))
	h.send(focusEvent("eDP-1", "1"))
	if got := h.signals.callLog(); len(got) != 0 {
		t.Errorf("unexpected signals: %v", got)
	}

	// Switching the external output away does.
	h.send(focusEvent("HDMI-1", "4"))
	if got := h.trackerStatus("mumble"); got.RunState != string(RunStateStopped) {
		t.Errorf("run state = %q, want stopped", got.RunState)
	}
}

func TestEngineClipboardChangeInhibitsStop(t *testing.T) {
	wm := &fakeWM{
		rows: []state.WorkspaceVisibility{{Name: "1", Output: "eDP-1", Visible: true}},
		tree: mustTree(t, map[string]map[string][]int{
			"eDP-1": {"1": {100}, "2": nil},
		}),
	}
	topo := &fakeTopo{
		pids:    map[string][]int{"mumble": {10}},
		windows: map[int][]int{10: {100}},
	}
	h := newHarness(t, []string{"mumble"}, true, wm, topo)
	h.clip.set([]byte("baseline"))
	h.start()
	defer h.stop()

	// Copy something, then switch away: the program stays up this once.
	h.clip.set([]byte("copied text"))
	h.send(focusEvent("eDP-1", "2"))
	got := h.trackerStatus("mumble")
	if got.RunState != string(RunStateRunning) {
		t.Errorf("run state = %q, want running", got.RunState)
	}
	if !got.Inhibited {
		t.Error("tracker not inhibited after clipboard change")
	}

	// Switching back clears the inhibit without signaling anything.
	h.send(focusEvent("eDP-1", "1"))
	got = h.trackerStatus("mumble")
	if got.Inhibited {
		t.Error("inhibit not cleared once running target reached")
	}
	if len(h.signals.callLog()) != 0 {
		t.Errorf("unexpected signals: %v", h.signals.callLog())
	}

	// With the clipboard unchanged, the next switch stops as usual.
	h.send(focusEvent("eDP-1", "2"))
	h.status()
	if diff := cmp.Diff([]string{"stop:mumble"}, h.signals.callLog()); diff != "" {
		t.Errorf("signal calls mismatch (-want +got):\n%s", diff)
	}
}

func TestEngineClipboardTimeoutIsNotAChange(t *testing.T) {
	wm := &fakeWM{
		rows: []state.WorkspaceVisibility{{Name: "1", Output: "eDP-1", Visible: true}},
		tree: mustTree(t, map[string]map[string][]int{
			"eDP-1": {"1": {100}, "2": nil},
		}),
	}
	topo := &fakeTopo{
		pids:    map[string][]int{"mumble": {10}},
		windows: map[int][]int{10: {100}},
	}
	h := newHarness(t, []string{"mumble"}, true, wm, topo)
	h.clip.set([]byte("baseline"))
	h.start()
	defer h.stop()

	// nil means the read timed out; the program must still be stopped.
	h.clip.set(nil)
	h.send(focusEvent("eDP-1", "2"))
	if got := h.trackerStatus("mumble"); got.RunState != string(RunStateStopped) {
		t.Errorf("run state = %q, want stopped", got.RunState)
	}
}

func TestEngineFirstClipboardReadAfterMissedBaseline(t *testing.T) {
	wm := &fakeWM{
		rows: []state.WorkspaceVisibility{{Name: "1", Output: "eDP-1", Visible: true}},
		tree: mustTree(t, map[string]map[string][]int{
			"eDP-1": {"1": {100}, "2": nil},
		}),
	}
	topo := &fakeTopo{
		pids:    map[string][]int{"mumble": {10}},
		windows: map[int][]int{10: {100}},
	}
	h := newHarness(t, []string{"mumble"}, true, wm, topo)
	// Startup read times out, so no baseline is seeded.
	h.clip.set(nil)
	h.start()
	defer h.stop()

	// The first answer is treated as a change.
	h.clip.set([]byte("anything"))
	h.send(focusEvent("eDP-1", "2"))
	if got := h.trackerStatus("mumble"); got.RunState != string(RunStateRunning) {
		t.Errorf("run state = %q, want running (inhibited)", got.RunState)
	}
}

func TestEngineMoveEventReusesCachedTopology(t *testing.T) {
	wm := &fakeWM{
		rows: []state.WorkspaceVisibility{{Name: "1", Output: "eDP-1", Visible: true}},
		tree: mustTree(t, map[string]map[string][]int{
			"eDP-1": {"1": {100}, "2": nil},
		}),
	}
	topo := &fakeTopo{
		pids:    map[string][]int{"mumble": {10}},
		windows: map[int][]int{10: {100}},
	}
	h := newHarness(t, []string{"mumble"}, false, wm, topo)
	h.start()
	defer h.stop()
	topo.resetCounts()

	// The window moved to a hidden workspace; only the tree is consulted.
	wm.setTree(mustTree(t, map[string]map[string][]int{
		"eDP-1": {"1": nil, "2": {100}},
	}))
	h.send(ipc.Event{Kind: ipc.EventWindowMove})

	processCalls, windowCalls := topo.counts()
	if processCalls != 0 || windowCalls != 0 {
		t.Errorf("move refresh queried topology: %d process calls, %d window calls", processCalls, windowCalls)
	}
	got := h.trackerStatus("mumble")
	if diff := cmp.Diff([]string{"2"}, got.OccupiedWorkspaces); diff != "" {
		t.Errorf("occupied workspaces mismatch (-want +got):\n%s", diff)
	}
	if got.RunState != string(RunStateStopped) {
		t.Errorf("run state = %q, want stopped", got.RunState)
	}
}

func TestEngineWindowEventsRefreshFully(t *testing.T) {
	wm := &fakeWM{
		rows: []state.WorkspaceVisibility{{Name: "1", Output: "eDP-1", Visible: true}},
		tree: mustTree(t, map[string]map[string][]int{
			"eDP-1": {"1": nil, "2": nil},
		}),
	}
	topo := &fakeTopo{pids: map[string][]int{}, windows: map[int][]int{}}
	h := newHarness(t, []string{"mumble"}, false, wm, topo)
	h.start()
	defer h.stop()

	// No process at startup: nothing occupies anything.
	if got := h.trackerStatus("mumble"); len(got.OccupiedWorkspaces) != 0 {
		t.Errorf("unexpected occupancy: %v", got.OccupiedWorkspaces)
	}

	// The program starts and opens a window on a hidden workspace.
	topo.mu.Lock()
	topo.pids["mumble"] = []int{10}
	topo.windows[10] = []int{100}
	topo.mu.Unlock()
	wm.setTree(mustTree(t, map[string]map[string][]int{
		"eDP-1": {"1": nil, "2": {100}},
	}))
	h.send(ipc.Event{Kind: ipc.EventWindowNew})

	got := h.trackerStatus("mumble")
	if diff := cmp.Diff([]int{10}, got.KnownPIDs); diff != "" {
		t.Errorf("pids mismatch (-want +got):\n%s", diff)
	}
	if got.RunState != string(RunStateStopped) {
		t.Errorf("run state = %q, want stopped", got.RunState)
	}
}

func TestEngineIgnoredEventsDoNothing(t *testing.T) {
	wm := &fakeWM{
		rows: []state.WorkspaceVisibility{{Name: "1", Output: "eDP-1", Visible: true}},
		tree: mustTree(t, map[string]map[string][]int{"eDP-1": {"1": {100}}}),
	}
	topo := &fakeTopo{
		pids:    map[string][]int{"mumble": {10}},
		windows: map[int][]int{10: {100}},
	}
	h := newHarness(t, []string{"mumble"}, false, wm, topo)
	h.start()
	defer h.stop()
	before := wm.treeCallCount()

	h.send(ipc.Event{Kind: ipc.EventIgnored})
	h.send(ipc.Event{Kind: ipc.EventIgnored})

	if got := wm.treeCallCount(); got != before {
		t.Errorf("ignored events triggered %d tree queries", got-before)
	}
	if got := h.signals.callLog(); len(got) != 0 {
		t.Errorf("unexpected signals: %v", got)
	}
}

func TestEngineStreamCloseForcesContinue(t *testing.T) {
	wm := &fakeWM{
		rows: []state.WorkspaceVisibility{{Name: "1", Output: "eDP-1", Visible: true}},
		tree: mustTree(t, map[string]map[string][]int{
			"eDP-1": {"1": nil, "2": {100}},
		}),
	}
	topo := &fakeTopo{
		pids:    map[string][]int{"mumble": {10}},
		windows: map[int][]int{10: {100}},
	}
	h := newHarness(t, []string{"mumble"}, false, wm, topo)
	h.start()

	close(h.events)
	var err error
	select {
	case err = <-h.done:
	case <-time.After(5 * time.Second):
		t.Fatal("engine did not exit on stream close")
	}
	if err == nil {
		t.Fatal("expected error after stream close")
	}
	calls := h.signals.callLog()
	want := []string{"stop:mumble", "continue:mumble"}
	if diff := cmp.Diff(want, calls); diff != "" {
		t.Errorf("signal calls mismatch (-want +got):\n%s", diff)
	}
}

func TestEngineStreamErrorForcesContinue(t *testing.T) {
	wm := &fakeWM{
		rows: []state.WorkspaceVisibility{{Name: "1", Output: "eDP-1", Visible: true}},
		tree: mustTree(t, map[string]map[string][]int{
			"eDP-1": {"1": nil, "2": {100}},
		}),
	}
	topo := &fakeTopo{
		pids:    map[string][]int{"mumble": {10}},
		windows: map[int][]int{10: {100}},
	}
	h := newHarness(t, []string{"mumble"}, false, wm, topo)
	h.start()

	streamErr := errors.New("decode event: bad line")
	h.send(ipc.Event{Kind: ipc.EventError, Err: streamErr})
	var err error
	select {
	case err = <-h.done:
	case <-time.After(5 * time.Second):
		t.Fatal("engine did not exit on stream error")
	}
	if !errors.Is(err, streamErr) {
		t.Errorf("run error = %v, want wrapped %v", err, streamErr)
	}
	calls := h.signals.callLog()
	if calls[len(calls)-1] != "continue:mumble" {
		t.Errorf("last call = %q, want forced continue", calls[len(calls)-1])
	}
}

func TestEngineResume(t *testing.T) {
	wm := &fakeWM{
		rows: []state.WorkspaceVisibility{{Name: "1", Output: "eDP-1", Visible: true}},
		tree: mustTree(t, map[string]map[string][]int{
			"eDP-1": {"1": nil, "2": {100}},
		}),
	}
	topo := &fakeTopo{
		pids:    map[string][]int{"mumble": {10}},
		windows: map[int][]int{10: {100}},
	}
	h := newHarness(t, []string{"mumble"}, false, wm, topo)
	h.start()
	defer h.stop()

	ctx := context.Background()
	if err := h.eng.Resume(ctx, "mumble"); err != nil {
		t.Fatalf("resume: %v", err)
	}
	if got := h.trackerStatus("mumble"); got.RunState != string(RunStateRunning) {
		t.Errorf("run state = %q, want running", got.RunState)
	}
	if err := h.eng.Resume(ctx, "no-such-program"); err == nil {
		t.Error("expected error for unknown program")
	}
}

func TestEngineReconfigure(t *testing.T) {
	wm := &fakeWM{
		rows: []state.WorkspaceVisibility{{Name: "1", Output: "eDP-1", Visible: true}},
		tree: mustTree(t, map[string]map[string][]int{
			"eDP-1": {"1": {200}, "2": {100}},
		}),
	}
	topo := &fakeTopo{
		pids:    map[string][]int{"mumble": {10}, "gajim": {20}},
		windows: map[int][]int{10: {100}, 20: {200}},
	}
	h := newHarness(t, []string{"mumble"}, false, wm, topo)
	h.start()
	defer h.stop()

	// mumble is stopped; dropping it from the set must release it.
	if err := h.eng.Reconfigure(context.Background(), []string{"gajim"}, false); err != nil {
		t.Fatalf("reconfigure: %v", err)
	}
	calls := h.signals.callLog()
	if calls[len(calls)-1] != "continue:mumble" {
		t.Errorf("last call = %q, want forced continue for dropped program", calls[len(calls)-1])
	}
	status := h.status()
	if len(status.Programs) != 1 || status.Programs[0].Program != "gajim" {
		t.Errorf("programs after reconfigure = %+v, want just gajim", status.Programs)
	}
}
