package state

// WorkspaceVisibility is one row of the window manager's workspace query:
// which output a workspace lives on and whether it is currently shown there.
type WorkspaceVisibility struct {
	Name    string
	Output  string
	Visible bool
}

// Registry tracks which workspace is visible on each output. An output absent
// from the map has not been observed yet; that is distinct from "nothing
// visible", which i3 does not report.
type Registry struct {
	visibleByOutput map[string]string
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{visibleByOutput: make(map[string]string)}
}

// RebuildFull replaces the entire mapping from a workspace query snapshot.
// Only rows marked visible contribute; each output keeps exactly one entry.
func (r *Registry) RebuildFull(rows []WorkspaceVisibility) {
	m := make(map[string]string, len(rows))
	for _, row := range rows {
		if row.Visible {
			m[row.Output] = row.Name
		}
	}
	r.visibleByOutput = m
}

// ApplyFocus overwrites the visible workspace for a single output.
func (r *Registry) ApplyFocus(output, workspace string) {
	r.visibleByOutput[output] = workspace
}

// Visible reports whether the named workspace is shown on any output.
func (r *Registry) Visible(workspace string) bool {
	for _, name := range r.visibleByOutput {
		if name == workspace {
			return true
		}
	}
	return false
}

// Snapshot returns a copy of the output-to-workspace mapping.
func (r *Registry) Snapshot() map[string]string {
	m := make(map[string]string, len(r.visibleByOutput))
	for output, name := range r.visibleByOutput {
		m[output] = name
	}
	return m
}
