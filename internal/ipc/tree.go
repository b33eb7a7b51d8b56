package ipc

import (
	"encoding/json"
	"fmt"
)

// treeNode is the subset of the i3 container tree the walk needs. The window
// field is null for split containers and workspaces, and carries the X window
// ID for leaf windows.
type treeNode struct {
	Type   string     `json:"type"`
	Name   string     `json:"name"`
	Window *int       `json:"window"`
	Nodes  []treeNode `json:"nodes"`
}

// Tree is a decoded i3 container tree snapshot. The hierarchy is fixed:
// root, then outputs, then content containers (or dock areas), then
// workspaces. Anything else is a contract violation, not a recoverable state.
type Tree struct {
	root treeNode
}

// DecodeTree parses a get_tree payload.
func DecodeTree(data []byte) (*Tree, error) {
	var root treeNode
	if err := json.Unmarshal(data, &root); err != nil {
		return nil, fmt.Errorf("decode tree: %w", err)
	}
	if root.Type != "root" {
		return nil, fmt.Errorf("unexpected tree root type %q", root.Type)
	}
	return &Tree{root: root}, nil
}

// WorkspacesContaining returns the names of all workspaces whose subtree
// contains any of the given X window IDs.
func (t *Tree) WorkspacesContaining(windowIDs map[int]struct{}) (map[string]struct{}, error) {
	workspaces := make(map[string]struct{})
	for _, output := range t.root.Nodes {
		if output.Type != "output" {
			return nil, fmt.Errorf("unexpected node type %q below root", output.Type)
		}
		for _, container := range output.Nodes {
			switch container.Type {
			case "con":
			case "dockarea":
				continue
			default:
				return nil, fmt.Errorf("unexpected node type %q below output %q", container.Type, output.Name)
			}
			for _, workspace := range container.Nodes {
				if workspace.Type != "workspace" {
					return nil, fmt.Errorf("unexpected node type %q below content of output %q", workspace.Type, output.Name)
				}
				if subtreeContains(workspace.Nodes, windowIDs) {
					workspaces[workspace.Name] = struct{}{}
				}
			}
		}
	}
	return workspaces, nil
}

func subtreeContains(nodes []treeNode, windowIDs map[int]struct{}) bool {
	for _, node := range nodes {
		if node.Window != nil {
			if _, ok := windowIDs[*node.Window]; ok {
				return true
			}
		}
		if subtreeContains(node.Nodes, windowIDs) {
			return true
		}
	}
	return false
}
