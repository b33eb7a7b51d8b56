package ipc

import (
	"encoding/json"
	"fmt"
)

// EventKind discriminates the closed set of events the reconciliation loop
// consumes. Events the loop deliberately does not act on decode to
// EventIgnored rather than being dropped, so callers can still count them.
type EventKind int

const (
	// EventWorkspaceFocus is a workspace focus change; Output and Workspace
	// carry the newly focused pair.
	EventWorkspaceFocus EventKind = iota
	// EventWindowNew is a window creation.
	EventWindowNew
	// EventWindowClose is a window being closed.
	EventWindowClose
	// EventWindowMove is a window moving between workspaces.
	EventWindowMove
	// EventIgnored covers recognized events with no visibility effect
	// (workspace init/empty/move, window focus/title).
	EventIgnored
	// EventError is a terminal stream decode failure.
	EventError
)

var eventKindNames = map[EventKind]string{
	EventWorkspaceFocus: "workspace-focus",
	EventWindowNew:      "window-new",
	EventWindowClose:    "window-close",
	EventWindowMove:     "window-move",
	EventIgnored:        "ignored",
	EventError:          "error",
}

func (k EventKind) String() string {
	if name, ok := eventKindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("EventKind(%d)", int(k))
}

// Event is a single decoded entry of the subscription stream.
type Event struct {
	Kind EventKind

	// Output and Workspace are set for EventWorkspaceFocus.
	Output    string
	Workspace string

	// Err is set for EventError.
	Err error
}

// rawEvent mirrors the duck-typed shape i3 emits: every event carries a
// change field; workspace events carry a current record, window events a
// container record.
type rawEvent struct {
	Change    *string `json:"change"`
	Current   *struct {
		Name   string `json:"name"`
		Output string `json:"output"`
	} `json:"current"`
	Container *json.RawMessage `json:"container"`
}

// DecodeEvent classifies one line of the subscription stream. An event
// lacking the change field or both discriminant records is a structural
// error; recognized events with inactionable change kinds decode to
// EventIgnored.
func DecodeEvent(line []byte) (Event, error) {
	var raw rawEvent
	if err := json.Unmarshal(line, &raw); err != nil {
		return Event{}, fmt.Errorf("decode event: %w", err)
	}
	if raw.Change == nil {
		return Event{}, fmt.Errorf("event has no change field: %s", compact(line))
	}
	switch {
	case raw.Current != nil:
		// Workspace event; change is one of init, empty, move, focus.
		if *raw.Change == "focus" {
			return Event{
				Kind:      EventWorkspaceFocus,
				Output:    raw.Current.Output,
				Workspace: raw.Current.Name,
			}, nil
		}
		return Event{Kind: EventIgnored}, nil
	case raw.Container != nil:
		// Window event; change is one of new, focus, move, title, close.
		switch *raw.Change {
		case "new":
			return Event{Kind: EventWindowNew}, nil
		case "close":
			return Event{Kind: EventWindowClose}, nil
		case "move":
			return Event{Kind: EventWindowMove}, nil
		default:
			return Event{Kind: EventIgnored}, nil
		}
	default:
		return Event{}, fmt.Errorf("event has neither current nor container: %s", compact(line))
	}
}

func compact(line []byte) string {
	const max = 120
	if len(line) > max {
		return string(line[:max]) + "..."
	}
	return string(line)
}
