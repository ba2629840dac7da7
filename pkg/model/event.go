package model

import (
	"fmt"
	"strings"
)

// Event kinds carried on a per-execution stream.
const (
	EventKindLog     = "log"
	EventKindStats   = "stats"
	EventKindResult  = "result"
	EventKindControl = "control"

	// EventExitData on a control event marks end-of-stream.
	EventExitData = "exit"
)

// Event is one append entry on a per-execution stream. ID is assigned by
// the substrate on publish.
type Event struct {
	ID    string `json:"id,omitempty"`
	Data  string `json:"data"`
	Event string `json:"event,omitempty"`
}

// IsExit reports whether this event terminates the stream.
func (e *Event) IsExit() bool {
	return e.Event == EventKindControl && e.Data == EventExitData
}

// FormatSSE renders the event in Server-Sent-Events framing:
//
//	id: <id>\nevent: <event>\ndata: <data>\n\n
//
// Empty id/event lines are omitted. Multi-line data becomes one data
// line per segment, as the SSE wire format requires.
func (e *Event) FormatSSE() string {
	var b strings.Builder
	if e.ID != "" {
		fmt.Fprintf(&b, "id: %s\n", e.ID)
	}
	if e.Event != "" {
		fmt.Fprintf(&b, "event: %s\n", e.Event)
	}
	for _, seg := range strings.Split(e.Data, "\n") {
		fmt.Fprintf(&b, "data: %s\n", seg)
	}
	b.WriteString("\n")
	return b.String()
}

// FromSSE parses a single SSE frame back into an Event. It is the inverse
// of FormatSSE for all events the bus produces; consecutive data lines
// rejoin with newlines.
func FromSSE(frame string) (*Event, error) {
	ev := &Event{}
	var data []string
	for _, line := range strings.Split(strings.TrimRight(frame, "\n"), "\n") {
		if line == "" {
			continue
		}
		field, value, ok := strings.Cut(line, ": ")
		if !ok {
			return nil, fmt.Errorf("malformed sse line: %q", line)
		}
		switch field {
		case "id":
			ev.ID = value
		case "event":
			ev.Event = value
		case "data":
			data = append(data, value)
		default:
			return nil, fmt.Errorf("unknown sse field: %q", field)
		}
	}
	if data == nil {
		return nil, fmt.Errorf("sse frame has no data field")
	}
	ev.Data = strings.Join(data, "\n")
	return ev, nil
}
