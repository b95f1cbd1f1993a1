package l5lineage

import (
	"fmt"

	"github.com/ilastik/ilastik-sub003/internal/tracking"
)

// EventKind classifies an event.
type EventKind int

const (
	Appearance EventKind = iota
	Disappearance
	Move
	Division
	Merger
)

var eventKindNames = [...]string{"appearance", "disappearance", "move", "division", "merger"}

func (k EventKind) String() string {
	if k < 0 || int(k) >= len(eventKindNames) {
		return "unknown"
	}
	return eventKindNames[k]
}

// MarshalText encodes the kind by name.
func (k EventKind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

// UnmarshalText decodes a kind written by MarshalText.
func (k *EventKind) UnmarshalText(text []byte) error {
	for i, name := range eventKindNames {
		if name == string(text) {
			*k = EventKind(i)
			return nil
		}
	}
	return fmt.Errorf("unknown event kind %q", text)
}

// Event is one solved hypothesis. Node is the detection the event
// concerns: the source of a move, the parent of a division. Energy is
// the event's share of the solution energy.
type Event struct {
	Kind     EventKind          `json:"kind"`
	Node     tracking.NodeKey   `json:"node"`
	To       *tracking.NodeKey  `json:"to,omitempty"`
	Children []tracking.NodeKey `json:"children,omitempty"`
	Count    int                `json:"count"`
	Energy   float64            `json:"energy"`
}

// FrameEvents groups the events of one frame. Moves and divisions are
// listed under the frame they arrive in.
type FrameEvents struct {
	Timestep       int     `json:"timestep"`
	Appearances    []Event `json:"appearances"`
	Disappearances []Event `json:"disappearances"`
	Moves          []Event `json:"moves"`
	Divisions      []Event `json:"divisions"`
	Mergers        []Event `json:"mergers"`
}

// Len returns the number of events in the frame.
func (f *FrameEvents) Len() int {
	return len(f.Appearances) + len(f.Disappearances) + len(f.Moves) + len(f.Divisions) + len(f.Mergers)
}

func (f *FrameEvents) add(e Event) {
	switch e.Kind {
	case Appearance:
		f.Appearances = append(f.Appearances, e)
	case Disappearance:
		f.Disappearances = append(f.Disappearances, e)
	case Move:
		f.Moves = append(f.Moves, e)
	case Division:
		f.Divisions = append(f.Divisions, e)
	case Merger:
		f.Mergers = append(f.Mergers, e)
	}
}
