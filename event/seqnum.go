package event

import "fmt"

// SeqNum is a two-part event sequence number. Global orders events across
// all clients once they have been accepted by the sync backend; Client
// orders events generated locally by one client before they receive a
// global position.
type SeqNum struct {
	Global int64 `json:"global"`
	Client int64 `json:"client"`
}

// Root is the sentinel sequence number preceding all real events.
var Root = SeqNum{}

// IsRoot reports whether s is the root sentinel.
func (s SeqNum) IsRoot() bool {
	return s.Global == 0 && s.Client == 0
}

// Compare returns -1, 0 or 1 ordering s against other.
// Global position dominates; client position breaks ties among
// locally-ordered events that share a global base.
func (s SeqNum) Compare(other SeqNum) int {
	switch {
	case s.Global < other.Global:
		return -1
	case s.Global > other.Global:
		return 1
	case s.Client < other.Client:
		return -1
	case s.Client > other.Client:
		return 1
	default:
		return 0
	}
}

// After reports whether s orders strictly after other.
func (s SeqNum) After(other SeqNum) bool {
	return s.Compare(other) > 0
}

// Next returns the next committed global position after s.
func (s SeqNum) Next() SeqNum {
	return SeqNum{Global: s.Global + 1}
}

// String renders the sequence number in the wire error format ("e3"),
// with the client part appended only when present ("e3+2").
func (s SeqNum) String() string {
	if s.Client == 0 {
		return fmt.Sprintf("e%d", s.Global)
	}
	return fmt.Sprintf("e%d+%d", s.Global, s.Client)
}
