// Package event provides the event types, sequence numbers and log
// interfaces for driftsync's event-sourced synchronization model.
package event

import (
	"encoding/json"
	"time"
)

// Event is a single state-change record in a store's event log.
// Events are immutable once committed: the log assigns their final
// sequence number and they are never mutated or deleted afterwards
// except by a full store reset.
type Event struct {
	// Name tags the event type. Payload decoding is keyed by it.
	Name string `json:"name"`

	// Args is the event payload. May be nil for events without one.
	Args json.RawMessage `json:"args,omitempty"`

	// SeqNum is the event's position in the log. Assigned on commit.
	SeqNum SeqNum `json:"seqNum"`

	// ParentSeqNum is the head the event was proposed against.
	// This is the optimistic-concurrency check: an append whose parent
	// does not match the current head is rejected.
	ParentSeqNum SeqNum `json:"parentSeqNum"`

	// ClientID identifies the originating client (same across all of a
	// client's sessions).
	ClientID string `json:"clientId"`

	// SessionID identifies the originating client session.
	SessionID string `json:"sessionId"`
}

// EncodedEvent is the wire and backend-storage form of a committed event.
// Only the global sequence position survives encoding; client positions
// are a local-ordering concern and never leave the client.
type EncodedEvent struct {
	SeqNum       int64           `json:"seqNum"`
	ParentSeqNum int64           `json:"parentSeqNum"`
	Name         string          `json:"name"`
	Args         json.RawMessage `json:"args,omitempty"`
	// CreatedAt is assigned by the backend on acceptance, ISO 8601.
	CreatedAt string `json:"createdAt,omitempty"`
	ClientID  string `json:"clientId"`
	SessionID string `json:"sessionId"`
}

// Encode converts a committed event to its wire form.
func (e Event) Encode() EncodedEvent {
	return EncodedEvent{
		SeqNum:       e.SeqNum.Global,
		ParentSeqNum: e.ParentSeqNum.Global,
		Name:         e.Name,
		Args:         e.Args,
		ClientID:     e.ClientID,
		SessionID:    e.SessionID,
	}
}

// Decode converts a wire event back to the log form.
func (e EncodedEvent) Decode() Event {
	return Event{
		Name:         e.Name,
		Args:         e.Args,
		SeqNum:       SeqNum{Global: e.SeqNum},
		ParentSeqNum: SeqNum{Global: e.ParentSeqNum},
		ClientID:     e.ClientID,
		SessionID:    e.SessionID,
	}
}

// EncodeBatch encodes a batch in order.
func EncodeBatch(events []Event) []EncodedEvent {
	out := make([]EncodedEvent, len(events))
	for i, e := range events {
		out[i] = e.Encode()
	}
	return out
}

// DecodeBatch decodes a batch in order.
func DecodeBatch(encoded []EncodedEvent) []Event {
	out := make([]Event, len(encoded))
	for i, e := range encoded {
		out[i] = e.Decode()
	}
	return out
}

// Timestamp formats t the way backends stamp accepted events.
func Timestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// Equivalent reports whether two events describe the same committed
// record: same position, same origin, same content. Used by the sync
// processor to recognize its own pushes echoed back by the backend.
func (e Event) Equivalent(other Event) bool {
	return e.SeqNum.Global == other.SeqNum.Global &&
		e.Name == other.Name &&
		e.ClientID == other.ClientID &&
		e.SessionID == other.SessionID
}
