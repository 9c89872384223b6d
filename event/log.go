package event

import "context"

// Log defines the interface for durable, ordered storage of committed
// events for one store. The log is the sole place that assigns global
// sequence numbers. Implementations must be safe for concurrent use.
type Log interface {
	// Append validates that the batch's first parent matches the current
	// head and that each subsequent event's parent matches the preceding
	// event's assigned position, then commits the whole batch, assigning
	// consecutive global sequence numbers. All-or-nothing: on any
	// validation failure nothing is appended and a HeadMismatchError is
	// returned. Returns the committed batch with final sequence numbers.
	Append(ctx context.Context, batch []Event) ([]Event, error)

	// ReadFrom returns all committed events with a global position after
	// cursor, in ascending order. Root reads from the beginning.
	ReadFrom(ctx context.Context, cursor SeqNum) ([]Event, error)

	// Head returns the sequence number of the most recently committed
	// event, or Root for an empty log.
	Head(ctx context.Context) (SeqNum, error)

	// Export serializes the full log into an opaque snapshot blob for
	// fast bootstrap of a new replica.
	Export(ctx context.Context) ([]byte, error)

	// Import replaces the log's contents with a previously exported
	// snapshot.
	Import(ctx context.Context, snapshot []byte) error

	// Reset removes all events. Destructive; outside normal operation.
	Reset(ctx context.Context) error
}

// Rewinder is an optional Log capability used during rebase: dropping
// locally committed events that the backend rejected so they can be
// re-appended onto the new head. Committed-and-confirmed events are
// never rewound; only the optimistic local tail is.
type Rewinder interface {
	// Rewind removes all events with a global position after to.
	Rewind(ctx context.Context, to SeqNum) error
}
