// Package memory provides an in-memory implementation of event.Log.
// This implementation is suitable for testing, development and as the
// backing log for short-lived replicas.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/lirancohen/driftsync/event"
)

// snapshotFormatVersion is bumped when the snapshot layout changes.
const snapshotFormatVersion = 1

// snapshot is the serialized form produced by Export.
type snapshot struct {
	FormatVersion int           `json:"formatVersion"`
	Events        []event.Event `json:"events"`
}

// Log is a thread-safe in-memory implementation of event.Log.
// The zero value is ready for use.
type Log struct {
	mu     sync.RWMutex
	events []event.Event
	head   event.SeqNum
}

// New creates a new in-memory event log.
func New() *Log {
	return &Log{}
}

// Append commits a batch, assigning consecutive global sequence numbers.
// All-or-nothing: validation runs over the whole batch before anything
// is appended.
func (l *Log) Append(ctx context.Context, batch []event.Event) ([]event.Event, error) {
	if len(batch) == 0 {
		return nil, nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	// Validate the chain before touching the log
	if batch[0].ParentSeqNum != l.head {
		return nil, &event.HeadMismatchError{Expected: l.head, Actual: batch[0].ParentSeqNum}
	}

	committed := make([]event.Event, len(batch))
	parent := l.head
	for i, e := range batch {
		if i > 0 && e.ParentSeqNum != batch[i-1].SeqNum {
			return nil, &event.HeadMismatchError{Expected: batch[i-1].SeqNum, Actual: e.ParentSeqNum}
		}
		e.ParentSeqNum = parent
		e.SeqNum = parent.Next()
		parent = e.SeqNum
		committed[i] = e
	}

	l.events = append(l.events, committed...)
	l.head = parent

	return committed, nil
}

// ReadFrom returns committed events with a global position after cursor,
// in ascending order. Returns an empty slice if none match.
func (l *Log) ReadFrom(ctx context.Context, cursor event.SeqNum) ([]event.Event, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	// Global positions are 1-indexed and gapless, so the cursor maps
	// directly to a slice index.
	start := int(cursor.Global)
	if start < 0 {
		start = 0
	}
	if start >= len(l.events) {
		return []event.Event{}, nil
	}

	// Return a copy to prevent external modification
	result := make([]event.Event, len(l.events)-start)
	copy(result, l.events[start:])
	return result, nil
}

// Head returns the current head, or Root for an empty log.
func (l *Log) Head(ctx context.Context) (event.SeqNum, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	return l.head, nil
}

// Export serializes the full log into a snapshot blob.
func (l *Log) Export(ctx context.Context) ([]byte, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	events := make([]event.Event, len(l.events))
	copy(events, l.events)

	data, err := json.Marshal(snapshot{
		FormatVersion: snapshotFormatVersion,
		Events:        events,
	})
	if err != nil {
		return nil, event.Unexpected(err, "op", "export")
	}
	return data, nil
}

// Import replaces the log's contents with a previously exported snapshot.
// The snapshot is validated before anything is replaced.
func (l *Log) Import(ctx context.Context, data []byte) error {
	if len(data) == 0 {
		return event.Unexpected(fmt.Errorf("empty snapshot"), "op", "import")
	}

	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return event.Unexpected(err, "op", "import", "snapshotBytes", len(data))
	}
	if snap.FormatVersion != snapshotFormatVersion {
		return event.Unexpected(fmt.Errorf("snapshot format version %d, want %d", snap.FormatVersion, snapshotFormatVersion), "op", "import")
	}

	// Verify the chain invariant before replacing anything
	parent := event.Root
	for i, e := range snap.Events {
		if e.ParentSeqNum != parent || e.SeqNum != parent.Next() {
			return event.Unexpected(fmt.Errorf("snapshot chain broken at index %d", i), "op", "import")
		}
		parent = e.SeqNum
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.events = snap.Events
	l.head = parent
	return nil
}

// Reset removes all events.
func (l *Log) Reset(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.events = nil
	l.head = event.Root
	return nil
}

// Rewind removes all events with a global position after to.
// Implements event.Rewinder for rebase support.
func (l *Log) Rewind(ctx context.Context, to event.SeqNum) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if to.Global > int64(len(l.events)) {
		return event.Unexpected(fmt.Errorf("rewind target %s beyond head %s", to, l.head), "op", "rewind")
	}

	l.events = l.events[:to.Global]
	if to.Global == 0 {
		l.head = event.Root
	} else {
		l.head = l.events[len(l.events)-1].SeqNum
	}
	return nil
}
