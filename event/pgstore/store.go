// Package pgstore provides a PostgreSQL-based event log implementation.
package pgstore

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lirancohen/driftsync/event"
)

// FormatVersion is the persistence format version. Bumping it changes
// the table name and therefore acts as a soft reset.
const FormatVersion = 7

// insertChunkSize bounds multi-row inserts: 100 bound parameters per
// statement with 7 columns per event.
const insertChunkSize = 14

var invalidTableChars = regexp.MustCompile(`[^a-zA-Z0-9]`)

// TableName returns the per-store eventlog table name for a store id.
func TableName(storeID string) string {
	return fmt.Sprintf("eventlog_%d_%s", FormatVersion, invalidTableChars.ReplaceAllString(storeID, "_"))
}

// Log implements event.Log with PostgreSQL. Each store gets its own
// table; appends for a store are serialized with an advisory lock.
type Log struct {
	pool    *pgxpool.Pool
	storeID string
	table   string
}

// New creates a PostgreSQL event log for one store, creating its table
// if needed.
func New(ctx context.Context, pool *pgxpool.Pool, storeID string) (*Log, error) {
	l := &Log{
		pool:    pool,
		storeID: storeID,
		table:   TableName(storeID),
	}

	_, err := pool.Exec(ctx, fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			seqNum BIGINT PRIMARY KEY,
			parentSeqNum BIGINT NOT NULL,
			name TEXT NOT NULL,
			args TEXT,
			createdAt TEXT NOT NULL,
			clientId TEXT NOT NULL,
			sessionId TEXT NOT NULL
		)
	`, l.table))
	if err != nil {
		return nil, fmt.Errorf("create eventlog table: %w", err)
	}

	return l, nil
}

// Append commits a batch, assigning consecutive global sequence numbers.
func (l *Log) Append(ctx context.Context, batch []event.Event) ([]event.Event, error) {
	if len(batch) == 0 {
		return nil, nil
	}

	tx, err := l.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	// Advisory lock serializes concurrent appends for the same store
	_, err = tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, l.storeID)
	if err != nil {
		return nil, fmt.Errorf("acquire advisory lock: %w", err)
	}

	head, err := l.headIn(ctx, tx)
	if err != nil {
		return nil, err
	}

	if batch[0].ParentSeqNum != head {
		return nil, &event.HeadMismatchError{Expected: head, Actual: batch[0].ParentSeqNum}
	}

	committed := make([]event.Event, len(batch))
	parent := head
	for i, e := range batch {
		if i > 0 && e.ParentSeqNum != batch[i-1].SeqNum {
			return nil, &event.HeadMismatchError{Expected: batch[i-1].SeqNum, Actual: e.ParentSeqNum}
		}
		e.ParentSeqNum = parent
		e.SeqNum = parent.Next()
		parent = e.SeqNum
		committed[i] = e
	}

	if err := l.insertChunked(ctx, tx, committed, event.Timestamp(time.Now())); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit transaction: %w", err)
	}

	return committed, nil
}

// insertChunked inserts committed events in multi-row statements of at
// most insertChunkSize rows each.
func (l *Log) insertChunked(ctx context.Context, tx pgx.Tx, events []event.Event, createdAt string) error {
	for start := 0; start < len(events); start += insertChunkSize {
		end := start + insertChunkSize
		if end > len(events) {
			end = len(events)
		}
		chunk := events[start:end]

		placeholders := make([]string, len(chunk))
		params := make([]any, 0, len(chunk)*7)
		for i, e := range chunk {
			base := i * 7
			placeholders[i] = fmt.Sprintf("($%d, $%d, $%d, $%d, $%d, $%d, $%d)",
				base+1, base+2, base+3, base+4, base+5, base+6, base+7)

			var args *string
			if len(e.Args) > 0 {
				s := string(e.Args)
				args = &s
			}
			params = append(params, e.SeqNum.Global, e.ParentSeqNum.Global, e.Name, args, createdAt, e.ClientID, e.SessionID)
		}

		sql := fmt.Sprintf(`
			INSERT INTO %s (seqNum, parentSeqNum, name, args, createdAt, clientId, sessionId)
			VALUES %s
		`, l.table, strings.Join(placeholders, ", "))

		if _, err := tx.Exec(ctx, sql, params...); err != nil {
			return fmt.Errorf("insert events: %w", err)
		}
	}
	return nil
}

// ReadFrom returns committed events with a global position after cursor.
func (l *Log) ReadFrom(ctx context.Context, cursor event.SeqNum) ([]event.Event, error) {
	rows, err := l.pool.Query(ctx, fmt.Sprintf(`
		SELECT seqNum, parentSeqNum, name, args, clientId, sessionId
		FROM %s
		WHERE seqNum > $1
		ORDER BY seqNum ASC
	`, l.table), cursor.Global)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	events := []event.Event{}
	for rows.Next() {
		var e event.Event
		var args *string
		if err := rows.Scan(&e.SeqNum.Global, &e.ParentSeqNum.Global, &e.Name, &args, &e.ClientID, &e.SessionID); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		if args != nil {
			e.Args = json.RawMessage(*args)
		}
		events = append(events, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}

	return events, nil
}

// Head returns the current head, or Root for an empty log.
func (l *Log) Head(ctx context.Context) (event.SeqNum, error) {
	return l.head(ctx, l.pool)
}

// querier is satisfied by both pgxpool.Pool and pgx.Tx.
type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func (l *Log) head(ctx context.Context, q querier) (event.SeqNum, error) {
	var global int64
	err := q.QueryRow(ctx, fmt.Sprintf(`
		SELECT COALESCE(MAX(seqNum), 0) FROM %s
	`, l.table)).Scan(&global)
	if err != nil {
		return event.Root, fmt.Errorf("get head: %w", err)
	}
	return event.SeqNum{Global: global}, nil
}

func (l *Log) headIn(ctx context.Context, tx pgx.Tx) (event.SeqNum, error) {
	return l.head(ctx, tx)
}

// Export serializes the full log into a snapshot blob. The format is a
// JSON document of the ordered committed events.
func (l *Log) Export(ctx context.Context) ([]byte, error) {
	events, err := l.ReadFrom(ctx, event.Root)
	if err != nil {
		return nil, event.Unexpected(err, "op", "export", "table", l.table)
	}

	data, err := json.Marshal(struct {
		FormatVersion int           `json:"formatVersion"`
		Events        []event.Event `json:"events"`
	}{FormatVersion: FormatVersion, Events: events})
	if err != nil {
		return nil, event.Unexpected(err, "op", "export", "table", l.table)
	}
	return data, nil
}

// Import replaces the log's contents with a previously exported snapshot.
func (l *Log) Import(ctx context.Context, data []byte) error {
	if len(data) == 0 {
		return event.Unexpected(fmt.Errorf("empty snapshot"), "op", "import", "table", l.table)
	}

	var snap struct {
		FormatVersion int           `json:"formatVersion"`
		Events        []event.Event `json:"events"`
	}
	if err := json.Unmarshal(data, &snap); err != nil {
		return event.Unexpected(err, "op", "import", "table", l.table)
	}
	if snap.FormatVersion != FormatVersion {
		return event.Unexpected(fmt.Errorf("snapshot format version %d, want %d", snap.FormatVersion, FormatVersion), "op", "import")
	}

	parent := event.Root
	for i, e := range snap.Events {
		if e.ParentSeqNum != parent || e.SeqNum != parent.Next() {
			return event.Unexpected(fmt.Errorf("snapshot chain broken at index %d", i), "op", "import")
		}
		parent = e.SeqNum
	}

	tx, err := l.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, fmt.Sprintf(`DELETE FROM %s`, l.table)); err != nil {
		return fmt.Errorf("clear eventlog: %w", err)
	}
	if err := l.insertChunked(ctx, tx, snap.Events, event.Timestamp(time.Now())); err != nil {
		return err
	}

	return tx.Commit(ctx)
}

// Reset removes all events.
func (l *Log) Reset(ctx context.Context) error {
	if _, err := l.pool.Exec(ctx, fmt.Sprintf(`DELETE FROM %s`, l.table)); err != nil {
		return fmt.Errorf("reset eventlog: %w", err)
	}
	return nil
}

// Rewind removes all events with a global position after to.
// Implements event.Rewinder for rebase support.
func (l *Log) Rewind(ctx context.Context, to event.SeqNum) error {
	if _, err := l.pool.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE seqNum > $1`, l.table), to.Global); err != nil {
		return fmt.Errorf("rewind eventlog: %w", err)
	}
	return nil
}
