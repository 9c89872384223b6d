package wsserver

import (
	"context"
	"sync"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lirancohen/driftsync/event"
	"github.com/lirancohen/driftsync/event/memory"
	"github.com/lirancohen/driftsync/event/pgstore"
)

// Storage provides per-store event logs. Each store's log is owned by
// exactly one actor; OpenLog must return the same log for the same id.
type Storage interface {
	OpenLog(ctx context.Context, storeID string) (event.Log, error)
}

// MemoryStorage keeps every store's event log in memory. Suitable for
// tests and single-process deployments without durability needs.
type MemoryStorage struct {
	mu   sync.Mutex
	logs map[string]*memory.Log
}

// NewMemoryStorage creates an empty MemoryStorage.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{logs: make(map[string]*memory.Log)}
}

// OpenLog returns the store's log, creating it on first use.
func (s *MemoryStorage) OpenLog(_ context.Context, storeID string) (event.Log, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	log, ok := s.logs[storeID]
	if !ok {
		log = memory.New()
		s.logs[storeID] = log
	}
	return log, nil
}

// PgStorage persists each store's event log in its own Postgres table.
type PgStorage struct {
	pool *pgxpool.Pool

	mu   sync.Mutex
	logs map[string]*pgstore.Log
}

// NewPgStorage creates a PgStorage on top of an existing pool.
func NewPgStorage(pool *pgxpool.Pool) *PgStorage {
	return &PgStorage{pool: pool, logs: make(map[string]*pgstore.Log)}
}

// OpenLog returns the store's log, creating its table on first use.
func (s *PgStorage) OpenLog(ctx context.Context, storeID string) (event.Log, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	log, ok := s.logs[storeID]
	if !ok {
		var err error
		log, err = pgstore.New(ctx, s.pool, storeID)
		if err != nil {
			return nil, err
		}
		s.logs[storeID] = log
	}
	return log, nil
}
