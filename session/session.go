package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lirancohen/driftsync/blob"
	"github.com/lirancohen/driftsync/event"
	"github.com/lirancohen/driftsync/event/memory"
	"github.com/lirancohen/driftsync/leader"
	"github.com/lirancohen/driftsync/logging"
	"github.com/lirancohen/driftsync/syncer"
)

// proposeAttempts bounds the retries when a proposal races a concurrent
// commit for the head. Each retry re-reads the head, so this only loses
// under sustained contention.
const proposeAttempts = 5

// exportTimeout bounds the state export taken for the shutdown
// snapshot. A leader that cannot export within this window surfaces an
// unexpected error and shuts down without a snapshot.
const exportTimeout = 10 * time.Second

// ErrClosed indicates the group has shut down.
var ErrClosed = errors.New("session: group closed")

// Config configures a Group.
type Config struct {
	// StoreID identifies the store. Required.
	StoreID string

	// ClientID identifies this client across all its sessions.
	// Defaults to a random id.
	ClientID string

	// Locks is the lock table used for leadership election. Groups that
	// share a lock table contend for the same leadership; exactly one
	// of them is leader at a time. Defaults to a private table.
	Locks *LockTable

	// NewLog builds the event log a fresh leader boots on. Defaults to
	// an in-memory log.
	NewLog func() event.Log

	// Registry validates proposed event payloads. Optional.
	Registry *event.Registry

	// Materializers are passed to the leader.
	Materializers []leader.Materializer

	// Snapshots, when set, enables the snapshot fast path: a leader
	// boots from the stored snapshot instead of an empty log, and
	// persists a fresh snapshot on shutdown.
	Snapshots blob.Store

	// Backend, when set, connects the leader to a sync backend.
	Backend syncer.Backend

	// Logger is the logging interface. If nil, a no-op logger is used.
	Logger logging.Logger
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	if c.StoreID == "" {
		return errors.New("session: StoreID is required")
	}
	return nil
}

func (c *Config) withDefaults() Config {
	cfg := *c
	if cfg.ClientID == "" {
		cfg.ClientID = uuid.NewString()
	}
	if cfg.Locks == nil {
		cfg.Locks = NewLockTable()
	}
	if cfg.NewLog == nil {
		cfg.NewLog = func() event.Log { return memory.New() }
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Nop()
	}
	return cfg
}

// Group is one client's participation in a store: it competes for
// leadership, runs the leader and sync processor while it holds the
// lock, and serves its sessions' proposals and reads. Sessions opened
// while no leader is up wait instead of failing; a group whose lock
// acquisition is pending is a follower until promoted.
type Group struct {
	cfg      Config
	lockName string

	mu       sync.Mutex
	ldr      *leader.Leader
	proc     *syncer.Processor
	leaderUp chan struct{}
	upOnce   sync.Once
	closed   bool

	stop    chan struct{}
	stopped chan struct{}
}

// NewGroup creates a Group. Call Start to begin competing for
// leadership.
func NewGroup(cfg Config) (*Group, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg = cfg.withDefaults()
	return &Group{
		cfg:      cfg,
		lockName: "leader-" + cfg.StoreID,
		leaderUp: make(chan struct{}),
		stop:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}, nil
}

// Start launches the leadership loop: block on the leader lock, then
// boot a leader and serve until Close.
func (g *Group) Start(ctx context.Context) error {
	go g.run()
	return nil
}

// Close shuts the group down: the sync processor stops, a snapshot is
// persisted, the leader terminates and the lock is released so the next
// follower can promote.
func (g *Group) Close(ctx context.Context) error {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return nil
	}
	g.closed = true
	g.mu.Unlock()

	close(g.stop)
	select {
	case <-g.stopped:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ClientID returns the group's client id.
func (g *Group) ClientID() string {
	return g.cfg.ClientID
}

// IsLeader reports whether this group currently runs the leader.
func (g *Group) IsLeader() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.ldr != nil && g.ldr.State() == leader.StateReady
}

// LockStatus reports whether this group holds the leader lock.
func (g *Group) LockStatus() LockStatus {
	if g.IsLeader() {
		return LockAcquired
	}
	return LockDenied
}

// SyncState returns the sync processor's state, or the zero state when
// the group is not leading or not syncing.
func (g *Group) SyncState() syncer.SyncState {
	g.mu.Lock()
	proc := g.proc
	g.mu.Unlock()
	if proc == nil {
		return syncer.SyncState{}
	}
	return proc.State()
}

// NewSession opens a session on the group. Sessions are cheap handles;
// any number may be open concurrently.
func (g *Group) NewSession() *Session {
	return &Session{
		id:    uuid.NewString(),
		group: g,
	}
}

// awaitLeader blocks until a leader is up, the group closes, or ctx is
// done.
func (g *Group) awaitLeader(ctx context.Context) (*leader.Leader, error) {
	for {
		g.mu.Lock()
		ldr := g.ldr
		up := g.leaderUp
		closed := g.closed
		g.mu.Unlock()

		if closed {
			return nil, ErrClosed
		}
		if ldr != nil {
			return ldr, nil
		}

		select {
		case <-up:
		case <-g.stop:
			return nil, ErrClosed
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (g *Group) snapshotKey() string {
	return "snapshot/" + g.cfg.StoreID
}

// run is the leadership loop.
func (g *Group) run() {
	defer close(g.stopped)
	// Whatever happens, waiters must not hang on a leader that will
	// never come up.
	defer func() {
		g.mu.Lock()
		g.closed = true
		g.upOnce.Do(func() { close(g.leaderUp) })
		g.mu.Unlock()
	}()

	lockCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-g.stop
		cancel()
	}()

	if err := g.cfg.Locks.Acquire(lockCtx, g.lockName); err != nil {
		return
	}
	defer g.cfg.Locks.Release(g.lockName)

	ldr, err := g.bootLeader(lockCtx)
	if err != nil {
		g.cfg.Logger.Error("failed to boot leader", "storeId", g.cfg.StoreID, "error", err)
		return
	}

	var proc *syncer.Processor
	if g.cfg.Backend != nil {
		proc, err = syncer.New(syncer.Config{
			Backend: g.cfg.Backend,
			Leader:  ldr,
			Logger:  g.cfg.Logger,
		})
		if err == nil {
			err = proc.Start(lockCtx)
		}
		if err != nil {
			g.cfg.Logger.Error("failed to start sync processor", "storeId", g.cfg.StoreID, "error", err)
			proc = nil
		}
	}

	g.mu.Lock()
	g.ldr = ldr
	g.proc = proc
	g.upOnce.Do(func() { close(g.leaderUp) })
	g.mu.Unlock()

	g.cfg.Logger.Info("promoted to leader", "storeId", g.cfg.StoreID, "clientId", g.cfg.ClientID)

	<-g.stop

	shutdownCtx := context.Background()
	if proc != nil {
		_ = proc.Stop(shutdownCtx)
	}
	g.persistSnapshot(shutdownCtx, ldr)
	_ = ldr.Shutdown(shutdownCtx)

	g.mu.Lock()
	g.ldr = nil
	g.proc = nil
	g.mu.Unlock()
}

// bootLeader builds and boots a leader, using the snapshot fast path
// when a stored snapshot exists. A snapshot that fails validation falls
// back to an empty log.
func (g *Group) bootLeader(ctx context.Context) (*leader.Leader, error) {
	var snapshot []byte
	if g.cfg.Snapshots != nil {
		data, err := g.cfg.Snapshots.Get(ctx, g.snapshotKey())
		switch {
		case err == nil:
			snapshot = data
		case errors.Is(err, blob.ErrNotFound):
		default:
			g.cfg.Logger.Warn("failed to read snapshot, booting fresh", "storeId", g.cfg.StoreID, "error", err)
		}
	}

	newLeader := func() (*leader.Leader, error) {
		return leader.New(leader.Config{
			Log:           g.cfg.NewLog(),
			Registry:      g.cfg.Registry,
			Logger:        g.cfg.Logger,
			Materializers: g.cfg.Materializers,
		})
	}

	ldr, err := newLeader()
	if err != nil {
		return nil, err
	}

	if err := ldr.Boot(ctx, leader.BootOptions{Snapshot: snapshot}); err != nil {
		if snapshot == nil {
			return nil, err
		}
		// Corrupt or incompatible snapshot; fall back to a fresh log
		g.cfg.Logger.Warn("snapshot rejected, booting fresh", "storeId", g.cfg.StoreID, "error", err)
		if ldr, err = newLeader(); err != nil {
			return nil, err
		}
		if err := ldr.Boot(ctx, leader.BootOptions{}); err != nil {
			return nil, err
		}
	}

	return ldr, nil
}

func (g *Group) persistSnapshot(ctx context.Context, ldr *leader.Leader) {
	if g.cfg.Snapshots == nil {
		return
	}
	exportCtx, cancel := context.WithTimeout(ctx, exportTimeout)
	defer cancel()
	data, err := ldr.Export(exportCtx)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			err = event.Unexpected(err, "op", "export", "storeId", g.cfg.StoreID)
		}
		g.cfg.Logger.Error("failed to export snapshot", "storeId", g.cfg.StoreID, "error", err)
		return
	}
	if err := g.cfg.Snapshots.Put(ctx, g.snapshotKey(), data); err != nil {
		g.cfg.Logger.Error("failed to persist snapshot", "storeId", g.cfg.StoreID, "error", err)
	}
}

// Proposal is a new event to commit, before sequencing.
type Proposal struct {
	Name string
	Args any
}

// Session is a lightweight handle for proposing and reading events.
// Operations wait for a leader when none is up yet.
type Session struct {
	id    string
	group *Group
}

// ID returns the session id.
func (s *Session) ID() string {
	return s.id
}

// LockStatus reports whether this session's group is the leader.
func (s *Session) LockStatus() LockStatus {
	return s.group.LockStatus()
}

// Propose commits a single event and returns it with its assigned
// sequence number.
func (s *Session) Propose(ctx context.Context, name string, args any) (event.Event, error) {
	committed, err := s.ProposeBatch(ctx, []Proposal{{Name: name, Args: args}})
	if err != nil {
		return event.Event{}, err
	}
	return committed[0], nil
}

// ProposeBatch commits a batch of events atomically. The events are
// sequenced against the leader head at commit time; a race with a
// concurrent local commit is retried transparently.
func (s *Session) ProposeBatch(ctx context.Context, proposals []Proposal) ([]event.Event, error) {
	if len(proposals) == 0 {
		return nil, nil
	}

	ldr, err := s.group.awaitLeader(ctx)
	if err != nil {
		return nil, err
	}

	args := make([]json.RawMessage, len(proposals))
	for i, p := range proposals {
		if p.Args == nil {
			continue
		}
		data, err := json.Marshal(p.Args)
		if err != nil {
			return nil, fmt.Errorf("session: marshal args for %q: %w", p.Name, err)
		}
		args[i] = data
	}

	var lastErr error
	for attempt := 0; attempt < proposeAttempts; attempt++ {
		parent := ldr.Head()
		batch := make([]event.Event, len(proposals))
		for i, p := range proposals {
			e := event.Event{
				Name:         p.Name,
				Args:         args[i],
				ParentSeqNum: parent,
				ClientID:     s.group.cfg.ClientID,
				SessionID:    s.id,
			}
			e.SeqNum = parent.Next()
			parent = e.SeqNum
			batch[i] = e
		}

		committed, err := ldr.ApplyBatch(ctx, batch)
		if err == nil {
			s.pushUpstream(committed)
			return committed, nil
		}
		if !errors.Is(err, event.ErrHeadMismatch) {
			return nil, err
		}
		lastErr = err
	}
	return nil, lastErr
}

// pushUpstream forwards freshly committed events to the sync backend.
// Failures are recoverable: a rejected push is rebased and re-pushed by
// the pull loop.
func (s *Session) pushUpstream(committed []event.Event) {
	s.group.mu.Lock()
	proc := s.group.proc
	s.group.mu.Unlock()
	if proc == nil {
		return
	}

	go func() {
		err := proc.Push(context.Background(), committed, false)
		if err != nil && !errors.Is(err, event.ErrHeadMismatch) {
			s.group.cfg.Logger.Warn("failed to push committed events", "count", len(committed), "error", err)
		}
	}()
}

// Pull returns committed events after cursor.
func (s *Session) Pull(ctx context.Context, cursor event.SeqNum) ([]event.Event, error) {
	ldr, err := s.group.awaitLeader(ctx)
	if err != nil {
		return nil, err
	}
	return ldr.ReadFrom(ctx, cursor)
}

// Head returns the current head of the log.
func (s *Session) Head(ctx context.Context) (event.SeqNum, error) {
	ldr, err := s.group.awaitLeader(ctx)
	if err != nil {
		return event.SeqNum{}, err
	}
	return ldr.Head(), nil
}

// Subscribe returns a live stream of committed events plus its cancel
// func. Combine with Pull for catch-up.
func (s *Session) Subscribe(ctx context.Context) (<-chan event.Event, func(), error) {
	ldr, err := s.group.awaitLeader(ctx)
	if err != nil {
		return nil, nil, err
	}
	ch, cancel := ldr.Subscribe()
	return ch, cancel, nil
}
