// Package leader implements the single-writer authority for a store:
// one leader owns the event log, serializes all append attempts and
// applies materializers to produce queryable state.
package leader

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/lirancohen/driftsync/event"
	"github.com/lirancohen/driftsync/logging"
)

// State is the leader lifecycle state.
type State string

const (
	StateUninitialized State = "uninitialized"
	StateBooting       State = "booting"
	StateReady         State = "ready"
	StateShuttingDown  State = "shutting-down"
	StateTerminated    State = "terminated"
)

// Common errors returned by the Leader.
var (
	// ErrNotReady indicates an operation was attempted outside Ready.
	ErrNotReady = errors.New("leader not ready")

	// ErrAlreadyBooted indicates Boot was called twice.
	ErrAlreadyBooted = errors.New("leader already booted")

	// ErrRewindUnsupported indicates the backing log cannot rebase.
	ErrRewindUnsupported = errors.New("log does not support rewind")
)

// Materializer maps a committed event to queryable state. Materializers
// run in commit order, after the event is durably appended.
type Materializer func(event.Event) error

// subscriberBuffer is the per-subscriber channel capacity. A subscriber
// that falls this far behind is closed and must re-subscribe from a
// cursor.
const subscriberBuffer = 256

// Config configures a Leader.
type Config struct {
	// Log is the event log this leader exclusively owns.
	// Required.
	Log event.Log

	// Registry validates event payloads before commit. Optional; when
	// nil, any payload is accepted.
	Registry *event.Registry

	// Logger is the logging interface. If nil, a no-op logger is used.
	Logger logging.Logger

	// Materializers are applied to each committed event in order.
	Materializers []Materializer
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	if c.Log == nil {
		return errors.New("leader: Log is required")
	}
	return nil
}

func (c *Config) withDefaults() Config {
	cfg := *c
	if cfg.Logger == nil {
		cfg.Logger = logging.Nop()
	}
	return cfg
}

// Leader is the single authoritative writer for one store's event log.
// Concurrent ApplyBatch calls are serialized through a single-slot
// execution queue: no two appends ever interleave.
type Leader struct {
	cfg Config

	mu      sync.RWMutex
	state   State
	head    event.SeqNum
	subs    map[uint64]chan event.Event
	nextSub uint64

	requests chan *applyRequest
	done     chan struct{}
	stopped  chan struct{}
}

type applyKind int

const (
	applyLocal applyKind = iota
	applyUpstream
)

type applyRequest struct {
	kind  applyKind
	batch []event.Event
	resp  chan applyResult
}

type applyResult struct {
	committed []event.Event
	rebased   []event.Event
	err       error
}

// New creates a Leader in the Uninitialized state.
func New(cfg Config) (*Leader, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &Leader{
		cfg:      cfg.withDefaults(),
		state:    StateUninitialized,
		subs:     make(map[uint64]chan event.Event),
		requests: make(chan *applyRequest),
		done:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}, nil
}

// BootOptions configures Boot.
type BootOptions struct {
	// Snapshot, when non-nil, is imported into the log before serving,
	// bypassing event-by-event replay.
	Snapshot []byte
}

// Boot transitions Uninitialized -> Booting -> Ready, optionally
// importing a snapshot, and starts the apply queue.
func (l *Leader) Boot(ctx context.Context, opts BootOptions) error {
	l.mu.Lock()
	if l.state != StateUninitialized {
		l.mu.Unlock()
		return ErrAlreadyBooted
	}
	l.state = StateBooting
	l.mu.Unlock()

	if opts.Snapshot != nil {
		if err := l.cfg.Log.Import(ctx, opts.Snapshot); err != nil {
			l.mu.Lock()
			l.state = StateTerminated
			l.mu.Unlock()
			return fmt.Errorf("import snapshot: %w", err)
		}
	}

	head, err := l.cfg.Log.Head(ctx)
	if err != nil {
		l.mu.Lock()
		l.state = StateTerminated
		l.mu.Unlock()
		return fmt.Errorf("read head: %w", err)
	}

	l.mu.Lock()
	l.head = head
	l.state = StateReady
	l.mu.Unlock()

	go l.run()

	l.cfg.Logger.Info("leader ready", "head", head.String())
	return nil
}

// Shutdown drains the apply queue and stops the leader.
// Ready -> ShuttingDown -> Terminated.
func (l *Leader) Shutdown(ctx context.Context) error {
	l.mu.Lock()
	if l.state != StateReady {
		l.mu.Unlock()
		return nil
	}
	l.state = StateShuttingDown
	l.mu.Unlock()

	close(l.done)

	select {
	case <-l.stopped:
	case <-ctx.Done():
		return ctx.Err()
	}

	l.mu.Lock()
	l.state = StateTerminated
	for id, ch := range l.subs {
		close(ch)
		delete(l.subs, id)
	}
	l.mu.Unlock()

	l.cfg.Logger.Info("leader terminated")
	return nil
}

// State returns the current lifecycle state.
func (l *Leader) State() State {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.state
}

// Head returns the sequence number of the most recently committed event.
// This is the single source of truth for what the next event's parent
// must be.
func (l *Leader) Head() event.SeqNum {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.head
}

// ApplyBatch proposes a batch of new events. The batch's first parent
// must match the current head; each subsequent event's parent must match
// the preceding proposed event. Commits all-or-nothing. A
// HeadMismatchError is always recoverable: pull, rebase, resubmit.
//
// Once submitted the call is not cancellable; it always resolves to
// either the committed batch or an error.
func (l *Leader) ApplyBatch(ctx context.Context, batch []event.Event) ([]event.Event, error) {
	res, err := l.submit(ctx, &applyRequest{
		kind:  applyLocal,
		batch: batch,
		resp:  make(chan applyResult, 1),
	})
	if err != nil {
		return nil, err
	}
	return res.committed, res.err
}

// ApplyUpstream reconciles a batch of events received from the sync
// backend with the local log. Events the local log already holds are
// skipped; genuinely new events are appended. When the upstream batch
// conflicts with optimistic local events, the local tail is rewound,
// the upstream events take their place, and the displaced local events
// are rebased onto the new head. The rebased (re-committed) local
// events are returned so the caller can push them upstream.
func (l *Leader) ApplyUpstream(ctx context.Context, batch []event.Event) ([]event.Event, error) {
	res, err := l.submit(ctx, &applyRequest{
		kind:  applyUpstream,
		batch: batch,
		resp:  make(chan applyResult, 1),
	})
	if err != nil {
		return nil, err
	}
	return res.rebased, res.err
}

// submit enqueues a request on the single-slot queue. Enqueueing honors
// ctx; once accepted, the request always resolves.
func (l *Leader) submit(ctx context.Context, req *applyRequest) (applyResult, error) {
	if l.State() != StateReady {
		return applyResult{}, ErrNotReady
	}

	select {
	case l.requests <- req:
	case <-l.done:
		return applyResult{}, ErrNotReady
	case <-ctx.Done():
		return applyResult{}, ctx.Err()
	}

	// The worker always responds to an accepted request
	return <-req.resp, nil
}

// ReadFrom returns committed events with a global position after cursor.
func (l *Leader) ReadFrom(ctx context.Context, cursor event.SeqNum) ([]event.Event, error) {
	return l.cfg.Log.ReadFrom(ctx, cursor)
}

// Export serializes the full log into a snapshot blob.
func (l *Leader) Export(ctx context.Context) ([]byte, error) {
	return l.cfg.Log.Export(ctx)
}

// Subscribe returns a channel of events committed after the call.
// Use ReadFrom for catch-up, then Subscribe for the live tail, merging
// by sequence number. The returned cancel func must be called when done.
// A subscriber that falls too far behind is closed and must re-subscribe.
func (l *Leader) Subscribe() (<-chan event.Event, func()) {
	l.mu.Lock()
	defer l.mu.Unlock()

	id := l.nextSub
	l.nextSub++
	ch := make(chan event.Event, subscriberBuffer)
	l.subs[id] = ch

	// Only the committing side ever closes the channel; cancelling just
	// stops delivery.
	cancel := func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		delete(l.subs, id)
	}
	return ch, cancel
}

// run is the single worker draining the apply queue. All log mutations
// happen here; nothing else writes the log or the head.
func (l *Leader) run() {
	defer close(l.stopped)

	for {
		select {
		case req := <-l.requests:
			switch req.kind {
			case applyLocal:
				committed, err := l.applyLocal(req.batch)
				req.resp <- applyResult{committed: committed, err: err}
			case applyUpstream:
				rebased, err := l.applyUpstream(req.batch)
				req.resp <- applyResult{rebased: rebased, err: err}
			}
		case <-l.done:
			return
		}
	}
}

func (l *Leader) applyLocal(batch []event.Event) ([]event.Event, error) {
	ctx := context.Background()

	if l.cfg.Registry != nil {
		for _, e := range batch {
			if err := l.cfg.Registry.Validate(e.Name, e.Args); err != nil {
				return nil, err
			}
		}
	}

	committed, err := l.cfg.Log.Append(ctx, batch)
	if err != nil {
		return nil, err
	}

	l.publish(committed)
	return committed, nil
}

// applyUpstream reconciles upstream events with the local log.
func (l *Leader) applyUpstream(batch []event.Event) ([]event.Event, error) {
	ctx := context.Background()

	l.mu.RLock()
	head := l.head
	l.mu.RUnlock()

	// Partition the batch: events at or below our head are either
	// already known (our own pushes echoed back, or events we already
	// pulled) or a conflict with optimistic local commits.
	var overlapping, novel []event.Event
	for _, e := range batch {
		if e.SeqNum.Global <= head.Global {
			overlapping = append(overlapping, e)
		} else {
			novel = append(novel, e)
		}
	}

	if len(overlapping) > 0 {
		local, err := l.cfg.Log.ReadFrom(ctx, overlapping[0].ParentSeqNum)
		if err != nil {
			return nil, err
		}

		for i, up := range overlapping {
			if i >= len(local) || !local[i].Equivalent(up) {
				// Conflict: the backend committed someone else's events
				// in positions our optimistic commits occupy. Rebase.
				return l.rebase(ctx, batch[i:], overlapping[i].ParentSeqNum)
			}
		}
	}

	if len(novel) > 0 {
		if novel[0].ParentSeqNum.Global != head.Global {
			// Gap between our head and the upstream batch; the caller
			// must re-pull from its cursor.
			return nil, &event.HeadMismatchError{Expected: head, Actual: novel[0].ParentSeqNum}
		}

		// Rebuild the parent chain in pair form (upstream events carry
		// global positions only)
		proposed := make([]event.Event, len(novel))
		parent := head
		for i, e := range novel {
			e.ParentSeqNum = parent
			e.SeqNum = parent.Next()
			parent = e.SeqNum
			proposed[i] = e
		}

		committed, err := l.cfg.Log.Append(ctx, proposed)
		if err != nil {
			return nil, err
		}
		l.publish(committed)
	}

	return nil, nil
}

// rebase replaces the optimistic local tail after divergence with the
// upstream events, then re-appends the displaced local events onto the
// new head. Returns the rebased local events.
func (l *Leader) rebase(ctx context.Context, upstream []event.Event, divergence event.SeqNum) ([]event.Event, error) {
	rewinder, ok := l.cfg.Log.(event.Rewinder)
	if !ok {
		return nil, ErrRewindUnsupported
	}

	displaced, err := l.cfg.Log.ReadFrom(ctx, divergence)
	if err != nil {
		return nil, err
	}

	if err := rewinder.Rewind(ctx, divergence); err != nil {
		return nil, err
	}

	// Commit the upstream events in place of the local tail
	proposed := make([]event.Event, len(upstream))
	parent := divergence
	for i, e := range upstream {
		e.ParentSeqNum = parent
		e.SeqNum = parent.Next()
		parent = e.SeqNum
		proposed[i] = e
	}
	committed, err := l.cfg.Log.Append(ctx, proposed)
	if err != nil {
		return nil, err
	}
	l.publish(committed)

	// Re-append the displaced local events, preserving their relative
	// order, skipping any the upstream batch already contains
	var pending []event.Event
	for _, d := range displaced {
		echoed := false
		for _, up := range upstream {
			if d.ClientID == up.ClientID && d.SessionID == up.SessionID && d.Name == up.Name && d.SeqNum.Global == up.SeqNum.Global {
				echoed = true
				break
			}
		}
		if !echoed {
			pending = append(pending, d)
		}
	}
	if len(pending) == 0 {
		return nil, nil
	}

	newHead := committed[len(committed)-1].SeqNum
	parent = newHead
	for i := range pending {
		pending[i].ParentSeqNum = parent
		pending[i].SeqNum = parent.Next()
		parent = pending[i].SeqNum
	}

	rebased, err := l.cfg.Log.Append(ctx, pending)
	if err != nil {
		return nil, err
	}
	l.publish(rebased)

	l.cfg.Logger.Info("rebased local events onto new head",
		"count", len(rebased), "head", parent.String())

	return rebased, nil
}

// publish advances the cached head, runs materializers and notifies
// subscribers. Called only from the apply worker.
func (l *Leader) publish(committed []event.Event) {
	if len(committed) == 0 {
		return
	}

	l.mu.Lock()
	l.head = committed[len(committed)-1].SeqNum
	subs := make(map[uint64]chan event.Event, len(l.subs))
	for id, ch := range l.subs {
		subs[id] = ch
	}
	l.mu.Unlock()

	for _, e := range committed {
		for _, m := range l.cfg.Materializers {
			if err := m(e); err != nil {
				l.cfg.Logger.Error("materializer failed", "event", e.Name, "seqNum", e.SeqNum.String(), "error", err)
			}
		}

		for id, ch := range subs {
			select {
			case ch <- e:
			default:
				// Subscriber fell too far behind; drop it so the apply
				// queue never blocks. It must re-subscribe from a cursor.
				l.mu.Lock()
				if _, ok := l.subs[id]; ok {
					delete(l.subs, id)
					close(ch)
				}
				l.mu.Unlock()
				delete(subs, id)
				l.cfg.Logger.Warn("dropped slow subscriber", "id", id)
			}
		}
	}
}
