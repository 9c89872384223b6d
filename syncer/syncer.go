// Package syncer connects a leader's event log to a remote sync
// backend: it pushes locally committed events upstream and applies
// upstream events to the local log, rebasing optimistic local commits
// when the backend rejected them.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/lirancohen/driftsync/event"
	"github.com/lirancohen/driftsync/leader"
	"github.com/lirancohen/driftsync/logging"
	"github.com/lirancohen/driftsync/retry"
)

// Default timings for push acknowledgement.
const (
	// DefaultAckTimeout bounds how long a push waits for the backend.
	DefaultAckTimeout = 30 * time.Second

	// ackWarnAfter is how long a push ack may be outstanding before a
	// warning is logged.
	ackWarnAfter = 2 * time.Second
)

// ErrStopped indicates the processor is no longer running.
var ErrStopped = errors.New("sync processor stopped")

// PullBatch is one chunk of upstream events. Remaining counts events
// the backend still holds past this chunk. A batch with Err set means
// the backend rejected the pull; the stream ends after it.
type PullBatch struct {
	Events    []event.Event
	Remaining int
	Err       error
}

// Backend is a remote event log the processor syncs against.
//
// Pull returns a channel that first delivers the backend's history
// after cursor, then stays open delivering live batches as other
// clients push. The channel is closed when the connection drops or ctx
// is cancelled.
type Backend interface {
	Connect(ctx context.Context) error
	Push(ctx context.Context, batch []event.Event) error
	Pull(ctx context.Context, cursor event.SeqNum) (<-chan PullBatch, error)
	Close() error
}

// SyncState is a snapshot of the processor's sync progress.
type SyncState struct {
	// Connected reports whether the backend connection is live.
	Connected bool

	// Cursor is the highest upstream position the local log has
	// confirmed with the backend.
	Cursor event.SeqNum
}

// Config configures a Processor.
type Config struct {
	// Backend is the remote log to sync with. Required.
	Backend Backend

	// Leader is the local single-writer authority. Required.
	Leader *leader.Leader

	// AckTimeout bounds how long Push waits for the backend to confirm.
	// Defaults to DefaultAckTimeout.
	AckTimeout time.Duration

	// Retry governs reconnection backoff. Defaults to retry.Default().
	Retry *retry.Policy

	// Logger is the logging interface. If nil, a no-op logger is used.
	Logger logging.Logger
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	if c.Backend == nil {
		return errors.New("syncer: Backend is required")
	}
	if c.Leader == nil {
		return errors.New("syncer: Leader is required")
	}
	if c.AckTimeout < 0 {
		return errors.New("syncer: AckTimeout must not be negative")
	}
	return nil
}

func (c *Config) withDefaults() Config {
	cfg := *c
	if cfg.AckTimeout == 0 {
		cfg.AckTimeout = DefaultAckTimeout
	}
	if cfg.Retry == nil {
		cfg.Retry = retry.Default()
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Nop()
	}
	return cfg
}

type cursorWaiter struct {
	target int64
	ch     chan struct{}
}

// Processor runs the sync loop for one store: a background goroutine
// pulls upstream events and applies them through the leader, while
// Push sends locally committed events to the backend.
type Processor struct {
	cfg Config

	mu        sync.Mutex
	connected bool
	cursor    event.SeqNum
	waiters   []cursorWaiter

	stop    chan struct{}
	stopped chan struct{}
	started bool
}

// New creates a Processor. Call Start to begin syncing.
func New(cfg Config) (*Processor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Processor{
		cfg:     cfg.withDefaults(),
		stop:    make(chan struct{}),
		stopped: make(chan struct{}),
	}, nil
}

// Start launches the background pull loop. The loop reconnects with
// backoff until Stop is called.
func (p *Processor) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		return errors.New("syncer: already started")
	}
	p.started = true
	p.cursor = p.cfg.Leader.Head()
	p.mu.Unlock()

	go p.run()
	return nil
}

// Stop shuts the processor down and closes the backend connection.
func (p *Processor) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return nil
	}
	p.mu.Unlock()

	close(p.stop)
	_ = p.cfg.Backend.Close()

	select {
	case <-p.stopped:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// State returns the current sync state.
func (p *Processor) State() SyncState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return SyncState{Connected: p.connected, Cursor: p.cursor}
}

// Push sends a batch of locally committed events to the backend. The
// events must already carry leader-assigned sequence numbers.
//
// A head mismatch from the backend is returned as-is: it means another
// client won the race for those positions. The pull loop will deliver
// the winning events, the leader will rebase, and the rebased events
// are re-pushed automatically; callers need not retry.
//
// When waitForProcessing is true, Push additionally blocks until the
// pushed events have come back through the pull stream and are
// confirmed in the local log.
func (p *Processor) Push(ctx context.Context, batch []event.Event, waitForProcessing bool) error {
	if len(batch) == 0 {
		return nil
	}

	ackCtx, cancel := context.WithTimeout(ctx, p.cfg.AckTimeout)
	defer cancel()

	warn := time.AfterFunc(ackWarnAfter, func() {
		p.cfg.Logger.Warn("push acknowledgement still pending",
			"count", len(batch),
			"first", batch[0].SeqNum.String(),
			"waited", ackWarnAfter.String())
	})
	defer warn.Stop()

	if err := p.cfg.Backend.Push(ackCtx, batch); err != nil {
		var invalid *event.InvalidPushError
		if errors.Is(err, event.ErrHeadMismatch) || errors.As(err, &invalid) {
			return err
		}
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			// The ack timeout expired, not the caller's context.
			return event.Unexpected(err, "op", "push", "count", len(batch))
		}
		return fmt.Errorf("push batch: %w", err)
	}

	if !waitForProcessing {
		return nil
	}
	if err := p.waitForCursor(ackCtx, batch[len(batch)-1].SeqNum.Global); err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return event.Unexpected(err, "op", "push", "count", len(batch))
		}
		return err
	}
	return nil
}

// waitForCursor blocks until the confirmed cursor reaches target.
func (p *Processor) waitForCursor(ctx context.Context, target int64) error {
	p.mu.Lock()
	if p.cursor.Global >= target {
		p.mu.Unlock()
		return nil
	}
	w := cursorWaiter{target: target, ch: make(chan struct{})}
	p.waiters = append(p.waiters, w)
	p.mu.Unlock()

	select {
	case <-w.ch:
		return nil
	case <-p.stop:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Processor) advanceCursor(to event.SeqNum) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if to.Global <= p.cursor.Global {
		return
	}
	p.cursor = to

	kept := p.waiters[:0]
	for _, w := range p.waiters {
		if to.Global >= w.target {
			close(w.ch)
		} else {
			kept = append(kept, w)
		}
	}
	p.waiters = kept
}

func (p *Processor) setConnected(v bool) {
	p.mu.Lock()
	p.connected = v
	p.mu.Unlock()
}

// run is the background loop: connect, pull, apply, reconnect on drop.
func (p *Processor) run() {
	defer close(p.stopped)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-p.stop
		cancel()
	}()

	attempt := 0
	for {
		select {
		case <-p.stop:
			return
		default:
		}

		if err := p.cfg.Backend.Connect(ctx); err != nil {
			attempt++
			if !p.cfg.Retry.ShouldRetry(attempt, err) {
				p.cfg.Logger.Error("giving up on backend connection", "attempts", attempt, "error", err)
				return
			}
			delay := p.cfg.Retry.NextDelay(attempt)
			p.cfg.Logger.Warn("backend connection failed", "attempt", attempt, "retryIn", delay.String(), "error", err)
			select {
			case <-time.After(delay):
				continue
			case <-p.stop:
				return
			}
		}
		attempt = 0
		p.setConnected(true)
		p.cfg.Logger.Info("connected to sync backend", "cursor", p.State().Cursor.String())

		p.pullLoop(ctx)

		p.setConnected(false)
		select {
		case <-p.stop:
			return
		default:
			p.cfg.Logger.Warn("backend connection lost, reconnecting")
		}
	}
}

// pullLoop consumes the pull stream until the connection drops.
func (p *Processor) pullLoop(ctx context.Context) {
	p.mu.Lock()
	cursor := p.cursor
	p.mu.Unlock()

	ch, err := p.cfg.Backend.Pull(ctx, cursor)
	if err != nil {
		p.cfg.Logger.Error("pull failed", "cursor", cursor.String(), "error", err)
		return
	}

	caughtUp := false
	for batch := range ch {
		if batch.Err != nil {
			p.cfg.Logger.Error("pull rejected", "cursor", cursor.String(), "error", batch.Err)
			return
		}
		if len(batch.Events) > 0 {
			rebased, err := p.cfg.Leader.ApplyUpstream(ctx, batch.Events)
			if err != nil {
				p.cfg.Logger.Error("failed to apply upstream batch",
					"first", batch.Events[0].SeqNum.String(), "error", err)
				return
			}

			p.advanceCursor(batch.Events[len(batch.Events)-1].SeqNum)

			if len(rebased) > 0 {
				// Local optimistic events lost the race and were rebased;
				// push them at their new positions.
				if err := p.Push(ctx, rebased, false); err != nil && !errors.Is(err, event.ErrHeadMismatch) {
					p.cfg.Logger.Error("failed to push rebased events", "count", len(rebased), "error", err)
				}
			}
		}

		if !caughtUp && batch.Remaining == 0 {
			// History is caught up. Events committed locally while
			// disconnected are still unconfirmed; push them now.
			caughtUp = true
			go p.pushUnconfirmed(ctx)
		}
	}
}

// pushUnconfirmed pushes local commits the backend has not confirmed
// yet. A rejection is fine: the pull stream delivers the winning events
// and the rebase path re-pushes ours.
func (p *Processor) pushUnconfirmed(ctx context.Context) {
	p.mu.Lock()
	cursor := p.cursor
	p.mu.Unlock()

	pending, err := p.cfg.Leader.ReadFrom(ctx, cursor)
	if err != nil {
		p.cfg.Logger.Error("failed to read unconfirmed events", "cursor", cursor.String(), "error", err)
		return
	}
	if len(pending) == 0 {
		return
	}

	if err := p.Push(ctx, pending, false); err != nil && !errors.Is(err, event.ErrHeadMismatch) {
		p.cfg.Logger.Error("failed to push unconfirmed events", "count", len(pending), "error", err)
	}
}
