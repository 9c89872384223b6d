package syncer

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/lirancohen/driftsync/event"
	"github.com/lirancohen/driftsync/event/memory"
	"github.com/lirancohen/driftsync/leader"
	"github.com/lirancohen/driftsync/retry"
)

// fakeBackend is an in-memory Backend for driving the processor.
type fakeBackend struct {
	mu           sync.Mutex
	connectCalls int
	failConnects int
	pushErr      error
	pushed       [][]event.Event
	batches      chan PullBatch
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{}
}

func (b *fakeBackend) Connect(_ context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.connectCalls++
	if b.connectCalls <= b.failConnects {
		return errors.New("connection refused")
	}
	b.batches = make(chan PullBatch, 16)
	return nil
}

func (b *fakeBackend) Push(_ context.Context, batch []event.Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.pushErr != nil {
		err := b.pushErr
		b.pushErr = nil
		return err
	}
	cp := make([]event.Event, len(batch))
	copy(cp, batch)
	b.pushed = append(b.pushed, cp)
	return nil
}

func (b *fakeBackend) Pull(_ context.Context, _ event.SeqNum) (<-chan PullBatch, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.batches, nil
}

func (b *fakeBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.batches != nil {
		close(b.batches)
		b.batches = nil
	}
	return nil
}

func (b *fakeBackend) emit(events ...event.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.batches <- PullBatch{Events: events}
}

func (b *fakeBackend) pushCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pushed)
}

func newTestLeader(t *testing.T) *leader.Leader {
	t.Helper()
	ldr, err := leader.New(leader.Config{Log: memory.New()})
	if err != nil {
		t.Fatalf("leader.New: %v", err)
	}
	if err := ldr.Boot(context.Background(), leader.BootOptions{}); err != nil {
		t.Fatalf("Boot: %v", err)
	}
	t.Cleanup(func() { _ = ldr.Shutdown(context.Background()) })
	return ldr
}

func startProcessor(t *testing.T, backend Backend, ldr *leader.Leader) *Processor {
	t.Helper()
	proc, err := New(Config{
		Backend:    backend,
		Leader:     ldr,
		AckTimeout: 5 * time.Second,
		Retry: &retry.Policy{
			InitialDelay: time.Millisecond,
			MaxDelay:     10 * time.Millisecond,
			Multiplier:   2.0,
		},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := proc.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { _ = proc.Stop(context.Background()) })
	return proc
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func propose(parent event.SeqNum, client string, names ...string) []event.Event {
	batch := make([]event.Event, len(names))
	for i, name := range names {
		e := event.Event{
			Name:         name,
			ParentSeqNum: parent,
			ClientID:     client,
			SessionID:    client + "-sess",
		}
		e.SeqNum = parent.Next()
		parent = e.SeqNum
		batch[i] = e
	}
	return batch
}

func TestConfigValidate(t *testing.T) {
	ldr := newTestLeader(t)

	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{"valid", Config{Backend: newFakeBackend(), Leader: ldr}, false},
		{"missing backend", Config{Leader: ldr}, true},
		{"missing leader", Config{Backend: newFakeBackend()}, true},
		{"negative timeout", Config{Backend: newFakeBackend(), Leader: ldr, AckTimeout: -1}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestPullLoopAppliesUpstream(t *testing.T) {
	ldr := newTestLeader(t)
	backend := newFakeBackend()
	proc := startProcessor(t, backend, ldr)

	waitFor(t, "connection", func() bool { return proc.State().Connected })

	backend.emit(propose(event.Root, "remote", "r1", "r2")...)

	waitFor(t, "upstream events applied", func() bool { return ldr.Head().Global == 2 })

	if got := proc.State().Cursor.Global; got != 2 {
		t.Errorf("cursor = %d, want 2", got)
	}
}

func TestPushWaitsForProcessing(t *testing.T) {
	ldr := newTestLeader(t)
	backend := newFakeBackend()
	proc := startProcessor(t, backend, ldr)

	waitFor(t, "connection", func() bool { return proc.State().Connected })

	committed, err := ldr.ApplyBatch(context.Background(), propose(event.Root, "local", "one"))
	if err != nil {
		t.Fatalf("ApplyBatch: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		done <- proc.Push(context.Background(), committed, true)
	}()

	// The push must stay pending until the backend echoes the events
	select {
	case err := <-done:
		t.Fatalf("push resolved before processing: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	backend.emit(committed...)

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Push: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("push did not resolve after echo")
	}

	if backend.pushCount() != 1 {
		t.Errorf("backend received %d pushes, want 1", backend.pushCount())
	}
}

func TestPushSurfacesHeadMismatch(t *testing.T) {
	ldr := newTestLeader(t)
	backend := newFakeBackend()
	proc := startProcessor(t, backend, ldr)

	waitFor(t, "connection", func() bool { return proc.State().Connected })

	committed, err := ldr.ApplyBatch(context.Background(), propose(event.Root, "local", "one"))
	if err != nil {
		t.Fatalf("ApplyBatch: %v", err)
	}

	backend.mu.Lock()
	backend.pushErr = &event.HeadMismatchError{
		Expected: event.SeqNum{Global: 1},
		Actual:   event.Root,
	}
	backend.mu.Unlock()

	if err := proc.Push(context.Background(), committed, false); !errors.Is(err, event.ErrHeadMismatch) {
		t.Fatalf("error = %v, want head mismatch", err)
	}
}

func TestRebasedEventsAreRePushed(t *testing.T) {
	ldr := newTestLeader(t)
	backend := newFakeBackend()
	proc := startProcessor(t, backend, ldr)

	waitFor(t, "connection", func() bool { return proc.State().Connected })

	// An optimistic local commit at e1
	if _, err := ldr.ApplyBatch(context.Background(), propose(event.Root, "local", "decremented")); err != nil {
		t.Fatalf("ApplyBatch: %v", err)
	}

	// The backend committed a remote event at e1 instead
	backend.emit(propose(event.Root, "remote", "incremented")...)

	waitFor(t, "rebased push", func() bool { return backend.pushCount() >= 1 })

	backend.mu.Lock()
	defer backend.mu.Unlock()
	last := backend.pushed[len(backend.pushed)-1]
	if len(last) != 1 || last[0].Name != "decremented" || last[0].SeqNum.Global != 2 {
		t.Errorf("re-pushed batch = %v, want decremented at e2", last)
	}
}

func TestReconnectsWithBackoff(t *testing.T) {
	ldr := newTestLeader(t)
	backend := newFakeBackend()
	backend.failConnects = 2
	proc := startProcessor(t, backend, ldr)

	waitFor(t, "connection after retries", func() bool { return proc.State().Connected })

	backend.mu.Lock()
	calls := backend.connectCalls
	backend.mu.Unlock()
	if calls != 3 {
		t.Errorf("connect called %d times, want 3", calls)
	}
}

func TestEmptyPushIsNoop(t *testing.T) {
	ldr := newTestLeader(t)
	backend := newFakeBackend()
	proc := startProcessor(t, backend, ldr)

	if err := proc.Push(context.Background(), nil, true); err != nil {
		t.Fatalf("empty push: %v", err)
	}
	if backend.pushCount() != 0 {
		t.Errorf("backend received %d pushes for an empty batch", backend.pushCount())
	}
}
