// Package wsbackend implements a sync backend client over WebSocket.
package wsbackend

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/lirancohen/driftsync/event"
	"github.com/lirancohen/driftsync/logging"
	"github.com/lirancohen/driftsync/syncer"
	"github.com/lirancohen/driftsync/wire"
)

// Connection liveness timings.
const (
	// pingInterval is how often a liveness probe is sent.
	pingInterval = 25 * time.Second

	// pongTimeout is how long to wait for the probe's answer before
	// treating the connection as dead.
	pongTimeout = 5 * time.Second

	// writeWait bounds a single frame write.
	writeWait = 10 * time.Second
)

// ErrNotConnected indicates an operation on a closed connection.
var ErrNotConnected = errors.New("wsbackend: not connected")

// headMismatchFormat is the backend's rejection message for a push
// whose parent does not match the backend head.
const headMismatchFormat = "Invalid parent event number. Received e%d but expected e%d"

// Config configures a Backend.
type Config struct {
	// URL is the sync endpoint, e.g. "ws://host/sync/websocket".
	// Required.
	URL string

	// StoreID selects the store to sync. Required.
	StoreID string

	// Header is sent with the WebSocket handshake. Optional.
	Header http.Header

	// Dialer overrides the default WebSocket dialer. Optional.
	Dialer *websocket.Dialer

	// Logger is the logging interface. If nil, a no-op logger is used.
	Logger logging.Logger
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	if c.URL == "" {
		return errors.New("wsbackend: URL is required")
	}
	if _, err := url.Parse(c.URL); err != nil {
		return fmt.Errorf("wsbackend: invalid URL: %w", err)
	}
	if c.StoreID == "" {
		return errors.New("wsbackend: StoreID is required")
	}
	return nil
}

func (c *Config) withDefaults() Config {
	cfg := *c
	if cfg.Dialer == nil {
		cfg.Dialer = websocket.DefaultDialer
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Nop()
	}
	return cfg
}

// pullStream tracks one in-flight pull and the reconciliation of live
// push broadcasts against the history still streaming in.
type pullStream struct {
	requestID string

	// cursor is the highest global position delivered to the channel.
	cursor int64

	// historyDone flips when the final history chunk (remaining == 0)
	// has been delivered.
	historyDone bool

	// stash holds push-context responses that arrived while history was
	// still streaming. They are merged in after the final history chunk.
	stash []*wire.PullRes

	out chan syncer.PullBatch

	// done closes when the stream ends, releasing its context watcher.
	done chan struct{}
}

// Backend is a WebSocket sync backend client. It implements
// syncer.Backend. One connection serves one store.
type Backend struct {
	cfg Config

	mu        sync.Mutex
	conn      *websocket.Conn
	responses map[string]chan wire.Message
	pull      *pullStream
	closed    bool

	writeMu sync.Mutex
}

// New creates a Backend. Call Connect to establish the connection.
func New(cfg Config) (*Backend, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Backend{
		cfg:       cfg.withDefaults(),
		responses: make(map[string]chan wire.Message),
	}, nil
}

// Connect dials the sync endpoint. Safe to call again after the
// connection dropped; any previous connection state is discarded.
func (b *Backend) Connect(ctx context.Context) error {
	u, err := url.Parse(b.cfg.URL)
	if err != nil {
		return fmt.Errorf("wsbackend: invalid URL: %w", err)
	}
	q := u.Query()
	q.Set("storeId", b.cfg.StoreID)
	u.RawQuery = q.Encode()

	conn, resp, err := b.cfg.Dialer.DialContext(ctx, u.String(), b.cfg.Header)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("wsbackend: dial %s: %w (status %d)", u.String(), err, resp.StatusCode)
		}
		return fmt.Errorf("wsbackend: dial %s: %w", u.String(), err)
	}

	b.mu.Lock()
	if b.conn != nil {
		_ = b.conn.Close()
	}
	b.conn = conn
	b.closed = false
	b.mu.Unlock()

	pong := make(chan struct{}, 1)
	go b.readLoop(conn, pong)
	go b.pingLoop(conn, pong)

	b.cfg.Logger.Debug("connected", "url", u.String(), "storeId", b.cfg.StoreID)
	return nil
}

// Close tears down the connection. Pending requests fail and any open
// pull channel is closed.
func (b *Backend) Close() error {
	b.mu.Lock()
	b.closed = true
	conn := b.conn
	b.mu.Unlock()

	if conn != nil {
		return conn.Close()
	}
	return nil
}

// Push proposes a batch of committed local events to the backend.
// Returns a HeadMismatchError when another client already claimed the
// batch's positions.
func (b *Backend) Push(ctx context.Context, batch []event.Event) error {
	if len(batch) == 0 {
		return nil
	}

	requestID := uuid.NewString()
	ch := b.registerResponse(requestID)
	defer b.unregisterResponse(requestID)

	err := b.send(&wire.PushReq{
		RequestID: requestID,
		Batch:     event.EncodeBatch(batch),
	})
	if err != nil {
		return err
	}

	select {
	case msg, ok := <-ch:
		if !ok {
			return ErrNotConnected
		}
		switch m := msg.(type) {
		case *wire.PushAck:
			return nil
		case *wire.Error:
			return decodeError(m)
		default:
			return fmt.Errorf("wsbackend: unexpected response %s to push", msg.MessageType())
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Pull requests the backend's history after cursor and subscribes to
// live updates. The returned channel delivers history chunks first,
// then live batches, strictly ordered by sequence number; it closes
// when the connection drops.
func (b *Backend) Pull(ctx context.Context, cursor event.SeqNum) (<-chan syncer.PullBatch, error) {
	requestID := uuid.NewString()
	stream := &pullStream{
		requestID: requestID,
		cursor:    cursor.Global,
		out:       make(chan syncer.PullBatch, 16),
		done:      make(chan struct{}),
	}

	b.mu.Lock()
	if b.conn == nil || b.closed {
		b.mu.Unlock()
		return nil, ErrNotConnected
	}
	if b.pull != nil {
		b.closeStreamLocked(b.pull)
	}
	b.pull = stream
	b.mu.Unlock()

	req := &wire.PullReq{RequestID: requestID}
	if !cursor.IsRoot() {
		req.Cursor = &wire.Cursor{Global: cursor.Global}
	}
	if err := b.send(req); err != nil {
		return nil, err
	}

	go func() {
		select {
		case <-ctx.Done():
			b.mu.Lock()
			b.closeStreamLocked(stream)
			b.mu.Unlock()
		case <-stream.done:
		}
	}()

	return stream.out, nil
}

// AdminResetStore wipes the store's event log on the backend.
func (b *Backend) AdminResetStore(ctx context.Context, adminSecret string) error {
	msg, err := b.request(ctx, &wire.AdminResetStoreReq{
		RequestID:   uuid.NewString(),
		AdminSecret: adminSecret,
	})
	if err != nil {
		return err
	}
	if e, ok := msg.(*wire.Error); ok {
		return errors.New(e.Message)
	}
	if _, ok := msg.(*wire.AdminResetStoreRes); !ok {
		return fmt.Errorf("wsbackend: unexpected response %s to admin reset", msg.MessageType())
	}
	return nil
}

// AdminInfo identifies the backend actor serving the store.
func (b *Backend) AdminInfo(ctx context.Context, adminSecret string) (wire.Info, error) {
	msg, err := b.request(ctx, &wire.AdminInfoReq{
		RequestID:   uuid.NewString(),
		AdminSecret: adminSecret,
	})
	if err != nil {
		return wire.Info{}, err
	}
	if e, ok := msg.(*wire.Error); ok {
		return wire.Info{}, errors.New(e.Message)
	}
	res, ok := msg.(*wire.AdminInfoRes)
	if !ok {
		return wire.Info{}, fmt.Errorf("wsbackend: unexpected response %s to admin info", msg.MessageType())
	}
	return res.Info, nil
}

// request sends a message carrying a request id and waits for its
// response.
func (b *Backend) request(ctx context.Context, m wire.Message) (wire.Message, error) {
	requestID := requestIDOf(m)
	ch := b.registerResponse(requestID)
	defer b.unregisterResponse(requestID)

	if err := b.send(m); err != nil {
		return nil, err
	}

	select {
	case msg, ok := <-ch:
		if !ok {
			return nil, ErrNotConnected
		}
		return msg, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func requestIDOf(m wire.Message) string {
	switch m := m.(type) {
	case *wire.AdminResetStoreReq:
		return m.RequestID
	case *wire.AdminInfoReq:
		return m.RequestID
	case *wire.PushReq:
		return m.RequestID
	default:
		return ""
	}
}

func (b *Backend) registerResponse(requestID string) chan wire.Message {
	ch := make(chan wire.Message, 1)
	b.mu.Lock()
	b.responses[requestID] = ch
	b.mu.Unlock()
	return ch
}

func (b *Backend) unregisterResponse(requestID string) {
	b.mu.Lock()
	delete(b.responses, requestID)
	b.mu.Unlock()
}

func (b *Backend) send(m wire.Message) error {
	data, err := wire.Encode(m)
	if err != nil {
		return err
	}

	b.mu.Lock()
	conn := b.conn
	closed := b.closed
	b.mu.Unlock()
	if conn == nil || closed {
		return ErrNotConnected
	}

	b.writeMu.Lock()
	defer b.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("wsbackend: write %s: %w", m.MessageType(), err)
	}
	return nil
}

// pingLoop probes the connection until it dies.
func (b *Backend) pingLoop(conn *websocket.Conn, pong <-chan struct{}) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for range ticker.C {
		b.mu.Lock()
		live := b.conn == conn && !b.closed
		b.mu.Unlock()
		if !live {
			return
		}

		if err := b.send(&wire.Ping{RequestID: wire.PingRequestID}); err != nil {
			return
		}

		select {
		case <-pong:
		case <-time.After(pongTimeout):
			b.cfg.Logger.Warn("pong timeout, dropping connection")
			_ = conn.Close()
			return
		}
	}
}

// readLoop dispatches inbound frames until the connection drops, then
// fails pending requests and closes the pull channel.
func (b *Backend) readLoop(conn *websocket.Conn, pong chan<- struct{}) {
	defer b.teardown(conn)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}

		msg, err := wire.Decode(data)
		if err != nil {
			b.cfg.Logger.Warn("dropping malformed frame", "error", err)
			continue
		}

		switch m := msg.(type) {
		case *wire.Pong:
			select {
			case pong <- struct{}{}:
			default:
			}
		case *wire.Ping:
			_ = b.send(&wire.Pong{RequestID: m.RequestID})
		case *wire.PullRes:
			b.handlePullRes(m)
		case *wire.PushAck:
			b.deliverResponse(m.RequestID, m)
		case *wire.AdminResetStoreRes:
			b.deliverResponse(m.RequestID, m)
		case *wire.AdminInfoRes:
			b.deliverResponse(m.RequestID, m)
		case *wire.Error:
			if b.failPull(m) {
				continue
			}
			b.deliverResponse(m.RequestID, m)
		default:
			b.cfg.Logger.Warn("ignoring unexpected frame", "type", msg.MessageType())
		}
	}
}

func (b *Backend) deliverResponse(requestID string, m wire.Message) {
	b.mu.Lock()
	ch, ok := b.responses[requestID]
	b.mu.Unlock()
	if !ok {
		b.cfg.Logger.Debug("response for unknown request", "requestId", requestID, "type", m.MessageType())
		return
	}
	select {
	case ch <- m:
	default:
	}
}

// handlePullRes routes a PullRes to the active pull stream.
//
// Pull-context responses are history chunks for our own request and
// stream through directly. Push-context responses are live broadcasts;
// while history is still streaming they are stashed, then merged in
// sequence order once the final history chunk lands. Events at or below
// the already-delivered cursor are dropped as duplicates.
func (b *Backend) handlePullRes(m *wire.PullRes) {
	b.mu.Lock()
	defer b.mu.Unlock()

	stream := b.pull
	if stream == nil {
		return
	}

	switch m.RequestID.Context {
	case "pull":
		if m.RequestID.RequestID != stream.requestID {
			return
		}
		b.emitLocked(stream, m)
		if m.Remaining == 0 && !stream.historyDone {
			stream.historyDone = true
			stash := stream.stash
			stream.stash = nil
			sort.SliceStable(stash, func(i, j int) bool {
				return firstGlobal(stash[i]) < firstGlobal(stash[j])
			})
			for _, s := range stash {
				b.emitLocked(stream, s)
			}
		}
	case "push":
		if !stream.historyDone {
			stream.stash = append(stream.stash, m)
			return
		}
		b.emitLocked(stream, m)
	default:
		b.cfg.Logger.Warn("pull response with unknown context", "context", m.RequestID.Context)
	}
}

func firstGlobal(m *wire.PullRes) int64 {
	if len(m.Batch) == 0 {
		return 0
	}
	return m.Batch[0].Event.SeqNum
}

// emitLocked delivers a PullRes to the stream, skipping events already
// delivered. Caller holds b.mu.
func (b *Backend) emitLocked(stream *pullStream, m *wire.PullRes) {
	var events []event.Event
	for _, item := range m.Batch {
		if item.Event.SeqNum <= stream.cursor {
			continue
		}
		events = append(events, item.Event.Decode())
		stream.cursor = item.Event.SeqNum
	}
	if len(events) == 0 && m.Remaining != 0 {
		return
	}

	select {
	case stream.out <- syncer.PullBatch{Events: events, Remaining: m.Remaining}:
	default:
		// Consumer fell behind; drop the stream so the read loop never
		// blocks. The processor re-pulls from its cursor on reconnect.
		b.cfg.Logger.Warn("pull consumer too slow, dropping stream")
		b.closeStreamLocked(stream)
	}
}

// closeStreamLocked ends a pull stream: closes its channel and releases
// its context watcher. Caller holds b.mu. Safe to call on a stream that
// already ended.
func (b *Backend) closeStreamLocked(stream *pullStream) {
	select {
	case <-stream.done:
		return
	default:
	}
	close(stream.done)
	close(stream.out)
	if b.pull == stream {
		b.pull = nil
	}
}

// failPull ends the active pull stream when the backend rejected its
// request, surfacing an InvalidPullError to the consumer.
func (b *Backend) failPull(m *wire.Error) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	stream := b.pull
	if stream == nil || stream.requestID != m.RequestID {
		return false
	}

	select {
	case stream.out <- syncer.PullBatch{Err: &event.InvalidPullError{Message: m.Message}}:
	default:
	}
	b.closeStreamLocked(stream)
	return true
}

// teardown fails pending requests and closes the pull stream after the
// connection dropped.
func (b *Backend) teardown(conn *websocket.Conn) {
	_ = conn.Close()

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.conn != conn {
		return
	}
	b.conn = nil

	for id, ch := range b.responses {
		close(ch)
		delete(b.responses, id)
	}
	if b.pull != nil {
		b.closeStreamLocked(b.pull)
	}
}

// decodeError maps a backend push rejection to its typed error. A
// recognized head-mismatch message becomes a HeadMismatchError so the
// rebase path can handle it; everything else is an InvalidPushError.
func decodeError(m *wire.Error) error {
	var got, want int64
	if n, err := fmt.Sscanf(m.Message, headMismatchFormat, &got, &want); err == nil && n == 2 {
		return &event.HeadMismatchError{
			Expected: event.SeqNum{Global: want},
			Actual:   event.SeqNum{Global: got},
		}
	}
	return &event.InvalidPushError{Message: m.Message}
}
