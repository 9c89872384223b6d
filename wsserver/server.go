// Package wsserver implements the sync backend: a WebSocket server
// where each store is served by a single actor goroutine that owns the
// store's event log and serializes all pushes against its head.
package wsserver

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/lirancohen/driftsync/event"
	"github.com/lirancohen/driftsync/logging"
	"github.com/lirancohen/driftsync/wire"
)

// PullChunkSize is the maximum number of events per PullRes chunk.
const PullChunkSize = 100

// headMismatchFormat is the rejection message for a push whose parent
// does not match the store head.
const headMismatchFormat = "Invalid parent event number. Received e%d but expected e%d"

// Config configures a Server.
type Config struct {
	// Storage provides per-store event logs. Required.
	Storage Storage

	// AdminSecret gates admin operations. When empty, admin operations
	// are disabled.
	AdminSecret string

	// Logger is the logging interface. If nil, a no-op logger is used.
	Logger logging.Logger
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	if c.Storage == nil {
		return errors.New("wsserver: Storage is required")
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

// Server routes each WebSocket session to its store's actor.
type Server struct {
	cfg Config

	mu     sync.Mutex
	actors map[string]*actor
	closed bool
}

// New creates a Server.
func New(cfg Config) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Server{
		cfg:    cfg.withDefaults(),
		actors: make(map[string]*actor),
	}, nil
}

// Handler returns the HTTP handler serving the sync endpoint.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/sync/websocket", s.handleSync).Methods(http.MethodGet)
	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}).Methods(http.MethodGet)
	return r
}

// Close stops all actors and drops their sessions.
func (s *Server) Close() error {
	s.mu.Lock()
	s.closed = true
	actors := make([]*actor, 0, len(s.actors))
	for _, a := range s.actors {
		actors = append(actors, a)
	}
	s.actors = make(map[string]*actor)
	s.mu.Unlock()

	for _, a := range actors {
		a.stop()
	}
	return nil
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	storeID := r.URL.Query().Get("storeId")
	if storeID == "" {
		http.Error(w, "missing storeId query parameter", http.StatusBadRequest)
		return
	}

	a, err := s.actorFor(r.Context(), storeID)
	if err != nil {
		s.cfg.Logger.Error("failed to open store", "storeId", storeID, "error", err)
		http.Error(w, "failed to open store", http.StatusInternalServerError)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.cfg.Logger.Warn("websocket upgrade failed", "storeId", storeID, "error", err)
		return
	}

	sess := newSession(a, conn, s.cfg.Logger)
	a.register(sess)
	go sess.writePump()
	go sess.readPump()
}

// actorFor returns the store's actor, spawning it on first use.
func (s *Server) actorFor(ctx context.Context, storeID string) (*actor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, errors.New("wsserver: server closed")
	}
	if a, ok := s.actors[storeID]; ok {
		return a, nil
	}

	log, err := s.cfg.Storage.OpenLog(ctx, storeID)
	if err != nil {
		return nil, err
	}

	a := &actor{
		id:          uuid.NewString(),
		storeID:     storeID,
		log:         log,
		adminSecret: s.cfg.AdminSecret,
		logger:      s.cfg.Logger,
		requests:    make(chan actorRequest, 64),
		done:        make(chan struct{}),
		sessions:    make(map[*session]struct{}),
	}
	go a.run()
	s.actors[storeID] = a

	s.cfg.Logger.Info("actor started", "storeId", storeID, "actorId", a.id)
	return a, nil
}

type actorRequest struct {
	sess *session
	msg  wire.Message
}

// actor is the single goroutine owning one store. Every push, pull and
// admin operation for the store flows through its request channel, so
// head checks and appends never interleave.
type actor struct {
	id          string
	storeID     string
	log         event.Log
	adminSecret string
	logger      logging.Logger

	requests chan actorRequest
	done     chan struct{}
	stopOnce sync.Once

	mu       sync.Mutex
	sessions map[*session]struct{}
}

func (a *actor) stop() {
	a.stopOnce.Do(func() { close(a.done) })
}

func (a *actor) register(s *session) {
	a.mu.Lock()
	a.sessions[s] = struct{}{}
	a.mu.Unlock()
}

func (a *actor) unregister(s *session) {
	a.mu.Lock()
	delete(a.sessions, s)
	a.mu.Unlock()
}

// submit hands a frame to the actor. Drops the frame when the actor is
// stopping or its queue is saturated; the client will time out and
// reconnect.
func (a *actor) submit(req actorRequest) {
	select {
	case a.requests <- req:
	case <-a.done:
	}
}

func (a *actor) run() {
	for {
		select {
		case req := <-a.requests:
			a.handle(req)
		case <-a.done:
			a.mu.Lock()
			for s := range a.sessions {
				s.close()
				delete(a.sessions, s)
			}
			a.mu.Unlock()
			return
		}
	}
}

func (a *actor) handle(req actorRequest) {
	switch m := req.msg.(type) {
	case *wire.PushReq:
		a.handlePush(req.sess, m)
	case *wire.PullReq:
		a.handlePull(req.sess, m)
	case *wire.AdminResetStoreReq:
		a.handleAdminReset(req.sess, m)
	case *wire.AdminInfoReq:
		a.handleAdminInfo(req.sess, m)
	default:
		req.sess.send(&wire.Error{
			Message: fmt.Sprintf("unexpected message type %q", req.msg.MessageType()),
		})
	}
}

// handlePush validates a pushed batch against the store head and either
// commits it whole or rejects it whole. Accepted events are broadcast
// to every connected session, the pusher included, as a push-context
// PullRes.
func (a *actor) handlePush(s *session, req *wire.PushReq) {
	if len(req.Batch) == 0 {
		s.send(&wire.PushAck{RequestID: req.RequestID})
		return
	}

	ctx := context.Background()

	if err := validatePushChain(req.Batch); err != nil {
		s.send(&wire.Error{RequestID: req.RequestID, Message: err.Error()})
		return
	}

	committed, err := a.log.Append(ctx, event.DecodeBatch(req.Batch))
	if err != nil {
		var mismatch *event.HeadMismatchError
		if errors.As(err, &mismatch) {
			s.send(&wire.Error{
				RequestID: req.RequestID,
				Message:   fmt.Sprintf(headMismatchFormat, mismatch.Actual.Global, mismatch.Expected.Global),
			})
			return
		}
		a.logger.Error("append failed", "storeId", a.storeID, "error", err)
		s.send(&wire.Error{RequestID: req.RequestID, Message: "failed to append batch"})
		return
	}

	s.send(&wire.PushAck{RequestID: req.RequestID})

	createdAt := event.Timestamp(time.Now())
	items := make([]wire.BatchItem, len(committed))
	for i, e := range committed {
		items[i] = wire.BatchItem{
			Event:    e.Encode(),
			Metadata: &wire.Metadata{CreatedAt: createdAt},
		}
	}
	broadcast := &wire.PullRes{
		RequestID: wire.RequestContext{Context: "push", RequestID: req.RequestID},
		Batch:     items,
		Remaining: 0,
	}

	a.mu.Lock()
	for sess := range a.sessions {
		sess.send(broadcast)
	}
	a.mu.Unlock()

	a.logger.Debug("push committed", "storeId", a.storeID,
		"count", len(committed), "head", committed[len(committed)-1].SeqNum.String())
}

// handlePull streams the log after the request cursor in chunks of
// PullChunkSize. At least one response is always sent; the final chunk
// carries Remaining == 0.
func (a *actor) handlePull(s *session, req *wire.PullReq) {
	cursor := event.SeqNum{}
	if req.Cursor != nil {
		cursor.Global = req.Cursor.Global
	}

	events, err := a.log.ReadFrom(context.Background(), cursor)
	if err != nil {
		a.logger.Error("read failed", "storeId", a.storeID, "cursor", cursor.String(), "error", err)
		s.send(&wire.Error{RequestID: req.RequestID, Message: "failed to read events"})
		return
	}

	total := len(events)
	sent := 0
	for {
		end := sent + PullChunkSize
		if end > total {
			end = total
		}
		chunk := events[sent:end]
		sent = end

		items := make([]wire.BatchItem, len(chunk))
		for i, e := range chunk {
			items[i] = wire.BatchItem{Event: e.Encode()}
		}
		s.send(&wire.PullRes{
			RequestID: wire.RequestContext{Context: "pull", RequestID: req.RequestID},
			Batch:     items,
			Remaining: total - sent,
		})

		if sent >= total {
			return
		}
	}
}

func (a *actor) handleAdminReset(s *session, req *wire.AdminResetStoreReq) {
	if !a.authorize(req.AdminSecret) {
		s.send(&wire.Error{RequestID: req.RequestID, Message: "admin secret invalid"})
		return
	}

	if err := a.log.Reset(context.Background()); err != nil {
		a.logger.Error("reset failed", "storeId", a.storeID, "error", err)
		s.send(&wire.Error{RequestID: req.RequestID, Message: "failed to reset store"})
		return
	}

	a.logger.Info("store reset", "storeId", a.storeID)
	s.send(&wire.AdminResetStoreRes{RequestID: req.RequestID})
}

func (a *actor) handleAdminInfo(s *session, req *wire.AdminInfoReq) {
	if !a.authorize(req.AdminSecret) {
		s.send(&wire.Error{RequestID: req.RequestID, Message: "admin secret invalid"})
		return
	}
	s.send(&wire.AdminInfoRes{
		RequestID: req.RequestID,
		Info:      wire.Info{ActorID: a.id},
	})
}

func (a *actor) authorize(secret string) bool {
	return a.adminSecret != "" && secret == a.adminSecret
}

// validatePushChain checks the batch's internal consistency: each event
// must sit directly on its predecessor.
func validatePushChain(batch []event.EncodedEvent) error {
	for i, e := range batch {
		if e.SeqNum != e.ParentSeqNum+1 {
			return fmt.Errorf("event e%d does not follow its parent e%d", e.SeqNum, e.ParentSeqNum)
		}
		if i > 0 && e.ParentSeqNum != batch[i-1].SeqNum {
			return fmt.Errorf("batch is not a chain: event e%d has parent e%d, expected e%d",
				e.SeqNum, e.ParentSeqNum, batch[i-1].SeqNum)
		}
	}
	return nil
}
