package wsserver

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/lirancohen/driftsync/logging"
	"github.com/lirancohen/driftsync/wire"
)

const (
	// writeWait bounds a single frame write.
	writeWait = 10 * time.Second

	// pongWait is how long a connection may stay silent before it is
	// dropped. Client liveness probes reset it.
	pongWait = 60 * time.Second

	// pingPeriod is how often the server pings idle connections.
	// Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// maxMessageSize bounds inbound frames. Pushed batches are the
	// largest frames; chunking keeps them well below this.
	maxMessageSize = 4 << 20

	// sendBuffer is the per-session outbound queue. A session that
	// falls this far behind is dropped.
	sendBuffer = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(_ *http.Request) bool { return true },
}

// session is one WebSocket connection to a store's actor.
type session struct {
	actor  *actor
	conn   *websocket.Conn
	logger logging.Logger

	outbound  chan []byte
	closeOnce sync.Once
	closed    chan struct{}
}

func newSession(a *actor, conn *websocket.Conn, logger logging.Logger) *session {
	return &session{
		actor:    a,
		conn:     conn,
		logger:   logger,
		outbound: make(chan []byte, sendBuffer),
		closed:   make(chan struct{}),
	}
}

// send queues a message for delivery. A session whose queue is full is
// dropped rather than blocking the actor.
func (s *session) send(m wire.Message) {
	data, err := wire.Encode(m)
	if err != nil {
		s.logger.Error("failed to encode frame", "type", m.MessageType(), "error", err)
		return
	}

	select {
	case s.outbound <- data:
	case <-s.closed:
	default:
		s.logger.Warn("session send queue full, dropping connection", "storeId", s.actor.storeID)
		s.close()
	}
}

func (s *session) close() {
	s.closeOnce.Do(func() {
		close(s.closed)
		_ = s.conn.Close()
	})
}

// readPump decodes inbound frames and hands them to the actor. Liveness
// probes are answered inline; everything else is serialized through the
// actor.
func (s *session) readPump() {
	defer func() {
		s.actor.unregister(s)
		s.close()
	}()

	s.conn.SetReadLimit(maxMessageSize)
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Debug("session read error", "storeId", s.actor.storeID, "error", err)
			}
			return
		}
		_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))

		msg, err := wire.Decode(data)
		if err != nil {
			s.send(&wire.Error{Message: err.Error()})
			continue
		}

		switch m := msg.(type) {
		case *wire.Ping:
			s.send(&wire.Pong{RequestID: m.RequestID})
		case *wire.Pong:
			// Already covered by the read deadline reset above.
		default:
			s.actor.submit(actorRequest{sess: s, msg: msg})
		}
	}
}

// writePump owns all writes to the connection.
func (s *session) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.close()
	}()

	for {
		select {
		case data, ok := <-s.outbound:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = s.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-s.closed:
			return
		}
	}
}
