package wsserver

import (
	"encoding/json"
	"fmt"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/lirancohen/driftsync/event"
	"github.com/lirancohen/driftsync/wire"
)

func newTestServer(t *testing.T, cfg Config) *httptest.Server {
	t.Helper()
	if cfg.Storage == nil {
		cfg.Storage = NewMemoryStorage()
	}
	srv, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		_ = srv.Close()
		ts.Close()
	})
	return ts
}

func dial(t *testing.T, ts *httptest.Server, storeID string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/sync/websocket?storeId=" + storeID
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", url, err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func sendMsg(t *testing.T, conn *websocket.Conn, m wire.Message) {
	t.Helper()
	data, err := wire.Encode(m)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func readMsg(t *testing.T, conn *websocket.Conn) wire.Message {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	m, err := wire.Decode(data)
	if err != nil {
		t.Fatalf("decode %s: %v", data, err)
	}
	return m
}

func encodedBatch(parent int64, names ...string) []event.EncodedEvent {
	batch := make([]event.EncodedEvent, len(names))
	for i, name := range names {
		batch[i] = event.EncodedEvent{
			SeqNum:       parent + 1,
			ParentSeqNum: parent,
			Name:         name,
			Args:         json.RawMessage(`{}`),
			ClientID:     "client-a",
			SessionID:    "sess-1",
		}
		parent++
	}
	return batch
}

func TestRejectsMissingStoreID(t *testing.T) {
	ts := newTestServer(t, Config{})

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/sync/websocket"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Fatal("expected dial to fail without storeId")
	}
	if resp == nil || resp.StatusCode != 400 {
		t.Errorf("response = %v, want status 400", resp)
	}
}

func TestPushAckAndBroadcast(t *testing.T) {
	ts := newTestServer(t, Config{})

	pusher := dial(t, ts, "store-1")
	observer := dial(t, ts, "store-1")

	// The observer subscribes via a pull from the beginning
	sendMsg(t, observer, &wire.PullReq{RequestID: "obs-pull"})
	first := readMsg(t, observer).(*wire.PullRes)
	if len(first.Batch) != 0 || first.Remaining != 0 {
		t.Fatalf("initial pull = %+v, want empty final chunk", first)
	}

	sendMsg(t, pusher, &wire.PushReq{RequestID: "push-1", Batch: encodedBatch(0, "one", "two")})

	// The pusher gets the ack and its own broadcast
	sawAck := false
	sawBroadcast := false
	for i := 0; i < 2; i++ {
		switch m := readMsg(t, pusher).(type) {
		case *wire.PushAck:
			if m.RequestID != "push-1" {
				t.Errorf("ack for %q, want push-1", m.RequestID)
			}
			sawAck = true
		case *wire.PullRes:
			if m.RequestID.Context != "push" || m.RequestID.RequestID != "push-1" {
				t.Errorf("broadcast context = %+v", m.RequestID)
			}
			sawBroadcast = true
		default:
			t.Fatalf("unexpected frame %T", m)
		}
	}
	if !sawAck || !sawBroadcast {
		t.Fatalf("ack=%v broadcast=%v, want both", sawAck, sawBroadcast)
	}

	// The observer gets the same broadcast
	m, ok := readMsg(t, observer).(*wire.PullRes)
	if !ok {
		t.Fatal("observer did not receive broadcast")
	}
	if m.RequestID.Context != "push" {
		t.Errorf("observer broadcast context = %q, want push", m.RequestID.Context)
	}
	if len(m.Batch) != 2 || m.Batch[0].Event.Name != "one" || m.Batch[1].Event.Name != "two" {
		t.Errorf("observer broadcast batch = %+v", m.Batch)
	}
	if m.Batch[0].Metadata == nil || m.Batch[0].Metadata.CreatedAt == "" {
		t.Error("broadcast events missing createdAt metadata")
	}
}

func TestPushRejectsStaleParent(t *testing.T) {
	ts := newTestServer(t, Config{})
	conn := dial(t, ts, "store-1")

	sendMsg(t, conn, &wire.PushReq{RequestID: "p1", Batch: encodedBatch(0, "one")})
	if _, ok := readMsg(t, conn).(*wire.PushAck); !ok {
		t.Fatal("first push not acked")
	}
	_ = readMsg(t, conn) // own broadcast

	// Propose against e0 again; the head is now e1
	sendMsg(t, conn, &wire.PushReq{RequestID: "p2", Batch: encodedBatch(0, "stale")})
	errMsg, ok := readMsg(t, conn).(*wire.Error)
	if !ok {
		t.Fatal("stale push not rejected")
	}
	want := "Invalid parent event number. Received e0 but expected e1"
	if errMsg.Message != want {
		t.Errorf("error message = %q, want %q", errMsg.Message, want)
	}
	if errMsg.RequestID != "p2" {
		t.Errorf("error for request %q, want p2", errMsg.RequestID)
	}
}

func TestPushRejectsBrokenChain(t *testing.T) {
	ts := newTestServer(t, Config{})
	conn := dial(t, ts, "store-1")

	batch := encodedBatch(0, "one", "two")
	batch[1].ParentSeqNum = 5 // does not follow batch[0]
	sendMsg(t, conn, &wire.PushReq{RequestID: "p1", Batch: batch})

	if _, ok := readMsg(t, conn).(*wire.Error); !ok {
		t.Fatal("broken chain not rejected")
	}
}

func TestEmptyPushIsAckedImmediately(t *testing.T) {
	ts := newTestServer(t, Config{})
	conn := dial(t, ts, "store-1")

	sendMsg(t, conn, &wire.PushReq{RequestID: "p1"})
	ack, ok := readMsg(t, conn).(*wire.PushAck)
	if !ok || ack.RequestID != "p1" {
		t.Fatalf("empty push response = %+v, want ack for p1", ack)
	}
}

func TestPullChunking(t *testing.T) {
	ts := newTestServer(t, Config{})
	conn := dial(t, ts, "store-1")

	// Seed PullChunkSize+50 events
	const total = PullChunkSize + 50
	parent := int64(0)
	for i := 0; i < total; i += 10 {
		names := make([]string, 10)
		for j := range names {
			names[j] = fmt.Sprintf("ev%d", i+j)
		}
		sendMsg(t, conn, &wire.PushReq{RequestID: fmt.Sprintf("seed-%d", i), Batch: encodedBatch(parent, names...)})
		if _, ok := readMsg(t, conn).(*wire.PushAck); !ok {
			t.Fatalf("seed push %d not acked", i)
		}
		_ = readMsg(t, conn) // own broadcast
		parent += 10
	}

	sendMsg(t, conn, &wire.PullReq{RequestID: "pull-all"})

	first := readMsg(t, conn).(*wire.PullRes)
	if len(first.Batch) != PullChunkSize {
		t.Fatalf("first chunk has %d events, want %d", len(first.Batch), PullChunkSize)
	}
	if first.Remaining != 50 {
		t.Errorf("first chunk remaining = %d, want 50", first.Remaining)
	}

	second := readMsg(t, conn).(*wire.PullRes)
	if len(second.Batch) != 50 || second.Remaining != 0 {
		t.Fatalf("second chunk = %d events remaining %d, want 50/0", len(second.Batch), second.Remaining)
	}

	// Ordered and gapless across chunks
	seq := int64(0)
	for _, item := range append(first.Batch, second.Batch...) {
		seq++
		if item.Event.SeqNum != seq {
			t.Fatalf("gap: got e%d, want e%d", item.Event.SeqNum, seq)
		}
	}

	// Pull from a cursor past the head yields one empty final chunk
	sendMsg(t, conn, &wire.PullReq{RequestID: "pull-past", Cursor: &wire.Cursor{Global: 9999}})
	past := readMsg(t, conn).(*wire.PullRes)
	if len(past.Batch) != 0 || past.Remaining != 0 {
		t.Errorf("past-head pull = %+v, want empty final chunk", past)
	}
}

func TestStoresAreIsolated(t *testing.T) {
	ts := newTestServer(t, Config{})

	a := dial(t, ts, "store-a")
	b := dial(t, ts, "store-b")

	sendMsg(t, a, &wire.PushReq{RequestID: "p1", Batch: encodedBatch(0, "only-in-a")})
	if _, ok := readMsg(t, a).(*wire.PushAck); !ok {
		t.Fatal("push not acked")
	}

	sendMsg(t, b, &wire.PullReq{RequestID: "pull-b"})
	res := readMsg(t, b).(*wire.PullRes)
	if len(res.Batch) != 0 {
		t.Errorf("store-b sees %d events from store-a", len(res.Batch))
	}
}

func TestPingPong(t *testing.T) {
	ts := newTestServer(t, Config{})
	conn := dial(t, ts, "store-1")

	sendMsg(t, conn, &wire.Ping{RequestID: wire.PingRequestID})
	pong, ok := readMsg(t, conn).(*wire.Pong)
	if !ok || pong.RequestID != wire.PingRequestID {
		t.Fatalf("ping response = %+v, want pong", pong)
	}
}

func TestAdminOperations(t *testing.T) {
	ts := newTestServer(t, Config{AdminSecret: "s3cret"})
	conn := dial(t, ts, "store-1")

	sendMsg(t, conn, &wire.PushReq{RequestID: "p1", Batch: encodedBatch(0, "one")})
	if _, ok := readMsg(t, conn).(*wire.PushAck); !ok {
		t.Fatal("push not acked")
	}
	_ = readMsg(t, conn) // own broadcast

	// Wrong secret is rejected
	sendMsg(t, conn, &wire.AdminResetStoreReq{RequestID: "r1", AdminSecret: "wrong"})
	if _, ok := readMsg(t, conn).(*wire.Error); !ok {
		t.Fatal("wrong admin secret not rejected")
	}

	sendMsg(t, conn, &wire.AdminInfoReq{RequestID: "i1", AdminSecret: "s3cret"})
	info, ok := readMsg(t, conn).(*wire.AdminInfoRes)
	if !ok {
		t.Fatal("admin info failed")
	}
	if info.Info.ActorID == "" {
		t.Error("actor id is empty")
	}

	sendMsg(t, conn, &wire.AdminResetStoreReq{RequestID: "r2", AdminSecret: "s3cret"})
	if _, ok := readMsg(t, conn).(*wire.AdminResetStoreRes); !ok {
		t.Fatal("admin reset failed")
	}

	sendMsg(t, conn, &wire.PullReq{RequestID: "after-reset"})
	res := readMsg(t, conn).(*wire.PullRes)
	if len(res.Batch) != 0 {
		t.Errorf("store holds %d events after reset", len(res.Batch))
	}
}

func TestAdminDisabledWithoutSecret(t *testing.T) {
	ts := newTestServer(t, Config{})
	conn := dial(t, ts, "store-1")

	sendMsg(t, conn, &wire.AdminInfoReq{RequestID: "i1", AdminSecret: ""})
	if _, ok := readMsg(t, conn).(*wire.Error); !ok {
		t.Fatal("admin op accepted with admin disabled")
	}
}

func TestMalformedFrameReturnsError(t *testing.T) {
	ts := newTestServer(t, Config{})
	conn := dial(t, ts, "store-1")

	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"no-such-frame"}`)); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, ok := readMsg(t, conn).(*wire.Error); !ok {
		t.Fatal("unknown frame type not rejected")
	}
}
