package wire

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/lirancohen/driftsync/event"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		msg  Message
	}{
		{"pull req without cursor", &PullReq{RequestID: "r1"}},
		{"pull req with cursor", &PullReq{RequestID: "r2", Cursor: &Cursor{Global: 42}}},
		{"pull res", &PullRes{
			RequestID: RequestContext{Context: "pull", RequestID: "r3"},
			Batch: []BatchItem{{
				Event: event.EncodedEvent{
					SeqNum: 1, ParentSeqNum: 0, Name: "todoCreated",
					Args: json.RawMessage(`{"id":"t1"}`), ClientID: "c1", SessionID: "s1",
				},
				Metadata: &Metadata{CreatedAt: "2026-08-29T12:00:00Z"},
			}},
			Remaining: 7,
		}},
		{"push req", &PushReq{RequestID: "r4", Batch: []event.EncodedEvent{
			{SeqNum: 2, ParentSeqNum: 1, Name: "todoDeleted", ClientID: "c1", SessionID: "s1"},
		}}},
		{"push ack", &PushAck{RequestID: "r4"}},
		{"error", &Error{RequestID: "r5", Message: "boom"}},
		{"ping", &Ping{RequestID: PingRequestID}},
		{"pong", &Pong{RequestID: PingRequestID}},
		{"admin reset req", &AdminResetStoreReq{RequestID: "r6", AdminSecret: "shh"}},
		{"admin reset res", &AdminResetStoreRes{RequestID: "r6"}},
		{"admin info req", &AdminInfoReq{RequestID: "r7", AdminSecret: "shh"}},
		{"admin info res", &AdminInfoRes{RequestID: "r7", Info: Info{ActorID: "actor-1"}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := Encode(tt.msg)
			if err != nil {
				t.Fatalf("Encode: %v", err)
			}

			// Every frame must carry the type tag
			var probe struct {
				Type string `json:"type"`
			}
			if err := json.Unmarshal(data, &probe); err != nil {
				t.Fatalf("frame is not a JSON object: %v", err)
			}
			if probe.Type != tt.msg.MessageType() {
				t.Errorf("frame type = %q, want %q", probe.Type, tt.msg.MessageType())
			}

			decoded, err := Decode(data)
			if err != nil {
				t.Fatalf("Decode: %v", err)
			}
			if decoded.MessageType() != tt.msg.MessageType() {
				t.Errorf("decoded type = %q, want %q", decoded.MessageType(), tt.msg.MessageType())
			}

			// Re-encoding must produce the same frame
			again, err := Encode(decoded)
			if err != nil {
				t.Fatalf("re-encode: %v", err)
			}
			if string(again) != string(data) {
				t.Errorf("re-encoded frame differs:\n got %s\nwant %s", again, data)
			}
		})
	}
}

func TestDecodeRejectsUnknownType(t *testing.T) {
	_, err := Decode([]byte(`{"type":"warp-drive","requestId":"r1"}`))
	if err == nil {
		t.Fatal("expected error for unknown type tag")
	}
	if !strings.Contains(err.Error(), "warp-drive") {
		t.Errorf("error %q does not name the offending tag", err)
	}
}

func TestDecodeRejectsMissingType(t *testing.T) {
	if _, err := Decode([]byte(`{"requestId":"r1"}`)); err == nil {
		t.Fatal("expected error for missing type tag")
	}
}

func TestDecodeRejectsMalformedFrame(t *testing.T) {
	if _, err := Decode([]byte(`{not json`)); err == nil {
		t.Fatal("expected error for malformed frame")
	}
}

func TestPullResFields(t *testing.T) {
	data := []byte(`{
		"type": "pull-res",
		"requestId": {"context": "push", "requestId": "orig"},
		"batch": [{"event": {"seqNum": 3, "parentSeqNum": 2, "name": "x", "clientId": "c", "sessionId": "s"}}],
		"remaining": 0
	}`)

	msg, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	res, ok := msg.(*PullRes)
	if !ok {
		t.Fatalf("decoded %T, want *PullRes", msg)
	}
	if res.RequestID.Context != "push" || res.RequestID.RequestID != "orig" {
		t.Errorf("request context = %+v", res.RequestID)
	}
	if len(res.Batch) != 1 || res.Batch[0].Event.SeqNum != 3 {
		t.Errorf("batch = %+v", res.Batch)
	}
	if res.Batch[0].Metadata != nil {
		t.Errorf("metadata should be absent, got %+v", res.Batch[0].Metadata)
	}
}
