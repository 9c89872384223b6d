// Package wire defines the JSON messages exchanged between a sync
// client and a sync backend. Every frame is a JSON object carrying a
// "type" tag; unknown tags are a decode error.
package wire

import (
	"encoding/json"
	"fmt"

	"github.com/lirancohen/driftsync/event"
)

// Message type tags.
const (
	TypePullReq            = "pull-req"
	TypePullRes            = "pull-res"
	TypePushReq            = "push-req"
	TypePushAck            = "push-ack"
	TypeError              = "error"
	TypePing               = "ping"
	TypePong               = "pong"
	TypeAdminResetStoreReq = "admin-reset-store-req"
	TypeAdminResetStoreRes = "admin-reset-store-res"
	TypeAdminInfoReq       = "admin-info-req"
	TypeAdminInfoRes       = "admin-info-res"
)

// PingRequestID is the fixed request id carried by ping and pong frames.
const PingRequestID = "ping"

// Message is any frame that can cross the sync socket.
type Message interface {
	MessageType() string
}

// Cursor identifies a position in the global event order. A pull with
// cursor c returns events with global position > c.Global.
type Cursor struct {
	Global int64 `json:"global"`
}

// Metadata carries server-side annotations attached to a synced event.
type Metadata struct {
	CreatedAt string `json:"createdAt,omitempty"`
}

// BatchItem is one event in a PullRes batch.
type BatchItem struct {
	Event    event.EncodedEvent `json:"event"`
	Metadata *Metadata          `json:"metadata,omitempty"`
}

// RequestContext disambiguates which operation a PullRes answers: a
// "pull" response answers a client's PullReq; a "push" response is a
// broadcast carrying events committed by some client's push.
type RequestContext struct {
	Context   string `json:"context"` // "pull" or "push"
	RequestID string `json:"requestId"`
}

// PullReq asks the backend for events after Cursor. A nil Cursor pulls
// from the beginning of the log.
type PullReq struct {
	RequestID string  `json:"requestId"`
	Cursor    *Cursor `json:"cursor,omitempty"`
}

func (*PullReq) MessageType() string { return TypePullReq }

// PullRes delivers a chunk of events. Remaining is the number of events
// the backend still holds past this chunk; the final chunk of a pull
// carries Remaining == 0.
type PullRes struct {
	RequestID RequestContext `json:"requestId"`
	Batch     []BatchItem    `json:"batch"`
	Remaining int            `json:"remaining"`
}

func (*PullRes) MessageType() string { return TypePullRes }

// PushReq proposes a batch of events. The batch's first parent must
// match the backend's head or the whole batch is rejected.
type PushReq struct {
	RequestID string               `json:"requestId"`
	Batch     []event.EncodedEvent `json:"batch"`
}

func (*PushReq) MessageType() string { return TypePushReq }

// PushAck confirms a push was accepted. The pushed events are delivered
// back through a push-context PullRes broadcast.
type PushAck struct {
	RequestID string `json:"requestId"`
}

func (*PushAck) MessageType() string { return TypePushAck }

// Error reports a failed request.
type Error struct {
	RequestID string `json:"requestId"`
	Message   string `json:"message"`
}

func (*Error) MessageType() string { return TypeError }

// Ping is a connection liveness probe.
type Ping struct {
	RequestID string `json:"requestId"`
}

func (*Ping) MessageType() string { return TypePing }

// Pong answers a Ping.
type Pong struct {
	RequestID string `json:"requestId"`
}

func (*Pong) MessageType() string { return TypePong }

// AdminResetStoreReq wipes a store's event log. Requires the admin
// secret.
type AdminResetStoreReq struct {
	RequestID   string `json:"requestId"`
	AdminSecret string `json:"adminSecret"`
}

func (*AdminResetStoreReq) MessageType() string { return TypeAdminResetStoreReq }

// AdminResetStoreRes confirms a store reset.
type AdminResetStoreRes struct {
	RequestID string `json:"requestId"`
}

func (*AdminResetStoreRes) MessageType() string { return TypeAdminResetStoreRes }

// AdminInfoReq asks the backend to identify itself. Requires the admin
// secret.
type AdminInfoReq struct {
	RequestID   string `json:"requestId"`
	AdminSecret string `json:"adminSecret"`
}

func (*AdminInfoReq) MessageType() string { return TypeAdminInfoReq }

// Info describes the backend actor serving a store.
type Info struct {
	ActorID string `json:"actorId"`
}

// AdminInfoRes answers an AdminInfoReq.
type AdminInfoRes struct {
	RequestID string `json:"requestId"`
	Info      Info   `json:"info"`
}

func (*AdminInfoRes) MessageType() string { return TypeAdminInfoRes }

// Encode serializes a message with its type tag.
func Encode(m Message) ([]byte, error) {
	payload, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("wire: encode %s: %w", m.MessageType(), err)
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(payload, &fields); err != nil {
		return nil, fmt.Errorf("wire: encode %s: %w", m.MessageType(), err)
	}
	fields["type"], _ = json.Marshal(m.MessageType())

	return json.Marshal(fields)
}

// Decode parses a frame into its concrete message type. Frames with a
// missing or unknown type tag are rejected.
func Decode(data []byte) (Message, error) {
	var probe struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, fmt.Errorf("wire: malformed frame: %w", err)
	}

	var m Message
	switch probe.Type {
	case TypePullReq:
		m = &PullReq{}
	case TypePullRes:
		m = &PullRes{}
	case TypePushReq:
		m = &PushReq{}
	case TypePushAck:
		m = &PushAck{}
	case TypeError:
		m = &Error{}
	case TypePing:
		m = &Ping{}
	case TypePong:
		m = &Pong{}
	case TypeAdminResetStoreReq:
		m = &AdminResetStoreReq{}
	case TypeAdminResetStoreRes:
		m = &AdminResetStoreRes{}
	case TypeAdminInfoReq:
		m = &AdminInfoReq{}
	case TypeAdminInfoRes:
		m = &AdminInfoRes{}
	case "":
		return nil, fmt.Errorf("wire: frame missing type tag")
	default:
		return nil, fmt.Errorf("wire: unknown message type %q", probe.Type)
	}

	if err := json.Unmarshal(data, m); err != nil {
		return nil, fmt.Errorf("wire: decode %s: %w", probe.Type, err)
	}
	return m, nil
}
