/*
Package protocol defines the events exchanged between relay clients and the server.

Every WebSocket text frame is a JSON object {"event", "data", "ackId"}. A frame carrying a
non-zero ackId asks the receiver to answer with an "ack" frame holding the same id.
*/
package protocol

import (
	"encoding/json"
	"fmt"
)

// Event names.
const (
	EventJoin                = "join"
	EventMessage             = "message"
	EventSendMessage         = "sendMessage"
	EventMessageDelivered    = "messageDelivered"
	EventMessageRead         = "messageReadByRecipient"
	EventUpdateMessageStatus = "updateMessageStatus"
	EventRoomData            = "roomData"
	EventAck                 = "ack"
	EventError               = "error"
)

// SystemUser is the sender name of server-generated notices.
const SystemUser = "admin"

// Frame is the envelope of every message on the wire.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
	AckID uint64          `json:"ackId,omitempty"`
}

// Encode marshals data into a frame for event. A zero ackID is omitted.
func Encode(event string, data any, ackID uint64) ([]byte, error) {
	frame := Frame{Event: event, AckID: ackID}

	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("encode %s payload: %w", event, err)
		}
		frame.Data = raw
	}

	return json.Marshal(frame)
}

// Decode parses a raw frame.
func Decode(raw []byte) (Frame, error) {
	var frame Frame
	if err := json.Unmarshal(raw, &frame); err != nil {
		return Frame{}, fmt.Errorf("decode frame: %w", err)
	}
	if frame.Event == "" {
		return Frame{}, fmt.Errorf("decode frame: missing event name")
	}
	return frame, nil
}

// JoinPayload is sent by a client to enter a room.
type JoinPayload struct {
	Name string `json:"name"`
	Room string `json:"room"`
}

// SendPayload is a client request to post text to its current room.
type SendPayload struct {
	Text          string `json:"text"`
	CorrelationID string `json:"correlationId"`
}

// Message is the canonical, server-assigned representation of a chat message.
type Message struct {
	ID            string `json:"id"`
	User          string `json:"user"`
	Text          string `json:"text"`
	Timestamp     int64  `json:"timestamp"`
	CorrelationID string `json:"correlationId,omitempty"`
}

// DeliveryAck reports that recipientName's client received a message.
type DeliveryAck struct {
	MessageID     string `json:"messageId"`
	RecipientName string `json:"recipientName"`
	SenderName    string `json:"senderName"`
}

// ReadAck reports that readerName's client displayed a message.
type ReadAck struct {
	MessageID  string `json:"messageId"`
	ReaderName string `json:"readerName"`
	SenderName string `json:"senderName"`
}

// StatusUpdate is relayed to the original sender of a message.
type StatusUpdate struct {
	MessageID   string `json:"messageId"`
	Status      Status `json:"status"`
	DeliveredTo string `json:"deliveredTo,omitempty"`
	ReadBy      string `json:"readBy,omitempty"`
}

// RosterEntry is one participant as shown to clients.
type RosterEntry struct {
	Name string `json:"name"`
}

// RoomData is the full roster snapshot of a room.
type RoomData struct {
	Room  string        `json:"room"`
	Users []RosterEntry `json:"users"`
}

// AckPayload answers a frame that carried an ackId. Error is empty on success.
type AckPayload struct {
	Error string `json:"error,omitempty"`
}

// ErrorPayload reports a rejected request to the connection that made it.
type ErrorPayload struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}
