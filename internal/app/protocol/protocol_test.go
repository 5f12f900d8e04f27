package protocol

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestEncodeOmitsZeroAckID(t *testing.T) {
	raw, err := Encode(EventRoomData, RoomData{Room: "r1", Users: []RosterEntry{{Name: "alice"}}}, 0)
	if err != nil {
		t.Fatalf("Encode() error: %v", err)
	}
	if strings.Contains(string(raw), "ackId") {
		t.Fatalf("frame %s should not carry ackId", raw)
	}

	frame, err := Decode(raw)
	if err != nil {
		t.Fatalf("Decode() error: %v", err)
	}
	if frame.Event != EventRoomData {
		t.Fatalf("event = %q, want %q", frame.Event, EventRoomData)
	}

	var data RoomData
	if err := json.Unmarshal(frame.Data, &data); err != nil {
		t.Fatalf("decode data: %v", err)
	}
	if data.Room != "r1" || len(data.Users) != 1 || data.Users[0].Name != "alice" {
		t.Fatalf("data = %+v", data)
	}
}

func TestEncodeCarriesAckID(t *testing.T) {
	raw, err := Encode(EventJoin, JoinPayload{Name: "alice", Room: "r1"}, 7)
	if err != nil {
		t.Fatalf("Encode() error: %v", err)
	}

	frame, err := Decode(raw)
	if err != nil {
		t.Fatalf("Decode() error: %v", err)
	}
	if frame.AckID != 7 {
		t.Fatalf("ackId = %d, want 7", frame.AckID)
	}
}

func TestEncodeNilData(t *testing.T) {
	raw, err := Encode(EventAck, nil, 3)
	if err != nil {
		t.Fatalf("Encode() error: %v", err)
	}
	if strings.Contains(string(raw), `"data"`) {
		t.Fatalf("frame %s should omit data", raw)
	}
}

func TestDecodeRejectsBadFrames(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{name: "not json", raw: "hello"},
		{name: "missing event", raw: `{"data":{}}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Decode([]byte(tt.raw)); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestMessageCorrelationIDOmittedWhenEmpty(t *testing.T) {
	raw, err := json.Marshal(Message{ID: "m1", User: "admin", Text: "hi", Timestamp: 1})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if strings.Contains(string(raw), "correlationId") {
		t.Fatalf("message %s should omit correlationId", raw)
	}
}

func TestStatusRank(t *testing.T) {
	order := []Status{StatusSending, StatusSent, StatusDelivered, StatusRead}
	for i := 1; i < len(order); i++ {
		if order[i-1].Rank() >= order[i].Rank() {
			t.Fatalf("%s should rank below %s", order[i-1], order[i])
		}
	}
	if Status("lost").Valid() {
		t.Fatal("unknown status reported valid")
	}
	if Status("").Rank() != 0 {
		t.Fatal("empty status should rank 0")
	}
}
