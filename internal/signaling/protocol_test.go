package signaling

import (
	"encoding/json"
	"testing"
	"time"
)

func TestParseFrameValid(t *testing.T) {
	raw := []byte(`{"type":"heartbeat","request_id":"r1","ts":"2026-01-02T03:04:05Z","payload":{}}`)
	f, err := ParseFrame(raw)
	if err != nil {
		t.Fatalf("ParseFrame: %v", err)
	}
	if f.Type != TypeHeartbeat || f.RequestID != "r1" {
		t.Errorf("parsed frame = %+v", f)
	}
}

func TestParseFrameRejects(t *testing.T) {
	cases := map[string]string{
		"not json":          `{{`,
		"missing type":      `{"ts":"2026-01-02T03:04:05Z","payload":{}}`,
		"missing ts":        `{"type":"heartbeat","payload":{}}`,
		"missing payload":   `{"type":"heartbeat","ts":"2026-01-02T03:04:05Z"}`,
		"null payload":      `{"type":"heartbeat","ts":"2026-01-02T03:04:05Z","payload":null}`,
		"unknown field":     `{"type":"heartbeat","ts":"2026-01-02T03:04:05Z","payload":{},"extra":1}`,
		"trailing data":     `{"type":"heartbeat","ts":"2026-01-02T03:04:05Z","payload":{}}{}`,
		"array not object":  `[1,2,3]`,
		"bare string":       `"heartbeat"`,
	}
	for name, raw := range cases {
		if _, err := ParseFrame([]byte(raw)); err == nil {
			t.Errorf("%s: accepted %s", name, raw)
		}
	}
}

func TestNewFrameStampsServerClock(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	f := NewFrame(TypeHelloAck, "req-9", map[string]string{"k": "v"}, now)

	if f.TS != "2026-01-02T03:04:05Z" {
		t.Errorf("ts = %q", f.TS)
	}
	data, err := f.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	back, err := ParseFrame(data)
	if err != nil {
		t.Fatalf("round trip: %v", err)
	}
	if back.RequestID != "req-9" {
		t.Errorf("request_id = %q", back.RequestID)
	}
	var payload map[string]string
	if err := json.Unmarshal(back.Payload, &payload); err != nil || payload["k"] != "v" {
		t.Errorf("payload = %s, err %v", back.Payload, err)
	}
}

func TestDecodePayloadStrict(t *testing.T) {
	f := Frame{Type: TypeEndWatch, Payload: json.RawMessage(`{"session_id":"s1","bogus":true}`)}
	var p endWatchPayload
	if err := decodePayload(f, &p); err == nil {
		t.Error("unknown payload field accepted")
	}

	f.Payload = json.RawMessage(`{"session_id":"s1"}`)
	if err := decodePayload(f, &p); err != nil || p.SessionID != "s1" {
		t.Errorf("decode = %+v, err %v", p, err)
	}
}
