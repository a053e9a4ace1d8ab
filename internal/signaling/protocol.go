package signaling

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"camsignal/internal/turnrest"
)

// Every frame on the wire, in either direction, is the same envelope:
//
//	{"type": "...", "request_id": "...", "ts": "<RFC3339>", "payload": {...}}
//
// request_id is optional and echoed on direct replies so clients can
// correlate them. ts is informational; the server stamps its own clock on
// everything it emits and never trusts the peer's.
type Frame struct {
	Type      string          `json:"type"`
	RequestID string          `json:"request_id,omitempty"`
	TS        string          `json:"ts"`
	Payload   json.RawMessage `json:"payload"`
}

// Frame types originated by devices.
const (
	TypeHello         = "hello"
	TypeHeartbeat     = "heartbeat"
	TypeSignalAnswer  = "signal_answer"
	TypeSignalICE     = "signal_ice"
	TypeCapabilities  = "capabilities"
	TypeProxyHTTPResp = "proxy_http_resp"
)

// Frame types originated by viewers (hello/heartbeat/signal_ice shared above).
const (
	TypeWatchRequest = "watch_request"
	TypeSignalOffer  = "signal_offer"
	TypeEndWatch     = "end_watch"
)

// Frame types originated by the server.
const (
	TypeHelloAck     = "hello_ack"
	TypeHeartbeatAck = "heartbeat_ack"
	TypeWatchReady   = "watch_ready"
	TypeWatchEnded   = "watch_ended"
	TypeError        = "error"
	TypeProxyHTTP    = "proxy_http"
)

// WebSocket close codes used by the router.
const (
	CloseNormal          = 1000
	ClosePolicyViolation = 1008
	CloseInternalError   = 1011
)

var errMalformedFrame = errors.New("malformed frame")

// ParseFrame decodes an inbound frame strictly: unknown envelope fields,
// trailing data, or a missing type/ts/payload all count as malformed.
func ParseFrame(data []byte) (Frame, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	var f Frame
	if err := dec.Decode(&f); err != nil {
		return Frame{}, errMalformedFrame
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return Frame{}, errMalformedFrame
	}
	if f.Type == "" || f.TS == "" || len(f.Payload) == 0 || bytes.Equal(f.Payload, []byte("null")) {
		return Frame{}, errMalformedFrame
	}
	return f, nil
}

// NewFrame stamps an outbound frame. Marshalling payload can only fail for
// programmer errors, so it panics rather than returning an error every
// caller would have to ignore.
func NewFrame(typ, requestID string, payload any, now time.Time) Frame {
	raw, err := json.Marshal(payload)
	if err != nil {
		panic(fmt.Sprintf("signaling: marshal %s payload: %v", typ, err))
	}
	return Frame{
		Type:      typ,
		RequestID: requestID,
		TS:        now.UTC().Format(time.RFC3339Nano),
		Payload:   raw,
	}
}

func (f Frame) Encode() ([]byte, error) {
	return json.Marshal(f)
}

// decodePayload is the strict payload decoder used by handlers once the
// envelope has been accepted.
func decodePayload(f Frame, v any) error {
	dec := json.NewDecoder(bytes.NewReader(f.Payload))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%s payload: %w", f.Type, errMalformedFrame)
	}
	return nil
}

type helloDevicePayload struct {
	DeviceID     string `json:"device_id"`
	AgentVersion string `json:"agent_version,omitempty"`
	Go2RTCHTTP   string `json:"go2rtc_http,omitempty"`
}

type helloViewerPayload struct {
	Token string `json:"token"`
}

type helloAckDevicePayload struct {
	DeviceID     string `json:"device_id"`
	ServerTime   string `json:"server_time"`
	AgentVersion string `json:"agent_version,omitempty"`
}

type helloAckViewerPayload struct {
	UserID     string `json:"user_id"`
	ServerTime string `json:"server_time"`
}

type watchRequestPayload struct {
	DeviceID string `json:"device_id"`
}

type watchReadyPayload struct {
	SessionID  string               `json:"session_id"`
	ICEServers []turnrest.ICEServer `json:"ice_servers"`
}

type watchForwardPayload struct {
	SessionID  string               `json:"session_id"`
	UserID     string               `json:"user_id"`
	ICEServers []turnrest.ICEServer `json:"ice_servers"`
}

// sessionRefPayload extracts just the session id from any session-scoped
// frame; the remaining fields are forwarded verbatim, never interpreted.
type sessionRefPayload struct {
	SessionID string `json:"session_id"`
}

type endWatchPayload struct {
	SessionID string `json:"session_id"`
}

type watchEndedPayload struct {
	SessionID string `json:"session_id"`
	Reason    string `json:"reason"`
}

type errorPayload struct {
	Message string `json:"message"`
}

type capabilitiesPayload struct {
	Streams json.RawMessage `json:"streams"`
}

type proxyRespRef struct {
	RID string `json:"rid"`
}
