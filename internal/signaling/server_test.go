package signaling

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"camsignal/internal/auth"
	"camsignal/internal/domain"
	"camsignal/internal/presence"
	"camsignal/internal/registry"
	"camsignal/internal/store"
	"camsignal/internal/turnrest"
)

type testDeviceAuth struct {
	*fakeDevices
}

func (d *testDeviceAuth) SetOnline(context.Context, string, bool) error { return nil }

type testUsers struct {
	byID map[int64]*domain.User
}

func (u *testUsers) GetByID(_ context.Context, id int64) (*domain.User, error) {
	if usr, ok := u.byID[id]; ok {
		return usr, nil
	}
	return nil, store.ErrRecordNotFound
}

type testEnv struct {
	srv      *httptest.Server
	tokens   *auth.Tokens
	sessions *fakeSessions
	presence *presence.MemoryStore
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	devices := &testDeviceAuth{fakeDevices: &fakeDevices{byExternal: map[string]*domain.Device{
		"cam1": {ID: 10, DeviceID: "cam1", DeviceType: "camera"},
	}}}
	users := &testUsers{byID: map[int64]*domain.User{
		42: {ID: 42, Username: "alice", IsActive: true},
	}}
	owners := &fakeOwners{pairs: map[string]bool{"42:cam1": true}}
	sessions := newFakeSessions()
	pres := presence.NewMemoryStore(90*time.Second, nil)
	tokens := auth.NewTokens("test-secret", time.Hour)
	reg := registry.New()

	turn, err := turnrest.NewIssuer(turnrest.IssuerConfig{
		SharedSecret: "test_turn_secret",
		TTL:          24 * time.Hour,
		Host:         "coturn",
		PublicHost:   "turn.example.com",
		Port:         3478,
	})
	if err != nil {
		t.Fatalf("NewIssuer: %v", err)
	}

	ws := NewServer(ServerConfig{
		Devices:          devices,
		Users:            users,
		Tokens:           tokens,
		Presence:         pres,
		Registry:         reg,
		HeartbeatTimeout: 5 * time.Second,
		HelloTimeout:     2 * time.Second,
	})
	coord := NewCoordinator(CoordinatorConfig{
		Devices:    devices.fakeDevices,
		Ownerships: owners,
		Sessions:   sessions,
		Presence:   pres,
		TURN:       turn,
		Sender:     ws,
	})
	ws.SetCoordinator(coord)

	r := chi.NewRouter()
	ws.RegisterRoutes(r)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)

	return &testEnv{srv: srv, tokens: tokens, sessions: sessions, presence: pres}
}

func (e *testEnv) dial(t *testing.T, path string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(e.srv.URL, "http") + path
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", path, err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func sendFrame(t *testing.T, conn *websocket.Conn, typ, requestID string, payload any) {
	t.Helper()
	f := NewFrame(typ, requestID, payload, time.Now())
	data, err := f.Encode()
	if err != nil {
		t.Fatalf("encode %s: %v", typ, err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		t.Fatalf("write %s: %v", typ, err)
	}
}

func readFrame(t *testing.T, conn *websocket.Conn) Frame {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	f, err := ParseFrame(data)
	if err != nil {
		t.Fatalf("parse %s: %v", data, err)
	}
	return f
}

func expectClose(t *testing.T, conn *websocket.Conn, code int) {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, _, err := conn.ReadMessage()
	if !websocket.IsCloseError(err, code) {
		t.Fatalf("err = %v, want close %d", err, code)
	}
}

func (e *testEnv) connectDevice(t *testing.T, deviceID string) *websocket.Conn {
	t.Helper()
	conn := e.dial(t, "/ws/device")
	sendFrame(t, conn, TypeHello, "h1", map[string]string{"device_id": deviceID})
	ack := readFrame(t, conn)
	if ack.Type != TypeHelloAck {
		t.Fatalf("device handshake got %s", ack.Type)
	}
	return conn
}

func (e *testEnv) connectViewer(t *testing.T, userID int64) *websocket.Conn {
	t.Helper()
	token, err := e.tokens.Issue(userID, "alice")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	conn := e.dial(t, "/ws/viewer")
	sendFrame(t, conn, TypeHello, "h1", map[string]string{"token": token})
	ack := readFrame(t, conn)
	if ack.Type != TypeHelloAck {
		t.Fatalf("viewer handshake got %s", ack.Type)
	}
	return conn
}

func TestDeviceHandshake(t *testing.T) {
	env := newTestEnv(t)
	env.connectDevice(t, "cam1")

	online, err := env.presence.IsOnline(context.Background(), "cam1")
	if err != nil || !online {
		t.Errorf("device not marked online: online=%v err=%v", online, err)
	}
}

func TestDeviceHandshakeUnknownDevice(t *testing.T) {
	env := newTestEnv(t)
	conn := env.dial(t, "/ws/device")
	sendFrame(t, conn, TypeHello, "", map[string]string{"device_id": "ghost"})
	expectClose(t, conn, ClosePolicyViolation)
}

func TestViewerHandshakeBadToken(t *testing.T) {
	env := newTestEnv(t)
	conn := env.dial(t, "/ws/viewer")
	sendFrame(t, conn, TypeHello, "", map[string]string{"token": "garbage"})
	expectClose(t, conn, ClosePolicyViolation)
}

func TestFirstFrameMustBeHello(t *testing.T) {
	env := newTestEnv(t)
	conn := env.dial(t, "/ws/device")
	sendFrame(t, conn, TypeHeartbeat, "", struct{}{})
	expectClose(t, conn, ClosePolicyViolation)
}

func TestHeartbeatAck(t *testing.T) {
	env := newTestEnv(t)
	conn := env.connectDevice(t, "cam1")

	sendFrame(t, conn, TypeHeartbeat, "hb-1", struct{}{})
	ack := readFrame(t, conn)
	if ack.Type != TypeHeartbeatAck || ack.RequestID != "hb-1" {
		t.Errorf("ack = %+v", ack)
	}
}

func TestMalformedFramesClose(t *testing.T) {
	env := newTestEnv(t)
	conn := env.connectDevice(t, "cam1")

	for i := 0; i < 5; i++ {
		if err := conn.WriteMessage(websocket.TextMessage, []byte("not json")); err != nil {
			t.Fatalf("write %d: %v", i, err)
		}
		f := readFrame(t, conn)
		if f.Type != TypeError {
			t.Fatalf("frame %d type = %s, want error", i, f.Type)
		}
	}
	expectClose(t, conn, ClosePolicyViolation)
}

func TestUnknownSessionErrorFrame(t *testing.T) {
	env := newTestEnv(t)
	viewer := env.connectViewer(t, 42)

	sendFrame(t, viewer, TypeSignalOffer, "req-7", map[string]string{
		"session_id": "no-such-session",
		"sdp":        "v=0",
	})
	f := readFrame(t, viewer)
	if f.Type != TypeError || f.RequestID != "req-7" {
		t.Fatalf("reply = %+v", f)
	}
	var p errorPayload
	json.Unmarshal(f.Payload, &p)
	if p.Message != ErrSessionNotFound.Error() {
		t.Errorf("message = %q", p.Message)
	}
}

func TestWatchFlowEndToEnd(t *testing.T) {
	env := newTestEnv(t)
	device := env.connectDevice(t, "cam1")
	viewer := env.connectViewer(t, 42)

	sendFrame(t, viewer, TypeWatchRequest, "req-1", map[string]string{"device_id": "cam1"})

	ready := readFrame(t, viewer)
	if ready.Type != TypeWatchReady || ready.RequestID != "req-1" {
		t.Fatalf("viewer got %+v", ready)
	}
	var rp watchReadyPayload
	if err := json.Unmarshal(ready.Payload, &rp); err != nil || rp.SessionID == "" {
		t.Fatalf("watch_ready payload %s: %v", ready.Payload, err)
	}
	sid := rp.SessionID

	fwd := readFrame(t, device)
	if fwd.Type != TypeWatchRequest {
		t.Fatalf("device got %+v", fwd)
	}
	var fp watchForwardPayload
	json.Unmarshal(fwd.Payload, &fp)
	if fp.SessionID != sid || fp.UserID != "42" {
		t.Fatalf("forward payload = %+v", fp)
	}

	// Offer out, answer back; answer activates the session.
	sendFrame(t, viewer, TypeSignalOffer, "", map[string]string{"session_id": sid, "sdp": "v=0 offer"})
	offer := readFrame(t, device)
	if offer.Type != TypeSignalOffer {
		t.Fatalf("device got %s, want signal_offer", offer.Type)
	}

	sendFrame(t, device, TypeSignalAnswer, "", map[string]string{"session_id": sid, "sdp": "v=0 answer"})
	answer := readFrame(t, viewer)
	if answer.Type != TypeSignalAnswer {
		t.Fatalf("viewer got %s, want signal_answer", answer.Type)
	}
	var sdp struct {
		SessionID string `json:"session_id"`
		SDP       string `json:"sdp"`
	}
	json.Unmarshal(answer.Payload, &sdp)
	if sdp.SDP != "v=0 answer" {
		t.Errorf("sdp not forwarded verbatim: %q", sdp.SDP)
	}
	if got := env.sessions.status(t, sid); got != domain.SessionActive {
		t.Errorf("session status = %s, want active", got)
	}

	// Trickle ICE both ways.
	sendFrame(t, viewer, TypeSignalICE, "", map[string]any{"session_id": sid, "candidate": map[string]string{"candidate": "c1"}})
	if f := readFrame(t, device); f.Type != TypeSignalICE {
		t.Fatalf("device got %s, want signal_ice", f.Type)
	}
	sendFrame(t, device, TypeSignalICE, "", map[string]any{"session_id": sid, "candidate": map[string]string{"candidate": "c2"}})
	if f := readFrame(t, viewer); f.Type != TypeSignalICE {
		t.Fatalf("viewer got %s, want signal_ice", f.Type)
	}

	// Teardown: both parties learn the session ended.
	sendFrame(t, viewer, TypeEndWatch, "req-end", map[string]string{"session_id": sid})
	endedViewer := readFrame(t, viewer)
	if endedViewer.Type != TypeWatchEnded || endedViewer.RequestID != "req-end" {
		t.Fatalf("viewer got %+v", endedViewer)
	}
	endedDevice := readFrame(t, device)
	if endedDevice.Type != TypeWatchEnded {
		t.Fatalf("device got %+v", endedDevice)
	}
	if got := env.sessions.status(t, sid); got != domain.SessionEnded {
		t.Errorf("session status = %s, want ended", got)
	}
}

func TestDeviceDisconnectCascades(t *testing.T) {
	env := newTestEnv(t)
	device := env.connectDevice(t, "cam1")
	viewer := env.connectViewer(t, 42)

	sendFrame(t, viewer, TypeWatchRequest, "req-1", map[string]string{"device_id": "cam1"})
	ready := readFrame(t, viewer)
	var rp watchReadyPayload
	json.Unmarshal(ready.Payload, &rp)
	readFrame(t, device) // forwarded watch_request

	device.Close()

	ended := readFrame(t, viewer)
	if ended.Type != TypeWatchEnded {
		t.Fatalf("viewer got %s, want watch_ended", ended.Type)
	}
	var wp watchEndedPayload
	json.Unmarshal(ended.Payload, &wp)
	if wp.SessionID != rp.SessionID || wp.Reason != domain.EndReasonDeviceDisconnected {
		t.Errorf("payload = %+v", wp)
	}
	if got := env.sessions.status(t, rp.SessionID); got != domain.SessionEnded {
		t.Errorf("session status = %s, want ended", got)
	}
}

func TestWatchRequestDeviceOffline(t *testing.T) {
	env := newTestEnv(t)
	viewer := env.connectViewer(t, 42)

	sendFrame(t, viewer, TypeWatchRequest, "req-1", map[string]string{"device_id": "cam1"})
	f := readFrame(t, viewer)
	if f.Type != TypeError || f.RequestID != "req-1" {
		t.Fatalf("reply = %+v", f)
	}
	var p errorPayload
	json.Unmarshal(f.Payload, &p)
	if p.Message != ErrDeviceOffline.Error() {
		t.Errorf("message = %q", p.Message)
	}
}

func TestReconnectSupersedesOldSocket(t *testing.T) {
	env := newTestEnv(t)
	first := env.connectDevice(t, "cam1")
	second := env.connectDevice(t, "cam1")

	expectClose(t, first, CloseNormal)

	// The replacement socket still works.
	sendFrame(t, second, TypeHeartbeat, "hb", struct{}{})
	if ack := readFrame(t, second); ack.Type != TypeHeartbeatAck {
		t.Errorf("replacement ack = %+v", ack)
	}
}
