// Package signaling is the WebSocket message router: it authenticates device
// and viewer sockets, keeps their liveness state, and relays WebRTC
// negotiation frames between the two parties of a watch session without
// interpreting the SDP or ICE contents.
package signaling

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"camsignal/internal/auth"
	"camsignal/internal/domain"
	"camsignal/internal/metrics"
	"camsignal/internal/presence"
	"camsignal/internal/registry"
	"camsignal/internal/store"
)

// DeviceAuthenticator is the device lookup surface the handshake and the
// durable online projection need.
type DeviceAuthenticator interface {
	GetByDeviceID(ctx context.Context, deviceID string) (*domain.Device, error)
	SetOnline(ctx context.Context, deviceID string, online bool) error
}

type UserDirectory interface {
	GetByID(ctx context.Context, id int64) (*domain.User, error)
}

type TokenVerifier interface {
	Verify(token string) (int64, error)
}

type ServerConfig struct {
	Log      *slog.Logger
	Devices  DeviceAuthenticator
	Users    UserDirectory
	Tokens   TokenVerifier
	Presence presence.Store
	Registry *registry.Registry
	Delivery *registry.Delivery // nil when running without a shared broker

	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	HelloTimeout      time.Duration
	MaxFrameBytes     int64
	MaxMalformed      int
	StoreTimeout      time.Duration

	Now func() time.Time
}

type Server struct {
	log      *slog.Logger
	devices  DeviceAuthenticator
	users    UserDirectory
	tokens   TokenVerifier
	presence presence.Store
	registry *registry.Registry
	delivery *registry.Delivery
	coord    *Coordinator
	upgrader websocket.Upgrader

	heartbeatInterval time.Duration
	heartbeatTimeout  time.Duration
	helloTimeout      time.Duration
	maxFrameBytes     int64
	maxMalformed      int
	storeTimeout      time.Duration

	now func() time.Time
}

func NewServer(cfg ServerConfig) *Server {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 30 * time.Second
	}
	if cfg.HeartbeatTimeout <= 0 {
		cfg.HeartbeatTimeout = 90 * time.Second
	}
	if cfg.HelloTimeout <= 0 {
		cfg.HelloTimeout = 10 * time.Second
	}
	if cfg.MaxFrameBytes <= 0 {
		cfg.MaxFrameBytes = 64 << 10
	}
	if cfg.MaxMalformed <= 0 {
		cfg.MaxMalformed = 5
	}
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = 2 * time.Second
	}
	return &Server{
		log:      cfg.Log,
		devices:  cfg.Devices,
		users:    cfg.Users,
		tokens:   cfg.Tokens,
		presence: cfg.Presence,
		registry: cfg.Registry,
		delivery: cfg.Delivery,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Browsers hit this from app origins we do not control; token
			// auth in the hello is the actual gate.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		heartbeatInterval: cfg.HeartbeatInterval,
		heartbeatTimeout:  cfg.HeartbeatTimeout,
		helloTimeout:      cfg.HelloTimeout,
		maxFrameBytes:     cfg.MaxFrameBytes,
		maxMalformed:      cfg.MaxMalformed,
		storeTimeout:      cfg.StoreTimeout,
		now:               cfg.Now,
	}
}

// SetCoordinator wires the session coordinator in after construction; the
// two reference each other (the coordinator sends through the server). Must
// be called before the server accepts connections.
func (s *Server) SetCoordinator(c *Coordinator) { s.coord = c }

func (s *Server) RegisterRoutes(r chi.Router) {
	r.Get("/ws/device", s.handleDevice)
	r.Get("/ws/viewer", s.handleViewer)
}

// Send implements FrameSender: local socket first, then the cross-process
// channel. False means the party is not reachable anywhere.
func (s *Server) Send(role registry.Role, identity string, f Frame) bool {
	data, err := f.Encode()
	if err != nil {
		s.log.Error("frame encode failed", "type", f.Type, "err", err)
		return false
	}
	if s.registry.SendLocal(role, identity, data) {
		return true
	}
	if s.delivery == nil {
		return false
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.storeTimeout)
	defer cancel()
	delivered, err := s.delivery.Publish(ctx, role, identity, data)
	if err != nil {
		s.log.Warn("cross-process delivery failed",
			"role", string(role), "identity", identity, "err", err)
		return false
	}
	return delivered
}

// SendToDevice lets the HTTP API push a frame to a connected device.
func (s *Server) SendToDevice(deviceID, typ, requestID string, payload any) bool {
	return s.Send(registry.RoleDevice, deviceID, NewFrame(typ, requestID, payload, s.now()))
}

// readHello waits for the first frame, which must be a hello, under the
// handshake deadline.
func (s *Server) readHello(ws *websocket.Conn) (Frame, bool) {
	ws.SetReadLimit(s.maxFrameBytes)
	ws.SetReadDeadline(time.Now().Add(s.helloTimeout))
	_, data, err := ws.ReadMessage()
	if err != nil {
		return Frame{}, false
	}
	f, err := ParseFrame(data)
	if err != nil || f.Type != TypeHello {
		return Frame{}, false
	}
	ws.SetReadDeadline(time.Time{})
	return f, true
}

func (s *Server) rejectHello(ws *websocket.Conn, role registry.Role, reason string) {
	metrics.AuthFailuresTotal.WithLabelValues(string(role)).Inc()
	msg := websocket.FormatCloseMessage(ClosePolicyViolation, reason)
	ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeTimeout))
	ws.Close()
}

func (s *Server) handleDevice(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debug("device upgrade failed", "err", err)
		return
	}

	f, ok := s.readHello(ws)
	if !ok {
		s.rejectHello(ws, registry.RoleDevice, "expected hello")
		return
	}
	var hello helloDevicePayload
	if err := decodePayload(f, &hello); err != nil || hello.DeviceID == "" {
		s.rejectHello(ws, registry.RoleDevice, "invalid hello")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.storeTimeout)
	dev, err := s.devices.GetByDeviceID(ctx, hello.DeviceID)
	cancel()
	if errors.Is(err, store.ErrRecordNotFound) {
		s.rejectHello(ws, registry.RoleDevice, "unknown device")
		return
	}
	if err != nil {
		s.log.Error("device lookup failed", "device_id", hello.DeviceID, "err", err)
		msg := websocket.FormatCloseMessage(CloseInternalError, "try again")
		ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeTimeout))
		ws.Close()
		return
	}

	c := s.attach(ws, registry.RoleDevice, dev.DeviceID)

	sctx, cancel := context.WithTimeout(context.Background(), s.storeTimeout)
	if err := s.presence.MarkOnline(sctx, dev.DeviceID); err != nil {
		c.log.Warn("presence write failed", "err", err)
	}
	if err := s.devices.SetOnline(sctx, dev.DeviceID, true); err != nil {
		c.log.Warn("device online projection failed", "err", err)
	}
	if hello.Go2RTCHTTP != "" {
		if err := s.presence.HSet(sctx, "device:endpoints:"+dev.DeviceID, "go2rtc_http", hello.Go2RTCHTTP); err != nil {
			c.log.Warn("endpoint record failed", "err", err)
		}
	}
	cancel()

	ack := NewFrame(TypeHelloAck, f.RequestID, helloAckDevicePayload{
		DeviceID:     dev.DeviceID,
		ServerTime:   s.now().UTC().Format(time.RFC3339Nano),
		AgentVersion: hello.AgentVersion,
	}, s.now())
	if err := c.send(ack); err != nil {
		c.cleanup()
		return
	}
	c.log.Info("device connected", "device_id", dev.DeviceID)
	s.readLoop(c)
}

func (s *Server) handleViewer(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debug("viewer upgrade failed", "err", err)
		return
	}

	f, ok := s.readHello(ws)
	if !ok {
		s.rejectHello(ws, registry.RoleViewer, "expected hello")
		return
	}
	var hello helloViewerPayload
	if err := decodePayload(f, &hello); err != nil || hello.Token == "" {
		s.rejectHello(ws, registry.RoleViewer, "invalid hello")
		return
	}

	userID, err := s.tokens.Verify(hello.Token)
	if err != nil {
		s.rejectHello(ws, registry.RoleViewer, "invalid token")
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), s.storeTimeout)
	usr, err := s.users.GetByID(ctx, userID)
	cancel()
	if errors.Is(err, store.ErrRecordNotFound) {
		s.rejectHello(ws, registry.RoleViewer, "invalid token")
		return
	}
	if err != nil {
		s.log.Error("user lookup failed", "user_id", userID, "err", err)
		msg := websocket.FormatCloseMessage(CloseInternalError, "try again")
		ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeTimeout))
		ws.Close()
		return
	}

	uid := strconv.FormatInt(usr.ID, 10)
	c := s.attach(ws, registry.RoleViewer, uid)

	ack := NewFrame(TypeHelloAck, f.RequestID, helloAckViewerPayload{
		UserID:     uid,
		ServerTime: s.now().UTC().Format(time.RFC3339Nano),
	}, s.now())
	if err := c.send(ack); err != nil {
		c.cleanup()
		return
	}
	c.log.Info("viewer connected", "user_id", uid)
	s.readLoop(c)
}

// attach registers the authenticated socket, evicting any previous holder of
// the same identity, and arms its heartbeat timer.
func (s *Server) attach(ws *websocket.Conn, role registry.Role, identity string) *wsConn {
	c := &wsConn{
		srv:      s,
		ws:       ws,
		role:     role,
		identity: identity,
		log:      s.log.With("role", string(role), "identity", identity),
	}
	metrics.ConnectionsTotal.WithLabelValues(string(role)).Inc()

	prev := s.registry.Register(role, identity, c)
	if prevConn, ok := prev.(*wsConn); ok {
		prevConn.log.Info("connection superseded by reconnect")
		prevConn.closeWith(CloseNormal, "superseded")
		prevConn.cleanup()
	}
	if s.delivery != nil {
		ctx, cancel := context.WithTimeout(context.Background(), s.storeTimeout)
		if err := s.delivery.Watch(ctx, role, identity); err != nil {
			c.log.Warn("delivery subscribe failed", "err", err)
		}
		cancel()
	}
	c.armHeartbeat()
	return c
}

func (s *Server) readLoop(c *wsConn) {
	defer c.cleanup()
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		f, err := ParseFrame(data)
		if err != nil {
			c.malformed++
			c.sendError("", errMalformedFrame.Error())
			if c.malformed >= s.maxMalformed {
				c.log.Info("too many malformed frames")
				c.closeWith(ClosePolicyViolation, "too many malformed frames")
				return
			}
			continue
		}
		if !s.dispatch(c, f) {
			return
		}
	}
}

// dispatch handles one authenticated frame; false closes the connection.
func (s *Server) dispatch(c *wsConn, f Frame) bool {
	metrics.FramesTotal.WithLabelValues(string(c.role), f.Type).Inc()
	ctx := context.Background()

	switch f.Type {
	case TypeHeartbeat:
		c.touchHeartbeat()
		if c.role == registry.RoleDevice {
			sctx, cancel := context.WithTimeout(ctx, s.storeTimeout)
			if err := s.presence.Refresh(sctx, c.identity); err != nil {
				c.log.Warn("presence refresh failed", "err", err)
			}
			if err := s.devices.SetOnline(sctx, c.identity, true); err != nil {
				c.log.Warn("device online projection failed", "err", err)
			}
			cancel()
		}
		c.send(NewFrame(TypeHeartbeatAck, f.RequestID, struct{}{}, s.now()))

	case TypeWatchRequest:
		if c.role != registry.RoleViewer {
			c.sendError(f.RequestID, "frame not valid for this role")
			return true
		}
		var p watchRequestPayload
		if err := decodePayload(f, &p); err != nil || p.DeviceID == "" {
			c.sendError(f.RequestID, errMalformedFrame.Error())
			return true
		}
		userID, _ := strconv.ParseInt(c.identity, 10, 64)
		if err := s.coord.StartWatch(ctx, userID, p.DeviceID, f.RequestID); err != nil {
			c.log.Info("watch request rejected", "device_id", p.DeviceID, "err", err)
			c.sendError(f.RequestID, clientMessage(err))
		}

	case TypeSignalOffer, TypeSignalAnswer, TypeSignalICE:
		if err := s.coord.ForwardSignal(ctx, c.role, c.identity, f); err != nil {
			c.sendError(f.RequestID, clientMessage(err))
		}

	case TypeEndWatch:
		if err := s.coord.EndWatch(ctx, c.role, c.identity, f); err != nil {
			c.sendError(f.RequestID, clientMessage(err))
		}

	case TypeCapabilities:
		if c.role != registry.RoleDevice {
			c.sendError(f.RequestID, "frame not valid for this role")
			return true
		}
		var p capabilitiesPayload
		if err := decodePayload(f, &p); err != nil {
			c.sendError(f.RequestID, errMalformedFrame.Error())
			return true
		}
		sctx, cancel := context.WithTimeout(ctx, s.storeTimeout)
		if err := s.presence.HSet(sctx, "device:capabilities:"+c.identity, "streams", string(p.Streams)); err != nil {
			c.log.Warn("capability record failed", "err", err)
		}
		cancel()

	case TypeProxyHTTPResp:
		if c.role != registry.RoleDevice {
			c.sendError(f.RequestID, "frame not valid for this role")
			return true
		}
		var ref proxyRespRef
		if err := decodePayload(f, &ref); err != nil || ref.RID == "" {
			c.sendError(f.RequestID, errMalformedFrame.Error())
			return true
		}
		sctx, cancel := context.WithTimeout(ctx, s.storeTimeout)
		if err := s.presence.SetEx(sctx, "proxy:response:"+ref.RID, string(f.Payload), 30*time.Second); err != nil {
			c.log.Warn("proxy response store failed", "rid", ref.RID, "err", err)
		}
		cancel()

	case TypeHello:
		c.sendError(f.RequestID, "already authenticated")

	default:
		c.sendError(f.RequestID, "unknown frame type: "+f.Type)
	}
	return true
}

// RunReaper periodically ends sessions whose device's presence record has
// expired, covering devices whose server process died without running the
// disconnect path. Runs until ctx is cancelled.
func (s *Server) RunReaper(ctx context.Context, sessions interface {
	ListOpen(ctx context.Context) ([]domain.WatchSession, error)
}, devices DeviceDirectory) {
	ticker := time.NewTicker(s.heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		sctx, cancel := context.WithTimeout(ctx, s.storeTimeout)
		open, err := sessions.ListOpen(sctx)
		cancel()
		if err != nil {
			s.log.Warn("reaper: open session scan failed", "err", err)
			continue
		}
		seen := make(map[string]bool)
		for _, sess := range open {
			sctx, cancel := context.WithTimeout(ctx, s.storeTimeout)
			dev, err := devices.GetByID(sctx, sess.DeviceID)
			if err != nil {
				cancel()
				continue
			}
			if seen[dev.DeviceID] {
				cancel()
				continue
			}
			seen[dev.DeviceID] = true
			online, err := s.presence.IsOnline(sctx, dev.DeviceID)
			cancel()
			if err != nil || online {
				continue
			}
			s.log.Info("reaper: device presence expired", "device_id", dev.DeviceID)
			s.coord.TerminateForIdentity(ctx, registry.RoleDevice, dev.DeviceID)
		}
	}
}

var _ TokenVerifier = (*auth.Tokens)(nil)
var _ FrameSender = (*Server)(nil)
