package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"

	"camsignal/internal/domain"
	"camsignal/internal/metrics"
	"camsignal/internal/presence"
	"camsignal/internal/registry"
	"camsignal/internal/store"
	"camsignal/internal/turnrest"
)

// Store interfaces consumed by the coordinator, satisfied by the gorm-backed
// stores in internal/store and by fakes in tests.
type DeviceDirectory interface {
	GetByDeviceID(ctx context.Context, deviceID string) (*domain.Device, error)
	GetByID(ctx context.Context, id int64) (*domain.Device, error)
}

type OwnershipChecker interface {
	Exists(ctx context.Context, userID int64, deviceID string) (bool, error)
}

type SessionStore interface {
	Create(ctx context.Context, sess *domain.WatchSession) error
	GetBySessionID(ctx context.Context, sessionID string) (*domain.WatchSession, error)
	MarkActive(ctx context.Context, sessionID string) (bool, error)
	End(ctx context.Context, sessionID, reason string) (bool, error)
	ListOpenByDevice(ctx context.Context, deviceDBID int64) ([]domain.WatchSession, error)
	ListOpenByUser(ctx context.Context, userID int64) ([]domain.WatchSession, error)
}

// FrameSender routes a server-stamped frame to a connected party, wherever
// its socket lives. It reports false only when the party is unreachable on
// every process.
type FrameSender interface {
	Send(role registry.Role, identity string, f Frame) bool
}

// Coordinator owns the watch-session lifecycle: creation, answer-driven
// activation, teardown, and the disconnect cascade. Signal payloads pass
// through it untouched; only the envelope and the session reference are
// interpreted.
type Coordinator struct {
	log      *slog.Logger
	devices  DeviceDirectory
	owners   OwnershipChecker
	sessions SessionStore
	presence presence.Store
	turn     *turnrest.Issuer
	sender   FrameSender

	storeTimeout time.Duration
	now          func() time.Time
}

type CoordinatorConfig struct {
	Log          *slog.Logger
	Devices      DeviceDirectory
	Ownerships   OwnershipChecker
	Sessions     SessionStore
	Presence     presence.Store
	TURN         *turnrest.Issuer
	Sender       FrameSender
	StoreTimeout time.Duration
	Now          func() time.Time
}

func NewCoordinator(cfg CoordinatorConfig) *Coordinator {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = 2 * time.Second
	}
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	return &Coordinator{
		log:          cfg.Log,
		devices:      cfg.Devices,
		owners:       cfg.Ownerships,
		sessions:     cfg.Sessions,
		presence:     cfg.Presence,
		turn:         cfg.TURN,
		sender:       cfg.Sender,
		storeTimeout: cfg.StoreTimeout,
		now:          cfg.Now,
	}
}

func (c *Coordinator) storeCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, c.storeTimeout)
}

// StartWatch validates ownership and device liveness, creates the durable
// session row, then tells both parties. The row is written before any frame
// goes out so a crash can never leave a party holding a session id the
// database has not seen.
func (c *Coordinator) StartWatch(ctx context.Context, userID int64, deviceID, requestID string) error {
	uid := strconv.FormatInt(userID, 10)

	sctx, cancel := c.storeCtx(ctx)
	defer cancel()

	owned, err := c.owners.Exists(sctx, userID, deviceID)
	if err != nil {
		return fmt.Errorf("ownership check: %w", err)
	}
	if !owned {
		return ErrUnauthorized
	}

	dev, err := c.devices.GetByDeviceID(sctx, deviceID)
	if errors.Is(err, store.ErrRecordNotFound) {
		return ErrDeviceNotFound
	}
	if err != nil {
		return fmt.Errorf("device lookup: %w", err)
	}

	online, err := c.presence.IsOnline(sctx, deviceID)
	if err != nil {
		c.log.Warn("presence check failed, treating device as offline",
			"device_id", deviceID, "err", err)
		return ErrDeviceOffline
	}
	if !online {
		return ErrDeviceOffline
	}

	sid := uuid.NewString()
	sess := &domain.WatchSession{
		SessionID: sid,
		UserID:    userID,
		DeviceID:  dev.ID,
		Status:    domain.SessionPending,
	}
	if err := c.sessions.Create(sctx, sess); err != nil {
		return fmt.Errorf("create session: %w", err)
	}

	// Ephemeral mirror for routing; losing it only costs a DB read later.
	rec := presence.SessionRecord{
		SessionID: sid,
		UserID:    uid,
		DeviceID:  deviceID,
		StartedAt: c.now(),
	}
	if err := c.presence.PutSession(sctx, rec); err != nil {
		c.log.Warn("session mirror write failed", "session_id", sid, "err", err)
	}

	// Each endpoint gets relay credentials scoped to itself and this session,
	// so one side's leaked credential never relays the other side's media.
	viewerICE, err := c.turn.ICEServers(fmt.Sprintf("viewer_%s_%s", uid, sid), true)
	if err != nil {
		return fmt.Errorf("viewer relay credentials: %w", err)
	}
	deviceICE, err := c.turn.ICEServers(fmt.Sprintf("device_%s_%s", deviceID, sid), false)
	if err != nil {
		return fmt.Errorf("device relay credentials: %w", err)
	}

	metrics.SessionsStartedTotal.Inc()
	c.log.Info("watch session created",
		"session_id", sid, "user_id", uid, "device_id", deviceID)

	ready := NewFrame(TypeWatchReady, requestID, watchReadyPayload{
		SessionID:  sid,
		ICEServers: viewerICE,
	}, c.now())
	if !c.sender.Send(registry.RoleViewer, uid, ready) {
		c.log.Warn("watch_ready undeliverable", "session_id", sid, "user_id", uid)
	}

	forward := NewFrame(TypeWatchRequest, "", watchForwardPayload{
		SessionID:  sid,
		UserID:     uid,
		ICEServers: deviceICE,
	}, c.now())
	if !c.sender.Send(registry.RoleDevice, deviceID, forward) {
		// Device dropped between the liveness check and now. The viewer will
		// see watch_ended once the disconnect cascade runs.
		c.log.Warn("watch_request undeliverable", "session_id", sid, "device_id", deviceID)
	}
	return nil
}

// sessionRoute is a resolved session with both parties' wire identities.
type sessionRoute struct {
	SessionID string
	UserID    string
	DeviceID  string
}

// resolveSession finds a session's routing identities, preferring the
// ephemeral mirror and falling back to the durable row.
func (c *Coordinator) resolveSession(ctx context.Context, sessionID string) (sessionRoute, error) {
	sctx, cancel := c.storeCtx(ctx)
	defer cancel()

	rec, err := c.presence.GetSession(sctx, sessionID)
	if err == nil {
		return sessionRoute{SessionID: rec.SessionID, UserID: rec.UserID, DeviceID: rec.DeviceID}, nil
	}
	if !errors.Is(err, presence.ErrNotFound) {
		c.log.Warn("session mirror read failed, falling back to database",
			"session_id", sessionID, "err", err)
	}

	sess, err := c.sessions.GetBySessionID(sctx, sessionID)
	if errors.Is(err, store.ErrRecordNotFound) {
		return sessionRoute{}, ErrSessionNotFound
	}
	if err != nil {
		return sessionRoute{}, fmt.Errorf("session lookup: %w", err)
	}
	if sess.Status == domain.SessionEnded {
		return sessionRoute{}, ErrSessionNotFound
	}
	dev, err := c.devices.GetByID(sctx, sess.DeviceID)
	if err != nil {
		return sessionRoute{}, fmt.Errorf("session device lookup: %w", err)
	}
	return sessionRoute{
		SessionID: sessionID,
		UserID:    strconv.FormatInt(sess.UserID, 10),
		DeviceID:  dev.DeviceID,
	}, nil
}

// partyOf reports whether identity is the role-appropriate party of the
// session. A session id belonging to someone else is indistinguishable from
// an unknown one on the wire.
func (r sessionRoute) partyOf(role registry.Role, identity string) bool {
	switch role {
	case registry.RoleDevice:
		return r.DeviceID == identity
	case registry.RoleViewer:
		return r.UserID == identity
	}
	return false
}

func counterpart(role registry.Role) registry.Role {
	if role == registry.RoleDevice {
		return registry.RoleViewer
	}
	return registry.RoleDevice
}

// ForwardSignal relays an SDP or ICE frame to the session's other party.
// The payload travels verbatim; only session_id is read, and an answer
// flips the session active.
func (c *Coordinator) ForwardSignal(ctx context.Context, from registry.Role, identity string, f Frame) error {
	var ref sessionRefPayload
	if err := json.Unmarshal(f.Payload, &ref); err != nil || ref.SessionID == "" {
		return fmt.Errorf("%s: %w", f.Type, errMalformedFrame)
	}

	route, err := c.resolveSession(ctx, ref.SessionID)
	if err != nil {
		return err
	}
	if !route.partyOf(from, identity) {
		return ErrSessionNotFound
	}

	if f.Type == TypeSignalAnswer {
		sctx, cancel := c.storeCtx(ctx)
		activated, err := c.sessions.MarkActive(sctx, ref.SessionID)
		cancel()
		if err != nil {
			c.log.Warn("session activation write failed",
				"session_id", ref.SessionID, "err", err)
		} else if activated {
			c.log.Info("watch session active", "session_id", ref.SessionID)
		}
	}

	to := counterpart(from)
	out := Frame{
		Type:    f.Type,
		TS:      c.now().UTC().Format(time.RFC3339Nano),
		Payload: f.Payload,
	}
	var target string
	if to == registry.RoleDevice {
		target = route.DeviceID
	} else {
		target = route.UserID
	}
	if !c.sender.Send(to, target, out) {
		if to == registry.RoleDevice {
			return ErrDeviceOffline
		}
		return ErrViewerGone
	}
	return nil
}

// EndWatch closes a session at the request of one of its parties. Ending is
// idempotent at the store; a second end_watch for the same session reports
// it as unknown.
func (c *Coordinator) EndWatch(ctx context.Context, from registry.Role, identity string, f Frame) error {
	var p endWatchPayload
	if err := decodePayload(f, &p); err != nil || p.SessionID == "" {
		return fmt.Errorf("end_watch: %w", errMalformedFrame)
	}

	route, err := c.resolveSession(ctx, p.SessionID)
	if err != nil {
		return err
	}
	if !route.partyOf(from, identity) {
		return ErrSessionNotFound
	}

	sctx, cancel := c.storeCtx(ctx)
	defer cancel()

	ended, err := c.sessions.End(sctx, p.SessionID, domain.EndReasonUserEnded)
	if err != nil {
		return fmt.Errorf("end session: %w", err)
	}
	if !ended {
		return ErrSessionNotFound
	}
	metrics.SessionsEndedTotal.WithLabelValues(domain.EndReasonUserEnded).Inc()
	if err := c.presence.DeleteSession(sctx, p.SessionID); err != nil {
		c.log.Warn("session mirror delete failed", "session_id", p.SessionID, "err", err)
	}
	c.log.Info("watch session ended",
		"session_id", p.SessionID, "reason", domain.EndReasonUserEnded, "by", string(from))

	endedPayload := watchEndedPayload{
		SessionID: p.SessionID,
		Reason:    domain.EndReasonUserEnded,
	}
	// The requester's copy echoes request_id and doubles as the ack.
	c.sender.Send(from, identity, NewFrame(TypeWatchEnded, f.RequestID, endedPayload, c.now()))
	var target string
	to := counterpart(from)
	if to == registry.RoleDevice {
		target = route.DeviceID
	} else {
		target = route.UserID
	}
	c.sender.Send(to, target, NewFrame(TypeWatchEnded, "", endedPayload, c.now()))
	return nil
}

// TerminateForIdentity ends every open session the disconnected party holds
// and tells each survivor. It runs when a socket closes, when a heartbeat
// window lapses, and when the reaper notices an expired presence record, so
// it tolerates being called more than once for the same departure.
func (c *Coordinator) TerminateForIdentity(ctx context.Context, role registry.Role, identity string) {
	reason := domain.EndReasonViewerDisconnected
	if role == registry.RoleDevice {
		reason = domain.EndReasonDeviceDisconnected
	}

	sctx, cancel := c.storeCtx(ctx)
	ids := make(map[string]struct{})

	var fromIndex []string
	var err error
	if role == registry.RoleDevice {
		fromIndex, err = c.presence.SessionsForDevice(sctx, identity)
	} else {
		fromIndex, err = c.presence.SessionsForUser(sctx, identity)
	}
	if err != nil {
		c.log.Warn("session reverse index read failed",
			"role", string(role), "identity", identity, "err", err)
	}
	for _, sid := range fromIndex {
		ids[sid] = struct{}{}
	}

	// Durable fallback: the mirror can be missing entries after a store
	// outage, the row never lies.
	var open []domain.WatchSession
	switch role {
	case registry.RoleDevice:
		if dev, derr := c.devices.GetByDeviceID(sctx, identity); derr == nil {
			open, err = c.sessions.ListOpenByDevice(sctx, dev.ID)
		}
	case registry.RoleViewer:
		if uid, perr := strconv.ParseInt(identity, 10, 64); perr == nil {
			open, err = c.sessions.ListOpenByUser(sctx, uid)
		}
	}
	if err != nil {
		c.log.Warn("open session scan failed",
			"role", string(role), "identity", identity, "err", err)
	}
	for _, s := range open {
		ids[s.SessionID] = struct{}{}
	}
	cancel()

	for sid := range ids {
		c.terminateSession(ctx, sid, role, reason)
	}
}

func (c *Coordinator) terminateSession(ctx context.Context, sessionID string, departed registry.Role, reason string) {
	// Resolve before deleting the mirror; afterwards the identities are gone.
	route, err := c.resolveSession(ctx, sessionID)
	if err != nil && !errors.Is(err, ErrSessionNotFound) {
		c.log.Warn("terminate: session resolve failed", "session_id", sessionID, "err", err)
	}

	sctx, cancel := c.storeCtx(ctx)
	defer cancel()

	ended, err := c.sessions.End(sctx, sessionID, reason)
	if err != nil {
		c.log.Warn("terminate: end write failed", "session_id", sessionID, "err", err)
		return
	}
	if err := c.presence.DeleteSession(sctx, sessionID); err != nil {
		c.log.Warn("terminate: mirror delete failed", "session_id", sessionID, "err", err)
	}
	if !ended {
		return
	}
	metrics.SessionsEndedTotal.WithLabelValues(reason).Inc()
	c.log.Info("watch session ended", "session_id", sessionID, "reason", reason)

	if route.SessionID == "" {
		return
	}
	survivor := counterpart(departed)
	var target string
	if survivor == registry.RoleDevice {
		target = route.DeviceID
	} else {
		target = route.UserID
	}
	ended2 := NewFrame(TypeWatchEnded, "", watchEndedPayload{
		SessionID: sessionID,
		Reason:    reason,
	}, c.now())
	if !c.sender.Send(survivor, target, ended2) {
		c.log.Debug("watch_ended undeliverable, survivor already gone",
			"session_id", sessionID)
	}
}
