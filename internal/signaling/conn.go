package signaling

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"camsignal/internal/metrics"
	"camsignal/internal/registry"
)

const writeTimeout = 10 * time.Second

// wsConn is one authenticated socket. All writes go through writeMu so the
// read-loop goroutine, the registry fan-in, and the heartbeat timer never
// interleave frames on the wire.
type wsConn struct {
	srv      *Server
	ws       *websocket.Conn
	role     registry.Role
	identity string
	log      *slog.Logger

	writeMu sync.Mutex
	hbTimer *time.Timer

	cleanupOnce sync.Once
	malformed   int
}

// Deliver implements registry.Sender.
func (c *wsConn) Deliver(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

func (c *wsConn) send(f Frame) error {
	data, err := f.Encode()
	if err != nil {
		return err
	}
	return c.Deliver(data)
}

func (c *wsConn) sendError(requestID, message string) {
	metrics.ErrorFramesTotal.WithLabelValues(string(c.role)).Inc()
	err := c.send(NewFrame(TypeError, requestID, errorPayload{Message: message}, c.srv.now()))
	if err != nil {
		c.log.Debug("error frame write failed", "err", err)
	}
}

// closeWith sends a close frame then tears the socket down. The read loop
// unblocks with an error and runs cleanup.
func (c *wsConn) closeWith(code int, reason string) {
	c.writeMu.Lock()
	msg := websocket.FormatCloseMessage(code, reason)
	c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeTimeout))
	c.writeMu.Unlock()
	c.ws.Close()
}

// armHeartbeat starts the liveness timer. Each heartbeat frame resets it; if
// the window lapses the connection is treated exactly like a disconnect.
func (c *wsConn) armHeartbeat() {
	c.hbTimer = time.AfterFunc(c.srv.heartbeatTimeout, func() {
		metrics.HeartbeatTimeoutsTotal.WithLabelValues(string(c.role)).Inc()
		c.log.Info("heartbeat timeout", "role", string(c.role), "identity", c.identity)
		c.closeWith(ClosePolicyViolation, "heartbeat timeout")
		c.cleanup()
	})
}

func (c *wsConn) touchHeartbeat() {
	if c.hbTimer != nil {
		c.hbTimer.Reset(c.srv.heartbeatTimeout)
	}
}

// cleanup runs the disconnect path exactly once, no matter which of the read
// loop, the heartbeat timer, or an eviction got there first.
func (c *wsConn) cleanup() {
	c.cleanupOnce.Do(func() {
		if c.hbTimer != nil {
			c.hbTimer.Stop()
		}
		ctx, cancel := context.WithTimeout(context.Background(), c.srv.storeTimeout)
		defer cancel()

		// Only drop registry/presence state if this socket still owns the
		// identity; a reconnect may already have replaced it.
		owned := c.srv.registry.Unregister(c.role, c.identity, c)
		if !owned {
			c.log.Debug("superseded connection closed", "identity", c.identity)
			return
		}
		if c.srv.delivery != nil {
			if err := c.srv.delivery.Unwatch(ctx, c.role, c.identity); err != nil {
				c.log.Warn("delivery unsubscribe failed", "err", err)
			}
		}
		if c.role == registry.RoleDevice {
			if err := c.srv.presence.MarkOffline(ctx, c.identity); err != nil {
				c.log.Warn("presence clear failed", "device_id", c.identity, "err", err)
			}
			if err := c.srv.devices.SetOnline(ctx, c.identity, false); err != nil {
				c.log.Warn("device offline projection failed", "device_id", c.identity, "err", err)
			}
		}
		c.log.Info("connection closed", "role", string(c.role), "identity", c.identity)
		c.srv.coord.TerminateForIdentity(context.Background(), c.role, c.identity)
	})
}
