// Package presence tracks which devices are connected right now, and holds
// the ephemeral watch-session mirror and reverse indices used for routing
// and bulk cleanup. The backing store is shared (Redis) so multiple server
// processes observe one truth; deleting a device's record is the
// authoritative "device went offline" event.
package presence

import (
	"context"
	"errors"
	"time"
)

var ErrNotFound = errors.New("presence: not found")

// Record is the ephemeral liveness entry for one connected device.
type Record struct {
	ConnectedAt   time.Time
	LastHeartbeat time.Time
}

// SessionRecord is the ephemeral mirror of a durable watch session, keyed by
// session id. It carries the wire-level identities of both parties so frames
// can be routed without a database read.
type SessionRecord struct {
	SessionID string
	UserID    string
	DeviceID  string
	StartedAt time.Time
}

type Store interface {
	// Device liveness. Records expire on their own slightly after the
	// heartbeat window closes; expiry is equivalent to MarkOffline.
	MarkOnline(ctx context.Context, deviceID string) error
	Refresh(ctx context.Context, deviceID string) error
	MarkOffline(ctx context.Context, deviceID string) error
	IsOnline(ctx context.Context, deviceID string) (bool, error)
	// ListOnline prunes and returns the ids of devices with a live record.
	ListOnline(ctx context.Context) ([]string, error)

	// Watch-session mirror and reverse indices.
	PutSession(ctx context.Context, rec SessionRecord) error
	GetSession(ctx context.Context, sessionID string) (SessionRecord, error)
	DeleteSession(ctx context.Context, sessionID string) error
	SessionsForDevice(ctx context.Context, deviceID string) ([]string, error)
	SessionsForUser(ctx context.Context, userID string) ([]string, error)

	// Small string KV used for device capability reports and the HTTP proxy
	// response mailbox.
	SetEx(ctx context.Context, key, value string, ttl time.Duration) error
	Get(ctx context.Context, key string) (string, error)
	Delete(ctx context.Context, key string) error
	HSet(ctx context.Context, key, field, value string) error
	HGet(ctx context.Context, key, field string) (string, error)

	Close() error
}
