package domain

import "time"

// User is an account that can own devices and open watch sessions. The
// signaling path never mutates users except for last-login bookkeeping.
type User struct {
	ID             int64      `gorm:"primaryKey"`
	Username       string     `gorm:"size:100;uniqueIndex;not null"`
	Email          string     `gorm:"size:255;uniqueIndex;not null"`
	HashedPassword string     `gorm:"size:255;not null"`
	IsActive       bool       `gorm:"not null;default:true"`
	LastLoginAt    *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

func (User) TableName() string { return "users" }

// Device is a camera endpoint, identified on the wire by its externally
// assigned DeviceID. IsOnline/LastSeen are denormalized projections of the
// presence store, refreshed on connect, heartbeat, and disconnect.
type Device struct {
	ID         int64   `gorm:"primaryKey"`
	DeviceID   string  `gorm:"size:100;uniqueIndex;not null"`
	DeviceName *string `gorm:"size:255"`
	DeviceType string  `gorm:"size:50;not null;default:camera"`
	IsOnline   bool    `gorm:"not null;default:false"`
	LastSeen   *time.Time
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

func (Device) TableName() string { return "devices" }

// DeviceOwnership links a user to a device. The signaling path only reads
// it, to authorize watch_request.
type DeviceOwnership struct {
	ID        int64  `gorm:"primaryKey"`
	UserID    int64  `gorm:"not null;uniqueIndex:idx_ownership_user_device"`
	DeviceID  int64  `gorm:"not null;uniqueIndex:idx_ownership_user_device"`
	Role      string `gorm:"size:50;not null;default:owner"`
	CreatedAt time.Time
}

func (DeviceOwnership) TableName() string { return "device_ownership" }

// PairingCode is a short-lived 6-digit code a device displays so a user can
// claim ownership of it.
type PairingCode struct {
	ID        int64  `gorm:"primaryKey"`
	DeviceID  int64  `gorm:"not null"`
	Code      string `gorm:"size:10;uniqueIndex;not null"`
	IsUsed    bool   `gorm:"not null;default:false"`
	CreatedAt time.Time
	ExpiresAt time.Time `gorm:"not null"`
}

func (PairingCode) TableName() string { return "pairing_codes" }

// SessionStatus is the lifecycle state of a watch session. Transitions are
// monotonic: pending -> active -> ended, with pending -> ended allowed for
// sessions torn down before negotiation completes.
type SessionStatus string

const (
	SessionPending SessionStatus = "pending"
	SessionActive  SessionStatus = "active"
	SessionEnded   SessionStatus = "ended"
)

// CanTransition reports whether moving from s to next is a legal lifecycle
// step. Self-transitions are not legal; callers treat a duplicate transition
// as an idempotent no-op before consulting this table.
func (s SessionStatus) CanTransition(next SessionStatus) bool {
	switch s {
	case SessionPending:
		return next == SessionActive || next == SessionEnded
	case SessionActive:
		return next == SessionEnded
	default:
		return false
	}
}

// End reasons recorded on watch sessions and sent in watch_ended frames.
const (
	EndReasonUserEnded          = "user_ended"
	EndReasonDeviceDisconnected = "device_disconnected"
	EndReasonViewerDisconnected = "viewer_disconnected"
)

// WatchSession is the durable record of one viewer/device pairing attempt.
// The row is the system of record; the presence store holds an ephemeral
// mirror for O(1) routing lookups.
type WatchSession struct {
	ID          int64         `gorm:"primaryKey"`
	SessionID   string        `gorm:"size:100;uniqueIndex;not null"`
	UserID      int64         `gorm:"not null"`
	DeviceID    int64         `gorm:"not null"`
	Status      SessionStatus `gorm:"size:50;not null;default:pending;index"`
	StartedAt   time.Time     `gorm:"autoCreateTime"`
	EndedAt     *time.Time
	EndedReason *string `gorm:"size:255"`
}

func (WatchSession) TableName() string { return "watch_sessions" }
