package store

import (
	"context"
	"time"

	"gorm.io/gorm"

	"camsignal/internal/domain"
)

type WatchSessionStore struct{ db *gorm.DB }

func (s *Store) WatchSessions() *WatchSessionStore { return &WatchSessionStore{db: s.DB} }

func (w *WatchSessionStore) Create(ctx context.Context, sess *domain.WatchSession) error {
	return w.db.WithContext(ctx).Create(sess).Error
}

func (w *WatchSessionStore) GetBySessionID(ctx context.Context, sessionID string) (*domain.WatchSession, error) {
	var sess domain.WatchSession
	if err := w.db.WithContext(ctx).First(&sess, "session_id = ?", sessionID).Error; err != nil {
		return nil, notFound(err)
	}
	return &sess, nil
}

// MarkActive transitions a pending session to active. It returns false when
// the session was not pending, which callers treat as "already activated" —
// the duplicate-answer case.
func (w *WatchSessionStore) MarkActive(ctx context.Context, sessionID string) (bool, error) {
	res := w.db.WithContext(ctx).Model(&domain.WatchSession{}).
		Where("session_id = ? AND status = ?", sessionID, domain.SessionPending).
		Update("status", domain.SessionActive)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// End marks a session ended with the given reason, setting ended_at exactly
// once. Returns false when the session was already ended (or unknown), so
// double cleanup stays a no-op.
func (w *WatchSessionStore) End(ctx context.Context, sessionID, reason string) (bool, error) {
	now := time.Now().UTC()
	res := w.db.WithContext(ctx).Model(&domain.WatchSession{}).
		Where("session_id = ? AND status <> ?", sessionID, domain.SessionEnded).
		Updates(map[string]any{
			"status":       domain.SessionEnded,
			"ended_at":     now,
			"ended_reason": reason,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// ListOpenByDevice returns pending/active sessions for a device, by its
// database id. Used as the durable fallback for the disconnect cascade when
// the ephemeral reverse index is unavailable.
func (w *WatchSessionStore) ListOpenByDevice(ctx context.Context, deviceDBID int64) ([]domain.WatchSession, error) {
	return w.listOpen(ctx, "device_id = ?", deviceDBID)
}

func (w *WatchSessionStore) ListOpenByUser(ctx context.Context, userID int64) ([]domain.WatchSession, error) {
	return w.listOpen(ctx, "user_id = ?", userID)
}

// ListOpen returns every pending/active session. The presence reaper walks
// this to catch sessions orphaned by a crashed server process.
func (w *WatchSessionStore) ListOpen(ctx context.Context) ([]domain.WatchSession, error) {
	var sessions []domain.WatchSession
	err := w.db.WithContext(ctx).
		Where("status <> ?", domain.SessionEnded).
		Find(&sessions).Error
	if err != nil {
		return nil, err
	}
	return sessions, nil
}

func (w *WatchSessionStore) listOpen(ctx context.Context, query string, arg any) ([]domain.WatchSession, error) {
	var sessions []domain.WatchSession
	err := w.db.WithContext(ctx).
		Where(query, arg).
		Where("status <> ?", domain.SessionEnded).
		Find(&sessions).Error
	if err != nil {
		return nil, err
	}
	return sessions, nil
}
