package presence

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// Key layout:
//
//	devices:online            SET of device ids
//	presence:device:<id>      HASH {connected_at, last_heartbeat}, TTL = RecordTTL
//	session:<sid>             HASH {user_id, device_id, started_at}
//	sessions:device:<id>      SET of session ids
//	sessions:user:<uid>       SET of session ids
//
// The per-device hash carries the TTL; membership in devices:online is
// advisory and pruned whenever the hash has expired.
const (
	keyOnlineSet     = "devices:online"
	keyDevicePrefix  = "presence:device:"
	keySessionPrefix = "session:"
	keyDevSessPrefix = "sessions:device:"
	keyUserSessPrefix = "sessions:user:"
)

type RedisStore struct {
	rdb       *redis.Client
	recordTTL time.Duration
	now       func() time.Time
}

type RedisConfig struct {
	Client *redis.Client
	// RecordTTL is how long a device record lives without a heartbeat
	// refresh; it must exceed the heartbeat interval with slack.
	RecordTTL time.Duration
	Now       func() time.Time
}

func NewRedisStore(cfg RedisConfig) (*RedisStore, error) {
	if cfg.Client == nil {
		return nil, errors.New("redis client is required")
	}
	if cfg.RecordTTL <= 0 {
		return nil, errors.New("RecordTTL must be > 0")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &RedisStore{rdb: cfg.Client, recordTTL: cfg.RecordTTL, now: cfg.Now}, nil
}

func (s *RedisStore) MarkOnline(ctx context.Context, deviceID string) error {
	now := s.now().UTC().Format(time.RFC3339Nano)
	key := keyDevicePrefix + deviceID
	pipe := s.rdb.TxPipeline()
	pipe.HSet(ctx, key, "connected_at", now, "last_heartbeat", now)
	pipe.Expire(ctx, key, s.recordTTL)
	pipe.SAdd(ctx, keyOnlineSet, deviceID)
	_, err := pipe.Exec(ctx)
	return err
}

func (s *RedisStore) Refresh(ctx context.Context, deviceID string) error {
	now := s.now().UTC().Format(time.RFC3339Nano)
	key := keyDevicePrefix + deviceID
	pipe := s.rdb.TxPipeline()
	pipe.HSet(ctx, key, "last_heartbeat", now)
	pipe.Expire(ctx, key, s.recordTTL)
	_, err := pipe.Exec(ctx)
	return err
}

func (s *RedisStore) MarkOffline(ctx context.Context, deviceID string) error {
	pipe := s.rdb.TxPipeline()
	pipe.Del(ctx, keyDevicePrefix+deviceID)
	pipe.SRem(ctx, keyOnlineSet, deviceID)
	_, err := pipe.Exec(ctx)
	return err
}

func (s *RedisStore) IsOnline(ctx context.Context, deviceID string) (bool, error) {
	n, err := s.rdb.Exists(ctx, keyDevicePrefix+deviceID).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *RedisStore) ListOnline(ctx context.Context) ([]string, error) {
	members, err := s.rdb.SMembers(ctx, keyOnlineSet).Result()
	if err != nil {
		return nil, err
	}
	online := members[:0]
	for _, id := range members {
		n, err := s.rdb.Exists(ctx, keyDevicePrefix+id).Result()
		if err != nil {
			return nil, err
		}
		if n > 0 {
			online = append(online, id)
			continue
		}
		// Record expired without an explicit MarkOffline (e.g. a crashed
		// server process). Prune the stale set member.
		_ = s.rdb.SRem(ctx, keyOnlineSet, id).Err()
	}
	return online, nil
}

func (s *RedisStore) PutSession(ctx context.Context, rec SessionRecord) error {
	pipe := s.rdb.TxPipeline()
	pipe.HSet(ctx, keySessionPrefix+rec.SessionID,
		"user_id", rec.UserID,
		"device_id", rec.DeviceID,
		"started_at", rec.StartedAt.UTC().Format(time.RFC3339Nano),
	)
	pipe.SAdd(ctx, keyDevSessPrefix+rec.DeviceID, rec.SessionID)
	pipe.SAdd(ctx, keyUserSessPrefix+rec.UserID, rec.SessionID)
	_, err := pipe.Exec(ctx)
	return err
}

func (s *RedisStore) GetSession(ctx context.Context, sessionID string) (SessionRecord, error) {
	vals, err := s.rdb.HGetAll(ctx, keySessionPrefix+sessionID).Result()
	if err != nil {
		return SessionRecord{}, err
	}
	if len(vals) == 0 {
		return SessionRecord{}, ErrNotFound
	}
	rec := SessionRecord{
		SessionID: sessionID,
		UserID:    vals["user_id"],
		DeviceID:  vals["device_id"],
	}
	if raw := vals["started_at"]; raw != "" {
		if t, err := time.Parse(time.RFC3339Nano, raw); err == nil {
			rec.StartedAt = t
		}
	}
	return rec, nil
}

func (s *RedisStore) DeleteSession(ctx context.Context, sessionID string) error {
	rec, err := s.GetSession(ctx, sessionID)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	pipe := s.rdb.TxPipeline()
	pipe.Del(ctx, keySessionPrefix+sessionID)
	pipe.SRem(ctx, keyDevSessPrefix+rec.DeviceID, sessionID)
	pipe.SRem(ctx, keyUserSessPrefix+rec.UserID, sessionID)
	_, err = pipe.Exec(ctx)
	return err
}

func (s *RedisStore) SessionsForDevice(ctx context.Context, deviceID string) ([]string, error) {
	return s.rdb.SMembers(ctx, keyDevSessPrefix+deviceID).Result()
}

func (s *RedisStore) SessionsForUser(ctx context.Context, userID string) ([]string, error) {
	return s.rdb.SMembers(ctx, keyUserSessPrefix+userID).Result()
}

func (s *RedisStore) SetEx(ctx context.Context, key, value string, ttl time.Duration) error {
	return s.rdb.Set(ctx, key, value, ttl).Err()
}

func (s *RedisStore) Get(ctx context.Context, key string) (string, error) {
	val, err := s.rdb.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNotFound
	}
	return val, err
}

func (s *RedisStore) Delete(ctx context.Context, key string) error {
	return s.rdb.Del(ctx, key).Err()
}

func (s *RedisStore) HSet(ctx context.Context, key, field, value string) error {
	return s.rdb.HSet(ctx, key, field, value).Err()
}

func (s *RedisStore) HGet(ctx context.Context, key, field string) (string, error) {
	val, err := s.rdb.HGet(ctx, key, field).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNotFound
	}
	return val, err
}

func (s *RedisStore) Close() error { return s.rdb.Close() }
