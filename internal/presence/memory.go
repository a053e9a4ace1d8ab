package presence

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is the process-local fallback used when the shared store is
// unreachable. Cross-process delivery and multi-instance presence are
// unavailable in this mode; the server logs a warning and keeps running.
type MemoryStore struct {
	recordTTL time.Duration
	now       func() time.Time

	mu       sync.Mutex
	devices  map[string]memoryRecord
	sessions map[string]SessionRecord
	byDevice map[string]map[string]struct{}
	byUser   map[string]map[string]struct{}
	kv       map[string]memoryValue
	hashes   map[string]map[string]string
}

type memoryRecord struct {
	rec       Record
	expiresAt time.Time
}

type memoryValue struct {
	val       string
	expiresAt time.Time
}

func NewMemoryStore(recordTTL time.Duration, now func() time.Time) *MemoryStore {
	if now == nil {
		now = time.Now
	}
	return &MemoryStore{
		recordTTL: recordTTL,
		now:       now,
		devices:   make(map[string]memoryRecord),
		sessions:  make(map[string]SessionRecord),
		byDevice:  make(map[string]map[string]struct{}),
		byUser:    make(map[string]map[string]struct{}),
		kv:        make(map[string]memoryValue),
		hashes:    make(map[string]map[string]string),
	}
}

func (s *MemoryStore) MarkOnline(_ context.Context, deviceID string) error {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.devices[deviceID] = memoryRecord{
		rec:       Record{ConnectedAt: now, LastHeartbeat: now},
		expiresAt: now.Add(s.recordTTL),
	}
	return nil
}

func (s *MemoryStore) Refresh(_ context.Context, deviceID string) error {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.devices[deviceID]
	if !ok {
		entry.rec.ConnectedAt = now
	}
	entry.rec.LastHeartbeat = now
	entry.expiresAt = now.Add(s.recordTTL)
	s.devices[deviceID] = entry
	return nil
}

func (s *MemoryStore) MarkOffline(_ context.Context, deviceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.devices, deviceID)
	return nil
}

func (s *MemoryStore) IsOnline(_ context.Context, deviceID string) (bool, error) {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.devices[deviceID]
	if !ok {
		return false, nil
	}
	if now.After(entry.expiresAt) {
		delete(s.devices, deviceID)
		return false, nil
	}
	return true, nil
}

func (s *MemoryStore) ListOnline(_ context.Context) ([]string, error) {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for id, entry := range s.devices {
		if now.After(entry.expiresAt) {
			delete(s.devices, id)
			continue
		}
		out = append(out, id)
	}
	return out, nil
}

func (s *MemoryStore) PutSession(_ context.Context, rec SessionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[rec.SessionID] = rec
	addMember(s.byDevice, rec.DeviceID, rec.SessionID)
	addMember(s.byUser, rec.UserID, rec.SessionID)
	return nil
}

func (s *MemoryStore) GetSession(_ context.Context, sessionID string) (SessionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.sessions[sessionID]
	if !ok {
		return SessionRecord{}, ErrNotFound
	}
	return rec, nil
}

func (s *MemoryStore) DeleteSession(_ context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.sessions[sessionID]
	if !ok {
		return nil
	}
	delete(s.sessions, sessionID)
	removeMember(s.byDevice, rec.DeviceID, sessionID)
	removeMember(s.byUser, rec.UserID, sessionID)
	return nil
}

func (s *MemoryStore) SessionsForDevice(_ context.Context, deviceID string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return members(s.byDevice[deviceID]), nil
}

func (s *MemoryStore) SessionsForUser(_ context.Context, userID string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return members(s.byUser[userID]), nil
}

func (s *MemoryStore) SetEx(_ context.Context, key, value string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.kv[key] = memoryValue{val: value, expiresAt: s.now().Add(ttl)}
	return nil
}

func (s *MemoryStore) Get(_ context.Context, key string) (string, error) {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.kv[key]
	if !ok {
		return "", ErrNotFound
	}
	if !entry.expiresAt.IsZero() && now.After(entry.expiresAt) {
		delete(s.kv, key)
		return "", ErrNotFound
	}
	return entry.val, nil
}

func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.kv, key)
	return nil
}

func (s *MemoryStore) HSet(_ context.Context, key, field, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.hashes[key]
	if !ok {
		h = make(map[string]string)
		s.hashes[key] = h
	}
	h[field] = value
	return nil
}

func (s *MemoryStore) HGet(_ context.Context, key, field string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.hashes[key]
	if !ok {
		return "", ErrNotFound
	}
	v, ok := h[field]
	if !ok {
		return "", ErrNotFound
	}
	return v, nil
}

func (s *MemoryStore) Close() error { return nil }

func addMember(index map[string]map[string]struct{}, key, member string) {
	set, ok := index[key]
	if !ok {
		set = make(map[string]struct{})
		index[key] = set
	}
	set[member] = struct{}{}
}

func removeMember(index map[string]map[string]struct{}, key, member string) {
	if set, ok := index[key]; ok {
		delete(set, member)
		if len(set) == 0 {
			delete(index, key)
		}
	}
}

func members(set map[string]struct{}) []string {
	if len(set) == 0 {
		return nil
	}
	out := make([]string, 0, len(set))
	for m := range set {
		out = append(out, m)
	}
	return out
}
