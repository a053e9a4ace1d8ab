// Package registry maps logical identities (device id, user id) to the live
// socket held by this process. Lookups are sharded by identity so signaling
// traffic on different connections never contends on one lock.
package registry

import (
	"hash/fnv"
	"sync"
)

type Role string

const (
	RoleDevice Role = "device"
	RoleViewer Role = "viewer"
)

// Sender is the write side of a registered connection. Implementations must
// be safe for concurrent use; the registry fans frames in from many
// goroutines.
type Sender interface {
	Deliver(data []byte) error
}

const shardCount = 32

type Registry struct {
	shards [shardCount]shard
}

type shard struct {
	mu    sync.RWMutex
	conns map[string]Sender
}

func New() *Registry {
	r := &Registry{}
	for i := range r.shards {
		r.shards[i].conns = make(map[string]Sender)
	}
	return r
}

func (r *Registry) shard(key string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return &r.shards[h.Sum32()%shardCount]
}

func key(role Role, identity string) string {
	return string(role) + ":" + identity
}

// Register binds identity to c, returning the previously registered sender
// (if any) so the caller can close the superseded socket.
func (r *Registry) Register(role Role, identity string, c Sender) Sender {
	k := key(role, identity)
	sh := r.shard(k)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	prev := sh.conns[k]
	sh.conns[k] = c
	return prev
}

// Unregister removes the binding only if it still points at c, so a cleanup
// racing with a reconnect never evicts the newer socket.
func (r *Registry) Unregister(role Role, identity string, c Sender) bool {
	k := key(role, identity)
	sh := r.shard(k)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if sh.conns[k] != c {
		return false
	}
	delete(sh.conns, k)
	return true
}

func (r *Registry) Get(role Role, identity string) (Sender, bool) {
	k := key(role, identity)
	sh := r.shard(k)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	c, ok := sh.conns[k]
	return c, ok
}

// SendLocal delivers data to the identity's socket if this process holds it.
// A false return means "not here", not "offline" — the caller decides
// whether to fan out cross-process.
func (r *Registry) SendLocal(role Role, identity string, data []byte) bool {
	c, ok := r.Get(role, identity)
	if !ok {
		return false
	}
	return c.Deliver(data) == nil
}
