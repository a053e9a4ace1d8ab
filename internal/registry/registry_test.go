package registry

import (
	"errors"
	"sync"
	"testing"
)

type captureSender struct {
	mu   sync.Mutex
	got  [][]byte
	fail error
}

func (c *captureSender) Deliver(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail != nil {
		return c.fail
	}
	c.got = append(c.got, data)
	return nil
}

func (c *captureSender) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.got)
}

func TestRegisterAndSendLocal(t *testing.T) {
	r := New()
	c := &captureSender{}

	if prev := r.Register(RoleDevice, "cam1", c); prev != nil {
		t.Errorf("first register returned previous sender %v", prev)
	}
	if !r.SendLocal(RoleDevice, "cam1", []byte("x")) {
		t.Error("SendLocal to registered identity reported not here")
	}
	if c.count() != 1 {
		t.Errorf("delivered %d frames, want 1", c.count())
	}

	// Same identity under the other role is a different slot.
	if r.SendLocal(RoleViewer, "cam1", []byte("x")) {
		t.Error("viewer slot unexpectedly occupied")
	}
	if r.SendLocal(RoleDevice, "other", []byte("x")) {
		t.Error("unknown identity reported here")
	}
}

func TestRegisterReturnsSuperseded(t *testing.T) {
	r := New()
	first := &captureSender{}
	second := &captureSender{}

	r.Register(RoleViewer, "42", first)
	prev := r.Register(RoleViewer, "42", second)
	if prev != Sender(first) {
		t.Errorf("prev = %v, want first sender", prev)
	}

	r.SendLocal(RoleViewer, "42", []byte("x"))
	if first.count() != 0 || second.count() != 1 {
		t.Errorf("frame routed to superseded sender: first=%d second=%d", first.count(), second.count())
	}
}

func TestUnregisterOnlyIfSame(t *testing.T) {
	r := New()
	first := &captureSender{}
	second := &captureSender{}

	r.Register(RoleDevice, "cam1", first)
	r.Register(RoleDevice, "cam1", second)

	// The superseded connection's cleanup must not evict its replacement.
	if r.Unregister(RoleDevice, "cam1", first) {
		t.Error("stale sender claimed ownership on unregister")
	}
	if !r.SendLocal(RoleDevice, "cam1", []byte("x")) {
		t.Error("replacement evicted by stale unregister")
	}

	if !r.Unregister(RoleDevice, "cam1", second) {
		t.Error("current sender failed to unregister")
	}
	if r.SendLocal(RoleDevice, "cam1", []byte("x")) {
		t.Error("identity still routable after unregister")
	}
}

func TestSendLocalDeliverError(t *testing.T) {
	r := New()
	c := &captureSender{fail: errors.New("socket closed")}
	r.Register(RoleDevice, "cam1", c)
	if r.SendLocal(RoleDevice, "cam1", []byte("x")) {
		t.Error("failed delivery reported as sent")
	}
}
