package domain

import "testing"

func TestSessionStatusTransitions(t *testing.T) {
	cases := []struct {
		from, to SessionStatus
		ok       bool
	}{
		{SessionPending, SessionActive, true},
		{SessionPending, SessionEnded, true},
		{SessionActive, SessionEnded, true},
		{SessionActive, SessionPending, false},
		{SessionEnded, SessionActive, false},
		{SessionEnded, SessionPending, false},
		{SessionPending, SessionPending, false},
		{SessionActive, SessionActive, false},
		{SessionEnded, SessionEnded, false},
	}
	for _, c := range cases {
		if got := c.from.CanTransition(c.to); got != c.ok {
			t.Errorf("%s -> %s = %v, want %v", c.from, c.to, got, c.ok)
		}
	}
}
