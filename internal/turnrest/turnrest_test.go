package turnrest

import (
	"strings"
	"testing"
	"time"
)

func fixedIssuer(t *testing.T) *Issuer {
	t.Helper()
	iss, err := NewIssuer(IssuerConfig{
		SharedSecret: "test_turn_secret",
		TTL:          24 * time.Hour,
		Host:         "coturn",
		PublicHost:   "turn.example.com",
		Port:         3478,
		Now:          func() time.Time { return time.Unix(1767323045, 0) },
	})
	if err != nil {
		t.Fatalf("NewIssuer: %v", err)
	}
	return iss
}

func TestGenerateDeterministic(t *testing.T) {
	iss := fixedIssuer(t)

	creds, err := iss.Generate("viewer_42_sess1")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if want := "1767409445:viewer_42_sess1"; creds.Username != want {
		t.Errorf("username = %q, want %q", creds.Username, want)
	}
	if want := "088b97877d2ce2b4785c91623d79becf776b1c8e"; creds.Credential != want {
		t.Errorf("credential = %q, want %q", creds.Credential, want)
	}
	if want := int64(1767409445); creds.ExpiryUnix != want {
		t.Errorf("expiry = %d, want %d", creds.ExpiryUnix, want)
	}

	again, err := iss.Generate("viewer_42_sess1")
	if err != nil {
		t.Fatalf("Generate again: %v", err)
	}
	if again != creds {
		t.Errorf("same inputs and clock produced different credentials: %+v vs %+v", again, creds)
	}
}

func TestGenerateRejectsBadScope(t *testing.T) {
	iss := fixedIssuer(t)
	if _, err := iss.Generate(""); err == nil {
		t.Error("empty scope accepted")
	}
	if _, err := iss.Generate("a:b"); err == nil {
		t.Error("scope with colon accepted")
	}
}

func TestICEServersHostSelection(t *testing.T) {
	iss := fixedIssuer(t)

	public, err := iss.ICEServers("viewer_42_sess1", true)
	if err != nil {
		t.Fatalf("ICEServers: %v", err)
	}
	internal, err := iss.ICEServers("device_cam1_sess1", false)
	if err != nil {
		t.Fatalf("ICEServers: %v", err)
	}

	if len(public) != 3 || len(internal) != 3 {
		t.Fatalf("want 3 entries each, got %d and %d", len(public), len(internal))
	}
	for _, srv := range public[:2] {
		if !strings.HasPrefix(srv.URLs[0], "stun:") {
			t.Errorf("expected STUN entry, got %q", srv.URLs[0])
		}
		if srv.Username != "" || srv.Credential != "" {
			t.Error("STUN entries must carry no credentials")
		}
	}

	turnPublic := public[2]
	if !strings.Contains(turnPublic.URLs[0], "turn.example.com:3478") {
		t.Errorf("viewer TURN url = %q, want public host", turnPublic.URLs[0])
	}
	if turnPublic.CredentialType != "password" {
		t.Errorf("credentialType = %q, want password", turnPublic.CredentialType)
	}
	if !strings.Contains(turnPublic.URLs[0], "transport=udp") || !strings.Contains(turnPublic.URLs[1], "transport=tcp") {
		t.Errorf("expected udp and tcp TURN urls, got %v", turnPublic.URLs)
	}

	turnInternal := internal[2]
	if !strings.Contains(turnInternal.URLs[0], "coturn:3478") {
		t.Errorf("device TURN url = %q, want internal host", turnInternal.URLs[0])
	}
	if turnInternal.Username == turnPublic.Username {
		t.Error("viewer and device scopes produced the same username")
	}
}
