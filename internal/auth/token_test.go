package auth

import (
	"errors"
	"testing"
	"time"
)

func TestIssueVerifyRoundTrip(t *testing.T) {
	tok := NewTokens("secret", time.Hour)

	signed, err := tok.Issue(42, "alice")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	userID, err := tok.Verify(signed)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if userID != 42 {
		t.Errorf("user id = %d, want 42", userID)
	}
}

func TestVerifyRejectsEmpty(t *testing.T) {
	tok := NewTokens("secret", time.Hour)
	if _, err := tok.Verify(""); !errors.Is(err, ErrMissingCredentials) {
		t.Errorf("err = %v, want ErrMissingCredentials", err)
	}
}

func TestVerifyRejectsWrongSecret(t *testing.T) {
	issuer := NewTokens("secret-a", time.Hour)
	verifier := NewTokens("secret-b", time.Hour)

	signed, err := issuer.Issue(1, "alice")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if _, err := verifier.Verify(signed); !errors.Is(err, ErrInvalidCredentials) {
		t.Errorf("err = %v, want ErrInvalidCredentials", err)
	}
}

func TestVerifyRejectsExpired(t *testing.T) {
	tok := NewTokens("secret", time.Hour)
	base := time.Unix(1767323045, 0)

	tok.now = func() time.Time { return base }
	signed, err := tok.Issue(7, "bob")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	tok.now = func() time.Time { return base.Add(59 * time.Minute) }
	if _, err := tok.Verify(signed); err != nil {
		t.Errorf("valid token rejected: %v", err)
	}

	tok.now = func() time.Time { return base.Add(2 * time.Hour) }
	if _, err := tok.Verify(signed); !errors.Is(err, ErrInvalidCredentials) {
		t.Errorf("err = %v, want ErrInvalidCredentials for expired token", err)
	}
}

func TestVerifyRejectsGarbage(t *testing.T) {
	tok := NewTokens("secret", time.Hour)
	if _, err := tok.Verify("not.a.jwt"); !errors.Is(err, ErrInvalidCredentials) {
		t.Errorf("err = %v, want ErrInvalidCredentials", err)
	}
}

func TestPasswordHashing(t *testing.T) {
	hashed, err := HashPassword("hunter22")
	if err != nil {
		t.Fatalf("HashPassword: %v", err)
	}
	if hashed == "hunter22" {
		t.Fatal("password stored in the clear")
	}
	if !CheckPassword("hunter22", hashed) {
		t.Error("correct password rejected")
	}
	if CheckPassword("wrong", hashed) {
		t.Error("wrong password accepted")
	}
}
