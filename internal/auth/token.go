package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrMissingCredentials = errors.New("missing credentials")
	ErrInvalidCredentials = errors.New("invalid credentials")
)

// Tokens issues and verifies HS256 bearer tokens for viewers. The claim set
// is deliberately small: user_id, username, exp.
type Tokens struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

func NewTokens(secret string, ttl time.Duration) *Tokens {
	return &Tokens{
		secret: []byte(secret),
		ttl:    ttl,
		now:    time.Now,
	}
}

func (t *Tokens) Issue(userID int64, username string) (string, error) {
	now := t.now().UTC()
	claims := jwt.MapClaims{
		"user_id":  userID,
		"username": username,
		"exp":      now.Add(t.ttl).Unix(),
		"iat":      now.Unix(),
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return tok.SignedString(t.secret)
}

// Verify checks the signature and expiry and returns the user id the token
// was issued for.
func (t *Tokens) Verify(token string) (int64, error) {
	if token == "" {
		return 0, ErrMissingCredentials
	}
	parsed, err := jwt.Parse(token, func(tok *jwt.Token) (any, error) {
		if _, ok := tok.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %q", tok.Method.Alg())
		}
		return t.secret, nil
	}, jwt.WithValidMethods([]string{"HS256"}), jwt.WithTimeFunc(t.now))
	if err != nil || !parsed.Valid {
		return 0, ErrInvalidCredentials
	}
	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return 0, ErrInvalidCredentials
	}
	raw, ok := claims["user_id"]
	if !ok {
		return 0, ErrInvalidCredentials
	}
	// encoding/json decodes numbers as float64; issued tokens always carry an
	// integral user id.
	id, ok := raw.(float64)
	if !ok || id != float64(int64(id)) {
		return 0, ErrInvalidCredentials
	}
	return int64(id), nil
}
