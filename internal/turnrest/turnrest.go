package turnrest

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"time"
)

// This package implements coturn-compatible TURN REST credentials.
//
// See:
// - https://github.com/coturn/coturn/wiki/turnserver
// - https://datatracker.ietf.org/doc/html/draft-uberti-behave-turn-rest
//
// Algorithm:
//
//	username   = <unix_expiry_timestamp>:<scope>
//	credential = hex(hmac_sha1(shared_secret, username))
//
// Expiry is computed using the server clock in UTC:
//
//	unix_expiry_timestamp = now_utc_unix + ttl_seconds
type Issuer struct {
	sharedSecret []byte
	ttl          time.Duration
	host         string
	publicHost   string
	port         int
	now          func() time.Time
}

type IssuerConfig struct {
	SharedSecret string
	TTL          time.Duration
	// Host is the TURN hostname reachable from devices (typically an internal
	// network name); PublicHost is the one reachable from browsers.
	Host       string
	PublicHost string
	Port       int
	Now        func() time.Time
}

func NewIssuer(cfg IssuerConfig) (*Issuer, error) {
	if cfg.SharedSecret == "" {
		return nil, errors.New("shared secret is required")
	}
	if cfg.TTL <= 0 {
		return nil, errors.New("TTL must be > 0")
	}
	if cfg.Host == "" || cfg.PublicHost == "" {
		return nil, errors.New("TURN host and public host are required")
	}
	if cfg.Port <= 0 || cfg.Port > 65535 {
		return nil, fmt.Errorf("TURN port out of range: %d", cfg.Port)
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Issuer{
		sharedSecret: []byte(cfg.SharedSecret),
		ttl:          cfg.TTL,
		host:         cfg.Host,
		publicHost:   cfg.PublicHost,
		port:         cfg.Port,
		now:          cfg.Now,
	}, nil
}

type Credentials struct {
	Username   string
	Credential string
	ExpiryUnix int64
}

// Generate derives time-limited credentials for scope (e.g.
// "viewer_42_<session>"). Re-deriving with the same inputs and clock is
// deterministic.
func (i *Issuer) Generate(scope string) (Credentials, error) {
	if scope == "" {
		return Credentials{}, errors.New("scope is required")
	}
	if containsColon(scope) {
		return Credentials{}, errors.New("scope must not contain ':'")
	}
	expiryUnix := i.now().UTC().Unix() + int64(i.ttl/time.Second)
	username := fmt.Sprintf("%d:%s", expiryUnix, scope)
	return Credentials{
		Username:   username,
		Credential: signUsername(i.sharedSecret, username),
		ExpiryUnix: expiryUnix,
	}, nil
}

// ICEServer is one entry of an RTCConfiguration.iceServers list.
type ICEServer struct {
	URLs           []string `json:"urls"`
	Username       string   `json:"username,omitempty"`
	Credential     string   `json:"credential,omitempty"`
	CredentialType string   `json:"credentialType,omitempty"`
}

// ICEServers assembles the STUN+TURN list handed to one endpoint of a watch
// session. usePublicHost selects the browser-reachable TURN hostname;
// devices get the internal one.
func (i *Issuer) ICEServers(scope string, usePublicHost bool) ([]ICEServer, error) {
	creds, err := i.Generate(scope)
	if err != nil {
		return nil, err
	}
	host := i.host
	if usePublicHost {
		host = i.publicHost
	}
	return []ICEServer{
		{URLs: []string{"stun:stun.l.google.com:19302"}},
		{URLs: []string{"stun:stun1.l.google.com:19302"}},
		{
			URLs: []string{
				fmt.Sprintf("turn:%s:%d?transport=udp", host, i.port),
				fmt.Sprintf("turn:%s:%d?transport=tcp", host, i.port),
			},
			Username:       creds.Username,
			Credential:     creds.Credential,
			CredentialType: "password",
		},
	}, nil
}

func signUsername(sharedSecret []byte, username string) string {
	mac := hmac.New(sha1.New, sharedSecret)
	_, _ = mac.Write([]byte(username))
	return hex.EncodeToString(mac.Sum(nil))
}

func containsColon(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] == ':' {
			return true
		}
	}
	return false
}
