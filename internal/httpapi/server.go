// Package httpapi is the REST surface around the signaling plane: account
// and device management, pairing, device status, and the HTTP proxy that
// tunnels requests to a connected device over its WebSocket.
package httpapi

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"camsignal/internal/auth"
	"camsignal/internal/presence"
	"camsignal/internal/store"
)

// DeviceMessenger pushes a server-originated frame to a connected device.
// Implemented by the signaling server; false means the device is not
// reachable on any process.
type DeviceMessenger interface {
	SendToDevice(deviceID, typ, requestID string, payload any) bool
}

type Server struct {
	log       *slog.Logger
	users     *store.UserStore
	devices   *store.DeviceStore
	owners    *store.OwnershipStore
	pairings  *store.PairingStore
	sessions  *store.WatchSessionStore
	presence  presence.Store
	tokens    *auth.Tokens
	messenger DeviceMessenger

	pairingTTL   time.Duration
	proxyTimeout time.Duration
	corsOrigins  []string
	now          func() time.Time
}

type ServerConfig struct {
	Log       *slog.Logger
	Store     *store.Store
	Presence  presence.Store
	Tokens    *auth.Tokens
	Messenger DeviceMessenger

	PairingTTL   time.Duration
	ProxyTimeout time.Duration
	CORSOrigins  []string
	Now          func() time.Time
}

func NewServer(cfg ServerConfig) *Server {
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.PairingTTL <= 0 {
		cfg.PairingTTL = 5 * time.Minute
	}
	if cfg.ProxyTimeout <= 0 {
		cfg.ProxyTimeout = 30 * time.Second
	}
	if len(cfg.CORSOrigins) == 0 {
		cfg.CORSOrigins = []string{"*"}
	}
	return &Server{
		log:          cfg.Log,
		users:        cfg.Store.Users(),
		devices:      cfg.Store.Devices(),
		owners:       cfg.Store.Ownerships(),
		pairings:     cfg.Store.Pairings(),
		sessions:     cfg.Store.WatchSessions(),
		presence:     cfg.Presence,
		tokens:       cfg.Tokens,
		messenger:    cfg.Messenger,
		pairingTTL:   cfg.PairingTTL,
		proxyTimeout: cfg.ProxyTimeout,
		corsOrigins:  cfg.CORSOrigins,
		now:          cfg.Now,
	}
}

// Router assembles the full HTTP surface. registerWS mounts the WebSocket
// endpoints so they share the middleware chain with the REST routes.
func (s *Server) Router(registerWS func(chi.Router)) chi.Router {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   s.corsOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Authorization", "Content-Type", "X-Request-Id"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{
			"service": "camsignal",
			"status":  "running",
		})
	})
	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.Handler())

	// WebSocket endpoints sit outside the timeout middleware: they are
	// long-lived by design.
	if registerWS != nil {
		registerWS(r)
	}

	r.Route("/api", func(r chi.Router) {
		r.Use(chimw.Timeout(60 * time.Second))

		r.Route("/auth", func(r chi.Router) {
			r.Use(httprate.LimitByIP(30, time.Minute))
			r.Post("/register", s.handleRegister)
			r.Post("/login", s.handleLogin)
		})

		// Called by camera agents before they have an owner.
		r.Post("/devices/register", s.handleDeviceRegister)
		r.Post("/pairing/generate", s.handlePairingGenerate)

		r.Group(func(r chi.Router) {
			r.Use(s.requireUser)
			r.Get("/auth/me", s.handleMe)
			r.Post("/devices/pair", s.handleDevicePair)
			r.Get("/devices", s.handleDeviceList)
			r.Get("/devices/{deviceID}/status", s.handleDeviceStatus)
			r.Get("/sessions", s.handleSessionList)
			r.HandleFunc("/devices/{deviceID}/proxy/*", s.handleDeviceProxy)
		})
	})

	return r
}

type ctxKey int

const ctxKeyUserID ctxKey = 0

func userIDFrom(ctx context.Context) int64 {
	id, _ := ctx.Value(ctxKeyUserID).(int64)
	return id
}

// requireUser authenticates the bearer token and loads the account, so
// handlers downstream can assume a live user id in the context.
func (s *Server) requireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		const prefix = "Bearer "
		header := r.Header.Get("Authorization")
		if len(header) <= len(prefix) || header[:len(prefix)] != prefix {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		userID, err := s.tokens.Verify(header[len(prefix):])
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		usr, err := s.users.GetByID(r.Context(), userID)
		if err != nil || !usr.IsActive {
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		ctx := context.WithValue(r.Context(), ctxKeyUserID, usr.ID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}

func decodeJSON(r *http.Request, v any) bool {
	return json.NewDecoder(r.Body).Decode(v) == nil
}

// jsonRaw re-emits an already-serialized JSON string without double
// encoding, falling back to a plain string if it is not valid JSON.
func jsonRaw(s string) any {
	if json.Valid([]byte(s)) {
		return json.RawMessage(s)
	}
	return s
}
