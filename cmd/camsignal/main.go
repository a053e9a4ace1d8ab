// camsignal is the signaling and session coordination server for WebRTC
// camera streaming: it brokers SDP/ICE exchange between camera agents and
// viewers, tracks device liveness, manages watch sessions, and issues
// ephemeral TURN relay credentials.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"camsignal/internal/auth"
	"camsignal/internal/config"
	"camsignal/internal/httpapi"
	"camsignal/internal/presence"
	"camsignal/internal/registry"
	"camsignal/internal/signaling"
	"camsignal/internal/store"
	"camsignal/internal/turnrest"
)

func main() {
	if err := run(); err != nil {
		slog.Error("fatal", "err", err)
		os.Exit(1)
	}
}

func run() error {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	log := config.NewLogger(cfg)
	slog.SetDefault(log)

	db, err := store.Open(store.OpenConfig{
		DSN:    cfg.DatabaseURL,
		LogSQL: cfg.LogLevel == slog.LevelDebug,
	})
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	if cfg.AutoMigrate {
		if err := db.AutoMigrate(); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}

	reg := registry.New()
	pres, delivery, err := connectPresence(cfg, reg, log)
	if err != nil {
		return err
	}
	defer pres.Close()
	if delivery != nil {
		defer delivery.Close()
	}

	tokens := auth.NewTokens(cfg.JWTSecret, cfg.JWTExpiration)
	turn, err := turnrest.NewIssuer(turnrest.IssuerConfig{
		SharedSecret: cfg.TURNSecret,
		TTL:          cfg.TURNTTL,
		Host:         cfg.TURNHost,
		PublicHost:   cfg.TURNPublicHost,
		Port:         cfg.TURNPort,
	})
	if err != nil {
		return fmt.Errorf("turn issuer: %w", err)
	}

	ws := signaling.NewServer(signaling.ServerConfig{
		Log:               log,
		Devices:           db.Devices(),
		Users:             db.Users(),
		Tokens:            tokens,
		Presence:          pres,
		Registry:          reg,
		Delivery:          delivery,
		HeartbeatInterval: cfg.HeartbeatInterval,
		HeartbeatTimeout:  cfg.HeartbeatTimeout,
		HelloTimeout:      cfg.HelloTimeout,
		MaxFrameBytes:     cfg.MaxFrameBytes,
		MaxMalformed:      cfg.MaxMalformedFrames,
		StoreTimeout:      cfg.StoreTimeout,
	})
	coord := signaling.NewCoordinator(signaling.CoordinatorConfig{
		Log:          log,
		Devices:      db.Devices(),
		Ownerships:   db.Ownerships(),
		Sessions:     db.WatchSessions(),
		Presence:     pres,
		TURN:         turn,
		Sender:       ws,
		StoreTimeout: cfg.StoreTimeout,
	})
	ws.SetCoordinator(coord)

	api := httpapi.NewServer(httpapi.ServerConfig{
		Log:          log,
		Store:        db,
		Presence:     pres,
		Tokens:       tokens,
		Messenger:    ws,
		PairingTTL:   cfg.PairingCodeTTL,
		ProxyTimeout: cfg.DeviceProxyTimeout,
		CORSOrigins:  cfg.CORSOrigins,
	})

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           api.Router(ws.RegisterRoutes),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go ws.RunReaper(ctx, db.WatchSessions(), db.Devices())

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	log.Info("listening", "addr", ln.Addr().String())

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("serve: %w", err)
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// connectPresence dials Redis when enabled, falling back to a process-local
// store so a Redis outage degrades cross-process features instead of taking
// the server down.
func connectPresence(cfg config.Config, reg *registry.Registry, log *slog.Logger) (presence.Store, *registry.Delivery, error) {
	recordTTL := cfg.HeartbeatTimeout

	if !cfg.RedisEnabled {
		log.Info("redis disabled, using in-process presence")
		return presence.NewMemoryStore(recordTTL, time.Now), nil, nil
	}

	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	err = rdb.Ping(pingCtx).Err()
	cancel()
	if err != nil {
		log.Warn("redis unreachable, falling back to in-process presence; "+
			"multi-process delivery and crash recovery are degraded",
			"err", err)
		rdb.Close()
		return presence.NewMemoryStore(recordTTL, time.Now), nil, nil
	}

	pres, err := presence.NewRedisStore(presence.RedisConfig{
		Client:    rdb,
		RecordTTL: recordTTL,
	})
	if err != nil {
		return nil, nil, err
	}
	return pres, registry.NewDelivery(rdb, reg, log), nil
}
