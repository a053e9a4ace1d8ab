package store

import (
	"errors"
	"log"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"camsignal/internal/domain"
)

// ErrRecordNotFound is returned by lookups when no row matches. Callers
// branch on it with errors.Is; gorm's own sentinel never escapes this
// package.
var ErrRecordNotFound = errors.New("record not found")

type Store struct {
	DB *gorm.DB
}

func New(db *gorm.DB) *Store { return &Store{DB: db} }

type OpenConfig struct {
	DSN    string
	LogSQL bool
}

// Open connects to Postgres. The connection is verified eagerly so a
// misconfigured DSN fails at startup rather than on the first request.
func Open(cfg OpenConfig) (*Store, error) {
	lvl := logger.Silent
	if cfg.LogSQL {
		lvl = logger.Info
	}
	db, err := gorm.Open(postgres.Open(cfg.DSN), &gorm.Config{
		Logger: logger.New(log.New(log.Writer(), "", log.LstdFlags), logger.Config{
			SlowThreshold:             200 * time.Millisecond,
			LogLevel:                  lvl,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		}),
	})
	if err != nil {
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	if err := sqlDB.Ping(); err != nil {
		return nil, err
	}
	return New(db), nil
}

// AutoMigrate creates/updates the schema. Production deployments run SQL
// migrations out of band; this exists for development and tests.
func (s *Store) AutoMigrate() error {
	return s.DB.AutoMigrate(
		&domain.User{},
		&domain.Device{},
		&domain.DeviceOwnership{},
		&domain.PairingCode{},
		&domain.WatchSession{},
	)
}

func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrRecordNotFound
	}
	return err
}
