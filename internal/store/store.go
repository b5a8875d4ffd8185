// Package store provides durable persistence for gate state and the rebalance audit trail.
package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	coreerrors "github.com/BenPomme/alpaca-trading-system/internal/errors"
	"github.com/BenPomme/alpaca-trading-system/internal/rebalance"
	"github.com/BenPomme/alpaca-trading-system/internal/safety"
	"github.com/BenPomme/alpaca-trading-system/internal/store/filestore"
	"github.com/BenPomme/alpaca-trading-system/internal/store/postgres"
	"github.com/BenPomme/alpaca-trading-system/internal/store/redisstore"
	"github.com/BenPomme/alpaca-trading-system/internal/store/sqlstore"
)

// Supported drivers
const (
	DriverFile     = "file"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverRedis    = "redis"
)

// Store is everything the core needs from durable storage
type Store interface {
	safety.StateStore
	rebalance.AuditLog
	ListOutcomes(ctx context.Context, limit int) ([]rebalance.Outcome, error)
	Close() error
}

// Config selects and configures a driver
type Config struct {
	Driver        string        `yaml:"driver"`
	Path          string        `yaml:"path"`
	DSN           string        `yaml:"dsn"`
	RedisAddr     string        `yaml:"redis_addr"`
	RedisPassword string        `yaml:"redis_password"`
	RedisDB       int           `yaml:"redis_db"`
	Timeout       time.Duration `yaml:"timeout"`
	Breaker       BreakerConfig `yaml:"breaker"`
	// LockPath is the single-writer lock file for the sqlite, postgres and redis drivers.
	// Empty means Path + ".writer.lock", or safety-core.writer.lock without a Path.
	LockPath string `yaml:"lock_path"`
}

// ValidDriver reports whether name is a known driver
func ValidDriver(name string) bool {
	switch strings.ToLower(name) {
	case DriverFile, DriverSQLite, DriverPostgres, DriverRedis:
		return true
	}
	return false
}

// Open opens the configured driver and wraps it in a circuit breaker
func Open(cfg Config, logger zerolog.Logger) (Store, error) {
	var (
		s   Store
		err error
	)

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	switch strings.ToLower(cfg.Driver) {
	case DriverFile, "":
		s, err = filestore.New(cfg.Path)
	case DriverSQLite:
		path := cfg.Path
		if path == "" {
			path = "safety_state.db"
		}
		s, err = sqlstore.Open(path)
	case DriverPostgres:
		if cfg.DSN == "" {
			return nil, coreerrors.NewConfigurationError("store", "open", "postgres driver requires a DSN")
		}
		s, err = postgres.Open(cfg.DSN, timeout)
	case DriverRedis:
		if cfg.RedisAddr == "" {
			return nil, coreerrors.NewConfigurationError("store", "open", "redis driver requires an address")
		}
		s, err = redisstore.Open(redisstore.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			Timeout:  timeout,
		})
	default:
		return nil, coreerrors.NewConfigurationError("store", "open", fmt.Sprintf("unknown store driver %q", cfg.Driver))
	}
	if err != nil {
		return nil, coreerrors.NewPersistenceError("store", "open", err).
			WithContext("driver", cfg.Driver)
	}

	logger.Info().
		Str("driver", cfg.Driver).
		Msg("Persistent store opened")

	return NewBreaker(s, cfg.Breaker, logger), nil
}

// WriterLock takes the single-writer lock that trading commands hold for their lifetime.
// The file driver locks its own state file on Open, so it gets a nil lock here. The lock
// is host-local: database drivers shared across hosts still assume one trading process.
func WriterLock(cfg Config) (*filestore.Lock, error) {
	driver := strings.ToLower(cfg.Driver)
	if driver == DriverFile || driver == "" {
		return nil, nil
	}

	path := cfg.LockPath
	switch {
	case path != "":
	case cfg.Path != "":
		path = cfg.Path + ".writer.lock"
	default:
		path = "safety-core.writer.lock"
	}

	lock, err := filestore.AcquireLock(path, filestore.DefaultLockRefresh)
	if err != nil {
		return nil, coreerrors.NewConfigurationError("store", "writer_lock",
			fmt.Sprintf("another trading process holds the writer lock: %v", err)).
			WithContext("driver", driver)
	}
	return lock, nil
}
