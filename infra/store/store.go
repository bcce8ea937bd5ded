// Package store is the small key-value persistence layer behind the message queue.
// Every backend satisfies the same contract: a value written with Set survives a
// process restart (memory excepted) and is returned unchanged by Get.
package store

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrNotFound      = errors.New("store: key not found")
	ErrUnknownDriver = errors.New("store: unknown driver")
)

// Store is the key-value contract used by the message queue.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	Close() error
}

const (
	DriverMemory   = "memory"
	DriverFile     = "file"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverRedis    = "redis"
)

// ValidDriver reports whether New knows how to open driver.
func ValidDriver(driver string) bool {
	switch driver {
	case "", DriverMemory, DriverFile, DriverSQLite, DriverPostgres, DriverRedis:
		return true
	}
	return false
}

// Config selects and configures a backend.
type Config struct {
	Driver string `mapstructure:"driver"`
	// Path is the directory for the file driver and the database file for sqlite.
	Path string `mapstructure:"path"`
	// DSN is used by the postgres driver.
	DSN string `mapstructure:"dsn"`
	// Addr, Password and DB configure the redis driver.
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	// Breaker wraps the backend in a circuit breaker when true.
	Breaker bool `mapstructure:"breaker"`
}

// New opens the backend named by cfg.Driver.
func New(cfg Config) (Store, error) {
	var (
		s   Store
		err error
	)

	switch cfg.Driver {
	case DriverMemory, "":
		s = NewMemory()
	case DriverFile:
		s, err = NewFile(cfg.Path)
	case DriverSQLite, DriverPostgres:
		s, err = NewSQL(cfg.Driver, cfg.dsn())
	case DriverRedis:
		s, err = NewRedis(RedisOptions{Addr: cfg.Addr, Password: cfg.Password, DB: cfg.DB})
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownDriver, cfg.Driver)
	}
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", cfg.Driver, err)
	}

	if cfg.Breaker {
		s = NewBreaker(s, cfg.Driver)
	}
	return s, nil
}

func (c Config) dsn() string {
	if c.Driver == DriverSQLite {
		return c.Path
	}
	return c.DSN
}
