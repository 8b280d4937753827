// Package database opens the SQLite file that holds cameras, zones, locations
// and action rules.
package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Pool defaults. The configuration store sees a handful of writers at most.
const (
	defaultMaxOpenConns    = 8
	defaultMaxIdleConns    = 2
	defaultConnMaxLifetime = 5 * time.Minute
	defaultBusyTimeout     = 5 * time.Second
	healthTimeout          = 5 * time.Second
)

// DB is the configuration store connection pool.
type DB struct {
	*sql.DB
	path   string
	logger *slog.Logger
}

// Config holds database configuration. Zero pool fields take the package
// defaults.
type Config struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	BusyTimeout     time.Duration
}

// DefaultConfig places counter.db under dataDir.
func DefaultConfig(dataDir string) *Config {
	return &Config{
		Path:            filepath.Join(dataDir, "counter.db"),
		MaxOpenConns:    defaultMaxOpenConns,
		MaxIdleConns:    defaultMaxIdleConns,
		ConnMaxLifetime: defaultConnMaxLifetime,
		BusyTimeout:     defaultBusyTimeout,
	}
}

func (c Config) withDefaults() Config {
	if c.MaxOpenConns <= 0 {
		c.MaxOpenConns = defaultMaxOpenConns
	}
	if c.MaxIdleConns <= 0 {
		c.MaxIdleConns = defaultMaxIdleConns
	}
	if c.ConnMaxLifetime <= 0 {
		c.ConnMaxLifetime = defaultConnMaxLifetime
	}
	if c.BusyTimeout <= 0 {
		c.BusyTimeout = defaultBusyTimeout
	}
	return c
}

// dsn enables WAL and foreign keys; zone and location membership rows cascade
// on camera and zone deletes.
func (c Config) dsn() string {
	q := url.Values{}
	q.Set("_journal_mode", "WAL")
	q.Set("_synchronous", "NORMAL")
	q.Set("_foreign_keys", "ON")
	q.Set("_busy_timeout", strconv.FormatInt(c.BusyTimeout.Milliseconds(), 10))
	return "file:" + c.Path + "?" + q.Encode()
}

// Open creates the parent directory if needed and verifies the file is usable.
func Open(cfg *Config) (*DB, error) {
	if cfg == nil || cfg.Path == "" {
		return nil, errors.New("database path is required")
	}
	c := cfg.withDefaults()
	logger := slog.Default().With("component", "database")

	if err := os.MkdirAll(filepath.Dir(c.Path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	pool, err := sql.Open("sqlite3", c.dsn())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	pool.SetMaxOpenConns(c.MaxOpenConns)
	pool.SetMaxIdleConns(c.MaxIdleConns)
	pool.SetConnMaxLifetime(c.ConnMaxLifetime)

	if err := pool.Ping(); err != nil {
		_ = pool.Close()
		return nil, fmt.Errorf("failed to ping database %s: %w", c.Path, err)
	}

	logger.Info("Configuration store opened", "path", c.Path, "max_open_conns", c.MaxOpenConns)
	return &DB{DB: pool, path: c.Path, logger: logger}, nil
}

func (db *DB) Close() error {
	db.logger.Info("Closing configuration store")
	return db.DB.Close()
}

func (db *DB) Path() string {
	return db.path
}

// Health backs the "database" entry of the health endpoint.
func (db *DB) Health(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, healthTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("configuration store unreachable: %w", err)
	}
	return nil
}

// Transaction runs fn in a transaction. The store uses it for membership
// rewrites so a zone never lists half of its new cameras. A panic in fn rolls
// back before propagating.
func (db *DB) Transaction(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return errors.Join(err, fmt.Errorf("rollback failed: %w", rbErr))
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}
