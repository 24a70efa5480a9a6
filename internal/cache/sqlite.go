package cache

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/jmoiron/sqlx"
	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"
)

// Cache represents the local SQLite mail store
type Cache struct {
	db     *sqlx.DB
	logger *logrus.Logger
}

// NewCache opens (or creates) the database at dbPath and applies pending migrations
func NewCache(dbPath string, logger *logrus.Logger) (*Cache, error) {
	dsn := dbPath + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_time_format=sqlite"
	if dbPath != ":memory:" {
		// Ensure directory exists
		dir := filepath.Dir(dbPath)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create cache directory: %w", err)
		}
		dsn += "&_pragma=journal_mode(WAL)&_txlock=immediate"
	}

	db, err := sqlx.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if dbPath == ":memory:" {
		// Every connection to :memory: is a separate database
		db.SetMaxOpenConns(1)
	}

	cache, err := NewCacheFromDB(db, logger)
	if err != nil {
		db.Close()
		return nil, err
	}

	logger.WithField("path", dbPath).Info("Cache initialized")
	return cache, nil
}

// NewCacheFromDB wraps an already opened database and migrates it
func NewCacheFromDB(db *sqlx.DB, logger *logrus.Logger) (*Cache, error) {
	cache := &Cache{
		db:     db,
		logger: logger,
	}

	if err := cache.migrate(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return cache, nil
}

// migrate applies every migration newer than the recorded schema version
func (c *Cache) migrate() error {
	if _, err := c.db.Exec(schemaVersionTable); err != nil {
		return fmt.Errorf("failed to create schema_version table: %w", err)
	}

	var current int
	if err := c.db.Get(&current, "SELECT COALESCE(MAX(version), 0) FROM schema_version"); err != nil {
		return fmt.Errorf("failed to read schema version: %w", err)
	}

	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		tx, err := c.db.Beginx()
		if err != nil {
			return fmt.Errorf("failed to begin migration v%d: %w", m.version, err)
		}
		if _, err := tx.Exec(m.sql); err != nil {
			tx.Rollback() //nolint:errcheck
			return fmt.Errorf("failed to apply migration v%d: %w", m.version, err)
		}
		if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", m.version); err != nil {
			tx.Rollback() //nolint:errcheck
			return fmt.Errorf("failed to record migration v%d: %w", m.version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit migration v%d: %w", m.version, err)
		}
		c.logger.WithField("version", m.version).Debug("Applied migration")
	}
	return nil
}

// Close closes the database connection
func (c *Cache) Close() error {
	if c.db != nil {
		return c.db.Close()
	}
	return nil
}

// DB returns the underlying database connection
func (c *Cache) DB() *sqlx.DB {
	return c.db
}
