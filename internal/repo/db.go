// Package repo implements the persistence layer for the submission-attempt
// cache and the sync journal, backed by GORM on a pure-Go SQLite driver.
// This file contains database bootstrapping helpers and schema migrations.
package repo

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	"gorm.io/plugin/opentelemetry/tracing"

	"github.com/tbourn/biobank-intake/internal/domain"
)

type dbOptions struct {
	busyTimeout   time.Duration
	maxOpenConns  int
	slowThreshold time.Duration
}

// Option tunes OpenSQLite.
type Option func(*dbOptions)

// WithBusyTimeout sets how long SQLite waits on a locked database file.
func WithBusyTimeout(d time.Duration) Option {
	return func(o *dbOptions) {
		if d > 0 {
			o.busyTimeout = d
		}
	}
}

// WithMaxOpenConns caps the connection pool.
func WithMaxOpenConns(n int) Option {
	return func(o *dbOptions) {
		if n > 0 {
			o.maxOpenConns = n
		}
	}
}

// OpenSQLite opens (or creates) the attempt database at path. The parent
// directory must already exist. Queries are traced through the OpenTelemetry
// plugin and slow ones are logged with zerolog.
func OpenSQLite(path string, opts ...Option) (*gorm.DB, error) {
	o := dbOptions{busyTimeout: 5 * time.Second, maxOpenConns: 10, slowThreshold: 200 * time.Millisecond}
	for _, opt := range opts {
		opt(&o)
	}

	// sqlite reports a missing directory as "out of memory (14)" on some platforms.
	if dir := filepath.Dir(path); dir != "." {
		if _, err := os.Stat(dir); err != nil {
			return nil, err
		}
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.New(gormWriter{}, logger.Config{
			SlowThreshold:             o.slowThreshold,
			LogLevel:                  logger.Warn,
			IgnoreRecordNotFoundError: true,
		}),
	})
	if err != nil {
		return nil, err
	}
	if err := db.Use(tracing.NewPlugin(tracing.WithoutMetrics())); err != nil {
		return nil, err
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		fmt.Sprintf("PRAGMA busy_timeout=%d;", o.busyTimeout.Milliseconds()),
	}
	for _, p := range pragmas {
		if err := db.Exec(p).Error; err != nil {
			return nil, fmt.Errorf("%s %w", p, err)
		}
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(o.maxOpenConns)
	sqlDB.SetMaxIdleConns(o.maxOpenConns)
	sqlDB.SetConnMaxIdleTime(5 * time.Minute)
	sqlDB.SetConnMaxLifetime(30 * time.Minute)

	return db, nil
}

// AutoMigrate creates or updates the attempt and journal tables.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&domain.SubmissionAttempt{},
		&domain.SyncEvent{},
	)
}

// gormWriter routes gorm's warnings (slow queries, errors) to zerolog.
type gormWriter struct{}

func (gormWriter) Printf(format string, args ...any) {
	log.Warn().Str("component", "gorm").Msgf(format, args...)
}
