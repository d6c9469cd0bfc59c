// Package store provides gorm-backed persistence for the platform.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/parleyhq/chatbot-platform/internal/model"
)

var (
	// ErrNotFound is returned when a record does not exist or is not
	// visible to the caller.
	ErrNotFound = errors.New("record not found")
	// ErrDuplicate is returned when a uniqueness constraint is violated.
	ErrDuplicate = errors.New("record already exists")
)

// Config holds database connection settings.
type Config struct {
	DatabaseURL string
	MaxOpen     int
	MaxIdle     int
	MaxLifetime time.Duration
}

// Store wraps the database handle and exposes typed queries.
type Store struct {
	db *gorm.DB
}

// Open connects to Postgres, configures the pool, and runs migrations.
func Open(cfg Config) (*Store, error) {
	db, err := gorm.Open(postgres.Open(cfg.DatabaseURL), &gorm.Config{
		Logger:         gormlogger.Default.LogMode(gormlogger.Silent),
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("get sql db: %w", err)
	}
	sqlDB.SetMaxOpenConns(cfg.MaxOpen)
	sqlDB.SetMaxIdleConns(cfg.MaxIdle)
	if cfg.MaxLifetime == 0 {
		cfg.MaxLifetime = time.Hour
	}
	sqlDB.SetConnMaxLifetime(cfg.MaxLifetime)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

// New wraps an existing gorm handle and runs migrations. Used by tests
// with a sqlite database.
func New(db *gorm.DB) (*Store, error) {
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

// migrate runs all automigrations. Keep the model list in one place.
func (s *Store) migrate() error {
	if err := s.db.AutoMigrate(
		&model.User{},
		&model.Conversation{},
		&model.Message{},
		&model.APIKey{},
	); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// translate maps gorm errors to store sentinels.
func translate(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		return ErrNotFound
	case errors.Is(err, gorm.ErrDuplicatedKey):
		return ErrDuplicate
	}
	return err
}
