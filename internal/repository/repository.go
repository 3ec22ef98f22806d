// Package repository persists tabs, payments, settlements and refunds with
// gorm. Status transitions are conditional updates; a transition whose
// precondition no longer holds affects zero rows and is reported as such.
package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/rs/zerolog"
	"github.com/uptrace/opentelemetry-go-extra/otelgorm"
	"go.opentelemetry.io/otel"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	x402 "github.com/x402-foundation/x402-tabs"
	"github.com/x402-foundation/x402-tabs/internal/models"
)

// Config selects and tunes the database.
type Config struct {
	Driver string
	DSN    string
	Logger zerolog.Logger
	// MaxOpenConns caps the pool; zero leaves the driver default.
	MaxOpenConns int
}

// Open connects, installs the otel plugin and migrates the schema.
func Open(cfg Config) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch cfg.Driver {
	case "mysql":
		dialector = mysql.Open(cfg.DSN)
	case "sqlite", "":
		dialector = sqlite.Open(cfg.DSN)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}

	dbLogger := cfg.Logger.With().Str("component", "gorm").Logger()
	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.New(&dbLogger, logger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  logger.Warn,
			IgnoreRecordNotFoundError: true,
		}),
	})
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", cfg.Driver, err)
	}

	if err := db.Use(otelgorm.NewPlugin(
		otelgorm.WithTracerProvider(otel.GetTracerProvider()),
	)); err != nil {
		return nil, fmt.Errorf("install otelgorm: %w", err)
	}

	if cfg.MaxOpenConns > 0 {
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	}

	if err := db.AutoMigrate(models.All()...); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return db, nil
}

// Repository wraps a gorm handle. Inside WithTx it wraps the transaction.
type Repository struct {
	db *gorm.DB
}

func New(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

// DB exposes the underlying handle for health checks.
func (r *Repository) DB() *gorm.DB {
	return r.db
}

// WithTx runs fn in one transaction. Returning an error rolls back.
func (r *Repository) WithTx(ctx context.Context, fn func(tx *Repository) error) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&Repository{db: tx})
	})
}

// Ping checks the connection.
func (r *Repository) Ping(ctx context.Context) error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close releases the pool.
func (r *Repository) Close() error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (r *Repository) conn(ctx context.Context) *gorm.DB {
	return r.db.WithContext(ctx)
}

// first loads one row by id, mapping a miss to x402.ErrNotFound.
func (r *Repository) first(ctx context.Context, dest interface{}, entity, id string, preloads ...string) error {
	q := r.conn(ctx)
	for _, p := range preloads {
		q = q.Preload(p)
	}
	if err := q.Where("id = ?", id).First(dest).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return x402.NewNotFoundError(entity, id)
		}
		return fmt.Errorf("find %s %s: %w", entity, id, err)
	}
	return nil
}

// transition applies updates to the row only while it still has one of
// the from statuses. It reports whether the row changed.
func (r *Repository) transition(ctx context.Context, model interface{}, id string, from []string, updates map[string]interface{}) (bool, error) {
	res := r.conn(ctx).Model(model).
		Where("id = ? AND status IN ?", id, from).
		Updates(updates)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// touch bumps updated_at as the first write of a transaction so concurrent
// transactions on the same row serialize behind the row lock.
func (r *Repository) touch(ctx context.Context, model interface{}, id string) error {
	res := r.conn(ctx).Model(model).Where("id = ?", id).Update("updated_at", time.Now().UTC())
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}
