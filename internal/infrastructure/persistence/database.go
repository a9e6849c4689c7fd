package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/erp/dte/internal/infrastructure/config"
	"github.com/erp/dte/internal/infrastructure/logger"
	"github.com/erp/dte/internal/infrastructure/telemetry"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// Database owns the GORM handle every compliance repository is built on
type Database struct {
	DB *gorm.DB
}

// Options tune how the connection is opened
type Options struct {
	Logger   *zap.Logger
	LogLevel gormlogger.LogLevel
	Tracing  telemetry.DBTracingConfig
}

// NewDatabase creates a new database connection with the given configuration
func NewDatabase(cfg *config.DatabaseConfig, opts Options) (*Database, error) {
	return open(postgres.Open(cfg.DSN()), cfg, opts)
}

func open(dialector gorm.Dialector, cfg *config.DatabaseConfig, opts Options) (*Database, error) {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.LogLevel == 0 {
		opts.LogLevel = gormlogger.Silent
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger:                 logger.NewGormLogger(opts.Logger, opts.LogLevel),
		SkipDefaultTransaction: true,
		PrepareStmt:            true,
		TranslateError:         true,
		DisableAutomaticPing:   true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := telemetry.RegisterDBTracing(db, opts.Tracing, opts.Logger); err != nil {
		return nil, fmt.Errorf("failed to register database tracing: %w", err)
	}

	database := &Database{DB: db}
	sqlDB, err := database.SQLDB()
	if err != nil {
		return nil, err
	}

	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(time.Duration(cfg.ConnMaxLifetime) * time.Minute)
	sqlDB.SetConnMaxIdleTime(time.Duration(cfg.ConnMaxIdleTime) * time.Minute)

	if err := sqlDB.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return database, nil
}

// SQLDB returns the pool underneath GORM, shared with migrations and pool metrics
func (d *Database) SQLDB() (*sql.DB, error) {
	sqlDB, err := d.DB.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get underlying sql.DB: %w", err)
	}
	return sqlDB, nil
}

// Close closes the connection pool
func (d *Database) Close() error {
	sqlDB, err := d.SQLDB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Ping checks the database is reachable within ctx
func (d *Database) Ping(ctx context.Context) error {
	sqlDB, err := d.SQLDB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}
