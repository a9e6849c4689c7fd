package telemetry

import (
	"context"
	"errors"
	"time"

	"github.com/uptrace/opentelemetry-go-extra/otelgorm"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// DBTracingConfig holds configuration for database tracing.
type DBTracingConfig struct {
	Enabled         bool
	SlowQueryThresh time.Duration
	DBName          string
	// IncludeVariables puts bound query values into spans. Never enable it in
	// production: document rows carry receiver RUTs and signed XML.
	IncludeVariables bool
}

// DefaultDBTracingConfig returns default configuration for database tracing.
func DefaultDBTracingConfig() DBTracingConfig {
	return DBTracingConfig{
		SlowQueryThresh: 200 * time.Millisecond,
		DBName:          "dte",
	}
}

type queryStartKey struct{}

// RegisterDBTracing installs the otelgorm plugin and marks slow queries on the current span.
func RegisterDBTracing(db *gorm.DB, cfg DBTracingConfig, logger *zap.Logger) error {
	if !cfg.Enabled {
		logger.Debug("Database tracing disabled, skipping otelgorm registration")
		return nil
	}

	opts := []otelgorm.Option{otelgorm.WithDBName(cfg.DBName)}
	if !cfg.IncludeVariables {
		opts = append(opts, otelgorm.WithoutQueryVariables())
	}
	if err := db.Use(otelgorm.NewPlugin(opts...)); err != nil {
		return err
	}

	before := func(tx *gorm.DB) {
		if tx.Statement.Context != nil {
			tx.Statement.Context = context.WithValue(tx.Statement.Context, queryStartKey{}, time.Now())
		}
	}
	after := func(tx *gorm.DB) { markSlowQuery(tx, cfg.SlowQueryThresh) }

	cb := db.Callback()
	for _, reg := range []struct {
		op       string
		register func(name string, fn func(*gorm.DB)) error
	}{
		{"create", func(n string, fn func(*gorm.DB)) error { return cb.Create().Before("gorm:create").Register(n, fn) }},
		{"query", func(n string, fn func(*gorm.DB)) error { return cb.Query().Before("gorm:query").Register(n, fn) }},
		{"update", func(n string, fn func(*gorm.DB)) error { return cb.Update().Before("gorm:update").Register(n, fn) }},
		{"delete", func(n string, fn func(*gorm.DB)) error { return cb.Delete().Before("gorm:delete").Register(n, fn) }},
		{"raw", func(n string, fn func(*gorm.DB)) error { return cb.Raw().Before("gorm:raw").Register(n, fn) }},
	} {
		if err := reg.register("dte_timing:before_"+reg.op, before); err != nil {
			return err
		}
	}
	for _, reg := range []struct {
		op       string
		register func(name string, fn func(*gorm.DB)) error
	}{
		{"create", func(n string, fn func(*gorm.DB)) error { return cb.Create().After("gorm:create").Register(n, fn) }},
		{"query", func(n string, fn func(*gorm.DB)) error { return cb.Query().After("gorm:query").Register(n, fn) }},
		{"update", func(n string, fn func(*gorm.DB)) error { return cb.Update().After("gorm:update").Register(n, fn) }},
		{"delete", func(n string, fn func(*gorm.DB)) error { return cb.Delete().After("gorm:delete").Register(n, fn) }},
		{"raw", func(n string, fn func(*gorm.DB)) error { return cb.Raw().After("gorm:raw").Register(n, fn) }},
	} {
		if err := reg.register("dte_slow_query:"+reg.op, after); err != nil {
			return err
		}
	}

	logger.Info("Database tracing enabled",
		zap.Duration("slow_query_threshold", cfg.SlowQueryThresh),
		zap.String("db_name", cfg.DBName),
	)
	return nil
}

func markSlowQuery(tx *gorm.DB, threshold time.Duration) {
	ctx := tx.Statement.Context
	if ctx == nil {
		return
	}
	span := trace.SpanFromContext(ctx)
	if !span.IsRecording() {
		return
	}
	if tx.Statement.Table != "" {
		span.SetAttributes(attribute.String("db.sql.table", tx.Statement.Table))
	}
	if tx.Error != nil && !errors.Is(tx.Error, gorm.ErrRecordNotFound) {
		RecordError(span, tx.Error)
	}
	start, ok := ctx.Value(queryStartKey{}).(time.Time)
	if !ok {
		return
	}
	if elapsed := time.Since(start); elapsed > threshold {
		span.SetAttributes(
			attribute.Bool("db.slow_query", true),
			attribute.Int64("db.query_duration_ms", elapsed.Milliseconds()),
		)
	}
}
