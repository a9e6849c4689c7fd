package logger

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	gormlogger "gorm.io/gorm/logger"
)

// defaultMaxSQLLength bounds logged statements. Signed documents and CAF
// payloads are bound as parameters and would otherwise be logged whole.
const defaultMaxSQLLength = 1024

// GormLogger routes GORM statements to zap, tagged with the tenant and
// document found in the context.
type GormLogger struct {
	logger        *zap.Logger
	logLevel      gormlogger.LogLevel
	slowThreshold time.Duration
	maxSQLLength  int
}

// GormLoggerOption configures a GormLogger
type GormLoggerOption func(*GormLogger)

// WithSlowThreshold sets the duration above which a statement is logged as slow
func WithSlowThreshold(threshold time.Duration) GormLoggerOption {
	return func(l *GormLogger) {
		l.slowThreshold = threshold
	}
}

// WithMaxSQLLength truncates logged statements to n bytes, 0 disables truncation
func WithMaxSQLLength(n int) GormLoggerOption {
	return func(l *GormLogger) {
		l.maxSQLLength = n
	}
}

// NewGormLogger creates a GORM logger backed by zap
func NewGormLogger(zapLogger *zap.Logger, level gormlogger.LogLevel, opts ...GormLoggerOption) *GormLogger {
	gl := &GormLogger{
		logger:        zapLogger.Named("gorm"),
		logLevel:      level,
		slowThreshold: 200 * time.Millisecond,
		maxSQLLength:  defaultMaxSQLLength,
	}
	for _, opt := range opts {
		opt(gl)
	}
	return gl
}

// LogMode implements gormlogger.Interface
func (l *GormLogger) LogMode(level gormlogger.LogLevel) gormlogger.Interface {
	clone := *l
	clone.logLevel = level
	return &clone
}

func (l *GormLogger) Info(ctx context.Context, msg string, data ...any) {
	l.printf(ctx, gormlogger.Info, msg, data)
}

func (l *GormLogger) Warn(ctx context.Context, msg string, data ...any) {
	l.printf(ctx, gormlogger.Warn, msg, data)
}

func (l *GormLogger) Error(ctx context.Context, msg string, data ...any) {
	l.printf(ctx, gormlogger.Error, msg, data)
}

func (l *GormLogger) printf(ctx context.Context, level gormlogger.LogLevel, msg string, data []any) {
	if l.logLevel < level {
		return
	}
	log := l.logger.With(l.scopeFields(ctx)...).Sugar()
	switch level {
	case gormlogger.Error:
		log.Errorf(msg, data...)
	case gormlogger.Warn:
		log.Warnf(msg, data...)
	default:
		log.Infof(msg, data...)
	}
}

// Trace implements gormlogger.Interface. Missing rows are expected lookups
// in the lifecycle and are not reported.
func (l *GormLogger) Trace(ctx context.Context, begin time.Time, fc func() (sql string, rowsAffected int64), err error) {
	if l.logLevel <= gormlogger.Silent {
		return
	}

	elapsed := time.Since(begin)
	notFound := errors.Is(err, gormlogger.ErrRecordNotFound)
	slow := l.slowThreshold > 0 && elapsed > l.slowThreshold

	var msg string
	var level gormlogger.LogLevel
	switch {
	case err != nil && !notFound:
		msg, level = "SQL Error", gormlogger.Error
	case slow:
		msg, level = "Slow SQL", gormlogger.Warn
	default:
		msg, level = "SQL Query", gormlogger.Info
	}
	if l.logLevel < level {
		return
	}

	sql, rows := fc()
	fields := append(l.scopeFields(ctx),
		zap.Duration("elapsed", elapsed),
		zap.Int64("rows", rows),
		zap.String("sql", l.truncate(sql)),
	)

	switch level {
	case gormlogger.Error:
		l.logger.Error(msg, append(fields, zap.Error(err))...)
	case gormlogger.Warn:
		l.logger.Warn(msg, append(fields, zap.Duration("threshold", l.slowThreshold))...)
	default:
		l.logger.Debug(msg, fields...)
	}
}

func (l *GormLogger) scopeFields(ctx context.Context) []zap.Field {
	var fields []zap.Field
	if tenantID, ok := GetTenantID(ctx); ok {
		fields = append(fields, zap.String("tenant_id", tenantID.String()))
	}
	if documentID, ok := GetDocumentID(ctx); ok {
		fields = append(fields, zap.String("document_id", documentID.String()))
	}
	return fields
}

func (l *GormLogger) truncate(sql string) string {
	if l.maxSQLLength <= 0 || len(sql) <= l.maxSQLLength {
		return sql
	}
	return sql[:l.maxSQLLength] + "...(truncated)"
}

// MapGormLogLevel maps the configured log level to a GORM level.
// Statements are only traced at debug; info keeps errors and slow queries.
func MapGormLogLevel(level string) gormlogger.LogLevel {
	switch level {
	case "silent":
		return gormlogger.Silent
	case "error":
		return gormlogger.Error
	case "debug":
		return gormlogger.Info
	default:
		return gormlogger.Warn
	}
}
