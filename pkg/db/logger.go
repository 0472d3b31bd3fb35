package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	"gorm.io/gorm/utils"
)

const defaultSlowThreshold = 200 * time.Millisecond

// ZapGormLogger implements gorm.io/gorm/logger.Interface on top of zap.
//
// With Redact set, statements are logged with their placeholders instead of
// bound values. License rows carry key hashes and ciphertexts, which have no
// business in log storage.
type ZapGormLogger struct {
	Zap           *zap.Logger
	SlowThreshold time.Duration
	LogLevel      logger.LogLevel
	ShowSQL       bool
	Redact        bool
}

type LoggerOption func(*ZapGormLogger)

func WithSlowThreshold(d time.Duration) LoggerOption {
	return func(l *ZapGormLogger) { l.SlowThreshold = d }
}

func WithRedaction(on bool) LoggerOption {
	return func(l *ZapGormLogger) { l.Redact = on }
}

func NewZapGormLogger(z *zap.Logger, logLevel logger.LogLevel, showSQL bool, opts ...LoggerOption) *ZapGormLogger {
	l := &ZapGormLogger{
		Zap:           z.Named("gorm"),
		LogLevel:      logLevel,
		ShowSQL:       showSQL,
		SlowThreshold: defaultSlowThreshold,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *ZapGormLogger) LogMode(level logger.LogLevel) logger.Interface {
	newLogger := *l
	newLogger.LogLevel = level
	return &newLogger
}

// ParamsFilter is picked up by gorm before it renders the statement passed
// to Trace.
func (l *ZapGormLogger) ParamsFilter(ctx context.Context, sql string, params ...any) (string, []any) {
	if l.Redact {
		return sql, nil
	}
	return sql, params
}

func (l *ZapGormLogger) Info(ctx context.Context, msg string, data ...any) {
	if l.LogLevel >= logger.Info {
		l.Zap.Info(fmt.Sprintf(msg, data...))
	}
}

func (l *ZapGormLogger) Warn(ctx context.Context, msg string, data ...any) {
	if l.LogLevel >= logger.Warn {
		l.Zap.Warn(fmt.Sprintf(msg, data...))
	}
}

func (l *ZapGormLogger) Error(ctx context.Context, msg string, data ...any) {
	if l.LogLevel >= logger.Error {
		l.Zap.Error(fmt.Sprintf(msg, data...))
	}
}

func (l *ZapGormLogger) Trace(ctx context.Context, begin time.Time, fc func() (string, int64), err error) {
	if l.LogLevel <= logger.Silent {
		return
	}

	elapsed := time.Since(begin)
	sql, rows := fc()

	fields := []zap.Field{
		zap.String("file", utils.FileWithLineNum()),
		zap.String("sql", sql),
		zap.Int64("rows", rows),
		zap.Float64("duration_ms", float64(elapsed.Microseconds())/1000),
	}
	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		fields = append(fields,
			zap.String("trace_id", sc.TraceID().String()),
			zap.String("span_id", sc.SpanID().String()),
		)
	}

	switch {
	case errors.Is(err, gorm.ErrDuplicatedKey):
		// key collisions are retried by issuance
		if l.LogLevel >= logger.Warn {
			l.Zap.Warn("gorm.duplicate_key", append(fields, zap.Error(err))...)
		}
	case err != nil && !errors.Is(err, logger.ErrRecordNotFound):
		l.Zap.Error("gorm.query", append(fields, zap.Error(err))...)
	case l.SlowThreshold != 0 && elapsed > l.SlowThreshold:
		if l.LogLevel >= logger.Warn {
			l.Zap.Warn("gorm.slow_query", append(fields, zap.Duration("threshold", l.SlowThreshold))...)
		}
	case l.LogLevel >= logger.Info && l.ShowSQL:
		l.Zap.Info("gorm.query", fields...)
	}
}
