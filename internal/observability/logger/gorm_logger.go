package logger

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"
	gormlogger "gorm.io/gorm/logger"
)

// GormLoggerConfig configures the GORM zap logger.
type GormLoggerConfig struct {
	Level                gormlogger.LogLevel
	SlowThreshold        time.Duration
	IgnoreRecordNotFound bool
}

// DefaultGormLoggerConfig returns production-safe defaults.
func DefaultGormLoggerConfig() GormLoggerConfig {
	return GormLoggerConfig{
		Level:                gormlogger.Warn,
		SlowThreshold:        250 * time.Millisecond,
		IgnoreRecordNotFound: true,
	}
}

// GormLogger routes GORM output through zap. Bound parameters are never
// logged because they carry user identifiers.
type GormLogger struct {
	cfg GormLoggerConfig
}

func NewGormLogger(cfg GormLoggerConfig) *GormLogger {
	return &GormLogger{cfg: cfg}
}

func (l *GormLogger) LogMode(level gormlogger.LogLevel) gormlogger.Interface {
	next := *l
	next.cfg.Level = level
	return &next
}

func (l *GormLogger) Info(ctx context.Context, msg string, data ...interface{}) {
	if l.cfg.Level >= gormlogger.Info {
		FromContext(ctx).Info(msg, zap.String("component", "gorm"), zap.Any("data", data))
	}
}

func (l *GormLogger) Warn(ctx context.Context, msg string, data ...interface{}) {
	if l.cfg.Level >= gormlogger.Warn {
		FromContext(ctx).Warn(msg, zap.String("component", "gorm"), zap.Any("data", data))
	}
}

func (l *GormLogger) Error(ctx context.Context, msg string, data ...interface{}) {
	if l.cfg.Level >= gormlogger.Error {
		FromContext(ctx).Error(msg, zap.String("component", "gorm"), zap.Any("data", data))
	}
}

func (l *GormLogger) Trace(ctx context.Context, begin time.Time, fc func() (string, int64), err error) {
	if l.cfg.Level <= gormlogger.Silent {
		return
	}

	elapsed := time.Since(begin)
	notFound := errors.Is(err, gormlogger.ErrRecordNotFound) && l.cfg.IgnoreRecordNotFound
	switch {
	case err != nil && !notFound && l.cfg.Level >= gormlogger.Error:
		sql, rows := fc()
		FromContext(ctx).Warn("gorm.query failed", queryFields(sql, rows, elapsed, err)...)
	case l.cfg.SlowThreshold > 0 && elapsed > l.cfg.SlowThreshold && l.cfg.Level >= gormlogger.Warn:
		sql, rows := fc()
		FromContext(ctx).Warn("gorm.query slow", queryFields(sql, rows, elapsed, nil)...)
	case l.cfg.Level >= gormlogger.Info:
		sql, rows := fc()
		FromContext(ctx).Debug("gorm.query", queryFields(sql, rows, elapsed, nil)...)
	}
}

// ParamsFilter drops bound values from the rendered SQL.
func (l *GormLogger) ParamsFilter(_ context.Context, sql string, _ ...interface{}) (string, []interface{}) {
	return sql, nil
}

func queryFields(sql string, rows int64, elapsed time.Duration, err error) []zap.Field {
	fields := []zap.Field{
		zap.String("component", "gorm"),
		zap.String("sql", strings.TrimSpace(sql)),
		zap.String("target", queryTarget(sql)),
		zap.Int64("duration_ms", elapsed.Milliseconds()),
	}
	if rows >= 0 {
		fields = append(fields, zap.Int64("rows", rows))
	}
	if err != nil {
		fields = append(fields, zap.Error(err))
	}
	return fields
}

// queryTarget returns the table or procedure a statement reads from.
func queryTarget(sql string) string {
	tokens := strings.Fields(sql)
	for i, token := range tokens {
		if !strings.EqualFold(token, "FROM") || i+1 >= len(tokens) {
			continue
		}
		target := tokens[i+1]
		if idx := strings.IndexByte(target, '('); idx >= 0 {
			target = target[:idx]
		}
		return strings.Trim(target, `"`)
	}
	return "unknown"
}

var _ gormlogger.Interface = (*GormLogger)(nil)
