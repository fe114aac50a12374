package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	applog "bountypay/pkg/logger"

	"go.uber.org/zap"
	"gorm.io/gorm/logger"
	"gorm.io/gorm/utils"
)

// ZapGormLogger routes gorm logs through the request logger so queries carry
// the trace of the operation that issued them. Unique violations are expected
// (settlement keys, outbox dedupe keys, idempotency reservations) and are
// logged at debug level.
type ZapGormLogger struct {
	SlowThreshold time.Duration
	LogLevel      logger.LogLevel
	ShowSQL       bool
}

func NewZapGormLogger(logLevel logger.LogLevel, showSQL bool, slow time.Duration) *ZapGormLogger {
	return &ZapGormLogger{
		LogLevel:      logLevel,
		ShowSQL:       showSQL,
		SlowThreshold: slow,
	}
}

func (l *ZapGormLogger) LogMode(level logger.LogLevel) logger.Interface {
	newLogger := *l
	newLogger.LogLevel = level
	return &newLogger
}

func (l *ZapGormLogger) Info(ctx context.Context, msg string, data ...interface{}) {
	if l.LogLevel >= logger.Info {
		applog.FromContext(ctx).Info(fmt.Sprintf(msg, data...))
	}
}

func (l *ZapGormLogger) Warn(ctx context.Context, msg string, data ...interface{}) {
	if l.LogLevel >= logger.Warn {
		applog.FromContext(ctx).Warn(fmt.Sprintf(msg, data...))
	}
}

func (l *ZapGormLogger) Error(ctx context.Context, msg string, data ...interface{}) {
	if l.LogLevel >= logger.Error {
		applog.FromContext(ctx).Error(fmt.Sprintf(msg, data...))
	}
}

func (l *ZapGormLogger) Trace(ctx context.Context, begin time.Time, fc func() (string, int64), err error) {
	if l.LogLevel <= logger.Silent {
		return
	}

	elapsed := time.Since(begin)
	sql, rows := fc()
	log := applog.FromContext(ctx).With(
		zap.String("file", utils.FileWithLineNum()),
		zap.Int64("rows", rows),
		zap.Float64("duration_ms", float64(elapsed.Microseconds())/1000),
	)

	switch {
	case err != nil && IsUniqueViolation(err):
		log.Debug("gorm.duplicate", zap.String("sql", sql), zap.Error(err))
	case err != nil && !errors.Is(err, logger.ErrRecordNotFound):
		log.Error("gorm.query", zap.String("sql", sql), zap.Error(err))
	case l.SlowThreshold > 0 && elapsed > l.SlowThreshold:
		log.Warn("gorm.slow_query", zap.String("sql", sql), zap.Duration("threshold", l.SlowThreshold))
	case l.LogLevel == logger.Info && l.ShowSQL:
		log.Debug("gorm.query", zap.String("sql", sql))
	}
}
