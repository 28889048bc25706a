package audit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	gormlogger "gorm.io/gorm/logger"
)

// zapGormLogger routes gorm's logging through zap.
type zapGormLogger struct {
	log                       *zap.Logger
	level                     gormlogger.LogLevel
	slowThreshold             time.Duration
	ignoreRecordNotFoundError bool
}

func newGormLogger(l *zap.Logger) *zapGormLogger {
	return &zapGormLogger{
		log:                       l.With(zap.String("component", "gorm")),
		level:                     gormlogger.Warn,
		slowThreshold:             time.Second,
		ignoreRecordNotFoundError: true,
	}
}

func (g *zapGormLogger) LogMode(level gormlogger.LogLevel) gormlogger.Interface {
	next := *g
	next.level = level
	return &next
}

func (g *zapGormLogger) Info(ctx context.Context, msg string, args ...interface{}) {
	if g.level >= gormlogger.Info {
		g.log.Sugar().Infof(msg, args...)
	}
}

func (g *zapGormLogger) Warn(ctx context.Context, msg string, args ...interface{}) {
	if g.level >= gormlogger.Warn {
		g.log.Sugar().Warnf(msg, args...)
	}
}

func (g *zapGormLogger) Error(ctx context.Context, msg string, args ...interface{}) {
	if g.level >= gormlogger.Error {
		g.log.Sugar().Errorf(msg, args...)
	}
}

func (g *zapGormLogger) Trace(ctx context.Context, begin time.Time, fc func() (string, int64), err error) {
	if g.level <= gormlogger.Silent {
		return
	}
	elapsed := time.Since(begin)
	sql, rows := fc()

	switch {
	case err != nil && (!errors.Is(err, gormlogger.ErrRecordNotFound) || !g.ignoreRecordNotFoundError):
		if g.level >= gormlogger.Error {
			g.log.Error("database error", zap.Error(err), zap.Duration("elapsed", elapsed), zap.Int64("rows", rows), zap.String("sql", sql))
		}
	case g.slowThreshold != 0 && elapsed > g.slowThreshold:
		if g.level >= gormlogger.Warn {
			g.log.Warn(fmt.Sprintf("SLOW SQL >= %v", g.slowThreshold), zap.Duration("elapsed", elapsed), zap.Int64("rows", rows), zap.String("sql", sql))
		}
	default:
		if g.level >= gormlogger.Info {
			g.log.Debug("database query", zap.Duration("elapsed", elapsed), zap.Int64("rows", rows), zap.String("sql", sql))
		}
	}
}
