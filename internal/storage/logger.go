package storage

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	glog "gorm.io/gorm/logger"

	"cdpmonkey/internal/ctxkeys"
	"cdpmonkey/internal/logger"
)

// slowQuery 超过该耗时的语句按慢查询告警
const slowQuery = 200 * time.Millisecond

// gormLogger 把 gorm 的日志接到项目日志
type gormLogger struct {
	log   logger.Logger
	level glog.LogLevel
}

func newGormLogger(l logger.Logger, level glog.LogLevel) *gormLogger {
	return &gormLogger{log: l.With("component", "storage"), level: level}
}

// LogMode 返回指定级别的副本
func (l *gormLogger) LogMode(level glog.LogLevel) glog.Interface {
	cp := *l
	cp.level = level
	return &cp
}

func (l *gormLogger) Info(ctx context.Context, msg string, data ...any) {
	if l.level >= glog.Info {
		l.log.Info(msg, l.fields(ctx, "data", data)...)
	}
}

func (l *gormLogger) Warn(ctx context.Context, msg string, data ...any) {
	if l.level >= glog.Warn {
		l.log.Warn(msg, l.fields(ctx, "data", data)...)
	}
}

func (l *gormLogger) Error(ctx context.Context, msg string, data ...any) {
	if l.level >= glog.Error {
		l.log.Error(msg, l.fields(ctx, "data", data)...)
	}
}

// Trace 记录 SQL；未找到记录不算错误
func (l *gormLogger) Trace(ctx context.Context, begin time.Time, fc func() (string, int64), err error) {
	if l.level <= glog.Silent {
		return
	}
	elapsed := time.Since(begin)
	sql, rows := fc()
	fields := l.fields(ctx, "sql", sql, "rows", rows, "timeMs", float64(elapsed.Microseconds())/1e3)
	switch {
	case err != nil && !errors.Is(err, gorm.ErrRecordNotFound) && l.level >= glog.Error:
		l.log.Error("SQL执行错误", append(fields, "error", err)...)
	case elapsed > slowQuery && l.level >= glog.Warn:
		l.log.Warn("慢SQL查询", append(fields, "threshold", slowQuery.String())...)
	case l.level >= glog.Info:
		l.log.Debug("SQL执行", fields...)
	}
}

func (l *gormLogger) fields(ctx context.Context, kv ...any) []any {
	if id, ok := ctx.Value(ctxkeys.TraceIDKey{}).(string); ok {
		return append([]any{"traceId", id}, kv...)
	}
	return kv
}
