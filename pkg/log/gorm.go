package log

import (
	"time"

	gormlogger "gorm.io/gorm/logger"
)

// gormWriter 把 gorm 的日志输出转发到 zap。
type gormWriter struct{}

func (gormWriter) Printf(format string, args ...interface{}) {
	sugar.Debugf(format, args...)
}

// NewGormLogger 返回一个写入本包 logger 的 gorm logger，慢查询阈值为 slow。
func NewGormLogger(level string, slow time.Duration) gormlogger.Interface {
	lvl := gormlogger.Warn
	switch level {
	case "debug":
		lvl = gormlogger.Info
	case "error":
		lvl = gormlogger.Error
	case "silent":
		lvl = gormlogger.Silent
	}
	return gormlogger.New(gormWriter{}, gormlogger.Config{
		SlowThreshold:             slow,
		LogLevel:                  lvl,
		IgnoreRecordNotFoundError: true,
		Colorful:                  false,
	})
}
