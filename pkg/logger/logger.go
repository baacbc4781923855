package logger

import (
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	once  sync.Once
	level = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	sugar *zap.SugaredLogger
)

// Init builds the global logger. prod selects JSON output, otherwise the
// console development encoder is used. Only the first call has effect.
func Init(prod bool, lvl string) {
	once.Do(func() {
		var cfg zap.Config
		if prod {
			cfg = zap.NewProductionConfig()
		} else {
			cfg = zap.NewDevelopmentConfig()
		}
		level.SetLevel(ParseLevel(lvl))
		cfg.Level = level

		logger, err := cfg.Build()
		if err != nil {
			panic(err)
		}
		sugar = logger.Sugar()
	})
}

// Get returns the global logger, building a development logger at info
// level if Init was never called.
func Get() *zap.SugaredLogger {
	Init(false, "info")
	return sugar
}

// SetLevel changes the level of the already built logger.
func SetLevel(lvl string) {
	level.SetLevel(ParseLevel(lvl))
}

// ParseLevel maps "debug", "info", "warn", "error" to a zap level. Unknown
// strings fall back to info.
func ParseLevel(s string) zapcore.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return zapcore.DebugLevel
	case "warn", "warning":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// Sync flushes buffered entries; errors from syncing stderr are ignored.
func Sync() {
	if sugar != nil {
		_ = sugar.Sync()
	}
}
