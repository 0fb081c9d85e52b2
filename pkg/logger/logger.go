// Package logger is the process-wide leveled logger used by every component.
package logger

import (
	"io"
	"os"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	level = zap.NewAtomicLevelAt(zapcore.InfoLevel)

	mu   sync.RWMutex
	base *zap.SugaredLogger
)

func init() {
	base = newLogger(os.Stdout)
}

func newLogger(w io.Writer) *zap.SugaredLogger {
	if w == nil {
		w = os.Stdout
	}
	encCfg := zap.NewDevelopmentEncoderConfig()
	encCfg.EncodeTime = zapcore.TimeEncoderOfLayout("2006-01-02 15:04:05.000")
	core := zapcore.NewCore(zapcore.NewConsoleEncoder(encCfg), zapcore.AddSync(w), level)
	return zap.New(core).Sugar()
}

// SetOutput redirects all log output to w.
func SetOutput(w io.Writer) {
	mu.Lock()
	base = newLogger(w)
	mu.Unlock()
}

// SetLevel accepts debug, info, warn or error. Unknown values fall back to info.
func SetLevel(lvl string) {
	switch strings.ToLower(strings.TrimSpace(lvl)) {
	case "debug":
		level.SetLevel(zapcore.DebugLevel)
	case "warn", "warning":
		level.SetLevel(zapcore.WarnLevel)
	case "error":
		level.SetLevel(zapcore.ErrorLevel)
	default:
		level.SetLevel(zapcore.InfoLevel)
	}
}

func active() *zap.SugaredLogger {
	mu.RLock()
	defer mu.RUnlock()
	return base
}

// Named returns a child logger tagged with the component name.
func Named(name string) *zap.SugaredLogger {
	return active().Named(name)
}

// Sync flushes buffered entries. Call once on shutdown.
func Sync() {
	_ = active().Sync()
}

func Debugf(format string, v ...any) { active().Debugf(format, v...) }

func Infof(format string, v ...any) { active().Infof(format, v...) }

func Warnf(format string, v ...any) { active().Warnf(format, v...) }

func Errorf(format string, v ...any) { active().Errorf(format, v...) }
