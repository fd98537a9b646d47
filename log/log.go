// Package log is the structured logger used by groups. It wraps a sugared
// zap logger behind a small interface so callers can plug in their own.
package log

import (
	"os"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger logs key/value pairs at different levels.
type Logger interface {
	Info(keyvals ...interface{})
	Debug(keyvals ...interface{})
	Warn(keyvals ...interface{})
	Error(keyvals ...interface{})
	Infow(msg string, keyvals ...interface{})
	Debugw(msg string, keyvals ...interface{})
	Warnw(msg string, keyvals ...interface{})
	Errorw(msg string, keyvals ...interface{})
	With(args ...interface{}) Logger
	Named(s string) Logger
}

type log struct {
	*zap.SugaredLogger
}

func (l *log) With(args ...interface{}) Logger {
	return &log{l.SugaredLogger.With(args...)}
}

func (l *log) Named(s string) Logger {
	return &log{l.SugaredLogger.Named(s)}
}

const (
	DebugLevel = int(zapcore.DebugLevel)
	InfoLevel  = int(zapcore.InfoLevel)
	WarnLevel  = int(zapcore.WarnLevel)
	ErrorLevel = int(zapcore.ErrorLevel)
)

// DefaultLevel is the level of the default logger. Change it before the
// first call to DefaultLogger.
var DefaultLevel = InfoLevel

func init() {
	if lvl, ok := os.LookupEnv("MLS_TEST_LOGS"); ok && strings.EqualFold(lvl, "debug") {
		DefaultLevel = DebugLevel
	}
}

var (
	defaultLogger    Logger
	defaultLoggerSet sync.Once
)

// DefaultLogger logs JSON to stdout at DefaultLevel.
func DefaultLogger() Logger {
	defaultLoggerSet.Do(func() {
		defaultLogger = &log{newZapLogger(nil, jsonEncoder(), DefaultLevel).Sugar()}
	})
	return defaultLogger
}

// New returns a logger that prints statements at the given level or above.
// A nil output means stdout.
func New(output zapcore.WriteSyncer, level int, isJSON bool) Logger {
	encoder := consoleEncoder()
	if isJSON {
		encoder = jsonEncoder()
	}
	return &log{newZapLogger(output, encoder, level).Sugar()}
}

// NewNop discards everything.
func NewNop() Logger {
	return &log{zap.NewNop().Sugar()}
}

// ParseLevel maps a level name to one of the level constants. Unknown names
// map to InfoLevel.
func ParseLevel(name string) int {
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(strings.ToLower(name))); err != nil {
		return InfoLevel
	}
	return int(lvl)
}

func newZapLogger(output zapcore.WriteSyncer, encoder zapcore.Encoder, level int) *zap.Logger {
	if output == nil {
		output = os.Stdout
	}

	core := zapcore.NewCore(encoder, output, zapcore.Level(level))
	return zap.New(core, zap.WithCaller(true))
}

func jsonEncoder() zapcore.Encoder {
	cfg := zap.NewProductionEncoderConfig()
	cfg.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.EncodeLevel = zapcore.CapitalLevelEncoder
	return zapcore.NewJSONEncoder(cfg)
}

func consoleEncoder() zapcore.Encoder {
	cfg := zap.NewProductionEncoderConfig()
	cfg.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.EncodeLevel = zapcore.CapitalLevelEncoder
	return zapcore.NewConsoleEncoder(cfg)
}
