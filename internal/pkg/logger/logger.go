// Package logger holds the process-wide zap logger the command line configures.
// Library packages take a *zap.Logger instead of reaching for this one.
package logger

import (
	"io"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	// Log is the global logger, a no-op until Init runs
	Log = zap.NewNop()
	// Sugar is Log's sugared form
	Sugar = Log.Sugar()

	level = zap.NewAtomicLevelAt(zapcore.InfoLevel)
)

// Config holds logger configuration
type Config struct {
	// Level is a zap level name. Unknown names fall back to info.
	Level string
	// Format is "json" (default) or "console".
	Format string
	// Output defaults to stderr so command output on stdout stays clean.
	Output io.Writer
}

// Init replaces the global logger
func Init(cfg Config) error {
	lvl, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		lvl = zapcore.InfoLevel
	}
	level.SetLevel(lvl)

	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}
	core := zapcore.NewCore(newEncoder(cfg.Format), zapcore.AddSync(out), level)
	Log = zap.New(core, zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel))
	Sugar = Log.Sugar()
	return nil
}

func newEncoder(format string) zapcore.Encoder {
	ec := zap.NewProductionEncoderConfig()
	ec.TimeKey = "timestamp"
	ec.EncodeTime = zapcore.ISO8601TimeEncoder
	if format == "console" {
		ec.EncodeLevel = zapcore.CapitalColorLevelEncoder
		return zapcore.NewConsoleEncoder(ec)
	}
	ec.EncodeLevel = zapcore.LowercaseLevelEncoder
	return zapcore.NewJSONEncoder(ec)
}

// Sync flushes buffered entries
func Sync() error { return Log.Sync() }

// IsDebug reports whether debug entries are written
func IsDebug() bool { return level.Enabled(zapcore.DebugLevel) }

// Named returns a child logger scoped to a component
func Named(component string) *zap.Logger { return Log.Named(component) }

// WithContext returns a logger carrying fields
func WithContext(fields ...zap.Field) *zap.Logger { return Log.With(fields...) }

func WithTraceID(traceID string) *zap.Logger { return Log.With(zap.String("trace_id", traceID)) }

// WithThreadID tags entries with a graph thread
func WithThreadID(threadID string) *zap.Logger { return Log.With(zap.String("thread_id", threadID)) }

func WithTestRunID(testRunID string) *zap.Logger {
	return Log.With(zap.String("test_run_id", testRunID))
}

func Debug(msg string, fields ...zap.Field) { Log.Debug(msg, fields...) }

func Info(msg string, fields ...zap.Field) { Log.Info(msg, fields...) }

func Warn(msg string, fields ...zap.Field) { Log.Warn(msg, fields...) }

func Error(msg string, fields ...zap.Field) { Log.Error(msg, fields...) }
