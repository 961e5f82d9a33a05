// Package logging provides the worker's structured logger: zap with console and
// rotating-file output and automatic redaction of tokens and credentials.
package logging

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Options configures NewLogger.
type Options struct {
	// Development switches the console to colored human-readable output and
	// lowers the default level to debug.
	Development bool

	// FilePath enables JSON file output with rotation. Empty disables it.
	FilePath string

	// Level overrides the default level when non-nil.
	Level *zapcore.Level

	// File tunes log rotation.
	File FileWriterConfig

	// Console receives console output. Defaults to stdout.
	Console zapcore.WriteSyncer
}

// Logger wraps zap.Logger and redacts sensitive values from every field
// before it reaches an encoder.
//
// Example:
//
//	logger, _ := logging.NewLogger(logging.Options{FilePath: "worker.log"})
//	defer logger.Sync()
//
//	logger.Info("pipeline ready", zap.String("device", "cuda"))
type Logger struct {
	zap         *zap.Logger
	sugar       *zap.SugaredLogger
	logFilePath string
}

// NewLogger builds a Logger writing to stdout and, when opts.FilePath is set,
// to a rotating log file.
func NewLogger(opts Options) (*Logger, error) {
	level := zapcore.InfoLevel
	if opts.Development {
		level = zapcore.DebugLevel
	}
	if opts.Level != nil {
		level = *opts.Level
	}

	var fileWriter zapcore.WriteSyncer
	if opts.FilePath != "" {
		fileCfg := opts.File
		if fileCfg == (FileWriterConfig{}) {
			fileCfg = DefaultFileWriterConfig()
		}
		fileWriter = NewFileWriter(opts.FilePath, fileCfg)
	}

	console := opts.Console
	if console == nil {
		console = os.Stdout
	}
	core := NewMultiCore(level, zapcore.Lock(console), fileWriter, opts.Development)
	return newLogger(zap.New(core, zap.AddCaller(), zap.AddCallerSkip(1)), opts.FilePath), nil
}

// NewFromZap wraps an existing zap logger. Used by tests with zaptest/observer.
func NewFromZap(z *zap.Logger) *Logger {
	return newLogger(z, "")
}

// NewNop returns a Logger that discards everything.
func NewNop() *Logger {
	return newLogger(zap.NewNop(), "")
}

func newLogger(z *zap.Logger, path string) *Logger {
	return &Logger{
		zap:         z,
		sugar:       z.Sugar(),
		logFilePath: path,
	}
}

// Sync flushes buffered entries. Call before exit.
func (l *Logger) Sync() error {
	if l == nil || l.zap == nil {
		return nil
	}
	return l.zap.Sync()
}

func (l *Logger) Debug(msg string, fields ...zap.Field) {
	l.zap.Debug(msg, redactFields(fields)...)
}

func (l *Logger) Info(msg string, fields ...zap.Field) {
	l.zap.Info(msg, redactFields(fields)...)
}

func (l *Logger) Warn(msg string, fields ...zap.Field) {
	l.zap.Warn(msg, redactFields(fields)...)
}

func (l *Logger) Error(msg string, fields ...zap.Field) {
	l.zap.Error(msg, redactFields(fields)...)
}

// Fatal logs then exits the process with status 1.
func (l *Logger) Fatal(msg string, fields ...zap.Field) {
	l.zap.Fatal(msg, redactFields(fields)...)
}

// Warnw logs loosely-typed key/value pairs at warn level.
func (l *Logger) Warnw(msg string, keysAndValues ...interface{}) {
	l.sugar.Warnw(msg, redactKeysAndValues(keysAndValues)...)
}

// With returns a child logger that adds fields to every entry.
//
// Example:
//
//	reqLogger := logger.With(zap.String("request_id", id))
func (l *Logger) With(fields ...zap.Field) *Logger {
	return newLogger(l.zap.With(redactFields(fields)...), l.logFilePath)
}

// Named returns a child logger for a component ("pipeline", "handler", ...).
func (l *Logger) Named(name string) *Logger {
	return newLogger(l.zap.Named(name), l.logFilePath)
}

// Zap exposes the underlying logger for libraries that want a *zap.Logger.
func (l *Logger) Zap() *zap.Logger {
	return l.zap
}

func (l *Logger) LogFilePath() string {
	return l.logFilePath
}

func redactFields(fields []zap.Field) []zap.Field {
	if len(fields) == 0 {
		return fields
	}
	out := make([]zap.Field, len(fields))
	for i, f := range fields {
		out[i] = redactField(f)
	}
	return out
}

func redactField(f zap.Field) zap.Field {
	if IsSensitiveField(f.Key) {
		return zap.String(f.Key, RedactedPlaceholder)
	}
	switch f.Type {
	case zapcore.StringType:
		if redacted := RedactSensitiveData(f.String); redacted != f.String {
			return zap.String(f.Key, redacted)
		}
	case zapcore.ErrorType:
		if err, ok := f.Interface.(error); ok && err != nil {
			msg := err.Error()
			if redacted := RedactSensitiveData(msg); redacted != msg {
				return zap.String(f.Key, redacted)
			}
		}
	}
	return f
}

func redactKeysAndValues(kv []interface{}) []interface{} {
	if len(kv) == 0 {
		return kv
	}
	out := make([]interface{}, len(kv))
	copy(out, kv)
	for i := 0; i+1 < len(out); i += 2 {
		key, ok := out[i].(string)
		if !ok {
			continue
		}
		if IsSensitiveField(key) {
			out[i+1] = RedactedPlaceholder
			continue
		}
		if s, ok := out[i+1].(string); ok {
			out[i+1] = RedactSensitiveData(s)
		}
	}
	return out
}
