package logging

import (
	"go.uber.org/zap/zapcore"
)

// NewMultiCore tees log entries to a console writer and an optional file writer.
//
// The file side always encodes JSON so it can be shipped to a log pipeline.
// The console side is human-readable in development mode and JSON otherwise,
// which keeps serverless log collectors happy.
//
// A nil fileWriter yields a console-only core.
func NewMultiCore(level zapcore.LevelEnabler, consoleWriter, fileWriter zapcore.WriteSyncer, isDev bool) zapcore.Core {
	var consoleEncoder zapcore.Encoder
	if isDev {
		consoleEncoder = zapcore.NewConsoleEncoder(NewConsoleEncoderConfig())
	} else {
		consoleEncoder = zapcore.NewJSONEncoder(NewEncoderConfig())
	}
	consoleCore := zapcore.NewCore(consoleEncoder, consoleWriter, level)

	if fileWriter == nil {
		return consoleCore
	}

	fileCore := zapcore.NewCore(zapcore.NewJSONEncoder(NewEncoderConfig()), fileWriter, level)
	return zapcore.NewTee(consoleCore, fileCore)
}
