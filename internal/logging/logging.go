// Package logging builds the zap loggers used by the command line tools.
package logging

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

type Config struct {
	// Development selects zap's human-readable development config.
	Development bool
	Level       zapcore.Level

	// DiagnosticsFile, if set, also receives worker diagnostics as JSON, rotated by size.
	DiagnosticsFile string
	MaxSizeMB       int
	MaxBackups      int
	MaxAgeDays      int
	Compress        bool
}

// Loggers are the main logger and the logger for worker diagnostics.
type Loggers struct {
	Log         *zap.Logger
	Diagnostics *zap.Logger

	file *lumberjack.Logger
}

func New(cfg Config) (*Loggers, error) {
	zcfg := zap.NewProductionConfig()
	if cfg.Development {
		zcfg = zap.NewDevelopmentConfig()
	}
	zcfg.Level = zap.NewAtomicLevelAt(cfg.Level)
	log, err := zcfg.Build()
	if err != nil {
		return nil, err
	}

	l := &Loggers{Log: log, Diagnostics: log.Named("worker")}
	if cfg.DiagnosticsFile == "" {
		return l, nil
	}

	l.file = &lumberjack.Logger{
		Filename:   cfg.DiagnosticsFile,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAgeDays,
		Compress:   cfg.Compress,
	}
	fileCore := zapcore.NewCore(
		zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig()),
		zapcore.AddSync(l.file),
		zap.NewAtomicLevelAt(zapcore.DebugLevel),
	)
	l.Diagnostics = log.WithOptions(zap.WrapCore(func(c zapcore.Core) zapcore.Core {
		return zapcore.NewTee(c, fileCore)
	})).Named("worker")
	return l, nil
}

// Close flushes the loggers and closes the diagnostics file.
func (l *Loggers) Close() error {
	// syncing stderr fails on some platforms, so sync errors are ignored
	_ = l.Diagnostics.Sync()
	_ = l.Log.Sync()
	if l.file != nil {
		return l.file.Close()
	}
	return nil
}
