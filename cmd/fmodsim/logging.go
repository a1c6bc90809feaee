package main

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/wippyai/fmod-bridge/bridge"
	"github.com/wippyai/fmod-bridge/config"
	"github.com/wippyai/fmod-bridge/fmod"
	"github.com/wippyai/fmod-bridge/guest"
	"github.com/wippyai/fmod-bridge/registry"
)

// newLogger builds the process logger. With console false nothing is written
// to stderr, which the monitor owns; a configured log file still receives
// everything.
func newLogger(cfg config.Log, console bool) (*zap.Logger, func(), error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, nil, err
	}

	var cores []zapcore.Core
	if console {
		encCfg := zap.NewProductionEncoderConfig()
		enc := zapcore.NewJSONEncoder(encCfg)
		if cfg.Development {
			encCfg = zap.NewDevelopmentEncoderConfig()
			encCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
			enc = zapcore.NewConsoleEncoder(encCfg)
		}
		cores = append(cores, zapcore.NewCore(enc, zapcore.Lock(os.Stderr), level))
	}

	closeFn := func() {}
	if cfg.File != "" {
		rotator := &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   cfg.Compress,
		}
		encCfg := zap.NewProductionEncoderConfig()
		encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
		cores = append(cores, zapcore.NewCore(zapcore.NewJSONEncoder(encCfg), zapcore.AddSync(rotator), level))
		closeFn = func() { _ = rotator.Close() }
	}

	if len(cores) == 0 {
		return zap.NewNop(), closeFn, nil
	}
	log := zap.New(zapcore.NewTee(cores...), zap.AddCaller())
	return log, func() {
		_ = log.Sync()
		closeFn()
	}, nil
}

// installLogger makes log the package default of the bindings. A nil log
// restores their no-op loggers.
func installLogger(log *zap.Logger) {
	if log == nil {
		bridge.SetLogger(nil)
		registry.SetLogger(nil)
		fmod.SetLogger(nil)
		guest.SetLogger(nil)
		return
	}
	bridge.SetLogger(log.Named("bridge"))
	registry.SetLogger(log.Named("registry"))
	fmod.SetLogger(log.Named("fmod"))
	guest.SetLogger(log.Named("guest"))
}
