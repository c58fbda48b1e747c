package config

import (
	"fmt"
	"os"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// NewLogger creates a configured Zap logger from Viper settings.
// Reads "logging.level" (debug, info, warn, error; default "info")
// and "logging.format" (json, console; default "json"). When "logging.file"
// is set, entries are also written to that file with size-based rotation.
func NewLogger(v *viper.Viper) (*zap.Logger, error) {
	logger, _, err := NewReloadableLogger(v)
	return logger, err
}

// NewReloadableLogger is NewLogger that also returns the logger's level, so
// it can be changed while running (see WatchLogLevel).
func NewReloadableLogger(v *viper.Viper) (*zap.Logger, zap.AtomicLevel, error) {
	zapLevel, err := parseLevel(v.GetString("logging.level"))
	if err != nil {
		return nil, zap.AtomicLevel{}, err
	}
	level := zap.NewAtomicLevelAt(zapLevel)

	var encCfg zapcore.EncoderConfig
	var encoder zapcore.Encoder
	opts := []zap.Option{zap.AddCaller(), zap.Fields(zap.String("service", "flynn"))}
	switch format := v.GetString("logging.format"); format {
	case "console":
		encCfg = zap.NewDevelopmentEncoderConfig()
		encoder = zapcore.NewConsoleEncoder(encCfg)
		opts = append(opts, zap.Development(), zap.AddStacktrace(zapcore.WarnLevel))
	case "json", "":
		encCfg = zap.NewProductionEncoderConfig()
		encCfg.TimeKey = "ts"
		encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
		encoder = zapcore.NewJSONEncoder(encCfg)
		opts = append(opts, zap.AddStacktrace(zapcore.ErrorLevel))
	default:
		return nil, zap.AtomicLevel{}, fmt.Errorf("invalid log format %q: must be \"json\" or \"console\"", format)
	}

	core := zapcore.NewCore(encoder, zapcore.Lock(os.Stderr), level)
	if path := v.GetString("logging.file"); path != "" {
		rotator := &lumberjack.Logger{
			Filename:   path,
			MaxSize:    v.GetInt("logging.max_size_mb"),
			MaxBackups: v.GetInt("logging.max_backups"),
			MaxAge:     v.GetInt("logging.max_age_days"),
			Compress:   v.GetBool("logging.compress"),
		}
		// The file always gets JSON regardless of the console format.
		fileEnc := zap.NewProductionEncoderConfig()
		fileEnc.TimeKey = "ts"
		fileEnc.EncodeTime = zapcore.ISO8601TimeEncoder
		core = zapcore.NewTee(core, zapcore.NewCore(zapcore.NewJSONEncoder(fileEnc), zapcore.AddSync(rotator), level))
	}

	return zap.New(core, opts...), level, nil
}

// WatchLogLevel re-reads the config file whenever it changes and applies
// a new logging.level. Other keys still need a restart. It does nothing when
// no config file is in use.
func WatchLogLevel(v *viper.Viper, level zap.AtomicLevel, logger *zap.Logger) {
	if v.ConfigFileUsed() == "" {
		return
	}
	v.OnConfigChange(func(e fsnotify.Event) {
		if err := applyLevel(v, level); err != nil {
			logger.Warn("ignoring config change", zap.String("file", e.Name), zap.Error(err))
			return
		}
		logger.Info("log level reloaded", zap.String("file", e.Name), zap.Stringer("level", level.Level()))
	})
	v.WatchConfig()
}

func applyLevel(v *viper.Viper, level zap.AtomicLevel) error {
	l, err := parseLevel(v.GetString("logging.level"))
	if err != nil {
		return err
	}
	level.SetLevel(l)
	return nil
}

func parseLevel(s string) (zapcore.Level, error) {
	if s == "" {
		s = "info"
	}
	var l zapcore.Level
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return l, fmt.Errorf("invalid log level %q: %w", s, err)
	}
	return l, nil
}
