package logger

import (
	"os"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config controls log output. Values come from the environment so logging
// works before the config file is parsed.
type Config struct {
	Level  string // debug, info, warn, error
	Format string // json, console
	Color  bool   // console mode only
}

var (
	global *zap.Logger
	atom   zap.AtomicLevel
	once   sync.Once
)

// FromEnv reads LOG_LEVEL, LOG_FORMAT and the color switches.
func FromEnv() Config {
	return Config{
		Level:  envOr("LOG_LEVEL", "info"),
		Format: envOr("LOG_FORMAT", "console"),
		Color:  colorEnabled(),
	}
}

// Init builds the process-wide logger once. Later calls are no-ops.
func Init(cfg Config) {
	once.Do(func() {
		enc := zap.NewProductionEncoderConfig()
		enc.TimeKey = "timestamp"
		enc.EncodeTime = zapcore.ISO8601TimeEncoder
		enc.EncodeLevel = zapcore.CapitalLevelEncoder

		if cfg.Format == "console" {
			enc.EncodeCaller = zapcore.ShortCallerEncoder
			enc.EncodeTime = zapcore.TimeEncoderOfLayout("15:04:05")
			if cfg.Color {
				enc.EncodeLevel = zapcore.CapitalColorLevelEncoder
			}
		}

		atom = zap.NewAtomicLevelAt(parseLevel(cfg.Level))

		var core zapcore.Core
		if cfg.Format == "console" && cfg.Color {
			core = zapcore.NewCore(newHighlightEncoder(enc), zapcore.Lock(os.Stdout), atom)
		} else {
			zcfg := zap.Config{
				Level:             atom,
				Encoding:          cfg.Format,
				EncoderConfig:     enc,
				OutputPaths:       []string{"stdout"},
				ErrorOutputPaths:  []string{"stderr"},
				DisableStacktrace: cfg.Level != "debug",
			}
			built, err := zcfg.Build()
			if err != nil {
				panic("logger init: " + err.Error())
			}
			global = built
			return
		}
		global = zap.New(core, zap.AddCaller())
	})
}

// Get returns the process logger, initializing from the environment on
// first use.
func Get() *zap.Logger {
	if global == nil {
		Init(FromEnv())
	}
	return global
}

// SetLevel changes the level at runtime.
func SetLevel(lvl string) {
	if global != nil {
		atom.SetLevel(parseLevel(lvl))
	}
}

func Sync() {
	if global != nil {
		_ = global.Sync()
	}
}

func envOr(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok {
		return strings.ToLower(v)
	}
	return fallback
}

func parseLevel(lvl string) zapcore.Level {
	switch strings.ToLower(lvl) {
	case "debug":
		return zapcore.DebugLevel
	case "warn":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	case "fatal":
		return zapcore.FatalLevel
	default:
		return zapcore.InfoLevel
	}
}

// colorEnabled honors NO_COLOR (https://no-color.org/) and LOG_COLOR.
func colorEnabled() bool {
	if _, off := os.LookupEnv("NO_COLOR"); off {
		return false
	}
	if v := os.Getenv("LOG_COLOR"); v != "" {
		return v == "true" || v == "1"
	}
	return true
}
