package logger

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config selects the log level, encoding, and destination.
type Config struct {
	Level      string // debug, info, warn, error
	Format     string // json, console
	OutputPath string // stdout, stderr, or file path
}

// NewLogger builds a zap logger from cfg. An unparseable level falls back
// to info rather than failing startup.
func NewLogger(cfg Config) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		level = zapcore.InfoLevel
	}

	var encoderConfig zapcore.EncoderConfig
	if cfg.Format == "console" {
		encoderConfig = zap.NewDevelopmentEncoderConfig()
	} else {
		encoderConfig = zap.NewProductionEncoderConfig()
		encoderConfig.TimeKey = "timestamp"
		encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}

	config := zap.Config{
		Level:            zap.NewAtomicLevelAt(level),
		Development:      cfg.Format == "console",
		Encoding:         cfg.Format,
		EncoderConfig:    encoderConfig,
		OutputPaths:      []string{cfg.OutputPath},
		ErrorOutputPaths: []string{"stderr"},
	}

	return config.Build()
}

// ForTurn returns l annotated with the per-turn trace id so every log line
// a single turn produces can be grepped together.
func ForTurn(l *zap.Logger, traceID string) *zap.Logger {
	if traceID == "" {
		return l
	}
	return l.With(zap.String("trace_id", traceID))
}
