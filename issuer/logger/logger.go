package logger

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/hackcert/hackcert-node/issuer/config"
)

// New creates a new zerolog logger with the specified configuration.
// Supports console/json format, level filtering, and optional sampling.
func New(logLevel int, logFormat string, logSampler bool) zerolog.Logger {
	return newWithWriter(os.Stdout, logLevel, logFormat, logSampler)
}

// Init builds the process logger from the node config. When a log file is configured,
// JSON lines are also written to it with size-based rotation.
func Init(cfg config.Config) zerolog.Logger {
	if cfg.LogFile == "" {
		return New(cfg.LogLevel, cfg.LogFormat, cfg.LogSampler)
	}
	file := &lumberjack.Logger{
		Filename:   cfg.LogFile,
		MaxSize:    cfg.LogMaxSizeMB,
		MaxBackups: cfg.LogMaxBackups,
		Compress:   true,
	}
	return newWithWriter(os.Stdout, cfg.LogLevel, cfg.LogFormat, cfg.LogSampler, file)
}

// newWithWriter formats out per logFormat; extra writers always receive JSON.
func newWithWriter(out io.Writer, logLevel int, logFormat string, logSampler bool, extra ...io.Writer) zerolog.Logger {
	writer := out
	if logFormat != "json" {
		writer = zerolog.ConsoleWriter{
			Out:        out,
			TimeFormat: time.RFC3339,
		}
	}
	if len(extra) > 0 {
		writer = zerolog.MultiLevelWriter(append([]io.Writer{writer}, extra...)...)
	}

	logger := zerolog.New(writer).
		Level(zerolog.Level(logLevel)).
		With().
		Timestamp().
		Logger()

	if logSampler {
		logger = logger.Sample(&zerolog.BasicSampler{N: 5})
	}
	return logger
}
