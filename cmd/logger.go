package cmd

import (
	"io"
	"log/slog"
	"os"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/webitel/im-realtime-client/config"
	"gopkg.in/natefinch/lumberjack.v2"
)

// ProvideLogger builds the process logger. The level lives in a LevelVar so a
// config reload can change it without rebuilding handlers.
func ProvideLogger(cfg *config.Config) (*slog.Logger, *slog.LevelVar) {
	level := new(slog.LevelVar)
	level.Set(cfg.Log.SlogLevel())
	if cfg.Realtime.Transport.Debug {
		level.Set(slog.LevelDebug)
	}

	var out io.Writer = os.Stderr
	if cfg.Log.File != "" {
		out = io.MultiWriter(os.Stderr, &lumberjack.Logger{
			Filename:   cfg.Log.File,
			MaxSize:    cfg.Log.MaxSizeMB,
			MaxBackups: cfg.Log.MaxBackups,
			MaxAge:     cfg.Log.MaxAgeDays,
			Compress:   cfg.Log.Compress,
		})
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler = slog.NewTextHandler(out, opts)
	if cfg.Log.JSON {
		handler = slog.NewJSONHandler(out, opts)
	}

	logger := slog.New(handler).With("service", ServiceNamespace+"."+ServiceName, "version", version)
	slog.SetDefault(logger)
	return logger, level
}

func ProvideWatermillLogger(logger *slog.Logger) watermill.LoggerAdapter {
	return watermill.NewSlogLogger(logger.With("component", "watermill"))
}
