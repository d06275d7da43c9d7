package main

import (
	"io"
	"log/slog"
	"os"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/MrWong99/parley/internal/config"
)

// newLogger builds the process logger from the log section. The returned
// LevelVar lets config reloads change the level; the closer flushes the
// rotating file, if any.
func newLogger(lc config.LogConfig) (*slog.Logger, *slog.LevelVar, io.Closer) {
	level := new(slog.LevelVar)
	level.Set(lc.Level.Level())

	var (
		w      io.Writer = os.Stderr
		closer io.Closer = nopCloser{}
	)
	if lc.File != "" {
		rot := &lumberjack.Logger{
			Filename:   lc.File,
			MaxSize:    lc.MaxSizeMB,
			MaxBackups: lc.MaxBackups,
			MaxAge:     lc.MaxAgeDays,
			Compress:   lc.Compress,
		}
		w, closer = rot, rot
	}

	opts := &slog.HandlerOptions{Level: level}
	var h slog.Handler
	if lc.Format == config.LogFormatJSON {
		h = slog.NewJSONHandler(w, opts)
	} else {
		h = slog.NewTextHandler(w, opts)
	}
	return slog.New(h), level, closer
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
