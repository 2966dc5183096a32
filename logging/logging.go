// Package logging installs the process-wide slog handler. Packages keep
// logging through log.Printf; slog.SetDefault routes those lines into the
// same fan-out.
package logging

import (
	"context"
	"io"
	"log"
	"log/slog"
	"os"
	"strings"
	"time"

	slogmulti "github.com/samber/slog-multi"
	slogjournal "github.com/systemd/slog-journal"

	"shuttlecore/config"
)

var level = new(slog.LevelVar)

// Setup builds the terminal (and optionally journal) handler fan-out and
// makes it the default logger.
func Setup(cfg config.LogConfig) *slog.Logger {
	return setup(cfg, os.Stderr)
}

func setup(cfg config.LogConfig, w io.Writer) *slog.Logger {
	level.Set(ParseLevel(cfg.Level))

	terminal := slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})
	handlers := []slog.Handler{terminal}

	if cfg.Journal {
		journal, err := slogjournal.NewHandler(&slogjournal.Options{
			Level: level,
			ReplaceGroup: func(key string) string {
				return journalKey(key)
			},
			ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
				a.Key = journalKey(a.Key)
				return a
			},
		})
		if err != nil {
			record := slog.NewRecord(time.Now(), slog.LevelWarn, "logging: systemd journal unavailable", 0)
			record.Add("error", err)
			_ = terminal.Handle(context.Background(), record)
		} else {
			handlers = append(handlers, journal)
		}
	}

	logger := slog.New(slogmulti.Fanout(handlers...))
	slog.SetDefault(logger)
	log.SetFlags(0)
	return logger
}

// SetLevel changes the level of the installed handlers at runtime.
func SetLevel(s string) {
	level.Set(ParseLevel(s))
}

func ParseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func journalKey(s string) string {
	s = strings.ToUpper(s)
	return strings.Map(func(r rune) rune {
		if r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' {
			return r
		}
		return '_'
	}, s)
}
