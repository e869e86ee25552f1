// Package logging builds the process-wide slog logger.
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"strings"
	"time"

	slogmulti "github.com/samber/slog-multi"
	slogjournal "github.com/systemd/slog-journal"
)

type Format string

const (
	FormatText Format = "text"
	FormatJSON Format = "json"
)

type config struct {
	level   slog.Level
	format  Format
	output  io.Writer
	journal journalMode
}

type journalMode int

const (
	journalAuto journalMode = iota
	journalOn
	journalOff
)

type Option func(*config)

func WithLevel(level slog.Level) Option {
	return func(c *config) {
		c.level = level
	}
}

func WithFormat(format Format) Option {
	return func(c *config) {
		c.format = format
	}
}

func WithOutput(w io.Writer) Option {
	return func(c *config) {
		c.output = w
	}
}

// WithJournal forces the systemd journal handler on or off. By default it
// is used only when the process runs as a systemd service, in which case
// the terminal handler is dropped.
func WithJournal(enabled bool) Option {
	return func(c *config) {
		if enabled {
			c.journal = journalOn
		} else {
			c.journal = journalOff
		}
	}
}

// New returns a logger fanning out to every configured handler.
func New(opts ...Option) *slog.Logger {
	c := &config{
		level:  slog.LevelInfo,
		format: FormatText,
		output: os.Stderr,
	}
	for _, opt := range opts {
		opt(c)
	}

	useJournal := c.journal == journalOn || (c.journal == journalAuto && isSystemdService())
	handlerOpts := &slog.HandlerOptions{Level: c.level}

	var handlers []slog.Handler
	var terminal slog.Handler
	if !useJournal || c.journal == journalOn {
		switch c.format {
		case FormatJSON:
			terminal = slog.NewJSONHandler(c.output, handlerOpts)
		default:
			terminal = slog.NewTextHandler(c.output, handlerOpts)
		}
		handlers = append(handlers, terminal)
	}

	if useJournal {
		journal, err := slogjournal.NewHandler(&slogjournal.Options{
			Level: c.level,
			ReplaceGroup: func(key string) string {
				return journalKey(key)
			},
			ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
				a.Key = journalKey(a.Key)
				return a
			},
		})
		switch {
		case err == nil:
			handlers = append(handlers, journal)
		case terminal != nil:
			record := slog.NewRecord(time.Now(), slog.LevelWarn, "systemd journal unavailable", 0)
			record.Add("error", err)
			_ = terminal.Handle(context.Background(), record)
		default:
			// Nothing else to write to; fall back to the terminal.
			handlers = append(handlers, slog.NewTextHandler(c.output, handlerOpts))
		}
	}

	return slog.New(slogmulti.Fanout(handlers...))
}

// ParseLevel accepts debug, info, warn and error.
func ParseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("invalid log level %q", s)
	}
	return level, nil
}

// journalKey maps an attribute key to a valid journal field name.
func journalKey(s string) string {
	return strings.Map(func(r rune) rune {
		if r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' {
			return r
		}
		return '_'
	}, strings.ToUpper(s))
}

func isSystemdService() bool {
	if os.Getenv("INVOCATION_ID") == "" {
		return false
	}
	content, err := os.ReadFile("/proc/self/cgroup")
	if err != nil {
		return false
	}
	parts := strings.SplitN(strings.TrimSpace(string(content)), ":", 3)
	return len(parts) == 3 && strings.HasSuffix(path.Dir(parts[2]), ".service")
}
