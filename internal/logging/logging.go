package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/charmbracelet/log"
)

type Options struct {
	Level  string
	Format string // text, json or logfmt
	Prefix string
	Output io.Writer
}

// New returns an slog logger rendered by charmbracelet/log. Components take
// the *slog.Logger; only this package knows about the handler.
func New(opts Options) (*slog.Logger, error) {
	if opts.Output == nil {
		opts.Output = os.Stderr
	}
	level := log.InfoLevel
	if opts.Level != "" {
		l, err := log.ParseLevel(opts.Level)
		if err != nil {
			return nil, fmt.Errorf("log level %q: %w", opts.Level, err)
		}
		level = l
	}

	var formatter log.Formatter
	switch opts.Format {
	case "", "text":
		formatter = log.TextFormatter
	case "json":
		formatter = log.JSONFormatter
	case "logfmt":
		formatter = log.LogfmtFormatter
	default:
		return nil, fmt.Errorf("unknown log format %q", opts.Format)
	}

	handler := log.NewWithOptions(opts.Output, log.Options{
		Level:           level,
		Prefix:          opts.Prefix,
		ReportTimestamp: true,
		TimeFormat:      time.RFC3339,
		Formatter:       formatter,
	})
	return slog.New(handler), nil
}

// Discard is for tests and tools that want no output.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
