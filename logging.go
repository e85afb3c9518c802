package weft

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	slogmulti "github.com/samber/slog-multi"
)

// LogConfig configures the process logger.
type LogConfig struct {
	// Level is debug, info, warn or error.
	Level string `yaml:"level"`

	// Format of the stderr handler: text or json.
	Format string `yaml:"format"`

	// File additionally receives JSON records when set.
	File string `yaml:"file,omitempty"`
}

// NewLogger builds a logger writing to w, fanned out to cfg.File when set.
// The returned closer closes the log file.
func NewLogger(cfg LogConfig, w io.Writer) (*slog.Logger, io.Closer, error) {
	level := new(slog.LevelVar)
	if err := level.UnmarshalText([]byte(strings.ToUpper(orDefault(cfg.Level, "info")))); err != nil {
		return nil, nil, fmt.Errorf("%w: log level %q", ErrInvalidConfig, cfg.Level)
	}
	opts := &slog.HandlerOptions{Level: level}

	var handlers []slog.Handler
	switch orDefault(cfg.Format, "text") {
	case "text":
		handlers = append(handlers, slog.NewTextHandler(w, opts))
	case "json":
		handlers = append(handlers, slog.NewJSONHandler(w, opts))
	default:
		return nil, nil, fmt.Errorf("%w: log format %q", ErrInvalidConfig, cfg.Format)
	}

	var closer io.Closer = nopCloser{}
	if cfg.File != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.File), 0755); err != nil {
			return nil, nil, err
		}
		f, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, nil, fmt.Errorf("open log file: %w", err)
		}
		handlers = append(handlers, slog.NewJSONHandler(f, opts))
		closer = f
	}

	return slog.New(slogmulti.Fanout(handlers...)), closer, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
