// Package obs wires the daemon's ambient observability stack:
// structured logging, Prometheus metrics, and OpenTelemetry tracing.
package obs

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
)

// NewLogger builds a JSON slog.Logger writing to stderr, grounded on
// the teacher's internal/app/logging.go newLogger.
func NewLogger(level string) (*slog.Logger, error) {
	l, _, err := NewLoggerToSink(level, "stderr", "")
	return l, err
}

// NewLoggerToSink builds a JSON slog.Logger against output ("stderr",
// "stdout", or "file"), returning a Closer for file sinks.
func NewLoggerToSink(level, output, path string) (*slog.Logger, io.Closer, error) {
	lvl, err := ParseLogLevel(level)
	if err != nil {
		return nil, nil, err
	}
	w, closer, err := openLogSink(output, path)
	if err != nil {
		return nil, nil, err
	}
	h := slog.NewJSONHandler(w, &slog.HandlerOptions{Level: lvl})
	return slog.New(h), closer, nil
}

// ParseLogLevel parses the four levels the daemon accepts.
func ParseLogLevel(level string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("invalid log level %q (use: debug|info|warn|error)", level)
	}
}

func openLogSink(output, path string) (io.Writer, io.Closer, error) {
	switch strings.ToLower(strings.TrimSpace(output)) {
	case "", "stderr":
		return os.Stderr, nil, nil
	case "stdout":
		return os.Stdout, nil, nil
	case "file":
		p := strings.TrimSpace(path)
		if p == "" {
			return nil, nil, errors.New("obs: log output file requires a path")
		}
		f, err := os.OpenFile(p, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, nil, err
		}
		return f, f, nil
	default:
		return nil, nil, fmt.Errorf("obs: invalid log output %q (use: stderr|stdout|file)", output)
	}
}
