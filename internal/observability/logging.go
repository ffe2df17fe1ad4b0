// Package observability provides structured logging and Prometheus metrics
// for the orchestrator.
//
// Logging is built on Go's slog package with JSON output for production and
// text for development. Log output passes through a redaction pass so bearer
// tokens and API keys never reach disk, even when a downstream error message
// embeds one.
package observability

import (
	"context"
	"io"
	"log/slog"
	"os"
	"regexp"
	"strings"
)

// LogConfig configures the logging behavior.
type LogConfig struct {
	// Level sets the minimum log level: "debug", "info", "warn", "error".
	Level string `yaml:"level"`

	// Format specifies output format: "json" or "text".
	Format string `yaml:"format"`

	// Output is the writer for log output (defaults to os.Stderr; stdout is
	// reserved for the stdio front-end).
	Output io.Writer `yaml:"-"`

	// RedactPatterns are additional regex patterns for sensitive data,
	// merged with DefaultRedactPatterns.
	RedactPatterns []string `yaml:"redact_patterns"`
}

// DefaultRedactPatterns matches common secret shapes in log text.
var DefaultRedactPatterns = []string{
	`(?i)(api[_-]?key|apikey)[\s:=]+["']?([a-zA-Z0-9_\-]{16,})["']?`,
	`(?i)(bearer|token)[\s:]+([a-zA-Z0-9_\-.]{16,})`,
	`(?i)(secret|password|passwd|pwd)[\s:=]+["']?([^\s"']{8,})["']?`,
	// JWT tokens
	`eyJ[a-zA-Z0-9_-]*\.eyJ[a-zA-Z0-9_-]*\.[a-zA-Z0-9_-]*`,
	// Generic hex secrets (e.g. a leaked 256-bit bridge token)
	`\b[a-fA-F0-9]{64}\b`,
}

const redactedPlaceholder = "[REDACTED]"

// NewLogger creates a structured logger. Invalid or empty level defaults to
// "info"; empty format defaults to "json".
func NewLogger(config LogConfig) *slog.Logger {
	if config.Output == nil {
		config.Output = os.Stderr
	}

	var level slog.Level
	switch strings.ToLower(config.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	redacts := compilePatterns(append(DefaultRedactPatterns, config.RedactPatterns...))
	opts := &slog.HandlerOptions{
		Level: level,
		ReplaceAttr: func(_ []string, a slog.Attr) slog.Attr {
			if a.Value.Kind() == slog.KindString {
				a.Value = slog.StringValue(redact(redacts, a.Value.String()))
			}
			return a
		},
	}

	var handler slog.Handler
	if strings.ToLower(config.Format) == "text" {
		handler = slog.NewTextHandler(config.Output, opts)
	} else {
		handler = slog.NewJSONHandler(config.Output, opts)
	}
	return slog.New(handler)
}

// correlationKey is the context key carrying the execution correlation id.
type correlationKey struct{}

// WithCorrelationID returns a context carrying the correlation id.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationKey{}, id)
}

// CorrelationID extracts the correlation id from ctx, or "".
func CorrelationID(ctx context.Context) string {
	if id, ok := ctx.Value(correlationKey{}).(string); ok {
		return id
	}
	return ""
}

func compilePatterns(patterns []string) []*regexp.Regexp {
	res := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		if re, err := regexp.Compile(p); err == nil {
			res = append(res, re)
		}
	}
	return res
}

func redact(redacts []*regexp.Regexp, s string) string {
	for _, re := range redacts {
		s = re.ReplaceAllString(s, redactedPlaceholder)
	}
	return s
}
