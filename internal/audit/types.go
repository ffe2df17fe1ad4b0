// Package audit provides the append-only, daily-rotated JSONL audit trail.
// Events record outcomes and argument hashes, never argument values or
// secrets.
package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// Kind categorizes audit events.
type Kind string

const (
	KindAuthFailure Kind = "auth-failure"
	KindRateLimited Kind = "rate-limited"
	KindCircuitOpen Kind = "circuit-open"
	KindQueueFull   Kind = "queue-full"
	KindToolCall    Kind = "tool-call"
	KindSampling    Kind = "sampling"
	KindShutdown    Kind = "shutdown"
	KindDiscovery   Kind = "discovery"
)

// Outcome is the result recorded for an event.
type Outcome string

const (
	OutcomeSuccess  Outcome = "success"
	OutcomeFailure  Outcome = "failure"
	OutcomeRejected Outcome = "rejected"
)

// Event is one line of the audit log. Field order is fixed by the struct so
// a record re-encodes deterministically.
type Event struct {
	// Time is the event timestamp, always UTC.
	Time time.Time `json:"time"`

	// CorrelationID ties events belonging to the same execution together.
	CorrelationID string `json:"correlation_id"`

	// Kind categorizes the event.
	Kind Kind `json:"kind"`

	// Outcome is success, failure, or rejected.
	Outcome Outcome `json:"outcome"`

	// Tool is the fully-qualified tool name, when applicable.
	Tool string `json:"tool,omitempty"`

	// ArgsSHA256 is the hex SHA-256 of the request argument payload.
	// Argument values themselves are never recorded.
	ArgsSHA256 string `json:"args_sha256,omitempty"`

	// LatencyMS is the call latency in milliseconds, when applicable.
	LatencyMS int64 `json:"latency_ms,omitempty"`

	// Error is a sanitized error message, when applicable.
	Error string `json:"error,omitempty"`

	// Meta carries arbitrary additional fields.
	Meta map[string]any `json:"meta,omitempty"`
}

// HashArgs returns the hex SHA-256 of an argument payload.
func HashArgs(payload []byte) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

// Config configures the audit logger.
type Config struct {
	// Enabled determines whether events are written at all.
	Enabled bool `yaml:"enabled"`

	// RetentionDays is how long day files are kept before the sweep deletes
	// them. Clamped to [1, 365]; default 30.
	RetentionDays int `yaml:"retention_days"`
}

// DefaultConfig returns the default audit configuration.
func DefaultConfig() Config {
	return Config{
		Enabled:       true,
		RetentionDays: 30,
	}
}

func (c *Config) clampRetention() int {
	days := c.RetentionDays
	if days <= 0 {
		days = 30
	}
	if days < 1 {
		days = 1
	}
	if days > 365 {
		days = 365
	}
	return days
}
