// Package filter redacts secrets and PII from text that flows back toward
// model-adjacent consumers, such as sampling responses.
package filter

import (
	"regexp"
)

// placeholder replaces every redacted span.
const placeholder = "[REDACTED]"

// defaultPatterns matches common secret and PII shapes.
var defaultPatterns = []string{
	// API keys and tokens
	`sk-[a-zA-Z0-9]{20,}`,
	`(?i)bearer\s+[a-zA-Z0-9\-._~+/]{16,}=*`,
	`(?i)(api[_-]?key|apikey|secret|token|password)["']?\s*[:=]\s*["']?[^\s"']{8,}`,
	// AWS access keys
	`AKIA[0-9A-Z]{16}`,
	// Private key blocks
	`-----BEGIN [A-Z ]*PRIVATE KEY-----[\s\S]*?-----END [A-Z ]*PRIVATE KEY-----`,
	// Email addresses
	`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`,
	// Loopback bridge tokens (256-bit hex)
	`\b[0-9a-f]{64}\b`,
}

// Filter applies redaction patterns to text.
type Filter struct {
	patterns []*regexp.Regexp
}

// New compiles the default patterns plus any extras. Invalid extra patterns
// are reported rather than skipped so configuration mistakes surface.
func New(extra ...string) (*Filter, error) {
	f := &Filter{}
	for _, p := range defaultPatterns {
		f.patterns = append(f.patterns, regexp.MustCompile(p))
	}
	for _, p := range extra {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, err
		}
		f.patterns = append(f.patterns, re)
	}
	return f, nil
}

// Apply returns text with every pattern match replaced by the placeholder.
func (f *Filter) Apply(text string) string {
	for _, re := range f.patterns {
		text = re.ReplaceAllString(text, placeholder)
	}
	return text
}

// Matches reports whether text contains any redactable span.
func (f *Filter) Matches(text string) bool {
	for _, re := range f.patterns {
		if re.MatchString(text) {
			return true
		}
	}
	return false
}
