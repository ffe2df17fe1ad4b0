// Package config defines the server configuration, its file loader with
// environment overrides, and the hot-reload watcher.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/Muhumuree/code-executor-MCP/internal/audit"
	"github.com/Muhumuree/code-executor-MCP/internal/mcp"
	"github.com/Muhumuree/code-executor-MCP/internal/observability"
	"github.com/Muhumuree/code-executor-MCP/internal/ratelimit"
	"github.com/Muhumuree/code-executor-MCP/internal/resilience"
	"github.com/Muhumuree/code-executor-MCP/internal/schema"
)

// Config is the root configuration.
type Config struct {
	// StateDir holds audit logs and the schema cache file. Defaults to
	// ~/.code-executor.
	StateDir string `yaml:"state_dir"`

	Log         observability.LogConfig `yaml:"log"`
	Server      ServerConfig            `yaml:"server"`
	Sandbox     SandboxConfig           `yaml:"sandbox"`
	Pool        mcp.PoolConfig          `yaml:"pool"`
	SchemaCache schema.CacheConfig      `yaml:"schema_cache"`
	Audit       audit.Config            `yaml:"audit"`
	RateLimit   ratelimit.Config        `yaml:"rate_limit"`
	Breaker     BreakerConfig           `yaml:"breaker"`
	Sampling    SamplingConfig          `yaml:"sampling"`

	// Servers lists the downstream tool servers.
	Servers []*mcp.ServerConfig `yaml:"servers"`
}

// ServerConfig configures the front-end surface.
type ServerConfig struct {
	// Listen is the HTTP listen address.
	Listen string `yaml:"listen"`

	// Mode selects the front-end: "http" or "stdio".
	Mode string `yaml:"mode"`

	// ShutdownGrace is how long in-flight work may run after a shutdown
	// signal before sandboxes are killed. The overall shutdown ceiling is
	// fixed at 10s.
	ShutdownGrace time.Duration `yaml:"shutdown_grace"`
}

// EngineConfig locates one sandbox engine runtime.
type EngineConfig struct {
	// Command is the absolute path of the engine binary.
	Command string `yaml:"command"`
	// Args precede the supervisor-appended arguments.
	Args []string `yaml:"args"`
}

// SandboxConfig configures sandbox execution.
type SandboxConfig struct {
	// Engines maps language name to engine runtime. Languages without an
	// entry are rejected at request validation.
	Engines map[string]EngineConfig `yaml:"engines"`

	// EnableWasm gates the wasm engine. Read once at startup; also
	// settable via CODE_EXECUTOR_ENABLE_WASM.
	EnableWasm bool `yaml:"enable_wasm"`

	// DefaultTimeout applies when a request carries no timeoutMs.
	DefaultTimeout time.Duration `yaml:"default_timeout"`

	// CallTimeout bounds each tool call made from inside the sandbox.
	CallTimeout time.Duration `yaml:"call_timeout"`

	// MaxCaptureBytes caps each captured output stream.
	MaxCaptureBytes int `yaml:"max_capture_bytes"`

	// WorkDir is the working directory for engine subprocesses.
	WorkDir string `yaml:"workdir"`
}

// BreakerConfig holds circuit breaker defaults plus per-server overrides.
type BreakerConfig struct {
	Defaults  resilience.Config            `yaml:"defaults"`
	Overrides map[string]resilience.Config `yaml:"overrides"`
}

// SamplingConfig bounds server-initiated sampling per execution.
type SamplingConfig struct {
	Enabled bool `yaml:"enabled"`

	// MaxRounds caps sampling requests per execution.
	MaxRounds int `yaml:"max_rounds"`

	// MaxTokens caps the summed maxTokens across an execution.
	MaxTokens int `yaml:"max_tokens"`

	// AllowedSystemPrompts is the exact-match allow-list for system
	// prompts. Empty list permits only empty system prompts.
	AllowedSystemPrompts []string `yaml:"allowed_system_prompts"`
}

// Hard limits on execution requests.
const (
	MaxCodeBytes = 100_000
	MinTimeout   = 1 * time.Second
	MaxTimeout   = 600 * time.Second
)

// Default returns the configuration defaults.
func Default() *Config {
	return &Config{
		StateDir: defaultStateDir(),
		Log: observability.LogConfig{
			Level:  "info",
			Format: "json",
		},
		Server: ServerConfig{
			Listen:        "127.0.0.1:8711",
			Mode:          "http",
			ShutdownGrace: 5 * time.Second,
		},
		Sandbox: SandboxConfig{
			Engines:         map[string]EngineConfig{},
			DefaultTimeout:  30 * time.Second,
			CallTimeout:     30 * time.Second,
			MaxCaptureBytes: 2 * 1024 * 1024,
		},
		Pool:        mcp.DefaultPoolConfig(),
		SchemaCache: schema.DefaultCacheConfig(),
		Audit:       audit.Config{Enabled: true, RetentionDays: 30},
		RateLimit:   ratelimit.DefaultConfig(),
		Breaker: BreakerConfig{
			Defaults: resilience.DefaultConfig(),
		},
		Sampling: SamplingConfig{
			MaxRounds: 8,
			MaxTokens: 32_000,
		},
	}
}

func defaultStateDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".code-executor"
	}
	return filepath.Join(home, ".code-executor")
}

// applyDefaults fills zero-valued fields from Default.
func (c *Config) applyDefaults() {
	d := Default()
	if c.StateDir == "" {
		c.StateDir = d.StateDir
	}
	if c.Log.Level == "" {
		c.Log.Level = d.Log.Level
	}
	if c.Log.Format == "" {
		c.Log.Format = d.Log.Format
	}
	if c.Server.Listen == "" {
		c.Server.Listen = d.Server.Listen
	}
	if c.Server.Mode == "" {
		c.Server.Mode = d.Server.Mode
	}
	if c.Server.ShutdownGrace <= 0 {
		c.Server.ShutdownGrace = d.Server.ShutdownGrace
	}
	if c.Sandbox.Engines == nil {
		c.Sandbox.Engines = map[string]EngineConfig{}
	}
	if c.Sandbox.DefaultTimeout <= 0 {
		c.Sandbox.DefaultTimeout = d.Sandbox.DefaultTimeout
	}
	if c.Sandbox.CallTimeout <= 0 {
		c.Sandbox.CallTimeout = d.Sandbox.CallTimeout
	}
	if c.Sandbox.MaxCaptureBytes <= 0 {
		c.Sandbox.MaxCaptureBytes = d.Sandbox.MaxCaptureBytes
	}
	if c.Pool.MaxConcurrent <= 0 {
		c.Pool.MaxConcurrent = d.Pool.MaxConcurrent
	}
	if c.Pool.QueueSize <= 0 {
		c.Pool.QueueSize = d.Pool.QueueSize
	}
	if c.Pool.QueueTimeout <= 0 {
		c.Pool.QueueTimeout = d.Pool.QueueTimeout
	}
	if c.SchemaCache.MaxEntries <= 0 {
		c.SchemaCache.MaxEntries = d.SchemaCache.MaxEntries
	}
	if c.SchemaCache.TTL <= 0 {
		c.SchemaCache.TTL = d.SchemaCache.TTL
	}
	if c.Audit.RetentionDays == 0 {
		c.Audit.RetentionDays = d.Audit.RetentionDays
	}
	if c.RateLimit.MaxRequests <= 0 {
		c.RateLimit.MaxRequests = d.RateLimit.MaxRequests
	}
	if c.RateLimit.Window <= 0 {
		c.RateLimit.Window = d.RateLimit.Window
	}
	if c.Breaker.Defaults.Threshold <= 0 {
		c.Breaker.Defaults.Threshold = d.Breaker.Defaults.Threshold
	}
	if c.Breaker.Defaults.Cooldown <= 0 {
		c.Breaker.Defaults.Cooldown = d.Breaker.Defaults.Cooldown
	}
	if c.Sampling.MaxRounds <= 0 {
		c.Sampling.MaxRounds = d.Sampling.MaxRounds
	}
	if c.Sampling.MaxTokens <= 0 {
		c.Sampling.MaxTokens = d.Sampling.MaxTokens
	}
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	switch c.Server.Mode {
	case "http", "stdio":
	default:
		return fmt.Errorf("server.mode must be \"http\" or \"stdio\", got %q", c.Server.Mode)
	}
	if c.Sandbox.DefaultTimeout < MinTimeout || c.Sandbox.DefaultTimeout > MaxTimeout {
		return fmt.Errorf("sandbox.default_timeout %v outside [%v, %v]",
			c.Sandbox.DefaultTimeout, MinTimeout, MaxTimeout)
	}
	for lang, engine := range c.Sandbox.Engines {
		if engine.Command == "" {
			return fmt.Errorf("sandbox.engines.%s: command is required", lang)
		}
	}

	seen := make(map[string]bool, len(c.Servers))
	for _, srv := range c.Servers {
		if srv == nil {
			return fmt.Errorf("servers: null entry")
		}
		if err := srv.Validate(); err != nil {
			return err
		}
		if seen[srv.Name] {
			return fmt.Errorf("servers: duplicate name %q", srv.Name)
		}
		seen[srv.Name] = true
	}
	return nil
}
