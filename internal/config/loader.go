package config

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultPaths returns the config discovery order: working directory,
// home directory, then XDG config directory.
func DefaultPaths() []string {
	paths := []string{"code-executor.yaml"}
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".code-executor", "config.yaml"))
	}
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		paths = append(paths, filepath.Join(xdg, "code-executor", "config.yaml"))
	}
	return paths
}

// Load reads the configuration from path, or from the first discovered
// default path when path is empty. A missing file yields the defaults.
// Environment variables expand inside the file and CODE_EXECUTOR_*
// variables override file values.
func Load(path string) (*Config, error) {
	if path == "" {
		for _, candidate := range DefaultPaths() {
			if _, err := os.Stat(candidate); err == nil {
				path = candidate
				break
			}
		}
	}

	var cfg *Config
	if path == "" {
		cfg = Default()
	} else {
		loaded, err := loadFile(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	applyEnvOverrides(cfg)
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", pathOrDefaults(path), err)
	}
	return cfg, nil
}

func pathOrDefaults(path string) string {
	if path == "" {
		return "(defaults)"
	}
	return path
}

// loadFile parses one YAML config file. Unknown keys are errors so typos
// surface instead of silently using defaults. The file decodes over the
// defaults, so sections a file omits keep their default values; this is
// what keeps audit and rate limiting enabled for a minimal file, since
// their zero value is disabled.
func loadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	decoder := yaml.NewDecoder(bytes.NewReader([]byte(expanded)))
	decoder.KnownFields(true)
	if err := decoder.Decode(cfg); err != nil {
		if err == io.EOF {
			return Default(), nil
		}
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := decoder.Decode(&struct{}{}); err != io.EOF {
		return nil, fmt.Errorf("parse config %s: expected a single document", path)
	}
	return cfg, nil
}

// applyEnvOverrides lets CODE_EXECUTOR_* variables win over file values.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("CODE_EXECUTOR_STATE_DIR"); v != "" {
		cfg.StateDir = v
	}
	if v := os.Getenv("CODE_EXECUTOR_LISTEN"); v != "" {
		cfg.Server.Listen = v
	}
	if v := os.Getenv("CODE_EXECUTOR_MODE"); v != "" {
		cfg.Server.Mode = v
	}
	if v := os.Getenv("CODE_EXECUTOR_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("CODE_EXECUTOR_LOG_FORMAT"); v != "" {
		cfg.Log.Format = v
	}
	if v := os.Getenv("CODE_EXECUTOR_ENABLE_WASM"); v != "" {
		if parsed, err := strconv.ParseBool(strings.TrimSpace(v)); err == nil {
			cfg.Sandbox.EnableWasm = parsed
		}
	}
	if v := os.Getenv("CODE_EXECUTOR_MAX_CONCURRENT"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 {
			cfg.Pool.MaxConcurrent = parsed
		}
	}
	if v := os.Getenv("CODE_EXECUTOR_QUEUE_SIZE"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 {
			cfg.Pool.QueueSize = parsed
		}
	}
	if v := os.Getenv("CODE_EXECUTOR_QUEUE_TIMEOUT_MS"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 {
			cfg.Pool.QueueTimeout = time.Duration(parsed) * time.Millisecond
		}
	}
	if v := os.Getenv("CODE_EXECUTOR_SCHEMA_CACHE_MAX_ENTRIES"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 {
			cfg.SchemaCache.MaxEntries = parsed
		}
	}
	if v := os.Getenv("CODE_EXECUTOR_AUDIT_ENABLED"); v != "" {
		if parsed, err := strconv.ParseBool(strings.TrimSpace(v)); err == nil {
			cfg.Audit.Enabled = parsed
		}
	}
	if v := os.Getenv("CODE_EXECUTOR_AUDIT_RETENTION_DAYS"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 {
			cfg.Audit.RetentionDays = parsed
		}
	}
	applyEngineOverrides(cfg)
}

// applyEngineOverrides maps CODE_EXECUTOR_ENGINE_<LANGUAGE> variables to
// engine binary locations, e.g. CODE_EXECUTOR_ENGINE_JAVASCRIPT relocates
// the javascript engine. Only the command moves; configured args stay.
func applyEngineOverrides(cfg *Config) {
	const prefix = "CODE_EXECUTOR_ENGINE_"
	for _, kv := range os.Environ() {
		key, value, ok := strings.Cut(kv, "=")
		if !ok || !strings.HasPrefix(key, prefix) || value == "" {
			continue
		}
		lang := strings.ToLower(strings.TrimPrefix(key, prefix))
		if lang == "" {
			continue
		}
		if cfg.Sandbox.Engines == nil {
			cfg.Sandbox.Engines = map[string]EngineConfig{}
		}
		engine := cfg.Sandbox.Engines[lang]
		engine.Command = value
		cfg.Sandbox.Engines[lang] = engine
	}
}
