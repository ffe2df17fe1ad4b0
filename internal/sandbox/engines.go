package sandbox

import (
	"sort"

	"github.com/Muhumuree/code-executor-MCP/internal/config"
)

// Engine is one resolved sandbox runtime.
type Engine struct {
	Language string
	Command  string
	Args     []string
}

// EngineSet holds the engines available to this process. The wasm gate is
// evaluated once at construction; flipping enable_wasm requires a restart.
type EngineSet struct {
	engines map[string]Engine
}

// NewEngineSet resolves the configured engines. The wasm engine is dropped
// unless EnableWasm is set, even when a runtime is configured for it.
func NewEngineSet(cfg config.SandboxConfig) *EngineSet {
	engines := make(map[string]Engine, len(cfg.Engines))
	for lang, ec := range cfg.Engines {
		if lang == "wasm" && !cfg.EnableWasm {
			continue
		}
		engines[lang] = Engine{Language: lang, Command: ec.Command, Args: ec.Args}
	}
	return &EngineSet{engines: engines}
}

// Lookup returns the engine for a language.
func (s *EngineSet) Lookup(language string) (Engine, bool) {
	e, ok := s.engines[language]
	return e, ok
}

// Languages returns the available language names, sorted.
func (s *EngineSet) Languages() []string {
	langs := make([]string, 0, len(s.engines))
	for lang := range s.engines {
		langs = append(langs, lang)
	}
	sort.Strings(langs)
	return langs
}
