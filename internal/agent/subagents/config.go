package subagents

import (
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// stateDirEnvVar relocates the persistence root, following the same
// convention as the host's NEBO_DATA_DIR (internal/defaults.DataDir).
const stateDirEnvVar = "SUBAGENTS_STATE_DIR"

// EngineConfig is the process-wide configuration recognised under
// `agents.defaults.subagents` in the host's config.yaml (spec.md §6).
type EngineConfig struct {
	// ArchiveAfterMinutes controls the default archival TTL for new runs.
	// <= 0 disables archival (ArchiveAtMs stays nil) unless a per-call
	// override says otherwise. Default: 60.
	ArchiveAfterMinutes int `yaml:"archiveAfterMinutes"`

	// Orchestration is the process-level orchestration policy overlay;
	// see OrchestrationConfig / overlay().
	Orchestration OrchestrationConfig `yaml:"orchestration"`

	// StateDir overrides the persistence root directory. Empty means
	// resolve via DefaultStateDir().
	StateDir string `yaml:"-"`
}

// DefaultEngineConfig returns the hard-coded defaults (spec.md §4.1, §6).
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		ArchiveAfterMinutes: 60,
		Orchestration:       hardDefaults(),
	}
}

// LoadEngineConfig parses a YAML document (the `agents.defaults.subagents`
// section, already isolated by the caller) and overlays it onto the
// hard-coded defaults. A nil/empty doc is a valid "use defaults" input.
func LoadEngineConfig(yamlDoc []byte) (EngineConfig, error) {
	cfg := DefaultEngineConfig()
	if len(yamlDoc) == 0 {
		return cfg, nil
	}
	var parsed struct {
		ArchiveAfterMinutes *int                  `yaml:"archiveAfterMinutes"`
		Orchestration       OrchestrationOverride `yaml:"orchestration"`
	}
	if err := yaml.Unmarshal(yamlDoc, &parsed); err != nil {
		return cfg, err
	}
	if parsed.ArchiveAfterMinutes != nil {
		cfg.ArchiveAfterMinutes = *parsed.ArchiveAfterMinutes
	}
	// Parsed as pointer fields (not plain OrchestrationConfig) so a field the
	// YAML document omits falls through to the hard default instead of
	// zeroing it out — see OrchestrationOverride's doc comment.
	applyOverride(&cfg.Orchestration, &parsed.Orchestration)
	return cfg, nil
}

// DefaultStateDir resolves the host state root directory: the
// SUBAGENTS_STATE_DIR environment variable if set, otherwise the platform
// user config directory. The persistence file lives at
// "<stateDir>/subagents/runs.json" (spec.md §6); mirrors
// internal/defaults.DataDir's env-override-then-platform-default shape.
func DefaultStateDir() (string, error) {
	if dir := os.Getenv(stateDirEnvVar); dir != "" {
		return dir, nil
	}
	configDir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return configDir, nil
}

// runsFilePath returns "<stateDir>/subagents/runs.json" per spec.md §6.
func runsFilePath(stateDir string) string {
	return filepath.Join(stateDir, "subagents", "runs.json")
}
