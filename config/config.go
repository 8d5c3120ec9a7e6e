// Package config defines the runtime configuration consumed by the
// agent engine.
package config

import (
	"fmt"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"
)

// CompactionConfig controls when and how history compaction runs.
type CompactionConfig struct {
	// TriggerRatio fires compaction once tokens_used reaches this
	// fraction of the context window. Must be in (0, 1].
	TriggerRatio float64 `yaml:"trigger_ratio"`

	// ReservedContextSize fires compaction once fewer than this many
	// tokens remain, regardless of the ratio.
	ReservedContextSize int `yaml:"reserved_context_size"`

	// MaxPreservedMessages is how many trailing user/assistant messages
	// survive compaction verbatim.
	MaxPreservedMessages int `yaml:"max_preserved_messages"`
}

// Config is the engine configuration.
type Config struct {
	// MaxRetriesPerStep bounds backoff retries for status and timeout
	// errors on each provider call.
	MaxRetriesPerStep int `yaml:"max_retries_per_step"`

	// MaxStepsPerTurn force-terminates a runaway turn. Zero means no
	// ceiling.
	MaxStepsPerTurn int `yaml:"max_steps_per_turn"`

	Compaction CompactionConfig `yaml:"compaction"`
}

// Default returns the engine's default configuration.
func Default() Config {
	return Config{
		MaxRetriesPerStep: 3,
		MaxStepsPerTurn:   0,
		Compaction: CompactionConfig{
			TriggerRatio:         0.85,
			ReservedContextSize:  50000,
			MaxPreservedMessages: 2,
		},
	}
}

// Load reads a YAML config file, falling back to defaults for a missing
// file and for any field left unset. A corrupt file is logged and
// replaced with defaults rather than failing startup.
func Load(path string) Config {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			slog.Warn("config: unreadable, using defaults", "path", path, "error", err)
		}
		return cfg
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		slog.Warn("config: invalid YAML, using defaults", "path", path, "error", err)
		return Default()
	}
	return cfg.normalized()
}

func (c Config) normalized() Config {
	def := Default()
	if c.MaxRetriesPerStep < 0 {
		c.MaxRetriesPerStep = def.MaxRetriesPerStep
	}
	if c.MaxStepsPerTurn < 0 {
		c.MaxStepsPerTurn = 0
	}
	if c.Compaction.TriggerRatio <= 0 || c.Compaction.TriggerRatio > 1 {
		c.Compaction.TriggerRatio = def.Compaction.TriggerRatio
	}
	if c.Compaction.ReservedContextSize < 0 {
		c.Compaction.ReservedContextSize = def.Compaction.ReservedContextSize
	}
	if c.Compaction.MaxPreservedMessages <= 0 {
		c.Compaction.MaxPreservedMessages = def.Compaction.MaxPreservedMessages
	}
	return c
}

// Validate reports configuration values that cannot be normalized away.
func (c Config) Validate() error {
	if c.Compaction.TriggerRatio <= 0 || c.Compaction.TriggerRatio > 1 {
		return fmt.Errorf("compaction trigger_ratio must be in (0, 1], got %v", c.Compaction.TriggerRatio)
	}
	return nil
}
