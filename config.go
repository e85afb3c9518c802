package weft

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/everydev1618/weft/llm"
)

// Config is the engine configuration. Every section has a usable default.
type Config struct {
	Defaults       Limits                     `yaml:"defaults"`
	Retry          RetryPolicy                `yaml:"retry"`
	Classification []ClassPattern             `yaml:"classification"`
	Hooks          HookConfig                 `yaml:"hooks"`
	Continuation   ContinuationConfig         `yaml:"continuation"`
	Checkpoint     CheckpointConfig           `yaml:"checkpoint"`
	Parser         ParserConfig               `yaml:"parser"`
	Capabilities   CapabilityConfig           `yaml:"capabilities"`
	RateLimits     map[string]RateLimitConfig `yaml:"rate_limits,omitempty"`
	Paths          PathsConfig                `yaml:"paths"`
	Logging        LogConfig                  `yaml:"logging"`
}

// HookConfig holds the configuration-declared hook layers.
type HookConfig struct {
	Builtin []Hook `yaml:"builtin,omitempty"`
	Project []Hook `yaml:"project,omitempty"`
	Infra   []Hook `yaml:"infra,omitempty"`
}

// ContinuationConfig controls context-limit handoff.
type ContinuationConfig struct {
	// TriggerThreshold is the context usage ratio that starts a handoff.
	TriggerThreshold float64 `yaml:"trigger_threshold"`

	// RearmMargin is how far below the threshold usage must fall before
	// the trigger can fire again.
	RearmMargin float64 `yaml:"rearm_margin"`

	// ResumeCeilingTokens bounds the trailing window carried forward.
	ResumeCeilingTokens int `yaml:"resume_ceiling_tokens"`

	// SummaryMaxTokens bounds the summary request.
	SummaryMaxTokens int `yaml:"summary_max_tokens"`

	// ContextWindow is used when the provider does not report its own.
	ContextWindow int `yaml:"context_window"`
}

// CheckpointFailure is the policy for failed checkpoint writes.
type CheckpointFailure string

const (
	CheckpointFail CheckpointFailure = "fail"
	CheckpointWarn CheckpointFailure = "warn"
)

// CheckpointConfig controls checkpoint failure handling.
type CheckpointConfig struct {
	OnFailure CheckpointFailure `yaml:"on_failure"`
}

// ParserConfig bounds stream buffers and sets the dispatch batch size. A
// BatchSize of zero dispatches once at stream end.
type ParserConfig struct {
	llm.ParserConfig `yaml:",inline"`
	BatchSize        int `yaml:"batch_size"`
}

// CapabilityConfig sets how actions are named and which tool ids bypass
// permission checks.
type CapabilityConfig struct {
	Namespace        string   `yaml:"namespace"`
	InternalPrefixes []string `yaml:"internal_prefixes"`
}

// PathsConfig locates durable state.
type PathsConfig struct {
	StateDir   string `yaml:"state_dir"`
	RegistryDB string `yaml:"registry_db"`
	LedgerDB   string `yaml:"ledger_db"`
}

// DefaultConfig returns the built-in configuration.
func DefaultConfig() Config {
	return Config{
		Defaults: Limits{
			Turns:    50,
			Tokens:   2_000_000,
			Spend:    1.00,
			Spawns:   10,
			Depth:    5,
			Duration: time.Hour,
		},
		Retry:          DefaultRetryPolicy(),
		Classification: DefaultClassPatterns(),
		Continuation: ContinuationConfig{
			TriggerThreshold:    0.9,
			RearmMargin:         0.05,
			ResumeCeilingTokens: 16_000,
			SummaryMaxTokens:    2048,
			ContextWindow:       200_000,
		},
		Checkpoint: CheckpointConfig{OnFailure: CheckpointFail},
		Parser: ParserConfig{ParserConfig: llm.ParserConfig{
			MaxToolArgBytes: llm.DefaultMaxToolArgBytes,
			MaxTextBytes:    llm.DefaultMaxTextBytes,
		}},
		Capabilities: CapabilityConfig{
			Namespace:        "weft",
			InternalPrefixes: []string{DefaultInternalPrefix},
		},
		Paths: PathsConfig{
			StateDir:   filepath.Join(".weft", "threads"),
			RegistryDB: filepath.Join(".weft", "registry.db"),
			LedgerDB:   filepath.Join(".weft", "ledger.db"),
		},
		Logging: LogConfig{Level: "info", Format: "text"},
	}
}

// LoadConfig layers YAML files over DefaultConfig. Maps merge key by key,
// lists of records with an "id" merge by id, anything else is replaced.
// A top-level "extends" key is metadata and ignored.
func LoadConfig(paths ...string) (Config, error) {
	base, err := toMap(DefaultConfig())
	if err != nil {
		return Config{}, err
	}
	for _, p := range paths {
		data, err := os.ReadFile(p)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		var overlay map[string]any
		if err := yaml.Unmarshal(data, &overlay); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", p, err)
		}
		base = mergeConfig(base, overlay)
	}

	data, err := yaml.Marshal(base)
	if err != nil {
		return Config{}, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	if c.Defaults.Spend <= 0 {
		return fmt.Errorf("%w: defaults.spend must be positive", ErrInvalidConfig)
	}
	if c.Defaults.Depth <= 0 {
		return fmt.Errorf("%w: defaults.depth must be positive", ErrInvalidConfig)
	}
	if t := c.Continuation.TriggerThreshold; t <= 0 || t > 1 {
		return fmt.Errorf("%w: continuation.trigger_threshold %v not in (0, 1]", ErrInvalidConfig, t)
	}
	if c.Continuation.RearmMargin < 0 || c.Continuation.RearmMargin >= c.Continuation.TriggerThreshold {
		return fmt.Errorf("%w: continuation.rearm_margin %v", ErrInvalidConfig, c.Continuation.RearmMargin)
	}
	switch c.Checkpoint.OnFailure {
	case CheckpointFail, CheckpointWarn:
	default:
		return fmt.Errorf("%w: checkpoint.on_failure %q", ErrInvalidConfig, c.Checkpoint.OnFailure)
	}
	for cat := range c.Retry.Rules {
		if !cat.Valid() {
			return fmt.Errorf("%w: retry rule for unknown category %q", ErrInvalidConfig, cat)
		}
	}
	if _, err := NewClassifier(c.Classification); err != nil {
		return err
	}
	if _, err := c.hookLayers(); err != nil {
		return err
	}
	return nil
}

// hookLayers returns the configured hooks stamped and merged by layer.
func (c *Config) hookLayers() ([]Hook, error) {
	return MergeHooks(map[HookLayer][]Hook{
		LayerBuiltin: c.Hooks.Builtin,
		LayerProject: c.Hooks.Project,
		LayerInfra:   c.Hooks.Infra,
	})
}

func toMap(v any) (map[string]any, error) {
	data, err := yaml.Marshal(v)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return m, nil
}

func mergeConfig(base, overlay map[string]any) map[string]any {
	out := make(map[string]any, len(base)+len(overlay))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range overlay {
		if k == "extends" {
			continue
		}
		switch ov := v.(type) {
		case map[string]any:
			if bv, ok := out[k].(map[string]any); ok {
				out[k] = mergeConfig(bv, ov)
				continue
			}
		case []any:
			if bv, ok := out[k].([]any); ok && keyedByID(bv) {
				out[k] = mergeByID(bv, ov)
				continue
			}
		}
		out[k] = v
	}
	return out
}

func keyedByID(list []any) bool {
	if len(list) == 0 {
		return false
	}
	m, ok := list[0].(map[string]any)
	return ok && m["id"] != nil
}

// mergeByID replaces base records whose id appears in overlay, keeping
// base order, and appends new ids in overlay order.
func mergeByID(base, overlay []any) []any {
	byID := make(map[any]any, len(overlay))
	for _, item := range overlay {
		if m, ok := item.(map[string]any); ok && m["id"] != nil {
			byID[m["id"]] = item
		}
	}
	seen := make(map[any]bool, len(base))
	out := make([]any, 0, len(base)+len(overlay))
	for _, item := range base {
		m, ok := item.(map[string]any)
		if !ok || m["id"] == nil {
			out = append(out, item)
			continue
		}
		seen[m["id"]] = true
		if repl, ok := byID[m["id"]]; ok {
			out = append(out, repl)
		} else {
			out = append(out, item)
		}
	}
	for _, item := range overlay {
		m, ok := item.(map[string]any)
		if ok && m["id"] != nil && !seen[m["id"]] {
			out = append(out, item)
		}
	}
	return out
}
