package weft

import (
	"context"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Directive is a resolved behavioral script. It's a blueprint, not a
// running thread: spawn it with an Orchestrator to get one.
type Directive struct {
	// Name identifies the directive in the registry.
	Name string `yaml:"name" json:"name"`

	// Prompt is the first user message. ${inputs.x} references are
	// interpolated from the spawn inputs.
	Prompt string `yaml:"prompt" json:"prompt"`

	// System is the system prompt (optional).
	System string `yaml:"system,omitempty" json:"system,omitempty"`

	// Model is informational; the provider decides what it calls.
	Model string `yaml:"model,omitempty" json:"model,omitempty"`

	// Limits declared by the directive.
	Limits LimitOverrides `yaml:"limits,omitempty" json:"limits,omitempty"`

	// Capabilities granted to the thread. Nil inherits the parent's set;
	// an empty, non-nil list grants nothing.
	Capabilities []string `yaml:"capabilities,omitempty" json:"capabilities,omitempty"`

	// Hooks declared by the directive.
	Hooks []Hook `yaml:"hooks,omitempty" json:"hooks,omitempty"`

	// Tools offered to the model.
	Tools []ToolSpec `yaml:"tools,omitempty" json:"tools,omitempty"`
}

// Validate checks the fields the engine depends on.
func (d *Directive) Validate() error {
	if d.Name == "" {
		return fmt.Errorf("%w: directive name is required", ErrInvalidConfig)
	}
	if d.Prompt == "" {
		return fmt.Errorf("%w: directive %s: prompt is required", ErrInvalidConfig, d.Name)
	}
	if err := d.Limits.Validate(); err != nil {
		return fmt.Errorf("directive %s: %w", d.Name, err)
	}
	for _, h := range d.Hooks {
		h.Layer = LayerDirective
		if err := h.Validate(); err != nil {
			return fmt.Errorf("directive %s: %w", d.Name, err)
		}
	}
	seen := make(map[string]bool, len(d.Tools))
	for _, t := range d.Tools {
		if t.Name == "" {
			return fmt.Errorf("%w: directive %s: tool without a name", ErrInvalidConfig, d.Name)
		}
		if seen[t.Name] {
			return fmt.Errorf("%w: directive %s: duplicate tool %s", ErrInvalidConfig, d.Name, t.Name)
		}
		seen[t.Name] = true
	}
	return nil
}

// DirectiveResolver looks directives up by name. Parsing and signing of
// directive sources happen behind it.
type DirectiveResolver interface {
	Resolve(ctx context.Context, name string) (*Directive, error)
}

// DirectiveMap resolves from memory.
type DirectiveMap map[string]*Directive

// Resolve implements DirectiveResolver.
func (m DirectiveMap) Resolve(_ context.Context, name string) (*Directive, error) {
	d, ok := m[name]
	if !ok {
		return nil, fmt.Errorf("directive %q not found", name)
	}
	return d, nil
}

// LoadDirective reads a directive from a YAML file.
func LoadDirective(path string) (*Directive, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read directive: %w", err)
	}
	var d Directive
	if err := yaml.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("parse directive %s: %w", path, err)
	}
	if err := d.Validate(); err != nil {
		return nil, err
	}
	return &d, nil
}
