package weft

import (
	"fmt"
	"time"

	"github.com/everydev1618/weft/registry"
)

// Limits are the resolved ceilings a thread runs under. A zero Turns, Tokens,
// Spawns or Duration means the dimension is unbounded. Spend is always set
// because it sizes the ledger entry. Depth counts how many more generations
// may be spawned below and including this thread.
type Limits struct {
	Turns    int           `yaml:"turns" json:"turns"`
	Tokens   int           `yaml:"tokens" json:"tokens"`
	Spend    float64       `yaml:"spend" json:"spend"`
	Spawns   int           `yaml:"spawns" json:"spawns"`
	Depth    int           `yaml:"depth" json:"depth"`
	Duration time.Duration `yaml:"duration" json:"duration"`
}

// LimitOverrides is one layer of limit declarations. Nil fields inherit.
type LimitOverrides struct {
	Turns    *int           `yaml:"turns,omitempty" json:"turns,omitempty"`
	Tokens   *int           `yaml:"tokens,omitempty" json:"tokens,omitempty"`
	Spend    *float64       `yaml:"spend,omitempty" json:"spend,omitempty"`
	Spawns   *int           `yaml:"spawns,omitempty" json:"spawns,omitempty"`
	Depth    *int           `yaml:"depth,omitempty" json:"depth,omitempty"`
	Duration *time.Duration `yaml:"duration,omitempty" json:"duration,omitempty"`
}

// Validate rejects negative values.
func (o LimitOverrides) Validate() error {
	switch {
	case o.Turns != nil && *o.Turns < 0:
		return fmt.Errorf("%w: turns %d", ErrInvalidConfig, *o.Turns)
	case o.Tokens != nil && *o.Tokens < 0:
		return fmt.Errorf("%w: tokens %d", ErrInvalidConfig, *o.Tokens)
	case o.Spend != nil && *o.Spend < 0:
		return fmt.Errorf("%w: spend %v", ErrInvalidConfig, *o.Spend)
	case o.Spawns != nil && *o.Spawns < 0:
		return fmt.Errorf("%w: spawns %d", ErrInvalidConfig, *o.Spawns)
	case o.Duration != nil && *o.Duration < 0:
		return fmt.Errorf("%w: duration %v", ErrInvalidConfig, *o.Duration)
	}
	return nil
}

// IsZero reports whether the layer declares nothing.
func (o LimitOverrides) IsZero() bool {
	return o == LimitOverrides{}
}

// Apply overlays the declared fields onto l.
func (o LimitOverrides) Apply(l Limits) Limits {
	if o.Turns != nil {
		l.Turns = *o.Turns
	}
	if o.Tokens != nil {
		l.Tokens = *o.Tokens
	}
	if o.Spend != nil {
		l.Spend = *o.Spend
	}
	if o.Spawns != nil {
		l.Spawns = *o.Spawns
	}
	if o.Depth != nil {
		l.Depth = *o.Depth
	}
	if o.Duration != nil {
		l.Duration = *o.Duration
	}
	return l
}

// ResolveLimits merges defaults, the directive's declaration and the caller's
// overrides in that order, then caps every dimension by the parent's limits.
// Depth is the exception: it always drops by one per generation. A result
// with no depth left refuses creation.
func ResolveLimits(defaults Limits, directive, overrides LimitOverrides, parent *Limits) (Limits, error) {
	if err := directive.Validate(); err != nil {
		return Limits{}, fmt.Errorf("directive limits: %w", err)
	}
	if err := overrides.Validate(); err != nil {
		return Limits{}, fmt.Errorf("limit overrides: %w", err)
	}

	l := overrides.Apply(directive.Apply(defaults))

	if parent != nil {
		l = l.capBy(*parent)
		l.Depth = min(l.Depth, parent.Depth-1)
	}

	if l.Depth <= 0 {
		return Limits{}, ErrDepthExhausted
	}
	if l.Spend <= 0 {
		return Limits{}, fmt.Errorf("%w: spend limit must be positive", ErrInvalidConfig)
	}
	return l, nil
}

// capBy caps every dimension but Depth by parent.
func (l Limits) capBy(parent Limits) Limits {
	l.Turns = capInt(l.Turns, parent.Turns)
	l.Tokens = capInt(l.Tokens, parent.Tokens)
	l.Spawns = capInt(l.Spawns, parent.Spawns)
	l.Duration = time.Duration(capInt(int(l.Duration), int(parent.Duration)))
	if parent.Spend > 0 && (l.Spend == 0 || l.Spend > parent.Spend) {
		l.Spend = parent.Spend
	}
	return l
}

// capInt is min() where zero means unbounded.
func capInt(v, ceiling int) int {
	if ceiling == 0 {
		return v
	}
	if v == 0 || v > ceiling {
		return ceiling
	}
	return v
}

// Check returns the first dimension whose running total has reached its
// ceiling, or nil.
func (l Limits) Check(c Cost) *LimitEvent {
	switch {
	case l.Turns > 0 && c.Turns >= l.Turns:
		return &LimitEvent{Dimension: "turns", Current: float64(c.Turns), Max: float64(l.Turns)}
	case l.Tokens > 0 && c.Tokens() >= l.Tokens:
		return &LimitEvent{Dimension: "tokens", Current: float64(c.Tokens()), Max: float64(l.Tokens)}
	case l.Spend > 0 && c.Spend >= l.Spend:
		return &LimitEvent{Dimension: "spend", Current: c.Spend, Max: l.Spend}
	case l.Duration > 0 && c.Elapsed >= l.Duration:
		return &LimitEvent{Dimension: "duration", Current: c.Elapsed.Seconds(), Max: l.Duration.Seconds()}
	}
	return nil
}

// Remaining is what a continuation may still use after c was consumed under
// l. Spawns already made by the predecessor count against the chain.
func (l Limits) Remaining(c Cost, spawned int) Limits {
	rest := l
	if l.Turns > 0 {
		rest.Turns = max(l.Turns-c.Turns, 1)
	}
	if l.Tokens > 0 {
		rest.Tokens = max(l.Tokens-c.Tokens(), 1)
	}
	rest.Spend = l.Spend - c.Spend
	if l.Spawns > 0 {
		// A chain that used all its spawns keeps a ceiling of one so the
		// successor cannot read zero as unbounded.
		rest.Spawns = max(l.Spawns-spawned, 1)
	}
	if l.Duration > 0 {
		rest.Duration = max(l.Duration-c.Elapsed, time.Second)
	}
	return rest
}

func (l Limits) doc() map[string]any {
	return map[string]any{
		"turns":    l.Turns,
		"tokens":   l.Tokens,
		"spend":    l.Spend,
		"spawns":   l.Spawns,
		"depth":    l.Depth,
		"duration": l.Duration.Seconds(),
	}
}

// Cost is a thread's running usage. Every field only grows.
type Cost struct {
	Turns        int           `json:"turns"`
	InputTokens  int           `json:"input_tokens"`
	OutputTokens int           `json:"output_tokens"`
	Spend        float64       `json:"spend"`
	Elapsed      time.Duration `json:"elapsed"`
}

// Tokens is input plus output.
func (c Cost) Tokens() int {
	return c.InputTokens + c.OutputTokens
}

// Snapshot converts c for the registry.
func (c Cost) Snapshot(spawns int) registry.CostSnapshot {
	return registry.CostSnapshot{
		Turns:        c.Turns,
		InputTokens:  c.InputTokens,
		OutputTokens: c.OutputTokens,
		Spend:        c.Spend,
		SpawnCount:   spawns,
	}
}

func (c Cost) doc() map[string]any {
	return map[string]any{
		"turns":         c.Turns,
		"input_tokens":  c.InputTokens,
		"output_tokens": c.OutputTokens,
		"tokens":        c.Tokens(),
		"spend":         c.Spend,
		"elapsed":       c.Elapsed.Seconds(),
	}
}

// LimitEvent reports a dimension that reached its ceiling.
type LimitEvent struct {
	Dimension string  `json:"dimension"`
	Current   float64 `json:"current"`
	Max       float64 `json:"max"`
}

func (e LimitEvent) String() string {
	return fmt.Sprintf("%s %g/%g", e.Dimension, e.Current, e.Max)
}

func (e LimitEvent) doc() map[string]any {
	return map[string]any{"dimension": e.Dimension, "current": e.Current, "max": e.Max}
}
