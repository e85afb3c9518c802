package weft

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, []string{DefaultInternalPrefix}, cfg.Capabilities.InternalPrefixes)
}

func TestLoadConfigLayers(t *testing.T) {
	dir := t.TempDir()
	system := writeFile(t, dir, "system.yaml", `
defaults:
  turns: 20
  spend: 2.5
retry:
  rules:
    transient:
      max_attempts: 4
      backoff:
        type: constant
        initial: 3s
hooks:
  builtin:
    - id: log-errors
      event: error
      action:
        kind: retry
    - id: stop-on-limit
      event: limit
      action:
        kind: fail
`)
	project := writeFile(t, dir, "project.yaml", `
extends: system.yaml
defaults:
  turns: 40
hooks:
  builtin:
    - id: stop-on-limit
      event: limit
      action:
        kind: abort
    - id: after
      event: after_step
      action:
        kind: continue
logging:
  level: debug
`)

	cfg, err := LoadConfig(system, project)
	require.NoError(t, err)

	assert.Equal(t, 40, cfg.Defaults.Turns, "later files win")
	assert.Equal(t, 2.5, cfg.Defaults.Spend, "maps merge key by key")
	assert.Equal(t, 5, cfg.Defaults.Depth, "untouched defaults survive")
	assert.Equal(t, time.Hour, cfg.Defaults.Duration)
	assert.Equal(t, 4, cfg.Retry.Rules[CategoryTransient].MaxAttempts)
	assert.Equal(t, 3*time.Second, cfg.Retry.Rules[CategoryTransient].Backoff.Initial)
	assert.Equal(t, "debug", cfg.Logging.Level)

	require.Len(t, cfg.Hooks.Builtin, 3)
	assert.Equal(t, "log-errors", cfg.Hooks.Builtin[0].ID)
	assert.Equal(t, "stop-on-limit", cfg.Hooks.Builtin[1].ID)
	assert.Equal(t, ActionAbort, cfg.Hooks.Builtin[1].Action.Kind, "records with an id merge by id")
	assert.Equal(t, "after", cfg.Hooks.Builtin[2].ID)
}

func TestLoadConfigRejectsInvalid(t *testing.T) {
	dir := t.TempDir()

	tests := map[string]string{
		"zero spend":      "defaults:\n  spend: 0\n",
		"bad threshold":   "continuation:\n  trigger_threshold: 1.5\n",
		"bad policy":      "checkpoint:\n  on_failure: shrug\n",
		"unknown rule":    "retry:\n  rules:\n    sometimes:\n      max_attempts: 2\n",
		"bad hook action": "hooks:\n  project:\n    - id: h\n      event: limit\n      action:\n        kind: context\n",
	}
	for name, body := range tests {
		t.Run(name, func(t *testing.T) {
			path := writeFile(t, dir, "bad.yaml", body)
			_, err := LoadConfig(path)
			assert.ErrorIs(t, err, ErrInvalidConfig)
		})
	}

	_, err := LoadConfig(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)
}

func TestMergeByID(t *testing.T) {
	base := []any{
		map[string]any{"id": "a", "v": 1},
		map[string]any{"id": "b", "v": 2},
	}
	overlay := []any{
		map[string]any{"id": "c", "v": 3},
		map[string]any{"id": "a", "v": 10},
	}
	got := mergeByID(base, overlay)
	assert.Equal(t, []any{
		map[string]any{"id": "a", "v": 10},
		map[string]any{"id": "b", "v": 2},
		map[string]any{"id": "c", "v": 3},
	}, got)
}

func TestLoadDirective(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "review.yaml", `
name: review
prompt: Review ${inputs.path}
model: claude-sonnet-4-20250514
limits:
  turns: 12
capabilities:
  - weft.execute.tool.fs.*
tools:
  - name: read_file
    description: Read a file
    item_type: tool
    item_id: fs/read
hooks:
  - id: context
    event: thread_started
    action:
      kind: context
      content: Be brief.
`)
	d, err := LoadDirective(path)
	require.NoError(t, err)
	assert.Equal(t, "review", d.Name)
	require.NotNil(t, d.Limits.Turns)
	assert.Equal(t, 12, *d.Limits.Turns)
	assert.Nil(t, d.Limits.Spend)
	assert.Equal(t, []string{"weft.execute.tool.fs.*"}, d.Capabilities)
	require.Len(t, d.Tools, 1)
	assert.Equal(t, "fs/read", d.Tools[0].ItemID)

	bad := writeFile(t, dir, "bad.yaml", "name: nameless-prompt\n")
	_, err = LoadDirective(bad)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestDirectiveValidate(t *testing.T) {
	d := &Directive{Name: "x", Prompt: "p", Tools: []ToolSpec{{Name: "a"}, {Name: "a"}}}
	assert.ErrorIs(t, d.Validate(), ErrInvalidConfig)

	d = &Directive{Name: "x", Prompt: "p", Hooks: []Hook{{ID: "h", Event: "sometime", Action: HookAction{Kind: ActionFail}}}}
	assert.ErrorIs(t, d.Validate(), ErrInvalidConfig)
}
