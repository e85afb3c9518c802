package weft

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/everydev1618/weft/capability"
)

type recordingDispatcher struct {
	mu   sync.Mutex
	reqs []ToolRequest
	out  string
	err  error
}

func (d *recordingDispatcher) Dispatch(_ context.Context, req ToolRequest) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.reqs = append(d.reqs, req)
	return d.out, d.err
}

func newHarness(t *testing.T, hooks ...Hook) *Harness {
	t.Helper()
	h, err := NewHarness(HarnessConfig{
		ThreadID:     "t1",
		Limits:       Limits{Turns: 3, Spend: 1, Spawns: 2},
		Capabilities: capability.MustSet("weft.execute.tool.fs.*"),
		Namespace:    "weft",
		Hooks:        hooks,
		Logger:       discardLogger(),
	})
	require.NoError(t, err)
	return h
}

func TestCheckPermission(t *testing.T) {
	h := newHarness(t)

	assert.NoError(t, h.CheckPermission("execute", "tool", "fs/read"))
	assert.NoError(t, h.CheckPermission("execute", "tool", DefaultInternalPrefix+"spawn"), "internal ids bypass the check")

	err := h.CheckPermission("execute", "tool", "net/fetch")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrPermissionDenied)
	var perr *PermissionError
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, "t1", perr.ThreadID)
	assert.Equal(t, "weft.execute.tool.net.fetch", perr.Action)
}

func TestCheckPermissionFailsClosed(t *testing.T) {
	h, err := NewHarness(HarnessConfig{ThreadID: "t1", Namespace: "weft", Logger: discardLogger()})
	require.NoError(t, err)
	assert.ErrorIs(t, h.CheckPermission("execute", "tool", "fs/read"), ErrPermissionDenied)
}

func TestCheckSpawn(t *testing.T) {
	h := newHarness(t)
	assert.Nil(t, h.CheckSpawn(1))
	ev := h.CheckSpawn(2)
	require.NotNil(t, ev)
	assert.Equal(t, "spawns", ev.Dimension)
}

func TestHarnessDefaults(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	assert.Equal(t, VerdictSuspend, h.OnLimit(ctx, HookContext{}).Verdict)
	assert.Equal(t, VerdictProceed, h.AfterStep(ctx, HookContext{}).Verdict)

	tests := []struct {
		cat  Category
		want Verdict
	}{
		{CategoryTransient, VerdictRetry},
		{CategoryRateLimited, VerdictRetry},
		{CategoryQuota, VerdictRetry},
		{CategoryLimitHit, VerdictSuspend},
		{CategoryBudget, VerdictSuspend},
		{CategoryCancelled, VerdictAbort},
		{CategoryPermanent, VerdictFail},
	}
	for _, tt := range tests {
		t.Run(string(tt.cat), func(t *testing.T) {
			d := h.OnError(ctx, HookContext{Error: &Classification{Category: tt.cat}})
			assert.Equal(t, tt.want, d.Verdict)
			assert.Empty(t, d.HookID)
		})
	}
}

func TestHarnessFirstMatchingLayerWins(t *testing.T) {
	h := newHarness(t,
		Hook{ID: "project-fail", Event: HookLimit, Layer: LayerProject, Action: HookAction{Kind: ActionFail}},
		Hook{ID: "user-continue", Event: HookLimit, Layer: LayerUser,
			Condition: Condition{Path: "limit.dimension", Value: "turns"},
			Action:    HookAction{Kind: ActionContinue}},
		Hook{ID: "directive-abort", Event: HookLimit, Layer: LayerDirective,
			Action: HookAction{Kind: ActionAbort, Reason: "stopped at turn ${turn}"}},
	)
	ctx := context.Background()

	d := h.OnLimit(ctx, HookContext{Turn: 3, Limit: &LimitEvent{Dimension: "turns"}})
	assert.Equal(t, VerdictProceed, d.Verdict)
	assert.Equal(t, "user-continue", d.HookID)

	d = h.OnLimit(ctx, HookContext{Turn: 3, Limit: &LimitEvent{Dimension: "spend"}})
	assert.Equal(t, VerdictAbort, d.Verdict)
	assert.Equal(t, "directive-abort", d.HookID)
	assert.Equal(t, "stopped at turn 3", d.Reason)

	hooks := h.Hooks()
	require.Len(t, hooks, 3)
	assert.Equal(t, []HookLayer{LayerUser, LayerDirective, LayerProject},
		[]HookLayer{hooks[0].Layer, hooks[1].Layer, hooks[2].Layer})
}

func TestHarnessErrorHooks(t *testing.T) {
	h := newHarness(t,
		Hook{ID: "no-quota-retry", Event: HookError, Layer: LayerProject,
			Condition: Condition{Path: "error.category", Value: "quota"},
			Action:    HookAction{Kind: ActionFail}},
		Hook{ID: "retry-permanent", Event: HookError, Layer: LayerProject,
			Condition: Condition{Path: "error.category", Value: "permanent"},
			Action:    HookAction{Kind: ActionRetry}},
	)
	ctx := context.Background()

	assert.Equal(t, VerdictFail, h.OnError(ctx, HookContext{Error: &Classification{Category: CategoryQuota}}).Verdict)
	assert.Equal(t, VerdictRetry, h.OnError(ctx, HookContext{Error: &Classification{Category: CategoryPermanent}}).Verdict)
	assert.Equal(t, VerdictRetry, h.OnError(ctx, HookContext{Error: &Classification{Category: CategoryTransient}}).Verdict)
}

func TestHarnessAfterStep(t *testing.T) {
	h := newHarness(t, Hook{ID: "cap", Event: HookAfterStep, Layer: LayerUser,
		Condition: Condition{Path: "turn", Op: OpGte, Value: 2},
		Action:    HookAction{Kind: ActionFail, Reason: "too long"}})

	assert.Equal(t, VerdictProceed, h.AfterStep(context.Background(), HookContext{Turn: 1}).Verdict)
	d := h.AfterStep(context.Background(), HookContext{Turn: 2})
	assert.Equal(t, VerdictFail, d.Verdict)
	assert.Equal(t, "too long", d.Reason)
}

func TestHarnessRunContext(t *testing.T) {
	disp := &recordingDispatcher{out: "branch: main"}
	h, err := NewHarness(HarnessConfig{
		ThreadID:  "t1",
		Namespace: "weft",
		Hooks: []Hook{
			{ID: "intro", Event: HookThreadStarted, Layer: LayerDirective,
				Action: HookAction{Kind: ActionContext, Content: "You are ${directive}."}},
			{ID: "git", Event: HookThreadStarted, Layer: LayerProject,
				Action: HookAction{Kind: ActionContext, Tool: &ToolRef{
					Primary: "execute", ItemType: "tool", ItemID: "git/status",
					Params: map[string]any{"thread": "${thread_id}"},
				}}},
			{ID: "on-continue", Event: HookThreadContinued, Layer: LayerUser,
				Action: HookAction{Kind: ActionContext, Content: "resumed"}},
		},
		Dispatcher: disp,
		Logger:     discardLogger(),
	})
	require.NoError(t, err)

	got := h.RunContext(context.Background(), HookThreadStarted, HookContext{ThreadID: "t1", Directive: "reviewer"})
	assert.Equal(t, "You are reviewer.\n\nbranch: main", got)

	require.Len(t, disp.reqs, 1)
	assert.Equal(t, "hook:git", disp.reqs[0].CallID)
	assert.Equal(t, map[string]any{"thread": "t1"}, disp.reqs[0].Params)

	assert.Equal(t, "resumed", h.RunContext(context.Background(), HookThreadContinued, HookContext{}))
}

func TestHarnessInfraHooksNeverDecide(t *testing.T) {
	disp := &recordingDispatcher{}
	h, err := NewHarness(HarnessConfig{
		ThreadID:  "t1",
		Namespace: "weft",
		Hooks: []Hook{
			{ID: "audit", Event: HookLimit, Layer: LayerInfra,
				Action: HookAction{Content: "limit on ${thread_id}", Tool: &ToolRef{ItemID: "audit/log"}}},
		},
		Dispatcher: disp,
		Logger:     discardLogger(),
	})
	require.NoError(t, err)

	d := h.OnLimit(context.Background(), HookContext{ThreadID: "t1"})
	assert.Equal(t, VerdictSuspend, d.Verdict, "the default still applies")
	assert.Empty(t, d.HookID)
	require.Len(t, disp.reqs, 1)
	assert.Equal(t, "audit/log", disp.reqs[0].ItemID)
}

func TestHookToolFailureIsSwallowed(t *testing.T) {
	disp := &recordingDispatcher{err: errors.New("down")}
	h, err := NewHarness(HarnessConfig{
		Namespace: "weft",
		Hooks: []Hook{{ID: "ctx", Event: HookThreadStarted, Layer: LayerUser,
			Action: HookAction{Kind: ActionContext, Content: "base", Tool: &ToolRef{ItemID: "x"}}}},
		Dispatcher: disp,
		Logger:     discardLogger(),
	})
	require.NoError(t, err)
	assert.Equal(t, "base", h.RunContext(context.Background(), HookThreadStarted, HookContext{}))
}

func TestNewHarnessRejectsInvalidHooks(t *testing.T) {
	_, err := NewHarness(HarnessConfig{Hooks: []Hook{{ID: "x", Event: HookLimit, Layer: LayerUser,
		Action: HookAction{Kind: ActionContext}}}})
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestMergeHooks(t *testing.T) {
	merged, err := MergeHooks(map[HookLayer][]Hook{
		LayerInfra:   {{ID: "i1", Event: HookError}},
		LayerProject: {{ID: "p1", Event: HookError, Action: HookAction{Kind: ActionRetry}}, {ID: "p2", Event: HookLimit, Action: HookAction{Kind: ActionFail}}},
		LayerBuiltin: {{ID: "b1", Event: HookAfterStep, Action: HookAction{Kind: ActionContinue}}},
	})
	require.NoError(t, err)

	ids := make([]string, len(merged))
	for i, h := range merged {
		ids[i] = h.ID
	}
	assert.Equal(t, []string{"b1", "p1", "p2", "i1"}, ids)
	assert.Equal(t, LayerInfra, merged[3].Layer)

	_, err = MergeHooks(map[HookLayer][]Hook{
		LayerProject: {{ID: "bad", Event: HookError}},
	})
	assert.ErrorIs(t, err, ErrInvalidConfig, "only infra hooks may omit the action")
}

func TestHookValidate(t *testing.T) {
	tests := []struct {
		name string
		hook Hook
		ok   bool
	}{
		{"retry on error", Hook{Event: HookError, Action: HookAction{Kind: ActionRetry}}, true},
		{"context on start", Hook{Event: HookThreadStarted, Action: HookAction{Kind: ActionContext}}, true},
		{"retry on start", Hook{Event: HookThreadStarted, Action: HookAction{Kind: ActionRetry}}, false},
		{"context on limit", Hook{Event: HookLimit, Action: HookAction{Kind: ActionContext}}, false},
		{"infra context on limit", Hook{Event: HookLimit, Layer: LayerInfra, Action: HookAction{Kind: ActionContext}}, true},
		{"unknown event", Hook{Event: "whenever", Action: HookAction{Kind: ActionFail}}, false},
		{"unknown action", Hook{Event: HookError, Action: HookAction{Kind: "explode"}}, false},
		{"bad condition", Hook{Event: HookError, Action: HookAction{Kind: ActionFail},
			Condition: Condition{Path: "x", Op: OpRegex, Value: "("}}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.hook.Validate()
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ErrInvalidConfig)
			}
		})
	}
}
