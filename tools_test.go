package weft

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/everydev1618/weft/llm"
)

func TestToolsRegisterAndDispatch(t *testing.T) {
	tools := NewTools()
	require.NoError(t, tools.Register("text/upper", func(_ context.Context, p map[string]any) (string, error) {
		s, _ := p["s"].(string)
		return strings.ToUpper(s), nil
	}))

	out, err := tools.Dispatch(context.Background(), ToolRequest{ItemID: "text/upper", Params: map[string]any{"s": "abc"}})
	require.NoError(t, err)
	assert.Equal(t, "ABC", out)

	err = tools.Register("text/upper", ToolFunc(func(context.Context, map[string]any) (string, error) { return "", nil }))
	assert.ErrorIs(t, err, ErrToolAlreadyRegistered)

	assert.Error(t, tools.Register("", ToolFunc(nil)))
	assert.Error(t, tools.Register("x", 42))
	assert.Error(t, tools.Register("y", ToolDef{Description: "no fn"}))
}

func TestToolsDispatchErrors(t *testing.T) {
	tools := NewTools()
	boom := errors.New("boom")
	require.NoError(t, tools.Register("fail", ToolFunc(func(context.Context, map[string]any) (string, error) {
		return "", boom
	})))

	_, err := tools.Dispatch(context.Background(), ToolRequest{ItemID: "missing"})
	assert.ErrorIs(t, err, ErrToolNotFound)

	_, err = tools.Dispatch(context.Background(), ToolRequest{ItemID: "fail"})
	assert.ErrorIs(t, err, boom)
	var terr *ToolError
	require.True(t, errors.As(err, &terr))
	assert.Equal(t, "fail", terr.ToolName)
}

func TestToolsMiddlewareOrder(t *testing.T) {
	tools := NewTools()
	require.NoError(t, tools.Register("id", ToolFunc(func(_ context.Context, p map[string]any) (string, error) {
		return "core", nil
	})))

	wrap := func(tag string) ToolMiddleware {
		return func(next ToolFunc) ToolFunc {
			return func(ctx context.Context, p map[string]any) (string, error) {
				out, err := next(ctx, p)
				return tag + "(" + out + ")", err
			}
		}
	}
	tools.Use(wrap("outer"))
	tools.Use(wrap("inner"))

	out, err := tools.Dispatch(context.Background(), ToolRequest{ItemID: "id"})
	require.NoError(t, err)
	assert.Equal(t, "outer(inner(core))", out)
}

func TestToolsSpecs(t *testing.T) {
	tools := NewTools()
	require.NoError(t, tools.Register("fs/write", ToolDef{
		Description: "Write a file",
		Fn:          func(context.Context, map[string]any) (string, error) { return "", nil },
		Params: map[string]ParamDef{
			"path":    {Type: "string", Required: true},
			"content": {Type: "string", Required: true},
			"mode":    {Type: "string", Enum: []string{"append", "replace"}, Default: "replace"},
		},
	}))
	require.NoError(t, tools.Register("fs/read", ToolFunc(func(context.Context, map[string]any) (string, error) { return "", nil })))

	specs := tools.Specs()
	require.Len(t, specs, 2)
	assert.Equal(t, "fs/read", specs[0].ItemID)
	assert.Equal(t, "fs_read", specs[0].Name)
	assert.Equal(t, "execute", specs[1].Primary)
	assert.Equal(t, "Write a file", specs[1].Description)
	assert.Equal(t, []string{"content", "path"}, specs[1].InputSchema["required"])

	props := specs[1].InputSchema["properties"].(map[string]any)
	mode := props["mode"].(map[string]any)
	assert.Equal(t, []string{"append", "replace"}, mode["enum"])
	assert.Equal(t, "replace", mode["default"])
}

func TestToolSpecRequest(t *testing.T) {
	bound := ToolSpec{Name: "echo", ItemID: "test/echo"}
	req := bound.request("t1", llm.ToolCall{ID: "c1", Name: "echo", Arguments: map[string]any{"text": "hi"}})
	assert.Equal(t, ToolRequest{
		ThreadID: "t1",
		CallID:   "c1",
		Primary:  "execute",
		ItemType: "tool",
		ItemID:   "test/echo",
		Params:   map[string]any{"text": "hi"},
	}, req)

	generic := ToolSpec{Name: "run_item", Primary: "load"}
	req = generic.request("t1", llm.ToolCall{ID: "c2", Arguments: map[string]any{
		"item_type": "knowledge",
		"item_id":   "docs/intro",
		"params":    map[string]any{"section": 2.0},
	}})
	assert.Equal(t, "load", req.Primary)
	assert.Equal(t, "knowledge", req.ItemType)
	assert.Equal(t, "docs/intro", req.ItemID)
	assert.Equal(t, map[string]any{"section": 2.0}, req.Params)

	req = generic.request("t1", llm.ToolCall{ID: "c3"})
	assert.Equal(t, "tool", req.ItemType)
	assert.NotNil(t, req.Params)
}

func TestToolSpecSchemaDefault(t *testing.T) {
	s := ToolSpec{Name: "noop"}.schema()
	assert.Equal(t, "object", s.InputSchema["type"])
}
