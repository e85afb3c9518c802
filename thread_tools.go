package weft

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Item ids of the tools every thread gets for managing its own children.
// They never reach the configured Dispatcher.
const (
	ToolSpawn  = DefaultInternalPrefix + "spawn"
	ToolWait   = DefaultInternalPrefix + "wait"
	ToolStatus = DefaultInternalPrefix + "status"
)

func threadToolSpecs() []ToolSpec {
	internal := func(name, itemID, description string, props map[string]any, required ...string) ToolSpec {
		return ToolSpec{
			Name:        name,
			Description: description,
			Primary:     "execute",
			ItemType:    "tool",
			ItemID:      itemID,
			InputSchema: map[string]any{
				"type":       "object",
				"properties": props,
				"required":   required,
			},
		}
	}
	return []ToolSpec{
		internal("spawn_thread", ToolSpawn,
			"Start a child thread running a named directive. Its budget comes out of yours. Returns the child's thread id.",
			map[string]any{
				"directive": map[string]any{"type": "string", "description": "Directive name"},
				"inputs":    map[string]any{"type": "object", "description": "Inputs for the directive's prompt"},
				"limits": map[string]any{
					"type":        "object",
					"description": "Optional lower limits: turns, tokens, spend, spawns, depth",
				},
			}, "directive"),
		internal("wait_threads", ToolWait,
			"Wait for child threads to stop and return their results.",
			map[string]any{
				"thread_ids":      map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
				"timeout_seconds": map[string]any{"type": "number"},
				"fail_fast":       map[string]any{"type": "boolean"},
			}, "thread_ids"),
		internal("thread_status", ToolStatus,
			"Report a thread's status, cost and remaining budget.",
			map[string]any{
				"thread_id": map[string]any{"type": "string"},
			}, "thread_id"),
	}
}

// dispatchTool routes a call either to the built-in thread tools or to the
// configured dispatcher.
func (o *Orchestrator) dispatchTool(ctx context.Context, r *run, req ToolRequest) (string, error) {
	if strings.HasPrefix(req.ItemID, DefaultInternalPrefix) {
		switch req.ItemID {
		case ToolSpawn:
			return o.spawnTool(ctx, r, req.Params)
		case ToolWait:
			return o.waitTool(ctx, req.Params)
		case ToolStatus:
			return o.statusTool(ctx, req.Params)
		}
		return "", fmt.Errorf("%w: %s", ErrToolNotFound, req.ItemID)
	}
	if o.dispatcher == nil {
		return "", fmt.Errorf("%w: %s", ErrToolNotFound, req.ItemID)
	}
	return o.dispatcher.Dispatch(ctx, req)
}

type spawnParams struct {
	Directive string         `json:"directive"`
	Inputs    map[string]any `json:"inputs"`
	Limits    LimitOverrides `json:"limits"`
}

func (o *Orchestrator) spawnTool(ctx context.Context, r *run, params map[string]any) (string, error) {
	var p spawnParams
	if err := decodeParams(params, &p); err != nil {
		return "", err
	}
	if p.Directive == "" {
		return "", fmt.Errorf("directive is required")
	}
	id, err := o.Spawn(ctx, SpawnRequest{
		DirectiveName: p.Directive,
		ParentID:      r.id,
		Limits:        p.Limits,
		Inputs:        p.Inputs,
	})
	if err != nil {
		return "", err
	}
	return encodeResult(map[string]any{"thread_id": id})
}

type waitParams struct {
	ThreadIDs      []string `json:"thread_ids"`
	TimeoutSeconds float64  `json:"timeout_seconds"`
	FailFast       bool     `json:"fail_fast"`
}

func (o *Orchestrator) waitTool(ctx context.Context, params map[string]any) (string, error) {
	var p waitParams
	if err := decodeParams(params, &p); err != nil {
		return "", err
	}
	if len(p.ThreadIDs) == 0 {
		return "", fmt.Errorf("thread_ids is required")
	}
	results, err := o.Wait(ctx, p.ThreadIDs, WaitOptions{
		Timeout:  time.Duration(p.TimeoutSeconds * float64(time.Second)),
		FailFast: p.FailFast,
	})
	out := map[string]any{"results": results}
	if err != nil {
		// The partial results are still worth showing the model.
		if ctx.Err() != nil {
			return "", err
		}
		out["error"] = err.Error()
	}
	return encodeResult(out)
}

type statusParams struct {
	ThreadID string `json:"thread_id"`
}

func (o *Orchestrator) statusTool(ctx context.Context, params map[string]any) (string, error) {
	var p statusParams
	if err := decodeParams(params, &p); err != nil {
		return "", err
	}
	st, err := o.Status(ctx, p.ThreadID)
	if err != nil {
		return "", err
	}
	return encodeResult(st)
}

// decodeParams copies loosely typed tool arguments into a struct.
func decodeParams(params map[string]any, v any) error {
	data, err := json.Marshal(params)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("invalid arguments: %w", err)
	}
	return nil
}

func encodeResult(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
