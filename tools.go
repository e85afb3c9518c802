package weft

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/everydev1618/weft/llm"
)

// ToolRequest is one call handed to a dispatcher.
type ToolRequest struct {
	ThreadID string         `json:"thread_id"`
	CallID   string         `json:"call_id"`
	Primary  string         `json:"primary"`
	ItemType string         `json:"item_type"`
	ItemID   string         `json:"item_id"`
	Params   map[string]any `json:"params"`
}

// Dispatcher executes tool calls on behalf of threads. Tool bodies live
// behind it.
type Dispatcher interface {
	Dispatch(ctx context.Context, req ToolRequest) (string, error)
}

// DispatcherFunc adapts a function to Dispatcher.
type DispatcherFunc func(ctx context.Context, req ToolRequest) (string, error)

func (f DispatcherFunc) Dispatch(ctx context.Context, req ToolRequest) (string, error) {
	return f(ctx, req)
}

// ToolSpec is a tool as offered to the model, plus how its calls map onto
// an item. With an empty ItemID the call names the item itself through its
// "item_type", "item_id" and "params" arguments.
type ToolSpec struct {
	Name        string         `yaml:"name" json:"name"`
	Description string         `yaml:"description" json:"description"`
	InputSchema map[string]any `yaml:"input_schema,omitempty" json:"input_schema,omitempty"`
	Primary     string         `yaml:"primary,omitempty" json:"primary,omitempty"`
	ItemType    string         `yaml:"item_type,omitempty" json:"item_type,omitempty"`
	ItemID      string         `yaml:"item_id,omitempty" json:"item_id,omitempty"`
}

func (s ToolSpec) schema() llm.ToolSchema {
	in := s.InputSchema
	if in == nil {
		in = map[string]any{"type": "object", "properties": map[string]any{}}
	}
	return llm.ToolSchema{Name: s.Name, Description: s.Description, InputSchema: in}
}

func (s ToolSpec) request(threadID string, call llm.ToolCall) ToolRequest {
	req := ToolRequest{
		ThreadID: threadID,
		CallID:   call.ID,
		Primary:  s.Primary,
		ItemType: s.ItemType,
		ItemID:   s.ItemID,
		Params:   call.Arguments,
	}
	if req.Primary == "" {
		req.Primary = "execute"
	}
	if s.ItemID == "" {
		if v, ok := call.Arguments["item_type"].(string); ok && v != "" {
			req.ItemType = v
		}
		req.ItemID, _ = call.Arguments["item_id"].(string)
		req.Params, _ = call.Arguments["params"].(map[string]any)
	}
	if req.ItemType == "" {
		req.ItemType = "tool"
	}
	if req.Params == nil {
		req.Params = map[string]any{}
	}
	return req
}

// toolName turns an item id into a name providers accept.
func toolName(itemID string) string {
	return strings.NewReplacer("/", "_", ".", "_").Replace(itemID)
}

// Tools is an in-process Dispatcher keyed by item id.
type Tools struct {
	tools      map[string]*tool
	middleware []ToolMiddleware
	mu         sync.RWMutex
}

type tool struct {
	id     string
	fn     ToolFunc
	schema llm.ToolSchema
}

// ParamDef defines a tool parameter.
type ParamDef struct {
	Type        string   `json:"type" yaml:"type"`
	Description string   `json:"description" yaml:"description"`
	Required    bool     `json:"required" yaml:"required"`
	Default     any      `json:"default,omitempty" yaml:"default,omitempty"`
	Enum        []string `json:"enum,omitempty" yaml:"enum,omitempty"`
}

// ToolDef allows explicit tool definition with schema.
type ToolDef struct {
	Description string
	Fn          ToolFunc
	Params      map[string]ParamDef
}

// ToolMiddleware wraps tool execution.
type ToolMiddleware func(ToolFunc) ToolFunc

// ToolFunc is the signature for tool execution.
type ToolFunc func(ctx context.Context, params map[string]any) (string, error)

// NewTools creates an empty collection.
func NewTools() *Tools {
	return &Tools{tools: make(map[string]*tool)}
}

// Register adds a tool under an item id such as "fs/read". fn is a
// ToolFunc, a plain func with the same signature, or a ToolDef.
func (t *Tools) Register(itemID string, fn any) error {
	if itemID == "" {
		return errors.New("tool id is required")
	}

	tl := &tool{id: itemID}
	switch f := fn.(type) {
	case ToolDef:
		if f.Fn == nil {
			return fmt.Errorf("tool %s: nil function", itemID)
		}
		tl.fn = f.Fn
		tl.schema = buildSchema(toolName(itemID), f.Description, f.Params)
	case ToolFunc:
		tl.fn = f
		tl.schema = buildSchema(toolName(itemID), itemID, nil)
	case func(context.Context, map[string]any) (string, error):
		tl.fn = f
		tl.schema = buildSchema(toolName(itemID), itemID, nil)
	default:
		return fmt.Errorf("tool %s: unsupported function type %T", itemID, fn)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.tools[itemID]; exists {
		return fmt.Errorf("%w: %s", ErrToolAlreadyRegistered, itemID)
	}
	t.tools[itemID] = tl
	return nil
}

// Use adds middleware to the tool chain.
func (t *Tools) Use(mw ToolMiddleware) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.middleware = append(t.middleware, mw)
}

// Dispatch implements Dispatcher.
func (t *Tools) Dispatch(ctx context.Context, req ToolRequest) (string, error) {
	t.mu.RLock()
	tl, ok := t.tools[req.ItemID]
	middleware := t.middleware
	t.mu.RUnlock()

	if !ok {
		return "", &ToolError{ToolName: req.ItemID, Err: ErrToolNotFound}
	}

	exec := tl.fn
	for i := len(middleware) - 1; i >= 0; i-- {
		exec = middleware[i](exec)
	}

	result, err := exec(ctx, req.Params)
	if err != nil {
		return "", &ToolError{ToolName: req.ItemID, Err: err}
	}
	return result, nil
}

// Specs describes every registered tool, sorted by item id.
func (t *Tools) Specs() []ToolSpec {
	t.mu.RLock()
	defer t.mu.RUnlock()

	specs := make([]ToolSpec, 0, len(t.tools))
	for _, tl := range t.tools {
		specs = append(specs, ToolSpec{
			Name:        tl.schema.Name,
			Description: tl.schema.Description,
			InputSchema: tl.schema.InputSchema,
			Primary:     "execute",
			ItemType:    "tool",
			ItemID:      tl.id,
		})
	}
	sort.Slice(specs, func(i, j int) bool { return specs[i].ItemID < specs[j].ItemID })
	return specs
}

// buildSchema builds a schema from explicit definitions.
func buildSchema(name, description string, params map[string]ParamDef) llm.ToolSchema {
	props := make(map[string]any)
	required := []string{}

	for pname, pdef := range params {
		prop := map[string]any{
			"type": pdef.Type,
		}
		if pdef.Description != "" {
			prop["description"] = pdef.Description
		}
		if len(pdef.Enum) > 0 {
			prop["enum"] = pdef.Enum
		}
		if pdef.Default != nil {
			prop["default"] = pdef.Default
		}
		props[pname] = prop

		if pdef.Required {
			required = append(required, pname)
		}
	}
	sort.Strings(required)

	return llm.ToolSchema{
		Name:        name,
		Description: description,
		InputSchema: map[string]any{
			"type":       "object",
			"properties": props,
			"required":   required,
		},
	}
}
