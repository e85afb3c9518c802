package llm

import "context"

// LLM is a model backend.
type LLM interface {
	// Generate runs one request to completion.
	Generate(ctx context.Context, messages []Message, tools []ToolSchema) (*LLMResponse, error)

	// GenerateStream sends a request and returns a channel of structural
	// streaming events. The channel is closed when the stream ends.
	GenerateStream(ctx context.Context, messages []Message, tools []ToolSchema) (<-chan StreamEvent, error)
}

// ContextWindower is implemented by backends that know their model's
// context window in tokens.
type ContextWindower interface {
	ContextWindow() int
}

// ResponseLimiter is implemented by backends that can cap the output of a
// single request, such as a bounded summary.
type ResponseLimiter interface {
	WithMaxTokens(n int) LLM
}

// Message is one entry of a conversation.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content,omitempty"`

	// ToolCalls are the calls requested by an assistant message.
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`

	// ToolCallID links a RoleTool message to the call it answers.
	ToolCallID string `json:"tool_call_id,omitempty"`

	// IsError marks a tool result that reports a failure.
	IsError bool `json:"is_error,omitempty"`
}

// Role is who a Message is from.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleTool      Role = "tool"
)

// LLMResponse is one complete model turn, assembled from a stream or
// returned by Generate.
type LLMResponse struct {
	Content   string
	ToolCalls []ToolCall

	InputTokens  int
	OutputTokens int

	// Prompt cache accounting, priced separately from plain input.
	CacheCreationInputTokens int
	CacheReadInputTokens     int

	CostUSD    float64
	LatencyMs  int64
	StopReason StopReason
}

// ToolCall is a tool invocation requested by the model. Arguments is the
// decoded JSON input; an empty input decodes to an empty map.
type ToolCall struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// StopReason is why the model ended its turn.
type StopReason string

const (
	StopReasonEnd      StopReason = "end_turn"
	StopReasonToolUse  StopReason = "tool_use"
	StopReasonLength   StopReason = "max_tokens"
	StopReasonStop     StopReason = "stop_sequence"
	StopReasonFiltered StopReason = "content_filter"
)

// StreamEvent is one structural event of a streamed response. Content block
// events carry the block's Index; fragments must be attributed by it.
type StreamEvent struct {
	Type StreamEventType

	// Index of the content block for block events.
	Index int

	// Block is set on content_block_start.
	Block *ContentBlock

	// Delta is set on content_block_delta.
	Delta *Delta

	// Usage is set on message_start (input side) and message_delta
	// (output side).
	Usage *Usage

	// StopReason is set on message_delta.
	StopReason StopReason

	// Error is set on error events.
	Error error
}

// StreamEventType is the kind of a StreamEvent.
type StreamEventType string

const (
	StreamEventMessageStart StreamEventType = "message_start"
	StreamEventBlockStart   StreamEventType = "content_block_start"
	StreamEventBlockDelta   StreamEventType = "content_block_delta"
	StreamEventBlockStop    StreamEventType = "content_block_stop"
	StreamEventMessageDelta StreamEventType = "message_delta"
	StreamEventMessageStop  StreamEventType = "message_stop"
	StreamEventError        StreamEventType = "error"
)

// BlockType is the kind of a content block.
type BlockType string

const (
	BlockText    BlockType = "text"
	BlockToolUse BlockType = "tool_use"
)

// ContentBlock opens a block.
type ContentBlock struct {
	Type BlockType
	ID   string
	Name string
	Text string
}

// DeltaType is the kind of a block fragment.
type DeltaType string

const (
	DeltaText      DeltaType = "text_delta"
	DeltaInputJSON DeltaType = "input_json_delta"
)

// Delta is an incremental fragment of a block.
type Delta struct {
	Type        DeltaType
	Text        string
	PartialJSON string
}

// Usage carries token counts.
type Usage struct {
	InputTokens              int `json:"input_tokens"`
	OutputTokens             int `json:"output_tokens"`
	CacheCreationInputTokens int `json:"cache_creation_input_tokens,omitempty"`
	CacheReadInputTokens     int `json:"cache_read_input_tokens,omitempty"`
}

// ToolSchema is a tool as advertised to the model. InputSchema is a JSON
// Schema object.
type ToolSchema struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"input_schema"`
}

// Price is a model's list price in USD per million tokens.
type Price struct {
	Input  float64
	Output float64
}

// Prompt cache writes bill at a premium over plain input, reads at a discount.
const (
	cacheWriteMultiplier = 1.25
	cacheReadMultiplier  = 0.10
)

var prices = map[string]Price{
	"claude-opus-4-1-20250805":   {Input: 15, Output: 75},
	"claude-opus-4-20250514":     {Input: 15, Output: 75},
	"claude-sonnet-4-20250514":   {Input: 3, Output: 15},
	"claude-3-7-sonnet-20250219": {Input: 3, Output: 15},
	"claude-3-5-sonnet-20241022": {Input: 3, Output: 15},
	"claude-3-5-haiku-20241022":  {Input: 0.80, Output: 4},
	"claude-3-haiku-20240307":    {Input: 0.25, Output: 1.25},
}

// PriceOf returns the price of model. Unknown models are priced as the
// default model so spend is never under-reported as zero.
func PriceOf(model string) Price {
	if p, ok := prices[model]; ok {
		return p
	}
	return prices[DefaultAnthropicModel]
}

// CalculateCost prices one request for model, prompt cache tokens included.
func CalculateCost(model string, inputTokens, outputTokens, cacheCreationTokens, cacheReadTokens int) float64 {
	p := PriceOf(model)
	perToken := func(n int, rate float64) float64 { return float64(n) * rate / 1e6 }
	return perToken(inputTokens, p.Input) +
		perToken(outputTokens, p.Output) +
		perToken(cacheCreationTokens, p.Input*cacheWriteMultiplier) +
		perToken(cacheReadTokens, p.Input*cacheReadMultiplier)
}

// UsageCost prices a Usage for model.
func UsageCost(model string, u Usage) float64 {
	return CalculateCost(model, u.InputTokens, u.OutputTokens, u.CacheCreationInputTokens, u.CacheReadInputTokens)
}
