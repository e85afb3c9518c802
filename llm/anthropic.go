package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"
)

// AnthropicLLM is an LLM implementation using the Anthropic API. It makes
// exactly one HTTP attempt per call; retries belong to the caller.
type AnthropicLLM struct {
	apiKey        string
	baseURL       string
	httpClient    *http.Client
	model         string
	maxTokens     int
	contextWindow int
}

// AnthropicOption configures the Anthropic client.
type AnthropicOption func(*AnthropicLLM)

// WithAPIKey sets the API key.
func WithAPIKey(key string) AnthropicOption {
	return func(a *AnthropicLLM) {
		a.apiKey = key
	}
}

// WithModel sets the default model.
func WithModel(model string) AnthropicOption {
	return func(a *AnthropicLLM) {
		a.model = model
	}
}

// WithBaseURL sets the API base URL.
func WithBaseURL(url string) AnthropicOption {
	return func(a *AnthropicLLM) {
		a.baseURL = url
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(client *http.Client) AnthropicOption {
	return func(a *AnthropicLLM) {
		a.httpClient = client
	}
}

// WithMaxTokens sets the per-response output cap.
func WithMaxTokens(n int) AnthropicOption {
	return func(a *AnthropicLLM) {
		a.maxTokens = n
	}
}

// WithContextWindow overrides the reported context window.
func WithContextWindow(n int) AnthropicOption {
	return func(a *AnthropicLLM) {
		a.contextWindow = n
	}
}

// Default Anthropic configuration values
const (
	DefaultAnthropicTimeout       = 5 * time.Minute
	DefaultAnthropicModel         = "claude-sonnet-4-20250514"
	DefaultAnthropicBaseURL       = "https://api.anthropic.com"
	DefaultAnthropicMaxTokens     = 8192
	DefaultAnthropicContextWindow = 200_000
)

// NewAnthropic creates a new Anthropic LLM client.
func NewAnthropic(opts ...AnthropicOption) *AnthropicLLM {
	a := &AnthropicLLM{
		apiKey:  os.Getenv("ANTHROPIC_API_KEY"),
		baseURL: DefaultAnthropicBaseURL,
		httpClient: &http.Client{
			Timeout: DefaultAnthropicTimeout,
		},
		model:         DefaultAnthropicModel,
		maxTokens:     DefaultAnthropicMaxTokens,
		contextWindow: DefaultAnthropicContextWindow,
	}

	for _, opt := range opts {
		opt(a)
	}

	return a
}

// Model returns the configured model name.
func (a *AnthropicLLM) Model() string {
	return a.model
}

// ContextWindow returns the model's context window in tokens.
func (a *AnthropicLLM) ContextWindow() int {
	return a.contextWindow
}

// WithMaxTokens returns a copy of the client whose responses are capped at
// n output tokens.
func (a *AnthropicLLM) WithMaxTokens(n int) LLM {
	c := *a
	c.maxTokens = n
	return &c
}

// cacheControl marks a block for Anthropic prompt caching.
type cacheControl struct {
	Type string `json:"type"` // "ephemeral"
}

// systemBlock is a structured system prompt block with optional cache control.
type systemBlock struct {
	Type         string        `json:"type"`
	Text         string        `json:"text"`
	CacheControl *cacheControl `json:"cache_control,omitempty"`
}

// anthropicRequest is the API request format.
type anthropicRequest struct {
	Model       string          `json:"model"`
	Messages    []anthropicMsg  `json:"messages"`
	System      any             `json:"system,omitempty"` // string or []systemBlock
	MaxTokens   int             `json:"max_tokens"`
	Temperature *float64        `json:"temperature,omitempty"`
	Tools       []anthropicTool `json:"tools,omitempty"`
	Stream      bool            `json:"stream,omitempty"`
}

type anthropicMsg struct {
	Role    string `json:"role"`
	Content any    `json:"content"` // string or []contentBlock
}

type contentBlock struct {
	Type      string `json:"type"`
	Text      string `json:"text,omitempty"`
	ID        string `json:"id,omitempty"`
	Name      string `json:"name,omitempty"`
	Input     any    `json:"input,omitempty"` // non-nil for tool_use, even when empty
	ToolUseID string `json:"tool_use_id,omitempty"`
	Content   string `json:"content,omitempty"`
	IsError   bool   `json:"is_error,omitempty"`
}

type anthropicTool struct {
	Name         string         `json:"name"`
	Description  string         `json:"description"`
	InputSchema  map[string]any `json:"input_schema"`
	CacheControl *cacheControl  `json:"cache_control,omitempty"`
}

// anthropicResponse is the API response format.
type anthropicResponse struct {
	ID           string         `json:"id"`
	Type         string         `json:"type"`
	Role         string         `json:"role"`
	Content      []contentBlock `json:"content"`
	Model        string         `json:"model"`
	StopReason   string         `json:"stop_reason"`
	StopSequence string         `json:"stop_sequence"`
	Usage        Usage          `json:"usage"`
}

type anthropicErrorBody struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// Generate sends a request and returns the complete response.
func (a *AnthropicLLM) Generate(ctx context.Context, messages []Message, tools []ToolSchema) (*LLMResponse, error) {
	start := time.Now()

	req := a.buildRequest(messages, tools, false)

	resp, err := a.doRequest(ctx, req)
	if err != nil {
		return nil, err
	}

	return a.parseResponse(resp, time.Since(start)), nil
}

// GenerateStream sends a request and returns a channel of structural
// streaming events. A non-2xx status is returned as *APIError before any
// event is sent.
func (a *AnthropicLLM) GenerateStream(ctx context.Context, messages []Message, tools []ToolSchema) (<-chan StreamEvent, error) {
	req := a.buildRequest(messages, tools, true)

	httpReq, err := a.createHTTPRequest(ctx, req)
	if err != nil {
		return nil, err
	}
	httpResp, err := a.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	if httpResp.StatusCode != http.StatusOK {
		defer httpResp.Body.Close()
		return nil, apiError(httpResp)
	}

	eventCh := make(chan StreamEvent, 100)
	go func() {
		defer close(eventCh)
		defer httpResp.Body.Close()
		a.parseSSE(ctx, httpResp.Body, eventCh)
	}()

	return eventCh, nil
}

// buildRequest converts messages into Anthropic's block format. Assistant
// tool calls become tool_use blocks and consecutive tool results are merged
// into one user message.
func (a *AnthropicLLM) buildRequest(messages []Message, tools []ToolSchema, stream bool) *anthropicRequest {
	req := &anthropicRequest{
		Model:     a.model,
		MaxTokens: a.maxTokens,
		Stream:    stream,
	}

	var msgs []anthropicMsg
	for _, msg := range messages {
		switch msg.Role {
		case RoleSystem:
			req.System = []systemBlock{{
				Type:         "text",
				Text:         msg.Content,
				CacheControl: &cacheControl{Type: "ephemeral"},
			}}

		case RoleTool:
			result := contentBlock{
				Type:      "tool_result",
				ToolUseID: msg.ToolCallID,
				Content:   msg.Content,
				IsError:   msg.IsError,
			}
			if n := len(msgs); n > 0 && msgs[n-1].Role == string(RoleUser) {
				if blocks, ok := msgs[n-1].Content.([]contentBlock); ok && isToolResults(blocks) {
					msgs[n-1].Content = append(blocks, result)
					continue
				}
			}
			msgs = append(msgs, anthropicMsg{Role: string(RoleUser), Content: []contentBlock{result}})

		case RoleAssistant:
			if len(msg.ToolCalls) == 0 {
				msgs = append(msgs, anthropicMsg{Role: string(msg.Role), Content: msg.Content})
				continue
			}
			var blocks []contentBlock
			if msg.Content != "" {
				blocks = append(blocks, contentBlock{Type: "text", Text: msg.Content})
			}
			for _, tc := range msg.ToolCalls {
				input := tc.Arguments
				if input == nil {
					input = map[string]any{}
				}
				blocks = append(blocks, contentBlock{Type: "tool_use", ID: tc.ID, Name: tc.Name, Input: input})
			}
			msgs = append(msgs, anthropicMsg{Role: string(msg.Role), Content: blocks})

		default:
			// Text following tool results shares their user turn.
			if n := len(msgs); n > 0 && msg.Role == RoleUser && msgs[n-1].Role == string(RoleUser) {
				if blocks, ok := msgs[n-1].Content.([]contentBlock); ok && isToolResults(blocks) {
					msgs[n-1].Content = append(blocks, contentBlock{Type: "text", Text: msg.Content})
					continue
				}
			}
			msgs = append(msgs, anthropicMsg{Role: string(msg.Role), Content: msg.Content})
		}
	}
	req.Messages = msgs

	// Mark the last tool with cache_control to cache the system + tools prefix.
	for i, t := range tools {
		at := anthropicTool{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: t.InputSchema,
		}
		if i == len(tools)-1 {
			at.CacheControl = &cacheControl{Type: "ephemeral"}
		}
		req.Tools = append(req.Tools, at)
	}

	return req
}

func isToolResults(blocks []contentBlock) bool {
	for _, b := range blocks {
		if b.Type != "tool_result" {
			return false
		}
	}
	return len(blocks) > 0
}

func (a *AnthropicLLM) createHTTPRequest(ctx context.Context, req *anthropicRequest) (*http.Request, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/v1/messages", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", a.apiKey)
	httpReq.Header.Set("anthropic-version", "2023-06-01")

	return httpReq, nil
}

func (a *AnthropicLLM) doRequest(ctx context.Context, req *anthropicRequest) (*anthropicResponse, error) {
	httpReq, err := a.createHTTPRequest(ctx, req)
	if err != nil {
		return nil, err
	}

	httpResp, err := a.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		return nil, apiError(httpResp)
	}

	var resp anthropicResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}
	return &resp, nil
}

// apiError builds an *APIError from a failed response.
func apiError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	e := &APIError{
		Provider:   "anthropic",
		StatusCode: resp.StatusCode,
		RetryAfter: retryAfter(resp.Header.Get("retry-after")),
	}
	var eb anthropicErrorBody
	if json.Unmarshal(body, &eb) == nil && eb.Error.Message != "" {
		e.Type = eb.Error.Type
		e.Message = eb.Error.Message
	} else {
		e.Message = strings.TrimSpace(string(body))
	}
	return e
}

// retryAfter parses a retry-after header given in seconds or as an HTTP date.
func retryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.ParseFloat(v, 64); err == nil && secs > 0 {
		return time.Duration(secs * float64(time.Second))
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

func (a *AnthropicLLM) parseResponse(resp *anthropicResponse, latency time.Duration) *LLMResponse {
	result := &LLMResponse{
		InputTokens:              resp.Usage.InputTokens,
		OutputTokens:             resp.Usage.OutputTokens,
		CacheCreationInputTokens: resp.Usage.CacheCreationInputTokens,
		CacheReadInputTokens:     resp.Usage.CacheReadInputTokens,
		LatencyMs:                latency.Milliseconds(),
		StopReason:               StopReason(resp.StopReason),
	}

	result.CostUSD = UsageCost(resp.Model, resp.Usage)

	for _, block := range resp.Content {
		switch block.Type {
		case "text":
			result.Content += block.Text
		case "tool_use":
			args, _ := block.Input.(map[string]any)
			if args == nil {
				args = map[string]any{}
			}
			result.ToolCalls = append(result.ToolCalls, ToolCall{
				ID:        block.ID,
				Name:      block.Name,
				Arguments: args,
			})
		}
	}

	return result
}

// parseSSE reads server-sent events and forwards them until the body ends or
// ctx is cancelled.
func (a *AnthropicLLM) parseSSE(ctx context.Context, reader io.Reader, eventCh chan<- StreamEvent) {
	scanner := bufio.NewScanner(reader)
	scanner.Buffer(make([]byte, 0, 64<<10), 4<<20)
	var currentEvent string
	var currentData strings.Builder

	send := func(ev StreamEvent) bool {
		select {
		case eventCh <- ev:
			return true
		case <-ctx.Done():
			return false
		}
	}

	for scanner.Scan() {
		line := scanner.Text()

		if strings.HasPrefix(line, "event: ") {
			currentEvent = strings.TrimPrefix(line, "event: ")
			continue
		}

		if strings.HasPrefix(line, "data: ") {
			currentData.WriteString(strings.TrimPrefix(line, "data: "))
			continue
		}

		if line == "" && currentEvent != "" {
			ev, ok := decodeSSEEvent(currentEvent, currentData.String())
			currentEvent = ""
			currentData.Reset()
			if ok && !send(ev) {
				return
			}
		}
	}
	if err := scanner.Err(); err != nil {
		send(StreamEvent{Type: StreamEventError, Error: fmt.Errorf("read stream: %w", err)})
	}
}

type sseEnvelope struct {
	Index   int `json:"index"`
	Message struct {
		Usage Usage `json:"usage"`
	} `json:"message"`
	ContentBlock struct {
		Type string `json:"type"`
		ID   string `json:"id"`
		Name string `json:"name"`
		Text string `json:"text"`
	} `json:"content_block"`
	Delta struct {
		Type        string `json:"type"`
		Text        string `json:"text"`
		PartialJSON string `json:"partial_json"`
		StopReason  string `json:"stop_reason"`
	} `json:"delta"`
	Usage Usage `json:"usage"`
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// decodeSSEEvent maps one SSE event onto a StreamEvent. Events that carry no
// structure (ping) are dropped.
func decodeSSEEvent(eventType, data string) (StreamEvent, bool) {
	var env sseEnvelope
	if err := json.Unmarshal([]byte(data), &env); err != nil {
		return StreamEvent{Type: StreamEventError, Error: fmt.Errorf("%w: %s payload: %v", ErrStreamProtocol, eventType, err)}, true
	}

	switch eventType {
	case "message_start":
		u := env.Message.Usage
		return StreamEvent{Type: StreamEventMessageStart, Usage: &u}, true

	case "content_block_start":
		return StreamEvent{
			Type:  StreamEventBlockStart,
			Index: env.Index,
			Block: &ContentBlock{
				Type: BlockType(env.ContentBlock.Type),
				ID:   env.ContentBlock.ID,
				Name: env.ContentBlock.Name,
				Text: env.ContentBlock.Text,
			},
		}, true

	case "content_block_delta":
		return StreamEvent{
			Type:  StreamEventBlockDelta,
			Index: env.Index,
			Delta: &Delta{
				Type:        DeltaType(env.Delta.Type),
				Text:        env.Delta.Text,
				PartialJSON: env.Delta.PartialJSON,
			},
		}, true

	case "content_block_stop":
		return StreamEvent{Type: StreamEventBlockStop, Index: env.Index}, true

	case "message_delta":
		u := env.Usage
		return StreamEvent{Type: StreamEventMessageDelta, StopReason: StopReason(env.Delta.StopReason), Usage: &u}, true

	case "message_stop":
		return StreamEvent{Type: StreamEventMessageStop}, true

	case "error":
		e := &APIError{Provider: "anthropic", Type: env.Error.Type, Message: env.Error.Message}
		if env.Error.Type == "overloaded_error" {
			e.StatusCode = 529
		}
		return StreamEvent{Type: StreamEventError, Error: e}, true
	}
	return StreamEvent{}, false
}
