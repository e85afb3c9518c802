// Package llm provides LLM backends and the streaming tool-call parser.
//
// # Anthropic Backend
//
// The bundled backend talks to Anthropic's Messages API:
//
//	client := llm.NewAnthropic()  // Uses ANTHROPIC_API_KEY env var
//
//	// Or with a custom key and model
//	client := llm.NewAnthropic(
//	    llm.WithAPIKey("sk-..."),
//	    llm.WithModel("claude-opus-4-20250514"),
//	)
//
// Each call makes exactly one HTTP attempt. Failures come back as *APIError
// carrying the HTTP status and any Retry-After hint, so the caller can
// classify and retry them.
//
// # Streaming
//
// GenerateStream emits structural events: message and content block starts,
// fragments and stops. Feed them to a Parser to get completed tool calls as
// soon as their block closes:
//
//	p := llm.NewParser(llm.ParserConfig{})
//	for ev := range events {
//	    out, err := p.Feed(ev)
//	    if err != nil {
//	        return err
//	    }
//	    for _, pe := range out {
//	        if pe.Type == llm.ParseToolComplete {
//	            dispatch(*pe.Tool)
//	        }
//	    }
//	}
//	if !p.Ended() {
//	    return llm.ErrStreamTruncated
//	}
//
// The parser bounds per-block buffers and never attributes a fragment to a
// block other than the one its index names.
//
// # Implementing Custom Backends
//
// Implement the LLM interface:
//
//	type LLM interface {
//	    Generate(ctx context.Context, messages []Message, tools []ToolSchema) (*LLMResponse, error)
//	    GenerateStream(ctx context.Context, messages []Message, tools []ToolSchema) (<-chan StreamEvent, error)
//	}
//
// Optionally implement ContextWindower to report the model's window and
// ResponseLimiter to support bounded summary requests.
package llm
