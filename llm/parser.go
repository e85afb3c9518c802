package llm

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// Default parser bounds.
const (
	DefaultMaxToolArgBytes = 256 << 10
	DefaultMaxTextBytes    = 1 << 20
)

// ParserConfig bounds the parser's buffers.
type ParserConfig struct {
	MaxToolArgBytes int `yaml:"max_tool_arg_bytes"`
	MaxTextBytes    int `yaml:"max_text_bytes"`
}

func (c ParserConfig) withDefaults() ParserConfig {
	if c.MaxToolArgBytes <= 0 {
		c.MaxToolArgBytes = DefaultMaxToolArgBytes
	}
	if c.MaxTextBytes <= 0 {
		c.MaxTextBytes = DefaultMaxTextBytes
	}
	return c
}

// ParseEventType categorizes parser output.
type ParseEventType string

const (
	ParseText         ParseEventType = "text"
	ParseToolComplete ParseEventType = "tool_complete"
	ParseStreamEnd    ParseEventType = "stream_end"
)

// ParseEvent is emitted by Feed.
type ParseEvent struct {
	Type ParseEventType

	// Index is the block index for text and tool events.
	Index int

	// Text is the fragment for ParseText.
	Text string

	// Tool is the decoded call for ParseToolComplete.
	Tool *ToolCall

	// Usage and StopReason are set on ParseStreamEnd.
	Usage      Usage
	StopReason StopReason
}

type block struct {
	index  int
	kind   BlockType
	id     string
	name   string
	args   bytes.Buffer
	closed bool
}

// Parser turns one turn's stream events into text and completed tool calls.
// It is not safe for concurrent use; a runner owns one per turn.
type Parser struct {
	cfg       ParserConfig
	blocks    map[int]*block
	text      strings.Builder
	tools     map[int]ToolCall
	usage     Usage
	stop      StopReason
	ended     bool
	lastError error
}

// NewParser creates a parser for one response.
func NewParser(cfg ParserConfig) *Parser {
	return &Parser{
		cfg:    cfg.withDefaults(),
		blocks: make(map[int]*block),
		tools:  make(map[int]ToolCall),
	}
}

// Feed consumes one event. Once Feed returns an error the parser is spent and
// every later call returns the same error.
func (p *Parser) Feed(ev StreamEvent) ([]ParseEvent, error) {
	if p.lastError != nil {
		return nil, p.lastError
	}
	out, err := p.feed(ev)
	if err != nil {
		p.lastError = err
		return nil, err
	}
	return out, nil
}

func (p *Parser) feed(ev StreamEvent) ([]ParseEvent, error) {
	if p.ended {
		return nil, fmt.Errorf("%w: %s after message_stop", ErrStreamProtocol, ev.Type)
	}

	switch ev.Type {
	case StreamEventMessageStart:
		if ev.Usage != nil {
			p.usage.InputTokens = ev.Usage.InputTokens
			p.usage.CacheCreationInputTokens = ev.Usage.CacheCreationInputTokens
			p.usage.CacheReadInputTokens = ev.Usage.CacheReadInputTokens
			if ev.Usage.OutputTokens > 0 {
				p.usage.OutputTokens = ev.Usage.OutputTokens
			}
		}
		return nil, nil

	case StreamEventBlockStart:
		if ev.Block == nil {
			return nil, fmt.Errorf("%w: block start %d without block", ErrStreamProtocol, ev.Index)
		}
		if _, ok := p.blocks[ev.Index]; ok {
			return nil, fmt.Errorf("%w: block %d started twice", ErrStreamProtocol, ev.Index)
		}
		b := &block{index: ev.Index, kind: ev.Block.Type, id: ev.Block.ID, name: ev.Block.Name}
		p.blocks[ev.Index] = b
		if b.kind == BlockText && ev.Block.Text != "" {
			return p.appendText(b, ev.Block.Text)
		}
		return nil, nil

	case StreamEventBlockDelta:
		b, err := p.open(ev.Index)
		if err != nil {
			return nil, err
		}
		if ev.Delta == nil {
			return nil, nil
		}
		switch ev.Delta.Type {
		case DeltaText:
			return p.appendText(b, ev.Delta.Text)
		case DeltaInputJSON:
			if b.kind != BlockToolUse {
				return nil, fmt.Errorf("%w: argument fragment for %s block %d", ErrStreamProtocol, b.kind, b.index)
			}
			if b.args.Len()+len(ev.Delta.PartialJSON) > p.cfg.MaxToolArgBytes {
				return nil, &ParseLimitError{Index: b.index, What: "tool arguments for " + b.name, Limit: p.cfg.MaxToolArgBytes}
			}
			b.args.WriteString(ev.Delta.PartialJSON)
		}
		return nil, nil

	case StreamEventBlockStop:
		b, err := p.open(ev.Index)
		if err != nil {
			return nil, err
		}
		b.closed = true
		if b.kind != BlockToolUse {
			return nil, nil
		}
		call, err := decodeTool(b)
		if err != nil {
			return nil, err
		}
		p.tools[b.index] = call
		return []ParseEvent{{Type: ParseToolComplete, Index: b.index, Tool: &call}}, nil

	case StreamEventMessageDelta:
		if ev.StopReason != "" {
			p.stop = ev.StopReason
		}
		if ev.Usage != nil && ev.Usage.OutputTokens > 0 {
			p.usage.OutputTokens = ev.Usage.OutputTokens
		}
		return nil, nil

	case StreamEventMessageStop:
		for _, b := range p.blocks {
			if !b.closed && b.kind == BlockToolUse {
				return nil, &ToolInputParseError{Index: b.index, ID: b.id, Name: b.name, Err: fmt.Errorf("block never closed")}
			}
		}
		p.ended = true
		return []ParseEvent{{Type: ParseStreamEnd, Usage: p.usage, StopReason: p.stop}}, nil

	case StreamEventError:
		if ev.Error != nil {
			return nil, ev.Error
		}
		return nil, fmt.Errorf("%w: error event without detail", ErrStreamProtocol)
	}
	return nil, nil
}

func (p *Parser) open(index int) (*block, error) {
	b, ok := p.blocks[index]
	if !ok {
		return nil, fmt.Errorf("%w: fragment for unknown block %d", ErrStreamProtocol, index)
	}
	if b.closed {
		return nil, fmt.Errorf("%w: fragment for closed block %d", ErrStreamProtocol, index)
	}
	return b, nil
}

func (p *Parser) appendText(b *block, s string) ([]ParseEvent, error) {
	if p.text.Len()+len(s) > p.cfg.MaxTextBytes {
		return nil, &ParseLimitError{Index: b.index, What: "response text", Limit: p.cfg.MaxTextBytes}
	}
	p.text.WriteString(s)
	return []ParseEvent{{Type: ParseText, Index: b.index, Text: s}}, nil
}

func decodeTool(b *block) (ToolCall, error) {
	raw := bytes.TrimSpace(b.args.Bytes())
	args := map[string]any{}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &args); err != nil {
			return ToolCall{}, &ToolInputParseError{Index: b.index, ID: b.id, Name: b.name, Err: err}
		}
		if args == nil {
			// "null" decodes without error but is not an argument object.
			return ToolCall{}, &ToolInputParseError{Index: b.index, ID: b.id, Name: b.name, Err: fmt.Errorf("arguments are null")}
		}
	}
	return ToolCall{ID: b.id, Name: b.name, Arguments: args}, nil
}

// Ended reports whether message_stop was seen.
func (p *Parser) Ended() bool {
	return p.ended
}

// Text returns all text received so far.
func (p *Parser) Text() string {
	return p.text.String()
}

// ToolCalls returns the completed calls ordered by block index.
func (p *Parser) ToolCalls() []ToolCall {
	idx := make([]int, 0, len(p.tools))
	for i := range p.tools {
		idx = append(idx, i)
	}
	sort.Ints(idx)
	out := make([]ToolCall, 0, len(idx))
	for _, i := range idx {
		out = append(out, p.tools[i])
	}
	return out
}

// Response assembles the turn's result. Call it after the stream ended.
func (p *Parser) Response(model string) *LLMResponse {
	return &LLMResponse{
		Content:                  p.text.String(),
		ToolCalls:                p.ToolCalls(),
		InputTokens:              p.usage.InputTokens,
		OutputTokens:             p.usage.OutputTokens,
		CacheCreationInputTokens: p.usage.CacheCreationInputTokens,
		CacheReadInputTokens:     p.usage.CacheReadInputTokens,
		CostUSD:                  UsageCost(model, p.usage),
		StopReason:               p.stop,
	}
}
