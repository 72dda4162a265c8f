package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	anthropic "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/lokutor-ai/lokutor-orchestrator/pkg/orchestrator"
)

const defaultMaxTokens int64 = 1024

// AnthropicStream is the turn orchestrator's streaming LLM client: it
// builds a MessageNewParams and drives it through Messages.NewStreaming,
// accumulating tool-use blocks per content-block index and marking the
// cacheable system/tool blocks with ephemeral cache_control.
type AnthropicStream struct {
	sdk       anthropic.Client
	model     string
	maxTokens int64

	mu                sync.Mutex
	lastResponse      orchestrator.Content
	lastToolUseBlocks []orchestrator.Block
	cancelFlag        atomic.Bool
}

func NewAnthropicStream(apiKey, model string) *AnthropicStream {
	if model == "" {
		model = "claude-sonnet-4-20250514"
	}
	return &AnthropicStream{
		sdk:       anthropic.NewClient(option.WithAPIKey(apiKey)),
		model:     model,
		maxTokens: defaultMaxTokens,
	}
}

func (c *AnthropicStream) Name() string { return "anthropic-stream" }

// Cancel sets the cancel flag; StreamResponse checks it on every delta and
// breaks out. Idempotent; the flag is cleared again at the start of the
// next StreamResponse call.
func (c *AnthropicStream) Cancel() {
	c.cancelFlag.Store(true)
}

// LastResponseContent returns the structured content captured by the most
// recent StreamResponse call.
func (c *AnthropicStream) LastResponseContent() orchestrator.Content {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastResponse
}

// GetToolUseBlocks returns the tool_use blocks of the most recent response,
// or nil for a pure text response.
func (c *AnthropicStream) GetToolUseBlocks() []orchestrator.Block {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastToolUseBlocks
}

var cacheControl = anthropic.CacheControlEphemeralParam{}

func adaptSystemBlocks(blocks []orchestrator.SystemBlock) []anthropic.TextBlockParam {
	out := make([]anthropic.TextBlockParam, 0, len(blocks))
	for _, b := range blocks {
		tb := anthropic.TextBlockParam{Text: b.Text}
		if b.Cacheable {
			tb.CacheControl = cacheControl
		}
		out = append(out, tb)
	}
	return out
}

func adaptToolDefinitions(tools []orchestrator.ToolDefinition) ([]anthropic.ToolUnionParam, error) {
	out := make([]anthropic.ToolUnionParam, 0, len(tools))
	for _, t := range tools {
		schema, err := json.Marshal(t.InputSchema)
		if err != nil {
			return nil, fmt.Errorf("marshal tool schema for %s: %w", t.Name, err)
		}
		var inputSchema anthropic.ToolInputSchemaParam
		if err := json.Unmarshal(schema, &inputSchema); err != nil {
			return nil, fmt.Errorf("adapt tool schema for %s: %w", t.Name, err)
		}
		param := anthropic.ToolParam{
			Name:        t.Name,
			Description: anthropic.String(t.Description),
			InputSchema: inputSchema,
		}
		if t.CacheMarker {
			param.CacheControl = cacheControl
		}
		out = append(out, anthropic.ToolUnionParam{OfTool: &param})
	}
	return out, nil
}

func adaptMessages(messages []orchestrator.Message) ([]anthropic.MessageParam, error) {
	out := make([]anthropic.MessageParam, 0, len(messages))
	for _, m := range messages {
		var blocks []anthropic.ContentBlockParamUnion
		if !m.Content.IsBlocks {
			blocks = append(blocks, anthropic.NewTextBlock(m.Content.Text))
		} else {
			for _, b := range m.Content.Blocks {
				switch b.Type {
				case orchestrator.BlockText:
					blocks = append(blocks, anthropic.NewTextBlock(b.Text))
				case orchestrator.BlockToolUse:
					input, err := json.Marshal(b.ToolInput)
					if err != nil {
						return nil, fmt.Errorf("marshal tool_use input: %w", err)
					}
					blocks = append(blocks, anthropic.NewToolUseBlock(b.ToolUseID, json.RawMessage(input), b.ToolName))
				case orchestrator.BlockToolResult:
					blocks = append(blocks, anthropic.NewToolResultBlock(b.ToolResultID, b.ToolResultContent, b.IsError))
				}
			}
		}
		if m.Role == "assistant" {
			out = append(out, anthropic.NewAssistantMessage(blocks...))
		} else {
			out = append(out, anthropic.NewUserMessage(blocks...))
		}
	}
	return out, nil
}

// toolBuffer accumulates partial JSON for one streamed tool_use block,
// indexed by its content-block position, because the SDK's own Accumulate
// does not reliably assemble partial InputJSONDelta events.
type toolBuffer struct {
	id, name string
	input    strings.Builder
}

// StreamResponse resets the cancel flag and last-response state, then
// streams the completion, invoking onDelta for every text delta and
// checking the cancel flag after each one.
func (c *AnthropicStream) StreamResponse(ctx context.Context, system []orchestrator.SystemBlock, tools []orchestrator.ToolDefinition, messages []orchestrator.Message, onDelta func(orchestrator.StreamDelta)) error {
	c.cancelFlag.Store(false)
	c.mu.Lock()
	c.lastResponse = orchestrator.Content{}
	c.lastToolUseBlocks = nil
	c.mu.Unlock()

	sysBlocks := adaptSystemBlocks(system)
	toolParams, err := adaptToolDefinitions(tools)
	if err != nil {
		return err
	}
	msgParams, err := adaptMessages(messages)
	if err != nil {
		return err
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(c.model),
		Messages:  msgParams,
		System:    sysBlocks,
		Tools:     toolParams,
		MaxTokens: c.maxTokens,
	}

	stream := c.sdk.Messages.NewStreaming(ctx, params)
	defer stream.Close()

	var acc anthropic.Message
	toolBuffers := map[int64]*toolBuffer{}
	var textBuf strings.Builder

	for stream.Next() {
		if c.cancelFlag.Load() {
			break
		}
		event := stream.Current()
		_ = acc.Accumulate(event)

		switch ev := event.AsAny().(type) {
		case anthropic.ContentBlockStartEvent:
			if tb, ok := ev.ContentBlock.AsAny().(anthropic.ToolUseBlock); ok {
				raw, _ := json.Marshal(tb.Input)
				toolBuffers[ev.Index] = &toolBuffer{id: tb.ID, name: tb.Name}
				toolBuffers[ev.Index].input.Write(raw)
			}
		case anthropic.ContentBlockDeltaEvent:
			switch d := ev.Delta.AsAny().(type) {
			case anthropic.TextDelta:
				if d.Text != "" {
					textBuf.WriteString(d.Text)
					onDelta(orchestrator.StreamDelta{Text: d.Text})
				}
			case anthropic.InputJSONDelta:
				if tb := toolBuffers[ev.Index]; tb != nil {
					tb.input.WriteString(d.PartialJSON)
				}
			}
		}
		if c.cancelFlag.Load() {
			break
		}
	}
	if err := stream.Err(); err != nil {
		return fmt.Errorf("anthropic stream: %w", err)
	}

	c.captureFinalContent(textBuf.String(), toolBuffers)
	return nil
}

func (c *AnthropicStream) captureFinalContent(text string, toolBuffers map[int64]*toolBuffer) {
	var blocks []orchestrator.Block
	if text != "" {
		blocks = append(blocks, orchestrator.Block{Type: orchestrator.BlockText, Text: text})
	}

	indices := make([]int64, 0, len(toolBuffers))
	for i := range toolBuffers {
		indices = append(indices, i)
	}
	sort.Slice(indices, func(i, j int) bool { return indices[i] < indices[j] })

	var toolUse []orchestrator.Block
	for _, idx := range indices {
		tb := toolBuffers[idx]
		var input interface{}
		_ = json.Unmarshal([]byte(tb.input.String()), &input)
		b := orchestrator.Block{Type: orchestrator.BlockToolUse, ToolUseID: tb.id, ToolName: tb.name, ToolInput: input}
		blocks = append(blocks, b)
		toolUse = append(toolUse, b)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if len(blocks) == 1 && blocks[0].Type == orchestrator.BlockText {
		c.lastResponse = orchestrator.TextContent(text)
	} else {
		c.lastResponse = orchestrator.BlocksContent(blocks)
	}
	c.lastToolUseBlocks = toolUse
}
