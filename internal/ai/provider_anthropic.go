package ai

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	anthropic "github.com/anthropics/anthropic-sdk-go"
	aoption "github.com/anthropics/anthropic-sdk-go/option"
)

const (
	anthropicDefaultMaxTokens = 16384
	// interleavedThinkingBeta lets thinking blocks appear between tool_use blocks.
	interleavedThinkingBeta = "interleaved-thinking-2025-05-14"
)

type anthropicProvider struct {
	client anthropic.Client
}

func newAnthropicProvider(baseURL string, apiKey string) *anthropicProvider {
	opts := []aoption.RequestOption{
		aoption.WithAPIKey(strings.TrimSpace(apiKey)),
		// Retries are owned by resilientProvider so partial output is never replayed.
		aoption.WithMaxRetries(0),
	}
	if strings.TrimSpace(baseURL) != "" {
		opts = append(opts, aoption.WithBaseURL(strings.TrimSpace(baseURL)))
	}
	return &anthropicProvider{client: anthropic.NewClient(opts...)}
}

func (p *anthropicProvider) StreamTurn(ctx context.Context, req TurnRequest, onEvent func(StreamEvent)) (TurnResult, error) {
	if p == nil {
		return TurnResult{}, errors.New("nil provider")
	}
	if strings.TrimSpace(req.Model) == "" {
		return TurnResult{}, errors.New("missing model")
	}
	maxTokens := int64(req.MaxTokens)
	if maxTokens <= 0 {
		maxTokens = anthropicDefaultMaxTokens
	}
	thinking := req.IncludeThinking && req.ThinkingBudget >= 1024 && int64(req.ThinkingBudget) < maxTokens

	tools, aliasToReal := buildAnthropicTools(req.Tools)
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(strings.TrimSpace(req.Model)),
		MaxTokens: maxTokens,
		Messages:  buildAnthropicMessages(req.Messages, thinking),
		Tools:     tools,
	}
	if system := strings.TrimSpace(req.System); system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}
	var reqOpts []aoption.RequestOption
	if thinking {
		params.Thinking = anthropic.ThinkingConfigParamOfEnabled(int64(req.ThinkingBudget))
		reqOpts = append(reqOpts, aoption.WithHeader("anthropic-beta", interleavedThinkingBeta))
	}

	stream := p.client.Messages.NewStreaming(ctx, params, reqOpts...)
	defer stream.Close()

	msg := anthropic.Message{}
	argsRaw := map[int64]*strings.Builder{} // content block index -> streamed tool input
	for stream.Next() {
		event := stream.Current()
		if err := msg.Accumulate(event); err != nil {
			return TurnResult{}, err
		}
		switch variant := event.AsAny().(type) {
		case anthropic.ContentBlockStartEvent:
			if variant.ContentBlock.Type != "tool_use" {
				continue
			}
			argsRaw[variant.Index] = &strings.Builder{}
			name := variant.ContentBlock.Name
			if real, ok := aliasToReal[name]; ok {
				name = real
			}
			emitProviderEvent(onEvent, StreamEvent{
				Type:     StreamEventToolCallStart,
				Index:    int(variant.Index),
				ToolCall: &ToolCall{ID: variant.ContentBlock.ID, Name: name},
			})
		case anthropic.ContentBlockDeltaEvent:
			switch delta := variant.Delta.AsAny().(type) {
			case anthropic.TextDelta:
				if delta.Text != "" {
					emitProviderEvent(onEvent, StreamEvent{Type: StreamEventTextDelta, Index: int(variant.Index), Text: delta.Text})
				}
			case anthropic.ThinkingDelta:
				if delta.Thinking != "" && thinking {
					emitProviderEvent(onEvent, StreamEvent{Type: StreamEventThinkingDelta, Index: int(variant.Index), Text: delta.Thinking})
				}
			case anthropic.InputJSONDelta:
				if sb := argsRaw[variant.Index]; sb != nil {
					sb.WriteString(delta.PartialJSON)
				}
			}
		case anthropic.ContentBlockStopEvent:
			sb := argsRaw[variant.Index]
			idx := int(variant.Index)
			if sb == nil || idx < 0 || idx >= len(msg.Content) {
				continue
			}
			if tu, ok := msg.Content[idx].AsAny().(anthropic.ToolUseBlock); ok {
				call := anthropicToolCall(tu, sb.String(), aliasToReal)
				emitProviderEvent(onEvent, StreamEvent{Type: StreamEventToolCallEnd, Index: idx, ToolCall: &call})
			}
		}
	}
	if err := stream.Err(); err != nil {
		return TurnResult{}, err
	}

	result := TurnResult{
		StopReason: string(msg.StopReason),
		Model:      string(msg.Model),
		Usage:      TurnUsage{InputTokens: msg.Usage.InputTokens, OutputTokens: msg.Usage.OutputTokens},
	}
	for i, block := range msg.Content {
		switch variant := block.AsAny().(type) {
		case anthropic.TextBlock:
			result.Content = append(result.Content, TextBlock(variant.Text))
		case anthropic.ThinkingBlock:
			result.Content = append(result.Content, ThinkingBlock(variant.Thinking, variant.Signature))
		case anthropic.RedactedThinkingBlock:
			result.Content = append(result.Content, ContentBlock{Type: BlockRedactedThinking, Data: variant.Data})
		case anthropic.ToolUseBlock:
			streamed := ""
			if sb := argsRaw[int64(i)]; sb != nil {
				streamed = sb.String()
			}
			result.Content = append(result.Content, ToolUseBlock(anthropicToolCall(variant, streamed, aliasToReal)))
		}
	}
	return result, nil
}

func anthropicToolCall(tu anthropic.ToolUseBlock, streamed string, aliasToReal map[string]string) ToolCall {
	raw := strings.TrimSpace(streamed)
	if raw == "" && len(tu.Input) > 0 {
		raw = string(tu.Input)
	}
	name := tu.Name
	if real, ok := aliasToReal[name]; ok {
		name = real
	}
	return NewToolCall(tu.ID, name, repairToolArguments(raw))
}

func buildAnthropicTools(defs []ToolDef) ([]anthropic.ToolUnionParam, map[string]string) {
	out := make([]anthropic.ToolUnionParam, 0, len(defs))
	aliasToReal := make(map[string]string, len(defs))
	for _, def := range defs {
		name := strings.TrimSpace(def.Name)
		if name == "" {
			continue
		}
		schema := map[string]any{}
		if len(def.InputSchema) > 0 {
			_ = json.Unmarshal(def.InputSchema, &schema)
		}
		required, _ := toStringSlice(schema["required"])
		alias := sanitizeProviderToolName(name)
		param := anthropic.ToolParam{
			Name:        alias,
			Description: anthropic.String(strings.TrimSpace(def.Description)),
			InputSchema: anthropic.ToolInputSchemaParam{Properties: schema["properties"], Required: required},
		}
		aliasToReal[alias] = name
		out = append(out, anthropic.ToolUnionParam{OfTool: &param})
	}
	return out, aliasToReal
}

// buildAnthropicMessages converts the timeline into alternating user/assistant turns. Tool
// messages become user turns carrying tool_result blocks; adjacent same-role turns merge.
func buildAnthropicMessages(messages []Message, withThinking bool) []anthropic.MessageParam {
	type turn struct {
		assistant bool
		blocks    []anthropic.ContentBlockParamUnion
	}
	turns := make([]turn, 0, len(messages))
	for _, msg := range messages {
		assistant := msg.Role == RoleAssistant
		blocks := make([]anthropic.ContentBlockParamUnion, 0, len(msg.Content))
		for _, b := range msg.Content {
			switch b.Type {
			case BlockText:
				if strings.TrimSpace(b.Text) != "" {
					blocks = append(blocks, anthropic.NewTextBlock(b.Text))
				}
			case BlockThinking:
				if withThinking && assistant && b.Signature != "" {
					blocks = append(blocks, anthropic.NewThinkingBlock(b.Signature, b.Text))
				}
			case BlockRedactedThinking:
				if withThinking && assistant && b.Data != "" {
					blocks = append(blocks, anthropic.NewRedactedThinkingBlock(b.Data))
				}
			case BlockToolUse:
				if b.ToolCall == nil {
					continue
				}
				args := b.ToolCall.Arguments
				if !json.Valid(args) {
					args = json.RawMessage("{}")
				}
				blocks = append(blocks, anthropic.NewToolUseBlock(b.ToolCall.ID, args, sanitizeProviderToolName(b.ToolCall.Name)))
			case BlockToolResult:
				if b.ToolResult == nil {
					continue
				}
				r := b.ToolResult
				blocks = append(blocks, anthropic.NewToolResultBlock(r.CallID, r.ModelContent(), r.Status == ResultError))
			}
		}
		if len(blocks) == 0 {
			continue
		}
		if n := len(turns); n > 0 && turns[n-1].assistant == assistant {
			turns[n-1].blocks = append(turns[n-1].blocks, blocks...)
			continue
		}
		turns = append(turns, turn{assistant: assistant, blocks: blocks})
	}

	out := make([]anthropic.MessageParam, 0, len(turns)+1)
	for _, t := range turns {
		if t.assistant {
			out = append(out, anthropic.NewAssistantMessage(t.blocks...))
		} else {
			out = append(out, anthropic.NewUserMessage(t.blocks...))
		}
	}
	if len(out) == 0 {
		out = append(out, anthropic.NewUserMessage(anthropic.NewTextBlock("Continue.")))
	}
	return out
}
