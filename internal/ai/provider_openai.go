package ai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	openai "github.com/openai/openai-go"
	ooption "github.com/openai/openai-go/option"
	oresponses "github.com/openai/openai-go/responses"
	oshared "github.com/openai/openai-go/shared"
)

const openAIDefaultMaxOutputTokens = 8192

type openAIProvider struct {
	client openai.Client
}

func newOpenAIProvider(baseURL string, apiKey string) *openAIProvider {
	opts := []ooption.RequestOption{
		ooption.WithAPIKey(strings.TrimSpace(apiKey)),
		ooption.WithMaxRetries(0),
	}
	if strings.TrimSpace(baseURL) != "" {
		opts = append(opts, ooption.WithBaseURL(strings.TrimSpace(baseURL)))
	}
	return &openAIProvider{client: openai.NewClient(opts...)}
}

// openAIBlock accumulates one output item of a Responses stream.
type openAIBlock struct {
	outputIndex int64
	kind        BlockType
	text        strings.Builder
	callID      string
	name        string
	args        strings.Builder
	argsDone    bool
	ended       bool
}

func (p *openAIProvider) StreamTurn(ctx context.Context, req TurnRequest, onEvent func(StreamEvent)) (TurnResult, error) {
	if p == nil {
		return TurnResult{}, errors.New("nil provider")
	}
	if strings.TrimSpace(req.Model) == "" {
		return TurnResult{}, errors.New("missing model")
	}
	maxTokens := int64(req.MaxTokens)
	if maxTokens <= 0 {
		maxTokens = openAIDefaultMaxOutputTokens
	}
	params := oresponses.ResponseNewParams{
		Model:             oshared.ResponsesModel(strings.TrimSpace(req.Model)),
		MaxOutputTokens:   openai.Int(maxTokens),
		ParallelToolCalls: openai.Bool(true),
	}
	input := buildOpenAIInput(req.Messages)
	if len(input) == 0 {
		input = append(input, oresponses.ResponseInputItemParamOfMessage("Continue.", oresponses.EasyInputMessageRoleUser))
	}
	params.Input = oresponses.ResponseNewParamsInputUnion{OfInputItemList: input}
	if system := strings.TrimSpace(req.System); system != "" {
		params.Instructions = openai.String(system)
	}
	tools, aliasToReal := buildOpenAITools(req.Tools)
	if len(tools) > 0 {
		params.Tools = tools
	}

	stream := p.client.Responses.NewStreaming(ctx, params)
	defer stream.Close()

	blocks := map[string]*openAIBlock{} // item key -> block
	keyFor := func(kind BlockType, itemID string, outputIndex int64) string {
		if itemID != "" {
			return itemID
		}
		return fmt.Sprintf("%s#%d", kind, outputIndex)
	}
	get := func(kind BlockType, itemID string, outputIndex int64) *openAIBlock {
		key := keyFor(kind, itemID, outputIndex)
		if b := blocks[key]; b != nil {
			return b
		}
		b := &openAIBlock{outputIndex: outputIndex, kind: kind}
		blocks[key] = b
		return b
	}
	realName := func(name string) string {
		if real, ok := aliasToReal[name]; ok {
			return real
		}
		return name
	}
	endCall := func(b *openAIBlock) {
		if b.ended || b.callID == "" {
			return
		}
		b.ended = true
		call := NewToolCall(b.callID, b.name, repairToolArguments(b.args.String()))
		emitProviderEvent(onEvent, StreamEvent{Type: StreamEventToolCallEnd, Index: int(b.outputIndex), ToolCall: &call})
	}

	var completed oresponses.Response
	gotCompleted := false
	for stream.Next() {
		event := stream.Current()
		switch event.Type {
		case "response.output_text.delta":
			delta := event.Delta.OfString
			if delta == "" {
				continue
			}
			get(BlockText, event.ItemID, event.OutputIndex).text.WriteString(delta)
			emitProviderEvent(onEvent, StreamEvent{Type: StreamEventTextDelta, Index: int(event.OutputIndex), Text: delta})

		case "response.reasoning_summary_text.delta":
			delta := event.Delta.OfString
			if delta == "" || !req.IncludeThinking {
				continue
			}
			get(BlockThinking, event.ItemID, event.OutputIndex).text.WriteString(delta)
			emitProviderEvent(onEvent, StreamEvent{Type: StreamEventThinkingDelta, Index: int(event.OutputIndex), Text: delta})

		case "response.output_item.added":
			item := event.Item
			if item.Type != "function_call" {
				continue
			}
			b := get(BlockToolUse, item.ID, event.OutputIndex)
			b.callID = strings.TrimSpace(item.CallID)
			if b.callID == "" {
				b.callID = item.ID
			}
			b.name = realName(item.Name)
			emitProviderEvent(onEvent, StreamEvent{Type: StreamEventToolCallStart, Index: int(event.OutputIndex), ToolCall: &ToolCall{ID: b.callID, Name: b.name}})

		case "response.function_call_arguments.delta":
			b := get(BlockToolUse, event.ItemID, event.OutputIndex)
			if !b.argsDone {
				b.args.WriteString(event.Delta.OfString)
			}

		case "response.function_call_arguments.done":
			b := get(BlockToolUse, event.ItemID, event.OutputIndex)
			if raw := strings.TrimSpace(event.Arguments); raw != "" {
				b.args.Reset()
				b.args.WriteString(raw)
			}
			b.argsDone = true

		case "response.output_item.done":
			item := event.Item
			if item.Type != "function_call" {
				continue
			}
			b := get(BlockToolUse, item.ID, event.OutputIndex)
			if b.callID == "" {
				b.callID = strings.TrimSpace(item.CallID)
			}
			if b.name == "" {
				b.name = realName(item.Name)
			}
			if b.args.Len() == 0 && item.Arguments != "" {
				b.args.WriteString(item.Arguments)
			}
			endCall(b)

		case "response.completed":
			completed = event.Response
			gotCompleted = true
		}
	}
	if err := stream.Err(); err != nil {
		return TurnResult{}, err
	}
	if !gotCompleted {
		return TurnResult{}, errors.New("missing response.completed event")
	}

	ordered := make([]*openAIBlock, 0, len(blocks))
	for _, b := range blocks {
		ordered = append(ordered, b)
	}
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].outputIndex < ordered[j].outputIndex })

	result := TurnResult{
		StopReason: string(completed.Status),
		Model:      string(completed.Model),
		Usage:      TurnUsage{InputTokens: completed.Usage.InputTokens, OutputTokens: completed.Usage.OutputTokens},
	}
	seen := map[string]struct{}{}
	for _, b := range ordered {
		switch b.kind {
		case BlockText:
			result.Content = append(result.Content, TextBlock(b.text.String()))
		case BlockThinking:
			result.Content = append(result.Content, ThinkingBlock(b.text.String(), ""))
		case BlockToolUse:
			if b.callID == "" {
				continue
			}
			endCall(b)
			seen[b.callID] = struct{}{}
			result.Content = append(result.Content, ToolUseBlock(NewToolCall(b.callID, b.name, repairToolArguments(b.args.String()))))
		}
	}
	// Recover calls the stream did not announce.
	for _, item := range completed.Output {
		if item.Type != "function_call" {
			continue
		}
		callID := strings.TrimSpace(item.CallID)
		if callID == "" {
			callID = item.ID
		}
		if _, ok := seen[callID]; ok || callID == "" {
			continue
		}
		call := NewToolCall(callID, realName(item.Name), repairToolArguments(item.Arguments))
		emitProviderEvent(onEvent, StreamEvent{Type: StreamEventToolCallStart, Index: len(result.Content), ToolCall: &ToolCall{ID: call.ID, Name: call.Name}})
		emitProviderEvent(onEvent, StreamEvent{Type: StreamEventToolCallEnd, Index: len(result.Content), ToolCall: &call})
		result.Content = append(result.Content, ToolUseBlock(call))
	}
	return result, nil
}

func buildOpenAITools(defs []ToolDef) ([]oresponses.ToolUnionParam, map[string]string) {
	out := make([]oresponses.ToolUnionParam, 0, len(defs))
	aliasToReal := make(map[string]string, len(defs))
	for _, def := range defs {
		if strings.TrimSpace(def.Name) == "" {
			continue
		}
		schema := map[string]any{}
		if len(def.InputSchema) > 0 {
			_ = json.Unmarshal(def.InputSchema, &schema)
		}
		alias := sanitizeProviderToolName(def.Name)
		tool := oresponses.ToolParamOfFunction(alias, schema, false)
		if tool.OfFunction != nil && def.Description != "" {
			tool.OfFunction.Description = openai.String(def.Description)
		}
		out = append(out, tool)
		aliasToReal[alias] = def.Name
	}
	return out, aliasToReal
}

// buildOpenAIInput flattens the timeline into Responses input items. Reasoning summaries are
// not replayed; the Responses API only accepts its own reasoning items.
func buildOpenAIInput(messages []Message) oresponses.ResponseInputParam {
	items := make(oresponses.ResponseInputParam, 0, len(messages)+2)
	assistantSeq := 0
	for _, msg := range messages {
		switch msg.Role {
		case RoleTool:
			for _, b := range msg.Content {
				if b.Type != BlockToolResult || b.ToolResult == nil {
					continue
				}
				items = append(items, oresponses.ResponseInputItemParamOfFunctionCallOutput(b.ToolResult.CallID, b.ToolResult.ModelContent()))
			}
		case RoleAssistant:
			var text strings.Builder
			flush := func() {
				if strings.TrimSpace(text.String()) == "" {
					text.Reset()
					return
				}
				assistantSeq++
				// Output message IDs must start with "msg_".
				items = append(items, oresponses.ResponseInputItemParamOfOutputMessage(
					[]oresponses.ResponseOutputMessageContentUnionParam{{
						OfOutputText: &oresponses.ResponseOutputTextParam{
							Text:        text.String(),
							Annotations: []oresponses.ResponseOutputTextAnnotationUnionParam{},
						},
					}},
					fmt.Sprintf("msg_hist%d", assistantSeq),
					oresponses.ResponseOutputMessageStatusCompleted,
				))
				text.Reset()
			}
			for _, b := range msg.Content {
				switch b.Type {
				case BlockText:
					text.WriteString(b.Text)
				case BlockToolUse:
					if b.ToolCall == nil {
						continue
					}
					flush()
					args := string(b.ToolCall.Arguments)
					if !json.Valid([]byte(args)) {
						args = "{}"
					}
					items = append(items, oresponses.ResponseInputItemParamOfFunctionCall(args, b.ToolCall.ID, sanitizeProviderToolName(b.ToolCall.Name)))
				}
			}
			flush()
		default:
			if txt := msg.Text(); strings.TrimSpace(txt) != "" {
				items = append(items, oresponses.ResponseInputItemParamOfMessage(txt, oresponses.EasyInputMessageRoleUser))
			}
		}
	}
	return items
}
