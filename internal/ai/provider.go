package ai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/kaptinlin/jsonrepair"
)

// StreamEventType tags a provider stream event.
type StreamEventType string

const (
	StreamEventThinkingDelta StreamEventType = "thinking_delta"
	StreamEventTextDelta     StreamEventType = "text_delta"
	StreamEventToolCallStart StreamEventType = "tool_call_start"
	StreamEventToolCallEnd   StreamEventType = "tool_call_end"
)

// StreamEvent is one incremental piece of model output. Index is the content block the
// event belongs to; events from different blocks never share an index.
type StreamEvent struct {
	Type     StreamEventType
	Index    int
	Text     string
	ToolCall *ToolCall
}

type TurnRequest struct {
	Model          string
	System         string
	Messages       []Message
	Tools          []ToolDef
	MaxTokens      int
	ThinkingBudget int
	// IncludeThinking false asks the adapter not to request reasoning output at all.
	IncludeThinking bool
}

type TurnUsage struct {
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
}

// TurnResult is one completed model call: the assistant content in the order the model
// produced it.
type TurnResult struct {
	Content    []ContentBlock
	StopReason string
	Model      string
	Usage      TurnUsage
}

// Provider streams one model call. onEvent is invoked synchronously, in output order.
type Provider interface {
	StreamTurn(ctx context.Context, req TurnRequest, onEvent func(StreamEvent)) (TurnResult, error)
}

// ProviderFunc adapts a function to Provider.
type ProviderFunc func(ctx context.Context, req TurnRequest, onEvent func(StreamEvent)) (TurnResult, error)

func (f ProviderFunc) StreamTurn(ctx context.Context, req TurnRequest, onEvent func(StreamEvent)) (TurnResult, error) {
	return f(ctx, req, onEvent)
}

// ModelTarget pairs a provider adapter with the model it should call.
type ModelTarget struct {
	Name     string
	Provider Provider
	Model    string
}

// NewProviderAdapter builds the streaming adapter for a provider type.
func NewProviderAdapter(providerType string, baseURL string, apiKey string) (Provider, error) {
	providerType = strings.ToLower(strings.TrimSpace(providerType))
	if strings.TrimSpace(apiKey) == "" {
		return nil, errors.New("missing provider api key")
	}
	switch providerType {
	case "anthropic":
		return newAnthropicProvider(baseURL, apiKey), nil
	case "openai", "openai_compatible":
		return newOpenAIProvider(baseURL, apiKey), nil
	default:
		return nil, fmt.Errorf("unsupported provider type %q", providerType)
	}
}

func emitProviderEvent(onEvent func(StreamEvent), event StreamEvent) {
	if onEvent != nil {
		onEvent(event)
	}
}

// sanitizeProviderToolName maps a tool name onto the character set providers accept.
func sanitizeProviderToolName(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return ""
	}
	var sb strings.Builder
	for _, ch := range name {
		switch {
		case ch >= 'a' && ch <= 'z', ch >= 'A' && ch <= 'Z', ch >= '0' && ch <= '9', ch == '_', ch == '-':
			sb.WriteRune(ch)
		default:
			sb.WriteRune('_')
		}
	}
	out := strings.Trim(sb.String(), "_-")
	if out == "" {
		return "tool"
	}
	return out
}

// repairToolArguments returns valid JSON for a streamed tool input. Truncated or sloppy
// objects are repaired; anything beyond repair becomes an empty object so the executor
// reports the missing arguments back to the model.
func repairToolArguments(raw string) json.RawMessage {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return json.RawMessage("{}")
	}
	if json.Valid([]byte(raw)) {
		return json.RawMessage(raw)
	}
	repaired, err := jsonrepair.JSONRepair(raw)
	if err == nil && json.Valid([]byte(repaired)) {
		return json.RawMessage(repaired)
	}
	return json.RawMessage("{}")
}
