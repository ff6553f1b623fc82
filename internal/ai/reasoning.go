package ai

import (
	"context"
	"errors"
	"time"
)

// SystemPromptFunc renders the system instruction for one model call.
type SystemPromptFunc func(ctx context.Context) (string, error)

type ReasoningConfig struct {
	Model          string
	MaxTokens      int
	ThinkingBudget int
}

// ReasoningNode makes exactly one model call per Run. It has no side effects on the thread:
// the orchestrator appends the returned message.
type ReasoningNode struct {
	provider Provider
	tools    *ToolRegistry
	system   SystemPromptFunc
	cfg      ReasoningConfig
	now      func() time.Time
}

func NewReasoningNode(provider Provider, tools *ToolRegistry, system SystemPromptFunc, cfg ReasoningConfig) *ReasoningNode {
	if tools == nil {
		tools = NewToolRegistry()
	}
	return &ReasoningNode{provider: provider, tools: tools, system: system, cfg: cfg, now: time.Now}
}

// Run sends the full history and returns the assistant message with blocks in the order the
// model produced them. onEvent sees the raw stream as it arrives.
func (n *ReasoningNode) Run(ctx context.Context, s *GraphState, includeThinking bool, onEvent func(StreamEvent)) (Message, TurnUsage, error) {
	if n == nil || n.provider == nil {
		return Message{}, TurnUsage{}, errors.New("reasoning node not configured")
	}
	system := ""
	if n.system != nil {
		var err error
		if system, err = n.system(ctx); err != nil {
			return Message{}, TurnUsage{}, newAgentError(KindExecution, "render system prompt", s.ThreadID, err)
		}
	}
	req := TurnRequest{
		Model:           n.cfg.Model,
		System:          system,
		Messages:        s.Messages,
		Tools:           n.tools.Definitions(),
		MaxTokens:       n.cfg.MaxTokens,
		ThinkingBudget:  n.cfg.ThinkingBudget,
		IncludeThinking: includeThinking,
	}
	res, err := n.provider.StreamTurn(ctx, req, onEvent)
	if err != nil {
		if ctx.Err() != nil {
			return Message{}, TurnUsage{}, newAgentError(KindCanceled, "model call", s.ThreadID, ctx.Err())
		}
		var ae *AgentError
		if errors.As(err, &ae) {
			if ae.ThreadID == "" {
				ae.ThreadID = s.ThreadID
			}
			return Message{}, TurnUsage{}, ae
		}
		return Message{}, TurnUsage{}, newAgentError(KindUpstream, "model call", s.ThreadID, err)
	}
	msg := Message{Role: RoleAssistant, Content: res.Content, CreatedAtUnixMs: n.now().UnixMilli()}
	return msg, res.Usage, nil
}
