package ai

import (
	"bytes"
	"encoding/json"
	"strings"
)

// Role identifies who contributed a message to the thread.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// BlockType tags a ContentBlock variant.
type BlockType string

const (
	BlockText             BlockType = "text"
	BlockThinking         BlockType = "thinking"
	BlockRedactedThinking BlockType = "redacted_thinking"
	BlockToolUse          BlockType = "tool_use"
	BlockToolResult       BlockType = "tool_result"
)

// ContentBlock is one ordered element of a Message.
//
// Exactly one payload field is meaningful per Type:
//   - text: Text
//   - thinking: Text + Signature (the signature must be echoed back to the provider verbatim)
//   - redacted_thinking: Data
//   - tool_use: ToolCall
//   - tool_result: ToolResult
type ContentBlock struct {
	Type       BlockType   `json:"type"`
	Text       string      `json:"text,omitempty"`
	Signature  string      `json:"signature,omitempty"`
	Data       string      `json:"data,omitempty"`
	ToolCall   *ToolCall   `json:"tool_call,omitempty"`
	ToolResult *ToolResult `json:"tool_result,omitempty"`
}

func TextBlock(text string) ContentBlock { return ContentBlock{Type: BlockText, Text: text} }

func ThinkingBlock(text string, signature string) ContentBlock {
	return ContentBlock{Type: BlockThinking, Text: text, Signature: signature}
}

func ToolUseBlock(call ToolCall) ContentBlock {
	c := call
	return ContentBlock{Type: BlockToolUse, ToolCall: &c}
}

func ToolResultBlock(res ToolResult) ContentBlock {
	r := res
	return ContentBlock{Type: BlockToolResult, ToolResult: &r}
}

type Message struct {
	Role            Role           `json:"role"`
	Content         []ContentBlock `json:"content"`
	CreatedAtUnixMs int64          `json:"created_at_unix_ms,omitempty"`
}

// Text joins the message's text blocks in order.
func (m Message) Text() string {
	var sb strings.Builder
	for _, b := range m.Content {
		if b.Type == BlockText {
			sb.WriteString(b.Text)
		}
	}
	return sb.String()
}

// ToolCalls returns the tool_use blocks of the message in issue order.
func (m Message) ToolCalls() []ToolCall {
	var out []ToolCall
	for _, b := range m.Content {
		if b.Type == BlockToolUse && b.ToolCall != nil {
			out = append(out, *b.ToolCall)
		}
	}
	return out
}

// Purpose classifies a tool call for presentation. Both purposes execute identically.
type Purpose string

const (
	PurposeDraft Purpose = "draft"
	PurposeFinal Purpose = "final"
)

// ParsePurpose accepts "intermediate" as an alias of draft. Unknown values map to draft.
func ParsePurpose(raw string) Purpose {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "final":
		return PurposeFinal
	default:
		return PurposeDraft
	}
}

type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
	Purpose   Purpose         `json:"purpose"`
}

// NewToolCall builds a call from raw provider arguments. The purpose is read from the
// "purpose" argument when present.
func NewToolCall(id string, name string, args json.RawMessage) ToolCall {
	call := ToolCall{ID: strings.TrimSpace(id), Name: strings.TrimSpace(name), Arguments: compactJSON(args), Purpose: PurposeDraft}
	var probe struct {
		Purpose string `json:"purpose"`
	}
	if err := json.Unmarshal(call.Arguments, &probe); err == nil {
		call.Purpose = ParsePurpose(probe.Purpose)
	}
	return call
}

// ResultStatus is the outcome of a single tool call.
type ResultStatus string

const (
	ResultOK    ResultStatus = "ok"
	ResultError ResultStatus = "error"
)

type ToolResult struct {
	CallID      string          `json:"call_id"`
	Status      ResultStatus    `json:"status"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	ErrorDetail string          `json:"error_detail,omitempty"`
	Code        ErrorCode       `json:"code,omitempty"`
}

// ModelContent renders the result for the next model call.
func (r ToolResult) ModelContent() string {
	if r.Status == ResultError {
		b, _ := json.Marshal(map[string]any{"error": string(r.Code), "message": r.ErrorDetail})
		return string(b)
	}
	if len(r.Payload) == 0 {
		return "{}"
	}
	return string(r.Payload)
}

// GraphState is the durable per-thread aggregate. It is plain data: every field survives a
// JSON round trip unchanged, which is what makes checkpoint replay exact.
type GraphState struct {
	ThreadID         string              `json:"thread_id"`
	Messages         []Message           `json:"messages"`
	PendingInterrupt *Interrupt          `json:"pending_interrupt,omitempty"`
	Interrupts       []Interrupt         `json:"interrupts,omitempty"`
	Decisions        map[string]Decision `json:"decisions,omitempty"`
	Policy           InterruptPolicy     `json:"policy"`
	TurnStart        int                 `json:"turn_start"`
	Sequence         int64               `json:"sequence"`
	// Halted records why the last turn was stopped by a loop cap. A halted thread is at
	// rest until the next user message.
	Halted ErrorKind `json:"halted,omitempty"`
}

// Append adds a message to the end of the timeline. A user message starts a new turn.
func (s *GraphState) Append(msg Message) {
	if msg.Role == RoleUser {
		s.TurnStart = len(s.Messages)
	}
	s.Messages = append(s.Messages, msg)
}

// Current returns a deep copy that shares no memory with s.
func (s *GraphState) Current() GraphState {
	b, err := json.Marshal(s)
	if err != nil {
		return *s
	}
	var out GraphState
	if err := json.Unmarshal(b, &out); err != nil {
		return *s
	}
	return out
}

// IsTerminal reports whether the thread is at rest: no pending interrupt, and the last
// message is an assistant message whose tool calls all have results.
func (s *GraphState) IsTerminal() bool {
	if s.PendingInterrupt != nil {
		return false
	}
	if len(s.Messages) == 0 {
		return true
	}
	last := s.Messages[len(s.Messages)-1]
	if last.Role != RoleAssistant {
		return false
	}
	return len(s.UnresolvedCalls()) == 0
}

// LastAssistantIndex returns the index of the most recent assistant message or -1.
func (s *GraphState) LastAssistantIndex() int {
	for i := len(s.Messages) - 1; i >= 0; i-- {
		if s.Messages[i].Role == RoleAssistant {
			return i
		}
	}
	return -1
}

// UnresolvedCalls lists tool_use blocks of the latest assistant message that have no
// tool_result later in the timeline, in issue order.
func (s *GraphState) UnresolvedCalls() []ToolCall {
	idx := s.LastAssistantIndex()
	if idx < 0 {
		return nil
	}
	calls := s.Messages[idx].ToolCalls()
	if len(calls) == 0 {
		return nil
	}
	done := make(map[string]struct{})
	for _, msg := range s.Messages[idx+1:] {
		for _, b := range msg.Content {
			if b.Type == BlockToolResult && b.ToolResult != nil {
				done[b.ToolResult.CallID] = struct{}{}
			}
		}
	}
	out := make([]ToolCall, 0, len(calls))
	for _, c := range calls {
		if _, ok := done[c.ID]; !ok {
			out = append(out, c)
		}
	}
	return out
}

// TurnMessages returns the messages of the turn in progress (or the last completed turn).
func (s *GraphState) TurnMessages() []Message {
	if s.TurnStart < 0 || s.TurnStart > len(s.Messages) {
		return nil
	}
	return s.Messages[s.TurnStart:]
}

// toolRounds counts tool messages in the current turn and how many of the trailing ones
// carry nothing but errors.
func (s *GraphState) toolRounds() (rounds int, trailingFailed int) {
	counting := true
	turn := s.TurnMessages()
	for i := len(turn) - 1; i >= 0; i-- {
		msg := turn[i]
		if msg.Role != RoleTool {
			continue
		}
		rounds++
		if !counting {
			continue
		}
		allFailed := len(msg.Content) > 0
		for _, b := range msg.Content {
			// A reviewer rejection is not a model mistake.
			if b.ToolResult == nil || b.ToolResult.Status != ResultError || b.ToolResult.Code == CodeRejected {
				allFailed = false
				break
			}
		}
		if allFailed {
			trailingFailed++
		} else {
			counting = false
		}
	}
	return rounds, trailingFailed
}

// closeDangling gives every unresolved call an error result so the timeline stays well formed
// after a halted turn.
func (s *GraphState) closeDangling(detail string, nowMs int64) {
	calls := s.UnresolvedCalls()
	if len(calls) == 0 {
		return
	}
	blocks := make([]ContentBlock, 0, len(calls))
	for _, c := range calls {
		blocks = append(blocks, ToolResultBlock(ToolResult{CallID: c.ID, Status: ResultError, Code: CodeExecutionFailed, ErrorDetail: detail}))
	}
	s.Messages = append(s.Messages, Message{Role: RoleTool, Content: blocks, CreatedAtUnixMs: nowMs})
}

func compactJSON(raw json.RawMessage) json.RawMessage {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" {
		return json.RawMessage("{}")
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, []byte(trimmed)); err != nil {
		return json.RawMessage(trimmed)
	}
	return json.RawMessage(buf.Bytes())
}
