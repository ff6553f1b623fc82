package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	mcplib "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/floegence/sqlagent/internal/ai"
)

// registerCatalog mirrors every registry tool, schema included.
func (s *Server) registerCatalog() {
	for _, def := range s.svc.Tools().Definitions() {
		tool := mcplib.NewToolWithRawSchema(def.Name, def.Description, def.InputSchema)
		s.mcpServer.AddTool(tool, s.catalogHandler(def.Name))
	}
}

// catalogHandler runs one registry tool through the executor, so argument validation,
// timeouts and the row/byte budgets match what the reasoning loop gets. Calls made here are
// not reviewed: the MCP client is the one issuing them.
func (s *Server) catalogHandler(name string) mcpserver.ToolHandlerFunc {
	return func(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
		args := request.GetArguments()
		if args == nil {
			args = map[string]any{}
		}
		raw, err := json.Marshal(args)
		if err != nil {
			return errorResult(fmt.Sprintf("invalid arguments: %v", err)), nil
		}
		call := ai.NewToolCall("mcp_"+uuid.NewString(), name, raw)
		res, err := s.svc.Executor().Execute(ctx, call)
		if err != nil {
			return errorResult(fmt.Sprintf("%s failed: %v", name, err)), nil
		}
		if res.Status == ai.ResultError {
			s.logger.Info("mcp tool call failed", "tool", name, "code", res.Code, "error", res.ErrorDetail)
			return errorResult(res.ModelContent()), nil
		}
		return textResult(res.ModelContent()), nil
	}
}

func (s *Server) registerTools() {
	s.mcpServer.AddTool(
		mcplib.NewTool("ingest_csv",
			mcplib.WithDescription(`Load a CSV file with a header row into a new table.

Pass either path (a file readable by the server) or content (the CSV text) with
file_name. Returns the generated table name and the inferred column types.`),
			mcplib.WithDestructiveHintAnnotation(false),
			mcplib.WithIdempotentHintAnnotation(false),
			mcplib.WithString("path", mcplib.Description("Path of a CSV file on the server")),
			mcplib.WithString("content", mcplib.Description("CSV text, used when path is empty")),
			mcplib.WithString("file_name", mcplib.Description("Name the table is derived from when content is given")),
		),
		s.handleIngest,
	)

	s.mcpServer.AddTool(
		mcplib.NewTool("ask",
			mcplib.WithDescription(`Ask a question about the loaded tables. Runs a full agent turn: the model
explores the schema, queries the data and answers in prose.

Reuse thread_id to ask follow-up questions in the same conversation. When the
result status is awaiting_review, a query needs approval: call resolve_interrupt.`),
			mcplib.WithOpenWorldHintAnnotation(true),
			mcplib.WithString("question", mcplib.Description("The question to answer"), mcplib.Required()),
			mcplib.WithString("thread_id", mcplib.Description("Conversation to continue; a new one is started when empty")),
		),
		s.handleAsk,
	)

	s.mcpServer.AddTool(
		mcplib.NewTool("resolve_interrupt",
			mcplib.WithDescription("Approve or reject the query a thread is waiting on, then continue the turn."),
			mcplib.WithString("thread_id", mcplib.Description("Thread with a pending interrupt"), mcplib.Required()),
			mcplib.WithString("call_id", mcplib.Description("triggering_call_id of the interrupt"), mcplib.Required()),
			mcplib.WithString("outcome", mcplib.Description("Decision"), mcplib.Required(), mcplib.Enum("approved", "rejected")),
			mcplib.WithObject("edited_arguments", mcplib.Description("Replacement tool arguments, for example a rewritten query")),
			mcplib.WithString("reason", mcplib.Description("Why the call was edited or rejected")),
		),
		s.handleResolve,
	)
}

func (s *Server) handleIngest(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	path := strings.TrimSpace(request.GetString("path", ""))
	content := request.GetString("content", "")

	var (
		name   string
		reader io.Reader
	)
	switch {
	case path != "":
		b, err := os.ReadFile(path)
		if err != nil {
			return errorResult(fmt.Sprintf("read %s: %v", path, err)), nil
		}
		name = filepath.Base(path)
		reader = bytes.NewReader(b)
	case content != "":
		name = strings.TrimSpace(request.GetString("file_name", ""))
		if name == "" {
			name = "upload.csv"
		}
		reader = strings.NewReader(content)
	default:
		return errorResult("path or content is required"), nil
	}

	schema, err := s.tables.IngestCSV(ctx, name, reader)
	if err != nil {
		return errorResult(fmt.Sprintf("ingest failed: %v", err)), nil
	}
	return jsonResult(schema)
}

// answerView is the ask/resolve_interrupt result; tool chatter is left out.
type answerView struct {
	ThreadID  string        `json:"thread_id"`
	Status    ai.TurnStatus `json:"status"`
	Sequence  int64         `json:"sequence"`
	Text      string        `json:"text,omitempty"`
	Interrupt *ai.Interrupt `json:"interrupt,omitempty"`
}

func viewOf(ans ai.Answer) answerView {
	return answerView{
		ThreadID:  ans.ThreadID,
		Status:    ans.Status,
		Sequence:  ans.Sequence,
		Text:      ans.Text,
		Interrupt: ans.Interrupt,
	}
}

func (s *Server) handleAsk(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	question := request.GetString("question", "")
	if strings.TrimSpace(question) == "" {
		return errorResult("question is required"), nil
	}
	threadID := strings.TrimSpace(request.GetString("thread_id", ""))
	if threadID == "" {
		threadID = "th_" + uuid.NewString()
	}

	ans, err := s.svc.Submit(ctx, threadID, question, ai.SubmitOptions{})
	if err != nil {
		return turnError(threadID, err), nil
	}
	return jsonResult(viewOf(ans))
}

func (s *Server) handleResolve(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	threadID := strings.TrimSpace(request.GetString("thread_id", ""))
	callID := strings.TrimSpace(request.GetString("call_id", ""))
	if threadID == "" || callID == "" {
		return errorResult("thread_id and call_id are required"), nil
	}
	d := ai.Decision{
		CallID:     callID,
		Outcome:    ai.Resolution(request.GetString("outcome", "")),
		Reason:     request.GetString("reason", ""),
		ResolvedBy: "mcp",
	}
	if d.Outcome != ai.ResolutionApproved && d.Outcome != ai.ResolutionRejected {
		return errorResult("outcome must be approved or rejected"), nil
	}
	if edited, ok := request.GetArguments()["edited_arguments"].(map[string]any); ok && len(edited) > 0 {
		raw, err := json.Marshal(edited)
		if err != nil {
			return errorResult(fmt.Sprintf("invalid edited_arguments: %v", err)), nil
		}
		d.EditedArguments = raw
	}

	ans, err := s.svc.Resolve(ctx, threadID, d)
	if err != nil {
		return turnError(threadID, err), nil
	}
	return jsonResult(viewOf(ans))
}

// turnError explains the failures a client can act on.
func turnError(threadID string, err error) *mcplib.CallToolResult {
	switch {
	case errors.Is(err, ai.ErrInterruptPending):
		return errorResult(fmt.Sprintf("thread %s is waiting for review; call resolve_interrupt first", threadID))
	case errors.Is(err, ai.ErrTurnIncomplete):
		return errorResult(fmt.Sprintf("thread %s has an unfinished turn; it must be resumed before new questions", threadID))
	case errors.Is(err, ai.ErrThreadBusy):
		return errorResult(fmt.Sprintf("thread %s is answering another question", threadID))
	}
	return errorResult(err.Error())
}

func jsonResult(v any) (*mcplib.CallToolResult, error) {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal result: %w", err)
	}
	return textResult(string(b)), nil
}
