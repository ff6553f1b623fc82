package ai

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"
	"unicode/utf8"

	"golang.org/x/sync/errgroup"
)

const (
	defaultToolTimeout     = 30 * time.Second
	defaultMaxResultRows   = 50
	defaultMaxResultBytes  = 64 << 10
	defaultToolParallelism = 4

	rejectedDetail      = "rejected by reviewer"
	modifiedQueryNotice = "User modified the proposed query."
)

type ExecutorConfig struct {
	Timeout     time.Duration
	MaxRows     int
	MaxBytes    int
	Parallelism int
	Retry       RetryConfig
}

func (c ExecutorConfig) withDefaults() ExecutorConfig {
	if c.Timeout <= 0 {
		c.Timeout = defaultToolTimeout
	}
	if c.MaxRows <= 0 {
		c.MaxRows = defaultMaxResultRows
	}
	if c.MaxBytes <= 0 {
		c.MaxBytes = defaultMaxResultBytes
	}
	if c.Parallelism <= 0 {
		c.Parallelism = defaultToolParallelism
	}
	return c
}

// ToolExecutor validates and runs tool calls against the registry's capabilities.
type ToolExecutor struct {
	registry *ToolRegistry
	cfg      ExecutorConfig
	log      *slog.Logger
}

func NewToolExecutor(registry *ToolRegistry, cfg ExecutorConfig, log *slog.Logger) *ToolExecutor {
	if log == nil {
		log = slog.Default()
	}
	if registry == nil {
		registry = NewToolRegistry()
	}
	return &ToolExecutor{registry: registry, cfg: cfg.withDefaults(), log: log}
}

// Execute runs one call. Validation and capability failures come back as error results;
// the returned error is reserved for cancellation and exhausted timeout retries.
func (e *ToolExecutor) Execute(ctx context.Context, call ToolCall) (ToolResult, error) {
	tool, ok := e.registry.lookup(call.Name)
	if !ok {
		return errorResult(call.ID, CodeUnknownTool, fmt.Sprintf("unknown tool %q", call.Name)), nil
	}
	args := map[string]any{}
	if raw := strings.TrimSpace(string(call.Arguments)); raw != "" {
		if err := json.Unmarshal([]byte(raw), &args); err != nil {
			return errorResult(call.ID, CodeInvalidArguments, "arguments must be a JSON object: "+err.Error()), nil
		}
	}
	if err := validateToolArguments(tool.schema, args); err != nil {
		return errorResult(call.ID, CodeInvalidArguments, err.Error()), nil
	}

	var lastErr error
	for attempt := 0; attempt <= e.cfg.Retry.MaxRetries; attempt++ {
		if attempt > 0 {
			if err := sleepContext(ctx, e.cfg.Retry.Delay(attempt-1)); err != nil {
				return ToolResult{}, err
			}
		}
		callCtx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
		out, err := tool.spec.Handler(callCtx, args)
		timedOut := errors.Is(callCtx.Err(), context.DeadlineExceeded)
		cancel()
		if ctx.Err() != nil {
			return ToolResult{}, ctx.Err()
		}
		if err == nil {
			payload, perr := e.buildPayload(out)
			if perr != nil {
				return errorResult(call.ID, CodeExecutionFailed, "encode result: "+perr.Error()), nil
			}
			return ToolResult{CallID: call.ID, Status: ResultOK, Payload: payload}, nil
		}
		if timedOut || errors.Is(err, context.DeadlineExceeded) {
			lastErr = fmt.Errorf("tool %s exceeded %s", call.Name, e.cfg.Timeout)
			e.log.Warn("tool call timed out", "tool", call.Name, "call_id", call.ID, "attempt", attempt+1)
			continue
		}
		var te *ToolError
		if errors.As(err, &te) {
			te.normalize()
			return errorResult(call.ID, te.Code, te.Message), nil
		}
		return errorResult(call.ID, CodeExecutionFailed, err.Error()), nil
	}
	return ToolResult{}, newAgentError(KindUpstreamTimeout, "tool "+call.Name, "", lastErr)
}

// ExecuteBatch runs the calls concurrently and returns results in issue order. Calls with a
// rejected decision produce an error result without touching the capability. If any call
// fails with a Go error the whole batch is discarded.
func (e *ToolExecutor) ExecuteBatch(ctx context.Context, calls []ToolCall, decisions map[string]Decision) ([]ToolResult, error) {
	results := make([]ToolResult, len(calls))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.Parallelism)
	for i, call := range calls {
		d, decided := decisions[call.ID]
		if decided && d.Outcome == ResolutionRejected {
			results[i] = rejectedResult(call.ID, d.Reason)
			continue
		}
		modified := decided && len(d.EditedArguments) > 0 && string(d.EditedArguments) != string(call.Arguments)
		if modified {
			call.Arguments = d.EditedArguments
		}
		g.Go(func() error {
			res, err := e.Execute(gctx, call)
			if err != nil {
				return err
			}
			if modified && res.Status == ResultOK {
				res.Payload = annotateModified(res.Payload, call, d.Reason)
			}
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

func (e *ToolExecutor) buildPayload(out ToolOutput) (json.RawMessage, error) {
	payload := make(map[string]any, len(out.Fields)+3)
	for k, v := range out.Fields {
		payload[k] = normalizeValue(v)
	}
	if out.Rows == nil {
		return json.Marshal(payload)
	}

	total := max(len(out.Rows.Rows), out.Rows.Total)
	keep := min(len(out.Rows.Rows), e.cfg.MaxRows)
	for {
		payload["columns"] = out.Rows.Columns
		payload["results"] = rowObjects(out.Rows.Columns, out.Rows.Rows[:keep])
		payload["summary"] = map[string]any{
			"total_rows":    total,
			"returned_rows": keep,
			"truncated":     keep < total,
		}
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		if len(b) <= e.cfg.MaxBytes || keep == 0 {
			return b, nil
		}
		keep /= 2
	}
}

func rowObjects(columns []string, rows [][]any) []map[string]any {
	out := make([]map[string]any, 0, len(rows))
	for _, row := range rows {
		obj := make(map[string]any, len(columns))
		for i, col := range columns {
			if i < len(row) {
				obj[col] = normalizeValue(row[i])
			} else {
				obj[col] = nil
			}
		}
		out = append(out, obj)
	}
	return out
}

// normalizeValue converts driver values into JSON-friendly forms the model can read.
func normalizeValue(v any) any {
	switch x := v.(type) {
	case nil:
		return nil
	case time.Time:
		return x.UTC().Format(time.RFC3339Nano)
	case *time.Time:
		if x == nil {
			return nil
		}
		return x.UTC().Format(time.RFC3339Nano)
	case time.Duration:
		return x.String()
	case []byte:
		if utf8.Valid(x) {
			return string(x)
		}
		return base64.StdEncoding.EncodeToString(x)
	case float64:
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return fmt.Sprint(x)
		}
		return x
	case float32:
		return normalizeValue(float64(x))
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, it := range x {
			out[k] = normalizeValue(it)
		}
		return out
	case []any:
		out := make([]any, len(x))
		for i, it := range x {
			out[i] = normalizeValue(it)
		}
		return out
	case error:
		return x.Error()
	default:
		return v
	}
}

func errorResult(callID string, code ErrorCode, detail string) ToolResult {
	return ToolResult{CallID: callID, Status: ResultError, Code: code, ErrorDetail: strings.TrimSpace(detail)}
}

func rejectedResult(callID string, reason string) ToolResult {
	detail := rejectedDetail
	if r := strings.TrimSpace(reason); r != "" {
		detail += ": " + r
	}
	return errorResult(callID, CodeRejected, detail)
}

func annotateModified(payload json.RawMessage, call ToolCall, reason string) json.RawMessage {
	obj := map[string]any{}
	if err := json.Unmarshal(payload, &obj); err != nil {
		return payload
	}
	var args struct {
		Query string `json:"query"`
	}
	_ = json.Unmarshal(call.Arguments, &args)
	obj["message"] = modifiedQueryNotice
	if args.Query != "" {
		obj["executed_query"] = args.Query
	}
	if strings.TrimSpace(reason) == "" {
		reason = "No reason provided."
	}
	obj["reason"] = reason
	b, err := json.Marshal(obj)
	if err != nil {
		return payload
	}
	return b
}
