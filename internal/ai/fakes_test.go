package ai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/floegence/sqlagent/internal/ai/threadstore"
)

// scriptStep is one scripted model call. When wait is set the call blocks until it is
// closed or the context ends.
type scriptStep struct {
	content []ContentBlock
	err     error
	wait    chan struct{}
	// emitBeforeErr streams the content and then fails.
	emitBeforeErr bool
}

type scriptedProvider struct {
	mu       sync.Mutex
	steps    []scriptStep
	requests []TurnRequest
	started  chan struct{}
}

func newScriptedProvider(steps ...scriptStep) *scriptedProvider {
	return &scriptedProvider{steps: steps, started: make(chan struct{}, 16)}
}

func (p *scriptedProvider) StreamTurn(ctx context.Context, req TurnRequest, onEvent func(StreamEvent)) (TurnResult, error) {
	p.mu.Lock()
	req.Messages = append([]Message(nil), req.Messages...)
	p.requests = append(p.requests, req)
	if len(p.steps) == 0 {
		p.mu.Unlock()
		return TurnResult{}, errors.New("script exhausted")
	}
	step := p.steps[0]
	p.steps = p.steps[1:]
	p.mu.Unlock()

	select {
	case p.started <- struct{}{}:
	default:
	}
	if step.wait != nil {
		select {
		case <-step.wait:
		case <-ctx.Done():
			return TurnResult{}, ctx.Err()
		}
	}
	if step.err != nil && !step.emitBeforeErr {
		return TurnResult{}, step.err
	}
	for i, b := range step.content {
		switch b.Type {
		case BlockThinking:
			if req.IncludeThinking {
				emitProviderEvent(onEvent, StreamEvent{Type: StreamEventThinkingDelta, Index: i, Text: b.Text})
			}
		case BlockText:
			// Two deltas per block exercise chunk reassembly.
			half := len(b.Text) / 2
			emitProviderEvent(onEvent, StreamEvent{Type: StreamEventTextDelta, Index: i, Text: b.Text[:half]})
			emitProviderEvent(onEvent, StreamEvent{Type: StreamEventTextDelta, Index: i, Text: b.Text[half:]})
		case BlockToolUse:
			call := *b.ToolCall
			emitProviderEvent(onEvent, StreamEvent{Type: StreamEventToolCallStart, Index: i, ToolCall: &ToolCall{ID: call.ID, Name: call.Name}})
			emitProviderEvent(onEvent, StreamEvent{Type: StreamEventToolCallEnd, Index: i, ToolCall: &call})
		}
	}
	if step.err != nil {
		return TurnResult{}, step.err
	}
	return TurnResult{Content: step.content, StopReason: "end_turn", Usage: TurnUsage{InputTokens: 10, OutputTokens: 5}}, nil
}

func (p *scriptedProvider) calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.requests)
}

func (p *scriptedProvider) lastRequest() TurnRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.requests[len(p.requests)-1]
}

func textStep(text string) scriptStep {
	return scriptStep{content: []ContentBlock{TextBlock(text)}}
}

func queryCall(id string, purpose string, query string) ContentBlock {
	args, _ := json.Marshal(map[string]string{"purpose": purpose, "query": query})
	return ToolUseBlock(NewToolCall(id, ToolExecuteQuery, args))
}

// countingTables is a fake query capability that records every invocation.
type countingTables struct {
	calls   atomic.Int64
	mu      sync.Mutex
	queries []string
	done    []string
	fail    bool
	delay   func(query string) time.Duration
}

func (c *countingTables) register(t *testing.T, reg *ToolRegistry) {
	t.Helper()
	err := reg.Register(ToolSpec{
		Name: ToolExecuteQuery,
		InputSchema: json.RawMessage(`{"type":"object","properties":{"purpose":{"type":"string","enum":["draft","final","intermediate"]},
			"query":{"type":"string"}},"required":["purpose","query"],"additionalProperties":false}`),
		Handler: func(ctx context.Context, args map[string]any) (ToolOutput, error) {
			q, _ := args["query"].(string)
			c.calls.Add(1)
			c.mu.Lock()
			c.queries = append(c.queries, q)
			c.mu.Unlock()
			if c.delay != nil {
				if err := sleepContext(ctx, c.delay(q)); err != nil {
					return ToolOutput{}, err
				}
			}
			c.mu.Lock()
			c.done = append(c.done, q)
			c.mu.Unlock()
			if c.fail {
				return ToolOutput{}, fmt.Errorf("no such table: %s", q)
			}
			return ToolOutput{
				Fields: map[string]any{"message": "Query executed successfully"},
				Rows:   &RowSet{Columns: []string{"query", "n"}, Rows: [][]any{{q, int64(42)}}},
			}, nil
		},
	})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
}

func openStore(t *testing.T) *threadstore.Store {
	t.Helper()
	return openStoreAt(t, filepath.Join(t.TempDir(), "threads.sqlite"))
}

func openStoreAt(t *testing.T, path string) *threadstore.Store {
	t.Helper()
	st, err := threadstore.Open(path)
	if err != nil {
		t.Fatalf("threadstore.Open: %v", err)
	}
	return st
}

type testHarness struct {
	svc      *Service
	store    CheckpointStore
	provider *scriptedProvider
	tables   *countingTables
}

func newHarness(t *testing.T, cfg Config, steps ...scriptStep) *testHarness {
	t.Helper()
	return newHarnessWithStore(t, openStore(t), cfg, newScriptedProvider(steps...))
}

func newHarnessWithStore(t *testing.T, store CheckpointStore, cfg Config, provider *scriptedProvider) *testHarness {
	t.Helper()
	tables := &countingTables{}
	reg := NewToolRegistry()
	tables.register(t, reg)
	svc, err := NewService(Options{
		Store:        store,
		Provider:     provider,
		Tools:        reg,
		SystemPrompt: func(context.Context) (string, error) { return "You answer questions about tables.", nil },
		Config:       cfg,
	})
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	t.Cleanup(func() { _ = svc.Close() })
	return &testHarness{svc: svc, store: store, provider: provider, tables: tables}
}

// failingStore fails SaveCheckpoint from the failAt-th call on while failing is set.
type failingStore struct {
	CheckpointStore
	failAt  int64
	saves   atomic.Int64
	failing atomic.Bool
}

func newFailingStore(inner CheckpointStore, failAt int64) *failingStore {
	s := &failingStore{CheckpointStore: inner, failAt: failAt}
	s.failing.Store(true)
	return s
}

func (s *failingStore) SaveCheckpoint(ctx context.Context, rec threadstore.CheckpointRecord) error {
	if n := s.saves.Add(1); s.failing.Load() && n >= s.failAt {
		return errors.New("disk I/O error")
	}
	return s.CheckpointStore.SaveCheckpoint(ctx, rec)
}
