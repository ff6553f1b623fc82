package ai

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// ChunkKind classifies a streamed chunk.
type ChunkKind string

const (
	ChunkThinking     ChunkKind = "thinking"
	ChunkText         ChunkKind = "text"
	ChunkToolActivity ChunkKind = "tool_activity"
)

// Tool activity phases.
const (
	ActivityCall      = "call"
	ActivityResult    = "result"
	ActivityInterrupt = "interrupt"
)

// ToolActivity details a tool_activity chunk.
type ToolActivity struct {
	Phase       string          `json:"phase"`
	CallID      string          `json:"call_id"`
	Name        string          `json:"name,omitempty"`
	Purpose     Purpose         `json:"purpose,omitempty"`
	Arguments   json.RawMessage `json:"arguments,omitempty"`
	Status      ResultStatus    `json:"status,omitempty"`
	Code        ErrorCode       `json:"code,omitempty"`
	ErrorDetail string          `json:"error_detail,omitempty"`
	InterruptID string          `json:"interrupt_id,omitempty"`
}

// Chunk is one streamed piece of a turn. Segment identifies the content block the chunk
// came from; two chunks with different segments never belong to the same block.
type Chunk struct {
	Kind    ChunkKind     `json:"kind"`
	Content string        `json:"content"`
	Segment int           `json:"segment"`
	Tool    *ToolActivity `json:"tool,omitempty"`
}

// multiplexer turns provider stream events and orchestrator steps into ordered chunks.
// It is used from a single goroutine.
type multiplexer struct {
	includeThinking bool
	emit            func(Chunk)

	nextSegment int
	call        int
	segments    map[[2]int]int // (reasoning call, block index) -> segment
}

func newMultiplexer(includeThinking bool, emit func(Chunk)) *multiplexer {
	return &multiplexer{includeThinking: includeThinking, emit: emit, segments: make(map[[2]int]int)}
}

// beginReasoning starts a new model call; its block indexes get fresh segments.
func (m *multiplexer) beginReasoning() {
	if m == nil {
		return
	}
	m.call++
}

func (m *multiplexer) segment(index int) int {
	key := [2]int{m.call, index}
	if seg, ok := m.segments[key]; ok {
		return seg
	}
	seg := m.nextSegment
	m.nextSegment++
	m.segments[key] = seg
	return seg
}

func (m *multiplexer) newSegment() int {
	seg := m.nextSegment
	m.nextSegment++
	return seg
}

func (m *multiplexer) onEvent(ev StreamEvent) {
	if m == nil || m.emit == nil {
		return
	}
	switch ev.Type {
	case StreamEventThinkingDelta:
		if !m.includeThinking || ev.Text == "" {
			return
		}
		m.emit(Chunk{Kind: ChunkThinking, Content: ev.Text, Segment: m.segment(ev.Index)})
	case StreamEventTextDelta:
		if ev.Text == "" {
			return
		}
		m.emit(Chunk{Kind: ChunkText, Content: ev.Text, Segment: m.segment(ev.Index)})
	case StreamEventToolCallEnd:
		if ev.ToolCall == nil {
			return
		}
		call := *ev.ToolCall
		m.emit(Chunk{
			Kind:    ChunkToolActivity,
			Content: fmt.Sprintf("%s (%s)", call.Name, call.Purpose),
			Segment: m.segment(ev.Index),
			Tool: &ToolActivity{
				Phase:     ActivityCall,
				CallID:    call.ID,
				Name:      call.Name,
				Purpose:   call.Purpose,
				Arguments: call.Arguments,
			},
		})
	}
}

func (m *multiplexer) toolResult(call ToolCall, res ToolResult) {
	if m == nil || m.emit == nil {
		return
	}
	content := call.Name + " ok"
	if res.Status == ResultError {
		content = fmt.Sprintf("%s failed: %s", call.Name, res.ErrorDetail)
	}
	m.emit(Chunk{
		Kind:    ChunkToolActivity,
		Content: content,
		Segment: m.newSegment(),
		Tool: &ToolActivity{
			Phase:       ActivityResult,
			CallID:      res.CallID,
			Name:        call.Name,
			Purpose:     call.Purpose,
			Status:      res.Status,
			Code:        res.Code,
			ErrorDetail: res.ErrorDetail,
		},
	})
}

func (m *multiplexer) interrupt(in *Interrupt) {
	if m == nil || m.emit == nil || in == nil {
		return
	}
	m.emit(Chunk{
		Kind:    ChunkToolActivity,
		Content: in.Reason,
		Segment: m.newSegment(),
		Tool: &ToolActivity{
			Phase:       ActivityInterrupt,
			CallID:      in.TriggeringCallID,
			Name:        in.ToolName,
			Purpose:     in.Purpose,
			Arguments:   in.Arguments,
			InterruptID: in.ID,
		},
	})
}

const chunkBuffer = 64

// ChunkStream is a finite, non-restartable sequence of chunks for one turn. The producer
// blocks when the buffer is full, so a slow reader slows the turn down rather than growing
// memory. Close cancels the turn.
type ChunkStream struct {
	ch     chan Chunk
	cancel context.CancelFunc

	cur Chunk

	// written by the producer before ch is closed
	answer Answer
	err    error

	closeOnce sync.Once
}

// newChunkStream runs fn on its own goroutine, forwarding every emitted chunk in order.
func newChunkStream(ctx context.Context, fn func(ctx context.Context, emit func(Chunk)) (Answer, error)) *ChunkStream {
	ctx, cancel := context.WithCancel(ctx)
	s := &ChunkStream{ch: make(chan Chunk, chunkBuffer), cancel: cancel}
	go func() {
		defer close(s.ch)
		emit := func(c Chunk) {
			select {
			case s.ch <- c:
			case <-ctx.Done():
			}
		}
		s.answer, s.err = fn(ctx, emit)
	}()
	return s
}

// Next blocks until the next chunk is available. It returns false once the turn has ended;
// Err and Answer are valid from then on.
func (s *ChunkStream) Next() bool {
	c, ok := <-s.ch
	if !ok {
		return false
	}
	s.cur = c
	return true
}

func (s *ChunkStream) Chunk() Chunk { return s.cur }

func (s *ChunkStream) Err() error { return s.err }

// Answer is the turn outcome, equal to what the non-streaming call would have returned.
func (s *ChunkStream) Answer() Answer { return s.answer }

// Close aborts the turn if it is still running and waits for it to stop.
func (s *ChunkStream) Close() error {
	s.closeOnce.Do(func() {
		s.cancel()
		for range s.ch {
		}
	})
	return nil
}
