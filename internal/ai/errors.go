package ai

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrThreadNotFound     = errors.New("thread not found")
	ErrThreadExists       = errors.New("thread already exists")
	ErrThreadBusy         = errors.New("thread has an active turn")
	ErrInterruptPending   = errors.New("thread is waiting for an interrupt decision")
	ErrNoPendingInterrupt = errors.New("thread has no pending interrupt")
	ErrInterruptMismatch  = errors.New("decision does not match the pending interrupt")
	ErrInterruptExpired   = errors.New("interrupt expired")
	ErrTurnIncomplete     = errors.New("thread has an unfinished turn; resume it first")
	ErrEmptyMessage       = errors.New("empty user message")
	ErrServiceClosed      = errors.New("service closed")
)

// ErrorKind classifies failures surfaced to callers. Tool-level validation and execution
// failures never reach the caller as errors; they are fed back to the model as results.
type ErrorKind string

const (
	KindValidation       ErrorKind = "validation"
	KindExecution        ErrorKind = "execution"
	KindUpstream         ErrorKind = "upstream"
	KindUpstreamTimeout  ErrorKind = "upstream_timeout"
	KindPersistence      ErrorKind = "persistence"
	KindInterruptTimeout ErrorKind = "interrupt_timeout"
	KindCanceled         ErrorKind = "canceled"
	KindRetriesExhausted ErrorKind = "retries_exhausted"
)

// AgentError is a turn-terminating failure. The thread stays at its last saved checkpoint.
type AgentError struct {
	Kind     ErrorKind
	Op       string
	ThreadID string
	Err      error
}

func (e *AgentError) Error() string {
	if e == nil {
		return "<nil>"
	}
	var sb strings.Builder
	sb.WriteString(string(e.Kind))
	if e.Op != "" {
		sb.WriteString(" during ")
		sb.WriteString(e.Op)
	}
	if e.ThreadID != "" {
		fmt.Fprintf(&sb, " (thread %s)", e.ThreadID)
	}
	if e.Err != nil {
		sb.WriteString(": ")
		sb.WriteString(e.Err.Error())
	}
	return sb.String()
}

func (e *AgentError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Retryable reports whether retrying the whole turn later may succeed.
func (e *AgentError) Retryable() bool {
	if e == nil {
		return false
	}
	switch e.Kind {
	case KindPersistence, KindUpstream, KindUpstreamTimeout, KindCanceled:
		return true
	default:
		return false
	}
}

func newAgentError(kind ErrorKind, op string, threadID string, err error) *AgentError {
	return &AgentError{Kind: kind, Op: op, ThreadID: threadID, Err: err}
}

// KindOf returns the AgentError kind in err's chain, or "".
func KindOf(err error) ErrorKind {
	var ae *AgentError
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return ""
}

// ErrorCode is a stable, machine-readable tool error code.
type ErrorCode string

const (
	CodeInvalidArguments ErrorCode = "INVALID_ARGUMENTS"
	CodeUnknownTool      ErrorCode = "UNKNOWN_TOOL"
	CodeExecutionFailed  ErrorCode = "EXECUTION_FAILED"
	CodeRejected         ErrorCode = "REJECTED"
	CodeTimeout          ErrorCode = "TIMEOUT"
)

// ToolError is returned by tool handlers to control the error result code.
type ToolError struct {
	Code    ErrorCode
	Message string
}

func (e *ToolError) Error() string {
	if e == nil {
		return ""
	}
	msg := strings.TrimSpace(e.Message)
	if msg == "" {
		msg = "tool failed"
	}
	return msg
}

func (e *ToolError) normalize() {
	e.Message = strings.TrimSpace(e.Message)
	if e.Message == "" {
		e.Message = "tool failed"
	}
	if e.Code == "" {
		e.Code = CodeExecutionFailed
	}
}
