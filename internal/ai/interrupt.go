package ai

import (
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
)

// PolicyMode selects which execute_query calls need human review.
type PolicyMode string

const (
	PolicyNever  PolicyMode = "never"
	PolicyFinal  PolicyMode = "final"
	PolicyAlways PolicyMode = "always"
)

// ParsePolicyMode normalizes a configured mode; the empty string means never.
func ParsePolicyMode(raw string) (PolicyMode, error) {
	switch m := PolicyMode(strings.ToLower(strings.TrimSpace(raw))); m {
	case "":
		return PolicyNever, nil
	case PolicyNever, PolicyFinal, PolicyAlways:
		return m, nil
	default:
		return "", fmt.Errorf("invalid interrupt mode %q (want never|final|always)", raw)
	}
}

// InterruptPolicy is stored in GraphState so routing never needs outside configuration.
type InterruptPolicy struct {
	Mode           PolicyMode `json:"mode"`
	SensitiveTools []string   `json:"sensitive_tools,omitempty"`
}

// RequiresReview reports whether call must pass the interrupt gate before it runs.
func (p InterruptPolicy) RequiresReview(call ToolCall) bool {
	if slices.Contains(p.SensitiveTools, call.Name) {
		return true
	}
	if call.Name != ToolExecuteQuery {
		return false
	}
	switch p.Mode {
	case PolicyAlways:
		return true
	case PolicyFinal:
		return call.Purpose == PurposeFinal
	default:
		return false
	}
}

// Resolution is the lifecycle state of an Interrupt.
type Resolution string

const (
	ResolutionPending  Resolution = "pending"
	ResolutionApproved Resolution = "approved"
	ResolutionRejected Resolution = "rejected"
)

type Interrupt struct {
	ID               string          `json:"id"`
	Reason           string          `json:"reason"`
	TriggeringCallID string          `json:"triggering_call_id"`
	ToolName         string          `json:"tool_name"`
	Arguments        json.RawMessage `json:"arguments,omitempty"`
	Purpose          Purpose         `json:"purpose,omitempty"`
	Resolution       Resolution      `json:"resolution"`
	ResolvedBy       string          `json:"resolved_by,omitempty"`
	CreatedAtUnixMs  int64           `json:"created_at_unix_ms"`
	ExpiresAtUnixMs  int64           `json:"expires_at_unix_ms,omitempty"`
	ResolvedAtUnixMs int64           `json:"resolved_at_unix_ms,omitempty"`
}

// Decision is an external resolution for a flagged call.
//
// EditedArguments replaces the call's arguments when approving (for example a rewritten
// query); Reason explains the edit or the rejection.
type Decision struct {
	CallID          string          `json:"call_id"`
	Outcome         Resolution      `json:"outcome"`
	EditedArguments json.RawMessage `json:"edited_arguments,omitempty"`
	Reason          string          `json:"reason,omitempty"`
	ResolvedBy      string          `json:"resolved_by,omitempty"`
}

// TimeoutAction is what happens to a pending interrupt once its window passes.
type TimeoutAction string

const (
	TimeoutRemainPending TimeoutAction = "remain_pending"
	TimeoutReject        TimeoutAction = "reject"
)

func ParseTimeoutAction(raw string) (TimeoutAction, error) {
	switch a := TimeoutAction(strings.ToLower(strings.TrimSpace(raw))); a {
	case TimeoutRemainPending, TimeoutReject:
		return a, nil
	default:
		return "", fmt.Errorf("invalid interrupt timeout action %q (want reject|remain_pending)", raw)
	}
}

const expiredDetail = "interrupt expired without review"

// InterruptGate creates and resolves interrupts on a GraphState. It never blocks; the
// suspension is the persisted pending_interrupt itself.
type InterruptGate struct {
	Timeout   time.Duration
	OnTimeout TimeoutAction

	now   func() time.Time
	newID func() string
}

func NewInterruptGate(timeout time.Duration, onTimeout TimeoutAction) *InterruptGate {
	if onTimeout == "" {
		onTimeout = TimeoutRemainPending
	}
	return &InterruptGate{
		Timeout:   timeout,
		OnTimeout: onTimeout,
		now:       time.Now,
		newID:     func() string { return "int_" + uuid.NewString() },
	}
}

// Raise sets pending_interrupt for the first flagged call without a decision.
// It returns nil when nothing needs review.
func (g *InterruptGate) Raise(s *GraphState) *Interrupt {
	if s.PendingInterrupt != nil {
		return s.PendingInterrupt
	}
	for _, call := range s.UnresolvedCalls() {
		if _, decided := s.Decisions[call.ID]; decided {
			continue
		}
		if !s.Policy.RequiresReview(call) {
			continue
		}
		now := g.now().UnixMilli()
		in := &Interrupt{
			ID:               g.newID(),
			Reason:           reviewReason(s.Policy, call),
			TriggeringCallID: call.ID,
			ToolName:         call.Name,
			Arguments:        call.Arguments,
			Purpose:          call.Purpose,
			Resolution:       ResolutionPending,
			CreatedAtUnixMs:  now,
		}
		if g.Timeout > 0 {
			in.ExpiresAtUnixMs = now + g.Timeout.Milliseconds()
		}
		s.PendingInterrupt = in
		return in
	}
	return nil
}

// Resolve records d against the pending interrupt and clears it.
func (g *InterruptGate) Resolve(s *GraphState, d Decision) error {
	in := s.PendingInterrupt
	if in == nil {
		return ErrNoPendingInterrupt
	}
	if d.CallID == "" {
		d.CallID = in.TriggeringCallID
	}
	if d.CallID != in.TriggeringCallID {
		return fmt.Errorf("%w: pending call %s, got %s", ErrInterruptMismatch, in.TriggeringCallID, d.CallID)
	}
	switch d.Outcome {
	case ResolutionApproved, ResolutionRejected:
	default:
		return fmt.Errorf("%w: outcome must be approved or rejected, got %q", ErrInterruptMismatch, d.Outcome)
	}
	if g.expired(in) && g.OnTimeout == TimeoutReject {
		return ErrInterruptExpired
	}
	if d.Outcome == ResolutionRejected {
		d.EditedArguments = nil
	}
	if len(d.EditedArguments) > 0 {
		d.EditedArguments = compactJSON(d.EditedArguments)
	}
	g.settle(s, d)
	return nil
}

// Expire auto-rejects an expired interrupt under the reject policy. It reports whether the
// state changed.
func (g *InterruptGate) Expire(s *GraphState) bool {
	in := s.PendingInterrupt
	if in == nil || g.OnTimeout != TimeoutReject || !g.expired(in) {
		return false
	}
	g.settle(s, Decision{
		CallID:     in.TriggeringCallID,
		Outcome:    ResolutionRejected,
		Reason:     expiredDetail,
		ResolvedBy: "timeout",
	})
	return true
}

func (g *InterruptGate) expired(in *Interrupt) bool {
	return in.ExpiresAtUnixMs > 0 && g.now().UnixMilli() >= in.ExpiresAtUnixMs
}

func (g *InterruptGate) settle(s *GraphState, d Decision) {
	in := *s.PendingInterrupt
	in.Resolution = d.Outcome
	in.ResolvedBy = d.ResolvedBy
	in.ResolvedAtUnixMs = g.now().UnixMilli()
	s.Interrupts = append(s.Interrupts, in)
	if s.Decisions == nil {
		s.Decisions = make(map[string]Decision)
	}
	s.Decisions[d.CallID] = d
	s.PendingInterrupt = nil
}

func reviewReason(p InterruptPolicy, call ToolCall) string {
	if slices.Contains(p.SensitiveTools, call.Name) {
		return fmt.Sprintf("%s is configured as a sensitive tool", call.Name)
	}
	if call.Purpose == PurposeFinal {
		return "final query requires review"
	}
	return "query requires review"
}
