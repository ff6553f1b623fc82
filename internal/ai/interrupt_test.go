package ai

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"
)

func fixedGate(timeout time.Duration, action TimeoutAction, now *time.Time) *InterruptGate {
	g := NewInterruptGate(timeout, action)
	g.now = func() time.Time { return *now }
	n := 0
	g.newID = func() string {
		n++
		return fmt.Sprintf("int_%d", n)
	}
	return g
}

func TestInterruptPolicyModes(t *testing.T) {
	t.Parallel()

	draft := NewToolCall("d", ToolExecuteQuery, json.RawMessage(`{"purpose":"draft","query":"x"}`))
	final := NewToolCall("f", ToolExecuteQuery, json.RawMessage(`{"purpose":"final","query":"x"}`))
	other := NewToolCall("o", ToolListTables, json.RawMessage(`{}`))

	cases := []struct {
		policy InterruptPolicy
		call   ToolCall
		want   bool
	}{
		{InterruptPolicy{Mode: PolicyNever}, final, false},
		{InterruptPolicy{Mode: PolicyFinal}, draft, false},
		{InterruptPolicy{Mode: PolicyFinal}, final, true},
		{InterruptPolicy{Mode: PolicyAlways}, draft, true},
		{InterruptPolicy{Mode: PolicyAlways}, other, false},
		{InterruptPolicy{Mode: PolicyNever, SensitiveTools: []string{ToolListTables}}, other, true},
	}
	for i, tc := range cases {
		if got := tc.policy.RequiresReview(tc.call); got != tc.want {
			t.Fatalf("case %d: RequiresReview=%v, want %v", i, got, tc.want)
		}
	}

	if _, err := ParsePolicyMode("sometimes"); err == nil {
		t.Fatalf("expected invalid mode error")
	}
	if m, err := ParsePolicyMode(""); err != nil || m != PolicyNever {
		t.Fatalf("empty mode=%q err=%v", m, err)
	}
	if _, err := ParseTimeoutAction(""); err == nil {
		t.Fatalf("timeout action must be explicit")
	}
}

func TestInterruptGateRaiseAndResolve(t *testing.T) {
	t.Parallel()

	now := time.UnixMilli(1_000)
	g := fixedGate(time.Minute, TimeoutReject, &now)
	s := GraphState{
		Messages: []Message{user("q"), assistant(queryCall("a", "final", "SELECT 1"), queryCall("b", "final", "SELECT 2"))},
		Policy:   InterruptPolicy{Mode: PolicyFinal},
	}

	in := g.Raise(&s)
	if in == nil || in.TriggeringCallID != "a" || in.Resolution != ResolutionPending || in.ExpiresAtUnixMs != 61_000 {
		t.Fatalf("first interrupt=%+v", in)
	}
	if again := g.Raise(&s); again != s.PendingInterrupt {
		t.Fatalf("Raise with a pending interrupt must return it")
	}

	if err := g.Resolve(&s, Decision{CallID: "b", Outcome: ResolutionApproved}); !errors.Is(err, ErrInterruptMismatch) {
		t.Fatalf("wrong call id: %v", err)
	}
	if err := g.Resolve(&s, Decision{Outcome: "maybe"}); !errors.Is(err, ErrInterruptMismatch) {
		t.Fatalf("bad outcome: %v", err)
	}
	if err := g.Resolve(&s, Decision{Outcome: ResolutionApproved, EditedArguments: json.RawMessage(`{ "purpose": "final", "query": "SELECT 10" }`)}); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if s.PendingInterrupt != nil || s.Decisions["a"].Outcome != ResolutionApproved {
		t.Fatalf("state after resolve=%+v", s)
	}
	if got := string(s.Decisions["a"].EditedArguments); got != `{"purpose":"final","query":"SELECT 10"}` {
		t.Fatalf("edited args not compacted: %s", got)
	}
	if NextRoute(s) != RouteAwaitInterrupt {
		t.Fatalf("second flagged call must raise a new interrupt")
	}

	in = g.Raise(&s)
	if in == nil || in.TriggeringCallID != "b" {
		t.Fatalf("second interrupt=%+v", in)
	}
	if err := g.Resolve(&s, Decision{Outcome: ResolutionRejected, EditedArguments: json.RawMessage(`{"query":"ignored"}`), Reason: "no"}); err != nil {
		t.Fatalf("Resolve reject: %v", err)
	}
	if len(s.Decisions["b"].EditedArguments) != 0 {
		t.Fatalf("rejection must drop edits")
	}
	if len(s.Interrupts) != 2 || s.Interrupts[1].Resolution != ResolutionRejected {
		t.Fatalf("interrupt history=%+v", s.Interrupts)
	}
	if NextRoute(s) != RouteContinueTools {
		t.Fatalf("all decided: route=%q", NextRoute(s))
	}

	if err := g.Resolve(&s, Decision{Outcome: ResolutionApproved}); !errors.Is(err, ErrNoPendingInterrupt) {
		t.Fatalf("no pending: %v", err)
	}
}

func TestInterruptGateExpiry(t *testing.T) {
	t.Parallel()

	now := time.UnixMilli(0)
	newState := func() GraphState {
		return GraphState{
			Messages: []Message{user("q"), assistant(queryCall("a", "final", "SELECT 1"))},
			Policy:   InterruptPolicy{Mode: PolicyFinal},
		}
	}

	reject := fixedGate(time.Second, TimeoutReject, &now)
	s := newState()
	reject.Raise(&s)
	if reject.Expire(&s) {
		t.Fatalf("expired too early")
	}
	now = now.Add(2 * time.Second)
	if err := reject.Resolve(&s, Decision{Outcome: ResolutionApproved}); !errors.Is(err, ErrInterruptExpired) {
		t.Fatalf("resolve after expiry: %v", err)
	}
	if !reject.Expire(&s) {
		t.Fatalf("Expire did not reject")
	}
	d := s.Decisions["a"]
	if d.Outcome != ResolutionRejected || d.ResolvedBy != "timeout" || d.Reason != expiredDetail {
		t.Fatalf("decision=%+v", d)
	}

	now = time.UnixMilli(0)
	remain := fixedGate(time.Second, TimeoutRemainPending, &now)
	s = newState()
	remain.Raise(&s)
	now = now.Add(time.Hour)
	if remain.Expire(&s) || s.PendingInterrupt == nil {
		t.Fatalf("remain_pending must keep the interrupt")
	}
	if err := remain.Resolve(&s, Decision{Outcome: ResolutionApproved}); err != nil {
		t.Fatalf("late resolve under remain_pending: %v", err)
	}
}
