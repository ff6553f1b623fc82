package ai

import (
	"encoding/json"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

func TestUnresolvedCallsKeepIssueOrder(t *testing.T) {
	t.Parallel()

	s := GraphState{Messages: []Message{
		user("q"),
		assistant(ThinkingBlock("plan", "sig"), queryCall("a", "draft", "1"), TextBlock("then"), queryCall("b", "draft", "2"), queryCall("c", "final", "3")),
		toolMsg(ToolResult{CallID: "b", Status: ResultOK}),
	}}
	got := s.UnresolvedCalls()
	if len(got) != 2 || got[0].ID != "a" || got[1].ID != "c" {
		t.Fatalf("unresolved=%v", got)
	}
	if s.IsTerminal() {
		t.Fatalf("thread with tool message last is not terminal")
	}
	if got[1].Purpose != PurposeFinal {
		t.Fatalf("purpose=%q", got[1].Purpose)
	}
}

func TestToolRoundsIgnoreRejections(t *testing.T) {
	t.Parallel()

	fail := ToolResult{CallID: "x", Status: ResultError, Code: CodeExecutionFailed}
	rejected := ToolResult{CallID: "y", Status: ResultError, Code: CodeRejected}
	s := GraphState{}
	s.Append(user("old turn"))
	s.Append(toolMsg(fail))
	s.Append(user("q"))
	s.Append(toolMsg(ToolResult{CallID: "a", Status: ResultOK}))
	s.Append(toolMsg(fail))
	s.Append(toolMsg(fail, fail))

	rounds, failed := s.toolRounds()
	if rounds != 3 || failed != 2 {
		t.Fatalf("rounds=%d failed=%d", rounds, failed)
	}

	s.Append(toolMsg(rejected))
	if _, failed := s.toolRounds(); failed != 0 {
		t.Fatalf("rejection counted as failure: %d", failed)
	}
}

func TestCloseDanglingCompletesTimeline(t *testing.T) {
	t.Parallel()

	s := GraphState{Messages: []Message{user("q"), assistant(queryCall("a", "draft", "1"), queryCall("b", "draft", "2"))}}
	s.closeDangling("stopped", 7)
	if len(s.UnresolvedCalls()) != 0 {
		t.Fatalf("dangling calls remain: %v", s.UnresolvedCalls())
	}
	last := s.Messages[len(s.Messages)-1]
	if last.Role != RoleTool || len(last.Content) != 2 || last.Content[1].ToolResult.ErrorDetail != "stopped" {
		t.Fatalf("last=%+v", last)
	}
}

func TestGraphStateRoundTripsThroughJSON(t *testing.T) {
	t.Parallel()

	s := GraphState{
		ThreadID: "th_1",
		Messages: []Message{
			user("how many?"),
			assistant(ThinkingBlock("count rows", "sig-1"), ContentBlock{Type: BlockRedactedThinking, Data: "opaque"}, queryCall("a", "final", "SELECT COUNT(*) FROM t")),
			toolMsg(ToolResult{CallID: "a", Status: ResultOK, Payload: json.RawMessage(`{"results":[{"n":3}]}`)}),
			assistant(TextBlock("There are 3.")),
		},
		Interrupts: []Interrupt{{ID: "int_1", TriggeringCallID: "a", Resolution: ResolutionApproved}},
		Decisions:  map[string]Decision{"a": {CallID: "a", Outcome: ResolutionApproved, EditedArguments: json.RawMessage(`{"purpose":"final","query":"SELECT 1"}`)}},
		Policy:     InterruptPolicy{Mode: PolicyFinal, SensitiveTools: []string{"drop_table"}},
		TurnStart:  0,
		Sequence:   5,
	}
	b, err := json.Marshal(s)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var back GraphState
	if err := json.Unmarshal(b, &back); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if diff := cmp.Diff(s, back, cmpopts.EquateEmpty()); diff != "" {
		t.Fatalf("round trip mismatch (-want +got):\n%s", diff)
	}

	cp := s.Current()
	cp.Messages[0].Content[0].Text = "changed"
	if s.Messages[0].Content[0].Text != "how many?" {
		t.Fatalf("Current shares memory with the original")
	}
}

func TestNewToolCallPurpose(t *testing.T) {
	t.Parallel()

	cases := map[string]Purpose{
		`{"purpose":"final","query":"x"}`:        PurposeFinal,
		`{"purpose":"intermediate","query":"x"}`: PurposeDraft,
		`{"purpose":"draft"}`:                    PurposeDraft,
		`{}`:                                     PurposeDraft,
		``:                                       PurposeDraft,
	}
	for raw, want := range cases {
		if got := NewToolCall("c", ToolExecuteQuery, json.RawMessage(raw)).Purpose; got != want {
			t.Fatalf("%s: purpose=%q, want %q", raw, got, want)
		}
	}
}
