package ai

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

func answerScript() []scriptStep {
	return []scriptStep{
		{content: []ContentBlock{
			ThinkingBlock("Sum units per region.", "sig-1"),
			TextBlock("Let me check the sales table."),
			queryCall("call_1", "final", `SELECT region, SUM(units) FROM "abcd_sales" GROUP BY region`),
		}},
		textStep("North sold 17 units."),
	}
}

func TestSubmitRunsToolRoundAndAnswers(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{}, answerScript()...)
	ctx := context.Background()

	ans, err := h.svc.Submit(ctx, "th_sales", "Which region sold most?", SubmitOptions{})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if ans.Status != TurnCompleted || ans.Interrupt != nil {
		t.Fatalf("answer=%+v", ans)
	}
	if ans.Text != "Let me check the sales table.North sold 17 units." {
		t.Fatalf("text=%q", ans.Text)
	}
	if len(ans.Messages) != 3 || ans.Messages[1].Role != RoleTool {
		t.Fatalf("turn messages=%+v", ans.Messages)
	}
	if ans.Usage.InputTokens != 20 || ans.Usage.OutputTokens != 10 {
		t.Fatalf("usage=%+v", ans.Usage)
	}
	if h.tables.calls.Load() != 1 {
		t.Fatalf("capability calls=%d", h.tables.calls.Load())
	}

	st, err := h.svc.State(ctx, "th_sales")
	if err != nil {
		t.Fatalf("State: %v", err)
	}
	if len(st.Messages) != 4 || st.Sequence != 4 || ans.Sequence != 4 || !st.IsTerminal() {
		t.Fatalf("state messages=%d sequence=%d", len(st.Messages), st.Sequence)
	}
	if first := st.Messages[1].Content[0]; first.Type != BlockThinking || first.Signature != "sig-1" {
		t.Fatalf("thinking block not persisted in place: %+v", first)
	}

	cps, err := h.svc.Checkpoints(ctx, "th_sales")
	if err != nil {
		t.Fatalf("Checkpoints: %v", err)
	}
	var reasons []string
	for i, cp := range cps {
		if cp.Sequence != int64(i) {
			t.Fatalf("checkpoint %d has sequence %d", i, cp.Sequence)
		}
		reasons = append(reasons, cp.Reason)
	}
	want := []string{ReasonCreated, ReasonUserMessage, ReasonReasoning, ReasonToolResults, ReasonReasoning}
	if diff := cmp.Diff(want, reasons); diff != "" {
		t.Fatalf("checkpoint reasons (-want +got):\n%s", diff)
	}

	req := h.provider.lastRequest()
	if len(req.Messages) != 3 || req.Messages[2].Role != RoleTool || req.System == "" || len(req.Tools) != 1 {
		t.Fatalf("second model request=%+v", req)
	}
}

func TestReplayReproducesEveryCheckpoint(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{}, answerScript()...)
	ctx := context.Background()
	if _, err := h.svc.Submit(ctx, "th_replay", "Which region sold most?", SubmitOptions{}); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	latest, err := h.svc.State(ctx, "th_replay")
	if err != nil {
		t.Fatalf("State: %v", err)
	}
	for seq := int64(0); seq <= latest.Sequence; seq++ {
		a, err := h.svc.Replay(ctx, "th_replay", seq)
		if err != nil {
			t.Fatalf("Replay(%d): %v", seq, err)
		}
		b, err := h.svc.Replay(ctx, "th_replay", seq)
		if err != nil {
			t.Fatalf("Replay(%d) again: %v", seq, err)
		}
		if diff := cmp.Diff(a, b, cmpopts.EquateEmpty()); diff != "" {
			t.Fatalf("replay %d not deterministic:\n%s", seq, diff)
		}
		if a.Sequence != seq {
			t.Fatalf("replay %d carries sequence %d", seq, a.Sequence)
		}
		if diff := cmp.Diff(latest.Messages[:len(a.Messages)], a.Messages, cmpopts.EquateEmpty()); diff != "" {
			t.Fatalf("checkpoint %d is not a prefix of the latest state:\n%s", seq, diff)
		}
	}
	last, _ := h.svc.Replay(ctx, "th_replay", latest.Sequence)
	if diff := cmp.Diff(latest, last, cmpopts.EquateEmpty()); diff != "" {
		t.Fatalf("latest replay differs from State:\n%s", diff)
	}
	if _, err := h.svc.Replay(ctx, "th_replay", latest.Sequence+1); !errors.Is(err, ErrThreadNotFound) {
		t.Fatalf("replay beyond head: %v", err)
	}
}

func TestInterruptApprovalExecutesOnce(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{DefaultPolicy: InterruptPolicy{Mode: PolicyFinal}},
		scriptStep{content: []ContentBlock{queryCall("call_1", "final", "SELECT 1")}},
		textStep("The answer is 42."),
	)
	ctx := context.Background()

	ans, err := h.svc.Submit(ctx, "th_review", "How many?", SubmitOptions{})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if ans.Status != TurnAwaitingReview || ans.Interrupt == nil || ans.Interrupt.TriggeringCallID != "call_1" {
		t.Fatalf("answer=%+v", ans)
	}
	if h.tables.calls.Load() != 0 {
		t.Fatalf("flagged call ran before review")
	}

	if _, err := h.svc.Submit(ctx, "th_review", "hello?", SubmitOptions{}); !errors.Is(err, ErrInterruptPending) {
		t.Fatalf("submit while pending: %v", err)
	}
	if _, err := h.svc.Resolve(ctx, "th_review", Decision{CallID: "call_9", Outcome: ResolutionApproved}); !errors.Is(err, ErrInterruptMismatch) {
		t.Fatalf("mismatched decision: %v", err)
	}
	again, err := h.svc.Resume(ctx, "th_review")
	if err != nil || again.Status != TurnAwaitingReview || again.Interrupt.ID != ans.Interrupt.ID {
		t.Fatalf("resume while pending: ans=%+v err=%v", again, err)
	}

	done, err := h.svc.Resolve(ctx, "th_review", Decision{Outcome: ResolutionApproved, ResolvedBy: "analyst"})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if done.Status != TurnCompleted || done.Text != "The answer is 42." {
		t.Fatalf("resolved answer=%+v", done)
	}
	if h.tables.calls.Load() != 1 {
		t.Fatalf("capability calls=%d, want 1", h.tables.calls.Load())
	}

	if _, err := h.svc.Resume(ctx, "th_review"); err != nil {
		t.Fatalf("Resume at rest: %v", err)
	}
	if h.tables.calls.Load() != 1 || h.provider.calls() != 2 {
		t.Fatalf("resume at rest did work: tools=%d model=%d", h.tables.calls.Load(), h.provider.calls())
	}

	st, _ := h.svc.State(ctx, "th_review")
	if len(st.Interrupts) != 1 || st.Interrupts[0].Resolution != ResolutionApproved || st.Interrupts[0].ResolvedBy != "analyst" {
		t.Fatalf("interrupt history=%+v", st.Interrupts)
	}
}

func TestInterruptRejectionSkipsCapability(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{},
		scriptStep{content: []ContentBlock{queryCall("call_1", "draft", "DELETE FROM t")}},
		textStep("Understood, I will not run it."),
	)
	ctx := context.Background()

	always := InterruptPolicy{Mode: PolicyAlways}
	ans, err := h.svc.Submit(ctx, "th_reject", "Clean up", SubmitOptions{Policy: &always})
	if err != nil || ans.Status != TurnAwaitingReview {
		t.Fatalf("Submit: ans=%+v err=%v", ans, err)
	}
	done, err := h.svc.Resolve(ctx, "th_reject", Decision{Outcome: ResolutionRejected, Reason: "destructive"})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if h.tables.calls.Load() != 0 {
		t.Fatalf("rejected call reached the capability")
	}
	res := done.Messages[0].Content[0].ToolResult
	if res == nil || res.Code != CodeRejected || !strings.Contains(res.ErrorDetail, "destructive") {
		t.Fatalf("rejected result=%+v", res)
	}
	if got := h.provider.lastRequest().Messages; got[len(got)-1].Role != RoleTool {
		t.Fatalf("model did not see the rejection")
	}
}

func TestResumeAfterCrashDoesNotRepeatTools(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "threads.sqlite")
	first := newHarnessWithStore(t, openStoreAt(t, path), Config{}, newScriptedProvider(
		scriptStep{content: []ContentBlock{queryCall("call_1", "draft", "SELECT 1")}},
		scriptStep{err: errors.New("connection reset")},
	))
	ctx := context.Background()

	_, err := first.svc.Submit(ctx, "th_crash", "Count rows", SubmitOptions{})
	if KindOf(err) != KindUpstream {
		t.Fatalf("err=%v, want upstream", err)
	}
	if first.tables.calls.Load() != 1 {
		t.Fatalf("first process tool calls=%d", first.tables.calls.Load())
	}

	second := newHarnessWithStore(t, openStoreAt(t, path), Config{}, newScriptedProvider(textStep("There is one row.")))
	st, err := second.svc.State(ctx, "th_crash")
	if err != nil {
		t.Fatalf("State: %v", err)
	}
	if NextRoute(st) != RouteReason {
		t.Fatalf("route after crash=%q", NextRoute(st))
	}
	if _, err := second.svc.Submit(ctx, "th_crash", "hello", SubmitOptions{}); !errors.Is(err, ErrTurnIncomplete) {
		t.Fatalf("submit on unfinished turn: %v", err)
	}
	ans, err := second.svc.Resume(ctx, "th_crash")
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if ans.Text != "There is one row." || second.tables.calls.Load() != 0 {
		t.Fatalf("resume answer=%+v tool calls=%d", ans, second.tables.calls.Load())
	}
	if got := second.provider.lastRequest().Messages; len(got) != 3 {
		t.Fatalf("resumed request saw %d messages", len(got))
	}
}

func TestCancelKeepsLastCheckpoint(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{},
		scriptStep{wait: make(chan struct{})},
		textStep("Back again."),
	)
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-h.provider.started
		cancel()
	}()
	_, err := h.svc.Submit(ctx, "th_cancel", "slow question", SubmitOptions{})
	if KindOf(err) != KindCanceled {
		t.Fatalf("err=%v, want canceled", err)
	}
	st, err := h.svc.State(context.Background(), "th_cancel")
	if err != nil {
		t.Fatalf("State: %v", err)
	}
	if st.Sequence != 1 || len(st.Messages) != 1 || st.Messages[0].Role != RoleUser {
		t.Fatalf("state after cancel: sequence=%d messages=%d", st.Sequence, len(st.Messages))
	}
	ans, err := h.svc.Resume(context.Background(), "th_cancel")
	if err != nil || ans.Text != "Back again." {
		t.Fatalf("Resume: ans=%+v err=%v", ans, err)
	}
}

func TestConcurrentTurnOnSameThreadIsRejected(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	h := newHarness(t, Config{},
		scriptStep{wait: release, content: []ContentBlock{TextBlock("first")}},
		textStep("other thread"),
	)
	ctx := context.Background()

	stream, err := h.svc.SubmitStream(ctx, "th_busy", "one", SubmitOptions{})
	if err != nil {
		t.Fatalf("SubmitStream: %v", err)
	}
	defer stream.Close()
	<-h.provider.started

	if _, err := h.svc.Submit(ctx, "th_busy", "two", SubmitOptions{}); !errors.Is(err, ErrThreadBusy) {
		t.Fatalf("second turn: %v", err)
	}
	if !h.svc.HasActiveTurn("th_busy") {
		t.Fatalf("HasActiveTurn=false during a turn")
	}
	if err := h.svc.DeleteThread(ctx, "th_busy"); !errors.Is(err, ErrThreadBusy) {
		t.Fatalf("delete during a turn: %v", err)
	}
	other, err := h.svc.Submit(ctx, "th_other", "unrelated", SubmitOptions{})
	if err != nil || other.Text != "other thread" {
		t.Fatalf("unrelated thread blocked: ans=%+v err=%v", other, err)
	}

	close(release)
	for stream.Next() {
	}
	if err := stream.Err(); err != nil || stream.Answer().Text != "first" {
		t.Fatalf("stream: answer=%+v err=%v", stream.Answer(), err)
	}
	if h.svc.HasActiveTurn("th_busy") {
		t.Fatalf("guard not released")
	}
}

func TestSelfCorrectionCapHaltsThread(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{MaxConsecutiveToolErrors: 2},
		scriptStep{content: []ContentBlock{queryCall("c1", "draft", "bad 1")}},
		scriptStep{content: []ContentBlock{queryCall("c2", "draft", "bad 2")}},
		textStep("Starting fresh."),
	)
	h.tables.fail = true
	ctx := context.Background()

	_, err := h.svc.Submit(ctx, "th_cap", "break it", SubmitOptions{})
	if KindOf(err) != KindRetriesExhausted {
		t.Fatalf("err=%v, want retries_exhausted", err)
	}
	if h.provider.calls() != 2 || h.tables.calls.Load() != 2 {
		t.Fatalf("model calls=%d tool calls=%d", h.provider.calls(), h.tables.calls.Load())
	}
	st, _ := h.svc.State(ctx, "th_cap")
	if st.Halted != KindRetriesExhausted || NextRoute(st) != RouteTerminate {
		t.Fatalf("halted=%q route=%q", st.Halted, NextRoute(st))
	}
	if _, err := h.svc.Resume(ctx, "th_cap"); err != nil || h.provider.calls() != 2 {
		t.Fatalf("resume of halted thread ran: err=%v", err)
	}

	ans, err := h.svc.Submit(ctx, "th_cap", "try again", SubmitOptions{})
	if err != nil || ans.Text != "Starting fresh." {
		t.Fatalf("Submit after halt: ans=%+v err=%v", ans, err)
	}
	st, _ = h.svc.State(ctx, "th_cap")
	if st.Halted != "" {
		t.Fatalf("halt not cleared")
	}
}

func TestToolRoundCapClosesDanglingCalls(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{MaxToolRounds: 1},
		scriptStep{content: []ContentBlock{queryCall("c1", "draft", "1")}},
		scriptStep{content: []ContentBlock{queryCall("c2", "draft", "2")}},
		textStep("ok"),
	)
	ctx := context.Background()

	if _, err := h.svc.Submit(ctx, "th_rounds", "loop", SubmitOptions{}); KindOf(err) != KindRetriesExhausted {
		t.Fatalf("err=%v, want retries_exhausted", err)
	}
	if h.tables.calls.Load() != 1 {
		t.Fatalf("tool calls=%d, want 1", h.tables.calls.Load())
	}
	if _, err := h.svc.Submit(ctx, "th_rounds", "stop looping", SubmitOptions{}); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	st, _ := h.svc.State(ctx, "th_rounds")
	var closed *ToolResult
	for _, m := range st.Messages {
		for _, b := range m.Content {
			if b.ToolResult != nil && b.ToolResult.CallID == "c2" {
				closed = b.ToolResult
			}
		}
	}
	if closed == nil || closed.Status != ResultError || closed.ErrorDetail != haltedDetail {
		t.Fatalf("dangling call result=%+v", closed)
	}
	if h.tables.calls.Load() != 1 {
		t.Fatalf("dangling call was executed")
	}
}

func TestInterruptExpiryRejectsAndSweeps(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{
		DefaultPolicy:      InterruptPolicy{Mode: PolicyFinal},
		InterruptTimeout:   time.Millisecond,
		InterruptOnTimeout: TimeoutReject,
	},
		scriptStep{content: []ContentBlock{queryCall("c1", "final", "SELECT 1")}},
		scriptStep{content: []ContentBlock{queryCall("c2", "final", "SELECT 2")}},
		textStep("No review arrived."),
		textStep("Still nothing."),
	)
	ctx := context.Background()

	if ans, err := h.svc.Submit(ctx, "th_a", "q", SubmitOptions{}); err != nil || ans.Status != TurnAwaitingReview {
		t.Fatalf("Submit a: ans=%+v err=%v", ans, err)
	}
	if ans, err := h.svc.Submit(ctx, "th_b", "q", SubmitOptions{}); err != nil || ans.Status != TurnAwaitingReview {
		t.Fatalf("Submit b: ans=%+v err=%v", ans, err)
	}
	time.Sleep(10 * time.Millisecond)

	if _, err := h.svc.Resolve(ctx, "th_a", Decision{Outcome: ResolutionApproved}); !errors.Is(err, ErrInterruptExpired) {
		t.Fatalf("Resolve after expiry: %v", err)
	}
	n, err := h.svc.SweepExpiredInterrupts(ctx)
	if err != nil || n != 1 {
		t.Fatalf("sweep: n=%d err=%v", n, err)
	}
	for _, id := range []string{"th_a", "th_b"} {
		st, _ := h.svc.State(ctx, id)
		if st.PendingInterrupt != nil || len(st.Interrupts) != 1 || st.Interrupts[0].ResolvedBy != "timeout" {
			t.Fatalf("%s: interrupts=%+v", id, st.Interrupts)
		}
		ans, err := h.svc.Resume(ctx, id)
		if err != nil || ans.Status != TurnCompleted {
			t.Fatalf("%s: Resume ans=%+v err=%v", id, ans, err)
		}
	}
	if h.tables.calls.Load() != 0 {
		t.Fatalf("expired calls reached the capability")
	}
}

func TestSubmitValidation(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{})
	ctx := context.Background()

	if _, err := h.svc.Submit(ctx, "th_v", "   ", SubmitOptions{}); !errors.Is(err, ErrEmptyMessage) {
		t.Fatalf("empty message: %v", err)
	}
	if _, err := h.svc.SubmitStream(ctx, "th_v", "", SubmitOptions{}); !errors.Is(err, ErrEmptyMessage) {
		t.Fatalf("empty streamed message: %v", err)
	}
	if _, err := h.svc.State(ctx, "th_v"); !errors.Is(err, ErrThreadNotFound) {
		t.Fatalf("rejected message left a thread behind: %v", err)
	}
	if _, err := h.svc.Resume(ctx, "th_missing"); !errors.Is(err, ErrThreadNotFound) {
		t.Fatalf("resume unknown: %v", err)
	}
	if _, err := h.svc.State(ctx, "th_missing"); !errors.Is(err, ErrThreadNotFound) {
		t.Fatalf("state unknown: %v", err)
	}
	if _, err := h.svc.CreateThread(ctx, "th_v", nil); err != nil {
		t.Fatalf("CreateThread: %v", err)
	}
	if _, err := h.svc.CreateThread(ctx, "th_v", nil); !errors.Is(err, ErrThreadExists) {
		t.Fatalf("duplicate create: %v", err)
	}
	if _, err := h.svc.Resolve(ctx, "th_v", Decision{Outcome: ResolutionApproved}); !errors.Is(err, ErrNoPendingInterrupt) {
		t.Fatalf("resolve without interrupt: %v", err)
	}
	if _, err := h.svc.Submit(ctx, "", "hi", SubmitOptions{}); KindOf(err) != KindValidation {
		t.Fatalf("missing thread id: %v", err)
	}
	generated, err := h.svc.CreateThread(ctx, "", nil)
	if err != nil || !strings.HasPrefix(generated.ThreadID, "th_") {
		t.Fatalf("generated id=%q err=%v", generated.ThreadID, err)
	}

	if err := h.svc.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := h.svc.Submit(ctx, "th_v", "hi", SubmitOptions{}); !errors.Is(err, ErrServiceClosed) {
		t.Fatalf("submit after close: %v", err)
	}
}

func TestDecisionsDoNotCarryAcrossTurns(t *testing.T) {
	t.Parallel()

	// Some backends number call IDs per response, so the same ID shows up in later turns.
	h := newHarness(t, Config{DefaultPolicy: InterruptPolicy{Mode: PolicyAlways}},
		scriptStep{content: []ContentBlock{queryCall("call_1", "final", "SELECT 1")}},
		textStep("One."),
		scriptStep{content: []ContentBlock{queryCall("call_1", "final", "DELETE FROM sales")}},
		textStep("Not deleted."),
	)
	ctx := context.Background()

	if ans, err := h.svc.Submit(ctx, "th_reuse", "one?", SubmitOptions{}); err != nil || ans.Status != TurnAwaitingReview {
		t.Fatalf("turn 1: ans=%+v err=%v", ans, err)
	}
	if ans, err := h.svc.Resolve(ctx, "th_reuse", Decision{Outcome: ResolutionApproved}); err != nil || ans.Status != TurnCompleted {
		t.Fatalf("approve: ans=%+v err=%v", ans, err)
	}
	if h.tables.calls.Load() != 1 {
		t.Fatalf("capability calls after turn 1=%d", h.tables.calls.Load())
	}

	ans, err := h.svc.Submit(ctx, "th_reuse", "now clean up", SubmitOptions{})
	if err != nil {
		t.Fatalf("turn 2: %v", err)
	}
	if ans.Status != TurnAwaitingReview || ans.Interrupt == nil || ans.Interrupt.TriggeringCallID != "call_1" {
		t.Fatalf("reused call id skipped review: ans=%+v", ans)
	}
	if h.tables.calls.Load() != 1 {
		t.Fatalf("flagged call ran on a stale approval: queries=%v", h.tables.queries)
	}

	done, err := h.svc.Resolve(ctx, "th_reuse", Decision{Outcome: ResolutionRejected, Reason: "destructive"})
	if err != nil || done.Status != TurnCompleted {
		t.Fatalf("reject: ans=%+v err=%v", done, err)
	}
	if h.tables.calls.Load() != 1 {
		t.Fatalf("rejected call reached the capability")
	}
	st, _ := h.svc.State(ctx, "th_reuse")
	if d := st.Decisions["call_1"]; d.Outcome != ResolutionRejected {
		t.Fatalf("decision for turn 2=%+v", d)
	}
}

func TestFailedSaveAbortsTurnWithoutAdvancing(t *testing.T) {
	t.Parallel()

	// Saves 1 and 2 record the user message and the tool call; the tool results fail to land.
	store := newFailingStore(openStore(t), 3)
	h := newHarnessWithStore(t, store, Config{}, newScriptedProvider(answerScript()...))
	ctx := context.Background()

	_, err := h.svc.Submit(ctx, "th_disk", "Which region sold most?", SubmitOptions{})
	if KindOf(err) != KindPersistence {
		t.Fatalf("err=%v, want persistence", err)
	}
	st, err := h.svc.State(ctx, "th_disk")
	if err != nil {
		t.Fatalf("State: %v", err)
	}
	if st.Sequence != 2 || len(st.Messages) != 2 || st.Messages[1].Role != RoleAssistant {
		t.Fatalf("state after failed save: sequence=%d messages=%d", st.Sequence, len(st.Messages))
	}
	if NextRoute(st) != RouteContinueTools {
		t.Fatalf("route after failed save=%q", NextRoute(st))
	}

	store.failing.Store(false)
	ans, err := h.svc.Resume(ctx, "th_disk")
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if ans.Status != TurnCompleted || ans.Text != "North sold 17 units." || ans.Sequence != 4 {
		t.Fatalf("resumed answer=%+v", ans)
	}
	cps, err := h.svc.Checkpoints(ctx, "th_disk")
	if err != nil {
		t.Fatalf("Checkpoints: %v", err)
	}
	for i, cp := range cps {
		if cp.Sequence != int64(i) {
			t.Fatalf("checkpoint %d has sequence %d", i, cp.Sequence)
		}
	}
}

func TestStreamAdmissionErrorsAreSynchronous(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{
		DefaultPolicy:      InterruptPolicy{Mode: PolicyFinal},
		InterruptTimeout:   time.Hour,
		InterruptOnTimeout: TimeoutReject,
	},
		scriptStep{content: []ContentBlock{queryCall("c1", "final", "SELECT 1")}},
	)
	now := time.Now()
	h.svc.gate.now = func() time.Time { return now }
	ctx := context.Background()

	if _, err := h.svc.ResumeStream(ctx, "th_missing"); !errors.Is(err, ErrThreadNotFound) {
		t.Fatalf("resume stream on unknown thread: %v", err)
	}
	if ans, err := h.svc.Submit(ctx, "th_s", "q", SubmitOptions{}); err != nil || ans.Status != TurnAwaitingReview {
		t.Fatalf("Submit: ans=%+v err=%v", ans, err)
	}
	if _, err := h.svc.SubmitStream(ctx, "th_s", "again", SubmitOptions{}); !errors.Is(err, ErrInterruptPending) {
		t.Fatalf("submit stream while pending: %v", err)
	}
	now = now.Add(2 * time.Hour)
	if _, err := h.svc.ResolveStream(ctx, "th_s", Decision{Outcome: ResolutionApproved}); !errors.Is(err, ErrInterruptExpired) {
		t.Fatalf("resolve stream after expiry: %v", err)
	}
	if h.svc.HasActiveTurn("th_s") {
		t.Fatalf("guard held after a refused stream")
	}
	st, _ := h.svc.State(ctx, "th_s")
	if st.PendingInterrupt != nil || len(st.Interrupts) != 1 || st.Interrupts[0].ResolvedBy != "timeout" {
		t.Fatalf("expiry not recorded: %+v", st.Interrupts)
	}
}

func TestBlockingSubmitGivesProviderACallback(t *testing.T) {
	t.Parallel()

	var events int
	provider := ProviderFunc(func(ctx context.Context, req TurnRequest, onEvent func(StreamEvent)) (TurnResult, error) {
		onEvent(StreamEvent{Type: StreamEventTextDelta, Text: "Hi."})
		events++
		return TurnResult{Content: []ContentBlock{TextBlock("Hi.")}}, nil
	})
	svc, err := NewService(Options{Store: openStore(t), Provider: provider, Tools: NewToolRegistry()})
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	t.Cleanup(func() { _ = svc.Close() })

	ans, err := svc.Submit(context.Background(), "th_cb", "hello", SubmitOptions{})
	if err != nil || ans.Text != "Hi." || events != 1 {
		t.Fatalf("ans=%+v events=%d err=%v", ans, events, err)
	}
}
