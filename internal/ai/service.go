package ai

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/floegence/sqlagent/internal/ai/threadstore"
	"github.com/floegence/sqlagent/internal/telemetry"
)

const (
	defaultMaxToolRounds            = 16
	defaultMaxConsecutiveToolErrors = 3
	defaultSaveTimeout              = 10 * time.Second

	haltedDetail = "not executed: the turn was stopped before this call ran"
)

// Config holds the orchestration knobs. Zero values select the defaults.
type Config struct {
	Reasoning       ReasoningConfig
	Executor        ExecutorConfig
	IncludeThinking bool
	// DefaultPolicy is stored in every new thread.
	DefaultPolicy            InterruptPolicy
	MaxToolRounds            int
	MaxConsecutiveToolErrors int
	InterruptTimeout         time.Duration
	InterruptOnTimeout       TimeoutAction
	SaveTimeout              time.Duration
}

type Options struct {
	Store        CheckpointStore
	Provider     Provider
	Tools        *ToolRegistry
	SystemPrompt SystemPromptFunc
	Config       Config
	Logger       *slog.Logger
}

// TurnStatus says why a turn invocation returned.
type TurnStatus string

const (
	TurnCompleted      TurnStatus = "completed"
	TurnAwaitingReview TurnStatus = "awaiting_review"
)

// Answer is the outcome of one Submit, Resolve or Resume call.
//
// Text is the concatenation of every text block of the assistant messages produced by this
// call. The streaming variants emit text chunks that concatenate to the same string.
type Answer struct {
	ThreadID  string     `json:"thread_id"`
	Status    TurnStatus `json:"status"`
	Sequence  int64      `json:"sequence"`
	Text      string     `json:"text"`
	Messages  []Message  `json:"messages"` // assistant and tool messages this call appended, in order
	Interrupt *Interrupt `json:"interrupt,omitempty"`
	Usage     TurnUsage  `json:"usage"`
}

// SubmitOptions override thread settings for one message.
type SubmitOptions struct {
	// Policy, when set, replaces the thread's interrupt policy from this turn on.
	Policy *InterruptPolicy
	// IncludeThinking, when set, overrides Config.IncludeThinking for this call.
	IncludeThinking *bool
}

// Service runs the reasoning/tool loop for threads and persists every step.
type Service struct {
	store     CheckpointStore
	tools     *ToolRegistry
	reasoning *ReasoningNode
	executor  *ToolExecutor
	gate      *InterruptGate
	guard     *threadGuard
	cfg       Config
	log       *slog.Logger
	now       func() time.Time

	tracer           trace.Tracer
	turnCounter      metric.Int64Counter
	toolCounter      metric.Int64Counter
	saveDuration     metric.Float64Histogram
	reasonDuration   metric.Float64Histogram
	interruptCounter metric.Int64Counter
}

func NewService(opts Options) (*Service, error) {
	if opts.Store == nil {
		return nil, errors.New("missing checkpoint store")
	}
	if opts.Provider == nil {
		return nil, errors.New("missing model provider")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	tools := opts.Tools
	if tools == nil {
		tools = NewToolRegistry()
	}
	cfg := opts.Config
	if cfg.MaxToolRounds <= 0 {
		cfg.MaxToolRounds = defaultMaxToolRounds
	}
	if cfg.MaxConsecutiveToolErrors <= 0 {
		cfg.MaxConsecutiveToolErrors = defaultMaxConsecutiveToolErrors
	}
	if cfg.SaveTimeout <= 0 {
		cfg.SaveTimeout = defaultSaveTimeout
	}
	if cfg.DefaultPolicy.Mode == "" {
		cfg.DefaultPolicy.Mode = PolicyNever
	}

	meter := telemetry.Meter("sqlagent/ai")
	turns, _ := meter.Int64Counter("sqlagent.turns",
		metric.WithDescription("Turn invocations by outcome"))
	toolCalls, _ := meter.Int64Counter("sqlagent.tool_calls",
		metric.WithDescription("Tool calls executed by tool and status"))
	saveDur, _ := meter.Float64Histogram("sqlagent.checkpoint.save.duration",
		metric.WithDescription("Time to persist a checkpoint (ms)"),
		metric.WithUnit("ms"))
	reasonDur, _ := meter.Float64Histogram("sqlagent.reasoning.duration",
		metric.WithDescription("Time spent in one model call (ms)"),
		metric.WithUnit("ms"))
	interrupts, _ := meter.Int64Counter("sqlagent.interrupts",
		metric.WithDescription("Interrupts raised and resolved"))

	return &Service{
		store:            opts.Store,
		tools:            tools,
		reasoning:        NewReasoningNode(opts.Provider, tools, opts.SystemPrompt, cfg.Reasoning),
		executor:         NewToolExecutor(tools, cfg.Executor, logger),
		gate:             NewInterruptGate(cfg.InterruptTimeout, cfg.InterruptOnTimeout),
		guard:            newThreadGuard(),
		cfg:              cfg,
		log:              logger,
		now:              time.Now,
		tracer:           telemetry.Tracer("sqlagent/ai"),
		turnCounter:      turns,
		toolCounter:      toolCalls,
		saveDuration:     saveDur,
		reasonDuration:   reasonDur,
		interruptCounter: interrupts,
	}, nil
}

// Close stops admitting turns and closes the store.
func (s *Service) Close() error {
	if s == nil {
		return nil
	}
	s.guard.close()
	return s.store.Close()
}

// Tools exposes the registry the service was built with.
func (s *Service) Tools() *ToolRegistry { return s.tools }

// Executor exposes the tool executor for callers that run tools outside a turn (MCP).
func (s *Service) Executor() *ToolExecutor { return s.executor }

// HasActiveTurn reports whether a turn is currently running for threadID in this process.
func (s *Service) HasActiveTurn(threadID string) bool { return s.guard.isActive(threadID) }

// CreateThread writes checkpoint 0 for a new thread. An empty id gets a generated one; a nil
// policy uses the configured default.
func (s *Service) CreateThread(ctx context.Context, threadID string, policy *InterruptPolicy) (GraphState, error) {
	threadID = strings.TrimSpace(threadID)
	if threadID == "" {
		threadID = "th_" + uuid.NewString()
	}
	st := GraphState{ThreadID: threadID, Messages: []Message{}, Policy: s.cfg.DefaultPolicy}
	if policy != nil {
		st.Policy = *policy
	}
	rec, err := encodeCheckpoint(&st, ReasonCreated, s.now().UnixMilli())
	if err != nil {
		return GraphState{}, newAgentError(KindPersistence, "create thread", threadID, err)
	}
	if err := s.store.CreateThread(ctx, rec); err != nil {
		return GraphState{}, storeErr("create thread", threadID, err)
	}
	s.log.Info("thread created", "thread_id", threadID, "interrupt_mode", st.Policy.Mode)
	return st, nil
}

// State returns the latest checkpointed state of a thread.
func (s *Service) State(ctx context.Context, threadID string) (GraphState, error) {
	rec, err := s.store.LoadLatest(ctx, strings.TrimSpace(threadID))
	if err != nil {
		return GraphState{}, storeErr("load state", threadID, err)
	}
	st, err := decodeCheckpoint(rec)
	if err != nil {
		return GraphState{}, newAgentError(KindPersistence, "load state", threadID, err)
	}
	return st, nil
}

// Replay decodes the checkpoint at sequence, reproducing the state exactly as it was saved.
func (s *Service) Replay(ctx context.Context, threadID string, sequence int64) (GraphState, error) {
	rec, err := s.store.LoadCheckpoint(ctx, strings.TrimSpace(threadID), sequence)
	if err != nil {
		return GraphState{}, storeErr("replay", threadID, err)
	}
	st, err := decodeCheckpoint(rec)
	if err != nil {
		return GraphState{}, newAgentError(KindPersistence, "replay", threadID, err)
	}
	return st, nil
}

// Checkpoints lists checkpoint metadata for a thread in sequence order.
func (s *Service) Checkpoints(ctx context.Context, threadID string) ([]threadstore.CheckpointRecord, error) {
	list, err := s.store.ListCheckpoints(ctx, strings.TrimSpace(threadID))
	if err != nil {
		return nil, storeErr("list checkpoints", threadID, err)
	}
	return list, nil
}

func (s *Service) ListThreads(ctx context.Context, limit int) ([]threadstore.Thread, error) {
	list, err := s.store.ListThreads(ctx, limit)
	if err != nil {
		return nil, storeErr("list threads", "", err)
	}
	return list, nil
}

// DeleteThread drops a thread's checkpoint log. Active threads cannot be deleted.
func (s *Service) DeleteThread(ctx context.Context, threadID string) error {
	release, err := s.guard.acquire(threadID)
	if err != nil {
		return err
	}
	defer release()
	if err := s.store.DeleteThread(ctx, strings.TrimSpace(threadID)); err != nil {
		return storeErr("delete thread", threadID, err)
	}
	return nil
}

// Submit appends a user message and runs the thread until it terminates or suspends on an
// interrupt. A thread that does not exist yet is created.
func (s *Service) Submit(ctx context.Context, threadID string, text string, opts SubmitOptions) (Answer, error) {
	if strings.TrimSpace(text) == "" {
		return Answer{}, ErrEmptyMessage
	}
	return s.turn(ctx, "submit", threadID, s.includeThinking(opts), s.prepareSubmit(text, opts), nil)
}

// SubmitStream is Submit with incremental output.
func (s *Service) SubmitStream(ctx context.Context, threadID string, text string, opts SubmitOptions) (*ChunkStream, error) {
	if strings.TrimSpace(text) == "" {
		return nil, ErrEmptyMessage
	}
	return s.stream(ctx, "submit", threadID, s.includeThinking(opts), s.prepareSubmit(text, opts))
}

// Resolve applies a reviewer decision to the pending interrupt and continues the turn.
func (s *Service) Resolve(ctx context.Context, threadID string, d Decision) (Answer, error) {
	return s.turn(ctx, "resolve", threadID, s.cfg.IncludeThinking, s.prepareResolve(d), nil)
}

func (s *Service) ResolveStream(ctx context.Context, threadID string, d Decision) (*ChunkStream, error) {
	return s.stream(ctx, "resolve", threadID, s.cfg.IncludeThinking, s.prepareResolve(d))
}

// Resume continues a thread from its latest checkpoint, for example after a crash or a
// cancelled turn. A thread at rest returns immediately.
func (s *Service) Resume(ctx context.Context, threadID string) (Answer, error) {
	return s.turn(ctx, "resume", threadID, s.cfg.IncludeThinking, nil, nil)
}

func (s *Service) ResumeStream(ctx context.Context, threadID string) (*ChunkStream, error) {
	return s.stream(ctx, "resume", threadID, s.cfg.IncludeThinking, nil)
}

func (s *Service) includeThinking(opts SubmitOptions) bool {
	if opts.IncludeThinking != nil {
		return *opts.IncludeThinking
	}
	return s.cfg.IncludeThinking
}

// prepareFunc mutates the loaded state before the loop starts and names the checkpoint
// reason for that mutation.
type prepareFunc func(st *GraphState) (string, error)

func (s *Service) prepareSubmit(text string, opts SubmitOptions) prepareFunc {
	return func(st *GraphState) (string, error) {
		if strings.TrimSpace(text) == "" {
			return "", ErrEmptyMessage
		}
		if st.PendingInterrupt != nil {
			return "", ErrInterruptPending
		}
		if st.Halted != "" {
			st.closeDangling(haltedDetail, s.now().UnixMilli())
			st.Halted = ""
		} else if !st.IsTerminal() {
			return "", ErrTurnIncomplete
		}
		if opts.Policy != nil {
			st.Policy = *opts.Policy
		}
		// Reviewer decisions are scoped to the turn that produced them; providers may
		// reuse call IDs across turns.
		st.Decisions = nil
		st.Append(Message{Role: RoleUser, Content: []ContentBlock{TextBlock(text)}, CreatedAtUnixMs: s.now().UnixMilli()})
		return ReasonUserMessage, nil
	}
}

func (s *Service) prepareResolve(d Decision) prepareFunc {
	return func(st *GraphState) (string, error) {
		if err := s.gate.Resolve(st, d); err != nil {
			return "", err
		}
		s.interruptCounter.Add(context.Background(), 1, metric.WithAttributes(attribute.String("outcome", string(d.Outcome))))
		return ReasonResolution, nil
	}
}

// stream admits the turn on the caller's goroutine and runs the loop on a new one. Every
// admission error (busy thread, bad input, pending or expired interrupt, a failed save) is
// returned here, before any chunk is produced.
func (s *Service) stream(ctx context.Context, op string, threadID string, includeThinking bool, prepare prepareFunc) (*ChunkStream, error) {
	threadID = strings.TrimSpace(threadID)
	release, err := s.guard.acquire(threadID)
	if err != nil {
		return nil, err
	}
	ctx, end := s.startTurn(ctx, op, threadID)
	st, err := s.admit(ctx, op, threadID, prepare)
	if err != nil {
		end(Answer{}, err)
		release()
		return nil, err
	}
	return newChunkStream(ctx, func(ctx context.Context, emit func(Chunk)) (ans Answer, err error) {
		defer release()
		defer func() { end(ans, err) }()
		return s.execute(ctx, &st, includeThinking, newMultiplexer(includeThinking, emit))
	}), nil
}

func (s *Service) turn(ctx context.Context, op string, threadID string, includeThinking bool, prepare prepareFunc, mux *multiplexer) (ans Answer, err error) {
	threadID = strings.TrimSpace(threadID)
	release, err := s.guard.acquire(threadID)
	if err != nil {
		return Answer{}, err
	}
	defer release()
	ctx, end := s.startTurn(ctx, op, threadID)
	defer func() { end(ans, err) }()

	st, err := s.admit(ctx, op, threadID, prepare)
	if err != nil {
		if errors.Is(err, ErrInterruptExpired) {
			return Answer{ThreadID: threadID, Sequence: st.Sequence}, err
		}
		return Answer{}, err
	}
	return s.execute(ctx, &st, includeThinking, mux)
}

// startTurn opens the turn span. The returned func records the outcome and ends it.
func (s *Service) startTurn(ctx context.Context, op string, threadID string) (context.Context, func(Answer, error)) {
	ctx, span := s.tracer.Start(ctx, "ai."+op, trace.WithAttributes(attribute.String("sqlagent.thread_id", threadID)))
	return ctx, func(ans Answer, err error) {
		outcome := string(ans.Status)
		if err != nil {
			outcome = "error"
			if kind := KindOf(err); kind != "" {
				outcome = string(kind)
			}
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		s.turnCounter.Add(context.WithoutCancel(ctx), 1, metric.WithAttributes(
			attribute.String("op", op),
			attribute.String("outcome", outcome),
		))
		span.End()
	}
}

// admit loads the thread, applies interrupt expiry and the caller's mutation, and
// checkpoints both. On ErrInterruptExpired the returned state carries the expiry checkpoint.
func (s *Service) admit(ctx context.Context, op string, threadID string, prepare prepareFunc) (GraphState, error) {
	if threadID == "" {
		return GraphState{}, newAgentError(KindValidation, op, "", errors.New("missing thread id"))
	}
	st, err := s.loadOrCreate(ctx, op, threadID, prepare != nil && op == "submit")
	if err != nil {
		return GraphState{}, err
	}
	if s.gate.Expire(&st) {
		if err := s.save(ctx, &st, ReasonInterruptExpired); err != nil {
			return GraphState{}, err
		}
		s.log.Warn("interrupt expired", "thread_id", threadID)
		if op == "resolve" {
			return st, ErrInterruptExpired
		}
	}
	if prepare != nil {
		reason, err := prepare(&st)
		if err != nil {
			return GraphState{}, err
		}
		if reason != "" {
			if err := s.save(ctx, &st, reason); err != nil {
				return GraphState{}, err
			}
		}
	}
	return st, nil
}

func (s *Service) execute(ctx context.Context, st *GraphState, includeThinking bool, mux *multiplexer) (Answer, error) {
	ans := Answer{ThreadID: st.ThreadID}
	err := s.loop(ctx, st, &ans, includeThinking, mux)
	ans.Sequence = st.Sequence
	return ans, err
}

func (s *Service) loadOrCreate(ctx context.Context, op string, threadID string, create bool) (GraphState, error) {
	rec, err := s.store.LoadLatest(ctx, threadID)
	if errors.Is(err, threadstore.ErrNotFound) && create {
		st, cerr := s.CreateThread(ctx, threadID, nil)
		if errors.Is(cerr, ErrThreadExists) {
			// Lost a creation race with another process; use its checkpoint.
			rec, err = s.store.LoadLatest(ctx, threadID)
		} else {
			return st, cerr
		}
	}
	if err != nil {
		return GraphState{}, storeErr(op, threadID, err)
	}
	st, err := decodeCheckpoint(rec)
	if err != nil {
		return GraphState{}, newAgentError(KindPersistence, op, threadID, err)
	}
	return st, nil
}

// loop is the orchestrator: each pass derives the next step from state alone, runs it and
// checkpoints the result before deciding again.
func (s *Service) loop(ctx context.Context, st *GraphState, ans *Answer, includeThinking bool, mux *multiplexer) error {
	for {
		if err := ctx.Err(); err != nil {
			return newAgentError(KindCanceled, "turn", st.ThreadID, err)
		}
		route := NextRoute(*st)
		s.log.Debug("route", "thread_id", st.ThreadID, "sequence", st.Sequence, "route", route)

		switch route {
		case RouteTerminate:
			ans.Status = TurnCompleted
			return nil

		case RouteAwaitInterrupt:
			if st.PendingInterrupt == nil {
				in := s.gate.Raise(st)
				if in == nil {
					return newAgentError(KindExecution, "raise interrupt", st.ThreadID, errors.New("router requested review but no call qualifies"))
				}
				if err := s.save(ctx, st, ReasonInterrupt); err != nil {
					return err
				}
				s.interruptCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", string(ResolutionPending))))
				s.log.Info("interrupt raised", "thread_id", st.ThreadID, "interrupt_id", in.ID, "call_id", in.TriggeringCallID, "tool", in.ToolName)
				mux.interrupt(in)
			}
			in := *st.PendingInterrupt
			ans.Interrupt = &in
			ans.Status = TurnAwaitingReview
			return nil

		case RouteReason:
			if err := s.checkRounds(st); err != nil {
				return s.halt(ctx, st, err)
			}
			if err := s.reason(ctx, st, ans, includeThinking, mux); err != nil {
				return err
			}

		case RouteContinueTools:
			if err := s.runTools(ctx, st, ans, mux); err != nil {
				return err
			}

		default:
			return newAgentError(KindExecution, "route", st.ThreadID, fmt.Errorf("unknown route %q", route))
		}
	}
}

// checkRounds bounds self-correction: too many tool rounds in one turn, or too many
// consecutive rounds where every call failed, end the turn.
func (s *Service) checkRounds(st *GraphState) *AgentError {
	rounds, failed := st.toolRounds()
	if failed >= s.cfg.MaxConsecutiveToolErrors {
		return newAgentError(KindRetriesExhausted, "tool self-correction", st.ThreadID,
			fmt.Errorf("%d consecutive tool rounds failed", failed))
	}
	if rounds > s.cfg.MaxToolRounds {
		return newAgentError(KindRetriesExhausted, "tool rounds", st.ThreadID,
			fmt.Errorf("turn exceeded %d tool rounds", s.cfg.MaxToolRounds))
	}
	return nil
}

func (s *Service) reason(ctx context.Context, st *GraphState, ans *Answer, includeThinking bool, mux *multiplexer) error {
	ctx, span := s.tracer.Start(ctx, "ai.reasoning")
	defer span.End()

	mux.beginReasoning()
	onEvent := func(StreamEvent) {}
	if mux != nil {
		onEvent = mux.onEvent
	}
	start := s.now()
	msg, usage, err := s.reasoning.Run(ctx, st, includeThinking, onEvent)
	s.reasonDuration.Record(context.WithoutCancel(ctx), float64(s.now().Sub(start).Milliseconds()))
	if err != nil {
		span.RecordError(err)
		return err
	}
	st.Append(msg)
	if err := s.save(ctx, st, ReasonReasoning); err != nil {
		return err
	}
	ans.Messages = append(ans.Messages, msg)
	ans.Text += msg.Text()
	ans.Usage.InputTokens += usage.InputTokens
	ans.Usage.OutputTokens += usage.OutputTokens
	span.SetAttributes(attribute.Int("sqlagent.tool_calls", len(msg.ToolCalls())))
	return nil
}

func (s *Service) runTools(ctx context.Context, st *GraphState, ans *Answer, mux *multiplexer) error {
	rounds, _ := st.toolRounds()
	if rounds >= s.cfg.MaxToolRounds {
		return s.halt(ctx, st, newAgentError(KindRetriesExhausted, "tool rounds", st.ThreadID,
			fmt.Errorf("turn reached %d tool rounds", s.cfg.MaxToolRounds)))
	}
	calls := st.UnresolvedCalls()
	ctx, span := s.tracer.Start(ctx, "ai.tools", trace.WithAttributes(attribute.Int("sqlagent.calls", len(calls))))
	defer span.End()

	results, err := s.executor.ExecuteBatch(ctx, calls, st.Decisions)
	if err != nil {
		span.RecordError(err)
		if ctx.Err() != nil {
			return newAgentError(KindCanceled, "tools", st.ThreadID, ctx.Err())
		}
		var ae *AgentError
		if errors.As(err, &ae) {
			ae.ThreadID = st.ThreadID
			return ae
		}
		return newAgentError(KindExecution, "tools", st.ThreadID, err)
	}

	blocks := make([]ContentBlock, 0, len(results))
	for i, res := range results {
		blocks = append(blocks, ToolResultBlock(res))
		s.toolCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.String("tool", calls[i].Name),
			attribute.String("status", string(res.Status)),
		))
		if res.Status == ResultError {
			s.log.Info("tool call failed", "thread_id", st.ThreadID, "tool", calls[i].Name, "call_id", res.CallID, "code", res.Code, "error", res.ErrorDetail)
		}
	}
	msg := Message{Role: RoleTool, Content: blocks, CreatedAtUnixMs: s.now().UnixMilli()}
	st.Append(msg)
	if err := s.save(ctx, st, ReasonToolResults); err != nil {
		return err
	}
	ans.Messages = append(ans.Messages, msg)
	for i, res := range results {
		mux.toolResult(calls[i], res)
	}
	return nil
}

// halt marks the thread as stopped by a loop cap, so it rests until the next user message.
func (s *Service) halt(ctx context.Context, st *GraphState, cause *AgentError) error {
	st.Halted = cause.Kind
	if err := s.save(ctx, st, ReasonHalted); err != nil {
		return err
	}
	s.log.Warn("turn halted", "thread_id", st.ThreadID, "error", cause)
	return cause
}

// save persists st as the next checkpoint. A completed step is written even if the caller
// has just cancelled; a failed write rolls the in-memory sequence back and aborts the turn.
func (s *Service) save(ctx context.Context, st *GraphState, reason string) error {
	st.Sequence++
	rec, err := encodeCheckpoint(st, reason, s.now().UnixMilli())
	if err != nil {
		st.Sequence--
		return newAgentError(KindPersistence, "save checkpoint", st.ThreadID, err)
	}
	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.SaveTimeout)
	defer cancel()
	start := s.now()
	err = s.store.SaveCheckpoint(saveCtx, rec)
	s.saveDuration.Record(saveCtx, float64(s.now().Sub(start).Milliseconds()))
	if err != nil {
		st.Sequence--
		s.log.Error("checkpoint save failed", "thread_id", st.ThreadID, "sequence", rec.Sequence, "reason", reason, "error", err)
		return newAgentError(KindPersistence, "save checkpoint", st.ThreadID, err)
	}
	s.log.Debug("checkpoint saved", "thread_id", st.ThreadID, "sequence", rec.Sequence, "reason", reason)
	return nil
}

// SweepExpiredInterrupts auto-rejects expired interrupts when the timeout action is reject.
// Rejected threads are left suspended-free; the next Resume continues them. It returns the
// number of threads changed.
func (s *Service) SweepExpiredInterrupts(ctx context.Context) (int, error) {
	if s.gate.OnTimeout != TimeoutReject || s.gate.Timeout <= 0 {
		return 0, nil
	}
	pending, err := s.store.ListPendingInterrupts(ctx)
	if err != nil {
		return 0, storeErr("sweep interrupts", "", err)
	}
	nowMs := s.now().UnixMilli()
	n := 0
	for _, th := range pending {
		if th.InterruptExpiresAtUnixMs <= 0 || th.InterruptExpiresAtUnixMs > nowMs {
			continue
		}
		changed, err := s.expireThread(ctx, th.ThreadID)
		if errors.Is(err, ErrThreadBusy) {
			continue
		}
		if err != nil {
			return n, err
		}
		if changed {
			n++
		}
	}
	return n, nil
}

func (s *Service) expireThread(ctx context.Context, threadID string) (bool, error) {
	release, err := s.guard.acquire(threadID)
	if err != nil {
		return false, err
	}
	defer release()
	st, err := s.State(ctx, threadID)
	if err != nil {
		return false, err
	}
	if !s.gate.Expire(&st) {
		return false, nil
	}
	if err := s.save(ctx, &st, ReasonInterruptExpired); err != nil {
		return false, err
	}
	s.log.Warn("interrupt expired", "thread_id", threadID)
	return true, nil
}

// RunInterruptSweeper calls SweepExpiredInterrupts every interval until ctx is done.
func (s *Service) RunInterruptSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := s.SweepExpiredInterrupts(ctx); err != nil {
				s.log.Warn("interrupt sweep failed", "error", err)
			} else if n > 0 {
				s.log.Info("expired interrupts rejected", "count", n)
			}
		}
	}
}
