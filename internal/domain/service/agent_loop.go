package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ngoclaw/ngoclaw/gateway/internal/domain/approval"
	"github.com/ngoclaw/ngoclaw/gateway/internal/domain/entity"
	"github.com/ngoclaw/ngoclaw/gateway/internal/domain/llmadapter"
	"github.com/ngoclaw/ngoclaw/gateway/internal/domain/rollback"
	"github.com/ngoclaw/ngoclaw/gateway/internal/domain/slashcmd"
	"github.com/ngoclaw/ngoclaw/gateway/internal/domain/tool"
	"github.com/ngoclaw/ngoclaw/gateway/internal/domain/transcript"
	"github.com/ngoclaw/ngoclaw/gateway/internal/domain/wire"
)

// OutcomeKind is the closed set of results Run can produce.
type OutcomeKind string

const (
	OutcomeCompleted           OutcomeKind = "completed"
	OutcomeInterrupted         OutcomeKind = "interrupted"
	OutcomeError               OutcomeKind = "error"
	OutcomeSlashCommandHandled OutcomeKind = "slash_command_handled"
	OutcomeRollbackPerformed   OutcomeKind = "rollback_performed"
)

// ErrorKind is the closed enumeration of turn-fatal error kinds. These
// name failure modes, not Go type names.
type ErrorKind string

const (
	ErrKindIO            ErrorKind = "io"
	ErrKindParse         ErrorKind = "parse"
	ErrKindHTTPStatus    ErrorKind = "http_status"
	ErrKindLLM           ErrorKind = "llm"
	ErrKindTool          ErrorKind = "tool"
	ErrKindApproval      ErrorKind = "approval"
	ErrKindTimeout       ErrorKind = "timeout"
	ErrKindTurnCancelled ErrorKind = "cancelled"
	ErrKindMaxIterations ErrorKind = "max_iterations"
	ErrKindCompaction    ErrorKind = "compaction"
	ErrKindWire          ErrorKind = "wire"
	ErrKindConfig        ErrorKind = "config"
)

// Outcome is what Run returns: exactly one of the five variants.
type Outcome struct {
	Kind      OutcomeKind
	Text      string    // OutcomeCompleted
	ErrorKind ErrorKind // OutcomeError
	Err       error     // OutcomeError
}

// AgentResult is the summary AgentHook.OnComplete observes at the end of a
// turn — a hook-facing view of Outcome plus the step count it took to get
// there.
type AgentResult struct {
	FinalContent string
	TotalSteps   int
	ModelUsed    string
}

// AgentLoopConfig holds the tunables a host wires in at construction. The
// fields commented "0 = ..." treat zero as off; the context-guard ratios
// and loop-detector thresholds have no off value, and a zero ratio or
// threshold makes that check trip every time it runs.
type AgentLoopConfig struct {
	Model        string
	SystemPrompt string

	MaxIterations int           // 0 = unlimited
	TurnTimeout   time.Duration // 0 = unlimited
	ToolTimeout   time.Duration // 0 = no per-tool deadline

	MaxRetries    int
	RetryBaseWait time.Duration

	MaxTokenBudget int64 // 0 = disabled; soft check only, logged not fatal

	ContextMaxTokens int
	ContextWarnRatio float64
	ContextHardRatio float64

	LoopWindowSize      int
	LoopDetectThreshold int
	LoopNameThreshold   int
}

// DefaultAgentLoopConfig returns the defaults a fresh loop should start
// from absent host-supplied overrides.
func DefaultAgentLoopConfig() AgentLoopConfig {
	return AgentLoopConfig{
		Model:               "kimi-k2",
		MaxIterations:       50,
		TurnTimeout:         10 * time.Minute,
		ToolTimeout:         2 * time.Minute,
		MaxRetries:          3,
		RetryBaseWait:       2 * time.Second,
		ContextMaxTokens:    128000,
		ContextWarnRatio:    0.75,
		ContextHardRatio:    0.92,
		LoopWindowSize:      8,
		LoopDetectThreshold: 3,
		LoopNameThreshold:   5,
	}
}

// AgentLoop drives one user turn at a time: it owns nothing but
// the turn-scoped control flow, delegating state to its collaborators —
// Transcript (conversation log), Wire (event broadcast, supplied per call),
// Approval Gate, Rollback Mailbox, Toolset, and a pluggable CompactionPolicy.
type AgentLoop struct {
	llm      llmadapter.Adapter
	toolset  *tool.Toolset
	tx       *transcript.Transcript
	gate     *approval.Gate
	mailbox  *rollback.Mailbox
	compact  CompactionPolicy
	slashCmd *slashcmd.Registry

	config AgentLoopConfig

	hooks      AgentHook
	middleware *MiddlewarePipeline

	contextGuard *ContextGuard
	loopDetector *LoopDetector
	costGuard    *CostGuard

	// sm tracks the current turn's phase; rebuilt at each Run entry. The
	// loop runs one turn at a time, so a single field suffices.
	sm *StateMachine

	logger *zap.Logger
}

// NewAgentLoop wires a loop from its collaborators.
func NewAgentLoop(
	llm llmadapter.Adapter,
	toolset *tool.Toolset,
	tx *transcript.Transcript,
	gate *approval.Gate,
	mailbox *rollback.Mailbox,
	compact CompactionPolicy,
	slashCmd *slashcmd.Registry,
	config AgentLoopConfig,
	logger *zap.Logger,
) *AgentLoop {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &AgentLoop{
		llm:          llm,
		toolset:      toolset,
		tx:           tx,
		gate:         gate,
		mailbox:      mailbox,
		compact:      compact,
		slashCmd:     slashCmd,
		config:       config,
		hooks:        NoOpHook{},
		middleware:   NewMiddlewarePipeline(logger),
		contextGuard: NewContextGuard(config.ContextMaxTokens, config.ContextWarnRatio, config.ContextHardRatio, logger),
		loopDetector: NewLoopDetector(config.LoopWindowSize, config.LoopDetectThreshold, config.LoopNameThreshold, logger),
		logger:       logger,
	}
	if config.MaxTokenBudget > 0 {
		a.costGuard = NewCostGuard(config.MaxTokenBudget, 0, logger)
	}
	return a
}

// SetHooks installs the lifecycle hook chain.
func (a *AgentLoop) SetHooks(h AgentHook) {
	if h == nil {
		h = NoOpHook{}
	}
	a.hooks = h
}

// SetMiddleware installs the BeforeModel/AfterModel pipeline.
func (a *AgentLoop) SetMiddleware(p *MiddlewarePipeline) {
	if p == nil {
		p = NewMiddlewarePipeline(a.logger)
	}
	a.middleware = p
}

// Run executes one turn: slash-command pre-check, or the full normal flow
// (TurnBegin → step loop → TurnEnd). w is the Wire this turn broadcasts on;
// the Transcript, Toolset, Approval Gate and Rollback Mailbox are the
// loop's own long-lived collaborators, shared across turns of one session.
func (a *AgentLoop) Run(ctx context.Context, input entity.UserInput, w *wire.Wire) Outcome {
	if cmd, ok := slashcmd.Parse(input.Text); ok {
		return a.runSlashCommand(ctx, cmd, w)
	}

	// Yolo is captured once per turn: the Gate
	// itself never exposes a mid-turn toggle, but reading it here — rather
	// than calling IsYolo() again inside the tool batch — keeps the turn's
	// approval behavior a closed decision made at TurnBegin.
	yolo := a.gate.IsYolo()

	ctx = WithTraceID(ctx, TraceIDFromContext(ctx))
	a.logger.Info("turn begin", zap.String("trace_id", TraceIDFromContext(ctx)))

	a.sm = NewStateMachine(a.config.MaxIterations, a.logger)
	a.sm.SetModel(a.config.Model)
	a.sm.OnTransition(a.hooks.OnStateChange)

	w.Send(entity.TurnBeginEvent(input))
	a.tx.CreateCheckpoint("user input")
	a.tx.Append(entity.NewUserMessage(input.Text))
	turnStart := time.Now()
	a.loopDetector.Reset()

	// The turn timeout bounds wall clock from TurnBegin to TurnEnd; the
	// deadline context makes it bite mid-stream, not just between steps.
	runCtx := ctx
	if a.config.TurnTimeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithDeadline(ctx, turnStart.Add(a.config.TurnTimeout))
		defer cancel()
	}

	outcome, steps := a.runSteps(runCtx, yolo, turnStart, w)

	a.hooks.OnComplete(ctx, &AgentResult{FinalContent: outcome.Text, TotalSteps: steps, ModelUsed: a.config.Model})
	a.logger.Info("turn end",
		zap.String("trace_id", TraceIDFromContext(ctx)),
		zap.String("outcome", string(outcome.Kind)),
		zap.Int("steps", steps),
	)
	w.Send(entity.TurnEndEvent())
	return outcome
}

// transition moves the turn's state machine, tolerating a nil machine so
// unit tests can exercise helpers outside a full Run.
func (a *AgentLoop) transition(to AgentState) {
	if a.sm == nil {
		return
	}
	_ = a.sm.Transition(to)
}

func (a *AgentLoop) runSlashCommand(ctx context.Context, cmd slashcmd.Command, w *wire.Wire) Outcome {
	result, ok := a.slashCmd.Dispatch(ctx, cmd)
	if !ok {
		w.Send(entity.TextPartEvent(fmt.Sprintf("Error: unknown command /%s", cmd.Name)))
		return Outcome{Kind: OutcomeError, ErrorKind: ErrKindConfig, Err: fmt.Errorf("unknown slash command: %s", cmd.Name)}
	}
	if result.Output != "" {
		w.Send(entity.TextPartEvent(result.Output))
	}
	return Outcome{Kind: OutcomeSlashCommandHandled, Text: result.Output}
}

// runSteps drives the per-turn step loop until a terminal Outcome is
// produced.
func (a *AgentLoop) runSteps(ctx context.Context, yolo bool, turnStart time.Time, w *wire.Wire) (Outcome, int) {
	iteration := 0
	for {
		// 1. Rollback check. A rollback found on the very first iteration,
		// before any LLM call has been attempted, is serviced as the whole
		// turn's result (OutcomeRollbackPerformed); one found on a later
		// iteration — i.e. while this turn is already mid-flight — is
		// applied in place and the step loop simply continues (a concurrent
		// external rollback should redirect an in-progress turn, not end it).
		if entry, ok := a.mailbox.TryTake(); ok {
			if removed, found := a.tx.RollbackTo(entry.CheckpointID); found {
				a.tx.Append(entity.NewUserMessage(entry.MessageText))
				a.logger.Info("rollback applied",
					zap.String("checkpoint_id", entry.CheckpointID),
					zap.Int("messages_removed", removed),
				)
				w.Send(entity.StatusUpdateEvent(nil, nil, "rollback:"+entry.CheckpointID))
				if iteration == 0 {
					a.transition(StateComplete)
					return Outcome{Kind: OutcomeRollbackPerformed}, iteration
				}
			} else {
				a.logger.Warn("rollback: unknown checkpoint", zap.String("checkpoint_id", entry.CheckpointID))
			}
		}

		// 2. Compaction check.
		if a.compactionNeeded() {
			a.transition(StateCompacting)
			w.Send(entity.CompactionBeginEvent())
			if err := a.compact.Apply(a.tx); err != nil {
				a.logger.Warn("compaction failed", zap.Error(err))
			}
			w.Send(entity.CompactionEndEvent())
		}

		// 3. Budget checks.
		if a.config.MaxIterations > 0 && iteration >= a.config.MaxIterations {
			a.recordFatal()
			err := fmt.Errorf("reached max iterations (%d)", a.config.MaxIterations)
			w.Send(entity.TextPartEvent(fmt.Sprintf("Error: %v", err)))
			return Outcome{Kind: OutcomeError, ErrorKind: ErrKindMaxIterations, Err: err}, iteration
		}
		if a.config.TurnTimeout > 0 && time.Since(turnStart) > a.config.TurnTimeout {
			a.recordFatal()
			err := fmt.Errorf("turn exceeded timeout (%s)", a.config.TurnTimeout)
			w.Send(entity.TextPartEvent(fmt.Sprintf("Error: %v", err)))
			return Outcome{Kind: OutcomeError, ErrorKind: ErrKindTimeout, Err: err}, iteration
		}
		select {
		case <-ctx.Done():
			w.Send(entity.StepInterruptedEvent(iteration))
			if ctx.Err() == context.DeadlineExceeded {
				a.recordFatal()
				err := fmt.Errorf("turn exceeded timeout (%s)", a.config.TurnTimeout)
				w.Send(entity.TextPartEvent(fmt.Sprintf("Error: %v", err)))
				return Outcome{Kind: OutcomeError, ErrorKind: ErrKindTimeout, Err: err}, iteration
			}
			a.transition(StateAborted)
			return Outcome{Kind: OutcomeInterrupted}, iteration
		default:
		}

		outcome, terminal := a.step(ctx, iteration, yolo, w)
		if terminal {
			return outcome, iteration + 1
		}
		iteration++
	}
}

// recordFatal folds an error-count bump and the Error transition together
// for the budget-check exits.
func (a *AgentLoop) recordFatal() {
	if a.sm != nil {
		a.sm.RecordError()
	}
	a.transition(StateError)
}

// Snapshot exposes the current turn's state-machine snapshot for status
// rendering; the zero snapshot is returned between turns.
func (a *AgentLoop) Snapshot() StateSnapshot {
	if a.sm == nil {
		return StateSnapshot{State: StateIdle}
	}
	return a.sm.Snapshot()
}

// updateUsage refreshes the transcript's token estimate after an LLM
// round and feeds the optional token budget. The estimate is the one
// place the loop counts tokens itself — the provider's own usage figures
// are not available until a call completes.
func (a *AgentLoop) updateUsage() {
	if a.contextGuard == nil {
		return
	}
	check := a.contextGuard.Check(a.buildAdapterMessages())
	prev := a.tx.TokenCount()
	a.tx.SetTokenCount(check.EstimatedTokens)

	if a.costGuard != nil {
		if grown := int64(check.EstimatedTokens - prev); grown > 0 {
			if err := a.costGuard.AddTokens(grown); err != nil {
				a.logger.Warn("token budget exceeded, continuing", zap.Error(err))
			}
		}
	}
}

func (a *AgentLoop) compactionNeeded() bool {
	if a.compact == nil {
		return false
	}
	if a.compact.Needed(a.tx) {
		return true
	}
	if a.contextGuard == nil {
		return false
	}
	return a.contextGuard.Check(a.buildAdapterMessages()).NeedCompaction
}

// step runs one LLM round and, if it produces tool calls, the Tool Batch
// that follows it. It returns (outcome, true) when the turn is over, or
// (zero, false) to keep iterating.
func (a *AgentLoop) step(ctx context.Context, iteration int, yolo bool, w *wire.Wire) (Outcome, bool) {
	if a.sm != nil {
		a.sm.SetStep(iteration)
	}
	a.transition(StateStreaming)
	w.Send(entity.StepBeginEvent(iteration))

	// StepInterrupted marks a step broken by the stop flag (cancellation
	// or the turn deadline), not by an ordinary stream failure — an LLM
	// error is its own fatal outcome, reported as error(llm).
	interrupted := true
	defer func() {
		if interrupted && ctx.Err() != nil {
			w.Send(entity.StepInterruptedEvent(iteration))
		}
	}()

	messages := a.middleware.RunBeforeModel(ctx, a.buildAdapterMessages(), iteration)
	req := ModelRequest{Model: a.config.Model, Messages: messages, Tools: a.buildAdapterTools()}
	a.hooks.BeforeLLMCall(ctx, &req, iteration)

	resp, err := a.callLLMWithRetry(ctx, req, a.config.SystemPrompt, iteration, w)
	if err != nil {
		a.hooks.OnError(ctx, err, iteration)
		if ctx.Err() == context.DeadlineExceeded {
			a.recordFatal()
			terr := fmt.Errorf("turn exceeded timeout (%s)", a.config.TurnTimeout)
			w.Send(entity.TextPartEvent(fmt.Sprintf("Error: %v", terr)))
			return Outcome{Kind: OutcomeError, ErrorKind: ErrKindTimeout, Err: terr}, true
		}
		if ctx.Err() != nil {
			a.transition(StateAborted)
			return Outcome{Kind: OutcomeInterrupted}, true
		}
		a.recordFatal()
		w.Send(entity.TextPartEvent(fmt.Sprintf("Error: %v", err)))
		return Outcome{Kind: OutcomeError, ErrorKind: ErrKindLLM, Err: err}, true
	}
	resp = a.middleware.RunAfterModel(ctx, resp, iteration)
	a.hooks.AfterLLMCall(ctx, resp, iteration)

	// Clean stream end reached; any failure below is a tool/approval
	// concern handled within the Tool Batch, not a broken step.
	interrupted = false

	var toolCalls []entity.ToolCall
	for _, tc := range resp.ToolCalls {
		toolCalls = append(toolCalls, entity.ToolCall{ID: tc.ID, Name: tc.Name, Arguments: tc.Arguments})
	}
	a.tx.Append(entity.NewAssistantMessage(resp.Content, toolCalls))
	a.updateUsage()

	if len(toolCalls) == 0 {
		a.transition(StateComplete)
		return Outcome{Kind: OutcomeCompleted, Text: resp.Content}, true
	}

	a.transition(StateToolExec)
	return a.runToolBatch(ctx, iteration, toolCalls, yolo, w)
}

// runToolBatch executes every accumulated tool call in stream order; for a
// given call, ApprovalRequest precedes ToolBegin precedes ToolEnd. The
// stop flag breaking the batch still breaks the step, so it emits
// StepInterrupted for the step it belongs to.
func (a *AgentLoop) runToolBatch(ctx context.Context, iteration int, calls []entity.ToolCall, yolo bool, w *wire.Wire) (Outcome, bool) {
	for _, tc := range calls {
		select {
		case <-ctx.Done():
			a.gate.Cancel()
			w.Send(entity.StepInterruptedEvent(iteration))
			if ctx.Err() == context.DeadlineExceeded {
				a.recordFatal()
				err := fmt.Errorf("turn exceeded timeout (%s)", a.config.TurnTimeout)
				w.Send(entity.TextPartEvent(fmt.Sprintf("Error: %v", err)))
				return Outcome{Kind: OutcomeError, ErrorKind: ErrKindTimeout, Err: err}, true
			}
			a.transition(StateAborted)
			return Outcome{Kind: OutcomeInterrupted}, true
		default:
		}

		t, ok := a.toolset.Get(tc.Name)
		if !ok {
			a.tx.Append(entity.NewToolMessage(tc.ID, fmt.Sprintf("Tool not found: %s", tc.Name)))
			continue
		}

		if !json.Valid([]byte(tc.Arguments)) {
			a.tx.Append(entity.NewToolMessage(tc.ID, fmt.Sprintf("Invalid tool arguments: %s", tc.Arguments)))
			continue
		}

		if !a.approveCall(ctx, t, tc, yolo, w) {
			a.tx.Append(entity.NewToolMessage(tc.ID, fmt.Sprintf("Tool '%s' was rejected by user approval", tc.Name)))
			continue
		}

		result := a.executeCall(ctx, t, tc, w)
		if reflectPrompt := a.loopDetector.Record(tc.Name, tc.Arguments); reflectPrompt != "" {
			a.tx.Append(entity.NewSystemMessage(reflectPrompt))
		}
		if reflectPrompt := a.loopDetector.RecordName(tc.Name); reflectPrompt != "" {
			a.tx.Append(entity.NewSystemMessage(reflectPrompt))
		}
		a.tx.Append(entity.NewToolMessage(tc.ID, result.Output))
	}
	return Outcome{}, false
}

// approveCall runs the approval step for one call, emitting
// ApprovalRequest/ApprovalResponse unless yolo is set. Returns false when
// the call must not execute (hook veto or explicit reject).
func (a *AgentLoop) approveCall(ctx context.Context, t tool.Tool, tc entity.ToolCall, yolo bool, w *wire.Wire) bool {
	if !a.hooks.BeforeToolCall(ctx, tc.Name, nil) {
		return false
	}
	if yolo {
		return true
	}

	reqID := uuid.NewString()
	desc := describeForApproval(tc.Name, string(t.Kind()), tc.Arguments)
	req := entity.ApprovalRequest{ID: reqID, ToolCallID: tc.ID, Sender: "agent_loop", Action: tc.Name, Description: desc}
	a.transition(StateAwaitingApproval)
	w.Send(entity.ApprovalRequestEvent(req))

	resp := a.gate.Request(req, ctx.Done())
	w.Send(entity.ApprovalResponseEvent(reqID, resp))
	a.transition(StateToolExec)
	return !resp.Reject
}

// executeCall runs the tool itself, bounded by the configured per-tool
// timeout, and emits ToolBegin/ToolEnd around the call.
func (a *AgentLoop) executeCall(ctx context.Context, t tool.Tool, tc entity.ToolCall, w *wire.Wire) entity.ToolResult {
	w.Send(entity.ToolBeginEvent(tc.Name, tc.Arguments))

	toolCtx := ctx
	if a.config.ToolTimeout > 0 {
		var cancel context.CancelFunc
		toolCtx, cancel = context.WithTimeout(ctx, a.config.ToolTimeout)
		defer cancel()
	}

	if a.sm != nil {
		a.sm.RecordToolExec(tc.Name)
	}
	out, err := a.toolset.Execute(toolCtx, tc.Name, json.RawMessage(tc.Arguments))
	result := entity.ToolResult{ToolCallID: tc.ID}
	if err != nil {
		result.Output = err.Error()
		result.IsError = true
	} else {
		result.Output = string(out)
	}

	w.Send(entity.ToolEndEvent(tc.Name, result))
	a.hooks.AfterToolCall(ctx, tc.Name, result.Output, !result.IsError)
	return result
}

// buildAdapterMessages converts the transcript into the adapter's
// language-neutral Message shape.
func (a *AgentLoop) buildAdapterMessages() []llmadapter.Message {
	msgs := a.tx.Messages()
	out := make([]llmadapter.Message, 0, len(msgs))
	for _, m := range msgs {
		var calls []llmadapter.ToolCall
		for i, tc := range m.ToolCalls() {
			calls = append(calls, llmadapter.ToolCall{Index: i, ID: tc.ID, Name: tc.Name, Arguments: tc.Arguments})
		}
		out = append(out, llmadapter.Message{
			Role:       string(m.Role()),
			Content:    m.Content(),
			ToolCalls:  calls,
			ToolCallID: m.ToolCallID(),
		})
	}
	return out
}

func (a *AgentLoop) buildAdapterTools() []llmadapter.ToolSchema {
	schemas := a.toolset.Schemas()
	out := make([]llmadapter.ToolSchema, len(schemas))
	for i, s := range schemas {
		out[i] = llmadapter.ToolSchema{Name: s.Function.Name, Description: s.Function.Description, Parameters: s.Function.Parameters}
	}
	return out
}
