package service

import (
	"context"

	"go.uber.org/zap"
)

// AgentHook defines lifecycle hooks for extending agent loop behavior.
// All methods are optional — embed NoOpHook to only implement what you need.
// Hooks execute synchronously; keep them fast to avoid blocking the loop.
type AgentHook interface {
	// BeforeLLMCall is called before each LLM request.
	BeforeLLMCall(ctx context.Context, req *ModelRequest, step int)

	// AfterLLMCall is called after each successful LLM response.
	AfterLLMCall(ctx context.Context, resp *ModelResponse, step int)

	// BeforeToolCall is called before each tool execution, ahead of the
	// Approval Gate. Return false to veto the call; a veto is reported to
	// the LLM the same way as a reject from the gate.
	BeforeToolCall(ctx context.Context, toolName string, args map[string]interface{}) bool

	// AfterToolCall is called after each tool execution completes.
	AfterToolCall(ctx context.Context, toolName string, output string, success bool)

	// OnError is called when an error occurs in the loop.
	OnError(ctx context.Context, err error, step int)

	// OnComplete is called at the end of every turn that runs the LLM loop,
	// whatever its outcome (completed, error, interrupted); slash commands
	// do not reach it.
	OnComplete(ctx context.Context, result *AgentResult)

	// OnStateChange is called on each state machine transition.
	OnStateChange(from, to AgentState, snap StateSnapshot)
}

// NoOpHook provides a default no-op implementation of all hooks. Embed
// this in your custom hook to only override methods you care about.
type NoOpHook struct{}

func (NoOpHook) BeforeLLMCall(_ context.Context, _ *ModelRequest, _ int)                    {}
func (NoOpHook) AfterLLMCall(_ context.Context, _ *ModelResponse, _ int)                    {}
func (NoOpHook) BeforeToolCall(_ context.Context, _ string, _ map[string]interface{}) bool  { return true }
func (NoOpHook) AfterToolCall(_ context.Context, _ string, _ string, _ bool)                {}
func (NoOpHook) OnError(_ context.Context, _ error, _ int)                                  {}
func (NoOpHook) OnComplete(_ context.Context, _ *AgentResult)                               {}
func (NoOpHook) OnStateChange(_, _ AgentState, _ StateSnapshot)                             {}

// HookChain aggregates multiple hooks — all hooks are called in order.
type HookChain struct {
	hooks []AgentHook
}

// NewHookChain creates a hook chain from the given hooks.
func NewHookChain(hooks ...AgentHook) *HookChain {
	return &HookChain{hooks: hooks}
}

// Add appends a hook to the chain.
func (c *HookChain) Add(h AgentHook) {
	c.hooks = append(c.hooks, h)
}

func (c *HookChain) BeforeLLMCall(ctx context.Context, req *ModelRequest, step int) {
	for _, h := range c.hooks {
		h.BeforeLLMCall(ctx, req, step)
	}
}

func (c *HookChain) AfterLLMCall(ctx context.Context, resp *ModelResponse, step int) {
	for _, h := range c.hooks {
		h.AfterLLMCall(ctx, resp, step)
	}
}

// BeforeToolCall returns false — vetoing the call — the moment any hook in
// the chain vetoes it.
func (c *HookChain) BeforeToolCall(ctx context.Context, toolName string, args map[string]interface{}) bool {
	for _, h := range c.hooks {
		if !h.BeforeToolCall(ctx, toolName, args) {
			return false
		}
	}
	return true
}

func (c *HookChain) AfterToolCall(ctx context.Context, toolName string, output string, success bool) {
	for _, h := range c.hooks {
		h.AfterToolCall(ctx, toolName, output, success)
	}
}

func (c *HookChain) OnError(ctx context.Context, err error, step int) {
	for _, h := range c.hooks {
		h.OnError(ctx, err, step)
	}
}

func (c *HookChain) OnComplete(ctx context.Context, result *AgentResult) {
	for _, h := range c.hooks {
		h.OnComplete(ctx, result)
	}
}

func (c *HookChain) OnStateChange(from, to AgentState, snap StateSnapshot) {
	for _, h := range c.hooks {
		h.OnStateChange(from, to, snap)
	}
}

// Compile-time check: HookChain implements AgentHook.
var _ AgentHook = (*HookChain)(nil)

// --- Built-in hooks ---

// LoggingHook emits a structured log line for every lifecycle event.
type LoggingHook struct {
	NoOpHook
	logger *zap.Logger
}

// NewLoggingHook creates a LoggingHook writing through logger.
func NewLoggingHook(logger *zap.Logger) *LoggingHook {
	return &LoggingHook{logger: logger}
}

func (h *LoggingHook) AfterLLMCall(_ context.Context, resp *ModelResponse, step int) {
	h.logger.Debug("llm call complete", zap.Int("step", step), zap.Int("tool_calls", len(resp.ToolCalls)))
}

func (h *LoggingHook) AfterToolCall(_ context.Context, toolName string, _ string, success bool) {
	h.logger.Debug("tool call complete", zap.String("tool", toolName), zap.Bool("success", success))
}

func (h *LoggingHook) OnError(_ context.Context, err error, step int) {
	h.logger.Warn("agent loop error", zap.Int("step", step), zap.Error(err))
}

// MetricsHook tracks basic lifecycle counters in plain fields. The metrics
// package does not use it; its own Hook feeds Prometheus collectors.
type MetricsHook struct {
	NoOpHook
	LLMCallCount  int
	ToolCallCount int
	ErrorCount    int
}

func (h *MetricsHook) AfterLLMCall(_ context.Context, _ *ModelResponse, _ int)      { h.LLMCallCount++ }
func (h *MetricsHook) AfterToolCall(_ context.Context, _ string, _ string, _ bool) { h.ToolCallCount++ }
func (h *MetricsHook) OnError(_ context.Context, _ error, _ int)                    { h.ErrorCount++ }
