// Package metrics exposes the agent core's runtime counters as Prometheus
// collectors: LLM calls, tool executions, step counts, errors, and the
// context-usage data StatusUpdate events carry.
package metrics

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ngoclaw/ngoclaw/gateway/internal/domain/service"
)

// Collector owns a private registry so embedding hosts can expose several
// agents side by side without collector-name collisions.
type Collector struct {
	registry *prometheus.Registry

	llmCalls   prometheus.Counter
	toolCalls  *prometheus.CounterVec
	toolErrors *prometheus.CounterVec
	turnErrors prometheus.Counter
	turns      prometheus.Counter
	steps      prometheus.Counter

	tokenUsage   prometheus.Gauge
	contextUsage prometheus.Gauge
	state        *prometheus.GaugeVec
}

// NewCollector builds and registers every collector.
func NewCollector() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		llmCalls: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "agent_llm_calls_total",
			Help: "Completed LLM streaming calls.",
		}),
		toolCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "agent_tool_calls_total",
			Help: "Tool executions by tool name.",
		}, []string{"tool"}),
		toolErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "agent_tool_errors_total",
			Help: "Failed tool executions by tool name.",
		}, []string{"tool"}),
		turnErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "agent_turn_errors_total",
			Help: "Failed LLM calls that ended a turn, including interrupted and timed-out turns.",
		}),
		turns: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "agent_turns_total",
			Help: "Turns run through the agent loop, whatever their outcome.",
		}),
		steps: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "agent_steps_total",
			Help: "Agent loop steps across all turns.",
		}),
		tokenUsage: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "agent_token_usage",
			Help: "Approximate transcript token count.",
		}),
		contextUsage: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "agent_context_usage_ratio",
			Help: "Estimated share of the context window in use.",
		}),
		state: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "agent_state",
			Help: "Current turn phase (1 for the active state, 0 otherwise).",
		}, []string{"state"}),
	}
	c.registry.MustRegister(
		c.llmCalls, c.toolCalls, c.toolErrors, c.turnErrors,
		c.turns, c.steps, c.tokenUsage, c.contextUsage, c.state,
	)
	return c
}

// Handler serves the /metrics scrape endpoint.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// SetTokenUsage records the transcript's current token count.
func (c *Collector) SetTokenUsage(tokens int) {
	c.tokenUsage.Set(float64(tokens))
}

// SetContextUsage records the estimated context-window fill ratio.
func (c *Collector) SetContextUsage(ratio float64) {
	c.contextUsage.Set(ratio)
}

// Hook adapts the Collector to the agent loop's lifecycle hook interface.
type Hook struct {
	service.NoOpHook
	c *Collector
}

// NewHook wraps c as an AgentHook.
func NewHook(c *Collector) *Hook {
	return &Hook{c: c}
}

var _ service.AgentHook = (*Hook)(nil)

func (h *Hook) AfterLLMCall(_ context.Context, _ *service.ModelResponse, _ int) {
	h.c.llmCalls.Inc()
	h.c.steps.Inc()
}

func (h *Hook) AfterToolCall(_ context.Context, toolName string, _ string, success bool) {
	h.c.toolCalls.WithLabelValues(toolName).Inc()
	if !success {
		h.c.toolErrors.WithLabelValues(toolName).Inc()
	}
}

func (h *Hook) OnError(_ context.Context, _ error, _ int) {
	h.c.turnErrors.Inc()
}

func (h *Hook) OnComplete(_ context.Context, _ *service.AgentResult) {
	h.c.turns.Inc()
}

func (h *Hook) OnStateChange(from, to service.AgentState, _ service.StateSnapshot) {
	h.c.state.WithLabelValues(string(from)).Set(0)
	h.c.state.WithLabelValues(string(to)).Set(1)
}
