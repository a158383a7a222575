package service

import (
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/ngoclaw/ngoclaw/gateway/internal/domain/llmadapter"
)

// Guardrail sentinel errors.
var (
	ErrTokenBudgetExceeded = fmt.Errorf("token budget exceeded")
	ErrTimeBudgetExceeded  = fmt.Errorf("run time budget exceeded")
	ErrContextOverflow     = fmt.Errorf("context window overflow")
)

// CostGuard enforces an optional token/time budget. Thread-safe —
// AddTokens may be called from the streaming goroutine while CheckBudget
// is read from the step loop.
type CostGuard struct {
	maxTokens     int64
	currentTokens atomic.Int64
	maxDuration   time.Duration
	startTime     time.Time
	logger        *zap.Logger
}

// NewCostGuard creates a cost guard for the current turn. A zero
// maxTokens/maxDuration disables that half of the check.
func NewCostGuard(maxTokens int64, maxDuration time.Duration, logger *zap.Logger) *CostGuard {
	return &CostGuard{
		maxTokens:   maxTokens,
		maxDuration: maxDuration,
		startTime:   time.Now(),
		logger:      logger,
	}
}

// AddTokens accumulates token usage; returns an error once the budget is
// exceeded.
func (g *CostGuard) AddTokens(n int64) error {
	current := g.currentTokens.Add(n)
	if g.maxTokens > 0 && current > g.maxTokens {
		g.logger.Warn("token budget exceeded",
			zap.Int64("current", current),
			zap.Int64("max", g.maxTokens),
		)
		return ErrTokenBudgetExceeded
	}
	return nil
}

// CheckBudget returns an error once the time budget has elapsed.
func (g *CostGuard) CheckBudget() error {
	if g.maxDuration > 0 && time.Since(g.startTime) > g.maxDuration {
		return ErrTimeBudgetExceeded
	}
	return nil
}

// GetUsage returns current token count and elapsed time.
func (g *CostGuard) GetUsage() (tokens int64, elapsed time.Duration) {
	return g.currentTokens.Load(), time.Since(g.startTime)
}

// ContextGuard monitors context window usage and signals when compaction
// should run.
type ContextGuard struct {
	maxTokens int
	warnRatio float64
	hardRatio float64
	logger    *zap.Logger
}

// NewContextGuard creates a context window guard.
func NewContextGuard(maxTokens int, warnRatio, hardRatio float64, logger *zap.Logger) *ContextGuard {
	return &ContextGuard{
		maxTokens: maxTokens,
		warnRatio: warnRatio,
		hardRatio: hardRatio,
		logger:    logger,
	}
}

// ContextCheckResult holds the result of a context window check.
type ContextCheckResult struct {
	EstimatedTokens int
	MaxTokens       int
	Ratio           float64
	NeedCompaction  bool // hard threshold exceeded — must compact
	Warning         bool // warn threshold exceeded — approaching limit
}

// Check estimates token usage for the messages about to be sent to the
// LLM adapter and returns compaction signals.
func (g *ContextGuard) Check(messages []llmadapter.Message) ContextCheckResult {
	estimated := g.estimateTokens(messages)
	ratio := float64(estimated) / float64(g.maxTokens)

	result := ContextCheckResult{
		EstimatedTokens: estimated,
		MaxTokens:       g.maxTokens,
		Ratio:           ratio,
	}

	if ratio > g.hardRatio {
		result.NeedCompaction = true
		g.logger.Warn("context window exceeds hard threshold",
			zap.Int("tokens", estimated),
			zap.Int("max", g.maxTokens),
			zap.Float64("ratio", ratio),
		)
	} else if ratio > g.warnRatio {
		result.Warning = true
		g.logger.Info("context window approaching limit",
			zap.Int("tokens", estimated),
			zap.Int("max", g.maxTokens),
			zap.Float64("ratio", ratio),
		)
	}

	return result
}

// estimateTokens roughly estimates token count.
// Heuristic: ~3 chars/token (blend of English ~4, CJK ~2).
func (g *ContextGuard) estimateTokens(messages []llmadapter.Message) int {
	total := 0
	for _, msg := range messages {
		total += len(msg.Content) / 3
		for _, tc := range msg.ToolCalls {
			total += len(tc.Name) + len(tc.Arguments)/3 + 50
		}
	}
	total += len(messages) * 4
	return total
}

// LoopDetector detects repeated tool call patterns using two strategies:
//  1. Name-only: the same tool dominates a sliding window regardless of
//     arguments.
//  2. Exact match: the same tool name + identical args appear
//     consecutively.
//
// Neither strategy terminates the loop itself. Both return a reflection
// prompt for injection into the conversation, letting the LLM self-correct
// — the step-loop budgets remain the only hard limits.
type LoopDetector struct {
	recentCalls []string // "name|argsHash" signatures
	windowSize  int
	threshold   int // exact-match threshold (sliding window)

	nameThreshold int
	nameHistory   []string // tool names only, for frequency counting

	logger *zap.Logger
}

// NewLoopDetector creates a loop detector with both name-only and
// exact-match detection. nameThreshold is the count of same-name calls
// within the window before a reflection prompt fires; windowSize/threshold
// govern exact-match (consecutive identical call) detection.
func NewLoopDetector(windowSize, threshold, nameThreshold int, logger *zap.Logger) *LoopDetector {
	return &LoopDetector{
		recentCalls:   make([]string, 0, windowSize),
		windowSize:    windowSize,
		threshold:     threshold,
		nameThreshold: nameThreshold,
		logger:        logger,
	}
}

// RecordName tracks tool name frequency in the sliding window (ignoring
// arguments). Returns a non-empty reflection prompt when the same tool
// appears at least nameThreshold times within the window, even when other
// tools are interleaved (e.g. bash×7 -> fetch -> bash).
func (d *LoopDetector) RecordName(toolName string) string {
	d.nameHistory = append(d.nameHistory, toolName)
	if len(d.nameHistory) > d.windowSize {
		d.nameHistory = d.nameHistory[1:]
	}

	count := 0
	for _, name := range d.nameHistory {
		if name == toolName {
			count++
		}
	}

	if count >= d.nameThreshold {
		d.logger.Warn("same tool dominates sliding window",
			zap.String("tool", toolName),
			zap.Int("count_in_window", count),
			zap.Int("window_size", len(d.nameHistory)),
			zap.Int("threshold", d.nameThreshold),
		)
		return fmt.Sprintf(
			"[SYSTEM] Tool %q has been called %d times in the last %d tool calls. "+
				"You are likely stuck in a retry loop. Stop calling tools and reply "+
				"directly with: (1) what you were trying to do, (2) what went wrong, "+
				"(3) what the user should try instead.",
			toolName, count, len(d.nameHistory),
		)
	}
	return ""
}

// Record adds a tool call to the sliding window and returns a non-empty
// reflection prompt if the exact same call (name + args) appears at least
// threshold times consecutively.
func (d *LoopDetector) Record(toolName string, args ...string) string {
	sig := toolName
	if len(args) > 0 && args[0] != "" {
		sig = toolName + "|" + args[0]
	}

	d.recentCalls = append(d.recentCalls, sig)
	if len(d.recentCalls) > d.windowSize {
		d.recentCalls = d.recentCalls[1:]
	}

	if len(d.recentCalls) < d.threshold {
		return ""
	}

	tail := d.recentCalls[len(d.recentCalls)-d.threshold:]
	allSame := true
	for _, name := range tail {
		if name != tail[0] {
			allSame = false
			break
		}
	}

	if allSame {
		d.logger.Warn("exact tool call loop detected",
			zap.String("tool", toolName),
			zap.String("signature", sig),
			zap.Int("consecutive_calls", d.threshold),
		)
		return fmt.Sprintf(
			"[SYSTEM] Tool %q was called %d times in a row with identical arguments; "+
				"the result will not change. Stop repeating the call — try a different "+
				"approach or report the result to the user directly.",
			toolName, d.threshold,
		)
	}
	return ""
}

// Reset clears all tracking state; call at the start of each turn.
func (d *LoopDetector) Reset() {
	d.recentCalls = d.recentCalls[:0]
	d.nameHistory = d.nameHistory[:0]
}
