package service

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// AgentState is one phase of a turn. The loop drives one machine per turn;
// hosts observe transitions through AgentHook.OnStateChange.
type AgentState string

const (
	StateIdle             AgentState = "idle"              // turn created, nothing sent yet
	StateStreaming        AgentState = "streaming"         // consuming an LLM stream
	StateToolExec         AgentState = "tool_exec"         // running the tool batch
	StateAwaitingApproval AgentState = "awaiting_approval" // blocked on the approval gate
	StateCompacting       AgentState = "compacting"        // applying the compaction policy
	StateRetrying         AgentState = "retrying"          // waiting out a retry backoff
	StateComplete         AgentState = "complete"          // turn finished cleanly
	StateError            AgentState = "error"             // turn finished with a fatal error
	StateAborted          AgentState = "aborted"           // turn cancelled
)

// validTransitions defines the allowed moves. Key = from, value = allowed
// targets. Compaction and budget checks run at the top of an iteration,
// so Compacting is reachable from Idle (before the first stream) and from
// ToolExec (between steps); it is not reachable from Streaming.
var validTransitions = map[AgentState]map[AgentState]bool{
	StateIdle: {
		StateStreaming:  true,
		StateCompacting: true,
		StateComplete:   true, // turn resolved by a rollback before any stream
		StateError:      true,
		StateAborted:    true,
	},
	StateStreaming: {
		StateToolExec:   true,
		StateRetrying:   true,
		StateComplete:   true,
		StateError:      true,
		StateAborted:    true,
	},
	StateToolExec: {
		StateAwaitingApproval: true,
		StateStreaming:        true,
		StateCompacting:       true,
		StateError:            true,
		StateAborted:          true,
	},
	StateAwaitingApproval: {
		StateToolExec: true,
		StateAborted:  true,
	},
	StateCompacting: {
		StateStreaming: true,
		StateError:     true,
		StateAborted:   true,
	},
	StateRetrying: {
		StateStreaming: true,
		StateError:     true,
		StateAborted:   true,
	},
	// Terminal states — no transitions out
	StateComplete: {},
	StateError:    {},
	StateAborted:  {},
}

// StateSnapshot captures the turn's runtime state at a point in time.
type StateSnapshot struct {
	State         AgentState    `json:"state"`
	Step          int           `json:"step"`
	MaxSteps      int           `json:"max_steps"` // 0 = unlimited
	ToolsExecuted int           `json:"tools_executed"`
	RetryCount    int           `json:"retry_count"`
	ErrorCount    int           `json:"error_count"`
	Elapsed       time.Duration `json:"elapsed"`
	ModelUsed     string        `json:"model_used,omitempty"`
	LastTool      string        `json:"last_tool,omitempty"`
}

// StateMachine tracks one turn's phase transitions. Thread-safe — the CLI
// reads state concurrently while the loop mutates it.
type StateMachine struct {
	mu            sync.RWMutex
	state         AgentState
	step          int
	maxSteps      int
	toolsExecuted int
	retryCount    int
	errorCount    int
	startTime     time.Time
	modelUsed     string
	lastTool      string
	logger        *zap.Logger

	listeners []func(from, to AgentState, snap StateSnapshot)
}

// NewStateMachine creates a machine starting in Idle.
func NewStateMachine(maxSteps int, logger *zap.Logger) *StateMachine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StateMachine{
		state:     StateIdle,
		maxSteps:  maxSteps,
		startTime: time.Now(),
		logger:    logger,
	}
}

// State returns the current state.
func (sm *StateMachine) State() AgentState {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.state
}

// Snapshot returns a full copy of the current runtime state.
func (sm *StateMachine) Snapshot() StateSnapshot {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.snapshotLocked()
}

func (sm *StateMachine) snapshotLocked() StateSnapshot {
	return StateSnapshot{
		State:         sm.state,
		Step:          sm.step,
		MaxSteps:      sm.maxSteps,
		ToolsExecuted: sm.toolsExecuted,
		RetryCount:    sm.retryCount,
		ErrorCount:    sm.errorCount,
		Elapsed:       time.Since(sm.startTime),
		ModelUsed:     sm.modelUsed,
		LastTool:      sm.lastTool,
	}
}

// Transition attempts to move to a new state, returning an error if the
// move is not allowed from the current state.
func (sm *StateMachine) Transition(to AgentState) error {
	sm.mu.Lock()
	from := sm.state

	allowed, ok := validTransitions[from]
	if !ok || !allowed[to] {
		sm.mu.Unlock()
		err := fmt.Errorf("invalid state transition: %s → %s", from, to)
		sm.logger.Error("State machine violation", zap.Error(err))
		return err
	}

	sm.state = to
	snap := sm.snapshotLocked()
	listeners := make([]func(from, to AgentState, snap StateSnapshot), len(sm.listeners))
	copy(listeners, sm.listeners)
	sm.mu.Unlock()

	sm.logger.Debug("State transition",
		zap.String("from", string(from)),
		zap.String("to", string(to)),
		zap.Int("step", snap.Step),
	)

	// Notify listeners outside lock
	for _, fn := range listeners {
		fn(from, to, snap)
	}

	return nil
}

// OnTransition registers a listener called on every state change.
func (sm *StateMachine) OnTransition(fn func(from, to AgentState, snap StateSnapshot)) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.listeners = append(sm.listeners, fn)
}

// --- Mutation helpers (all thread-safe) ---

// SetStep updates the current step counter.
func (sm *StateMachine) SetStep(step int) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.step = step
}

// RecordToolExec records a tool execution.
func (sm *StateMachine) RecordToolExec(toolName string) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.toolsExecuted++
	sm.lastTool = toolName
}

// RecordRetry increments the retry counter.
func (sm *StateMachine) RecordRetry() {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.retryCount++
}

// RecordError increments the error counter.
func (sm *StateMachine) RecordError() {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.errorCount++
}

// SetModel sets the model identifier.
func (sm *StateMachine) SetModel(model string) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.modelUsed = model
}

// IsTerminal reports whether the machine reached a terminal state.
func (sm *StateMachine) IsTerminal() bool {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	switch sm.state {
	case StateComplete, StateError, StateAborted:
		return true
	}
	return false
}
