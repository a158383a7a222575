// Package slashcmd implements the slash-command registry the Agent Loop
// checks before its normal flow: if the user input is a slash command,
// dispatch it and return without touching the LLM or transcript pipeline.
// It lives in the domain layer, not the CLI, so dispatch is part of the
// loop's own contract rather than a presentation-only concern.
package slashcmd

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// Command is a parsed slash command: the name after "/" and its
// whitespace-separated arguments.
type Command struct {
	Name string
	Args []string
}

// Parse extracts a Command from raw user input. ok is false when input
// isn't a slash command at all, in which case the Agent Loop proceeds to
// its normal LLM-turn flow.
func Parse(input string) (cmd Command, ok bool) {
	input = strings.TrimSpace(input)
	if !strings.HasPrefix(input, "/") {
		return Command{}, false
	}
	fields := strings.Fields(input)
	if len(fields) == 0 {
		return Command{}, false
	}
	name := strings.TrimPrefix(fields[0], "/")
	if name == "" {
		return Command{}, false
	}
	var args []string
	if len(fields) > 1 {
		args = fields[1:]
	}
	return Command{Name: name, Args: args}, true
}

// Result is what dispatching a command produces: text for the caller to
// display, plus two flags recording what the command did (Quit: /exit ran;
// Reset: the transcript was cleared through ResetFn). The Agent Loop passes
// on only Output; hosts observe /exit through Deps.QuitFn.
type Result struct {
	Output string
	Quit   bool
	Reset  bool
}

// Handler executes one command and produces its Result.
type Handler func(ctx context.Context, cmd Command) Result

// Registry maps command names (and aliases) to Handlers. The built-in set
// is open-ended so a host can add commands without touching the loop.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
	order    []string
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register binds name and any aliases to h. Registering an already-bound
// name overwrites the prior handler.
func (r *Registry) Register(name string, aliases []string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handlers[name]; !exists {
		r.order = append(r.order, name)
	}
	r.handlers[name] = h
	for _, alias := range aliases {
		r.handlers[alias] = h
	}
}

// Dispatch runs the handler bound to cmd.Name, if any.
func (r *Registry) Dispatch(ctx context.Context, cmd Command) (Result, bool) {
	r.mu.RLock()
	h, ok := r.handlers[cmd.Name]
	r.mu.RUnlock()
	if !ok {
		return Result{}, false
	}
	return h(ctx, cmd), true
}

// Names returns the primary (non-alias) command names in registration
// order, for help rendering.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// Status reports the fields the built-in /status command renders; a host
// supplies these via closures so this package stays free of a dependency
// on the transcript/session types.
type Status struct {
	Model      string
	ToolCount  int
	TokenCount int
	StepCount  int
}

// Deps are the callbacks the default built-in set needs. CompactFn and
// ResetFn perform the actual transcript mutation; StatusFn reports current
// state for /status; QuitFn (optional) lets the host observe /exit, since
// the Agent Loop returns only the handler's output text.
type Deps struct {
	StatusFn  func() Status
	CompactFn func(ctx context.Context) error
	ResetFn   func(ctx context.Context)
	QuitFn    func()
}

// NewDefault builds a Registry with the built-in commands (help, compact,
// reset) plus the usual CLI conveniences (status, version, exit).
func NewDefault(deps Deps, version string) *Registry {
	r := NewRegistry()

	r.Register("help", []string{"h"}, func(_ context.Context, _ Command) Result {
		return Result{Output: renderHelp(r)}
	})

	r.Register("exit", []string{"quit", "q"}, func(_ context.Context, _ Command) Result {
		if deps.QuitFn != nil {
			deps.QuitFn()
		}
		return Result{Quit: true}
	})

	r.Register("new", []string{"reset"}, func(ctx context.Context, _ Command) Result {
		if deps.ResetFn != nil {
			deps.ResetFn(ctx)
		}
		return Result{Output: "Conversation history cleared.", Reset: true}
	})

	r.Register("status", []string{"s"}, func(_ context.Context, _ Command) Result {
		if deps.StatusFn == nil {
			return Result{Output: "status unavailable"}
		}
		st := deps.StatusFn()
		return Result{Output: fmt.Sprintf(
			"model: %s\ntools loaded: %d\ntokens used: %d\nsteps: %d",
			st.Model, st.ToolCount, st.TokenCount, st.StepCount,
		)}
	})

	r.Register("compact", nil, func(ctx context.Context, _ Command) Result {
		if deps.CompactFn == nil {
			return Result{Output: "compaction unavailable"}
		}
		if err := deps.CompactFn(ctx); err != nil {
			return Result{Output: fmt.Sprintf("compaction failed: %v", err)}
		}
		return Result{Output: "Context compacted."}
	})

	r.Register("version", nil, func(_ context.Context, _ Command) Result {
		return Result{Output: fmt.Sprintf("kimi-cli %s", version)}
	})

	return r
}

func renderHelp(r *Registry) string {
	var sb strings.Builder
	sb.WriteString("Available commands:\n")
	for _, name := range r.Names() {
		sb.WriteString("  /")
		sb.WriteString(name)
		sb.WriteString("\n")
	}
	return sb.String()
}
