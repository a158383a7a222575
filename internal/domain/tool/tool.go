// Package tool implements the Toolset registry: a keyed set of named
// capabilities with JSON-schema contracts and uniform dispatch, plus an
// MCP-server descriptor table (only the static descriptor lives here; the
// transport belongs to the host).
package tool

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Kind classifies what a tool does, driving the Tool Batch's
// human-readable approval description.
type Kind string

const (
	KindRead        Kind = "read"
	KindEdit        Kind = "edit"
	KindExecute     Kind = "execute"
	KindDelete      Kind = "delete"
	KindSearch      Kind = "search"
	KindFetch       Kind = "fetch"
	KindThink       Kind = "think"
	KindCommunicate Kind = "communicate"
)

// ErrorKind is the closed enumeration of tool execution failure modes.
type ErrorKind string

const (
	ErrNotFound          ErrorKind = "not_found"
	ErrInvalidParameters ErrorKind = "invalid_parameters"
	ErrExecution         ErrorKind = "execution"
	ErrMCPServer         ErrorKind = "mcp_server"
	ErrTimeout           ErrorKind = "timeout"
	ErrCancelled         ErrorKind = "cancelled"
)

// Error is the structured error every Execute/Toolset.Execute call returns
// on failure.
type Error struct {
	Kind    ErrorKind
	Tool    string
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("tool %s: %s: %v", e.Tool, e.Message, e.Cause)
	}
	return fmt.Sprintf("tool %s: %s", e.Tool, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

func newError(kind ErrorKind, toolName, message string, cause error) *Error {
	return &Error{Kind: kind, Tool: toolName, Message: message, Cause: cause}
}

// Tool is the contract every externally-supplied capability must satisfy.
// The core neither interprets nor trusts ParametersSchema
// beyond handing it to the LLM and validating arguments against it.
type Tool interface {
	Name() string
	Description() string
	Kind() Kind
	ParametersSchema() map[string]any
	Execute(ctx context.Context, params json.RawMessage) (json.RawMessage, error)
}

// FunctionSchema is the exact `{type:"function", function:{...}}` shape
// the chat-completions API expects in its tools list.
type FunctionSchema struct {
	Type     string       `json:"type"`
	Function FunctionBody `json:"function"`
}

type FunctionBody struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// MCPServerDescriptor is the static, transport-agnostic description of an
// MCP server entry; the transport itself is the host's concern.
type MCPServerDescriptor struct {
	Name    string
	Command string
	Args    []string
	Env     map[string]string
}

// Toolset is the tool registry the agent loop dispatches through.
type Toolset struct {
	mu         sync.RWMutex
	tools      map[string]Tool
	validators map[string]*jsonschema.Schema
	mcpServers map[string]MCPServerDescriptor
}

// NewToolset creates an empty registry.
func NewToolset() *Toolset {
	return &Toolset{
		tools:      make(map[string]Tool),
		validators: make(map[string]*jsonschema.Schema),
		mcpServers: make(map[string]MCPServerDescriptor),
	}
}

// Register adds a tool. Its parameters schema is compiled eagerly so a
// malformed schema fails at registration time, not at first use.
func (t *Toolset) Register(tool Tool) error {
	if tool.Name() == "" {
		return fmt.Errorf("tool: name must not be empty")
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.tools[tool.Name()]; exists {
		return fmt.Errorf("tool: %s already registered", tool.Name())
	}

	validator, err := compileSchema(tool.Name(), tool.ParametersSchema())
	if err != nil {
		return err
	}

	t.tools[tool.Name()] = tool
	t.validators[tool.Name()] = validator
	return nil
}

// Unregister removes a tool by name.
func (t *Toolset) Unregister(name string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.tools, name)
	delete(t.validators, name)
}

// Get returns the tool registered under name, if any.
func (t *Toolset) Get(name string) (Tool, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	tool, ok := t.tools[name]
	return tool, ok
}

// Contains reports whether name is registered.
func (t *Toolset) Contains(name string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.tools[name]
	return ok
}

// RegisterMCPServer records a static MCP server descriptor for discovery
// purposes; the transport itself is out of this core's scope.
func (t *Toolset) RegisterMCPServer(d MCPServerDescriptor) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.mcpServers[d.Name] = d
}

// MCPServers returns the registered MCP server descriptors.
func (t *Toolset) MCPServers() []MCPServerDescriptor {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]MCPServerDescriptor, 0, len(t.mcpServers))
	for _, d := range t.mcpServers {
		out = append(out, d)
	}
	return out
}

// Execute parses params as JSON, validates it against the tool's schema,
// and dispatches to the tool. Every failure mode returns a *Error with the
// appropriate closed-enumeration Kind.
func (t *Toolset) Execute(ctx context.Context, name string, params json.RawMessage) (json.RawMessage, error) {
	t.mu.RLock()
	tool, ok := t.tools[name]
	validator := t.validators[name]
	t.mu.RUnlock()

	if !ok {
		return nil, newError(ErrNotFound, name, "tool not registered", nil)
	}

	var decoded any
	if err := json.Unmarshal(params, &decoded); err != nil {
		return nil, newError(ErrInvalidParameters, name, "arguments are not valid JSON", err)
	}
	if validator != nil {
		if err := validator.Validate(decoded); err != nil {
			return nil, newError(ErrInvalidParameters, name, "arguments do not match schema", err)
		}
	}

	out, err := tool.Execute(ctx, params)
	if err != nil {
		if ctx.Err() != nil {
			if ctx.Err() == context.DeadlineExceeded {
				return nil, newError(ErrTimeout, name, "execution timed out", err)
			}
			return nil, newError(ErrCancelled, name, "execution cancelled", err)
		}
		var te *Error
		if asError(err, &te) {
			return nil, te
		}
		return nil, newError(ErrExecution, name, "execution failed", err)
	}
	return out, nil
}

// Schemas returns the current registration set as LLM-ready function
// schemas; it reflects the set after every mutation.
func (t *Toolset) Schemas() []FunctionSchema {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]FunctionSchema, 0, len(t.tools))
	for _, tool := range t.tools {
		out = append(out, FunctionSchema{
			Type: "function",
			Function: FunctionBody{
				Name:        tool.Name(),
				Description: tool.Description(),
				Parameters:  tool.ParametersSchema(),
			},
		})
	}
	return out
}

func compileSchema(name string, schema map[string]any) (*jsonschema.Schema, error) {
	if len(schema) == 0 {
		return nil, nil
	}
	raw, err := json.Marshal(schema)
	if err != nil {
		return nil, fmt.Errorf("tool %s: marshal schema: %w", name, err)
	}
	compiler := jsonschema.NewCompiler()
	resource := "tool://" + name + "/schema.json"
	if err := compiler.AddResource(resource, bytes.NewReader(raw)); err != nil {
		return nil, fmt.Errorf("tool %s: add schema resource: %w", name, err)
	}
	compiled, err := compiler.Compile(resource)
	if err != nil {
		return nil, fmt.Errorf("tool %s: compile schema: %w", name, err)
	}
	return compiled, nil
}

// asError is a small errors.As wrapper kept local to avoid importing
// "errors" solely for this one call site elsewhere in the package.
func asError(err error, target **Error) bool {
	for err != nil {
		if te, ok := err.(*Error); ok {
			*target = te
			return true
		}
		unwrapper, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = unwrapper.Unwrap()
	}
	return false
}
