// Package tool supplies the built-in capabilities the CLI registers into
// the domain Toolset: file access, directory listing, content search, and
// sandboxed shell execution. Each tool returns its output as a serialised
// JSON value, which the agent loop folds verbatim into a tool-role message.
package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	domaintool "github.com/ngoclaw/ngoclaw/gateway/internal/domain/tool"
	"github.com/ngoclaw/ngoclaw/gateway/internal/infrastructure/sandbox"
)

const maxFileReadBytes = 256 * 1024

// RegisterBuiltins installs every built-in tool into ts.
func RegisterBuiltins(ts *domaintool.Toolset, sb *sandbox.ProcessSandbox, workspace string, logger *zap.Logger) error {
	tools := []domaintool.Tool{
		&ReadFileTool{workspace: workspace},
		&WriteFileTool{workspace: workspace},
		&ListDirTool{workspace: workspace},
		&GrepSearchTool{workspace: workspace},
		NewBashTool(sb, logger),
	}
	for _, t := range tools {
		if err := ts.Register(t); err != nil {
			return fmt.Errorf("register %s: %w", t.Name(), err)
		}
	}
	return nil
}

// resolvePath anchors relative paths at the workspace and rejects escapes
// above it.
func resolvePath(workspace, path string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("path is required")
	}
	if !filepath.IsAbs(path) {
		path = filepath.Join(workspace, path)
	}
	clean := filepath.Clean(path)
	absWorkspace, err := filepath.Abs(workspace)
	if err != nil {
		return "", err
	}
	if !strings.HasPrefix(clean, absWorkspace+string(filepath.Separator)) && clean != absWorkspace {
		return "", fmt.Errorf("path %s is outside the workspace", path)
	}
	return clean, nil
}

// ─── read_file ───

type ReadFileTool struct {
	workspace string
}

func (t *ReadFileTool) Name() string          { return "read_file" }
func (t *ReadFileTool) Kind() domaintool.Kind { return domaintool.KindRead }

func (t *ReadFileTool) Description() string {
	return "Read a text file from the workspace. Returns at most 256KB; larger files are truncated."
}

func (t *ReadFileTool) ParametersSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path": map[string]any{
				"type":        "string",
				"description": "File path, absolute or relative to the workspace",
			},
		},
		"required": []any{"path"},
	}
}

func (t *ReadFileTool) Execute(ctx context.Context, params json.RawMessage) (json.RawMessage, error) {
	var args struct {
		Path string `json:"path"`
	}
	if err := json.Unmarshal(params, &args); err != nil {
		return nil, err
	}
	path, err := resolvePath(t.workspace, args.Path)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	truncated := false
	if len(data) > maxFileReadBytes {
		data = data[:maxFileReadBytes]
		truncated = true
	}
	return json.Marshal(map[string]any{
		"path":      path,
		"content":   string(data),
		"truncated": truncated,
	})
}

// ─── write_file ───

type WriteFileTool struct {
	workspace string
}

func (t *WriteFileTool) Name() string          { return "write_file" }
func (t *WriteFileTool) Kind() domaintool.Kind { return domaintool.KindEdit }

func (t *WriteFileTool) Description() string {
	return "Write content to a file in the workspace, creating parent directories as needed. Overwrites existing files."
}

func (t *WriteFileTool) ParametersSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path": map[string]any{
				"type":        "string",
				"description": "File path, absolute or relative to the workspace",
			},
			"content": map[string]any{
				"type":        "string",
				"description": "Full file content to write",
			},
		},
		"required": []any{"path", "content"},
	}
}

func (t *WriteFileTool) Execute(ctx context.Context, params json.RawMessage) (json.RawMessage, error) {
	var args struct {
		Path    string `json:"path"`
		Content string `json:"content"`
	}
	if err := json.Unmarshal(params, &args); err != nil {
		return nil, err
	}
	path, err := resolvePath(t.workspace, args.Path)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, []byte(args.Content), 0644); err != nil {
		return nil, err
	}
	return json.Marshal(map[string]any{
		"path":    path,
		"written": len(args.Content),
	})
}

// ─── list_dir ───

type ListDirTool struct {
	workspace string
}

func (t *ListDirTool) Name() string          { return "list_dir" }
func (t *ListDirTool) Kind() domaintool.Kind { return domaintool.KindRead }

func (t *ListDirTool) Description() string {
	return "List the entries of a workspace directory. Directories are suffixed with '/'."
}

func (t *ListDirTool) ParametersSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path": map[string]any{
				"type":        "string",
				"description": "Directory path, defaults to the workspace root",
			},
		},
	}
}

func (t *ListDirTool) Execute(ctx context.Context, params json.RawMessage) (json.RawMessage, error) {
	var args struct {
		Path string `json:"path"`
	}
	if err := json.Unmarshal(params, &args); err != nil {
		return nil, err
	}
	if args.Path == "" {
		args.Path = "."
	}
	path, err := resolvePath(t.workspace, args.Path)
	if err != nil {
		return nil, err
	}

	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() {
			name += "/"
		}
		names = append(names, name)
	}
	return json.Marshal(map[string]any{
		"path":    path,
		"entries": names,
	})
}

// ─── grep_search ───

type GrepSearchTool struct {
	workspace string
}

func (t *GrepSearchTool) Name() string          { return "grep_search" }
func (t *GrepSearchTool) Kind() domaintool.Kind { return domaintool.KindSearch }

func (t *GrepSearchTool) Description() string {
	return "Search workspace files for a substring. Returns matching lines as file:line:text, capped at 200 matches."
}

func (t *GrepSearchTool) ParametersSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"query": map[string]any{
				"type":        "string",
				"description": "Substring to search for",
			},
			"path": map[string]any{
				"type":        "string",
				"description": "Directory to search, defaults to the workspace root",
			},
		},
		"required": []any{"query"},
	}
}

const maxGrepMatches = 200

func (t *GrepSearchTool) Execute(ctx context.Context, params json.RawMessage) (json.RawMessage, error) {
	var args struct {
		Query string `json:"query"`
		Path  string `json:"path"`
	}
	if err := json.Unmarshal(params, &args); err != nil {
		return nil, err
	}
	if args.Query == "" {
		return nil, fmt.Errorf("query is required")
	}
	if args.Path == "" {
		args.Path = "."
	}
	root, err := resolvePath(t.workspace, args.Path)
	if err != nil {
		return nil, err
	}

	var matches []string
	err = filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil // skip unreadable entries
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() {
			name := d.Name()
			if name == ".git" || name == "node_modules" || name == ".kimi" {
				return filepath.SkipDir
			}
			return nil
		}
		if len(matches) >= maxGrepMatches {
			return filepath.SkipAll
		}
		data, err := os.ReadFile(path)
		if err != nil || !strings.Contains(string(data), args.Query) {
			return nil
		}
		rel, _ := filepath.Rel(root, path)
		for i, line := range strings.Split(string(data), "\n") {
			if strings.Contains(line, args.Query) {
				matches = append(matches, fmt.Sprintf("%s:%d:%s", rel, i+1, strings.TrimSpace(line)))
				if len(matches) >= maxGrepMatches {
					break
				}
			}
		}
		return nil
	})
	if err != nil && ctx.Err() != nil {
		return nil, err
	}

	return json.Marshal(map[string]any{
		"query":   args.Query,
		"matches": matches,
	})
}

// ─── bash ───

// BashTool runs shell commands through the process sandbox.
type BashTool struct {
	sandbox *sandbox.ProcessSandbox
	logger  *zap.Logger
}

func NewBashTool(sb *sandbox.ProcessSandbox, logger *zap.Logger) *BashTool {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &BashTool{sandbox: sb, logger: logger}
}

func (t *BashTool) Name() string          { return "bash" }
func (t *BashTool) Kind() domaintool.Kind { return domaintool.KindExecute }

func (t *BashTool) Description() string {
	return `Execute a bash command in a sandboxed environment.
Constraints:
- Commands are killed after the sandbox timeout; avoid interactive or long-running commands (top, watch, tail -f).
- If a command fails twice with the same error, stop retrying and report the issue.
- Prefer simple, targeted commands over complex pipelines.`
}

func (t *BashTool) ParametersSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"command": map[string]any{
				"type":        "string",
				"description": "The bash command to execute",
			},
			"work_dir": map[string]any{
				"type":        "string",
				"description": "Optional working directory for the command",
			},
		},
		"required": []any{"command"},
	}
}

func (t *BashTool) Execute(ctx context.Context, params json.RawMessage) (json.RawMessage, error) {
	var args struct {
		Command string `json:"command"`
		WorkDir string `json:"work_dir"`
	}
	if err := json.Unmarshal(params, &args); err != nil {
		return nil, err
	}
	if args.Command == "" {
		return nil, fmt.Errorf("command is required")
	}
	if args.WorkDir != "" {
		if err := t.sandbox.SetWorkDir(args.WorkDir); err != nil {
			return nil, err
		}
	}

	t.logger.Debug("executing bash command", zap.String("command", args.Command))

	result, err := t.sandbox.ExecuteShell(ctx, args.Command)
	if err != nil && result == nil {
		return nil, err
	}

	output := result.Stdout
	if result.Stderr != "" {
		output += "\n[stderr]\n" + result.Stderr
	}
	return json.Marshal(map[string]any{
		"output":    truncateOutput(output, 16*1024),
		"exit_code": result.ExitCode,
		"duration":  result.Duration.String(),
		"killed":    result.Killed,
	})
}

// truncateOutput keeps the head and tail of oversized command output so
// the model still sees both the start and the final error lines.
func truncateOutput(s string, max int) string {
	if len(s) <= max {
		return s
	}
	half := max / 2
	return s[:half] + fmt.Sprintf("\n... (%d bytes omitted) ...\n", len(s)-max) + s[len(s)-half:]
}
