package tool

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"

	domaintool "github.com/ngoclaw/ngoclaw/gateway/internal/domain/tool"
	"github.com/ngoclaw/ngoclaw/gateway/internal/infrastructure/sandbox"
)

func newWorkspace(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "hello.txt"), []byte("hello world\nsecond line\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	return dir
}

func TestRegisterBuiltins(t *testing.T) {
	ws := newWorkspace(t)
	ts := domaintool.NewToolset()
	sb, err := sandbox.NewProcessSandbox(&sandbox.Config{
		WorkDir:     ws,
		Timeout:     5 * time.Second,
		AllowedBins: []string{"bash"},
		TempDir:     t.TempDir(),
	}, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}

	if err := RegisterBuiltins(ts, sb, ws, zap.NewNop()); err != nil {
		t.Fatalf("register: %v", err)
	}
	for _, name := range []string{"read_file", "write_file", "list_dir", "grep_search", "bash"} {
		if !ts.Contains(name) {
			t.Errorf("builtin %s missing", name)
		}
	}
}

func TestReadFileTool(t *testing.T) {
	ws := newWorkspace(t)
	tool := &ReadFileTool{workspace: ws}

	out, err := tool.Execute(context.Background(), json.RawMessage(`{"path":"hello.txt"}`))
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	var result struct {
		Content   string `json:"content"`
		Truncated bool   `json:"truncated"`
	}
	if err := json.Unmarshal(out, &result); err != nil {
		t.Fatal(err)
	}
	if result.Content != "hello world\nsecond line\n" || result.Truncated {
		t.Errorf("unexpected result: %+v", result)
	}
}

func TestReadFileRejectsEscape(t *testing.T) {
	tool := &ReadFileTool{workspace: newWorkspace(t)}
	if _, err := tool.Execute(context.Background(), json.RawMessage(`{"path":"../../etc/passwd"}`)); err == nil {
		t.Fatal("path escape must be rejected")
	}
}

func TestWriteThenReadRoundTrip(t *testing.T) {
	ws := newWorkspace(t)
	w := &WriteFileTool{workspace: ws}
	r := &ReadFileTool{workspace: ws}

	if _, err := w.Execute(context.Background(), json.RawMessage(`{"path":"sub/dir/out.txt","content":"written"}`)); err != nil {
		t.Fatalf("write: %v", err)
	}
	out, err := r.Execute(context.Background(), json.RawMessage(`{"path":"sub/dir/out.txt"}`))
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	var result struct {
		Content string `json:"content"`
	}
	_ = json.Unmarshal(out, &result)
	if result.Content != "written" {
		t.Errorf("round trip: %q", result.Content)
	}
}

func TestListDirTool(t *testing.T) {
	ws := newWorkspace(t)
	_ = os.MkdirAll(filepath.Join(ws, "child"), 0o755)
	tool := &ListDirTool{workspace: ws}

	out, err := tool.Execute(context.Background(), json.RawMessage(`{}`))
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	var result struct {
		Entries []string `json:"entries"`
	}
	_ = json.Unmarshal(out, &result)

	var sawFile, sawDir bool
	for _, e := range result.Entries {
		if e == "hello.txt" {
			sawFile = true
		}
		if e == "child/" {
			sawDir = true
		}
	}
	if !sawFile || !sawDir {
		t.Errorf("entries incomplete: %v", result.Entries)
	}
}

func TestGrepSearchTool(t *testing.T) {
	ws := newWorkspace(t)
	tool := &GrepSearchTool{workspace: ws}

	out, err := tool.Execute(context.Background(), json.RawMessage(`{"query":"second"}`))
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	var result struct {
		Matches []string `json:"matches"`
	}
	_ = json.Unmarshal(out, &result)
	if len(result.Matches) != 1 || result.Matches[0] != "hello.txt:2:second line" {
		t.Errorf("matches: %v", result.Matches)
	}
}

func TestTruncateOutputKeepsHeadAndTail(t *testing.T) {
	s := ""
	for i := 0; i < 100; i++ {
		s += "0123456789"
	}
	out := truncateOutput(s, 100)
	if len(out) >= len(s) {
		t.Error("oversized output must shrink")
	}
	if out[:10] != "0123456789" || out[len(out)-10:] != "0123456789" {
		t.Error("head and tail must survive truncation")
	}
}
