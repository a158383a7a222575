package kimi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"go.uber.org/zap"

	"github.com/ngoclaw/ngoclaw/gateway/internal/domain/llmadapter"
)

func sseResponse(lines ...string) *http.Response {
	body := strings.Join(lines, "\n") + "\n"
	return &http.Response{
		StatusCode: http.StatusOK,
		Body:       io.NopCloser(strings.NewReader(body)),
	}
}

func collect(t *testing.T, s llmadapter.Stream) []llmadapter.Chunk {
	t.Helper()
	var out []llmadapter.Chunk
	for {
		c, ok := s.Next(context.Background())
		if !ok {
			break
		}
		out = append(out, c)
	}
	return out
}

func TestStreamTextFragments(t *testing.T) {
	s := newStream(context.Background(), sseResponse(
		`data: {"choices":[{"delta":{"role":"assistant","content":"Hel"}}]}`,
		`data: {"choices":[{"delta":{"content":"lo"}}]}`,
		`data: [DONE]`,
	), zap.NewNop())
	defer s.Close()

	chunks := collect(t, s)
	if err := s.Err(); err != nil {
		t.Fatalf("stream error: %v", err)
	}
	if len(chunks) != 2 {
		t.Fatalf("expected 2 chunks, got %d: %+v", len(chunks), chunks)
	}
	var text string
	for _, c := range chunks {
		if c.Kind != llmadapter.ChunkText {
			t.Errorf("unexpected chunk kind %d", c.Kind)
		}
		text += c.Fragment
	}
	if text != "Hello" {
		t.Errorf("concatenated text: %q", text)
	}
}

func TestStreamReasoningContent(t *testing.T) {
	s := newStream(context.Background(), sseResponse(
		`data: {"choices":[{"delta":{"reasoning_content":"thinking"}}]}`,
		`data: {"choices":[{"delta":{"content":"answer"}}]}`,
		`data: [DONE]`,
	), zap.NewNop())
	defer s.Close()

	chunks := collect(t, s)
	if len(chunks) != 2 {
		t.Fatalf("expected 2 chunks, got %d", len(chunks))
	}
	if chunks[0].Kind != llmadapter.ChunkThinking || chunks[0].Fragment != "thinking" {
		t.Errorf("chunk 0: %+v", chunks[0])
	}
	if chunks[1].Kind != llmadapter.ChunkText {
		t.Errorf("chunk 1: %+v", chunks[1])
	}
}

// Tool-call fragments accumulate by index; the terminal ChunkToolCall must
// carry the complete arguments JSON.
func TestStreamToolCallAccumulation(t *testing.T) {
	s := newStream(context.Background(), sseResponse(
		`data: {"choices":[{"delta":{"tool_calls":[{"index":0,"id":"t1","function":{"name":"echo","arguments":"{\"ms"}}]}}]}`,
		`data: {"choices":[{"delta":{"tool_calls":[{"index":0,"function":{"arguments":"g\":\"hi\"}"}}]}}]}`,
		`data: {"choices":[{"delta":{},"finish_reason":"tool_calls"}]}`,
		`data: [DONE]`,
	), zap.NewNop())
	defer s.Close()

	chunks := collect(t, s)
	if err := s.Err(); err != nil {
		t.Fatalf("stream error: %v", err)
	}

	var parts, terminals []llmadapter.Chunk
	for _, c := range chunks {
		switch c.Kind {
		case llmadapter.ChunkToolCallPart:
			parts = append(parts, c)
		case llmadapter.ChunkToolCall:
			terminals = append(terminals, c)
		}
	}
	if len(parts) != 2 {
		t.Errorf("expected 2 part chunks, got %d", len(parts))
	}
	if len(terminals) != 1 {
		t.Fatalf("expected exactly 1 terminal tool call, got %d", len(terminals))
	}
	tc := terminals[0]
	if tc.ID != "t1" || tc.Name != "echo" || tc.Arguments != `{"msg":"hi"}` {
		t.Errorf("terminal tool call wrong: %+v", tc)
	}
}

func TestStreamMultipleToolCallsKeepOrder(t *testing.T) {
	s := newStream(context.Background(), sseResponse(
		`data: {"choices":[{"delta":{"tool_calls":[{"index":0,"id":"a","function":{"name":"one","arguments":"{}"}}]}}]}`,
		`data: {"choices":[{"delta":{"tool_calls":[{"index":1,"id":"b","function":{"name":"two","arguments":"{}"}}]}}]}`,
		`data: [DONE]`,
	), zap.NewNop())
	defer s.Close()

	var terminals []llmadapter.Chunk
	for _, c := range collect(t, s) {
		if c.Kind == llmadapter.ChunkToolCall {
			terminals = append(terminals, c)
		}
	}
	if len(terminals) != 2 || terminals[0].Name != "one" || terminals[1].Name != "two" {
		t.Fatalf("terminal order wrong: %+v", terminals)
	}
}

// A malformed JSON chunk is skipped and parsing continues.
func TestStreamSkipsMalformedChunk(t *testing.T) {
	s := newStream(context.Background(), sseResponse(
		`data: {"choices":[{"delta":{"content":"a"}}]}`,
		`data: {not valid json`,
		`data: {"choices":[{"delta":{"content":"b"}}]}`,
		`data: [DONE]`,
	), zap.NewNop())
	defer s.Close()

	chunks := collect(t, s)
	if err := s.Err(); err != nil {
		t.Fatalf("stream error: %v", err)
	}
	var text string
	for _, c := range chunks {
		text += c.Fragment
	}
	if text != "ab" {
		t.Errorf("expected malformed chunk skipped, got %q", text)
	}
}

// Non-data lines (comments, empty keep-alives) are ignored.
func TestStreamIgnoresNonDataLines(t *testing.T) {
	s := newStream(context.Background(), sseResponse(
		`: keep-alive`,
		``,
		`data: {"choices":[{"delta":{"content":"x"}}]}`,
		`data: [DONE]`,
	), zap.NewNop())
	defer s.Close()

	chunks := collect(t, s)
	if len(chunks) != 1 || chunks[0].Fragment != "x" {
		t.Fatalf("unexpected chunks: %+v", chunks)
	}
}

// A stream that ends without [DONE] while a tool call is still
// accumulating is a parse failure, never a truncated-but-emitted call.
func TestStreamPrematureEndWithPartialToolCallIsParseError(t *testing.T) {
	s := newStream(context.Background(), sseResponse(
		`data: {"choices":[{"delta":{"tool_calls":[{"index":0,"id":"t1","function":{"name":"echo","arguments":"{\"ms"}}]}}]}`,
	), zap.NewNop())
	defer s.Close()

	for _, c := range collect(t, s) {
		if c.Kind == llmadapter.ChunkToolCall {
			t.Error("partially accumulated call must not surface as a terminal ToolCall")
		}
	}
	err := s.Err()
	if err == nil || !strings.Contains(err.Error(), "parse") {
		t.Fatalf("expected a parse error, got %v", err)
	}
}

// A premature end with no tool call in flight is still a clean end.
func TestStreamPrematureEndWithoutToolCallsIsClean(t *testing.T) {
	s := newStream(context.Background(), sseResponse(
		`data: {"choices":[{"delta":{"content":"partial"}}]}`,
	), zap.NewNop())
	defer s.Close()

	chunks := collect(t, s)
	if err := s.Err(); err != nil {
		t.Fatalf("text-only premature end must stay clean: %v", err)
	}
	if len(chunks) != 1 || chunks[0].Fragment != "partial" {
		t.Fatalf("unexpected chunks: %+v", chunks)
	}
}

// ─── provider end-to-end over httptest ───

func TestProviderSendsIdentityHeadersAndParsesSSE(t *testing.T) {
	t.Setenv("HOME", t.TempDir())

	var gotHeaders http.Header
	var gotBody Request
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHeaders = r.Header.Clone()
		_ = jsonDecode(r.Body, &gotBody)

		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"ok\"}}]}\n\ndata: [DONE]\n")
	}))
	defer srv.Close()

	p := New(Config{APIKey: "sk-test", BaseURL: srv.URL, Model: "kimi-k2"}, zap.NewNop())
	stream, err := p.GenerateWithTools(context.Background(), "be helpful",
		[]llmadapter.Message{{Role: "user", Content: "hi"}},
		[]llmadapter.ToolSchema{{Name: "echo", Description: "d", Parameters: nil}},
	)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	defer stream.Close()

	chunks := collect(t, stream)
	if len(chunks) != 1 || chunks[0].Fragment != "ok" {
		t.Fatalf("unexpected chunks: %+v", chunks)
	}

	if got := gotHeaders.Get("Authorization"); got != "Bearer sk-test" {
		t.Errorf("Authorization: %q", got)
	}
	if got := gotHeaders.Get("User-Agent"); !strings.HasPrefix(got, "KimiCLI/") {
		t.Errorf("User-Agent: %q", got)
	}
	if got := gotHeaders.Get("X-Msh-Platform"); got != "kimi_cli" {
		t.Errorf("X-Msh-Platform: %q", got)
	}
	if got := gotHeaders.Get("X-Msh-Device-Id"); len(got) != 32 {
		t.Errorf("X-Msh-Device-Id must be 32 hex chars, got %q", got)
	}

	if !gotBody.Stream {
		t.Error("request must set stream:true")
	}
	if len(gotBody.Messages) != 2 || gotBody.Messages[0].Role != "system" {
		t.Errorf("system prompt must be prepended: %+v", gotBody.Messages)
	}
	if len(gotBody.Tools) != 1 || gotBody.Tools[0].Type != "function" || gotBody.Tools[0].Function.Name != "echo" {
		t.Errorf("tools wrong: %+v", gotBody.Tools)
	}
	if gotBody.Tools[0].Function.Parameters["type"] != "object" {
		t.Error("nil parameters must default to an object schema")
	}
}

func TestProviderAPIErrorStatus(t *testing.T) {
	t.Setenv("HOME", t.TempDir())

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"bad key"}`, http.StatusUnauthorized)
	}))
	defer srv.Close()

	p := New(Config{APIKey: "bad", BaseURL: srv.URL, Model: "kimi-k2"}, zap.NewNop())
	_, err := p.GenerateWithTools(context.Background(), "", []llmadapter.Message{{Role: "user", Content: "hi"}}, nil)
	if err == nil || !strings.Contains(err.Error(), "401") {
		t.Fatalf("expected 401 error, got %v", err)
	}
}

func TestCircuitOpensAfterConsecutiveFailures(t *testing.T) {
	t.Setenv("HOME", t.TempDir())

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	p := New(Config{
		APIKey: "k", BaseURL: srv.URL, Model: "kimi-k2",
		CircuitFailureThreshold: 2,
	}, zap.NewNop())

	ctx := context.Background()
	msgs := []llmadapter.Message{{Role: "user", Content: "hi"}}
	for i := 0; i < 2; i++ {
		if _, err := p.GenerateWithTools(ctx, "", msgs, nil); err == nil {
			t.Fatal("expected failure")
		}
	}
	_, err := p.GenerateWithTools(ctx, "", msgs, nil)
	if err != ErrCircuitOpen {
		t.Fatalf("expected ErrCircuitOpen, got %v", err)
	}
}

func jsonDecode(r io.Reader, v any) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}
