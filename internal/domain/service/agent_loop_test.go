package service

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/ngoclaw/ngoclaw/gateway/internal/domain/approval"
	"github.com/ngoclaw/ngoclaw/gateway/internal/domain/entity"
	"github.com/ngoclaw/ngoclaw/gateway/internal/domain/llmadapter"
	"github.com/ngoclaw/ngoclaw/gateway/internal/domain/rollback"
	"github.com/ngoclaw/ngoclaw/gateway/internal/domain/slashcmd"
	"github.com/ngoclaw/ngoclaw/gateway/internal/domain/tool"
	"github.com/ngoclaw/ngoclaw/gateway/internal/domain/transcript"
	"github.com/ngoclaw/ngoclaw/gateway/internal/domain/wire"
)

// ─── scripted fake adapter ───

type fakeStream struct {
	chunks []llmadapter.Chunk
	idx    int
	delay  time.Duration
	err    error
}

func (s *fakeStream) Next(ctx context.Context) (llmadapter.Chunk, bool) {
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			s.err = ctx.Err()
			return llmadapter.Chunk{}, false
		}
	}
	if s.idx >= len(s.chunks) {
		return llmadapter.Chunk{}, false
	}
	c := s.chunks[s.idx]
	s.idx++
	return c, true
}

func (s *fakeStream) Err() error { return s.err }
func (s *fakeStream) Close()     {}

type fakeAdapter struct {
	responses [][]llmadapter.Chunk
	call      int
	delay     time.Duration
	openErr   error
}

func (a *fakeAdapter) GenerateWithTools(_ context.Context, _ string, _ []llmadapter.Message, _ []llmadapter.ToolSchema) (llmadapter.Stream, error) {
	if a.openErr != nil {
		return nil, a.openErr
	}
	var chunks []llmadapter.Chunk
	if a.call < len(a.responses) {
		chunks = a.responses[a.call]
	}
	a.call++
	return &fakeStream{chunks: chunks, delay: a.delay}, nil
}

func textChunk(s string) llmadapter.Chunk {
	return llmadapter.Chunk{Kind: llmadapter.ChunkText, Fragment: s}
}

func toolChunk(id, name, args string) llmadapter.Chunk {
	return llmadapter.Chunk{Kind: llmadapter.ChunkToolCall, ID: id, Name: name, Arguments: args}
}

// ─── test tool ───

type echoTool struct{ name string }

func (t *echoTool) Name() string        { return t.name }
func (t *echoTool) Description() string { return "echoes its arguments" }
func (t *echoTool) Kind() tool.Kind     { return tool.KindRead }

func (t *echoTool) ParametersSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"msg": map[string]any{"type": "string"},
		},
	}
}

func (t *echoTool) Execute(_ context.Context, params json.RawMessage) (json.RawMessage, error) {
	return params, nil
}

// ─── harness ───

type loopFixture struct {
	loop    *AgentLoop
	tx      *transcript.Transcript
	gate    *approval.Gate
	mailbox *rollback.Mailbox
	wire    *wire.Wire
	events  *wire.Consumer
}

func newFixture(t *testing.T, adapter llmadapter.Adapter, yolo bool, mutate func(*AgentLoopConfig)) *loopFixture {
	t.Helper()

	ts := tool.NewToolset()
	for _, name := range []string{"echo", "write"} {
		if err := ts.Register(&echoTool{name: name}); err != nil {
			t.Fatalf("register %s: %v", name, err)
		}
	}

	cfg := DefaultAgentLoopConfig()
	cfg.MaxIterations = 5
	cfg.MaxRetries = 0
	cfg.RetryBaseWait = time.Millisecond
	cfg.TurnTimeout = 30 * time.Second
	if mutate != nil {
		mutate(&cfg)
	}

	tx := transcript.New(testLogger())
	gate := approval.New(yolo)
	mailbox := rollback.New()
	registry := slashcmd.NewDefault(slashcmd.Deps{
		CompactFn: func(context.Context) error { return nil },
		ResetFn:   func(context.Context) { tx.ClearMessages() },
	}, "test")

	loop := NewAgentLoop(adapter, ts, tx, gate, mailbox, nil, registry, cfg, testLogger())

	w := wire.New(0, testLogger())
	return &loopFixture{loop: loop, tx: tx, gate: gate, mailbox: mailbox, wire: w, events: w.Raw()}
}

func (f *loopFixture) run(t *testing.T, text string) (Outcome, []entity.WireEvent) {
	t.Helper()
	outcome := f.loop.Run(context.Background(), entity.UserInput{Text: text}, f.wire)
	f.wire.Close()

	var events []entity.WireEvent
	for {
		e, err := f.events.Recv(context.Background())
		if err != nil {
			break
		}
		events = append(events, e)
	}
	return outcome, events
}

func kinds(events []entity.WireEvent) []entity.EventKind {
	out := make([]entity.EventKind, len(events))
	for i, e := range events {
		out[i] = e.Kind
	}
	return out
}

func assertKinds(t *testing.T, events []entity.WireEvent, want []entity.EventKind) {
	t.Helper()
	got := kinds(events)
	if len(got) != len(want) {
		t.Fatalf("event kinds\n got %v\nwant %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("event %d: got %s, want %s\nfull: %v", i, got[i], want[i], got)
		}
	}
}

// ─── pure text turn ───

func TestPureTextTurn(t *testing.T) {
	adapter := &fakeAdapter{responses: [][]llmadapter.Chunk{
		{textChunk("Hello"), textChunk(" world")},
	}}
	f := newFixture(t, adapter, true, nil)

	outcome, events := f.run(t, "Hi")

	if outcome.Kind != OutcomeCompleted || outcome.Text != "Hello world" {
		t.Fatalf("outcome: %+v", outcome)
	}
	assertKinds(t, events, []entity.EventKind{
		entity.EventTurnBegin,
		entity.EventStepBegin,
		entity.EventTextPart,
		entity.EventTextPart,
		entity.EventTurnEnd,
	})
	if events[0].UserInput == nil || events[0].UserInput.Text != "Hi" {
		t.Error("TurnBegin must carry the user input")
	}

	msgs := f.tx.Messages()
	if len(msgs) != 2 {
		t.Fatalf("expected user+assistant, got %d messages", len(msgs))
	}
	if msgs[0].Role() != entity.RoleUser || msgs[0].Content() != "Hi" {
		t.Errorf("message 0: %s %q", msgs[0].Role(), msgs[0].Content())
	}
	last := msgs[1]
	if last.Role() != entity.RoleAssistant || last.Content() != "Hello world" || last.HasToolCalls() {
		t.Errorf("final assistant message wrong: %s %q tools=%v", last.Role(), last.Content(), last.ToolCalls())
	}
	if len(f.tx.Checkpoints()) != 1 {
		t.Errorf("expected 1 checkpoint, got %d", len(f.tx.Checkpoints()))
	}
}

// ─── single tool call under yolo ───

func TestSingleToolCallYolo(t *testing.T) {
	adapter := &fakeAdapter{responses: [][]llmadapter.Chunk{
		{toolChunk("t1", "echo", `{"msg":"hi"}`)},
		{textChunk("echoed")},
	}}
	f := newFixture(t, adapter, true, nil)

	outcome, events := f.run(t, "run it")

	if outcome.Kind != OutcomeCompleted || outcome.Text != "echoed" {
		t.Fatalf("outcome: %+v", outcome)
	}
	assertKinds(t, events, []entity.EventKind{
		entity.EventTurnBegin,
		entity.EventStepBegin,
		entity.EventToolCall,
		entity.EventToolBegin,
		entity.EventToolEnd,
		entity.EventStepBegin,
		entity.EventTextPart,
		entity.EventTurnEnd,
	})

	// StepBegin values strictly increasing from 0.
	if events[1].Step != 0 || events[5].Step != 1 {
		t.Errorf("step numbering wrong: %d then %d", events[1].Step, events[5].Step)
	}
	if events[4].ToolResult == nil || events[4].ToolResult.Output != `{"msg":"hi"}` {
		t.Errorf("ToolEnd result wrong: %+v", events[4].ToolResult)
	}

	// Transcript tail: user, assistant(tool_call), tool, assistant.
	msgs := f.tx.Messages()
	if len(msgs) != 4 {
		t.Fatalf("expected 4 messages, got %d", len(msgs))
	}
	asst := msgs[1]
	if asst.Role() != entity.RoleAssistant || len(asst.ToolCalls()) != 1 || asst.ToolCalls()[0].ID != "t1" {
		t.Errorf("assistant tool-call message wrong: %+v", asst.ToolCalls())
	}
	toolMsg := msgs[2]
	if toolMsg.Role() != entity.RoleTool || toolMsg.ToolCallID() != "t1" || toolMsg.Content() != `{"msg":"hi"}` {
		t.Errorf("tool message wrong: %s %q -> %q", toolMsg.Role(), toolMsg.ToolCallID(), toolMsg.Content())
	}
	if msgs[3].Content() != "echoed" {
		t.Errorf("final assistant content: %q", msgs[3].Content())
	}
}

// ─── approval reject ───

func TestApprovalReject(t *testing.T) {
	adapter := &fakeAdapter{responses: [][]llmadapter.Chunk{
		{toolChunk("t1", "write", `{"msg":"/etc/passwd"}`)},
		{textChunk("understood")},
	}}
	f := newFixture(t, adapter, false, nil)

	// Reject whatever request shows up.
	go func() {
		deadline := time.Now().Add(5 * time.Second)
		for time.Now().Before(deadline) {
			if _, ok := f.gate.Pending(); ok {
				_ = f.gate.Respond(entity.ApprovalResponse{Reject: true})
				return
			}
			time.Sleep(time.Millisecond)
		}
	}()

	outcome, events := f.run(t, "overwrite it")

	if outcome.Kind != OutcomeCompleted {
		t.Fatalf("outcome: %+v", outcome)
	}

	var sawApprovalReq, sawToolBegin bool
	for _, e := range events {
		switch e.Kind {
		case entity.EventApprovalRequest:
			sawApprovalReq = true
			if e.Approval == nil || e.Approval.Action != "write" {
				t.Errorf("approval request wrong: %+v", e.Approval)
			}
		case entity.EventToolBegin, entity.EventToolEnd:
			sawToolBegin = true
		}
	}
	if !sawApprovalReq {
		t.Error("expected an ApprovalRequest event")
	}
	if sawToolBegin {
		t.Error("rejected call must not emit ToolBegin/ToolEnd")
	}

	msgs := f.tx.Messages()
	toolMsg := msgs[2]
	if toolMsg.Role() != entity.RoleTool || toolMsg.Content() != "Tool 'write' was rejected by user approval" {
		t.Errorf("rejection tool-message wrong: %q", toolMsg.Content())
	}
	// The loop went on to a second LLM round.
	if adapter.call != 2 {
		t.Errorf("expected 2 LLM rounds, got %d", adapter.call)
	}
}

// ─── turn timeout ───

func TestTurnTimeout(t *testing.T) {
	adapter := &fakeAdapter{
		responses: [][]llmadapter.Chunk{{textChunk("too late")}},
		delay:     2 * time.Second,
	}
	f := newFixture(t, adapter, true, func(cfg *AgentLoopConfig) {
		cfg.TurnTimeout = 100 * time.Millisecond
	})

	start := time.Now()
	outcome, events := f.run(t, "slow")
	elapsed := time.Since(start)

	if outcome.Kind != OutcomeError || outcome.ErrorKind != ErrKindTimeout {
		t.Fatalf("outcome: %+v", outcome)
	}
	if elapsed >= 2*time.Second {
		t.Errorf("timeout must interrupt the stream, took %v", elapsed)
	}
	if events[len(events)-1].Kind != entity.EventTurnEnd {
		t.Error("events must end with TurnEnd")
	}
	// No assistant message appended.
	for _, m := range f.tx.Messages() {
		if m.Role() == entity.RoleAssistant {
			t.Error("timeout turn must not append an assistant message")
		}
	}
}

// ─── rollback mid-turn ───

func TestRollbackFromMailbox(t *testing.T) {
	adapter := &fakeAdapter{responses: [][]llmadapter.Chunk{
		{textChunk("never used")},
	}}
	f := newFixture(t, adapter, true, nil)

	for i := 0; i < 3; i++ {
		f.tx.Append(entity.NewUserMessage(fmt.Sprintf("m%d", i)))
	}
	c1 := f.tx.CreateCheckpoint("c1")
	for i := 3; i < 7; i++ {
		f.tx.Append(entity.NewUserMessage(fmt.Sprintf("m%d", i)))
	}
	f.tx.CreateCheckpoint("c2")
	for i := 7; i < 9; i++ {
		f.tx.Append(entity.NewUserMessage(fmt.Sprintf("m%d", i)))
	}

	f.mailbox.Send(rollback.Entry{CheckpointID: c1.ID, MessageText: "try again"})

	outcome, _ := f.run(t, "ignored input")

	if outcome.Kind != OutcomeRollbackPerformed {
		t.Fatalf("outcome: %+v", outcome)
	}
	msgs := f.tx.Messages()
	if len(msgs) < 4 {
		t.Fatalf("expected at least 4 messages, got %d", len(msgs))
	}
	if msgs[3].Content() != "try again" || msgs[3].Role() != entity.RoleUser {
		t.Errorf("message[3] must be the injected user message, got %s %q", msgs[3].Role(), msgs[3].Content())
	}
	if f.mailbox.HasPending() {
		t.Error("mailbox entry must be consumed")
	}
}

// ─── cancellation ───

func TestCancelledTurnAppendsNoAssistantMessage(t *testing.T) {
	adapter := &fakeAdapter{
		responses: [][]llmadapter.Chunk{{textChunk("late")}},
		delay:     time.Second,
	}
	f := newFixture(t, adapter, true, nil)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	outcome := f.loop.Run(ctx, entity.UserInput{Text: "hi"}, f.wire)
	f.wire.Close()

	if outcome.Kind != OutcomeInterrupted {
		t.Fatalf("outcome: %+v", outcome)
	}
	for _, m := range f.tx.Messages() {
		if m.Role() == entity.RoleAssistant {
			t.Error("cancelled turn must not append a partial assistant message")
		}
	}

	var sawInterrupted bool
	for {
		e, err := f.events.Recv(context.Background())
		if err != nil {
			break
		}
		if e.Kind == entity.EventStepInterrupted {
			sawInterrupted = true
		}
	}
	if !sawInterrupted {
		t.Error("expected a StepInterrupted event")
	}
}

// ─── iteration cap ───

func TestMaxIterations(t *testing.T) {
	// Every round asks for another tool call; the cap must stop the loop.
	round := []llmadapter.Chunk{toolChunk("t", "echo", `{"msg":"again"}`)}
	adapter := &fakeAdapter{responses: [][]llmadapter.Chunk{round, round, round, round}}
	f := newFixture(t, adapter, true, func(cfg *AgentLoopConfig) {
		cfg.MaxIterations = 2
	})

	outcome, _ := f.run(t, "loop forever")

	if outcome.Kind != OutcomeError || outcome.ErrorKind != ErrKindMaxIterations {
		t.Fatalf("outcome: %+v", outcome)
	}
	if adapter.call != 2 {
		t.Errorf("expected exactly 2 LLM rounds, got %d", adapter.call)
	}
}

// ─── unknown tool and bad arguments ───

func TestUnknownToolAndInvalidArguments(t *testing.T) {
	adapter := &fakeAdapter{responses: [][]llmadapter.Chunk{
		{
			toolChunk("t1", "missing_tool", `{}`),
			toolChunk("t2", "echo", `{not json`),
		},
		{textChunk("done")},
	}}
	f := newFixture(t, adapter, true, nil)

	outcome, _ := f.run(t, "go")
	if outcome.Kind != OutcomeCompleted {
		t.Fatalf("outcome: %+v", outcome)
	}

	msgs := f.tx.Messages()
	if msgs[2].Content() != "Tool not found: missing_tool" {
		t.Errorf("unknown-tool message: %q", msgs[2].Content())
	}
	if msgs[3].Content() != "Invalid tool arguments: {not json" {
		t.Errorf("invalid-arguments message: %q", msgs[3].Content())
	}
}

// ─── LLM stream failure ───

func TestLLMErrorIsFatalForTurn(t *testing.T) {
	adapter := &fakeAdapter{openErr: fmt.Errorf("bad request: model not found")}
	f := newFixture(t, adapter, true, nil)

	outcome, events := f.run(t, "hi")

	if outcome.Kind != OutcomeError || outcome.ErrorKind != ErrKindLLM {
		t.Fatalf("outcome: %+v", outcome)
	}
	var sawErrorText bool
	for _, e := range events {
		if e.Kind == entity.EventTextPart && len(e.Text) >= 6 && e.Text[:6] == "Error:" {
			sawErrorText = true
		}
		if e.Kind == entity.EventStepInterrupted {
			t.Error("an LLM failure is error(llm), not a stop-flag break; no StepInterrupted")
		}
	}
	if !sawErrorText {
		t.Error("fatal turn error must surface an Error text fragment")
	}
	if events[len(events)-1].Kind != entity.EventTurnEnd {
		t.Error("events must end with TurnEnd")
	}
}

// ─── slash commands ───

func TestSlashCommandHandled(t *testing.T) {
	f := newFixture(t, &fakeAdapter{}, true, nil)

	outcome, _ := f.run(t, "/help")
	if outcome.Kind != OutcomeSlashCommandHandled {
		t.Fatalf("outcome: %+v", outcome)
	}
	if f.tx.MessageCount() != 0 {
		t.Error("slash command must not touch the transcript")
	}
}

func TestUnknownSlashCommand(t *testing.T) {
	f := newFixture(t, &fakeAdapter{}, true, nil)

	outcome, events := f.run(t, "/definitely-not-a-command")
	if outcome.Kind != OutcomeError {
		t.Fatalf("outcome: %+v", outcome)
	}
	if len(events) == 0 || events[0].Kind != entity.EventTextPart {
		t.Error("unknown command must emit an error event")
	}
}

// ─── thinking passthrough ───

func TestThinkingForwardedNotBuffered(t *testing.T) {
	adapter := &fakeAdapter{responses: [][]llmadapter.Chunk{
		{
			{Kind: llmadapter.ChunkThinking, Fragment: "pondering"},
			textChunk("answer"),
		},
	}}
	f := newFixture(t, adapter, true, nil)

	outcome, events := f.run(t, "think")
	if outcome.Text != "answer" {
		t.Fatalf("thinking must not leak into content: %q", outcome.Text)
	}
	var sawThink bool
	for _, e := range events {
		if e.Kind == entity.EventThinkPart && e.Text == "pondering" {
			sawThink = true
		}
	}
	if !sawThink {
		t.Error("expected ThinkPart event")
	}
}
