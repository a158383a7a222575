package transcript

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/ngoclaw/ngoclaw/gateway/internal/domain/entity"
	"go.uber.org/zap"
)

func testLogger() *zap.Logger {
	logger, _ := zap.NewDevelopment()
	return logger
}

func TestAppendAndCount(t *testing.T) {
	tr := New(testLogger())
	tr.Append(entity.NewUserMessage("hi"))
	tr.Append(entity.NewAssistantMessage("hello", nil))

	if tr.MessageCount() != 2 {
		t.Fatalf("expected 2 messages, got %d", tr.MessageCount())
	}
}

func TestCheckpointIndicesWithinRange(t *testing.T) {
	tr := New(testLogger())
	tr.Append(entity.NewUserMessage("a"))
	cp1 := tr.CreateCheckpoint("first")
	tr.Append(entity.NewUserMessage("b"))
	tr.Append(entity.NewUserMessage("c"))
	cp2 := tr.CreateCheckpoint("second")

	for _, cp := range []entity.Checkpoint{cp1, cp2} {
		if cp.MessageIndex < 0 || cp.MessageIndex > tr.MessageCount() {
			t.Errorf("checkpoint %s index %d out of range [0,%d]", cp.ID, cp.MessageIndex, tr.MessageCount())
		}
	}
	if cp2.MessageIndex < cp1.MessageIndex {
		t.Errorf("checkpoint indices must be monotonically non-decreasing: %d then %d", cp1.MessageIndex, cp2.MessageIndex)
	}
}

func TestRollbackTo(t *testing.T) {
	tr := New(testLogger())
	tr.Append(entity.NewUserMessage("a"))
	tr.Append(entity.NewUserMessage("b"))
	tr.SetTokenCount(42)
	cp := tr.CreateCheckpoint("mid")
	tr.Append(entity.NewUserMessage("c"))
	tr.SetTokenCount(100)

	removed, ok := tr.RollbackTo(cp.ID)
	if !ok {
		t.Fatal("expected rollback to succeed")
	}
	if removed != 1 {
		t.Errorf("expected 1 message removed, got %d", removed)
	}
	if tr.MessageCount() != cp.MessageIndex {
		t.Errorf("message count %d != checkpoint index %d", tr.MessageCount(), cp.MessageIndex)
	}
	if tr.TokenCount() != 42 {
		t.Errorf("token count %d != checkpoint token count 42", tr.TokenCount())
	}
}

func TestRollbackToUnknownIDFailsSilently(t *testing.T) {
	tr := New(testLogger())
	tr.Append(entity.NewUserMessage("a"))

	_, ok := tr.RollbackTo("does-not-exist")
	if ok {
		t.Fatal("expected rollback to unknown checkpoint to report failure")
	}
	if tr.MessageCount() != 1 {
		t.Errorf("transcript should be untouched, got %d messages", tr.MessageCount())
	}
}

func TestClearMessagesKeepsCheckpoints(t *testing.T) {
	tr := New(testLogger())
	tr.Append(entity.NewUserMessage("a"))
	tr.CreateCheckpoint("cp")
	tr.ClearMessages()

	if tr.MessageCount() != 0 {
		t.Errorf("expected 0 messages after clear, got %d", tr.MessageCount())
	}
	if len(tr.Checkpoints()) != 1 {
		t.Errorf("expected checkpoints to survive clear, got %d", len(tr.Checkpoints()))
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	tr := New(testLogger())
	tr.Append(entity.NewUserMessage("hi"))
	tr.Append(entity.NewAssistantMessage("", []entity.ToolCall{{ID: "t1", Name: "echo", Arguments: `{"msg":"hi"}`}}))
	tr.Append(entity.NewToolMessage("t1", `{"msg":"hi"}`))
	tr.CreateCheckpoint("cp1")
	tr.SetTokenCount(123)

	dir := t.TempDir()
	path := filepath.Join(dir, "context.json")
	if err := tr.Save(path); err != nil {
		t.Fatalf("save: %v", err)
	}

	loaded := New(testLogger())
	if err := loaded.Load(path); err != nil {
		t.Fatalf("load: %v", err)
	}

	if loaded.MessageCount() != tr.MessageCount() {
		t.Errorf("message count mismatch: %d != %d", loaded.MessageCount(), tr.MessageCount())
	}
	if loaded.TokenCount() != tr.TokenCount() {
		t.Errorf("token count mismatch: %d != %d", loaded.TokenCount(), tr.TokenCount())
	}
	origMsgs := tr.Messages()
	gotMsgs := loaded.Messages()
	for i := range origMsgs {
		if origMsgs[i].Role() != gotMsgs[i].Role() || origMsgs[i].Content() != gotMsgs[i].Content() {
			t.Errorf("message %d mismatch: %+v != %+v", i, origMsgs[i], gotMsgs[i])
		}
	}

	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected file to exist: %v", err)
	}
}

func TestRollbackToLast(t *testing.T) {
	tr := New(testLogger())
	tr.Append(entity.NewUserMessage("a"))
	tr.CreateCheckpoint("cp1")
	tr.Append(entity.NewUserMessage("b"))
	tr.CreateCheckpoint("cp2")
	tr.Append(entity.NewUserMessage("c"))

	removed, ok := tr.RollbackToLast()
	if !ok || removed != 1 {
		t.Fatalf("expected rollback to last checkpoint to remove 1 message, got removed=%d ok=%v", removed, ok)
	}
	if tr.MessageCount() != 2 {
		t.Errorf("expected 2 messages remaining, got %d", tr.MessageCount())
	}
}
