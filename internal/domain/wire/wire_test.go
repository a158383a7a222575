package wire

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/ngoclaw/ngoclaw/gateway/internal/domain/entity"
)

func testLogger() *zap.Logger {
	logger, _ := zap.NewDevelopment()
	return logger
}

func drain(t *testing.T, c *Consumer) []entity.WireEvent {
	t.Helper()
	var out []entity.WireEvent
	for {
		e, err := c.Recv(context.Background())
		if err == ErrClosed {
			return out
		}
		if err != nil {
			t.Fatalf("recv: %v", err)
		}
		out = append(out, e)
	}
}

func TestRawViewDeliversInSendOrder(t *testing.T) {
	w := New(0, testLogger())
	c := w.Raw()

	sent := []entity.WireEvent{
		entity.TurnBeginEvent(entity.UserInput{Text: "hi"}),
		entity.StepBeginEvent(0),
		entity.TextPartEvent("a"),
		entity.TextPartEvent("b"),
		entity.TurnEndEvent(),
	}
	for _, e := range sent {
		w.Send(e)
	}
	w.Close()

	got := drain(t, c)
	if len(got) != len(sent) {
		t.Fatalf("expected %d events, got %d", len(sent), len(got))
	}
	for i := range sent {
		if got[i].Kind != sent[i].Kind {
			t.Errorf("event %d: got %s, want %s", i, got[i].Kind, sent[i].Kind)
		}
	}
	if got[2].Text != "a" || got[3].Text != "b" {
		t.Error("raw view must not coalesce text parts")
	}
}

// Merged-view property: maximal runs of TextPart collapse into one
// TextPart carrying the concatenation; other kinds pass through.
func TestMergedViewCoalescesTextRuns(t *testing.T) {
	w := New(0, testLogger())
	c := w.Merged()

	w.Send(entity.TextPartEvent("a"))
	w.Send(entity.TextPartEvent("b"))
	w.Send(entity.ThinkPartEvent("x"))
	w.Send(entity.TextPartEvent("c"))
	w.Send(entity.TextPartEvent("d"))
	w.Close()

	got := drain(t, c)
	if len(got) != 3 {
		t.Fatalf("expected 3 merged events, got %d: %+v", len(got), got)
	}
	if got[0].Kind != entity.EventTextPart || got[0].Text != "ab" {
		t.Errorf("merged[0]: got %s %q, want TextPart \"ab\"", got[0].Kind, got[0].Text)
	}
	if got[1].Kind != entity.EventThinkPart || got[1].Text != "x" {
		t.Errorf("merged[1]: got %s %q, want ThinkPart \"x\"", got[1].Kind, got[1].Text)
	}
	if got[2].Kind != entity.EventTextPart || got[2].Text != "cd" {
		t.Errorf("merged[2]: got %s %q, want TextPart \"cd\"", got[2].Kind, got[2].Text)
	}
}

// Dropping the producer with unflushed text must hand the buffered text to
// the merged view before close.
func TestCloseFlushesPendingMergedText(t *testing.T) {
	w := New(0, testLogger())
	c := w.Merged()

	w.Send(entity.TextPartEvent("tail"))
	w.Close()

	got := drain(t, c)
	if len(got) != 1 || got[0].Text != "tail" {
		t.Fatalf("expected one flushed TextPart \"tail\", got %+v", got)
	}
}

func TestFlushIsExplicitBoundary(t *testing.T) {
	w := New(0, testLogger())
	c := w.Merged()

	w.Send(entity.TextPartEvent("a"))
	w.Flush()
	w.Send(entity.TextPartEvent("b"))
	w.Close()

	got := drain(t, c)
	if len(got) != 2 || got[0].Text != "a" || got[1].Text != "b" {
		t.Fatalf("explicit flush must split the run: got %+v", got)
	}
}

func TestTryRecv(t *testing.T) {
	w := New(0, testLogger())
	c := w.Raw()

	if _, ok, err := c.TryRecv(); ok || err != nil {
		t.Fatalf("empty wire: ok=%v err=%v", ok, err)
	}

	w.Send(entity.StepBeginEvent(0))
	e, ok, err := c.TryRecv()
	if !ok || err != nil || e.Kind != entity.EventStepBegin {
		t.Fatalf("expected StepBegin, got ok=%v err=%v kind=%s", ok, err, e.Kind)
	}

	w.Close()
	if _, ok, err := c.TryRecv(); ok || err != ErrClosed {
		t.Fatalf("closed wire: ok=%v err=%v", ok, err)
	}
}

// A consumer behind by more than capacity is skipped ahead rather than
// blocking the producer; it still observes the most recent events and is
// told how many it missed.
func TestSlowConsumerLagsWithoutBlockingProducer(t *testing.T) {
	w := New(4, testLogger())
	c := w.Raw()

	for i := 0; i < 20; i++ {
		w.Send(entity.StepBeginEvent(i))
	}
	w.Close()

	got := drain(t, c)
	if len(got) != 4 {
		t.Fatalf("expected the 4 retained events, got %d", len(got))
	}
	if got[0].Step != 16 || got[3].Step != 19 {
		t.Errorf("expected steps 16..19, got %d..%d", got[0].Step, got[3].Step)
	}
	if c.Lagged() != 16 {
		t.Errorf("consumer must be told it skipped 16 events, got %d", c.Lagged())
	}
}

func TestKeptUpConsumerReportsNoLag(t *testing.T) {
	w := New(4, testLogger())
	c := w.Raw()

	w.Send(entity.StepBeginEvent(0))
	if _, err := c.Recv(context.Background()); err != nil {
		t.Fatalf("recv: %v", err)
	}
	w.Close()

	if c.Lagged() != 0 {
		t.Errorf("consumer that kept up must report 0 lag, got %d", c.Lagged())
	}
}

func TestRecvHonorsContextCancellation(t *testing.T) {
	w := New(0, testLogger())
	c := w.Raw()

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := c.Recv(ctx)
		errCh <- err
	}()

	cancel()
	// A send wakes the waiting consumer so it can notice cancellation.
	w.Send(entity.StepBeginEvent(0))

	select {
	case err := <-errCh:
		// Either the cancellation or the event may win the race; both are
		// acceptable, but the call must return.
		_ = err
	case <-time.After(2 * time.Second):
		t.Fatal("Recv did not return after cancellation")
	}
}

func TestConsumersSubscribedLateSeeOnlyNewEvents(t *testing.T) {
	w := New(0, testLogger())
	w.Send(entity.StepBeginEvent(0))

	c := w.Raw()
	w.Send(entity.StepBeginEvent(1))
	w.Close()

	got := drain(t, c)
	if len(got) != 1 || got[0].Step != 1 {
		t.Fatalf("late subscriber should see only step 1, got %+v", got)
	}
}
