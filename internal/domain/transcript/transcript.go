// Package transcript implements the ordered message log with checkpoint
// and rollback semantics described for the agent execution core.
package transcript

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/ngoclaw/ngoclaw/gateway/internal/domain/entity"
	"go.uber.org/zap"
)

// Transcript is the loop's sole mutable conversation state: an ordered
// message log, an append-only list of checkpoints, and a running
// token-count estimate. It is synchronously owned by the Agent Loop for
// the duration of a turn, so unlike Wire it is guarded
// by a plain mutex rather than a channel — there is never a producer
// waiting on a slow consumer here, only readers (slash commands, status
// reporting) overlapping the loop between steps.
type Transcript struct {
	mu          sync.RWMutex
	messages    []entity.Message
	checkpoints []entity.Checkpoint
	tokenCount  int
	logger      *zap.Logger
}

// New creates an empty Transcript.
func New(logger *zap.Logger) *Transcript {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Transcript{logger: logger}
}

// Append adds a message to the end of the transcript.
func (t *Transcript) Append(m entity.Message) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.messages = append(t.messages, m)
}

// CreateCheckpoint records the current message count and token count as a
// restorable checkpoint.
func (t *Transcript) CreateCheckpoint(summary string) entity.Checkpoint {
	t.mu.Lock()
	defer t.mu.Unlock()

	cp := entity.Checkpoint{
		ID:           newCheckpointID(),
		MessageIndex: len(t.messages),
		TokenCount:   t.tokenCount,
		Summary:      summary,
	}
	t.checkpoints = append(t.checkpoints, cp)
	return cp
}

// LastCheckpoint returns the most recently created checkpoint, if any.
func (t *Transcript) LastCheckpoint() (entity.Checkpoint, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if len(t.checkpoints) == 0 {
		return entity.Checkpoint{}, false
	}
	return t.checkpoints[len(t.checkpoints)-1], true
}

// Checkpoints returns a copy of all recorded checkpoints, oldest first.
func (t *Transcript) Checkpoints() []entity.Checkpoint {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]entity.Checkpoint, len(t.checkpoints))
	copy(out, t.checkpoints)
	return out
}

// RollbackTo truncates the message log to the given checkpoint's recorded
// length and restores token_count to the value recorded at checkpoint
// creation. Returns the number of messages removed, or false if the
// checkpoint id is unknown — failing silently rather than erroring, so a
// stale rollback request never crashes a turn.
func (t *Transcript) RollbackTo(checkpointID string) (int, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, cp := range t.checkpoints {
		if cp.ID == checkpointID {
			removed := len(t.messages) - cp.MessageIndex
			if removed < 0 {
				removed = 0
			}
			t.messages = t.messages[:cp.MessageIndex]
			t.tokenCount = cp.TokenCount
			return removed, true
		}
	}
	return 0, false
}

// RollbackToLast rolls back to the most recently created checkpoint.
func (t *Transcript) RollbackToLast() (int, bool) {
	cp, ok := t.LastCheckpoint()
	if !ok {
		return 0, false
	}
	return t.RollbackTo(cp.ID)
}

// DropFirst removes the first k messages (clamped to message_count) and
// shifts every checkpoint's recorded message_index down by k (floored at
// 0), keeping every checkpoint index within [0, message_count]. It is the
// primitive the keep-last-N compaction
// policy uses to retain exactly the most recent messages; Transcript
// itself has no opinion on when to call it.
func (t *Transcript) DropFirst(k int) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if k <= 0 {
		return 0
	}
	if k > len(t.messages) {
		k = len(t.messages)
	}
	t.messages = append([]entity.Message(nil), t.messages[k:]...)
	for i := range t.checkpoints {
		idx := t.checkpoints[i].MessageIndex - k
		if idx < 0 {
			idx = 0
		}
		t.checkpoints[i].MessageIndex = idx
	}
	return k
}

// ClearMessages drops all messages but leaves checkpoints untouched.
func (t *Transcript) ClearMessages() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.messages = nil
	t.tokenCount = 0
}

// MessageCount returns the number of messages currently in the transcript.
func (t *Transcript) MessageCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.messages)
}

// Messages returns a copy of the message slice, in order.
func (t *Transcript) Messages() []entity.Message {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]entity.Message, len(t.messages))
	copy(out, t.messages)
	return out
}

// TokenCount returns the current token-count estimate.
func (t *Transcript) TokenCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.tokenCount
}

// SetTokenCount overwrites the token-count estimate, e.g. after an LLM
// response reports actual usage.
func (t *Transcript) SetTokenCount(n int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.tokenCount = n
}

// AddTokenCount adds to the running token-count estimate.
func (t *Transcript) AddTokenCount(n int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.tokenCount += n
}

// snapshot is the on-disk shape written by Save and read by Load: the
// context.json layout.
type snapshot struct {
	Messages    []entity.Message    `json:"messages"`
	Checkpoints []entity.Checkpoint `json:"checkpoints"`
	TokenCount  int                 `json:"token_count"`
}

// Save serialises the whole transcript to path as context.json.
func (t *Transcript) Save(path string) error {
	t.mu.RLock()
	snap := snapshot{
		Messages:    t.messages,
		Checkpoints: t.checkpoints,
		TokenCount:  t.tokenCount,
	}
	t.mu.RUnlock()

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal transcript: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write transcript: %w", err)
	}
	return nil
}

// Load replaces t's contents with the transcript serialised at path.
func (t *Transcript) Load(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read transcript: %w", err)
	}
	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("unmarshal transcript: %w", err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.messages = snap.Messages
	t.checkpoints = snap.Checkpoints
	t.tokenCount = snap.TokenCount
	return nil
}

var checkpointSeq struct {
	mu  sync.Mutex
	n   uint64
}

// newCheckpointID generates a process-unique checkpoint id. Checkpoint
// identity only needs to be unique within one transcript's lifetime, so a
// monotonic counter keeps this dependency-free and deterministic for tests,
// unlike the uuid.New() the rest of the module uses for externally visible
// identifiers (sessions, approval requests).
func newCheckpointID() string {
	checkpointSeq.mu.Lock()
	defer checkpointSeq.mu.Unlock()
	checkpointSeq.n++
	return fmt.Sprintf("ckpt-%d-%d", os.Getpid(), checkpointSeq.n)
}
