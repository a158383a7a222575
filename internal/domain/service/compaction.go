package service

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/ngoclaw/ngoclaw/gateway/internal/domain/transcript"
)

// CompactionPolicy is applied *to* a transcript, not a method on it:
// Needed decides whether the step loop should compact before its next LLM
// call, and Apply performs the structural rewrite.
type CompactionPolicy interface {
	Needed(t *transcript.Transcript) bool
	Apply(t *transcript.Transcript) error
}

// CheckpointTruncatePolicy rolls the transcript back to its most recent
// checkpoint once token usage exceeds maxTokens. With no checkpoint to
// roll back to, it creates a synthetic one carrying a placeholder summary
// and clears every message — the conversation restarts with an empty log
// but an auditable checkpoint trail.
type CheckpointTruncatePolicy struct {
	MaxTokens int
	Logger    *zap.Logger
}

func (p *CheckpointTruncatePolicy) Needed(t *transcript.Transcript) bool {
	return p.MaxTokens > 0 && t.TokenCount() > p.MaxTokens
}

func (p *CheckpointTruncatePolicy) Apply(t *transcript.Transcript) error {
	log := p.Logger
	if log == nil {
		log = zap.NewNop()
	}
	if cp, ok := t.LastCheckpoint(); ok {
		removed, ok := t.RollbackTo(cp.ID)
		if !ok {
			return fmt.Errorf("checkpoint-truncate: checkpoint %s vanished mid-apply", cp.ID)
		}
		log.Info("compaction: rolled back to last checkpoint",
			zap.String("checkpoint_id", cp.ID),
			zap.Int("messages_removed", removed),
		)
		return nil
	}

	t.CreateCheckpoint("[context compacted — no prior checkpoint, history cleared]")
	t.ClearMessages()
	log.Info("compaction: no checkpoint existed, history cleared")
	return nil
}

// KeepLastNPolicy drops the oldest messages once message_count exceeds N,
// retaining exactly the last N and recording a checkpoint that notes how
// many were dropped.
type KeepLastNPolicy struct {
	N      int
	Logger *zap.Logger
}

func (p *KeepLastNPolicy) Needed(t *transcript.Transcript) bool {
	return p.N > 0 && t.MessageCount() > p.N
}

func (p *KeepLastNPolicy) Apply(t *transcript.Transcript) error {
	log := p.Logger
	if log == nil {
		log = zap.NewNop()
	}
	count := t.MessageCount()
	if count <= p.N {
		return nil
	}
	dropped := count - p.N
	t.CreateCheckpoint(fmt.Sprintf("[context compacted — dropped %d messages]", dropped))
	removed := t.DropFirst(dropped)
	log.Info("compaction: dropped oldest messages",
		zap.Int("dropped", removed),
		zap.Int("kept", p.N),
	)
	return nil
}

// describeForApproval renders a short human-readable description of a
// pending tool call for the Tool Batch's ApprovalRequest. Kept alongside
// the compaction policies since both are small, non-stateful formatting
// helpers the Agent Loop calls between steps.
func describeForApproval(name string, kind string, rawArgsPreview string) string {
	if len(rawArgsPreview) > 60 {
		rawArgsPreview = rawArgsPreview[:60] + "..."
	}
	switch kind {
	case "edit":
		return fmt.Sprintf("edit via %s: %s", name, rawArgsPreview)
	case "execute":
		return fmt.Sprintf("execute shell via %s: %s", name, rawArgsPreview)
	case "delete":
		return fmt.Sprintf("delete via %s: %s", name, rawArgsPreview)
	default:
		return fmt.Sprintf("call %s: %s", name, rawArgsPreview)
	}
}
