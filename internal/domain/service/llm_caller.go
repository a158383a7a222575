package service

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/ngoclaw/ngoclaw/gateway/internal/domain/entity"
	"github.com/ngoclaw/ngoclaw/gateway/internal/domain/llmadapter"
	"github.com/ngoclaw/ngoclaw/gateway/internal/domain/wire"
)

// ModelRequest is the request shape AgentHook.BeforeLLMCall observes — a
// thin view over what is actually sent to the llmadapter.Adapter.
type ModelRequest struct {
	Model    string
	Messages []llmadapter.Message
	Tools    []llmadapter.ToolSchema
}

// ModelResponse is the fully-accumulated result of one LLM turn: the
// complete text, optional reasoning text, and zero or more completed tool
// calls (terminal ChunkToolCall chunks accumulated by name/arguments).
type ModelResponse struct {
	Content   string
	Thinking  string
	ToolCalls []llmadapter.ToolCall
}

// callLLMWithRetry drives one llmadapter.Stream to completion, forwarding
// Text/Thinking/ToolCallPart/ToolCall chunks onto w as they arrive, and
// retries transient failures with exponential backoff (2s, 4s, 8s, ...).
func (a *AgentLoop) callLLMWithRetry(ctx context.Context, req ModelRequest, systemPrompt string, step int, w *wire.Wire) (*ModelResponse, error) {
	var lastErr error

	for attempt := 0; attempt <= a.config.MaxRetries; attempt++ {
		if attempt > 0 {
			wait := a.config.RetryBaseWait * time.Duration(1<<(attempt-1))

			a.logger.Info("retrying LLM call",
				zap.Int("attempt", attempt),
				zap.Int("max_retries", a.config.MaxRetries),
				zap.Duration("wait", wait),
				zap.Error(lastErr),
			)

			if a.sm != nil {
				a.sm.RecordRetry()
			}
			a.transition(StateRetrying)
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				a.transition(StateAborted)
				return nil, ctx.Err()
			}
			a.transition(StateStreaming)
		}

		callCtx, callCancel := context.WithTimeout(ctx, 3*time.Minute)
		resp, err := a.runOneGeneration(callCtx, req, systemPrompt, step, w)
		callCancel()

		if err == nil {
			if attempt > 0 {
				a.logger.Info("LLM retry succeeded", zap.Int("attempt", attempt), zap.Int("step", step))
			}
			return resp, nil
		}

		classified := ClassifyError(err, "kimi", req.Model)
		if classified.Kind == ErrKindCancelled && ctx.Err() == nil {
			// The per-call deadline tripped, not the caller's context:
			// that's a stall, and stalls are worth retrying.
			classified.Kind = ErrKindTransient
		}
		lastErr = classified
		a.logger.Warn("LLM streaming call failed",
			zap.Int("attempt", attempt),
			zap.Int("step", step),
			zap.String("kind", classified.Kind.String()),
			zap.Error(err),
		)

		if !classified.IsRetryable() {
			return nil, fmt.Errorf("non-retryable LLM error: %w", classified)
		}
	}

	return nil, fmt.Errorf("LLM call failed after %d retries: %w", a.config.MaxRetries, lastErr)
}

// runOneGeneration opens a single stream and accumulates it into a
// ModelResponse, forwarding each chunk onto w along the way.
func (a *AgentLoop) runOneGeneration(ctx context.Context, req ModelRequest, systemPrompt string, step int, w *wire.Wire) (*ModelResponse, error) {
	stream, err := a.llm.GenerateWithTools(ctx, systemPrompt, req.Messages, req.Tools)
	if err != nil {
		return nil, err
	}
	defer stream.Close()

	resp := &ModelResponse{}
	toolCalls := make(map[int]*llmadapter.ToolCall)
	var order []int

	for {
		chunk, ok := stream.Next(ctx)
		if !ok {
			break
		}
		switch chunk.Kind {
		case llmadapter.ChunkText:
			resp.Content += chunk.Fragment
			w.Send(entity.TextPartEvent(chunk.Fragment))
		case llmadapter.ChunkThinking:
			resp.Thinking += chunk.Fragment
			w.Send(entity.ThinkPartEvent(chunk.Fragment))
		case llmadapter.ChunkToolCallPart:
			w.Send(entity.ToolCallPartEvent(chunk.Index, chunk.ID, chunk.Name, chunk.Arguments))
			tc, exists := toolCalls[chunk.Index]
			if !exists {
				tc = &llmadapter.ToolCall{Index: chunk.Index, ID: chunk.ID, Name: chunk.Name}
				toolCalls[chunk.Index] = tc
				order = append(order, chunk.Index)
			}
			if chunk.ID != "" {
				tc.ID = chunk.ID
			}
			if chunk.Name != "" {
				tc.Name = chunk.Name
			}
			tc.Arguments += chunk.Arguments
		case llmadapter.ChunkToolCall:
			w.Send(entity.ToolCallEvent(chunk.ID, chunk.Name, chunk.Arguments))
			toolCalls[chunk.Index] = &llmadapter.ToolCall{
				Index: chunk.Index, ID: chunk.ID, Name: chunk.Name, Arguments: chunk.Arguments,
			}
			if !containsInt(order, chunk.Index) {
				order = append(order, chunk.Index)
			}
		}
	}
	if err := stream.Err(); err != nil {
		return nil, err
	}

	for _, idx := range order {
		resp.ToolCalls = append(resp.ToolCalls, *toolCalls[idx])
	}
	return resp, nil
}

func containsInt(xs []int, v int) bool {
	for _, x := range xs {
		if x == v {
			return true
		}
	}
	return false
}

