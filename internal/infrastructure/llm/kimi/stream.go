package kimi

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ngoclaw/ngoclaw/gateway/internal/domain/llmadapter"
)

// toolCallAcc accumulates one tool call's name/arguments fragments across
// SSE chunks.
type toolCallAcc struct {
	id   string
	name string
	args strings.Builder
}

// stream implements llmadapter.Stream over a single SSE response body. It
// buffers the chunks one SSE line produces (a line rarely yields more than
// one, but a finish_reason line also flushes every accumulated tool call)
// and hands them out one at a time via Next.
type stream struct {
	resp    *http.Response
	scanner *bufio.Scanner
	logger  *zap.Logger

	pending []llmadapter.Chunk
	acc     map[int]*toolCallAcc
	order   []int

	done bool
	err  error

	cancelWatch context.CancelFunc
}

func newStream(ctx context.Context, resp *http.Response, logger *zap.Logger) *stream {
	// Idle-timeout protection: a stalled connection that never sends
	// another byte must not hang this Stream forever.
	tr := &timedReader{r: resp.Body, timeout: 60 * time.Second}
	sc := bufio.NewScanner(tr)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	s := &stream{
		resp:    resp,
		scanner: sc,
		logger:  logger,
		acc:     make(map[int]*toolCallAcc),
	}

	// Force-close the body on cancellation so a blocked Scan returns
	// promptly instead of waiting out the idle timeout.
	watchCtx, cancel := context.WithCancel(ctx)
	s.cancelWatch = cancel
	go func() {
		<-watchCtx.Done()
		if ctx.Err() == nil {
			return // stopped by Close, which closes the body itself
		}
		resp.Body.Close()
	}()

	return s
}

func (s *stream) Next(ctx context.Context) (llmadapter.Chunk, bool) {
	if len(s.pending) > 0 {
		c := s.pending[0]
		s.pending = s.pending[1:]
		return c, true
	}
	if s.done {
		return llmadapter.Chunk{}, false
	}

	for {
		select {
		case <-ctx.Done():
			s.err = ctx.Err()
			s.done = true
			return llmadapter.Chunk{}, false
		default:
		}

		if !s.scanner.Scan() {
			if err := s.scanner.Err(); err != nil && !isIdleTimeout(err) {
				s.err = fmt.Errorf("kimi: SSE scan error: %w", err)
			}
			// A stream ending without [DONE] or a finish_reason while a
			// tool call is still accumulating never produced complete
			// arguments; that is a parse failure, not a clean end.
			if len(s.order) > 0 && s.err == nil {
				s.err = fmt.Errorf("kimi: %w: stream ended with %d partially accumulated tool call(s)", errParse, len(s.order))
			}
			s.done = true
			return s.popOrEnd()
		}

		line := s.scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")
		if data == "[DONE]" {
			s.flushToolCalls()
			s.done = true
			return s.popOrEnd()
		}

		var chunk StreamChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			s.logger.Debug("kimi: skip unparseable SSE chunk", zap.Error(err))
			continue
		}
		if len(chunk.Choices) == 0 {
			continue
		}

		choice := chunk.Choices[0]
		s.bufferDelta(choice.Delta)

		if choice.FinishReason != nil {
			s.flushToolCalls()
			s.done = true
		}

		if len(s.pending) > 0 {
			return s.popOrEnd()
		}
		if s.done {
			return s.popOrEnd()
		}
	}
}

func (s *stream) popOrEnd() (llmadapter.Chunk, bool) {
	if len(s.pending) > 0 {
		c := s.pending[0]
		s.pending = s.pending[1:]
		return c, true
	}
	return llmadapter.Chunk{}, false
}

func (s *stream) bufferDelta(delta StreamDelta) {
	if delta.Content != "" {
		s.pending = append(s.pending, llmadapter.Chunk{Kind: llmadapter.ChunkText, Fragment: delta.Content})
	}
	if delta.ReasoningContent != "" {
		s.pending = append(s.pending, llmadapter.Chunk{Kind: llmadapter.ChunkThinking, Fragment: delta.ReasoningContent})
	}
	for _, tc := range delta.ToolCalls {
		idx := tc.Index
		a, exists := s.acc[idx]
		if !exists {
			a = &toolCallAcc{id: tc.ID, name: tc.Function.Name}
			s.acc[idx] = a
			s.order = append(s.order, idx)
		}
		if tc.ID != "" {
			a.id = tc.ID
		}
		if tc.Function.Name != "" {
			a.name = tc.Function.Name
		}
		a.args.WriteString(tc.Function.Arguments)
		s.pending = append(s.pending, llmadapter.Chunk{
			Kind: llmadapter.ChunkToolCallPart, Index: idx, ID: a.id, Name: a.name, Arguments: tc.Function.Arguments,
		})
	}
}

// flushToolCalls emits the terminal ChunkToolCall for every tool call
// accumulated so far, in first-seen order: exactly one per completed
// call, with Arguments a complete JSON text.
func (s *stream) flushToolCalls() {
	for _, idx := range s.order {
		a := s.acc[idx]
		args := a.args.String()
		if args == "" {
			args = "{}"
		}
		s.pending = append(s.pending, llmadapter.Chunk{
			Kind: llmadapter.ChunkToolCall, Index: idx, ID: a.id, Name: a.name, Arguments: args,
		})
	}
	s.acc = make(map[int]*toolCallAcc)
	s.order = nil
}

func (s *stream) Err() error { return s.err }

func (s *stream) Close() {
	s.cancelWatch()
	s.resp.Body.Close()
}

// --- idle-timeout reader ---

var errIdleTimeout = fmt.Errorf("kimi: SSE read idle timeout")

// errParse marks provider responses the adapter could not turn into a
// complete chunk sequence.
var errParse = fmt.Errorf("parse error")

type timedReader struct {
	r       io.Reader
	timeout time.Duration
}

func (t *timedReader) Read(p []byte) (int, error) {
	type result struct {
		n   int
		err error
	}
	ch := make(chan result, 1)
	go func() {
		n, err := t.r.Read(p)
		ch <- result{n, err}
	}()

	select {
	case res := <-ch:
		return res.n, res.err
	case <-time.After(t.timeout):
		return 0, errIdleTimeout
	}
}

func isIdleTimeout(err error) bool {
	return err != nil && strings.Contains(err.Error(), "SSE read idle timeout")
}
