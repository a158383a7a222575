// Package wire implements the one-producer many-consumer event broadcast
// the agent loop emits on: a raw view that delivers every event in send
// order, and a merged view that coalesces adjacent TextPart events. A
// consumer that falls behind is skipped ahead to the oldest retained event
// rather than silently dropped or allowed to stall the producer.
package wire

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/ngoclaw/ngoclaw/gateway/internal/domain/entity"
	"go.uber.org/zap"
)

// ErrClosed is returned by Recv/TryRecv once a consumer has drained every
// event the producer ever sent and the Wire has been closed.
var ErrClosed = errors.New("wire: closed")

const defaultCapacity = 1024

// Wire is the broadcast channel. The zero value is not usable; use New.
type Wire struct {
	logger *zap.Logger

	raw    *ring
	merged *ring

	mergeMu     sync.Mutex
	pendingText strings.Builder
	hasPending  bool
}

// New creates a Wire with the given bounded capacity (events retained for
// lag-tolerant consumers to catch up on); capacity <= 0 uses the default
// of 1024.
func New(capacity int, logger *zap.Logger) *Wire {
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Wire{
		logger: logger,
		raw:    newRing(capacity),
		merged: newRing(capacity),
	}
}

// Send atomically delivers an event to both the raw and merged views.
// Never blocks: the underlying ring drops its oldest retained event when
// over capacity rather than stall the producer.
func (w *Wire) Send(e entity.WireEvent) {
	w.raw.append(e)
	w.mergeAppend(e)
}

// Flush drains any buffered merged-view text into the merged view as one
// TextPart event. Called internally before any non-TextPart event and
// explicitly by Close.
func (w *Wire) Flush() {
	w.mergeMu.Lock()
	defer w.mergeMu.Unlock()
	w.flushLocked()
}

func (w *Wire) flushLocked() {
	if !w.hasPending {
		return
	}
	text := w.pendingText.String()
	w.pendingText.Reset()
	w.hasPending = false
	w.merged.append(entity.TextPartEvent(text))
}

func (w *Wire) mergeAppend(e entity.WireEvent) {
	w.mergeMu.Lock()
	defer w.mergeMu.Unlock()

	if e.IsTextPart() {
		w.pendingText.WriteString(e.Text)
		w.hasPending = true
		return
	}
	w.flushLocked()
	w.merged.append(e)
}

// Close flushes any pending merged text and marks both views closed. Safe
// to call once the producer is done sending for the turn.
func (w *Wire) Close() {
	w.Flush()
	w.raw.close()
	w.merged.close()
}

// Raw subscribes a new raw-view consumer. The consumer observes only
// events sent after subscription.
func (w *Wire) Raw() *Consumer { return w.raw.subscribe(w.logger) }

// Merged subscribes a new merged-view consumer.
func (w *Wire) Merged() *Consumer { return w.merged.subscribe(w.logger) }

// Consumer is one subscriber's view into a ring (raw or merged). A
// consumer that falls more than the Wire's capacity behind is skipped
// ahead to the oldest retained event; every skip is logged and added to
// the Lagged counter so the gap is never silent.
type Consumer struct {
	r       *ring
	nextSeq int64
	lagged  int64
	logger  *zap.Logger
}

// Recv blocks until the next event is available or the Wire closes. ctx is
// checked before each wait, so a cancellation that arrives while Recv is
// waiting is noticed on the next Send or Close.
func (c *Consumer) Recv(ctx context.Context) (entity.WireEvent, error) {
	return c.r.recv(ctx, c)
}

// TryRecv returns immediately: an event, or (zero, false, nil) if none is
// currently available, or (zero, false, ErrClosed) if the wire is closed
// and drained.
func (c *Consumer) TryRecv() (entity.WireEvent, bool, error) {
	return c.r.tryRecv(c)
}

// Lagged reports how many events this consumer has skipped in total
// because it fell behind the producer.
func (c *Consumer) Lagged() int64 {
	c.r.mu.Lock()
	defer c.r.mu.Unlock()
	return c.lagged
}

// ring is a bounded sequence of events with monotonically increasing
// sequence numbers; consumers falling more than capacity events behind
// have their cursor advanced to the oldest retained event and are told how
// many they skipped.
type ring struct {
	mu       sync.Mutex
	cond     *sync.Cond
	buf      []entity.WireEvent
	start    int64 // sequence number of buf[0]
	capacity int
	closed   bool
}

func newRing(capacity int) *ring {
	r := &ring{capacity: capacity}
	r.cond = sync.NewCond(&r.mu)
	return r
}

func (r *ring) append(e entity.WireEvent) {
	r.mu.Lock()
	r.buf = append(r.buf, e)
	if len(r.buf) > r.capacity {
		drop := len(r.buf) - r.capacity
		r.buf = r.buf[drop:]
		r.start += int64(drop)
	}
	r.mu.Unlock()
	r.cond.Broadcast()
}

func (r *ring) close() {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	r.cond.Broadcast()
}

func (r *ring) subscribe(logger *zap.Logger) *Consumer {
	r.mu.Lock()
	defer r.mu.Unlock()
	return &Consumer{r: r, nextSeq: r.start + int64(len(r.buf)), logger: logger}
}

// recv blocks until an event is available at or after the consumer's
// cursor, advancing the cursor past any lag gap first.
func (r *ring) recv(ctx context.Context, c *Consumer) (entity.WireEvent, error) {
	r.mu.Lock()
	for {
		if e, ok, closed := r.takeLocked(c); ok || closed {
			r.mu.Unlock()
			if closed {
				return entity.WireEvent{}, ErrClosed
			}
			return e, nil
		}
		if ctx != nil {
			done := ctx.Done()
			if done != nil {
				select {
				case <-done:
					r.mu.Unlock()
					return entity.WireEvent{}, ctx.Err()
				default:
				}
			}
		}
		r.cond.Wait()
	}
}

func (r *ring) tryRecv(c *Consumer) (entity.WireEvent, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok, closed := r.takeLocked(c)
	if closed {
		return entity.WireEvent{}, false, ErrClosed
	}
	return e, ok, nil
}

// takeLocked must be called with r.mu held. It returns (event, true, false)
// when an event was taken, (_, false, true) when the ring is closed and
// fully drained, and (_, false, false) when the caller should keep waiting.
func (r *ring) takeLocked(c *Consumer) (entity.WireEvent, bool, bool) {
	idx := c.nextSeq - r.start
	if idx < 0 {
		// Consumer fell behind by more than capacity: skip ahead to the
		// oldest retained event and record the gap.
		skipped := -idx
		c.lagged += skipped
		if c.logger != nil {
			c.logger.Warn("wire: consumer lagged, skipping ahead",
				zap.Int64("skipped", skipped),
				zap.Int64("total_lagged", c.lagged),
			)
		}
		c.nextSeq = r.start
		idx = 0
	}
	if idx < int64(len(r.buf)) {
		e := r.buf[idx]
		c.nextSeq++
		return e, true, false
	}
	if r.closed {
		return entity.WireEvent{}, false, true
	}
	return entity.WireEvent{}, false, false
}
