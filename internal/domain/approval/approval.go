// Package approval implements the single-slot request/response rendezvous
// that gates tool execution on human sign-off.
package approval

import (
	"errors"
	"sync"

	"github.com/ngoclaw/ngoclaw/gateway/internal/domain/entity"
)

// ErrNoPending is returned by Respond when no request is currently pending.
var ErrNoPending = errors.New("approval: no request pending")

// ErrAlreadyResponded is returned by Respond if the result channel it took
// over is already full. Respond and Cancel clear the pending slot under the
// lock before answering, so a second Respond after the first answer gets
// ErrNoPending instead.
var ErrAlreadyResponded = errors.New("approval: request already answered")

// ErrPendingRequest is returned by Request when another request is already
// in flight — at most one request may be outstanding at a time.
var ErrPendingRequest = errors.New("approval: a request is already pending")

// Gate is the approval rendezvous: a single pending slot,
// a yolo bypass, and cancel() semantics that resolve any waiter as reject.
type Gate struct {
	mu      sync.Mutex
	pending *entity.ApprovalRequest
	resultC chan entity.ApprovalResponse
	yolo    bool
}

// New creates a Gate. When yolo is true, Request always resolves as
// approve without ever occupying the pending slot.
func New(yolo bool) *Gate {
	return &Gate{yolo: yolo}
}

// IsYolo reports whether the gate bypasses human approval.
func (g *Gate) IsYolo() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.yolo
}

// Pending returns the currently outstanding request, if any.
func (g *Gate) Pending() (entity.ApprovalRequest, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.pending == nil {
		return entity.ApprovalRequest{}, false
	}
	return *g.pending, true
}

// Request blocks until a matching Respond call arrives, Cancel is invoked,
// or done fires (caller cancellation). In yolo mode it returns approve
// immediately without touching the pending slot. A second Request call
// while one is already pending fails fast with reject — an overlap is a
// bug signal, not something the loop should deadlock on.
func (g *Gate) Request(req entity.ApprovalRequest, done <-chan struct{}) entity.ApprovalResponse {
	g.mu.Lock()
	if g.yolo {
		g.mu.Unlock()
		return entity.ApprovalResponse{Approve: true}
	}
	if g.pending != nil {
		g.mu.Unlock()
		return entity.ApprovalResponse{Reject: true}
	}
	g.pending = &req
	resultC := make(chan entity.ApprovalResponse, 1)
	g.resultC = resultC
	g.mu.Unlock()

	select {
	case resp := <-resultC:
		return resp
	case <-done:
		g.Cancel()
		return entity.ApprovalResponse{Reject: true}
	}
}

// Respond answers the pending request. Fails if no request is pending or
// if one has already been answered.
func (g *Gate) Respond(resp entity.ApprovalResponse) error {
	g.mu.Lock()
	if g.pending == nil || g.resultC == nil {
		g.mu.Unlock()
		return ErrNoPending
	}
	resultC := g.resultC
	g.pending = nil
	g.resultC = nil
	g.mu.Unlock()

	select {
	case resultC <- resp:
		return nil
	default:
		return ErrAlreadyResponded
	}
}

// Cancel resolves any pending request as reject and clears the slot.
func (g *Gate) Cancel() {
	g.mu.Lock()
	if g.pending == nil || g.resultC == nil {
		g.mu.Unlock()
		return
	}
	resultC := g.resultC
	g.pending = nil
	g.resultC = nil
	g.mu.Unlock()

	select {
	case resultC <- entity.ApprovalResponse{Reject: true}:
	default:
	}
}
