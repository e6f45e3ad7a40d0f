// Package approval models an interactive step-up approval: a request
// shown to a human and the single decision it may receive.
package approval

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Request describes the tool call awaiting a human decision.
type Request struct {
	ToolName        string
	ToolInput       map[string]any
	RequireWebAuthn bool
}

// Outcome reasons.
const (
	ReasonApproved  = "approved"
	ReasonDenied    = "denied"
	ReasonTimedOut  = "timed out"
	ReasonCancelled = "cancelled"
)

// Outcome is the decision delivered to the waiting caller.
type Outcome struct {
	Approved bool
	Reason   string
}

// Approver runs the approval flow for one request and blocks until it is
// decided. Infrastructure failures are returned as errors; a human denial
// or a timeout is an Outcome with Approved false.
type Approver interface {
	RequestApproval(ctx context.Context, req Request) (Outcome, error)
}

// Pending is one approval in flight. It moves from created to resolved
// exactly once; every later Resolve is rejected.
type Pending struct {
	ID      string
	Request Request

	once    sync.Once
	done    chan struct{}
	outcome Outcome
}

// NewPending allocates a pending approval with a random v4 UUID id.
func NewPending(req Request) *Pending {
	return &Pending{
		ID:      uuid.NewString(),
		Request: req,
		done:    make(chan struct{}),
	}
}

// Resolve records o if no decision was recorded yet. It reports whether
// this call won.
func (p *Pending) Resolve(o Outcome) bool {
	won := false
	p.once.Do(func() {
		p.outcome = o
		won = true
		close(p.done)
	})
	return won
}

// Done is closed once the approval is resolved.
func (p *Pending) Done() <-chan struct{} {
	return p.done
}

// Resolved reports whether a decision was recorded.
func (p *Pending) Resolved() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// Outcome returns the recorded decision. Only meaningful after Done.
func (p *Pending) Outcome() Outcome {
	<-p.done
	return p.outcome
}

// Wait blocks until the approval resolves, ctx ends, or timeout elapses.
// A zero timeout waits indefinitely. On timeout the approval resolves as
// denied so later decisions are rejected.
func (p *Pending) Wait(ctx context.Context, timeout time.Duration) (Outcome, error) {
	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	select {
	case <-p.done:
	case <-expired:
		p.Resolve(Outcome{Approved: false, Reason: ReasonTimedOut})
	case <-ctx.Done():
		if p.Resolve(Outcome{Approved: false, Reason: ReasonCancelled}) {
			return Outcome{}, ctx.Err()
		}
	}
	return p.Outcome(), nil
}
