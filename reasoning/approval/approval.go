// Package approval brokers human-in-the-loop gates for capability calls. The
// reasoning loop submits a request before executing a guarded capability and
// blocks until an operator resolves it or the request deadline elapses, at
// which point the broker applies the configured default decision.
package approval

import (
	"context"
	"fmt"
	"path"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Decision is the outcome of an approval request.
type Decision string

const (
	// DecisionApprove executes the capability call as proposed.
	DecisionApprove Decision = "approve"
	// DecisionReject skips the call; the rejection is surfaced to the model
	// as an observation.
	DecisionReject Decision = "reject"
	// DecisionModify executes the call with operator-substituted arguments.
	DecisionModify Decision = "modify"
)

type (
	// Policy decides which capability calls require approval and what
	// happens when nobody answers in time.
	Policy struct {
		// Patterns are path.Match patterns over capability names, for
		// example "database_*" or "*". Empty means nothing is gated.
		Patterns []string
		// Timeout bounds how long a request stays open. Zero means wait
		// until the submit context is canceled.
		Timeout time.Duration
		// DefaultDecision is applied when the timeout elapses. Only
		// DecisionApprove and DecisionReject are valid defaults.
		DefaultDecision Decision
	}

	// Request describes a pending capability call awaiting a decision.
	Request struct {
		ID         string         `json:"id"`
		SessionID  string         `json:"session_id"`
		Capability string         `json:"capability"`
		Args       map[string]any `json:"args,omitempty"`
		// Rationale is the model's stated reason for the call, when known.
		Rationale string    `json:"rationale,omitempty"`
		CreatedAt time.Time `json:"created_at"`
		Deadline  time.Time `json:"deadline,omitempty"`
	}

	// Resolution is an operator's answer to a pending request.
	Resolution struct {
		Decision Decision       `json:"decision"`
		Args     map[string]any `json:"args,omitempty"`
		Note     string         `json:"note,omitempty"`
		// TimedOut is set by the broker when the resolution is the policy
		// default rather than an operator answer.
		TimedOut bool `json:"timed_out,omitempty"`
	}

	// Broker tracks pending requests and matches submissions with
	// resolutions. Safe for concurrent use.
	Broker struct {
		policy Policy

		mu      sync.Mutex
		pending map[string]*pendingReq
	}

	pendingReq struct {
		req  Request
		done chan Resolution
	}
)

// NewBroker returns a broker enforcing the given policy. An unset default
// decision falls back to reject: silence never executes a gated call.
func NewBroker(policy Policy) *Broker {
	if policy.DefaultDecision == "" {
		policy.DefaultDecision = DecisionReject
	}
	return &Broker{
		policy:  policy,
		pending: make(map[string]*pendingReq),
	}
}

// Requires reports whether the named capability is gated by the policy.
func (b *Broker) Requires(capability string) bool {
	if b == nil {
		return false
	}
	for _, pat := range b.policy.Patterns {
		if ok, err := path.Match(pat, capability); err == nil && ok {
			return true
		}
	}
	return false
}

// Submit registers a request and blocks until it is resolved, its deadline
// elapses, or ctx is canceled. On deadline the policy default is returned
// with TimedOut set. On context cancellation the request is withdrawn and the
// context error returned.
func (b *Broker) Submit(ctx context.Context, req Request) (Resolution, error) {
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	if req.CreatedAt.IsZero() {
		req.CreatedAt = time.Now()
	}
	var timeout <-chan time.Time
	if b.policy.Timeout > 0 {
		req.Deadline = req.CreatedAt.Add(b.policy.Timeout)
		t := time.NewTimer(time.Until(req.Deadline))
		defer t.Stop()
		timeout = t.C
	}

	p := &pendingReq{req: req, done: make(chan Resolution, 1)}
	b.mu.Lock()
	b.pending[req.ID] = p
	b.mu.Unlock()
	defer b.remove(req.ID)

	select {
	case res := <-p.done:
		return res, nil
	case <-timeout:
		return Resolution{Decision: b.policy.DefaultDecision, TimedOut: true}, nil
	case <-ctx.Done():
		return Resolution{}, ctx.Err()
	}
}

// Resolve delivers an operator decision to a pending request. It is the
// entry point for out-of-process resolution: any holder of the session and
// request identifiers can answer. Returns an error if the request is unknown
// or already resolved.
func (b *Broker) Resolve(sessionID, requestID string, res Resolution) error {
	b.mu.Lock()
	p, ok := b.pending[requestID]
	if ok {
		delete(b.pending, requestID)
	}
	b.mu.Unlock()
	if !ok {
		return fmt.Errorf("approval: no pending request %q", requestID)
	}
	if p.req.SessionID != sessionID {
		// Put it back; the caller addressed the wrong session.
		b.mu.Lock()
		b.pending[requestID] = p
		b.mu.Unlock()
		return fmt.Errorf("approval: request %q does not belong to session %q", requestID, sessionID)
	}
	p.done <- res
	return nil
}

// Pending returns a snapshot of open requests for the session, ordered by
// creation time. Pass an empty session ID to list all sessions.
func (b *Broker) Pending(sessionID string) []Request {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []Request
	for _, p := range b.pending {
		if sessionID == "" || p.req.SessionID == sessionID {
			out = append(out, p.req)
		}
	}
	sortByCreation(out)
	return out
}

func (b *Broker) remove(id string) {
	b.mu.Lock()
	delete(b.pending, id)
	b.mu.Unlock()
}

func sortByCreation(reqs []Request) {
	for i := 1; i < len(reqs); i++ {
		for j := i; j > 0 && reqs[j].CreatedAt.Before(reqs[j-1].CreatedAt); j-- {
			reqs[j], reqs[j-1] = reqs[j-1], reqs[j]
		}
	}
}
