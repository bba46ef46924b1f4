package reasoning

import (
	"sync/atomic"
	"time"
)

// StopReason explains why a reasoning run terminated.
type StopReason string

const (
	// StopCompleted means the model produced a final answer.
	StopCompleted StopReason = "completed"
	// StopTimeout means the strategy's wall-clock budget elapsed.
	StopTimeout StopReason = "timeout"
	// StopMaxIterations means the strategy's iteration cap was reached.
	StopMaxIterations StopReason = "max-iterations"
	// StopMaxConsecutiveErrors means capability calls failed too many times
	// in a row.
	StopMaxConsecutiveErrors StopReason = "max-consecutive-errors"
	// StopManual means an external stop signal was honored at an iteration
	// boundary.
	StopManual StopReason = "manual-stop"
	// StopAwaitingApproval marks a run persisted mid-suspension; it is not a
	// terminal reason for an in-process run.
	StopAwaitingApproval StopReason = "awaiting-approval"
)

type (
	// Run is the ephemeral record of one reasoning-loop invocation. It is
	// created at loop entry, mutated each iteration, and returned (or
	// persisted as part of a checkpoint) at a terminal stop reason.
	Run struct {
		// ID uniquely identifies the invocation.
		ID string `json:"id"`
		// Iteration is the number of completed think/act/observe cycles.
		Iteration int `json:"iteration"`
		// Strategy is the profile the run executed under.
		Strategy Strategy `json:"strategy"`
		// ConsecutiveErrors counts capability failures since the last
		// success.
		ConsecutiveErrors int `json:"consecutive_errors"`
		// History is the ordered sequence of recorded transitions.
		History []Event `json:"history"`
		// StopReason is set once, when the run terminates.
		StopReason StopReason `json:"stop_reason"`
		// Output is the final answer text. May be set even for bounded
		// terminations (best draft so far).
		Output string `json:"output"`
		// QualityFlagged marks an output that reflection scored below
		// threshold after exhausting its refinement budget.
		QualityFlagged bool `json:"quality_flagged,omitempty"`
		// Refinements counts consumed reflection refine cycles.
		Refinements int `json:"refinements"`
		// Usage aggregates provider token usage across the run.
		Usage TokenTotals `json:"usage"`
		// StartedAt records loop entry.
		StartedAt time.Time `json:"started_at"`
		// EndedAt records the terminal transition.
		EndedAt time.Time `json:"ended_at"`
	}

	// TokenTotals aggregates token usage across all model calls in a run.
	TokenTotals struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
		TotalTokens  int `json:"total_tokens"`
	}

	// Signal is a cooperative manual-stop flag. Stops are honored at
	// iteration boundaries only; an in-flight capability call runs to
	// completion or its own timeout first.
	Signal struct {
		stopped atomic.Bool
	}
)

// Stop requests a cooperative stop.
func (s *Signal) Stop() {
	if s != nil {
		s.stopped.Store(true)
	}
}

// Stopped reports whether a stop was requested.
func (s *Signal) Stopped() bool {
	return s != nil && s.stopped.Load()
}

// record appends a transition to the run history.
func (r *Run) record(kind EventKind, at time.Time, d time.Duration, payload map[string]any) {
	r.History = append(r.History, Event{
		Kind:      kind,
		Iteration: r.Iteration,
		Timestamp: at,
		Payload:   payload,
		Duration:  d,
	})
}

// addUsage accumulates provider token counts.
func (r *Run) addUsage(in, out, total int) {
	r.Usage.InputTokens += in
	r.Usage.OutputTokens += out
	if total > 0 {
		r.Usage.TotalTokens += total
	} else {
		r.Usage.TotalTokens += in + out
	}
}
