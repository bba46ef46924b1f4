package reasoning

import "time"

// EventKind enumerates the structured events recorded in a run's history.
type EventKind string

const (
	// EventThought records the model's decision for one iteration: a final
	// answer or a capability-call proposal.
	EventThought EventKind = "thought"
	// EventAction records a capability invocation.
	EventAction EventKind = "action"
	// EventObservation records a capability result or failure.
	EventObservation EventKind = "observation"
	// EventReflection records a self-assessment score and decision.
	EventReflection EventKind = "reflection"
	// EventApproval records a human-approval suspension and its resolution.
	EventApproval EventKind = "approval"
	// EventError records a model or gateway failure.
	EventError EventKind = "error"
)

// Event is one recorded transition of the reasoning loop. Every transition is
// recorded regardless of logging verbosity; the logger only controls what is
// surfaced, never what is kept.
type Event struct {
	// Kind identifies the transition.
	Kind EventKind `json:"kind"`
	// Iteration is the loop iteration the event belongs to.
	Iteration int `json:"iteration"`
	// Timestamp is when the transition occurred.
	Timestamp time.Time `json:"timestamp"`
	// Payload carries the transition's data (proposed call, observation
	// text, reflection score, approval decision).
	Payload map[string]any `json:"payload,omitempty"`
	// Duration is how long the transition took, where meaningful (model
	// calls, capability calls, approval waits).
	Duration time.Duration `json:"duration,omitempty"`
}
