// Package state defines the single mutable object threaded through a workflow
// run. One State exists per run; independent runs never share a State, so the
// engine needs no locking beyond the orchestrator's own dispatch discipline.
package state

import (
	"errors"
	"fmt"
	"maps"
	"slices"
)

type (
	// State accumulates the outputs, routing metadata, and retry bookkeeping
	// of one workflow run. Fields carry JSON tags so a State round-trips
	// through the checkpoint store losslessly.
	State struct {
		// SessionID identifies the run for checkpointing and resume.
		SessionID string `json:"session_id"`

		// UserInput is the initial task text. Immutable after creation.
		UserInput string `json:"user_input"`

		// NodeOutputs maps node ID to that node's latest output. Entries are
		// overwritten when a node re-executes on a retry edge.
		NodeOutputs map[string]any `json:"node_outputs"`

		// CompletedNodes is the ordered sequence of node IDs that finished
		// successfully. Append-only; a retried node appears exactly once, at
		// the position of its first successful completion.
		CompletedNodes []string `json:"completed_nodes"`

		// CustomMetadata holds routing signals parsed from node outputs
		// (e.g. has_error, schema_complete).
		CustomMetadata map[string]any `json:"custom_metadata"`

		// RetryCounts maps node ID to its current attempt count within this
		// run. Never reset mid-run.
		RetryCounts map[string]int `json:"node_retry_counts"`

		// NodeErrors records the failure text of each prior attempt, per
		// node, oldest first. Retry instructions include the most recent
		// entries as context.
		NodeErrors map[string][]string `json:"node_errors,omitempty"`

		// Failure is set when the run terminates unsuccessfully.
		Failure *Failure `json:"failure,omitempty"`
	}

	// Failure is the structured terminal failure surfaced to the caller in
	// place of raw provider errors.
	Failure struct {
		// NodeID is the node at which the run failed.
		NodeID string `json:"node_id"`
		// Reason is the stable failure category (e.g. "retry_budget_exceeded").
		Reason string `json:"reason"`
		// Message is the human-readable summary of the last recorded error.
		Message string `json:"message"`
	}
)

// New returns a State for a fresh run.
func New(sessionID, userInput string) *State {
	return &State{
		SessionID:      sessionID,
		UserInput:      userInput,
		NodeOutputs:    make(map[string]any),
		CustomMetadata: make(map[string]any),
		RetryCounts:    make(map[string]int),
		NodeErrors:     make(map[string][]string),
	}
}

// CommitOutput records a node's successful output. The output overwrites any
// prior attempt's entry; the node is appended to CompletedNodes only on its
// first successful completion.
func (s *State) CommitOutput(nodeID string, output any) {
	if s.NodeOutputs == nil {
		s.NodeOutputs = make(map[string]any)
	}
	s.NodeOutputs[nodeID] = output
	if !slices.Contains(s.CompletedNodes, nodeID) {
		s.CompletedNodes = append(s.CompletedNodes, nodeID)
	}
}

// Output returns a node's latest output. The boolean reports whether the node
// has produced one.
func (s *State) Output(nodeID string) (any, bool) {
	out, ok := s.NodeOutputs[nodeID]
	return out, ok
}

// Completed reports whether the node has committed output in this run.
func (s *State) Completed(nodeID string) bool {
	return slices.Contains(s.CompletedNodes, nodeID)
}

// SetMetadata records a routing signal.
func (s *State) SetMetadata(key string, value any) {
	if s.CustomMetadata == nil {
		s.CustomMetadata = make(map[string]any)
	}
	s.CustomMetadata[key] = value
}

// RecordError appends the failure text of a node attempt and increments the
// node's retry count, returning the new count.
func (s *State) RecordError(nodeID, message string) int {
	if s.RetryCounts == nil {
		s.RetryCounts = make(map[string]int)
	}
	if s.NodeErrors == nil {
		s.NodeErrors = make(map[string][]string)
	}
	s.NodeErrors[nodeID] = append(s.NodeErrors[nodeID], message)
	s.RetryCounts[nodeID]++
	return s.RetryCounts[nodeID]
}

// RetryCount returns the node's current attempt count.
func (s *State) RetryCount(nodeID string) int {
	return s.RetryCounts[nodeID]
}

// RecentErrors returns up to max of the node's most recent failure texts,
// oldest first. Bounding the window keeps retry instructions from growing
// past provider input limits.
func (s *State) RecentErrors(nodeID string, max int) []string {
	errs := s.NodeErrors[nodeID]
	if max <= 0 || len(errs) <= max {
		return slices.Clone(errs)
	}
	return slices.Clone(errs[len(errs)-max:])
}

// Fail records the run's terminal failure.
func (s *State) Fail(nodeID, reason, message string) {
	s.Failure = &Failure{NodeID: nodeID, Reason: reason, Message: message}
}

// Check verifies the State invariants: every completed node has output and no
// retry count is negative. A violation indicates an engine bug.
func (s *State) Check() error {
	for _, id := range s.CompletedNodes {
		if _, ok := s.NodeOutputs[id]; !ok {
			return fmt.Errorf("state: completed node %q has no output", id)
		}
	}
	for id, n := range s.RetryCounts {
		if n < 0 {
			return fmt.Errorf("state: node %q has negative retry count", id)
		}
	}
	return nil
}

// Clone returns a deep copy. Checkpointing serializes the clone so later
// mutations never leak into persisted snapshots.
func (s *State) Clone() *State {
	if s == nil {
		return nil
	}
	out := &State{
		SessionID:      s.SessionID,
		UserInput:      s.UserInput,
		NodeOutputs:    maps.Clone(s.NodeOutputs),
		CompletedNodes: slices.Clone(s.CompletedNodes),
		CustomMetadata: maps.Clone(s.CustomMetadata),
		RetryCounts:    maps.Clone(s.RetryCounts),
	}
	if s.NodeErrors != nil {
		out.NodeErrors = make(map[string][]string, len(s.NodeErrors))
		for k, v := range s.NodeErrors {
			out.NodeErrors[k] = slices.Clone(v)
		}
	}
	if s.Failure != nil {
		f := *s.Failure
		out.Failure = &f
	}
	return out
}

// ErrNoOutput is returned by helpers that require a node output which does
// not exist yet.
var ErrNoOutput = errors.New("state: node has not produced output")
