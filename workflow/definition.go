// Package workflow defines the immutable graph a run executes: nodes, their
// dependencies, and the conditional edges that route between them. A
// Definition is validated once at load time; malformed graphs surface as
// ConfigurationError and are never retried.
package workflow

import (
	"time"

	"gopkg.in/yaml.v3"
)

// NodeKind selects the per-node execution contract.
type NodeKind string

const (
	// KindModel nodes invoke a language model, either through the full
	// reasoning loop or as a single-shot completion.
	KindModel NodeKind = "model"
	// KindTool nodes invoke one external capability through the gateway.
	KindTool NodeKind = "tool"
	// KindResource nodes fetch a read-only resource through the gateway.
	KindResource NodeKind = "resource"
)

type (
	// Definition is the immutable description of a workflow graph. Once
	// loaded for a run it never changes; all mutable run data lives in the
	// run's State.
	Definition struct {
		// Name identifies the workflow for logging and checkpoint keys.
		Name string `yaml:"name"`

		// Nodes is the set of units of work. Node IDs are unique.
		Nodes []Node `yaml:"nodes"`

		// Edges is the ordered list of conditional edges. Order matters:
		// within an edge, predicates are evaluated in declaration order.
		Edges []Edge `yaml:"edges,omitempty"`

		// MaxRetries is the per-node retry budget applied when a node does
		// not override it. Zero means no retries.
		MaxRetries int `yaml:"max_retries,omitempty"`
	}

	// Node is one unit of work in the graph: a model call, a tool call, or a
	// resource fetch.
	Node struct {
		// ID uniquely identifies the node within the definition.
		ID string `yaml:"id"`

		// Kind selects the execution contract.
		Kind NodeKind `yaml:"kind"`

		// Instruction is the unresolved instruction template. It may
		// reference {user_input}, {node_id}, and {@latest:node_id}.
		Instruction string `yaml:"instruction,omitempty"`

		// Capability names the gateway capability (tool nodes) or resource
		// (resource nodes) to invoke. Ignored for model nodes.
		Capability string `yaml:"capability,omitempty"`

		// Args carries the tool-call arguments. String values are templates
		// resolved against the run state before dispatch.
		Args map[string]any `yaml:"args,omitempty"`

		// DependsOn lists node IDs that must have committed output before
		// this node is eligible.
		DependsOn []string `yaml:"depends_on,omitempty"`

		// Timeout bounds this node's execution. Zero means the
		// orchestrator default.
		Timeout Duration `yaml:"timeout,omitempty"`

		// MaxRetries overrides the definition-level retry budget for this
		// node. Nil means inherit.
		MaxRetries *int `yaml:"max_retries,omitempty"`

		// Strategy names the reasoning profile for model nodes ("fast",
		// "balanced", "deep", "creative"). Empty means balanced.
		Strategy string `yaml:"strategy,omitempty"`

		// SingleShot forces a model node to issue one completion without
		// the reasoning loop or tool access.
		SingleShot bool `yaml:"single_shot,omitempty"`

		// Reflection enables self-assessment for model nodes.
		Reflection *Reflection `yaml:"reflection,omitempty"`

		// MetadataKeys lists the `key: value` lines to parse from this
		// node's output into the run's routing metadata.
		MetadataKeys []string `yaml:"metadata_keys,omitempty"`
	}

	// Reflection configures self-assessment: the model scores its draft
	// answer and either accepts it, refines it, or flags it insufficient.
	Reflection struct {
		// Threshold is the minimum acceptable quality score (0.0-1.0).
		Threshold float64 `yaml:"threshold"`

		// MaxRefinements bounds refine cycles, independent of the main
		// iteration cap. Zero means the engine default.
		MaxRefinements int `yaml:"max_refinements,omitempty"`
	}

	// Edge routes from a completed source node to the next node(s). The
	// first matching predicate wins; Default applies when none match.
	Edge struct {
		// Source is the node whose completion triggers evaluation.
		Source string `yaml:"source"`

		// Predicates are evaluated in order against the run's metadata
		// (preferred) or the source node's structured output lines.
		Predicates []Predicate `yaml:"predicates,omitempty"`

		// Default is the target when no predicate matches. A Default equal
		// to Source is a sanctioned retry edge.
		Default string `yaml:"default"`
	}

	// Predicate is one routing rule: a field path, an operator, a comparison
	// value, and the target node selected on match.
	Predicate struct {
		// Field is the metadata key (dotted paths address nested maps).
		Field string `yaml:"field"`

		// Operator compares the field value to Value.
		Operator Operator `yaml:"operator"`

		// Value is the comparison operand.
		Value any `yaml:"value"`

		// Target is the node to run when the predicate matches. A Target
		// equal to the edge's Source is a sanctioned retry edge.
		Target string `yaml:"target"`
	}

	// Operator enumerates predicate comparison operators.
	Operator string

	// Duration wraps time.Duration with lossless YAML round-tripping in Go
	// duration syntax ("30s", "2m").
	Duration time.Duration
)

// Predicate operators.
const (
	OpEquals      Operator = "equals"
	OpNotEquals   Operator = "not_equals"
	OpContains    Operator = "contains"
	OpGreaterThan Operator = "gt"
	OpGreaterEq   Operator = "gte"
	OpLessThan    Operator = "lt"
	OpLessEq      Operator = "lte"
)

// Duration returns the wrapped time.Duration.
func (d Duration) Duration() time.Duration { return time.Duration(d) }

// MarshalYAML renders the duration in Go syntax.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// UnmarshalYAML parses Go duration syntax.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	if raw == "" {
		*d = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

// RetryBudget returns the node's effective retry budget given the
// definition-level default.
func (n Node) RetryBudget(defaultBudget int) int {
	if n.MaxRetries != nil {
		return *n.MaxRetries
	}
	return defaultBudget
}

// NodeByID returns the node with the given ID. The boolean reports whether it
// exists.
func (d *Definition) NodeByID(id string) (Node, bool) {
	for _, n := range d.Nodes {
		if n.ID == id {
			return n, true
		}
	}
	return Node{}, false
}

// EdgeBySource returns the first edge whose source is the given node. The
// boolean reports whether one exists.
func (d *Definition) EdgeBySource(source string) (Edge, bool) {
	for _, e := range d.Edges {
		if e.Source == source {
			return e, true
		}
	}
	return Edge{}, false
}
