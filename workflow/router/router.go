// Package router selects the next node(s) to run after a node completes. It
// evaluates an edge's predicates in declaration order against the run's
// routing metadata, falling back to `key: value` lines parsed from the source
// node's raw output. The first matching predicate's target wins; the edge's
// default applies when none match.
package router

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/maverde73/cortex-flow-sub000/workflow"
	"github.com/maverde73/cortex-flow-sub000/workflow/resolver"
	"github.com/maverde73/cortex-flow-sub000/workflow/state"
)

// MissingKeyError reports a predicate whose field was found in neither the
// run metadata nor the source node's structured output. Guessing a default
// here would mask misconfigured workflows, so this is surfaced as a
// configuration-class failure.
type MissingKeyError struct {
	// Source is the edge's source node.
	Source string
	// Field is the predicate field that could not be located.
	Field string
}

// Error implements the error interface.
func (e *MissingKeyError) Error() string {
	return fmt.Sprintf("router: edge from %q: field %q not present in metadata or source output", e.Source, e.Field)
}

// Next evaluates the edge for the given completed source node and returns the
// target node ID. The boolean reports whether a target was selected; false
// with a nil error means the edge routes nowhere (empty default) and the
// branch terminates.
//
// Given identical metadata and output, Next is deterministic.
func Next(edge workflow.Edge, source string, st *state.State) (string, bool, error) {
	var (
		parsed     map[string]any
		parsedOnce bool
	)
	lookupFallback := func(field string) (any, bool) {
		if !parsedOnce {
			parsedOnce = true
			if out, ok := st.Output(source); ok {
				parsed = ParseStructuredLines(resolver.Render(out))
			}
		}
		v, ok := parsed[field]
		return v, ok
	}

	for _, p := range edge.Predicates {
		val, ok := lookupMetadata(st.CustomMetadata, p.Field)
		if !ok {
			val, ok = lookupFallback(p.Field)
		}
		if !ok {
			return "", false, &MissingKeyError{Source: source, Field: p.Field}
		}
		if matches(p.Operator, val, p.Value) {
			return p.Target, true, nil
		}
	}
	if edge.Default == "" {
		return "", false, nil
	}
	return edge.Default, true, nil
}

// lookupMetadata resolves a dotted field path against nested metadata maps.
func lookupMetadata(meta map[string]any, field string) (any, bool) {
	if meta == nil {
		return nil, false
	}
	parts := strings.Split(field, ".")
	var current any = meta
	for _, part := range parts {
		m, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

// matches applies one predicate operator. Numeric comparisons coerce both
// operands to float64; mismatched types never match.
func matches(op workflow.Operator, actual, expected any) bool {
	switch op {
	case workflow.OpEquals:
		return looseEqual(actual, expected)
	case workflow.OpNotEquals:
		return !looseEqual(actual, expected)
	case workflow.OpContains:
		return contains(actual, expected)
	case workflow.OpGreaterThan, workflow.OpGreaterEq, workflow.OpLessThan, workflow.OpLessEq:
		a, aok := toFloat(actual)
		b, bok := toFloat(expected)
		if !aok || !bok {
			return false
		}
		switch op {
		case workflow.OpGreaterThan:
			return a > b
		case workflow.OpGreaterEq:
			return a >= b
		case workflow.OpLessThan:
			return a < b
		default:
			return a <= b
		}
	default:
		return false
	}
}

func looseEqual(a, b any) bool {
	if af, aok := toFloat(a); aok {
		if bf, bok := toFloat(b); bok {
			return af == bf
		}
		return false
	}
	return a == b
}

func contains(actual, expected any) bool {
	switch v := actual.(type) {
	case string:
		needle, ok := expected.(string)
		return ok && strings.Contains(v, needle)
	case []any:
		for _, item := range v {
			if looseEqual(item, expected) {
				return true
			}
		}
		return false
	default:
		return false
	}
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	default:
		return 0, false
	}
}

// ParseStructuredLines extracts `key: value` lines from free-form node
// output into a metadata map. Booleans and numbers are coerced; everything
// else stays a string. Lines that do not look like a key-value pair are
// ignored.
//
// This free-text convention is a stopgap for providers without structured
// output; prefer declaring metadata keys on the node so extraction happens
// once at commit time.
func ParseStructuredLines(output string) map[string]any {
	result := make(map[string]any)
	for _, line := range strings.Split(output, "\n") {
		key, rawValue, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		if key == "" || strings.ContainsAny(key, " \t") {
			continue
		}
		result[key] = coerceScalar(strings.TrimSpace(rawValue))
	}
	return result
}

func coerceScalar(raw string) any {
	switch strings.ToLower(raw) {
	case "true":
		return true
	case "false":
		return false
	}
	if n, err := strconv.ParseFloat(raw, 64); err == nil {
		return n
	}
	return raw
}
