// Package resolver substitutes named references into a node's instruction
// template before execution. It is a pure function over the run state: the
// same template and state always yield the same output, and resolving twice
// is idempotent.
//
// Supported references:
//
//	{user_input}        the run's original task text
//	{node_id}           the named node's latest output ("" if it has not run)
//	{@latest:node_id}   the most recent attempt's output for retried nodes
package resolver

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/maverde73/cortex-flow-sub000/workflow/state"
)

// RefUserInput is the reserved reference name for the run's task text.
const RefUserInput = "user_input"

// refPattern matches {node_id} and {@latest:node_id} references.
var refPattern = regexp.MustCompile(`\{(@latest:)?([A-Za-z_][A-Za-z0-9_-]*)\}`)

// Resolve replaces every reference in template with its value from the run
// state. References naming nodes that have not produced output resolve to the
// empty string; references naming nodes absent from the graph are a
// configuration error caught at definition load time, not here. The @latest
// form is a no-op on user_input, which never has attempt history.
func Resolve(template string, st *state.State) string {
	if template == "" || st == nil {
		return template
	}
	return refPattern.ReplaceAllStringFunc(template, func(match string) string {
		groups := refPattern.FindStringSubmatch(match)
		name := groups[2]
		if name == RefUserInput {
			return st.UserInput
		}
		out, ok := st.Output(name)
		if !ok {
			return ""
		}
		return Render(out)
	})
}

// Refs returns the distinct reference names appearing in template, in order
// of first appearance. {@latest:x} and {x} both report "x". Definition
// validation uses this to reject references to unknown nodes at load time.
func Refs(template string) []string {
	var (
		refs []string
		seen = make(map[string]bool)
	)
	for _, groups := range refPattern.FindAllStringSubmatch(template, -1) {
		name := groups[2]
		if seen[name] {
			continue
		}
		seen[name] = true
		refs = append(refs, name)
	}
	return refs
}

// Render converts a node output into its textual substitution form. Strings
// pass through; structured values render as canonical JSON so substitution is
// deterministic.
func Render(out any) string {
	switch v := out.(type) {
	case nil:
		return ""
	case string:
		return v
	case fmt.Stringer:
		return v.String()
	default:
		encoded, err := json.Marshal(v)
		if err != nil {
			return strings.TrimSpace(fmt.Sprintf("%v", v))
		}
		return string(encoded)
	}
}
