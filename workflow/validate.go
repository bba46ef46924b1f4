package workflow

import (
	"github.com/maverde73/cortex-flow-sub000/workflow/resolver"
)

// Validate checks the definition for configuration errors: duplicate or
// unknown node references, unresolvable instruction templates, bad operators,
// and cycles other than sanctioned retry edges. Unresolved template
// references are a load-time error, never a substitution-time one.
//
// Nodes must be declared in dependency order: a node's depends_on may only
// name nodes declared before it. Declaration order is therefore a valid
// execution order, and any conditional edge pointing at the source itself or
// at an earlier node is a retry edge, bounded by the target's retry budget.
func (d *Definition) Validate() error {
	if len(d.Nodes) == 0 {
		return Configf("definition has no nodes")
	}
	if d.MaxRetries < 0 {
		return Configf("max_retries must not be negative")
	}

	ids := make(map[string]bool, len(d.Nodes))
	pos := make(map[string]int, len(d.Nodes))
	for i, n := range d.Nodes {
		if n.ID == "" {
			return Configf("node with empty id")
		}
		if n.ID == resolver.RefUserInput {
			return Configf("node id %q is a reserved reference name", n.ID)
		}
		if ids[n.ID] {
			return Configf("duplicate node id %q", n.ID)
		}
		ids[n.ID] = true
		pos[n.ID] = i
	}

	for _, n := range d.Nodes {
		if err := d.validateNode(n, ids); err != nil {
			return err
		}
		for _, dep := range n.DependsOn {
			if pos[dep] >= pos[n.ID] {
				return Configf("node %q depends on %q which is not declared before it", n.ID, dep)
			}
		}
	}
	edgeSources := make(map[string]bool, len(d.Edges))
	for _, e := range d.Edges {
		if edgeSources[e.Source] {
			return Configf("node %q has more than one outgoing edge", e.Source)
		}
		edgeSources[e.Source] = true
		if err := d.validateEdge(e, ids); err != nil {
			return err
		}
	}
	return nil
}

func (d *Definition) validateNode(n Node, ids map[string]bool) error {
	switch n.Kind {
	case KindModel:
		if n.Instruction == "" {
			return Configf("model node %q has no instruction", n.ID)
		}
	case KindTool:
		if n.Capability == "" {
			return Configf("tool node %q names no capability", n.ID)
		}
	case KindResource:
		if n.Capability == "" {
			return Configf("resource node %q names no resource", n.ID)
		}
	default:
		return Configf("node %q has unknown kind %q", n.ID, n.Kind)
	}

	for _, dep := range n.DependsOn {
		if dep == n.ID {
			return Configf("node %q depends on itself", n.ID)
		}
		if !ids[dep] {
			return Configf("node %q depends on unknown node %q", n.ID, dep)
		}
	}
	if n.MaxRetries != nil && *n.MaxRetries < 0 {
		return Configf("node %q: max_retries must not be negative", n.ID)
	}
	if n.Reflection != nil {
		if n.Kind != KindModel {
			return Configf("node %q: reflection requires a model node", n.ID)
		}
		if n.Reflection.Threshold < 0 || n.Reflection.Threshold > 1 {
			return Configf("node %q: reflection threshold must be within [0,1]", n.ID)
		}
		if n.Reflection.MaxRefinements < 0 {
			return Configf("node %q: max_refinements must not be negative", n.ID)
		}
	}

	for _, ref := range resolver.Refs(n.Instruction) {
		if ref != resolver.RefUserInput && !ids[ref] {
			return Configf("node %q references unknown node %q", n.ID, ref)
		}
	}
	for _, v := range n.Args {
		tmpl, ok := v.(string)
		if !ok {
			continue
		}
		for _, ref := range resolver.Refs(tmpl) {
			if ref != resolver.RefUserInput && !ids[ref] {
				return Configf("node %q args reference unknown node %q", n.ID, ref)
			}
		}
	}
	return nil
}

func (d *Definition) validateEdge(e Edge, ids map[string]bool) error {
	if !ids[e.Source] {
		return Configf("edge from unknown node %q", e.Source)
	}
	for _, p := range e.Predicates {
		if p.Field == "" {
			return Configf("edge from %q: predicate with empty field", e.Source)
		}
		switch p.Operator {
		case OpEquals, OpNotEquals, OpContains, OpGreaterThan, OpGreaterEq, OpLessThan, OpLessEq:
		default:
			return Configf("edge from %q: unknown operator %q", e.Source, p.Operator)
		}
		if p.Target == "" {
			return Configf("edge from %q: predicate with empty target", e.Source)
		}
		if !ids[p.Target] {
			return Configf("edge from %q targets unknown node %q", e.Source, p.Target)
		}
	}
	if e.Default != "" && !ids[e.Default] {
		return Configf("edge from %q: default targets unknown node %q", e.Source, e.Default)
	}
	return nil
}

// RetryTarget reports whether an edge from source to target is a retry edge:
// the target is the source itself or a node declared before it. Retry edges
// are the only sanctioned cycles and are bounded by the target's retry
// budget.
func (d *Definition) RetryTarget(source, target string) bool {
	if source == target {
		return true
	}
	si, ti := -1, -1
	for i, n := range d.Nodes {
		switch n.ID {
		case source:
			si = i
		case target:
			ti = i
		}
	}
	return si >= 0 && ti >= 0 && ti < si
}
