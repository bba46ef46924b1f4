package reasoning

import (
	"fmt"
	"time"
)

// Strategy is a named profile fixing the loop's iteration cap, wall-clock
// timeout, and model creativity together. Profiles are selected per node or
// per task and never mixed mid-run.
type Strategy struct {
	// Name identifies the profile ("fast", "balanced", "deep", "creative").
	Name string
	// MaxIterations caps the number of think/act/observe cycles.
	MaxIterations int
	// Timeout bounds the run's wall-clock time. Time spent suspended
	// awaiting a human decision does not count against it.
	Timeout time.Duration
	// Temperature is the model creativity passed to the provider.
	Temperature float64
}

// Built-in strategy profiles. Fast trades depth for latency; deep allows many
// iterations with a long budget; creative raises temperature for generative
// tasks.
var (
	StrategyFast     = Strategy{Name: "fast", MaxIterations: 3, Timeout: 30 * time.Second, Temperature: 0.0}
	StrategyBalanced = Strategy{Name: "balanced", MaxIterations: 10, Timeout: 2 * time.Minute, Temperature: 0.3}
	StrategyDeep     = Strategy{Name: "deep", MaxIterations: 20, Timeout: 10 * time.Minute, Temperature: 0.5}
	StrategyCreative = Strategy{Name: "creative", MaxIterations: 10, Timeout: 3 * time.Minute, Temperature: 0.9}
)

// StrategyByName returns the built-in profile with the given name. An empty
// name selects the balanced profile. Unknown names are a configuration error.
func StrategyByName(name string) (Strategy, error) {
	switch name {
	case "", StrategyBalanced.Name:
		return StrategyBalanced, nil
	case StrategyFast.Name:
		return StrategyFast, nil
	case StrategyDeep.Name:
		return StrategyDeep, nil
	case StrategyCreative.Name:
		return StrategyCreative, nil
	default:
		return Strategy{}, fmt.Errorf("reasoning: unknown strategy %q", name)
	}
}
