// Package orchestrator drives a workflow definition to completion. It
// schedules nodes whose dependencies have committed, dispatches each node by
// kind (reasoning run, capability call, resource fetch), applies retry
// budgets with error context, routes on conditional edges, and checkpoints
// state after every commit so runs survive restarts.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/codes"

	"github.com/maverde73/cortex-flow-sub000/checkpoint"
	"github.com/maverde73/cortex-flow-sub000/gateway"
	"github.com/maverde73/cortex-flow-sub000/model"
	"github.com/maverde73/cortex-flow-sub000/reasoning"
	"github.com/maverde73/cortex-flow-sub000/reasoning/approval"
	"github.com/maverde73/cortex-flow-sub000/telemetry"
	"github.com/maverde73/cortex-flow-sub000/workflow"
	"github.com/maverde73/cortex-flow-sub000/workflow/resolver"
	"github.com/maverde73/cortex-flow-sub000/workflow/router"
	"github.com/maverde73/cortex-flow-sub000/workflow/state"
)

const (
	defaultNodeTimeout      = 5 * time.Minute
	defaultRetryWindow      = 1
	defaultMaxRefinements   = 3
	failureRetryBudget      = "retry_budget_exceeded"
	failureConfiguration    = "configuration_error"
	failureDependency       = "dependency_not_satisfied"
	failureNonRetryableCall = "capability_not_found"
)

type (
	// Orchestrator executes workflow definitions. Construct with New; safe
	// for concurrent runs.
	Orchestrator struct {
		client   model.Client
		gw       gateway.Gateway
		catalog  gateway.CatalogProvider
		approver *approval.Broker
		store    checkpoint.Store

		logger  telemetry.Logger
		metrics telemetry.Metrics
		tracer  telemetry.Tracer

		nodeTimeout time.Duration
		retryWindow int
	}

	// Option configures an Orchestrator.
	Option func(*Orchestrator)
)

// WithModel wires the model client used by model nodes.
func WithModel(client model.Client) Option {
	return func(o *Orchestrator) { o.client = client }
}

// WithGateway wires the capability gateway and its catalog.
func WithGateway(gw gateway.Gateway, catalog gateway.CatalogProvider) Option {
	return func(o *Orchestrator) {
		o.gw = gw
		o.catalog = catalog
	}
}

// WithApproval gates sensitive capability calls behind the broker.
func WithApproval(b *approval.Broker) Option {
	return func(o *Orchestrator) { o.approver = b }
}

// WithCheckpoints persists state after each committed node.
func WithCheckpoints(store checkpoint.Store) Option {
	return func(o *Orchestrator) { o.store = store }
}

// WithLogger sets the structured logger.
func WithLogger(logger telemetry.Logger) Option {
	return func(o *Orchestrator) { o.logger = logger }
}

// WithTelemetry sets metrics and tracing.
func WithTelemetry(m telemetry.Metrics, tr telemetry.Tracer) Option {
	return func(o *Orchestrator) {
		o.metrics = m
		o.tracer = tr
	}
}

// WithNodeTimeout overrides the default per-node execution bound.
func WithNodeTimeout(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.nodeTimeout = d
		}
	}
}

// WithRetryContextWindow sets how many recent attempt errors are included in
// a retried node's instruction.
func WithRetryContextWindow(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.retryWindow = n
		}
	}
}

// New builds an orchestrator.
func New(opts ...Option) *Orchestrator {
	o := &Orchestrator{
		logger:      telemetry.NewNoopLogger(),
		metrics:     telemetry.NewNoopMetrics(),
		tracer:      telemetry.NewNoopTracer(),
		nodeTimeout: defaultNodeTimeout,
		retryWindow: defaultRetryWindow,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Run executes the definition against the user input under a fresh session
// and returns the final state. A failed run returns both the state, with its
// failure record populated, and the terminal error.
func (o *Orchestrator) Run(ctx context.Context, def *workflow.Definition, userInput string) (*state.State, error) {
	if err := def.Validate(); err != nil {
		return nil, err
	}
	st := state.New(uuid.NewString(), userInput)
	return st, o.execute(ctx, def, st)
}

// Resume continues a checkpointed run from its last committed node. The
// definition must be the one the session was started with.
func (o *Orchestrator) Resume(ctx context.Context, def *workflow.Definition, sessionID string) (*state.State, error) {
	if o.store == nil {
		return nil, errors.New("orchestrator: no checkpoint store configured")
	}
	if err := def.Validate(); err != nil {
		return nil, err
	}
	st, err := o.store.Load(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if st.Failure != nil {
		return st, fmt.Errorf("orchestrator: session %q already failed at node %q", sessionID, st.Failure.NodeID)
	}
	return st, o.execute(ctx, def, st)
}

// execute drives the scheduling loop until the graph completes, a branch
// terminates, or a node fails terminally.
func (o *Orchestrator) execute(ctx context.Context, def *workflow.Definition, st *state.State) error {
	ctx, span := o.tracer.Start(ctx, "workflow.run")
	defer span.End()
	start := time.Now()
	o.logger.Info(ctx, "workflow started", "workflow", def.Name, "session_id", st.SessionID)

	catalog := newCachedCatalog(o.catalog)
	// Declaration order is a valid execution order (Validate enforces it).
	// Conditional edges jump the cursor; a jump to an earlier node re-runs
	// the stretch between it and the jump source with fresh outputs.
	idx := firstPending(def, st)
	for idx >= 0 && idx < len(def.Nodes) {
		node := def.Nodes[idx]

		if err := o.runNode(ctx, def, node, st, catalog); err != nil {
			span.SetStatus(codes.Error, err.Error())
			o.metrics.IncCounter("workflow.runs", 1, "workflow", def.Name, "outcome", "failed")
			return err
		}

		next, terminal, err := o.route(ctx, def, node, st)
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
			o.metrics.IncCounter("workflow.runs", 1, "workflow", def.Name, "outcome", "failed")
			return err
		}
		switch {
		case terminal:
			idx = len(def.Nodes)
		case next == "":
			idx++
		default:
			idx = nodeIndex(def, next)
		}
	}

	if err := st.Check(); err != nil {
		return err
	}
	o.checkpoint(ctx, st)
	o.logger.Info(ctx, "workflow completed", "workflow", def.Name, "session_id", st.SessionID,
		"nodes", len(st.CompletedNodes), "duration", time.Since(start))
	o.metrics.IncCounter("workflow.runs", 1, "workflow", def.Name, "outcome", "completed")
	o.metrics.RecordTimer("workflow.run.duration", time.Since(start), "workflow", def.Name)
	span.SetStatus(codes.Ok, "completed")
	return nil
}

// route evaluates the source node's conditional edge, if any. It returns the
// jump target, or terminal=true when routing ends the run, or ("", false)
// when the cursor should simply advance to the next declared node.
func (o *Orchestrator) route(ctx context.Context, def *workflow.Definition, source workflow.Node, st *state.State) (string, bool, error) {
	edge, ok := def.EdgeBySource(source.ID)
	if !ok {
		return "", false, nil
	}

	target, routed, err := router.Next(edge, source.ID, st)
	if err != nil {
		o.fail(ctx, st, source.ID, failureConfiguration, err)
		return "", false, err
	}
	if !routed {
		// Empty default with no matching predicate ends the run.
		o.logger.Info(ctx, "run terminated by routing", "session_id", st.SessionID, "source", source.ID)
		return "", true, nil
	}
	o.logger.Debug(ctx, "routed", "session_id", st.SessionID, "source", source.ID, "target", target)

	if def.RetryTarget(source.ID, target) {
		// Sanctioned retry edge: another attempt of the target, charged
		// against the target's retry budget.
		targetNode, _ := def.NodeByID(target)
		reason := fmt.Sprintf("routing sent the run back to %q after %q", target, source.ID)
		// Carry the output that triggered the route so the retried node
		// sees what went wrong even when its template never references
		// the source.
		if out, ok := st.Output(source.ID); ok {
			if rendered := resolver.Render(out); rendered != "" {
				reason += fmt.Sprintf("\n%s returned:\n%s", source.ID, rendered)
			}
		}
		attempts := st.RecordError(target, reason)
		budget := targetNode.RetryBudget(def.MaxRetries)
		if attempts > budget {
			err := &RetryBudgetExceededError{NodeID: target, Attempts: attempts, Last: errors.New(reason)}
			o.fail(ctx, st, target, failureRetryBudget, err)
			return "", false, err
		}
		o.metrics.IncCounter("workflow.node.retries", 1, "node", target, "cause", "routing")
	}
	return target, false, nil
}

// runNode executes one node, retrying on recoverable failures until it
// commits or its budget is exhausted.
func (o *Orchestrator) runNode(ctx context.Context, def *workflow.Definition, node workflow.Node, st *state.State, catalog gateway.CatalogProvider) error {
	if missing := missingDeps(node, st); len(missing) > 0 {
		err := &DependencyNotSatisfiedError{NodeID: node.ID, Missing: missing}
		o.fail(ctx, st, node.ID, failureDependency, err)
		return err
	}

	budget := node.RetryBudget(def.MaxRetries)
	for {
		output, err := o.dispatch(ctx, node, st, catalog)
		if err == nil {
			o.commit(ctx, node, st, output)
			return nil
		}

		if !gateway.Retryable(err) {
			o.fail(ctx, st, node.ID, failureNonRetryableCall, err)
			return err
		}
		if workflow.IsConfigurationError(err) {
			o.fail(ctx, st, node.ID, failureConfiguration, err)
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			o.fail(ctx, st, node.ID, failureConfiguration, ctxErr)
			return ctxErr
		}

		attempts := st.RecordError(node.ID, err.Error())
		o.logger.Warn(ctx, "node attempt failed", "session_id", st.SessionID,
			"node", node.ID, "attempt", attempts, "error", err)
		o.metrics.IncCounter("workflow.node.retries", 1, "node", node.ID, "cause", "error")
		if attempts > budget {
			terminal := &RetryBudgetExceededError{NodeID: node.ID, Attempts: attempts, Last: err}
			o.fail(ctx, st, node.ID, failureRetryBudget, terminal)
			return terminal
		}
	}
}

// dispatch executes one attempt of a node according to its kind.
func (o *Orchestrator) dispatch(ctx context.Context, node workflow.Node, st *state.State, catalog gateway.CatalogProvider) (any, error) {
	ctx, span := o.tracer.Start(ctx, "workflow.node."+node.ID)
	defer span.End()
	start := time.Now()
	defer func() {
		o.metrics.RecordTimer("workflow.node.duration", time.Since(start), "node", node.ID, "kind", string(node.Kind))
	}()

	timeout := node.Timeout.Duration()
	if timeout <= 0 {
		timeout = o.nodeTimeout
	}

	switch node.Kind {
	case workflow.KindModel:
		return o.dispatchModel(ctx, node, st, catalog, timeout)
	case workflow.KindTool:
		if o.gw == nil {
			return nil, workflow.Configf("node %q requires a capability gateway", node.ID)
		}
		args := resolveArgs(node.Args, st)
		return o.gw.Call(ctx, node.Capability, args, timeout)
	case workflow.KindResource:
		if o.gw == nil {
			return nil, workflow.Configf("node %q requires a capability gateway", node.ID)
		}
		return o.gw.Read(ctx, node.Capability, timeout)
	default:
		return nil, workflow.Configf("node %q: unknown kind %q", node.ID, node.Kind)
	}
}

func (o *Orchestrator) dispatchModel(ctx context.Context, node workflow.Node, st *state.State, catalog gateway.CatalogProvider, timeout time.Duration) (any, error) {
	if o.client == nil {
		return nil, workflow.Configf("node %q requires a model client", node.ID)
	}
	if _, err := reasoning.StrategyByName(node.Strategy); err != nil {
		return nil, workflow.Configf("node %q: %v", node.ID, err)
	}
	instruction := o.resolveInstruction(node, st)

	if node.SingleShot {
		return o.completeOnce(ctx, node, instruction, timeout)
	}

	opts := []reasoning.Option{
		reasoning.WithLogger(o.logger),
		reasoning.WithTelemetry(o.metrics, o.tracer),
	}
	if o.gw != nil {
		opts = append(opts, reasoning.WithGateway(o.gw, catalog))
	}
	if o.approver != nil {
		opts = append(opts, reasoning.WithApproval(o.approver))
	}
	if node.Reflection != nil {
		maxRefinements := node.Reflection.MaxRefinements
		if maxRefinements <= 0 {
			maxRefinements = defaultMaxRefinements
		}
		opts = append(opts, reasoning.WithReflection(reasoning.ReflectionConfig{
			Reflector:      &reasoning.ModelReflector{Client: o.client},
			Threshold:      node.Reflection.Threshold,
			MaxRefinements: maxRefinements,
		}))
	}

	// The strategy profile carries its own wall-clock budget; the node
	// timeout is the outer bound and wins when it is tighter. The loop
	// checks the context at the top of every cycle.
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	loop := reasoning.NewLoop(o.client, opts...)
	run, err := loop.Execute(ctx, reasoning.Task{
		SessionID:   st.SessionID,
		Instruction: instruction,
		Strategy:    node.Strategy,
	}, nil)
	if err != nil {
		return nil, err
	}
	switch run.StopReason {
	case reasoning.StopCompleted:
		if run.QualityFlagged {
			st.SetMetadata(node.ID+"_quality_flagged", true)
		}
		return run.Output, nil
	default:
		return nil, fmt.Errorf("node %q: reasoning stopped without an answer: %s", node.ID, run.StopReason)
	}
}

// completeOnce issues a single completion with no tool access.
func (o *Orchestrator) completeOnce(ctx context.Context, node workflow.Node, instruction string, timeout time.Duration) (any, error) {
	strategy, err := reasoning.StrategyByName(node.Strategy)
	if err != nil {
		return nil, workflow.Configf("node %q: %v", node.ID, err)
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	resp, err := o.client.Complete(ctx, model.Request{
		Messages:    []model.Message{{Role: model.RoleUser, Content: instruction}},
		Temperature: strategy.Temperature,
	})
	if err != nil {
		return nil, err
	}
	return resp.Text, nil
}

// resolveInstruction substitutes state references into the node's template
// and appends the most recent attempt errors so a retry can correct them.
func (o *Orchestrator) resolveInstruction(node workflow.Node, st *state.State) string {
	instruction := resolver.Resolve(node.Instruction, st)
	recent := st.RecentErrors(node.ID, o.retryWindow)
	if len(recent) == 0 {
		return instruction
	}
	var b strings.Builder
	b.WriteString(instruction)
	b.WriteString("\n\nYour previous attempt failed:\n")
	for _, msg := range recent {
		b.WriteString(msg)
		b.WriteString("\n")
	}
	b.WriteString("Correct the problem and try again.")
	return b.String()
}

// commit records a node's output, extracts declared routing metadata, and
// checkpoints the run.
func (o *Orchestrator) commit(ctx context.Context, node workflow.Node, st *state.State, output any) {
	st.CommitOutput(node.ID, output)
	if len(node.MetadataKeys) > 0 {
		parsed := router.ParseStructuredLines(resolver.Render(output))
		for _, key := range node.MetadataKeys {
			if v, ok := parsed[key]; ok {
				st.SetMetadata(key, v)
			}
		}
	}
	o.logger.Info(ctx, "node committed", "session_id", st.SessionID, "node", node.ID,
		"attempt", st.RetryCount(node.ID)+1)
	o.checkpoint(ctx, st)
}

// fail records the terminal failure on the state and checkpoints it.
func (o *Orchestrator) fail(ctx context.Context, st *state.State, nodeID, reason string, err error) {
	st.Fail(nodeID, reason, err.Error())
	o.logger.Error(ctx, "workflow failed", "session_id", st.SessionID, "node", nodeID,
		"reason", reason, "error", err)
	o.checkpoint(ctx, st)
}

// checkpoint saves state when a store is configured. Persistence failures
// are logged, not fatal: the in-memory run is still authoritative.
func (o *Orchestrator) checkpoint(ctx context.Context, st *state.State) {
	if o.store == nil {
		return
	}
	if err := o.store.Save(ctx, st); err != nil {
		o.logger.Error(ctx, "checkpoint save failed", "session_id", st.SessionID, "error", err)
	}
}

// firstPending returns the index of the first node that has not committed
// output, or len(Nodes) when every node has. Resume uses it to skip the
// completed prefix of an interrupted run.
func firstPending(def *workflow.Definition, st *state.State) int {
	for i, n := range def.Nodes {
		if !st.Completed(n.ID) {
			return i
		}
	}
	return len(def.Nodes)
}

func nodeIndex(def *workflow.Definition, id string) int {
	for i, n := range def.Nodes {
		if n.ID == id {
			return i
		}
	}
	return len(def.Nodes)
}

func missingDeps(node workflow.Node, st *state.State) []string {
	var missing []string
	for _, dep := range node.DependsOn {
		if !st.Completed(dep) {
			missing = append(missing, dep)
		}
	}
	return missing
}

// resolveArgs substitutes state references into string argument values,
// recursing through nested maps and slices.
func resolveArgs(args map[string]any, st *state.State) map[string]any {
	if len(args) == 0 {
		return nil
	}
	out := make(map[string]any, len(args))
	for k, v := range args {
		out[k] = resolveValue(v, st)
	}
	return out
}

func resolveValue(v any, st *state.State) any {
	switch val := v.(type) {
	case string:
		return resolver.Resolve(val, st)
	case map[string]any:
		return resolveArgs(val, st)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = resolveValue(item, st)
		}
		return out
	default:
		return v
	}
}

// cachedCatalog lists capabilities from the underlying provider once per run
// and reuses the result for every model node.
type cachedCatalog struct {
	provider gateway.CatalogProvider
	once     sync.Once
	caps     []gateway.Capability
	err      error
}

func newCachedCatalog(provider gateway.CatalogProvider) gateway.CatalogProvider {
	if provider == nil {
		return nil
	}
	return &cachedCatalog{provider: provider}
}

func (c *cachedCatalog) ListCapabilities(ctx context.Context) ([]gateway.Capability, error) {
	c.once.Do(func() {
		c.caps, c.err = c.provider.ListCapabilities(ctx)
	})
	return c.caps, c.err
}
