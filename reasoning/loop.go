// Package reasoning implements the single-agent think/act/observe loop. A
// Loop drives a model client through bounded iterations, executing proposed
// capability calls through a gateway, suspending on human-approval gates, and
// optionally scoring its own final answers before returning them.
package reasoning

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/maverde73/cortex-flow-sub000/gateway"
	"github.com/maverde73/cortex-flow-sub000/model"
	"github.com/maverde73/cortex-flow-sub000/reasoning/approval"
	"github.com/maverde73/cortex-flow-sub000/telemetry"
)

// DefaultMaxConsecutiveErrors is how many capability or model failures in a
// row terminate a run when no override is configured.
const DefaultMaxConsecutiveErrors = 3

// defaultCapabilityTimeout bounds a single gateway call when the task does
// not set one.
const defaultCapabilityTimeout = 30 * time.Second

type (
	// Loop executes reasoning runs. Construct with NewLoop; safe for
	// concurrent use across runs.
	Loop struct {
		client   model.Client
		gw       gateway.Gateway
		catalog  gateway.CatalogProvider
		approver *approval.Broker
		reflect  *ReflectionConfig

		logger  telemetry.Logger
		metrics telemetry.Metrics
		tracer  telemetry.Tracer
		now     func() time.Time

		maxConsecutiveErrors int
		capabilityTimeout    time.Duration
	}

	// Task is one unit of work handed to the loop.
	Task struct {
		// SessionID groups the run with its workflow session. Used to
		// address approval requests.
		SessionID string
		// Instruction is the fully resolved task text.
		Instruction string
		// SystemPrompt optionally overrides the default system framing.
		SystemPrompt string
		// Strategy names the profile to run under; empty means balanced.
		Strategy string
		// Model optionally overrides the adapter's default model.
		Model string
		// SingleShot permits at most one capability call; after it the model
		// must answer from what it has.
		SingleShot bool
	}

	// Option configures a Loop.
	Option func(*Loop)
)

// WithGateway wires the capability gateway and its catalog.
func WithGateway(gw gateway.Gateway, catalog gateway.CatalogProvider) Option {
	return func(l *Loop) {
		l.gw = gw
		l.catalog = catalog
	}
}

// WithApproval gates capability calls behind the broker's policy.
func WithApproval(b *approval.Broker) Option {
	return func(l *Loop) { l.approver = b }
}

// WithReflection enables self-assessment of final answers.
func WithReflection(cfg ReflectionConfig) Option {
	return func(l *Loop) { l.reflect = &cfg }
}

// WithLogger sets the structured logger.
func WithLogger(logger telemetry.Logger) Option {
	return func(l *Loop) { l.logger = logger }
}

// WithTelemetry sets metrics and tracing.
func WithTelemetry(m telemetry.Metrics, tr telemetry.Tracer) Option {
	return func(l *Loop) {
		l.metrics = m
		l.tracer = tr
	}
}

// WithMaxConsecutiveErrors overrides the consecutive-failure threshold.
func WithMaxConsecutiveErrors(n int) Option {
	return func(l *Loop) {
		if n > 0 {
			l.maxConsecutiveErrors = n
		}
	}
}

// WithCapabilityTimeout bounds individual gateway calls.
func WithCapabilityTimeout(d time.Duration) Option {
	return func(l *Loop) {
		if d > 0 {
			l.capabilityTimeout = d
		}
	}
}

// WithClock overrides the time source. Tests use this to drive timeout
// behavior deterministically.
func WithClock(now func() time.Time) Option {
	return func(l *Loop) { l.now = now }
}

// NewLoop builds a reasoning loop around the given model client.
func NewLoop(client model.Client, opts ...Option) *Loop {
	l := &Loop{
		client:               client,
		logger:               telemetry.NewNoopLogger(),
		metrics:              telemetry.NewNoopMetrics(),
		tracer:               telemetry.NewNoopTracer(),
		now:                  time.Now,
		maxConsecutiveErrors: DefaultMaxConsecutiveErrors,
		capabilityTimeout:    defaultCapabilityTimeout,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

const defaultSystemPrompt = `You are a capable assistant completing a task. When tools are available, call one when you need information or side effects; otherwise answer directly and completely. Give your final answer as plain text with no preamble.`

// Execute runs the task to a terminal stop reason. A nil signal disables
// manual stops. The returned Run always carries the full event history;
// a non-nil error means the run could not proceed at all (bad strategy,
// catalog failure, canceled context), and the Run reflects progress up to
// that point.
func (l *Loop) Execute(ctx context.Context, task Task, signal *Signal) (*Run, error) {
	strategy, err := StrategyByName(task.Strategy)
	if err != nil {
		return nil, err
	}

	run := &Run{
		ID:        uuid.NewString(),
		Strategy:  strategy,
		StartedAt: l.now(),
	}

	ctx, span := l.tracer.Start(ctx, "reasoning.execute")
	defer span.End()

	tools, err := l.listTools(ctx)
	if err != nil {
		run.StopReason = StopMaxConsecutiveErrors
		run.EndedAt = l.now()
		return run, fmt.Errorf("list capabilities: %w", err)
	}

	st := &loopState{
		run:      run,
		task:     task,
		tools:    tools,
		deadline: run.StartedAt.Add(strategy.Timeout),
		messages: []model.Message{
			{Role: model.RoleSystem, Content: systemPrompt(task)},
			{Role: model.RoleUser, Content: task.Instruction},
		},
	}

	err = l.runLoop(ctx, st, signal)
	run.EndedAt = l.now()
	l.metrics.IncCounter("reasoning.runs", 1, "stop_reason", string(run.StopReason))
	l.metrics.RecordTimer("reasoning.run.duration", run.EndedAt.Sub(run.StartedAt), "strategy", strategy.Name)
	return run, err
}

// loopState is the mutable per-run state threaded through loop helpers.
type loopState struct {
	run   *Run
	task  Task
	tools []model.ToolDefinition

	// deadline is the wall-clock budget. Time spent suspended on an
	// approval wait is added back so operator latency does not burn the
	// run's budget.
	deadline time.Time

	messages []model.Message
	acted    bool
}

func (l *Loop) runLoop(ctx context.Context, st *loopState, signal *Signal) error {
	run := st.run
	for {
		// Exit conditions are evaluated at the top of every cycle, before
		// any model call, so a stale run never performs new work.
		if signal.Stopped() {
			run.StopReason = StopManual
			l.logger.Info(ctx, "run stopped manually", "run_id", run.ID, "iteration", run.Iteration)
			return nil
		}
		if !l.now().Before(st.deadline) {
			run.StopReason = StopTimeout
			l.logger.Warn(ctx, "run timed out", "run_id", run.ID, "iteration", run.Iteration)
			return nil
		}
		if run.ConsecutiveErrors >= l.maxConsecutiveErrors {
			run.StopReason = StopMaxConsecutiveErrors
			l.logger.Error(ctx, "too many consecutive errors", "run_id", run.ID, "count", run.ConsecutiveErrors)
			return nil
		}
		if run.Iteration >= run.Strategy.MaxIterations {
			run.StopReason = StopMaxIterations
			l.logger.Warn(ctx, "iteration cap reached", "run_id", run.ID, "cap", run.Strategy.MaxIterations)
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		resp, err := l.think(ctx, st)
		if err != nil {
			run.ConsecutiveErrors++
			run.record(EventError, l.now(), 0, map[string]any{"error": err.Error(), "source": "model"})
			l.logger.Error(ctx, "model call failed", "run_id", run.ID, "error", err)
			run.Iteration++
			continue
		}

		if resp.ToolCall == nil {
			done, err := l.finish(ctx, st, resp.Text)
			if err != nil {
				return err
			}
			if done {
				return nil
			}
			run.Iteration++
			continue
		}

		if err := l.act(ctx, st, resp.ToolCall); err != nil {
			return err
		}
		run.Iteration++
	}
}

// think performs one model call and records the thought.
func (l *Loop) think(ctx context.Context, st *loopState) (model.Response, error) {
	req := model.Request{
		Model:       st.task.Model,
		Messages:    st.messages,
		Temperature: st.run.Strategy.Temperature,
	}
	// Single-shot tasks get the catalog only until their one action is
	// spent; afterwards the model must answer from what it has.
	if !st.task.SingleShot || !st.acted {
		req.Tools = st.tools
	}

	start := l.now()
	resp, err := l.client.Complete(ctx, req)
	if err != nil {
		return model.Response{}, err
	}
	st.run.addUsage(resp.Usage.InputTokens, resp.Usage.OutputTokens, resp.Usage.TotalTokens)

	payload := map[string]any{}
	if resp.ToolCall != nil {
		payload["capability"] = resp.ToolCall.Name
		payload["args"] = resp.ToolCall.Args
	} else {
		payload["text"] = resp.Text
	}
	st.run.record(EventThought, l.now(), l.now().Sub(start), payload)
	return resp, nil
}

// act executes a proposed capability call, routing it through the approval
// broker when the policy gates it, and feeds the observation back to the
// model.
func (l *Loop) act(ctx context.Context, st *loopState, call *model.ToolCall) error {
	run := st.run
	st.messages = append(st.messages, model.Message{
		Role:    model.RoleAssistant,
		Content: renderCall(call.Name, call.Args),
	})

	if l.gw == nil {
		run.ConsecutiveErrors++
		l.observe(st, call.Name, "no capability gateway is configured; answer from what you know", true)
		return nil
	}

	args := call.Args
	if l.approver.Requires(call.Name) {
		res, err := l.awaitApproval(ctx, st, call)
		if err != nil {
			return err
		}
		switch res.Decision {
		case approval.DecisionReject:
			// A rejection is information, not an error: the model should
			// adjust its approach rather than retry the same call.
			msg := "the call was rejected by a human reviewer"
			if res.Note != "" {
				msg += ": " + res.Note
			}
			l.observe(st, call.Name, msg, false)
			return nil
		case approval.DecisionModify:
			args = res.Args
		}
	}

	run.record(EventAction, l.now(), 0, map[string]any{"capability": call.Name, "args": args})

	start := l.now()
	result, err := l.gw.Call(ctx, call.Name, args, l.capabilityTimeout)
	elapsed := l.now().Sub(start)
	l.metrics.RecordTimer("reasoning.capability.duration", elapsed, "capability", call.Name)

	if err != nil {
		run.ConsecutiveErrors++
		run.record(EventError, l.now(), elapsed, map[string]any{
			"capability": call.Name,
			"error":      err.Error(),
		})
		l.observe(st, call.Name, failureText(err), true)
		l.logger.Warn(ctx, "capability call failed", "run_id", run.ID, "capability", call.Name, "error", err)
		return nil
	}

	run.ConsecutiveErrors = 0
	st.acted = true
	rendered := renderResult(result)
	run.record(EventObservation, l.now(), elapsed, map[string]any{
		"capability": call.Name,
		"result":     rendered,
	})
	st.messages = append(st.messages, model.Message{Role: model.RoleTool, Content: rendered})
	return nil
}

// awaitApproval suspends the run on the broker and extends the deadline by
// the time spent waiting, so operator latency never burns the run's budget.
func (l *Loop) awaitApproval(ctx context.Context, st *loopState, call *model.ToolCall) (approval.Resolution, error) {
	run := st.run
	req := approval.Request{
		SessionID:  st.task.SessionID,
		Capability: call.Name,
		Args:       call.Args,
	}
	run.StopReason = StopAwaitingApproval
	l.logger.Info(ctx, "awaiting approval", "run_id", run.ID, "capability", call.Name)

	waitStart := l.now()
	res, err := l.approver.Submit(ctx, req)
	waited := l.now().Sub(waitStart)
	st.deadline = st.deadline.Add(waited)
	run.StopReason = ""

	if err != nil {
		return approval.Resolution{}, fmt.Errorf("approval wait: %w", err)
	}
	run.record(EventApproval, l.now(), waited, map[string]any{
		"capability": call.Name,
		"decision":   string(res.Decision),
		"timed_out":  res.TimedOut,
	})
	return res, nil
}

// finish handles a candidate final answer. Returns true when the run is
// terminal, false when a reflection critique sent the model back for another
// pass.
func (l *Loop) finish(ctx context.Context, st *loopState, text string) (bool, error) {
	run := st.run
	run.Output = text
	if l.reflect == nil {
		run.StopReason = StopCompleted
		return true, nil
	}

	start := l.now()
	score, critique, err := l.reflect.Reflector.Reflect(ctx, st.task.Instruction, text)
	if err != nil {
		// Reflection is advisory: a broken reviewer must not sink a
		// completed answer.
		l.logger.Warn(ctx, "reflection failed, accepting draft", "run_id", run.ID, "error", err)
		run.StopReason = StopCompleted
		return true, nil
	}
	accepted := score >= l.reflect.Threshold
	run.record(EventReflection, l.now(), l.now().Sub(start), map[string]any{
		"score":    score,
		"critique": critique,
		"accepted": accepted,
	})

	if accepted {
		run.StopReason = StopCompleted
		return true, nil
	}
	if run.Refinements >= l.reflect.MaxRefinements {
		run.StopReason = StopCompleted
		run.QualityFlagged = true
		l.logger.Warn(ctx, "refinement budget exhausted", "run_id", run.ID, "score", score)
		return true, nil
	}
	run.Refinements++
	st.messages = append(st.messages,
		model.Message{Role: model.RoleAssistant, Content: text},
		model.Message{Role: model.RoleUser, Content: "A reviewer scored your answer " + fmt.Sprintf("%.2f", score) + " and said: " + critique + "\nRevise your answer to address the critique."},
	)
	return false, nil
}

// observe records a synthetic observation and feeds it back to the model as
// a tool message. The caller has already appended the assistant proposal.
func (l *Loop) observe(st *loopState, capability, text string, isError bool) {
	st.run.record(EventObservation, l.now(), 0, map[string]any{
		"capability": capability,
		"result":     text,
		"error":      isError,
	})
	st.messages = append(st.messages, model.Message{Role: model.RoleTool, Content: text})
}

// listTools fetches the capability catalog once per run.
func (l *Loop) listTools(ctx context.Context) ([]model.ToolDefinition, error) {
	if l.catalog == nil {
		return nil, nil
	}
	caps, err := l.catalog.ListCapabilities(ctx)
	if err != nil {
		return nil, err
	}
	tools := make([]model.ToolDefinition, len(caps))
	for i, c := range caps {
		tools[i] = model.ToolDefinition{
			Name:        c.Name,
			Description: c.Description,
			InputSchema: c.InputSchema,
		}
	}
	return tools, nil
}

func systemPrompt(task Task) string {
	if task.SystemPrompt != "" {
		return task.SystemPrompt
	}
	return defaultSystemPrompt
}

// failureText turns a gateway error into an observation the model can act
// on, surfacing the hint when the gateway provides one.
func failureText(err error) string {
	if gerr, ok := gateway.AsError(err); ok {
		text := "the call failed: " + gerr.Message
		if gerr.Hint != "" {
			text += ". " + gerr.Hint
		}
		if !gateway.Retryable(err) {
			text += ". Do not retry this capability; choose another approach."
		}
		return text
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "the call timed out; retry with narrower arguments or choose another approach"
	}
	return "the call failed: " + err.Error()
}

func renderCall(name string, args map[string]any) string {
	if len(args) == 0 {
		return "calling " + name
	}
	b, err := json.Marshal(args)
	if err != nil {
		return "calling " + name
	}
	return "calling " + name + " with " + string(b)
}

// renderResult serializes a capability result for the model. Strings pass
// through; structured values are JSON-encoded.
func renderResult(v any) string {
	switch r := v.(type) {
	case string:
		return r
	case nil:
		return "ok"
	default:
		b, err := json.Marshal(r)
		if err != nil {
			return fmt.Sprintf("%v", r)
		}
		return string(b)
	}
}
