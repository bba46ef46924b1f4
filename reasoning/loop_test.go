package reasoning

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maverde73/cortex-flow-sub000/gateway"
	"github.com/maverde73/cortex-flow-sub000/model"
	"github.com/maverde73/cortex-flow-sub000/reasoning/approval"
)

// scriptedClient replays a fixed sequence of responses and records every
// request it receives.
type scriptedClient struct {
	mu        sync.Mutex
	responses []model.Response
	errs      []error
	requests  []model.Request
}

func (c *scriptedClient) Complete(_ context.Context, req model.Request) (model.Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	i := len(c.requests)
	c.requests = append(c.requests, req)
	if i < len(c.errs) && c.errs[i] != nil {
		return model.Response{}, c.errs[i]
	}
	if i >= len(c.responses) {
		return model.Response{Text: "fallback answer"}, nil
	}
	return c.responses[i], nil
}

func answer(text string) model.Response { return model.Response{Text: text} }

func call(name string, args map[string]any) model.Response {
	return model.Response{ToolCall: &model.ToolCall{Name: name, Args: args}}
}

// stubGateway answers every call with a fixed result or error.
type stubGateway struct {
	mu     sync.Mutex
	result any
	err    error
	calls  []string
}

func (g *stubGateway) Call(_ context.Context, capability string, _ map[string]any, _ time.Duration) (any, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls = append(g.calls, capability)
	if g.err != nil {
		return nil, g.err
	}
	return g.result, nil
}

func (g *stubGateway) Read(_ context.Context, _ string, _ time.Duration) (any, error) {
	return g.result, g.err
}

func (g *stubGateway) callCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.calls)
}

type staticCatalog []gateway.Capability

func (c staticCatalog) ListCapabilities(context.Context) ([]gateway.Capability, error) {
	return c, nil
}

var searchCatalog = staticCatalog{{
	Name:        "web_search",
	Description: "Search the web.",
	InputSchema: map[string]any{"type": "object"},
}}

func TestExecuteDirectAnswer(t *testing.T) {
	client := &scriptedClient{responses: []model.Response{answer("Paris")}}
	loop := NewLoop(client)

	run, err := loop.Execute(context.Background(), Task{Instruction: "Capital of France?"}, nil)
	require.NoError(t, err)
	assert.Equal(t, StopCompleted, run.StopReason)
	assert.Equal(t, "Paris", run.Output)
	require.Len(t, run.History, 1)
	assert.Equal(t, EventThought, run.History[0].Kind)
	assert.Equal(t, "balanced", run.Strategy.Name)
}

func TestExecuteToolCallThenAnswer(t *testing.T) {
	client := &scriptedClient{responses: []model.Response{
		call("web_search", map[string]any{"query": "population of Lyon"}),
		answer("About half a million."),
	}}
	gw := &stubGateway{result: map[string]any{"population": 513275}}
	loop := NewLoop(client, WithGateway(gw, searchCatalog))

	run, err := loop.Execute(context.Background(), Task{Instruction: "Population of Lyon?"}, nil)
	require.NoError(t, err)
	assert.Equal(t, StopCompleted, run.StopReason)
	assert.Equal(t, 1, gw.callCount())

	kinds := eventKinds(run)
	assert.Equal(t, []EventKind{EventThought, EventAction, EventObservation, EventThought}, kinds)

	// The observation is fed back to the model as a tool message.
	last := client.requests[len(client.requests)-1]
	var sawTool bool
	for _, m := range last.Messages {
		if m.Role == model.RoleTool {
			sawTool = true
			assert.Contains(t, m.Content, "513275")
		}
	}
	assert.True(t, sawTool)
}

func TestExecuteCatalogExposedToModel(t *testing.T) {
	client := &scriptedClient{responses: []model.Response{answer("done")}}
	loop := NewLoop(client, WithGateway(&stubGateway{}, searchCatalog))

	_, err := loop.Execute(context.Background(), Task{Instruction: "x"}, nil)
	require.NoError(t, err)
	require.Len(t, client.requests, 1)
	require.Len(t, client.requests[0].Tools, 1)
	assert.Equal(t, "web_search", client.requests[0].Tools[0].Name)
}

func TestExecuteIterationCap(t *testing.T) {
	// The model never answers; a fast run stops after three cycles.
	client := &scriptedClient{responses: []model.Response{
		call("web_search", nil), call("web_search", nil), call("web_search", nil), call("web_search", nil),
	}}
	gw := &stubGateway{result: "ok"}
	loop := NewLoop(client, WithGateway(gw, searchCatalog))

	run, err := loop.Execute(context.Background(), Task{Instruction: "x", Strategy: "fast"}, nil)
	require.NoError(t, err)
	assert.Equal(t, StopMaxIterations, run.StopReason)
	assert.Equal(t, 3, run.Iteration)
	assert.Equal(t, 3, gw.callCount())
}

func TestExecuteConsecutiveErrors(t *testing.T) {
	client := &scriptedClient{responses: []model.Response{
		call("web_search", nil), call("web_search", nil), call("web_search", nil),
	}}
	gw := &stubGateway{err: gateway.NewExecution("web_search", "backend unavailable", "", errors.New("dial tcp: refused"))}
	loop := NewLoop(client, WithGateway(gw, searchCatalog))

	run, err := loop.Execute(context.Background(), Task{Instruction: "x"}, nil)
	require.NoError(t, err)
	assert.Equal(t, StopMaxConsecutiveErrors, run.StopReason)
	assert.Equal(t, 3, run.ConsecutiveErrors)

	// Each failure was surveyed back to the model with the error text.
	last := client.requests[len(client.requests)-1]
	var failures int
	for _, m := range last.Messages {
		if m.Role == model.RoleTool {
			assert.Contains(t, m.Content, "backend unavailable")
			failures++
		}
	}
	assert.Equal(t, 2, failures)
}

func TestExecuteErrorCounterResetsOnSuccess(t *testing.T) {
	client := &scriptedClient{responses: []model.Response{
		call("web_search", nil), call("web_search", nil), call("web_search", nil), answer("done"),
	}}
	gw := &flakyGateway{failures: 2, err: gateway.NewTimeout("web_search", 30*time.Second), result: "recovered"}
	loop := NewLoop(client, WithGateway(gw, searchCatalog), WithMaxConsecutiveErrors(3))

	run, err := loop.Execute(context.Background(), Task{Instruction: "x"}, nil)
	require.NoError(t, err)
	assert.Equal(t, StopCompleted, run.StopReason)
	assert.Equal(t, 0, run.ConsecutiveErrors)
}

// flakyGateway fails the first N calls, then succeeds.
type flakyGateway struct {
	failures int
	err      error
	result   any
	calls    int
}

func (g *flakyGateway) Call(context.Context, string, map[string]any, time.Duration) (any, error) {
	g.calls++
	if g.calls <= g.failures {
		return nil, g.err
	}
	return g.result, nil
}

func (g *flakyGateway) Read(context.Context, string, time.Duration) (any, error) {
	return g.result, nil
}

func TestExecuteTimeout(t *testing.T) {
	// Each model call burns 31 seconds of the fast profile's 30s budget, so
	// the boundary check after the first cycle stops the run.
	now := time.Now()
	client := &advancingClient{
		advance: func() { now = now.Add(31 * time.Second) },
		resp:    call("web_search", nil),
	}
	loop := NewLoop(client,
		WithGateway(&stubGateway{result: "ok"}, searchCatalog),
		WithClock(func() time.Time { return now }),
	)

	run, err := loop.Execute(context.Background(), Task{Instruction: "x", Strategy: "fast"}, nil)
	require.NoError(t, err)
	assert.Equal(t, StopTimeout, run.StopReason)
	assert.Equal(t, 1, run.Iteration)
	assert.Empty(t, run.Output)
}

// advancingClient moves a fake clock forward on every completion.
type advancingClient struct {
	advance func()
	resp    model.Response
}

func (c *advancingClient) Complete(context.Context, model.Request) (model.Response, error) {
	c.advance()
	return c.resp, nil
}

func TestExecuteManualStop(t *testing.T) {
	var sig Signal
	sig.Stop()
	client := &scriptedClient{responses: []model.Response{answer("never reached")}}
	loop := NewLoop(client)

	run, err := loop.Execute(context.Background(), Task{Instruction: "x"}, &sig)
	require.NoError(t, err)
	assert.Equal(t, StopManual, run.StopReason)
	assert.Empty(t, client.requests)
}

func TestExecuteUnknownStrategy(t *testing.T) {
	loop := NewLoop(&scriptedClient{})
	_, err := loop.Execute(context.Background(), Task{Instruction: "x", Strategy: "turbo"}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown strategy")
}

func TestExecuteSingleShotWithholdsToolsAfterAction(t *testing.T) {
	client := &scriptedClient{responses: []model.Response{
		call("web_search", map[string]any{"query": "x"}),
		answer("done"),
	}}
	loop := NewLoop(client, WithGateway(&stubGateway{result: "r"}, searchCatalog))

	run, err := loop.Execute(context.Background(), Task{Instruction: "x", SingleShot: true}, nil)
	require.NoError(t, err)
	assert.Equal(t, StopCompleted, run.StopReason)

	require.Len(t, client.requests, 2)
	assert.NotEmpty(t, client.requests[0].Tools)
	assert.Empty(t, client.requests[1].Tools, "catalog must be withheld once the single action is spent")
}

func TestExecuteApprovalTimeoutDefaultsToReject(t *testing.T) {
	client := &scriptedClient{responses: []model.Response{
		call("database_write", map[string]any{"table": "users"}),
		answer("I could not perform the write; it was not approved."),
	}}
	gw := &stubGateway{result: "written"}
	broker := approval.NewBroker(approval.Policy{
		Patterns:        []string{"database_*"},
		Timeout:         20 * time.Millisecond,
		DefaultDecision: approval.DecisionReject,
	})
	loop := NewLoop(client, WithGateway(gw, searchCatalog), WithApproval(broker))

	run, err := loop.Execute(context.Background(), Task{SessionID: "s1", Instruction: "write it"}, nil)
	require.NoError(t, err)
	assert.Equal(t, StopCompleted, run.StopReason)
	// The gated call never reached the gateway.
	assert.Equal(t, 0, gw.callCount())

	var approvalEvt *Event
	for i := range run.History {
		if run.History[i].Kind == EventApproval {
			approvalEvt = &run.History[i]
		}
	}
	require.NotNil(t, approvalEvt)
	assert.Equal(t, "reject", approvalEvt.Payload["decision"])
	assert.Equal(t, true, approvalEvt.Payload["timed_out"])
}

func TestExecuteApprovalModifySubstitutesArgs(t *testing.T) {
	client := &scriptedClient{responses: []model.Response{
		call("database_write", map[string]any{"table": "users", "rows": 1000}),
		answer("done"),
	}}
	var got map[string]any
	gw := &captureGateway{fn: func(_ string, args map[string]any) (any, error) {
		got = args
		return "ok", nil
	}}
	broker := approval.NewBroker(approval.Policy{Patterns: []string{"database_*"}, Timeout: time.Second})
	loop := NewLoop(client, WithGateway(gw, searchCatalog), WithApproval(broker))

	go func() {
		for {
			pending := broker.Pending("s2")
			if len(pending) == 1 {
				_ = broker.Resolve("s2", pending[0].ID, approval.Resolution{
					Decision: approval.DecisionModify,
					Args:     map[string]any{"table": "users", "rows": 10},
				})
				return
			}
			time.Sleep(time.Millisecond)
		}
	}()

	run, err := loop.Execute(context.Background(), Task{SessionID: "s2", Instruction: "write"}, nil)
	require.NoError(t, err)
	assert.Equal(t, StopCompleted, run.StopReason)
	require.NotNil(t, got)
	assert.Equal(t, 10, got["rows"])
}

// captureGateway forwards calls to a closure.
type captureGateway struct {
	fn func(capability string, args map[string]any) (any, error)
}

func (g *captureGateway) Call(_ context.Context, capability string, args map[string]any, _ time.Duration) (any, error) {
	return g.fn(capability, args)
}

func (g *captureGateway) Read(context.Context, string, time.Duration) (any, error) {
	return nil, errors.New("not implemented")
}

// scriptedReflector returns scores in sequence.
type scriptedReflector struct {
	scores    []float64
	critiques []string
	calls     int
}

func (r *scriptedReflector) Reflect(context.Context, string, string) (float64, string, error) {
	i := r.calls
	r.calls++
	if i >= len(r.scores) {
		return 1, "none", nil
	}
	critique := "none"
	if i < len(r.critiques) {
		critique = r.critiques[i]
	}
	return r.scores[i], critique, nil
}

func TestExecuteReflectionRefineThenAccept(t *testing.T) {
	client := &scriptedClient{responses: []model.Response{
		answer("draft one"),
		answer("draft two, improved"),
	}}
	refl := &scriptedReflector{scores: []float64{0.6, 0.85}, critiques: []string{"too shallow", "none"}}
	loop := NewLoop(client, WithReflection(ReflectionConfig{
		Reflector:      refl,
		Threshold:      0.7,
		MaxRefinements: 3,
	}))

	run, err := loop.Execute(context.Background(), Task{Instruction: "explain"}, nil)
	require.NoError(t, err)
	assert.Equal(t, StopCompleted, run.StopReason)
	assert.Equal(t, "draft two, improved", run.Output)
	assert.Equal(t, 1, run.Refinements)
	assert.False(t, run.QualityFlagged)
	assert.Equal(t, 2, refl.calls)

	// The critique was fed back to the model before the second draft.
	second := client.requests[1]
	lastUser := second.Messages[len(second.Messages)-1]
	require.Equal(t, model.RoleUser, lastUser.Role)
	assert.Contains(t, lastUser.Content, "too shallow")
}

func TestExecuteReflectionBudgetExhaustedFlagsOutput(t *testing.T) {
	client := &scriptedClient{responses: []model.Response{
		answer("v1"), answer("v2"), answer("v3"),
	}}
	refl := &scriptedReflector{scores: []float64{0.2, 0.3, 0.4}, critiques: []string{"bad", "still bad", "still bad"}}
	loop := NewLoop(client, WithReflection(ReflectionConfig{
		Reflector:      refl,
		Threshold:      0.9,
		MaxRefinements: 2,
	}))

	run, err := loop.Execute(context.Background(), Task{Instruction: "explain"}, nil)
	require.NoError(t, err)
	assert.Equal(t, StopCompleted, run.StopReason)
	assert.True(t, run.QualityFlagged)
	assert.Equal(t, "v3", run.Output)
	assert.Equal(t, 2, run.Refinements)
}

func TestExecuteReflectorErrorAcceptsDraft(t *testing.T) {
	client := &scriptedClient{responses: []model.Response{answer("draft")}}
	loop := NewLoop(client, WithReflection(ReflectionConfig{
		Reflector: failingReflector{},
		Threshold: 0.9,
	}))
	run, err := loop.Execute(context.Background(), Task{Instruction: "x"}, nil)
	require.NoError(t, err)
	assert.Equal(t, StopCompleted, run.StopReason)
	assert.False(t, run.QualityFlagged)
}

type failingReflector struct{}

func (failingReflector) Reflect(context.Context, string, string) (float64, string, error) {
	return 0, "", fmt.Errorf("reviewer unavailable")
}

func TestExecuteRecordsUsage(t *testing.T) {
	client := &scriptedClient{responses: []model.Response{{
		Text:  "done",
		Usage: model.TokenUsage{InputTokens: 100, OutputTokens: 20, TotalTokens: 120},
	}}}
	loop := NewLoop(client)
	run, err := loop.Execute(context.Background(), Task{Instruction: "x"}, nil)
	require.NoError(t, err)
	assert.Equal(t, 120, run.Usage.TotalTokens)
}

func eventKinds(run *Run) []EventKind {
	kinds := make([]EventKind, len(run.History))
	for i, e := range run.History {
		kinds[i] = e.Kind
	}
	return kinds
}
