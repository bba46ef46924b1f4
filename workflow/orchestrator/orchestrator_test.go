package orchestrator

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maverde73/cortex-flow-sub000/checkpoint"
	"github.com/maverde73/cortex-flow-sub000/checkpoint/inmem"
	"github.com/maverde73/cortex-flow-sub000/gateway"
	"github.com/maverde73/cortex-flow-sub000/model"
	"github.com/maverde73/cortex-flow-sub000/workflow"
	"github.com/maverde73/cortex-flow-sub000/workflow/state"
)

// scriptedModel replays responses in order and records every request.
type scriptedModel struct {
	mu        sync.Mutex
	responses []string
	requests  []model.Request
}

func (m *scriptedModel) Complete(_ context.Context, req model.Request) (model.Response, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	i := len(m.requests)
	m.requests = append(m.requests, req)
	if i >= len(m.responses) {
		return model.Response{Text: "fallback"}, nil
	}
	return model.Response{Text: m.responses[i]}, nil
}

// scriptedGateway maps capability names to a queue of results or errors.
type scriptedGateway struct {
	mu        sync.Mutex
	results   map[string][]any
	errs      map[string][]error
	resources map[string]any
	calls     map[string]int
	lastArgs  map[string]map[string]any
}

func newScriptedGateway() *scriptedGateway {
	return &scriptedGateway{
		results:   map[string][]any{},
		errs:      map[string][]error{},
		resources: map[string]any{},
		calls:     map[string]int{},
		lastArgs:  map[string]map[string]any{},
	}
}

func (g *scriptedGateway) Call(_ context.Context, capability string, args map[string]any, _ time.Duration) (any, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	i := g.calls[capability]
	g.calls[capability]++
	g.lastArgs[capability] = args
	if errs := g.errs[capability]; i < len(errs) && errs[i] != nil {
		return nil, errs[i]
	}
	results := g.results[capability]
	if i < len(results) {
		return results[i], nil
	}
	if len(results) > 0 {
		return results[len(results)-1], nil
	}
	return nil, gateway.NewNotFound(capability)
}

func (g *scriptedGateway) Read(_ context.Context, resource string, _ time.Duration) (any, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls[resource]++
	out, ok := g.resources[resource]
	if !ok {
		return nil, gateway.NewNotFound(resource)
	}
	return out, nil
}

func (g *scriptedGateway) ListCapabilities(context.Context) ([]gateway.Capability, error) {
	return nil, nil
}

func (g *scriptedGateway) callCount(name string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls[name]
}

func sqlPipeline() *workflow.Definition {
	return &workflow.Definition{
		Name:       "sql-pipeline",
		MaxRetries: 2,
		Nodes: []workflow.Node{
			{ID: "fetch_schema", Kind: workflow.KindResource, Capability: "db_schema"},
			{
				ID:          "generate_query",
				Kind:        workflow.KindModel,
				Instruction: "Given schema {fetch_schema}, write SQL for: {user_input}",
				DependsOn:   []string{"fetch_schema"},
				SingleShot:  true,
			},
		},
	}
}

func TestRunLinearWorkflow(t *testing.T) {
	gw := newScriptedGateway()
	gw.resources["db_schema"] = "users(id, name)"
	client := &scriptedModel{responses: []string{"SELECT id, name FROM users"}}
	o := New(WithModel(client), WithGateway(gw, gw))

	st, err := o.Run(context.Background(), sqlPipeline(), "list all users")
	require.NoError(t, err)
	assert.Equal(t, []string{"fetch_schema", "generate_query"}, st.CompletedNodes)
	assert.Equal(t, "SELECT id, name FROM users", st.NodeOutputs["generate_query"])
	assert.Nil(t, st.Failure)

	// The model saw both the fetched schema and the user input.
	require.Len(t, client.requests, 1)
	prompt := client.requests[0].Messages[len(client.requests[0].Messages)-1].Content
	assert.Contains(t, prompt, "users(id, name)")
	assert.Contains(t, prompt, "list all users")
}

func retryPipeline() *workflow.Definition {
	def := sqlPipeline()
	def.Nodes = append(def.Nodes,
		workflow.Node{
			ID:           "execute_query",
			Kind:         workflow.KindTool,
			Capability:   "run_sql",
			Args:         map[string]any{"query": "{generate_query}"},
			DependsOn:    []string{"generate_query"},
			MetadataKeys: []string{"has_error"},
		},
		workflow.Node{
			ID:          "report",
			Kind:        workflow.KindModel,
			Instruction: "Summarize the result: {execute_query}",
			DependsOn:   []string{"execute_query"},
			SingleShot:  true,
		},
	)
	def.Edges = []workflow.Edge{{
		Source: "execute_query",
		Predicates: []workflow.Predicate{
			{Field: "has_error", Operator: workflow.OpEquals, Value: true, Target: "generate_query"},
		},
		Default: "report",
	}}
	return def
}

func TestRunRetryEdgeReexecutesUntilClean(t *testing.T) {
	gw := newScriptedGateway()
	gw.resources["db_schema"] = "users(id, name)"
	gw.results["run_sql"] = []any{
		"has_error: true\nmessage: syntax error near FORM",
		"has_error: true\nmessage: unknown column nmae",
		"has_error: false\nrows: 3",
	}
	client := &scriptedModel{responses: []string{
		"SELECT * FORM users",
		"SELECT nmae FROM users",
		"SELECT name FROM users",
		"Three rows returned.",
	}}
	o := New(WithModel(client), WithGateway(gw, gw))

	st, err := o.Run(context.Background(), retryPipeline(), "list all users")
	require.NoError(t, err)
	assert.Nil(t, st.Failure)

	// The retried node appears exactly once, at its first completion slot.
	assert.Equal(t, []string{"fetch_schema", "generate_query", "execute_query", "report"}, st.CompletedNodes)
	assert.Equal(t, 2, st.RetryCounts["generate_query"])
	assert.Equal(t, 3, gw.callCount("run_sql"))

	// The final output reflects the last, successful attempt.
	assert.Equal(t, "SELECT name FROM users", st.NodeOutputs["generate_query"])
	assert.Equal(t, false, st.CustomMetadata["has_error"])

	// Retried attempts carried the routing context in their instruction,
	// including the failing output that triggered the route.
	secondAttempt := client.requests[1].Messages[0].Content
	assert.Contains(t, secondAttempt, "previous attempt failed")
	assert.Contains(t, secondAttempt, "routing sent the run back")
	assert.Contains(t, secondAttempt, "syntax error near FORM")
	thirdAttempt := client.requests[2].Messages[0].Content
	assert.Contains(t, thirdAttempt, "unknown column nmae")
}

// stallingModel blocks every call until the context is canceled.
type stallingModel struct {
	mu    sync.Mutex
	calls int
}

func (m *stallingModel) Complete(ctx context.Context, _ model.Request) (model.Response, error) {
	m.mu.Lock()
	m.calls++
	m.mu.Unlock()
	<-ctx.Done()
	return model.Response{}, ctx.Err()
}

func TestRunNodeTimeoutBoundsReasoningLoop(t *testing.T) {
	// A deep-strategy loop carries a long wall-clock budget of its own;
	// the node timeout must still cut it off.
	def := &workflow.Definition{
		Name: "bounded",
		Nodes: []workflow.Node{{
			ID:          "research",
			Kind:        workflow.KindModel,
			Instruction: "Investigate: {user_input}",
			Strategy:    "deep",
			Timeout:     workflow.Duration(50 * time.Millisecond),
		}},
	}
	client := &stallingModel{}
	o := New(WithModel(client))

	start := time.Now()
	st, err := o.Run(context.Background(), def, "x")
	elapsed := time.Since(start)

	require.Error(t, err)
	assert.True(t, IsRetryBudgetExceeded(err))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, elapsed, 2*time.Second)
	require.NotNil(t, st.Failure)
	assert.Equal(t, "research", st.Failure.NodeID)
	assert.Equal(t, "retry_budget_exceeded", st.Failure.Reason)
}

func TestRunRetryBudgetExceeded(t *testing.T) {
	def := sqlPipeline()
	budget := 1
	def.Nodes = append(def.Nodes, workflow.Node{
		ID:         "execute_query",
		Kind:       workflow.KindTool,
		Capability: "run_sql",
		DependsOn:  []string{"generate_query"},
		MaxRetries: &budget,
	})
	gw := newScriptedGateway()
	gw.resources["db_schema"] = "users(id)"
	execErr := gateway.NewExecution("run_sql", "connection refused", "", errors.New("dial tcp: refused"))
	gw.errs["run_sql"] = []error{execErr, execErr}
	client := &scriptedModel{responses: []string{"SELECT id FROM users"}}
	o := New(WithModel(client), WithGateway(gw, gw))

	st, err := o.Run(context.Background(), def, "list ids")
	require.Error(t, err)
	assert.True(t, IsRetryBudgetExceeded(err))

	var budgetErr *RetryBudgetExceededError
	require.ErrorAs(t, err, &budgetErr)
	assert.Equal(t, "execute_query", budgetErr.NodeID)
	assert.Equal(t, 2, budgetErr.Attempts)

	require.NotNil(t, st.Failure)
	assert.Equal(t, "execute_query", st.Failure.NodeID)
	assert.Equal(t, "retry_budget_exceeded", st.Failure.Reason)
	assert.Equal(t, 2, gw.callCount("run_sql"))
}

func TestRunNotFoundCapabilityFailsWithoutRetry(t *testing.T) {
	def := sqlPipeline()
	def.Nodes = append(def.Nodes, workflow.Node{
		ID:         "execute_query",
		Kind:       workflow.KindTool,
		Capability: "no_such_tool",
		DependsOn:  []string{"generate_query"},
	})
	gw := newScriptedGateway()
	gw.resources["db_schema"] = "users(id)"
	client := &scriptedModel{responses: []string{"SELECT 1"}}
	o := New(WithModel(client), WithGateway(gw, gw))

	st, err := o.Run(context.Background(), def, "x")
	require.Error(t, err)
	assert.Equal(t, 1, gw.callCount("no_such_tool"))
	require.NotNil(t, st.Failure)
	assert.Equal(t, "capability_not_found", st.Failure.Reason)
}

func TestRunMissingRoutingKeyIsConfigurationFailure(t *testing.T) {
	def := sqlPipeline()
	def.Nodes = append(def.Nodes, workflow.Node{
		ID:         "execute_query",
		Kind:       workflow.KindTool,
		Capability: "run_sql",
		DependsOn:  []string{"generate_query"},
	})
	def.Edges = []workflow.Edge{{
		Source: "execute_query",
		Predicates: []workflow.Predicate{
			{Field: "nonexistent_flag", Operator: workflow.OpEquals, Value: true, Target: "generate_query"},
		},
		Default: "",
	}}
	gw := newScriptedGateway()
	gw.resources["db_schema"] = "users(id)"
	gw.results["run_sql"] = []any{"plain output with no structured lines"}
	client := &scriptedModel{responses: []string{"SELECT 1"}}
	o := New(WithModel(client), WithGateway(gw, gw))

	st, err := o.Run(context.Background(), def, "x")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "nonexistent_flag")
	require.NotNil(t, st.Failure)
	assert.Equal(t, "configuration_error", st.Failure.Reason)
}

func TestRunForwardJumpOverDependencyFails(t *testing.T) {
	def := &workflow.Definition{
		Name: "skip",
		Nodes: []workflow.Node{
			{ID: "a", Kind: workflow.KindTool, Capability: "tool_a"},
			{ID: "b", Kind: workflow.KindTool, Capability: "tool_b"},
			{ID: "c", Kind: workflow.KindTool, Capability: "tool_c", DependsOn: []string{"b"}},
		},
		Edges: []workflow.Edge{{Source: "a", Default: "c"}},
	}
	gw := newScriptedGateway()
	gw.results["tool_a"] = []any{"ok"}
	gw.results["tool_c"] = []any{"never reached"}
	o := New(WithGateway(gw, gw))

	st, err := o.Run(context.Background(), def, "x")
	require.Error(t, err)
	var depErr *DependencyNotSatisfiedError
	require.ErrorAs(t, err, &depErr)
	assert.Equal(t, "c", depErr.NodeID)
	assert.Equal(t, []string{"b"}, depErr.Missing)
	assert.Equal(t, "dependency_not_satisfied", st.Failure.Reason)
}

func TestRunTerminatesOnEmptyDefault(t *testing.T) {
	def := &workflow.Definition{
		Name: "early-exit",
		Nodes: []workflow.Node{
			{ID: "check", Kind: workflow.KindTool, Capability: "probe", MetadataKeys: []string{"proceed"}},
			{ID: "work", Kind: workflow.KindTool, Capability: "heavy"},
		},
		Edges: []workflow.Edge{{
			Source: "check",
			Predicates: []workflow.Predicate{
				{Field: "proceed", Operator: workflow.OpEquals, Value: true, Target: "work"},
			},
			Default: "",
		}},
	}
	gw := newScriptedGateway()
	gw.results["probe"] = []any{"proceed: false"}
	o := New(WithGateway(gw, gw))

	st, err := o.Run(context.Background(), def, "x")
	require.NoError(t, err)
	assert.Equal(t, []string{"check"}, st.CompletedNodes)
	assert.Equal(t, 0, gw.callCount("heavy"))
}

func TestRunCheckpointsAfterEachCommit(t *testing.T) {
	store := inmem.New()
	gw := newScriptedGateway()
	gw.resources["db_schema"] = "users(id)"
	client := &scriptedModel{responses: []string{"SELECT id FROM users"}}
	o := New(WithModel(client), WithGateway(gw, gw), WithCheckpoints(store))

	st, err := o.Run(context.Background(), sqlPipeline(), "x")
	require.NoError(t, err)

	saved, err := store.Load(context.Background(), st.SessionID)
	require.NoError(t, err)
	assert.Equal(t, st.CompletedNodes, saved.CompletedNodes)
	assert.Equal(t, st.NodeOutputs["generate_query"], saved.NodeOutputs["generate_query"])
}

func TestResumeContinuesFromCheckpoint(t *testing.T) {
	store := inmem.New()
	st := state.New("sess-resume", "list all users")
	st.CommitOutput("fetch_schema", "users(id, name)")
	require.NoError(t, store.Save(context.Background(), st))

	gw := newScriptedGateway()
	client := &scriptedModel{responses: []string{"SELECT id, name FROM users"}}
	o := New(WithModel(client), WithGateway(gw, gw), WithCheckpoints(store))

	got, err := o.Resume(context.Background(), sqlPipeline(), "sess-resume")
	require.NoError(t, err)
	assert.Equal(t, []string{"fetch_schema", "generate_query"}, got.CompletedNodes)
	// The resource node was not re-fetched.
	assert.Equal(t, 0, gw.callCount("db_schema"))
	// The resumed prompt used the checkpointed schema.
	prompt := client.requests[0].Messages[0].Content
	assert.Contains(t, prompt, "users(id, name)")
}

func TestResumeRejectsFailedSession(t *testing.T) {
	store := inmem.New()
	st := state.New("sess-dead", "x")
	st.Fail("execute_query", "retry_budget_exceeded", "boom")
	require.NoError(t, store.Save(context.Background(), st))

	o := New(WithCheckpoints(store))
	_, err := o.Resume(context.Background(), sqlPipeline(), "sess-dead")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already failed")
}

func TestResumeUnknownSession(t *testing.T) {
	o := New(WithCheckpoints(inmem.New()))
	_, err := o.Resume(context.Background(), sqlPipeline(), "ghost")
	require.ErrorIs(t, err, checkpoint.ErrNotFound)
}

func TestRunRejectsInvalidDefinition(t *testing.T) {
	def := sqlPipeline()
	def.Nodes[1].DependsOn = []string{"ghost"}
	o := New()
	_, err := o.Run(context.Background(), def, "x")
	require.True(t, workflow.IsConfigurationError(err))
}

func TestRunRetryInstructionWindowIsBounded(t *testing.T) {
	// Three failures with a window of one: only the latest error appears.
	def := &workflow.Definition{
		Name:       "windowed",
		MaxRetries: 5,
		Nodes: []workflow.Node{{
			ID:          "draft",
			Kind:        workflow.KindModel,
			Instruction: "Write the answer to {user_input}",
			SingleShot:  true,
		}},
	}
	client := &failThenAnswerModel{failures: 3}
	o := New(WithModel(client), WithRetryContextWindow(1))

	_, err := o.Run(context.Background(), def, "question")
	require.NoError(t, err)

	last := client.requests[len(client.requests)-1].Messages[0].Content
	assert.Contains(t, last, "attempt 3 failed")
	assert.NotContains(t, last, "attempt 2 failed")
	assert.NotContains(t, last, "attempt 1 failed")
}

// failThenAnswerModel errors a fixed number of times, then answers.
type failThenAnswerModel struct {
	mu       sync.Mutex
	failures int
	requests []model.Request
}

func (m *failThenAnswerModel) Complete(_ context.Context, req model.Request) (model.Response, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests = append(m.requests, req)
	if len(m.requests) <= m.failures {
		return model.Response{}, fmtAttemptErr(len(m.requests))
	}
	return model.Response{Text: "final answer"}, nil
}

func fmtAttemptErr(n int) error {
	return errors.New("attempt " + string(rune('0'+n)) + " failed: model overloaded")
}

func TestRunTerminationUnderBoundedRetries(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100

	properties := gopter.NewProperties(parameters)
	properties.Property("run always terminates; outcome matches failure count vs budget",
		prop.ForAll(func(failures, budget int) bool {
			def := &workflow.Definition{
				Name:       "prop",
				MaxRetries: budget,
				Nodes: []workflow.Node{{
					ID:         "only",
					Kind:       workflow.KindTool,
					Capability: "flaky",
				}},
			}
			gw := newScriptedGateway()
			errs := make([]error, failures)
			for i := range errs {
				errs[i] = gateway.NewExecution("flaky", "transient", "", nil)
			}
			gw.errs["flaky"] = errs
			gw.results["flaky"] = []any{"ok"}

			st, err := New(WithGateway(gw, gw)).Run(context.Background(), def, "x")
			if failures > budget {
				return IsRetryBudgetExceeded(err) && st.Failure != nil
			}
			return err == nil && st.Failure == nil && len(st.CompletedNodes) == 1
		}, gen.IntRange(0, 5), gen.IntRange(0, 3)),
	)
	properties.TestingRun(t)
}

func TestResolveArgsSubstitutesNestedTemplates(t *testing.T) {
	st := state.New("s", "count users")
	st.CommitOutput("generate_query", "SELECT count(*) FROM users")

	args := resolveArgs(map[string]any{
		"query": "{generate_query}",
		"options": map[string]any{
			"comment": "requested: {user_input}",
			"limit":   50,
		},
		"tags": []any{"{user_input}", 7},
	}, st)

	assert.Equal(t, "SELECT count(*) FROM users", args["query"])
	opts := args["options"].(map[string]any)
	assert.Equal(t, "requested: count users", opts["comment"])
	assert.Equal(t, 50, opts["limit"])
	tags := args["tags"].([]any)
	assert.Equal(t, "count users", tags[0])
	assert.Equal(t, 7, tags[1])
}

func TestRunQualityFlagSurfacesInMetadata(t *testing.T) {
	// A reflective node whose reviewer never approves terminates flagged.
	def := &workflow.Definition{
		Name: "flagged",
		Nodes: []workflow.Node{{
			ID:          "draft",
			Kind:        workflow.KindModel,
			Instruction: "Answer: {user_input}",
			Reflection:  &workflow.Reflection{Threshold: 0.9, MaxRefinements: 1},
		}},
	}
	client := &reviewerModel{}
	o := New(WithModel(client))

	st, err := o.Run(context.Background(), def, "hard question")
	require.NoError(t, err)
	assert.Equal(t, true, st.CustomMetadata["draft_quality_flagged"])
	assert.Equal(t, []string{"draft"}, st.CompletedNodes)
}

// reviewerModel answers drafts normally and scores every reflection request
// below threshold.
type reviewerModel struct {
	mu    sync.Mutex
	calls int
}

func (m *reviewerModel) Complete(_ context.Context, req model.Request) (model.Response, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if strings.Contains(req.Messages[0].Content, "quality reviewer") {
		return model.Response{Text: "score: 0.4\ncritique: lacks depth"}, nil
	}
	return model.Response{Text: "a draft answer"}, nil
}
