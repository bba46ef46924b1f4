// Command demo runs a small SQL-report workflow end to end against an
// in-process capability registry and a canned model client. It exercises the
// orchestrator, the conditional router, and retry-with-context without any
// external services.
package main

import (
	"context"
	"fmt"
	"strings"

	"goa.design/clue/log"

	"github.com/maverde73/cortex-flow-sub000/gateway"
	"github.com/maverde73/cortex-flow-sub000/model"
	"github.com/maverde73/cortex-flow-sub000/telemetry"
	"github.com/maverde73/cortex-flow-sub000/workflow"
	"github.com/maverde73/cortex-flow-sub000/workflow/orchestrator"
)

const definitionYAML = `
name: sql_report
max_retries: 2
nodes:
  - id: db_schema
    kind: resource
    capability: db_schema
  - id: generate_query
    kind: model
    single_shot: true
    instruction: |
      Write a single SQL query answering the request below.
      Request: {user_input}
      Schema: {db_schema}
  - id: execute_query
    kind: tool
    capability: run_sql
    depends_on: [generate_query]
    args:
      query: "{generate_query}"
    metadata_keys: [has_error]
  - id: report
    kind: model
    single_shot: true
    depends_on: [execute_query]
    instruction: |
      Summarize these rows for the user: {execute_query}
edges:
  - source: execute_query
    predicates:
      - field: has_error
        operator: equals
        value: true
        target: generate_query
    default: report
`

// cannedModel answers the two model nodes in order: first the SQL query, then
// the report. The first query is deliberately broken so the demo shows the
// retry edge feeding the error back into generate_query.
type cannedModel struct {
	queries int
}

func (m *cannedModel) Complete(_ context.Context, req model.Request) (model.Response, error) {
	prompt := req.Messages[len(req.Messages)-1].Content
	if strings.Contains(prompt, "SQL query") {
		m.queries++
		if m.queries == 1 {
			return model.Response{Text: "SELEC name FROM users"}, nil
		}
		return model.Response{Text: "SELECT name FROM users"}, nil
	}
	return model.Response{Text: "The users table contains alice and bob."}, nil
}

func buildRegistry() (*gateway.Registry, error) {
	reg := gateway.NewRegistry()
	if err := reg.RegisterResource("db_schema", func(context.Context) (any, error) {
		return map[string]any{"users": []string{"id", "name"}}, nil
	}); err != nil {
		return nil, err
	}
	err := reg.Register(gateway.Capability{
		Name:        "run_sql",
		Description: "Execute a SQL query against the demo database",
		InputSchema: map[string]any{
			"type":       "object",
			"properties": map[string]any{"query": map[string]any{"type": "string"}},
			"required":   []any{"query"},
		},
	}, func(_ context.Context, args map[string]any) (any, error) {
		query, _ := args["query"].(string)
		if !strings.HasPrefix(query, "SELECT") {
			return "has_error: true\nsyntax error near " + query, nil
		}
		return "has_error: false\nrows: alice, bob", nil
	})
	if err != nil {
		return nil, err
	}
	return reg, nil
}

func main() {
	ctx := log.Context(context.Background(), log.WithFormat(log.FormatText))

	def, err := workflow.ParseDefinition([]byte(definitionYAML))
	if err != nil {
		log.Fatalf(ctx, err, "invalid definition")
	}
	reg, err := buildRegistry()
	if err != nil {
		log.Fatalf(ctx, err, "registry setup")
	}

	orc := orchestrator.New(
		orchestrator.WithModel(&cannedModel{}),
		orchestrator.WithGateway(reg, reg),
		orchestrator.WithLogger(telemetry.NewClueLogger()),
	)

	st, err := orc.Run(ctx, def, "List the user names.")
	if err != nil {
		log.Fatalf(ctx, err, "workflow failed")
	}

	fmt.Println("Session:", st.SessionID)
	fmt.Println("Completed:", strings.Join(st.CompletedNodes, " -> "))
	for node, n := range st.RetryCounts {
		fmt.Printf("Retries: %s=%d\n", node, n)
	}
	fmt.Println("Report:", st.NodeOutputs["report"])
}
