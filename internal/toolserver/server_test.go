package toolserver

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/require"

	"AgentBounty/internal/agent"
	"AgentBounty/internal/task"
)

type fakeTasks struct {
	mu      sync.Mutex
	created []*task.Task
	inputs  []json.RawMessage
	final   task.Status
	errMsg  string
	content string
	block   bool
}

func (f *fakeTasks) Create(_ context.Context, userID, agentType string, input json.RawMessage) (*task.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t := &task.Task{ID: "task-1", UserID: userID, AgentType: agentType, Status: task.StatusPending}
	f.created = append(f.created, t)
	f.inputs = append(f.inputs, input)
	return t, nil
}

func (f *fakeTasks) Start(_ context.Context, _, id string) (*task.Task, error) {
	return &task.Task{ID: id, Status: task.StatusRunning}, nil
}

func (f *fakeTasks) WaitUntilCompleted(ctx context.Context, id string, _ time.Duration) (*task.Task, error) {
	if f.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return &task.Task{ID: id, Status: f.final, Error: f.errMsg}, nil
}

func (f *fakeTasks) Result(_ context.Context, id string) (*task.Result, error) {
	return &task.Result{TaskID: id, Content: f.content}, nil
}

func callRequest(name string, args map[string]any) mcp.CallToolRequest {
	var req mcp.CallToolRequest
	req.Params.Name = name
	req.Params.Arguments = args
	return req
}

func resultText(t *testing.T, res *mcp.CallToolResult) string {
	t.Helper()
	require.NotNil(t, res)
	require.Len(t, res.Content, 1)
	text, ok := res.Content[0].(mcp.TextContent)
	require.True(t, ok, "unexpected content %T", res.Content[0])
	return text.Text
}

func TestFactCheckRunsAsServiceUser(t *testing.T) {
	tasks := &fakeTasks{final: task.StatusCompleted, content: "## Verdict\n**TRUE**"}
	s := New(tasks, Config{Token: "secret"})

	res, err := s.factCheck(context.Background(), callRequest("fact_check", map[string]any{"text": "Water boils at 100C"}))
	require.NoError(t, err)
	require.False(t, res.IsError)
	require.Equal(t, "## Verdict\n**TRUE**", resultText(t, res))

	require.Len(t, tasks.created, 1)
	require.Equal(t, ServiceUser, tasks.created[0].UserID)
	require.Equal(t, agent.TypeFactCheck, tasks.created[0].AgentType)
	decoded, err := agent.DecodeInput(agent.TypeFactCheck, tasks.inputs[0])
	require.NoError(t, err)
	require.Equal(t, agent.FactCheckText{Text: "Water boils at 100C"}, decoded)
}

func TestFactCheckPrefersURL(t *testing.T) {
	tasks := &fakeTasks{final: task.StatusCompleted, content: "report"}
	s := New(tasks, Config{Token: "secret"})

	res, err := s.factCheck(context.Background(), callRequest("fact_check", map[string]any{
		"url":  "https://x.com/someone/status/1",
		"text": "ignored",
	}))
	require.NoError(t, err)
	require.False(t, res.IsError)

	var in map[string]any
	require.NoError(t, json.Unmarshal(tasks.inputs[0], &in))
	require.Equal(t, "https://x.com/someone/status/1", in["url"])
	require.NotContains(t, in, "text")
}

func TestFactCheckNeedsURLOrText(t *testing.T) {
	tasks := &fakeTasks{final: task.StatusCompleted}
	s := New(tasks, Config{Token: "secret"})

	res, err := s.factCheck(context.Background(), callRequest("fact_check", map[string]any{"text": "   "}))
	require.NoError(t, err)
	require.True(t, res.IsError)
	require.Contains(t, resultText(t, res), "Either 'url' or 'text'")
	require.Empty(t, tasks.created)
}

func TestPlanTravel(t *testing.T) {
	tasks := &fakeTasks{final: task.StatusCompleted, content: "# Trip"}
	s := New(tasks, Config{Token: "secret"})

	res, err := s.planTravel(context.Background(), callRequest("plan_travel", map[string]any{"message": "fly from NYC to London"}))
	require.NoError(t, err)
	require.False(t, res.IsError)
	require.Equal(t, "# Trip", resultText(t, res))
	require.Equal(t, agent.TypeTravelPlanner, tasks.created[0].AgentType)

	res, err = s.planTravel(context.Background(), callRequest("plan_travel", map[string]any{}))
	require.NoError(t, err)
	require.True(t, res.IsError)
	require.Len(t, tasks.created, 1)
}

func TestFailedTaskBecomesToolError(t *testing.T) {
	tasks := &fakeTasks{final: task.StatusFailed, errMsg: "LLM provider unavailable"}
	s := New(tasks, Config{Token: "secret"})

	res, err := s.factCheck(context.Background(), callRequest("fact_check", map[string]any{"text": "claim"}))
	require.NoError(t, err)
	require.True(t, res.IsError)
	require.Contains(t, resultText(t, res), "LLM provider unavailable")
}

func TestToolCallTimesOut(t *testing.T) {
	tasks := &fakeTasks{block: true}
	s := New(tasks, Config{Token: "secret", Timeout: 20 * time.Millisecond})

	res, err := s.planTravel(context.Background(), callRequest("plan_travel", map[string]any{"message": "weekend in Rome"}))
	require.NoError(t, err)
	require.True(t, res.IsError)
	require.Contains(t, resultText(t, res), "did not finish in time")
}

func TestRequireAPIKey(t *testing.T) {
	next := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	cases := []struct {
		name  string
		token string
		key   string
		want  int
	}{
		{"missing", "secret", "", http.StatusUnauthorized},
		{"wrong", "secret", "guess", http.StatusUnauthorized},
		{"unconfigured", "", "", http.StatusUnauthorized},
		{"valid", "secret", "secret", http.StatusNoContent},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/mcp", nil)
			if tc.key != "" {
				req.Header.Set(APIKeyHeader, tc.key)
			}
			rec := httptest.NewRecorder()
			RequireAPIKey(tc.token, next).ServeHTTP(rec, req)
			require.Equal(t, tc.want, rec.Code)
			if tc.want == http.StatusUnauthorized {
				require.Contains(t, rec.Body.String(), "UNAUTHENTICATED")
			}
		})
	}
}

func TestHandlerRejectsMissingKey(t *testing.T) {
	s := New(&fakeTasks{}, Config{Token: "secret"})
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	resp, err := http.Post(srv.URL, "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}
