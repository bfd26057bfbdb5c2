// Package toolserver exposes the marketplace agents as MCP tools. Tool calls
// run as a dedicated service user, bypass the payment gate and block until
// the task finished.
package toolserver

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"AgentBounty/internal/agent"
	xerrors "AgentBounty/internal/errors"
	"AgentBounty/internal/task"
	"AgentBounty/pkg/logger"
)

// ServiceUser owns every task created through a tool call.
const ServiceUser = "mcp-service-user"

// APIKeyHeader carries the shared service token.
const APIKeyHeader = "X-API-Key"

// Tasks is the part of task.Service a tool call drives.
type Tasks interface {
	Create(ctx context.Context, userID, agentType string, input json.RawMessage) (*task.Task, error)
	Start(ctx context.Context, userID, id string) (*task.Task, error)
	WaitUntilCompleted(ctx context.Context, id string, interval time.Duration) (*task.Task, error)
	Result(ctx context.Context, id string) (*task.Result, error)
}

// Config shapes the tool server.
type Config struct {
	Name    string
	Version string
	// Token is compared against the X-API-Key header.
	Token string
	// Timeout bounds one tool call, queueing included.
	Timeout      time.Duration
	PollInterval time.Duration
}

// Server owns the MCP server and the task service behind it.
type Server struct {
	cfg   Config
	tasks Tasks
	mcp   *server.MCPServer
}

// New registers the fact_check and plan_travel tools.
func New(tasks Tasks, cfg Config) *Server {
	if cfg.Name == "" {
		cfg.Name = "AgentBountyMCP"
	}
	if cfg.Version == "" {
		cfg.Version = "dev"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 6 * time.Minute
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 500 * time.Millisecond
	}
	s := &Server{cfg: cfg, tasks: tasks}
	s.mcp = server.NewMCPServer(cfg.Name, cfg.Version,
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithInstructions("This server provides access to the AgentBounty AI agents. "+
			"Use the tools to fact-check claims and plan trips."),
	)
	s.mcp.AddTool(mcp.NewTool("fact_check",
		mcp.WithDescription("Fact-check a claim given as text or the social media post at a URL. "+
			"Returns a markdown report."),
		mcp.WithString("url", mcp.Description("URL of the post to fact-check")),
		mcp.WithString("text", mcp.Description("Text to fact-check")),
	), s.factCheck)
	s.mcp.AddTool(mcp.NewTool("plan_travel",
		mcp.WithDescription("Plan a trip from a natural language request. Returns a markdown itinerary."),
		mcp.WithString("message", mcp.Required(),
			mcp.Description(`Travel request, e.g. "fly from New York to London next week"`)),
	), s.planTravel)
	return s
}

// MCP returns the underlying server, for stdio transports and tests.
func (s *Server) MCP() *server.MCPServer {
	return s.mcp
}

// Handler serves the streamable HTTP transport behind the API key check.
// Tool calls outlive the listener's write timeout, so the deadline is pushed
// past the call timeout.
func (s *Server) Handler() http.Handler {
	transport := server.NewStreamableHTTPServer(s.mcp, server.WithStateLess(true))
	return RequireAPIKey(s.cfg.Token, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = http.NewResponseController(w).SetWriteDeadline(time.Now().Add(s.cfg.Timeout + 30*time.Second))
		transport.ServeHTTP(w, r)
	}))
}

// RequireAPIKey rejects requests whose X-API-Key differs from token. An
// empty token rejects everything.
func RequireAPIKey(token string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got := r.Header.Get(APIKeyHeader)
		if token == "" || subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
			logger.L().Warn("mcp call rejected", slog.String("remote", r.RemoteAddr))
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			_ = json.NewEncoder(w).Encode(map[string]any{
				"error": map[string]string{
					"code":    string(xerrors.CodeUnauthenticated),
					"message": "Invalid or missing API key.",
				},
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) factCheck(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	url := strings.TrimSpace(req.GetString("url", ""))
	text := strings.TrimSpace(req.GetString("text", ""))
	var in agent.Input
	switch {
	case url != "":
		in = agent.FactCheckURL{URL: url}
	case text != "":
		in = agent.FactCheckText{Text: text}
	default:
		return mcp.NewToolResultError("Either 'url' or 'text' must be provided."), nil
	}
	return s.run(ctx, in), nil
}

func (s *Server) planTravel(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	message := strings.TrimSpace(req.GetString("message", ""))
	if message == "" {
		return mcp.NewToolResultError("'message' must be provided."), nil
	}
	return s.run(ctx, agent.TravelRequest{Text: message}), nil
}

// run executes one task for the service user and returns its content.
// Failures come back as tool errors so the calling model can read them.
func (s *Server) run(ctx context.Context, in agent.Input) *mcp.CallToolResult {
	content, err := s.execute(ctx, in)
	if err != nil {
		logger.L().Warn("mcp tool call failed",
			slog.String("agent_type", in.AgentType()),
			slog.Any("error", err))
		return mcp.NewToolResultError(xerrors.MessageOf(err))
	}
	return mcp.NewToolResultText(content)
}

func (s *Server) execute(ctx context.Context, in agent.Input) (string, error) {
	if err := in.Validate(); err != nil {
		return "", err
	}
	raw, err := json.Marshal(in)
	if err != nil {
		return "", xerrors.Wrap(xerrors.CodeInvalidArgument, err, "encode tool input")
	}

	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	created, err := s.tasks.Create(ctx, ServiceUser, in.AgentType(), raw)
	if err != nil {
		return "", err
	}
	if _, err := s.tasks.Start(ctx, ServiceUser, created.ID); err != nil {
		return "", err
	}
	done, err := s.tasks.WaitUntilCompleted(ctx, created.ID, s.cfg.PollInterval)
	if err != nil {
		if ctx.Err() != nil {
			return "", xerrors.Wrap(xerrors.CodeTimeout, err, "agent did not finish in time")
		}
		return "", err
	}
	if done.Status == task.StatusFailed {
		msg := done.Error
		if msg == "" {
			msg = "agent execution failed"
		}
		return "", xerrors.New(xerrors.CodeExecutorFailure, msg)
	}
	res, err := s.tasks.Result(ctx, created.ID)
	if err != nil {
		return "", err
	}
	logger.Audit().Info("mcp tool call completed",
		slog.String("task_id", created.ID),
		slog.String("agent_type", in.AgentType()),
		slog.Float64("actual_cost", res.ActualCost),
	)
	return res.Content, nil
}
