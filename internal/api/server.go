package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"AgentBounty/internal/agent"
	"AgentBounty/internal/approval"
	"AgentBounty/internal/auth"
	"AgentBounty/internal/demo"
	"AgentBounty/internal/observability/metrics"
	"AgentBounty/internal/payment"
	"AgentBounty/internal/task"
	"AgentBounty/internal/wallet"
	"AgentBounty/internal/web3"
	"AgentBounty/pkg/logger"
)

// Deps 是构建 API 所需的服务。Tasks、Agents 与 Auth 必须提供，其余为 nil 时
// 对应路由不可用。
type Deps struct {
	Tasks     *task.Service
	Agents    *agent.Registry
	Auth      *auth.Service
	Payments  *payment.Service
	Gate      *payment.Gate
	Approvals *approval.Service
	Wallets   *wallet.Service
	Demo      *demo.Handler
	Metrics   *metrics.Metrics
	// Chain 设置后用于健康检查。
	Chain web3.Client
	// MCP 设置后在 MCPPath 提供智能体工具调用。
	MCP     http.Handler
	MCPPath string

	AllowedOrigins  []string
	MetricsPath     string
	RateLimitRPS    float64
	RateLimitBurst  int
	AllowSimulation bool
}

// Options 控制 HTTP 监听参数。
type Options struct {
	Address         string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
}

// Server 负责暴露 REST 接口。
type Server struct {
	opts    Options
	deps    Deps
	handler http.Handler
}

// NewServer 构造 API 服务实例及路由。
func NewServer(opts Options, deps Deps) *Server {
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = 15 * time.Second
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 30 * time.Second
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = 10 * time.Second
	}
	if deps.MetricsPath == "" {
		deps.MetricsPath = "/metrics"
	}
	if deps.MCPPath == "" {
		deps.MCPPath = "/mcp"
	}
	s := &Server{opts: opts, deps: deps}
	s.handler = s.routes()
	return s
}

// Handler 返回路由，供测试与嵌入使用。
func (s *Server) Handler() http.Handler {
	return s.handler
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.Recoverer)
	r.Use(requestIDMiddleware)
	r.Use(accessLog)
	r.Use(s.deps.Metrics.Middleware)
	r.Use(corsMiddleware(s.deps.AllowedOrigins))
	r.Use(chimw.SetHeader("X-Content-Type-Options", "nosniff"))
	r.Use(s.deps.Auth.Middleware)
	r.Use(s.deps.Demo.Middleware)
	r.Use(rateLimitMiddleware(s.deps.RateLimitRPS, s.deps.RateLimitBurst, s.deps.Metrics))

	r.Get("/health", s.handleHealth)
	if s.deps.Metrics != nil {
		r.Handle(s.deps.MetricsPath, s.deps.Metrics.Handler())
	}
	if s.deps.MCP != nil {
		r.Handle(s.deps.MCPPath, s.deps.MCP)
	}

	r.Route("/auth", func(r chi.Router) {
		r.Post("/login", s.handleLogin)
		r.Post("/logout", s.handleLogout)
		r.Get("/logout", s.handleLogout)
		r.Get("/user", s.handleCurrentUser)
	})
	r.Get("/api/me", s.handleCurrentUser)
	r.Get("/api/agents", s.handleAgents)
	r.Post("/api/demo/exit", s.handleDemoExit)

	r.Route("/api/tasks", func(r chi.Router) {
		r.Use(requireUser)
		r.Post("/", s.handleCreateTask)
		r.Get("/", s.handleListTasks)
		r.Get("/stats", s.handleTaskStats)
		r.Get("/{id}", s.handleGetTask)
		r.Delete("/{id}", s.handleDeleteTask)
		r.Post("/{id}/start", s.handleStartTask)
		r.Get("/{id}/result", s.handleTaskResult)
	})

	r.Route("/api/payments", func(r chi.Router) {
		r.Get("/network", s.handleNetwork)
		r.Get("/balance/{address}", s.handleBalance)
		r.Get("/magic-link/approve/{token}", s.handleMagicLink(true))
		r.Get("/magic-link/deny/{token}", s.handleMagicLink(false))
		r.Get("/magic-link/approve", s.handleMagicLink(true))
		r.Get("/magic-link/deny", s.handleMagicLink(false))
		r.Group(func(r chi.Router) {
			r.Use(requireUser)
			r.Post("/authorize", s.handleAuthorize)
			r.Post("/ciba/initiate", s.handleApprovalInitiate)
			r.Get("/ciba/status/{id}", s.handleApprovalStatus)
			r.Post("/ciba/simulate/{id}", s.handleApprovalSimulate)
			r.Post("/magic-link/request", s.handleMagicLinkRequest)
			r.Get("/magic-link/status/{id}", s.handleMagicLinkStatus)
		})
	})

	r.Route("/api/wallet", func(r chi.Router) {
		r.Use(requireUser)
		r.Post("/connect", s.handleWalletConnect)
		r.Post("/disconnect", s.handleWalletDisconnect)
		r.Get("/info", s.handleWalletInfo)
		r.Get("/history", s.handleWalletHistory)
	})

	return r
}

// Start 启动 HTTP 服务，直到上下文取消后优雅退出。
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.opts.Address,
		Handler:           withContext(ctx, s.handler),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       s.opts.ReadTimeout,
		WriteTimeout:      s.opts.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.L().Info("http server listening", slog.String("address", s.opts.Address))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.opts.ShutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.L().Warn("http shutdown incomplete", slog.Any("error", err))
		}
		return nil
	case err := <-errCh:
		return err
	}
}

// withContext 在根上下文取消后拒绝新的请求。
func withContext(ctx context.Context, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-ctx.Done():
			writeErrorCode(w, http.StatusServiceUnavailable, "UNAVAILABLE", "Server is shutting down")
			return
		default:
		}
		handler.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{"status": "healthy", "service": "agentbounty"}
	if s.deps.Chain != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
		defer cancel()
		snap, err := s.deps.Chain.Snapshot(ctx)
		if err != nil {
			body["chain"] = map[string]string{"status": "unreachable"}
		} else {
			body["chain"] = snap
		}
	}
	writeJSON(w, http.StatusOK, body)
}
