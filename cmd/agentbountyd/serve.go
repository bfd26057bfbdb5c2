package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"strings"
	"syscall"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"AgentBounty/internal/agent"
	"AgentBounty/internal/api"
	"AgentBounty/internal/approval"
	"AgentBounty/internal/auth"
	"AgentBounty/internal/config"
	"AgentBounty/internal/demo"
	xerrors "AgentBounty/internal/errors"
	"AgentBounty/internal/knowledge"
	"AgentBounty/internal/llm"
	"AgentBounty/internal/llm/openai"
	"AgentBounty/internal/observability/alerting"
	"AgentBounty/internal/observability/metrics"
	"AgentBounty/internal/payment"
	"AgentBounty/internal/storage/sqldb"
	"AgentBounty/internal/task"
	"AgentBounty/internal/toolserver"
	"AgentBounty/internal/wallet"
	"AgentBounty/internal/web3"
	"AgentBounty/internal/web3/provider"
	"AgentBounty/pkg/logger"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the API server, task workers and approval sweeper",
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := build(ctx, cfg)
	if err != nil {
		return err
	}
	defer app.close()

	log := logger.Named("agentbountyd")
	if n, err := task.RequeueRunning(ctx, app.taskStore, app.queue); err != nil {
		log.Warn("requeue interrupted tasks failed", slog.Any("error", err))
	} else if n > 0 {
		log.Info("requeued interrupted tasks", slog.Int("count", n))
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		err := app.processor.Start(gctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	g.Go(func() error { return app.sweeper.Run(gctx) })
	g.Go(func() error { return app.server.Start(gctx) })

	log.Info("agentbountyd started",
		slog.String("address", cfg.Server.Address),
		slog.String("storage", cfg.Storage.Driver),
		slog.String("queue", cfg.Queue.Driver),
		slog.String("llm", cfg.LLM.Provider),
		slog.String("network", app.network.Name))

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	log.Info("agentbountyd stopped")
	return nil
}

type application struct {
	server    *api.Server
	processor *task.Processor
	sweeper   *approval.Sweeper
	taskStore task.Store
	queue     task.Queue
	network   web3.Network
	closers   []func() error
}

func (a *application) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			logger.L().Warn("shutdown step failed", slog.Any("error", err))
		}
	}
}

// stores 汇总各业务服务的持久化实现。
type stores struct {
	tasks     task.Store
	approvals approval.Store
	users     auth.Store
	wallets   wallet.Store
}

func build(ctx context.Context, cfg *config.Config) (*application, error) {
	app := &application{}
	ok := false
	defer func() {
		if !ok {
			app.close()
		}
	}()

	st, err := openStores(ctx, cfg, app)
	if err != nil {
		return nil, err
	}
	app.taskStore = st.tasks

	queue, err := task.OpenQueue(ctx, cfg.Queue)
	if err != nil {
		return nil, err
	}
	app.queue = queue
	app.closers = append(app.closers, queue.Close)

	client, err := newLLM(cfg.LLM)
	if err != nil {
		return nil, err
	}
	registry := agent.NewRegistry(
		agent.NewFactCheck(client, agent.NewHTTPFetcher(cfg.LLM.Timeout), knowledge.NewStaticProvider(knowledge.DefaultSources(), 5)),
		agent.NewTravelPlanner(client),
	)

	m := metrics.New()
	alerts := newAlerts(cfg.Approval.Email)

	tasks := task.NewService(st.tasks, queue, registry, task.Limits{
		MaxActive:  cfg.Tasks.MaxActive,
		MaxRetries: cfg.Tasks.MaxRetries,
		ListLimit:  cfg.Tasks.ListLimit,
	}, task.WithObserver(m))
	app.processor = task.NewProcessor(task.RegistryExecutor{Agents: registry}, st.tasks, queue, queue,
		task.WithWorkerCount(cfg.Queue.Workers),
		task.WithExecutionTimeout(cfg.Tasks.ExecutionTimeout),
		task.WithProcessorLogger(logger.Named("processor")),
		task.WithAlertDispatcher(alerts),
		task.WithProcessorObserver(m),
	)

	network, chain, err := openChain(ctx, cfg.Payment, app)
	if err != nil {
		return nil, err
	}
	app.network = network

	approvalOpts := []approval.Option{
		approval.WithTTL(cfg.Approval.TTL),
		approval.WithBaseURL(cfg.Server.BaseURL),
		approval.WithApprover(tasks),
		approval.WithObserver(m),
	}
	if mailer := newMailer(cfg.Approval.Email); mailer != nil {
		approvalOpts = append(approvalOpts, approval.WithMailer(mailer))
	}
	approvals := approval.NewService(st.approvals, approvalOpts...)
	app.sweeper, err = approval.NewSweeper(approvals, cfg.Approval.SweepSchedule)
	if err != nil {
		return nil, err
	}

	signer, recipient, err := serverWallet(cfg.Payment, network)
	if err != nil {
		return nil, err
	}
	paymentOpts := []payment.Option{payment.WithApprovals(approvals), payment.WithObserver(m)}
	if signer != nil {
		paymentOpts = append(paymentOpts, payment.WithSigner(signer))
	}
	payments := payment.NewService(payment.Config{
		Network:           network,
		Recipient:         recipient,
		ValidFor:          cfg.Payment.ValidFor,
		ReceiptTimeout:    cfg.Payment.ReceiptTimeout,
		GasLimit:          cfg.Payment.GasLimit,
		ApprovalThreshold: cfg.Approval.ThresholdUSD,
	}, chain, tasks, paymentOpts...)

	authSvc, err := newAuth(ctx, cfg.Auth, st.users)
	if err != nil {
		return nil, err
	}

	walletChain := wallet.Chain{Name: network.Name, ID: network.ChainID}
	walletOpts := []wallet.Option{wallet.WithPaidTasks(tasks)}
	if chain != nil {
		walletOpts = append(walletOpts, wallet.WithBalances(payments))
	}
	wallets := wallet.NewService(st.wallets, walletChain, walletOpts...)

	gate := payment.NewGate(payments, tasks, wallets,
		payment.WithApprovalFlow(approvals),
		payment.WithRecipients(payment.RecipientFunc(func(ctx context.Context, userID string) approval.Recipient {
			email, name := authSvc.Recipient(ctx, userID)
			return approval.Recipient{Email: email, Name: name}
		})),
	)

	var demoHandler *demo.Handler
	if cfg.Demo.Enabled {
		demoHandler = demo.New(demo.Config{
			Enabled:      true,
			SessionTTL:   cfg.Demo.SessionTTL,
			Chain:        walletChain,
			Requirements: payments.Requirements,
		})
	}

	var metricsHandler *metrics.Metrics
	if cfg.Metrics.Enabled {
		metricsHandler = m
	}
	rps, burst := 0.0, 0
	if cfg.RateLimit.Enabled {
		rps, burst = cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.Burst
	}

	var mcpHandler http.Handler
	if cfg.MCP.Enabled {
		mcpHandler = toolserver.New(tasks, toolserver.Config{
			Version: version,
			Token:   cfg.MCP.ServiceToken,
			Timeout: cfg.MCP.Timeout,
		}).Handler()
		logger.L().Info("mcp tool server enabled", slog.String("path", cfg.MCP.Path))
	}

	app.server = api.NewServer(api.Options{
		Address:         cfg.Server.Address,
		ReadTimeout:     cfg.Server.ReadTimeout,
		WriteTimeout:    cfg.Server.WriteTimeout,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
	}, api.Deps{
		Tasks:           tasks,
		Agents:          registry,
		Auth:            authSvc,
		Payments:        payments,
		Gate:            gate,
		Approvals:       approvals,
		Wallets:         wallets,
		Demo:            demoHandler,
		Metrics:         metricsHandler,
		Chain:           chain,
		MCP:             mcpHandler,
		MCPPath:         cfg.MCP.Path,
		AllowedOrigins:  cfg.Server.AllowedOrigins,
		MetricsPath:     cfg.Metrics.Path,
		RateLimitRPS:    rps,
		RateLimitBurst:  burst,
		AllowSimulation: cfg.Demo.Enabled,
	})

	ok = true
	return app, nil
}

func openStores(ctx context.Context, cfg *config.Config, app *application) (*stores, error) {
	if cfg.Storage.Driver == "memory" {
		return &stores{
			tasks:     task.NewMemoryStore(),
			approvals: approval.NewMemoryStore(),
			users:     auth.NewMemoryStore(),
			wallets:   wallet.NewMemoryStore(),
		}, nil
	}

	db, err := openDatabase(ctx, cfg.Storage)
	if err != nil {
		return nil, err
	}
	app.closers = append(app.closers, db.Close)
	if cfg.Storage.AutoMigrate {
		applied, err := db.Migrate(ctx)
		if err != nil {
			return nil, err
		}
		if len(applied) > 0 {
			logger.L().Info("migrations applied", slog.Any("versions", applied))
		}
	}

	st := &stores{}
	if st.tasks, err = task.NewSQLStore(db); err != nil {
		return nil, err
	}
	if st.approvals, err = approval.NewSQLStore(db); err != nil {
		return nil, err
	}
	if st.users, err = auth.NewSQLStore(db); err != nil {
		return nil, err
	}
	if st.wallets, err = wallet.NewSQLStore(db); err != nil {
		return nil, err
	}
	return st, nil
}

func openDatabase(ctx context.Context, cfg config.StorageConfig) (*sqldb.DB, error) {
	return sqldb.Open(ctx, sqldb.Config{
		Driver:          cfg.Driver,
		DSN:             cfg.DSN,
		MaxOpenConns:    cfg.MaxOpenConns,
		MaxIdleConns:    cfg.MaxIdleConns,
		ConnMaxLifetime: cfg.ConnMaxLifetime,
	})
}

func newLLM(cfg config.LLMConfig) (llm.Client, error) {
	switch cfg.Provider {
	case "openai":
		return openai.NewClient(openai.Config{
			APIKey:      cfg.APIKey,
			BaseURL:     cfg.BaseURL,
			Model:       cfg.Model,
			Temperature: cfg.Temperature,
			Timeout:     cfg.Timeout,
		})
	default:
		return llm.NewOffline(), nil
	}
}

// openChain 解析结算链并建立连接。链不可达时不配置支付能力，而不是启动失败。
func openChain(ctx context.Context, cfg config.PaymentConfig, app *application) (web3.Network, web3.Client, error) {
	networks := web3.DefaultNetworks()
	if cfg.ChainConfig != "" {
		loaded, err := web3.LoadNetworks(cfg.ChainConfig)
		if err != nil {
			return web3.Network{}, nil, err
		}
		networks = loaded
	}
	if n, ok := networks[cfg.Network]; ok {
		if cfg.RPCURL != "" {
			n.RPCURL = cfg.RPCURL
		}
		if cfg.USDCAddress != "" {
			n.USDCAddress = cfg.USDCAddress
		}
		networks[cfg.Network] = n
	}

	registry, err := provider.NewRegistry(networks, cfg.Network, provider.DialEthereum)
	if err != nil {
		return web3.Network{}, nil, err
	}
	app.closers = append(app.closers, func() error { registry.Close(); return nil })

	network := registry.Default()
	client, err := registry.DefaultClient(ctx)
	if err != nil {
		logger.L().Warn("chain unavailable, payments disabled",
			slog.String("network", network.Name),
			slog.Any("error", err))
		return network, nil, nil
	}
	return network, client, nil
}

// serverWallet 返回提交授权交易的签名器以及收款地址。
func serverWallet(cfg config.PaymentConfig, network web3.Network) (*bind.TransactOpts, common.Address, error) {
	var signer *bind.TransactOpts
	if strings.TrimSpace(cfg.ServerKey) != "" {
		s, err := payment.NewSigner(cfg.ServerKey, network.ChainID)
		if err != nil {
			return nil, common.Address{}, err
		}
		signer = s
	}
	switch {
	case common.IsHexAddress(cfg.ServerAddress):
		return signer, common.HexToAddress(cfg.ServerAddress), nil
	case signer != nil:
		return signer, signer.From, nil
	}
	logger.L().Warn("no payment recipient configured; set payment.server_address or payment.server_key")
	return nil, common.Address{}, nil
}

func newAuth(ctx context.Context, cfg config.AuthConfig, users auth.Store) (*auth.Service, error) {
	secret := cfg.SessionSecret
	if secret == "" {
		buf := make([]byte, 32)
		if _, err := rand.Read(buf); err != nil {
			return nil, fmt.Errorf("generate session secret: %w", err)
		}
		secret = hex.EncodeToString(buf)
		logger.L().Warn("auth.session_secret is not set; sessions will not survive a restart")
	}
	if cfg.UsersFile != "" {
		seeds, err := auth.LoadSeeds(cfg.UsersFile)
		if err != nil {
			return nil, err
		}
		n, err := auth.ApplySeeds(ctx, users, seeds)
		if err != nil {
			return nil, err
		}
		logger.L().Info("users seeded", slog.Int("count", n))
	}
	return auth.NewService(users, auth.Config{
		Secret:       secret,
		TTL:          cfg.SessionTTL,
		CookieSecure: cfg.CookieSecure,
	})
}

func newMailer(cfg config.EmailConfig) alerting.EmailSender {
	if !cfg.Enabled || cfg.Host == "" {
		return nil
	}
	return alerting.NewSMTPSender(cfg.Host, cfg.Port, cfg.Username, cfg.Password, cfg.From)
}

func newAlerts(cfg config.EmailConfig) alerting.Dispatcher {
	notifiers := []alerting.Notifier{alerting.LogNotifier{}}
	if mailer := newMailer(cfg); mailer != nil && len(cfg.AlertTo) > 0 {
		notifiers = append(notifiers, &alerting.EmailNotifier{
			Sender:        mailer,
			To:            cfg.AlertTo,
			SubjectPrefix: "[AgentBounty]",
		})
	}
	return alerting.NewFanout(notifiers...).WithMinimumSeverity(xerrors.SeverityWarning)
}
