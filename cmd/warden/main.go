package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/sourcegraph/conc"
	"gopkg.in/yaml.v3"

	"github.com/basket/warden/internal/agent"
	"github.com/basket/warden/internal/audit"
	"github.com/basket/warden/internal/bus"
	"github.com/basket/warden/internal/checkpoint"
	"github.com/basket/warden/internal/config"
	"github.com/basket/warden/internal/decision"
	"github.com/basket/warden/internal/dispatch"
	"github.com/basket/warden/internal/gateway"
	"github.com/basket/warden/internal/janitor"
	"github.com/basket/warden/internal/metrics"
	wotel "github.com/basket/warden/internal/otel"
	"github.com/basket/warden/internal/safety"
	"github.com/basket/warden/internal/taskreg"
	"github.com/basket/warden/internal/telemetry"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.1-dev"

const shutdownGrace = 10 * time.Second

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage of %s:

DAEMON MODE (default):
  %s                          Start the approval daemon

SUBCOMMANDS:
  %s client [flags]           Connect as a test client and answer approvals
                              Flags: -query, -id, -addr, -auto
  %s status                   Show daemon health status (/healthz)

FLAGS:
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0])
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, `
ENVIRONMENT VARIABLES:
  WARDEN_HOME             Data directory (default: ~/.warden)
  RUNPOD_API_KEY          Safety-check service key
  RUNPOD_SL_ID            Safety-check endpoint id
  GUARDRAIL_PI_ENABLED    Set to false to skip content checks
`)
}

func main() {
	quiet := flag.Bool("quiet", !isatty.IsTerminal(os.Stdout.Fd()), "write logs to the log file only")
	flag.Usage = printUsage
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if args := flag.Args(); len(args) > 0 {
		switch strings.ToLower(strings.TrimSpace(args[0])) {
		case "help", "-h", "--help":
			printUsage()
			os.Exit(0)
		case "client":
			os.Exit(runClientCommand(ctx, args[1:]))
		case "status":
			os.Exit(runStatusCommand(ctx, args[1:]))
		case "daemon":
		default:
			fmt.Fprintf(os.Stderr, "unknown command %q\n", args[0])
			printUsage()
			os.Exit(2)
		}
	}

	os.Exit(runDaemon(ctx, *quiet))
}

func runDaemon(ctx context.Context, quiet bool) int {
	cfg, err := config.Load()
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}

	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, quiet)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded", "version", Version, "home", cfg.HomeDir)

	if cfg.NeedsInit {
		if err := writeDefaultConfig(cfg); err != nil {
			fatalStartup(logger, "E_CONFIG_WRITE", err)
		}
		logger.Info("config.yaml written with defaults", "path", config.ConfigPath(cfg.HomeDir))
	}
	if host, _, err := net.SplitHostPort(cfg.BindAddr); err == nil && !isLoopback(host) {
		if len(cfg.AllowOrigins) == 0 {
			logger.Warn("allow_origins is empty on non-loopback bind; cross-origin browser connections will be rejected", "bind_addr", cfg.BindAddr)
		}
		if cfg.AuthToken == "" {
			logger.Warn("auth_token is empty on non-loopback bind; the API is unauthenticated", "bind_addr", cfg.BindAddr)
		}
	}

	otelProvider, err := wotel.Init(ctx, wotel.Config{
		Enabled:     cfg.Otel.Enabled,
		Exporter:    cfg.Otel.Exporter,
		Endpoint:    cfg.Otel.Endpoint,
		ServiceName: cfg.Otel.ServiceName,
		SampleRate:  cfg.Otel.SampleRate,
	})
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelProvider.Shutdown(shutdownCtx); err != nil {
			logger.Warn("otel shutdown failed", "error", err)
		}
	}()
	otelMetrics, err := wotel.NewMetrics(otelProvider.Meter)
	if err != nil {
		fatalStartup(logger, "E_OTEL_METRICS", err)
	}

	auditLog, err := audit.Open(cfg.HomeDir)
	if err != nil {
		fatalStartup(logger, "E_AUDIT_INIT", err)
	}
	defer auditLog.Close()

	eventBus := bus.New()
	decisions := decision.New()
	tasks := taskreg.New(taskreg.WithBus(eventBus), taskreg.WithLogger(logger))
	hub := dispatch.NewHub(decisions, dispatch.WithBus(eventBus), dispatch.WithLogger(logger))

	checker := safety.NewClient(cfg.SafetyClientConfig(),
		safety.WithLogger(logger),
		safety.WithTracer(otelProvider.Tracer),
	)
	if !checker.Config().Configured() {
		logger.Warn("content safety checks are skipped", "enabled", cfg.Safety.Enabled)
	}
	guardrails := safety.NewLiveGuardrails(cfg.GuardrailRules())

	coord := checkpoint.New(checkpoint.Deps{
		Decisions:       decisions,
		Tasks:           tasks,
		Notifier:        hub,
		Checker:         checker,
		Guardrails:      guardrails,
		Bus:             eventBus,
		Tracer:          otelProvider.Tracer,
		Logger:          logger,
		DecisionTimeout: cfg.DecisionTimeout(),
	})

	purchases := &agent.PurchaseService{Purchaser: agent.DryRunPurchaser{}, Logger: logger}
	shopperCfg := agent.ShopperConfig{
		Checkpoints: coord,
		Sites:       cfg.Agent.Sites,
		MaxVisits:   cfg.Agent.MaxVisits,
		Logger:      logger,
	}
	if cfg.Agent.AutoPurchase {
		shopperCfg.Purchases = purchases
	}
	runCtx, cancelRuns := context.WithCancel(context.Background())
	defer cancelRuns()
	runner := agent.NewRunner(runCtx, tasks, agent.NewShopper(shopperCfg), logger)

	prom := metrics.NewProm(metrics.Sources{
		PendingDecisions: decisions.Len,
		ActiveTasks:      tasks.Len,
		ConnectedClients: hub.Len,
		BusDropped:       eventBus.Dropped,
	})

	var observers conc.WaitGroup
	observeCtx, stopObservers := context.WithCancel(context.Background())
	observers.Go(func() { prom.Observe(observeCtx, eventBus) })
	observers.Go(func() { otelMetrics.Observe(observeCtx, eventBus) })
	observers.Go(func() { auditLog.Observe(observeCtx, eventBus) })
	defer func() {
		stopObservers()
		observers.Wait()
	}()

	sweeper := janitor.New(janitor.Config{
		Decisions: decisions,
		MaxAge:    cfg.DecisionMaxAge(),
		Schedule:  cfg.Decisions.SweepSchedule,
		Logger:    logger,
	})
	if err := sweeper.Start(); err != nil {
		fatalStartup(logger, "E_JANITOR_INIT", err)
	}
	defer sweeper.Stop()

	watcher := config.NewWatcher(cfg.HomeDir, logger)
	if err := watcher.Start(observeCtx); err != nil {
		logger.Warn("config watcher disabled", "error", err)
	} else {
		observers.Go(func() { reloadGuardrails(watcher.Events(), cfg.HomeDir, guardrails, logger) })
	}

	gw := gateway.New(gateway.Config{
		Hub:          hub,
		Runner:       runner,
		Purchases:    purchases,
		Decisions:    decisions,
		Tasks:        tasks,
		Bus:          eventBus,
		Metrics:      prom,
		Tracer:       otelProvider.Tracer,
		Logger:       logger,
		AuthToken:    cfg.AuthToken,
		AllowOrigins: cfg.AllowOrigins,
		RateLimit: gateway.RateLimitConfig{
			Enabled:           cfg.RateLimit.Enabled,
			RequestsPerMinute: cfg.RateLimit.RequestsPerMinute,
			BurstSize:         cfg.RateLimit.BurstSize,
		},
		ConfigFingerprint: cfg.Fingerprint(),
	})
	gw.StartEviction(ctx)

	srv := &http.Server{
		Addr:              cfg.BindAddr,
		Handler:           gw.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	ln, err := net.Listen("tcp", cfg.BindAddr)
	if err != nil {
		if isAddrInUse(err) {
			logger.Error("bind address in use", "bind_addr", cfg.BindAddr)
		}
		fatalStartup(logger, "E_BIND", err)
	}

	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.Serve(ln) }()
	logger.Info("startup phase", "phase", "serving", "bind_addr", ln.Addr().String(), "fingerprint", cfg.Fingerprint())

	exit := 0
	select {
	case <-ctx.Done():
		logger.Info("shutdown requested")
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server failed", "error", err)
			exit = 1
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()

	// Tasks go first so their checkpoints orphan before channels close.
	if err := tasks.Shutdown(shutdownCtx); err != nil {
		logger.Warn("tasks did not drain", "error", err, "remaining", tasks.Len())
	}
	cancelRuns()
	hub.CloseAll()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", "error", err)
	}
	gw.Close()
	logger.Info("shutdown complete", "denials_audited", auditLog.DenyCount())
	return exit
}

// reloadGuardrails swaps in purchase rules from config.yaml on every change.
func reloadGuardrails(events <-chan config.ReloadEvent, homeDir string, live *safety.LiveGuardrails, logger *slog.Logger) {
	for range events {
		cfg, err := config.LoadFrom(homeDir)
		if err != nil {
			logger.Warn("config reload failed; keeping previous guardrails", "error", err)
			continue
		}
		live.Store(cfg.GuardrailRules())
		logger.Info("guardrails reloaded", "fingerprint", cfg.Fingerprint())
	}
}

// writeDefaultConfig persists cfg without secrets taken from the environment.
func writeDefaultConfig(cfg config.Config) error {
	cfg.Safety.APIKey = ""
	cfg.AuthToken = ""
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(config.ConfigPath(cfg.HomeDir), data, 0o600); err != nil {
		return fmt.Errorf("write config.yaml: %w", err)
	}
	return nil
}

func isLoopback(host string) bool {
	h := strings.TrimSpace(strings.ToLower(host))
	return h == "127.0.0.1" || h == "localhost" || h == "::1"
}

func fatalStartup(logger *slog.Logger, reasonCode string, err error) {
	message := ""
	if err != nil {
		message = err.Error()
	}
	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	} else {
		fmt.Fprintf(
			os.Stderr,
			`{"timestamp":"%s","level":"ERROR","component":"warden","trace_id":"-","msg":"startup failure","reason_code":%q,"error":%q}`+"\n",
			time.Now().UTC().Format(time.RFC3339Nano),
			reasonCode,
			message,
		)
	}
	os.Exit(1)
}

func isAddrInUse(err error) bool {
	var sysErr *os.SyscallError
	if errors.As(err, &sysErr) {
		return errors.Is(sysErr.Err, syscall.EADDRINUSE)
	}
	return strings.Contains(err.Error(), "address already in use")
}
