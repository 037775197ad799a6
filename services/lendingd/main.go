package main

import (
	"context"
	"crypto/tls"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"moneymarket/core/events"
	"moneymarket/core/state"
	"moneymarket/native/bank"
	"moneymarket/native/lending"
	"moneymarket/native/oracle"
	"moneymarket/observability"
	"moneymarket/observability/logging"
	"moneymarket/observability/metrics"
	telemetry "moneymarket/observability/otel"
	"moneymarket/services/eventlog"
	"moneymarket/services/lendingd/config"
	"moneymarket/services/lendingd/middleware"
	"moneymarket/services/lendingd/server"
	"moneymarket/storage"
)

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "services/lendingd/config.example.yaml", "path to lendingd config")
	flag.Parse()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	env := strings.TrimSpace(os.Getenv("LENDINGD_ENV"))
	logger := logging.Setup("lendingd", env, logging.Options{
		Level:      cfg.Log.Level,
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
		Compress:   cfg.Log.Compress,
	})

	if err := run(cfg, env, logger); err != nil {
		logger.Error("lendingd stopped", "error", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, env string, logger *slog.Logger) error {
	shutdownTelemetry, err := telemetry.Init(context.Background(), telemetry.Config{
		ServiceName: "lendingd",
		Environment: env,
		Endpoint:    cfg.Telemetry.Endpoint,
		Insecure:    cfg.Telemetry.Insecure,
		Headers:     telemetry.ParseHeaders(cfg.Telemetry.Headers),
		Metrics:     cfg.Telemetry.Metrics,
		Traces:      cfg.Telemetry.Traces,
		SampleRatio: cfg.Telemetry.SampleRatio,
	})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		if shutdownTelemetry != nil {
			_ = shutdownTelemetry(context.Background())
		}
	}()

	db, err := storage.NewLevelDB(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("open data dir %s: %w", cfg.DataDir, err)
	}
	defer db.Close()

	stateManager := state.NewManager(db)
	ledger := bank.NewLedger(stateManager)
	allocations, err := cfg.GenesisBalances()
	if err != nil {
		return err
	}
	stateManager.Begin()
	applied, err := bank.ApplyGenesis(stateManager, allocations)
	if err != nil {
		stateManager.Rollback()
		return err
	}
	if err := stateManager.Commit(); err != nil {
		return fmt.Errorf("commit genesis balances: %w", err)
	}
	if applied {
		logger.Info("genesis balances applied", "accounts", len(allocations))
	}
	prices := oracle.NewFeedOracle(oracle.Config{
		MaxAge:          cfg.Oracle.MaxAgeSeconds,
		MaxDeviationBps: cfg.Oracle.MaxDeviationBps,
	}, func() uint64 { return uint64(time.Now().Unix()) })
	for _, reporter := range cfg.ReporterAddresses() {
		prices.AddReporter(reporter)
	}

	emitters := events.Fanout{observability.Events()}
	var eventLog *eventlog.Log
	if cfg.EventLog.DSN != "" {
		eventLog, err = eventlog.Open(cfg.EventLog.DSN)
		if err != nil {
			return fmt.Errorf("open event log: %w", err)
		}
		defer eventLog.Close()
		eventLog.SetLogger(logger)
		emitters = append(emitters, eventLog)
	}

	engine := lending.NewEngine(stateManager, ledger, prices)
	engine.SetLogger(logger)
	engine.SetMetrics(metrics.Lending())
	engine.SetEmitter(emitters)

	definitions, err := cfg.Definitions()
	if err != nil {
		return err
	}
	for _, def := range definitions {
		err := engine.RegisterMarket(def)
		if errors.Is(err, lending.ErrMarketAlreadyListed) {
			continue
		}
		if err != nil {
			return fmt.Errorf("register market %s: %w", def.ID, err)
		}
		logger.Info("market registered", "market", def.ID, "underlying", def.Underlying)
	}

	auth := middleware.NewAuthenticator(middleware.AuthConfig{
		Enabled:    cfg.Auth.Enabled,
		HMACSecret: cfg.Auth.HMACSecret,
		Issuer:     cfg.Auth.Issuer,
		Audience:   cfg.Auth.Audience,
		ScopeClaim: cfg.Auth.ScopeClaim,
		ClockSkew:  time.Duration(cfg.Auth.ClockSkewSeconds) * time.Second,
	}, logger)
	if !auth.Enabled() {
		logger.Warn("authentication disabled; requests must name their account explicitly")
	}
	var limiter *middleware.RateLimiter
	if cfg.RateLimit.RequestsPerMinute > 0 {
		limiter, err = middleware.NewRateLimiter(middleware.RateLimit{
			RequestsPerMinute: cfg.RateLimit.RequestsPerMinute,
			Burst:             cfg.RateLimit.Burst,
			TrustedProxies:    cfg.RateLimit.TrustedProxies,
		}, observability.Module())
		if err != nil {
			return fmt.Errorf("configure rate limit: %w", err)
		}
	}

	srv, err := server.New(server.Config{
		Backend:       engine,
		Auth:          auth,
		RateLimiter:   limiter,
		Observability: middleware.NewObservability(observability.Module(), logger),
		Events:        eventLog,
		Funds:         ledger,
		Logger:        logger,
	})
	if err != nil {
		return err
	}

	listener, err := net.Listen("tcp", cfg.ListenAddress)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", cfg.ListenAddress, err)
	}
	tlsConfig, err := loadTLS(cfg.TLS)
	if err != nil {
		_ = listener.Close()
		return fmt.Errorf("configure tls: %w", err)
	}
	if tlsConfig == nil {
		tcpAddr, _ := listener.Addr().(*net.TCPAddr)
		loopback := tcpAddr != nil && tcpAddr.IP != nil && tcpAddr.IP.IsLoopback()
		if !strings.EqualFold(env, "dev") && !loopback {
			_ = listener.Close()
			return errors.New("plaintext lendingd mode is restricted to loopback listeners or dev environment")
		}
		logger.Warn("serving without TLS", "listen", listener.Addr().String())
	}

	httpServer := &http.Server{
		Handler:           otelhttp.NewHandler(srv.Routes(), "lendingd"),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
		TLSConfig:         tlsConfig,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("lendingd listening", "listen", listener.Addr().String(), "tls", tlsConfig != nil, "markets", len(definitions))
		if tlsConfig != nil {
			serverErr <- httpServer.ServeTLS(listener, "", "")
			return
		}
		serverErr <- httpServer.Serve(listener)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("forcing server stop", "error", err)
			_ = httpServer.Close()
		}
		return nil
	case err := <-serverErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve http: %w", err)
		}
		return nil
	}
}

func loadTLS(cfg config.TLSConfig) (*tls.Config, error) {
	if cfg.CertPath == "" || cfg.KeyPath == "" {
		if cfg.AllowInsecure {
			return nil, nil
		}
		return nil, fmt.Errorf("tls credentials are required")
	}
	cert, err := tls.LoadX509KeyPair(cfg.CertPath, cfg.KeyPath)
	if err != nil {
		return nil, fmt.Errorf("load tls keypair: %w", err)
	}
	return &tls.Config{
		MinVersion:   tls.VersionTLS12,
		Certificates: []tls.Certificate{cert},
	}, nil
}
