package main

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/triage-ai/toolgate/internal/api"
	"github.com/triage-ai/toolgate/internal/audit"
	"github.com/triage-ai/toolgate/internal/auth"
	"github.com/triage-ai/toolgate/internal/policy"
	"github.com/triage-ai/toolgate/internal/registry"
	"github.com/triage-ai/toolgate/internal/session"
	"github.com/triage-ai/toolgate/internal/store"
	"github.com/triage-ai/toolgate/internal/upstream"
)

func main() {
	// Logger
	logger := mustBuildLogger(envOrDefault("TOOLGATE_LOG_LEVEL", "info"))
	defer logger.Sync() //nolint:errcheck // best-effort flush

	// Config from env
	port := envOrDefault("TOOLGATE_PORT", "8080")
	mcpServerURL := envOrDefault("MCP_SERVER_URL", "http://localhost:3000")
	policyEngineURL := os.Getenv("TOOLGATE_POLICY_ENGINE_URL")
	policyFile := os.Getenv("TOOLGATE_POLICY_FILE")
	clickhouseDSN := os.Getenv("CLICKHOUSE_DSN")
	postgresDSN := os.Getenv("POSTGRES_DSN")
	apiToken := os.Getenv("TOOLGATE_API_TOKEN")
	refreshSecs := envOrDefaultInt("TOOLGATE_REGISTRY_REFRESH_S", 60)
	idleSecs := envOrDefaultInt("TOOLGATE_SESSION_IDLE_S", 300)
	policyTimeoutMs := envOrDefaultInt("TOOLGATE_POLICY_TIMEOUT_MS", 5000)
	maxDecisions := envOrDefaultInt("TOOLGATE_MAX_CONCURRENT_DECISIONS", 64)
	maxPending := envOrDefaultInt("TOOLGATE_MAX_PENDING_PER_SESSION", 64)

	logger.Info("starting toolgate server",
		zap.String("port", port),
		zap.String("mcp_server_url", mcpServerURL),
		zap.Int("registry_refresh_s", refreshSecs),
		zap.Int("session_idle_s", idleSecs),
	)

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Executor client and tool registry. Startup blocks on the first
	// tools/list fetch: serving without a category mapping would deny
	// everything and hide misconfiguration.
	client := upstream.NewClient(mcpServerURL, logger)
	cache := registry.NewCache(client, time.Duration(refreshSecs)*time.Second, logger)
	if err := cache.Start(rootCtx); err != nil {
		logger.Fatal("tool registry initialization failed", zap.Error(err))
	}

	// Policy rules: file overrides defaults, Postgres (when configured)
	// overrides the file and keeps reloading.
	rules := policy.DefaultRules()
	if policyFile != "" {
		loaded, err := policy.LoadRulesFile(policyFile)
		if err != nil {
			logger.Fatal("policy file load failed",
				zap.String("path", policyFile),
				zap.Error(err),
			)
		}
		rules = loaded
		logger.Info("policy rules loaded from file", zap.String("path", policyFile))
	}
	ruleDecider := policy.NewRuleDecider(rules)

	if postgresDSN != "" {
		db, err := sql.Open("pgx", postgresDSN)
		if err != nil {
			logger.Fatal("failed to open postgres", zap.Error(err))
		}
		defer func() { _ = db.Close() }()
		db.SetMaxOpenConns(10)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)
		if err := db.PingContext(rootCtx); err != nil {
			logger.Fatal("failed to ping postgres", zap.Error(err))
		}

		st := store.NewStore(db, logger)
		if loaded, err := st.LoadRules(rootCtx); err != nil {
			logger.Warn("initial rules load from postgres failed, keeping current rules",
				zap.Error(err),
			)
		} else {
			ruleDecider.SetRules(loaded)
			logger.Info("policy rules loaded from postgres")
		}
		st.WatchRules(rootCtx, 30*time.Second, ruleDecider.SetRules)
	}

	// Decider chain: local rules, optionally an external engine, bounded by a
	// global concurrency limit. The engine only sees calls the rules allow.
	var decider policy.Decider = ruleDecider
	if policyEngineURL != "" {
		engine := policy.NewEngineDecider(policy.EngineConfig{
			BaseURL: policyEngineURL,
			Timeout: time.Duration(policyTimeoutMs) * time.Millisecond,
			Logger:  logger,
		})
		decider = policy.NewChainDecider(ruleDecider, engine)
		logger.Info("external policy engine enabled", zap.String("url", policyEngineURL))
	}
	decider = policy.NewLimitDecider(decider, int64(maxDecisions))

	// Audit — ClickHouse or structured-log fallback
	var emitter audit.Emitter
	if clickhouseDSN != "" {
		chEmitter, err := audit.NewClickHouseEmitter(clickhouseDSN, logger)
		if err != nil {
			logger.Warn("clickhouse connection failed, falling back to log emitter",
				zap.Error(err),
			)
			emitter = audit.NewLogEmitter(logger)
		} else {
			emitter = chEmitter
			logger.Info("clickhouse audit emitter connected")
		}
	} else {
		emitter = audit.NewLogEmitter(logger)
		logger.Info("no CLICKHOUSE_DSN set, using log audit emitter")
	}

	// Control-surface auth — Postgres if configured, static token if set,
	// otherwise open (local development).
	var authenticator auth.Authenticator
	switch {
	case postgresDSN != "":
		authDB, err := sql.Open("pgx", postgresDSN)
		if err != nil {
			logger.Fatal("failed to open postgres for auth", zap.Error(err))
		}
		defer func() { _ = authDB.Close() }()
		authDB.SetMaxOpenConns(10)
		authDB.SetMaxIdleConns(5)
		authDB.SetConnMaxLifetime(5 * time.Minute)
		authenticator = auth.NewPostgresAuthenticator(auth.PostgresAuthConfig{
			DB:     authDB,
			Logger: logger,
		})
		logger.Info("postgres authenticator connected")
	case apiToken != "":
		authenticator = auth.NewStaticAuthenticator(apiToken)
		logger.Info("using static authenticator")
	default:
		logger.Warn("control endpoints are unauthenticated (no POSTGRES_DSN or TOOLGATE_API_TOKEN)")
	}

	// Sessions
	manager := session.NewManager(time.Duration(idleSecs)*time.Second, maxPending, logger)
	manager.StartReaper(rootCtx)

	handler := api.NewRouter(&api.Dependencies{
		Sessions: manager,
		Registry: cache,
		Decider:  decider,
		Audit:    emitter,
		Upstream: client,
		Auth:     authenticator,
		Logger:   logger,
	})

	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("toolgate server listening", zap.String("addr", srv.Addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-rootCtx.Done():
		logger.Info("received signal, shutting down")
	case err := <-errCh:
		logger.Fatal("http server failed", zap.Error(err))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown incomplete", zap.Error(err))
	}
	manager.CloseAll("server shutting down")
	emitter.Close()
	logger.Info("shutdown complete")
}

func mustBuildLogger(level string) *zap.Logger {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zapcore.DebugLevel
	case "warn":
		zapLevel = zapcore.WarnLevel
	case "error":
		zapLevel = zapcore.ErrorLevel
	default:
		zapLevel = zapcore.InfoLevel
	}

	cfg := zap.Config{
		Level:            zap.NewAtomicLevelAt(zapLevel),
		Development:      false,
		Encoding:         "json",
		EncoderConfig:    zap.NewProductionEncoderConfig(),
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}

	logger, err := cfg.Build()
	if err != nil {
		panic(fmt.Sprintf("failed to build logger: %v", err))
	}
	return logger
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envOrDefaultInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return defaultVal
}
