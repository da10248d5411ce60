package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/gofrs/flock"
	sdkmcp "github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/redis/go-redis/v9"
	"github.com/rpggio/qcflow/internal/config"
	"github.com/rpggio/qcflow/internal/domain/activity"
	"github.com/rpggio/qcflow/internal/events"
	"github.com/rpggio/qcflow/internal/logging"
	"github.com/rpggio/qcflow/internal/maintenance"
	"github.com/rpggio/qcflow/internal/mcp"
	"github.com/rpggio/qcflow/internal/ratelimit"
	"github.com/rpggio/qcflow/internal/sqlite"
	"github.com/rpggio/qcflow/internal/transport"
	"github.com/rpggio/qcflow/internal/workflow"
	"github.com/spf13/cobra"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

const (
	shutdownTimeout   = 5 * time.Second
	mcpSessionTimeout = 30 * time.Minute
)

func newServeCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the workflow engine with its MCP and HTTP front ends",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			signalCtx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()
			return runServer(signalCtx, cfg, cmd.ErrOrStderr())
		},
	}
}

func runServer(ctx context.Context, cfg config.Config, stderr io.Writer) error {
	// stdout carries JSON-RPC in stdio mode, so logs always go to stderr.
	logger, closeLog, err := logging.New(logging.Options{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		Path:   cfg.Log.Path,
		Writer: stderr,
	})
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer closeLog()

	lock, err := acquireLock(cfg.DB.Path)
	if err != nil {
		return err
	}
	if lock != nil {
		defer lock.Unlock()
	}

	db, err := sqlite.Open(ctx, cfg.DB.Path)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	var redisClient *redis.Client
	if cfg.Redis.Enabled() {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer redisClient.Close()
		if err := redisClient.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("connect to redis %s: %w", cfg.Redis.Addr, err)
		}
	}

	store := sqlite.NewStore(db)
	activitySvc := activity.NewService(sqlite.NewActivityRepository(db), logger)
	recorder := activity.NewRecorder(activitySvc, logger)

	bus := events.NewBus(logger)
	bus.Subscribe(recorder)
	go recorder.Run(ctx)
	if redisClient != nil {
		relay := events.NewRedisPublisher(redisClient, cfg.Redis.EventsChannel, logger)
		bus.Subscribe(relay)
		go relay.Run(ctx)
	}

	engine := workflow.New(store, newLimiter(cfg, redisClient), bus, nil,
		logger.With("component", "workflow"), workflow.OptionsFromConfig(cfg.Engine))
	engine.Start(ctx)
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := engine.Close(closeCtx); err != nil {
			logger.Error("engine shutdown", "error", err)
		}
	}()

	loaded, err := engine.Load(ctx)
	if err != nil {
		return fmt.Errorf("restore workflow state: %w", err)
	}
	logger.Info("workflow ready",
		"db", cfg.DB.Path, "sessions", loaded.Sessions, "steps", loaded.Steps, "orphaned", loaded.Orphaned)

	manager, err := maintenance.NewManager(store, activitySvc, engine, nil,
		logger.With("component", "maintenance"), maintenance.Options{
			Retention:     time.Duration(cfg.Maintenance.RetentionDays) * 24 * time.Hour,
			PruneInterval: time.Duration(cfg.Maintenance.PruneIntervalMinutes) * time.Minute,
			StatsInterval: time.Duration(cfg.Maintenance.StatsIntervalMinutes) * time.Minute,
		})
	if err != nil {
		return err
	}
	if err := manager.Start(); err != nil {
		return fmt.Errorf("start maintenance: %w", err)
	}
	defer manager.Shutdown()

	tokens := transport.StaticTokens(cfg.Auth.Tokens)
	mcpServer := mcp.NewServer(mcp.Config{
		Engine:        engine,
		Activity:      activitySvc,
		Resolver:      tokens,
		AuthEnabled:   cfg.Auth.Enabled,
		TransportMode: cfg.Transport.Mode,
		Version:       version,
		Logger:        logger,
	})

	if cfg.Transport.Mode == "stdio" {
		return runStdio(ctx, logger, mcpServer)
	}

	auth := transport.DefaultStation(mcp.DefaultStation)
	if cfg.Auth.Enabled {
		auth = transport.AuthMiddleware(tokens)
	}
	mcpHandler := sdkmcp.NewStreamableHTTPHandler(
		func(*http.Request) *sdkmcp.Server { return mcpServer },
		&sdkmcp.StreamableHTTPOptions{SessionTimeout: mcpSessionTimeout},
	)
	router := transport.NewServer(transport.Options{
		Engine: engine,
		MCP:    mcpHandler,
		Auth:   auth,
		Logger: logger.With("component", "http"),
	})
	return runHTTP(ctx, logger, router, cfg.Server.Host, cfg.Server.Port)
}

func runStdio(ctx context.Context, logger *slog.Logger, server *sdkmcp.Server) error {
	logger.Info("starting stdio transport", "auth", "disabled")
	err := server.Run(ctx, &sdkmcp.StdioTransport{})
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, io.EOF) {
		return fmt.Errorf("stdio server: %w", err)
	}
	logger.Info("stdio transport closed")
	return nil
}

func runHTTP(ctx context.Context, logger *slog.Logger, handler http.Handler, host string, port int) error {
	addr := net.JoinHostPort(host, strconv.Itoa(port))
	server := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server listening", "addr", addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return fmt.Errorf("listen %s: %w", addr, err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

func newLimiter(cfg config.Config, client *redis.Client) ratelimit.Limiter {
	limit := cfg.Engine.MaxScansPerMinute
	if limit <= 0 {
		return nil
	}
	if client != nil && cfg.Redis.RateLimit {
		return ratelimit.NewRedisLimiter(client, "qcflow:scans", limit, time.Minute)
	}
	return ratelimit.NewMemoryLimiter(limit, time.Minute)
}

// acquireLock takes an exclusive lock next to the database file so two servers
// never run their timers over the same data. In-memory databases need none.
func acquireLock(dbPath string) (*flock.Flock, error) {
	if dbPath == "" || dbPath == ":memory:" {
		return nil, nil
	}
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create database directory %q: %w", dir, err)
		}
	}
	lock := flock.New(dbPath + ".lock")
	ok, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("another qcflow server is already using %s", dbPath)
	}
	return lock, nil
}
