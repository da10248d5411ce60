package mcp

import (
	"context"
	"log/slog"

	sdkmcp "github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/rpggio/qcflow/internal/domain/activity"
	"github.com/rpggio/qcflow/internal/domain/qcstep"
	"github.com/rpggio/qcflow/internal/domain/session"
	"github.com/rpggio/qcflow/internal/workflow"
)

// Engine defines the workflow operations exposed as tools.
type Engine interface {
	HandleScan(ctx context.Context, evt workflow.ScanEvent) workflow.ScanResult
	BeginSession(ctx context.Context, userID string, types []string, closeExisting bool) (*session.CreateResult, error)
	RestartSession(ctx context.Context, userID string) (*session.CreateResult, error)
	EndSession(ctx context.Context, sessionID, reason string) (bool, error)
	Logout(ctx context.Context, userID string) (bool, error)
	ActiveSession(ctx context.Context, userID string) (session.Session, bool, error)
	ActiveSessions(ctx context.Context) ([]session.Session, error)
	Steps(ctx context.Context, sessionID string) ([]qcstep.Step, error)
	AbortStep(ctx context.Context, key, reason string) (bool, error)
	ResetStep(ctx context.Context, key string) (bool, error)
	Stats(ctx context.Context) (workflow.Stats, error)
}

// ActivityService defines activity operations needed by MCP.
type ActivityService interface {
	GetRecentActivity(ctx context.Context, opts activity.ListActivityOptions) ([]activity.ActivityEntry, error)
}

// Config contains server configuration.
type Config struct {
	Engine        Engine
	Activity      ActivityService
	Resolver      StationResolver
	AuthEnabled   bool
	TransportMode string // "stdio" or "http"
	Version       string
	Logger        *slog.Logger
}

// DefaultStation is attributed to calls when auth is disabled.
const DefaultStation = "local"

// NewServer creates and configures an MCP server with all tools and middleware.
func NewServer(cfg Config) *sdkmcp.Server {
	version := cfg.Version
	if version == "" {
		version = "dev"
	}
	server := sdkmcp.NewServer(&sdkmcp.Implementation{
		Name:    "qcflow",
		Version: version,
	}, &sdkmcp.ServerOptions{
		Instructions: serverInstructions,
		Logger:       cfg.Logger,
	})

	registerDocResources(server)

	// Stdio is a local operator console, so it never authenticates.
	if cfg.TransportMode != "stdio" && cfg.AuthEnabled {
		server.AddReceivingMiddleware(authMiddleware(cfg.Resolver))
	} else {
		server.AddReceivingMiddleware(noAuthMiddleware(DefaultStation))
	}
	server.AddReceivingMiddleware(sessionMiddleware())
	server.AddReceivingMiddleware(trafficLoggingMiddleware(cfg.Logger, "inbound"))
	server.AddSendingMiddleware(trafficLoggingMiddleware(cfg.Logger, "outbound"))

	registerTools(server, cfg.Engine, cfg.Activity)

	return server
}
