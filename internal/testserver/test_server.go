// Package testserver assembles the full service over an in-memory database
// for functional tests.
package testserver

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	sdkmcp "github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/rpggio/qcflow/internal/config"
	"github.com/rpggio/qcflow/internal/domain/activity"
	"github.com/rpggio/qcflow/internal/events"
	"github.com/rpggio/qcflow/internal/mcp"
	"github.com/rpggio/qcflow/internal/ratelimit"
	"github.com/rpggio/qcflow/internal/sqlite"
	"github.com/rpggio/qcflow/internal/transport"
	"github.com/rpggio/qcflow/internal/workflow"
	"github.com/stretchr/testify/require"
)

// Start is the fake clock's initial reading.
var Start = time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)

type TestServer struct {
	Server   *httptest.Server
	DB       *sqlite.DB
	Engine   *workflow.Engine
	Clock    *clockwork.FakeClock
	Events   *events.Channel
	Activity *activity.Service
	Token    string
	Station  string
}

// New starts a server whose only valid bearer token is token, mapped to station.
// tune, when non-nil, adjusts the engine configuration before assembly.
func New(t *testing.T, token, station string, tune func(*config.EngineConfig)) *TestServer {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())

	db, err := sqlite.New(":memory:")
	require.NoError(t, err)
	_, err = db.Migrate(ctx)
	require.NoError(t, err)

	engineCfg := config.DefaultEngine()
	if tune != nil {
		tune(&engineCfg)
	}

	clock := clockwork.NewFakeClockAt(Start)
	activitySvc := activity.NewService(sqlite.NewActivityRepository(db), nil)
	recorder := activity.NewRecorder(activitySvc, nil)
	stream := events.NewChannel(1024, nil)

	bus := events.NewBus(nil)
	bus.Subscribe(recorder)
	bus.Subscribe(stream)

	var limiter ratelimit.Limiter
	if engineCfg.MaxScansPerMinute > 0 {
		limiter = ratelimit.NewMemoryLimiter(engineCfg.MaxScansPerMinute, time.Minute)
	}
	engine := workflow.New(sqlite.NewStore(db), limiter, bus, clock, nil, workflow.OptionsFromConfig(engineCfg))
	engine.Start(ctx)
	_, err = engine.Load(ctx)
	require.NoError(t, err)
	go recorder.Run(ctx)

	tokens := transport.StaticTokens{token: station}
	mcpServer := mcp.NewServer(mcp.Config{
		Engine:        engine,
		Activity:      activitySvc,
		Resolver:      tokens,
		AuthEnabled:   true,
		TransportMode: "http",
	})
	mcpHandler := sdkmcp.NewStreamableHTTPHandler(
		func(*http.Request) *sdkmcp.Server { return mcpServer },
		&sdkmcp.StreamableHTTPOptions{SessionTimeout: time.Minute},
	)

	server := httptest.NewServer(transport.NewServer(transport.Options{
		Engine: engine,
		MCP:    mcpHandler,
		Auth:   transport.AuthMiddleware(tokens),
	}))

	ts := &TestServer{
		Server:   server,
		DB:       db,
		Engine:   engine,
		Clock:    clock,
		Events:   stream,
		Activity: activitySvc,
		Token:    token,
		Station:  station,
	}

	t.Cleanup(func() {
		server.Close()
		closeCtx, closeCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer closeCancel()
		_ = engine.Close(closeCtx)
		cancel()
		_ = db.Close()
	})

	return ts
}

// Advance moves the fake clock and runs every task that became due.
func (ts *TestServer) Advance(t *testing.T, d time.Duration) {
	t.Helper()
	ts.Clock.Advance(d)
	_, err := ts.Engine.Tick(context.Background())
	require.NoError(t, err)
}

// Connect opens an MCP client session over the streamable HTTP endpoint.
func (ts *TestServer) Connect(t *testing.T) *sdkmcp.ClientSession {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client := sdkmcp.NewClient(&sdkmcp.Implementation{Name: "test-client", Version: "1.0.0"}, nil)
	cs, err := client.Connect(ctx, &sdkmcp.StreamableClientTransport{
		Endpoint:   ts.Server.URL + "/mcp",
		HTTPClient: &http.Client{Transport: bearer{token: ts.Token}},
	}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = cs.Close() })
	return cs
}

type bearer struct {
	token string
}

func (b bearer) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	req.Header.Set("Authorization", "Bearer "+b.token)
	return http.DefaultTransport.RoundTrip(req)
}
