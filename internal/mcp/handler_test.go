package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	sdkmcp "github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/rpggio/qcflow/internal/apperr"
	"github.com/rpggio/qcflow/internal/domain/activity"
	"github.com/rpggio/qcflow/internal/domain/qcstep"
	"github.com/rpggio/qcflow/internal/domain/session"
	"github.com/rpggio/qcflow/internal/workflow"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type engineStub struct {
	scanFn          func(context.Context, workflow.ScanEvent) workflow.ScanResult
	beginFn         func(context.Context, string, []string, bool) (*session.CreateResult, error)
	restartFn       func(context.Context, string) (*session.CreateResult, error)
	endFn           func(context.Context, string, string) (bool, error)
	logoutFn        func(context.Context, string) (bool, error)
	activeFn        func(context.Context, string) (session.Session, bool, error)
	activeSessionFn func(context.Context) ([]session.Session, error)
	stepsFn         func(context.Context, string) ([]qcstep.Step, error)
	abortFn         func(context.Context, string, string) (bool, error)
	resetFn         func(context.Context, string) (bool, error)
	statsFn         func(context.Context) (workflow.Stats, error)
}

func (e engineStub) HandleScan(ctx context.Context, evt workflow.ScanEvent) workflow.ScanResult {
	return e.scanFn(ctx, evt)
}
func (e engineStub) BeginSession(ctx context.Context, userID string, types []string, closeExisting bool) (*session.CreateResult, error) {
	return e.beginFn(ctx, userID, types, closeExisting)
}
func (e engineStub) RestartSession(ctx context.Context, userID string) (*session.CreateResult, error) {
	return e.restartFn(ctx, userID)
}
func (e engineStub) EndSession(ctx context.Context, sessionID, reason string) (bool, error) {
	return e.endFn(ctx, sessionID, reason)
}
func (e engineStub) Logout(ctx context.Context, userID string) (bool, error) {
	return e.logoutFn(ctx, userID)
}
func (e engineStub) ActiveSession(ctx context.Context, userID string) (session.Session, bool, error) {
	if e.activeFn == nil {
		return session.Session{}, false, nil
	}
	return e.activeFn(ctx, userID)
}
func (e engineStub) ActiveSessions(ctx context.Context) ([]session.Session, error) {
	return e.activeSessionFn(ctx)
}
func (e engineStub) Steps(ctx context.Context, sessionID string) ([]qcstep.Step, error) {
	return e.stepsFn(ctx, sessionID)
}
func (e engineStub) AbortStep(ctx context.Context, key, reason string) (bool, error) {
	return e.abortFn(ctx, key, reason)
}
func (e engineStub) ResetStep(ctx context.Context, key string) (bool, error) {
	return e.resetFn(ctx, key)
}
func (e engineStub) Stats(ctx context.Context) (workflow.Stats, error) {
	return e.statsFn(ctx)
}

type activityStub struct {
	listFn func(context.Context, activity.ListActivityOptions) ([]activity.ActivityEntry, error)
}

func (a activityStub) GetRecentActivity(ctx context.Context, opts activity.ListActivityOptions) ([]activity.ActivityEntry, error) {
	return a.listFn(ctx, opts)
}

func connect(t *testing.T, cfg Config) *sdkmcp.ClientSession {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)

	if cfg.TransportMode == "" {
		cfg.TransportMode = "stdio"
	}
	server := NewServer(cfg)
	clientTransport, serverTransport := sdkmcp.NewInMemoryTransports()

	serverSession, err := server.Connect(ctx, serverTransport, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = serverSession.Close() })

	client := sdkmcp.NewClient(&sdkmcp.Implementation{Name: "test-client", Version: "1.0.0"}, nil)
	cs, err := client.Connect(ctx, clientTransport, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = cs.Close() })
	return cs
}

func callTool(t *testing.T, cs *sdkmcp.ClientSession, params *sdkmcp.CallToolParams) (string, bool) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	result, err := cs.CallTool(ctx, params)
	require.NoError(t, err, "CallTool %s failed", params.Name)
	require.NotEmpty(t, result.Content, "tool %s returned no content", params.Name)
	text, ok := result.Content[0].(*sdkmcp.TextContent)
	require.True(t, ok, "tool %s returned %T", params.Name, result.Content[0])
	return text.Text, result.IsError
}

func TestHandleScan_DefaultsSessionAndLocation(t *testing.T) {
	var got workflow.ScanEvent
	cs := connect(t, Config{Engine: engineStub{
		activeFn: func(_ context.Context, userID string) (session.Session, bool, error) {
			assert.Equal(t, "alice", userID)
			return session.Session{ID: "sess-1", UserID: "alice", Active: true}, true, nil
		},
		scanFn: func(_ context.Context, evt workflow.ScanEvent) workflow.ScanResult {
			got = evt
			return workflow.ScanResult{
				Success:          true,
				Action:           workflow.ActionStarted,
				Key:              evt.Key,
				SessionID:        evt.SessionID,
				EstimatedMinutes: 15,
			}
		},
	}})

	text, isErr := callTool(t, cs, &sdkmcp.CallToolParams{
		Name:      "handle_scan",
		Arguments: map[string]any{"key": "ITEM-1", "user_id": "alice", "rating": 4},
	})
	require.False(t, isErr)

	var result workflow.ScanResult
	require.NoError(t, json.Unmarshal([]byte(text), &result))
	assert.True(t, result.Success)
	assert.Equal(t, workflow.ActionStarted, result.Action)
	assert.Equal(t, "sess-1", got.SessionID)
	assert.Equal(t, DefaultStation, got.Location)
	require.NotNil(t, got.Rating)
	assert.Equal(t, 4, *got.Rating)
}

func TestHandleScan_SessionFromMeta(t *testing.T) {
	var got workflow.ScanEvent
	cs := connect(t, Config{Engine: engineStub{
		activeFn: func(context.Context, string) (session.Session, bool, error) {
			t.Error("active session lookup not expected")
			return session.Session{}, false, nil
		},
		scanFn: func(_ context.Context, evt workflow.ScanEvent) workflow.ScanResult {
			got = evt
			return workflow.ScanResult{
				Success:   false,
				ErrorKind: apperr.KindCapacity,
				Message:   "session limit reached",
				Key:       evt.Key,
				SessionID: evt.SessionID,
			}
		},
	}})

	text, isErr := callTool(t, cs, &sdkmcp.CallToolParams{
		Meta:      sdkmcp.Meta{"session_id": "sess-9"},
		Name:      "handle_scan",
		Arguments: map[string]any{"key": "ITEM-1", "user_id": "bob", "location": "dock-2"},
	})
	require.False(t, isErr, "rejections are structured results")

	var result workflow.ScanResult
	require.NoError(t, json.Unmarshal([]byte(text), &result))
	assert.False(t, result.Success)
	assert.Equal(t, apperr.KindCapacity, result.ErrorKind)
	assert.Equal(t, "sess-9", got.SessionID)
	assert.Equal(t, "dock-2", got.Location)
}

func TestBeginSession(t *testing.T) {
	start := time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)
	cs := connect(t, Config{Engine: engineStub{
		beginFn: func(_ context.Context, userID string, types []string, closeExisting bool) (*session.CreateResult, error) {
			assert.Equal(t, []string{"Intake"}, types)
			assert.True(t, closeExisting)
			return &session.CreateResult{
				Session:  session.Session{ID: "sess-1", UserID: userID, SessionType: "Intake", StartTime: start, Active: true},
				TypeUsed: "Intake",
			}, nil
		},
	}})

	text, isErr := callTool(t, cs, &sdkmcp.CallToolParams{
		Name:      "begin_session",
		Arguments: map[string]any{"user_id": "alice", "types": []string{"Intake"}, "close_existing": true},
	})
	require.False(t, isErr)

	var res session.CreateResult
	require.NoError(t, json.Unmarshal([]byte(text), &res))
	assert.Equal(t, "sess-1", res.Session.ID)
	assert.Equal(t, "Intake", res.TypeUsed)
}

func TestToolErrorsCarryCodes(t *testing.T) {
	cs := connect(t, Config{Engine: engineStub{
		beginFn: func(context.Context, string, []string, bool) (*session.CreateResult, error) {
			return nil, apperr.New(apperr.KindConfiguration, "create session", "no session type available")
		},
		resetFn: func(context.Context, string) (bool, error) {
			return false, apperr.New(apperr.KindValidation, "reset step", "key is required")
		},
	}})

	text, isErr := callTool(t, cs, &sdkmcp.CallToolParams{
		Name:      "begin_session",
		Arguments: map[string]any{"user_id": "alice"},
	})
	require.True(t, isErr)
	assert.Contains(t, text, "CONFIGURATION")
	assert.Contains(t, text, "no session type available")

	text, isErr = callTool(t, cs, &sdkmcp.CallToolParams{
		Name:      "reset_step",
		Arguments: map[string]any{"key": " "},
	})
	require.True(t, isErr)
	assert.Contains(t, text, "INVALID_INPUT")
}

func TestGetActiveSession_NotFound(t *testing.T) {
	cs := connect(t, Config{Engine: engineStub{}})

	text, isErr := callTool(t, cs, &sdkmcp.CallToolParams{
		Name:      "get_active_session",
		Arguments: map[string]any{"user_id": "carol"},
	})
	require.True(t, isErr)
	assert.Contains(t, text, "NOT_FOUND")
}

func TestListLiveSteps(t *testing.T) {
	start := time.Now().Add(-20 * time.Minute)
	cs := connect(t, Config{Engine: engineStub{
		stepsFn: func(_ context.Context, sessionID string) ([]qcstep.Step, error) {
			assert.Equal(t, "sess-1", sessionID)
			return []qcstep.Step{
				{ID: "step-1", Key: "ITEM-1", SessionID: sessionID, StartTime: start, EstimatedMinutes: 15, Status: qcstep.StatusOverdue},
				{ID: "step-2", Key: "ITEM-2", SessionID: sessionID, StartTime: time.Now(), EstimatedMinutes: 15, Status: qcstep.StatusActive},
			}, nil
		},
	}})

	text, isErr := callTool(t, cs, &sdkmcp.CallToolParams{
		Name:      "list_live_steps",
		Arguments: map[string]any{"session_id": "sess-1"},
	})
	require.False(t, isErr)

	var out struct {
		Steps []struct {
			Key            string        `json:"key"`
			Status         qcstep.Status `json:"status"`
			ElapsedMinutes int           `json:"elapsed_minutes"`
			Late           bool          `json:"late"`
		} `json:"steps"`
		Count int `json:"count"`
	}
	require.NoError(t, json.Unmarshal([]byte(text), &out))
	require.Equal(t, 2, out.Count)
	assert.Equal(t, qcstep.StatusOverdue, out.Steps[0].Status)
	assert.Equal(t, 20, out.Steps[0].ElapsedMinutes)
	assert.True(t, out.Steps[0].Late)
	assert.False(t, out.Steps[1].Late)
}

func TestAbortAndEnd(t *testing.T) {
	cs := connect(t, Config{Engine: engineStub{
		abortFn: func(_ context.Context, key, reason string) (bool, error) {
			assert.Equal(t, "ITEM-1", key)
			assert.Equal(t, "aborted by operator", reason)
			return true, nil
		},
		endFn: func(_ context.Context, sessionID, reason string) (bool, error) {
			assert.Equal(t, "shift over", reason)
			return sessionID == "sess-1", nil
		},
	}})

	text, isErr := callTool(t, cs, &sdkmcp.CallToolParams{
		Name:      "abort_step",
		Arguments: map[string]any{"key": "ITEM-1"},
	})
	require.False(t, isErr)
	assert.JSONEq(t, `{"key":"ITEM-1","aborted":true}`, text)

	text, isErr = callTool(t, cs, &sdkmcp.CallToolParams{
		Name:      "end_session",
		Arguments: map[string]any{"session_id": "sess-1", "reason": "shift over"},
	})
	require.False(t, isErr)
	assert.JSONEq(t, `{"session_id":"sess-1","ended":true}`, text)
}

func TestRecentActivity(t *testing.T) {
	summary := "QC step completed for ITEM-1"
	cs := connect(t, Config{
		Engine: engineStub{},
		Activity: activityStub{listFn: func(_ context.Context, opts activity.ListActivityOptions) ([]activity.ActivityEntry, error) {
			assert.Equal(t, defaultActivityLimit, opts.Limit)
			if assert.NotNil(t, opts.ActivityType) {
				assert.Equal(t, activity.TypeStepCompleted, *opts.ActivityType)
			}
			if assert.NotNil(t, opts.ScanKey) {
				assert.Equal(t, "ITEM-1", *opts.ScanKey)
			}
			assert.Nil(t, opts.SessionID)
			return []activity.ActivityEntry{{ID: 7, ActivityType: activity.TypeStepCompleted, Summary: summary}}, nil
		}},
	})

	text, isErr := callTool(t, cs, &sdkmcp.CallToolParams{
		Name:      "recent_activity",
		Arguments: map[string]any{"scan_key": "ITEM-1", "type": "qc_step_completed"},
	})
	require.False(t, isErr)

	var out activityOutput
	require.NoError(t, json.Unmarshal([]byte(text), &out))
	require.Len(t, out.Activity, 1)
	assert.Equal(t, summary, out.Activity[0].Summary)
}

func TestDocumentationResources(t *testing.T) {
	cs := connect(t, Config{Engine: engineStub{}})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	resources, err := cs.ListResources(ctx, nil)
	require.NoError(t, err)
	require.Len(t, resources.Resources, len(docResources))

	read, err := cs.ReadResource(ctx, &sdkmcp.ReadResourceParams{URI: "qcflow://docs/step-lifecycle"})
	require.NoError(t, err)
	require.NotEmpty(t, read.Contents)
	assert.Equal(t, "text/markdown", read.Contents[0].MIMEType)
	assert.Contains(t, read.Contents[0].Text, "QC Step Lifecycle")
}

func TestMapError(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		code     string
		blocking bool
	}{
		{"validation", apperr.New(apperr.KindValidation, "op", "bad"), "INVALID_INPUT", false},
		{"capacity", apperr.New(apperr.KindCapacity, "op", "full"), "CAPACITY", false},
		{"consistency", apperr.New(apperr.KindConsistency, "op", "two sessions"), "CONSISTENCY", true},
		{"unclassified", errors.New("disk full"), "PERSISTENCE", false},
		{"closed", workflow.ErrClosed, "UNAVAILABLE", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			apiErr := MapError(tt.err)
			require.NotNil(t, apiErr)
			assert.Equal(t, tt.code, apiErr.Code)
			assert.Equal(t, tt.blocking, apiErr.Blocking)
		})
	}
	assert.Nil(t, MapError(nil))
}
