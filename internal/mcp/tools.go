package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	sdkmcp "github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/rpggio/qcflow/internal/apperr"
	"github.com/rpggio/qcflow/internal/domain/activity"
	"github.com/rpggio/qcflow/internal/domain/qcstep"
	"github.com/rpggio/qcflow/internal/domain/session"
	"github.com/rpggio/qcflow/internal/workflow"
)

const defaultActivityLimit = 50

// HandleScanInput is the handle_scan argument object.
type HandleScanInput struct {
	Key               string  `json:"key" jsonschema:"scanned barcode or RFID value"`
	UserID            string  `json:"user_id" jsonschema:"operator performing the scan"`
	SessionID         string  `json:"session_id,omitempty" jsonschema:"QC session; defaults to the Qcflow-Session-Id header or the user's active session"`
	ScanRef           string  `json:"scan_ref,omitempty" jsonschema:"reference of the physical scan event"`
	Location          string  `json:"location,omitempty" jsonschema:"where the scan happened; defaults to the calling station"`
	Rating            *int    `json:"rating,omitempty" jsonschema:"inspection rating from 1 to 5, used on completion"`
	Notes             *string `json:"notes,omitempty" jsonschema:"inspection notes, used on completion"`
	DefectsFound      *int    `json:"defects_found,omitempty" jsonschema:"number of defects found, used on completion"`
	DefectDescription *string `json:"defect_description,omitempty" jsonschema:"defect description, used on completion"`
	ReworkRequired    *bool   `json:"rework_required,omitempty" jsonschema:"whether the item needs rework, used on completion"`
}

type beginSessionInput struct {
	UserID        string   `json:"user_id" jsonschema:"operator the session belongs to"`
	Types         []string `json:"types,omitempty" jsonschema:"session types to try in order; defaults to the configured priority"`
	CloseExisting bool     `json:"close_existing,omitempty" jsonschema:"end the user's current session first"`
}

type userInput struct {
	UserID string `json:"user_id" jsonschema:"operator id"`
}

type endSessionInput struct {
	SessionID string `json:"session_id" jsonschema:"session to end"`
	Reason    string `json:"reason,omitempty" jsonschema:"recorded on every aborted step"`
}

type sessionFilterInput struct {
	SessionID string `json:"session_id,omitempty" jsonschema:"limit to one session"`
}

type abortStepInput struct {
	Key    string `json:"key" jsonschema:"scan key of the live step"`
	Reason string `json:"reason,omitempty" jsonschema:"why the step is aborted"`
}

type keyInput struct {
	Key string `json:"key" jsonschema:"scan key of the step"`
}

type emptyInput struct{}

type recentActivityInput struct {
	SessionID string `json:"session_id,omitempty" jsonschema:"filter by session"`
	UserID    string `json:"user_id,omitempty" jsonschema:"filter by operator"`
	ScanKey   string `json:"scan_key,omitempty" jsonschema:"filter by scan key"`
	Type      string `json:"type,omitempty" jsonschema:"filter by activity type such as qc_step_completed"`
	Limit     int    `json:"limit,omitempty" jsonschema:"maximum entries, default 50"`
}

type endSessionOutput struct {
	SessionID string `json:"session_id"`
	Ended     bool   `json:"ended"`
}

type logoutOutput struct {
	UserID string `json:"user_id"`
	Ended  bool   `json:"ended"`
}

type activeSessionOutput struct {
	Session         session.Session `json:"session"`
	DurationMinutes int             `json:"duration_minutes"`
	LiveSteps       int             `json:"live_steps"`
}

type sessionsOutput struct {
	Sessions []session.Session `json:"sessions"`
	Count    int               `json:"count"`
}

type stepView struct {
	qcstep.Step
	ElapsedMinutes int  `json:"elapsed_minutes"`
	Late           bool `json:"late"`
}

type stepsOutput struct {
	Steps []stepView `json:"steps"`
	Count int        `json:"count"`
}

type abortOutput struct {
	Key     string `json:"key"`
	Aborted bool   `json:"aborted"`
}

type resetOutput struct {
	Key   string `json:"key"`
	Reset bool   `json:"reset"`
}

type activityOutput struct {
	Activity []activity.ActivityEntry `json:"activity"`
}

func registerTools(server *sdkmcp.Server, engine Engine, activitySvc ActivityService) {
	t := &tools{engine: engine, activity: activitySvc, now: time.Now}

	sdkmcp.AddTool(server, &sdkmcp.Tool{
		Name:        "handle_scan",
		Description: "Feed one scan into the QC workflow. The first scan of a key starts a QC step; the next scan completes it. Always returns a structured result; check success and error_kind.",
	}, t.handleScan)
	sdkmcp.AddTool(server, &sdkmcp.Tool{
		Name:        "begin_session",
		Description: "Open a QC session for an operator using the first available session type.",
	}, t.beginSession)
	sdkmcp.AddTool(server, &sdkmcp.Tool{
		Name:        "restart_session",
		Description: "Replace the operator's active session with a fresh one, aborting its live steps.",
	}, t.restartSession)
	sdkmcp.AddTool(server, &sdkmcp.Tool{
		Name:        "end_session",
		Description: "End a session and abort every QC step it still owns.",
	}, t.endSession)
	sdkmcp.AddTool(server, &sdkmcp.Tool{
		Name:        "logout",
		Description: "Abort the operator's QC steps and end their session.",
	}, t.logout)
	sdkmcp.AddTool(server, &sdkmcp.Tool{
		Name:        "get_active_session",
		Description: "Get the operator's active session with its duration and live step count.",
	}, t.getActiveSession)
	sdkmcp.AddTool(server, &sdkmcp.Tool{
		Name:        "list_active_sessions",
		Description: "List every active session.",
	}, t.listActiveSessions)
	sdkmcp.AddTool(server, &sdkmcp.Tool{
		Name:        "list_live_steps",
		Description: "List QC steps known to the engine: in progress, overdue, failed, or finished within the grace period.",
	}, t.listLiveSteps)
	sdkmcp.AddTool(server, &sdkmcp.Tool{
		Name:        "abort_step",
		Description: "Abort a live QC step by scan key.",
	}, t.abortStep)
	sdkmcp.AddTool(server, &sdkmcp.Tool{
		Name:        "reset_step",
		Description: "Clear a QC step left in the error state after a failed completion.",
	}, t.resetStep)
	sdkmcp.AddTool(server, &sdkmcp.Tool{
		Name:        "get_stats",
		Description: "Workflow counters: started, completed, aborted, overdue, errors, average duration and live totals.",
	}, t.getStats)
	if activitySvc != nil {
		sdkmcp.AddTool(server, &sdkmcp.Tool{
			Name:        "recent_activity",
			Description: "Recent audit trail entries, newest first.",
		}, t.recentActivity)
	}
}

type tools struct {
	engine   Engine
	activity ActivityService
	now      func() time.Time
}

func (t *tools) handleScan(ctx context.Context, _ *sdkmcp.CallToolRequest, in HandleScanInput) (*sdkmcp.CallToolResult, any, error) {
	sessionID := strings.TrimSpace(in.SessionID)
	if sessionID == "" {
		sessionID = getQCSession(ctx)
	}
	if sessionID == "" && strings.TrimSpace(in.UserID) != "" {
		sess, ok, err := t.engine.ActiveSession(ctx, in.UserID)
		if err != nil {
			return nil, nil, toolError(err)
		}
		if ok {
			sessionID = sess.ID
		}
	}
	location := in.Location
	if location == "" {
		location = getStation(ctx)
	}

	result := t.engine.HandleScan(ctx, workflow.ScanEvent{
		Key:               in.Key,
		SessionID:         sessionID,
		UserID:            in.UserID,
		ScanRef:           in.ScanRef,
		Location:          location,
		Rating:            in.Rating,
		Notes:             in.Notes,
		DefectsFound:      in.DefectsFound,
		DefectDescription: in.DefectDescription,
		ReworkRequired:    in.ReworkRequired,
	})
	return jsonResult(result)
}

func (t *tools) beginSession(ctx context.Context, _ *sdkmcp.CallToolRequest, in beginSessionInput) (*sdkmcp.CallToolResult, any, error) {
	res, err := t.engine.BeginSession(ctx, in.UserID, in.Types, in.CloseExisting)
	if err != nil {
		return nil, nil, toolError(err)
	}
	return jsonResult(res)
}

func (t *tools) restartSession(ctx context.Context, _ *sdkmcp.CallToolRequest, in userInput) (*sdkmcp.CallToolResult, any, error) {
	res, err := t.engine.RestartSession(ctx, in.UserID)
	if err != nil {
		return nil, nil, toolError(err)
	}
	return jsonResult(res)
}

func (t *tools) endSession(ctx context.Context, _ *sdkmcp.CallToolRequest, in endSessionInput) (*sdkmcp.CallToolResult, any, error) {
	reason := in.Reason
	if reason == "" {
		reason = "session ended"
	}
	ended, err := t.engine.EndSession(ctx, in.SessionID, reason)
	if err != nil {
		return nil, nil, toolError(err)
	}
	return jsonResult(endSessionOutput{SessionID: in.SessionID, Ended: ended})
}

func (t *tools) logout(ctx context.Context, _ *sdkmcp.CallToolRequest, in userInput) (*sdkmcp.CallToolResult, any, error) {
	ended, err := t.engine.Logout(ctx, in.UserID)
	if err != nil {
		return nil, nil, toolError(err)
	}
	return jsonResult(logoutOutput{UserID: in.UserID, Ended: ended})
}

func (t *tools) getActiveSession(ctx context.Context, _ *sdkmcp.CallToolRequest, in userInput) (*sdkmcp.CallToolResult, any, error) {
	sess, ok, err := t.engine.ActiveSession(ctx, in.UserID)
	if err != nil {
		return nil, nil, toolError(err)
	}
	if !ok {
		return nil, nil, toolError(apperr.New(apperr.KindNotFound, "get active session",
			fmt.Sprintf("user %s has no active session", in.UserID)))
	}
	steps, err := t.engine.Steps(ctx, sess.ID)
	if err != nil {
		return nil, nil, toolError(err)
	}
	live := 0
	for _, step := range steps {
		if step.Status.InProgress() {
			live++
		}
	}
	return jsonResult(activeSessionOutput{
		Session:         sess,
		DurationMinutes: sess.DurationMinutes(t.now()),
		LiveSteps:       live,
	})
}

func (t *tools) listActiveSessions(ctx context.Context, _ *sdkmcp.CallToolRequest, _ emptyInput) (*sdkmcp.CallToolResult, any, error) {
	sessions, err := t.engine.ActiveSessions(ctx)
	if err != nil {
		return nil, nil, toolError(err)
	}
	if sessions == nil {
		sessions = []session.Session{}
	}
	return jsonResult(sessionsOutput{Sessions: sessions, Count: len(sessions)})
}

func (t *tools) listLiveSteps(ctx context.Context, _ *sdkmcp.CallToolRequest, in sessionFilterInput) (*sdkmcp.CallToolResult, any, error) {
	steps, err := t.engine.Steps(ctx, strings.TrimSpace(in.SessionID))
	if err != nil {
		return nil, nil, toolError(err)
	}
	now := t.now()
	views := make([]stepView, 0, len(steps))
	for _, step := range steps {
		views = append(views, stepView{
			Step:           step,
			ElapsedMinutes: qcstep.Minutes(step.Elapsed(now)),
			Late:           step.Status.InProgress() && now.After(step.OverdueAt(0)),
		})
	}
	return jsonResult(stepsOutput{Steps: views, Count: len(views)})
}

func (t *tools) abortStep(ctx context.Context, _ *sdkmcp.CallToolRequest, in abortStepInput) (*sdkmcp.CallToolResult, any, error) {
	reason := in.Reason
	if reason == "" {
		reason = "aborted by operator"
	}
	aborted, err := t.engine.AbortStep(ctx, in.Key, reason)
	if err != nil {
		return nil, nil, toolError(err)
	}
	return jsonResult(abortOutput{Key: in.Key, Aborted: aborted})
}

func (t *tools) resetStep(ctx context.Context, _ *sdkmcp.CallToolRequest, in keyInput) (*sdkmcp.CallToolResult, any, error) {
	reset, err := t.engine.ResetStep(ctx, in.Key)
	if err != nil {
		return nil, nil, toolError(err)
	}
	return jsonResult(resetOutput{Key: in.Key, Reset: reset})
}

func (t *tools) getStats(ctx context.Context, _ *sdkmcp.CallToolRequest, _ emptyInput) (*sdkmcp.CallToolResult, any, error) {
	stats, err := t.engine.Stats(ctx)
	if err != nil {
		return nil, nil, toolError(err)
	}
	return jsonResult(stats)
}

func (t *tools) recentActivity(ctx context.Context, _ *sdkmcp.CallToolRequest, in recentActivityInput) (*sdkmcp.CallToolResult, any, error) {
	opts := activity.ListActivityOptions{
		SessionID: optional(in.SessionID),
		UserID:    optional(in.UserID),
		ScanKey:   optional(in.ScanKey),
		Limit:     in.Limit,
	}
	if opts.Limit <= 0 {
		opts.Limit = defaultActivityLimit
	}
	if in.Type != "" {
		typ := activity.ActivityType(in.Type)
		opts.ActivityType = &typ
	}
	entries, err := t.activity.GetRecentActivity(ctx, opts)
	if err != nil {
		return nil, nil, toolError(err)
	}
	if entries == nil {
		entries = []activity.ActivityEntry{}
	}
	return jsonResult(activityOutput{Activity: entries})
}

// jsonResult renders v as the tool's text content.
func jsonResult(v any) (*sdkmcp.CallToolResult, any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, nil, fmt.Errorf("encode result: %w", err)
	}
	return &sdkmcp.CallToolResult{
		Content: []sdkmcp.Content{&sdkmcp.TextContent{Text: string(data)}},
	}, nil, nil
}

func optional(s string) *string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	return &s
}
