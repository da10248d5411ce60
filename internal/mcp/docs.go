package mcp

import (
	"context"

	sdkmcp "github.com/modelcontextprotocol/go-sdk/mcp"
)

const serverInstructions = `qcflow tracks quality-control work driven by scans.

Core concepts:
- Session: one operator's period of work. At most one active session per user.
- QC step: one inspection cycle for a scan key. The first scan of a key starts it, the next scan of the same key completes it.
- Overdue: a step still open after its estimated minutes plus the tolerance. Overdue steps stay listed until completed or aborted.
- Auto-reset: after the last step of a session completes, the session is replaced by a fresh one after a short delay. Starting another step cancels it.

Default workflow:
1) begin_session(user_id) once per operator shift.
2) handle_scan(key, user_id) for every scan. Read success, action and error_kind from the result.
3) list_live_steps to see what is in progress or overdue; abort_step to drop one.
4) reset_step clears a step whose completion could not be saved.
5) end_session or logout when the operator leaves.

Rejections with error_kind capacity, rate_limited or conflict are informational: the scan was not applied.
Blocking errors (configuration, consistency) mean the engine cannot continue for that user until an operator intervenes.

Docs:
- qcflow://docs/index
- qcflow://docs/step-lifecycle
- qcflow://docs/errors
`

type docResource struct {
	URI         string
	Name        string
	Title       string
	Description string
	Content     string
}

var docResources = []docResource{
	{
		URI:         "qcflow://docs/index",
		Name:        "docs_index",
		Title:       "qcflow docs index",
		Description: "Entry point: which tools exist and what to read next.",
		Content: `# qcflow: Docs Index

## Tools

- ` + "`begin_session`" + `, ` + "`restart_session`" + `, ` + "`end_session`" + `, ` + "`logout`" + ` manage operator sessions.
- ` + "`handle_scan`" + ` feeds one scan into the workflow.
- ` + "`get_active_session`" + `, ` + "`list_active_sessions`" + `, ` + "`list_live_steps`" + ` read live state.
- ` + "`abort_step`" + ` and ` + "`reset_step`" + ` resolve stuck work.
- ` + "`get_stats`" + ` and ` + "`recent_activity`" + ` report on what happened.

## Read on demand

- ` + "`qcflow://docs/step-lifecycle`" + `: the QC step state machine and timers.
- ` + "`qcflow://docs/errors`" + `: error kinds and how to recover from each.
`,
	},
	{
		URI:         "qcflow://docs/step-lifecycle",
		Name:        "step_lifecycle",
		Title:       "QC step lifecycle",
		Description: "States, transitions, deadlines and auto-reset.",
		Content: `# QC Step Lifecycle

    Idle -> Active -> Completed
              |  \-> Aborted
              v
           Overdue -> Completed | Aborted

- A key is live while its step is Active or Overdue. A live key belongs to exactly one session.
- The deadline is start + estimated minutes + overdue tolerance. Estimates come from the key:
  rush markers (URGENT, RUSH, EXPRESS) give urgent priority and a shorter estimate.
- Completing a step records its duration in whole minutes and any inspection details
  (rating, notes, defects_found, defect_description, rework_required).
- If the completion cannot be saved the step moves to Error. It stays listed and blocks
  its key and the session auto-reset until ` + "`reset_step`" + ` clears it.
- Finished steps remain visible for a short grace period. Scanning the key again after
  completion starts a new cycle.

## Auto-reset

When auto-reset is enabled and the last live step of a session completes, a reset is
scheduled a few seconds later. The reset ends the session and opens a fresh one for the same
operator. A new step started before the reset fires cancels it.

## Ending a session

Ending, restarting or logging out aborts every step the session still owns and cancels its
deadlines. Steps left from a previous run whose session is gone are aborted as orphaned at startup.
`,
	},
	{
		URI:         "qcflow://docs/errors",
		Name:        "errors",
		Title:       "Error kinds",
		Description: "Error kinds returned by tools and scan results, with recovery steps.",
		Content: `# Error Kinds

| Kind | Meaning | Recovery |
|---|---|---|
| validation_error | Missing key, session id or user id, or a bad rating | Fix the input |
| not_found | No active session where one is required | begin_session |
| conflict | Key live under another session, or stuck in Error | Finish or abort it, or reset_step |
| capacity | Parallel step limit reached | Complete or abort a live step |
| rate_limited | Too many scans in the last minute | Wait and rescan |
| configuration | No session type could be opened | Fix session_type_priority |
| consistency | Restart could not guarantee one active session | End sessions and begin again |
| persistence | The database call failed after a retry | Retry; check the database |

Capacity, rate_limited and conflict are informational. Configuration and consistency are blocking.
`,
	},
}

func registerDocResources(server *sdkmcp.Server) {
	for _, doc := range docResources {
		server.AddResource(&sdkmcp.Resource{
			URI:         doc.URI,
			Name:        doc.Name,
			Title:       doc.Title,
			Description: doc.Description,
			MIMEType:    "text/markdown",
			Size:        int64(len(doc.Content)),
		}, func(_ context.Context, req *sdkmcp.ReadResourceRequest) (*sdkmcp.ReadResourceResult, error) {
			uri := doc.URI
			if req != nil && req.Params != nil && req.Params.URI != "" {
				uri = req.Params.URI
			}
			return &sdkmcp.ReadResourceResult{
				Contents: []*sdkmcp.ResourceContents{{
					URI:      uri,
					MIMEType: "text/markdown",
					Text:     doc.Content,
				}},
			}, nil
		})
	}
}
