package mcp

import (
	"context"
	"fmt"
	"strings"

	sdkmcp "github.com/modelcontextprotocol/go-sdk/mcp"
)

type contextKey int

const (
	stationKey contextKey = iota
	qcSessionKey
)

// SessionHeader carries the QC session a client scans under, so handle_scan
// calls may omit session_id.
const SessionHeader = "Qcflow-Session-Id"

// getStation extracts the authenticated station from context.
func getStation(ctx context.Context) string {
	v, _ := ctx.Value(stationKey).(string)
	return v
}

func getQCSession(ctx context.Context) string {
	v, _ := ctx.Value(qcSessionKey).(string)
	return v
}

// StationResolver resolves the scan station a bearer token belongs to.
type StationResolver interface {
	ResolveStation(ctx context.Context, token string) (string, error)
}

// authMiddleware implements bearer token authentication as MCP middleware.
func authMiddleware(resolver StationResolver) sdkmcp.Middleware {
	return func(next sdkmcp.MethodHandler) sdkmcp.MethodHandler {
		return func(ctx context.Context, method string, req sdkmcp.Request) (sdkmcp.Result, error) {
			// Skip auth for protocol methods
			if method == "initialize" || method == "ping" || strings.HasPrefix(method, "notifications/") {
				return next(ctx, method, req)
			}

			extra := req.GetExtra()
			if extra == nil || extra.Header == nil {
				return nil, fmt.Errorf("unauthorized: missing headers")
			}

			auth := extra.Header.Get("Authorization")
			token := strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
			if token == "" {
				return nil, fmt.Errorf("unauthorized: missing bearer token")
			}
			if resolver == nil {
				return nil, fmt.Errorf("unauthorized: no token resolver configured")
			}

			station, err := resolver.ResolveStation(ctx, token)
			if err != nil {
				return nil, fmt.Errorf("unauthorized: %w", err)
			}
			if station == "" {
				return nil, fmt.Errorf("unauthorized: invalid bearer token")
			}

			ctx = context.WithValue(ctx, stationKey, station)
			return next(ctx, method, req)
		}
	}
}

// noAuthMiddleware injects a default station when auth is disabled.
func noAuthMiddleware(station string) sdkmcp.Middleware {
	return func(next sdkmcp.MethodHandler) sdkmcp.MethodHandler {
		return func(ctx context.Context, method string, req sdkmcp.Request) (sdkmcp.Result, error) {
			ctx = context.WithValue(ctx, stationKey, station)
			return next(ctx, method, req)
		}
	}
}

// sessionMiddleware extracts the QC session id from the Qcflow-Session-Id
// header (HTTP) or _meta.session_id (stdio).
func sessionMiddleware() sdkmcp.Middleware {
	return func(next sdkmcp.MethodHandler) sdkmcp.MethodHandler {
		return func(ctx context.Context, method string, req sdkmcp.Request) (sdkmcp.Result, error) {
			var sessionID string

			extra := req.GetExtra()
			if extra != nil && extra.Header != nil {
				sessionID = extra.Header.Get(SessionHeader)
			}

			// Notifications such as "initialized" have nil params, and GetMeta
			// panics on a typed nil.
			if sessionID == "" {
				if params := req.GetParams(); params != nil {
					func() {
						defer func() { recover() }()
						if meta := params.GetMeta(); meta != nil {
							if sid, ok := meta["session_id"].(string); ok {
								sessionID = sid
							}
						}
					}()
				}
			}

			if sessionID = strings.TrimSpace(sessionID); sessionID != "" {
				ctx = context.WithValue(ctx, qcSessionKey, sessionID)
			}
			return next(ctx, method, req)
		}
	}
}
