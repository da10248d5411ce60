package transport

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"
)

// ErrUnauthorized indicates invalid or missing credentials.
var ErrUnauthorized = errors.New("unauthorized")

type stationKey struct{}

// StationResolver resolves the scan station a bearer token belongs to.
type StationResolver interface {
	ResolveStation(ctx context.Context, token string) (string, error)
}

// StationFromContext returns the authenticated station, if present.
func StationFromContext(ctx context.Context) (string, bool) {
	station, ok := ctx.Value(stationKey{}).(string)
	return station, ok
}

// WithStation returns ctx carrying station.
func WithStation(ctx context.Context, station string) context.Context {
	return context.WithValue(ctx, stationKey{}, station)
}

// StaticTokens resolves stations from a fixed token table (auth.tokens).
type StaticTokens map[string]string

// ResolveStation compares token against every configured token.
func (s StaticTokens) ResolveStation(_ context.Context, token string) (string, error) {
	var station string
	for candidate, name := range s {
		if subtle.ConstantTimeCompare([]byte(candidate), []byte(token)) == 1 {
			station = name
		}
	}
	if station == "" {
		return "", ErrUnauthorized
	}
	return station, nil
}

// AuthMiddleware enforces bearer token authentication.
func AuthMiddleware(resolver StationResolver) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			auth := r.Header.Get("Authorization")
			token := strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
			if token == "" {
				http.Error(w, "missing bearer token", http.StatusUnauthorized)
				return
			}

			station, err := resolver.ResolveStation(r.Context(), token)
			if err != nil || station == "" {
				http.Error(w, "invalid bearer token", http.StatusUnauthorized)
				return
			}

			next.ServeHTTP(w, r.WithContext(WithStation(r.Context(), station)))
		})
	}
}

// DefaultStation attributes every request to station when auth is disabled.
func DefaultStation(station string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			next.ServeHTTP(w, r.WithContext(WithStation(r.Context(), station)))
		})
	}
}
