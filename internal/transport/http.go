package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"reflect"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/rpggio/qcflow/internal/apperr"
	"github.com/rpggio/qcflow/internal/workflow"
)

// SessionHeader lets scanners send the QC session once per connection
// instead of in every body.
const SessionHeader = "Qcflow-Session-Id"

const maxScanBody = 64 << 10

// Engine is the part of the workflow engine served over HTTP.
type Engine interface {
	HandleScan(ctx context.Context, evt workflow.ScanEvent) workflow.ScanResult
	Stats(ctx context.Context) (workflow.Stats, error)
}

// Options configures the router.
type Options struct {
	Engine Engine
	// MCP serves /mcp when set.
	MCP http.Handler
	// Auth wraps every route except /health; nil leaves them open.
	Auth   func(http.Handler) http.Handler
	Logger *slog.Logger
}

// Server wires HTTP handlers.
type Server struct {
	engine   Engine
	validate *validator.Validate
	logger   *slog.Logger
}

// NewServer creates an HTTP server router with middleware.
func NewServer(opts Options) *chi.Mux {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	srv := &Server{engine: opts.Engine, validate: newValidator(), logger: logger}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger(logger))

	r.Get("/health", srv.handleHealth)

	r.Group(func(r chi.Router) {
		if opts.Auth != nil {
			r.Use(opts.Auth)
		}
		if opts.MCP != nil {
			r.Handle("/mcp", opts.MCP)
			r.Handle("/mcp/*", opts.MCP)
		}
		r.Route("/api", func(r chi.Router) {
			r.Post("/scans", srv.handleScan)
			r.Get("/stats", srv.handleStats)
		})
	})

	return r
}

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) handleScan(w http.ResponseWriter, r *http.Request) {
	var evt workflow.ScanEvent
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxScanBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&evt); err != nil {
		s.rejectScan(w, evt, fmt.Sprintf("invalid scan body: %v", err))
		return
	}
	if evt.SessionID == "" {
		evt.SessionID = strings.TrimSpace(r.Header.Get(SessionHeader))
	}
	if evt.Location == "" {
		if station, ok := StationFromContext(r.Context()); ok {
			evt.Location = station
		}
	}
	if err := s.validate.Struct(evt); err != nil {
		s.rejectScan(w, evt, validationMessage(err))
		return
	}

	result := s.engine.HandleScan(r.Context(), evt)
	writeJSON(w, statusFor(result), result)
}

func (s *Server) rejectScan(w http.ResponseWriter, evt workflow.ScanEvent, message string) {
	writeJSON(w, http.StatusBadRequest, workflow.ScanResult{
		ErrorKind: apperr.KindValidation,
		Message:   message,
		Key:       evt.Key,
		SessionID: evt.SessionID,
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.engine.Stats(r.Context())
	if err != nil {
		s.logger.Error("reading stats", "error", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error":   string(apperr.KindOf(err)),
			"message": apperr.Message(err),
		})
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// statusFor maps a scan result to an HTTP status. Informational rejections
// keep 4xx codes so scanners can tell them from server faults.
func statusFor(result workflow.ScanResult) int {
	if result.Success {
		return http.StatusOK
	}
	switch result.ErrorKind {
	case apperr.KindValidation:
		return http.StatusBadRequest
	case apperr.KindNotFound:
		return http.StatusNotFound
	case apperr.KindConflict, apperr.KindCapacity:
		return http.StatusConflict
	case apperr.KindRateLimited:
		return http.StatusTooManyRequests
	case apperr.KindPersistence:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	messages := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		switch fe.Tag() {
		case "required":
			messages = append(messages, fmt.Sprintf("%s is required", fe.Field()))
		case "min", "max":
			messages = append(messages, fmt.Sprintf("%s must be %s %s", fe.Field(), boundWord(fe.Tag()), fe.Param()))
		default:
			messages = append(messages, fmt.Sprintf("%s failed %s", fe.Field(), fe.Tag()))
		}
	}
	return strings.Join(messages, "; ")
}

func boundWord(tag string) string {
	if tag == "min" {
		return "at least"
	}
	return "at most"
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func requestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			logger.Debug("http request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"bytes", ww.BytesWritten(),
				"elapsed", time.Since(start),
				"request_id", middleware.GetReqID(r.Context()),
			)
		})
	}
}
