// Package migrations exposes the migration engine over HTTP.
package migrations

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"contractregistry/internal/migration"
)

// Engine is the subset of *migration.Service the handler drives.
type Engine interface {
	Analyze(ctx context.Context, oldID, newID string) (migration.SchemaDiff, error)
	Validate(ctx context.Context, oldID, newID string) ([]string, error)
	Preview(ctx context.Context, oldID, newID string) (migration.Preview, error)
	Apply(ctx context.Context, oldID, newID string) (migration.Record, error)
	Rollback(ctx context.Context, migrationID string) (migration.Record, error)
	History(ctx context.Context, limit int) ([]migration.Record, error)
	RenderTemplate(ctx context.Context, oldID, newID, language string) (migration.Template, error)
}

var _ Engine = (*migration.Service)(nil)

// DefaultHistoryLimit applies when the history request carries no limit.
const DefaultHistoryLimit = 10

// Handler routes /api/v1/migrations requests to an Engine.
type Handler struct {
	Engine  Engine
	Metrics http.Handler
	Logger  *slog.Logger

	router chi.Router
}

// NewHandler builds the router. metrics may be nil, in which case /metrics is not served.
func NewHandler(engine Engine, metrics http.Handler, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	h := &Handler{Engine: engine, Metrics: metrics, Logger: logger}
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(h.logRequests)

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if metrics != nil {
		r.Method(http.MethodGet, "/metrics", metrics)
	}
	r.Route("/api/v1/migrations", func(r chi.Router) {
		r.Get("/analyze", h.handleAnalyze)
		r.Get("/history", h.handleHistory)
		r.Post("/preview", h.handlePreview)
		r.Post("/validate", h.handleValidate)
		r.Post("/apply", h.handleApply)
		r.Post("/rollback", h.handleRollback)
		r.Post("/templates", h.handleTemplate)
	})
	h.router = r
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.Engine == nil {
		writeError(w, http.StatusInternalServerError, "migration engine not configured")
		return
	}
	h.router.ServeHTTP(w, r)
}

func (h *Handler) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		started := time.Now()
		next.ServeHTTP(ww, r)
		h.Logger.DebugContext(r.Context(), "http request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", ww.Status()),
			slog.String("request_id", middleware.GetReqID(r.Context())),
			slog.Duration("duration", time.Since(started)))
	})
}

type pairRequest struct {
	OldID string `json:"old_id"`
	NewID string `json:"new_id"`
}

type rollbackRequest struct {
	MigrationID string `json:"migration_id"`
}

type templateRequest struct {
	OldID    string `json:"old_id"`
	NewID    string `json:"new_id"`
	Language string `json:"language"`
}

func (h *Handler) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	req := pairRequest{OldID: strings.TrimSpace(q.Get("old")), NewID: strings.TrimSpace(q.Get("new"))}
	if req.OldID == "" || req.NewID == "" {
		writeError(w, http.StatusBadRequest, "old and new query parameters are required")
		return
	}
	diff, err := h.Engine.Analyze(r.Context(), req.OldID, req.NewID)
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"old_id": req.OldID, "new_id": req.NewID, "diff": diff})
}

func (h *Handler) handlePreview(w http.ResponseWriter, r *http.Request) {
	req, ok := decodePair(w, r)
	if !ok {
		return
	}
	preview, err := h.Engine.Preview(r.Context(), req.OldID, req.NewID)
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, preview)
}

func (h *Handler) handleValidate(w http.ResponseWriter, r *http.Request) {
	req, ok := decodePair(w, r)
	if !ok {
		return
	}
	if _, err := h.Engine.Validate(r.Context(), req.OldID, req.NewID); err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"valid": true, "issues": []string{}})
}

func (h *Handler) handleApply(w http.ResponseWriter, r *http.Request) {
	req, ok := decodePair(w, r)
	if !ok {
		return
	}
	record, err := h.Engine.Apply(r.Context(), req.OldID, req.NewID)
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"migration": record})
}

func (h *Handler) handleRollback(w http.ResponseWriter, r *http.Request) {
	var req rollbackRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.MigrationID) == "" {
		writeError(w, http.StatusBadRequest, "migration_id is required")
		return
	}
	record, err := h.Engine.Rollback(r.Context(), strings.TrimSpace(req.MigrationID))
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"migration": record})
}

func (h *Handler) handleTemplate(w http.ResponseWriter, r *http.Request) {
	var req templateRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.OldID) == "" || strings.TrimSpace(req.NewID) == "" {
		writeError(w, http.StatusBadRequest, "old_id and new_id are required")
		return
	}
	if req.Language == "" {
		req.Language = "rust"
	}
	tmpl, err := h.Engine.RenderTemplate(r.Context(), req.OldID, req.NewID, req.Language)
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"template": tmpl})
}

func (h *Handler) handleHistory(w http.ResponseWriter, r *http.Request) {
	limit := DefaultHistoryLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}
	records, err := h.Engine.History(r.Context(), limit)
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"migrations": records})
}

func decodePair(w http.ResponseWriter, r *http.Request) (pairRequest, bool) {
	var req pairRequest
	if !decodeBody(w, r, &req) {
		return req, false
	}
	req.OldID = strings.TrimSpace(req.OldID)
	req.NewID = strings.TrimSpace(req.NewID)
	if req.OldID == "" || req.NewID == "" {
		writeError(w, http.StatusBadRequest, "old_id and new_id are required")
		return req, false
	}
	return req, true
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
	if err := dec.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request payload")
		return false
	}
	return true
}

// statusFor maps the engine's error taxonomy onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, migration.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, migration.ErrMalformed):
		return http.StatusUnprocessableEntity
	case errors.Is(err, migration.ErrValidationFailed):
		return http.StatusConflict
	case errors.Is(err, migration.ErrUnsupportedLanguage):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) writeEngineError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	body := map[string]any{"error": err.Error()}
	var ve *migration.ValidationError
	if errors.As(err, &ve) {
		body["issues"] = ve.Issues
	}
	var ul *migration.UnsupportedLanguageError
	if errors.As(err, &ul) {
		body["supported"] = ul.Supported
	}
	if status == http.StatusInternalServerError {
		h.Logger.ErrorContext(r.Context(), "migration request failed",
			slog.String("path", r.URL.Path), slog.String("error", err.Error()))
	}
	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{"error": message})
}
