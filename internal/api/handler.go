// Package api provides the read-only dashboard HTTP surface: task listing,
// task detail, task logs, report download and health. It reads through the
// backend's direct SQL surface and never mutates task state.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/quantlab-io/backtest/internal/backend"
	"github.com/quantlab-io/backtest/internal/platform/logger"
)

const defaultTaskLimit = 20

// TaskReader is the slice of the backend the dashboard needs.
type TaskReader interface {
	Read(ctx context.Context, query string, args ...any) ([]backend.Row, error)
}

// Handler serves the dashboard endpoints.
type Handler struct {
	reader       TaskReader
	dbConfigured bool
	outputDir    string
	logger       *slog.Logger
}

// NewHandler creates a dashboard handler. dbConfigured gates the endpoints
// that need the task tables; without it they answer 503 instead of failing
// on every query.
func NewHandler(reader TaskReader, dbConfigured bool, outputDir string, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{
		reader:       reader,
		dbConfigured: dbConfigured,
		outputDir:    outputDir,
		logger:       log.With(slog.String("component", "dashboard")),
	}
}

// Routes registers the dashboard endpoints on a fresh router.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/api/tasks", h.ListTasks)
	r.Get("/api/tasks/{taskID}", h.GetTask)
	r.Get("/api/tasks/{taskID}/logs", h.GetTaskLogs)
	r.Get("/api/reports/{taskID}/download", h.DownloadReport)
	r.Get("/api/health", h.Health)
	return r
}

// ListTasks handles GET /api/tasks?limit=N, newest first.
func (h *Handler) ListTasks(w http.ResponseWriter, r *http.Request) {
	if !h.requireDB(w, r) {
		return
	}

	limit := defaultTaskLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			h.respondError(w, r, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	rows, err := h.reader.Read(r.Context(),
		"SELECT * FROM backtest_tasks ORDER BY created_at DESC LIMIT $1", limit)
	if err != nil {
		h.respondQueryError(w, r, err)
		return
	}
	h.respondJSON(w, r, http.StatusOK, map[string]any{"tasks": rows, "total": len(rows)})
}

// GetTask handles GET /api/tasks/{taskID}.
func (h *Handler) GetTask(w http.ResponseWriter, r *http.Request) {
	if !h.requireDB(w, r) {
		return
	}

	taskID := chi.URLParam(r, "taskID")
	rows, err := h.reader.Read(r.Context(),
		"SELECT * FROM backtest_tasks WHERE task_id = $1 LIMIT 1", taskID)
	if err != nil {
		h.respondQueryError(w, r, err)
		return
	}
	if len(rows) == 0 {
		h.respondError(w, r, http.StatusNotFound, "task not found")
		return
	}
	h.respondJSON(w, r, http.StatusOK, rows[0])
}

// GetTaskLogs handles GET /api/tasks/{taskID}/logs, oldest first.
func (h *Handler) GetTaskLogs(w http.ResponseWriter, r *http.Request) {
	if !h.requireDB(w, r) {
		return
	}

	taskID := chi.URLParam(r, "taskID")
	rows, err := h.reader.Read(r.Context(),
		"SELECT * FROM task_logs WHERE task_id = $1 ORDER BY created_at ASC", taskID)
	if err != nil {
		h.respondQueryError(w, r, err)
		return
	}
	h.respondJSON(w, r, http.StatusOK, map[string]any{"task_id": taskID, "logs": rows})
}

// DownloadReport handles GET /api/reports/{taskID}/download, serving the
// report artifact produced by the report stage.
func (h *Handler) DownloadReport(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")
	if taskID == "" || strings.ContainsAny(taskID, "/\\") || strings.Contains(taskID, "..") {
		h.respondError(w, r, http.StatusBadRequest, "invalid task id")
		return
	}

	name := taskID + ".report.json"
	path := filepath.Join(h.outputDir, name)
	if _, err := os.Stat(path); err != nil {
		h.respondError(w, r, http.StatusNotFound, "report not found")
		return
	}

	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
	w.Header().Set("Content-Type", "application/json")
	http.ServeFile(w, r, path)
}

// Health handles GET /api/health.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	h.respondJSON(w, r, http.StatusOK, map[string]any{"status": "healthy"})
}

// requireDB answers 503 when the task tables are not reachable by
// configuration.
func (h *Handler) requireDB(w http.ResponseWriter, r *http.Request) bool {
	if h.dbConfigured && h.reader != nil {
		return true
	}
	h.respondError(w, r, http.StatusServiceUnavailable, "database is not configured")
	return false
}

func (h *Handler) respondJSON(w http.ResponseWriter, r *http.Request, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log := logger.FromContextOrDefault(r.Context(), h.logger)
		log.Error("failed to encode JSON response",
			slog.String("path", r.URL.Path),
			slog.String("error", err.Error()))
	}
}

func (h *Handler) respondError(w http.ResponseWriter, r *http.Request, status int, message string) {
	h.respondJSON(w, r, status, map[string]any{"error": message})
}

// respondQueryError hides query details from clients; the full error goes to
// the log only.
func (h *Handler) respondQueryError(w http.ResponseWriter, r *http.Request, err error) {
	log := logger.FromContextOrDefault(r.Context(), h.logger)
	log.Error("dashboard query failed",
		slog.String("path", r.URL.Path),
		slog.String("error", err.Error()))
	h.respondError(w, r, http.StatusInternalServerError, "query failed")
}
