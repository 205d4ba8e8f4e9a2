// Package httpapi exposes the sync engine over HTTP.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/shunichi-ikebuchi/ledger-sync/pkg/reconcile"
	"github.com/shunichi-ikebuchi/ledger-sync/pkg/report"
	"github.com/shunichi-ikebuchi/ledger-sync/pkg/retry"
)

// Engine is the part of reconcile.Engine served over HTTP.
type Engine interface {
	TriggerSync(ctx context.Context, w *reconcile.Window) (report.Summary, error)
	Status() reconcile.RunStatus
	ListAbandonedRetries(ctx context.Context) ([]retry.Item, error)
	AcknowledgeAbandoned(ctx context.Context, id string) error
}

// Metrics reads the process-wide outcome totals.
type Metrics interface {
	Totals(ctx context.Context) ([]report.Total, error)
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
}

// SyncRequest is the optional body of POST /api/v1/sync. An empty body
// syncs the default window.
type SyncRequest struct {
	Since string `json:"since"`
	Until string `json:"until"`
}

// SyncResponse is returned by POST /api/v1/sync.
type SyncResponse struct {
	Summary report.Summary `json:"summary"`
	Error   string         `json:"error,omitempty"`
}

// Handler serves the engine API.
type Handler struct {
	engine  Engine
	metrics Metrics
	logger  *slog.Logger
}

// HandlerOption configures a Handler.
type HandlerOption func(*Handler)

// WithMetrics serves GET /api/v1/metrics from m.
func WithMetrics(m Metrics) HandlerOption {
	return func(h *Handler) { h.metrics = m }
}

// NewHandler creates a new Handler.
func NewHandler(engine Engine, logger *slog.Logger, opts ...HandlerOption) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Handler{engine: engine, logger: logger}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Router returns the chi router of the API.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	r.Route("/api/v1", func(r chi.Router) {
		// A sync may take longer than any sensible request timeout.
		r.Post("/sync", h.Sync)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(15 * time.Second))
			r.Get("/status", h.Status)
			r.Get("/retries/abandoned", h.ListAbandoned)
			r.Post("/retries/{id}/ack", h.Acknowledge)
			if h.metrics != nil {
				r.Get("/metrics", h.Metrics)
			}
		})
	})
	return r
}

// Sync handles POST /api/v1/sync. It runs the sync in the request and
// answers with its summary. A client that disconnects drains the run.
func (h *Handler) Sync(w http.ResponseWriter, r *http.Request) {
	var window *reconcile.Window
	var req SyncRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeJSONError(w, http.StatusBadRequest, "invalid_request", "Request body must be JSON")
		return
	}
	if req.Since != "" || req.Until != "" {
		window = &reconcile.Window{Since: req.Since, Until: req.Until}
		if err := window.Validate(); err != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid_window", err.Error())
			return
		}
	}

	summary, err := h.engine.TriggerSync(r.Context(), window)
	switch {
	case errors.Is(err, reconcile.ErrEngineBusy):
		writeJSONError(w, http.StatusConflict, "busy", "A sync is already running")
	case err != nil && summary.RunID == "":
		h.logger.Error("Sync could not start", "error", err)
		writeJSONError(w, http.StatusInternalServerError, "server_error", err.Error())
	case err != nil:
		writeJSON(w, http.StatusBadGateway, SyncResponse{Summary: summary, Error: err.Error()})
	default:
		writeJSON(w, http.StatusOK, SyncResponse{Summary: summary})
	}
}

// Status handles GET /api/v1/status.
func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.engine.Status())
}

// ListAbandoned handles GET /api/v1/retries/abandoned.
func (h *Handler) ListAbandoned(w http.ResponseWriter, r *http.Request) {
	items, err := h.engine.ListAbandonedRetries(r.Context())
	if err != nil {
		h.logger.Error("Failed to list abandoned retry items", "error", err)
		writeJSONError(w, http.StatusInternalServerError, "server_error", "Failed to list retry items")
		return
	}
	if items == nil {
		items = []retry.Item{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

// Acknowledge handles POST /api/v1/retries/{id}/ack.
func (h *Handler) Acknowledge(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, _, err := retry.ParseID(id); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid_parameter", err.Error())
		return
	}

	err := h.engine.AcknowledgeAbandoned(r.Context(), id)
	switch {
	case errors.Is(err, retry.ErrNotFound):
		writeJSONError(w, http.StatusNotFound, "not_found", "Retry item not found")
	case errors.Is(err, reconcile.ErrNotAbandoned):
		writeJSONError(w, http.StatusConflict, "not_abandoned", err.Error())
	case err != nil:
		h.logger.Error("Failed to acknowledge retry item", "id", id, "error", err)
		writeJSONError(w, http.StatusInternalServerError, "server_error", "Failed to acknowledge retry item")
	default:
		w.WriteHeader(http.StatusNoContent)
	}
}

// Metrics handles GET /api/v1/metrics.
func (h *Handler) Metrics(w http.ResponseWriter, r *http.Request) {
	totals, err := h.metrics.Totals(r.Context())
	if err != nil {
		h.logger.Error("Failed to collect metrics", "error", err)
		writeJSONError(w, http.StatusInternalServerError, "server_error", "Failed to collect metrics")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"outcomes": totals})
}

func writeJSONError(w http.ResponseWriter, status int, code, description string) {
	writeJSON(w, status, ErrorResponse{Error: code, ErrorDescription: description})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
