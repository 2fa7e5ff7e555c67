package job

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"pdfrag/internal/middleware"
	"pdfrag/internal/queue"
)

// Handler exposes the dead-letter table over HTTP.
type Handler struct {
	service *Service
}

func NewHandler(s *Service) *Handler {
	return &Handler{service: s}
}

type listResponse struct {
	Data []Job          `json:"data"`
	Meta map[string]int `json:"meta"`
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type errorResponse struct {
	Error         apiError `json:"error"`
	CorrelationID string   `json:"correlationId"`
}

// List serves GET /jobs/failed, newest first.
func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	failed, err := h.service.List(ctx)
	if err != nil {
		slog.ErrorContext(ctx, "failed to list dead-lettered jobs", "error", err)
		h.fail(ctx, w, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
		return
	}
	if failed == nil {
		failed = []Job{}
	}

	h.respond(ctx, w, http.StatusOK, listResponse{
		Data: failed,
		Meta: map[string]int{"count": len(failed)},
	})
}

// Retry serves POST /jobs/{id}/retry. The stored payload goes back on the
// ingestion topic and the record is removed.
func (h *Handler) Retry(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := r.PathValue("id")

	if _, err := uuid.Parse(id); err != nil {
		h.fail(ctx, w, http.StatusNotFound, "NOT_FOUND", "Job not found")
		return
	}

	err := h.service.Retry(ctx, id)
	switch {
	case err == nil:
		slog.InfoContext(ctx, "dead-lettered job requeued", "id", id)
		h.respond(ctx, w, http.StatusOK, map[string]string{"data": "job requeued"})
	case errors.Is(err, sql.ErrNoRows):
		h.fail(ctx, w, http.StatusNotFound, "NOT_FOUND", "Job not found")
	case errors.Is(err, queue.ErrDecode):
		h.fail(ctx, w, http.StatusUnprocessableEntity, "UNPROCESSABLE", err.Error())
	default:
		slog.ErrorContext(ctx, "failed to requeue dead-lettered job", "id", id, "error", err)
		h.fail(ctx, w, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
	}
}

func (h *Handler) fail(ctx context.Context, w http.ResponseWriter, status int, code, message string) {
	h.respond(ctx, w, status, errorResponse{
		Error:         apiError{Code: code, Message: message},
		CorrelationID: middleware.GetCorrelationID(ctx),
	})
}

func (h *Handler) respond(ctx context.Context, w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.ErrorContext(ctx, "failed to encode response", "error", err)
	}
}
