package chat

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"pdfrag/internal/middleware"
	"pdfrag/internal/retrieval"
)

type Answerer interface {
	Answer(ctx context.Context, query string) (*retrieval.QueryResult, error)
}

type Handler struct {
	service Answerer
}

func NewHandler(service Answerer) *Handler {
	return &Handler{service: service}
}

type resultData struct {
	Message string                     `json:"message"`
	Docs    []retrieval.RetrievedChunk `json:"docs"`
}

// Chat answers GET /chat?message=... from the ingested documents.
func (h *Handler) Chat(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	query := r.URL.Query().Get("message")
	if strings.TrimSpace(query) == "" {
		h.writeError(ctx, w, "message is required", http.StatusBadRequest)
		return
	}

	result, err := h.service.Answer(ctx, query)
	if err != nil {
		if errors.Is(err, retrieval.ErrEmptyQuery) {
			h.writeError(ctx, w, "message is required", http.StatusBadRequest)
			return
		}
		slog.ErrorContext(ctx, "chat failed", "error", err)
		h.writeError(ctx, w, "Chat failed", http.StatusInternalServerError)
		return
	}

	docs := result.RetrievedChunks
	if docs == nil {
		docs = []retrieval.RetrievedChunk{}
	}

	w.Header().Set("Content-Type", "application/json")
	resp := map[string]resultData{
		"resultData": {Message: result.Answer, Docs: docs},
	}
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		slog.ErrorContext(ctx, "failed to encode response", "error", err)
	}
}

func (h *Handler) writeError(ctx context.Context, w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	resp := map[string]string{
		"error":         message,
		"correlationId": middleware.GetCorrelationID(ctx),
	}
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		slog.Error("failed to encode error response", "error", err)
	}
}
