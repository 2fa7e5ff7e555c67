package document

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"pdfrag/internal/middleware"
)

const formField = "pdf"

type Handler struct {
	service  *Service
	maxBytes int64
}

func NewHandler(service *Service, maxUploadMB int64) *Handler {
	if maxUploadMB <= 0 {
		maxUploadMB = 50
	}
	return &Handler{service: service, maxBytes: maxUploadMB << 20}
}

// Upload accepts a multipart form with the PDF in the "pdf" field, stores it
// and enqueues it for ingestion.
func (h *Handler) Upload(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	r.Body = http.MaxBytesReader(w, r.Body, h.maxBytes)

	if err := r.ParseMultipartForm(h.maxBytes); err != nil {
		h.writeError(ctx, w, "File too large or malformed form", http.StatusBadRequest)
		return
	}

	file, header, err := r.FormFile(formField)
	if err != nil {
		h.writeError(ctx, w, "A PDF file is required in the 'pdf' field", http.StatusBadRequest)
		return
	}
	defer file.Close()

	job, err := h.service.Upload(ctx, header.Filename, file)
	if err != nil {
		if errors.Is(err, ErrNotPDF) || errors.Is(err, ErrEmptyFile) {
			h.writeError(ctx, w, err.Error(), http.StatusBadRequest)
			return
		}
		slog.ErrorContext(ctx, "upload failed", "error", err, "filename", header.Filename)
		h.writeError(ctx, w, "Upload failed", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	resp := map[string]string{
		"message": "File uploaded",
		"job_id":  job.ID,
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
