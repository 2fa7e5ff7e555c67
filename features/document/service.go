package document

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"pdfrag/internal/queue"
)

type FileStore interface {
	Save(originalName string, r io.Reader) (StoredFile, error)
	Remove(path string) error
}

type Enqueuer interface {
	Enqueue(ctx context.Context, filename, destination, path string) (queue.IngestionJob, error)
}

type Service struct {
	store    FileStore
	producer Enqueuer
}

func NewService(store FileStore, producer Enqueuer) *Service {
	return &Service{store: store, producer: producer}
}

// Upload stores the file and enqueues its ingestion. A file whose job could
// not be enqueued is removed again.
func (s *Service) Upload(ctx context.Context, originalName string, r io.Reader) (queue.IngestionJob, error) {
	stored, err := s.store.Save(originalName, r)
	if err != nil {
		return queue.IngestionJob{}, err
	}
	slog.InfoContext(ctx, "upload stored", "filename", stored.Filename, "path", stored.Path, "size", stored.Size)

	job, err := s.producer.Enqueue(ctx, stored.Filename, stored.Destination, stored.Path)
	if err != nil {
		if rmErr := s.store.Remove(stored.Path); rmErr != nil {
			slog.WarnContext(ctx, "failed to clean up uploaded file", "error", rmErr, "path", stored.Path)
		}
		return queue.IngestionJob{}, err
	}
	return job, nil
}

// EnqueuePath enqueues a PDF that is already on local disk.
func (s *Service) EnqueuePath(ctx context.Context, path string) (queue.IngestionJob, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return queue.IngestionJob{}, err
	}
	info, err := os.Stat(abs)
	if err != nil {
		return queue.IngestionJob{}, err
	}
	if info.IsDir() {
		return queue.IngestionJob{}, fmt.Errorf("%s is a directory", abs)
	}
	return s.producer.Enqueue(ctx, filepath.Base(abs), filepath.Dir(abs), abs)
}
