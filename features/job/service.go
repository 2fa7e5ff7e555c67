package job

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"pdfrag/internal/config"
	"pdfrag/internal/queue"
)

type Service struct {
	repo           Repository
	pub            queue.Publisher
	logger         *slog.Logger
	publishTimeout time.Duration
}

func NewService(repo Repository, pub queue.Publisher, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{repo: repo, pub: pub, logger: logger, publishTimeout: 5 * time.Second}
}

func (s *Service) List(ctx context.Context) ([]Job, error) {
	return s.repo.List(ctx)
}

// Save records a job that will not be delivered again.
func (s *Service) Save(ctx context.Context, j *Job) error {
	if err := s.repo.Save(ctx, j); err != nil {
		return fmt.Errorf("save failed job: %w", err)
	}
	s.logger.InfoContext(ctx, "job dead-lettered", "id", j.ID, "job_id", j.JobID, "kind", j.Kind, "step", j.Step)
	return nil
}

// Retry puts the stored payload back on the ingestion topic and removes the
// record once the publish succeeded.
func (s *Service) Retry(ctx context.Context, id string) error {
	j, err := s.repo.Get(ctx, id)
	if err != nil {
		return err
	}

	body := j.Body()
	if _, err := queue.Decode(body); err != nil {
		return fmt.Errorf("job %s cannot be retried: %w", id, err)
	}

	if err := queue.PublishWithTimeout(ctx, s.pub, config.TopicFileUpload, body, s.publishTimeout); err != nil {
		return err
	}
	s.logger.InfoContext(ctx, "failed job republished", "id", id, "job_id", j.JobID)

	return s.repo.Delete(ctx, id)
}

func (s *Service) Count(ctx context.Context) (int, error) {
	return s.repo.Count(ctx)
}
