package document_test

import (
	"context"

	"github.com/stretchr/testify/mock"

	"pdfrag/internal/queue"
)

type MockEnqueuer struct {
	mock.Mock
}

func (m *MockEnqueuer) Enqueue(ctx context.Context, filename, destination, path string) (queue.IngestionJob, error) {
	args := m.Called(ctx, filename, destination, path)
	return args.Get(0).(queue.IngestionJob), args.Error(1)
}
