package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
)

// MessagePublisher is satisfied by the shared RabbitMQ client.
type MessagePublisher interface {
	PublishWithRetry(ctx context.Context, body []byte, contentType string) error
}

// Message is the dispatch request carried on the queue between the API
// service and the scheduler service.
type Message struct {
	JobID string `json:"job_id"`
}

// Queue publishes dispatch requests to RabbitMQ. The scheduler's periodic
// scans back this up, so a lost message delays a job rather than losing it.
type Queue struct {
	publisher MessagePublisher
	logger    *slog.Logger
}

// NewQueue creates a new Queue
func NewQueue(publisher MessagePublisher, logger *slog.Logger) *Queue {
	return &Queue{
		publisher: publisher,
		logger:    logger,
	}
}

// PublishDispatch enqueues a job for dispatch by the scheduler service.
func (q *Queue) PublishDispatch(ctx context.Context, jobID string) error {
	body, err := json.Marshal(Message{JobID: jobID})
	if err != nil {
		return fmt.Errorf("failed to marshal dispatch message: %w", err)
	}

	if err := q.publisher.PublishWithRetry(ctx, body, "application/json"); err != nil {
		return fmt.Errorf("failed to publish dispatch message: %w", err)
	}

	q.logger.Debug("Dispatch message published",
		slog.String("job_id", jobID),
	)

	return nil
}
