package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/clipflow/orchestrator/internal/dispatch"
	"github.com/clipflow/orchestrator/internal/job"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// setupConsumer sets up the RabbitMQ consumer with QoS and returns the
// delivery channel.
func (s *Scheduler) setupConsumer() (<-chan amqp.Delivery, error) {
	channel := s.rabbitClient.GetChannel()
	if channel == nil {
		return nil, fmt.Errorf("rabbitmq channel is nil")
	}

	err := channel.Qos(
		s.prefetchCount, // prefetch count from config
		0,               // prefetch size
		false,           // global
	)
	if err != nil {
		return nil, fmt.Errorf("failed to set QoS: %w", err)
	}

	deliveries, err := s.rabbitClient.Consume(s.workerID)
	if err != nil {
		return nil, fmt.Errorf("failed to start consuming: %w", err)
	}

	s.logger.Info("Dispatch consumer started",
		slog.String("consumer_tag", s.workerID),
		slog.Int("prefetch_count", s.prefetchCount),
	)

	return deliveries, nil
}

// dispatchLoop reads RabbitMQ deliveries and hands them to the pool.
func (s *Scheduler) dispatchLoop(ctx context.Context, deliveries <-chan amqp.Delivery) {
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Dispatch loop stopped - context canceled")
			return

		case delivery, ok := <-deliveries:
			if !ok {
				s.logger.Warn("RabbitMQ delivery channel closed")
				return
			}

			var msg dispatch.Message
			if err := json.Unmarshal(delivery.Body, &msg); err != nil {
				s.logger.Error("Failed to parse dispatch message",
					slog.String("error", err.Error()),
					slog.String("body", string(delivery.Body)),
				)
				// Malformed messages go to the DLQ, not back on the queue.
				if nackErr := delivery.Nack(false, false); nackErr != nil {
					s.logger.Error("Failed to NACK malformed message",
						slog.String("error", nackErr.Error()),
					)
				}
				continue
			}

			if _, err := uuid.Parse(msg.JobID); err != nil {
				s.logger.Error("Dispatch message carries invalid job_id",
					slog.String("job_id", msg.JobID),
					slog.String("error", err.Error()),
				)
				if nackErr := delivery.Nack(false, false); nackErr != nil {
					s.logger.Error("Failed to NACK message with invalid job_id",
						slog.String("error", nackErr.Error()),
					)
				}
				continue
			}

			qm := &queueMessage{
				JobID:       msg.JobID,
				DeliveryTag: delivery.DeliveryTag,
			}

			select {
			case s.jobsChan <- qm:
			case <-ctx.Done():
				// NACK with requeue so the message survives shutdown.
				if nackErr := delivery.Nack(false, true); nackErr != nil {
					s.logger.Error("Failed to NACK message on shutdown",
						slog.String("error", nackErr.Error()),
					)
				}
				return
			}
		}
	}
}

// spawnPool spawns N dispatch goroutines based on concurrency configuration.
func (s *Scheduler) spawnPool(ctx context.Context) {
	s.logger.Info("Spawning dispatch pool",
		slog.Int("concurrency", s.concurrency),
	)

	for i := 0; i < s.concurrency; i++ {
		s.wg.Add(1)
		go s.poolLoop(ctx, i)
	}
}

// poolLoop processes queued dispatch messages and ACKs or NACKs by outcome.
func (s *Scheduler) poolLoop(ctx context.Context, workerNum int) {
	defer s.wg.Done()

	name := fmt.Sprintf("%s-%d", s.workerID, workerNum)

	for {
		select {
		case <-s.stopChan:
			return
		case <-ctx.Done():
			return
		case msg, ok := <-s.jobsChan:
			if !ok {
				return
			}

			err := s.processMessage(ctx, msg)

			channel := s.rabbitClient.GetChannel()
			if channel == nil {
				s.logger.Error("Failed to get RabbitMQ channel for ACK/NACK",
					slog.String("worker_name", name),
					slog.String("job_id", msg.JobID),
				)
				continue
			}

			if err != nil {
				s.logger.Error("Dispatch message processing failed",
					slog.String("worker_name", name),
					slog.String("job_id", msg.JobID),
					slog.String("error", err.Error()),
				)

				requeue := s.shouldRequeue(err)
				if nackErr := channel.Nack(msg.DeliveryTag, false, requeue); nackErr != nil {
					s.logger.Error("Failed to NACK message",
						slog.String("job_id", msg.JobID),
						slog.String("error", nackErr.Error()),
					)
				}
				continue
			}

			if ackErr := channel.Ack(msg.DeliveryTag, false); ackErr != nil {
				s.logger.Error("Failed to ACK message",
					slog.String("job_id", msg.JobID),
					slog.String("error", ackErr.Error()),
				)
			}
		}
	}
}

// processMessage dispatches the referenced job if it is still dispatchable.
func (s *Scheduler) processMessage(ctx context.Context, msg *queueMessage) error {
	j, err := s.store.GetByJobID(ctx, msg.JobID)
	if err != nil {
		if errors.Is(err, job.ErrJobNotFound) {
			// The record was pruned or never committed; drop the message.
			s.logger.Warn("Dispatch message for unknown job dropped",
				slog.String("job_id", msg.JobID),
			)
			return nil
		}
		return job.NewRetryableError(err)
	}

	if job.IsTerminal(j.Status) {
		return nil
	}

	if j.ScheduledAt.Valid && j.ScheduledAt.Time.After(nowFunc()) {
		// Future-dated job reached the queue early; the due scan owns it.
		return nil
	}

	return s.dispatchJob(ctx, j, false)
}

// shouldRequeue classifies a processing error the way the pool NACKs.
func (s *Scheduler) shouldRequeue(err error) bool {
	if errors.Is(err, job.ErrConflict) {
		return false
	}
	// Upstream dispatch failures are owned by the retry scanner from here.
	if errors.Is(err, dispatch.ErrUpstream) {
		return false
	}

	var retryableErr *job.RetryableError
	return errors.As(err, &retryableErr)
}
