package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/cuongbtq/async-executor/internal/executor/domain"
)

// DeliverySource is the consuming side of a message bus connection
type DeliverySource interface {
	SetQos(prefetchCount int) error
	Consume(consumerTag string) (<-chan amqp.Delivery, error)
}

// Intake turns enqueue requests received over AMQP into jobs
type Intake struct {
	client        *Client
	source        DeliverySource
	consumerTag   string
	prefetchCount int
	logger        *slog.Logger
}

// NewIntake creates a new Intake
func NewIntake(client *Client, source DeliverySource, consumerTag string, prefetchCount int, logger *slog.Logger) *Intake {
	return &Intake{
		client:        client,
		source:        source,
		consumerTag:   consumerTag,
		prefetchCount: prefetchCount,
		logger:        logger,
	}
}

// Run consumes enqueue requests until ctx is canceled or the delivery
// channel closes
func (i *Intake) Run(ctx context.Context) error {
	deliveries, err := i.setupConsumer()
	if err != nil {
		return err
	}

	i.logger.Info("Intake dispatcher started",
		slog.String("consumer_tag", i.consumerTag),
	)

	for {
		select {
		case <-ctx.Done():
			i.logger.Info("Intake dispatcher stopped - context canceled")
			return nil

		case delivery, ok := <-deliveries:
			if !ok {
				i.logger.Warn("RabbitMQ delivery channel closed")
				return errors.New("intake delivery channel closed")
			}
			i.handleDelivery(ctx, delivery)
		}
	}
}

// setupConsumer sets QoS and starts consuming
func (i *Intake) setupConsumer() (<-chan amqp.Delivery, error) {
	if err := i.source.SetQos(i.prefetchCount); err != nil {
		return nil, fmt.Errorf("failed to set QoS: %w", err)
	}

	i.logger.Info("RabbitMQ QoS configured",
		slog.Int("prefetch_count", i.prefetchCount),
	)

	deliveries, err := i.source.Consume(i.consumerTag)
	if err != nil {
		return nil, fmt.Errorf("failed to start consuming: %w", err)
	}
	return deliveries, nil
}

// handleDelivery enqueues one request and acknowledges it. Malformed
// messages are rejected without requeue; store failures are requeued.
func (i *Intake) handleDelivery(ctx context.Context, delivery amqp.Delivery) {
	msg, err := parseIntakeMessage(delivery.Body)
	if err != nil {
		i.logger.Error("Failed to parse intake message",
			slog.String("error", err.Error()),
			slog.String("body", string(delivery.Body)),
		)
		// NACK without requeue - malformed messages should go to DLQ
		if nackErr := delivery.Nack(false, false); nackErr != nil {
			i.logger.Error("Failed to NACK malformed message",
				slog.String("error", nackErr.Error()),
			)
		}
		return
	}

	var dueTime time.Time
	if msg.DueTime != nil {
		dueTime = *msg.DueTime
	}
	jobID, err := i.client.Enqueue(ctx, msg.Payload, dueTime)
	if err != nil {
		i.logger.Error("Failed to enqueue intake message",
			slog.String("error", err.Error()),
		)
		if nackErr := delivery.Nack(false, true); nackErr != nil {
			i.logger.Error("Failed to NACK message",
				slog.String("error", nackErr.Error()),
			)
		}
		return
	}

	if ackErr := delivery.Ack(false); ackErr != nil {
		i.logger.Error("Failed to ACK message",
			slog.String("job_id", jobID),
			slog.String("error", ackErr.Error()),
		)
		return
	}

	i.logger.Debug("Intake message enqueued",
		slog.String("job_id", jobID),
		slog.Uint64("delivery_tag", delivery.DeliveryTag),
	)
}

func parseIntakeMessage(body []byte) (*domain.IntakeMessage, error) {
	var msg domain.IntakeMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidPayload, err)
	}
	if err := msg.Validate(); err != nil {
		return nil, err
	}
	return &msg, nil
}
