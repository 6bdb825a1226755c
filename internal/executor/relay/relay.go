// Package relay connects the executor to an interpreter over RabbitMQ.
//
// Handler executes a job by publishing its payload to the interpreter's
// queue; Notifier publishes job outcome events.
package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/cuongbtq/async-executor/internal/executor/domain"
)

// Publisher publishes to the relay exchange
type Publisher interface {
	PublishWithRetry(ctx context.Context, body []byte, contentType string) error
	PublishTo(ctx context.Context, routingKey string, body []byte, contentType string) error
}

// Handler relays job payloads to the interpreter
type Handler struct {
	publisher Publisher
	logger    *slog.Logger
}

// NewHandler creates a new relay Handler
func NewHandler(publisher Publisher, logger *slog.Logger) *Handler {
	return &Handler{
		publisher: publisher,
		logger:    logger,
	}
}

// Execute publishes the payload. Publish failures are transient, so the
// job is retried with backoff.
func (h *Handler) Execute(ctx context.Context, payload []byte) ([]domain.Effect, error) {
	contentType := "application/octet-stream"
	if json.Valid(payload) {
		contentType = "application/json"
	}

	if err := h.publisher.PublishWithRetry(ctx, payload, contentType); err != nil {
		return nil, fmt.Errorf("relay payload: %w", err)
	}

	h.logger.Debug("Payload relayed",
		slog.Int("payload_size", len(payload)),
		slog.String("content_type", contentType),
	)
	return nil, nil
}

// Notifier publishes job outcome events as JSON
type Notifier struct {
	publisher  Publisher
	routingKey string
}

// NewNotifier creates a Notifier publishing under routingKey
func NewNotifier(publisher Publisher, routingKey string) *Notifier {
	return &Notifier{
		publisher:  publisher,
		routingKey: routingKey,
	}
}

// Notify publishes event
func (n *Notifier) Notify(ctx context.Context, event domain.Event) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	return n.publisher.PublishTo(ctx, n.routingKey+"."+string(event.Type), body, "application/json")
}
