package relay

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuongbtq/async-executor/internal/executor/domain"
)

type published struct {
	routingKey  string
	body        []byte
	contentType string
}

type fakePublisher struct {
	err      error
	messages []published
}

func (p *fakePublisher) PublishWithRetry(ctx context.Context, body []byte, contentType string) error {
	return p.PublishTo(ctx, "", body, contentType)
}

func (p *fakePublisher) PublishTo(ctx context.Context, routingKey string, body []byte, contentType string) error {
	if p.err != nil {
		return p.err
	}
	p.messages = append(p.messages, published{routingKey: routingKey, body: body, contentType: contentType})
	return nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestHandler_Execute(t *testing.T) {
	tests := []struct {
		name        string
		payload     []byte
		contentType string
	}{
		{name: "json payload", payload: []byte(`{"case":"42"}`), contentType: "application/json"},
		{name: "binary payload", payload: []byte{0xff, 0x00}, contentType: "application/octet-stream"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pub := &fakePublisher{}
			h := NewHandler(pub, discardLogger())

			effects, err := h.Execute(context.Background(), tt.payload)
			require.NoError(t, err)
			assert.Empty(t, effects)
			require.Len(t, pub.messages, 1)
			assert.Equal(t, tt.payload, pub.messages[0].body)
			assert.Equal(t, tt.contentType, pub.messages[0].contentType)
		})
	}
}

func TestHandler_PublishFailureIsTransient(t *testing.T) {
	pub := &fakePublisher{err: errors.New("connection reset")}
	h := NewHandler(pub, discardLogger())

	_, err := h.Execute(context.Background(), []byte(`{}`))
	require.Error(t, err)
	assert.Equal(t, domain.FailureTransient, domain.ClassifyFailure(err))
}

func TestNotifier_Notify(t *testing.T) {
	pub := &fakePublisher{}
	n := NewNotifier(pub, "executor.events")

	event := domain.Event{
		Type:          domain.EventDeadLettered,
		JobID:         "job-1",
		RetryCount:    3,
		ExceptionInfo: "boom",
		OccurredAt:    time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}
	require.NoError(t, n.Notify(context.Background(), event))

	require.Len(t, pub.messages, 1)
	assert.Equal(t, "executor.events.job.deadlettered", pub.messages[0].routingKey)

	var got domain.Event
	require.NoError(t, json.Unmarshal(pub.messages[0].body, &got))
	assert.Equal(t, event.Type, got.Type)
	assert.Equal(t, event.JobID, got.JobID)
	assert.Equal(t, event.RetryCount, got.RetryCount)
	assert.Equal(t, event.ExceptionInfo, got.ExceptionInfo)
	assert.True(t, event.OccurredAt.Equal(got.OccurredAt))
}
