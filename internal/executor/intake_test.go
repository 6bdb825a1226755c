package executor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuongbtq/async-executor/internal/executor/domain"
	"github.com/cuongbtq/async-executor/internal/executor/storage"
)

type ackRecord struct {
	acked   bool
	nacked  bool
	requeue bool
}

type fakeAcknowledger struct {
	mu      sync.Mutex
	records map[uint64]ackRecord
}

func newFakeAcknowledger() *fakeAcknowledger {
	return &fakeAcknowledger{records: make(map[uint64]ackRecord)}
}

func (a *fakeAcknowledger) Ack(tag uint64, multiple bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.records[tag] = ackRecord{acked: true}
	return nil
}

func (a *fakeAcknowledger) Nack(tag uint64, multiple, requeue bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.records[tag] = ackRecord{nacked: true, requeue: requeue}
	return nil
}

func (a *fakeAcknowledger) Reject(tag uint64, requeue bool) error {
	return a.Nack(tag, false, requeue)
}

func (a *fakeAcknowledger) record(tag uint64) ackRecord {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.records[tag]
}

type fakeSource struct {
	deliveries chan amqp.Delivery
	prefetch   int
}

func (s *fakeSource) SetQos(prefetchCount int) error {
	s.prefetch = prefetchCount
	return nil
}

func (s *fakeSource) Consume(consumerTag string) (<-chan amqp.Delivery, error) {
	return s.deliveries, nil
}

// failingInsertStore rejects every insert as if the database were down
type failingInsertStore struct {
	*storage.MemoryStore
}

func (s *failingInsertStore) Insert(ctx context.Context, job *domain.Job) error {
	return domain.Unavailable("insert job", errors.New("connection refused"))
}

func TestIntake_HandleDelivery(t *testing.T) {
	due := baseTime.Add(time.Hour).Format(time.RFC3339)

	tests := []struct {
		name        string
		body        string
		failStore   bool
		wantAck     bool
		wantRequeue bool
		wantJobs    int
	}{
		{
			name:     "valid message",
			body:     `{"payload":{"activity":"approve"},"due_time":"` + due + `"}`,
			wantAck:  true,
			wantJobs: 1,
		},
		{
			name:     "valid message without due time",
			body:     `{"payload":{"activity":"approve"}}`,
			wantAck:  true,
			wantJobs: 1,
		},
		{
			name: "malformed json",
			body: `{"payload":`,
		},
		{
			name: "missing payload",
			body: `{"due_time":"` + due + `"}`,
		},
		{
			name: "null payload",
			body: `{"payload": null}`,
		},
		{
			name:        "store unavailable",
			body:        `{"payload":{"activity":"approve"}}`,
			failStore:   true,
			wantRequeue: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mem := storage.NewMemoryStore()
			var store storage.Store = mem
			if tt.failStore {
				store = &failingInsertStore{MemoryStore: mem}
			}
			intake := NewIntake(newTestClient(store, newFakeClock(baseTime)), &fakeSource{}, "test", 1, testLogger())

			ack := newFakeAcknowledger()
			intake.handleDelivery(context.Background(), amqp.Delivery{
				Acknowledger: ack,
				DeliveryTag:  7,
				Body:         []byte(tt.body),
			})

			rec := ack.record(7)
			assert.Equal(t, tt.wantAck, rec.acked)
			assert.Equal(t, !tt.wantAck, rec.nacked)
			assert.Equal(t, tt.wantRequeue, rec.requeue)

			counts, err := mem.CountByStatus(context.Background())
			require.NoError(t, err)
			assert.Equal(t, tt.wantJobs, counts[domain.JobStatusPending])
		})
	}
}

func TestIntake_Run(t *testing.T) {
	store := storage.NewMemoryStore()
	source := &fakeSource{deliveries: make(chan amqp.Delivery, 1)}
	intake := NewIntake(newTestClient(store, newFakeClock(baseTime)), source, "test", 5, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- intake.Run(ctx) }()

	ack := newFakeAcknowledger()
	source.deliveries <- amqp.Delivery{
		Acknowledger: ack,
		DeliveryTag:  1,
		Body:         []byte(`{"payload":{"n":1}}`),
	}

	assert.Eventually(t, func() bool { return ack.record(1).acked }, time.Second, 5*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
	assert.Equal(t, 5, source.prefetch)

	due, err := store.FindDue(context.Background(), baseTime, 10)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.JSONEq(t, `{"n":1}`, string(due[0].Payload))
}

func TestIntake_RunStopsWhenChannelCloses(t *testing.T) {
	source := &fakeSource{deliveries: make(chan amqp.Delivery)}
	intake := NewIntake(newTestClient(storage.NewMemoryStore(), newFakeClock(baseTime)), source, "test", 1, testLogger())

	close(source.deliveries)
	assert.Error(t, intake.Run(context.Background()))
}
