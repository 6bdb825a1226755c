package executor

import (
	"context"
	"io"
	"log/slog"
	"time"

	"github.com/cuongbtq/async-executor/internal/executor/domain"
)

// Clock abstracts time for testing.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// Handler executes a job payload on behalf of the interpreter. A nil error
// means success and the returned effects are committed with the job's
// deletion. Errors wrapped with domain.Permanent dead-letter the job; any
// other error is retried.
type Handler interface {
	Execute(ctx context.Context, payload []byte) ([]domain.Effect, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, payload []byte) ([]domain.Effect, error)

// Execute calls f.
func (f HandlerFunc) Execute(ctx context.Context, payload []byte) ([]domain.Effect, error) {
	return f(ctx, payload)
}

// Notifier receives job outcomes after they are committed.
type Notifier interface {
	Notify(ctx context.Context, event domain.Event) error
}

type nopNotifier struct{}

func (nopNotifier) Notify(context.Context, domain.Event) error { return nil }

// RejectedJobsHandler is called for a job that was locked but could not be
// queued for execution. The job's lease is still held by the executor.
type RejectedJobsHandler func(ctx context.Context, job *domain.Job)

type options struct {
	logger   *slog.Logger
	clock    Clock
	notifier Notifier
	rejected RejectedJobsHandler
}

// Option configures an Executor or Client.
type Option func(*options)

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithClock injects a custom clock for testing.
func WithClock(clock Clock) Option {
	return func(o *options) {
		if clock != nil {
			o.clock = clock
		}
	}
}

// WithNotifier registers a receiver for job outcome events.
func WithNotifier(n Notifier) Option {
	return func(o *options) {
		if n != nil {
			o.notifier = n
		}
	}
}

// WithRejectedJobsHandler replaces the default behaviour of releasing the
// lock of jobs the queue could not accept.
func WithRejectedJobsHandler(h RejectedJobsHandler) Option {
	return func(o *options) {
		if h != nil {
			o.rejected = h
		}
	}
}

func buildOptions(opts []Option) options {
	o := options{
		logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		clock:    realClock{},
		notifier: nopNotifier{},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	return o
}
