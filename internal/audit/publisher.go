package audit

import (
	"context"
	"log/slog"
	"time"
)

// Store persists audit events and supports per-subject retrieval.
type Store interface {
	Append(ctx context.Context, event Event) error
	ListBySubject(ctx context.Context, subjectID string) ([]Event, error)
}

// Sink receives a copy of every event, best effort. Sinks must not block
// the request path; failures are logged and swallowed.
type Sink interface {
	Append(ctx context.Context, event Event) error
}

// Publisher captures structured audit events. It is append-only and uses the
// storage layer for persistence so tests can swap sinks easily.
type Publisher struct {
	store  Store
	sinks  []Sink
	logger *slog.Logger
}

type Option func(p *Publisher)

// WithSink adds a best-effort fan-out sink (e.g. Kafka).
func WithSink(sink Sink) Option {
	return func(p *Publisher) {
		if sink != nil {
			p.sinks = append(p.sinks, sink)
		}
	}
}

func NewPublisher(store Store, logger *slog.Logger, opts ...Option) *Publisher {
	p := &Publisher{store: store, logger: logger}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Publisher) Emit(ctx context.Context, event Event) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	if err := p.store.Append(ctx, event); err != nil {
		return err
	}
	for _, sink := range p.sinks {
		if err := sink.Append(ctx, event); err != nil {
			p.logger.WarnContext(ctx, "audit sink append failed",
				"action", event.Action,
				"subject_id", event.SubjectID,
				"error", err,
			)
		}
	}
	return nil
}

func (p *Publisher) List(ctx context.Context, subjectID string) ([]Event, error) {
	return p.store.ListBySubject(ctx, subjectID)
}
