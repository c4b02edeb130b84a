// Package eventlog fans committed ledger events out to external sinks.
//
// Events are durable once the store commits them; sinks only receive copies.
// A failed delivery is logged and counted but never undoes the state change.
// Consumers that miss events catch up by reading the store's event log from
// their last seen sequence number.
package eventlog

import (
	"context"
	"log/slog"

	"github.com/atmx/position-engine/internal/metrics"
	"github.com/atmx/position-engine/internal/model"
)

// Sink receives committed events. Events of one user arrive in sequence
// order; batches of different users may interleave out of sequence order,
// so consumers that need a total order page the store by Seq.
type Sink interface {
	Name() string
	Publish(ctx context.Context, events []model.Event) error
}

// Publisher delivers events to every configured sink.
type Publisher struct {
	sinks []Sink
}

// NewPublisher creates a publisher. Nil sinks are ignored.
func NewPublisher(sinks ...Sink) *Publisher {
	p := &Publisher{}
	for _, s := range sinks {
		if s != nil {
			p.sinks = append(p.sinks, s)
		}
	}
	return p
}

// Publish delivers events to each sink in turn. It returns the number of
// sinks that accepted the batch.
func (p *Publisher) Publish(ctx context.Context, events []model.Event) int {
	if p == nil || len(events) == 0 {
		return 0
	}

	delivered := 0
	for _, s := range p.sinks {
		if err := s.Publish(ctx, events); err != nil {
			metrics.SinkFailures.WithLabelValues(s.Name()).Inc()
			slog.Error("failed to publish events",
				"sink", s.Name(),
				"first_seq", events[0].Seq,
				"last_seq", events[len(events)-1].Seq,
				"err", err,
			)
			continue
		}
		metrics.EventsPublished.WithLabelValues(s.Name()).Add(float64(len(events)))
		delivered++
	}
	return delivered
}

// LogSink writes each event as a structured log line. Useful when no broker
// is configured.
type LogSink struct {
	Logger *slog.Logger
}

func (LogSink) Name() string { return "log" }

func (s LogSink) Publish(_ context.Context, events []model.Event) error {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	for _, ev := range events {
		logger.Info("event",
			"seq", ev.Seq,
			"type", string(ev.Type),
			"user_id", ev.UserID,
			"position_id", ev.PositionID,
		)
	}
	return nil
}
