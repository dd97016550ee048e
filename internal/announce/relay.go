// Package announce relays outbox events to the display hub, the cache and
// the AMQP exchange consumed by the announcement collaborator.
package announce

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"qms/hospital-queue/internal/metrics"
	"qms/hospital-queue/internal/store"
)

type Sink interface {
	Name() string
	Publish(ctx context.Context, event store.OutboxEvent) error
}

type EventSource interface {
	ListEvents(ctx context.Context, afterSeq int64, limit int) ([]store.OutboxEvent, error)
	LatestEventSeq(ctx context.Context) (int64, error)
}

type RelayOptions struct {
	Interval  time.Duration
	BatchSize int
	Logger    *slog.Logger
}

// Relay polls queue_events past the last relayed sequence. Delivery to each
// sink is best effort: a failing sink is logged and counted, and the cursor
// still advances so one broken sink cannot stall the others.
type Relay struct {
	source  EventSource
	sinks   []Sink
	opts    RelayOptions
	logger  *slog.Logger
	last    atomic.Int64
	running atomic.Bool
}

func NewRelay(source EventSource, opts RelayOptions, sinks ...Sink) *Relay {
	if opts.Interval <= 0 {
		opts.Interval = 500 * time.Millisecond
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 100
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Relay{source: source, sinks: sinks, opts: opts, logger: logger.With("component", "relay")}
}

// Start positions the cursor at the newest event so a restart never re-announces.
func (r *Relay) Start(ctx context.Context) error {
	seq, err := r.source.LatestEventSeq(ctx)
	if err != nil {
		return err
	}
	r.last.Store(seq)
	return nil
}

func (r *Relay) Cursor() int64 { return r.last.Load() }

// Run starts the relay and polls until ctx is done.
func (r *Relay) Run(ctx context.Context) error {
	if err := r.Start(ctx); err != nil {
		return err
	}
	r.logger.Info("relay started", "from_seq", r.Cursor(), "interval", r.opts.Interval.String())

	ticker := time.NewTicker(r.opts.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			pollCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			if _, err := r.Poll(pollCtx); err != nil {
				r.logger.Error("relay poll failed", "error", err)
			}
			cancel()
		}
	}
}

// Poll relays one batch and reports how many events it consumed. Overlapping
// calls return immediately.
func (r *Relay) Poll(ctx context.Context) (int, error) {
	if !r.running.CompareAndSwap(false, true) {
		return 0, nil
	}
	defer r.running.Store(false)

	events, err := r.source.ListEvents(ctx, r.last.Load(), r.opts.BatchSize)
	if err != nil {
		return 0, err
	}
	for _, event := range events {
		for _, sink := range r.sinks {
			if err := sink.Publish(ctx, event); err != nil {
				metrics.RelayEvents.WithLabelValues(sink.Name(), "failed").Inc()
				r.logger.Warn("relay sink failed", "sink", sink.Name(), "seq", event.Seq, "type", event.Type, "error", err)
				continue
			}
			metrics.RelayEvents.WithLabelValues(sink.Name(), "ok").Inc()
		}
		r.last.Store(event.Seq)
	}
	return len(events), nil
}
