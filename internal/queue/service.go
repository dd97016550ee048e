// Package queue implements ticket sequencing, the ticket state machine,
// derived queue views and the call-next coordinator on top of a
// store.TicketStore.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"qms/hospital-queue/internal/models"
	"qms/hospital-queue/internal/store"
)

const (
	DefaultAverageServiceMinutes = 5
	DefaultAllocationAttempts    = 3
)

var tracer = otel.Tracer("qms/hospital-queue/queue")

type Options struct {
	AverageServiceMinutes  int
	AllocationAttempts     int
	SingleActivePerCounter bool
	// Location decides which calendar date "today" is.
	Location *time.Location
	Logger   *slog.Logger
}

type Service struct {
	store  store.TicketStore
	clock  Clock
	opts   Options
	logger *slog.Logger
}

func NewService(st store.TicketStore, clock Clock, opts Options) *Service {
	if clock == nil {
		clock = RealClock()
	}
	if opts.AverageServiceMinutes <= 0 {
		opts.AverageServiceMinutes = DefaultAverageServiceMinutes
	}
	if opts.AllocationAttempts <= 0 {
		opts.AllocationAttempts = DefaultAllocationAttempts
	}
	if opts.Location == nil {
		opts.Location = time.Local
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:  st,
		clock:  clock,
		opts:   opts,
		logger: logger.With("component", "queue"),
	}
}

// Today is the queue date for the current clock reading.
func (s *Service) Today() string {
	return s.clock.Now().In(s.opts.Location).Format(models.DateLayout)
}

func (s *Service) AverageServiceMinutes() int {
	return s.opts.AverageServiceMinutes
}

func (s *Service) resolveDate(date string) (string, error) {
	if date == "" {
		return s.Today(), nil
	}
	if _, err := time.Parse(models.DateLayout, date); err != nil {
		return "", fmt.Errorf("%w: date %q must be YYYY-MM-DD", ErrInvalidInput, date)
	}
	return date, nil
}

func (s *Service) now() time.Time {
	return s.clock.Now().UTC()
}

func (s *Service) startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

// endSpan records err on span unless it is an expected outcome of the taxonomy.
func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		if !isExpected(err) {
			span.SetStatus(codes.Error, err.Error())
		}
	}
	span.End()
}

func isExpected(err error) bool {
	return errors.Is(err, ErrInvalidTransition) ||
		errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrConflict) ||
		errors.Is(err, ErrInvalidInput) ||
		errors.Is(err, ErrNotWaiting)
}

// notFound translates store lookup sentinels, keeping both errors inspectable.
func notFound(err error) error {
	switch {
	case errors.Is(err, store.ErrTicketNotFound),
		errors.Is(err, store.ErrCounterNotFound),
		errors.Is(err, store.ErrRoomNotFound):
		return fmt.Errorf("%w: %w", ErrNotFound, err)
	}
	return err
}
