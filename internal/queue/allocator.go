package queue

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"qms/hospital-queue/internal/metrics"
	"qms/hospital-queue/internal/models"
	"qms/hospital-queue/internal/store"
)

type IssueRequest struct {
	CounterID int64
	// RequestID makes issuance idempotent; a replay returns the ticket already issued.
	RequestID string
	// Date defaults to today.
	Date string
}

// Allocate assigns the next number_sequence for the counter and date and
// persists the ticket as waiting in the same step, so a failed insert never
// consumes a number. A lost race on the (counter, date, sequence) key is
// retried up to AllocationAttempts times.
func (s *Service) Allocate(ctx context.Context, req IssueRequest) (ticket models.Ticket, err error) {
	ctx, span := s.startSpan(ctx, "queue.allocate", attribute.Int64("counter_id", req.CounterID))
	defer func() { endSpan(span, err) }()

	date, err := s.resolveDate(req.Date)
	if err != nil {
		return models.Ticket{}, err
	}
	counter, room, err := s.store.GetCounter(ctx, req.CounterID)
	if err != nil {
		return models.Ticket{}, notFound(err)
	}
	if !counter.Active {
		return models.Ticket{}, fmt.Errorf("%w: counter %d is inactive", ErrNotFound, counter.CounterID)
	}
	if !room.Active {
		return models.Ticket{}, fmt.Errorf("%w: room %d is inactive", ErrNotFound, room.RoomID)
	}

	requestID := req.RequestID
	if requestID == "" {
		requestID = uuid.NewString()
	}

	var lastErr error
	for attempt := 1; attempt <= s.opts.AllocationAttempts; attempt++ {
		ticket, created, err := s.store.IssueTicket(ctx, store.IssueTicketInput{
			RequestID:    requestID,
			TicketID:     uuid.NewString(),
			RoomID:       room.RoomID,
			CounterID:    counter.CounterID,
			QueueDate:    date,
			NumberPrefix: models.QueueNumberPrefix(room, counter.CounterID),
			CreatedAt:    s.now(),
		})
		if err == nil && !created && (ticket.CounterID != counter.CounterID || ticket.QueueDate != date) {
			metrics.TicketsIssued.WithLabelValues("failed").Inc()
			return models.Ticket{}, fmt.Errorf("%w: request %s already issued ticket %s for counter %d on %s",
				ErrConflict, requestID, ticket.TicketID, ticket.CounterID, ticket.QueueDate)
		}
		if err == nil {
			if created {
				metrics.TicketsIssued.WithLabelValues("created").Inc()
			} else {
				metrics.TicketsIssued.WithLabelValues("replayed").Inc()
			}
			span.SetAttributes(attribute.Int("number_sequence", ticket.NumberSequence))
			return ticket, nil
		}
		if !errors.Is(err, store.ErrSequenceConflict) {
			metrics.TicketsIssued.WithLabelValues("failed").Inc()
			return models.Ticket{}, notFound(err)
		}
		lastErr = err
		metrics.AllocationRetries.Inc()
		s.logger.Warn("sequence allocation raced, retrying",
			"counter_id", counter.CounterID, "queue_date", date, "attempt", attempt)
	}

	metrics.TicketsIssued.WithLabelValues("failed").Inc()
	return models.Ticket{}, fmt.Errorf("%w: counter %d on %s after %d attempts: %w",
		ErrAllocationFailed, counter.CounterID, date, s.opts.AllocationAttempts, lastErr)
}
