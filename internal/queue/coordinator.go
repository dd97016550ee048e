package queue

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/attribute"

	"qms/hospital-queue/internal/metrics"
	"qms/hospital-queue/internal/models"
	"qms/hospital-queue/internal/store"
)

type CallNextRequest struct {
	CounterID int64
	ActorID   string
	// Date defaults to today.
	Date string
}

// CallNext claims the earliest waiting ticket for the counter and moves it to
// called in one atomic store operation. Concurrent callers on the same counter
// never receive the same ticket; the loser sees ErrQueueEmpty when nothing is
// left. A claim that loses a status race is retried a bounded number of times
// before ErrConflict is returned.
func (s *Service) CallNext(ctx context.Context, req CallNextRequest) (ticket models.Ticket, err error) {
	ctx, span := s.startSpan(ctx, "queue.call_next", attribute.Int64("counter_id", req.CounterID))
	defer func() { endSpan(span, err) }()

	actor := strings.TrimSpace(req.ActorID)
	if actor == "" {
		return models.Ticket{}, fmt.Errorf("%w: actor is required to call a ticket", ErrInvalidInput)
	}
	date, err := s.resolveDate(req.Date)
	if err != nil {
		return models.Ticket{}, err
	}
	if _, _, err := s.store.GetCounter(ctx, req.CounterID); err != nil {
		metrics.CallNextOutcomes.WithLabelValues("error").Inc()
		return models.Ticket{}, notFound(err)
	}

	for attempt := 1; attempt <= s.opts.AllocationAttempts; attempt++ {
		ticket, err := s.store.ClaimNextWaiting(ctx, store.ClaimInput{
			CounterID:   req.CounterID,
			QueueDate:   date,
			Actor:       actor,
			At:          s.now(),
			RequireIdle: s.opts.SingleActivePerCounter,
		})
		switch {
		case err == nil:
			metrics.CallNextOutcomes.WithLabelValues("called").Inc()
			span.SetAttributes(attribute.String("ticket_id", ticket.TicketID))
			return ticket, nil
		case errors.Is(err, store.ErrNoTicket):
			metrics.CallNextOutcomes.WithLabelValues("empty").Inc()
			return models.Ticket{}, fmt.Errorf("%w: counter %d on %s", ErrQueueEmpty, req.CounterID, date)
		case errors.Is(err, store.ErrCounterBusy):
			metrics.CallNextOutcomes.WithLabelValues("busy").Inc()
			s.logger.Debug("call next rejected, counter busy", "counter_id", req.CounterID)
			return models.Ticket{}, &TransitionError{Action: ActionCall, Reason: ReasonCounterBusy, Err: err}
		case errors.Is(err, store.ErrStatusMismatch):
			s.logger.Warn("call next lost a claim race, retrying", "counter_id", req.CounterID, "attempt", attempt)
			continue
		default:
			metrics.CallNextOutcomes.WithLabelValues("error").Inc()
			return models.Ticket{}, err
		}
	}
	metrics.CallNextOutcomes.WithLabelValues("conflict").Inc()
	return models.Ticket{}, fmt.Errorf("%w: call next on counter %d kept racing", ErrConflict, req.CounterID)
}
