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

// Call moves a waiting ticket to called and records the calling operator.
func (s *Service) Call(ctx context.Context, ticketID, actorID string) (models.Ticket, error) {
	actorID = strings.TrimSpace(actorID)
	if actorID == "" {
		return models.Ticket{}, fmt.Errorf("%w: actor is required to call a ticket", ErrInvalidInput)
	}
	return s.transition(ctx, ActionCall, ticketID, &actorID, nil)
}

func (s *Service) Serve(ctx context.Context, ticketID string) (models.Ticket, error) {
	return s.transition(ctx, ActionServe, ticketID, nil, nil)
}

func (s *Service) Complete(ctx context.Context, ticketID string, notes *string) (models.Ticket, error) {
	return s.transition(ctx, ActionComplete, ticketID, nil, notes)
}

func (s *Service) Cancel(ctx context.Context, ticketID string, notes *string) (models.Ticket, error) {
	return s.transition(ctx, ActionCancel, ticketID, nil, notes)
}

// Recall re-announces a called ticket. The status is unchanged; recalled_at,
// recall_count and a ticket.recalled event record the announcement.
func (s *Service) Recall(ctx context.Context, ticketID string, actorID *string) (ticket models.Ticket, err error) {
	ctx, span := s.startSpan(ctx, "queue.recall", attribute.String("ticket_id", ticketID))
	defer func() { endSpan(span, err) }()

	ticket, err = s.store.RecallTicket(ctx, store.RecallInput{
		TicketID: ticketID,
		From:     transitionMap[ActionRecall].from,
		Actor:    actorID,
		At:       s.now(),
	})
	if err != nil {
		return s.rejected(ActionRecall, ticketID, ticket, err)
	}
	return ticket, nil
}

func (s *Service) transition(ctx context.Context, action, ticketID string, actor, notes *string) (ticket models.Ticket, err error) {
	ctx, span := s.startSpan(ctx, "queue."+action, attribute.String("ticket_id", ticketID))
	defer func() { endSpan(span, err) }()

	t := transitionMap[action]
	ticket, err = s.store.TransitionTicket(ctx, store.TransitionInput{
		TicketID:  ticketID,
		From:      t.from,
		To:        t.to,
		Stamp:     t.stamp,
		At:        s.now(),
		Actor:     actor,
		Notes:     notes,
		EventType: t.event,
	})
	if err != nil {
		return s.rejected(action, ticketID, ticket, err)
	}
	return ticket, nil
}

// rejected maps a failed conditional update to the error taxonomy. current
// is the ticket as re-read by the store when the status did not match.
func (s *Service) rejected(action, ticketID string, current models.Ticket, err error) (models.Ticket, error) {
	if errors.Is(err, store.ErrStatusMismatch) {
		metrics.RejectedTransitions.WithLabelValues(action).Inc()
		s.logger.Debug("transition rejected", "action", action, "ticket_id", ticketID, "status", current.Status)
		return models.Ticket{}, &TransitionError{Action: action, TicketID: ticketID, Status: current.Status, Err: err}
	}
	return models.Ticket{}, notFound(err)
}
