package queue

import (
	"context"
	"fmt"
	"math"
	"sort"

	"go.opentelemetry.io/otel/attribute"

	"qms/hospital-queue/internal/models"
	"qms/hospital-queue/internal/store"
)

type StatsScope struct {
	RoomID    int64
	CounterID int64
	FromDate  string
	ToDate    string
}

type Statistics struct {
	RoomID    int64          `json:"room_id,omitempty"`
	CounterID int64          `json:"counter_id,omitempty"`
	FromDate  string         `json:"from"`
	ToDate    string         `json:"to"`
	Total     int            `json:"total"`
	ByStatus  map[string]int `json:"by_status"`
	// Served counts tickets with a served_at; only those enter the average.
	Served                int     `json:"served"`
	AverageWaitingMinutes float64 `json:"average_waiting_minutes"`
}

// TicketView is the patient-facing status of one ticket. Position and
// EstimatedWaitMinutes are only set while the ticket is waiting.
type TicketView struct {
	Ticket               models.Ticket `json:"ticket"`
	Position             *int          `json:"position,omitempty"`
	EstimatedWaitMinutes *int          `json:"estimated_wait_minutes,omitempty"`
}

// Position is one plus the number of waiting tickets on the same counter and
// date with a smaller sequence.
func (s *Service) Position(ctx context.Context, ticketID string) (int, error) {
	ticket, err := s.store.GetTicket(ctx, ticketID)
	if err != nil {
		return 0, notFound(err)
	}
	return s.position(ctx, ticket)
}

func (s *Service) EstimatedWaitMinutes(ctx context.Context, ticketID string) (int, error) {
	pos, err := s.Position(ctx, ticketID)
	if err != nil {
		return 0, err
	}
	return EstimateWait(pos, s.opts.AverageServiceMinutes), nil
}

// EstimateWait is a fixed cost per ticket ahead; it does not learn from history.
func EstimateWait(position, averageServiceMinutes int) int {
	return position * averageServiceMinutes
}

func (s *Service) TicketStatus(ctx context.Context, ticketID string) (view TicketView, err error) {
	ctx, span := s.startSpan(ctx, "queue.ticket_status", attribute.String("ticket_id", ticketID))
	defer func() { endSpan(span, err) }()

	ticket, err := s.store.GetTicket(ctx, ticketID)
	if err != nil {
		return TicketView{}, notFound(err)
	}
	view.Ticket = ticket
	if ticket.Status != models.StatusWaiting {
		return view, nil
	}
	pos, err := s.position(ctx, ticket)
	if err != nil {
		return TicketView{}, err
	}
	wait := EstimateWait(pos, s.opts.AverageServiceMinutes)
	view.Position = &pos
	view.EstimatedWaitMinutes = &wait
	return view, nil
}

func (s *Service) position(ctx context.Context, ticket models.Ticket) (int, error) {
	if ticket.Status != models.StatusWaiting {
		return 0, fmt.Errorf("%w: ticket %s is %s", ErrNotWaiting, ticket.TicketID, ticket.Status)
	}
	waiting, err := s.store.ListTickets(ctx, store.TicketFilter{
		CounterID: ticket.CounterID,
		FromDate:  ticket.QueueDate,
		ToDate:    ticket.QueueDate,
		Statuses:  []string{models.StatusWaiting},
	})
	if err != nil {
		return 0, err
	}
	return positionAmong(ticket, waiting), nil
}

func positionAmong(ticket models.Ticket, waiting []models.Ticket) int {
	ahead := 0
	for _, other := range waiting {
		if other.Status == models.StatusWaiting && other.NumberSequence < ticket.NumberSequence {
			ahead++
		}
	}
	return ahead + 1
}

// CurrentServing returns the called or serving ticket for the counter on
// date. With more than one active ticket the most recently called wins.
func (s *Service) CurrentServing(ctx context.Context, counterID int64, date string) (models.Ticket, bool, error) {
	date, err := s.resolveDate(date)
	if err != nil {
		return models.Ticket{}, false, err
	}
	if _, _, err := s.store.GetCounter(ctx, counterID); err != nil {
		return models.Ticket{}, false, notFound(err)
	}
	active, err := s.store.ListTickets(ctx, store.TicketFilter{
		CounterID: counterID,
		FromDate:  date,
		ToDate:    date,
		Statuses:  []string{models.StatusCalled, models.StatusServing},
	})
	if err != nil {
		return models.Ticket{}, false, err
	}
	if len(active) == 0 {
		return models.Ticket{}, false, nil
	}
	current := active[0]
	for _, t := range active[1:] {
		if calledAfter(t, current) {
			current = t
		}
	}
	return current, true, nil
}

func calledAfter(a, b models.Ticket) bool {
	switch {
	case a.CalledAt == nil:
		return false
	case b.CalledAt == nil:
		return true
	case a.CalledAt.Equal(*b.CalledAt):
		return a.NumberSequence > b.NumberSequence
	}
	return a.CalledAt.After(*b.CalledAt)
}

// Waiting lists the waiting tickets for a counter on date in call order.
func (s *Service) Waiting(ctx context.Context, counterID int64, date string) ([]models.Ticket, error) {
	date, err := s.resolveDate(date)
	if err != nil {
		return nil, err
	}
	if _, _, err := s.store.GetCounter(ctx, counterID); err != nil {
		return nil, notFound(err)
	}
	waiting, err := s.store.ListTickets(ctx, store.TicketFilter{
		CounterID: counterID,
		FromDate:  date,
		ToDate:    date,
		Statuses:  []string{models.StatusWaiting},
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(waiting, func(i, j int) bool {
		return waiting[i].NumberSequence < waiting[j].NumberSequence
	})
	return waiting, nil
}

// Statistics aggregates tickets in scope over an inclusive date range.
// Empty dates default to today.
func (s *Service) Statistics(ctx context.Context, scope StatsScope) (stats Statistics, err error) {
	ctx, span := s.startSpan(ctx, "queue.statistics",
		attribute.Int64("room_id", scope.RoomID), attribute.Int64("counter_id", scope.CounterID))
	defer func() { endSpan(span, err) }()

	from, err := s.resolveDate(scope.FromDate)
	if err != nil {
		return Statistics{}, err
	}
	to := scope.ToDate
	if to == "" {
		to = from
	}
	if to, err = s.resolveDate(to); err != nil {
		return Statistics{}, err
	}
	if to < from {
		return Statistics{}, fmt.Errorf("%w: range end %s is before start %s", ErrInvalidInput, to, from)
	}
	tickets, err := s.store.ListTickets(ctx, store.TicketFilter{
		RoomID:    scope.RoomID,
		CounterID: scope.CounterID,
		FromDate:  from,
		ToDate:    to,
	})
	if err != nil {
		return Statistics{}, err
	}
	stats = ComputeStatistics(tickets)
	stats.RoomID = scope.RoomID
	stats.CounterID = scope.CounterID
	stats.FromDate = from
	stats.ToDate = to
	return stats, nil
}

// ComputeStatistics counts tickets per status and averages served_at minus
// created_at over tickets that were served. Unserved tickets are excluded
// from the average rather than counted as zero.
func ComputeStatistics(tickets []models.Ticket) Statistics {
	stats := Statistics{ByStatus: make(map[string]int, len(models.Statuses))}
	for _, status := range models.Statuses {
		stats.ByStatus[status] = 0
	}
	var totalMinutes float64
	for _, t := range tickets {
		stats.Total++
		stats.ByStatus[t.Status]++
		if t.ServedAt == nil {
			continue
		}
		stats.Served++
		totalMinutes += t.ServedAt.Sub(t.CreatedAt).Minutes()
	}
	if stats.Served > 0 {
		stats.AverageWaitingMinutes = math.Round(totalMinutes/float64(stats.Served)*100) / 100
	}
	return stats
}
