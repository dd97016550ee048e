package store

import (
	"context"
	"encoding/json"
	"time"

	"qms/hospital-queue/internal/models"
)

type IssueTicketInput struct {
	RequestID string
	TicketID  string
	RoomID    int64
	CounterID int64
	QueueDate string
	// NumberPrefix is prepended to the zero-padded sequence to build queue_number.
	NumberPrefix string
	CreatedAt    time.Time
}

// TransitionInput describes a conditional status update. The update only
// applies while the ticket status is one of From.
type TransitionInput struct {
	TicketID  string
	From      []string
	To        string
	Stamp     string
	At        time.Time
	Actor     *string
	Notes     *string
	EventType string
}

type ClaimInput struct {
	CounterID   int64
	QueueDate   string
	Actor       string
	At          time.Time
	RequireIdle bool
}

type RecallInput struct {
	TicketID string
	From     []string
	Actor    *string
	At       time.Time
}

// TicketFilter selects tickets by scope and inclusive queue_date range.
// Zero ids and empty dates are not applied.
type TicketFilter struct {
	RoomID    int64
	CounterID int64
	FromDate  string
	ToDate    string
	Statuses  []string
}

type TicketStore interface {
	GetCounter(ctx context.Context, counterID int64) (models.Counter, models.Room, error)
	ListCounters(ctx context.Context, roomID int64) ([]models.Counter, error)
	IssueTicket(ctx context.Context, input IssueTicketInput) (models.Ticket, bool, error)
	GetTicket(ctx context.Context, ticketID string) (models.Ticket, error)
	TransitionTicket(ctx context.Context, input TransitionInput) (models.Ticket, error)
	ClaimNextWaiting(ctx context.Context, input ClaimInput) (models.Ticket, error)
	RecallTicket(ctx context.Context, input RecallInput) (models.Ticket, error)
	ListTickets(ctx context.Context, filter TicketFilter) ([]models.Ticket, error)
	ListEvents(ctx context.Context, afterSeq int64, limit int) ([]OutboxEvent, error)
	LatestEventSeq(ctx context.Context) (int64, error)
	Ping(ctx context.Context) error
}

// DirectoryStore maintains rooms and counters. Only the seed command writes here.
type DirectoryStore interface {
	UpsertRoom(ctx context.Context, room models.Room) error
	UpsertCounter(ctx context.Context, counter models.Counter) error
}

type OutboxEvent struct {
	Seq       int64           `json:"seq"`
	EventID   string          `json:"event_id"`
	Type      string          `json:"type"`
	TicketID  string          `json:"ticket_id"`
	RoomID    int64           `json:"room_id"`
	CounterID int64           `json:"counter_id"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}
