package store

import (
	"encoding/json"

	"qms/hospital-queue/internal/models"
)

const (
	EventTicketCreated   = "ticket.created"
	EventTicketCalled    = "ticket.called"
	EventTicketServing   = "ticket.serving"
	EventTicketCompleted = "ticket.completed"
	EventTicketCancelled = "ticket.cancelled"
	EventTicketRecalled  = "ticket.recalled"
)

type eventPayload struct {
	Ticket models.Ticket `json:"ticket"`
	Actor  *string       `json:"actor,omitempty"`
}

// EventPayload is the JSON body stored with every outbox row.
func EventPayload(ticket models.Ticket, actor *string) ([]byte, error) {
	return json.Marshal(eventPayload{Ticket: ticket, Actor: actor})
}

// DecodeEventTicket returns the ticket snapshot carried by an event.
func DecodeEventTicket(event OutboxEvent) (models.Ticket, *string, error) {
	var payload eventPayload
	if err := json.Unmarshal(event.Payload, &payload); err != nil {
		return models.Ticket{}, nil, err
	}
	return payload.Ticket, payload.Actor, nil
}

// StampColumns are the write-once timestamp columns a transition may set.
var StampColumns = map[string]bool{
	"called_at":    true,
	"served_at":    true,
	"completed_at": true,
	"cancelled_at": true,
}
