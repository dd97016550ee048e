package models

import (
	"fmt"
	"time"
)

type Ticket struct {
	TicketID       string     `json:"ticket_id"`
	RequestID      string     `json:"request_id,omitempty"`
	RoomID         int64      `json:"room_id"`
	CounterID      int64      `json:"counter_id"`
	QueueNumber    string     `json:"queue_number"`
	NumberSequence int        `json:"number_sequence"`
	Status         string     `json:"status"`
	QueueDate      string     `json:"queue_date"`
	CreatedAt      time.Time  `json:"created_at"`
	CalledAt       *time.Time `json:"called_at,omitempty"`
	ServedAt       *time.Time `json:"served_at,omitempty"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
	CancelledAt    *time.Time `json:"cancelled_at,omitempty"`
	CalledBy       *string    `json:"called_by,omitempty"`
	Notes          *string    `json:"notes,omitempty"`
	RecalledAt     *time.Time `json:"recalled_at,omitempty"`
	RecallCount    int        `json:"recall_count"`
}

const (
	StatusWaiting   = "waiting"
	StatusCalled    = "called"
	StatusServing   = "serving"
	StatusCompleted = "completed"
	StatusCancelled = "cancelled"
)

// Statuses lists every ticket status in lifecycle order.
var Statuses = []string{StatusWaiting, StatusCalled, StatusServing, StatusCompleted, StatusCancelled}

// DateLayout is the calendar-date format used for queue_date everywhere.
const DateLayout = "2006-01-02"

const queueNumberPad = 3

// QueueNumberPrefix is the counter-scoped prefix: room prefix followed by the counter id.
func QueueNumberPrefix(room Room, counterID int64) string {
	return fmt.Sprintf("%s%d", room.Prefix, counterID)
}

// FormatQueueNumber renders the display number, e.g. prefix "A1" and sequence 1 give "A1001".
func FormatQueueNumber(prefix string, seq int) string {
	return fmt.Sprintf("%s%0*d", prefix, queueNumberPad, seq)
}

func IsTerminal(status string) bool {
	return status == StatusCompleted || status == StatusCancelled
}
