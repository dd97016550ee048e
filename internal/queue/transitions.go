package queue

import (
	"qms/hospital-queue/internal/models"
	"qms/hospital-queue/internal/store"
)

const (
	ActionCall     = "call"
	ActionServe    = "serve"
	ActionComplete = "complete"
	ActionCancel   = "cancel"
	ActionRecall   = "recall"
)

type transition struct {
	from  []string
	to    string
	stamp string
	event string
}

var transitionMap = map[string]transition{
	ActionCall: {
		from:  []string{models.StatusWaiting},
		to:    models.StatusCalled,
		stamp: "called_at",
		event: store.EventTicketCalled,
	},
	ActionServe: {
		from:  []string{models.StatusCalled},
		to:    models.StatusServing,
		stamp: "served_at",
		event: store.EventTicketServing,
	},
	ActionComplete: {
		from:  []string{models.StatusServing},
		to:    models.StatusCompleted,
		stamp: "completed_at",
		event: store.EventTicketCompleted,
	},
	ActionCancel: {
		from:  []string{models.StatusWaiting, models.StatusCalled, models.StatusServing},
		to:    models.StatusCancelled,
		stamp: "cancelled_at",
		event: store.EventTicketCancelled,
	},
	// recall keeps the status and only re-announces
	ActionRecall: {
		from:  []string{models.StatusCalled},
		event: store.EventTicketRecalled,
	},
}

func ValidTransition(action, fromStatus string) bool {
	t, ok := transitionMap[action]
	if !ok {
		return false
	}
	for _, status := range t.from {
		if status == fromStatus {
			return true
		}
	}
	return false
}
