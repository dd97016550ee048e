package store

import "errors"

var (
	ErrTicketNotFound   = errors.New("ticket not found")
	ErrCounterNotFound  = errors.New("counter not found")
	ErrRoomNotFound     = errors.New("room not found")
	ErrNoTicket         = errors.New("no ticket available")
	ErrStatusMismatch   = errors.New("ticket status does not permit update")
	ErrSequenceConflict = errors.New("sequence already allocated")
	ErrCounterBusy      = errors.New("counter has an active ticket")
)
