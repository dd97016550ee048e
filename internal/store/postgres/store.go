package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"qms/hospital-queue/internal/models"
	"qms/hospital-queue/internal/store"
)

const (
	uniqueViolation     = "23505"
	foreignKeyViolation = "23503"

	sequenceConstraint = "tickets_counter_day_sequence_key"
	requestConstraint  = "tickets_request_id_key"

	// outboxLockKey serializes queue_events writers so event_seq order is
	// commit order and a relay cursor never skips a late commit.
	outboxLockKey = "queue_events"
)

type Store struct {
	pool *pgxpool.Pool
}

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

const ticketColumns = `ticket_id, request_id, room_id, counter_id, queue_number, number_sequence, status,
	to_char(queue_date, 'YYYY-MM-DD'), created_at, called_at, served_at, completed_at, cancelled_at,
	called_by, notes, recalled_at, recall_count`

type queryer interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func scanTicket(row pgx.Row) (models.Ticket, error) {
	var (
		ticket                                       models.Ticket
		calledAt, servedAt, completedAt, cancelledAt sql.NullTime
		recalledAt                                   sql.NullTime
		calledBy, notes                              sql.NullString
	)
	if err := row.Scan(&ticket.TicketID, &ticket.RequestID, &ticket.RoomID, &ticket.CounterID, &ticket.QueueNumber,
		&ticket.NumberSequence, &ticket.Status, &ticket.QueueDate, &ticket.CreatedAt, &calledAt, &servedAt,
		&completedAt, &cancelledAt, &calledBy, &notes, &recalledAt, &ticket.RecallCount); err != nil {
		return models.Ticket{}, err
	}
	ticket.CreatedAt = ticket.CreatedAt.UTC()
	ticket.CalledAt = nullTimePtr(calledAt)
	ticket.ServedAt = nullTimePtr(servedAt)
	ticket.CompletedAt = nullTimePtr(completedAt)
	ticket.CancelledAt = nullTimePtr(cancelledAt)
	ticket.RecalledAt = nullTimePtr(recalledAt)
	ticket.CalledBy = nullStringPtr(calledBy)
	ticket.Notes = nullStringPtr(notes)
	return ticket, nil
}

func (s *Store) GetCounter(ctx context.Context, counterID int64) (models.Counter, models.Room, error) {
	var (
		counter models.Counter
		room    models.Room
	)
	err := s.pool.QueryRow(ctx, `
		SELECT c.counter_id, c.room_id, c.name, c.code, c.type, c.active,
		       r.room_id, r.name, r.code, r.prefix, r.active
		FROM counters c JOIN rooms r ON r.room_id = c.room_id
		WHERE c.counter_id = $1
	`, counterID).Scan(&counter.CounterID, &counter.RoomID, &counter.Name, &counter.Code, &counter.Type, &counter.Active,
		&room.RoomID, &room.Name, &room.Code, &room.Prefix, &room.Active)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Counter{}, models.Room{}, store.ErrCounterNotFound
	}
	if err != nil {
		return models.Counter{}, models.Room{}, err
	}
	return counter, room, nil
}

func (s *Store) ListCounters(ctx context.Context, roomID int64) ([]models.Counter, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT counter_id, room_id, name, code, type, active
		FROM counters
		WHERE $1::bigint = 0 OR room_id = $1::bigint
		ORDER BY counter_id
	`, roomID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var counters []models.Counter
	for rows.Next() {
		var c models.Counter
		if err := rows.Scan(&c.CounterID, &c.RoomID, &c.Name, &c.Code, &c.Type, &c.Active); err != nil {
			return nil, err
		}
		counters = append(counters, c)
	}
	return counters, rows.Err()
}

func (s *Store) UpsertRoom(ctx context.Context, room models.Room) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO rooms (room_id, name, code, prefix, active)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (room_id) DO UPDATE
		SET name = EXCLUDED.name, code = EXCLUDED.code, prefix = EXCLUDED.prefix, active = EXCLUDED.active
	`, room.RoomID, room.Name, room.Code, room.Prefix, room.Active)
	return err
}

func (s *Store) UpsertCounter(ctx context.Context, counter models.Counter) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO counters (counter_id, room_id, name, code, type, active)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (counter_id) DO UPDATE
		SET room_id = EXCLUDED.room_id, name = EXCLUDED.name, code = EXCLUDED.code,
		    type = EXCLUDED.type, active = EXCLUDED.active
	`, counter.CounterID, counter.RoomID, counter.Name, counter.Code, counter.Type, counter.Active)
	if pgCode(err) == foreignKeyViolation {
		return store.ErrRoomNotFound
	}
	return err
}

// IssueTicket allocates the next sequence from queue_sequences and inserts the
// ticket in one transaction. The sequence row lock serializes allocations for
// one counter and date only.
func (s *Store) IssueTicket(ctx context.Context, input store.IssueTicketInput) (ticket models.Ticket, created bool, err error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Ticket{}, false, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	existing, err := loadTicket(ctx, tx, `request_id = $1`, input.RequestID)
	if err == nil {
		if err = tx.Commit(ctx); err != nil {
			return models.Ticket{}, false, err
		}
		return existing, false, nil
	}
	if !errors.Is(err, store.ErrTicketNotFound) {
		return models.Ticket{}, false, err
	}

	seq, err := nextSequence(ctx, tx, input.CounterID, input.QueueDate)
	if err != nil {
		return models.Ticket{}, false, err
	}

	row := tx.QueryRow(ctx, `
		INSERT INTO tickets (ticket_id, request_id, room_id, counter_id, queue_number, number_sequence, status, queue_date, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING `+ticketColumns,
		input.TicketID, input.RequestID, input.RoomID, input.CounterID,
		models.FormatQueueNumber(input.NumberPrefix, seq), seq, models.StatusWaiting, input.QueueDate, input.CreatedAt.UTC())
	ticket, err = scanTicket(row)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			switch pgErr.ConstraintName {
			case sequenceConstraint:
				err = fmt.Errorf("%w: %s", store.ErrSequenceConflict, pgErr.Message)
			case requestConstraint:
				// a concurrent replay won; hand back its ticket after rollback
				_ = tx.Rollback(ctx)
				existing, lookupErr := loadTicket(ctx, s.pool, `request_id = $1`, input.RequestID)
				if lookupErr != nil {
					return models.Ticket{}, false, lookupErr
				}
				return existing, false, nil
			}
		}
		return models.Ticket{}, false, err
	}

	if err = insertEvent(ctx, tx, store.EventTicketCreated, ticket, nil, ticket.CreatedAt); err != nil {
		return models.Ticket{}, false, err
	}
	if err = tx.Commit(ctx); err != nil {
		return models.Ticket{}, false, err
	}
	return ticket, true, nil
}

// nextSequence seeds a missing queue_sequences row from the current maximum so
// the first number for a day is max+1, then increments under the row lock.
func nextSequence(ctx context.Context, tx pgx.Tx, counterID int64, queueDate string) (int, error) {
	var next int
	row := tx.QueryRow(ctx, `
		INSERT INTO queue_sequences (counter_id, queue_date, last_number)
		VALUES ($1, $2, (
			SELECT COALESCE(MAX(number_sequence), 0) + 1 FROM tickets
			WHERE counter_id = $1 AND queue_date = $2
		))
		ON CONFLICT (counter_id, queue_date)
		DO UPDATE SET last_number = queue_sequences.last_number + 1
		RETURNING last_number
	`, counterID, queueDate)
	if err := row.Scan(&next); err != nil {
		return 0, err
	}
	return next, nil
}

func (s *Store) GetTicket(ctx context.Context, ticketID string) (models.Ticket, error) {
	if _, err := uuid.Parse(ticketID); err != nil {
		return models.Ticket{}, store.ErrTicketNotFound
	}
	return loadTicket(ctx, s.pool, `ticket_id = $1`, ticketID)
}

func (s *Store) TransitionTicket(ctx context.Context, input store.TransitionInput) (ticket models.Ticket, err error) {
	if !store.StampColumns[input.Stamp] {
		return models.Ticket{}, fmt.Errorf("unknown timestamp column %q", input.Stamp)
	}
	if _, err := uuid.Parse(input.TicketID); err != nil {
		return models.Ticket{}, store.ErrTicketNotFound
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Ticket{}, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	if input.To == models.StatusCalled {
		var counterID int64
		err = tx.QueryRow(ctx, `SELECT counter_id FROM tickets WHERE ticket_id = $1`, input.TicketID).Scan(&counterID)
		if errors.Is(err, pgx.ErrNoRows) {
			err = store.ErrTicketNotFound
			return models.Ticket{}, err
		}
		if err != nil {
			return models.Ticket{}, err
		}
		if err = lockCounter(ctx, tx, counterID); err != nil {
			return models.Ticket{}, err
		}
	}

	row := tx.QueryRow(ctx, fmt.Sprintf(`
		UPDATE tickets
		SET status = $1, %[1]s = COALESCE(%[1]s, $2),
		    called_by = COALESCE($3, called_by), notes = COALESCE($4, notes)
		WHERE ticket_id = $5 AND status = ANY($6)
		RETURNING %[2]s
	`, input.Stamp, ticketColumns), input.To, input.At.UTC(), input.Actor, input.Notes, input.TicketID, input.From)
	ticket, err = scanTicket(row)
	if errors.Is(err, pgx.ErrNoRows) {
		current, loadErr := loadTicket(ctx, tx, `ticket_id = $1`, input.TicketID)
		if loadErr != nil {
			err = loadErr
			return models.Ticket{}, err
		}
		return current, store.ErrStatusMismatch
	}
	if err != nil {
		return models.Ticket{}, err
	}

	if err = insertEvent(ctx, tx, input.EventType, ticket, input.Actor, input.At); err != nil {
		return models.Ticket{}, err
	}
	if err = tx.Commit(ctx); err != nil {
		return models.Ticket{}, err
	}
	return ticket, nil
}

func (s *Store) RecallTicket(ctx context.Context, input store.RecallInput) (ticket models.Ticket, err error) {
	if _, err := uuid.Parse(input.TicketID); err != nil {
		return models.Ticket{}, store.ErrTicketNotFound
	}
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Ticket{}, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	row := tx.QueryRow(ctx, `
		UPDATE tickets
		SET recalled_at = $1, recall_count = recall_count + 1
		WHERE ticket_id = $2 AND status = ANY($3)
		RETURNING `+ticketColumns, input.At.UTC(), input.TicketID, input.From)
	ticket, err = scanTicket(row)
	if errors.Is(err, pgx.ErrNoRows) {
		current, loadErr := loadTicket(ctx, tx, `ticket_id = $1`, input.TicketID)
		if loadErr != nil {
			err = loadErr
			return models.Ticket{}, err
		}
		return current, store.ErrStatusMismatch
	}
	if err != nil {
		return models.Ticket{}, err
	}

	if err = insertEvent(ctx, tx, store.EventTicketRecalled, ticket, input.Actor, input.At); err != nil {
		return models.Ticket{}, err
	}
	if err = tx.Commit(ctx); err != nil {
		return models.Ticket{}, err
	}
	return ticket, nil
}

// ClaimNextWaiting serializes callers per counter with a transaction-scoped
// advisory lock, shared with manual calls, then claims the lowest waiting
// sequence. A row locked by a concurrent cancel is waited on; if it no longer
// qualifies the claim returns ErrStatusMismatch and the caller retries with a
// fresh view of the counter.
func (s *Store) ClaimNextWaiting(ctx context.Context, input store.ClaimInput) (ticket models.Ticket, err error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Ticket{}, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	if err = lockCounter(ctx, tx, input.CounterID); err != nil {
		return models.Ticket{}, err
	}

	var waiting, active int
	if err = tx.QueryRow(ctx, `
		SELECT COUNT(*) FILTER (WHERE status = 'waiting'),
		       COUNT(*) FILTER (WHERE status IN ('called', 'serving'))
		FROM tickets
		WHERE counter_id = $1 AND queue_date = $2
	`, input.CounterID, input.QueueDate).Scan(&waiting, &active); err != nil {
		return models.Ticket{}, err
	}
	if waiting == 0 {
		err = store.ErrNoTicket
		return models.Ticket{}, err
	}
	if input.RequireIdle && active > 0 {
		err = store.ErrCounterBusy
		return models.Ticket{}, err
	}

	row := tx.QueryRow(ctx, `
		UPDATE tickets
		SET status = 'called', called_at = COALESCE(called_at, $3), called_by = $4
		WHERE ticket_id = (
			SELECT ticket_id FROM tickets
			WHERE counter_id = $1 AND queue_date = $2 AND status = 'waiting'
			ORDER BY number_sequence
			LIMIT 1
			FOR UPDATE
		) AND status = 'waiting'
		RETURNING `+ticketColumns, input.CounterID, input.QueueDate, input.At.UTC(), input.Actor)
	ticket, err = scanTicket(row)
	if errors.Is(err, pgx.ErrNoRows) {
		err = store.ErrStatusMismatch
		return models.Ticket{}, err
	}
	if err != nil {
		return models.Ticket{}, err
	}

	actor := input.Actor
	if err = insertEvent(ctx, tx, store.EventTicketCalled, ticket, &actor, input.At); err != nil {
		return models.Ticket{}, err
	}
	if err = tx.Commit(ctx); err != nil {
		return models.Ticket{}, err
	}
	return ticket, nil
}

func (s *Store) ListTickets(ctx context.Context, filter store.TicketFilter) ([]models.Ticket, error) {
	var (
		where []string
		args  []any
	)
	add := func(cond string, value any) {
		args = append(args, value)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if filter.RoomID != 0 {
		add("room_id = $%d", filter.RoomID)
	}
	if filter.CounterID != 0 {
		add("counter_id = $%d", filter.CounterID)
	}
	if filter.FromDate != "" {
		add("queue_date >= $%d", filter.FromDate)
	}
	if filter.ToDate != "" {
		add("queue_date <= $%d", filter.ToDate)
	}
	if len(filter.Statuses) > 0 {
		add("status = ANY($%d)", filter.Statuses)
	}

	query := `SELECT ` + ticketColumns + ` FROM tickets`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY queue_date, counter_id, number_sequence`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tickets []models.Ticket
	for rows.Next() {
		ticket, err := scanTicket(rows)
		if err != nil {
			return nil, err
		}
		tickets = append(tickets, ticket)
	}
	return tickets, rows.Err()
}

func (s *Store) ListEvents(ctx context.Context, afterSeq int64, limit int) ([]store.OutboxEvent, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT event_seq, event_id, event_type, ticket_id, room_id, counter_id, payload, created_at
		FROM queue_events
		WHERE event_seq > $1
		ORDER BY event_seq
		LIMIT $2
	`, afterSeq, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []store.OutboxEvent
	for rows.Next() {
		var event store.OutboxEvent
		if err := rows.Scan(&event.Seq, &event.EventID, &event.Type, &event.TicketID, &event.RoomID,
			&event.CounterID, &event.Payload, &event.CreatedAt); err != nil {
			return nil, err
		}
		event.CreatedAt = event.CreatedAt.UTC()
		events = append(events, event)
	}
	return events, rows.Err()
}

func (s *Store) LatestEventSeq(ctx context.Context) (int64, error) {
	var seq int64
	err := s.pool.QueryRow(ctx, `SELECT COALESCE(MAX(event_seq), 0) FROM queue_events`).Scan(&seq)
	return seq, err
}

func loadTicket(ctx context.Context, q queryer, cond string, arg any) (models.Ticket, error) {
	ticket, err := scanTicket(q.QueryRow(ctx, `SELECT `+ticketColumns+` FROM tickets WHERE `+cond, arg))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Ticket{}, store.ErrTicketNotFound
	}
	return ticket, err
}

// counterLockKey names the advisory lock taken by every call on a counter.
func counterLockKey(counterID int64) string {
	return "call_next:" + strconv.FormatInt(counterID, 10)
}

func lockCounter(ctx context.Context, tx pgx.Tx, counterID int64) error {
	_, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, counterLockKey(counterID))
	return err
}

// insertEvent must be the last write of its transaction: the outbox lock is
// held until commit.
func insertEvent(ctx context.Context, tx pgx.Tx, eventType string, ticket models.Ticket, actor *string, at time.Time) error {
	payload, err := store.EventPayload(ticket, actor)
	if err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, outboxLockKey); err != nil {
		return err
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO queue_events (event_id, event_type, ticket_id, room_id, counter_id, payload, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, uuid.NewString(), eventType, ticket.TicketID, ticket.RoomID, ticket.CounterID, payload, at.UTC())
	return err
}

func pgCode(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	return ""
}

func nullTimePtr(value sql.NullTime) *time.Time {
	if !value.Valid {
		return nil
	}
	t := value.Time.UTC()
	return &t
}

func nullStringPtr(value sql.NullString) *string {
	if !value.Valid {
		return nil
	}
	return &value.String
}
