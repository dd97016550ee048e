// Package sqlite is the single-site TicketStore. All writes run in
// BEGIN IMMEDIATE transactions over one connection, which serializes
// sequence allocation and call-next claims.
package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mattn/go-sqlite3"

	"qms/hospital-queue/internal/models"
	"qms/hospital-queue/internal/store"
)

//go:embed schema.sql
var schemaSQL string

type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the database file at path and applies the schema.
func Open(ctx context.Context, path string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_txlock=immediate&_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	s := &Store{db: db}
	if err := s.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("apply sqlite schema: %w", err)
	}
	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

const ticketColumns = `ticket_id, request_id, room_id, counter_id, queue_number, number_sequence, status, queue_date,
	created_at, called_at, served_at, completed_at, cancelled_at, called_by, notes, recalled_at, recall_count`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTicket(row rowScanner) (models.Ticket, error) {
	var (
		t                                            models.Ticket
		createdAt                                    string
		calledAt, servedAt, completedAt, cancelledAt sql.NullString
		calledBy, notes, recalledAt                  sql.NullString
	)
	if err := row.Scan(&t.TicketID, &t.RequestID, &t.RoomID, &t.CounterID, &t.QueueNumber, &t.NumberSequence,
		&t.Status, &t.QueueDate, &createdAt, &calledAt, &servedAt, &completedAt, &cancelledAt,
		&calledBy, &notes, &recalledAt, &t.RecallCount); err != nil {
		return models.Ticket{}, err
	}
	var err error
	if t.CreatedAt, err = parseTime(createdAt); err != nil {
		return models.Ticket{}, err
	}
	for _, f := range []struct {
		src sql.NullString
		dst **time.Time
	}{
		{calledAt, &t.CalledAt},
		{servedAt, &t.ServedAt},
		{completedAt, &t.CompletedAt},
		{cancelledAt, &t.CancelledAt},
		{recalledAt, &t.RecalledAt},
	} {
		if *f.dst, err = nullTimePtr(f.src); err != nil {
			return models.Ticket{}, err
		}
	}
	t.CalledBy = nullStringPtr(calledBy)
	t.Notes = nullStringPtr(notes)
	return t, nil
}

func (s *Store) GetCounter(ctx context.Context, counterID int64) (models.Counter, models.Room, error) {
	var (
		c models.Counter
		r models.Room
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT c.counter_id, c.room_id, c.name, c.code, c.type, c.active,
		       r.room_id, r.name, r.code, r.prefix, r.active
		FROM counters c JOIN rooms r ON r.room_id = c.room_id
		WHERE c.counter_id = ?`, counterID).
		Scan(&c.CounterID, &c.RoomID, &c.Name, &c.Code, &c.Type, &c.Active,
			&r.RoomID, &r.Name, &r.Code, &r.Prefix, &r.Active)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Counter{}, models.Room{}, store.ErrCounterNotFound
	}
	if err != nil {
		return models.Counter{}, models.Room{}, err
	}
	return c, r, nil
}

func (s *Store) ListCounters(ctx context.Context, roomID int64) ([]models.Counter, error) {
	query := `SELECT counter_id, room_id, name, code, type, active FROM counters`
	var args []any
	if roomID != 0 {
		query += ` WHERE room_id = ?`
		args = append(args, roomID)
	}
	rows, err := s.db.QueryContext(ctx, query+` ORDER BY counter_id`, args...)
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
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO rooms (room_id, name, code, prefix, active) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (room_id) DO UPDATE SET
			name = excluded.name, code = excluded.code, prefix = excluded.prefix, active = excluded.active`,
		room.RoomID, room.Name, room.Code, room.Prefix, room.Active)
	return err
}

func (s *Store) UpsertCounter(ctx context.Context, counter models.Counter) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO counters (counter_id, room_id, name, code, type, active) VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (counter_id) DO UPDATE SET
			room_id = excluded.room_id, name = excluded.name, code = excluded.code,
			type = excluded.type, active = excluded.active`,
		counter.CounterID, counter.RoomID, counter.Name, counter.Code, counter.Type, counter.Active)
	if isForeignKeyViolation(err) {
		return store.ErrRoomNotFound
	}
	return err
}

func (s *Store) IssueTicket(ctx context.Context, input store.IssueTicketInput) (ticket models.Ticket, created bool, err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return models.Ticket{}, false, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	existing, err := loadTicket(ctx, tx, `request_id = ?`, input.RequestID)
	if err == nil {
		if err = tx.Commit(); err != nil {
			return models.Ticket{}, false, err
		}
		return existing, false, nil
	}
	if !errors.Is(err, store.ErrTicketNotFound) {
		return models.Ticket{}, false, err
	}

	var seq int
	if err = tx.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(number_sequence), 0) + 1 FROM tickets
		WHERE counter_id = ? AND queue_date = ?`, input.CounterID, input.QueueDate).Scan(&seq); err != nil {
		return models.Ticket{}, false, err
	}

	ticket = models.Ticket{
		TicketID:       input.TicketID,
		RequestID:      input.RequestID,
		RoomID:         input.RoomID,
		CounterID:      input.CounterID,
		QueueNumber:    models.FormatQueueNumber(input.NumberPrefix, seq),
		NumberSequence: seq,
		Status:         models.StatusWaiting,
		QueueDate:      input.QueueDate,
		CreatedAt:      input.CreatedAt.UTC(),
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO tickets (ticket_id, request_id, room_id, counter_id, queue_number, number_sequence, status, queue_date, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ticket.TicketID, ticket.RequestID, ticket.RoomID, ticket.CounterID, ticket.QueueNumber,
		ticket.NumberSequence, ticket.Status, ticket.QueueDate, formatTime(ticket.CreatedAt))
	if err != nil {
		if isUniqueViolation(err) {
			err = fmt.Errorf("%w: %v", store.ErrSequenceConflict, err)
		}
		return models.Ticket{}, false, err
	}
	if err = insertEvent(ctx, tx, store.EventTicketCreated, ticket, nil, ticket.CreatedAt); err != nil {
		return models.Ticket{}, false, err
	}
	if err = tx.Commit(); err != nil {
		return models.Ticket{}, false, err
	}
	return ticket, true, nil
}

func (s *Store) GetTicket(ctx context.Context, ticketID string) (models.Ticket, error) {
	return loadTicket(ctx, s.db, `ticket_id = ?`, ticketID)
}

func (s *Store) TransitionTicket(ctx context.Context, input store.TransitionInput) (ticket models.Ticket, err error) {
	if !store.StampColumns[input.Stamp] {
		return models.Ticket{}, fmt.Errorf("unknown timestamp column %q", input.Stamp)
	}
	if len(input.From) == 0 {
		return models.Ticket{}, errors.New("transition requires at least one source status")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return models.Ticket{}, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	args := []any{input.To, formatTime(input.At), nullableString(input.Actor), nullableString(input.Notes), input.TicketID}
	args = append(args, stringArgs(input.From)...)
	res, err := tx.ExecContext(ctx, fmt.Sprintf(`
		UPDATE tickets SET status = ?, %[1]s = COALESCE(%[1]s, ?),
			called_by = COALESCE(?, called_by), notes = COALESCE(?, notes)
		WHERE ticket_id = ? AND status IN (%[2]s)`, input.Stamp, placeholders(len(input.From))), args...)
	if err != nil {
		return models.Ticket{}, err
	}
	if ticket, err = s.afterConditionalUpdate(ctx, tx, res, input.TicketID); err != nil {
		return ticket, err
	}
	if err = insertEvent(ctx, tx, input.EventType, ticket, input.Actor, input.At); err != nil {
		return models.Ticket{}, err
	}
	if err = tx.Commit(); err != nil {
		return models.Ticket{}, err
	}
	return ticket, nil
}

func (s *Store) RecallTicket(ctx context.Context, input store.RecallInput) (ticket models.Ticket, err error) {
	if len(input.From) == 0 {
		return models.Ticket{}, errors.New("recall requires at least one source status")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return models.Ticket{}, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	args := append([]any{formatTime(input.At), input.TicketID}, stringArgs(input.From)...)
	res, err := tx.ExecContext(ctx, fmt.Sprintf(`
		UPDATE tickets SET recalled_at = ?, recall_count = recall_count + 1
		WHERE ticket_id = ? AND status IN (%s)`, placeholders(len(input.From))), args...)
	if err != nil {
		return models.Ticket{}, err
	}
	if ticket, err = s.afterConditionalUpdate(ctx, tx, res, input.TicketID); err != nil {
		return ticket, err
	}
	if err = insertEvent(ctx, tx, store.EventTicketRecalled, ticket, input.Actor, input.At); err != nil {
		return models.Ticket{}, err
	}
	if err = tx.Commit(); err != nil {
		return models.Ticket{}, err
	}
	return ticket, nil
}

// afterConditionalUpdate reloads the ticket. When nothing matched it returns
// the current row with ErrStatusMismatch, or ErrTicketNotFound.
func (s *Store) afterConditionalUpdate(ctx context.Context, tx *sql.Tx, res sql.Result, ticketID string) (models.Ticket, error) {
	affected, err := res.RowsAffected()
	if err != nil {
		return models.Ticket{}, err
	}
	current, err := loadTicket(ctx, tx, `ticket_id = ?`, ticketID)
	if err != nil {
		return models.Ticket{}, err
	}
	if affected == 0 {
		return current, store.ErrStatusMismatch
	}
	return current, nil
}

func (s *Store) ClaimNextWaiting(ctx context.Context, input store.ClaimInput) (ticket models.Ticket, err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return models.Ticket{}, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	var waiting, active int
	if err = tx.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(CASE WHEN status = 'waiting' THEN 1 ELSE 0 END), 0),
		       COALESCE(SUM(CASE WHEN status IN ('called', 'serving') THEN 1 ELSE 0 END), 0)
		FROM tickets WHERE counter_id = ? AND queue_date = ?`,
		input.CounterID, input.QueueDate).Scan(&waiting, &active); err != nil {
		return models.Ticket{}, err
	}
	if waiting == 0 {
		return models.Ticket{}, store.ErrNoTicket
	}
	if input.RequireIdle && active > 0 {
		return models.Ticket{}, store.ErrCounterBusy
	}

	var ticketID string
	if err = tx.QueryRowContext(ctx, `
		SELECT ticket_id FROM tickets
		WHERE counter_id = ? AND queue_date = ? AND status = 'waiting'
		ORDER BY number_sequence LIMIT 1`, input.CounterID, input.QueueDate).Scan(&ticketID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			err = store.ErrNoTicket
		}
		return models.Ticket{}, err
	}
	res, err := tx.ExecContext(ctx, `
		UPDATE tickets SET status = 'called', called_at = COALESCE(called_at, ?), called_by = ?
		WHERE ticket_id = ? AND status = 'waiting'`, formatTime(input.At), input.Actor, ticketID)
	if err != nil {
		return models.Ticket{}, err
	}
	if ticket, err = s.afterConditionalUpdate(ctx, tx, res, ticketID); err != nil {
		return models.Ticket{}, err
	}
	actor := input.Actor
	if err = insertEvent(ctx, tx, store.EventTicketCalled, ticket, &actor, input.At); err != nil {
		return models.Ticket{}, err
	}
	if err = tx.Commit(); err != nil {
		return models.Ticket{}, err
	}
	return ticket, nil
}

func (s *Store) ListTickets(ctx context.Context, filter store.TicketFilter) ([]models.Ticket, error) {
	var (
		where []string
		args  []any
	)
	if filter.RoomID != 0 {
		where = append(where, "room_id = ?")
		args = append(args, filter.RoomID)
	}
	if filter.CounterID != 0 {
		where = append(where, "counter_id = ?")
		args = append(args, filter.CounterID)
	}
	if filter.FromDate != "" {
		where = append(where, "queue_date >= ?")
		args = append(args, filter.FromDate)
	}
	if filter.ToDate != "" {
		where = append(where, "queue_date <= ?")
		args = append(args, filter.ToDate)
	}
	if len(filter.Statuses) > 0 {
		where = append(where, fmt.Sprintf("status IN (%s)", placeholders(len(filter.Statuses))))
		args = append(args, stringArgs(filter.Statuses)...)
	}
	query := `SELECT ` + ticketColumns + ` FROM tickets`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY queue_date, counter_id, number_sequence`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var tickets []models.Ticket
	for rows.Next() {
		t, err := scanTicket(rows)
		if err != nil {
			return nil, err
		}
		tickets = append(tickets, t)
	}
	return tickets, rows.Err()
}

func (s *Store) ListEvents(ctx context.Context, afterSeq int64, limit int) ([]store.OutboxEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT event_seq, event_id, event_type, ticket_id, room_id, counter_id, payload, created_at
		FROM queue_events WHERE event_seq > ? ORDER BY event_seq LIMIT ?`, afterSeq, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var events []store.OutboxEvent
	for rows.Next() {
		var (
			e         store.OutboxEvent
			payload   string
			createdAt string
		)
		if err := rows.Scan(&e.Seq, &e.EventID, &e.Type, &e.TicketID, &e.RoomID, &e.CounterID, &payload, &createdAt); err != nil {
			return nil, err
		}
		e.Payload = []byte(payload)
		if e.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

func (s *Store) LatestEventSeq(ctx context.Context) (int64, error) {
	var seq int64
	err := s.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(event_seq), 0) FROM queue_events`).Scan(&seq)
	return seq, err
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func loadTicket(ctx context.Context, q querier, cond string, arg any) (models.Ticket, error) {
	t, err := scanTicket(q.QueryRowContext(ctx, `SELECT `+ticketColumns+` FROM tickets WHERE `+cond, arg))
	if errors.Is(err, sql.ErrNoRows) {
		return models.Ticket{}, store.ErrTicketNotFound
	}
	return t, err
}

func insertEvent(ctx context.Context, tx *sql.Tx, eventType string, ticket models.Ticket, actor *string, at time.Time) error {
	payload, err := store.EventPayload(ticket, actor)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO queue_events (event_id, event_type, ticket_id, room_id, counter_id, payload, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		uuid.NewString(), eventType, ticket.TicketID, ticket.RoomID, ticket.CounterID, string(payload), formatTime(at))
	return err
}

func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	return errors.As(err, &sqliteErr) &&
		(sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique || sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey)
}

func isForeignKeyViolation(err error) bool {
	var sqliteErr sqlite3.Error
	return errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintForeignKey
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func stringArgs(values []string) []any {
	args := make([]any, len(values))
	for i, v := range values {
		args[i] = v
	}
	return args
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(value string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, value)
}

func nullTimePtr(value sql.NullString) (*time.Time, error) {
	if !value.Valid {
		return nil, nil
	}
	t, err := parseTime(value.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func nullStringPtr(value sql.NullString) *string {
	if !value.Valid {
		return nil
	}
	v := value.String
	return &v
}

func nullableString(value *string) any {
	if value == nil {
		return nil
	}
	return *value
}
