package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"qms/hospital-queue/internal/models"
	"qms/hospital-queue/internal/store"
)

var createdAt = time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)

func setupTestStore(t *testing.T) *Store {
	t.Helper()
	ctx := context.Background()
	s, err := Open(ctx, filepath.Join(t.TempDir(), "hq.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	require.NoError(t, s.UpsertRoom(ctx, models.Room{RoomID: 1, Name: "Poli Umum", Code: "UMUM", Prefix: "A", Active: true}))
	require.NoError(t, s.UpsertCounter(ctx, models.Counter{CounterID: 1, RoomID: 1, Name: "Loket 1", Code: "L1", Type: "general", Active: true}))
	return s
}

func issue(t *testing.T, s *Store, requestID string) models.Ticket {
	t.Helper()
	ticket, created, err := s.IssueTicket(context.Background(), store.IssueTicketInput{
		RequestID:    requestID,
		TicketID:     "ticket-" + requestID,
		RoomID:       1,
		CounterID:    1,
		QueueDate:    "2026-03-02",
		NumberPrefix: "A1",
		CreatedAt:    createdAt,
	})
	require.NoError(t, err)
	require.True(t, created)
	return ticket
}

func TestOpenIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hq.db")
	s, err := Open(context.Background(), path)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = Open(context.Background(), path)
	require.NoError(t, err)
	defer s.Close()
	assert.NoError(t, s.Ping(context.Background()))
}

func TestIssueTicketAllocatesFromMaxPlusOne(t *testing.T) {
	s := setupTestStore(t)

	first := issue(t, s, "r1")
	second := issue(t, s, "r2")
	assert.Equal(t, 1, first.NumberSequence)
	assert.Equal(t, "A1001", first.QueueNumber)
	assert.Equal(t, 2, second.NumberSequence)
	assert.Equal(t, "A1002", second.QueueNumber)

	loaded, err := s.GetTicket(context.Background(), first.TicketID)
	require.NoError(t, err)
	assert.Equal(t, first, loaded)
}

func TestIssueTicketReplayReturnsExisting(t *testing.T) {
	s := setupTestStore(t)
	first := issue(t, s, "r1")

	again, created, err := s.IssueTicket(context.Background(), store.IssueTicketInput{
		RequestID: "r1", TicketID: "other", RoomID: 1, CounterID: 1,
		QueueDate: "2026-03-02", NumberPrefix: "A1", CreatedAt: createdAt,
	})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.TicketID, again.TicketID)
}

func TestUniqueSequenceBackstop(t *testing.T) {
	s := setupTestStore(t)
	issue(t, s, "r1")

	_, err := s.db.Exec(`INSERT INTO tickets (ticket_id, request_id, room_id, counter_id, queue_number, number_sequence, status, queue_date, created_at)
		VALUES ('dup', 'dup', 1, 1, 'A1001', 1, 'waiting', '2026-03-02', ?)`, formatTime(createdAt))
	require.Error(t, err)
	assert.True(t, isUniqueViolation(err))
}

func TestTransitionTicketMismatchReturnsCurrent(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	ticket := issue(t, s, "r1")

	current, err := s.TransitionTicket(ctx, store.TransitionInput{
		TicketID: ticket.TicketID, From: []string{models.StatusServing}, To: models.StatusCompleted,
		Stamp: "completed_at", At: createdAt, EventType: store.EventTicketCompleted,
	})
	assert.ErrorIs(t, err, store.ErrStatusMismatch)
	assert.Equal(t, models.StatusWaiting, current.Status)

	_, err = s.TransitionTicket(ctx, store.TransitionInput{
		TicketID: ticket.TicketID, From: []string{models.StatusWaiting}, To: models.StatusCalled,
		Stamp: "status", At: createdAt,
	})
	assert.Error(t, err)

	_, err = s.TransitionTicket(ctx, store.TransitionInput{
		TicketID: "missing", From: []string{models.StatusWaiting}, To: models.StatusCalled,
		Stamp: "called_at", At: createdAt, EventType: store.EventTicketCalled,
	})
	assert.ErrorIs(t, err, store.ErrTicketNotFound)
}

func TestClaimNextWaitingWritesEvent(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	issue(t, s, "r1")
	issue(t, s, "r2")

	before, err := s.LatestEventSeq(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), before)

	claimed, err := s.ClaimNextWaiting(ctx, store.ClaimInput{CounterID: 1, QueueDate: "2026-03-02", Actor: "nurse-1", At: createdAt.Add(time.Minute)})
	require.NoError(t, err)
	assert.Equal(t, 1, claimed.NumberSequence)
	require.NotNil(t, claimed.CalledBy)
	assert.Equal(t, "nurse-1", *claimed.CalledBy)

	_, err = s.ClaimNextWaiting(ctx, store.ClaimInput{CounterID: 1, QueueDate: "2026-03-02", Actor: "nurse-2", At: createdAt, RequireIdle: true})
	assert.ErrorIs(t, err, store.ErrCounterBusy)

	events, err := s.ListEvents(ctx, before, 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, store.EventTicketCalled, events[0].Type)
	assert.Equal(t, claimed.TicketID, events[0].TicketID)

	snapshot, actor, err := store.DecodeEventTicket(events[0])
	require.NoError(t, err)
	assert.Equal(t, models.StatusCalled, snapshot.Status)
	require.NotNil(t, actor)
	assert.Equal(t, "nurse-1", *actor)
}

func TestListTicketsFilters(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	issue(t, s, "r1")
	issue(t, s, "r2")

	all, err := s.ListTickets(ctx, store.TicketFilter{RoomID: 1})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	none, err := s.ListTickets(ctx, store.TicketFilter{CounterID: 1, Statuses: []string{models.StatusCalled, models.StatusServing}})
	require.NoError(t, err)
	assert.Empty(t, none)

	later, err := s.ListTickets(ctx, store.TicketFilter{FromDate: "2026-03-03"})
	require.NoError(t, err)
	assert.Empty(t, later)
}

func TestUpsertCounterUnknownRoom(t *testing.T) {
	s := setupTestStore(t)
	err := s.UpsertCounter(context.Background(), models.Counter{CounterID: 9, RoomID: 404, Name: "x", Code: "X", Type: "general"})
	assert.ErrorIs(t, err, store.ErrRoomNotFound)

	counters, err := s.ListCounters(context.Background(), 1)
	require.NoError(t, err)
	assert.Len(t, counters, 1)
}
