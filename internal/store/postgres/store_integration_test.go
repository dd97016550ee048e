package postgres

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"qms/hospital-queue/internal/models"
	"qms/hospital-queue/internal/store"
)

const testDate = "2026-03-02"

func TestIssueTicketConcurrentSequences(t *testing.T) {
	ctx := context.Background()
	st := setupTestStore(t, ctx)

	const workers = 16
	var wg sync.WaitGroup
	results := make(chan models.Ticket, workers)
	errs := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ticket, _, err := st.IssueTicket(ctx, issueInput(uuid.NewString()))
			if err != nil {
				errs <- err
				return
			}
			results <- ticket
		}()
	}
	wg.Wait()
	close(results)
	close(errs)
	for err := range errs {
		t.Fatalf("issue ticket: %v", err)
	}

	var seqs []int
	for ticket := range results {
		seqs = append(seqs, ticket.NumberSequence)
	}
	sort.Ints(seqs)
	for i, seq := range seqs {
		assert.Equal(t, i+1, seq)
	}
}

func TestIssueTicketIdempotency(t *testing.T) {
	ctx := context.Background()
	st := setupTestStore(t, ctx)

	requestID := uuid.NewString()
	first, created, err := st.IssueTicket(ctx, issueInput(requestID))
	require.NoError(t, err)
	require.True(t, created)
	second, created, err := st.IssueTicket(ctx, issueInput(requestID))
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.TicketID, second.TicketID)

	var count int
	require.NoError(t, st.pool.QueryRow(ctx, `SELECT COUNT(*) FROM queue_events WHERE event_type = 'ticket.created'`).Scan(&count))
	assert.Equal(t, 1, count)
}

func TestClaimNextWaitingConcurrency(t *testing.T) {
	ctx := context.Background()
	st := setupTestStore(t, ctx)
	only, _, err := st.IssueTicket(ctx, issueInput(uuid.NewString()))
	require.NoError(t, err)

	type claimResult struct {
		ticketID string
		err      error
	}
	var wg sync.WaitGroup
	results := make(chan claimResult, 2)
	for _, actor := range []string{"nurse-a", "nurse-b"} {
		wg.Add(1)
		go func(actor string) {
			defer wg.Done()
			ticket, err := st.ClaimNextWaiting(ctx, store.ClaimInput{CounterID: 1, QueueDate: testDate, Actor: actor, At: time.Now()})
			results <- claimResult{ticketID: ticket.TicketID, err: err}
		}(actor)
	}
	wg.Wait()
	close(results)

	var claimed, empty int
	for r := range results {
		switch {
		case r.err == nil:
			claimed++
			assert.Equal(t, only.TicketID, r.ticketID)
		case errors.Is(r.err, store.ErrNoTicket):
			empty++
		default:
			t.Errorf("unexpected claim error: %v", r.err)
		}
	}
	assert.Equal(t, 1, claimed)
	assert.Equal(t, 1, empty)
}

func TestTransitionAndRecall(t *testing.T) {
	ctx := context.Background()
	st := setupTestStore(t, ctx)
	ticket, _, err := st.IssueTicket(ctx, issueInput(uuid.NewString()))
	require.NoError(t, err)

	at := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	actor := "nurse-a"
	called, err := st.TransitionTicket(ctx, store.TransitionInput{
		TicketID: ticket.TicketID, From: []string{models.StatusWaiting}, To: models.StatusCalled,
		Stamp: "called_at", At: at, Actor: &actor, EventType: store.EventTicketCalled,
	})
	require.NoError(t, err)
	require.NotNil(t, called.CalledAt)
	assert.True(t, called.CalledAt.Equal(at))

	current, err := st.TransitionTicket(ctx, store.TransitionInput{
		TicketID: ticket.TicketID, From: []string{models.StatusServing}, To: models.StatusCompleted,
		Stamp: "completed_at", At: at, EventType: store.EventTicketCompleted,
	})
	assert.ErrorIs(t, err, store.ErrStatusMismatch)
	assert.Equal(t, models.StatusCalled, current.Status)

	recalled, err := st.RecallTicket(ctx, store.RecallInput{TicketID: ticket.TicketID, From: []string{models.StatusCalled}, At: at.Add(time.Minute)})
	require.NoError(t, err)
	assert.Equal(t, 1, recalled.RecallCount)

	latest, err := st.LatestEventSeq(ctx)
	require.NoError(t, err)
	events, err := st.ListEvents(ctx, latest-1, 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, store.EventTicketRecalled, events[0].Type)

	_, err = st.GetTicket(ctx, "not-a-uuid")
	assert.ErrorIs(t, err, store.ErrTicketNotFound)
}

func TestClaimNextWaitingSeesConcurrentManualCall(t *testing.T) {
	ctx := context.Background()
	st := setupTestStore(t, ctx)
	first, _, err := st.IssueTicket(ctx, issueInput(uuid.NewString()))
	require.NoError(t, err)
	second, _, err := st.IssueTicket(ctx, issueInput(uuid.NewString()))
	require.NoError(t, err)

	// hold a manual call of the first ticket open while call-next runs
	tx, err := st.pool.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, lockCounter(ctx, tx, 1))
	_, err = tx.Exec(ctx, `UPDATE tickets SET status = 'called', called_at = now() WHERE ticket_id = $1`, first.TicketID)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := st.ClaimNextWaiting(ctx, store.ClaimInput{
			CounterID: 1, QueueDate: testDate, Actor: "nurse-b", At: time.Now(), RequireIdle: true,
		})
		done <- err
	}()
	select {
	case err := <-done:
		t.Fatalf("claim finished while the manual call was open: %v", err)
	case <-time.After(200 * time.Millisecond):
	}
	require.NoError(t, tx.Commit(ctx))

	assert.ErrorIs(t, <-done, store.ErrCounterBusy)
	still, err := st.GetTicket(ctx, second.TicketID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusWaiting, still.Status)
}

func TestOutboxSequenceFollowsCommitOrder(t *testing.T) {
	ctx := context.Background()
	st := setupTestStore(t, ctx)
	ticket, _, err := st.IssueTicket(ctx, issueInput(uuid.NewString()))
	require.NoError(t, err)
	before, err := st.LatestEventSeq(ctx)
	require.NoError(t, err)

	first, err := st.pool.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, insertEvent(ctx, first, store.EventTicketCalled, ticket, nil, time.Now()))

	done := make(chan error, 1)
	go func() {
		tx, err := st.pool.Begin(ctx)
		if err != nil {
			done <- err
			return
		}
		if err := insertEvent(ctx, tx, store.EventTicketRecalled, ticket, nil, time.Now()); err != nil {
			_ = tx.Rollback(ctx)
			done <- err
			return
		}
		done <- tx.Commit(ctx)
	}()
	select {
	case err := <-done:
		t.Fatalf("second event committed before the first: %v", err)
	case <-time.After(200 * time.Millisecond):
	}

	// nothing new is visible to a relay while the first writer is open
	events, err := st.ListEvents(ctx, before, 10)
	require.NoError(t, err)
	assert.Empty(t, events)

	require.NoError(t, first.Commit(ctx))
	require.NoError(t, <-done)

	events, err = st.ListEvents(ctx, before, 10)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, store.EventTicketCalled, events[0].Type)
	assert.Equal(t, store.EventTicketRecalled, events[1].Type)
	assert.Less(t, events[0].Seq, events[1].Seq)
}

func issueInput(requestID string) store.IssueTicketInput {
	return store.IssueTicketInput{
		RequestID:    requestID,
		TicketID:     uuid.NewString(),
		RoomID:       1,
		CounterID:    1,
		QueueDate:    testDate,
		NumberPrefix: "A1",
		CreatedAt:    time.Now().UTC(),
	}
}

func setupTestStore(t *testing.T, ctx context.Context) *Store {
	t.Helper()
	dsn := os.Getenv("TEST_DB_DSN")
	if dsn == "" {
		dsn = os.Getenv("DB_DSN")
	}
	if dsn == "" {
		t.Skip("TEST_DB_DSN or DB_DSN not set")
	}

	schema := fmt.Sprintf("hq_test_%s", uuid.NewString()[:8])
	require.NoError(t, execOnce(ctx, dsn, "CREATE SCHEMA "+schema))

	cfg, err := pgxpool.ParseConfig(dsn)
	require.NoError(t, err)
	cfg.ConnConfig.RuntimeParams["search_path"] = schema
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	require.NoError(t, err)
	t.Cleanup(func() {
		pool.Close()
		_ = execOnce(context.Background(), dsn, "DROP SCHEMA "+schema+" CASCADE")
	})

	_, err = Migrate(ctx, pool)
	require.NoError(t, err)

	st := NewStore(pool)
	require.NoError(t, st.UpsertRoom(ctx, models.Room{RoomID: 1, Name: "General", Code: "GEN", Prefix: "A", Active: true}))
	require.NoError(t, st.UpsertCounter(ctx, models.Counter{CounterID: 1, RoomID: 1, Name: "Counter 1", Code: "C1", Type: "general", Active: true}))
	return st
}

func execOnce(ctx context.Context, dsn, statement string) error {
	conn, err := pgx.Connect(ctx, dsn)
	if err != nil {
		return err
	}
	defer conn.Close(ctx)
	_, err = conn.Exec(ctx, statement)
	return err
}
