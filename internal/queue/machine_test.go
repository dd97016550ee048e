package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"qms/hospital-queue/internal/models"
	"qms/hospital-queue/internal/store"
)

func strPtr(s string) *string { return &s }

// ticketsInEveryStatus returns one ticket per status, keyed by status.
func ticketsInEveryStatus(t *testing.T, env testEnv) map[string]models.Ticket {
	t.Helper()
	ctx := context.Background()
	out := map[string]models.Ticket{}

	out[models.StatusWaiting] = env.issue(t, 1)

	called := env.issue(t, 1)
	_, err := env.svc.Call(ctx, called.TicketID, "nurse-1")
	require.NoError(t, err)
	out[models.StatusCalled] = called

	serving := env.issue(t, 1)
	_, err = env.svc.Call(ctx, serving.TicketID, "nurse-1")
	require.NoError(t, err)
	_, err = env.svc.Serve(ctx, serving.TicketID)
	require.NoError(t, err)
	out[models.StatusServing] = serving

	completed := env.issue(t, 1)
	_, err = env.svc.Call(ctx, completed.TicketID, "nurse-1")
	require.NoError(t, err)
	_, err = env.svc.Serve(ctx, completed.TicketID)
	require.NoError(t, err)
	_, err = env.svc.Complete(ctx, completed.TicketID, nil)
	require.NoError(t, err)
	out[models.StatusCompleted] = completed

	cancelled := env.issue(t, 1)
	_, err = env.svc.Cancel(ctx, cancelled.TicketID, nil)
	require.NoError(t, err)
	out[models.StatusCancelled] = cancelled

	return out
}

func TestCallSucceedsOnlyFromWaiting(t *testing.T) {
	env := newTestEnv(t, Options{})
	ctx := context.Background()
	tickets := ticketsInEveryStatus(t, env)

	for _, status := range models.Statuses {
		ticket := tickets[status]
		before := env.reload(t, ticket.TicketID)
		require.Equal(t, status, before.Status)

		got, err := env.svc.Call(ctx, ticket.TicketID, "nurse-2")
		if status == models.StatusWaiting {
			require.NoError(t, err)
			assert.Equal(t, models.StatusCalled, got.Status)
			require.NotNil(t, got.CalledAt)
			require.NotNil(t, got.CalledBy)
			assert.Equal(t, "nurse-2", *got.CalledBy)
			continue
		}
		require.ErrorIs(t, err, ErrInvalidTransition, status)
		var terr *TransitionError
		require.True(t, errors.As(err, &terr))
		assert.Equal(t, status, terr.Status)
		assert.Equal(t, ActionCall, terr.Action)
		assert.Equal(t, before, env.reload(t, ticket.TicketID))
	}
}

func TestCallRequiresActor(t *testing.T) {
	env := newTestEnv(t, Options{})
	ticket := env.issue(t, 1)

	_, err := env.svc.Call(context.Background(), ticket.TicketID, "  ")
	assert.ErrorIs(t, err, ErrInvalidInput)
	assert.Equal(t, models.StatusWaiting, env.reload(t, ticket.TicketID).Status)
}

func TestCompleteRequiresServe(t *testing.T) {
	env := newTestEnv(t, Options{})
	ctx := context.Background()

	waiting := env.issue(t, 1)
	called := env.issue(t, 1)
	_, err := env.svc.Call(ctx, called.TicketID, "nurse-1")
	require.NoError(t, err)

	for _, id := range []string{waiting.TicketID, called.TicketID} {
		before := env.reload(t, id)
		_, err := env.svc.Complete(ctx, id, strPtr("done"))
		assert.ErrorIs(t, err, ErrInvalidTransition)
		after := env.reload(t, id)
		assert.Equal(t, before, after)
		assert.Nil(t, after.CompletedAt)
		assert.Nil(t, after.Notes)
	}
}

func TestFullLifecycleStampsEachTimestampOnce(t *testing.T) {
	env := newTestEnv(t, Options{})
	ctx := context.Background()
	ticket := env.issue(t, 1)

	env.clock.Advance(2 * time.Minute)
	called, err := env.svc.Call(ctx, ticket.TicketID, "nurse-1")
	require.NoError(t, err)
	env.clock.Advance(3 * time.Minute)
	serving, err := env.svc.Serve(ctx, ticket.TicketID)
	require.NoError(t, err)
	env.clock.Advance(10 * time.Minute)
	completed, err := env.svc.Complete(ctx, ticket.TicketID, strPtr("referred to lab"))
	require.NoError(t, err)

	assert.Equal(t, models.StatusCompleted, completed.Status)
	assert.True(t, completed.CalledAt.Equal(*called.CalledAt))
	assert.True(t, completed.ServedAt.Equal(*serving.ServedAt))
	assert.True(t, completed.CalledAt.Equal(testStart.Add(2*time.Minute)))
	assert.True(t, completed.ServedAt.Equal(testStart.Add(5*time.Minute)))
	assert.True(t, completed.CompletedAt.Equal(testStart.Add(15*time.Minute)))
	require.NotNil(t, completed.Notes)
	assert.Equal(t, "referred to lab", *completed.Notes)
	assert.Equal(t, testDate, completed.QueueDate)

	_, err = env.svc.Cancel(ctx, ticket.TicketID, nil)
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestCancelTwiceIsRejectedWithoutMutation(t *testing.T) {
	env := newTestEnv(t, Options{})
	ctx := context.Background()
	ticket := env.issue(t, 1)

	first, err := env.svc.Cancel(ctx, ticket.TicketID, strPtr("patient left"))
	require.NoError(t, err)
	require.NotNil(t, first.CancelledAt)

	env.clock.Advance(time.Minute)
	_, err = env.svc.Cancel(ctx, ticket.TicketID, strPtr("second attempt"))
	require.ErrorIs(t, err, ErrInvalidTransition)

	after := env.reload(t, ticket.TicketID)
	assert.Equal(t, models.StatusCancelled, after.Status)
	require.NotNil(t, after.Notes)
	assert.Equal(t, "patient left", *after.Notes)
	assert.True(t, after.CancelledAt.Equal(*first.CancelledAt))
}

func TestCancelAllowedFromEveryActiveStatus(t *testing.T) {
	env := newTestEnv(t, Options{})
	ctx := context.Background()
	tickets := ticketsInEveryStatus(t, env)

	for _, status := range []string{models.StatusWaiting, models.StatusCalled, models.StatusServing} {
		got, err := env.svc.Cancel(ctx, tickets[status].TicketID, nil)
		require.NoError(t, err, status)
		assert.Equal(t, models.StatusCancelled, got.Status)
	}
	_, err := env.svc.Cancel(ctx, tickets[models.StatusCompleted].TicketID, nil)
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestTransitionUnknownTicket(t *testing.T) {
	env := newTestEnv(t, Options{})

	_, err := env.svc.Serve(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, err, store.ErrTicketNotFound)
}

func TestConcurrentTransitionsHaveOneWinner(t *testing.T) {
	env := newTestEnv(t, Options{})
	ctx := context.Background()
	ticket := env.issue(t, 1)
	_, err := env.svc.Call(ctx, ticket.TicketID, "nurse-1")
	require.NoError(t, err)

	errs := make(chan error, 2)
	go func() {
		_, err := env.svc.Serve(ctx, ticket.TicketID)
		errs <- err
	}()
	go func() {
		_, err := env.svc.Serve(ctx, ticket.TicketID)
		errs <- err
	}()
	first, second := <-errs, <-errs

	if first == nil {
		assert.ErrorIs(t, second, ErrInvalidTransition)
	} else {
		assert.NoError(t, second)
		assert.ErrorIs(t, first, ErrInvalidTransition)
	}
	assert.Equal(t, models.StatusServing, env.reload(t, ticket.TicketID).Status)
}

func TestRecallOnlyFromCalled(t *testing.T) {
	env := newTestEnv(t, Options{})
	ctx := context.Background()
	ticket := env.issue(t, 1)

	_, err := env.svc.Recall(ctx, ticket.TicketID, nil)
	require.ErrorIs(t, err, ErrInvalidTransition)

	called, err := env.svc.Call(ctx, ticket.TicketID, "nurse-1")
	require.NoError(t, err)
	env.clock.Advance(90 * time.Second)

	recalled, err := env.svc.Recall(ctx, ticket.TicketID, strPtr("nurse-1"))
	require.NoError(t, err)
	assert.Equal(t, models.StatusCalled, recalled.Status)
	assert.Equal(t, 1, recalled.RecallCount)
	require.NotNil(t, recalled.RecalledAt)
	assert.True(t, recalled.RecalledAt.Equal(testStart.Add(90*time.Second)))
	assert.True(t, recalled.CalledAt.Equal(*called.CalledAt))

	_, err = env.svc.Recall(ctx, ticket.TicketID, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, env.reload(t, ticket.TicketID).RecallCount)

	events, err := env.store.ListEvents(ctx, 0, 100)
	require.NoError(t, err)
	var types []string
	for _, e := range events {
		types = append(types, e.Type)
	}
	assert.Equal(t, []string{
		store.EventTicketCreated,
		store.EventTicketCalled,
		store.EventTicketRecalled,
		store.EventTicketRecalled,
	}, types)
}
