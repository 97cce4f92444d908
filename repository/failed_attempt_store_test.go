package repository_test

import (
	"context"
	"testing"
	"time"

	"game-reward-ledger/models"
	"game-reward-ledger/repository"
	"game-reward-ledger/repository/repotest"

	"github.com/stretchr/testify/require"
)

func newSubmissionAttempt(session string) *models.FailedAttempt {
	return &models.FailedAttempt{
		PlayerID:      "u1",
		Kind:          models.FailedKindSubmission,
		Amount:        models.NewAmount(10),
		GameSessionID: &session,
		Error:         "ledger down",
	}
}

func TestAcquireHoldsUntilLeaseExpires(t *testing.T) {
	store := repository.NewFailedAttemptStore(repotest.Open(t))
	store.Lease = time.Minute
	ctx := context.Background()
	fa := newSubmissionAttempt("g1")
	require.NoError(t, store.Record(ctx, fa))

	now := time.Now()
	ok, err := store.Acquire(ctx, fa.ID, 0, now)
	require.NoError(t, err)
	require.True(t, ok)

	// a second supervisor that saw the claimed row cannot take it
	ok, err = store.Acquire(ctx, fa.ID, 1, now.Add(time.Second))
	require.NoError(t, err)
	require.False(t, ok)

	rows, err := store.SelectRetryable(ctx, now.Add(time.Second), time.Hour, 3, 10)
	require.NoError(t, err)
	require.Empty(t, rows)

	// a claim left behind by a crashed worker is taken over after the lease
	later := now.Add(2 * time.Minute)
	rows, err = store.SelectRetryable(ctx, later, time.Hour, 3, 10)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	ok, err = store.Acquire(ctx, fa.ID, 1, later)
	require.NoError(t, err)
	require.True(t, ok)

	got, err := store.FindByID(ctx, fa.ID)
	require.NoError(t, err)
	require.Equal(t, 2, got.RetryCount)
}

func TestReleasedAttemptIsClaimableAgain(t *testing.T) {
	store := repository.NewFailedAttemptStore(repotest.Open(t))
	ctx := context.Background()
	fa := newSubmissionAttempt("g1")
	require.NoError(t, store.Record(ctx, fa))

	ok, err := store.Acquire(ctx, fa.ID, 0, time.Now())
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, store.Release(ctx, fa.ID, "still down", "transient", false, time.Now()))

	ok, err = store.Acquire(ctx, fa.ID, 1, time.Now())
	require.NoError(t, err)
	require.True(t, ok)
}

func TestSubmittedRefSurvivesAbandonment(t *testing.T) {
	store := repository.NewFailedAttemptStore(repotest.Open(t))
	ctx := context.Background()

	_, found, err := store.SubmittedRef(ctx, "g1")
	require.NoError(t, err)
	require.False(t, found)

	fa := newSubmissionAttempt("g1")
	require.NoError(t, store.Record(ctx, fa))
	ok, err := store.Acquire(ctx, fa.ID, 0, time.Now())
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, store.KeepTransactionRef(ctx, fa.ID, "0xabc1"))
	require.NoError(t, store.Release(ctx, fa.ID, "record tx failed", "transient", true, time.Now()))

	got, err := store.FindByID(ctx, fa.ID)
	require.NoError(t, err)
	require.Equal(t, models.FailedStatusAbandoned, got.Status)
	require.Equal(t, "0xabc1", *got.TransactionRef)

	ref, found, err := store.SubmittedRef(ctx, "g1")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "0xabc1", ref)
}
