package store

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"distributed-job-scheduler/internal/models"
	"distributed-job-scheduler/internal/recurrence"
	"distributed-job-scheduler/internal/scheduler"
)

// newTestStore connects to TEST_POSTGRES_DSN and empties the tables.
func newTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := os.Getenv("TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("TEST_POSTGRES_DSN not set")
	}
	ctx := context.Background()
	s, err := New(ctx, dsn, zaptest.NewLogger(t).Sugar())
	require.NoError(t, err)
	t.Cleanup(s.Close)
	require.NoError(t, s.RunMigrations(ctx))
	_, err = s.pool.Exec(ctx, `TRUNCATE recurrences, jobs, batches RESTART IDENTITY CASCADE`)
	require.NoError(t, err)
	return s
}

func TestPostgresRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	start := time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)

	job := &models.Job{
		Priority:   2,
		Handler:    []byte(`{"kind":"noop"}`),
		RunAt:      &start,
		Recurrence: recurrence.Every(1).Days().For(2).Weeks().ExcludingWeekends().StartingAt(start),
	}
	require.NoError(t, s.Save(ctx, job))
	require.NotZero(t, job.ID)

	loaded, err := s.Load(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, loaded.Priority)
	assert.Equal(t, job.Handler, loaded.Handler)
	require.NotNil(t, loaded.Recurrence)
	assert.Equal(t, recurrence.Days, loaded.Recurrence.Period.Frequency)
	require.NotNil(t, loaded.Recurrence.End)
	assert.Equal(t, recurrence.Weeks, loaded.Recurrence.End.Frequency)
	assert.True(t, loaded.Recurrence.ExcludeWeekends)
	assert.True(t, start.Equal(loaded.Recurrence.Start))

	loaded.Recurrence = nil
	loaded.SetLastError(errors.New("boom"))
	require.NoError(t, s.Save(ctx, loaded))
	again, err := s.Load(ctx, job.ID)
	require.NoError(t, err)
	assert.Nil(t, again.Recurrence)
	require.NotNil(t, again.LastError)
	assert.Equal(t, "boom", *again.LastError)

	require.NoError(t, s.Delete(ctx, again))
	_, err = s.Load(ctx, job.ID)
	assert.True(t, errors.Is(err, models.ErrJobNotFound))
}

func TestPostgresClaimOrderingAndBatches(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	low := &models.Job{Priority: 5, Handler: []byte("{}")}
	high := &models.Job{Priority: 0, Handler: []byte("{}")}
	require.NoError(t, s.Save(ctx, low))
	require.NoError(t, s.Save(ctx, high))
	_, err := s.CreateBatch(ctx, "bulk", 0, []*models.Job{{Handler: []byte("{}")}})
	require.NoError(t, err)

	jobs, err := s.ClaimNextAvailable(ctx, claimAt(now, 10))
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	assert.Equal(t, high.ID, jobs[0].ID)
	assert.Equal(t, low.ID, jobs[1].ID)
	require.NotNil(t, jobs[0].LockedBy)

	jobs, err = s.ClaimNextAvailable(ctx, claimAt(now, 10))
	require.NoError(t, err)
	assert.Empty(t, jobs)

	all, err := s.ListAll(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestPostgresCompleteRequiresCurrentClaim(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)

	require.NoError(t, s.Save(ctx, &models.Job{Handler: []byte(`{"kind":"noop"}`)}))
	stale, err := s.ClaimNextAvailable(ctx, scheduler.ClaimRequest{Claimant: "a", Limit: 1, Now: now, StaleBefore: now})
	require.NoError(t, err)
	require.Len(t, stale, 1)
	later := now.Add(2 * time.Hour)
	current, err := s.ClaimNextAvailable(ctx, scheduler.ClaimRequest{Claimant: "b", Limit: 1, Now: later, StaleBefore: later.Add(-time.Hour)})
	require.NoError(t, err)
	require.Len(t, current, 1)

	b := "b"
	job := current[0]
	job.Attempts = 1
	job.SucceededAt = &later
	job.ReleaseClaim()
	next := &models.Job{Handler: []byte(`{"kind":"noop"}`), RunAt: &later}
	require.NoError(t, s.Complete(ctx, scheduler.Outcome{Job: job, ClaimedBy: &b, Next: next}))
	assert.NotZero(t, next.ID)

	a := "a"
	late := stale[0]
	late.Attempts = 1
	late.SetLastError(errors.New("boom"))
	late.ReleaseClaim()
	err = s.Complete(ctx, scheduler.Outcome{Job: late, ClaimedBy: &a})
	assert.ErrorIs(t, err, models.ErrLeaseLost)

	stored, err := s.Load(ctx, job.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.SucceededAt)
	assert.Nil(t, stored.LastError)
	assert.Nil(t, stored.LockedBy)

	err = s.Complete(ctx, scheduler.Outcome{Job: &models.Job{ID: 999}})
	assert.ErrorIs(t, err, models.ErrJobNotFound)
}
