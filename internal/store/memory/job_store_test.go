package memory

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/wolfeidau/wadispatch/internal/store"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestJobStore(t *testing.T) (*JobStore, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: time.Date(2025, 1, 1, 8, 0, 0, 0, time.UTC)}
	st := NewJobStore()
	st.now = clock.Now
	require.NoError(t, st.Start())
	t.Cleanup(func() { _ = st.Stop() })
	return st, clock
}

func TestJobStoreDelay(t *testing.T) {
	ctx := context.Background()
	st, clock := newTestJobStore(t)

	job, err := st.EnqueueJob(ctx, "default", []byte(`{"messageId":1}`), clock.Now().Add(time.Hour))
	require.NoError(t, err)
	require.NotEmpty(t, job.JobID)

	jobs, err := st.DequeueJobs(ctx, "default", 10, time.Minute)
	require.NoError(t, err)
	require.Empty(t, jobs, "job must stay hidden until run at")

	clock.Advance(time.Hour)

	jobs, err = st.DequeueJobs(ctx, "default", 10, time.Minute)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	require.Equal(t, job.JobID, jobs[0].Job.JobID)
	require.JSONEq(t, `{"messageId":1}`, string(jobs[0].Job.Payload))
	require.Equal(t, 1, jobs[0].Job.Attempts)
}

func TestJobStoreOrdering(t *testing.T) {
	ctx := context.Background()
	st, clock := newTestJobStore(t)
	now := clock.Now()

	late, err := st.EnqueueJob(ctx, "default", []byte("late"), now.Add(-time.Minute))
	require.NoError(t, err)
	early, err := st.EnqueueJob(ctx, "default", []byte("early"), now.Add(-time.Hour))
	require.NoError(t, err)
	_, err = st.EnqueueJob(ctx, "other", []byte("other"), now.Add(-time.Hour))
	require.NoError(t, err)

	jobs, err := st.DequeueJobs(ctx, "default", 1, time.Minute)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	require.Equal(t, early.JobID, jobs[0].Job.JobID)

	jobs, err = st.DequeueJobs(ctx, "default", 10, time.Minute)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	require.Equal(t, late.JobID, jobs[0].Job.JobID)
}

func TestJobStoreVisibility(t *testing.T) {
	ctx := context.Background()

	t.Run("dequeued job is hidden until visibility expires", func(t *testing.T) {
		st, clock := newTestJobStore(t)
		_, err := st.EnqueueJob(ctx, "default", nil, clock.Now())
		require.NoError(t, err)

		jobs, err := st.DequeueJobs(ctx, "default", 1, time.Minute)
		require.NoError(t, err)
		require.Len(t, jobs, 1)
		stale := jobs[0].TaskToken

		again, err := st.DequeueJobs(ctx, "default", 1, time.Minute)
		require.NoError(t, err)
		require.Nil(t, again)

		clock.Advance(time.Minute)

		again, err = st.DequeueJobs(ctx, "default", 1, time.Minute)
		require.NoError(t, err)
		require.Len(t, again, 1)
		require.Equal(t, 2, again[0].Job.Attempts)

		// the first consumer lost its claim
		require.ErrorIs(t, st.CompleteJob(ctx, stale), store.ErrInvalidTaskToken)
		require.NoError(t, st.CompleteJob(ctx, again[0].TaskToken))
	})

	t.Run("extending visibility keeps the job hidden", func(t *testing.T) {
		st, clock := newTestJobStore(t)
		_, err := st.EnqueueJob(ctx, "default", nil, clock.Now())
		require.NoError(t, err)

		jobs, err := st.DequeueJobs(ctx, "default", 1, time.Minute)
		require.NoError(t, err)
		token := jobs[0].TaskToken

		clock.Advance(50 * time.Second)
		require.NoError(t, st.UpdateJobVisibility(ctx, "default", token, time.Minute))
		require.ErrorIs(t, st.UpdateJobVisibility(ctx, "other", token, time.Minute), store.ErrQueueMismatch)

		clock.Advance(50 * time.Second)
		again, err := st.DequeueJobs(ctx, "default", 1, time.Minute)
		require.NoError(t, err)
		require.Nil(t, again)

		require.NoError(t, st.CompleteJob(ctx, token))
	})

	t.Run("expired tokens are swept", func(t *testing.T) {
		st, clock := newTestJobStore(t)
		_, err := st.EnqueueJob(ctx, "default", nil, clock.Now())
		require.NoError(t, err)

		jobs, err := st.DequeueJobs(ctx, "default", 1, time.Minute)
		require.NoError(t, err)

		clock.Advance(2 * time.Minute)
		st.expireTokens()

		st.mu.RLock()
		_, ok := st.taskTokens[jobs[0].TaskToken]
		st.mu.RUnlock()
		require.False(t, ok)
	})
}

func TestJobStoreCompleteAndRelease(t *testing.T) {
	ctx := context.Background()

	t.Run("complete removes the job", func(t *testing.T) {
		st, clock := newTestJobStore(t)
		_, err := st.EnqueueJob(ctx, "default", nil, clock.Now())
		require.NoError(t, err)

		jobs, err := st.DequeueJobs(ctx, "default", 1, time.Minute)
		require.NoError(t, err)

		require.NoError(t, st.CompleteJob(ctx, jobs[0].TaskToken))
		require.Zero(t, st.Len())
		require.ErrorIs(t, st.CompleteJob(ctx, jobs[0].TaskToken), store.ErrInvalidTaskToken)

		clock.Advance(time.Hour)
		again, err := st.DequeueJobs(ctx, "default", 1, time.Minute)
		require.NoError(t, err)
		require.Nil(t, again)
	})

	t.Run("release makes the job visible again", func(t *testing.T) {
		st, clock := newTestJobStore(t)
		job, err := st.EnqueueJob(ctx, "default", nil, clock.Now())
		require.NoError(t, err)

		jobs, err := st.DequeueJobs(ctx, "default", 1, time.Hour)
		require.NoError(t, err)
		require.NoError(t, st.ReleaseJob(ctx, jobs[0].TaskToken))

		again, err := st.DequeueJobs(ctx, "default", 1, time.Hour)
		require.NoError(t, err)
		require.Len(t, again, 1)
		require.Equal(t, job.JobID, again[0].Job.JobID)
	})

	t.Run("unknown token", func(t *testing.T) {
		st, _ := newTestJobStore(t)
		require.ErrorIs(t, st.ReleaseJob(ctx, "nope"), store.ErrInvalidTaskToken)
		require.ErrorIs(t, st.CompleteJob(ctx, "nope"), store.ErrInvalidTaskToken)
	})
}
