package jobqueue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ManuelReschke/Vision/internal/pkg/testutil"
)

// TestNewQueue tests the queue constructor
func TestNewQueue(t *testing.T) {
	tests := []struct {
		name            string
		workers         int
		expectedWorkers int
	}{
		{"Valid worker count", 5, 5},
		{"Zero workers", 0, 3},
		{"Negative workers", -1, 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			queue := NewQueue(nil, tt.workers)

			assert.NotNil(t, queue)
			assert.Equal(t, tt.expectedWorkers, queue.workers)
			assert.Equal(t, tt.expectedWorkers, cap(queue.workerPool))
			assert.False(t, queue.running)
		})
	}
}

func TestConstants(t *testing.T) {
	assert.Equal(t, "job:", JobKeyPrefix)
	assert.Equal(t, "job_queue", JobQueueKey)
	assert.Equal(t, "job_processing", JobProcessingKey)
	assert.Equal(t, "job_delayed", JobDelayedKey)
	assert.Equal(t, "job_stats", JobStatsKey)
	assert.Equal(t, 3, DefaultMaxRetries)
}

func TestQueue_EnqueueAndRunOnce(t *testing.T) {
	_, client := testutil.NewTestRedis(t)
	q := NewQueue(client, 1)
	ctx := context.Background()

	var got ResumeJobPayload
	q.Register(JobTypeWorkflowResume, func(ctx context.Context, job *Job) error {
		return job.DecodePayload(&got)
	})

	job, err := q.EnqueueJob(ctx, JobTypeWorkflowResume, ResumeJobPayload{RunID: "polar:evt_1", ClaimToken: "tok"}.ToMap())
	require.NoError(t, err)
	size, _ := q.GetQueueSize(ctx)
	assert.Equal(t, int64(1), size)

	ran, err := q.RunOnce(ctx)
	require.NoError(t, err)
	assert.True(t, ran)
	assert.Equal(t, "polar:evt_1", got.RunID)
	assert.Equal(t, "tok", got.ClaimToken)

	// Completed jobs are removed entirely.
	_, err = q.GetJob(ctx, job.ID)
	assert.Error(t, err)
	processing, _ := q.GetProcessingSize(ctx)
	assert.Equal(t, int64(0), processing)

	stats, err := q.GetJobStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats[JobStatusCompleted])

	ran, err = q.RunOnce(ctx)
	require.NoError(t, err)
	assert.False(t, ran)
}

func TestQueue_FailedJobIsDelayedThenPromoted(t *testing.T) {
	_, client := testutil.NewTestRedis(t)
	q := NewQueue(client, 1)
	ctx := context.Background()

	calls := 0
	q.Register(JobTypeBillingWebhook, func(ctx context.Context, job *Job) error {
		calls++
		if calls == 1 {
			return errors.New("db unavailable")
		}
		return nil
	})

	job, err := q.EnqueueJob(ctx, JobTypeBillingWebhook, map[string]interface{}{"id": "evt"})
	require.NoError(t, err)

	_, err = q.RunOnce(ctx)
	require.NoError(t, err)
	delayed, _ := q.GetDelayedSize(ctx)
	assert.Equal(t, int64(1), delayed)

	stored, err := q.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, JobStatusRetrying, stored.Status)
	assert.Equal(t, 1, stored.RetryCount)

	// Not due yet.
	n, err := q.PromoteDelayed(ctx, time.Now())
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	n, err = q.PromoteDelayed(ctx, time.Now().Add(2*RetryBackoff))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	ran, err := q.RunOnce(ctx)
	require.NoError(t, err)
	assert.True(t, ran)
	assert.Equal(t, 2, calls)
}

func TestQueue_FailureHandlerAfterRetriesExhausted(t *testing.T) {
	_, client := testutil.NewTestRedis(t)
	q := NewQueue(client, 1)
	ctx := context.Background()

	q.Register(JobTypeBillingWebhook, func(ctx context.Context, job *Job) error {
		return errors.New("always broken")
	})
	var failed *Job
	q.RegisterFailureHandler(JobTypeBillingWebhook, func(ctx context.Context, job *Job, err error) {
		failed = job
	})

	_, err := q.EnqueueJob(ctx, JobTypeBillingWebhook, nil)
	require.NoError(t, err)

	for i := 0; i < DefaultMaxRetries; i++ {
		ran, err := q.RunOnce(ctx)
		require.NoError(t, err)
		require.True(t, ran)
		_, err = q.PromoteDelayed(ctx, time.Now().Add(time.Duration(DefaultMaxRetries+1)*RetryBackoff))
		require.NoError(t, err)
	}

	require.NotNil(t, failed)
	assert.Equal(t, JobStatusFailed, failed.Status)
	assert.Equal(t, DefaultMaxRetries, failed.RetryCount)
	stats, _ := q.GetJobStats(ctx)
	assert.Equal(t, int64(1), stats[JobStatusFailed])
}

func TestQueue_UnknownTypeFailsWithoutRetry(t *testing.T) {
	_, client := testutil.NewTestRedis(t)
	q := NewQueue(client, 1)
	ctx := context.Background()

	_, err := q.EnqueueJob(ctx, JobType("nope"), nil)
	require.NoError(t, err)
	_, err = q.RunOnce(ctx)
	require.NoError(t, err)

	delayed, _ := q.GetDelayedSize(ctx)
	assert.Equal(t, int64(0), delayed)
}

func TestQueue_HandlerPanicIsRecovered(t *testing.T) {
	_, client := testutil.NewTestRedis(t)
	q := NewQueue(client, 1)
	ctx := context.Background()

	q.Register(JobTypeBillingWebhook, func(ctx context.Context, job *Job) error {
		panic("boom")
	})
	job, err := q.EnqueueJob(ctx, JobTypeBillingWebhook, nil)
	require.NoError(t, err)

	assert.NotPanics(t, func() { _, _ = q.RunOnce(ctx) })
	stored, err := q.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Contains(t, stored.ErrorMsg, "panic")
}

func TestQueue_SweepStuckRequeuesOldProcessingJobs(t *testing.T) {
	_, client := testutil.NewTestRedis(t)
	q := NewQueue(client, 1)
	ctx := context.Background()

	_, err := q.EnqueueJob(ctx, JobTypeWorkflowResume, nil)
	require.NoError(t, err)

	// Simulate a worker that crashed after dequeuing.
	job, err := q.dequeueJob(ctx, 0)
	require.NoError(t, err)
	job.MarkAsProcessing()
	q.updateJob(ctx, job)

	n, err := q.sweepStuckOnce(ctx, 10*time.Minute, time.Now())
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	n, err = q.sweepStuckOnce(ctx, 10*time.Minute, time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	pending, _ := q.GetQueueSize(ctx)
	processing, _ := q.GetProcessingSize(ctx)
	assert.Equal(t, int64(1), pending)
	assert.Equal(t, int64(0), processing)
}

func TestQueue_WorkersProcessJobs(t *testing.T) {
	_, client := testutil.NewTestRedis(t)
	q := NewQueue(client, 2)
	ctx := context.Background()

	done := make(chan string, 1)
	q.Register(JobTypeWorkflowResume, func(ctx context.Context, job *Job) error {
		done <- job.ID
		return nil
	})
	q.Start()
	defer q.Stop()

	job, err := q.EnqueueJob(ctx, JobTypeWorkflowResume, nil)
	require.NoError(t, err)

	select {
	case id := <-done:
		assert.Equal(t, job.ID, id)
	case <-time.After(5 * time.Second):
		t.Fatal("job was not processed")
	}
}
