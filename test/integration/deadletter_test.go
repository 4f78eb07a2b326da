package integration

import (
	"context"
	"errors"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/statelinehq/stateline/model"
)

func TestDeadLetter_exhaustedJobParkedAndRequeuedOverHTTP(t *testing.T) {
	h := NewTestHarness(t)
	ctx := context.Background()

	var failing atomic.Bool
	failing.Store(true)
	var succeeded atomic.Int32
	h.Scheduler.Handle("test.flaky", func(_ context.Context, _ []byte) error {
		if failing.Load() {
			return errors.New("downstream unavailable")
		}
		succeeded.Add(1)
		return nil
	})

	job := model.Job{
		ID:        uuid.New().String(),
		Name:      "test.flaky",
		Payload:   []byte(`{"ref":"ord-300"}`),
		RunAt:     time.Now().UTC(),
		CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, h.Scheduler.Enqueue(ctx, job))

	// Three attempts fail, then the job parks.
	parked := h.WaitFor(5*time.Second, func() bool {
		stats, err := h.Queue.Stats(ctx)
		return err == nil && stats.DeadLetters == 1
	})
	require.True(t, parked, "job never reached the dead letter queue")

	var list struct {
		DeadLetters []model.DeadLetter `json:"deadLetters"`
	}
	resp := h.GET("/queue/dead-letters")
	h.AssertJSON(t, resp, http.StatusOK, &list)
	require.Len(t, list.DeadLetters, 1)

	dl := list.DeadLetters[0]
	require.Equal(t, "test.flaky", dl.JobName)
	require.Equal(t, 3, dl.Attempts)
	require.NotEmpty(t, dl.Reason)

	// Fix the downstream and requeue.
	failing.Store(false)
	resp = h.POST("/queue/dead-letters/"+dl.ID+"/requeue", nil)
	h.AssertStatus(t, resp, http.StatusOK)

	ran := h.WaitFor(5*time.Second, func() bool {
		return succeeded.Load() == 1
	})
	require.True(t, ran, "requeued job never ran")

	stats, err := h.Queue.Stats(ctx)
	require.NoError(t, err)
	require.Zero(t, stats.DeadLetters, "dead letter should leave the queue on requeue")
}

func TestDeadLetter_requeueRunsWithFreshAttemptBudget(t *testing.T) {
	h := NewTestHarness(t)
	ctx := context.Background()

	var calls atomic.Int32
	h.Scheduler.Handle("test.counting", func(_ context.Context, _ []byte) error {
		calls.Add(1)
		return errors.New("still broken")
	})

	job := model.Job{
		ID:        uuid.New().String(),
		Name:      "test.counting",
		RunAt:     time.Now().UTC(),
		CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, h.Scheduler.Enqueue(ctx, job))

	parked := h.WaitFor(5*time.Second, func() bool {
		stats, err := h.Queue.Stats(ctx)
		return err == nil && stats.DeadLetters == 1
	})
	require.True(t, parked)
	require.EqualValues(t, 3, calls.Load())

	letters, err := h.Scheduler.DeadLetters(ctx, 10)
	require.NoError(t, err)
	require.Len(t, letters, 1)

	// The requeued job gets a full budget, not the exhausted one.
	require.NoError(t, h.Scheduler.RequeueDeadLetter(ctx, letters[0].ID))
	reparked := h.WaitFor(5*time.Second, func() bool {
		stats, err := h.Queue.Stats(ctx)
		return err == nil && stats.DeadLetters == 1
	})
	require.True(t, reparked, "requeued job should park again after a fresh budget")
	require.EqualValues(t, 6, calls.Load())
}
