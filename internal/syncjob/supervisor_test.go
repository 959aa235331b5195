package syncjob

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stanstork/garmin-sync/internal/models"
)

func waitHandle(t *testing.T, h *Handle) {
	t.Helper()
	select {
	case <-h.Done():
	case <-time.After(5 * time.Second):
		t.Fatalf("job %s did not finish", h.JobID)
	}
}

func TestSupervisorRunsJobToCompletion(t *testing.T) {
	h := newHarness(t, 0)
	job := h.historicalJob(t, false)
	started := make(chan struct{})
	release := make(chan struct{})
	h.client.fetchFunc = func(ctx context.Context, c models.DateRange) (*models.ChunkPayload, error) {
		select {
		case started <- struct{}{}:
		default:
		}
		<-release
		return &models.ChunkPayload{Range: c}, nil
	}

	sup := NewSupervisor(context.Background(), h.orch, h.orch.logger)
	require.NoError(t, sup.Launch(context.Background(), job.ID))
	<-started

	handle, ok := sup.Handle(job.ID)
	require.True(t, ok)
	assert.ErrorIs(t, sup.Launch(context.Background(), job.ID), ErrJobBusy)

	close(release)
	waitHandle(t, handle)
	assert.NoError(t, handle.Err())
	assert.Equal(t, models.SyncStatusCompleted, h.jobs.get(t, job.ID).Status)

	_, ok = sup.Handle(job.ID)
	assert.False(t, ok)
	require.NoError(t, sup.Shutdown(context.Background()))
}

func TestSupervisorShutdownPausesRunningJob(t *testing.T) {
	h := newHarness(t, 0)
	job := h.historicalJob(t, false)
	started := make(chan struct{}, 1)
	h.client.fetchFunc = func(ctx context.Context, c models.DateRange) (*models.ChunkPayload, error) {
		started <- struct{}{}
		<-ctx.Done()
		return nil, ctx.Err()
	}

	sup := NewSupervisor(context.Background(), h.orch, h.orch.logger)
	require.NoError(t, sup.Launch(context.Background(), job.ID))
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, sup.Shutdown(ctx))

	got := h.jobs.get(t, job.ID)
	assert.Equal(t, models.SyncStatusPaused, got.Status)
	assert.Equal(t, 0, got.ChunksCompleted)
	assert.Empty(t, got.FailedChunks)
	assert.Empty(t, h.notifier.statuses)

	assert.Error(t, sup.Launch(context.Background(), job.ID))
}

func TestSupervisorPanicFailsJob(t *testing.T) {
	h := newHarness(t, 0)
	job := h.historicalJob(t, false)
	h.client.fetchFunc = func(ctx context.Context, c models.DateRange) (*models.ChunkPayload, error) {
		panic("decoder blew up")
	}

	sup := NewSupervisor(context.Background(), h.orch, h.orch.logger)
	require.NoError(t, sup.Launch(context.Background(), job.ID))
	handle, ok := sup.Handle(job.ID)
	if ok {
		waitHandle(t, handle)
		assert.Error(t, handle.Err())
	}
	require.NoError(t, sup.Shutdown(context.Background()))

	got := h.jobs.get(t, job.ID)
	assert.Equal(t, models.SyncStatusFailed, got.Status)
	require.NotNil(t, got.ErrorMessage)
	assert.Contains(t, *got.ErrorMessage, "decoder blew up")
	assert.False(t, h.guard.Held(job.ID))
}
