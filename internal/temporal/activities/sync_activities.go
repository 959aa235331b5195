package activities

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"go.temporal.io/sdk/activity"
	sdktemporal "go.temporal.io/sdk/temporal"

	"github.com/stanstork/garmin-sync/internal/syncjob"
	"github.com/stanstork/garmin-sync/internal/temporal"
)

// JobProcessor is implemented by *syncjob.Orchestrator.
type JobProcessor interface {
	RunSupervised(ctx context.Context, jobID string) error
}

type Activities struct {
	Processor         JobProcessor
	HeartbeatInterval time.Duration
}

const defaultHeartbeatInterval = 10 * time.Second

// SyncJobActivity processes one job. It heartbeats while the orchestrator
// runs so a cancelled workflow or a lost worker cancels ctx, which pauses
// the job at the next step.
func (a *Activities) SyncJobActivity(ctx context.Context, params temporal.SyncParams) error {
	logger := activity.GetLogger(ctx)
	logger.Info("Starting sync job", "jobID", params.JobID)

	interval := a.HeartbeatInterval
	if interval <= 0 {
		interval = defaultHeartbeatInterval
	}
	done := make(chan struct{})
	defer close(done)
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				activity.RecordHeartbeat(ctx, params.JobID)
			}
		}
	}()

	err := a.Processor.RunSupervised(ctx, params.JobID)
	switch {
	case err == nil:
		logger.Info("Sync job finished", "jobID", params.JobID)
		return nil
	case errors.Is(err, syncjob.ErrJobBusy):
		logger.Warn("Sync job is already being processed by this worker", "jobID", params.JobID)
		return sdktemporal.NewNonRetryableApplicationError("job is busy", "JobBusy", err)
	default:
		logger.Error("Sync job failed", "jobID", params.JobID, "error", err)
		return errors.Wrapf(err, "sync job %s", params.JobID)
	}
}
