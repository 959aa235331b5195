package workflows

import (
	sdktemporal "go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"

	"github.com/stanstork/garmin-sync/internal/temporal"
	"github.com/stanstork/garmin-sync/internal/temporal/activities"
)

// SyncWorkflow runs a sync job as a single activity. The job record carries
// all progress, so the activity is never retried by Temporal; a failed run
// is resumed through the API instead.
func SyncWorkflow(ctx workflow.Context, params temporal.SyncParams) error {
	ao := workflow.ActivityOptions{
		StartToCloseTimeout: temporal.SyncActivityTimeout,
		HeartbeatTimeout:    temporal.SyncHeartbeatTimeout,
		RetryPolicy:         &sdktemporal.RetryPolicy{MaximumAttempts: 1},
	}
	ctx = workflow.WithActivityOptions(ctx, ao)

	logger := workflow.GetLogger(ctx)
	logger.Info("Starting sync workflow", "JobID", params.JobID)

	var a *activities.Activities
	if err := workflow.ExecuteActivity(ctx, a.SyncJobActivity, params).Get(ctx, nil); err != nil {
		logger.Error("Sync activity failed.", "JobID", params.JobID, "error", err)
		return err
	}

	logger.Info("Sync workflow completed.", "JobID", params.JobID)
	return nil
}
