package temporal

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"go.temporal.io/api/enums/v1"
	"go.temporal.io/api/serviceerror"
	tc "go.temporal.io/sdk/client"

	"github.com/stanstork/garmin-sync/internal/syncjob"
)

// WorkflowStarter is the part of the Temporal client the runner needs.
type WorkflowStarter interface {
	ExecuteWorkflow(ctx context.Context, options tc.StartWorkflowOptions, workflow interface{}, args ...interface{}) (tc.WorkflowRun, error)
}

// Runner launches sync jobs as Temporal workflows.
type Runner struct {
	client    WorkflowStarter
	taskQueue string
	workflow  interface{}
	logger    zerolog.Logger
}

var _ syncjob.Runner = (*Runner)(nil)

// NewRunner takes the workflow function to start; it lives in the workflows
// package, which imports this one.
func NewRunner(client WorkflowStarter, taskQueue string, workflow interface{}, logger zerolog.Logger) *Runner {
	if taskQueue == "" {
		taskQueue = TaskQueueName
	}
	return &Runner{
		client:    client,
		taskQueue: taskQueue,
		workflow:  workflow,
		logger:    logger.With().Str("component", "temporal_runner").Logger(),
	}
}

// Launch starts the workflow for jobID. An open workflow for the same job is
// reported as syncjob.ErrJobBusy.
func (r *Runner) Launch(ctx context.Context, jobID string) error {
	opts := tc.StartWorkflowOptions{
		ID:                                       WorkflowID(jobID),
		TaskQueue:                                r.taskQueue,
		WorkflowIDReusePolicy:                    enums.WORKFLOW_ID_REUSE_POLICY_ALLOW_DUPLICATE,
		WorkflowExecutionErrorWhenAlreadyStarted: true,
	}
	run, err := r.client.ExecuteWorkflow(ctx, opts, r.workflow, SyncParams{JobID: jobID})
	if err != nil {
		var started *serviceerror.WorkflowExecutionAlreadyStarted
		if errors.As(err, &started) {
			return syncjob.ErrJobBusy
		}
		return fmt.Errorf("start sync workflow: %w", err)
	}
	r.logger.Info().
		Str("job_id", jobID).
		Str("workflow_id", run.GetID()).
		Str("run_id", run.GetRunID()).
		Msg("sync workflow started")
	return nil
}
