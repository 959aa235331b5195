package temporal

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.temporal.io/api/serviceerror"
	tc "go.temporal.io/sdk/client"

	"github.com/stanstork/garmin-sync/internal/syncjob"
)

type fakeRun struct {
	tc.WorkflowRun
	id string
}

func (r fakeRun) GetID() string    { return r.id }
func (r fakeRun) GetRunID() string { return "run-1" }

type fakeStarter struct {
	opts []tc.StartWorkflowOptions
	args [][]interface{}
	err  error
}

func (f *fakeStarter) ExecuteWorkflow(ctx context.Context, options tc.StartWorkflowOptions, workflow interface{}, args ...interface{}) (tc.WorkflowRun, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.opts = append(f.opts, options)
	f.args = append(f.args, args)
	return fakeRun{id: options.ID}, nil
}

func noopWorkflow() {}

func TestRunnerLaunch(t *testing.T) {
	starter := &fakeStarter{}
	r := NewRunner(starter, "", noopWorkflow, zerolog.Nop())

	require.NoError(t, r.Launch(context.Background(), "job-1"))
	require.Len(t, starter.opts, 1)
	assert.Equal(t, "garmin-sync-job-1", starter.opts[0].ID)
	assert.Equal(t, TaskQueueName, starter.opts[0].TaskQueue)
	assert.True(t, starter.opts[0].WorkflowExecutionErrorWhenAlreadyStarted)
	assert.Equal(t, []interface{}{SyncParams{JobID: "job-1"}}, starter.args[0])
}

func TestRunnerLaunchAlreadyStarted(t *testing.T) {
	starter := &fakeStarter{err: serviceerror.NewWorkflowExecutionAlreadyStarted("already started", "", "run-0")}
	r := NewRunner(starter, "custom", noopWorkflow, zerolog.Nop())

	assert.ErrorIs(t, r.Launch(context.Background(), "job-1"), syncjob.ErrJobBusy)
}

func TestRunnerLaunchError(t *testing.T) {
	starter := &fakeStarter{err: errors.New("connection refused")}
	r := NewRunner(starter, "custom", noopWorkflow, zerolog.Nop())

	err := r.Launch(context.Background(), "job-1")
	require.Error(t, err)
	assert.NotErrorIs(t, err, syncjob.ErrJobBusy)
	assert.Contains(t, err.Error(), "connection refused")
}
