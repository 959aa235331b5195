package temporal

import "time"

// TaskQueueName is the default task queue for Garmin sync workflows.
const TaskQueueName = "GARMIN_SYNC"

// SyncWorkflowIDPrefix is prepended to the job id to form the workflow id,
// so a job can have at most one open workflow.
const SyncWorkflowIDPrefix = "garmin-sync-"

// SyncActivityTimeout bounds a whole run; a long historical range is many
// chunks with a delay between each.
const SyncActivityTimeout = 24 * time.Hour

// SyncHeartbeatTimeout is how long the server waits for a heartbeat before
// treating the worker as lost.
const SyncHeartbeatTimeout = time.Minute

// SyncParams is the workflow input.
type SyncParams struct {
	JobID string
}

func WorkflowID(jobID string) string {
	return SyncWorkflowIDPrefix + jobID
}
