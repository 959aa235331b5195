package models

import (
	"math"
	"time"
)

type SyncType string

const (
	SyncTypeIncremental SyncType = "incremental"
	SyncTypeHistorical  SyncType = "historical"
)

type SyncStatus string

const (
	SyncStatusPending   SyncStatus = "pending"
	SyncStatusRunning   SyncStatus = "running"
	SyncStatusPaused    SyncStatus = "paused"
	SyncStatusCompleted SyncStatus = "completed"
	SyncStatusFailed    SyncStatus = "failed"
	SyncStatusCancelled SyncStatus = "cancelled"
)

var (
	// ActiveStatuses block the creation of another job for the same user and provider.
	ActiveStatuses = []SyncStatus{SyncStatusPending, SyncStatusRunning, SyncStatusPaused}
	// StartableStatuses may be picked up by the orchestrator. Failed jobs
	// need an explicit resume first.
	StartableStatuses = []SyncStatus{SyncStatusPending, SyncStatusRunning, SyncStatusPaused}
	// ResumableStatuses may be resumed by the user.
	ResumableStatuses = []SyncStatus{SyncStatusPaused, SyncStatusFailed}
	// CancellableStatuses may be cancelled by the user.
	CancellableStatuses = []SyncStatus{SyncStatusPending, SyncStatusRunning, SyncStatusPaused}
)

var transitions = map[SyncStatus][]SyncStatus{
	SyncStatusPending: {SyncStatusRunning, SyncStatusPaused, SyncStatusFailed, SyncStatusCancelled},
	SyncStatusRunning: {SyncStatusCompleted, SyncStatusFailed, SyncStatusPaused, SyncStatusCancelled},
	SyncStatusPaused:  {SyncStatusRunning, SyncStatusCancelled},
	SyncStatusFailed:  {SyncStatusRunning},
}

func (s SyncStatus) Valid() bool {
	switch s {
	case SyncStatusPending, SyncStatusRunning, SyncStatusPaused,
		SyncStatusCompleted, SyncStatusFailed, SyncStatusCancelled:
		return true
	}
	return false
}

// IsTerminal reports whether no further transition is possible.
func (s SyncStatus) IsTerminal() bool {
	return s == SyncStatusCompleted || s == SyncStatusCancelled
}

func (s SyncStatus) IsActive() bool {
	return containsStatus(ActiveStatuses, s)
}

func (s SyncStatus) IsStartable() bool {
	return containsStatus(StartableStatuses, s)
}

func (s SyncStatus) IsResumable() bool {
	return containsStatus(ResumableStatuses, s)
}

// CanTransition reports whether the job state machine allows from -> to.
func CanTransition(from, to SyncStatus) bool {
	return containsStatus(transitions[from], to)
}

func containsStatus(list []SyncStatus, s SyncStatus) bool {
	for _, candidate := range list {
		if candidate == s {
			return true
		}
	}
	return false
}

// StatusStrings converts statuses for pq.Array parameters.
func StatusStrings(statuses []SyncStatus) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}

// FailedChunk records a chunk whose fetch or ingest failed.
type FailedChunk struct {
	Start    string    `json:"start"`
	End      string    `json:"end"`
	Error    string    `json:"error"`
	FailedAt time.Time `json:"failed_at"`
}

func NewFailedChunk(r DateRange, err error, at time.Time) FailedChunk {
	msg := "unknown error"
	if err != nil {
		msg = err.Error()
	}
	return FailedChunk{
		Start:    FormatDate(r.Start),
		End:      FormatDate(r.End),
		Error:    msg,
		FailedAt: at.UTC(),
	}
}

type SyncJob struct {
	ID                 string        `json:"id" db:"id"`
	UserID             string        `json:"user_id" db:"user_id"`
	Provider           string        `json:"provider" db:"provider"`
	SyncType           SyncType      `json:"sync_type" db:"sync_type"`
	StartDate          time.Time     `json:"start_date" db:"start_date"`
	EndDate            time.Time     `json:"end_date" db:"end_date"`
	MetricTypes        []string      `json:"metric_types" db:"metric_types"`
	SkipExisting       bool          `json:"skip_existing" db:"skip_existing"`
	Status             SyncStatus    `json:"status" db:"status"`
	ChunksTotal        int           `json:"chunks_total" db:"chunks_total"`
	ChunksCompleted    int           `json:"chunks_completed" db:"chunks_completed"`
	CurrentChunkStart  *time.Time    `json:"current_chunk_start,omitempty" db:"current_chunk_start"`
	CurrentChunkEnd    *time.Time    `json:"current_chunk_end,omitempty" db:"current_chunk_end"`
	LastSuccessfulDate *time.Time    `json:"last_successful_date,omitempty" db:"last_successful_date"`
	FailedChunks       []FailedChunk `json:"failed_chunks" db:"failed_chunks"`
	ErrorMessage       *string       `json:"error_message,omitempty" db:"error_message"`
	CreatedAt          time.Time     `json:"created_at" db:"created_at"`
	StartedAt          *time.Time    `json:"started_at,omitempty" db:"started_at"`
	UpdatedAt          time.Time     `json:"updated_at" db:"updated_at"`
	CompletedAt        *time.Time    `json:"completed_at,omitempty" db:"completed_at"`
}

func (j SyncJob) Range() DateRange {
	return DateRange{Start: j.StartDate, End: j.EndDate}
}

// CurrentChunk returns the chunk being processed, if any. Terminal jobs have
// none, even if a cancelled run never reported its last chunk.
func (j SyncJob) CurrentChunk() (DateRange, bool) {
	if j.Status.IsTerminal() || j.CurrentChunkStart == nil || j.CurrentChunkEnd == nil {
		return DateRange{}, false
	}
	return DateRange{Start: *j.CurrentChunkStart, End: *j.CurrentChunkEnd}, true
}

func (j SyncJob) PercentComplete() int {
	if j.ChunksTotal <= 0 {
		return 0
	}
	pct := int(math.Round(100 * float64(j.ChunksCompleted) / float64(j.ChunksTotal)))
	if pct > 100 {
		return 100
	}
	return pct
}
