package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/stanstork/garmin-sync/internal/models"
)

const activeJobIndex = "sync_jobs_one_active_idx"

// SyncJobRepository persists sync job records. Progress writes report false
// when the job is no longer running, which callers treat as a stop signal.
// The one exception is the chunk in flight when a cancel lands: its
// completion or failure is still recorded.
type SyncJobRepository interface {
	Create(ctx context.Context, job models.SyncJob) (models.SyncJob, error)
	GetByID(ctx context.Context, jobID string) (models.SyncJob, error)
	GetForUser(ctx context.Context, userID, jobID string) (models.SyncJob, error)
	FindActive(ctx context.Context, userID, provider string) (models.SyncJob, error)
	GetLatest(ctx context.Context, userID, provider string) (models.SyncJob, error)
	ListForUser(ctx context.Context, userID string, limit int) ([]models.SyncJob, error)
	TransitionStatus(ctx context.Context, jobID string, from []models.SyncStatus, to models.SyncStatus, errorMessage *string) (bool, error)
	UpdateCurrentChunk(ctx context.Context, jobID string, chunk models.DateRange) (bool, error)
	RecordChunkCompleted(ctx context.Context, jobID string, chunksCompleted int, lastSuccessfulDate time.Time) (bool, error)
	AppendFailedChunk(ctx context.Context, jobID string, failed models.FailedChunk) (bool, error)
	MarkStale(ctx context.Context, updatedBefore time.Time, exclude []string) ([]string, error)
}

type syncJobRepository struct {
	db *sql.DB
}

func NewSyncJobRepository(db *sql.DB) SyncJobRepository {
	return &syncJobRepository{db: db}
}

const syncJobColumns = `
	id, user_id, provider, sync_type, start_date, end_date, metric_types, skip_existing,
	status, chunks_total, chunks_completed, current_chunk_start, current_chunk_end,
	last_successful_date, failed_chunks, error_message, created_at, started_at, updated_at, completed_at`

func (r *syncJobRepository) Create(ctx context.Context, job models.SyncJob) (models.SyncJob, error) {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if job.Status == "" {
		job.Status = models.SyncStatusPending
	}
	metricTypes := job.MetricTypes
	if metricTypes == nil {
		metricTypes = []string{}
	}

	query := `
		INSERT INTO sync_jobs (id, user_id, provider, sync_type, start_date, end_date,
			metric_types, skip_existing, status, chunks_total)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING ` + syncJobColumns

	row := r.db.QueryRowContext(ctx, query,
		job.ID, job.UserID, job.Provider, job.SyncType,
		models.FormatDate(job.StartDate), models.FormatDate(job.EndDate),
		pq.Array(metricTypes), job.SkipExisting, job.Status, job.ChunksTotal,
	)
	created, err := scanSyncJob(row)
	if err != nil {
		if isUniqueViolation(err, activeJobIndex) {
			return models.SyncJob{}, ErrActiveJobExists
		}
		return models.SyncJob{}, fmt.Errorf("insert sync job: %w", err)
	}
	return created, nil
}

func (r *syncJobRepository) GetByID(ctx context.Context, jobID string) (models.SyncJob, error) {
	query := `SELECT ` + syncJobColumns + ` FROM sync_jobs WHERE id = $1`
	return r.getOne(ctx, query, jobID)
}

func (r *syncJobRepository) GetForUser(ctx context.Context, userID, jobID string) (models.SyncJob, error) {
	query := `SELECT ` + syncJobColumns + ` FROM sync_jobs WHERE id = $1 AND user_id = $2`
	return r.getOne(ctx, query, jobID, userID)
}

func (r *syncJobRepository) FindActive(ctx context.Context, userID, provider string) (models.SyncJob, error) {
	query := `SELECT ` + syncJobColumns + `
		FROM sync_jobs
		WHERE user_id = $1 AND provider = $2 AND status = ANY($3)
		ORDER BY created_at DESC
		LIMIT 1`
	return r.getOne(ctx, query, userID, provider, pq.Array(models.StatusStrings(models.ActiveStatuses)))
}

func (r *syncJobRepository) GetLatest(ctx context.Context, userID, provider string) (models.SyncJob, error) {
	query := `SELECT ` + syncJobColumns + `
		FROM sync_jobs
		WHERE user_id = $1 AND provider = $2
		ORDER BY created_at DESC
		LIMIT 1`
	return r.getOne(ctx, query, userID, provider)
}

func (r *syncJobRepository) ListForUser(ctx context.Context, userID string, limit int) ([]models.SyncJob, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	query := `SELECT ` + syncJobColumns + `
		FROM sync_jobs
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2`

	rows, err := r.db.QueryContext(ctx, query, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("list sync jobs: %w", err)
	}
	defer rows.Close()

	var jobs []models.SyncJob
	for rows.Next() {
		job, err := scanSyncJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

func (r *syncJobRepository) TransitionStatus(ctx context.Context, jobID string, from []models.SyncStatus, to models.SyncStatus, errorMessage *string) (bool, error) {
	var msg interface{}
	if errorMessage != nil {
		msg = *errorMessage
	}

	var query string
	switch to {
	case models.SyncStatusRunning:
		query = `
			UPDATE sync_jobs
			SET status = $1, error_message = NULL, completed_at = NULL,
				started_at = COALESCE(started_at, NOW()), updated_at = NOW()
			WHERE id = $2 AND status = ANY($3)`
	case models.SyncStatusFailed:
		query = `
			UPDATE sync_jobs
			SET status = $1, error_message = $4, completed_at = NOW(), updated_at = NOW()
			WHERE id = $2 AND status = ANY($3)`
	case models.SyncStatusCompleted:
		query = `
			UPDATE sync_jobs
			SET status = $1, completed_at = NOW(), current_chunk_start = NULL,
				current_chunk_end = NULL, updated_at = NOW()
			WHERE id = $2 AND status = ANY($3)`
	case models.SyncStatusCancelled:
		// current_chunk_* stays until the in-flight chunk reports back.
		query = `
			UPDATE sync_jobs
			SET status = $1, completed_at = NOW(), updated_at = NOW()
			WHERE id = $2 AND status = ANY($3)`
	case models.SyncStatusPaused, models.SyncStatusPending:
		query = `
			UPDATE sync_jobs
			SET status = $1, updated_at = NOW()
			WHERE id = $2 AND status = ANY($3)`
	default:
		return false, fmt.Errorf("unknown sync status %q", to)
	}

	args := []interface{}{to, jobID, pq.Array(models.StatusStrings(from))}
	if to == models.SyncStatusFailed {
		args = append(args, msg)
	}
	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		if isUniqueViolation(err, activeJobIndex) {
			return false, ErrActiveJobExists
		}
		return false, fmt.Errorf("transition sync job %s to %s: %w", jobID, to, err)
	}
	return affected(res)
}

func (r *syncJobRepository) UpdateCurrentChunk(ctx context.Context, jobID string, chunk models.DateRange) (bool, error) {
	query := `
		UPDATE sync_jobs
		SET current_chunk_start = $2, current_chunk_end = $3, updated_at = NOW()
		WHERE id = $1 AND status = 'running'`
	res, err := r.db.ExecContext(ctx, query, jobID, models.FormatDate(chunk.Start), models.FormatDate(chunk.End))
	if err != nil {
		return false, fmt.Errorf("update current chunk: %w", err)
	}
	return affected(res)
}

func (r *syncJobRepository) RecordChunkCompleted(ctx context.Context, jobID string, chunksCompleted int, lastSuccessfulDate time.Time) (bool, error) {
	query := `
		UPDATE sync_jobs
		SET chunks_completed = $2,
			last_successful_date = GREATEST(COALESCE(last_successful_date, $3::date), $3::date),
			current_chunk_start = CASE WHEN status = 'cancelled' THEN NULL ELSE current_chunk_start END,
			current_chunk_end = CASE WHEN status = 'cancelled' THEN NULL ELSE current_chunk_end END,
			updated_at = NOW()
		WHERE id = $1 AND ` + inFlightChunk("$3")
	res, err := r.db.ExecContext(ctx, query, jobID, chunksCompleted, models.FormatDate(lastSuccessfulDate))
	if err != nil {
		return false, fmt.Errorf("record chunk completed: %w", err)
	}
	return affected(res)
}

func (r *syncJobRepository) AppendFailedChunk(ctx context.Context, jobID string, failed models.FailedChunk) (bool, error) {
	payload, err := json.Marshal([]models.FailedChunk{failed})
	if err != nil {
		return false, fmt.Errorf("marshal failed chunk: %w", err)
	}
	query := `
		UPDATE sync_jobs
		SET failed_chunks = COALESCE(failed_chunks, '[]'::jsonb) || $2::jsonb, updated_at = NOW()
		WHERE id = $1 AND ` + inFlightChunk("$3")
	res, err := r.db.ExecContext(ctx, query, jobID, string(payload), failed.End)
	if err != nil {
		return false, fmt.Errorf("append failed chunk: %w", err)
	}
	return affected(res)
}

// inFlightChunk matches a running job, or a job cancelled while the chunk
// ending at param was being fetched. That chunk still runs to completion, so
// its outcome is recorded once.
func inFlightChunk(param string) string {
	return `(status = 'running' OR (status = 'cancelled' AND current_chunk_end = ` + param + `::date))`
}

func (r *syncJobRepository) MarkStale(ctx context.Context, updatedBefore time.Time, exclude []string) ([]string, error) {
	if exclude == nil {
		exclude = []string{}
	}
	query := `
		UPDATE sync_jobs
		SET status = 'paused', updated_at = NOW()
		WHERE status IN ('pending', 'running')
			AND updated_at < $1
			AND NOT (id::text = ANY($2))
		RETURNING id`

	rows, err := r.db.QueryContext(ctx, query, updatedBefore, pq.Array(exclude))
	if err != nil {
		return nil, fmt.Errorf("mark stale sync jobs: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (r *syncJobRepository) getOne(ctx context.Context, query string, args ...interface{}) (models.SyncJob, error) {
	job, err := scanSyncJob(r.db.QueryRowContext(ctx, query, args...))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.SyncJob{}, ErrJobNotFound
		}
		return models.SyncJob{}, err
	}
	return job, nil
}

func affected(res sql.Result) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func scanSyncJob(scanner interface {
	Scan(dest ...interface{}) error
}) (models.SyncJob, error) {
	var (
		job             models.SyncJob
		syncType        string
		status          string
		metricTypes     pq.StringArray
		currentStart    sql.NullTime
		currentEnd      sql.NullTime
		lastSuccessful  sql.NullTime
		failedChunksRaw []byte
		errorMessage    sql.NullString
		startedAt       sql.NullTime
		completedAt     sql.NullTime
	)

	if err := scanner.Scan(
		&job.ID,
		&job.UserID,
		&job.Provider,
		&syncType,
		&job.StartDate,
		&job.EndDate,
		&metricTypes,
		&job.SkipExisting,
		&status,
		&job.ChunksTotal,
		&job.ChunksCompleted,
		&currentStart,
		&currentEnd,
		&lastSuccessful,
		&failedChunksRaw,
		&errorMessage,
		&job.CreatedAt,
		&startedAt,
		&job.UpdatedAt,
		&completedAt,
	); err != nil {
		return models.SyncJob{}, err
	}

	job.SyncType = models.SyncType(syncType)
	job.Status = models.SyncStatus(status)
	job.StartDate = models.Day(job.StartDate)
	job.EndDate = models.Day(job.EndDate)
	job.MetricTypes = []string(metricTypes)
	job.CurrentChunkStart = nullDate(currentStart)
	job.CurrentChunkEnd = nullDate(currentEnd)
	job.LastSuccessfulDate = nullDate(lastSuccessful)
	if errorMessage.Valid {
		msg := errorMessage.String
		job.ErrorMessage = &msg
	}
	if startedAt.Valid {
		t := startedAt.Time
		job.StartedAt = &t
	}
	if completedAt.Valid {
		t := completedAt.Time
		job.CompletedAt = &t
	}
	if len(failedChunksRaw) > 0 {
		if err := json.Unmarshal(failedChunksRaw, &job.FailedChunks); err != nil {
			return models.SyncJob{}, fmt.Errorf("decode failed chunks: %w", err)
		}
	}
	return job, nil
}

func nullDate(v sql.NullTime) *time.Time {
	if !v.Valid {
		return nil
	}
	d := models.Day(v.Time)
	return &d
}
