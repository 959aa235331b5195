package syncjob

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/stanstork/garmin-sync/internal/ingest"
	"github.com/stanstork/garmin-sync/internal/models"
	"github.com/stanstork/garmin-sync/internal/repository"
)

// memJobs mirrors the SQL repository: compare-and-set transitions, progress
// writes guarded on running (or on the chunk in flight at cancel), and one
// active job per user and provider.
type memJobs struct {
	mu   sync.Mutex
	jobs map[string]*models.SyncJob
	seq  int

	recordErr   error
	afterRecord func(jobID string, completed int)
}

func newMemJobs() *memJobs {
	return &memJobs{jobs: map[string]*models.SyncJob{}}
}

func clone(j *models.SyncJob) models.SyncJob {
	c := *j
	c.MetricTypes = append([]string(nil), j.MetricTypes...)
	c.FailedChunks = append([]models.FailedChunk(nil), j.FailedChunks...)
	return c
}

func (m *memJobs) put(job models.SyncJob) models.SyncJob {
	m.mu.Lock()
	defer m.mu.Unlock()
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	m.seq++
	job.CreatedAt = time.Unix(int64(m.seq), 0).UTC()
	job.UpdatedAt = job.CreatedAt
	m.jobs[job.ID] = &job
	return clone(&job)
}

func (m *memJobs) get(t *testing.T, id string) models.SyncJob {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	require.True(t, ok, "job %s not stored", id)
	return clone(j)
}

func (m *memJobs) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.jobs)
}

func (m *memJobs) setStatus(id string, status models.SyncStatus) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs[id].Status = status
}

func (m *memJobs) Create(ctx context.Context, job models.SyncJob) (models.SyncJob, error) {
	m.mu.Lock()
	for _, existing := range m.jobs {
		if existing.UserID == job.UserID && existing.Provider == job.Provider && existing.Status.IsActive() {
			m.mu.Unlock()
			return models.SyncJob{}, repository.ErrActiveJobExists
		}
	}
	m.mu.Unlock()
	return m.put(job), nil
}

func (m *memJobs) GetByID(ctx context.Context, jobID string) (models.SyncJob, error) {
	if err := ctx.Err(); err != nil {
		return models.SyncJob{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[jobID]
	if !ok {
		return models.SyncJob{}, repository.ErrJobNotFound
	}
	return clone(j), nil
}

func (m *memJobs) GetForUser(ctx context.Context, userID, jobID string) (models.SyncJob, error) {
	j, err := m.GetByID(ctx, jobID)
	if err != nil {
		return models.SyncJob{}, err
	}
	if j.UserID != userID {
		return models.SyncJob{}, repository.ErrJobNotFound
	}
	return j, nil
}

func (m *memJobs) sorted(userID, provider string) []models.SyncJob {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.SyncJob
	for _, j := range m.jobs {
		if j.UserID == userID && (provider == "" || j.Provider == provider) {
			out = append(out, clone(j))
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].CreatedAt.After(out[k].CreatedAt) })
	return out
}

func (m *memJobs) FindActive(ctx context.Context, userID, provider string) (models.SyncJob, error) {
	for _, j := range m.sorted(userID, provider) {
		if j.Status.IsActive() {
			return j, nil
		}
	}
	return models.SyncJob{}, repository.ErrJobNotFound
}

func (m *memJobs) GetLatest(ctx context.Context, userID, provider string) (models.SyncJob, error) {
	jobs := m.sorted(userID, provider)
	if len(jobs) == 0 {
		return models.SyncJob{}, repository.ErrJobNotFound
	}
	return jobs[0], nil
}

func (m *memJobs) ListForUser(ctx context.Context, userID string, limit int) ([]models.SyncJob, error) {
	jobs := m.sorted(userID, "")
	if limit > 0 && len(jobs) > limit {
		jobs = jobs[:limit]
	}
	return jobs, nil
}

func (m *memJobs) TransitionStatus(ctx context.Context, jobID string, from []models.SyncStatus, to models.SyncStatus, errorMessage *string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[jobID]
	if !ok {
		return false, nil
	}
	matched := false
	for _, s := range from {
		if j.Status == s {
			matched = true
		}
	}
	if !matched {
		return false, nil
	}
	now := time.Now().UTC()
	j.Status = to
	j.UpdatedAt = now
	switch to {
	case models.SyncStatusRunning:
		j.ErrorMessage = nil
		j.CompletedAt = nil
		if j.StartedAt == nil {
			j.StartedAt = &now
		}
	case models.SyncStatusFailed:
		if errorMessage != nil {
			msg := *errorMessage
			j.ErrorMessage = &msg
		}
		j.CompletedAt = &now
	case models.SyncStatusCompleted:
		j.CompletedAt = &now
		j.CurrentChunkStart, j.CurrentChunkEnd = nil, nil
	case models.SyncStatusCancelled:
		j.CompletedAt = &now
	}
	return true, nil
}

func (m *memJobs) running(jobID string) (*models.SyncJob, bool) {
	j, ok := m.jobs[jobID]
	return j, ok && j.Status == models.SyncStatusRunning
}

// inFlight also matches a job cancelled while the chunk ending at end was
// being fetched.
func (m *memJobs) inFlight(jobID string, end time.Time) (*models.SyncJob, bool) {
	j, ok := m.jobs[jobID]
	if !ok {
		return nil, false
	}
	if j.Status == models.SyncStatusRunning {
		return j, true
	}
	cancelledMidChunk := j.Status == models.SyncStatusCancelled && j.CurrentChunkEnd != nil && j.CurrentChunkEnd.Equal(end)
	return j, cancelledMidChunk
}

func (m *memJobs) UpdateCurrentChunk(ctx context.Context, jobID string, c models.DateRange) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.running(jobID)
	if !ok {
		return false, nil
	}
	start, end := c.Start, c.End
	j.CurrentChunkStart, j.CurrentChunkEnd = &start, &end
	return true, nil
}

func (m *memJobs) RecordChunkCompleted(ctx context.Context, jobID string, completed int, last time.Time) (bool, error) {
	if m.recordErr != nil {
		return false, m.recordErr
	}
	m.mu.Lock()
	j, ok := m.inFlight(jobID, last)
	if ok {
		j.ChunksCompleted = completed
		if j.LastSuccessfulDate == nil || last.After(*j.LastSuccessfulDate) {
			d := last
			j.LastSuccessfulDate = &d
		}
		if j.Status == models.SyncStatusCancelled {
			j.CurrentChunkStart, j.CurrentChunkEnd = nil, nil
		}
	}
	hook := m.afterRecord
	m.mu.Unlock()
	if ok && hook != nil {
		hook(jobID, completed)
	}
	return ok, nil
}

func (m *memJobs) AppendFailedChunk(ctx context.Context, jobID string, failed models.FailedChunk) (bool, error) {
	end, err := models.ParseDate(failed.End)
	if err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.inFlight(jobID, end)
	if !ok {
		return false, nil
	}
	j.FailedChunks = append(j.FailedChunks, failed)
	return true, nil
}

func (m *memJobs) MarkStale(ctx context.Context, updatedBefore time.Time, exclude []string) ([]string, error) {
	return nil, errors.New("not implemented")
}

type memLinks struct {
	mu         sync.Mutex
	links      map[string]models.ProviderLink
	advanced   []time.Time
	advanceErr error
}

func newMemLinks(userID string, watermark *time.Time) *memLinks {
	return &memLinks{links: map[string]models.ProviderLink{
		userID: {ID: "link-" + userID, UserID: userID, Provider: "garmin", Credentials: "tokens", LastSuccessfulSyncDate: watermark},
	}}
}

func (l *memLinks) GetLink(ctx context.Context, userID, provider string) (models.ProviderLink, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	link, ok := l.links[userID]
	if !ok {
		return models.ProviderLink{}, repository.ErrLinkNotFound
	}
	return link, nil
}

func (l *memLinks) AdvanceWatermark(ctx context.Context, userID, provider string, date time.Time) error {
	if l.advanceErr != nil {
		return l.advanceErr
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	link := l.links[userID]
	if link.LastSuccessfulSyncDate == nil || date.After(*link.LastSuccessfulSyncDate) {
		d := date
		link.LastSuccessfulSyncDate = &d
	}
	l.links[userID] = link
	l.advanced = append(l.advanced, date)
	return nil
}

type fakeClient struct {
	mu        sync.Mutex
	calls     []string
	fetchFunc func(ctx context.Context, c models.DateRange) (*models.ChunkPayload, error)
}

func (f *fakeClient) FetchRange(ctx context.Context, link models.ProviderLink, c models.DateRange, metricTypes []string) (*models.ChunkPayload, error) {
	f.mu.Lock()
	f.calls = append(f.calls, c.String())
	f.mu.Unlock()
	if f.fetchFunc != nil {
		return f.fetchFunc(ctx, c)
	}
	return &models.ChunkPayload{Range: c}, nil
}

func (f *fakeClient) fetched() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

type fakeSink struct {
	mu       sync.Mutex
	ingested []string
	err      error
}

func (f *fakeSink) Ingest(ctx context.Context, userID, provider string, payload *models.ChunkPayload) (ingest.Result, error) {
	if f.err != nil {
		return ingest.Result{}, f.err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ingested = append(f.ingested, payload.Range.String())
	return ingest.Result{}, nil
}

type fakeProbe struct {
	dates   models.DateSet
	err     error
	calls   int
	span    models.DateRange
	metrics []string
}

func (f *fakeProbe) DatesWithData(ctx context.Context, userID, provider string, r models.DateRange, metricTypes []string) (models.DateSet, error) {
	f.calls++
	f.span = r
	f.metrics = metricTypes
	return f.dates, f.err
}

type fakeNotifier struct {
	mu       sync.Mutex
	statuses []models.SyncStatus
}

func (f *fakeNotifier) NotifySyncFinished(ctx context.Context, job models.SyncJob) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses = append(f.statuses, job.Status)
	return nil
}

type fakeRunner struct {
	mu       sync.Mutex
	launched []string
	err      error
}

func (f *fakeRunner) Launch(ctx context.Context, jobID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.launched = append(f.launched, jobID)
	return nil
}

func mustDate(t *testing.T, s string) time.Time {
	t.Helper()
	d, err := models.ParseDate(s)
	require.NoError(t, err)
	return d
}
