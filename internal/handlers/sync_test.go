package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stanstork/garmin-sync/internal/authz"
	"github.com/stanstork/garmin-sync/internal/models"
	"github.com/stanstork/garmin-sync/internal/repository"
	"github.com/stanstork/garmin-sync/internal/syncjob"
)

type mockSyncService struct {
	incrementalFunc func(req syncjob.IncrementalRequest) (syncjob.StartResult, error)
	historicalFunc  func(req syncjob.HistoricalRequest) (syncjob.StartResult, error)
	statusFunc      func() (syncjob.StatusResult, error)
	resumeFunc      func(jobID string) (models.SyncJob, error)
	cancelFunc      func(jobID string) (models.SyncJob, error)
	listFunc        func(limit int) ([]models.SyncJob, error)
	userID          string
}

func (m *mockSyncService) StartIncremental(ctx context.Context, userID string, req syncjob.IncrementalRequest) (syncjob.StartResult, error) {
	m.userID = userID
	return m.incrementalFunc(req)
}

func (m *mockSyncService) StartHistorical(ctx context.Context, userID string, req syncjob.HistoricalRequest) (syncjob.StartResult, error) {
	m.userID = userID
	return m.historicalFunc(req)
}

func (m *mockSyncService) Status(ctx context.Context, userID string) (syncjob.StatusResult, error) {
	m.userID = userID
	return m.statusFunc()
}

func (m *mockSyncService) Resume(ctx context.Context, userID, jobID string) (models.SyncJob, error) {
	m.userID = userID
	return m.resumeFunc(jobID)
}

func (m *mockSyncService) Cancel(ctx context.Context, userID, jobID string) (models.SyncJob, error) {
	m.userID = userID
	return m.cancelFunc(jobID)
}

func (m *mockSyncService) ListJobs(ctx context.Context, userID string, limit int) ([]models.SyncJob, error) {
	m.userID = userID
	return m.listFunc(limit)
}

func newRequest(t *testing.T, method, target, body string, vars map[string]string) *http.Request {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, bytes.NewBufferString(body))
	}
	req = req.WithContext(authz.WithUserID(req.Context(), "user-1"))
	if vars != nil {
		req = mux.SetURLVars(req, vars)
	}
	return req
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func date(t *testing.T, s string) time.Time {
	t.Helper()
	d, err := models.ParseDate(s)
	require.NoError(t, err)
	return d
}

func TestStartIncrementalResponses(t *testing.T) {
	cases := []struct {
		name   string
		result syncjob.StartResult
		code   int
	}{
		{"started", syncjob.StartResult{Status: syncjob.StartStatusStarted, JobID: "job-1", ChunksTotal: 2, Message: "ok"}, http.StatusAccepted},
		{"already running", syncjob.StartResult{Status: syncjob.StartStatusAlreadyRunning, JobID: "job-0", Message: "busy"}, http.StatusOK},
		{"up to date", syncjob.StartResult{Status: syncjob.StartStatusUpToDate, Message: "Already up to date"}, http.StatusOK},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			svc := &mockSyncService{incrementalFunc: func(req syncjob.IncrementalRequest) (syncjob.StartResult, error) {
				return tc.result, nil
			}}
			h := NewSyncHandler(svc, zerolog.Nop())

			rec := httptest.NewRecorder()
			h.StartIncremental(rec, newRequest(t, http.MethodPost, "/api/sync/incremental", "", nil))

			assert.Equal(t, tc.code, rec.Code)
			body := decodeBody(t, rec)
			assert.Equal(t, tc.result.Status, body["status"])
			assert.Equal(t, "user-1", svc.userID)
		})
	}
}

func TestStartIncrementalUpToDateOmitsJobID(t *testing.T) {
	svc := &mockSyncService{incrementalFunc: func(req syncjob.IncrementalRequest) (syncjob.StartResult, error) {
		return syncjob.StartResult{Status: syncjob.StartStatusUpToDate, Message: "Already up to date"}, nil
	}}
	rec := httptest.NewRecorder()
	NewSyncHandler(svc, zerolog.Nop()).StartIncremental(rec, newRequest(t, http.MethodPost, "/api/sync/incremental", "{}", nil))

	body := decodeBody(t, rec)
	assert.NotContains(t, body, "jobId")
	assert.NotContains(t, body, "chunksTotal")
}

func TestStartHistoricalDecodesRequest(t *testing.T) {
	var got syncjob.HistoricalRequest
	svc := &mockSyncService{historicalFunc: func(req syncjob.HistoricalRequest) (syncjob.StartResult, error) {
		got = req
		return syncjob.StartResult{Status: syncjob.StartStatusStarted, JobID: "job-1", ChunksTotal: 3, EstimatedMinutes: intPtr(2)}, nil
	}}
	rec := httptest.NewRecorder()
	body := `{"startDate":"2025-01-01","endDate":"2025-01-20","metricTypes":["sleep"],"skipExisting":false}`
	NewSyncHandler(svc, zerolog.Nop()).StartHistorical(rec, newRequest(t, http.MethodPost, "/api/sync/historical", body, nil))

	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, "2025-01-01", got.StartDate)
	assert.Equal(t, "2025-01-20", got.EndDate)
	assert.Equal(t, []string{"sleep"}, got.MetricTypes)
	require.NotNil(t, got.SkipExisting)
	assert.False(t, *got.SkipExisting)

	out := decodeBody(t, rec)
	assert.EqualValues(t, 3, out["chunksTotal"])
	assert.EqualValues(t, 2, out["estimatedMinutes"])
}

func TestStartHistoricalKeepsZeroEstimate(t *testing.T) {
	svc := &mockSyncService{historicalFunc: func(req syncjob.HistoricalRequest) (syncjob.StartResult, error) {
		return syncjob.StartResult{Status: syncjob.StartStatusStarted, JobID: "job-1", ChunksTotal: 1, EstimatedMinutes: intPtr(0)}, nil
	}}
	rec := httptest.NewRecorder()
	body := `{"startDate":"2025-01-01","endDate":"2025-01-01"}`
	NewSyncHandler(svc, zerolog.Nop()).StartHistorical(rec, newRequest(t, http.MethodPost, "/api/sync/historical", body, nil))

	out := decodeBody(t, rec)
	assert.Contains(t, out, "estimatedMinutes")
	assert.EqualValues(t, 0, out["estimatedMinutes"])
}

func TestSyncErrorMapping(t *testing.T) {
	cases := []struct {
		name string
		err  error
		code int
	}{
		{"validation", &syncjob.ValidationError{Field: "endDate", Message: "must not be in the future"}, http.StatusBadRequest},
		{"not found", repository.ErrJobNotFound, http.StatusNotFound},
		{"invalid transition", fmt.Errorf("%w: cannot resume a completed job", syncjob.ErrInvalidTransition), http.StatusConflict},
		{"busy", syncjob.ErrJobBusy, http.StatusConflict},
		{"internal", errors.New("db down"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			svc := &mockSyncService{resumeFunc: func(string) (models.SyncJob, error) { return models.SyncJob{}, tc.err }}
			rec := httptest.NewRecorder()
			NewSyncHandler(svc, zerolog.Nop()).Resume(rec, newRequest(t, http.MethodPost, "/api/sync/jobs/job-1/resume", "", map[string]string{"jobID": "job-1"}))

			assert.Equal(t, tc.code, rec.Code)
			body := decodeBody(t, rec)
			assert.NotEmpty(t, body["error"])
			if tc.code == http.StatusInternalServerError {
				assert.NotContains(t, body["error"], "db down")
			}
		})
	}
}

func TestValidationErrorCarriesField(t *testing.T) {
	svc := &mockSyncService{historicalFunc: func(syncjob.HistoricalRequest) (syncjob.StartResult, error) {
		return syncjob.StartResult{}, &syncjob.ValidationError{Field: "startDate", Message: "is required"}
	}}
	rec := httptest.NewRecorder()
	NewSyncHandler(svc, zerolog.Nop()).StartHistorical(rec, newRequest(t, http.MethodPost, "/api/sync/historical", "{}", nil))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "startDate", decodeBody(t, rec)["field"])
}

func TestMalformedBody(t *testing.T) {
	h := NewSyncHandler(&mockSyncService{}, zerolog.Nop())
	rec := httptest.NewRecorder()
	h.StartHistorical(rec, newRequest(t, http.MethodPost, "/api/sync/historical", "{not json", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStatusView(t *testing.T) {
	started := time.Date(2025, 1, 21, 9, 0, 0, 0, time.UTC)
	last := date(t, "2025-01-07")
	curStart, curEnd := date(t, "2025-01-08"), date(t, "2025-01-14")
	watermark := date(t, "2024-12-31")
	job := models.SyncJob{
		ID:                 "job-1",
		Status:             models.SyncStatusRunning,
		SyncType:           models.SyncTypeHistorical,
		StartDate:          date(t, "2025-01-01"),
		EndDate:            date(t, "2025-01-20"),
		ChunksTotal:        3,
		ChunksCompleted:    1,
		CurrentChunkStart:  &curStart,
		CurrentChunkEnd:    &curEnd,
		LastSuccessfulDate: &last,
		FailedChunks:       []models.FailedChunk{{Start: "2025-01-01", End: "2025-01-07", Error: "timeout", FailedAt: started}},
		CreatedAt:          started,
		StartedAt:          &started,
	}
	svc := &mockSyncService{statusFunc: func() (syncjob.StatusResult, error) {
		return syncjob.StatusResult{HasActiveJob: true, Job: &job, LastSuccessfulSync: &watermark}, nil
	}}
	rec := httptest.NewRecorder()
	NewSyncHandler(svc, zerolog.Nop()).Status(rec, newRequest(t, http.MethodGet, "/api/sync/status", "", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, true, body["hasActiveJob"])
	assert.Equal(t, "2024-12-31", body["lastSuccessfulSync"])

	view := body["job"].(map[string]interface{})
	assert.Equal(t, "job-1", view["id"])
	assert.Equal(t, "running", view["status"])
	assert.Equal(t, "historical", view["syncType"])
	assert.Equal(t, "2025-01-01", view["startDate"])
	assert.Equal(t, "2025-01-20", view["endDate"])
	assert.EqualValues(t, 33, view["percentComplete"])
	assert.Equal(t, map[string]interface{}{"start": "2025-01-08", "end": "2025-01-14"}, view["currentChunkRange"])
	assert.Nil(t, view["errorMessage"])
	failed := view["failedChunks"].([]interface{})
	require.Len(t, failed, 1)
	assert.Equal(t, "timeout", failed[0].(map[string]interface{})["error"])
}

func TestStatusWithoutJobs(t *testing.T) {
	svc := &mockSyncService{statusFunc: func() (syncjob.StatusResult, error) { return syncjob.StatusResult{}, nil }}
	rec := httptest.NewRecorder()
	NewSyncHandler(svc, zerolog.Nop()).Status(rec, newRequest(t, http.MethodGet, "/api/sync/status", "", nil))

	body := decodeBody(t, rec)
	assert.Equal(t, false, body["hasActiveJob"])
	assert.NotContains(t, body, "job")
	assert.Contains(t, body, "lastSuccessfulSync")
	assert.Nil(t, body["lastSuccessfulSync"])
}

func TestCancelByBody(t *testing.T) {
	var gotID string
	svc := &mockSyncService{cancelFunc: func(jobID string) (models.SyncJob, error) {
		gotID = jobID
		return models.SyncJob{ID: jobID, Status: models.SyncStatusCancelled}, nil
	}}
	h := NewSyncHandler(svc, zerolog.Nop())

	rec := httptest.NewRecorder()
	h.Cancel(rec, newRequest(t, http.MethodPost, "/api/sync/cancel", `{"jobId":"job-9"}`, nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "job-9", gotID)
	view := decodeBody(t, rec)["job"].(map[string]interface{})
	assert.Equal(t, "cancelled", view["status"])

	rec = httptest.NewRecorder()
	h.Cancel(rec, newRequest(t, http.MethodPost, "/api/sync/cancel", `{}`, nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestListJobsLimit(t *testing.T) {
	var gotLimit int
	svc := &mockSyncService{listFunc: func(limit int) ([]models.SyncJob, error) {
		gotLimit = limit
		return []models.SyncJob{{ID: "job-2"}, {ID: "job-1"}}, nil
	}}
	h := NewSyncHandler(svc, zerolog.Nop())

	rec := httptest.NewRecorder()
	h.ListJobs(rec, newRequest(t, http.MethodGet, "/api/sync/jobs?limit=5", "", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 5, gotLimit)
	assert.Len(t, decodeBody(t, rec)["jobs"], 2)

	h.ListJobs(httptest.NewRecorder(), newRequest(t, http.MethodGet, "/api/sync/jobs?limit=abc", "", nil))
	assert.Equal(t, 20, gotLimit)

	h.ListJobs(httptest.NewRecorder(), newRequest(t, http.MethodGet, "/api/sync/jobs?limit=500", "", nil))
	assert.Equal(t, 100, gotLimit)
}

func TestMissingUserContext(t *testing.T) {
	h := NewSyncHandler(&mockSyncService{}, zerolog.Nop())
	rec := httptest.NewRecorder()
	h.Status(rec, httptest.NewRequest(http.MethodGet, "/api/sync/status", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func intPtr(n int) *int { return &n }
