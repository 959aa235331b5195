package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/stanstork/garmin-sync/internal/authz"
	"github.com/stanstork/garmin-sync/internal/models"
	"github.com/stanstork/garmin-sync/internal/repository"
	"github.com/stanstork/garmin-sync/internal/syncjob"
)

// SyncService is implemented by *syncjob.Service.
type SyncService interface {
	StartIncremental(ctx context.Context, userID string, req syncjob.IncrementalRequest) (syncjob.StartResult, error)
	StartHistorical(ctx context.Context, userID string, req syncjob.HistoricalRequest) (syncjob.StartResult, error)
	Status(ctx context.Context, userID string) (syncjob.StatusResult, error)
	Resume(ctx context.Context, userID, jobID string) (models.SyncJob, error)
	Cancel(ctx context.Context, userID, jobID string) (models.SyncJob, error)
	ListJobs(ctx context.Context, userID string, limit int) ([]models.SyncJob, error)
}

type SyncHandler struct {
	service SyncService
	logger  zerolog.Logger
}

func NewSyncHandler(service SyncService, logger zerolog.Logger) *SyncHandler {
	return &SyncHandler{
		service: service,
		logger:  logger.With().Str("handler", "sync").Logger(),
	}
}

type chunkRangeView struct {
	Start string `json:"start"`
	End   string `json:"end"`
}

type failedChunkView struct {
	Start    string    `json:"start"`
	End      string    `json:"end"`
	Error    string    `json:"error"`
	FailedAt time.Time `json:"failedAt"`
}

type jobView struct {
	ID                 string            `json:"id"`
	Status             models.SyncStatus `json:"status"`
	SyncType           models.SyncType   `json:"syncType"`
	StartDate          string            `json:"startDate"`
	EndDate            string            `json:"endDate"`
	MetricTypes        []string          `json:"metricTypes"`
	SkipExisting       bool              `json:"skipExisting"`
	ChunksCompleted    int               `json:"chunksCompleted"`
	ChunksTotal        int               `json:"chunksTotal"`
	PercentComplete    int               `json:"percentComplete"`
	CurrentChunkRange  *chunkRangeView   `json:"currentChunkRange"`
	LastSuccessfulDate *string           `json:"lastSuccessfulDate"`
	ErrorMessage       *string           `json:"errorMessage"`
	FailedChunks       []failedChunkView `json:"failedChunks"`
	CreatedAt          time.Time         `json:"createdAt"`
	StartedAt          *time.Time        `json:"startedAt"`
	CompletedAt        *time.Time        `json:"completedAt"`
}

func newJobView(job models.SyncJob) jobView {
	v := jobView{
		ID:              job.ID,
		Status:          job.Status,
		SyncType:        job.SyncType,
		StartDate:       models.FormatDate(job.StartDate),
		EndDate:         models.FormatDate(job.EndDate),
		MetricTypes:     job.MetricTypes,
		SkipExisting:    job.SkipExisting,
		ChunksCompleted: job.ChunksCompleted,
		ChunksTotal:     job.ChunksTotal,
		PercentComplete: job.PercentComplete(),
		ErrorMessage:    job.ErrorMessage,
		FailedChunks:    make([]failedChunkView, 0, len(job.FailedChunks)),
		CreatedAt:       job.CreatedAt,
		StartedAt:       job.StartedAt,
		CompletedAt:     job.CompletedAt,
	}
	if v.MetricTypes == nil {
		v.MetricTypes = []string{}
	}
	if c, ok := job.CurrentChunk(); ok {
		v.CurrentChunkRange = &chunkRangeView{Start: models.FormatDate(c.Start), End: models.FormatDate(c.End)}
	}
	v.LastSuccessfulDate = formatOptionalDate(job.LastSuccessfulDate)
	for _, fc := range job.FailedChunks {
		v.FailedChunks = append(v.FailedChunks, failedChunkView{Start: fc.Start, End: fc.End, Error: fc.Error, FailedAt: fc.FailedAt})
	}
	return v
}

func formatOptionalDate(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := models.FormatDate(*t)
	return &s
}

type statusResponse struct {
	HasActiveJob       bool     `json:"hasActiveJob"`
	Job                *jobView `json:"job,omitempty"`
	LastSuccessfulSync *string  `json:"lastSuccessfulSync"`
}

func (h *SyncHandler) StartIncremental(w http.ResponseWriter, r *http.Request) {
	userID, ok := authz.UserIDFromRequest(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "Missing user context")
		return
	}
	var req syncjob.IncrementalRequest
	if err := decodeOptional(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request payload")
		return
	}

	res, err := h.service.StartIncremental(r.Context(), userID, req)
	if err != nil {
		h.fail(w, err, "failed to start incremental sync")
		return
	}
	writeJSON(w, startStatusCode(res), res)
}

func (h *SyncHandler) StartHistorical(w http.ResponseWriter, r *http.Request) {
	userID, ok := authz.UserIDFromRequest(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "Missing user context")
		return
	}
	var req syncjob.HistoricalRequest
	if err := decodeOptional(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request payload")
		return
	}

	res, err := h.service.StartHistorical(r.Context(), userID, req)
	if err != nil {
		h.fail(w, err, "failed to start historical sync")
		return
	}
	writeJSON(w, startStatusCode(res), res)
}

func startStatusCode(res syncjob.StartResult) int {
	if res.Status == syncjob.StartStatusStarted {
		return http.StatusAccepted
	}
	return http.StatusOK
}

func (h *SyncHandler) Status(w http.ResponseWriter, r *http.Request) {
	userID, ok := authz.UserIDFromRequest(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "Missing user context")
		return
	}

	res, err := h.service.Status(r.Context(), userID)
	if err != nil {
		h.fail(w, err, "failed to load sync status")
		return
	}
	out := statusResponse{
		HasActiveJob:       res.HasActiveJob,
		LastSuccessfulSync: formatOptionalDate(res.LastSuccessfulSync),
	}
	if res.Job != nil {
		v := newJobView(*res.Job)
		out.Job = &v
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *SyncHandler) ListJobs(w http.ResponseWriter, r *http.Request) {
	userID, ok := authz.UserIDFromRequest(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "Missing user context")
		return
	}
	jobs, err := h.service.ListJobs(r.Context(), userID, queryLimit(r, 20))
	if err != nil {
		h.fail(w, err, "failed to list sync jobs")
		return
	}
	views := make([]jobView, 0, len(jobs))
	for _, job := range jobs {
		views = append(views, newJobView(job))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"jobs": views})
}

func (h *SyncHandler) Resume(w http.ResponseWriter, r *http.Request) {
	h.steer(w, r, h.service.Resume, "failed to resume sync job")
}

func (h *SyncHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	h.steer(w, r, h.service.Cancel, "failed to cancel sync job")
}

// steer handles resume and cancel. The job id comes from the path, or from
// a {"jobId": ...} body on the body-addressed routes.
func (h *SyncHandler) steer(w http.ResponseWriter, r *http.Request, op func(ctx context.Context, userID, jobID string) (models.SyncJob, error), failMsg string) {
	userID, ok := authz.UserIDFromRequest(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "Missing user context")
		return
	}
	jobID := strings.TrimSpace(mux.Vars(r)["jobID"])
	if jobID == "" {
		var body struct {
			JobID string `json:"jobId"`
		}
		if err := decodeOptional(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "Invalid request payload")
			return
		}
		jobID = strings.TrimSpace(body.JobID)
	}
	if jobID == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "jobId is required", Field: "jobId"})
		return
	}

	job, err := op(r.Context(), userID, jobID)
	if err != nil {
		h.fail(w, err, failMsg)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"job": newJobView(job)})
}

func (h *SyncHandler) fail(w http.ResponseWriter, err error, msg string) {
	var verr *syncjob.ValidationError
	switch {
	case errors.As(err, &verr):
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: verr.Error(), Field: verr.Field})
	case errors.Is(err, repository.ErrJobNotFound):
		writeError(w, http.StatusNotFound, "Sync job not found")
	case errors.Is(err, syncjob.ErrInvalidTransition), errors.Is(err, syncjob.ErrJobBusy):
		writeError(w, http.StatusConflict, err.Error())
	default:
		h.logger.Error().Err(err).Msg(msg)
		writeError(w, http.StatusInternalServerError, "Internal server error")
	}
}
