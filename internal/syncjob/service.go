package syncjob

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/stanstork/garmin-sync/internal/chunk"
	"github.com/stanstork/garmin-sync/internal/models"
	"github.com/stanstork/garmin-sync/internal/provider"
	"github.com/stanstork/garmin-sync/internal/repository"
)

const (
	StartStatusStarted        = "started"
	StartStatusAlreadyRunning = "already_running"
	StartStatusUpToDate       = "up_to_date"
)

type ServiceConfig struct {
	Provider                string
	ChunkSizeDays           int
	IncrementalFallbackDays int
	FutureBufferDays        int
	MaxRangeDays            int
	MinutesPerChunk         float64
}

type IncrementalRequest struct {
	MetricTypes []string `json:"metricTypes"`
}

type HistoricalRequest struct {
	StartDate    string   `json:"startDate"`
	EndDate      string   `json:"endDate"`
	MetricTypes  []string `json:"metricTypes"`
	SkipExisting *bool    `json:"skipExisting"`
}

type StartResult struct {
	Status           string `json:"status"`
	JobID            string `json:"jobId,omitempty"`
	Message          string `json:"message"`
	ChunksTotal      int    `json:"chunksTotal,omitempty"`
	EstimatedMinutes *int   `json:"estimatedMinutes,omitempty"`
}

type StatusResult struct {
	HasActiveJob       bool
	Job                *models.SyncJob
	LastSuccessfulSync *time.Time
}

// Service is the entry point for starting and steering sync jobs.
type Service struct {
	jobs   repository.SyncJobRepository
	links  LinkStore
	runner Runner
	guard  *Guard
	cfg    ServiceConfig
	logger zerolog.Logger
	now    func() time.Time
}

func NewService(jobs repository.SyncJobRepository, links LinkStore, runner Runner, guard *Guard, cfg ServiceConfig, logger zerolog.Logger) *Service {
	if cfg.Provider == "" {
		cfg.Provider = "garmin"
	}
	if cfg.ChunkSizeDays <= 0 {
		cfg.ChunkSizeDays = 7
	}
	if cfg.IncrementalFallbackDays <= 0 {
		cfg.IncrementalFallbackDays = 7
	}
	if cfg.FutureBufferDays < 0 {
		cfg.FutureBufferDays = 0
	}
	if guard == nil {
		guard = NewGuard()
	}
	return &Service{
		jobs:   jobs,
		links:  links,
		runner: runner,
		guard:  guard,
		cfg:    cfg,
		logger: logger.With().Str("component", "sync_service").Logger(),
		now:    time.Now,
	}
}

func (s *Service) today() time.Time {
	return models.Day(s.now().UTC())
}

// StartIncremental syncs from the day after the watermark up to today.
func (s *Service) StartIncremental(ctx context.Context, userID string, req IncrementalRequest) (StartResult, error) {
	metrics, err := provider.NormalizeMetricTypes(req.MetricTypes)
	if err != nil {
		return StartResult{}, &ValidationError{Field: "metricTypes", Message: err.Error()}
	}
	if res, found, err := s.alreadyRunning(ctx, userID); err != nil || found {
		return res, err
	}

	link, err := s.links.GetLink(ctx, userID, s.cfg.Provider)
	if err != nil {
		if errors.Is(err, repository.ErrLinkNotFound) {
			return StartResult{}, invalid("provider", "%s account is not linked", s.cfg.Provider)
		}
		return StartResult{}, fmt.Errorf("load provider link: %w", err)
	}

	end := s.today()
	start := models.AddDays(end, -(s.cfg.IncrementalFallbackDays - 1))
	if link.LastSuccessfulSyncDate != nil {
		start = models.AddDays(models.Day(*link.LastSuccessfulSyncDate), 1)
	}
	if start.After(end) {
		return StartResult{Status: StartStatusUpToDate, Message: "Already up to date"}, nil
	}

	job, res, err := s.create(ctx, models.SyncJob{
		UserID:       userID,
		Provider:     s.cfg.Provider,
		SyncType:     models.SyncTypeIncremental,
		StartDate:    start,
		EndDate:      end,
		MetricTypes:  metrics,
		SkipExisting: false,
	})
	if err != nil || res.Status != StartStatusStarted {
		return res, err
	}
	res.Message = fmt.Sprintf("Incremental sync started for %s", job.Range())
	return res, nil
}

// StartHistorical syncs an explicit, validated range.
func (s *Service) StartHistorical(ctx context.Context, userID string, req HistoricalRequest) (StartResult, error) {
	start, end, err := s.validateRange(req.StartDate, req.EndDate)
	if err != nil {
		return StartResult{}, err
	}
	metrics, err := provider.NormalizeMetricTypes(req.MetricTypes)
	if err != nil {
		return StartResult{}, &ValidationError{Field: "metricTypes", Message: err.Error()}
	}
	skipExisting := true
	if req.SkipExisting != nil {
		skipExisting = *req.SkipExisting
	}

	if res, found, err := s.alreadyRunning(ctx, userID); err != nil || found {
		return res, err
	}
	if _, err := s.links.GetLink(ctx, userID, s.cfg.Provider); err != nil {
		if errors.Is(err, repository.ErrLinkNotFound) {
			return StartResult{}, invalid("provider", "%s account is not linked", s.cfg.Provider)
		}
		return StartResult{}, fmt.Errorf("load provider link: %w", err)
	}

	job, res, err := s.create(ctx, models.SyncJob{
		UserID:       userID,
		Provider:     s.cfg.Provider,
		SyncType:     models.SyncTypeHistorical,
		StartDate:    start,
		EndDate:      end,
		MetricTypes:  metrics,
		SkipExisting: skipExisting,
	})
	if err != nil || res.Status != StartStatusStarted {
		return res, err
	}
	minutes := s.estimateMinutes(job.ChunksTotal)
	res.EstimatedMinutes = &minutes
	res.Message = fmt.Sprintf("Historical sync started for %s", job.Range())
	return res, nil
}

func (s *Service) validateRange(rawStart, rawEnd string) (time.Time, time.Time, error) {
	if strings.TrimSpace(rawStart) == "" {
		return time.Time{}, time.Time{}, invalid("startDate", "is required")
	}
	if strings.TrimSpace(rawEnd) == "" {
		return time.Time{}, time.Time{}, invalid("endDate", "is required")
	}
	start, err := models.ParseDate(rawStart)
	if err != nil {
		return time.Time{}, time.Time{}, &ValidationError{Field: "startDate", Message: err.Error()}
	}
	end, err := models.ParseDate(rawEnd)
	if err != nil {
		return time.Time{}, time.Time{}, &ValidationError{Field: "endDate", Message: err.Error()}
	}
	if start.After(end) {
		return time.Time{}, time.Time{}, invalid("startDate", "must not be after endDate")
	}
	latest := models.AddDays(s.today(), s.cfg.FutureBufferDays)
	if end.After(latest) {
		return time.Time{}, time.Time{}, invalid("endDate", "must not be in the future")
	}
	if s.cfg.MaxRangeDays > 0 {
		if days := (models.DateRange{Start: start, End: end}).Days(); days > s.cfg.MaxRangeDays {
			return time.Time{}, time.Time{}, invalid("startDate", "range of %d days exceeds the maximum of %d", days, s.cfg.MaxRangeDays)
		}
	}
	return start, end, nil
}

func (s *Service) estimateMinutes(chunks int) int {
	if s.cfg.MinutesPerChunk <= 0 {
		return 0
	}
	return int(math.Ceil(float64(chunks) * s.cfg.MinutesPerChunk))
}

func (s *Service) alreadyRunning(ctx context.Context, userID string) (StartResult, bool, error) {
	active, err := s.jobs.FindActive(ctx, userID, s.cfg.Provider)
	if err != nil {
		if errors.Is(err, repository.ErrJobNotFound) {
			return StartResult{}, false, nil
		}
		return StartResult{}, false, fmt.Errorf("check active job: %w", err)
	}
	return StartResult{
		Status:  StartStatusAlreadyRunning,
		JobID:   active.ID,
		Message: fmt.Sprintf("A %s sync is already %s", active.SyncType, active.Status),
	}, true, nil
}

// create persists the job and launches it. A concurrent creation that wins
// the unique index is reported as already running.
func (s *Service) create(ctx context.Context, job models.SyncJob) (models.SyncJob, StartResult, error) {
	chunks, err := chunk.Count(job.StartDate, job.EndDate, s.cfg.ChunkSizeDays)
	if err != nil {
		return models.SyncJob{}, StartResult{}, err
	}
	job.ChunksTotal = chunks
	job.Status = models.SyncStatusPending

	created, err := s.jobs.Create(ctx, job)
	if err != nil {
		if errors.Is(err, repository.ErrActiveJobExists) {
			res, found, findErr := s.alreadyRunning(ctx, job.UserID)
			if findErr != nil {
				return models.SyncJob{}, StartResult{}, findErr
			}
			if found {
				return models.SyncJob{}, res, nil
			}
		}
		return models.SyncJob{}, StartResult{}, fmt.Errorf("create sync job: %w", err)
	}

	logger := s.logger.With().Str("job_id", created.ID).Str("user_id", created.UserID).Logger()
	if err := s.launch(ctx, created.ID, []models.SyncStatus{models.SyncStatusPending}); err != nil {
		logger.Error().Err(err).Msg("failed to launch sync job")
		return models.SyncJob{}, StartResult{}, err
	}
	logger.Info().
		Str("sync_type", string(created.SyncType)).
		Str("range", created.Range().String()).
		Int("chunks_total", created.ChunksTotal).
		Msg("sync job created")

	return created, StartResult{
		Status:      StartStatusStarted,
		JobID:       created.ID,
		ChunksTotal: created.ChunksTotal,
	}, nil
}

// launch hands the job to the runner. A failed launch marks the job failed
// so it does not hold the user's active slot. ErrJobBusy means a run for the
// job is already queued or open, and that run picks the job up.
func (s *Service) launch(ctx context.Context, jobID string, from []models.SyncStatus) error {
	err := s.runner.Launch(ctx, jobID)
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrJobBusy) {
		s.logger.Info().Str("job_id", jobID).Msg("sync job already queued, not launching again")
		return nil
	}
	msg := "launch failed: " + err.Error()
	if _, markErr := s.jobs.TransitionStatus(context.WithoutCancel(ctx), jobID, from, models.SyncStatusFailed, &msg); markErr != nil {
		s.logger.Error().Err(markErr).Str("job_id", jobID).Msg("failed to mark unlaunched job failed")
	}
	return fmt.Errorf("launch sync job: %w", err)
}

// Status returns the active job, or the latest one when none is active.
func (s *Service) Status(ctx context.Context, userID string) (StatusResult, error) {
	var res StatusResult

	job, err := s.jobs.FindActive(ctx, userID, s.cfg.Provider)
	switch {
	case err == nil:
		res.HasActiveJob = true
		res.Job = &job
	case errors.Is(err, repository.ErrJobNotFound):
		latest, err := s.jobs.GetLatest(ctx, userID, s.cfg.Provider)
		if err == nil {
			res.Job = &latest
		} else if !errors.Is(err, repository.ErrJobNotFound) {
			return StatusResult{}, fmt.Errorf("load latest job: %w", err)
		}
	default:
		return StatusResult{}, fmt.Errorf("load active job: %w", err)
	}

	link, err := s.links.GetLink(ctx, userID, s.cfg.Provider)
	switch {
	case err == nil:
		res.LastSuccessfulSync = link.LastSuccessfulSyncDate
	case !errors.Is(err, repository.ErrLinkNotFound):
		return StatusResult{}, fmt.Errorf("load provider link: %w", err)
	}
	return res, nil
}

// Resume restarts a paused or failed job from its watermark.
func (s *Service) Resume(ctx context.Context, userID, jobID string) (models.SyncJob, error) {
	job, err := s.jobs.GetForUser(ctx, userID, jobID)
	if err != nil {
		return models.SyncJob{}, err
	}
	if !job.Status.IsResumable() {
		return models.SyncJob{}, fmt.Errorf("%w: cannot resume a %s job", ErrInvalidTransition, job.Status)
	}
	if s.guard.Held(jobID) {
		return models.SyncJob{}, ErrJobBusy
	}

	ok, err := s.jobs.TransitionStatus(ctx, jobID, models.ResumableStatuses, models.SyncStatusRunning, nil)
	if err != nil {
		if errors.Is(err, repository.ErrActiveJobExists) {
			return models.SyncJob{}, fmt.Errorf("%w: another sync is active", ErrInvalidTransition)
		}
		return models.SyncJob{}, fmt.Errorf("resume sync job: %w", err)
	}
	if !ok {
		return models.SyncJob{}, fmt.Errorf("%w: job changed status", ErrInvalidTransition)
	}

	if err := s.launch(ctx, jobID, []models.SyncStatus{models.SyncStatusRunning}); err != nil {
		return models.SyncJob{}, err
	}
	s.logger.Info().Str("job_id", jobID).Str("user_id", userID).Str("from", string(job.Status)).Msg("sync job resumed")
	return s.jobs.GetForUser(ctx, userID, jobID)
}

// Cancel stops a job at its next chunk boundary.
func (s *Service) Cancel(ctx context.Context, userID, jobID string) (models.SyncJob, error) {
	job, err := s.jobs.GetForUser(ctx, userID, jobID)
	if err != nil {
		return models.SyncJob{}, err
	}
	if !models.CanTransition(job.Status, models.SyncStatusCancelled) {
		return models.SyncJob{}, fmt.Errorf("%w: cannot cancel a %s job", ErrInvalidTransition, job.Status)
	}

	ok, err := s.jobs.TransitionStatus(ctx, jobID, models.CancellableStatuses, models.SyncStatusCancelled, nil)
	if err != nil {
		return models.SyncJob{}, fmt.Errorf("cancel sync job: %w", err)
	}
	if !ok {
		return models.SyncJob{}, fmt.Errorf("%w: job changed status", ErrInvalidTransition)
	}
	s.guard.RequestCancel(jobID)
	s.logger.Info().Str("job_id", jobID).Str("user_id", userID).Str("from", string(job.Status)).Msg("sync job cancelled")
	return s.jobs.GetForUser(ctx, userID, jobID)
}

func (s *Service) ListJobs(ctx context.Context, userID string, limit int) ([]models.SyncJob, error) {
	return s.jobs.ListForUser(ctx, userID, limit)
}
