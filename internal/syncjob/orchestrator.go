// Package syncjob runs chunked provider syncs and manages their lifecycle.
package syncjob

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/stanstork/garmin-sync/internal/chunk"
	"github.com/stanstork/garmin-sync/internal/ingest"
	"github.com/stanstork/garmin-sync/internal/models"
	"github.com/stanstork/garmin-sync/internal/repository"
)

type ProviderClient interface {
	FetchRange(ctx context.Context, link models.ProviderLink, chunk models.DateRange, metricTypes []string) (*models.ChunkPayload, error)
}

type IngestionSink interface {
	Ingest(ctx context.Context, userID, provider string, payload *models.ChunkPayload) (ingest.Result, error)
}

type DataProbe interface {
	DatesWithData(ctx context.Context, userID, provider string, r models.DateRange, metricTypes []string) (models.DateSet, error)
}

type LinkStore interface {
	GetLink(ctx context.Context, userID, provider string) (models.ProviderLink, error)
	AdvanceWatermark(ctx context.Context, userID, provider string, date time.Time) error
}

type Notifier interface {
	NotifySyncFinished(ctx context.Context, job models.SyncJob) error
}

type Deps struct {
	Jobs     repository.SyncJobRepository
	Links    LinkStore
	Probe    DataProbe
	Client   ProviderClient
	Sink     IngestionSink
	Notifier Notifier
	Guard    *Guard
}

type Options struct {
	ChunkSizeDays   int
	InterChunkDelay time.Duration
}

type outcome int

const (
	outcomeContinue outcome = iota
	outcomeCompleted
	outcomeCancelled
	// the run context ended, e.g. on shutdown
	outcomeInterrupted
	// the job left running for another reason, e.g. the stale sweeper
	outcomeStopped
)

const finalizeTimeout = 30 * time.Second

// Orchestrator drives one job through its chunks. Every step is keyed on the
// persisted progress, so Process may be called again for the same job after a
// crash and continues after last_successful_date.
type Orchestrator struct {
	jobs     repository.SyncJobRepository
	links    LinkStore
	probe    DataProbe
	client   ProviderClient
	sink     IngestionSink
	notifier Notifier
	guard    *Guard
	opts     Options
	logger   zerolog.Logger
	now      func() time.Time
}

func NewOrchestrator(deps Deps, opts Options, logger zerolog.Logger) *Orchestrator {
	if opts.ChunkSizeDays <= 0 {
		opts.ChunkSizeDays = 7
	}
	guard := deps.Guard
	if guard == nil {
		guard = NewGuard()
	}
	return &Orchestrator{
		jobs:     deps.Jobs,
		links:    deps.Links,
		probe:    deps.Probe,
		client:   deps.Client,
		sink:     deps.Sink,
		notifier: deps.Notifier,
		guard:    guard,
		opts:     opts,
		logger:   logger.With().Str("component", "sync_orchestrator").Logger(),
		now:      time.Now,
	}
}

// Process runs jobID to completion, cancellation, or interruption.
// It returns ErrJobBusy when the job is already leased in this process.
func (o *Orchestrator) Process(ctx context.Context, jobID string) error {
	lease, ok := o.guard.Acquire(jobID)
	if !ok {
		return ErrJobBusy
	}
	defer lease.Release()
	ctx = withLease(ctx, lease)

	job, err := o.jobs.GetByID(ctx, jobID)
	if err != nil {
		return errors.Wrapf(err, "load sync job %s", jobID)
	}
	logger := o.logger.With().
		Str("job_id", job.ID).
		Str("user_id", job.UserID).
		Str("sync_type", string(job.SyncType)).
		Logger()

	if !job.Status.IsStartable() {
		logger.Info().Str("status", string(job.Status)).Msg("job is not startable, nothing to do")
		return nil
	}
	started, err := o.jobs.TransitionStatus(ctx, jobID, models.StartableStatuses, models.SyncStatusRunning, nil)
	if err != nil {
		return errors.Wrap(err, "mark job running")
	}
	if !started {
		logger.Info().Msg("job changed status before start, nothing to do")
		return nil
	}
	logger.Info().
		Str("range", job.Range().String()).
		Int("chunks_total", job.ChunksTotal).
		Int("chunks_completed", job.ChunksCompleted).
		Msg("sync job running")

	result, runErr := o.run(ctx, job, logger)
	if runErr != nil && ctx.Err() != nil {
		logger.Warn().Err(runErr).Msg("run context ended mid-step")
		result, runErr = outcomeInterrupted, nil
	}
	if runErr != nil {
		logger.Error().Err(runErr).Msg("sync job failed")
		if err := o.MarkFailed(ctx, jobID, runErr); err != nil {
			logger.Error().Err(err).Msg("failed to mark job failed")
		}
		return runErr
	}

	switch result {
	case outcomeCompleted:
		return o.complete(ctx, job, logger)
	case outcomeCancelled:
		logger.Info().Msg("sync job cancelled")
		o.notify(ctx, jobID, logger)
	case outcomeInterrupted:
		fctx, cancel := finalizeContext(ctx)
		defer cancel()
		if _, err := o.jobs.TransitionStatus(fctx, jobID, []models.SyncStatus{models.SyncStatusRunning}, models.SyncStatusPaused, nil); err != nil {
			logger.Error().Err(err).Msg("failed to pause interrupted job")
			return errors.Wrap(err, "pause interrupted job")
		}
		logger.Info().Msg("sync job interrupted, paused for resume")
	case outcomeStopped:
		logger.Info().Msg("sync job stopped externally")
	}
	return nil
}

// MarkFailed records cause on a job that has not finished yet.
func (o *Orchestrator) MarkFailed(ctx context.Context, jobID string, cause error) error {
	fctx, cancel := finalizeContext(ctx)
	defer cancel()
	msg := cause.Error()
	ok, err := o.jobs.TransitionStatus(fctx, jobID,
		[]models.SyncStatus{models.SyncStatusPending, models.SyncStatusRunning},
		models.SyncStatusFailed, &msg)
	if err != nil {
		return err
	}
	if ok {
		o.notify(fctx, jobID, o.logger.With().Str("job_id", jobID).Logger())
	}
	return nil
}

func (o *Orchestrator) run(ctx context.Context, job models.SyncJob, logger zerolog.Logger) (outcome, error) {
	chunks, err := chunk.Plan(job.StartDate, job.EndDate, o.opts.ChunkSizeDays)
	if err != nil {
		return 0, errors.Wrap(err, "plan chunks")
	}
	link, err := o.links.GetLink(ctx, job.UserID, job.Provider)
	if err != nil {
		return 0, errors.Wrap(err, "load provider link")
	}

	remaining := chunk.Remaining(chunks, job.LastSuccessfulDate)
	completed := len(chunks) - len(remaining)
	existing := o.existingDates(ctx, job, remaining, logger)

	for i, c := range remaining {
		if next, err := o.checkpoint(ctx, job.ID); err != nil || next != outcomeContinue {
			return next, err
		}
		chunkLog := logger.With().Str("chunk", c.String()).Logger()

		if existing.Covers(c) {
			chunkLog.Debug().Msg("chunk already has data, skipping")
			if next, err := o.recordCompleted(ctx, job.ID, completed+1, c); err != nil || next != outcomeContinue {
				return next, err
			}
			completed++
			continue
		}

		ok, err := o.jobs.UpdateCurrentChunk(ctx, job.ID, c)
		if err != nil {
			return 0, errors.Wrap(err, "update current chunk")
		}
		if !ok {
			return o.stopped(ctx, job.ID)
		}

		if chunkErr := o.syncChunk(ctx, job, link, c); chunkErr != nil {
			if ctx.Err() != nil {
				return outcomeInterrupted, nil
			}
			chunkLog.Warn().Err(chunkErr).Msg("chunk failed, continuing")
			ok, err := o.jobs.AppendFailedChunk(ctx, job.ID, models.NewFailedChunk(c, chunkErr, o.now()))
			if err != nil {
				return 0, errors.Wrap(err, "record failed chunk")
			}
			if !ok {
				return o.stopped(ctx, job.ID)
			}
		}

		if next, err := o.recordCompleted(ctx, job.ID, completed+1, c); err != nil || next != outcomeContinue {
			return next, err
		}
		completed++
		chunkLog.Debug().Int("chunks_completed", completed).Int("chunks_total", len(chunks)).Msg("chunk done")

		if i < len(remaining)-1 {
			o.wait(ctx)
		}
	}
	return outcomeCompleted, nil
}

func (o *Orchestrator) syncChunk(ctx context.Context, job models.SyncJob, link models.ProviderLink, c models.DateRange) error {
	payload, err := o.client.FetchRange(ctx, link, c, job.MetricTypes)
	if err != nil {
		return errors.Wrap(err, "fetch")
	}
	if _, err := o.sink.Ingest(ctx, job.UserID, job.Provider, payload); err != nil {
		return errors.Wrap(err, "ingest")
	}
	return nil
}

// existingDates probes once for the whole remaining range. A failed probe
// only disables skipping.
func (o *Orchestrator) existingDates(ctx context.Context, job models.SyncJob, remaining []models.DateRange, logger zerolog.Logger) models.DateSet {
	if !job.SkipExisting || len(remaining) == 0 || o.probe == nil {
		return nil
	}
	span := models.DateRange{Start: remaining[0].Start, End: remaining[len(remaining)-1].End}
	dates, err := o.probe.DatesWithData(ctx, job.UserID, job.Provider, span, job.MetricTypes)
	if err != nil {
		logger.Warn().Err(err).Msg("existing data probe failed, syncing every chunk")
		return nil
	}
	return dates
}

func (o *Orchestrator) recordCompleted(ctx context.Context, jobID string, completed int, c models.DateRange) (outcome, error) {
	ok, err := o.jobs.RecordChunkCompleted(ctx, jobID, completed, c.End)
	if err != nil {
		return 0, errors.Wrap(err, "record chunk completed")
	}
	if !ok {
		return o.stopped(ctx, jobID)
	}
	return outcomeContinue, nil
}

// checkpoint re-reads the persisted status before each chunk.
func (o *Orchestrator) checkpoint(ctx context.Context, jobID string) (outcome, error) {
	if ctx.Err() != nil {
		return outcomeInterrupted, nil
	}
	current, err := o.jobs.GetByID(ctx, jobID)
	if err != nil {
		if ctx.Err() != nil {
			return outcomeInterrupted, nil
		}
		return 0, errors.Wrap(err, "reload sync job")
	}
	switch current.Status {
	case models.SyncStatusRunning:
		return outcomeContinue, nil
	case models.SyncStatusCancelled:
		return outcomeCancelled, nil
	default:
		return outcomeStopped, nil
	}
}

// stopped is used when a guarded progress write matched no row.
func (o *Orchestrator) stopped(ctx context.Context, jobID string) (outcome, error) {
	next, err := o.checkpoint(ctx, jobID)
	if err != nil {
		return 0, err
	}
	if next == outcomeContinue {
		return outcomeStopped, nil
	}
	return next, nil
}

func (o *Orchestrator) wait(ctx context.Context) {
	if o.opts.InterChunkDelay <= 0 {
		return
	}
	var cancelRequested <-chan struct{}
	if lease, ok := leaseFromContext(ctx); ok {
		cancelRequested = lease.CancelRequested()
	}
	timer := time.NewTimer(o.opts.InterChunkDelay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-cancelRequested:
	case <-timer.C:
	}
}

// complete advances the user's watermark before the status write. A crash in
// between leaves a running job whose resume only repeats this step.
func (o *Orchestrator) complete(ctx context.Context, job models.SyncJob, logger zerolog.Logger) error {
	ctx, cancel := finalizeContext(ctx)
	defer cancel()
	if err := o.links.AdvanceWatermark(ctx, job.UserID, job.Provider, job.EndDate); err != nil {
		err = errors.Wrap(err, "advance watermark")
		logger.Error().Err(err).Msg("sync job failed")
		if markErr := o.MarkFailed(ctx, job.ID, err); markErr != nil {
			logger.Error().Err(markErr).Msg("failed to mark job failed")
		}
		return err
	}

	ok, err := o.jobs.TransitionStatus(ctx, job.ID, []models.SyncStatus{models.SyncStatusRunning}, models.SyncStatusCompleted, nil)
	if err != nil {
		return errors.Wrap(err, "mark job completed")
	}
	if !ok {
		logger.Info().Msg("job left running before completion")
		return nil
	}
	logger.Info().Str("watermark", models.FormatDate(job.EndDate)).Msg("sync job completed")
	o.notify(ctx, job.ID, logger)
	return nil
}

// notify never affects job state.
func (o *Orchestrator) notify(ctx context.Context, jobID string, logger zerolog.Logger) {
	if o.notifier == nil {
		return
	}
	fctx, cancel := finalizeContext(ctx)
	defer cancel()
	job, err := o.jobs.GetByID(fctx, jobID)
	if err != nil {
		logger.Warn().Err(err).Msg("could not reload job for notification")
		return
	}
	if err := o.notifier.NotifySyncFinished(fctx, job); err != nil {
		logger.Warn().Err(err).Msg("failed to publish sync notification")
	}
}

// finalizeContext outlives a cancelled run context so terminal writes still land.
func finalizeContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), finalizeTimeout)
}
