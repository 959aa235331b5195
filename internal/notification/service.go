package notification

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/stanstork/garmin-sync/internal/models"
	"github.com/stanstork/garmin-sync/internal/repository"
)

type Event struct {
	UserID   string
	Event    models.NotificationEvent
	Severity models.NotificationSeverity
	Title    string
	Message  string
	Metadata map[string]interface{}
}

type Service interface {
	Publish(ctx context.Context, evt Event) (models.Notification, error)
	NotifySyncFinished(ctx context.Context, job models.SyncJob) error
	ListRecent(ctx context.Context, userID string, limit int) ([]models.Notification, error)
	MarkRead(ctx context.Context, userID, notificationID string) (models.Notification, error)
}

type service struct {
	repo     repository.NotificationRepository
	channels []Notifier
	logger   zerolog.Logger
}

// NewService persists notifications and then hands them to channels.
func NewService(repo repository.NotificationRepository, logger zerolog.Logger, channels ...Notifier) Service {
	return &service{
		repo:     repo,
		channels: channels,
		logger:   logger.With().Str("component", "notification_service").Logger(),
	}
}

func (s *service) Publish(ctx context.Context, evt Event) (models.Notification, error) {
	if evt.Event == "" {
		return models.Notification{}, fmt.Errorf("event type is required")
	}
	userID := strings.TrimSpace(evt.UserID)
	if userID == "" {
		return models.Notification{}, fmt.Errorf("user id is required")
	}
	if evt.Severity == "" {
		evt.Severity = models.NotificationSeverityInfo
	}
	title := strings.TrimSpace(evt.Title)
	if title == "" {
		title = string(evt.Event)
	}

	notif, err := s.repo.Create(ctx, repository.CreateNotificationParams{
		UserID:   userID,
		Event:    evt.Event,
		Severity: evt.Severity,
		Title:    title,
		Message:  strings.TrimSpace(evt.Message),
		Metadata: evt.Metadata,
	})
	if err != nil {
		s.logger.Error().Err(err).Str("event_type", string(evt.Event)).Msg("failed to persist notification")
		return models.Notification{}, err
	}
	for _, ch := range s.channels {
		logNotifyError(s.logger, ch.Notify(ctx, notif), ch.Name(), notif)
	}
	return notif, nil
}

// NotifySyncFinished publishes the event matching the job's final state.
// Jobs that are still active publish nothing.
func (s *service) NotifySyncFinished(ctx context.Context, job models.SyncJob) error {
	evt, ok := finishedEvent(job)
	if !ok {
		return nil
	}
	_, err := s.Publish(ctx, evt)
	return err
}

func finishedEvent(job models.SyncJob) (Event, bool) {
	rangeLabel := job.Range().String()
	metadata := map[string]interface{}{
		"job_id":           job.ID,
		"sync_type":        job.SyncType,
		"start_date":       models.FormatDate(job.StartDate),
		"end_date":         models.FormatDate(job.EndDate),
		"chunks_total":     job.ChunksTotal,
		"chunks_completed": job.ChunksCompleted,
	}
	evt := Event{UserID: job.UserID, Metadata: metadata}

	switch job.Status {
	case models.SyncStatusCompleted:
		if n := len(job.FailedChunks); n > 0 {
			metadata["failed_chunks"] = n
			evt.Event = models.NotificationEventSyncCompletedWithFailures
			evt.Severity = models.NotificationSeverityWarning
			evt.Title = "Sync completed with failures"
			evt.Message = fmt.Sprintf("Synced %s, %d of %d chunks failed.", rangeLabel, n, job.ChunksTotal)
		} else {
			evt.Event = models.NotificationEventSyncCompleted
			evt.Severity = models.NotificationSeverityInfo
			evt.Title = "Sync completed"
			evt.Message = fmt.Sprintf("Synced %s.", rangeLabel)
		}
	case models.SyncStatusFailed:
		reason := "unknown error"
		if job.ErrorMessage != nil && strings.TrimSpace(*job.ErrorMessage) != "" {
			reason = strings.TrimSpace(*job.ErrorMessage)
		}
		metadata["reason"] = reason
		evt.Event = models.NotificationEventSyncFailed
		evt.Severity = models.NotificationSeverityError
		evt.Title = "Sync failed"
		evt.Message = fmt.Sprintf("Sync of %s failed: %s. You can resume it.", rangeLabel, reason)
	case models.SyncStatusCancelled:
		evt.Event = models.NotificationEventSyncCancelled
		evt.Severity = models.NotificationSeverityInfo
		evt.Title = "Sync cancelled"
		evt.Message = fmt.Sprintf("Sync of %s was cancelled after %d of %d chunks.", rangeLabel, job.ChunksCompleted, job.ChunksTotal)
	default:
		return Event{}, false
	}
	return evt, true
}

func (s *service) ListRecent(ctx context.Context, userID string, limit int) ([]models.Notification, error) {
	return s.repo.ListRecent(ctx, userID, limit)
}

func (s *service) MarkRead(ctx context.Context, userID, notificationID string) (models.Notification, error) {
	return s.repo.MarkRead(ctx, userID, notificationID)
}
