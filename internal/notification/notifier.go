package notification

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/stanstork/garmin-sync/internal/models"
)

// Notifier delivers a persisted notification over one channel. Delivery
// failures are logged and never fail the publish.
type Notifier interface {
	Name() string
	Notify(ctx context.Context, notification models.Notification) error
}

// LogNotifier writes each notification to the service log at a level that
// follows its severity.
type LogNotifier struct {
	logger zerolog.Logger
}

func NewLogNotifier(logger zerolog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger.With().Str("notifier", "log").Logger()}
}

func (n *LogNotifier) Name() string { return "log" }

func (n *LogNotifier) Notify(_ context.Context, notif models.Notification) error {
	event := n.logger.Info()
	switch notif.Severity {
	case models.NotificationSeverityWarning:
		event = n.logger.Warn()
	case models.NotificationSeverityError:
		event = n.logger.Error()
	}
	event.
		Str("notification_id", notif.ID).
		Str("user_id", notif.UserID).
		Str("event_type", string(notif.EventType)).
		Msg(notif.Message)
	return nil
}

func logNotifyError(logger zerolog.Logger, err error, channel string, notif models.Notification) {
	if err == nil {
		return
	}
	logger.Warn().
		Err(err).
		Str("notification_id", notif.ID).
		Str("event_type", string(notif.EventType)).
		Str("channel", channel).
		Msg("failed to deliver notification")
}
