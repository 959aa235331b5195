package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/stanstork/garmin-sync/internal/authz"
	"github.com/stanstork/garmin-sync/internal/models"
	"github.com/stanstork/garmin-sync/internal/notification"
	"github.com/stanstork/garmin-sync/internal/repository"
)

type NotificationHandler struct {
	service notification.Service
	logger  zerolog.Logger
}

func NewNotificationHandler(service notification.Service, logger zerolog.Logger) *NotificationHandler {
	return &NotificationHandler{
		service: service,
		logger:  logger.With().Str("handler", "notification").Logger(),
	}
}

type notificationView struct {
	ID        string          `json:"id"`
	Event     string          `json:"event"`
	Severity  string          `json:"severity"`
	Title     string          `json:"title"`
	Message   string          `json:"message"`
	Metadata  json.RawMessage `json:"metadata,omitempty"`
	Read      bool            `json:"read"`
	CreatedAt time.Time       `json:"createdAt"`
	ReadAt    *time.Time      `json:"readAt"`
}

func newNotificationView(n models.Notification) notificationView {
	return notificationView{
		ID:        n.ID,
		Event:     string(n.EventType),
		Severity:  string(n.Severity),
		Title:     n.Title,
		Message:   n.Message,
		Metadata:  n.Metadata,
		Read:      n.ReadAt != nil,
		CreatedAt: n.CreatedAt,
		ReadAt:    n.ReadAt,
	}
}

// List returns the caller's most recent sync notifications, newest first.
func (h *NotificationHandler) List(w http.ResponseWriter, r *http.Request) {
	userID, ok := authz.UserIDFromRequest(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "Missing user context")
		return
	}

	recent, err := h.service.ListRecent(r.Context(), userID, queryLimit(r, 25))
	if err != nil {
		h.logger.Error().Err(err).Str("user_id", userID).Msg("failed to list notifications")
		writeError(w, http.StatusInternalServerError, "Failed to list notifications")
		return
	}

	views := make([]notificationView, 0, len(recent))
	unread := 0
	for _, n := range recent {
		if n.ReadAt == nil {
			unread++
		}
		views = append(views, newNotificationView(n))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"notifications": views,
		"unread":        unread,
	})
}

func (h *NotificationHandler) MarkRead(w http.ResponseWriter, r *http.Request) {
	userID, ok := authz.UserIDFromRequest(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "Missing user context")
		return
	}

	id := strings.TrimSpace(mux.Vars(r)["notificationID"])
	if id == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "notification id is required", Field: "notificationId"})
		return
	}

	n, err := h.service.MarkRead(r.Context(), userID, id)
	switch {
	case errors.Is(err, repository.ErrNotificationNotFound):
		writeError(w, http.StatusNotFound, "Notification not found")
	case err != nil:
		h.logger.Error().Err(err).Str("notification_id", id).Msg("failed to mark notification as read")
		writeError(w, http.StatusInternalServerError, "Failed to update notification")
	default:
		writeJSON(w, http.StatusOK, newNotificationView(n))
	}
}
