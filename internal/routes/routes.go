package routes

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/stanstork/garmin-sync/internal/authz"
	"github.com/stanstork/garmin-sync/internal/handlers"
)

// NewRouter sets up the API routes. Everything under /api requires a bearer token.
// API routes sit on the root router, each wrapped in auth, so that a method
// mismatch is answered with 405 before authentication.
func NewRouter(jwtSecret string, health http.Handler, sync *handlers.SyncHandler, notifications *handlers.NotificationHandler) *mux.Router {
	router := mux.NewRouter()
	router.NotFoundHandler = http.HandlerFunc(handlers.NotFound)
	router.MethodNotAllowedHandler = http.HandlerFunc(handlers.MethodNotAllowed)

	router.Handle("/health", health).Methods(http.MethodGet)

	auth := authz.RequireAuth(jwtSecret)
	api := func(path string, h http.HandlerFunc, method string) {
		router.Handle("/api"+path, auth(h)).Methods(method)
	}

	api("/sync/incremental", sync.StartIncremental, http.MethodPost)
	api("/sync/historical", sync.StartHistorical, http.MethodPost)
	api("/sync/status", sync.Status, http.MethodGet)
	api("/sync/jobs", sync.ListJobs, http.MethodGet)
	api("/sync/jobs/{jobID}/resume", sync.Resume, http.MethodPost)
	api("/sync/jobs/{jobID}/cancel", sync.Cancel, http.MethodPost)
	// body-addressed variants taking {"jobId": ...}
	api("/sync/resume", sync.Resume, http.MethodPost)
	api("/sync/cancel", sync.Cancel, http.MethodPost)

	api("/notifications", notifications.List, http.MethodGet)
	api("/notifications/{notificationID}/read", notifications.MarkRead, http.MethodPost)

	return router
}
