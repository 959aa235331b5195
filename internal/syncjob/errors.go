package syncjob

import (
	"errors"
	"fmt"

	"github.com/stanstork/garmin-sync/internal/chunk"
)

var (
	// ErrInvalidTransition means the job's current status does not allow the request.
	ErrInvalidTransition = errors.New("invalid sync job transition")
	// ErrJobBusy means the job is already being processed.
	ErrJobBusy = errors.New("sync job is already being processed")
	// ErrInvariant wraps planner invariant violations.
	ErrInvariant = chunk.ErrInvariant
)

// ValidationError is returned for bad start requests.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func invalid(field, format string, args ...interface{}) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}
