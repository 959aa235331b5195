package repository

import (
	"errors"

	"github.com/lib/pq"
)

var (
	ErrJobNotFound          = errors.New("sync job not found")
	ErrActiveJobExists      = errors.New("an active sync job already exists")
	ErrLinkNotFound         = errors.New("provider link not found")
	ErrNotificationNotFound = errors.New("notification not found")
)

const uniqueViolation = "23505"

func isUniqueViolation(err error, constraint string) bool {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return false
	}
	return pqErr.Code == uniqueViolation && (constraint == "" || pqErr.Constraint == constraint)
}
