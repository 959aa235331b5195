// Package chunk splits date ranges into fixed-size windows.
package chunk

import (
	"errors"
	"fmt"
	"time"

	"github.com/stanstork/garmin-sync/internal/models"
)

// MaxChunks bounds the planner loop.
const MaxChunks = 50000

// ErrInvariant is returned when planning cannot make progress or exceeds MaxChunks.
var ErrInvariant = errors.New("chunk planner invariant violated")

// Plan splits [start, end] into ascending, contiguous, inclusive chunks of
// sizeDays days. The last chunk may be shorter. start after end yields no chunks.
func Plan(start, end time.Time, sizeDays int) ([]models.DateRange, error) {
	if sizeDays < 1 {
		return nil, fmt.Errorf("chunk size must be at least one day, got %d", sizeDays)
	}
	start, end = models.Day(start), models.Day(end)
	if start.After(end) {
		return nil, nil
	}

	var chunks []models.DateRange
	for cur := start; !cur.After(end); {
		if len(chunks) >= MaxChunks {
			return nil, fmt.Errorf("%w: more than %d chunks for %s..%s", ErrInvariant, MaxChunks, models.FormatDate(start), models.FormatDate(end))
		}
		chunkEnd := models.AddDays(cur, sizeDays-1)
		if chunkEnd.After(end) {
			chunkEnd = end
		}
		chunks = append(chunks, models.DateRange{Start: cur, End: chunkEnd})

		next := models.AddDays(chunkEnd, 1)
		if !next.After(cur) {
			return nil, fmt.Errorf("%w: no progress at %s", ErrInvariant, models.FormatDate(cur))
		}
		cur = next
	}
	return chunks, nil
}

// Count returns the number of chunks Plan would produce.
func Count(start, end time.Time, sizeDays int) (int, error) {
	chunks, err := Plan(start, end, sizeDays)
	if err != nil {
		return 0, err
	}
	return len(chunks), nil
}

// Remaining drops chunks that end on or before last.
func Remaining(chunks []models.DateRange, last *time.Time) []models.DateRange {
	if last == nil {
		return chunks
	}
	watermark := models.Day(*last)
	for i, c := range chunks {
		if c.End.After(watermark) {
			return chunks[i:]
		}
	}
	return nil
}
