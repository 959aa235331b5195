// Package ingest persists provider payloads and answers which days already hold data.
package ingest

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/stanstork/garmin-sync/internal/models"
)

const batchSize = 200

// Result counts what one Ingest call wrote.
type Result struct {
	HealthRows   int
	ActivityRows int
	Skipped      int
}

// Sink upserts normalized rows so that re-ingesting a chunk is a no-op.
type Sink struct {
	db     *gorm.DB
	logger zerolog.Logger
	now    func() time.Time
}

func NewSink(db *gorm.DB, logger zerolog.Logger) *Sink {
	return &Sink{
		db:     db,
		logger: logger.With().Str("component", "ingest_sink").Logger(),
		now:    time.Now,
	}
}

func (s *Sink) Ingest(ctx context.Context, userID, provider string, payload *models.ChunkPayload) (Result, error) {
	if payload.Empty() {
		return Result{}, nil
	}
	syncedAt := s.now().UTC()

	health, skippedHealth, err := healthRows(userID, provider, payload, syncedAt)
	if err != nil {
		return Result{}, err
	}
	activities, skippedActivities := activityRows(userID, provider, payload, syncedAt)
	res := Result{
		HealthRows:   len(health),
		ActivityRows: len(activities),
		Skipped:      skippedHealth + skippedActivities,
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if len(health) > 0 {
			if err := tx.Clauses(clause.OnConflict{
				Columns: []clause.Column{
					{Name: "user_id"}, {Name: "provider"}, {Name: "metric_type"}, {Name: "entry_date"},
				},
				DoUpdates: clause.AssignmentColumns([]string{"data", "synced_at"}),
			}).CreateInBatches(&health, batchSize).Error; err != nil {
				return fmt.Errorf("upsert health entries: %w", err)
			}
		}
		if len(activities) > 0 {
			if err := tx.Clauses(clause.OnConflict{
				Columns: []clause.Column{
					{Name: "user_id"}, {Name: "provider"}, {Name: "external_id"},
				},
				DoUpdates: clause.AssignmentColumns([]string{"activity_date", "name", "activity_type", "data", "synced_at"}),
			}).CreateInBatches(&activities, batchSize).Error; err != nil {
				return fmt.Errorf("upsert activities: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return Result{}, err
	}

	s.logger.Debug().
		Str("user_id", userID).
		Str("range", payload.Range.String()).
		Int("health_rows", res.HealthRows).
		Int("activity_rows", res.ActivityRows).
		Int("skipped", res.Skipped).
		Msg("payload ingested")
	return res, nil
}
