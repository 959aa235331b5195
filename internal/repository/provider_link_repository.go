package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/stanstork/garmin-sync/internal/models"
)

type ProviderLinkRepository interface {
	GetLink(ctx context.Context, userID, provider string) (models.ProviderLink, error)
	UpsertLink(ctx context.Context, userID, provider, credentials string) (models.ProviderLink, error)
	AdvanceWatermark(ctx context.Context, userID, provider string, date time.Time) error
}

type providerLinkRepository struct {
	db *sql.DB
}

func NewProviderLinkRepository(db *sql.DB) ProviderLinkRepository {
	return &providerLinkRepository{db: db}
}

const providerLinkColumns = `id, user_id, provider, credentials, last_successful_sync_date, created_at, updated_at`

func (r *providerLinkRepository) GetLink(ctx context.Context, userID, provider string) (models.ProviderLink, error) {
	query := `SELECT ` + providerLinkColumns + ` FROM provider_links WHERE user_id = $1 AND provider = $2`
	link, err := scanProviderLink(r.db.QueryRowContext(ctx, query, userID, provider))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.ProviderLink{}, ErrLinkNotFound
		}
		return models.ProviderLink{}, err
	}
	return link, nil
}

// UpsertLink stores fresh credentials and keeps the existing watermark.
func (r *providerLinkRepository) UpsertLink(ctx context.Context, userID, provider, credentials string) (models.ProviderLink, error) {
	query := `
		INSERT INTO provider_links (user_id, provider, credentials)
		VALUES ($1, $2, $3)
		ON CONFLICT (user_id, provider)
		DO UPDATE SET credentials = EXCLUDED.credentials, updated_at = NOW()
		RETURNING ` + providerLinkColumns
	link, err := scanProviderLink(r.db.QueryRowContext(ctx, query, userID, provider, credentials))
	if err != nil {
		return models.ProviderLink{}, fmt.Errorf("upsert provider link: %w", err)
	}
	return link, nil
}

// AdvanceWatermark never moves last_successful_sync_date backwards.
func (r *providerLinkRepository) AdvanceWatermark(ctx context.Context, userID, provider string, date time.Time) error {
	query := `
		UPDATE provider_links
		SET last_successful_sync_date = GREATEST(COALESCE(last_successful_sync_date, $3::date), $3::date),
			updated_at = NOW()
		WHERE user_id = $1 AND provider = $2`
	res, err := r.db.ExecContext(ctx, query, userID, provider, models.FormatDate(date))
	if err != nil {
		return fmt.Errorf("advance watermark: %w", err)
	}
	ok, err := affected(res)
	if err != nil {
		return err
	}
	if !ok {
		return ErrLinkNotFound
	}
	return nil
}

func scanProviderLink(scanner interface {
	Scan(dest ...interface{}) error
}) (models.ProviderLink, error) {
	var (
		link      models.ProviderLink
		watermark sql.NullTime
	)
	if err := scanner.Scan(
		&link.ID,
		&link.UserID,
		&link.Provider,
		&link.Credentials,
		&watermark,
		&link.CreatedAt,
		&link.UpdatedAt,
	); err != nil {
		return models.ProviderLink{}, err
	}
	link.LastSuccessfulSyncDate = nullDate(watermark)
	return link, nil
}
