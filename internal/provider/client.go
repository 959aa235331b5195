// Package provider talks to the Garmin Connect microservice.
package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/stanstork/garmin-sync/internal/models"
)

const (
	healthPath     = "/data/health_and_wellness"
	activitiesPath = "/data/activities_and_workouts"
)

var ErrMissingCredentials = errors.New("provider link has no credentials")

type Config struct {
	BaseURL string
	Timeout time.Duration
}

// Client fetches one chunk of data per call. It holds no per-job state.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     zerolog.Logger
}

func NewClient(cfg Config, logger zerolog.Logger) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger.With().Str("component", "provider_client").Logger(),
	}
}

type rangeRequest struct {
	UserID      string   `json:"user_id"`
	Tokens      string   `json:"tokens"`
	StartDate   string   `json:"start_date"`
	EndDate     string   `json:"end_date"`
	MetricTypes []string `json:"metric_types,omitempty"`
}

type healthResponse struct {
	Data map[string][]json.RawMessage `json:"data"`
}

type activitiesResponse struct {
	Activities []json.RawMessage `json:"activities"`
}

// FetchRange returns the raw payload for chunk. metricTypes must already be
// normalized; empty means every metric plus activities.
func (c *Client) FetchRange(ctx context.Context, link models.ProviderLink, chunk models.DateRange, metricTypes []string) (*models.ChunkPayload, error) {
	if strings.TrimSpace(link.Credentials) == "" {
		return nil, ErrMissingCredentials
	}
	req := rangeRequest{
		UserID:    link.UserID,
		Tokens:    link.Credentials,
		StartDate: models.FormatDate(chunk.Start),
		EndDate:   models.FormatDate(chunk.End),
	}
	payload := &models.ChunkPayload{Range: chunk, Health: map[string][]json.RawMessage{}}

	if metrics := HealthMetricsFor(metricTypes); len(metrics) > 0 {
		req.MetricTypes = metrics
		var resp healthResponse
		if err := c.post(ctx, healthPath, req, &resp); err != nil {
			return nil, errors.Wrap(err, "fetch health metrics")
		}
		for metric, entries := range resp.Data {
			if len(entries) > 0 {
				payload.Health[metric] = entries
			}
		}
	}

	if WantsActivities(metricTypes) {
		req.MetricTypes = nil
		var resp activitiesResponse
		if err := c.post(ctx, activitiesPath, req, &resp); err != nil {
			return nil, errors.Wrap(err, "fetch activities")
		}
		payload.Activities = resp.Activities
	}

	c.logger.Debug().
		Str("user_id", link.UserID).
		Str("range", chunk.String()).
		Int("metrics", len(payload.Health)).
		Int("activities", len(payload.Activities)).
		Msg("fetched provider chunk")
	return payload, nil
}

func (c *Client) post(ctx context.Context, path string, body interface{}, out interface{}) error {
	buf, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(buf))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := parseErrorResponse(resp); err != nil {
		return err
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}
