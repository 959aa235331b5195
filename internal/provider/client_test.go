package provider

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stanstork/garmin-sync/internal/models"
)

func testChunk(t *testing.T) models.DateRange {
	t.Helper()
	start, err := models.ParseDate("2025-01-01")
	require.NoError(t, err)
	return models.DateRange{Start: start, End: models.AddDays(start, 6)}
}

func TestFetchRangeCallsBothEndpoints(t *testing.T) {
	var healthReq rangeRequest
	var calls []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls = append(calls, r.URL.Path)
		assert.Equal(t, http.MethodPost, r.Method)
		switch r.URL.Path {
		case healthPath:
			assert.NoError(t, json.NewDecoder(r.Body).Decode(&healthReq))
			w.Write([]byte(`{"user_id":"u1","data":{"steps":[{"date":"2025-01-01","value":5000}],"sleep":[]}}`))
		case activitiesPath:
			w.Write([]byte(`{"activities":[{"activity":{"activityId":1}}],"workouts":[]}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	client := NewClient(Config{BaseURL: srv.URL + "/", Timeout: time.Second}, zerolog.Nop())
	link := models.ProviderLink{UserID: "u1", Credentials: "tok"}

	payload, err := client.FetchRange(t.Context(), link, testChunk(t), nil)
	require.NoError(t, err)

	assert.Equal(t, []string{healthPath, activitiesPath}, calls)
	assert.Equal(t, "2025-01-01", healthReq.StartDate)
	assert.Equal(t, "2025-01-07", healthReq.EndDate)
	assert.Equal(t, "tok", healthReq.Tokens)
	assert.Equal(t, AllHealthMetrics, healthReq.MetricTypes)

	assert.Len(t, payload.Health["steps"], 1)
	_, hasSleep := payload.Health["sleep"]
	assert.False(t, hasSleep)
	assert.Len(t, payload.Activities, 1)
}

func TestFetchRangeOnlyActivities(t *testing.T) {
	var calls []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls = append(calls, r.URL.Path)
		w.Write([]byte(`{"activities":[]}`))
	}))
	defer srv.Close()

	client := NewClient(Config{BaseURL: srv.URL}, zerolog.Nop())
	payload, err := client.FetchRange(t.Context(), models.ProviderLink{UserID: "u1", Credentials: "tok"}, testChunk(t), []string{MetricActivities})
	require.NoError(t, err)
	assert.Equal(t, []string{activitiesPath}, calls)
	assert.True(t, payload.Empty())
}

func TestFetchRangeReturnsHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		w.Write([]byte(strings.Repeat("x", 800)))
	}))
	defer srv.Close()

	client := NewClient(Config{BaseURL: srv.URL}, zerolog.Nop())
	_, err := client.FetchRange(t.Context(), models.ProviderLink{UserID: "u1", Credentials: "tok"}, testChunk(t), []string{"steps"})
	require.Error(t, err)

	var httpErr *HTTPError
	require.ErrorAs(t, err, &httpErr)
	assert.Equal(t, http.StatusBadGateway, httpErr.StatusCode)
	assert.Len(t, httpErr.Body, MaxErrorBodySize+3)
	assert.True(t, httpErr.Retryable())
}

func TestFetchRangeRequiresCredentials(t *testing.T) {
	client := NewClient(Config{BaseURL: "http://unused"}, zerolog.Nop())
	_, err := client.FetchRange(t.Context(), models.ProviderLink{UserID: "u1"}, testChunk(t), nil)
	assert.ErrorIs(t, err, ErrMissingCredentials)
}

func TestNormalizeMetricTypes(t *testing.T) {
	got, err := NormalizeMetricTypes([]string{" Steps", "sleep", "steps", "", "activities"})
	require.NoError(t, err)
	assert.Equal(t, []string{"activities", "sleep", "steps"}, got)

	_, err = NormalizeMetricTypes([]string{"steps", "vo2_magic"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "vo2_magic")

	got, err = NormalizeMetricTypes(nil)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestMetricSelection(t *testing.T) {
	assert.Nil(t, HealthMetricsFor([]string{MetricActivities}))
	assert.Equal(t, []string{"steps"}, HealthMetricsFor([]string{"steps", MetricActivities}))
	assert.False(t, WantsActivities([]string{"steps"}))
	assert.True(t, WantsActivities(nil))
}
