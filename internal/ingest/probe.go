package ingest

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"
	"gorm.io/gorm"

	"github.com/stanstork/garmin-sync/internal/models"
	"github.com/stanstork/garmin-sync/internal/provider"
)

// Probe reports which days already hold provider data.
type Probe struct {
	db *gorm.DB
}

func NewProbe(db *gorm.DB) *Probe {
	return &Probe{db: db}
}

// datesWithDataQuery builds one UNION over the tables that hold the selected
// metrics. It returns an empty query when nothing is selected.
func datesWithDataQuery(userID, providerName string, r models.DateRange, metricTypes []string) (string, []interface{}) {
	start, end := models.FormatDate(r.Start), models.FormatDate(r.End)
	var (
		parts []string
		args  []interface{}
	)
	if health := provider.HealthMetricsFor(metricTypes); len(health) > 0 {
		part := `SELECT entry_date AS d FROM provider_health_entries
		WHERE user_id = ? AND provider = ? AND entry_date BETWEEN ?::date AND ?::date`
		args = append(args, userID, providerName, start, end)
		if len(metricTypes) > 0 {
			part += ` AND metric_type = ANY(?::text[])`
			args = append(args, pq.Array(health))
		}
		parts = append(parts, part)
	}
	if provider.WantsActivities(metricTypes) {
		parts = append(parts, `SELECT activity_date AS d FROM provider_activities
		WHERE user_id = ? AND provider = ? AND activity_date BETWEEN ?::date AND ?::date`)
		args = append(args, userID, providerName, start, end)
	}
	if len(parts) == 0 {
		return "", nil
	}
	return `SELECT DISTINCT d FROM (` + strings.Join(parts, ` UNION `) + `) days`, args
}

// DatesWithData runs a single query over the tables holding metricTypes.
// With a metric restriction, a day counts only if a selected metric is
// present. An empty restriction means every metric.
//
// TODO: a day is covered once any selected metric has data; tracking
// coverage per metric would need the probe to return (date, metric) pairs.
func (p *Probe) DatesWithData(ctx context.Context, userID, providerName string, r models.DateRange, metricTypes []string) (models.DateSet, error) {
	query, args := datesWithDataQuery(userID, providerName, r, metricTypes)
	set := models.DateSet{}
	if query == "" {
		return set, nil
	}
	rows, err := p.db.WithContext(ctx).Raw(query, args...).Rows()
	if err != nil {
		return nil, fmt.Errorf("query dates with data: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var d time.Time
		if err := rows.Scan(&d); err != nil {
			return nil, fmt.Errorf("scan date: %w", err)
		}
		set.Add(models.Day(d))
	}
	return set, rows.Err()
}
