package provider

import (
	"fmt"
	"sort"
	"strings"
)

// MetricActivities selects the activities endpoint instead of a health metric.
const MetricActivities = "activities"

// AllHealthMetrics lists what the Garmin microservice can return per day.
var AllHealthMetrics = []string{
	"heart_rates", "sleep", "stress", "respiration", "spo2",
	"intensity_minutes", "training_readiness", "training_status", "max_metrics",
	"hrv", "lactate_threshold", "endurance_score", "hill_score", "race_predictions",
	"blood_pressure", "body_battery", "menstrual_data", "floors", "fitness_age", "body_composition",
	"steps", "total_distance", "highly_active_seconds", "active_seconds", "sedentary_seconds",
}

var knownMetrics = func() map[string]struct{} {
	m := make(map[string]struct{}, len(AllHealthMetrics)+1)
	for _, metric := range AllHealthMetrics {
		m[metric] = struct{}{}
	}
	m[MetricActivities] = struct{}{}
	return m
}()

// NormalizeMetricTypes lowercases, dedupes and sorts the requested metrics.
// Unknown names are rejected. An empty result means every metric.
func NormalizeMetricTypes(types []string) ([]string, error) {
	seen := map[string]struct{}{}
	var unknown []string
	out := make([]string, 0, len(types))
	for _, raw := range types {
		metric := strings.ToLower(strings.TrimSpace(raw))
		if metric == "" {
			continue
		}
		if _, ok := knownMetrics[metric]; !ok {
			unknown = append(unknown, raw)
			continue
		}
		if _, dup := seen[metric]; dup {
			continue
		}
		seen[metric] = struct{}{}
		out = append(out, metric)
	}
	if len(unknown) > 0 {
		return nil, fmt.Errorf("unknown metric types: %s", strings.Join(unknown, ", "))
	}
	sort.Strings(out)
	return out, nil
}

// HealthMetricsFor returns the health metrics selected by types. nil means none.
func HealthMetricsFor(types []string) []string {
	if len(types) == 0 {
		return AllHealthMetrics
	}
	var out []string
	for _, t := range types {
		if t != MetricActivities {
			out = append(out, t)
		}
	}
	return out
}

func WantsActivities(types []string) bool {
	if len(types) == 0 {
		return true
	}
	for _, t := range types {
		if t == MetricActivities {
			return true
		}
	}
	return false
}
