package ingest

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"gorm.io/datatypes"

	"github.com/stanstork/garmin-sync/internal/models"
)

// dateKeys are tried in order when looking for the calendar date of a health reading.
var dateKeys = []string{"date", "calendarDate", "summaryDate", "startTimeLocal", "startTimestampLocal", "timestamp"}

// healthRows groups raw readings by metric and day. Providers can return
// several readings for one day, so each row stores a JSON array.
func healthRows(userID, provider string, payload *models.ChunkPayload, syncedAt time.Time) ([]models.HealthEntry, int, error) {
	type key struct {
		metric string
		date   string
	}
	grouped := map[key][]json.RawMessage{}
	skipped := 0

	for metric, entries := range payload.Health {
		for _, raw := range entries {
			date, ok := readingDate(raw)
			if !ok {
				skipped++
				continue
			}
			if date.Before(payload.Range.Start) || date.After(payload.Range.End) {
				skipped++
				continue
			}
			k := key{metric: metric, date: models.FormatDate(date)}
			grouped[k] = append(grouped[k], raw)
		}
	}

	keys := make([]key, 0, len(grouped))
	for k := range grouped {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].metric != keys[j].metric {
			return keys[i].metric < keys[j].metric
		}
		return keys[i].date < keys[j].date
	})

	rows := make([]models.HealthEntry, 0, len(keys))
	for _, k := range keys {
		data, err := json.Marshal(grouped[k])
		if err != nil {
			return nil, skipped, fmt.Errorf("encode %s readings for %s: %w", k.metric, k.date, err)
		}
		date, _ := models.ParseDate(k.date)
		rows = append(rows, models.HealthEntry{
			UserID:     userID,
			Provider:   provider,
			MetricType: k.metric,
			EntryDate:  date,
			Data:       datatypes.JSON(data),
			SyncedAt:   syncedAt,
		})
	}
	return rows, skipped, nil
}

type rawActivity struct {
	ActivityID     json.Number `json:"activityId"`
	ActivityName   string      `json:"activityName"`
	StartTimeLocal string      `json:"startTimeLocal"`
	ActivityType   struct {
		TypeKey string `json:"typeKey"`
	} `json:"activityType"`
}

// activityRows extracts one row per external activity id. The later copy
// wins when the provider repeats an id.
func activityRows(userID, provider string, payload *models.ChunkPayload, syncedAt time.Time) ([]models.Activity, int) {
	byID := map[string]models.Activity{}
	var order []string
	skipped := 0

	for _, raw := range payload.Activities {
		var wrapper struct {
			Activity json.RawMessage `json:"activity"`
		}
		body := []byte(raw)
		if err := json.Unmarshal(raw, &wrapper); err == nil && len(wrapper.Activity) > 0 {
			body = wrapper.Activity
		}

		var act rawActivity
		dec := json.NewDecoder(bytes.NewReader(body))
		dec.UseNumber()
		if err := dec.Decode(&act); err != nil || act.ActivityID.String() == "" {
			skipped++
			continue
		}

		date := payload.Range.Start
		if d, ok := parseLooseDate(act.StartTimeLocal); ok {
			date = d
		}

		id := act.ActivityID.String()
		if _, seen := byID[id]; !seen {
			order = append(order, id)
		}
		byID[id] = models.Activity{
			UserID:       userID,
			Provider:     provider,
			ExternalID:   id,
			ActivityDate: date,
			Name:         act.ActivityName,
			ActivityType: act.ActivityType.TypeKey,
			Data:         datatypes.JSON(raw),
			SyncedAt:     syncedAt,
		}
	}

	rows := make([]models.Activity, 0, len(order))
	for _, id := range order {
		rows = append(rows, byID[id])
	}
	return rows, skipped
}

func readingDate(raw json.RawMessage) (time.Time, bool) {
	var fields map[string]interface{}
	if err := json.Unmarshal(raw, &fields); err != nil {
		return time.Time{}, false
	}
	for _, k := range dateKeys {
		switch v := fields[k].(type) {
		case string:
			if d, ok := parseLooseDate(v); ok {
				return d, true
			}
		case float64:
			// epoch milliseconds
			return models.Day(time.UnixMilli(int64(v)).UTC()), true
		}
	}
	return time.Time{}, false
}

// parseLooseDate accepts YYYY-MM-DD optionally followed by a time part.
func parseLooseDate(value string) (time.Time, bool) {
	value = strings.TrimSpace(value)
	if len(value) < len(models.DateLayout) {
		return time.Time{}, false
	}
	d, err := models.ParseDate(value[:len(models.DateLayout)])
	if err != nil {
		return time.Time{}, false
	}
	return d, true
}
