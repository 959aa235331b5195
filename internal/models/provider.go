package models

import (
	"encoding/json"
	"time"

	"gorm.io/datatypes"
)

// ProviderLink ties a user to an external provider account.
type ProviderLink struct {
	ID                     string     `json:"id" db:"id"`
	UserID                 string     `json:"user_id" db:"user_id"`
	Provider               string     `json:"provider" db:"provider"`
	Credentials            string     `json:"-" db:"credentials"`
	LastSuccessfulSyncDate *time.Time `json:"last_successful_sync_date,omitempty" db:"last_successful_sync_date"`
	CreatedAt              time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt              time.Time  `json:"updated_at" db:"updated_at"`
}

// ChunkPayload is the raw provider response for one chunk.
type ChunkPayload struct {
	Range      DateRange
	Health     map[string][]json.RawMessage
	Activities []json.RawMessage
}

func (p *ChunkPayload) Empty() bool {
	if p == nil {
		return true
	}
	for _, entries := range p.Health {
		if len(entries) > 0 {
			return false
		}
	}
	return len(p.Activities) == 0
}

// HealthEntry is one metric's readings for a single day.
type HealthEntry struct {
	ID         uint           `gorm:"primaryKey"`
	UserID     string         `gorm:"column:user_id;not null"`
	Provider   string         `gorm:"column:provider;not null"`
	MetricType string         `gorm:"column:metric_type;not null"`
	EntryDate  time.Time      `gorm:"column:entry_date;type:date;not null"`
	Data       datatypes.JSON `gorm:"column:data;type:jsonb"`
	SyncedAt   time.Time      `gorm:"column:synced_at"`
}

func (HealthEntry) TableName() string {
	return "provider_health_entries"
}

// Activity is a recorded provider activity keyed by its external id.
type Activity struct {
	ID           uint           `gorm:"primaryKey"`
	UserID       string         `gorm:"column:user_id;not null"`
	Provider     string         `gorm:"column:provider;not null"`
	ExternalID   string         `gorm:"column:external_id;not null"`
	ActivityDate time.Time      `gorm:"column:activity_date;type:date;not null"`
	Name         string         `gorm:"column:name"`
	ActivityType string         `gorm:"column:activity_type"`
	Data         datatypes.JSON `gorm:"column:data;type:jsonb"`
	SyncedAt     time.Time      `gorm:"column:synced_at"`
}

func (Activity) TableName() string {
	return "provider_activities"
}
