package models

import (
	"time"
)

// RetentionPolicy selects audit events by type/severity and defines how long
// they live in primary storage and when they move to cold storage.
type RetentionPolicy struct {
	ID                 uint   `json:"-" gorm:"primaryKey"`
	PolicyID           string `json:"policy_id" gorm:"uniqueIndex"`
	Name               string `json:"name"`
	Enabled            bool   `json:"enabled"`
	EventType          string `json:"event_type"` // empty matches all types
	Severity           string `json:"severity"`   // empty matches all severities
	RetentionDays      int    `json:"retention_days"`
	ArchivalDays       int    `json:"archival_days"`
	Compress           bool   `json:"compress"`
	Encrypt            bool   `json:"encrypt"`
	DeleteAfterArchive bool   `json:"delete_after_archive"`
	Location           string `json:"location"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Archival job states.
const (
	JobStatusPending   = "pending"
	JobStatusRunning   = "running"
	JobStatusCompleted = "completed"
	JobStatusFailed    = "failed"
)

// ArchivalJob is the append-only record of one policy execution. Failed jobs
// keep their partial progress and are re-run only by operator action.
type ArchivalJob struct {
	ID       uint   `json:"-" gorm:"primaryKey"`
	JobID    string `json:"job_id" gorm:"uniqueIndex"`
	PolicyID string `json:"policy_id" gorm:"index"`
	Status   string `json:"status" gorm:"index;default:'pending'"`

	EventsProcessed int    `json:"events_processed"`
	EventsArchived  int    `json:"events_archived"`
	Errors          string `json:"errors,omitempty" gorm:"type:text"`
	ArchivePath     string `json:"archive_path,omitempty"`

	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}
