package models

import (
	"time"
)

// Alert is raised by a triggered monitoring rule. Alerts move through an
// acknowledge/resolve lifecycle; the oldest entries are pruned once the
// history cap is reached.
type Alert struct {
	ID          uint      `json:"-" gorm:"primaryKey"`
	AlertID     string    `json:"alert_id" gorm:"uniqueIndex"`
	Type        string    `json:"type"`
	Severity    Severity  `json:"severity" gorm:"index"`
	Title       string    `json:"title"`
	Description string    `json:"description" gorm:"type:text"`
	RuleID      string    `json:"rule_id" gorm:"index"`
	EventIDs    string    `json:"event_ids" gorm:"type:text"` // JSON array of related event ids

	Acknowledged   bool       `json:"acknowledged" gorm:"default:false"`
	AcknowledgedBy string     `json:"acknowledged_by,omitempty"`
	AcknowledgedAt *time.Time `json:"acknowledged_at,omitempty"`
	Resolved       bool       `json:"resolved" gorm:"default:false"`
	ResolvedBy     string     `json:"resolved_by,omitempty"`
	ResolvedAt     *time.Time `json:"resolved_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
