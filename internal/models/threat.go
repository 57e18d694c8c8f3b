package models

import (
	"time"
)

// ThreatSighting persists the aggregated assessment for an IP so the
// dashboard can report threat statistics across cache expiries.
type ThreatSighting struct {
	ID          uint      `json:"-" gorm:"primaryKey"`
	IP          string    `json:"ip" gorm:"index"`
	ThreatLevel string    `json:"threat_level"`
	Score       float64   `json:"score"`
	Confidence  float64   `json:"confidence"`
	Sources     string    `json:"sources" gorm:"type:text"` // JSON array of contributing source names
	Blocked     bool      `json:"blocked"`
	CreatedAt   time.Time `json:"created_at"`
}
