package models

import (
	"time"
)

// Severity classifies how serious an audit event is.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Valid reports whether the severity is one of the known levels.
func (s Severity) Valid() bool {
	switch s {
	case SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
		return true
	}
	return false
}

// Rank orders severities so they can be compared and averaged.
func (s Severity) Rank() int {
	switch s {
	case SeverityLow:
		return 1
	case SeverityMedium:
		return 2
	case SeverityHigh:
		return 3
	case SeverityCritical:
		return 4
	}
	return 0
}

// SeverityFromRank maps a rank back to a severity, clamping out-of-range values.
func SeverityFromRank(rank int) Severity {
	switch {
	case rank <= 1:
		return SeverityLow
	case rank == 2:
		return SeverityMedium
	case rank == 3:
		return SeverityHigh
	default:
		return SeverityCritical
	}
}

// Outcome records how the audited action ended.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
	OutcomeError   Outcome = "error"
)

// AuditEvent is a single hash-chained, signed entry in the audit trail.
// Hash covers every immutable field including PreviousHash; Signature is a
// keyed MAC over Hash. ChainIndex is strictly increasing within a chain.
type AuditEvent struct {
	ID         uint      `json:"-" gorm:"primaryKey"`
	EventID    string    `json:"event_id" gorm:"uniqueIndex"`
	ChainID    string    `json:"chain_id" gorm:"index"`
	ChainIndex int       `json:"chain_index"`
	Timestamp  time.Time `json:"timestamp" gorm:"index"`

	EventType string   `json:"event_type" gorm:"index"`
	Severity  Severity `json:"severity" gorm:"index"`
	Actor     string   `json:"actor" gorm:"index"`
	Action    string   `json:"action"`
	Resource  string   `json:"resource"`
	Outcome   Outcome  `json:"outcome"`
	Details   string   `json:"details" gorm:"type:text"` // JSON-encoded free-form map

	IP        string `json:"ip" gorm:"index"`
	UserAgent string `json:"user_agent"`
	SessionID string `json:"session_id"`

	PreviousHash string `json:"previous_hash"`
	Hash         string `json:"hash"`
	Signature    string `json:"signature"`

	Archived  bool      `json:"archived" gorm:"default:false;index"`
	CreatedAt time.Time `json:"created_at"`
}

// AuditChain tracks one append-only hash-linked sequence of events.
// A chain is rotated once it reaches the configured maximum event count;
// rotated chains are finalized and become read-only.
type AuditChain struct {
	ID          uint       `json:"-" gorm:"primaryKey"`
	ChainID     string     `json:"chain_id" gorm:"uniqueIndex"`
	StartedAt   time.Time  `json:"started_at"`
	FinalizedAt *time.Time `json:"finalized_at,omitempty"`
	LastHash    string     `json:"last_hash"`
	EventCount  int        `json:"event_count"`
	Integrity   bool       `json:"chain_integrity" gorm:"default:true"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}
