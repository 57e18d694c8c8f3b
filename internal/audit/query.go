package audit

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"gorm.io/gorm"

	"github.com/wardgate/sentinel/backend/internal/models"
)

// ErrEventNotFound is returned for lookups of unknown event ids.
var ErrEventNotFound = errors.New("audit event not found")

// QueryFilters narrows event queries. Zero values match everything.
type QueryFilters struct {
	EventType string     `json:"event_type,omitempty"`
	Severity  string     `json:"severity,omitempty"`
	Actor     string     `json:"actor,omitempty"`
	IP        string     `json:"ip,omitempty"`
	Outcome   string     `json:"outcome,omitempty"`
	ChainID   string     `json:"chain_id,omitempty"`
	Since     *time.Time `json:"since,omitempty"`
	Until     *time.Time `json:"until,omitempty"`
	Limit     int        `json:"limit,omitempty"`
	Offset    int        `json:"offset,omitempty"`
}

func (t *Trail) filtered(f QueryFilters) *gorm.DB {
	q := t.db.Model(&models.AuditEvent{})
	if f.EventType != "" {
		q = q.Where("event_type = ?", f.EventType)
	}
	if f.Severity != "" {
		q = q.Where("severity = ?", f.Severity)
	}
	if f.Actor != "" {
		q = q.Where("actor = ?", f.Actor)
	}
	if f.IP != "" {
		q = q.Where("ip = ?", f.IP)
	}
	if f.Outcome != "" {
		q = q.Where("outcome = ?", f.Outcome)
	}
	if f.ChainID != "" {
		q = q.Where("chain_id = ?", f.ChainID)
	}
	if f.Since != nil {
		q = q.Where("timestamp >= ?", *f.Since)
	}
	if f.Until != nil {
		q = q.Where("timestamp <= ?", *f.Until)
	}
	return q
}

// QueryEvents returns events matching the filters in append order.
func (t *Trail) QueryEvents(f QueryFilters) ([]models.AuditEvent, error) {
	q := t.filtered(f).Order("timestamp asc, chain_index asc")
	if f.Limit > 0 {
		q = q.Limit(f.Limit)
	}
	if f.Offset > 0 {
		q = q.Offset(f.Offset)
	}
	var events []models.AuditEvent
	if err := q.Find(&events).Error; err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	return events, nil
}

// GetEventByID returns a single event.
func (t *Trail) GetEventByID(eventID string) (*models.AuditEvent, error) {
	var ev models.AuditEvent
	if err := t.db.Where("event_id = ?", eventID).First(&ev).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, ErrEventNotFound
		}
		return nil, err
	}
	return &ev, nil
}

// GetEventChain returns the event and all of its ancestors in ascending
// chainIndex order; the result has exactly chainIndex+1 entries.
func (t *Trail) GetEventChain(eventID string) ([]models.AuditEvent, error) {
	ev, err := t.GetEventByID(eventID)
	if err != nil {
		return nil, err
	}
	var events []models.AuditEvent
	if err := t.db.Where("chain_id = ? AND chain_index <= ?", ev.ChainID, ev.ChainIndex).
		Order("chain_index asc").Find(&events).Error; err != nil {
		return nil, fmt.Errorf("load event chain: %w", err)
	}
	return events, nil
}

// ListChains returns every chain registry entry, oldest first.
func (t *Trail) ListChains() ([]models.AuditChain, error) {
	var chains []models.AuditChain
	if err := t.db.Order("created_at asc").Find(&chains).Error; err != nil {
		return nil, err
	}
	return chains, nil
}

// ExportEvents serializes matching events as JSON or CSV.
func (t *Trail) ExportEvents(format string, f QueryFilters) ([]byte, error) {
	events, err := t.QueryEvents(f)
	if err != nil {
		return nil, err
	}

	switch format {
	case "json":
		return json.Marshal(events)
	case "csv":
		var buf bytes.Buffer
		w := csv.NewWriter(&buf)
		header := []string{"event_id", "chain_id", "chain_index", "timestamp", "event_type",
			"severity", "actor", "action", "resource", "outcome", "ip", "user_agent",
			"session_id", "previous_hash", "hash", "signature"}
		if err := w.Write(header); err != nil {
			return nil, err
		}
		for _, ev := range events {
			row := []string{ev.EventID, ev.ChainID, strconv.Itoa(ev.ChainIndex),
				ev.Timestamp.UTC().Format(time.RFC3339Nano), ev.EventType,
				string(ev.Severity), ev.Actor, ev.Action, ev.Resource, string(ev.Outcome),
				ev.IP, ev.UserAgent, ev.SessionID, ev.PreviousHash, ev.Hash, ev.Signature}
			if err := w.Write(row); err != nil {
				return nil, err
			}
		}
		w.Flush()
		if err := w.Error(); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	default:
		return nil, fmt.Errorf("unsupported export format %q", format)
	}
}
