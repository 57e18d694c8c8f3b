package monitoring

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/wardgate/sentinel/backend/internal/correlation"
	"github.com/wardgate/sentinel/backend/internal/logger"
	"github.com/wardgate/sentinel/backend/internal/metrics"
	"github.com/wardgate/sentinel/backend/internal/models"
)

// ErrAlertNotFound is returned for unknown alert ids.
var ErrAlertNotFound = errors.New("alert not found")

// TriggerAlert creates an Alert for a fired rule and executes its actions.
// The stored history is bounded; the oldest alerts are pruned past the cap.
func (m *Monitor) TriggerAlert(rule *Rule, related []models.AuditEvent) *models.Alert {
	ids := make([]string, 0, len(related))
	for i := range related {
		ids = append(ids, related[i].EventID)
	}
	rawIDs, _ := json.Marshal(ids)

	alert := &models.Alert{
		AlertID:     uuid.NewString(),
		Type:        rule.Type,
		Severity:    rule.Severity,
		Title:       rule.Name,
		Description: rule.Description,
		RuleID:      rule.ID,
		EventIDs:    string(rawIDs),
	}
	if alert.Description == "" {
		alert.Description = "monitoring rule " + rule.ID + " triggered"
	}

	if err := m.db.Create(alert).Error; err != nil {
		logger.WithFields(map[string]interface{}{"rule": rule.ID, "error": err.Error()}).
			Error("persist alert failed")
	}
	m.pruneAlertHistory()

	metrics.IncAlert(string(rule.Severity))
	logger.WithFields(map[string]interface{}{
		"alert_id": alert.AlertID,
		"rule":     rule.ID,
		"severity": string(rule.Severity),
	}).Warn("alert triggered: " + rule.Name)

	for _, action := range rule.Actions {
		switch action {
		case "notify", "webhook", "email":
			if m.notifier != nil {
				m.notifier.Send(action, "Alert: "+rule.Name, alert.Description)
			}
		}
	}
	return alert
}

// RaiseFromCorrelation satisfies the correlator's alert sink: a correlation
// result becomes an alert with the result's severity and related events.
func (m *Monitor) RaiseFromCorrelation(result correlation.Result) {
	rule := Rule{
		ID:          result.RuleID,
		Name:        result.RuleName,
		Description: result.Description,
		Type:        "correlation",
		Severity:    result.Severity,
	}
	related := make([]models.AuditEvent, 0, len(result.EventIDs))
	for _, id := range result.EventIDs {
		related = append(related, models.AuditEvent{EventID: id})
	}
	m.TriggerAlert(&rule, related)
}

// pruneAlertHistory removes the oldest alerts past the history cap. Pruned
// alerts are superseded, not deleted from any export taken before pruning.
func (m *Monitor) pruneAlertHistory() {
	var count int64
	if err := m.db.Model(&models.Alert{}).Count(&count).Error; err != nil || count <= maxAlertHistory {
		return
	}
	excess := int(count) - maxAlertHistory
	var oldest []models.Alert
	if err := m.db.Order("created_at asc").Limit(excess).Find(&oldest).Error; err != nil {
		return
	}
	for i := range oldest {
		m.db.Delete(&oldest[i])
	}
}

// AcknowledgeAlert marks an alert acknowledged. Acknowledging an already
// acknowledged alert is a no-op success.
func (m *Monitor) AcknowledgeAlert(alertID, actor string) (*models.Alert, error) {
	var alert models.Alert
	if err := m.db.Where("alert_id = ?", alertID).First(&alert).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, ErrAlertNotFound
		}
		return nil, err
	}
	if alert.Acknowledged {
		return &alert, nil
	}
	now := time.Now()
	alert.Acknowledged = true
	alert.AcknowledgedBy = actor
	alert.AcknowledgedAt = &now
	if err := m.db.Save(&alert).Error; err != nil {
		return nil, err
	}
	return &alert, nil
}

// ResolveAlert marks an alert resolved; resolving twice is a no-op success.
func (m *Monitor) ResolveAlert(alertID, actor string) (*models.Alert, error) {
	var alert models.Alert
	if err := m.db.Where("alert_id = ?", alertID).First(&alert).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, ErrAlertNotFound
		}
		return nil, err
	}
	if alert.Resolved {
		return &alert, nil
	}
	now := time.Now()
	alert.Resolved = true
	alert.ResolvedBy = actor
	alert.ResolvedAt = &now
	if err := m.db.Save(&alert).Error; err != nil {
		return nil, err
	}
	return &alert, nil
}

// ListAlerts returns recent alerts, newest first.
func (m *Monitor) ListAlerts(limit int, unresolvedOnly bool) ([]models.Alert, error) {
	q := m.db.Order("created_at desc")
	if unresolvedOnly {
		q = q.Where("resolved = ?", false)
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	var alerts []models.Alert
	if err := q.Find(&alerts).Error; err != nil {
		return nil, err
	}
	return alerts, nil
}
