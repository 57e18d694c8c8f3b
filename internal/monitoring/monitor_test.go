package monitoring

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/wardgate/sentinel/backend/internal/correlation"
	"github.com/wardgate/sentinel/backend/internal/models"
)

func setupTestDB(t *testing.T) *gorm.DB {
	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&models.Alert{}))
	return db
}

type captureNotifier struct {
	sent []string
}

func (n *captureNotifier) Send(kind, title, message string) {
	n.sent = append(n.sent, kind+": "+title)
}

func authFailure(actor string, sev models.Severity) models.AuditEvent {
	return models.AuditEvent{
		EventID:   uuid.NewString(),
		EventType: "authentication",
		Severity:  sev,
		Actor:     actor,
		Action:    "login",
		Resource:  "auth-login",
		Outcome:   models.OutcomeFailure,
		Details:   "{}",
		IP:        "1.2.3.4",
	}
}

func failureSpikeRule(threshold int) Rule {
	return Rule{
		ID:      "spike",
		Name:    "Failure spike",
		Enabled: true,
		Type:    RuleTypeThreshold,
		Conditions: []correlation.Condition{
			{Field: "outcome", Operator: correlation.OpEquals, Value: "failure"},
		},
		WindowSeconds:   300,
		Threshold:       threshold,
		CooldownSeconds: 600,
		Severity:        models.SeverityHigh,
		Actions:         []string{"notify"},
	}
}

func TestMonitor_CollectMetrics(t *testing.T) {
	m := New(setupTestDB(t), nil, time.Minute, nil)

	for i := 0; i < 4; i++ {
		m.ProcessEvent(authFailure("user@x.com", models.SeverityMedium))
	}
	ok := authFailure("other@x.com", models.SeverityLow)
	ok.Outcome = models.OutcomeSuccess
	m.ProcessEvent(ok)
	m.ObserveLatency(40 * time.Millisecond)
	m.ObserveLatency(60 * time.Millisecond)

	stats := m.CollectMetrics()
	assert.Equal(t, 5, stats.TotalEvents)
	assert.Equal(t, 4, stats.BySeverity["medium"])
	assert.Equal(t, 5, stats.ByType["authentication"])
	assert.Equal(t, 2, stats.UniqueActors)
	assert.InDelta(t, 0.8, stats.FailureRate, 0.001)
	assert.InDelta(t, 50.0, stats.AvgLatencyMs, 0.001)
}

func TestMonitor_FailureRateAnomalyFlagged(t *testing.T) {
	m := New(setupTestDB(t), nil, time.Minute, nil)

	for i := 0; i < 12; i++ {
		m.ProcessEvent(authFailure("user@x.com", models.SeverityMedium))
	}
	stats := m.CollectMetrics()
	assert.Contains(t, stats.Anomalies, "failure rate above 50%")
}

func TestMonitor_ThresholdRuleTriggersAlert(t *testing.T) {
	db := setupTestDB(t)
	notifier := &captureNotifier{}
	m := New(db, notifier, time.Minute, []Rule{failureSpikeRule(3)})

	for i := 0; i < 2; i++ {
		m.ProcessEvent(authFailure("user@x.com", models.SeverityMedium))
	}
	m.EvaluateRules()

	var count int64
	require.NoError(t, db.Model(&models.Alert{}).Count(&count).Error)
	assert.Zero(t, count, "below threshold must not alert")

	m.ProcessEvent(authFailure("user@x.com", models.SeverityMedium))
	m.EvaluateRules()

	alerts, err := m.ListAlerts(10, false)
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	assert.Equal(t, "spike", alerts[0].RuleID)
	assert.Equal(t, models.SeverityHigh, alerts[0].Severity)
	assert.Len(t, notifier.sent, 1)

	// Cooldown suppresses a second firing.
	m.ProcessEvent(authFailure("user@x.com", models.SeverityMedium))
	m.EvaluateRules()
	alerts, err = m.ListAlerts(10, false)
	require.NoError(t, err)
	assert.Len(t, alerts, 1)
}

func TestMonitor_CriticalEventEvaluatedImmediately(t *testing.T) {
	db := setupTestDB(t)
	rule := Rule{
		ID:      "critical",
		Name:    "Critical event",
		Enabled: true,
		Type:    RuleTypeThreshold,
		Conditions: []correlation.Condition{
			{Field: "severity", Operator: correlation.OpEquals, Value: "critical"},
		},
		WindowSeconds:   300,
		Threshold:       1,
		CooldownSeconds: 600,
		Severity:        models.SeverityCritical,
	}
	m := New(db, nil, time.Hour, []Rule{rule})

	// No ticker running; the synchronous path alone must raise the alert.
	m.ProcessEvent(authFailure("user@x.com", models.SeverityCritical))

	alerts, err := m.ListAlerts(10, false)
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	assert.Equal(t, "critical", alerts[0].RuleID)
}

func TestMonitor_AcknowledgeAndResolve(t *testing.T) {
	db := setupTestDB(t)
	m := New(db, nil, time.Minute, nil)

	rule := failureSpikeRule(1)
	alert := m.TriggerAlert(&rule, []models.AuditEvent{authFailure("user@x.com", models.SeverityHigh)})

	acked, err := m.AcknowledgeAlert(alert.AlertID, "admin")
	require.NoError(t, err)
	assert.True(t, acked.Acknowledged)
	assert.Equal(t, "admin", acked.AcknowledgedBy)
	require.NotNil(t, acked.AcknowledgedAt)

	// A second acknowledge is a no-op success and keeps the first actor.
	again, err := m.AcknowledgeAlert(alert.AlertID, "someone-else")
	require.NoError(t, err)
	assert.Equal(t, "admin", again.AcknowledgedBy)

	resolved, err := m.ResolveAlert(alert.AlertID, "admin")
	require.NoError(t, err)
	assert.True(t, resolved.Resolved)

	_, err = m.AcknowledgeAlert("no-such-alert", "admin")
	assert.ErrorIs(t, err, ErrAlertNotFound)

	open, err := m.ListAlerts(10, true)
	require.NoError(t, err)
	assert.Empty(t, open, "resolved alerts are excluded from the open list")
}

func TestMonitor_RaiseFromCorrelation(t *testing.T) {
	db := setupTestDB(t)
	m := New(db, nil, time.Minute, nil)

	m.RaiseFromCorrelation(correlation.Result{
		RuleID:      "burst",
		RuleName:    "Failed login burst",
		Kind:        "rule",
		Severity:    models.SeverityHigh,
		Confidence:  90,
		EventIDs:    []string{"a", "b", "c"},
		Description: "3 matching events in window",
	})

	alerts, err := m.ListAlerts(10, false)
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	assert.Equal(t, "burst", alerts[0].RuleID)
	assert.Equal(t, "correlation", alerts[0].Type)
	assert.Contains(t, alerts[0].EventIDs, `"b"`)
}

func TestMonitor_ComplianceRule(t *testing.T) {
	db := setupTestDB(t)
	rule := Rule{
		ID:      "compliance",
		Name:    "Config change failures",
		Enabled: true,
		Type:    RuleTypeCompliance,
		Conditions: []correlation.Condition{
			{Field: "event_type", Operator: correlation.OpEquals, Value: "configuration"},
		},
		WindowSeconds:   300,
		Threshold:       2,
		CooldownSeconds: 600,
		Severity:        models.SeverityMedium,
	}
	m := New(db, nil, time.Minute, []Rule{rule})

	ev := authFailure("admin", models.SeverityMedium)
	ev.EventType = "configuration"
	m.ProcessEvent(ev)
	m.EvaluateRules()
	alerts, _ := m.ListAlerts(10, false)
	assert.Empty(t, alerts)

	ev2 := authFailure("admin", models.SeverityMedium)
	ev2.EventType = "configuration"
	ev2.Outcome = models.OutcomeError
	m.ProcessEvent(ev2)
	m.EvaluateRules()

	alerts, err := m.ListAlerts(10, false)
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	assert.Equal(t, "compliance", alerts[0].RuleID)
}

func TestMonitor_DefaultRulesValidate(t *testing.T) {
	for _, r := range DefaultRules() {
		assert.NotEmpty(t, r.ID)
		assert.True(t, r.Enabled)
		assert.True(t, r.Severity.Valid(), "default rule %s severity", r.ID)
	}
}
