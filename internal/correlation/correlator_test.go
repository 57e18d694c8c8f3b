package correlation

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wardgate/sentinel/backend/internal/models"
)

func failedLogin(actor, ip string) models.AuditEvent {
	return models.AuditEvent{
		EventID:   uuid.NewString(),
		EventType: "authentication",
		Severity:  models.SeverityMedium,
		Actor:     actor,
		Action:    "login",
		Resource:  "auth-login",
		Outcome:   models.OutcomeFailure,
		Details:   "{}",
		IP:        ip,
	}
}

func burstRule(threshold, windowSec, cooldownSec int) Rule {
	return Rule{
		ID:      "burst",
		Name:    "Failed login burst",
		Enabled: true,
		Type:    RuleTypeThreshold,
		Conditions: []Condition{
			{Field: "event_type", Operator: OpEquals, Value: "authentication"},
			{Field: "outcome", Operator: OpEquals, Value: "failure"},
		},
		WindowSeconds:   windowSec,
		Threshold:       threshold,
		CooldownSeconds: cooldownSec,
		Severity:        models.SeverityHigh,
		Actions:         []string{"alert"},
	}
}

func TestCorrelator_ThresholdRuleFires(t *testing.T) {
	c := New([]Rule{burstRule(3, 300, 600)})

	var results []Result
	for i := 0; i < 3; i++ {
		results = c.ProcessEvent(failedLogin("user@x.com", "1.2.3.4"))
	}

	require.Len(t, results, 1)
	assert.Equal(t, "burst", results[0].RuleID)
	assert.Equal(t, models.SeverityHigh, results[0].Severity)
	assert.Len(t, results[0].EventIDs, 3)
	assert.Greater(t, results[0].Confidence, 0.0)
	assert.LessOrEqual(t, results[0].Confidence, 100.0)
}

func TestCorrelator_CooldownSuppressesRefiring(t *testing.T) {
	now := time.Now()
	clock := func() time.Time { return now }
	c := New([]Rule{burstRule(3, 300, 600)}, WithClock(clock))

	fired := 0
	for i := 0; i < 10; i++ {
		for _, r := range c.ProcessEvent(failedLogin("user@x.com", "1.2.3.4")) {
			if r.RuleID == "burst" {
				fired++
			}
		}
	}
	assert.Equal(t, 1, fired, "a rule fires at most once per cooldown")

	// After the cooldown elapses the rule may fire again.
	now = now.Add(11 * time.Minute)
	fired = 0
	for i := 0; i < 3; i++ {
		for _, r := range c.ProcessEvent(failedLogin("user@x.com", "1.2.3.4")) {
			if r.RuleID == "burst" {
				fired++
			}
		}
	}
	assert.Equal(t, 1, fired)
}

func TestCorrelator_WindowExcludesOldEvents(t *testing.T) {
	now := time.Now()
	clock := func() time.Time { return now }
	c := New([]Rule{burstRule(3, 60, 600)}, WithClock(clock))

	c.ProcessEvent(failedLogin("user@x.com", "1.2.3.4"))
	c.ProcessEvent(failedLogin("user@x.com", "1.2.3.4"))

	// Third failure arrives outside the rule window.
	now = now.Add(2 * time.Minute)
	results := c.ProcessEvent(failedLogin("user@x.com", "1.2.3.4"))
	for _, r := range results {
		assert.NotEqual(t, "burst", r.RuleID)
	}
}

func TestCorrelator_DisabledRuleNeverFires(t *testing.T) {
	rule := burstRule(1, 300, 0)
	rule.Enabled = false
	c := New([]Rule{rule})

	results := c.ProcessEvent(failedLogin("user@x.com", "1.2.3.4"))
	assert.Empty(t, results)
}

func TestCorrelator_AnomalyRule(t *testing.T) {
	now := time.Now()
	clock := func() time.Time { return now }
	rule := Rule{
		ID:      "anomaly",
		Name:    "Failure anomaly",
		Enabled: true,
		Type:    RuleTypeAnomaly,
		Conditions: []Condition{
			{Field: "outcome", Operator: OpEquals, Value: "failure"},
		},
		WindowSeconds:   60,
		Threshold:       2,
		CooldownSeconds: 0,
		Severity:        models.SeverityMedium,
	}
	c := New([]Rule{rule}, WithClock(clock))

	// Build a low baseline: one failure per evaluation.
	for i := 0; i < 5; i++ {
		c.ProcessEvent(failedLogin("user@x.com", "1.2.3.4"))
		now = now.Add(2 * time.Minute) // age events out of the window
	}

	// A sudden burst deviates beyond the threshold factor.
	var fired bool
	for i := 0; i < 8; i++ {
		for _, r := range c.ProcessEvent(failedLogin("user@x.com", "1.2.3.4")) {
			if r.RuleID == "anomaly" {
				fired = true
			}
		}
	}
	assert.True(t, fired, "burst beyond baseline deviation must fire the anomaly rule")
}

func TestCorrelator_PatternMatch(t *testing.T) {
	c := New(nil)

	ev := failedLogin("user@x.com", "1.2.3.4")
	ev.Details = `{"reason":"possible credential stuffing detected"}`

	results := c.ProcessEvent(ev)
	require.Len(t, results, 1)
	assert.Equal(t, "pattern", results[0].Kind)
	assert.Equal(t, "credential_stuffing", results[0].RuleName)
	assert.Equal(t, models.SeverityHigh, results[0].Severity)
	assert.Equal(t, 80.0, results[0].Confidence)
}

func TestCorrelator_BufferEviction(t *testing.T) {
	c := New(nil, WithMaxBuffered(5))

	for i := 0; i < 20; i++ {
		c.ProcessEvent(failedLogin("user@x.com", "1.2.3.4"))
	}
	stats := c.Stats()
	assert.LessOrEqual(t, stats.BufferedEvents, 6, "buffer must stay near its cap")
}

func TestCorrelator_AddRule(t *testing.T) {
	c := New(nil)

	r := burstRule(3, 300, 600)
	require.NoError(t, c.AddRule(r))
	assert.Error(t, c.AddRule(r), "duplicate rule ids are rejected")

	bad := burstRule(0, 300, 600)
	bad.ID = "bad"
	assert.Error(t, c.AddRule(bad), "invalid rules are rejected")

	assert.Len(t, c.Rules(), 1)
}

func TestLoadRulesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rules.yaml")
	content := `rules:
  - id: test-rule
    name: Test rule
    enabled: true
    type: threshold
    conditions:
      - field: outcome
        operator: equals
        value: failure
    window_seconds: 300
    threshold: 5
    cooldown_seconds: 600
    severity: high
    actions: [alert]
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	rules, err := LoadRulesFile(path)
	require.NoError(t, err)
	require.Len(t, rules, 1)
	assert.Equal(t, "test-rule", rules[0].ID)
	assert.Equal(t, models.SeverityHigh, rules[0].Severity)

	// A file with one invalid rule is rejected entirely.
	bad := `rules:
  - id: broken
    name: Broken
    enabled: true
    type: threshold
    window_seconds: 0
    threshold: 5
    severity: high
`
	require.NoError(t, os.WriteFile(path, []byte(bad), 0o644))
	_, err = LoadRulesFile(path)
	assert.Error(t, err)
}

func TestDefaultRulesValidate(t *testing.T) {
	for _, r := range DefaultRules() {
		assert.NoError(t, r.Validate(), "default rule %s must validate", r.ID)
	}
}
