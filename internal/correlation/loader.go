package correlation

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/wardgate/sentinel/backend/internal/models"
)

type rulesFile struct {
	Rules []Rule `yaml:"rules"`
}

// LoadRulesFile reads correlation rules from a YAML file. Every rule is
// validated; a single bad rule rejects the whole file so a partial rule set
// never silently ships.
func LoadRulesFile(path string) ([]Rule, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rules file: %w", err)
	}
	var f rulesFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("parse rules file: %w", err)
	}
	for i := range f.Rules {
		if err := f.Rules[i].Validate(); err != nil {
			return nil, err
		}
	}
	return f.Rules, nil
}

// DefaultRules returns the built-in correlation rules used when no rules
// file is configured.
func DefaultRules() []Rule {
	return []Rule{
		{
			ID:          "failed-login-burst",
			Name:        "Failed login burst",
			Description: "Many failed authentication attempts in a short window",
			Enabled:     true,
			Type:        RuleTypeThreshold,
			Conditions: []Condition{
				{Field: "event_type", Operator: OpEquals, Value: "authentication"},
				{Field: "outcome", Operator: OpEquals, Value: "failure"},
			},
			WindowSeconds:   300,
			Threshold:       10,
			CooldownSeconds: 600,
			Severity:        models.SeverityHigh,
			Actions:         []string{"alert", "log"},
		},
		{
			ID:          "lockout-wave",
			Name:        "Lockout wave",
			Description: "Multiple lockouts suggest a distributed guessing campaign",
			Enabled:     true,
			Type:        RuleTypeThreshold,
			Conditions: []Condition{
				{Field: "action", Operator: OpEquals, Value: "lockout"},
			},
			WindowSeconds:   900,
			Threshold:       5,
			CooldownSeconds: 900,
			Severity:        models.SeverityCritical,
			Actions:         []string{"alert", "notify", "log"},
		},
		{
			ID:          "threat-blocked-repeat",
			Name:        "Repeated threat blocks",
			Description: "The same infrastructure keeps tripping the threat gate",
			Enabled:     true,
			Type:        RuleTypeThreshold,
			Conditions: []Condition{
				{Field: "action", Operator: OpEquals, Value: "threat_blocked"},
			},
			WindowSeconds:   600,
			Threshold:       3,
			CooldownSeconds: 600,
			Severity:        models.SeverityHigh,
			Actions:         []string{"alert", "block", "log"},
		},
		{
			ID:          "auth-failure-anomaly",
			Name:        "Authentication failure anomaly",
			Description: "Failure rate deviates from the rolling baseline",
			Enabled:     true,
			Type:        RuleTypeAnomaly,
			Conditions: []Condition{
				{Field: "event_type", Operator: OpEquals, Value: "authentication"},
				{Field: "outcome", Operator: OpEquals, Value: "failure"},
			},
			WindowSeconds:   600,
			Threshold:       3,
			CooldownSeconds: 1800,
			Severity:        models.SeverityMedium,
			Actions:         []string{"alert"},
		},
	}
}
