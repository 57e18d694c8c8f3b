package correlation

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/wardgate/sentinel/backend/internal/models"
)

// Supported condition operators. The evaluator is a closed set of structured
// comparisons over typed field lookups; rule conditions are never evaluated
// as code.
const (
	OpEquals      = "equals"
	OpNotEquals   = "not_equals"
	OpContains    = "contains"
	OpRegex       = "regex"
	OpGreaterThan = "greater_than"
	OpLessThan    = "less_than"
)

// Rule types.
const (
	RuleTypeThreshold = "threshold"
	RuleTypeAnomaly   = "anomaly"
)

// Condition is one field comparison within a rule. Weight biases the
// confidence score; zero means weight 1.
type Condition struct {
	Field    string  `yaml:"field" json:"field"`
	Operator string  `yaml:"operator" json:"operator"`
	Value    string  `yaml:"value" json:"value"`
	Weight   float64 `yaml:"weight,omitempty" json:"weight,omitempty"`
}

// Rule is a declarative correlation over buffered events: all conditions must
// hold for an event to count toward the threshold within the time window.
// A rule never re-fires within its cooldown.
type Rule struct {
	ID              string          `yaml:"id" json:"id"`
	Name            string          `yaml:"name" json:"name"`
	Description     string          `yaml:"description,omitempty" json:"description,omitempty"`
	Enabled         bool            `yaml:"enabled" json:"enabled"`
	Type            string          `yaml:"type" json:"type"`
	Conditions      []Condition     `yaml:"conditions" json:"conditions"`
	WindowSeconds   int             `yaml:"window_seconds" json:"window_seconds"`
	Threshold       int             `yaml:"threshold" json:"threshold"`
	CooldownSeconds int             `yaml:"cooldown_seconds" json:"cooldown_seconds"`
	Severity        models.Severity `yaml:"severity" json:"severity"`
	Actions         []string        `yaml:"actions" json:"actions"`
}

// Validate checks the rule is well formed before it is accepted.
func (r *Rule) Validate() error {
	if r.ID == "" {
		return fmt.Errorf("rule id is required")
	}
	if r.Name == "" {
		return fmt.Errorf("rule %s: name is required", r.ID)
	}
	if r.Type != RuleTypeThreshold && r.Type != RuleTypeAnomaly {
		return fmt.Errorf("rule %s: unknown type %q", r.ID, r.Type)
	}
	if !r.Severity.Valid() {
		return fmt.Errorf("rule %s: invalid severity %q", r.ID, r.Severity)
	}
	if r.WindowSeconds <= 0 {
		return fmt.Errorf("rule %s: window_seconds must be positive", r.ID)
	}
	if r.Threshold <= 0 {
		return fmt.Errorf("rule %s: threshold must be positive", r.ID)
	}
	for i, c := range r.Conditions {
		switch c.Operator {
		case OpEquals, OpNotEquals, OpContains, OpGreaterThan, OpLessThan:
		case OpRegex:
			if _, err := regexp.Compile(c.Value); err != nil {
				return fmt.Errorf("rule %s: condition %d: bad regex: %w", r.ID, i, err)
			}
		default:
			return fmt.Errorf("rule %s: condition %d: unknown operator %q", r.ID, i, c.Operator)
		}
	}
	return nil
}

// Window returns the rule's time window as a duration.
func (r *Rule) Window() time.Duration {
	return time.Duration(r.WindowSeconds) * time.Second
}

// Cooldown returns the rule's cooldown as a duration.
func (r *Rule) Cooldown() time.Duration {
	return time.Duration(r.CooldownSeconds) * time.Second
}

// matches reports whether every condition holds for the event.
func (r *Rule) matches(ev *models.AuditEvent) bool {
	for i := range r.Conditions {
		if !evalCondition(&r.Conditions[i], ev) {
			return false
		}
	}
	return true
}

// Match reports whether the condition holds for the event.
func (c *Condition) Match(ev *models.AuditEvent) bool {
	return evalCondition(c, ev)
}

func evalCondition(c *Condition, ev *models.AuditEvent) bool {
	got, ok := lookupField(ev, c.Field)
	if !ok {
		return false
	}
	switch c.Operator {
	case OpEquals:
		return got == c.Value
	case OpNotEquals:
		return got != c.Value
	case OpContains:
		return strings.Contains(strings.ToLower(got), strings.ToLower(c.Value))
	case OpRegex:
		re, err := regexp.Compile(c.Value)
		return err == nil && re.MatchString(got)
	case OpGreaterThan, OpLessThan:
		a, errA := strconv.ParseFloat(got, 64)
		b, errB := strconv.ParseFloat(c.Value, 64)
		if errA != nil || errB != nil {
			return false
		}
		if c.Operator == OpGreaterThan {
			return a > b
		}
		return a < b
	}
	return false
}

// lookupField resolves a condition field to the event's value. Keys under
// the details map are addressed as "details.<key>".
func lookupField(ev *models.AuditEvent, field string) (string, bool) {
	switch field {
	case "event_type":
		return ev.EventType, true
	case "severity":
		return string(ev.Severity), true
	case "actor":
		return ev.Actor, true
	case "action":
		return ev.Action, true
	case "resource":
		return ev.Resource, true
	case "outcome":
		return string(ev.Outcome), true
	case "ip":
		return ev.IP, true
	case "user_agent":
		return ev.UserAgent, true
	case "session_id":
		return ev.SessionID, true
	}
	if key, ok := strings.CutPrefix(field, "details."); ok {
		var details map[string]interface{}
		if err := json.Unmarshal([]byte(ev.Details), &details); err != nil {
			return "", false
		}
		v, ok := details[key]
		if !ok {
			return "", false
		}
		switch tv := v.(type) {
		case string:
			return tv, true
		case float64:
			return strconv.FormatFloat(tv, 'f', -1, 64), true
		case bool:
			return strconv.FormatBool(tv), true
		default:
			return fmt.Sprintf("%v", tv), true
		}
	}
	return "", false
}
