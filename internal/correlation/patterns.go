package correlation

import (
	"regexp"
	"strings"
	"time"

	"github.com/wardgate/sentinel/backend/internal/models"
)

// Pattern is a static regex matched against event payload text,
// independent of the rule engine. Each pattern carries its own fixed
// severity and confidence.
type Pattern struct {
	Name       string
	Regex      *regexp.Regexp
	Severity   models.Severity
	Confidence float64
	Cooldown   time.Duration
	Actions    []string
}

func builtinPatterns() []Pattern {
	return []Pattern{
		{
			Name:       "brute_force",
			Regex:      regexp.MustCompile(`(?i)(brute.?force|repeated login failures|password spray)`),
			Severity:   models.SeverityHigh,
			Confidence: 75,
			Cooldown:   5 * time.Minute,
			Actions:    []string{"alert", "log"},
		},
		{
			Name:       "credential_stuffing",
			Regex:      regexp.MustCompile(`(?i)(credential.?stuffing|leaked credential|breached password)`),
			Severity:   models.SeverityHigh,
			Confidence: 80,
			Cooldown:   5 * time.Minute,
			Actions:    []string{"alert", "log"},
		},
		{
			Name:       "account_takeover",
			Regex:      regexp.MustCompile(`(?i)(account.?takeover|session.?hijack|impossible travel)`),
			Severity:   models.SeverityCritical,
			Confidence: 85,
			Cooldown:   5 * time.Minute,
			Actions:    []string{"alert", "notify", "log"},
		},
		{
			Name:       "token_abuse",
			Regex:      regexp.MustCompile(`(?i)(token (reuse|replay)|revoked token)`),
			Severity:   models.SeverityMedium,
			Confidence: 60,
			Cooldown:   5 * time.Minute,
			Actions:    []string{"alert", "log"},
		},
	}
}

// patternText is the payload surface patterns are matched against.
func patternText(ev *models.AuditEvent) string {
	return strings.Join([]string{ev.Action, ev.Details, ev.UserAgent, ev.Resource}, " ")
}

func (c *Correlator) matchPatternsLocked(ev *models.AuditEvent, now time.Time) []Result {
	text := patternText(ev)
	var results []Result
	for i := range c.patterns {
		p := &c.patterns[i]
		key := "pattern:" + p.Name
		if last, ok := c.lastFired[key]; ok && now.Sub(last) < p.Cooldown {
			continue
		}
		if !p.Regex.MatchString(text) {
			continue
		}
		c.lastFired[key] = now
		c.firings[key]++
		results = append(results, Result{
			RuleID:      key,
			RuleName:    p.Name,
			Kind:        "pattern",
			Severity:    p.Severity,
			Confidence:  p.Confidence,
			EventIDs:    []string{ev.EventID},
			Actions:     p.Actions,
			Description: "payload matched " + p.Name + " pattern",
			Triggered:   now,
		})
	}
	return results
}
