package monitoring

import (
	"context"
	"fmt"
	"regexp"
	"sync"
	"time"

	"gorm.io/gorm"

	"github.com/wardgate/sentinel/backend/internal/correlation"
	"github.com/wardgate/sentinel/backend/internal/logger"
	"github.com/wardgate/sentinel/backend/internal/models"
)

// Monitoring rule types.
const (
	RuleTypeThreshold  = "threshold"
	RuleTypeAnomaly    = "anomaly"
	RuleTypePattern    = "pattern"
	RuleTypeCompliance = "compliance"
)

const (
	metricsWindow   = 5 * time.Minute
	maxAlertHistory = 1000
	maxLatencies    = 512
	baselineSamples = 32
)

// Rule is a monitoring rule evaluated over the live event stream. It shares
// the correlator's structured condition evaluator.
type Rule struct {
	ID              string                  `yaml:"id" json:"id"`
	Name            string                  `yaml:"name" json:"name"`
	Description     string                  `yaml:"description,omitempty" json:"description,omitempty"`
	Enabled         bool                    `yaml:"enabled" json:"enabled"`
	Type            string                  `yaml:"type" json:"type"`
	Conditions      []correlation.Condition `yaml:"conditions" json:"conditions"`
	Pattern         string                  `yaml:"pattern,omitempty" json:"pattern,omitempty"`
	WindowSeconds   int                     `yaml:"window_seconds" json:"window_seconds"`
	Threshold       int                     `yaml:"threshold" json:"threshold"`
	CooldownSeconds int                     `yaml:"cooldown_seconds" json:"cooldown_seconds"`
	Severity        models.Severity         `yaml:"severity" json:"severity"`
	Actions         []string                `yaml:"actions" json:"actions"`
}

// Metrics is the rolling 5-minute view of the event stream.
type Metrics struct {
	WindowStart     time.Time      `json:"window_start"`
	WindowEnd       time.Time      `json:"window_end"`
	TotalEvents     int            `json:"total_events"`
	BySeverity      map[string]int `json:"by_severity"`
	ByType          map[string]int `json:"by_type"`
	UniqueActors    int            `json:"unique_actors"`
	UniqueResources int            `json:"unique_resources"`
	FailureRate     float64        `json:"failure_rate"`
	AvgLatencyMs    float64        `json:"avg_latency_ms"`
	Anomalies       []string       `json:"anomalies,omitempty"`
}

// Notifier delivers alert notifications externally.
type Notifier interface {
	Send(kind, title, message string)
}

type timedEvent struct {
	event models.AuditEvent
	at    time.Time
}

// Monitor collects rolling metrics over the live audit event stream and
// evaluates monitoring rules on a timer. High and critical events are also
// evaluated synchronously so they are never delayed a full interval.
type Monitor struct {
	db       *gorm.DB
	notifier Notifier
	interval time.Duration

	mu        sync.Mutex
	recent    []timedEvent
	latencies []float64
	rules     []Rule
	lastFired map[string]time.Time
	baselines map[string][]float64
	lastStats Metrics

	stop chan struct{}
	done chan struct{}
	now  func() time.Time
}

// New builds a Monitor with the given rules. Alerts persist through db and
// fan out through notifier.
func New(db *gorm.DB, notifier Notifier, interval time.Duration, rules []Rule) *Monitor {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Monitor{
		db:        db,
		notifier:  notifier,
		interval:  interval,
		rules:     rules,
		lastFired: make(map[string]time.Time),
		baselines: make(map[string][]float64),
		now:       time.Now,
	}
}

// Start runs the metrics/rule-evaluation loop until Stop or ctx cancel.
func (m *Monitor) Start(ctx context.Context) {
	m.stop = make(chan struct{})
	m.done = make(chan struct{})
	go func() {
		defer close(m.done)
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-m.stop:
				return
			case <-ticker.C:
				m.CollectMetrics()
				m.EvaluateRules()
			}
		}
	}()
}

// Stop halts the background loop.
func (m *Monitor) Stop() {
	if m.stop != nil {
		close(m.stop)
		<-m.done
	}
}

// ProcessEvent feeds one event into the rolling window. High and critical
// events trigger an immediate rule evaluation.
func (m *Monitor) ProcessEvent(ev models.AuditEvent) {
	m.mu.Lock()
	now := m.now()
	m.recent = append(m.recent, timedEvent{event: ev, at: now})
	m.pruneLocked(now)
	urgent := ev.Severity == models.SeverityHigh || ev.Severity == models.SeverityCritical
	m.mu.Unlock()

	if urgent {
		m.EvaluateRules()
	}
}

// ObserveLatency records one request's handling latency for the metrics
// window.
func (m *Monitor) ObserveLatency(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.latencies = append(m.latencies, float64(d.Milliseconds()))
	if len(m.latencies) > maxLatencies {
		m.latencies = m.latencies[len(m.latencies)-maxLatencies:]
	}
}

func (m *Monitor) pruneLocked(now time.Time) {
	cutoff := now.Add(-metricsWindow)
	i := 0
	for i < len(m.recent) && m.recent[i].at.Before(cutoff) {
		i++
	}
	if i > 0 {
		m.recent = m.recent[i:]
	}
}

// CollectMetrics computes the rolling 5-minute metrics snapshot.
func (m *Monitor) CollectMetrics() Metrics {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	m.pruneLocked(now)

	stats := Metrics{
		WindowStart: now.Add(-metricsWindow),
		WindowEnd:   now,
		BySeverity:  make(map[string]int),
		ByType:      make(map[string]int),
	}

	actors := make(map[string]struct{})
	resources := make(map[string]struct{})
	failures := 0
	for _, te := range m.recent {
		ev := &te.event
		stats.TotalEvents++
		stats.BySeverity[string(ev.Severity)]++
		stats.ByType[ev.EventType]++
		if ev.Actor != "" {
			actors[ev.Actor] = struct{}{}
		}
		if ev.Resource != "" {
			resources[ev.Resource] = struct{}{}
		}
		if ev.Outcome != models.OutcomeSuccess {
			failures++
		}
	}
	stats.UniqueActors = len(actors)
	stats.UniqueResources = len(resources)
	if stats.TotalEvents > 0 {
		stats.FailureRate = float64(failures) / float64(stats.TotalEvents)
	}
	if len(m.latencies) > 0 {
		var sum float64
		for _, l := range m.latencies {
			sum += l
		}
		stats.AvgLatencyMs = sum / float64(len(m.latencies))
	}

	if stats.FailureRate > 0.5 && stats.TotalEvents >= 10 {
		stats.Anomalies = append(stats.Anomalies, "failure rate above 50%")
	}
	if c := stats.BySeverity[string(models.SeverityCritical)]; c > 0 {
		stats.Anomalies = append(stats.Anomalies, fmt.Sprintf("%d critical events in window", c))
	}

	m.lastStats = stats
	return stats
}

// LastMetrics returns the most recently collected snapshot.
func (m *Monitor) LastMetrics() Metrics {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastStats
}

// EvaluateRules checks every enabled rule against the rolling window,
// honoring cooldowns, and triggers alerts for matches.
func (m *Monitor) EvaluateRules() {
	m.mu.Lock()
	now := m.now()
	m.pruneLocked(now)

	type firing struct {
		rule   Rule
		events []models.AuditEvent
	}
	var firings []firing

	for i := range m.rules {
		rule := &m.rules[i]
		if !rule.Enabled {
			continue
		}
		if last, ok := m.lastFired[rule.ID]; ok && now.Sub(last) < time.Duration(rule.CooldownSeconds)*time.Second {
			continue
		}
		matched := m.matchingEventsLocked(rule, now)
		if m.shouldFireLocked(rule, matched) {
			m.lastFired[rule.ID] = now
			firings = append(firings, firing{rule: *rule, events: matched})
		}
	}
	m.mu.Unlock()

	for _, f := range firings {
		m.TriggerAlert(&f.rule, f.events)
	}
}

func (m *Monitor) matchingEventsLocked(rule *Rule, now time.Time) []models.AuditEvent {
	window := time.Duration(rule.WindowSeconds) * time.Second
	if window <= 0 || window > metricsWindow {
		window = metricsWindow
	}
	cutoff := now.Add(-window)

	var re *regexp.Regexp
	if rule.Type == RuleTypePattern && rule.Pattern != "" {
		var err error
		if re, err = regexp.Compile(rule.Pattern); err != nil {
			logger.WithFields(map[string]interface{}{"rule": rule.ID, "error": err.Error()}).
				Warn("bad monitoring rule pattern")
			return nil
		}
	}

	var matched []models.AuditEvent
	for i := range m.recent {
		te := &m.recent[i]
		if te.at.Before(cutoff) {
			continue
		}
		ev := &te.event
		ok := true
		for ci := range rule.Conditions {
			if !rule.Conditions[ci].Match(ev) {
				ok = false
				break
			}
		}
		if !ok {
			continue
		}
		if re != nil && !re.MatchString(ev.Action+" "+ev.Details+" "+ev.UserAgent) {
			continue
		}
		matched = append(matched, *ev)
	}
	return matched
}

func (m *Monitor) shouldFireLocked(rule *Rule, matched []models.AuditEvent) bool {
	switch rule.Type {
	case RuleTypeThreshold, RuleTypePattern:
		return len(matched) >= rule.Threshold
	case RuleTypeAnomaly:
		rate := float64(len(matched))
		hist := m.baselines[rule.ID]
		m.baselines[rule.ID] = appendBaseline(hist, rate)
		if len(hist) == 0 {
			return false
		}
		var sum float64
		for _, v := range hist {
			sum += v
		}
		mean := sum / float64(len(hist))
		return mean > 0 && rate > mean*float64(rule.Threshold)
	case RuleTypeCompliance:
		// Compliance rules count events that ended anything other than
		// success; enough violations in the window trip the rule.
		violations := 0
		for i := range matched {
			if matched[i].Outcome != models.OutcomeSuccess {
				violations++
			}
		}
		return violations >= rule.Threshold
	}
	return false
}

func appendBaseline(hist []float64, v float64) []float64 {
	hist = append(hist, v)
	if len(hist) > baselineSamples {
		hist = hist[len(hist)-baselineSamples:]
	}
	return hist
}

// DefaultRules returns the monitoring rules installed when none are
// configured.
func DefaultRules() []Rule {
	return []Rule{
		{
			ID:      "critical-event",
			Name:    "Critical security event",
			Enabled: true,
			Type:    RuleTypeThreshold,
			Conditions: []correlation.Condition{
				{Field: "severity", Operator: correlation.OpEquals, Value: "critical"},
			},
			WindowSeconds:   300,
			Threshold:       1,
			CooldownSeconds: 60,
			Severity:        models.SeverityCritical,
			Actions:         []string{"notify"},
		},
		{
			ID:      "failure-spike",
			Name:    "Authentication failure spike",
			Enabled: true,
			Type:    RuleTypeThreshold,
			Conditions: []correlation.Condition{
				{Field: "event_type", Operator: correlation.OpEquals, Value: "authentication"},
				{Field: "outcome", Operator: correlation.OpEquals, Value: "failure"},
			},
			WindowSeconds:   300,
			Threshold:       20,
			CooldownSeconds: 300,
			Severity:        models.SeverityHigh,
			Actions:         []string{"notify"},
		},
		{
			ID:      "integrity-violation",
			Name:    "Audit integrity violation",
			Enabled: true,
			Type:    RuleTypeThreshold,
			Conditions: []correlation.Condition{
				{Field: "event_type", Operator: correlation.OpEquals, Value: "audit_integrity"},
			},
			WindowSeconds:   300,
			Threshold:       1,
			CooldownSeconds: 0,
			Severity:        models.SeverityCritical,
			Actions:         []string{"notify"},
		},
	}
}
