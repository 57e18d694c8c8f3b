package correlation

import (
	"fmt"
	"sync"
	"time"

	"github.com/wardgate/sentinel/backend/internal/models"
)

const (
	defaultBufferTTL   = 24 * time.Hour
	defaultMaxBuffered = 10000
	baselineHistory    = 32
)

// Result is a transient threat signal produced by a rule or pattern match.
// It is emitted to the caller and never persisted independently.
type Result struct {
	RuleID      string          `json:"rule_id"`
	RuleName    string          `json:"rule_name"`
	Kind        string          `json:"kind"` // "rule" or "pattern"
	Severity    models.Severity `json:"severity"`
	Confidence  float64         `json:"confidence"` // 0-100
	EventIDs    []string        `json:"event_ids"`
	Actions     []string        `json:"actions,omitempty"`
	Description string          `json:"description,omitempty"`
	Triggered   time.Time       `json:"triggered"`
}

// Stats summarizes correlator activity for the admin surface.
type Stats struct {
	BufferedEvents int                  `json:"buffered_events"`
	BufferKeys     int                  `json:"buffer_keys"`
	Rules          int                  `json:"rules"`
	EnabledRules   int                  `json:"enabled_rules"`
	Firings        map[string]int       `json:"firings"`
	LastFired      map[string]time.Time `json:"last_fired"`
}

type buffered struct {
	event models.AuditEvent
	at    time.Time
}

type bufferRef struct {
	key string
	at  time.Time
}

// Correlator buffers recent audit events and evaluates rule- and
// pattern-based correlations over them. Buffers are bounded detection aids,
// not a source of truth; persisted events are never mutated here.
type Correlator struct {
	mu        sync.Mutex
	rules     []Rule
	buffers   map[string][]buffered
	order     []bufferRef // global FIFO for oldest-first eviction
	total     int
	maxBuffer int
	bufferTTL time.Duration

	lastFired map[string]time.Time
	firings   map[string]int
	baselines map[string][]float64

	patterns []Pattern

	now func() time.Time
}

// Option tweaks correlator construction, mainly for tests.
type Option func(*Correlator)

// WithClock overrides the correlator's time source.
func WithClock(now func() time.Time) Option {
	return func(c *Correlator) { c.now = now }
}

// WithMaxBuffered caps the total number of buffered events.
func WithMaxBuffered(n int) Option {
	return func(c *Correlator) { c.maxBuffer = n }
}

// New builds a Correlator with the given rules and the built-in threat
// patterns.
func New(rules []Rule, opts ...Option) *Correlator {
	c := &Correlator{
		rules:     rules,
		buffers:   make(map[string][]buffered),
		maxBuffer: defaultMaxBuffered,
		bufferTTL: defaultBufferTTL,
		lastFired: make(map[string]time.Time),
		firings:   make(map[string]int),
		baselines: make(map[string][]float64),
		patterns:  builtinPatterns(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// AddRule validates and registers a rule at runtime.
func (c *Correlator) AddRule(r Rule) error {
	if err := r.Validate(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, existing := range c.rules {
		if existing.ID == r.ID {
			return fmt.Errorf("rule %s already exists", r.ID)
		}
	}
	c.rules = append(c.rules, r)
	return nil
}

// Rules returns a copy of the registered rules.
func (c *Correlator) Rules() []Rule {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Rule, len(c.rules))
	copy(out, c.rules)
	return out
}

func bufferKey(ev *models.AuditEvent) string {
	return ev.Actor + "|" + ev.IP + "|" + ev.Resource + "|" + ev.EventType
}

// ProcessEvent buffers the event and returns any correlation results it
// triggers. Detection has no side effects; dispatch results through a
// Dispatcher to execute their actions.
func (c *Correlator) ProcessEvent(ev models.AuditEvent) []Result {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	c.evictLocked(now)

	key := bufferKey(&ev)
	c.buffers[key] = append(c.buffers[key], buffered{event: ev, at: now})
	c.order = append(c.order, bufferRef{key: key, at: now})
	c.total++

	var results []Result
	for i := range c.rules {
		if r := c.evaluateRuleLocked(&c.rules[i], now); r != nil {
			results = append(results, *r)
		}
	}
	results = append(results, c.matchPatternsLocked(&ev, now)...)
	return results
}

func (c *Correlator) evaluateRuleLocked(rule *Rule, now time.Time) *Result {
	if !rule.Enabled {
		return nil
	}
	if last, ok := c.lastFired[rule.ID]; ok && now.Sub(last) < rule.Cooldown() {
		return nil
	}

	cutoff := now.Add(-rule.Window())
	var windowTotal int
	var matched []string
	condMatches := make([]int, len(rule.Conditions))

	for _, bucket := range c.buffers {
		for i := range bucket {
			if bucket[i].at.Before(cutoff) {
				continue
			}
			windowTotal++
			ev := &bucket[i].event
			for ci := range rule.Conditions {
				if evalCondition(&rule.Conditions[ci], ev) {
					condMatches[ci]++
				}
			}
			if rule.matches(ev) {
				matched = append(matched, ev.EventID)
			}
		}
	}

	fire := false
	confidence := 0.0
	description := ""

	switch rule.Type {
	case RuleTypeThreshold:
		if len(matched) >= rule.Threshold {
			fire = true
			confidence = ruleConfidence(rule, condMatches, windowTotal)
			description = fmt.Sprintf("%d matching events in %s (threshold %d)",
				len(matched), rule.Window(), rule.Threshold)
		}
	case RuleTypeAnomaly:
		rate := float64(len(matched))
		hist := c.baselines[rule.ID]
		if mean, ok := baselineMean(hist); ok && mean > 0 && rate > mean*float64(rule.Threshold) {
			fire = true
			confidence = clamp(100*rate/(mean*float64(rule.Threshold)), 0, 100)
			description = fmt.Sprintf("match rate %.0f deviates from baseline %.1f beyond factor %d",
				rate, mean, rule.Threshold)
		}
		c.baselines[rule.ID] = appendBaseline(hist, rate)
	}

	if !fire {
		return nil
	}
	c.lastFired[rule.ID] = now
	c.firings[rule.ID]++
	return &Result{
		RuleID:      rule.ID,
		RuleName:    rule.Name,
		Kind:        "rule",
		Severity:    rule.Severity,
		Confidence:  confidence,
		EventIDs:    matched,
		Actions:     rule.Actions,
		Description: description,
		Triggered:   now,
	}
}

// ruleConfidence is the weighted fraction of windowed events matching each
// condition, scaled to 0-100.
func ruleConfidence(rule *Rule, condMatches []int, windowTotal int) float64 {
	if windowTotal == 0 || len(rule.Conditions) == 0 {
		return 100
	}
	var weighted, weights float64
	for i, cond := range rule.Conditions {
		w := cond.Weight
		if w <= 0 {
			w = 1
		}
		weighted += w * float64(condMatches[i]) / float64(windowTotal)
		weights += w
	}
	return clamp(100*weighted/weights, 0, 100)
}

func baselineMean(hist []float64) (float64, bool) {
	if len(hist) == 0 {
		return 0, false
	}
	var sum float64
	for _, v := range hist {
		sum += v
	}
	return sum / float64(len(hist)), true
}

func appendBaseline(hist []float64, v float64) []float64 {
	hist = append(hist, v)
	if len(hist) > baselineHistory {
		hist = hist[len(hist)-baselineHistory:]
	}
	return hist
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// evictLocked drops entries past the 24-hour TTL and enforces the global
// cap, oldest first.
func (c *Correlator) evictLocked(now time.Time) {
	cutoff := now.Add(-c.bufferTTL)
	for len(c.order) > 0 && (c.order[0].at.Before(cutoff) || c.total > c.maxBuffer) {
		ref := c.order[0]
		c.order = c.order[1:]
		bucket := c.buffers[ref.key]
		if len(bucket) > 0 {
			c.buffers[ref.key] = bucket[1:]
			if len(bucket) == 1 {
				delete(c.buffers, ref.key)
			}
			c.total--
		}
	}
}

// Stats reports buffer and firing counters.
func (c *Correlator) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	enabled := 0
	for _, r := range c.rules {
		if r.Enabled {
			enabled++
		}
	}
	firings := make(map[string]int, len(c.firings))
	for k, v := range c.firings {
		firings[k] = v
	}
	last := make(map[string]time.Time, len(c.lastFired))
	for k, v := range c.lastFired {
		last[k] = v
	}
	return Stats{
		BufferedEvents: c.total,
		BufferKeys:     len(c.buffers),
		Rules:          len(c.rules),
		EnabledRules:   enabled,
		Firings:        firings,
		LastFired:      last,
	}
}
