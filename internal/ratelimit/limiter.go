package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/wardgate/sentinel/backend/internal/kvstore"
)

// Mode selects what a Check call does to the counters.
type Mode int

const (
	// Probe inspects counters without mutating them.
	Probe Mode = iota
	// RecordFailure increments all counters and applies lockouts at the threshold.
	RecordFailure
	// RecordSuccess clears counters and lockouts for every involved key.
	RecordSuccess
)

// Keys identifies the parties involved in one authentication attempt.
// Empty identifiers are skipped.
type Keys struct {
	Email  string
	IP     string
	Client string
}

// Decision is the limiter's verdict for one attempt. The most restrictive
// outcome across the email, IP and client keys wins.
type Decision struct {
	Allowed           bool      `json:"allowed"`
	RemainingAttempts int       `json:"remaining_attempts"`
	ResetTime         time.Time `json:"reset_time"`
	RetryAfterSeconds int       `json:"retry_after_seconds,omitempty"`
	Message           string    `json:"message,omitempty"`
}

// Config holds the limiter thresholds and durations.
type Config struct {
	MaxEmail        int
	MaxIP           int
	Window          time.Duration
	LockoutDuration time.Duration
}

// Limiter enforces per-identity attempt limits backed by the shared
// key-value store, so lockouts hold across process instances. Store
// unavailability degrades to the store's local fallback and is never
// surfaced as an error here.
type Limiter struct {
	store *kvstore.Store
	cfg   Config
}

// New builds a Limiter on top of the shared store.
func New(store *kvstore.Store, cfg Config) *Limiter {
	if cfg.MaxEmail <= 0 {
		cfg.MaxEmail = 5
	}
	if cfg.MaxIP <= 0 {
		cfg.MaxIP = 10
	}
	if cfg.Window <= 0 {
		cfg.Window = 15 * time.Minute
	}
	if cfg.LockoutDuration <= 0 {
		cfg.LockoutDuration = 30 * time.Minute
	}
	return &Limiter{store: store, cfg: cfg}
}

type limitKey struct {
	kind string
	id   string
	max  int
}

func (l *Limiter) keysFor(k Keys) []limitKey {
	var out []limitKey
	// Order matters: on an exact resetTime tie the email lockout is surfaced.
	if k.Email != "" {
		out = append(out, limitKey{kind: "email", id: k.Email, max: l.cfg.MaxEmail})
	}
	if k.IP != "" {
		out = append(out, limitKey{kind: "ip", id: k.IP, max: l.cfg.MaxIP})
	}
	if k.Client != "" {
		out = append(out, limitKey{kind: "client", id: k.Client, max: l.cfg.MaxIP})
	}
	return out
}

func counterKey(k limitKey) string { return "rl:count:" + k.kind + ":" + k.id }
func lockoutKey(k limitKey) string { return "rl:lock:" + k.kind + ":" + k.id }

// Check evaluates and optionally updates the rate-limit state for an attempt.
// It is safe to call concurrently for the same keys; counter increments are
// atomic at the store.
func (l *Limiter) Check(ctx context.Context, keys Keys, mode Mode) Decision {
	lks := l.keysFor(keys)
	if len(lks) == 0 {
		return Decision{Allowed: true, RemainingAttempts: l.cfg.MaxEmail, ResetTime: time.Now().Add(l.cfg.Window)}
	}

	if mode == RecordSuccess {
		// A genuine login wipes suspicion for every involved identity.
		var del []string
		for _, k := range lks {
			del = append(del, counterKey(k), lockoutKey(k))
		}
		l.store.Delete(ctx, del...)
		return Decision{Allowed: true, RemainingAttempts: l.minMax(lks), ResetTime: time.Now().Add(l.cfg.Window)}
	}

	now := time.Now()
	var locked *Decision
	remaining := -1

	for _, k := range lks {
		if until, ok := l.lockedUntil(ctx, k, now); ok {
			d := lockoutDecision(k, until, now)
			// Earliest resetTime wins; the iteration order breaks exact ties
			// in favor of the email key.
			if locked == nil || d.ResetTime.Before(locked.ResetTime) {
				locked = &d
			}
		}
	}

	if mode == RecordFailure && locked == nil {
		for _, k := range lks {
			count := int(l.store.Incr(ctx, counterKey(k), l.cfg.Window))
			if count >= k.max {
				until := now.Add(l.cfg.LockoutDuration)
				l.store.Set(ctx, lockoutKey(k), strconv.FormatInt(until.Unix(), 10), l.cfg.LockoutDuration)
				l.store.Delete(ctx, counterKey(k))
				d := lockoutDecision(k, until, now)
				if locked == nil || d.ResetTime.Before(locked.ResetTime) {
					locked = &d
				}
				continue
			}
			if rem := k.max - count; remaining < 0 || rem < remaining {
				remaining = rem
			}
		}
	}

	if locked != nil {
		return *locked
	}

	if mode == Probe {
		counters := make([]string, len(lks))
		for i, k := range lks {
			counters[i] = counterKey(k)
		}
		vals := l.store.MGet(ctx, counters...)
		for i, k := range lks {
			count := 0
			if v, ok := vals[counters[i]]; ok {
				count, _ = strconv.Atoi(v)
			}
			if rem := k.max - count; remaining < 0 || rem < remaining {
				remaining = rem
			}
		}
	}

	if remaining < 0 {
		remaining = l.minMax(lks)
	}
	if remaining < 0 {
		remaining = 0
	}
	return Decision{Allowed: true, RemainingAttempts: remaining, ResetTime: now.Add(l.cfg.Window)}
}

// Lockout forces an immediate lockout for the given identities, bypassing
// the counters. Used by correlation block actions.
func (l *Limiter) Lockout(ctx context.Context, keys Keys) {
	until := time.Now().Add(l.cfg.LockoutDuration)
	for _, k := range l.keysFor(keys) {
		l.store.Set(ctx, lockoutKey(k), strconv.FormatInt(until.Unix(), 10), l.cfg.LockoutDuration)
		l.store.Delete(ctx, counterKey(k))
	}
}

func (l *Limiter) lockedUntil(ctx context.Context, k limitKey, now time.Time) (time.Time, bool) {
	val, ok := l.store.Get(ctx, lockoutKey(k))
	if !ok {
		return time.Time{}, false
	}
	ts, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return time.Time{}, false
	}
	until := time.Unix(ts, 0)
	if !until.After(now) {
		return time.Time{}, false
	}
	return until, true
}

func (l *Limiter) minMax(lks []limitKey) int {
	min := -1
	for _, k := range lks {
		if min < 0 || k.max < min {
			min = k.max
		}
	}
	return min
}

func lockoutDecision(k limitKey, until, now time.Time) Decision {
	retry := int(until.Sub(now).Seconds())
	if retry < 1 {
		retry = 1
	}
	return Decision{
		Allowed:           false,
		RemainingAttempts: 0,
		ResetTime:         until,
		RetryAfterSeconds: retry,
		Message:           fmt.Sprintf("too many failed attempts for this %s, locked out until %s", k.kind, until.UTC().Format(time.RFC3339)),
	}
}
