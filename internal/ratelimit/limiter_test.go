package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wardgate/sentinel/backend/internal/kvstore"
)

func newTestLimiter(t *testing.T, cfg Config) *Limiter {
	t.Helper()
	return New(kvstore.New(nil, "", time.Second), cfg)
}

func TestLimiter_AllowsUnderThreshold(t *testing.T) {
	l := newTestLimiter(t, Config{MaxEmail: 5, MaxIP: 10})
	ctx := context.Background()
	keys := Keys{Email: "user@x.com", IP: "1.2.3.4"}

	d := l.Check(ctx, keys, Probe)
	assert.True(t, d.Allowed)
	assert.Equal(t, 5, d.RemainingAttempts)

	d = l.Check(ctx, keys, RecordFailure)
	assert.True(t, d.Allowed)
	assert.Equal(t, 4, d.RemainingAttempts)
}

func TestLimiter_LockoutAfterMaxFailures(t *testing.T) {
	l := newTestLimiter(t, Config{MaxEmail: 5, MaxIP: 10, LockoutDuration: time.Hour})
	ctx := context.Background()
	keys := Keys{Email: "user@x.com", IP: "1.2.3.4"}

	for i := 0; i < 4; i++ {
		d := l.Check(ctx, keys, RecordFailure)
		assert.True(t, d.Allowed, "attempt %d should still be allowed", i+1)
	}

	// Fifth failure reaches the email maximum and locks the key.
	d := l.Check(ctx, keys, RecordFailure)
	assert.False(t, d.Allowed)
	assert.Equal(t, 0, d.RemainingAttempts)
	assert.True(t, d.ResetTime.After(time.Now()))
	assert.Contains(t, d.Message, "locked out")

	// Sixth attempt is denied before any credential check.
	d = l.Check(ctx, keys, Probe)
	assert.False(t, d.Allowed)
	assert.Equal(t, 0, d.RemainingAttempts)
	assert.Positive(t, d.RetryAfterSeconds)
}

func TestLimiter_IPKeyBehavesLikeEmailKey(t *testing.T) {
	l := newTestLimiter(t, Config{MaxEmail: 3, MaxIP: 3, LockoutDuration: time.Hour})
	ctx := context.Background()

	emailOnly := Keys{Email: "a@x.com"}
	ipOnly := Keys{IP: "9.9.9.9"}

	for i := 0; i < 3; i++ {
		l.Check(ctx, emailOnly, RecordFailure)
		l.Check(ctx, ipOnly, RecordFailure)
	}

	de := l.Check(ctx, emailOnly, Probe)
	di := l.Check(ctx, ipOnly, Probe)
	assert.False(t, de.Allowed)
	assert.False(t, di.Allowed)
	assert.Equal(t, de.RemainingAttempts, di.RemainingAttempts)
}

func TestLimiter_SuccessClearsAllState(t *testing.T) {
	l := newTestLimiter(t, Config{MaxEmail: 3, MaxIP: 5, LockoutDuration: time.Hour})
	ctx := context.Background()
	keys := Keys{Email: "user@x.com", IP: "1.2.3.4", Client: "web-1"}

	for i := 0; i < 3; i++ {
		l.Check(ctx, keys, RecordFailure)
	}
	require.False(t, l.Check(ctx, keys, Probe).Allowed)

	d := l.Check(ctx, keys, RecordSuccess)
	assert.True(t, d.Allowed)

	d = l.Check(ctx, keys, Probe)
	assert.True(t, d.Allowed, "a genuine login wipes counters and lockouts")
	assert.Equal(t, 3, d.RemainingAttempts)
}

func TestLimiter_LockoutExpires(t *testing.T) {
	l := newTestLimiter(t, Config{MaxEmail: 2, MaxIP: 10, LockoutDuration: time.Second})
	ctx := context.Background()
	keys := Keys{Email: "user@x.com"}

	l.Check(ctx, keys, RecordFailure)
	d := l.Check(ctx, keys, RecordFailure)
	require.False(t, d.Allowed)

	time.Sleep(1100 * time.Millisecond)

	d = l.Check(ctx, keys, Probe)
	assert.True(t, d.Allowed, "attempts after the lockout window elapses are allowed")
}

func TestLimiter_MostRestrictiveWins(t *testing.T) {
	l := newTestLimiter(t, Config{MaxEmail: 5, MaxIP: 2, LockoutDuration: time.Hour})
	ctx := context.Background()
	keys := Keys{Email: "user@x.com", IP: "1.2.3.4"}

	l.Check(ctx, keys, RecordFailure)
	// Second failure locks the IP key (max 2) while the email key still has headroom.
	d := l.Check(ctx, keys, RecordFailure)
	assert.False(t, d.Allowed)
	assert.Contains(t, d.Message, "ip")
}

func TestLimiter_EmptyKeysAllowed(t *testing.T) {
	l := newTestLimiter(t, Config{MaxEmail: 5, MaxIP: 10})
	d := l.Check(context.Background(), Keys{}, Probe)
	assert.True(t, d.Allowed)
}
