package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/jmhodges/clock"
	"github.com/stretchr/testify/require"
)

func newTestLimiter(t *testing.T) (*Limiter, clock.FakeClock) {
	t.Helper()
	clk := clock.NewFake()
	clk.Set(time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC))
	return New(NewInProcessBackend(clk), nil), clk
}

func TestDefaultLimitsAreOnePerMinute(t *testing.T) {
	limits := DefaultLimits()
	for _, class := range []Class{
		ClassRegisterUnsigned, ClassAttestationWrite, ClassOwnership, ClassIntegrity, ClassTaxonomyMutation,
	} {
		lim, ok := limits[class]
		require.True(t, ok, "class %s missing", class)
		require.Equal(t, 60*time.Second, lim.Window)
		require.Equal(t, 1, lim.Count)
	}
}

func TestSecondRequestWithinWindowDenied(t *testing.T) {
	l, _ := newTestLimiter(t)
	ctx := context.Background()

	allowed, _, err := l.Allow(ctx, ClassAttestationWrite, "pubkey-a")
	require.NoError(t, err)
	require.True(t, allowed)

	allowed, retryAfter, err := l.Allow(ctx, ClassAttestationWrite, "pubkey-a")
	require.NoError(t, err)
	require.False(t, allowed)
	require.Greater(t, retryAfter, time.Duration(0))
	require.LessOrEqual(t, retryAfter, 60*time.Second)
}

func TestWindowExpiryRestoresAllowance(t *testing.T) {
	l, clk := newTestLimiter(t)
	ctx := context.Background()

	allowed, _, _ := l.Allow(ctx, ClassRegisterUnsigned, "10.0.0.1")
	require.True(t, allowed)
	allowed, _, _ = l.Allow(ctx, ClassRegisterUnsigned, "10.0.0.1")
	require.False(t, allowed)

	clk.Add(61 * time.Second)
	allowed, _, err := l.Allow(ctx, ClassRegisterUnsigned, "10.0.0.1")
	require.NoError(t, err)
	require.True(t, allowed)
}

func TestKeysAreIndependent(t *testing.T) {
	l, _ := newTestLimiter(t)
	ctx := context.Background()

	allowed, _, _ := l.Allow(ctx, ClassOwnership, "agent-1")
	require.True(t, allowed)
	allowed, _, _ = l.Allow(ctx, ClassOwnership, "agent-2")
	require.True(t, allowed)
	allowed, _, _ = l.Allow(ctx, ClassIntegrity, "agent-1")
	require.True(t, allowed, "same key in a different class has its own counter")
}

func TestUnknownClassUnlimited(t *testing.T) {
	l, _ := newTestLimiter(t)
	for i := 0; i < 10; i++ {
		allowed, _, err := l.Allow(context.Background(), Class("reads"), "anyone")
		require.NoError(t, err)
		require.True(t, allowed)
	}
}

func TestLimitsFromJSONOverrides(t *testing.T) {
	limits, err := LimitsFromJSON(`{"attestation_write": {"window_seconds": 10, "count": 5}}`)
	require.NoError(t, err)
	require.Equal(t, Limit{Window: 10 * time.Second, Count: 5}, limits[ClassAttestationWrite])
	// Unnamed classes keep defaults.
	require.Equal(t, Limit{Window: 60 * time.Second, Count: 1}, limits[ClassRegisterUnsigned])
}

func TestLimitsFromJSONRejectsBadInput(t *testing.T) {
	_, err := LimitsFromJSON(`{"attestation_write": {"window_seconds": 0, "count": 5}}`)
	require.Error(t, err)
	_, err = LimitsFromJSON(`not json`)
	require.Error(t, err)
}

func TestEvictDropsIdleBuckets(t *testing.T) {
	clk := clock.NewFake()
	clk.Set(time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC))
	b := NewInProcessBackend(clk)

	allowed, _, err := b.Allow(context.Background(), "k", 60*time.Second, 1)
	require.NoError(t, err)
	require.True(t, allowed)
	require.Len(t, b.buckets, 1)

	clk.Add(10 * time.Minute)
	b.Evict(5 * time.Minute)
	require.Empty(t, b.buckets)
}
