package security

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newTestGuard(cfg GuardConfig) (*Guard, *fakeClock) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	g := NewGuard(cfg, zap.NewNop())
	g.now = clock.Now
	return g, clock
}

func TestGuard_RateLimitBurstAndRefill(t *testing.T) {
	cfg := DefaultGuardConfig()
	cfg.PerMinute = 60 // one token per second
	cfg.Burst = 3
	g, clock := newTestGuard(cfg)

	for i := 0; i < 3; i++ {
		assert.True(t, g.CheckRateLimit(42), "request %d within burst", i)
	}
	assert.False(t, g.CheckRateLimit(42), "burst exhausted")

	// Other senders are unaffected
	assert.True(t, g.CheckRateLimit(43))

	clock.Advance(time.Second)
	assert.True(t, g.CheckRateLimit(42), "one token refilled")
	assert.False(t, g.CheckRateLimit(42))

	assert.Equal(t, int64(2), g.Stats().RateLimitedHits)
}

func TestGuard_UnblockResetsRateLimit(t *testing.T) {
	cfg := DefaultGuardConfig()
	cfg.Burst = 1
	g, _ := newTestGuard(cfg)

	require.True(t, g.CheckRateLimit(42))
	require.False(t, g.CheckRateLimit(42))

	assert.True(t, g.Unblock(42))
	assert.True(t, g.CheckRateLimit(42), "unblock must be visible to the very next decision")
}

func TestGuard_SenderlessUpdatesAllowed(t *testing.T) {
	cfg := DefaultGuardConfig()
	cfg.Burst = 1
	g, _ := newTestGuard(cfg)

	for i := 0; i < 10; i++ {
		assert.True(t, g.CheckRateLimit(0))
		assert.False(t, g.CheckSpam(0, "same"))
	}
	assert.Equal(t, 0, g.Stats().TrackedSenders)
}

func TestGuard_ZeroPerMinuteDisablesRateLimit(t *testing.T) {
	cfg := DefaultGuardConfig()
	cfg.PerMinute = 0
	cfg.SpamRepeatThreshold = 3
	g, _ := newTestGuard(cfg)

	for i := 0; i < 50; i++ {
		require.True(t, g.CheckRateLimit(42))
	}
	assert.NotPanics(t, func() { g.CheckSpam(42, "hello") })
	assert.False(t, g.CheckSpam(42, "hello"))
	assert.True(t, g.CheckSpam(42, "hello"), "spam filter still applies")
	assert.Zero(t, g.Stats().RateLimitedHits)
}

func TestGuard_SpamRepeatedContent(t *testing.T) {
	cfg := DefaultGuardConfig()
	cfg.SpamRepeatThreshold = 3
	cfg.SpamWindow = time.Minute
	cfg.BlockDuration = 10 * time.Minute
	g, clock := newTestGuard(cfg)

	assert.False(t, g.CheckSpam(42, "buy now"))
	assert.False(t, g.CheckSpam(42, "buy now"))
	assert.True(t, g.CheckSpam(42, "buy now"), "third repeat blocks")

	// While blocked every message is spam
	assert.True(t, g.CheckSpam(42, "a different message"))
	assert.Equal(t, []int64{42}, g.Stats().BlockedSenders)

	clock.Advance(11 * time.Minute)
	assert.False(t, g.CheckSpam(42, "hello again"), "block expired")
}

func TestGuard_SpamWindowExpires(t *testing.T) {
	cfg := DefaultGuardConfig()
	cfg.SpamRepeatThreshold = 3
	cfg.SpamWindow = time.Minute
	g, clock := newTestGuard(cfg)

	assert.False(t, g.CheckSpam(42, "ping"))
	assert.False(t, g.CheckSpam(42, "ping"))
	clock.Advance(2 * time.Minute)
	assert.False(t, g.CheckSpam(42, "ping"), "repeat counter restarts after the window")
	assert.False(t, g.CheckSpam(42, "pong"))
}

func TestGuard_UnblockClearsSpamBlock(t *testing.T) {
	cfg := DefaultGuardConfig()
	cfg.SpamRepeatThreshold = 2
	g, _ := newTestGuard(cfg)

	g.CheckSpam(42, "x")
	require.True(t, g.CheckSpam(42, "x"))

	g.Unblock(42)
	assert.False(t, g.CheckSpam(42, "x"))
	assert.Empty(t, g.Stats().BlockedSenders)
	assert.Equal(t, int64(1), g.Stats().Unblocks)
}

func TestGuard_Cleanup(t *testing.T) {
	cfg := DefaultGuardConfig()
	cfg.SpamRepeatThreshold = 1
	cfg.BlockDuration = time.Hour
	cfg.IdleTTL = time.Minute
	g, clock := newTestGuard(cfg)

	g.CheckRateLimit(1)
	g.CheckSpam(2, "blocked immediately")

	clock.Advance(5 * time.Minute)
	assert.Equal(t, 1, g.Cleanup(), "idle sender removed, blocked sender kept")
	assert.Equal(t, 1, g.Stats().TrackedSenders)
}

func TestGuard_RunStopsOnCancel(t *testing.T) {
	g := NewGuard(DefaultGuardConfig(), zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		g.Run(ctx, 10*time.Millisecond)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
