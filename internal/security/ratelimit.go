package security

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// GuardConfig tunes the per-sender rate limiter and spam filter
type GuardConfig struct {
	PerMinute int
	Burst     int

	// A sender repeating the same content this many times within SpamWindow is blocked
	SpamRepeatThreshold int
	SpamWindow          time.Duration
	BlockDuration       time.Duration

	// Senders idle longer than this are forgotten by Cleanup
	IdleTTL time.Duration
}

// DefaultGuardConfig returns conservative limits for customer chats
func DefaultGuardConfig() GuardConfig {
	return GuardConfig{
		PerMinute:           30,
		Burst:               10,
		SpamRepeatThreshold: 5,
		SpamWindow:          time.Minute,
		BlockDuration:       10 * time.Minute,
		IdleTTL:             30 * time.Minute,
	}
}

type senderState struct {
	limiter      *rate.Limiter
	lastContent  string
	repeats      int
	repeatSince  time.Time
	blockedUntil time.Time
	lastSeen     time.Time
}

// GuardStats is a snapshot for the security-stats endpoint
type GuardStats struct {
	TrackedSenders  int     `json:"trackedSenders"`
	BlockedSenders  []int64 `json:"blockedSenders"`
	RateLimitedHits int64   `json:"rateLimitedHits"`
	SpamHits        int64   `json:"spamHits"`
	Unblocks        int64   `json:"unblocks"`
}

// Guard keeps rolling per-sender state for rate limiting and spam detection.
// Decisions take one short critical section and never wait.
type Guard struct {
	cfg    GuardConfig
	logger *zap.Logger
	now    func() time.Time

	mu          sync.Mutex
	senders     map[int64]*senderState
	rateLimited int64
	spam        int64
	unblocks    int64
}

// NewGuard creates a guard
func NewGuard(cfg GuardConfig, logger *zap.Logger) *Guard {
	return &Guard{
		cfg:     cfg,
		logger:  logger,
		now:     time.Now,
		senders: make(map[int64]*senderState),
	}
}

func (g *Guard) state(senderID int64, now time.Time) *senderState {
	st, ok := g.senders[senderID]
	if !ok {
		st = &senderState{limiter: g.newLimiter()}
		g.senders[senderID] = st
	}
	st.lastSeen = now
	return st
}

// newLimiter returns an unlimited bucket when PerMinute is not positive
func (g *Guard) newLimiter() *rate.Limiter {
	if g.cfg.PerMinute <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	return rate.NewLimiter(rate.Every(time.Minute/time.Duration(g.cfg.PerMinute)), g.cfg.Burst)
}

// CheckRateLimit reports whether senderID may send another update now.
// Updates without a sender (id 0) are always allowed.
func (g *Guard) CheckRateLimit(senderID int64) bool {
	if senderID == 0 || g.cfg.PerMinute <= 0 {
		return true
	}
	now := g.now()

	g.mu.Lock()
	defer g.mu.Unlock()

	st := g.state(senderID, now)
	if st.limiter.AllowN(now, 1) {
		return true
	}
	g.rateLimited++
	return false
}

// CheckSpam reports whether the update must be blocked as spam
func (g *Guard) CheckSpam(senderID int64, content string) bool {
	if senderID == 0 {
		return false
	}
	now := g.now()

	g.mu.Lock()
	defer g.mu.Unlock()

	st := g.state(senderID, now)
	if now.Before(st.blockedUntil) {
		g.spam++
		return true
	}

	if content == "" || g.cfg.SpamRepeatThreshold <= 0 {
		return false
	}

	if content == st.lastContent && now.Sub(st.repeatSince) <= g.cfg.SpamWindow {
		st.repeats++
	} else {
		st.lastContent = content
		st.repeats = 1
		st.repeatSince = now
	}

	if st.repeats >= g.cfg.SpamRepeatThreshold {
		st.blockedUntil = now.Add(g.cfg.BlockDuration)
		g.spam++
		g.logger.Warn("Sender blocked for repeated content",
			zap.Int64("sender_id", senderID),
			zap.Int("repeats", st.repeats),
			zap.Duration("block_duration", g.cfg.BlockDuration),
		)
		return true
	}
	return false
}

// Unblock clears all state of senderID. The next decision starts fresh.
func (g *Guard) Unblock(senderID int64) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	_, existed := g.senders[senderID]
	delete(g.senders, senderID)
	g.unblocks++
	return existed
}

// Cleanup forgets idle, unblocked senders and returns how many were removed
func (g *Guard) Cleanup() int {
	now := g.now()

	g.mu.Lock()
	defer g.mu.Unlock()

	removed := 0
	for id, st := range g.senders {
		if now.Before(st.blockedUntil) {
			continue
		}
		if now.Sub(st.lastSeen) > g.cfg.IdleTTL {
			delete(g.senders, id)
			removed++
		}
	}
	return removed
}

// Run calls Cleanup every interval until ctx is cancelled
func (g *Guard) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := g.Cleanup(); n > 0 {
				g.logger.Debug("Cleaned up idle senders", zap.Int("removed", n))
			}
		}
	}
}

// Stats returns a snapshot of the guard's counters
func (g *Guard) Stats() GuardStats {
	now := g.now()

	g.mu.Lock()
	defer g.mu.Unlock()

	stats := GuardStats{
		TrackedSenders:  len(g.senders),
		BlockedSenders:  []int64{},
		RateLimitedHits: g.rateLimited,
		SpamHits:        g.spam,
		Unblocks:        g.unblocks,
	}
	for id, st := range g.senders {
		if now.Before(st.blockedUntil) {
			stats.BlockedSenders = append(stats.BlockedSenders, id)
		}
	}
	return stats
}
