package bot

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"storebot/internal/models"
	"storebot/internal/telegram"
)

const defaultStopTimeout = 10 * time.Second

// Config tunes registry behavior
type Config struct {
	// RestartCooldown is the pause between tearing down and recreating a bot
	RestartCooldown time.Duration
	// PollTimeoutSeconds is the long-polling timeout passed to getUpdates
	PollTimeoutSeconds int
	// StopTimeout bounds how long stopping a poller waits for the update it is
	// handling. The long poll itself is aborted, not waited for.
	StopTimeout time.Duration
	// ModeFor picks the transport of a new runtime; nil means POLLING
	ModeFor func(storeID string) models.TransportMode
}

// Stats summarizes all runtimes
type Stats struct {
	TotalBots         int    `json:"totalBots"`
	ActiveBots        int    `json:"activeBots"`
	TotalMessageCount int64  `json:"totalMessageCount"`
	Bots              []Info `json:"bots"`
}

// Registry owns the live runtime of every store. Mutations of one store are
// serialized by a per-store lock; the map itself is held only for lookups and
// swaps, so reads never wait on Telegram.
type Registry struct {
	factory telegram.Factory
	handler Handler
	cfg     Config
	logger  *zap.Logger

	locks *keyLocker

	mu       sync.RWMutex
	runtimes map[string]*Runtime

	sleep func(ctx context.Context, d time.Duration) error
}

// NewRegistry creates an empty registry
func NewRegistry(factory telegram.Factory, handler Handler, cfg Config, logger *zap.Logger) *Registry {
	if cfg.PollTimeoutSeconds <= 0 {
		cfg.PollTimeoutSeconds = 60
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = defaultStopTimeout
	}
	if cfg.RestartCooldown < 0 {
		cfg.RestartCooldown = 0
	}
	return &Registry{
		factory:  factory,
		handler:  handler,
		cfg:      cfg,
		logger:   logger,
		locks:    newKeyLocker(),
		runtimes: make(map[string]*Runtime),
		sleep:    sleepContext,
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Create registers a bot for storeID and returns it in STARTING. Credential
// verification against Telegram happens in the background; the runtime turns
// ACTIVE or ERROR once it completes (see Runtime.Ready).
func (r *Registry) Create(storeID, credential, displayName string) (*Runtime, error) {
	if storeID == "" {
		return nil, ErrInvalidStoreID
	}
	if !telegram.ValidToken(credential) {
		return nil, ErrInvalidCredential
	}

	unlock := r.locks.Lock(storeID)
	defer unlock()
	return r.createLocked(storeID, credential, displayName, nil)
}

// createLocked requires the store's key lock
func (r *Registry) createLocked(storeID, credential, displayName string, settings Settings) (*Runtime, error) {
	if existing, ok := r.GetByStore(storeID); ok {
		switch existing.Status() {
		case models.StatusStarting, models.StatusActive:
			return nil, ErrAlreadyActive
		}
		// ERROR and STOPPED runtimes are replaced
		r.logger.Info("Replacing inactive bot",
			zap.String("store_id", storeID),
			zap.String("status", string(existing.Status())),
		)
		existing.stop()
	}

	mode := models.TransportPolling
	if r.cfg.ModeFor != nil {
		mode = r.cfg.ModeFor(storeID)
	}
	if settings == nil {
		settings = Settings{}
	}

	rt := &Runtime{
		storeID:     storeID,
		credential:  credential,
		displayName: displayName,
		createdAt:   time.Now(),
		handler:     r.handler,
		factory:     r.factory,
		logger:      r.logger.With(zap.String("store_id", storeID)),
		pollTimeout: r.cfg.PollTimeoutSeconds,
		stopTimeout: r.cfg.StopTimeout,
		mode:        mode,
		status:      models.StatusStarting,
		settings:    settings,
		ready:       make(chan struct{}),
	}

	r.mu.Lock()
	r.runtimes[storeID] = rt
	r.mu.Unlock()

	go rt.run()

	r.logger.Info("Bot created",
		zap.String("store_id", storeID),
		zap.String("display_name", displayName),
		zap.String("transport_mode", string(mode)),
	)
	return rt, nil
}

// Remove stops and forgets the store's bot. Removing an unknown store is a
// no-op and reports false.
func (r *Registry) Remove(storeID string) bool {
	unlock := r.locks.Lock(storeID)
	defer unlock()
	return r.removeLocked(storeID) != nil
}

func (r *Registry) removeLocked(storeID string) *Runtime {
	r.mu.Lock()
	rt, ok := r.runtimes[storeID]
	delete(r.runtimes, storeID)
	r.mu.Unlock()
	if !ok {
		return nil
	}

	rt.stop()
	r.logger.Info("Bot removed", zap.String("store_id", storeID))
	return rt
}

// Restart tears the bot down, waits the configured cool-down and creates it
// again with the same credential, name and settings. The store stays locked
// throughout so no other operation interleaves.
func (r *Registry) Restart(ctx context.Context, storeID string) (*Runtime, error) {
	unlock := r.locks.Lock(storeID)
	defer unlock()

	old := r.removeLocked(storeID)
	if old == nil {
		return nil, ErrNotFound
	}

	if err := r.sleep(ctx, r.cfg.RestartCooldown); err != nil {
		return nil, fmt.Errorf("restart cancelled: %w", err)
	}

	rt, err := r.createLocked(storeID, old.credential, old.displayName, old.Settings())
	if err != nil {
		return nil, err
	}
	r.logger.Info("Bot restarted", zap.String("store_id", storeID))
	return rt, nil
}

// ReloadSettings merges patch into the store's settings without a restart.
// Entries with unknown keys or wrong types are logged and skipped.
func (r *Registry) ReloadSettings(storeID string, patch map[string]any) (Settings, error) {
	rt, ok := r.GetByStore(storeID)
	if !ok {
		return nil, ErrNotFound
	}

	rt.mu.Lock()
	merged, errs := MergeSettings(rt.settings, patch)
	rt.settings = merged
	rt.mu.Unlock()

	for _, err := range errs {
		r.logger.Warn("Skipping invalid setting", zap.String("store_id", storeID), zap.Error(err))
	}
	r.logger.Info("Settings reloaded",
		zap.String("store_id", storeID),
		zap.Int("applied", len(patch)-len(errs)),
		zap.Int("skipped", len(errs)),
	)
	return merged.Clone(), nil
}

// GetByStore returns the store's runtime
func (r *Registry) GetByStore(storeID string) (*Runtime, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rt, ok := r.runtimes[storeID]
	return rt, ok
}

// GetStats returns a summary of all runtimes sorted by store id
func (r *Registry) GetStats() Stats {
	r.mu.RLock()
	runtimes := make([]*Runtime, 0, len(r.runtimes))
	for _, rt := range r.runtimes {
		runtimes = append(runtimes, rt)
	}
	r.mu.RUnlock()

	stats := Stats{TotalBots: len(runtimes), Bots: make([]Info, 0, len(runtimes))}
	for _, rt := range runtimes {
		info := rt.Info()
		if info.Status == models.StatusActive {
			stats.ActiveBots++
		}
		stats.TotalMessageCount += info.MessageCount
		stats.Bots = append(stats.Bots, info)
	}
	sort.Slice(stats.Bots, func(i, j int) bool { return stats.Bots[i].StoreID < stats.Bots[j].StoreID })
	return stats
}

// SetTransportMode switches the store's bot between webhook and polling
func (r *Registry) SetTransportMode(storeID string, mode models.TransportMode) error {
	if mode != models.TransportWebhook && mode != models.TransportPolling {
		return fmt.Errorf("unknown transport mode %q", mode)
	}

	unlock := r.locks.Lock(storeID)
	defer unlock()

	rt, ok := r.GetByStore(storeID)
	if !ok {
		return ErrNotFound
	}
	return rt.setTransportMode(mode)
}

// Shutdown stops every runtime in parallel
func (r *Registry) Shutdown() {
	r.mu.RLock()
	ids := make([]string, 0, len(r.runtimes))
	for id := range r.runtimes {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			r.Remove(id)
		}(id)
	}
	wg.Wait()
	r.logger.Info("All bots stopped", zap.Int("count", len(ids)))
}
