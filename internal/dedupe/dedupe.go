// Package dedupe remembers which provider updates were already processed so
// that at-least-once redelivery does not reach a bot twice.
//
// Keys are marked only after successful processing. Two concurrent deliveries
// of the same update can therefore both be processed; suppression is best effort.
package dedupe

import (
	"context"
	"strconv"
	"sync"
	"time"
)

// Store records processed update keys for a bounded window
type Store interface {
	Seen(ctx context.Context, key string) (bool, error)
	Mark(ctx context.Context, key string) error
}

// Key builds the dedupe key of a store's update
func Key(storeID string, updateID int) string {
	return storeID + ":" + strconv.Itoa(updateID)
}

// Memory is a process-local Store
type Memory struct {
	mu     sync.Mutex
	seen   map[string]time.Time
	window time.Duration
	now    func() time.Time
}

// NewMemory creates an in-memory store keeping keys for window
func NewMemory(window time.Duration) *Memory {
	return &Memory{
		seen:   make(map[string]time.Time),
		window: window,
		now:    time.Now,
	}
}

func (m *Memory) Seen(ctx context.Context, key string) (bool, error) {
	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()

	when, ok := m.seen[key]
	if !ok {
		return false, nil
	}
	if now.Sub(when) > m.window {
		delete(m.seen, key)
		return false, nil
	}
	return true, nil
}

func (m *Memory) Mark(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.seen[key] = m.now()
	return nil
}

// GC drops expired keys and returns how many were removed
func (m *Memory) GC() int {
	cut := m.now().Add(-m.window)

	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for k, v := range m.seen {
		if v.Before(cut) {
			delete(m.seen, k)
			removed++
		}
	}
	return removed
}

// Run calls GC every interval until ctx is cancelled
func (m *Memory) Run(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			m.GC()
		}
	}
}

// Len returns the number of remembered keys
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.seen)
}
