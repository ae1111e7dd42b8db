package stubs

import (
	"context"
	"sort"
	"sync"

	"storebot/internal/models"
	"storebot/internal/storage"
)

// MockDB is an in-memory implementation of the Storage interface for testing
type MockDB struct {
	mu         sync.RWMutex
	webhooks   map[string]models.WebhookRegistration
	deliveries []models.Delivery
}

// NewMockDB creates a new mock database
func NewMockDB() *MockDB {
	return &MockDB{
		webhooks:   make(map[string]models.WebhookRegistration),
		deliveries: make([]models.Delivery, 0),
	}
}

// Initialize is a no-op for the mock
func (m *MockDB) Initialize(ctx context.Context) error {
	return nil
}

// SaveWebhook stores the registration, replacing any previous one for the store
func (m *MockDB) SaveWebhook(ctx context.Context, reg models.WebhookRegistration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.webhooks[reg.StoreID] = reg
	return nil
}

// GetWebhook returns the registration for a store
func (m *MockDB) GetWebhook(ctx context.Context, storeID string) (models.WebhookRegistration, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	reg, ok := m.webhooks[storeID]
	if !ok {
		return models.WebhookRegistration{}, storage.ErrNotFound
	}
	return reg, nil
}

// ListWebhooks returns all registrations sorted by store id
func (m *MockDB) ListWebhooks(ctx context.Context) ([]models.WebhookRegistration, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	regs := make([]models.WebhookRegistration, 0, len(m.webhooks))
	for _, reg := range m.webhooks {
		regs = append(regs, reg)
	}

	sort.Slice(regs, func(i, j int) bool {
		return regs[i].StoreID < regs[j].StoreID
	})
	return regs, nil
}

// RecordDelivery appends a delivery to the audit log
func (m *MockDB) RecordDelivery(ctx context.Context, d models.Delivery) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.deliveries = append(m.deliveries, d)
	return nil
}

// ListDeliveries returns the last N deliveries of a store, newest first
func (m *MockDB) ListDeliveries(ctx context.Context, storeID string, limit int) ([]models.Delivery, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []models.Delivery
	for i := len(m.deliveries) - 1; i >= 0; i-- {
		if m.deliveries[i].StoreID != storeID {
			continue
		}
		result = append(result, m.deliveries[i])
		if limit > 0 && len(result) >= limit {
			break
		}
	}
	return result, nil
}

// Close is a no-op for the mock
func (m *MockDB) Close() error {
	return nil
}
