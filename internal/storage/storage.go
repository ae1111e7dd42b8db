package storage

import (
	"context"
	"errors"

	"storebot/internal/models"
)

// ErrNotFound is returned when a requested record does not exist
var ErrNotFound = errors.New("not found")

// Storage defines the interface for data storage operations
type Storage interface {
	// Webhook registration operations

	// SaveWebhook inserts or replaces the registration for reg.StoreID
	SaveWebhook(ctx context.Context, reg models.WebhookRegistration) error
	// GetWebhook returns ErrNotFound if the store never registered a webhook
	GetWebhook(ctx context.Context, storeID string) (models.WebhookRegistration, error)
	ListWebhooks(ctx context.Context) ([]models.WebhookRegistration, error)

	// Delivery audit operations
	RecordDelivery(ctx context.Context, d models.Delivery) error
	// ListDeliveries returns the most recent deliveries for a store, newest first
	ListDeliveries(ctx context.Context, storeID string, limit int) ([]models.Delivery, error)

	// Lifecycle
	Initialize(ctx context.Context) error
	Close() error
}
