package ch

import (
	"context"
	"crypto/tls"
	"fmt"

	"storebot/internal/models"
	"storebot/internal/storage"

	"github.com/ClickHouse/clickhouse-go/v2"
)

type ClickHouseDB struct {
	conn clickhouse.Conn
}

// NewClickHouseDB creates a new ClickHouse database connection
func NewClickHouseDB(host string, port int, database, user, password string, useTLS bool) (*ClickHouseDB, error) {
	addr := fmt.Sprintf("%s:%d", host, port)

	options := &clickhouse.Options{
		Addr:     []string{addr},
		Protocol: clickhouse.Native,
		Auth: clickhouse.Auth{
			Database: database,
			Username: user,
			Password: password,
		},
	}

	if useTLS {
		options.TLS = &tls.Config{
			InsecureSkipVerify: false,
		}
	}

	conn, err := clickhouse.Open(options)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to ClickHouse: %w", err)
	}

	if err := conn.Ping(context.Background()); err != nil {
		return nil, fmt.Errorf("failed to ping ClickHouse: %w", err)
	}

	return &ClickHouseDB{conn: conn}, nil
}

// Initialize is a no-op - tables are managed via migrations
func (db *ClickHouseDB) Initialize(ctx context.Context) error {
	return nil
}

// SaveWebhook writes a new version of the store's registration.
// webhooks is a ReplacingMergeTree keyed by store_id, so reads use FINAL.
func (db *ClickHouseDB) SaveWebhook(ctx context.Context, reg models.WebhookRegistration) error {
	err := db.conn.Exec(ctx, `INSERT INTO webhooks
		(store_id, callback_url, secret_token, is_active, last_confirmed_at, error_count, last_error, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		reg.StoreID, reg.CallbackURL, reg.SecretToken, reg.IsActive,
		reg.LastConfirmedAt, uint32(reg.ErrorCount), reg.LastError, reg.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to save webhook: %w", err)
	}
	return nil
}

// GetWebhook returns the latest registration of a store
func (db *ClickHouseDB) GetWebhook(ctx context.Context, storeID string) (models.WebhookRegistration, error) {
	rows, err := db.conn.Query(ctx, `SELECT store_id, callback_url, secret_token, is_active,
		last_confirmed_at, error_count, last_error, updated_at
		FROM webhooks FINAL WHERE store_id = ?`, storeID)
	if err != nil {
		return models.WebhookRegistration{}, fmt.Errorf("failed to get webhook: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		return models.WebhookRegistration{}, storage.ErrNotFound
	}
	reg, err := scanWebhook(rows)
	if err != nil {
		return models.WebhookRegistration{}, err
	}
	return reg, nil
}

// ListWebhooks returns every store's latest registration
func (db *ClickHouseDB) ListWebhooks(ctx context.Context) ([]models.WebhookRegistration, error) {
	rows, err := db.conn.Query(ctx, `SELECT store_id, callback_url, secret_token, is_active,
		last_confirmed_at, error_count, last_error, updated_at
		FROM webhooks FINAL ORDER BY store_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list webhooks: %w", err)
	}
	defer rows.Close()

	var regs []models.WebhookRegistration
	for rows.Next() {
		reg, err := scanWebhook(rows)
		if err != nil {
			return nil, err
		}
		regs = append(regs, reg)
	}
	return regs, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanWebhook(rows scanner) (models.WebhookRegistration, error) {
	var (
		reg        models.WebhookRegistration
		errorCount uint32
	)
	if err := rows.Scan(&reg.StoreID, &reg.CallbackURL, &reg.SecretToken, &reg.IsActive,
		&reg.LastConfirmedAt, &errorCount, &reg.LastError, &reg.UpdatedAt); err != nil {
		return models.WebhookRegistration{}, fmt.Errorf("failed to scan webhook: %w", err)
	}
	reg.ErrorCount = int(errorCount)
	return reg, nil
}

// RecordDelivery appends one inbound request outcome to the audit table
func (db *ClickHouseDB) RecordDelivery(ctx context.Context, d models.Delivery) error {
	err := db.conn.Exec(ctx, `INSERT INTO webhook_deliveries
		(id, request_id, store_id, update_id, sender_id, outcome, attempts, latency_ms, error, received_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ID, d.RequestID, d.StoreID, int64(d.UpdateID), d.SenderID, string(d.Outcome), uint16(d.Attempts),
		d.LatencyMs, d.Error, d.ReceivedAt)
	if err != nil {
		return fmt.Errorf("failed to record delivery: %w", err)
	}
	return nil
}

// ListDeliveries returns the last N deliveries of a store, all of them when limit is 0
func (db *ClickHouseDB) ListDeliveries(ctx context.Context, storeID string, limit int) ([]models.Delivery, error) {
	query := `SELECT id, request_id, store_id, update_id, sender_id, outcome, attempts, latency_ms, error, received_at
		FROM webhook_deliveries WHERE store_id = ? ORDER BY received_at DESC, id DESC`
	args := []any{storeID}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := db.conn.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list deliveries: %w", err)
	}
	defer rows.Close()

	var deliveries []models.Delivery
	for rows.Next() {
		var (
			d        models.Delivery
			updateID int64
			outcome  string
			attempts uint16
		)
		if err := rows.Scan(&d.ID, &d.RequestID, &d.StoreID, &updateID, &d.SenderID, &outcome, &attempts,
			&d.LatencyMs, &d.Error, &d.ReceivedAt); err != nil {
			return nil, fmt.Errorf("failed to scan delivery: %w", err)
		}
		d.UpdateID = int(updateID)
		d.Outcome = models.DeliveryOutcome(outcome)
		d.Attempts = int(attempts)
		deliveries = append(deliveries, d)
	}
	return deliveries, nil
}

// Close closes the database connection
func (db *ClickHouseDB) Close() error {
	if db.conn != nil {
		return db.conn.Close()
	}
	return nil
}
