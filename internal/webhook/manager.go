// Package webhook registers store callback URLs with Telegram and tracks
// their health. Registrations live independently of bot runtimes.
package webhook

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"storebot/internal/models"
	"storebot/internal/storage"
	"storebot/internal/telegram"
)

var (
	// ErrNotConfigured is returned by Enable when no public base URL is known
	ErrNotConfigured = errors.New("webhook base url not configured")
	// ErrProviderRejected matches every *ProviderError
	ErrProviderRejected = errors.New("provider rejected request")
	// ErrNotFound is returned for stores that never registered a webhook
	ErrNotFound = errors.New("webhook registration not found")
	// ErrInvalidCredential is returned for tokens that are not shaped like a bot token
	ErrInvalidCredential = errors.New("invalid bot credential")
	// ErrCredentialUnknown is returned when the store's token is not held in memory
	ErrCredentialUnknown = errors.New("bot credential unknown for store")
)

// ProviderError carries Telegram's reason for a failed call
type ProviderError struct {
	Op     string
	Reason string
	Err    error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("%s rejected by provider: %s", e.Op, e.Reason)
}

func (e *ProviderError) Unwrap() []error {
	return []error{ErrProviderRejected, e.Err}
}

func providerError(op string, err error) error {
	return &ProviderError{Op: op, Reason: telegram.Description(err), Err: err}
}

// TransportSwitcher moves a store's runtime between webhook and polling
type TransportSwitcher interface {
	SetTransportMode(storeID string, mode models.TransportMode) error
}

// CredentialSource finds a store's token when the manager does not hold it,
// for example after a process restart
type CredentialSource func(storeID string) (string, bool)

// Config describes how callback URLs are built and registered
type Config struct {
	BaseURL        string
	Path           string
	AllowedUpdates []string
	MaxConnections int
	// ConfirmInterval throttles how often successful deliveries are persisted
	ConfirmInterval time.Duration
}

// Status is the live view of a store's webhook
type Status struct {
	StoreID        string     `json:"storeId"`
	IsActive       bool       `json:"isActive"`
	CallbackURL    string     `json:"callbackUrl"`
	ProviderURL    string     `json:"providerUrl"`
	PendingUpdates int        `json:"pendingUpdates"`
	LastUpdate     *time.Time `json:"lastUpdate,omitempty"`
	Errors         int        `json:"errors"`
	LastError      string     `json:"lastError,omitempty"`
}

// Summary is one store's entry in Stats. It never carries the secret token.
type Summary struct {
	StoreID         string     `json:"storeId"`
	CallbackURL     string     `json:"callbackUrl"`
	IsActive        bool       `json:"isActive"`
	LastConfirmedAt *time.Time `json:"lastConfirmedAt,omitempty"`
	ErrorCount      int        `json:"errorCount"`
	LastError       string     `json:"lastError,omitempty"`
}

// Stats summarizes all registrations
type Stats struct {
	TotalWebhooks  int       `json:"totalWebhooks"`
	ActiveWebhooks int       `json:"activeWebhooks"`
	ErrorCount     int       `json:"errorCount"`
	Webhooks       []Summary `json:"webhooks"`
}

// Manager owns webhook registrations. Credentials are kept in memory only.
type Manager struct {
	factory  telegram.Factory
	db       storage.Storage
	cfg      Config
	switcher TransportSwitcher
	source   CredentialSource
	logger   *zap.Logger
	now      func() time.Time

	mu          sync.RWMutex
	regs        map[string]models.WebhookRegistration
	credentials map[string]string
}

// NewManager creates a manager. switcher and source may be nil.
func NewManager(factory telegram.Factory, db storage.Storage, cfg Config, switcher TransportSwitcher, source CredentialSource, logger *zap.Logger) *Manager {
	if len(cfg.AllowedUpdates) == 0 {
		cfg.AllowedUpdates = telegram.DefaultAllowedUpdates
	}
	if cfg.MaxConnections == 0 {
		cfg.MaxConnections = 40
	}
	if cfg.ConfirmInterval == 0 {
		cfg.ConfirmInterval = time.Minute
	}
	return &Manager{
		factory:     factory,
		db:          db,
		cfg:         cfg,
		switcher:    switcher,
		source:      source,
		logger:      logger,
		now:         time.Now,
		regs:        make(map[string]models.WebhookRegistration),
		credentials: make(map[string]string),
	}
}

// SetSwitcher wires the runtime registry after construction
func (m *Manager) SetSwitcher(s TransportSwitcher) {
	m.switcher = s
}

// Load fills the registration cache from storage
func (m *Manager) Load(ctx context.Context) error {
	regs, err := m.db.ListWebhooks(ctx)
	if err != nil {
		return fmt.Errorf("failed to load webhooks: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, reg := range regs {
		m.regs[reg.StoreID] = reg
	}
	m.logger.Info("Webhook registrations loaded", zap.Int("count", len(regs)))
	return nil
}

// CallbackURL returns the deterministic callback URL of storeID
func (m *Manager) CallbackURL(storeID string) string {
	base := strings.TrimRight(m.cfg.BaseURL, "/")
	path := "/" + strings.Trim(m.cfg.Path, "/")
	if path == "/" {
		path = ""
	}
	return base + path + "/" + storeID
}

// Enable registers the store's callback URL and a fresh secret token with
// Telegram and returns the URL
func (m *Manager) Enable(ctx context.Context, storeID, credential string) (string, error) {
	if m.cfg.BaseURL == "" {
		return "", ErrNotConfigured
	}
	if !telegram.ValidToken(credential) {
		return "", ErrInvalidCredential
	}

	url := m.CallbackURL(storeID)
	secret, err := newSecretToken()
	if err != nil {
		return "", err
	}

	// Stop polling first, Telegram rejects setWebhook races with getUpdates
	m.switchTransport(storeID, models.TransportWebhook)

	err = m.register(credential, url, secret)
	if err != nil {
		m.switchTransport(storeID, models.TransportPolling)
		m.recordFailure(ctx, storeID, url, err)
		m.logger.Error("Failed to enable webhook",
			zap.String("store_id", storeID),
			zap.String("callback_url", url),
			zap.Error(err),
		)
		return "", err
	}

	now := m.now()
	reg := models.WebhookRegistration{
		StoreID:         storeID,
		CallbackURL:     url,
		SecretToken:     secret,
		IsActive:        true,
		LastConfirmedAt: now,
		UpdatedAt:       now,
	}
	if err := m.db.SaveWebhook(ctx, reg); err != nil {
		return "", fmt.Errorf("failed to save webhook: %w", err)
	}

	m.mu.Lock()
	m.regs[storeID] = reg
	m.credentials[storeID] = credential
	m.mu.Unlock()

	m.logger.Info("Webhook enabled",
		zap.String("store_id", storeID),
		zap.String("callback_url", url),
	)
	return url, nil
}

func (m *Manager) register(credential, url, secret string) error {
	client, err := m.factory.Connect(credential)
	if err != nil {
		return providerError("getMe", err)
	}
	err = client.SetWebhook(telegram.WebhookParams{
		URL:            url,
		SecretToken:    secret,
		AllowedUpdates: m.cfg.AllowedUpdates,
		MaxConnections: m.cfg.MaxConnections,
	})
	if err != nil {
		return providerError("setWebhook", err)
	}
	return nil
}

// recordFailure keeps a failed enable visible in stats
func (m *Manager) recordFailure(ctx context.Context, storeID, url string, cause error) {
	m.mu.Lock()
	reg, ok := m.regs[storeID]
	if !ok {
		reg = models.WebhookRegistration{StoreID: storeID, CallbackURL: url}
	}
	reg.IsActive = false
	reg.ErrorCount++
	reg.LastError = cause.Error()
	reg.UpdatedAt = m.now()
	m.regs[storeID] = reg
	m.mu.Unlock()

	if err := m.db.SaveWebhook(ctx, reg); err != nil {
		m.logger.Warn("Failed to save webhook failure", zap.String("store_id", storeID), zap.Error(err))
	}
}

// Disable deregisters the webhook and marks it inactive. Local state flips
// even when Telegram cannot be reached; the discrepancy is logged.
func (m *Manager) Disable(ctx context.Context, storeID string) error {
	m.mu.RLock()
	reg, ok := m.regs[storeID]
	m.mu.RUnlock()
	if !ok {
		return ErrNotFound
	}

	if err := m.deregister(storeID); err != nil {
		m.logger.Warn("Failed to delete webhook with provider, marking inactive locally",
			zap.String("store_id", storeID),
			zap.Error(err),
		)
		reg.LastError = err.Error()
	}

	reg.IsActive = false
	reg.UpdatedAt = m.now()

	m.mu.Lock()
	m.regs[storeID] = reg
	m.mu.Unlock()

	if err := m.db.SaveWebhook(ctx, reg); err != nil {
		m.logger.Error("Failed to save disabled webhook", zap.String("store_id", storeID), zap.Error(err))
	}

	m.switchTransport(storeID, models.TransportPolling)
	m.logger.Info("Webhook disabled", zap.String("store_id", storeID))
	return nil
}

func (m *Manager) deregister(storeID string) error {
	client, err := m.connect(storeID)
	if err != nil {
		return err
	}
	if err := client.DeleteWebhook(false); err != nil {
		return providerError("deleteWebhook", err)
	}
	return nil
}

// CheckStatus asks Telegram where the store's updates are routed right now
// and reconciles the local registration with the answer
func (m *Manager) CheckStatus(ctx context.Context, storeID string) (Status, error) {
	m.mu.RLock()
	reg, ok := m.regs[storeID]
	m.mu.RUnlock()
	if !ok {
		return Status{}, ErrNotFound
	}

	client, err := m.connect(storeID)
	if err != nil {
		return Status{}, err
	}
	info, err := client.WebhookInfo()
	if err != nil {
		return Status{}, providerError("getWebhookInfo", err)
	}

	status := Status{
		StoreID:        storeID,
		IsActive:       info.URL != "" && info.URL == reg.CallbackURL,
		CallbackURL:    reg.CallbackURL,
		ProviderURL:    info.URL,
		PendingUpdates: info.PendingUpdateCount,
		Errors:         reg.ErrorCount,
		LastError:      info.LastErrorMessage,
	}

	changed := false
	switch {
	case reg.IsActive && !status.IsActive:
		// Telegram drops webhooks on its own after repeated delivery failures
		reg.IsActive = false
		reg.LastError = "webhook no longer registered with provider"
		if info.LastErrorMessage != "" {
			reg.LastError += ": " + info.LastErrorMessage
		}
		changed = true
		m.logger.Warn("Webhook diverged from provider state",
			zap.String("store_id", storeID),
			zap.String("provider_url", info.URL),
		)
	case status.IsActive:
		reg.LastConfirmedAt = m.now()
		changed = true
	}
	if status.LastError == "" {
		status.LastError = reg.LastError
	}
	if !reg.LastConfirmedAt.IsZero() {
		at := reg.LastConfirmedAt
		status.LastUpdate = &at
	}

	if changed {
		reg.UpdatedAt = m.now()
		m.mu.Lock()
		m.regs[storeID] = reg
		m.mu.Unlock()
		if err := m.db.SaveWebhook(ctx, reg); err != nil {
			m.logger.Warn("Failed to save webhook status", zap.String("store_id", storeID), zap.Error(err))
		}
	}
	return status, nil
}

// GetWebhookStats summarizes cached registrations sorted by store id
func (m *Manager) GetWebhookStats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := Stats{TotalWebhooks: len(m.regs), Webhooks: make([]Summary, 0, len(m.regs))}
	for _, reg := range m.regs {
		if reg.IsActive {
			stats.ActiveWebhooks++
		}
		stats.ErrorCount += reg.ErrorCount
		s := Summary{
			StoreID:     reg.StoreID,
			CallbackURL: reg.CallbackURL,
			IsActive:    reg.IsActive,
			ErrorCount:  reg.ErrorCount,
			LastError:   reg.LastError,
		}
		if !reg.LastConfirmedAt.IsZero() {
			at := reg.LastConfirmedAt
			s.LastConfirmedAt = &at
		}
		stats.Webhooks = append(stats.Webhooks, s)
	}
	sort.Slice(stats.Webhooks, func(i, j int) bool { return stats.Webhooks[i].StoreID < stats.Webhooks[j].StoreID })
	return stats
}

// SecretToken returns the token Telegram must echo for the store. Inactive
// registrations keep their token so late deliveries are still verified.
func (m *Manager) SecretToken(storeID string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	reg, ok := m.regs[storeID]
	if !ok || reg.SecretToken == "" {
		return "", false
	}
	return reg.SecretToken, true
}

// IsActive reports the locally known registration state
func (m *Manager) IsActive(storeID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.regs[storeID].IsActive
}

// ModeFor picks the transport a new runtime for storeID should start in
func (m *Manager) ModeFor(storeID string) models.TransportMode {
	if m.IsActive(storeID) {
		return models.TransportWebhook
	}
	return models.TransportPolling
}

// RecordDelivery updates the registration's health from one ingress outcome
// and appends the delivery to the audit log
func (m *Manager) RecordDelivery(ctx context.Context, d models.Delivery) {
	if err := m.db.RecordDelivery(ctx, d); err != nil {
		m.logger.Warn("Failed to record delivery", zap.String("store_id", d.StoreID), zap.Error(err))
	}

	m.mu.Lock()
	reg, ok := m.regs[d.StoreID]
	if !ok {
		m.mu.Unlock()
		return
	}
	persist := false
	switch d.Outcome {
	case models.OutcomeAcked, models.OutcomeDuplicate:
		now := m.now()
		persist = now.Sub(reg.LastConfirmedAt) >= m.cfg.ConfirmInterval
		reg.LastConfirmedAt = now
	case models.OutcomeFailed, models.OutcomeRejected:
		reg.ErrorCount++
		reg.LastError = d.Error
		persist = true
	default:
		m.mu.Unlock()
		return
	}
	reg.UpdatedAt = m.now()
	m.regs[d.StoreID] = reg
	m.mu.Unlock()

	if persist {
		if err := m.db.SaveWebhook(ctx, reg); err != nil {
			m.logger.Warn("Failed to save webhook health", zap.String("store_id", d.StoreID), zap.Error(err))
		}
	}
}

// DeregisterAll deletes every active webhook with Telegram and marks it
// inactive, for shutdown. Runtimes created by the next process poll until
// Enable is called again.
func (m *Manager) DeregisterAll(ctx context.Context) {
	m.mu.RLock()
	var ids []string
	for id, reg := range m.regs {
		if reg.IsActive {
			ids = append(ids, id)
		}
	}
	m.mu.RUnlock()
	sort.Strings(ids)

	for _, id := range ids {
		if ctx.Err() != nil {
			m.logger.Warn("Webhook deregistration cut short", zap.Error(ctx.Err()))
			return
		}
		if err := m.deregister(id); err != nil {
			m.logger.Warn("Failed to deregister webhook on shutdown", zap.String("store_id", id), zap.Error(err))
			continue
		}

		m.mu.Lock()
		reg := m.regs[id]
		reg.IsActive = false
		reg.UpdatedAt = m.now()
		m.regs[id] = reg
		m.mu.Unlock()

		if err := m.db.SaveWebhook(ctx, reg); err != nil {
			m.logger.Warn("Failed to save deregistered webhook", zap.String("store_id", id), zap.Error(err))
		}
		m.logger.Info("Webhook deregistered", zap.String("store_id", id))
	}
}

func (m *Manager) connect(storeID string) (telegram.Client, error) {
	credential, ok := m.credential(storeID)
	if !ok {
		return nil, ErrCredentialUnknown
	}
	client, err := m.factory.Connect(credential)
	if err != nil {
		return nil, providerError("getMe", err)
	}
	return client, nil
}

func (m *Manager) credential(storeID string) (string, bool) {
	m.mu.RLock()
	credential, ok := m.credentials[storeID]
	m.mu.RUnlock()
	if ok {
		return credential, true
	}
	if m.source != nil {
		return m.source(storeID)
	}
	return "", false
}

func (m *Manager) switchTransport(storeID string, mode models.TransportMode) {
	if m.switcher == nil {
		return
	}
	if err := m.switcher.SetTransportMode(storeID, mode); err != nil {
		m.logger.Debug("Transport mode not switched",
			zap.String("store_id", storeID),
			zap.String("mode", string(mode)),
			zap.Error(err),
		)
	}
}

func newSecretToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate secret token: %w", err)
	}
	return hex.EncodeToString(b), nil
}
