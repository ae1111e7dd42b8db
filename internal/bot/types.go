package bot

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"

	"storebot/internal/models"
	"storebot/internal/telegram"
)

// Handler processes one update on behalf of a store's bot
type Handler interface {
	HandleUpdate(ctx context.Context, rt *Runtime, update tgbotapi.Update) error
}

// HandlerFunc adapts a function to Handler
type HandlerFunc func(ctx context.Context, rt *Runtime, update tgbotapi.Update) error

func (f HandlerFunc) HandleUpdate(ctx context.Context, rt *Runtime, update tgbotapi.Update) error {
	return f(ctx, rt, update)
}

// Runtime is the live bot of one store
type Runtime struct {
	storeID     string
	credential  string
	displayName string
	createdAt   time.Time

	handler     Handler
	factory     telegram.Factory
	logger      *zap.Logger
	pollTimeout int
	stopTimeout time.Duration

	// opMu serializes transport changes: connect, polling start/stop, removal
	opMu        sync.Mutex
	pollStop    chan struct{}
	pollDone    chan struct{}
	pollStopped bool

	mu       sync.RWMutex
	client   telegram.Client
	mode     models.TransportMode
	status   models.BotStatus
	lastErr  string
	settings Settings

	messageCount atomic.Int64
	lastActivity atomic.Int64 // unix nanoseconds, 0 when idle since creation

	ready     chan struct{}
	readyOnce sync.Once
}

// Info is a point-in-time view of a runtime
type Info struct {
	StoreID        string               `json:"storeId"`
	DisplayName    string               `json:"displayName"`
	BotUsername    string               `json:"botUsername,omitempty"`
	TransportMode  models.TransportMode `json:"transportMode"`
	Status         models.BotStatus     `json:"status"`
	LastError      string               `json:"lastError,omitempty"`
	MessageCount   int64                `json:"messageCount"`
	LastActivityAt *time.Time           `json:"lastActivityAt,omitempty"`
	CreatedAt      time.Time            `json:"createdAt"`
	Settings       Settings             `json:"settings"`
}

func (r *Runtime) StoreID() string     { return r.storeID }
func (r *Runtime) DisplayName() string { return r.displayName }

// Credential returns the bot token. Never log it.
func (r *Runtime) Credential() string { return r.credential }

// Ready is closed once the runtime has left STARTING
func (r *Runtime) Ready() <-chan struct{} { return r.ready }

func (r *Runtime) Status() models.BotStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.status
}

func (r *Runtime) TransportMode() models.TransportMode {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.mode
}

// LastError returns the reason of the last ERROR transition
func (r *Runtime) LastError() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.lastErr
}

// Client returns the connected Bot API client, nil until ACTIVE
func (r *Runtime) Client() telegram.Client {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.client
}

// Settings returns a copy of the current settings
func (r *Runtime) Settings() Settings {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.settings.Clone()
}

func (r *Runtime) MessageCount() int64 {
	return r.messageCount.Load()
}

// LastActivityAt returns the time of the last processed update
func (r *Runtime) LastActivityAt() (time.Time, bool) {
	ns := r.lastActivity.Load()
	if ns == 0 {
		return time.Time{}, false
	}
	return time.Unix(0, ns), true
}

// Info returns a snapshot for status endpoints
func (r *Runtime) Info() Info {
	r.mu.RLock()
	info := Info{
		StoreID:       r.storeID,
		DisplayName:   r.displayName,
		TransportMode: r.mode,
		Status:        r.status,
		LastError:     r.lastErr,
		CreatedAt:     r.createdAt,
		Settings:      r.settings.Clone(),
	}
	if r.client != nil {
		info.BotUsername = r.client.Self().UserName
	}
	r.mu.RUnlock()

	info.MessageCount = r.MessageCount()
	if at, ok := r.LastActivityAt(); ok {
		info.LastActivityAt = &at
	}
	return info
}
