package models

import "time"

// TransportMode is how a tenant's bot receives updates from Telegram
type TransportMode string

const (
	TransportWebhook TransportMode = "WEBHOOK"
	TransportPolling TransportMode = "POLLING"
)

// BotStatus is the lifecycle state of a bot runtime
type BotStatus string

const (
	StatusStarting BotStatus = "STARTING"
	StatusActive   BotStatus = "ACTIVE"
	StatusError    BotStatus = "ERROR"
	StatusStopped  BotStatus = "STOPPED"
)

// WebhookRegistration is the persisted record of a store's webhook with Telegram.
// The bot credential is intentionally not part of it.
type WebhookRegistration struct {
	StoreID         string
	CallbackURL     string
	SecretToken     string
	IsActive        bool
	LastConfirmedAt time.Time
	ErrorCount      int
	LastError       string
	UpdatedAt       time.Time
}

// DeliveryOutcome is the terminal state of one inbound webhook request
type DeliveryOutcome string

const (
	OutcomeAcked       DeliveryOutcome = "ACKED"
	OutcomeDuplicate   DeliveryOutcome = "DUPLICATE"
	OutcomeRejected    DeliveryOutcome = "REJECTED"
	OutcomeRateLimited DeliveryOutcome = "RATE_LIMITED"
	OutcomeFailed      DeliveryOutcome = "FAILED"
)

// Delivery is one audited inbound webhook request. ID is a time-ordered
// snowflake, RequestID the ingress correlation id.
type Delivery struct {
	ID         int64           `json:"id,string"`
	RequestID  string          `json:"requestId"`
	StoreID    string          `json:"storeId"`
	UpdateID   int             `json:"updateId"`
	SenderID   int64           `json:"senderId"`
	Outcome    DeliveryOutcome `json:"outcome"`
	Attempts   int             `json:"attempts"`
	LatencyMs  int64           `json:"latencyMs"`
	Error      string          `json:"error,omitempty"`
	ReceivedAt time.Time       `json:"receivedAt"`
}
