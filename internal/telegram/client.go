package telegram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// DefaultAllowedUpdates is the update-type filter sent with setWebhook
var DefaultAllowedUpdates = []string{"message", "edited_message", "callback_query", "pre_checkout_query"}

// WebhookParams are the arguments of a setWebhook call
type WebhookParams struct {
	URL                string
	SecretToken        string
	AllowedUpdates     []string
	MaxConnections     int
	DropPendingUpdates bool
}

// Client is the subset of the Bot API a tenant's runtime and webhook manager use
type Client interface {
	Self() tgbotapi.User
	SetWebhook(params WebhookParams) error
	DeleteWebhook(dropPending bool) error
	WebhookInfo() (tgbotapi.WebhookInfo, error)
	// Updates starts long polling; the channel is closed after StopUpdates
	Updates(timeoutSeconds int) tgbotapi.UpdatesChannel
	// StopUpdates ends polling for good and aborts a getUpdates in flight.
	// Other methods keep working.
	StopUpdates()
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) error
}

// Factory connects a credential to a live Client. Connecting performs getMe,
// so an invalid or revoked token fails here.
type Factory interface {
	Connect(token string) (Client, error)
}

// APIFactory builds tgbotapi-backed clients
type APIFactory struct {
	endpoint string
	client   *http.Client
}

// NewFactory creates a factory talking to endpoint (tgbotapi.APIEndpoint format)
func NewFactory(endpoint string, timeout time.Duration) *APIFactory {
	if endpoint == "" {
		endpoint = tgbotapi.APIEndpoint
	}
	return &APIFactory{
		endpoint: endpoint,
		// Long polling holds requests open for the poll timeout, so this must exceed it
		client: &http.Client{Timeout: timeout},
	}
}

// Connect creates a Bot API client and verifies the token with getMe
func (f *APIFactory) Connect(token string) (Client, error) {
	pollCtx, cancelPoll := context.WithCancel(context.Background())
	httpClient := &pollHTTPClient{client: f.client, pollCtx: pollCtx}

	api, err := tgbotapi.NewBotAPIWithClient(token, f.endpoint, httpClient)
	if err != nil {
		cancelPoll()
		return nil, fmt.Errorf("failed to connect bot: %w", redact(err))
	}
	return &apiClient{api: api, cancelPoll: cancelPoll}, nil
}

// pollHTTPClient binds getUpdates requests to a context the client cancels
// on StopUpdates. The library has no other way to abort a long poll.
type pollHTTPClient struct {
	client  *http.Client
	pollCtx context.Context
}

func (p *pollHTTPClient) Do(req *http.Request) (*http.Response, error) {
	if strings.HasSuffix(req.URL.Path, "/getUpdates") {
		req = req.WithContext(p.pollCtx)
	}
	return p.client.Do(req)
}

type apiClient struct {
	api        *tgbotapi.BotAPI
	cancelPoll context.CancelFunc
	stopOnce   sync.Once
}

func (c *apiClient) Self() tgbotapi.User {
	return c.api.Self
}

// SetWebhook is issued as a raw request because the library's WebhookConfig
// predates secret_token
func (c *apiClient) SetWebhook(p WebhookParams) error {
	params := make(tgbotapi.Params)
	params["url"] = p.URL
	params.AddNonEmpty("secret_token", p.SecretToken)
	params.AddNonZero("max_connections", p.MaxConnections)
	params.AddBool("drop_pending_updates", p.DropPendingUpdates)
	if len(p.AllowedUpdates) > 0 {
		allowed, err := json.Marshal(p.AllowedUpdates)
		if err != nil {
			return fmt.Errorf("failed to encode allowed updates: %w", err)
		}
		params["allowed_updates"] = string(allowed)
	}

	if _, err := c.api.MakeRequest("setWebhook", params); err != nil {
		return redact(err)
	}
	return nil
}

func (c *apiClient) DeleteWebhook(dropPending bool) error {
	if _, err := c.api.Request(tgbotapi.DeleteWebhookConfig{DropPendingUpdates: dropPending}); err != nil {
		return redact(err)
	}
	return nil
}

func (c *apiClient) WebhookInfo() (tgbotapi.WebhookInfo, error) {
	info, err := c.api.GetWebhookInfo()
	if err != nil {
		return tgbotapi.WebhookInfo{}, redact(err)
	}
	return info, nil
}

func (c *apiClient) Updates(timeoutSeconds int) tgbotapi.UpdatesChannel {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = timeoutSeconds
	return c.api.GetUpdatesChan(u)
}

// StopUpdates is safe to call more than once; the library closes a channel
func (c *apiClient) StopUpdates() {
	c.stopOnce.Do(func() {
		c.api.StopReceivingUpdates()
		c.cancelPoll()
	})
}

func (c *apiClient) Send(msg tgbotapi.Chattable) (tgbotapi.Message, error) {
	sent, err := c.api.Send(msg)
	if err != nil {
		return sent, redact(err)
	}
	return sent, nil
}

func (c *apiClient) Request(msg tgbotapi.Chattable) error {
	if _, err := c.api.Request(msg); err != nil {
		return redact(err)
	}
	return nil
}

// Description returns the provider's reason for a rejected call, or the error
// text for transport failures
func Description(err error) string {
	var apiErr *tgbotapi.Error
	if errors.As(err, &apiErr) {
		return apiErr.Message
	}
	return err.Error()
}
