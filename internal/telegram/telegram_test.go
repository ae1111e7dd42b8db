package telegram

import (
	"errors"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"storebot/internal/telegram/telegramtest"
)

const testToken = "123456789:AAH-abcdefghijklmnopqrstuvwxyz12345"

func TestValidToken(t *testing.T) {
	testCases := []struct {
		name  string
		token string
		valid bool
	}{
		{"well formed", testToken, true},
		{"empty", "", false},
		{"missing colon", "123456789AAHabcdefghijklmnopqrstuvwxyz12345", false},
		{"non numeric id", "abc:AAH-abcdefghijklmnopqrstuvwxyz12345", false},
		{"secret too short", "123456789:short", false},
		{"secret one character short", "123456789:AAH-abcdefghijklmnopqrstuvwxyz1234", false},
		{"illegal characters", "123456789:AAH abcdefghijklmnopqrstuvwxyz12345", false},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.valid, ValidToken(tc.token))
		})
	}
}

func TestRedact(t *testing.T) {
	msg := `Post "https://api.telegram.org/bot` + testToken + `/getMe": dial tcp: i/o timeout`
	redacted := Redact(msg)

	assert.NotContains(t, redacted, testToken)
	assert.Contains(t, redacted, "<redacted>")

	err := redact(errors.New(msg))
	assert.NotContains(t, err.Error(), testToken)
	assert.Nil(t, redact(nil))
}

func TestSenderIDAndContent(t *testing.T) {
	testCases := []struct {
		name    string
		update  tgbotapi.Update
		sender  int64
		content string
	}{
		{
			name:    "message text",
			update:  tgbotapi.Update{Message: &tgbotapi.Message{From: &tgbotapi.User{ID: 7}, Text: "hello"}},
			sender:  7,
			content: "hello",
		},
		{
			name:    "photo caption",
			update:  tgbotapi.Update{Message: &tgbotapi.Message{From: &tgbotapi.User{ID: 7}, Caption: "receipt"}},
			sender:  7,
			content: "receipt",
		},
		{
			name:    "callback query",
			update:  tgbotapi.Update{CallbackQuery: &tgbotapi.CallbackQuery{From: &tgbotapi.User{ID: 9}, Data: "product:1"}},
			sender:  9,
			content: "product:1",
		},
		{
			name:    "channel post has no sender",
			update:  tgbotapi.Update{ChannelPost: &tgbotapi.Message{Text: "news"}},
			sender:  0,
			content: "",
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.sender, SenderID(tc.update))
			assert.Equal(t, tc.content, Content(tc.update))
		})
	}
}

func TestTimestamp(t *testing.T) {
	now := time.Now().Truncate(time.Second)

	ts, ok := Timestamp(tgbotapi.Update{Message: &tgbotapi.Message{Date: int(now.Unix())}})
	require.True(t, ok)
	assert.True(t, ts.Equal(now))

	edited := tgbotapi.Update{EditedMessage: &tgbotapi.Message{Date: int(now.Add(-time.Hour).Unix()), EditDate: int(now.Unix())}}
	ts, ok = Timestamp(edited)
	require.True(t, ok)
	assert.True(t, ts.Equal(now), "edit date should win over original date")

	_, ok = Timestamp(tgbotapi.Update{CallbackQuery: &tgbotapi.CallbackQuery{Data: "x"}})
	assert.False(t, ok)
}

func TestAPIFactory_WebhookRoundTrip(t *testing.T) {
	server := telegramtest.NewServer()
	defer server.Close()

	factory := NewFactory(server.Endpoint(), 5*time.Second)
	client, err := factory.Connect(testToken)
	require.NoError(t, err)
	assert.Equal(t, "store_bot", client.Self().UserName)

	err = client.SetWebhook(WebhookParams{
		URL:            "https://shop.example.com/telegram-webhook/s1",
		SecretToken:    "per-store-secret",
		AllowedUpdates: DefaultAllowedUpdates,
		MaxConnections: 40,
	})
	require.NoError(t, err)
	assert.Equal(t, "per-store-secret", server.WebhookSecret(testToken))

	calls := server.Calls("setWebhook")
	require.Len(t, calls, 1)
	assert.Equal(t, `["message","edited_message","callback_query","pre_checkout_query"]`, calls[0].Params["allowed_updates"])
	assert.Equal(t, "40", calls[0].Params["max_connections"])

	info, err := client.WebhookInfo()
	require.NoError(t, err)
	assert.Equal(t, "https://shop.example.com/telegram-webhook/s1", info.URL)

	require.NoError(t, client.DeleteWebhook(false))
	info, err = client.WebhookInfo()
	require.NoError(t, err)
	assert.Empty(t, info.URL)
}

func TestAPIFactory_ProviderErrors(t *testing.T) {
	server := telegramtest.NewServer()
	defer server.Close()

	factory := NewFactory(server.Endpoint(), 5*time.Second)

	server.InvalidateToken(testToken)
	_, err := factory.Connect(testToken)
	require.Error(t, err)
	assert.NotContains(t, err.Error(), testToken)

	other := "987654321:BBH-abcdefghijklmnopqrstuvwxyz12345"
	server.RejectWebhook(other, "Bad Request: bad webhook: HTTPS url must be provided for webhook")
	client, err := factory.Connect(other)
	require.NoError(t, err)

	err = client.SetWebhook(WebhookParams{URL: "http://insecure"})
	require.Error(t, err)
	assert.Equal(t, "Bad Request: bad webhook: HTTPS url must be provided for webhook", Description(err))
}

func TestAPIFactory_StopUpdatesAbortsLongPoll(t *testing.T) {
	server := telegramtest.NewServer()
	defer server.Close()
	server.HoldUpdates(30 * time.Second)

	client, err := NewFactory(server.Endpoint(), time.Minute).Connect(testToken)
	require.NoError(t, err)

	updates := client.Updates(30)
	require.Eventually(t, func() bool { return len(server.Calls("getUpdates")) == 1 }, 5*time.Second, 10*time.Millisecond)

	client.StopUpdates()
	client.StopUpdates()

	// The library pauses a few seconds after the aborted request, then closes
	closed := make(chan struct{})
	go func() {
		for range updates {
		}
		close(closed)
	}()
	select {
	case <-closed:
	case <-time.After(10 * time.Second):
		t.Fatal("update channel not closed after StopUpdates")
	}
	assert.Len(t, server.Calls("getUpdates"), 1, "no poll after stop")

	_, err = client.Send(tgbotapi.NewMessage(42, "still works"))
	require.NoError(t, err)
	assert.Len(t, server.Sent(), 1)
}
