package bot

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"storebot/internal/models"
	"storebot/internal/telegram"
	"storebot/internal/telegram/telegramtest"
)

const (
	testToken  = "123456789:AAH-abcdefghijklmnopqrstuvwxyz12345"
	otherToken = "987654321:BBH-abcdefghijklmnopqrstuvwxyz67890"
)

func newTestRegistry(t *testing.T, mode models.TransportMode, handler Handler) (*Registry, *telegramtest.Server) {
	t.Helper()

	srv := telegramtest.NewServer()
	t.Cleanup(srv.Close)

	if handler == nil {
		handler = NewStoreHandler(zap.NewNop())
	}
	reg := NewRegistry(
		telegram.NewFactory(srv.Endpoint(), 5*time.Second),
		handler,
		Config{
			PollTimeoutSeconds: 1,
			StopTimeout:        2 * time.Second,
			ModeFor:            func(string) models.TransportMode { return mode },
		},
		zap.NewNop(),
	)
	t.Cleanup(reg.Shutdown)
	return reg, srv
}

func waitReady(t *testing.T, rt *Runtime) {
	t.Helper()
	select {
	case <-rt.Ready():
	case <-time.After(5 * time.Second):
		t.Fatalf("runtime %s never left STARTING", rt.StoreID())
	}
}

func TestRegistry_CreateBecomesActive(t *testing.T) {
	reg, srv := newTestRegistry(t, models.TransportWebhook, nil)

	rt, err := reg.Create("s1", testToken, "Test Store")
	require.NoError(t, err)
	waitReady(t, rt)

	assert.Equal(t, models.StatusActive, rt.Status())
	assert.Equal(t, models.TransportWebhook, rt.TransportMode())
	assert.Equal(t, "store_bot", rt.Info().BotUsername)
	assert.Len(t, srv.Calls("getMe"), 1)

	got, ok := reg.GetByStore("s1")
	require.True(t, ok)
	assert.Same(t, rt, got)
}

func TestRegistry_CreateRejectsMalformedInput(t *testing.T) {
	reg, srv := newTestRegistry(t, models.TransportWebhook, nil)

	_, err := reg.Create("s1", "not-a-token", "Test Store")
	assert.ErrorIs(t, err, ErrInvalidCredential)

	_, err = reg.Create("", testToken, "Test Store")
	assert.ErrorIs(t, err, ErrInvalidStoreID)

	_, ok := reg.GetByStore("s1")
	assert.False(t, ok)
	assert.Empty(t, srv.Calls("getMe"), "malformed credentials never reach Telegram")
}

func TestRegistry_CreateTwiceIsAlreadyActive(t *testing.T) {
	reg, _ := newTestRegistry(t, models.TransportWebhook, nil)

	rt, err := reg.Create("s1", testToken, "Test Store")
	require.NoError(t, err)

	_, err = reg.Create("s1", otherToken, "Other")
	assert.ErrorIs(t, err, ErrAlreadyActive, "a STARTING runtime counts as active")

	waitReady(t, rt)
	_, err = reg.Create("s1", otherToken, "Other")
	assert.ErrorIs(t, err, ErrAlreadyActive)
}

func TestRegistry_ConcurrentCreateOnlyOneWins(t *testing.T) {
	reg, _ := newTestRegistry(t, models.TransportWebhook, nil)

	const n = 20
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
		rejected  int
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := reg.Create("s1", testToken, "Test Store")
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				succeeded++
			case errors.Is(err, ErrAlreadyActive):
				rejected++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, succeeded)
	assert.Equal(t, n-1, rejected)
	assert.Equal(t, 1, reg.GetStats().TotalBots)
}

func TestRegistry_ProviderRejectionEndsInError(t *testing.T) {
	reg, srv := newTestRegistry(t, models.TransportWebhook, nil)
	srv.InvalidateToken(testToken)

	rt, err := reg.Create("s1", testToken, "Test Store")
	require.NoError(t, err, "creation does not wait for live verification")
	waitReady(t, rt)

	assert.Equal(t, models.StatusError, rt.Status())
	assert.NotEmpty(t, rt.LastError())
	assert.NotContains(t, rt.LastError(), testToken)

	err = rt.Process(context.Background(), tgbotapi.Update{UpdateID: 1})
	assert.ErrorIs(t, err, ErrNotReady)

	// An ERROR runtime is replaced instead of blocking re-creation
	replacement, err := reg.Create("s1", otherToken, "Test Store")
	require.NoError(t, err)
	assert.NotSame(t, rt, replacement)
	waitReady(t, replacement)
	assert.Equal(t, models.StatusActive, replacement.Status())
	assert.Equal(t, models.StatusStopped, rt.Status())
}

func TestRegistry_RemoveIsIdempotent(t *testing.T) {
	reg, _ := newTestRegistry(t, models.TransportWebhook, nil)

	rt, err := reg.Create("s1", testToken, "Test Store")
	require.NoError(t, err)
	waitReady(t, rt)

	assert.True(t, reg.Remove("s1"))
	assert.False(t, reg.Remove("s1"))
	assert.False(t, reg.Remove("never-created"))

	_, ok := reg.GetByStore("s1")
	assert.False(t, ok)
	assert.Equal(t, models.StatusStopped, rt.Status())
	assert.ErrorIs(t, rt.Process(context.Background(), tgbotapi.Update{UpdateID: 1}), ErrStopped)
}

func TestRegistry_RemoveWhileStarting(t *testing.T) {
	reg, _ := newTestRegistry(t, models.TransportPolling, nil)

	rt, err := reg.Create("s1", testToken, "Test Store")
	require.NoError(t, err)
	assert.True(t, reg.Remove("s1"))

	waitReady(t, rt)
	assert.Equal(t, models.StatusStopped, rt.Status(), "a stopped runtime never turns ACTIVE")
}

func TestRegistry_RestartKeepsIdentity(t *testing.T) {
	reg, srv := newTestRegistry(t, models.TransportWebhook, nil)
	reg.cfg.RestartCooldown = 3 * time.Second

	var slept time.Duration
	reg.sleep = func(_ context.Context, d time.Duration) error {
		slept = d
		return nil
	}

	old, err := reg.Create("s1", testToken, "Test Store")
	require.NoError(t, err)
	waitReady(t, old)
	_, err = reg.ReloadSettings("s1", map[string]any{"currency": "EUR"})
	require.NoError(t, err)

	rt, err := reg.Restart(context.Background(), "s1")
	require.NoError(t, err)
	waitReady(t, rt)

	assert.Equal(t, 3*time.Second, slept)
	assert.NotSame(t, old, rt)
	assert.Equal(t, models.StatusStopped, old.Status())
	assert.Equal(t, models.StatusActive, rt.Status())
	assert.Equal(t, testToken, rt.Credential())
	assert.Equal(t, "Test Store", rt.DisplayName())
	assert.Equal(t, "EUR", rt.Settings()["currency"])
	assert.Len(t, srv.Calls("getMe"), 2)

	_, err = reg.Restart(context.Background(), "unknown")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRegistry_RestartCancelledDuringCooldown(t *testing.T) {
	reg, _ := newTestRegistry(t, models.TransportWebhook, nil)
	reg.cfg.RestartCooldown = time.Hour

	rt, err := reg.Create("s1", testToken, "Test Store")
	require.NoError(t, err)
	waitReady(t, rt)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = reg.Restart(ctx, "s1")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRegistry_ReloadSettingsFailsOpen(t *testing.T) {
	reg, _ := newTestRegistry(t, models.TransportWebhook, nil)

	rt, err := reg.Create("s1", testToken, "Test Store")
	require.NoError(t, err)

	got, err := reg.ReloadSettings("s1", map[string]any{
		"welcome_message":   "Hi there",
		"maintenance_mode":  true,
		"catalog_page_size": "ten",
		"admin_password":    "hunter2",
	})
	require.NoError(t, err)

	assert.Equal(t, Settings{"welcome_message": "Hi there", "maintenance_mode": true}, got)
	assert.Equal(t, got, rt.Settings())

	// The returned copy does not alias runtime state
	got["welcome_message"] = "mutated"
	assert.Equal(t, "Hi there", rt.Settings()["welcome_message"])

	_, err = reg.ReloadSettings("unknown", map[string]any{"currency": "EUR"})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRegistry_PollingDeliversUpdates(t *testing.T) {
	reg, srv := newTestRegistry(t, models.TransportPolling, nil)

	srv.QueueUpdate(testToken, map[string]any{
		"update_id": 10,
		"message": map[string]any{
			"message_id": 1,
			"date":       time.Now().Unix(),
			"from":       map[string]any{"id": 7, "is_bot": false, "first_name": "Ann"},
			"chat":       map[string]any{"id": 42, "type": "private"},
			"text":       "/start",
			"entities":   []any{map[string]any{"type": "bot_command", "offset": 0, "length": 6}},
		},
	})

	rt, err := reg.Create("s1", testToken, "Test Store")
	require.NoError(t, err)
	waitReady(t, rt)

	require.Eventually(t, func() bool { return rt.MessageCount() == 1 }, 5*time.Second, 20*time.Millisecond)

	sent := srv.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "42", sent[0].ChatID)
	assert.Equal(t, "Welcome to Test Store! 🛍", sent[0].Text)
	assert.NotEmpty(t, srv.Calls("deleteWebhook"), "polling clears any stale webhook first")

	_, ok := rt.LastActivityAt()
	assert.True(t, ok)
}

func TestRegistry_SetTransportMode(t *testing.T) {
	reg, srv := newTestRegistry(t, models.TransportPolling, nil)

	rt, err := reg.Create("s1", testToken, "Test Store")
	require.NoError(t, err)
	waitReady(t, rt)
	require.Eventually(t, func() bool { return len(srv.Calls("getUpdates")) > 0 }, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, reg.SetTransportMode("s1", models.TransportWebhook))
	assert.Equal(t, models.TransportWebhook, rt.TransportMode())

	polls := len(srv.Calls("getUpdates"))
	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, polls, len(srv.Calls("getUpdates")), "polling stops once webhook mode is set")

	require.NoError(t, reg.SetTransportMode("s1", models.TransportPolling))
	require.Eventually(t, func() bool { return len(srv.Calls("getUpdates")) > polls }, 5*time.Second, 10*time.Millisecond)
	assert.Len(t, srv.Calls("getMe"), 2, "resuming polling reconnects the client")

	assert.Error(t, reg.SetTransportMode("s1", "CARRIER_PIGEON"))
	assert.ErrorIs(t, reg.SetTransportMode("unknown", models.TransportWebhook), ErrNotFound)
}

func TestRegistry_StopAbortsHeldLongPoll(t *testing.T) {
	reg, srv := newTestRegistry(t, models.TransportPolling, nil)
	srv.HoldUpdates(30 * time.Second)

	rt, err := reg.Create("s1", testToken, "Test Store")
	require.NoError(t, err)
	waitReady(t, rt)
	require.Eventually(t, func() bool { return len(srv.Calls("getUpdates")) > 0 }, 5*time.Second, 10*time.Millisecond)

	start := time.Now()
	require.NoError(t, reg.SetTransportMode("s1", models.TransportWebhook))
	assert.Less(t, time.Since(start), time.Second, "switching to webhook must not wait for the poll")

	require.NoError(t, reg.SetTransportMode("s1", models.TransportPolling))
	require.Eventually(t, func() bool { return len(srv.Calls("getUpdates")) > 1 }, 5*time.Second, 10*time.Millisecond)

	start = time.Now()
	assert.True(t, reg.Remove("s1"))
	assert.Less(t, time.Since(start), time.Second, "removal must not wait for the poll")
	assert.Equal(t, models.StatusStopped, rt.Status())
}

func TestRegistry_DifferentStoresDoNotBlockEachOther(t *testing.T) {
	reg, _ := newTestRegistry(t, models.TransportWebhook, nil)

	_, err := reg.Create("s1", testToken, "One")
	require.NoError(t, err)

	// Hold s1 as a slow in-flight operation would
	unlock := reg.locks.Lock("s1")
	defer unlock()

	done := make(chan error, 1)
	go func() {
		_, err := reg.Create("s2", otherToken, "Two")
		done <- err
	}()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("create on s2 blocked behind s1")
	}

	_, ok := reg.GetByStore("s1")
	assert.True(t, ok, "reads do not wait on the store lock")
	assert.Equal(t, 2, reg.GetStats().TotalBots)
}

func TestRegistry_GetStats(t *testing.T) {
	reg, srv := newTestRegistry(t, models.TransportWebhook, HandlerFunc(func(context.Context, *Runtime, tgbotapi.Update) error {
		return nil
	}))
	srv.InvalidateToken(otherToken)

	a, err := reg.Create("b", testToken, "B")
	require.NoError(t, err)
	c, err := reg.Create("a", otherToken, "A")
	require.NoError(t, err)
	waitReady(t, a)
	waitReady(t, c)

	require.NoError(t, a.Process(context.Background(), tgbotapi.Update{UpdateID: 1}))
	require.NoError(t, a.Process(context.Background(), tgbotapi.Update{UpdateID: 2}))

	stats := reg.GetStats()
	assert.Equal(t, 2, stats.TotalBots)
	assert.Equal(t, 1, stats.ActiveBots)
	assert.Equal(t, int64(2), stats.TotalMessageCount)
	require.Len(t, stats.Bots, 2)
	assert.Equal(t, "a", stats.Bots[0].StoreID)
	assert.Equal(t, models.StatusError, stats.Bots[0].Status)
	assert.Equal(t, "b", stats.Bots[1].StoreID)
}

func TestRegistry_Shutdown(t *testing.T) {
	reg, _ := newTestRegistry(t, models.TransportPolling, nil)

	var runtimes []*Runtime
	for _, id := range []string{"s1", "s2", "s3"} {
		rt, err := reg.Create(id, testToken, id)
		require.NoError(t, err)
		runtimes = append(runtimes, rt)
	}
	for _, rt := range runtimes {
		waitReady(t, rt)
	}

	reg.Shutdown()

	assert.Equal(t, 0, reg.GetStats().TotalBots)
	for _, rt := range runtimes {
		assert.Equal(t, models.StatusStopped, rt.Status())
	}
	assert.Equal(t, 0, reg.locks.len())
}

func TestRuntime_ProcessCountsOnlySuccess(t *testing.T) {
	fail := true
	reg, _ := newTestRegistry(t, models.TransportWebhook, HandlerFunc(func(context.Context, *Runtime, tgbotapi.Update) error {
		if fail {
			return errors.New("downstream unavailable")
		}
		return nil
	}))

	rt, err := reg.Create("s1", testToken, "Test Store")
	require.NoError(t, err)
	waitReady(t, rt)

	assert.Error(t, rt.Process(context.Background(), tgbotapi.Update{UpdateID: 1}))
	assert.Equal(t, int64(0), rt.MessageCount())
	_, ok := rt.LastActivityAt()
	assert.False(t, ok)

	fail = false
	assert.NoError(t, rt.Process(context.Background(), tgbotapi.Update{UpdateID: 1}))
	assert.Equal(t, int64(1), rt.MessageCount())
}

func TestRuntime_ProcessRecoversPanic(t *testing.T) {
	reg, _ := newTestRegistry(t, models.TransportWebhook, HandlerFunc(func(context.Context, *Runtime, tgbotapi.Update) error {
		panic("nil catalog")
	}))

	rt, err := reg.Create("s1", testToken, "Test Store")
	require.NoError(t, err)
	waitReady(t, rt)

	err = rt.Process(context.Background(), tgbotapi.Update{UpdateID: 1})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "nil catalog")
	assert.Equal(t, int64(0), rt.MessageCount())
}

func TestRuntime_ProcessHonorsContextWhileStarting(t *testing.T) {
	rt := &Runtime{storeID: "s1", status: models.StatusStarting, ready: make(chan struct{}), logger: zap.NewNop()}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := rt.Process(ctx, tgbotapi.Update{UpdateID: 1})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
