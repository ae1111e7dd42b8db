package bot

import (
	"context"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"
)

// StoreHandler is the default storefront conversation driven by the store's
// settings
type StoreHandler struct {
	logger *zap.Logger
}

// NewStoreHandler creates the default handler
func NewStoreHandler(logger *zap.Logger) *StoreHandler {
	return &StoreHandler{logger: logger}
}

// HandleUpdate routes messages and callback queries. Other update types are
// accepted and ignored.
func (h *StoreHandler) HandleUpdate(ctx context.Context, rt *Runtime, update tgbotapi.Update) error {
	switch {
	case update.Message != nil:
		return h.handleMessage(ctx, rt, update.Message)
	case update.CallbackQuery != nil:
		return h.handleCallbackQuery(ctx, rt, update.CallbackQuery)
	}
	return nil
}

// handleMessage processes a single message
func (h *StoreHandler) handleMessage(ctx context.Context, rt *Runtime, message *tgbotapi.Message) error {
	// Channel posts and some service messages arrive without a chat
	if message.Chat == nil {
		return nil
	}
	settings := rt.Settings()

	if settings.Bool("maintenance_mode") {
		return h.reply(rt, message.Chat.ID, maintenanceText(settings))
	}

	if !message.IsCommand() {
		// Groups get chatter the bot should not answer
		if message.Chat.IsPrivate() {
			return h.reply(rt, message.Chat.ID, "Use /help to see what I can do.")
		}
		return nil
	}

	switch message.Command() {
	case "start":
		return h.handleStart(ctx, rt, message.Chat.ID, settings)
	case "help":
		return h.handleHelp(ctx, rt, message.Chat.ID)
	case "contact":
		return h.handleContact(ctx, rt, message.Chat.ID, settings)
	default:
		return h.reply(rt, message.Chat.ID, "Unknown command. Use /help to see available commands.")
	}
}

// handleCallbackQuery processes inline keyboard button clicks
func (h *StoreHandler) handleCallbackQuery(ctx context.Context, rt *Runtime, query *tgbotapi.CallbackQuery) error {
	// Answer the callback query to remove loading state
	if err := rt.request(tgbotapi.NewCallback(query.ID, "")); err != nil {
		h.logger.Warn("Failed to answer callback query",
			zap.String("store_id", rt.StoreID()),
			zap.Error(err),
		)
	}

	if query.Message == nil || query.Message.Chat == nil {
		return nil
	}
	chatID := query.Message.Chat.ID
	settings := rt.Settings()

	action, ok := strings.CutPrefix(query.Data, "menu:")
	if !ok {
		return nil
	}
	switch action {
	case "help":
		return h.handleHelp(ctx, rt, chatID)
	case "contact":
		return h.handleContact(ctx, rt, chatID, settings)
	}
	return nil
}

func (h *StoreHandler) reply(rt *Runtime, chatID int64, text string) error {
	return rt.send(tgbotapi.NewMessage(chatID, text))
}
