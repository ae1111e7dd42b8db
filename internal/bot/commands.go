package bot

import (
	"context"
	"fmt"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

const defaultWelcome = "Welcome to %s! 🛍"

// handleStart shows the store's welcome message and the main menu
func (h *StoreHandler) handleStart(_ context.Context, rt *Runtime, chatID int64, settings Settings) error {
	name := rt.DisplayName()
	if name == "" {
		name = "our store"
	}
	text := settings.String("welcome_message", fmt.Sprintf(defaultWelcome, name))

	msg := tgbotapi.NewMessage(chatID, text)
	msg.ReplyMarkup = tgbotapi.NewInlineKeyboardMarkup(
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("❓ Help", "menu:help"),
			tgbotapi.NewInlineKeyboardButtonData("💬 Contact", "menu:contact"),
		),
	)
	return rt.send(msg)
}

// handleHelp lists available commands
func (h *StoreHandler) handleHelp(_ context.Context, rt *Runtime, chatID int64) error {
	text := `Available commands:
/start - Show the welcome message
/help - Show this help
/contact - How to reach the store`

	return h.reply(rt, chatID, text)
}

// handleContact shows the store's support contact
func (h *StoreHandler) handleContact(_ context.Context, rt *Runtime, chatID int64, settings Settings) error {
	contact := settings.String("support_contact", "")
	if contact == "" {
		return h.reply(rt, chatID, "The store has not published a support contact yet.")
	}
	return h.reply(rt, chatID, "You can reach us at "+contact)
}

func maintenanceText(settings Settings) string {
	if contact := settings.String("support_contact", ""); contact != "" {
		return "The store is under maintenance. Please try again later or contact " + contact + "."
	}
	return "The store is under maintenance. Please try again later."
}
