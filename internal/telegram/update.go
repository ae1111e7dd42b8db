package telegram

import (
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// SenderID returns the id of the user who caused the update, or 0 if the
// update has no user (channel posts, polls)
func SenderID(update tgbotapi.Update) int64 {
	switch {
	case update.Message != nil && update.Message.From != nil:
		return update.Message.From.ID
	case update.EditedMessage != nil && update.EditedMessage.From != nil:
		return update.EditedMessage.From.ID
	case update.CallbackQuery != nil && update.CallbackQuery.From != nil:
		return update.CallbackQuery.From.ID
	case update.InlineQuery != nil && update.InlineQuery.From != nil:
		return update.InlineQuery.From.ID
	case update.PreCheckoutQuery != nil && update.PreCheckoutQuery.From != nil:
		return update.PreCheckoutQuery.From.ID
	case update.ShippingQuery != nil && update.ShippingQuery.From != nil:
		return update.ShippingQuery.From.ID
	}
	return 0
}

// Content returns the user-provided text of the update, used for spam checks
func Content(update tgbotapi.Update) string {
	switch {
	case update.Message != nil:
		if update.Message.Text != "" {
			return update.Message.Text
		}
		return update.Message.Caption
	case update.EditedMessage != nil:
		return update.EditedMessage.Text
	case update.CallbackQuery != nil:
		return update.CallbackQuery.Data
	case update.InlineQuery != nil:
		return update.InlineQuery.Query
	}
	return ""
}

// Timestamp returns the provider-side time embedded in the update.
// ok is false when the update carries no date.
func Timestamp(update tgbotapi.Update) (time.Time, bool) {
	var unix int
	switch {
	case update.Message != nil:
		unix = update.Message.Date
	case update.EditedMessage != nil:
		unix = update.EditedMessage.EditDate
		if unix == 0 {
			unix = update.EditedMessage.Date
		}
	case update.ChannelPost != nil:
		unix = update.ChannelPost.Date
	case update.EditedChannelPost != nil:
		unix = update.EditedChannelPost.EditDate
	}
	// Callback queries are undated; their embedded message can be arbitrarily old
	if unix == 0 {
		return time.Time{}, false
	}
	return time.Unix(int64(unix), 0), true
}
