package telegram

import (
	"fmt"
	"regexp"

	"go.uber.org/zap"
)

var (
	tokenPattern = regexp.MustCompile(`^[0-9]{6,12}:[A-Za-z0-9_-]{35,}$`)
	// Bot API URLs embed the token as /bot<token>/method, and net/http errors quote the URL.
	// Redaction is looser than validation so near-miss tokens are hidden too.
	tokenInText = regexp.MustCompile(`[0-9]{6,12}:[A-Za-z0-9_-]{30,}`)
)

// ValidToken reports whether credential has the shape of a bot token.
// It does not contact Telegram.
func ValidToken(credential string) bool {
	return tokenPattern.MatchString(credential)
}

// Redact replaces anything that looks like a bot token in s
func Redact(s string) string {
	return tokenInText.ReplaceAllString(s, "<redacted>")
}

type redactedError struct {
	err error
}

func (e *redactedError) Error() string { return Redact(e.err.Error()) }
func (e *redactedError) Unwrap() error { return e.err }

func redact(err error) error {
	if err == nil {
		return nil
	}
	return &redactedError{err: err}
}

// BotLogger adapts zap to the library's global logger, redacting tokens
type BotLogger struct {
	sugar *zap.SugaredLogger
}

// NewBotLogger wraps logger for tgbotapi.SetLogger
func NewBotLogger(logger *zap.Logger) *BotLogger {
	return &BotLogger{sugar: logger.Named("tgbotapi").Sugar()}
}

func (l *BotLogger) Println(v ...interface{}) {
	l.sugar.Debug(Redact(fmt.Sprint(v...)))
}

func (l *BotLogger) Printf(format string, v ...interface{}) {
	l.sugar.Debug(Redact(fmt.Sprintf(format, v...)))
}
