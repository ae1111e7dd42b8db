package ingress

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"storebot/internal/bot"
	"storebot/internal/dedupe"
	"storebot/internal/models"
	"storebot/internal/security"
	"storebot/internal/telegram"
)

const (
	// SignatureHeader carries the deployment HMAC of the raw body
	SignatureHeader = "X-Storebot-Signature"
	// SecretTokenHeader is echoed by Telegram with the token given to setWebhook
	SecretTokenHeader = "X-Telegram-Bot-Api-Secret-Token"
)

var errUnknownStore = errors.New("unknown store")

// delivery tracks one inbound request until its terminal outcome
type delivery struct {
	models.Delivery
	start   time.Time
	audited bool
}

// handleWebhook runs RECEIVED, VALIDATED, RATE_CHECKED, DISPATCHED for one
// Telegram delivery
func (s *Server) handleWebhook(c *gin.Context) {
	start := time.Now()
	storeID := c.Param("storeId")
	d := &delivery{
		Delivery: models.Delivery{
			RequestID:  requestIDFrom(c),
			StoreID:    storeID,
			ReceivedAt: start,
		},
		start: start,
	}

	if s.shuttingDown() {
		s.reject(c, d, http.StatusServiceUnavailable, models.OutcomeFailed, ErrShuttingDown)
		return
	}

	// The raw body is kept verbatim, the signature covers these exact bytes
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, s.cfg.MaxBodyBytes)
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.reject(c, d, http.StatusRequestEntityTooLarge, models.OutcomeRejected, fmt.Errorf("%w: body too large", ErrValidation))
			return
		}
		s.reject(c, d, http.StatusBadRequest, models.OutcomeRejected, fmt.Errorf("%w: failed to read body", ErrValidation))
		return
	}

	token, hasRegistration := s.webhooks.SecretToken(storeID)
	_, hasRuntime := s.bots.GetByStore(storeID)
	d.audited = hasRegistration || hasRuntime

	origin := security.Origin{
		Body:        body,
		Signature:   c.GetHeader(SignatureHeader),
		SecretToken: c.GetHeader(SecretTokenHeader),
	}
	if err := s.validator.VerifyOrigin(origin, token); err != nil {
		s.reject(c, d, http.StatusUnauthorized, models.OutcomeRejected, fmt.Errorf("%w: %w", ErrValidation, err))
		return
	}

	update, err := parseUpdate(body)
	if err != nil {
		s.reject(c, d, http.StatusBadRequest, models.OutcomeRejected, fmt.Errorf("%w: %w", ErrValidation, err))
		return
	}
	d.UpdateID = update.UpdateID
	d.SenderID = telegram.SenderID(update)

	if ts, ok := telegram.Timestamp(update); ok {
		if err := s.validator.VerifyTimestamp(ts); err != nil {
			s.reject(c, d, http.StatusUnauthorized, models.OutcomeRejected, fmt.Errorf("%w: %w", ErrValidation, err))
			return
		}
	}

	if !d.audited {
		s.reject(c, d, http.StatusNotFound, models.OutcomeRejected, fmt.Errorf("%w %q", errUnknownStore, storeID))
		return
	}

	key := dedupe.Key(storeID, update.UpdateID)
	seen, err := s.dedupe.Seen(c.Request.Context(), key)
	if err != nil {
		s.logger.Warn("Dedupe lookup failed, processing anyway",
			zap.String("store_id", storeID),
			zap.Int("update_id", update.UpdateID),
			zap.Error(err),
		)
	}
	if seen {
		d.Outcome = models.OutcomeDuplicate
		s.finish(c, d, nil)
		c.JSON(http.StatusOK, gin.H{"ok": true, "duplicate": true})
		return
	}

	if !s.guard.CheckRateLimit(d.SenderID) || s.guard.CheckSpam(d.SenderID, telegram.Content(update)) {
		s.reject(c, d, http.StatusTooManyRequests, models.OutcomeRateLimited, ErrRateLimited)
		return
	}

	attempts, err := s.dispatch(c.Request.Context(), storeID, update)
	d.Attempts = attempts
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, ErrShuttingDown) {
			status = http.StatusServiceUnavailable
		}
		s.logger.Error("Update processing failed",
			zap.String("store_id", storeID),
			zap.Int("update_id", update.UpdateID),
			zap.Int("attempts", attempts),
			zap.String("request_id", d.RequestID),
			zap.Error(err),
		)
		s.reject(c, d, status, models.OutcomeFailed, err)
		return
	}

	if err := s.dedupe.Mark(context.WithoutCancel(c.Request.Context()), key); err != nil {
		s.logger.Warn("Failed to mark update processed",
			zap.String("store_id", storeID),
			zap.Int("update_id", update.UpdateID),
			zap.Error(err),
		)
	}

	d.Outcome = models.OutcomeAcked
	s.finish(c, d, nil)
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// parseUpdate decodes the envelope and insists on an update_id, which the
// decoded struct cannot tell apart from zero
func parseUpdate(body []byte) (tgbotapi.Update, error) {
	var probe struct {
		UpdateID *int `json:"update_id"`
	}
	if err := json.Unmarshal(body, &probe); err != nil {
		return tgbotapi.Update{}, errors.New("malformed update json")
	}
	if probe.UpdateID == nil {
		return tgbotapi.Update{}, errors.New("update_id missing")
	}

	var update tgbotapi.Update
	if err := json.Unmarshal(body, &update); err != nil {
		return tgbotapi.Update{}, errors.New("malformed update json")
	}
	return update, nil
}

// dispatch hands update to the store's runtime with retry. The runtime is
// looked up on every attempt so a restart in progress is picked up.
func (s *Server) dispatch(ctx context.Context, storeID string, update tgbotapi.Update) (int, error) {
	ctx, span := s.tracer.Start(ctx, "ingress.dispatch", trace.WithAttributes(
		attribute.String("store.id", storeID),
		attribute.Int("telegram.update_id", update.UpdateID),
	))
	defer span.End()

	attempts, err := Retry(ctx, s.done, s.cfg.Retry,
		func(ctx context.Context, attempt int) error {
			rt, ok := s.bots.GetByStore(storeID)
			if !ok {
				return bot.ErrNotFound
			}
			return rt.Process(ctx, update)
		},
		func(attempt int, err error, delay time.Duration) {
			s.stats.RecordRetry()
			s.logger.Warn("Retrying update",
				zap.String("store_id", storeID),
				zap.Int("update_id", update.UpdateID),
				zap.Int("attempt", attempt),
				zap.Duration("delay", delay),
				zap.Error(err),
			)
		},
	)

	span.SetAttributes(attribute.Int("ingress.attempts", attempts))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "dispatch failed")
	}
	return attempts, err
}

// reject ends the request with an error status
func (s *Server) reject(c *gin.Context, d *delivery, status int, outcome models.DeliveryOutcome, err error) {
	d.Outcome = outcome
	s.finish(c, d, err)
	c.AbortWithStatusJSON(status, errorBody(publicReason(err)))
}

// finish records the terminal outcome in stats and, for known stores, in the
// webhook health and audit log
func (s *Server) finish(c *gin.Context, d *delivery, cause error) {
	latency := time.Since(d.start)
	d.LatencyMs = latency.Milliseconds()

	if cause != nil {
		d.Error = cause.Error()
		_ = c.Error(cause)
		s.stats.RecordFailure(latency, d.Error)
	} else {
		s.stats.RecordSuccess(latency)
	}

	if !d.audited {
		return
	}
	if s.ids != nil {
		d.ID = s.ids.Next()
	}
	s.webhooks.RecordDelivery(context.WithoutCancel(c.Request.Context()), d.Delivery)
}

// publicReason is the terse error text returned to the caller
func publicReason(err error) string {
	switch {
	case errors.Is(err, ErrShuttingDown):
		return "shutting down"
	case errors.Is(err, ErrRateLimited):
		return "rate limited"
	case errors.Is(err, ErrProcessing):
		return "processing failed"
	case errors.Is(err, ErrValidation):
		return err.Error()
	case errors.Is(err, errUnknownStore):
		return "unknown store"
	default:
		return "request failed"
	}
}
