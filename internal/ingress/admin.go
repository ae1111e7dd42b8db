package ingress

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"storebot/internal/bot"
	"storebot/internal/webhook"
)

const (
	defaultDeliveryLimit = 50
	maxDeliveryLimit     = 1000
)

type createBotRequest struct {
	StoreID     string `json:"storeId" binding:"required"`
	Credential  string `json:"credential" binding:"required"`
	DisplayName string `json:"displayName"`
}

type enableWebhookRequest struct {
	Credential string `json:"credential"`
}

// adminStatus maps registry and manager errors to HTTP status codes
func adminStatus(err error) int {
	switch {
	case errors.Is(err, bot.ErrAlreadyActive):
		return http.StatusConflict
	case errors.Is(err, bot.ErrInvalidCredential),
		errors.Is(err, bot.ErrInvalidStoreID),
		errors.Is(err, webhook.ErrInvalidCredential):
		return http.StatusBadRequest
	case errors.Is(err, bot.ErrNotFound), errors.Is(err, webhook.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, webhook.ErrCredentialUnknown):
		return http.StatusConflict
	case errors.Is(err, webhook.ErrProviderRejected):
		return http.StatusBadGateway
	case errors.Is(err, webhook.ErrNotConfigured):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

func (s *Server) adminError(c *gin.Context, op string, err error) {
	status := adminStatus(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		s.logger.Error("Admin operation failed",
			zap.String("op", op),
			zap.String("store_id", c.Param("storeId")),
			zap.Error(err),
		)
		msg = "internal error"
	}
	_ = c.Error(err)
	c.JSON(status, errorBody(msg))
}

func (s *Server) handleCreateBot(c *gin.Context) {
	var req createBotRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorBody("storeId and credential are required"))
		return
	}

	rt, err := s.bots.Create(req.StoreID, req.Credential, req.DisplayName)
	if err != nil {
		s.adminError(c, "create", err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"ok": true, "bot": rt.Info()})
}

func (s *Server) handleListBots(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"ok": true, "stats": s.bots.GetStats()})
}

func (s *Server) handleGetBot(c *gin.Context) {
	rt, ok := s.bots.GetByStore(c.Param("storeId"))
	if !ok {
		s.adminError(c, "get", bot.ErrNotFound)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "bot": rt.Info()})
}

func (s *Server) handleRemoveBot(c *gin.Context) {
	removed := s.bots.Remove(c.Param("storeId"))
	c.JSON(http.StatusOK, gin.H{"ok": true, "removed": removed})
}

func (s *Server) handleRestartBot(c *gin.Context) {
	rt, err := s.bots.Restart(c.Request.Context(), c.Param("storeId"))
	if err != nil {
		s.adminError(c, "restart", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "bot": rt.Info()})
}

func (s *Server) handleReloadSettings(c *gin.Context) {
	var patch map[string]any
	if err := c.ShouldBindJSON(&patch); err != nil {
		c.JSON(http.StatusBadRequest, errorBody("settings patch must be a JSON object"))
		return
	}

	settings, err := s.bots.ReloadSettings(c.Param("storeId"), patch)
	if err != nil {
		s.adminError(c, "reload_settings", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "settings": settings})
}

func (s *Server) handleListDeliveries(c *gin.Context) {
	limit := defaultDeliveryLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			c.JSON(http.StatusBadRequest, errorBody("limit must be a positive integer"))
			return
		}
		limit = min(n, maxDeliveryLimit)
	}

	deliveries, err := s.db.ListDeliveries(c.Request.Context(), c.Param("storeId"), limit)
	if err != nil {
		s.adminError(c, "list_deliveries", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "deliveries": deliveries})
}

func (s *Server) handleEnableWebhook(c *gin.Context) {
	storeID := c.Param("storeId")

	var req enableWebhookRequest
	// The body is optional; an empty one means "use the running bot's credential"
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, errorBody("malformed request body"))
		return
	}
	if req.Credential == "" {
		if rt, ok := s.bots.GetByStore(storeID); ok {
			req.Credential = rt.Credential()
		}
	}
	if req.Credential == "" {
		c.JSON(http.StatusBadRequest, errorBody("credential is required when the store has no bot"))
		return
	}

	url, err := s.webhooks.Enable(c.Request.Context(), storeID, req.Credential)
	if err != nil {
		s.adminError(c, "enable_webhook", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "url": url})
}

func (s *Server) handleDisableWebhook(c *gin.Context) {
	if err := s.webhooks.Disable(c.Request.Context(), c.Param("storeId")); err != nil {
		s.adminError(c, "disable_webhook", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (s *Server) handleWebhookStatus(c *gin.Context) {
	status, err := s.webhooks.CheckStatus(c.Request.Context(), c.Param("storeId"))
	if err != nil {
		s.adminError(c, "webhook_status", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "status": status})
}

func (s *Server) handleWebhookStats(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"ok": true, "stats": s.webhooks.GetWebhookStats()})
}
