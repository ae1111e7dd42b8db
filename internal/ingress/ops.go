package ingress

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// degradedAfter consecutive failed requests turn /health to "degraded"
const degradedAfter = 5

func (s *Server) handleHealth(c *gin.Context) {
	snapshot := s.stats.Snapshot()
	bots := s.bots.GetStats()
	hooks := s.webhooks.GetWebhookStats()

	status, code := "ok", http.StatusOK
	switch {
	case s.shuttingDown():
		status, code = "shutting_down", http.StatusServiceUnavailable
	case snapshot.ConsecutiveFailures >= degradedAfter:
		status = "degraded"
	}

	c.JSON(code, gin.H{
		"ok":            code == http.StatusOK,
		"status":        status,
		"uptimeSeconds": snapshot.UptimeSeconds,
		"stats":         snapshot,
		"bots": gin.H{
			"total":             bots.TotalBots,
			"active":            bots.ActiveBots,
			"totalMessageCount": bots.TotalMessageCount,
		},
		"webhooks": gin.H{
			"total":  hooks.TotalWebhooks,
			"active": hooks.ActiveWebhooks,
		},
	})
}

func (s *Server) handleSecurityStats(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"ok":                true,
		"guard":             s.guard.Stats(),
		"hardened":          s.validator.Hardened(),
		"signingConfigured": s.validator.SigningConfigured(),
		"ingress":           s.stats.Snapshot(),
	})
}

type unblockRequest struct {
	UserID int64 `json:"userId" binding:"required"`
}

func (s *Server) handleUnblockUser(c *gin.Context) {
	var req unblockRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorBody("userId is required"))
		return
	}

	tracked := s.guard.Unblock(req.UserID)
	s.logger.Info("Sender unblocked", zap.Int64("sender_id", req.UserID), zap.Bool("was_tracked", tracked))
	c.JSON(http.StatusOK, gin.H{"ok": true, "userId": req.UserID, "wasTracked": tracked})
}

func (s *Server) handleShutdown(c *gin.Context) {
	s.logger.Info("Shutdown requested", zap.String("request_id", requestIDFrom(c)))
	c.JSON(http.StatusAccepted, gin.H{"ok": true, "message": "shutdown initiated"})

	// The listener drains this very request, so shut down after responding
	go s.shutdownWithTimeout()
}
