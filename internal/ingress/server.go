// Package ingress is the shared HTTP front door: it receives Telegram webhook
// deliveries for every store, defends itself against forged, replayed and
// flooding traffic, dispatches updates to bot runtimes with bounded retry and
// serves the operational and admin endpoints.
package ingress

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"storebot/internal/bot"
	"storebot/internal/dedupe"
	"storebot/internal/ids"
	"storebot/internal/security"
	"storebot/internal/stats"
	"storebot/internal/storage"
	"storebot/internal/telemetry"
	"storebot/internal/webhook"
)

const (
	defaultWebhookPath  = "/telegram-webhook"
	defaultMaxBodyBytes = 1 << 20
)

// Config holds the ingress server settings
type Config struct {
	Port         string
	WebhookPath  string
	MaxBodyBytes int64
	AdminToken   string
	Retry        RetryPolicy

	// CleanupInterval drives the guard and dedupe garbage collection
	CleanupInterval time.Duration
	// KeepWebhooksOnShutdown skips deleting active webhooks with Telegram on
	// shutdown, for rolling deploys where the next process takes over
	KeepWebhooksOnShutdown bool
	ShutdownTimeout      time.Duration

	ServiceName    string
	TracingEnabled bool
}

// Deps are the collaborators the server dispatches to
type Deps struct {
	Bots      *bot.Registry
	Webhooks  *webhook.Manager
	Validator *security.Validator
	Guard     *security.Guard
	Dedupe    dedupe.Store
	Stats     *stats.Aggregator
	IDs       *ids.Generator
	Storage   storage.Storage
	Logger    *zap.Logger
}

// Server is the webhook ingress HTTP server
type Server struct {
	cfg       Config
	bots      *bot.Registry
	webhooks  *webhook.Manager
	validator *security.Validator
	guard     *security.Guard
	dedupe    dedupe.Store
	stats     *stats.Aggregator
	ids       *ids.Generator
	db        storage.Storage
	logger    *zap.Logger
	tracer    trace.Tracer

	router     *gin.Engine
	httpServer *http.Server

	// done is closed when shutdown starts; finished once it completed
	done         chan struct{}
	finished     chan struct{}
	shutdownOnce sync.Once
	shutdownErr  error

	mu          sync.Mutex
	stopCleanup context.CancelFunc
	signals     chan os.Signal

	signalOnce    sync.Once
	notifySignals func(c chan<- os.Signal, sig ...os.Signal)
	stopSignals   func(c chan<- os.Signal)
}

// NewServer creates the server and its router
func NewServer(cfg Config, deps Deps) *Server {
	if cfg.Port == "" {
		cfg.Port = "8080"
	}
	cfg.WebhookPath = "/" + strings.Trim(cfg.WebhookPath, "/")
	if cfg.WebhookPath == "/" {
		cfg.WebhookPath = defaultWebhookPath
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = defaultMaxBodyBytes
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry = DefaultRetryPolicy()
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = time.Minute
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = "storebot"
	}

	s := &Server{
		cfg:           cfg,
		bots:          deps.Bots,
		webhooks:      deps.Webhooks,
		validator:     deps.Validator,
		guard:         deps.Guard,
		dedupe:        deps.Dedupe,
		stats:         deps.Stats,
		ids:           deps.IDs,
		db:            deps.Storage,
		logger:        deps.Logger,
		tracer:        telemetry.Tracer(),
		done:          make(chan struct{}),
		finished:      make(chan struct{}),
		notifySignals: signal.Notify,
		stopSignals:   signal.Stop,
	}
	s.router = s.setupRouter()
	s.httpServer = &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	return s
}

func (s *Server) setupRouter() *gin.Engine {
	router := gin.New()

	// OTel opens the span, then the request id exists for recovery and access logs
	if s.cfg.TracingEnabled {
		router.Use(otelgin.Middleware(s.cfg.ServiceName))
	}
	router.Use(RequestID())
	router.Use(Recovery(s.logger))
	router.Use(Logger(s.logger))

	router.GET("/health", s.handleHealth)
	router.POST(s.cfg.WebhookPath+"/:storeId", s.handleWebhook)

	admin := router.Group("", AdminAuth(s.cfg.AdminToken))
	admin.GET("/security-stats", s.handleSecurityStats)
	admin.POST("/unblock-user", s.handleUnblockUser)
	admin.POST("/shutdown", s.handleShutdown)

	bots := admin.Group("/admin/bots")
	bots.POST("", s.handleCreateBot)
	bots.GET("", s.handleListBots)
	bots.GET("/:storeId", s.handleGetBot)
	bots.DELETE("/:storeId", s.handleRemoveBot)
	bots.POST("/:storeId/restart", s.handleRestartBot)
	bots.PATCH("/:storeId/settings", s.handleReloadSettings)
	bots.GET("/:storeId/deliveries", s.handleListDeliveries)

	hooks := admin.Group("/admin/webhooks")
	hooks.GET("", s.handleWebhookStats)
	hooks.POST("/:storeId", s.handleEnableWebhook)
	hooks.DELETE("/:storeId", s.handleDisableWebhook)
	hooks.GET("/:storeId/status", s.handleWebhookStatus)

	return router
}

// Handler returns the router, for tests and embedding
func (s *Server) Handler() http.Handler {
	return s.router
}

// Done is closed when shutdown starts
func (s *Server) Done() <-chan struct{} {
	return s.done
}

func (s *Server) shuttingDown() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// Run starts the background cleanup, installs SIGINT/SIGTERM handling and
// serves until Shutdown completes, either from a signal, ctx, the admin
// endpoint or a direct call.
func (s *Server) Run(ctx context.Context) error {
	if s.shuttingDown() {
		<-s.finished
		return ErrShuttingDown
	}

	cleanupCtx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	s.stopCleanup = cancel
	s.signals = make(chan os.Signal, 1)
	signals := s.signals
	s.mu.Unlock()

	go s.guard.Run(cleanupCtx, s.cfg.CleanupInterval)
	if mem, ok := s.dedupe.(*dedupe.Memory); ok {
		go mem.Run(cleanupCtx, s.cfg.CleanupInterval)
	}

	s.notifySignals(signals, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case sig := <-signals:
			s.logger.Info("Received signal", zap.String("signal", sig.String()))
		case <-ctx.Done():
			s.logger.Info("Context cancelled")
		case <-s.done:
			return
		}
		s.shutdownWithTimeout()
	}()

	s.logger.Info("Ingress server starting",
		zap.String("port", s.cfg.Port),
		zap.String("webhook_path", s.cfg.WebhookPath),
	)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		s.shutdownWithTimeout()
		return fmt.Errorf("http server error: %w", err)
	}

	<-s.finished
	return s.shutdownErr
}

func (s *Server) shutdownWithTimeout() {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	if err := s.Shutdown(ctx); err != nil {
		s.logger.Error("Ingress shutdown error", zap.Error(err))
	}
}

// Shutdown drains the server: it deregisters webhooks unless told to keep them,
// stops the cleanup loops, closes the listener and removes the signal
// handlers. Only the first call does work; later calls wait for it and
// return its result.
func (s *Server) Shutdown(ctx context.Context) error {
	s.shutdownOnce.Do(func() {
		defer close(s.finished)
		close(s.done)
		s.logger.Info("Ingress shutting down")

		if !s.cfg.KeepWebhooksOnShutdown {
			s.webhooks.DeregisterAll(ctx)
		}

		s.mu.Lock()
		if s.stopCleanup != nil {
			s.stopCleanup()
		}
		s.mu.Unlock()

		if err := s.httpServer.Shutdown(ctx); err != nil {
			s.shutdownErr = fmt.Errorf("http server shutdown: %w", err)
		}

		s.removeSignalHandlers()
		s.logger.Info("Ingress stopped")
	})
	<-s.finished
	return s.shutdownErr
}

func (s *Server) removeSignalHandlers() {
	s.signalOnce.Do(func() {
		s.mu.Lock()
		signals := s.signals
		s.mu.Unlock()
		if signals != nil {
			s.stopSignals(signals)
		}
	})
}
