package app

import (
	"context"
	"fmt"
	"log"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"storebot/internal/bot"
	"storebot/internal/config"
	"storebot/internal/dedupe"
	"storebot/internal/ids"
	"storebot/internal/ingress"
	"storebot/internal/logging"
	"storebot/internal/security"
	"storebot/internal/stats"
	"storebot/internal/storage"
	"storebot/internal/storage/ch"
	"storebot/internal/storage/stubs"
	"storebot/internal/telegram"
	"storebot/internal/telemetry"
	"storebot/internal/webhook"
)

// Version is stamped at build time with -ldflags "-X storebot/internal/app.Version=..."
var Version = "dev"

const telemetryFlushTimeout = 5 * time.Second

// App represents the application
type App struct {
	config    *config.Config
	logger    *zap.Logger
	telemetry *telemetry.Telemetry
	db        storage.Storage
	dedupe    dedupe.Store
	bots      *bot.Registry
	webhooks  *webhook.Manager
	server    *ingress.Server
}

// New creates and initializes a new application instance
func New() (*App, error) {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using system environment variables")
	}

	cfg, err := config.LoadFromEnv()
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	logger, err := logging.New(cfg.AppEnv, cfg.LogLevel)
	if err != nil {
		return nil, err
	}

	app := &App{config: cfg, logger: logger}
	logger.Info("Starting store bot platform",
		zap.String("version", Version),
		zap.String("env", cfg.AppEnv),
	)

	if err := app.initTelemetry(); err != nil {
		return nil, err
	}
	if err := app.initDatabase(); err != nil {
		return nil, err
	}
	if err := app.initBots(); err != nil {
		return nil, err
	}
	if err := app.initServer(); err != nil {
		return nil, err
	}
	return app, nil
}

func (a *App) initTelemetry() error {
	tel, err := telemetry.Setup(context.Background(), telemetry.Config{
		Endpoint:       a.config.OTelEndpoint,
		Headers:        a.config.OTelHeaders,
		ServiceName:    a.config.ServiceName,
		ServiceVersion: Version,
	})
	if err != nil {
		return fmt.Errorf("failed to set up telemetry: %w", err)
	}
	if tel != nil {
		a.logger.Info("Tracing enabled", zap.String("endpoint", a.config.OTelEndpoint))
	}
	a.telemetry = tel
	return nil
}

// initDatabase initializes the database connection
func (a *App) initDatabase() error {
	var db storage.Storage
	if a.config.UseMockDB {
		a.logger.Info("Using mock database")
		db = stubs.NewMockDB()
	} else {
		a.logger.Info("Connecting to ClickHouse",
			zap.String("host", a.config.ClickHouseHost),
			zap.Int("port", a.config.ClickHousePort),
			zap.String("database", a.config.ClickHouseDatabase),
			zap.String("user", a.config.ClickHouseUser),
			zap.Bool("tls", a.config.ClickHouseUseTLS),
		)
		clickhouseDB, err := ch.NewClickHouseDB(
			a.config.ClickHouseHost,
			a.config.ClickHousePort,
			a.config.ClickHouseDatabase,
			a.config.ClickHouseUser,
			a.config.ClickHousePassword,
			a.config.ClickHouseUseTLS,
		)
		if err != nil {
			return fmt.Errorf("failed to connect to ClickHouse: %w", err)
		}
		db = clickhouseDB
	}

	ctx := context.Background()
	if err := db.Initialize(ctx); err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	a.logger.Info("Database initialized successfully")

	a.db = db
	return nil
}

// initBots wires the runtime registry and the webhook manager to each other
func (a *App) initBots() error {
	if err := tgbotapi.SetLogger(telegram.NewBotLogger(a.logger)); err != nil {
		return fmt.Errorf("failed to set bot api logger: %w", err)
	}

	factory := telegram.NewFactory(a.config.TelegramAPIEndpoint, a.config.ProviderTimeout)

	a.webhooks = webhook.NewManager(factory, a.db, webhook.Config{
		BaseURL: a.config.PublicBaseURL,
		Path:    a.config.WebhookPath,
	}, nil, a.credentialOf, a.logger.Named("webhook"))
	if err := a.webhooks.Load(context.Background()); err != nil {
		return err
	}

	a.bots = bot.NewRegistry(factory, bot.NewStoreHandler(a.logger.Named("handler")), bot.Config{
		RestartCooldown:    a.config.RestartCooldown,
		PollTimeoutSeconds: a.config.PollTimeoutSeconds,
		ModeFor:            a.webhooks.ModeFor,
	}, a.logger.Named("bot"))
	a.webhooks.SetSwitcher(a.bots)

	if a.config.PublicBaseURL == "" {
		a.logger.Warn("PUBLIC_BASE_URL not set, webhooks cannot be enabled and every bot will poll")
	}
	return nil
}

// credentialOf lets the webhook manager reach Telegram for stores whose
// webhook was enabled by a previous process
func (a *App) credentialOf(storeID string) (string, bool) {
	rt, ok := a.bots.GetByStore(storeID)
	if !ok {
		return "", false
	}
	return rt.Credential(), true
}

func (a *App) initServer() error {
	var store dedupe.Store
	if a.config.RedisURL != "" {
		r, err := dedupe.NewRedis(a.config.RedisURL, a.config.DedupeWindow)
		if err != nil {
			return fmt.Errorf("failed to connect to Redis: %w", err)
		}
		a.logger.Info("Using Redis for duplicate detection")
		store = r
	} else {
		store = dedupe.NewMemory(a.config.DedupeWindow)
	}
	a.dedupe = store

	gen, err := ids.NewGenerator(a.config.SnowflakeNodeID)
	if err != nil {
		return err
	}

	guard := security.NewGuard(security.GuardConfig{
		PerMinute:           a.config.RateLimitPerMinute,
		Burst:               a.config.RateLimitBurst,
		SpamRepeatThreshold: a.config.SpamRepeatThreshold,
		SpamWindow:          a.config.SpamWindow,
		BlockDuration:       a.config.SpamBlockDuration,
		IdleTTL:             security.DefaultGuardConfig().IdleTTL,
	}, a.logger.Named("guard"))

	validator := security.NewValidator(
		a.config.SigningSecret,
		a.config.RequireSignature,
		a.config.ReplayWindow,
		a.config.ClockSkew,
	)
	if !validator.Hardened() && !validator.SigningConfigured() {
		a.logger.Warn("Running without a signing secret, only per-store secret tokens are verified")
	}

	a.server = ingress.NewServer(ingress.Config{
		Port:         a.config.Port,
		WebhookPath:  a.config.WebhookPath,
		MaxBodyBytes: a.config.MaxBodyBytes,
		AdminToken:   a.config.AdminAPIToken,
		Retry: ingress.RetryPolicy{
			MaxAttempts: a.config.RetryMaxAttempts,
			BaseDelay:   a.config.RetryBaseDelay,
			MaxDelay:    a.config.RetryMaxDelay,
		},
		CleanupInterval:        a.config.CleanupInterval,
		KeepWebhooksOnShutdown: !a.config.DeregisterOnShutdown,
		ServiceName:            a.config.ServiceName,
		TracingEnabled:         a.telemetry != nil,
	}, ingress.Deps{
		Bots:      a.bots,
		Webhooks:  a.webhooks,
		Validator: validator,
		Guard:     guard,
		Dedupe:    store,
		Stats:     stats.New(),
		IDs:       gen,
		Storage:   a.db,
		Logger:    a.logger.Named("ingress"),
	})
	return nil
}

// Run serves until a signal, ctx or the admin shutdown endpoint stops the
// ingress, then releases everything else
func (a *App) Run(ctx context.Context) error {
	err := a.server.Run(ctx)
	a.Shutdown()
	return err
}

// Shutdown stops every bot and closes the backing stores. The ingress has
// already drained when this runs from Run.
func (a *App) Shutdown() {
	a.logger.Info("Shutting down...")
	a.bots.Shutdown()

	if c, ok := a.dedupe.(interface{ Close() error }); ok {
		if err := c.Close(); err != nil {
			a.logger.Warn("Error closing dedupe store", zap.Error(err))
		}
	}

	if err := a.db.Close(); err != nil {
		a.logger.Error("Error closing database", zap.Error(err))
	}

	ctx, cancel := context.WithTimeout(context.Background(), telemetryFlushTimeout)
	defer cancel()
	if err := a.telemetry.Shutdown(ctx); err != nil {
		a.logger.Error("Telemetry shutdown error", zap.Error(err))
	}

	a.logger.Info("Shutdown complete")
	_ = a.logger.Sync()
}
