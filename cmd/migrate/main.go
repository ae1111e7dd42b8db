package main

import (
	"crypto/tls"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/joho/godotenv"
	"github.com/pressly/goose/v3"
	"go.uber.org/zap"

	"storebot/internal/logging"
)

const usage = "available commands: up, down, status, version, create <name>"

var errUsage = errors.New(usage)

type migration struct {
	command string
	name    string
}

func main() {
	envErr := godotenv.Load()

	logger, err := logging.New(getEnv("APP_ENV", "development"), os.Getenv("LOG_LEVEL"))
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	if envErr != nil {
		logger.Debug("No .env file found, using system environment variables")
	}

	if err := run(logger, os.Args[1:]); err != nil {
		logger.Fatal("Migration failed", zap.Error(err))
	}
}

func run(logger *zap.Logger, args []string) error {
	m, err := parseArgs(args)
	if err != nil {
		return err
	}

	db, err := openDB(logger)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := goose.SetDialect("clickhouse"); err != nil {
		return fmt.Errorf("failed to set dialect: %w", err)
	}
	goose.SetLogger(zap.NewStdLog(logger.Named("goose")))

	dir := getEnv("MIGRATIONS_DIR", "./migrations")
	logger.Info("Running migrations", zap.String("command", m.command), zap.String("dir", dir))

	switch m.command {
	case "up":
		if err := goose.Up(db, dir); err != nil {
			return fmt.Errorf("failed to run migrations: %w", err)
		}
		logger.Info("Migrations completed successfully")
	case "down":
		if err := goose.Down(db, dir); err != nil {
			return fmt.Errorf("failed to rollback migration: %w", err)
		}
		logger.Info("Rollback completed successfully")
	case "status":
		if err := goose.Status(db, dir); err != nil {
			return fmt.Errorf("failed to get migration status: %w", err)
		}
	case "version":
		version, err := goose.GetDBVersion(db)
		if err != nil {
			return fmt.Errorf("failed to get version: %w", err)
		}
		logger.Info("Current migration version", zap.Int64("version", version))
	case "create":
		if err := goose.Create(db, dir, m.name, "sql"); err != nil {
			return fmt.Errorf("failed to create migration: %w", err)
		}
		logger.Info("Created migration", zap.String("name", m.name))
	}
	return nil
}

// parseArgs validates the command line before any connection is made
func parseArgs(args []string) (migration, error) {
	m := migration{command: "up"}
	if len(args) > 0 {
		m.command = args[0]
	}
	switch m.command {
	case "up", "down", "status", "version":
		return m, nil
	case "create":
		if len(args) < 2 || args[1] == "" {
			return m, fmt.Errorf("create needs a migration name: %w", errUsage)
		}
		m.name = args[1]
		return m, nil
	default:
		return m, fmt.Errorf("unknown command %q: %w", m.command, errUsage)
	}
}

func openDB(logger *zap.Logger) (*sql.DB, error) {
	host := getEnv("CLICKHOUSE_HOST", "localhost")
	port := getEnv("CLICKHOUSE_PORT", "9000")
	database := getEnv("CLICKHOUSE_DATABASE", "default")

	options := &clickhouse.Options{
		Addr:     []string{fmt.Sprintf("%s:%s", host, port)},
		Protocol: clickhouse.Native,
		Auth: clickhouse.Auth{
			Database: database,
			Username: getEnv("CLICKHOUSE_USER", "default"),
			Password: os.Getenv("CLICKHOUSE_PASSWORD"),
		},
		DialTimeout: 10 * time.Second,
		Settings: clickhouse.Settings{
			"max_execution_time": 60,
		},
	}
	if getEnv("CLICKHOUSE_USE_TLS", "false") == "true" {
		options.TLS = &tls.Config{}
	}

	db := clickhouse.OpenDB(options)
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	logger.Info("Connected to ClickHouse",
		zap.String("host", host),
		zap.String("port", port),
		zap.String("database", database),
	)
	return db, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
