package main

import (
	"context"
	"fmt"
	"log"
	"os"

	"github.com/testcontainers/testcontainers-go/modules/clickhouse"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"

	"storebot/internal/app"
)

func main() {
	ctx := context.Background()

	log.Println("Starting ClickHouse testcontainer...")

	// Start ClickHouse container
	clickhouseContainer, err := clickhouse.Run(ctx,
		"clickhouse/clickhouse-server:latest",
		clickhouse.WithUsername("default"),
		clickhouse.WithPassword("devpassword"),
		clickhouse.WithDatabase("default"),
	)
	if err != nil {
		log.Fatalf("Failed to start ClickHouse container: %v", err)
	}

	// Ensure container cleanup on exit
	defer func() {
		log.Println("Stopping ClickHouse container...")
		if err := clickhouseContainer.Terminate(ctx); err != nil {
			log.Printf("Failed to terminate container: %v", err)
		}
	}()

	host, err := clickhouseContainer.Host(ctx)
	if err != nil {
		log.Fatalf("Failed to get container host: %v", err)
	}

	port, err := clickhouseContainer.MappedPort(ctx, "9000/tcp")
	if err != nil {
		log.Fatalf("Failed to get container port: %v", err)
	}

	log.Printf("ClickHouse started at %s:%s", host, port.Port())

	os.Setenv("CLICKHOUSE_HOST", host)
	os.Setenv("CLICKHOUSE_PORT", port.Port())
	os.Setenv("CLICKHOUSE_DATABASE", "default")
	os.Setenv("CLICKHOUSE_USER", "default")
	os.Setenv("CLICKHOUSE_PASSWORD", "devpassword")
	os.Setenv("CLICKHOUSE_USE_TLS", "false")
	os.Setenv("USE_MOCK_DB", "false")

	// Redis backs duplicate detection unless the developer points elsewhere
	if os.Getenv("REDIS_URL") == "" {
		redisContainer, err := tcredis.Run(ctx, "redis:7-alpine")
		if err != nil {
			log.Fatalf("Failed to start Redis container: %v", err)
		}
		defer func() {
			log.Println("Stopping Redis container...")
			if err := redisContainer.Terminate(ctx); err != nil {
				log.Printf("Failed to terminate container: %v", err)
			}
		}()

		url, err := redisContainer.ConnectionString(ctx)
		if err != nil {
			log.Fatalf("Failed to get Redis connection string: %v", err)
		}
		os.Setenv("REDIS_URL", url)
		log.Printf("Redis started at %s", url)
	}

	if os.Getenv("PORT") == "" {
		os.Setenv("PORT", "8080")
	}

	if os.Getenv("ADMIN_API_TOKEN") == "" {
		log.Println("⚠️  ADMIN_API_TOKEN not set, using \"dev-admin-token\".")
		os.Setenv("ADMIN_API_TOKEN", "dev-admin-token")
	}

	if os.Getenv("PUBLIC_BASE_URL") == "" {
		log.Println("⚠️  PUBLIC_BASE_URL not set. Bots will long-poll and webhooks cannot be enabled.")
	}

	log.Println("Starting application with ClickHouse backend...")
	fmt.Println()

	application, err := app.New()
	if err != nil {
		log.Fatalf("Failed to create application: %v", err)
	}

	// Run handles SIGINT/SIGTERM and returns once everything is stopped,
	// which lets the deferred container cleanup run
	if err := application.Run(ctx); err != nil {
		log.Printf("Application error: %v", err)
	}
}
