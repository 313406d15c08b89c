// Package config provides application configuration management from environment variables.
//
// # Overview
//
// This package loads and validates configuration from environment variables with
// sensible defaults for all settings.
//
// # Configuration Structure
//
// Server settings:
//
//	TALLY_HOST="0.0.0.0"
//	TALLY_PORT="8080"
//	TALLY_HEALTH_PORT="9090"
//	TALLY_READ_TIMEOUT="15s"
//	TALLY_WRITE_TIMEOUT="15s"
//
// Database settings:
//
//	TALLY_POSTGRES_URL="postgres://localhost/audit"
//	TALLY_POSTGRES_REPLICA_URLS="postgres://replica1,postgres://replica2"
//	TALLY_POSTGRES_MAX_CONNS="25"
//
// Cache settings:
//
//	TALLY_REDIS_ENABLED="true"
//	TALLY_REDIS_URL="redis://localhost:6379"
//	TALLY_REDIS_POOL_SIZE="10"
//
// Audit settings:
//
//	TALLY_MAX_PAGE_SIZE="500"
//	TALLY_DEFAULT_PAGE_SIZE="50"
//	TALLY_RECORD_TYPES_PATH="/etc/tally/record_types.yaml"
//	TALLY_RATE_LIMIT_PER_MINUTE="300"
//	TALLY_STATS_REFRESH_SCHEDULE="@every 5m"
//
// Observability settings:
//
//	TALLY_LOG_LEVEL="info"  # debug, info, warn, error
//	TALLY_METRICS_ENABLED="true"
//	TALLY_OTEL_ENABLED="true"
//	TALLY_OTEL_ENDPOINT="otel-collector:4317"
//
// # Usage Example
//
// Load configuration:
//
//	cfg, err := config.LoadConfig()
//	if err != nil {
//		log.Fatal(err)
//	}
//
//	fmt.Printf("Server: %s:%s\n", cfg.Server.Host, cfg.Server.Port)
//	fmt.Printf("Log level: %s\n", cfg.Observability.LogLevel)
//
// # Related Packages
//
//   - pkg/ledger: Uses audit configuration
//   - pkg/observability: Uses observability configuration
package config
