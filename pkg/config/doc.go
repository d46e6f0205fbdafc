// Package config loads gridguard configuration from environment variables.
//
// Database and rate limiting:
//
//	GRIDGUARD_DATABASE_URL="postgres://localhost/gridguard?sslmode=disable"
//	GRIDGUARD_DATABASE_MAX_OPEN_CONNS="20"
//	GRIDGUARD_REDIS_URL="redis://localhost:6379/0"   # empty disables rate limiting
//
// Evaluation:
//
//	GRIDGUARD_DEFAULT_POLICY="open"          # open, read-only, closed
//	GRIDGUARD_FAILURE_POLICY="fail-closed"   # fail-closed, fail-loud
//	GRIDGUARD_SNAPSHOT_CACHE_SIZE="1024"
//	GRIDGUARD_SNAPSHOT_CACHE_TTL="30s"
//	GRIDGUARD_ROW_CONCURRENCY="8"
//
// API key janitor:
//
//	GRIDGUARD_JANITOR_SCHEDULE="@every 5m"
//	GRIDGUARD_JANITOR_METRICS_ADDR=":9090"
//
// Observability:
//
//	GRIDGUARD_LOG_LEVEL="info"
//	GRIDGUARD_METRICS_ENABLED="true"
//	GRIDGUARD_OTEL_ENABLED="false"
//	GRIDGUARD_OTEL_ENDPOINT="localhost:4317"
//	GRIDGUARD_OTEL_SAMPLE_RATIO="1"
//
// Unparseable numeric and duration values fall back to their defaults.
package config
