// Package observability provides structured logging, Prometheus metrics,
// OpenTelemetry tracing, health probes and graceful shutdown for gridguard.
//
// # Structured Logging
//
//	logger := observability.NewLogger(observability.InfoLevel, os.Stderr)
//	logger.WithField("workspace_id", 7).Info("snapshot loaded")
//
// Context-aware logging picks up request, workspace and trace ids:
//
//	ctx = observability.WithRequestID(ctx, uuid.NewString())
//	observability.FromContext(ctx).Warn("evaluation failed")
//
// # Prometheus Metrics
//
//	registry := prometheus.NewRegistry()
//	metrics := observability.NewMetrics(registry)
//	metrics.PermissionChecksTotal.WithLabelValues("row", "read", "allow").Inc()
//
// # Tracing
//
//	tp, err := observability.InitTracing(ctx, cfg, logger)
//	defer observability.ShutdownTracing(ctx, tp, logger)
//
// With tracing disabled the global no-op provider is left in place, so
// instrumented code needs no special casing.
package observability
