// Package observability provides structured logging, Prometheus metrics,
// health checks, OpenTelemetry setup and graceful shutdown for HelpMe.
//
// # Logging
//
//	logger := observability.NewLogger(observability.InfoLevel, os.Stdout)
//	logger.WithField("course_id", courseID).Info("alert created")
//
// Logger is a thin wrapper over logrus with a JSON formatter. Request-scoped
// loggers travel in the context via WithLogger / FromContext.
//
// # Metrics
//
//	registry := prometheus.NewRegistry()
//	metrics := observability.NewMetrics(registry)
//	metrics.GuardDecision("alerts.list", "deny")
//
// Every recording method accepts a nil receiver.
//
// # Health
//
//	checker := observability.NewHealthChecker(db, redisClient, version)
//	observability.RegisterHealthRoutes(mux, checker)
//
// The database is critical, Redis is optional: losing Redis degrades
// real-time fan-out to a single instance but does not fail readiness.
package observability
