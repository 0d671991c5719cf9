// Package middleware provides HTTP middleware for authentication and rate
// limiting.
//
// AuthMiddleware resolves the bearer token through a TokenValidator and puts
// the caller's auth.AuthContext on the request context. Requests without a
// valid token are answered 401 before any route handler runs; role checks
// happen later, in the guard.
//
//	router.Use(middleware.NewAuthMiddleware(tokenManager, logger).Handler)
//
// # Rate Limiting
//
// Limiter is implemented by the in-memory token bucket RateLimiter and by
// the Redis-backed DistributedRateLimiter, which shares fixed windows across
// instances. FallbackLimiter chains the two so that a Redis outage degrades
// to per-instance limits:
//
//	limiter := middleware.NewFallbackLimiter(
//	    middleware.NewDistributedRateLimiter(redisClient, config, "ratelimit:subscribe"),
//	    middleware.NewRateLimiter(config),
//	    logger,
//	)
//
// The notification socket uses such a limiter per user for subscribe
// frames, which is where reconnect storms land.
package middleware
