package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/helpme/helpme/pkg/auth"
	"github.com/helpme/helpme/pkg/contextkeys"
	"github.com/helpme/helpme/pkg/observability"
)

func allowN(t *testing.T, l Limiter, key string, n int) int {
	t.Helper()
	allowed := 0
	for i := 0; i < n; i++ {
		ok, err := l.Allow(context.Background(), key)
		require.NoError(t, err)
		if ok {
			allowed++
		}
	}
	return allowed
}

func TestRateLimiter_Allow(t *testing.T) {
	config := &RateLimitConfig{
		RequestsPerWindow: 10,
		WindowDuration:    time.Second,
		BurstSize:         2,
	}
	limiter := NewRateLimiter(config)

	assert.Equal(t, 12, allowN(t, limiter, "user:1", 17))
	assert.Equal(t, 0, limiter.Remaining("user:1"))
	assert.Equal(t, 12, limiter.Remaining("user:2"))

	// After waiting, tokens should refill
	time.Sleep(time.Second)
	assert.Equal(t, 1, allowN(t, limiter, "user:1", 1))
}

func TestRateLimiter_Cleanup(t *testing.T) {
	limiter := NewRateLimiter(&RateLimitConfig{RequestsPerWindow: 5, WindowDuration: 10 * time.Millisecond})
	allowN(t, limiter, "user:1", 1)

	time.Sleep(30 * time.Millisecond)
	limiter.Cleanup()

	limiter.mu.RLock()
	defer limiter.mu.RUnlock()
	assert.Empty(t, limiter.buckets)
}

func TestRateLimiter_Concurrency(t *testing.T) {
	limiter := NewRateLimiter(&RateLimitConfig{RequestsPerWindow: 50, WindowDuration: time.Hour})

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		allowed int
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				if ok, _ := limiter.Allow(context.Background(), "shared"); ok {
					mu.Lock()
					allowed++
					mu.Unlock()
				}
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 50, allowed)
}

func TestSubscribeRateLimitConfig(t *testing.T) {
	config := SubscribeRateLimitConfig(0)
	assert.Equal(t, 60, config.RequestsPerWindow)
	assert.Equal(t, 15, config.BurstSize)
	assert.Equal(t, time.Minute, config.WindowDuration)
}

func TestDistributedRateLimiter(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	ctx := context.Background()

	limiter := NewDistributedRateLimiter(client, &RateLimitConfig{RequestsPerWindow: 3, WindowDuration: time.Minute}, "test")

	assert.Equal(t, 3, allowN(t, limiter, "subscribe:1", 5))
	remaining, err := limiter.Remaining(ctx, "subscribe:1")
	require.NoError(t, err)
	assert.Equal(t, 0, remaining)

	ttl, err := limiter.TTL(ctx, "subscribe:1")
	require.NoError(t, err)
	assert.True(t, ttl > 0 && ttl <= time.Minute)

	// Windows are per key
	assert.Equal(t, 3, allowN(t, limiter, "subscribe:2", 3))

	// The window expires as a whole
	mr.FastForward(time.Minute + time.Second)
	assert.Equal(t, 3, allowN(t, limiter, "subscribe:1", 3))

	require.NoError(t, limiter.Reset(ctx, "subscribe:1"))
	remaining, err = limiter.Remaining(ctx, "subscribe:1")
	require.NoError(t, err)
	assert.Equal(t, 3, remaining)
}

func TestDistributedRateLimiter_FailsOpen(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	defer client.Close()
	mr.Close()

	limiter := NewDistributedRateLimiter(client, nil, "")
	allowed, err := limiter.Allow(context.Background(), "subscribe:1")
	assert.Error(t, err)
	assert.True(t, allowed)
}

func TestFallbackLimiter(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	defer client.Close()

	config := &RateLimitConfig{RequestsPerWindow: 2, WindowDuration: time.Hour}
	limiter := NewFallbackLimiter(
		NewDistributedRateLimiter(client, config, ""),
		NewRateLimiter(config),
		observability.NewNopLogger(),
	)

	assert.Equal(t, 2, allowN(t, limiter, "k", 3))

	// With Redis gone the in-memory bucket takes over and still limits
	mr.Close()
	assert.Equal(t, 2, allowN(t, limiter, "k", 4))
}

func TestRateLimitMiddleware_Handler(t *testing.T) {
	limiter := NewRateLimiter(&RateLimitConfig{RequestsPerWindow: 1, WindowDuration: time.Hour})
	handler := NewRateLimitMiddleware(limiter, time.Minute, observability.NewNopLogger()).
		Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNoContent)
		}))

	do := func(setup func(r *http.Request)) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = "10.0.0.1:5555"
		setup(req)
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)
		return rr
	}
	anonymous := func(r *http.Request) {}
	asUser := func(id int64) func(r *http.Request) {
		return func(r *http.Request) {
			*r = *r.WithContext(contextkeys.WithAuth(r.Context(), &auth.AuthContext{User: &auth.User{ID: id}}))
		}
	}

	assert.Equal(t, http.StatusNoContent, do(anonymous).Code)
	rr := do(anonymous)
	assert.Equal(t, http.StatusTooManyRequests, rr.Code)
	assert.Equal(t, "60", rr.Header().Get("Retry-After"))
	assert.JSONEq(t, `{"error":"rate limit exceeded"}`, rr.Body.String())

	// Users are counted separately from their address
	assert.Equal(t, http.StatusNoContent, do(asUser(1)).Code)
	assert.Equal(t, http.StatusTooManyRequests, do(asUser(1)).Code)
	assert.Equal(t, http.StatusNoContent, do(asUser(2)).Code)
}

func TestGetClientIP(t *testing.T) {
	tests := []struct {
		name   string
		header map[string]string
		remote string
		want   string
	}{
		{"remote addr", nil, "192.0.2.1:1234", "192.0.2.1"},
		{"forwarded first hop", map[string]string{"X-Forwarded-For": "203.0.113.5, 10.0.0.1"}, "10.0.0.1:1", "203.0.113.5"},
		{"real ip", map[string]string{"X-Real-IP": "198.51.100.7"}, "10.0.0.1:1", "198.51.100.7"},
		{"unparseable remote", nil, "pipe", "pipe"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tt.remote
			for k, v := range tt.header {
				req.Header.Set(k, v)
			}
			assert.Equal(t, tt.want, getClientIP(req))
		})
	}
}
