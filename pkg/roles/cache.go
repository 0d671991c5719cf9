package roles

import (
	"context"
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/singleflight"

	"github.com/helpme/helpme/pkg/observability"
)

// Invalidator drops cached roles for a user after a membership change
type Invalidator interface {
	Invalidate(userID int64)
}

// CachedResolver memoizes a Resolver with a size-bounded TTL cache and
// coalesces concurrent misses for the same key.
//
// Every key carries the user's generation. Invalidate moves the user to a
// fresh generation, so a lookup that was in flight when the membership
// changed can only populate an entry nobody reads. Generations come from one
// counter and are never reused; per-user state is dropped once the user has
// no cached entries and no lookup in flight.
//
// Invalidate only reaches this process. Other instances keep their entries
// until the TTL expires unless a RedisInvalidator relays the change.
type CachedResolver struct {
	next    Resolver
	cache   *lru.LRU[string, Roles]
	group   singleflight.Group
	metrics *observability.Metrics

	mu    sync.Mutex
	epoch uint64
	users map[int64]*userCache
}

type userCache struct {
	generation uint64
	entries    int
	active     int
}

// NewCachedResolver wraps next. metrics may be nil.
func NewCachedResolver(next Resolver, size int, ttl time.Duration, metrics *observability.Metrics) *CachedResolver {
	c := &CachedResolver{
		next:    next,
		metrics: metrics,
		users:   make(map[int64]*userCache),
	}
	c.cache = lru.NewLRU[string, Roles](size, c.evicted, ttl)
	return c
}

// acquire pins the user's state for one lookup and returns its key
func (c *CachedResolver) acquire(userID int64, target Target) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	u := c.users[userID]
	if u == nil {
		c.epoch++
		u = &userCache{generation: c.epoch}
		c.users[userID] = u
	}
	u.active++
	return fmt.Sprintf("%d/%d/%d/%d", userID, u.generation, target.OrganizationID, target.CourseID)
}

func (c *CachedResolver) release(userID int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if u := c.users[userID]; u != nil {
		u.active--
		c.pruneLocked(userID, u)
	}
}

// stored counts a new entry against the user that owns it
func (c *CachedResolver) stored(userID int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if u := c.users[userID]; u != nil {
		u.entries++
	}
}

// evicted runs inside the LRU, with its lock held, whenever an entry leaves
// by expiry, capacity or removal. It must not call back into the cache.
func (c *CachedResolver) evicted(_ string, r Roles) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if u := c.users[r.UserID]; u != nil {
		if u.entries > 0 {
			u.entries--
		}
		c.pruneLocked(r.UserID, u)
	}
}

func (c *CachedResolver) pruneLocked(userID int64, u *userCache) {
	if u.entries == 0 && u.active <= 0 {
		delete(c.users, userID)
	}
}

// Resolve returns cached roles or loads them. Errors are never cached.
func (c *CachedResolver) Resolve(ctx context.Context, userID int64, target Target) (Roles, error) {
	key := c.acquire(userID, target)
	defer c.release(userID)

	if r, ok := c.cache.Get(key); ok {
		c.metrics.RoleCache(true)
		return r, nil
	}
	c.metrics.RoleCache(false)

	v, err, _ := c.group.Do(key, func() (interface{}, error) {
		r, err := c.next.Resolve(ctx, userID, target)
		if err != nil {
			return Roles{}, err
		}
		// keyed by the caller so eviction finds the owner even if a
		// resolver returns a different id
		r.UserID = userID
		if !c.cache.Contains(key) {
			c.stored(userID)
		}
		c.cache.Add(key, r)
		return r, nil
	})
	if err != nil {
		return Roles{}, err
	}
	return v.(Roles), nil
}

// Invalidate forgets every cached entry of userID
func (c *CachedResolver) Invalidate(userID int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if u := c.users[userID]; u != nil {
		c.epoch++
		u.generation = c.epoch
	}
}

// Len reports the number of cached entries
func (c *CachedResolver) Len() int {
	return c.cache.Len()
}

// trackedUsers reports how many users hold per-user state
func (c *CachedResolver) trackedUsers() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.users)
}
