package main

import (
	"time"

	"github.com/patrickmn/go-cache"
	"golang.org/x/time/rate"
)

// keyedLimiter hands every principal its own token bucket. Idle buckets
// expire with the cache.
type keyedLimiter struct {
	limit   rate.Limit
	burst   int
	buckets *cache.Cache
}

func newKeyedLimiter(perSecond float64, burst int, idle time.Duration) *keyedLimiter {
	if perSecond <= 0 {
		return nil
	}
	if burst <= 0 {
		burst = 1
	}
	return &keyedLimiter{
		limit:   rate.Limit(perSecond),
		burst:   burst,
		buckets: cache.New(idle, 2*idle),
	}
}

func (l *keyedLimiter) Allow(key string) bool {
	if v, ok := l.buckets.Get(key); ok {
		return v.(*rate.Limiter).Allow()
	}
	lim := rate.NewLimiter(l.limit, l.burst)
	if err := l.buckets.Add(key, lim, cache.DefaultExpiration); err != nil {
		// lost a race with a concurrent request for the same key
		if v, ok := l.buckets.Get(key); ok {
			return v.(*rate.Limiter).Allow()
		}
	}
	return lim.Allow()
}
