// Package ratelimit bounds generation submissions per user with a
// redis-backed fixed window.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
)

// Limiter counts requests per key inside a fixed window. A nil limiter or
// missing redis backend admits everything; rate limiting is a guard rail,
// not a dependency.
type Limiter struct {
	rdb    *redis.Client
	limit  int
	window time.Duration
}

// New constructs a limiter. rdb may be nil to disable limiting.
func New(rdb *redis.Client, requests, windowSeconds int) *Limiter {
	if requests <= 0 {
		requests = 30
	}
	if windowSeconds <= 0 {
		windowSeconds = 60
	}
	return &Limiter{rdb: rdb, limit: requests, window: time.Duration(windowSeconds) * time.Second}
}

// Allow reports whether one more request under key fits the window. Redis
// failures admit the request and log, so an unavailable redis never takes
// the API down with it.
func (l *Limiter) Allow(ctx context.Context, key string) bool {
	if l == nil || l.rdb == nil {
		return true
	}

	bucket := fmt.Sprintf("ratelimit:%s:%d", key, time.Now().Unix()/int64(l.window.Seconds()))
	count, errIncr := l.rdb.Incr(ctx, bucket).Result()
	if errIncr != nil {
		log.WithError(errIncr).Warnf("rate limiter: incr failed (key=%s)", key)
		return true
	}
	if count == 1 {
		if errExpire := l.rdb.Expire(ctx, bucket, l.window).Err(); errExpire != nil {
			log.WithError(errExpire).Warnf("rate limiter: expire failed (key=%s)", key)
		}
	}
	return count <= int64(l.limit)
}
