// Package ratelimiter provides per-key rate limiting using three
// algorithms: a local token bucket (golang.org/x/time/rate), a local
// sliding window for precise per-window accounting, and a Redis-backed
// distributed sliding window for multi-process deployments.
package ratelimiter

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"
)

// ErrRateLimited is returned when a key has exceeded its limit.
type ErrRateLimited struct {
	RetryAfter time.Duration
}

func (e *ErrRateLimited) Error() string {
	return fmt.Sprintf("rate limit exceeded; retry after %s", e.RetryAfter)
}

// Config configures one Limiter instance, mirroring the rate-limit
// middleware's documented options (requests_per_minute, burst_size,
// key_by, whitelist).
type Config struct {
	RequestsPerMinute int
	BurstSize         int
	KeyBy             string // ip | user | header:NAME
	Whitelist         []string
	RedisURL          string // non-empty backs the limiter with Redis
}

// Limiter checks whether a request should be allowed.
type Limiter interface {
	Allow(r *http.Request) error
}

// New constructs the appropriate limiter from cfg.
func New(cfg Config) (Limiter, error) {
	keyFn := buildKeyFn(cfg.KeyBy)
	whitelist := make(map[string]bool, len(cfg.Whitelist))
	for _, w := range cfg.Whitelist {
		whitelist[w] = true
	}

	if cfg.RedisURL != "" {
		return newRedisLimiter(cfg, keyFn, whitelist)
	}
	return newLocalTokenBucket(cfg, keyFn, whitelist), nil
}

// ---------------------------------------------------------------------------
// Key extraction
// ---------------------------------------------------------------------------

func buildKeyFn(keyBy string) func(r *http.Request) string {
	switch {
	case keyBy == "user":
		return func(r *http.Request) string {
			if u := r.Header.Get("X-User-ID"); u != "" {
				return "user:" + u
			}
			return "user:anonymous"
		}
	case strings.HasPrefix(keyBy, "header:"):
		header := strings.TrimPrefix(keyBy, "header:")
		return func(r *http.Request) string {
			if v := r.Header.Get(header); v != "" {
				return "header:" + header + ":" + v
			}
			return "header:" + header + ":anonymous"
		}
	default: // ip
		return func(r *http.Request) string {
			if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
				return "ip:" + xff
			}
			return "ip:" + r.RemoteAddr
		}
	}
}

func clientIdentity(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		return xff
	}
	return r.RemoteAddr
}

// ---------------------------------------------------------------------------
// Local token bucket (golang.org/x/time/rate)
// ---------------------------------------------------------------------------

type localTokenBucket struct {
	mu        sync.RWMutex
	buckets   map[string]*rate.Limiter
	rps       rate.Limit
	burst     int
	keyFn     func(r *http.Request) string
	whitelist map[string]bool
}

func newLocalTokenBucket(cfg Config, keyFn func(r *http.Request) string, whitelist map[string]bool) *localTokenBucket {
	burst := cfg.BurstSize
	if burst <= 0 {
		burst = cfg.RequestsPerMinute
	}
	if burst <= 0 {
		burst = 1
	}
	return &localTokenBucket{
		buckets:   make(map[string]*rate.Limiter),
		rps:       rate.Limit(float64(cfg.RequestsPerMinute) / 60.0),
		burst:     burst,
		keyFn:     keyFn,
		whitelist: whitelist,
	}
}

func (l *localTokenBucket) Allow(r *http.Request) error {
	if l.whitelist[clientIdentity(r)] {
		return nil
	}
	key := l.keyFn(r)
	lim := l.getOrCreate(key)
	if lim.Allow() {
		return nil
	}
	return &ErrRateLimited{RetryAfter: time.Duration(float64(time.Second) / float64(l.rps))}
}

func (l *localTokenBucket) getOrCreate(key string) *rate.Limiter {
	l.mu.RLock()
	lim, ok := l.buckets[key]
	l.mu.RUnlock()
	if ok {
		return lim
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if lim, ok = l.buckets[key]; ok {
		return lim
	}
	lim = rate.NewLimiter(l.rps, l.burst)
	l.buckets[key] = lim
	return lim
}

// ---------------------------------------------------------------------------
// Local sliding window — precise per-window accounting, used by callers
// that construct it directly rather than through New.
// ---------------------------------------------------------------------------

type swBucket struct {
	mu         sync.Mutex
	timestamps []time.Time
}

// NewSlidingWindow builds a precise sliding-window limiter over window,
// independent of the token-bucket algorithm New selects by default.
func NewSlidingWindow(cfg Config, window time.Duration) Limiter {
	keyFn := buildKeyFn(cfg.KeyBy)
	whitelist := make(map[string]bool, len(cfg.Whitelist))
	for _, w := range cfg.Whitelist {
		whitelist[w] = true
	}
	return &localSlidingWindow{
		rate:      cfg.RequestsPerMinute,
		window:    window,
		keyFn:     keyFn,
		buckets:   make(map[string]*swBucket),
		whitelist: whitelist,
	}
}

type localSlidingWindow struct {
	mu        sync.RWMutex
	buckets   map[string]*swBucket
	rate      int
	window    time.Duration
	keyFn     func(r *http.Request) string
	whitelist map[string]bool
}

func (l *localSlidingWindow) Allow(r *http.Request) error {
	if l.whitelist[clientIdentity(r)] {
		return nil
	}
	key := l.keyFn(r)
	bucket := l.getOrCreate(key)

	bucket.mu.Lock()
	defer bucket.mu.Unlock()

	now := time.Now()
	cutoff := now.Add(-l.window)

	i := 0
	for i < len(bucket.timestamps) && bucket.timestamps[i].Before(cutoff) {
		i++
	}
	bucket.timestamps = bucket.timestamps[i:]

	if len(bucket.timestamps) >= l.rate {
		oldest := bucket.timestamps[0]
		return &ErrRateLimited{RetryAfter: oldest.Add(l.window).Sub(now)}
	}
	bucket.timestamps = append(bucket.timestamps, now)
	return nil
}

func (l *localSlidingWindow) getOrCreate(key string) *swBucket {
	l.mu.RLock()
	b, ok := l.buckets[key]
	l.mu.RUnlock()
	if ok {
		return b
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if b, ok = l.buckets[key]; ok {
		return b
	}
	b = &swBucket{}
	l.buckets[key] = b
	return b
}

// ---------------------------------------------------------------------------
// Redis-backed distributed limiter — sliding window via a sorted set, Lua
// script for atomicity.
// ---------------------------------------------------------------------------

const slidingWindowLua = `
local key    = KEYS[1]
local now    = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit  = tonumber(ARGV[3])
local cutoff = now - window

redis.call('ZREMRANGEBYSCORE', key, '-inf', cutoff)
local count = redis.call('ZCARD', key)
if count >= limit then
  local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
  return {0, oldest[2]}
end
redis.call('ZADD', key, now, now)
redis.call('EXPIRE', key, math.ceil(window/1000))
return {1, 0}
`

type redisLimiter struct {
	client    *redis.Client
	script    *redis.Script
	rpm       int
	window    time.Duration
	keyFn     func(r *http.Request) string
	whitelist map[string]bool
}

func newRedisLimiter(cfg Config, keyFn func(r *http.Request) string, whitelist map[string]bool) (*redisLimiter, error) {
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return &redisLimiter{
		client:    redis.NewClient(opts),
		script:    redis.NewScript(slidingWindowLua),
		rpm:       cfg.RequestsPerMinute,
		window:    time.Minute,
		keyFn:     keyFn,
		whitelist: whitelist,
	}, nil
}

func (rl *redisLimiter) Allow(r *http.Request) error {
	if rl.whitelist[clientIdentity(r)] {
		return nil
	}
	key := "rl:" + rl.keyFn(r)
	nowMs := time.Now().UnixMilli()
	windowMs := rl.window.Milliseconds()

	ctx, cancel := context.WithTimeout(r.Context(), 50*time.Millisecond)
	defer cancel()

	res, err := rl.script.Run(ctx, rl.client, []string{key}, nowMs, windowMs, rl.rpm).Int64Slice()
	if err != nil {
		// Redis unavailable — fail open rather than block all traffic.
		return nil
	}
	if res[0] == 0 {
		oldestMs := res[1]
		return &ErrRateLimited{RetryAfter: time.Duration(oldestMs+windowMs-nowMs) * time.Millisecond}
	}
	return nil
}
