package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/l8e-harbor/harbor/internal/ratelimiter"
)

type rateLimitMiddleware struct {
	Base
	limiter ratelimiter.Limiter
}

func buildRateLimit(name string, config map[string]any, _ Deps) (Middleware, error) {
	cfg := ratelimiter.Config{
		RequestsPerMinute: intOpt(config, "requests_per_minute", 60),
		BurstSize:         intOpt(config, "burst_size", 0),
		KeyBy:             stringOpt(config, "key_by", "ip"),
		Whitelist:         stringSliceOpt(config, "whitelist"),
		RedisURL:          stringOpt(config, "redis_url", ""),
	}
	lim, err := ratelimiter.New(cfg)
	if err != nil {
		return nil, err
	}
	return &rateLimitMiddleware{Base: NewBase(name), limiter: lim}, nil
}

func (m *rateLimitMiddleware) PreRequest(ctx context.Context, r *http.Request) (context.Context, PreResult) {
	err := m.limiter.Allow(r)
	if err == nil {
		return ctx, PreResult{Verdict: Continue}
	}

	rl, ok := err.(*ratelimiter.ErrRateLimited)
	h := http.Header{"Content-Type": []string{"application/json"}}
	if ok && rl.RetryAfter > 0 {
		h.Set("Retry-After", strconv.Itoa(int(rl.RetryAfter.Seconds())+1))
	}
	body, _ := json.Marshal(map[string]string{"error": "rate limit exceeded"})
	return ctx, PreResult{
		Verdict: ShortCircuit,
		Response: &ShortCircuitResponse{
			StatusCode: http.StatusTooManyRequests,
			Headers:    h,
			Body:       body,
		},
	}
}
