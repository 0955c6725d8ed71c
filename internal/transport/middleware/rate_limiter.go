// SPDX-License-Identifier: Apache-2.0

package middleware

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"

	"github.com/Interstation-Research/shaman/internal/auth"
)

const headerRateLimitLimit = "X-RateLimit-Limit"
const headerRateLimitRemaining = "X-RateLimit-Remaining"
const headerRetryAfter = "Retry-After"

type Decision struct {
	Allowed           bool
	LimitPerMinute    int
	Remaining         int
	RetryAfterSeconds int
}

// Limiter is a per-key token bucket refilled at limitPerMinute/60 per second.
type Limiter interface {
	Allow(ctx context.Context, key string, limitPerMinute int) (Decision, error)
}

type visitor struct {
	limiter  *rate.Limiter
	perMin   int
	lastSeen time.Time
}

// LocalLimiter keeps buckets in process memory.
type LocalLimiter struct {
	mu       sync.Mutex
	visitors map[string]*visitor
	idleTTL  time.Duration
	now      func() time.Time
}

func NewLocalLimiter() *LocalLimiter {
	return &LocalLimiter{
		visitors: make(map[string]*visitor, 32),
		idleTTL:  3 * time.Minute,
		now:      time.Now,
	}
}

func (l *LocalLimiter) Allow(_ context.Context, key string, limitPerMinute int) (Decision, error) {
	if limitPerMinute <= 0 {
		limitPerMinute = 1
	}
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	l.prune(now)
	v, ok := l.visitors[key]
	if !ok || v.perMin != limitPerMinute {
		v = &visitor{
			limiter: rate.NewLimiter(rate.Limit(float64(limitPerMinute)/60.0), limitPerMinute),
			perMin:  limitPerMinute,
		}
		l.visitors[key] = v
	}
	v.lastSeen = now

	d := Decision{LimitPerMinute: limitPerMinute}
	res := v.limiter.ReserveN(now, 1)
	if delay := res.DelayFrom(now); delay > 0 {
		res.CancelAt(now)
		d.RetryAfterSeconds = int(math.Ceil(delay.Seconds()))
		if d.RetryAfterSeconds < 1 {
			d.RetryAfterSeconds = 1
		}
		d.Remaining = 0
		return d, nil
	}

	d.Allowed = true
	d.Remaining = int(math.Floor(v.limiter.TokensAt(now)))
	if d.Remaining < 0 {
		d.Remaining = 0
	}
	return d, nil
}

func (l *LocalLimiter) prune(now time.Time) {
	for key, v := range l.visitors {
		if now.Sub(v.lastSeen) > l.idleTTL {
			delete(l.visitors, key)
		}
	}
}

// redisTokenBucketScript refills and consumes one bucket atomically.
// KEYS[1] bucket, ARGV rate (tokens/s), capacity, cost, now (seconds).
var redisTokenBucketScript = redis.NewScript(`
local key = KEYS[1]
local rate = tonumber(ARGV[1])
local capacity = tonumber(ARGV[2])
local cost = tonumber(ARGV[3])
local now = tonumber(ARGV[4])

local state = redis.call("HMGET", key, "tokens", "last_refill")
local tokens = tonumber(state[1])
local last_refill = tonumber(state[2])

if not tokens or not last_refill then
    tokens = capacity
    last_refill = now
end

local elapsed = now - last_refill
if elapsed > 0 then
    tokens = math.min(capacity, tokens + elapsed * rate)
    last_refill = now
end

local allowed = 0
if tokens >= cost then
    tokens = tokens - cost
    allowed = 1
end

redis.call("HSET", key, "tokens", tokens, "last_refill", last_refill)
redis.call("EXPIRE", key, math.ceil(capacity / rate) + 1)

return {allowed, tostring(tokens)}
`)

// RedisLimiter shares buckets between API replicas.
type RedisLimiter struct {
	client *redis.Client
	prefix string
	now    func() time.Time
}

func NewRedisLimiter(client *redis.Client) *RedisLimiter {
	return &RedisLimiter{client: client, prefix: "shaman:ratelimit:", now: time.Now}
}

func (l *RedisLimiter) Allow(ctx context.Context, key string, limitPerMinute int) (Decision, error) {
	if limitPerMinute <= 0 {
		limitPerMinute = 1
	}
	perSecond := float64(limitPerMinute) / 60.0
	now := float64(l.now().UnixMicro()) / 1e6

	res, err := redisTokenBucketScript.Run(ctx, l.client, []string{l.prefix + key}, perSecond, limitPerMinute, 1, now).Result()
	if err != nil {
		return Decision{}, fmt.Errorf("redis limiter: %w", err)
	}
	parts, ok := res.([]any)
	if !ok || len(parts) != 2 {
		return Decision{}, fmt.Errorf("redis limiter: unexpected reply %v", res)
	}
	allowed, _ := parts[0].(int64)
	tokensStr, _ := parts[1].(string)
	tokens, _ := strconv.ParseFloat(tokensStr, 64)

	d := Decision{
		Allowed:        allowed == 1,
		LimitPerMinute: limitPerMinute,
		Remaining:      int(math.Floor(tokens)),
	}
	if !d.Allowed {
		d.RetryAfterSeconds = int(math.Ceil((1 - tokens) / perSecond))
		if d.RetryAfterSeconds < 1 {
			d.RetryAfterSeconds = 1
		}
	}
	return d, nil
}

// RateLimit throttles each caller, or each client IP before authentication.
// A limiter error lets the request through.
func RateLimit(limiter Limiter, limitPerMinute int, logger *slog.Logger) func(http.Handler) http.Handler {
	if limiter == nil {
		panic("middleware.RateLimit requires a limiter")
	}
	if logger == nil {
		logger = slog.Default()
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if isPublicPath(r.URL.Path) {
				next.ServeHTTP(w, r)
				return
			}

			decision, err := limiter.Allow(r.Context(), rateLimitKey(r), limitPerMinute)
			if err != nil {
				logger.Warn("rate limiter unavailable", "path", r.URL.Path, "error", err)
				next.ServeHTTP(w, r)
				return
			}

			w.Header().Set(headerRateLimitLimit, strconv.Itoa(decision.LimitPerMinute))
			w.Header().Set(headerRateLimitRemaining, strconv.Itoa(decision.Remaining))
			if !decision.Allowed {
				w.Header().Set(headerRetryAfter, strconv.Itoa(decision.RetryAfterSeconds))
				http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func rateLimitKey(r *http.Request) string {
	if addr, ok := auth.AddressFromContext(r.Context()); ok {
		return "acct:" + addr.String()
	}
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		ip = strings.Trim(r.RemoteAddr, "[]")
	}
	return "ip:" + ip
}
