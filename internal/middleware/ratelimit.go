package middleware

import (
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"

	"github.com/iliyamo/escrow-reservation/internal/config"
)

// limiterScript refills and takes one token atomically.  It returns
// {allowed, remaining, retry_after_ms}.
var limiterScript = redis.NewScript(`
	local key = KEYS[1]
	local now_ms = tonumber(ARGV[1])
	local capacity = tonumber(ARGV[2])
	local refill_tokens = tonumber(ARGV[3])
	local interval_ms = tonumber(ARGV[4])
	local ttl_seconds = tonumber(ARGV[5])

	local state = redis.call('HMGET', key, 'tokens', 'last_refill_ms')
	local tokens = tonumber(state[1])
	local last_refill = tonumber(state[2])
	if tokens == nil or last_refill == nil then
		tokens = capacity
		last_refill = now_ms
	end

	if interval_ms > 0 and refill_tokens > 0 then
		local intervals = math.floor(math.max(0, now_ms - last_refill) / interval_ms)
		if intervals > 0 then
			tokens = math.min(capacity, tokens + (intervals * refill_tokens))
			last_refill = last_refill + (intervals * interval_ms)
		end
	end

	local allowed = 0
	local retry_after_ms = 0
	if tokens > 0 then
		allowed = 1
		tokens = tokens - 1
	else
		retry_after_ms = math.max(0, interval_ms - (now_ms - last_refill))
	end

	redis.call('HSET', key, 'tokens', tokens, 'last_refill_ms', last_refill)
	redis.call('EXPIRE', key, ttl_seconds)
	return { allowed, tokens, retry_after_ms }
`)

// decision is the outcome of one token request.
type decision struct {
	allowed   bool
	remaining int64
	retry     time.Duration
}

// bucket takes a token for key.  ok is false when the backend could not
// decide, in which case the request is let through.
type bucket func(c echo.Context, key string) (d decision, ok bool)

// NewTokenBucket limits requests per key with a token bucket.  Buckets
// live in Redis when rdb is set so every instance shares them, otherwise
// in process.
func NewTokenBucket(cfg config.RateLimitConfig, rdb redis.Scripter, log *slog.Logger) echo.MiddlewareFunc {
	if !cfg.Enabled {
		return func(next echo.HandlerFunc) echo.HandlerFunc { return next }
	}
	if log == nil {
		log = slog.Default()
	}
	take := localBucket(cfg)
	if rdb != nil {
		take = redisBucket(cfg, rdb, log)
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			key := buildRateKey(cfg, c)
			d, ok := take(c, key)
			if !ok {
				return next(c)
			}
			c.Response().Header().Set("X-RateLimit-Limit", strconv.Itoa(cfg.Capacity))
			c.Response().Header().Set("X-RateLimit-Remaining", strconv.FormatInt(d.remaining, 10))
			if !d.allowed {
				secs := int(math.Ceil(d.retry.Seconds()))
				c.Response().Header().Set("Retry-After", strconv.Itoa(secs))
				if cfg.Debug {
					log.Info("rate limited", "key", key, "retry_after", d.retry)
				}
				return c.JSON(http.StatusTooManyRequests, echo.Map{
					"error":       "too_many_requests",
					"message":     "rate limit exceeded",
					"retry_after": secs,
				})
			}
			if cfg.Debug {
				c.Response().Header().Set("X-RateLimit-Key", key)
			}
			return next(c)
		}
	}
}

func redisBucket(cfg config.RateLimitConfig, rdb redis.Scripter, log *slog.Logger) bucket {
	return func(c echo.Context, key string) (decision, bool) {
		args := []interface{}{
			time.Now().UnixMilli(),
			cfg.Capacity,
			cfg.RefillTokens,
			cfg.RefillInterval.Milliseconds(),
			int64(cfg.TTL / time.Second),
		}
		vals, err := limiterScript.Run(c.Request().Context(), rdb, []string{key}, args...).Result()
		if err != nil {
			log.Warn("rate limiter unavailable", "key", key, "error", err)
			return decision{}, false
		}
		arr, ok := vals.([]interface{})
		if !ok || len(arr) != 3 {
			log.Warn("unexpected rate limiter result", "key", key, "result", fmt.Sprintf("%#v", vals))
			return decision{}, false
		}
		return decision{
			allowed:   asInt64(arr[0]) == 1,
			remaining: asInt64(arr[1]),
			retry:     time.Duration(asInt64(arr[2])) * time.Millisecond,
		}, true
	}
}

// localBucket keeps one limiter per key in an LRU whose entries expire
// after cfg.TTL of inactivity.
func localBucket(cfg config.RateLimitConfig) bucket {
	limiters := expirable.NewLRU[string, *rate.Limiter](100_000, nil, cfg.TTL)
	var mu sync.Mutex
	every := rate.Every(cfg.RefillInterval / time.Duration(cfg.RefillTokens))
	return func(_ echo.Context, key string) (decision, bool) {
		mu.Lock()
		l, ok := limiters.Get(key)
		if !ok {
			l = rate.NewLimiter(every, cfg.Capacity)
		}
		limiters.Add(key, l)
		mu.Unlock()

		now := time.Now()
		r := l.ReserveN(now, 1)
		if delay := r.DelayFrom(now); delay > 0 {
			r.CancelAt(now)
			return decision{retry: delay}, true
		}
		return decision{allowed: true, remaining: int64(l.TokensAt(now))}, true
	}
}

func asInt64(v interface{}) int64 {
	switch t := v.(type) {
	case int64:
		return t
	case int:
		return int64(t)
	case float64:
		return int64(t)
	case string:
		if n, err := strconv.ParseInt(t, 10, 64); err == nil {
			return n
		}
	}
	return 0
}

func buildRateKey(cfg config.RateLimitConfig, c echo.Context) string {
	parts := []string{cfg.Prefix}
	ip := c.RealIP()
	if ip == "" {
		ip = "unknown"
	}
	wallet := Wallet(c)
	if wallet == "" {
		wallet = "anon"
	}
	route := c.Request().Method + " " + c.Path()

	switch strings.ToLower(cfg.KeyStrategy) {
	case "ip":
		parts = append(parts, "ip", ip)
	case "wallet":
		parts = append(parts, "wallet", wallet)
	case "route":
		parts = append(parts, "route", route)
	case "ip_wallet":
		parts = append(parts, "ip", ip, "wallet", wallet)
	case "ip_route":
		parts = append(parts, "ip", ip, "route", route)
	case "wallet_route":
		parts = append(parts, "wallet", wallet, "route", route)
	default:
		parts = append(parts, "ip", ip, "wallet", wallet, "route", route)
	}
	return strings.Join(parts, ":")
}
